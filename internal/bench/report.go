package bench

import (
	"fmt"
	"io"
	"time"

	"github.com/epa127/aspen/internal/wire"
)

// DefaultQuantiles is the quantile list used for the detailed
// per-class distribution table when the caller does not supply its
// own (the Go analogue of original_source's bench/quantiles.txt).
var DefaultQuantiles = []float64{50, 75, 90, 95, 99, 99.5, 99.9, 99.95, 99.99}

// WriteClosedLoopReport writes a human-readable summary of a closed-loop
// run, mirroring client.rs's run_benchmark text report.
func WriteClosedLoopReport(w io.Writer, cfg ClosedLoopConfig, res *ClosedLoopResult) {
	fmt.Fprintf(w, "--- CLOSED-LOOP BENCHMARK ---\n")
	fmt.Fprintf(w, "SETUP:\n    THREADS: %d\n    CONNECTIONS PER THREAD: %d\n    WORKLOAD: %d\n    BE:LC RATIO: %.3f\n\n",
		cfg.NumThreads, cfg.ConnsPerThr, cfg.Workload, cfg.BeLcRatio)
	rps := float64(res.Workload) / res.Elapsed.Seconds()
	fmt.Fprintf(w, "THROUGHPUT: %d TASKS / %s = %.1f TASKS PER SECOND\n\n", res.Workload, res.Elapsed, rps)
	writeClassStats(w, res.Latency)
}

// WriteOpenLoopReport writes a human-readable summary of an open-loop
// run, mirroring open.rs's general_results text report, followed by
// the supplemented per-class quantile-distribution table.
func WriteOpenLoopReport(w io.Writer, cfg OpenLoopConfig, res *OpenLoopResult, quantiles []float64) {
	fmt.Fprintf(w, "--- OPEN-LOOP BENCHMARK ---\n")
	fmt.Fprintf(w, "SETUP:\n    THREADS: %d\n    CONNECTIONS PER THREAD: %d\n    TARGET RPS: %.1f\n    BE:LC RATIO: %.3f\n    LC WRITE:READ RATIO: %.3f\n\n",
		cfg.NumThreads, cfg.ConnsPerThr, cfg.TargetRPS, cfg.BeLcRatio, cfg.LcWrRatio)
	actualRPS := float64(res.RequestsSent) / cfg.RuntimeSecs
	fmt.Fprintf(w, "CLIENT EFFECTIVENESS: %d REQUESTS SENT / %.1f SECONDS = %.1f RPS\n\n", res.RequestsSent, cfg.RuntimeSecs, actualRPS)
	completed := res.RequestsSent - res.Dropped
	fmt.Fprintf(w, "THROUGHPUT: (%d SENT - %d DROPPED) / %.1f SECONDS = %.1f TASKS PER SECOND\n\n",
		res.RequestsSent, res.Dropped, cfg.RuntimeSecs, float64(completed)/cfg.RuntimeSecs)
	writeClassStats(w, res.Latency)

	if len(quantiles) == 0 {
		quantiles = DefaultQuantiles
	}
	for _, class := range wire.Classes() {
		if res.Latency.Histogram(class).TotalCount() == 0 {
			continue
		}
		fmt.Fprintf(w, "%s QUANTILE DISTRIBUTION:\n", class)
		res.Latency.WriteQuantileDistribution(w, class, quantiles)
		fmt.Fprintln(w)
	}
}

func writeClassStats(w io.Writer, agg *LatencyAggregator) {
	for _, s := range agg.Stats() {
		fmt.Fprintf(w, "%s STATS:\n    SIZE: %d\n    p50 LATENCY: %s\n    p95 LATENCY: %s\n    p99 LATENCY: %s\n    p99.9 LATENCY: %s\n    MEAN LATENCY: %s\n    STD DEV: %s\n\n",
			s.Class, s.Count,
			formatLatency(s.P50), formatLatency(s.P95), formatLatency(s.P99), formatLatency(s.P999),
			formatLatency(int64(s.Mean)), formatLatency(int64(s.StdDev)))
	}
}

// formatLatency scales a nanosecond duration into the same
// micro/milli/second bucketed presentation open.rs's general_results
// uses for its histogram values.
func formatLatency(nanos int64) string {
	d := time.Duration(nanos)
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%d µs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%.3f ms", float64(d.Microseconds())/1000)
	default:
		return fmt.Sprintf("%.6f secs", d.Seconds())
	}
}
