// Package bench implements the closed-loop and open-loop benchmark
// clients (spec §5) and their latency reporting.
package bench

import (
	"fmt"
	"io"
	"strings"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"

	"github.com/epa127/aspen/internal/wire"
)

const (
	lowestTrackable  = 1
	highestTrackable = int64(^uint64(0) >> 1) // math.MaxInt64, the widest value hdrhistogram accepts
)

// LatencyAggregator tracks one HDR histogram per request class, mirroring
// the original client's per-ResponseType stat_map.
type LatencyAggregator struct {
	byClass map[wire.Class]*hdrhistogram.Histogram
}

// NewLatencyAggregator builds an aggregator with one histogram per
// wire.Class, each spanning [1, MaxInt64] nanoseconds at wire.SigFig
// significant figures.
func NewLatencyAggregator() *LatencyAggregator {
	a := &LatencyAggregator{byClass: make(map[wire.Class]*hdrhistogram.Histogram, len(wire.Classes()))}
	for _, c := range wire.Classes() {
		a.byClass[c] = hdrhistogram.New(lowestTrackable, highestTrackable, wire.SigFig)
	}
	return a
}

// Record adds one observed latency (nanoseconds) to the class's histogram.
func (a *LatencyAggregator) Record(class wire.Class, latencyNanos int64) {
	if latencyNanos < lowestTrackable {
		latencyNanos = lowestTrackable
	}
	_ = a.byClass[class].RecordValue(latencyNanos)
}

// Merge folds other's histograms into a, used to combine per-thread
// aggregators into one process-wide result at the end of a run.
func (a *LatencyAggregator) Merge(other *LatencyAggregator) {
	for _, c := range wire.Classes() {
		a.byClass[c].Merge(other.byClass[c])
	}
}

// Histogram returns the underlying histogram for one class.
func (a *LatencyAggregator) Histogram(class wire.Class) *hdrhistogram.Histogram {
	return a.byClass[class]
}

// ClassStats summarizes one class's histogram for reporting.
type ClassStats struct {
	Class     wire.Class
	Count     int64
	P50       int64
	P95       int64
	P99       int64
	P999      int64
	Mean      float64
	StdDev    float64
}

// Stats computes ClassStats for every class with at least one observation.
func (a *LatencyAggregator) Stats() []ClassStats {
	out := make([]ClassStats, 0, len(wire.Classes()))
	for _, c := range wire.Classes() {
		h := a.byClass[c]
		if h.TotalCount() == 0 {
			continue
		}
		out = append(out, ClassStats{
			Class:  c,
			Count:  h.TotalCount(),
			P50:    h.ValueAtQuantile(50),
			P95:    h.ValueAtQuantile(95),
			P99:    h.ValueAtQuantile(99),
			P999:   h.ValueAtQuantile(99.9),
			Mean:   h.Mean(),
			StdDev: h.StdDev(),
		})
	}
	return out
}

// WriteSummary writes the general per-class latency table, matching the
// original client's general_results summary line layout.
func (a *LatencyAggregator) WriteSummary(w io.Writer, totalRequests, totalDropped uint64) {
	fmt.Fprintf(w, "requests=%d dropped=%d\n", totalRequests, totalDropped)
	for _, s := range a.Stats() {
		fmt.Fprintf(w, "%-8s count=%-10d p50=%-10d p95=%-10d p99=%-10d p999=%-10d mean=%-10.1f stdev=%-10.1f\n",
			s.Class, s.Count, s.P50, s.P95, s.P99, s.P999, s.Mean, s.StdDev)
	}
}

// WriteQuantileDistribution writes the detailed value/quantile/count
// table for one class, the Go analogue of the original's
// latency_by_quant_distr. quantiles is expressed as percentiles
// (e.g. 50, 95, 99, 99.9), matching hdrhistogram-go's ValueAtQuantile.
func (a *LatencyAggregator) WriteQuantileDistribution(w io.Writer, class wire.Class, quantiles []float64) {
	h := a.byClass[class]
	fmt.Fprintf(w, "%-10s %-10s %-10s %-14s\n", "Value", "Quantile", "AggCount", "1/(1-q)")
	for _, q := range quantiles {
		value := h.ValueAtQuantile(q)
		aggCount := int64(float64(h.TotalCount()) * (q / 100))
		inverse := inverseQuantile(q)
		fmt.Fprintf(w, "%-10d %-10.4f %-10d %-14s\n", value, q/100, aggCount, inverse)
	}
}

func inverseQuantile(percentile float64) string {
	q := percentile / 100
	if q >= 1 {
		return "inf"
	}
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.3f", 1/(1-q)), "0"), ".")
}
