// Package metrics exposes Prometheus counters/gauges for the server and
// benchmark clients, plus a cheap local mirror (Snap) so tests can
// assert on counter deltas without scraping the HTTP endpoint.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/epa127/aspen/internal/logging"
)

// Prometheus series.
var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aspen_requests_total",
		Help: "Total requests received by the server, by class.",
	}, []string{"class"})
	ResponsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aspen_responses_total",
		Help: "Total responses sent by the server, by class.",
	}, []string{"class"})
	DroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aspen_dropped_requests_total",
		Help: "Total open-loop requests dropped on a connection reset, by class.",
	}, []string{"class"})
	InFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aspen_connections_in_flight",
		Help: "Current number of accepted connections being served.",
	})
	WorkerQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aspen_worker_queue_depth",
		Help: "Pending connections queued per scheduler shard.",
	}, []string{"shard"})
	BeScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "aspen_be_scan_duration_seconds",
		Help:    "Duration of best-effort substring scans.",
		Buckets: prometheus.DefBuckets,
	})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aspen_errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aspen_build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality).
const (
	ErrConnRead   = "conn_read"
	ErrConnWrite  = "conn_write"
	ErrConnReset  = "conn_reset"
	ErrConnClosed = "conn_closed"
	ErrParse      = "parse"
	ErrAccept     = "accept"
	ErrListen     = "listen"
	ErrUnexpected = "unexpected_message_type"
	ErrInternal   = "internal"
)

// StartHTTP serves Prometheus metrics at /metrics on a fresh mux.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for cheap in-process assertions (tests, logs).
var (
	localRequests  [3]uint64
	localResponses [3]uint64
	localDropped   [3]uint64
	localErrors    uint64
	localInFlight  int64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Requests  [3]uint64
	Responses [3]uint64
	Dropped   [3]uint64
	Errors    uint64
	InFlight  int64
}

func Snap() Snapshot {
	return Snapshot{
		Requests:  [3]uint64{atomic.LoadUint64(&localRequests[0]), atomic.LoadUint64(&localRequests[1]), atomic.LoadUint64(&localRequests[2])},
		Responses: [3]uint64{atomic.LoadUint64(&localResponses[0]), atomic.LoadUint64(&localResponses[1]), atomic.LoadUint64(&localResponses[2])},
		Dropped:   [3]uint64{atomic.LoadUint64(&localDropped[0]), atomic.LoadUint64(&localDropped[1]), atomic.LoadUint64(&localDropped[2])},
		Errors:    atomic.LoadUint64(&localErrors),
		InFlight:  atomic.LoadInt64(&localInFlight),
	}
}

// IncRequest records one received request of the given class (0=BE, 1=LC read, 2=LC write).
func IncRequest(class int, label string) {
	RequestsTotal.WithLabelValues(label).Inc()
	atomic.AddUint64(&localRequests[class], 1)
}

// IncResponse records one sent response of the given class.
func IncResponse(class int, label string) {
	ResponsesTotal.WithLabelValues(label).Inc()
	atomic.AddUint64(&localResponses[class], 1)
}

// IncDropped records one open-loop request dropped by a connection reset.
func IncDropped(class int, label string) {
	DroppedTotal.WithLabelValues(label).Inc()
	atomic.AddUint64(&localDropped[class], 1)
}

// IncInFlight/DecInFlight track accepted-but-not-yet-closed connections.
func IncInFlight() {
	InFlight.Inc()
	atomic.AddInt64(&localInFlight, 1)
}

func DecInFlight() {
	InFlight.Dec()
	atomic.AddInt64(&localInFlight, -1)
}

// SetWorkerQueueDepth records the pending-connection count for one shard.
func SetWorkerQueueDepth(shard string, n int) {
	WorkerQueueDepth.WithLabelValues(shard).Set(float64(n))
}

// ObserveBeScanSeconds records one best-effort scan's wall time.
func ObserveBeScanSeconds(seconds float64) {
	BeScanDuration.Observe(seconds)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge and pre-registers error label
// series so the first error of a kind doesn't pay registration latency.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrConnRead, ErrConnWrite, ErrConnReset, ErrConnClosed,
		ErrParse, ErrAccept, ErrListen, ErrUnexpected, ErrInternal,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}
