package runtime

import (
	"expvar"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var expvarSeq uint64

// ExpvarMetricsRecorder publishes aggregate dispatch timing and result
// counters via expvar, for deployments that prefer process-local metrics
// without an external scrape target. Durations accumulate in milliseconds
// per operation/driver pair.
type ExpvarMetricsRecorder struct {
	name      string
	mu        sync.Mutex
	durations map[string]float64
	results   map[string]map[string]int64
}

// ExpvarMetricsSnapshot captures a read-only view of the recorded metrics.
type ExpvarMetricsSnapshot struct {
	DurationsMS map[string]float64          `json:"durations_ms_total"`
	Results     map[string]map[string]int64 `json:"results_total"`
	RecordedAt  time.Time                   `json:"recorded_at"`
}

// NewExpvarMetricsRecorder constructs an expvar-backed recorder published
// under the supplied name. When name is empty, a unique one is generated.
func NewExpvarMetricsRecorder(name string) *ExpvarMetricsRecorder {
	if name == "" {
		id := atomic.AddUint64(&expvarSeq, 1)
		name = fmt.Sprintf("loomcore_dispatch_metrics_%d", id)
	}
	rec := &ExpvarMetricsRecorder{
		name:      name,
		durations: make(map[string]float64),
		results:   make(map[string]map[string]int64),
	}
	expvar.Publish(name, expvar.Func(func() any {
		return rec.Snapshot()
	}))
	return rec
}

// Name returns the expvar export name associated with the recorder.
func (r *ExpvarMetricsRecorder) Name() string { return r.name }

// Snapshot returns an immutable copy of the aggregated metrics.
func (r *ExpvarMetricsRecorder) Snapshot() ExpvarMetricsSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	durations := make(map[string]float64, len(r.durations))
	for k, total := range r.durations {
		durations[k] = total
	}
	results := make(map[string]map[string]int64, len(r.results))
	for k, statusCounts := range r.results {
		cpy := make(map[string]int64, len(statusCounts))
		for status, count := range statusCounts {
			cpy[status] = count
		}
		results[k] = cpy
	}
	return ExpvarMetricsSnapshot{
		DurationsMS: durations,
		Results:     results,
		RecordedAt:  time.Now().UTC(),
	}
}

// ObserveDispatch records one completed dispatch.
func (r *ExpvarMetricsRecorder) ObserveDispatch(operation, driver, status string, elapsed time.Duration) {
	if operation == "" {
		return
	}
	key := operation + "/" + driver
	ms := float64(elapsed) / float64(time.Millisecond)

	r.mu.Lock()
	r.durations[key] += ms
	if _, ok := r.results[key]; !ok {
		r.results[key] = make(map[string]int64, 2)
	}
	r.results[key][status]++
	r.mu.Unlock()
}

// PrometheusMetricsRecorder exposes dispatch outcomes as a counter and a
// duration histogram registered against the supplied registerer.
type PrometheusMetricsRecorder struct {
	dispatches *prometheus.CounterVec
	durations  *prometheus.HistogramVec
}

// NewPrometheusMetricsRecorder registers the dispatch metrics on reg. Pass
// prometheus.DefaultRegisterer for the process-global registry.
func NewPrometheusMetricsRecorder(reg prometheus.Registerer) (*PrometheusMetricsRecorder, error) {
	rec := &PrometheusMetricsRecorder{
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loomcore",
			Name:      "dispatches_total",
			Help:      "Completed resolver dispatches by operation, driver and status.",
		}, []string{"operation", "driver", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "loomcore",
			Name:      "dispatch_duration_seconds",
			Help:      "Resolver dispatch latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "driver"}),
	}
	if err := reg.Register(rec.dispatches); err != nil {
		return nil, err
	}
	if err := reg.Register(rec.durations); err != nil {
		return nil, err
	}
	return rec, nil
}

// ObserveDispatch records one completed dispatch.
func (r *PrometheusMetricsRecorder) ObserveDispatch(operation, driver, status string, elapsed time.Duration) {
	r.dispatches.WithLabelValues(operation, driver, status).Inc()
	r.durations.WithLabelValues(operation, driver).Observe(elapsed.Seconds())
}
