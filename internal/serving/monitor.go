package serving

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const DefaultWindowCapacity = 1000

type metricSample struct {
	at        time.Time
	latencyMS float64
	success   bool
}

// metricWindow is a fixed-capacity ring of samples for one model key.
// Oldest samples are dropped first once the capacity is exceeded.
type metricWindow struct {
	mu      sync.Mutex
	samples []metricSample
	next    int
	filled  bool
}

func (w *metricWindow) record(sample metricSample) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples[w.next] = sample
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.filled = true
	}
}

// snapshot returns the window's samples in insertion order.
func (w *metricWindow) snapshot() []metricSample {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.filled {
		out := make([]metricSample, w.next)
		copy(out, w.samples[:w.next])
		return out
	}
	out := make([]metricSample, 0, len(w.samples))
	out = append(out, w.samples[w.next:]...)
	out = append(out, w.samples[:w.next]...)
	return out
}

// MetricStats is the percentile/error-rate summary over one window snapshot.
type MetricStats struct {
	P50       float64 `json:"p50_ms"`
	P95       float64 `json:"p95_ms"`
	P99       float64 `json:"p99_ms"`
	Mean      float64 `json:"mean_ms"`
	Max       float64 `json:"max_ms"`
	Count     int     `json:"count"`
	ErrorRate float64 `json:"error_rate"`
}

// GlobalStats aggregates across all tracked models. The lifetime counters are
// never reset by window eviction.
type GlobalStats struct {
	TotalPredictions int64       `json:"total_predictions"`
	TotalErrors      int64       `json:"total_errors"`
	ErrorRate        float64     `json:"error_rate"`
	TrackedModels    int         `json:"tracked_models"`
	Window           MetricStats `json:"window"`
}

// PerformanceMonitor tracks rolling-window latency and error samples per
// model key. Windows for different keys may be updated in parallel; samples
// for the same key are serialized by that window's own lock.
type PerformanceMonitor struct {
	mu       sync.RWMutex
	capacity int
	windows  map[string]*metricWindow

	totalPredictions atomic.Int64
	totalErrors      atomic.Int64
}

func NewPerformanceMonitor(windowCapacity int) *PerformanceMonitor {
	if windowCapacity <= 0 {
		windowCapacity = DefaultWindowCapacity
	}
	return &PerformanceMonitor{
		capacity: windowCapacity,
		windows:  make(map[string]*metricWindow),
	}
}

// Record appends one sample for modelKey.
func (m *PerformanceMonitor) Record(modelKey string, latencyMS float64, success bool) {
	m.totalPredictions.Add(1)
	if !success {
		m.totalErrors.Add(1)
	}

	m.mu.RLock()
	window, ok := m.windows[modelKey]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		window, ok = m.windows[modelKey]
		if !ok {
			window = &metricWindow{samples: make([]metricSample, m.capacity)}
			m.windows[modelKey] = window
		}
		m.mu.Unlock()
	}
	window.record(metricSample{at: time.Now(), latencyMS: latencyMS, success: success})
}

// Stats computes percentile statistics over the current window for modelKey.
// Computing stats never mutates the window.
func (m *PerformanceMonitor) Stats(modelKey string) (MetricStats, bool) {
	m.mu.RLock()
	window, ok := m.windows[modelKey]
	m.mu.RUnlock()
	if !ok {
		return MetricStats{}, false
	}
	return statsFromSamples(window.snapshot()), true
}

// GlobalStats merges every window's current snapshot and reports the
// lifetime counters.
func (m *PerformanceMonitor) GlobalStats() GlobalStats {
	m.mu.RLock()
	windows := make([]*metricWindow, 0, len(m.windows))
	for _, window := range m.windows {
		windows = append(windows, window)
	}
	tracked := len(m.windows)
	m.mu.RUnlock()

	var merged []metricSample
	for _, window := range windows {
		merged = append(merged, window.snapshot()...)
	}

	total := m.totalPredictions.Load()
	errors := m.totalErrors.Load()
	errorRate := 0.0
	if total > 0 {
		errorRate = float64(errors) / float64(total)
	}
	return GlobalStats{
		TotalPredictions: total,
		TotalErrors:      errors,
		ErrorRate:        errorRate,
		TrackedModels:    tracked,
		Window:           statsFromSamples(merged),
	}
}

// PrometheusText renders the global stats in Prometheus exposition format.
func (m *PerformanceMonitor) PrometheusText() string {
	stats := m.GlobalStats()
	return fmt.Sprintf(
		"# HELP oncoserve_predictions_total Lifetime prediction count.\n"+
			"# TYPE oncoserve_predictions_total counter\n"+
			"oncoserve_predictions_total %d\n"+
			"# HELP oncoserve_prediction_errors_total Lifetime failed prediction count.\n"+
			"# TYPE oncoserve_prediction_errors_total counter\n"+
			"oncoserve_prediction_errors_total %d\n"+
			"# HELP oncoserve_prediction_error_rate Lifetime error rate.\n"+
			"# TYPE oncoserve_prediction_error_rate gauge\n"+
			"oncoserve_prediction_error_rate %.6f\n"+
			"# HELP oncoserve_tracked_models Model keys with at least one sample.\n"+
			"# TYPE oncoserve_tracked_models gauge\n"+
			"oncoserve_tracked_models %d\n"+
			"# HELP oncoserve_latency_ms Windowed latency statistics in milliseconds.\n"+
			"# TYPE oncoserve_latency_ms gauge\n"+
			"oncoserve_latency_ms{stat=\"p50\"} %.6f\n"+
			"oncoserve_latency_ms{stat=\"p95\"} %.6f\n"+
			"oncoserve_latency_ms{stat=\"p99\"} %.6f\n"+
			"oncoserve_latency_ms{stat=\"mean\"} %.6f\n"+
			"oncoserve_latency_ms{stat=\"max\"} %.6f\n",
		stats.TotalPredictions,
		stats.TotalErrors,
		stats.ErrorRate,
		stats.TrackedModels,
		stats.Window.P50,
		stats.Window.P95,
		stats.Window.P99,
		stats.Window.Mean,
		stats.Window.Max,
	)
}

func statsFromSamples(samples []metricSample) MetricStats {
	if len(samples) == 0 {
		return MetricStats{}
	}
	latencies := make([]float64, len(samples))
	failures := 0
	sum := 0.0
	max := 0.0
	for i, sample := range samples {
		latencies[i] = sample.latencyMS
		sum += sample.latencyMS
		if sample.latencyMS > max {
			max = sample.latencyMS
		}
		if !sample.success {
			failures++
		}
	}
	sort.Float64s(latencies)
	return MetricStats{
		P50:       nearestRank(latencies, 50),
		P95:       nearestRank(latencies, 95),
		P99:       nearestRank(latencies, 99),
		Mean:      sum / float64(len(samples)),
		Max:       max,
		Count:     len(samples),
		ErrorRate: float64(failures) / float64(len(samples)),
	}
}

// nearestRank returns the percentile value from sorted ascending latencies.
func nearestRank(sorted []float64, percentile float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(percentile / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
