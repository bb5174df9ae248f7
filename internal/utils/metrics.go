// internal/utils/metrics.go
package utils

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metric names used across the pipeline
const (
	MetricJobsStarted       = "jobs_started_total"
	MetricJobsDone          = "jobs_done_total"
	MetricJobsFailed        = "jobs_failed_total"
	MetricJobsRunning       = "jobs_running"
	MetricDraftsCreated     = "drafts_created_total"
	MetricDraftsQuarantined = "drafts_quarantined_total"
	MetricRetries           = "retries_total"
	MetricRetryFailures     = "retry_failures_total"
	MetricPublishes         = "publishes_total"
	MetricPublishFailures   = "publish_failures_total"
	MetricLLMCalls          = "llm_calls_total"
	MetricLLMLatency        = "llm_latency_ms"
	MetricMediaBuilds       = "media_builds_total"
	MetricMediaLatency      = "media_build_ms"
)

// MetricsCollector collects application metrics
type MetricsCollector struct {
	counters  map[string]*int64
	gauges    map[string]*int64
	durations map[string]*durationStat

	mu sync.RWMutex
}

type durationStat struct {
	mu    sync.Mutex
	count int64
	sum   int64
	max   int64
}

var (
	globalMetrics *MetricsCollector
	metricsOnce   sync.Once
)

// NewMetricsCollector creates an empty collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		counters:  make(map[string]*int64),
		gauges:    make(map[string]*int64),
		durations: make(map[string]*durationStat),
	}
}

// GetMetricsCollector returns the global metrics collector
func GetMetricsCollector() *MetricsCollector {
	metricsOnce.Do(func() {
		globalMetrics = NewMetricsCollector()
	})
	return globalMetrics
}

// slot returns the cell for name in table, creating it under the write lock if needed
func (m *MetricsCollector) slot(table map[string]*int64, name string) *int64 {
	m.mu.RLock()
	v, ok := table[name]
	m.mu.RUnlock()
	if ok {
		return v
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok = table[name]; !ok {
		v = new(int64)
		table[name] = v
	}
	return v
}

// IncrementCounter increments a counter metric
func (m *MetricsCollector) IncrementCounter(name string) {
	atomic.AddInt64(m.slot(m.counters, name), 1)
}

// AddCounter adds a value to a counter metric
func (m *MetricsCollector) AddCounter(name string, value int64) {
	atomic.AddInt64(m.slot(m.counters, name), value)
}

// GetCounterValue gets the current value of a counter
func (m *MetricsCollector) GetCounterValue(name string) int64 {
	return atomic.LoadInt64(m.slot(m.counters, name))
}

// IncGauge increments a gauge metric
func (m *MetricsCollector) IncGauge(name string) {
	atomic.AddInt64(m.slot(m.gauges, name), 1)
}

// DecGauge decrements a gauge metric
func (m *MetricsCollector) DecGauge(name string) {
	atomic.AddInt64(m.slot(m.gauges, name), -1)
}

// GetGauge gets the current value of a gauge
func (m *MetricsCollector) GetGauge(name string) int64 {
	return atomic.LoadInt64(m.slot(m.gauges, name))
}

// ObserveDuration records one elapsed duration in milliseconds
func (m *MetricsCollector) ObserveDuration(name string, d time.Duration) {
	m.mu.RLock()
	stat, ok := m.durations[name]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if stat, ok = m.durations[name]; !ok {
			stat = &durationStat{}
			m.durations[name] = stat
		}
		m.mu.Unlock()
	}

	ms := d.Milliseconds()
	stat.mu.Lock()
	stat.count++
	stat.sum += ms
	if ms > stat.max {
		stat.max = ms
	}
	stat.mu.Unlock()
}

// GetMetrics returns a snapshot of all metrics
func (m *MetricsCollector) GetMetrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counters := make(map[string]int64, len(m.counters))
	for name, v := range m.counters {
		counters[name] = atomic.LoadInt64(v)
	}
	gauges := make(map[string]int64, len(m.gauges))
	for name, v := range m.gauges {
		gauges[name] = atomic.LoadInt64(v)
	}
	durations := make(map[string]map[string]int64, len(m.durations))
	for name, stat := range m.durations {
		stat.mu.Lock()
		durations[name] = map[string]int64{
			"count": stat.count,
			"sum":   stat.sum,
			"max":   stat.max,
		}
		stat.mu.Unlock()
	}

	return map[string]interface{}{
		"counters":  counters,
		"gauges":    gauges,
		"durations": durations,
	}
}
