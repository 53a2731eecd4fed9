package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"

	LookupHit  = "hit"
	LookupMiss = "miss"
)

var (
	mu                sync.RWMutex
	tasksTotal        *prometheus.CounterVec
	taskRetriesTotal  *prometheus.CounterVec
	cacheLookupsTotal *prometheus.CounterVec
	cacheEvictions    prometheus.Counter
	cacheBytes        prometheus.Gauge
)

// InitMetrics registers all custom metrics with the provided registry
func InitMetrics(registry prometheus.Registerer) {
	tv := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileflow_tasks_total",
			Help: "Total number of tasks that reached a terminal state",
		},
		[]string{"kernel", "status"},
	)
	rv := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileflow_task_retries_total",
			Help: "Total number of task attempts that were retried",
		},
		[]string{"kernel"},
	)
	lv := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileflow_cache_lookups_total",
			Help: "Total number of result cache lookups",
		},
		[]string{"result"},
	)
	ev := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tileflow_cache_evictions_total",
		Help: "Total number of result cache entries evicted",
	})
	bv := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tileflow_cache_bytes",
		Help: "Payload bytes held by the result cache after the last eviction pass",
	})

	registry.MustRegister(tv)
	registry.MustRegister(rv)
	registry.MustRegister(lv)
	registry.MustRegister(ev)
	registry.MustRegister(bv)

	mu.Lock()
	tasksTotal, taskRetriesTotal, cacheLookupsTotal, cacheEvictions, cacheBytes = tv, rv, lv, ev, bv
	mu.Unlock()
}

// InitMetricsAndEmitter registers metrics with Prometheus and creates a metrics emitter
func InitMetricsAndEmitter(registry prometheus.Registerer) *MetricsEmitter {
	InitMetrics(registry)
	return NewMetricsEmitter()
}

// MetricsEmitter handles emission of custom metrics. All methods are safe on a
// nil receiver and before InitMetrics.
type MetricsEmitter struct{}

// NewMetricsEmitter creates a new metrics emitter
func NewMetricsEmitter() *MetricsEmitter {
	return &MetricsEmitter{}
}

// EmitTask counts a task reaching a terminal status.
func (m *MetricsEmitter) EmitTask(kernel, status string) {
	if m == nil {
		return
	}
	mu.RLock()
	defer mu.RUnlock()
	if tasksTotal == nil {
		return
	}
	tasksTotal.With(prometheus.Labels{"kernel": kernel, "status": status}).Inc()
}

// EmitRetry counts one retried attempt.
func (m *MetricsEmitter) EmitRetry(kernel string) {
	if m == nil {
		return
	}
	mu.RLock()
	defer mu.RUnlock()
	if taskRetriesTotal == nil {
		return
	}
	taskRetriesTotal.With(prometheus.Labels{"kernel": kernel}).Inc()
}

// EmitCacheLookup counts a cache hit or miss.
func (m *MetricsEmitter) EmitCacheLookup(hit bool) {
	if m == nil {
		return
	}
	mu.RLock()
	defer mu.RUnlock()
	if cacheLookupsTotal == nil {
		return
	}
	result := LookupMiss
	if hit {
		result = LookupHit
	}
	cacheLookupsTotal.With(prometheus.Labels{"result": result}).Inc()
}

// EmitEviction records an eviction pass.
func (m *MetricsEmitter) EmitEviction(evicted int, remainingBytes int64) {
	if m == nil {
		return
	}
	mu.RLock()
	defer mu.RUnlock()
	if cacheEvictions == nil {
		return
	}
	cacheEvictions.Add(float64(evicted))
	cacheBytes.Set(float64(remainingBytes))
}
