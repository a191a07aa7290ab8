// monitor/monitor.go
package monitor

import (
	"expvar"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	SearchesStarted   prometheus.Counter
	SearchesSucceeded prometheus.Counter
	SearchesFailed    prometheus.Counter
	EnergyReserved    prometheus.Counter
	EnergyRefunded    prometheus.Counter
	MatchingState     prometheus.Gauge
	QueueDepth        prometheus.Gauge
	TasksInFlight     prometheus.Gauge
	TasksTotal        *prometheus.CounterVec
	TaskLatency       prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		SearchesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "searches_started_total",
			Help:      "Number of matching attempts started",
		}),
		SearchesSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "searches_succeeded_total",
			Help:      "Number of matching attempts that reached ready",
		}),
		SearchesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "searches_failed_total",
			Help:      "Number of matching attempts that failed or timed out",
		}),
		EnergyReserved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "energy_reserved_total",
			Help:      "Energy units reserved for matching attempts",
		}),
		EnergyRefunded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "energy_refunded_total",
			Help:      "Energy units refunded after cancel or failure",
		}),
		MatchingState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "matching_state",
			Help:      "Current matching state (0=idle 1=searching 2=found 3=connecting 4=ready 5=failed)",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "task_queue_depth",
			Help:      "Number of queued integration tasks",
		}),
		TasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_in_flight",
			Help:      "Whether a task is currently being processed",
		}),
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Integration tasks processed, by kind and result",
		}, []string{"kind", "result"}),
		TaskLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_latency_seconds",
			Help:      "Integration task processing latency",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}

	prometheus.MustRegister(
		m.SearchesStarted,
		m.SearchesSucceeded,
		m.SearchesFailed,
		m.EnergyReserved,
		m.EnergyRefunded,
		m.MatchingState,
		m.QueueDepth,
		m.TasksInFlight,
		m.TasksTotal,
		m.TaskLatency,
	)

	return m
}

type Monitor struct {
	metrics   *Metrics
	startTime time.Time
}

func NewMonitor(namespace string) *Monitor {
	return &Monitor{
		metrics:   NewMetrics(namespace),
		startTime: time.Now(),
	}
}

func (m *Monitor) StartServer(addr string) {
	http.Handle("/metrics", promhttp.Handler())

	expvar.Publish("uptime", expvar.Func(func() interface{} {
		return time.Since(m.startTime).Seconds()
	}))

	go http.ListenAndServe(addr, nil)
}

func (m *Monitor) SearchStarted() {
	m.metrics.SearchesStarted.Inc()
}

func (m *Monitor) SearchSucceeded() {
	m.metrics.SearchesSucceeded.Inc()
}

func (m *Monitor) SearchFailed() {
	m.metrics.SearchesFailed.Inc()
}

func (m *Monitor) EnergyReserved(amount int) {
	m.metrics.EnergyReserved.Add(float64(amount))
}

func (m *Monitor) EnergyRefunded(amount int) {
	m.metrics.EnergyRefunded.Add(float64(amount))
}

func (m *Monitor) MatchingState(state int) {
	m.metrics.MatchingState.Set(float64(state))
}

// TaskStarted, TaskFinished and QueueDepth implement the task queue's
// MetricsHook.

func (m *Monitor) TaskStarted(kind string) {
	m.metrics.TasksInFlight.Set(1)
}

func (m *Monitor) TaskFinished(kind string, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.metrics.TasksInFlight.Set(0)
	m.metrics.TasksTotal.WithLabelValues(kind, result).Inc()
	m.metrics.TaskLatency.Observe(duration.Seconds())
}

func (m *Monitor) QueueDepth(depth int) {
	m.metrics.QueueDepth.Set(float64(depth))
}
