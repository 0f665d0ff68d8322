package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task/process metrics
	TasksRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nodemanager_tasks_running",
			Help: "Number of tasks currently supervised by this node",
		},
	)

	TasksStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nodemanager_tasks_started_total",
			Help: "Total number of tasks started on this node",
		},
	)

	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodemanager_tasks_completed_total",
			Help: "Total number of tasks completed, labeled by how they ended",
		},
		[]string{"reason"},
	)

	// Naming client metrics
	NamingCacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nodemanager_naming_cache_misses_total",
			Help: "Total number of naming-service cache misses requiring a network lookup",
		},
	)

	NamingResolveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nodemanager_naming_resolve_duration_seconds",
			Help:    "Time taken to resolve a service name on a cache miss",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Reporter metrics
	ReporterSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodemanager_reporter_sends_total",
			Help: "Total number of reporter send attempts, labeled by reporter and outcome",
		},
		[]string{"reporter", "outcome"},
	)

	ReporterSendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nodemanager_reporter_send_duration_seconds",
			Help:    "Time taken to send a single report",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"reporter"},
	)

	// Registration / metric-packet counters
	RegisterReportsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nodemanager_register_reports_total",
			Help: "Total number of node registration payloads built for sending",
		},
	)

	MetricPacketsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nodemanager_metric_packets_total",
			Help: "Total number of UDP metric packets sent",
		},
	)

	ResyncRequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nodemanager_resync_requests_total",
			Help: "Total number of times the agent requested head-node resync",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TasksRunning,
		TasksStartedTotal,
		TasksCompletedTotal,
		NamingCacheMissesTotal,
		NamingResolveDuration,
		ReporterSendsTotal,
		ReporterSendDuration,
		RegisterReportsTotal,
		MetricPacketsTotal,
		ResyncRequestsTotal,
	)
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed wall-clock time and reports it to a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created. It may be
// called more than once; each call reflects the time elapsed up to that call.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed duration on a plain histogram.
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed duration on a histogram vector,
// selecting the series identified by labelValues.
func (t *Timer) ObserveDurationVec(hv *prometheus.HistogramVec, labelValues ...string) {
	hv.WithLabelValues(labelValues...).Observe(t.Duration().Seconds())
}
