package obs

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	dispatchCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eve_dispatch_calls_total",
			Help: "Total number of dispatched RPC calls",
		},
		[]string{"role", "method", "status"},
	)

	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eve_dispatch_duration_seconds",
			Help:    "RPC dispatch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"role", "method"},
	)

	hostSendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eve_host_send_total",
			Help: "Total number of outbound Host.Send calls",
		},
		[]string{"status"},
	)

	schedulerTasksFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eve_scheduler_tasks_fired_total",
			Help: "Total number of scheduler tasks delivered",
		},
		[]string{"status"},
	)

	subscriberFanoutTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eve_pubsub_fanout_total",
			Help: "Total number of per-subscriber event deliveries",
		},
		[]string{"status"},
	)

	liveAgentsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "eve_live_agents",
			Help: "Number of agent instances currently woken in this process",
		},
	)

	registerMetricsOnce sync.Once
)

// InitMetrics registers every metric with the default Prometheus registry.
// Safe to call more than once.
func InitMetrics() {
	registerMetricsOnce.Do(func() {
		prometheus.MustRegister(
			dispatchCallsTotal,
			dispatchDuration,
			hostSendTotal,
			schedulerTasksFiredTotal,
			subscriberFanoutTotal,
			liveAgentsGauge,
		)
	})
}

// MetricsHandler exposes the default Prometheus registry for scraping.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordDispatch records one dispatched RPC call's outcome and latency.
func RecordDispatch(role, method, status string, duration time.Duration) {
	dispatchCallsTotal.WithLabelValues(role, method, status).Inc()
	dispatchDuration.WithLabelValues(role, method).Observe(duration.Seconds())
}

// RecordSend records one outbound Host.Send call's outcome.
func RecordSend(status string) {
	hostSendTotal.WithLabelValues(status).Inc()
}

// RecordTaskFired records one scheduler task delivery's outcome.
func RecordTaskFired(status string) {
	schedulerTasksFiredTotal.WithLabelValues(status).Inc()
}

// RecordFanout records one per-subscriber event delivery's outcome.
func RecordFanout(status string) {
	subscriberFanoutTotal.WithLabelValues(status).Inc()
}

// SetLiveAgents sets the gauge of currently-woken agent instances.
func SetLiveAgents(count int) {
	liveAgentsGauge.Set(float64(count))
}
