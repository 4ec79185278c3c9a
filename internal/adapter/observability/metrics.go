package observability

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// JobsRoutedTotal counts gateway jobs fully fanned out to session queues.
	JobsRoutedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_jobs_routed_total",
			Help: "Total number of gateway jobs routed to session queues",
		},
	)
	// JobsFailedTotal counts jobs rejected at intake validation.
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_jobs_failed_total",
			Help: "Total number of jobs failed at intake by reason",
		},
		[]string{"reason"},
	)
	// TasksSentTotal counts tasks successfully handed to the orchestrator.
	TasksSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_tasks_sent_total",
			Help: "Total number of tasks handed off successfully",
		},
		[]string{"session"},
	)
	// TasksFailedTotal counts tasks that exhausted their retries.
	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_tasks_failed_total",
			Help: "Total number of tasks terminally failed",
		},
		[]string{"session"},
	)
	// HandoffDuration observes orchestrator handoff latency.
	HandoffDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_handoff_duration_seconds",
			Help:    "Orchestrator handoff duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"mode"},
	)
	// ActiveConsumers tracks running per-session consumers.
	ActiveConsumers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_active_consumers",
			Help: "Number of running per-session queue consumers",
		},
	)
	// QueueDepth tracks the top-level dispatcher queue depths.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatch_queue_depth",
			Help: "Depth of the dispatcher queues",
		},
		[]string{"queue"},
	)
	// SmartGuardChangesTotal counts RPM adjustments by direction.
	SmartGuardChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartguard_rpm_changes_total",
			Help: "Total number of SmartGuard RPM adjustments",
		},
		[]string{"direction"},
	)
	// HTTPRequestsTotal counts control API requests.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
)

var metricsOnce sync.Once

// InitMetrics registers all collectors once per process.
func InitMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(
			JobsRoutedTotal,
			JobsFailedTotal,
			TasksSentTotal,
			TasksFailedTotal,
			HandoffDuration,
			ActiveConsumers,
			QueueDepth,
			SmartGuardChangesTotal,
			HTTPRequestsTotal,
		)
	})
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
	})
}
