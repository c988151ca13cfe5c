package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder implements Recorder on a private registry so several
// instances can coexist in one process.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	dispatchTotal       *prometheus.CounterVec
	dispatchDuration    *prometheus.HistogramVec
	fallbackTotal       *prometheus.CounterVec
	circuitTransitions  *prometheus.CounterVec
	throttleTotal       *prometheus.CounterVec
	tasksTotal          *prometheus.CounterVec
	taskDuration        *prometheus.HistogramVec
	taskRetries         *prometheus.HistogramVec
	orchestrationsTotal *prometheus.CounterVec
	orchestrationTime   prometheus.Histogram
	orchestrationTasks  prometheus.Histogram
}

// NewPrometheusRecorder creates a recorder with Go runtime and process collectors.
func NewPrometheusRecorder() *PrometheusRecorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &PrometheusRecorder{
		registry: reg,
		dispatchTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskmesh_dispatch_requests_total",
				Help: "Provider calls by provider, model, role, status and error type",
			},
			[]string{"provider", "model", "role", "status", "error_type"},
		),
		dispatchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskmesh_dispatch_duration_seconds",
				Help:    "Duration of provider calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "model"},
		),
		fallbackTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskmesh_fallbacks_total",
				Help: "Requests served by a non-primary route",
			},
			[]string{"role", "reason"},
		),
		circuitTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskmesh_circuit_transitions_total",
				Help: "Circuit breaker state transitions by provider",
			},
			[]string{"provider", "from", "to"},
		),
		throttleTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskmesh_throttle_total",
				Help: "Client-side rate limit waits",
			},
			[]string{"provider", "reason"},
		),
		tasksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskmesh_tasks_total",
				Help: "Tasks by role and terminal status",
			},
			[]string{"role", "status"},
		),
		taskDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskmesh_task_duration_seconds",
				Help:    "Task wall time including retries",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"role"},
		),
		taskRetries: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskmesh_task_retries",
				Help:    "Retries consumed per task",
				Buckets: []float64{0, 1, 2, 3, 5, 8},
			},
			[]string{"role"},
		),
		orchestrationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskmesh_orchestrations_total",
				Help: "Orchestration runs by outcome",
			},
			[]string{"status"},
		),
		orchestrationTime: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "taskmesh_orchestration_duration_seconds",
				Help:    "End-to-end orchestration time",
				Buckets: []float64{1, 10, 30, 60, 300, 900, 1800},
			},
		),
		orchestrationTasks: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "taskmesh_orchestration_tasks",
				Help:    "Tasks produced per orchestration",
				Buckets: []float64{1, 2, 5, 10, 20, 50},
			},
		),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (p *PrometheusRecorder) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *PrometheusRecorder) ObserveDispatch(provider, model, role, status, errorType string, duration time.Duration) {
	p.dispatchTotal.WithLabelValues(provider, model, role, status, errorType).Inc()
	p.dispatchDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) IncFallback(role, reason string) {
	p.fallbackTotal.WithLabelValues(role, reason).Inc()
}

func (p *PrometheusRecorder) IncCircuitTransition(provider, from, to string) {
	p.circuitTransitions.WithLabelValues(provider, from, to).Inc()
}

func (p *PrometheusRecorder) IncThrottle(provider, reason string) {
	p.throttleTotal.WithLabelValues(provider, reason).Inc()
}

func (p *PrometheusRecorder) ObserveTask(role, status string, retries int, duration time.Duration) {
	p.tasksTotal.WithLabelValues(role, status).Inc()
	p.taskDuration.WithLabelValues(role).Observe(duration.Seconds())
	p.taskRetries.WithLabelValues(role).Observe(float64(retries))
}

func (p *PrometheusRecorder) ObserveOrchestration(status string, tasks int, duration time.Duration) {
	p.orchestrationsTotal.WithLabelValues(status).Inc()
	p.orchestrationTime.Observe(duration.Seconds())
	p.orchestrationTasks.Observe(float64(tasks))
}
