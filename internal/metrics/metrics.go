// Package metrics defines the Prometheus collectors codebot exports.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector, registered on its own registry so
// several engines (and tests) can coexist in one process.
type Metrics struct {
	Registry *prometheus.Registry

	// TasksTotal counts terminal tasks by kind and status.
	TasksTotal *prometheus.CounterVec
	// SubmissionsTotal counts submissions by source and outcome.
	SubmissionsTotal *prometheus.CounterVec
	// StepDuration observes pipeline step latency.
	StepDuration *prometheus.HistogramVec
	// WebhookEvents counts webhook deliveries by outcome.
	WebhookEvents *prometheus.CounterVec
	// WorkspacesPurged counts reaper deletions.
	WorkspacesPurged prometheus.Counter
	// BusyWorkers is the number of workers running a task.
	BusyWorkers prometheus.Gauge
}

// New creates and registers all collectors. queueDepth and heldKeys are
// sampled on scrape.
func New(queueDepth, heldKeys func() float64) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	m := &Metrics{
		Registry: reg,
		TasksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "codebot_tasks_total",
			Help: "Tasks that reached a terminal status.",
		}, []string{"kind", "status"}),
		SubmissionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "codebot_submissions_total",
			Help: "Task submissions by source and outcome.",
		}, []string{"source", "result"}),
		StepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "codebot_step_duration_seconds",
			Help:    "Duration of pipeline steps in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 3, 10),
		}, []string{"step"}),
		WebhookEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "codebot_webhook_events_total",
			Help: "Webhook deliveries by outcome.",
		}, []string{"result"}),
		WorkspacesPurged: f.NewCounter(prometheus.CounterOpts{
			Name: "codebot_workspaces_purged_total",
			Help: "Workspaces deleted by the retention reaper.",
		}),
		BusyWorkers: f.NewGauge(prometheus.GaugeOpts{
			Name: "codebot_busy_workers",
			Help: "Workers currently running a task.",
		}),
	}

	if queueDepth != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "codebot_queue_depth",
			Help: "Queued tasks waiting for a worker.",
		}, queueDepth)
	}
	if heldKeys != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "codebot_held_branch_keys",
			Help: "Branch keys held by running tasks.",
		}, heldKeys)
	}
	return m
}

// ObserveStep records how long a pipeline step took.
func (m *Metrics) ObserveStep(step string, start time.Time) {
	if m == nil {
		return
	}
	m.StepDuration.WithLabelValues(step).Observe(time.Since(start).Seconds())
}

// TaskFinished counts a terminal task.
func (m *Metrics) TaskFinished(kind, status string) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(kind, status).Inc()
}

// Submitted counts a submission attempt.
func (m *Metrics) Submitted(source, result string) {
	if m == nil {
		return
	}
	m.SubmissionsTotal.WithLabelValues(source, result).Inc()
}

// Webhook counts a webhook delivery.
func (m *Metrics) Webhook(result string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(result).Inc()
}

// Purged counts a reaped workspace.
func (m *Metrics) Purged() {
	if m == nil {
		return
	}
	m.WorkspacesPurged.Inc()
}

// WorkerBusy moves the busy-worker gauge by delta.
func (m *Metrics) WorkerBusy(delta float64) {
	if m == nil {
		return
	}
	m.BusyWorkers.Add(delta)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
