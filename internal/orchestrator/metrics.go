package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the orchestrator's Prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	workflows      *prometheus.CounterVec
	tasks          *prometheus.CounterVec
	retries        *prometheus.CounterVec
	collaborations *prometheus.CounterVec
	taskDuration   prometheus.Histogram
	inFlight       prometheus.Gauge
	costUSD        prometheus.Counter
	snapshots      prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		workflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "workflows_finished_total",
			Help:      "Workflows that reached a terminal status.",
		}, []string{"status"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "tasks_finished_total",
			Help:      "Tasks that reached a terminal status.",
		}, []string{"status"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "task_recoveries_total",
			Help:      "Failed attempts recovered by retry or fallback.",
		}, []string{"class", "action"}),
		collaborations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "collaborations_total",
			Help:      "Collaborative resolutions by outcome.",
		}, []string{"resolution"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relay",
			Name:      "task_execution_seconds",
			Help:      "Duration of task execution attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "executions_in_flight",
			Help:      "Task executions currently running.",
		}),
		costUSD: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "cost_usd_total",
			Help:      "Cost of accepted task results in USD.",
		}),
		snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "snapshots_saved_total",
			Help:      "Snapshots made durable.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.workflows, m.tasks, m.retries, m.collaborations,
			m.taskDuration, m.inFlight, m.costUSD, m.snapshots)
	}
	return m
}

func (m *Metrics) workflowFinished(status string) {
	if m != nil {
		m.workflows.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) taskFinished(status string) {
	if m != nil {
		m.tasks.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) recovery(class, action string) {
	if m != nil {
		m.retries.WithLabelValues(class, action).Inc()
	}
}

func (m *Metrics) collaboration(resolution string) {
	if m != nil {
		m.collaborations.WithLabelValues(resolution).Inc()
	}
}

func (m *Metrics) executionStarted() {
	if m != nil {
		m.inFlight.Inc()
	}
}

func (m *Metrics) executionFinished(d time.Duration) {
	if m != nil {
		m.inFlight.Dec()
		m.taskDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) cost(usd float64) {
	if m != nil && usd > 0 {
		m.costUSD.Add(usd)
	}
}

func (m *Metrics) snapshotSaved() {
	if m != nil {
		m.snapshots.Inc()
	}
}
