// Package metrics collects engine-level prometheus metrics. The collector
// registers against a caller-supplied registerer so multiple engine
// instances in one process never collide.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the engine metric families.
type Collector struct {
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   prometheus.Histogram

	nodeExecutions *prometheus.CounterVec
	nodeDuration   *prometheus.HistogramVec

	sandboxTimeouts prometheus.Counter
	webhookRejected *prometheus.CounterVec
}

// NewCollector creates and registers the engine metrics. A nil registerer
// keeps the metrics unregistered, which test code uses freely.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	c := &Collector{
		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of workflow runs started",
			},
			[]string{"workflow_id"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of workflow runs finished, by final status",
			},
			[]string{"workflow_id", "status"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall-clock duration of workflow runs",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
			},
		),
		nodeExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "node_executions_total",
				Help:      "Total number of node executions, by node type and status",
			},
			[]string{"node_type", "status"},
		),
		nodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "node_duration_seconds",
				Help:      "Wall-clock duration of node executions",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
			},
			[]string{"node_type"},
		),
		sandboxTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sandbox_timeouts_total",
				Help:      "Total number of sandbox executions killed at their deadline",
			},
		),
		webhookRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_rejected_total",
				Help:      "Webhook deliveries rejected before run creation",
			},
			[]string{"reason"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			c.runsStarted, c.runsCompleted, c.runDuration,
			c.nodeExecutions, c.nodeDuration,
			c.sandboxTimeouts, c.webhookRejected,
		)
	}
	return c
}

// RunStarted records a run start.
func (c *Collector) RunStarted(workflowID string) {
	c.runsStarted.WithLabelValues(workflowID).Inc()
}

// RunCompleted records a finished run.
func (c *Collector) RunCompleted(workflowID, status string, d time.Duration) {
	c.runsCompleted.WithLabelValues(workflowID, status).Inc()
	c.runDuration.Observe(d.Seconds())
}

// NodeExecuted records one node execution.
func (c *Collector) NodeExecuted(nodeType, status string, d time.Duration) {
	c.nodeExecutions.WithLabelValues(nodeType, status).Inc()
	c.nodeDuration.WithLabelValues(nodeType).Observe(d.Seconds())
}

// SandboxTimeout records a sandbox deadline kill.
func (c *Collector) SandboxTimeout() {
	c.sandboxTimeouts.Inc()
}

// WebhookRejected records a webhook delivery rejected before any
// execution was created.
func (c *Collector) WebhookRejected(reason string) {
	c.webhookRejected.WithLabelValues(reason).Inc()
}
