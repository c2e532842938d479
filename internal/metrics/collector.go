package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/collabflow/workflow"
)

// Collector holds the engine's metric vectors.
type Collector struct {
	// Workflow lifecycle
	transitionsTotal *prometheus.CounterVec
	stepsTotal       *prometheus.CounterVec
	stepDuration     *prometheus.HistogramVec

	// Collaboration
	conflictsCreated   prometheus.Counter
	conflictsResolved  *prometheus.CounterVec
	approvalsRequested prometheus.Counter
	approvalsResolved  *prometheus.CounterVec
	approvalConfidence prometheus.Histogram
	sessionsRecovered  *prometheus.CounterVec

	// Infrastructure
	dbConnectionsOpen prometheus.Gauge
	dbConnectionsIdle prometheus.Gauge

	logger *zap.Logger
}

// NewCollector registers the engine metrics on reg. logger may be nil.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.transitionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_transitions_total",
			Help:      "Total number of workflow status transitions",
		},
		[]string{"from", "to"},
	)

	c.stepsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_executed_total",
			Help:      "Total number of step executions",
		},
		[]string{"definition", "step", "status"},
	)

	c.stepDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"definition", "step"},
	)

	c.conflictsCreated = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_created_total",
			Help:      "Total number of detected input conflicts",
		},
	)

	c.conflictsResolved = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_resolved_total",
			Help:      "Total number of resolved conflicts",
		},
		[]string{"resolution"},
	)

	c.approvalsRequested = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_requested_total",
			Help:      "Total number of approval requests raised",
		},
	)

	c.approvalsResolved = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_resolved_total",
			Help:      "Total number of resolved approval requests",
		},
		[]string{"status"},
	)

	c.approvalConfidence = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "approval_confidence",
			Help:      "Confidence scores of responses submitted to the approval gate",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	c.sessionsRecovered = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_recovered_total",
			Help:      "Total number of recovered sessions",
		},
		[]string{"kind"},
	)

	c.dbConnectionsOpen = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
	)

	c.dbConnectionsIdle = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// Publish implements workflow.Notifier. Events feed the counters; the
// collector never rejects an event.
func (c *Collector) Publish(_ context.Context, ev workflow.Event) error {
	switch ev.Type {
	case workflow.EventStatusTransition:
		c.transitionsTotal.WithLabelValues(
			eventString(ev, "from"), eventString(ev, "to")).Inc()
	case workflow.EventStepProgress:
		def := eventString(ev, "definition_id")
		step := eventString(ev, "step_id")
		c.stepsTotal.WithLabelValues(def, step, eventString(ev, "status")).Inc()
		c.stepDuration.WithLabelValues(def, step).Observe(eventFloat(ev, "duration_ms") / 1000)
	case workflow.EventConflictCreated:
		c.conflictsCreated.Inc()
	case workflow.EventConflictResolved:
		c.conflictsResolved.WithLabelValues(eventString(ev, "resolution")).Inc()
	case workflow.EventApprovalRequested:
		c.approvalsRequested.Inc()
		c.approvalConfidence.Observe(eventFloat(ev, "confidence"))
	case workflow.EventApprovalResolved:
		c.approvalsResolved.WithLabelValues(eventString(ev, "status")).Inc()
	case workflow.EventSessionRecovered:
		c.sessionsRecovered.WithLabelValues(eventString(ev, "kind")).Inc()
	}
	return nil
}

// RecordDBConnections records connection pool gauges.
func (c *Collector) RecordDBConnections(open, idle int) {
	c.dbConnectionsOpen.Set(float64(open))
	c.dbConnectionsIdle.Set(float64(idle))
}

func eventString(ev workflow.Event, key string) string {
	if v, ok := ev.Data[key].(string); ok {
		return v
	}
	return "unknown"
}

// eventFloat reads a numeric payload value. Events built in-process carry
// int64 durations; events decoded from JSON carry float64.
func eventFloat(ev workflow.Event, key string) float64 {
	switch v := ev.Data[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	default:
		return 0
	}
}
