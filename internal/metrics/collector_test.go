package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/collabflow/workflow"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	return NewCollector("collabflow", prometheus.NewRegistry(), nil)
}

func publish(t *testing.T, c *Collector, typ workflow.EventType, data map[string]any) {
	t.Helper()
	require.NoError(t, c.Publish(context.Background(), workflow.Event{
		Type:       typ,
		WorkflowID: "wf-1",
		Data:       data,
		At:         time.Now(),
	}))
}

func TestPublishCountsTransitions(t *testing.T) {
	c := newTestCollector(t)

	publish(t, c, workflow.EventStatusTransition, map[string]any{"from": "created", "to": "running"})
	publish(t, c, workflow.EventStatusTransition, map[string]any{"from": "created", "to": "running"})
	publish(t, c, workflow.EventStatusTransition, map[string]any{"from": "running", "to": "paused"})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.transitionsTotal.WithLabelValues("created", "running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitionsTotal.WithLabelValues("running", "paused")))
}

func TestPublishCountsCollaborationEvents(t *testing.T) {
	c := newTestCollector(t)

	publish(t, c, workflow.EventConflictCreated, map[string]any{"field": "title"})
	publish(t, c, workflow.EventConflictResolved, map[string]any{"resolution": "merge"})
	publish(t, c, workflow.EventApprovalRequested, map[string]any{"confidence": 0.42})
	publish(t, c, workflow.EventApprovalResolved, map[string]any{"status": "approved"})
	publish(t, c, workflow.EventSessionRecovered, map[string]any{"kind": "reattached"})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.conflictsCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.conflictsResolved.WithLabelValues("merge")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.approvalsRequested))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.approvalsResolved.WithLabelValues("approved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionsRecovered.WithLabelValues("reattached")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.approvalConfidence))
}

func TestPublishMissingDataLabels(t *testing.T) {
	c := newTestCollector(t)

	publish(t, c, workflow.EventStatusTransition, nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitionsTotal.WithLabelValues("unknown", "unknown")))
}

// Step events arrive with the executor's payload shape: string labels
// plus an in-process int64 duration.
func TestPublishRecordsStepExecutions(t *testing.T) {
	c := newTestCollector(t)

	stepEvent := func(step, status string, durationMS int64) map[string]any {
		return map[string]any{
			"definition_id": "content-pipeline",
			"step_id":       step,
			"status":        status,
			"duration_ms":   durationMS,
		}
	}
	publish(t, c, workflow.EventStepProgress, stepEvent("draft", "completed", 3000))
	publish(t, c, workflow.EventStepProgress, stepEvent("draft", "completed", 5000))
	publish(t, c, workflow.EventStepProgress, stepEvent("review", "failed", 1000))

	assert.Equal(t, 2.0, testutil.ToFloat64(c.stepsTotal.WithLabelValues("content-pipeline", "draft", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stepsTotal.WithLabelValues("content-pipeline", "review", "failed")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.stepDuration))
}

func TestRecordDBConnectionGauges(t *testing.T) {
	c := newTestCollector(t)

	c.RecordDBConnections(7, 3)
	assert.Equal(t, 7.0, testutil.ToFloat64(c.dbConnectionsOpen))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.dbConnectionsIdle))
}

func TestCollectorIsANotifier(t *testing.T) {
	var _ workflow.Notifier = newTestCollector(t)
}
