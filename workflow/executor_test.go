package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/collabflow/types"
)

func registerScripted(f *engineFixture) {
	f.router.Register("writer", &ScriptedHandler{Outputs: map[string]map[string]any{
		"draft": {"text": "first draft"},
	}})
	f.router.Register("reviewer", &ScriptedHandler{Outputs: map[string]map[string]any{
		"review": {"verdict": "approved"},
	}})
	f.router.Register("publisher", &ScriptedHandler{Outputs: map[string]map[string]any{
		"publish": {"url": "https://example.com/post"},
	}})
}

func TestExecuteAdvancesOnSuccess(t *testing.T) {
	f := newEngineFixture(t)
	registerScripted(f)
	ctx := context.Background()
	inst := f.startedInstance(t, "content-pipeline", "user-1")

	res, err := f.executor.Execute(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "draft", res.StepID)
	assert.Equal(t, StepStatusCompleted, res.StepStatus)
	assert.Equal(t, StatusRunning, res.InstanceStatus)
	assert.Equal(t, map[string]any{"text": "first draft"}, res.Output)

	got, err := f.lifecycle.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentStep)

	sc, err := f.contexts.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"text": "first draft"}, sc.StepOutputs["draft"])

	rows, err := f.store.History().ListByWorkflow(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, StepStatusCompleted, rows[0].Status)
	assert.Equal(t, "draft", rows[0].StepID)

	progress := f.notifier.byType(EventStepProgress)
	require.Len(t, progress, 1)
	assert.Equal(t, "draft", progress[0].Data["step_id"])
}

func TestExecuteCompletesWorkflowOnLastStep(t *testing.T) {
	f := newEngineFixture(t)
	registerScripted(f)
	ctx := context.Background()
	inst := f.startedInstance(t, "content-pipeline", "user-1")

	for i := 0; i < 3; i++ {
		_, err := f.executor.Execute(ctx, inst.ID)
		require.NoError(t, err)
	}

	got, err := f.lifecycle.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 3, got.CurrentStep, "currentStep stays at the last step")
	require.NotNil(t, got.CompletedAt)

	p, err := f.lifecycle.Progress(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 100.0, p)
}

func TestExecuteRequiresRunning(t *testing.T) {
	f := newEngineFixture(t)
	registerScripted(f)
	ctx := context.Background()

	inst, err := f.lifecycle.CreateInstance(ctx, "content-pipeline", "user-1")
	require.NoError(t, err)

	_, err = f.executor.Execute(ctx, inst.ID)
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidTransition, types.GetErrorCode(err))
}

func TestExecuteUnknownWorkflow(t *testing.T) {
	f := newEngineFixture(t)
	_, err := f.executor.Execute(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestExecuteValidationFailureDoesNotAdvance(t *testing.T) {
	f := newEngineFixture(t)
	registerScripted(f)
	// The reviewer omits the required "verdict" field.
	f.router.Register("reviewer", &ScriptedHandler{Outputs: map[string]map[string]any{
		"review": {"notes": "looks fine"},
	}})
	ctx := context.Background()
	inst := f.startedInstance(t, "content-pipeline", "user-1")

	_, err := f.executor.Execute(ctx, inst.ID)
	require.NoError(t, err)

	res, err := f.executor.Execute(ctx, inst.ID)
	require.Error(t, err)
	assert.Equal(t, types.ErrValidationFailed, types.GetErrorCode(err))
	assert.Equal(t, StatusFailed, res.InstanceStatus)

	got, err := f.lifecycle.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 2, got.CurrentStep, "a schema violation must not advance the step")

	rows, err := f.store.History().ListByWorkflow(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, StepStatusFailed, rows[1].Status)
	assert.Contains(t, rows[1].Message, "verdict")

	// The invalid output must not leak into the shared context.
	sc, err := f.contexts.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.NotContains(t, sc.StepOutputs, "review")
}

func TestExecuteRetryableFailureParksForInput(t *testing.T) {
	f := newEngineFixture(t)
	f.router.Register("writer", HandlerFunc(func(context.Context, HandlerInput) (map[string]any, error) {
		return nil, types.NewError(types.ErrHandlerFailed, "model overloaded").WithRetryable(true)
	}))
	ctx := context.Background()
	inst := f.startedInstance(t, "content-pipeline", "user-1")

	res, err := f.executor.Execute(ctx, inst.ID)
	require.Error(t, err)
	assert.Equal(t, types.ErrHandlerFailed, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))
	assert.Equal(t, StepStatusFailed, res.StepStatus)

	got, err := f.lifecycle.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaitingForInput, got.Status)
	assert.Equal(t, 1, got.CurrentStep)
	assert.Nil(t, got.CompletedAt)
}

func TestExecuteNonRetryableFailureFails(t *testing.T) {
	f := newEngineFixture(t)
	f.router.Register("writer", HandlerFunc(func(context.Context, HandlerInput) (map[string]any, error) {
		return nil, types.NewError(types.ErrHandlerFailed, "prompt rejected")
	}))
	ctx := context.Background()
	inst := f.startedInstance(t, "content-pipeline", "user-1")

	_, err := f.executor.Execute(ctx, inst.ID)
	require.Error(t, err)
	assert.False(t, types.IsRetryable(err))

	got, err := f.lifecycle.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestExecuteOptionalStepFailureParks(t *testing.T) {
	def := &Definition{
		ID:   "with-optional",
		Name: "With optional",
		Steps: []StepDefinition{
			{ID: "enrich", Name: "Enrich", AgentID: "enricher", IsOptional: true},
			{ID: "finish", Name: "Finish", AgentID: "finisher"},
		},
	}
	f := newEngineFixture(t, def)
	f.router.Register("enricher", HandlerFunc(func(context.Context, HandlerInput) (map[string]any, error) {
		return nil, types.NewError(types.ErrHandlerFailed, "enrichment source down")
	}))
	ctx := context.Background()
	inst := f.startedInstance(t, "with-optional", "user-1")

	_, err := f.executor.Execute(ctx, inst.ID)
	require.Error(t, err)

	got, err := f.lifecycle.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaitingForInput, got.Status,
		"an optional step failure parks instead of failing the workflow")
}

func TestExecuteNoHandlerRegistered(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	inst := f.startedInstance(t, "content-pipeline", "user-1")

	_, err := f.executor.Execute(ctx, inst.ID)
	require.Error(t, err)
	assert.Equal(t, types.ErrHandlerNotFound, types.GetErrorCode(err))

	got, err := f.lifecycle.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
}

func TestExecuteStreamEventOrder(t *testing.T) {
	f := newEngineFixture(t)
	registerScripted(f)
	ctx := context.Background()
	inst := f.startedInstance(t, "content-pipeline", "user-1")

	_, err := f.executor.Execute(ctx, inst.ID)
	require.NoError(t, err)

	var got []StreamEventType
	_, err = f.executor.ExecuteStream(ctx, inst.ID, func(ev StreamEvent) {
		got = append(got, ev.Type)
	})
	require.NoError(t, err)
	// The review step declares an output schema, so validation is streamed.
	assert.Equal(t, []StreamEventType{
		StreamEventStarted,
		StreamEventHandlerInvoked,
		StreamEventValidating,
		StreamEventCompleted,
	}, got)
}

func TestExecuteStreamFailureEvent(t *testing.T) {
	f := newEngineFixture(t)
	f.router.Register("writer", HandlerFunc(func(context.Context, HandlerInput) (map[string]any, error) {
		return nil, types.NewError(types.ErrHandlerFailed, "boom")
	}))
	ctx := context.Background()
	inst := f.startedInstance(t, "content-pipeline", "user-1")

	var got []StreamEventType
	_, err := f.executor.ExecuteStream(ctx, inst.ID, func(ev StreamEvent) {
		got = append(got, ev.Type)
	})
	require.Error(t, err)
	assert.Equal(t, []StreamEventType{
		StreamEventStarted,
		StreamEventHandlerInvoked,
		StreamEventFailed,
	}, got)
}

func TestSkipStep(t *testing.T) {
	f := newEngineFixture(t)
	registerScripted(f)
	ctx := context.Background()
	inst := f.startedInstance(t, "content-pipeline", "user-1")

	// The draft step is not skippable.
	_, err := f.executor.SkipStep(ctx, inst.ID)
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidArgument, types.GetErrorCode(err))

	_, err = f.executor.Execute(ctx, inst.ID)
	require.NoError(t, err)
	_, err = f.executor.Execute(ctx, inst.ID)
	require.NoError(t, err)

	// The publish step is skippable and is the last one.
	res, err := f.executor.SkipStep(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StepStatusSkipped, res.StepStatus)
	assert.Equal(t, StatusCompleted, res.InstanceStatus)

	rows, err := f.store.History().ListByWorkflow(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, StepStatusSkipped, rows[2].Status)
}
