package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/collabflow/types"
)

// Result reports the outcome of one step execution attempt.
type Result struct {
	StepID         string         `json:"step_id"`
	StepStatus     StepStatus     `json:"step_status"`
	Output         map[string]any `json:"output,omitempty"`
	InstanceStatus Status         `json:"instance_status"`
}

// Executor resolves and runs the current step of a workflow instance:
// handler dispatch, output-schema validation, history recording, and the
// resulting status transition, all per the instance's definition.
type Executor struct {
	registry  *Registry
	instances InstanceRepository
	contexts  *ContextService
	router    *AgentRouter
	validator OutputValidator
	notifier  Notifier
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewExecutor creates a step executor. validator, notifier, and logger may
// be nil; a nil validator uses MapSchemaValidator.
func NewExecutor(registry *Registry, instances InstanceRepository, contexts *ContextService, router *AgentRouter, validator OutputValidator, notifier Notifier, logger *zap.Logger) *Executor {
	if validator == nil {
		validator = MapSchemaValidator{}
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		registry:  registry,
		instances: instances,
		contexts:  contexts,
		router:    router,
		validator: validator,
		notifier:  notifier,
		logger:    logger.With(zap.String("component", "step_executor")),
		tracer:    otel.Tracer("collabflow/workflow"),
		now:       time.Now,
	}
}

// Execute runs the instance's current step to its terminal outcome:
// Completed history + advance on success, Failed history + WaitingForInput
// or Failed on handler failure, Failed without advancing on schema
// violations. If a StreamEmitter is attached to ctx, incremental progress
// events are emitted along the way.
func (e *Executor) Execute(ctx context.Context, workflowID string) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "workflow.step.execute",
		trace.WithAttributes(attribute.String("workflow.id", workflowID)))
	defer span.End()

	inst, err := e.instances.Get(ctx, workflowID)
	if err != nil {
		return nil, types.NewError(types.ErrNotFound, "workflow not found").WithCause(err)
	}
	if inst.Status != StatusRunning {
		return nil, types.NewErrorf(types.ErrInvalidTransition, "workflow is %q, not running", inst.Status)
	}
	def, ok := e.registry.Get(inst.DefinitionID)
	if !ok {
		return nil, types.NewErrorf(types.ErrNotFound, "workflow definition %q not found", inst.DefinitionID)
	}
	step, ok := def.StepAt(inst.CurrentStep)
	if !ok {
		return nil, types.NewErrorf(types.ErrNotFound, "step %d not found in definition %q", inst.CurrentStep, def.ID)
	}
	span.SetAttributes(attribute.String("workflow.step", step.ID))

	emit, streaming := streamEmitterFromContext(ctx)
	if streaming {
		emit(StreamEvent{Type: StreamEventStarted, WorkflowID: workflowID, StepID: step.ID, StepName: step.Name})
	}

	handler, ok := e.router.Resolve(step.AgentID)
	if !ok {
		hErr := types.NewErrorf(types.ErrHandlerNotFound, "no handler found for agent %q", step.AgentID)
		e.recordFailure(ctx, inst, step, hErr.Message, false)
		if streaming {
			emit(StreamEvent{Type: StreamEventFailed, WorkflowID: workflowID, StepID: step.ID, Message: hErr.Message})
		}
		span.SetStatus(codes.Error, hErr.Message)
		return &Result{StepID: step.ID, StepStatus: StepStatusFailed, InstanceStatus: inst.Status}, hErr
	}

	sc, err := e.contexts.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if streaming {
		emit(StreamEvent{Type: StreamEventHandlerInvoked, WorkflowID: workflowID, StepID: step.ID})
	}
	startedAt := e.now()
	output, handlerErr := handler.Execute(ctx, HandlerInput{
		WorkflowID: workflowID,
		StepID:     step.ID,
		Inputs:     step.Inputs,
		Context:    sc,
	})
	duration := e.now().Sub(startedAt)

	if handlerErr != nil {
		retryable := types.IsRetryable(handlerErr)
		msg := handlerErr.Error()
		e.recordFailure(ctx, inst, step, msg, retryable || step.IsOptional)
		e.publishStepEvent(ctx, inst, def, step, StepStatusFailed, duration)
		if streaming {
			emit(StreamEvent{Type: StreamEventFailed, WorkflowID: workflowID, StepID: step.ID, Message: msg})
		}
		span.RecordError(handlerErr)
		span.SetStatus(codes.Error, msg)
		return &Result{StepID: step.ID, StepStatus: StepStatusFailed, InstanceStatus: inst.Status},
			types.NewErrorf(types.ErrHandlerFailed, "step %q failed", step.ID).WithRetryable(retryable).WithCause(handlerErr)
	}

	if step.OutputSchema != nil {
		if streaming {
			emit(StreamEvent{Type: StreamEventValidating, WorkflowID: workflowID, StepID: step.ID})
		}
		if violations := e.validator.Validate(output, step.OutputSchema); len(violations) > 0 {
			msg := "validation failed: " + formatViolations(violations)
			// A schema violation is terminal for this attempt and never
			// advances currentStep.
			e.recordValidationFailure(ctx, inst, step, msg, startedAt)
			e.publishStepEvent(ctx, inst, def, step, StepStatusFailed, duration)
			if streaming {
				emit(StreamEvent{Type: StreamEventFailed, WorkflowID: workflowID, StepID: step.ID, Message: msg})
			}
			span.SetStatus(codes.Error, msg)
			return &Result{StepID: step.ID, StepStatus: StepStatusFailed, InstanceStatus: StatusFailed},
				types.NewError(types.ErrValidationFailed, msg)
		}
	}

	if err := e.contexts.AddStepOutput(ctx, workflowID, step.ID, output); err != nil {
		return nil, fmt.Errorf("persist step output: %w", err)
	}

	completedAt := e.now()
	rec := &StepHistory{
		ID:          uuid.NewString(),
		WorkflowID:  workflowID,
		StepID:      step.ID,
		StepName:    step.Name,
		Status:      StepStatusCompleted,
		StartedAt:   startedAt,
		CompletedAt: &completedAt,
	}
	from := inst.Status
	inst.CurrentStep++
	if inst.CurrentStep > def.TotalSteps() {
		inst.CurrentStep = def.TotalSteps()
		inst.Status = StatusCompleted
		inst.CompletedAt = &completedAt
	}
	inst.UpdatedAt = completedAt
	if err := e.instances.UpdateWithHistory(ctx, inst, rec); err != nil {
		return nil, err
	}
	if inst.Status != from {
		e.recordTransition(ctx, inst, from, inst.Status)
	}
	e.publishStepEvent(ctx, inst, def, step, StepStatusCompleted, duration)
	if streaming {
		emit(StreamEvent{Type: StreamEventCompleted, WorkflowID: workflowID, StepID: step.ID, StepName: step.Name})
	}

	e.logger.Info("step completed",
		zap.String("workflow_id", workflowID),
		zap.String("step_id", step.ID),
		zap.Duration("duration", duration),
	)
	return &Result{
		StepID:         step.ID,
		StepStatus:     StepStatusCompleted,
		Output:         output,
		InstanceStatus: inst.Status,
	}, nil
}

// ExecuteStream runs Execute with the given emitter attached, emitting
// incremental progress events without changing the terminal outcome.
func (e *Executor) ExecuteStream(ctx context.Context, workflowID string, emit StreamEmitter) (*Result, error) {
	return e.Execute(WithStreamEmitter(ctx, emit), workflowID)
}

// SkipStep records a Skipped history row for the current step and
// advances, completing the workflow if it was the last step. Only steps
// declared CanSkip may be skipped.
func (e *Executor) SkipStep(ctx context.Context, workflowID string) (*Result, error) {
	inst, err := e.instances.Get(ctx, workflowID)
	if err != nil {
		return nil, types.NewError(types.ErrNotFound, "workflow not found").WithCause(err)
	}
	if inst.Status != StatusRunning && inst.Status != StatusWaitingForInput {
		return nil, types.NewErrorf(types.ErrInvalidTransition, "workflow is %q, cannot skip", inst.Status)
	}
	def, ok := e.registry.Get(inst.DefinitionID)
	if !ok {
		return nil, types.NewErrorf(types.ErrNotFound, "workflow definition %q not found", inst.DefinitionID)
	}
	step, ok := def.StepAt(inst.CurrentStep)
	if !ok {
		return nil, types.NewErrorf(types.ErrNotFound, "step %d not found in definition %q", inst.CurrentStep, def.ID)
	}
	if !step.CanSkip {
		return nil, types.NewErrorf(types.ErrInvalidArgument, "step %q cannot be skipped", step.ID)
	}

	now := e.now()
	rec := &StepHistory{
		ID:          uuid.NewString(),
		WorkflowID:  workflowID,
		StepID:      step.ID,
		StepName:    step.Name,
		Status:      StepStatusSkipped,
		StartedAt:   now,
		CompletedAt: &now,
	}
	from := inst.Status
	inst.CurrentStep++
	if inst.CurrentStep > def.TotalSteps() {
		inst.CurrentStep = def.TotalSteps()
		inst.Status = StatusCompleted
		inst.CompletedAt = &now
	} else {
		inst.Status = StatusRunning
	}
	inst.UpdatedAt = now
	if err := e.instances.UpdateWithHistory(ctx, inst, rec); err != nil {
		return nil, err
	}
	if inst.Status != from {
		e.recordTransition(ctx, inst, from, inst.Status)
	}
	return &Result{StepID: step.ID, StepStatus: StepStatusSkipped, InstanceStatus: inst.Status}, nil
}

// recordFailure appends a Failed history row and parks the workflow in
// WaitingForInput (retryable or optional step) or Failed, atomically.
func (e *Executor) recordFailure(ctx context.Context, inst *Instance, step *StepDefinition, msg string, park bool) {
	now := e.now()
	rec := &StepHistory{
		ID:          uuid.NewString(),
		WorkflowID:  inst.ID,
		StepID:      step.ID,
		StepName:    step.Name,
		Status:      StepStatusFailed,
		Message:     msg,
		StartedAt:   now,
		CompletedAt: &now,
	}
	from := inst.Status
	if park {
		inst.Status = StatusWaitingForInput
	} else {
		inst.Status = StatusFailed
		inst.CompletedAt = &now
	}
	inst.UpdatedAt = now
	if err := e.instances.UpdateWithHistory(ctx, inst, rec); err != nil {
		e.logger.Error("record step failure", zap.String("workflow_id", inst.ID), zap.Error(err))
		inst.Status = from
		return
	}
	e.recordTransition(ctx, inst, from, inst.Status)
}

// recordValidationFailure appends a Failed history row and fails the
// workflow without advancing currentStep.
func (e *Executor) recordValidationFailure(ctx context.Context, inst *Instance, step *StepDefinition, msg string, startedAt time.Time) {
	now := e.now()
	rec := &StepHistory{
		ID:          uuid.NewString(),
		WorkflowID:  inst.ID,
		StepID:      step.ID,
		StepName:    step.Name,
		Status:      StepStatusFailed,
		Message:     msg,
		StartedAt:   startedAt,
		CompletedAt: &now,
	}
	from := inst.Status
	inst.Status = StatusFailed
	inst.CompletedAt = &now
	inst.UpdatedAt = now
	if err := e.instances.UpdateWithHistory(ctx, inst, rec); err != nil {
		e.logger.Error("record validation failure", zap.String("workflow_id", inst.ID), zap.Error(err))
		inst.Status = from
		return
	}
	e.recordTransition(ctx, inst, from, inst.Status)
}

func (e *Executor) recordTransition(ctx context.Context, inst *Instance, from, to Status) {
	ev := &TransitionEvent{
		ID:         uuid.NewString(),
		WorkflowID: inst.ID,
		From:       from,
		To:         to,
		At:         e.now(),
	}
	if err := e.instances.AppendTransition(ctx, ev); err != nil {
		e.logger.Error("append transition event failed",
			zap.String("workflow_id", inst.ID), zap.Error(err))
	}
	if err := e.notifier.Publish(ctx, Event{
		Type:       EventStatusTransition,
		WorkflowID: inst.ID,
		Data:       map[string]any{"from": string(from), "to": string(to)},
		At:         ev.At,
	}); err != nil {
		e.logger.Warn("transition notification failed",
			zap.String("workflow_id", inst.ID), zap.Error(err))
	}
}

func (e *Executor) publishStepEvent(ctx context.Context, inst *Instance, def *Definition, step *StepDefinition, status StepStatus, d time.Duration) {
	if err := e.notifier.Publish(ctx, Event{
		Type:       EventStepProgress,
		WorkflowID: inst.ID,
		Data: map[string]any{
			"definition_id": def.ID,
			"step_id":       step.ID,
			"status":        string(status),
			"duration_ms":   d.Milliseconds(),
		},
		At: e.now(),
	}); err != nil {
		e.logger.Warn("step notification failed",
			zap.String("workflow_id", inst.ID), zap.Error(err))
	}
}

func formatViolations(vs []Violation) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = v.Field + ": " + v.Message
	}
	return strings.Join(parts, "; ")
}
