package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/collabflow/types"
)

// Status is the lifecycle state of a workflow instance.
type Status string

const (
	StatusCreated            Status = "created"
	StatusRunning            Status = "running"
	StatusPaused             Status = "paused"
	StatusWaitingForInput    Status = "waiting_for_input"
	StatusWaitingForApproval Status = "waiting_for_approval"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
	StatusCancelled          Status = "cancelled"
)

// legalTransitions is the complete transition table. Any (from, to) pair
// not listed here is illegal; terminal states have no outgoing edges.
var legalTransitions = map[Status][]Status{
	StatusCreated:            {StatusRunning},
	StatusRunning:            {StatusPaused, StatusWaitingForInput, StatusWaitingForApproval, StatusCompleted, StatusFailed},
	StatusPaused:             {StatusRunning, StatusCancelled},
	StatusWaitingForInput:    {StatusRunning, StatusCancelled},
	StatusWaitingForApproval: {StatusRunning, StatusCancelled},
}

// IsTerminal reports whether the status has no outgoing transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo reports whether s -> to is in the transition table.
func (s Status) CanTransitionTo(to Status) bool {
	for _, t := range legalTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// Instance is one running execution of a workflow definition, owned by a
// user. Status and CurrentStep are mutated only through validated
// transitions, atomically with any history row they produce.
type Instance struct {
	ID           string `json:"id"`
	DefinitionID string `json:"definition_id"`
	OwnerID      string `json:"owner_id"`
	Status       Status `json:"status"`
	// CurrentStep is a 1-based index into the definition's step list;
	// 0 before the instance starts.
	CurrentStep int        `json:"current_step"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TransitionEvent is the audit record appended on every successful status
// transition.
type TransitionEvent struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	From       Status    `json:"from"`
	To         Status    `json:"to"`
	At         time.Time `json:"at"`
}

// InstanceService owns the instance lifecycle: creation, validated
// transitions, progress, and ETA reporting.
type InstanceService struct {
	registry  *Registry
	instances InstanceRepository
	history   HistoryRepository
	contexts  ContextRepository
	notifier  Notifier
	logger    *zap.Logger
	now       func() time.Time
}

// NewInstanceService creates the instance service. notifier and logger may
// be nil.
func NewInstanceService(registry *Registry, instances InstanceRepository, history HistoryRepository, contexts ContextRepository, notifier Notifier, logger *zap.Logger) *InstanceService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InstanceService{
		registry:  registry,
		instances: instances,
		history:   history,
		contexts:  contexts,
		notifier:  notifier,
		logger:    logger.With(zap.String("component", "instance_service")),
		now:       time.Now,
	}
}

// CreateInstance creates a workflow instance for a registered definition,
// together with its shared context at version 1.
func (s *InstanceService) CreateInstance(ctx context.Context, definitionID, ownerID string) (*Instance, error) {
	if definitionID == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "definition id is empty")
	}
	if ownerID == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "owner id is empty")
	}
	if !s.registry.Validate(definitionID) {
		return nil, types.NewErrorf(types.ErrInvalidArgument, "unknown workflow definition %q", definitionID)
	}

	now := s.now()
	inst := &Instance{
		ID:           uuid.NewString(),
		DefinitionID: definitionID,
		OwnerID:      ownerID,
		Status:       StatusCreated,
		CurrentStep:  0,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.instances.Create(ctx, inst); err != nil {
		return nil, err
	}
	sc := NewSharedContext(inst.ID)
	sc.UpdatedAt = now
	if err := s.contexts.Create(ctx, sc); err != nil {
		return nil, err
	}

	s.logger.Info("workflow instance created",
		zap.String("workflow_id", inst.ID),
		zap.String("definition_id", definitionID),
		zap.String("owner_id", ownerID),
	)
	return inst, nil
}

// Get returns the instance by ID.
func (s *InstanceService) Get(ctx context.Context, id string) (*Instance, error) {
	return s.instances.Get(ctx, id)
}

// Start transitions Created -> Running and positions the instance on its
// first step.
func (s *InstanceService) Start(ctx context.Context, id string) error {
	inst, err := s.instances.Get(ctx, id)
	if err != nil {
		return err
	}
	if !inst.Status.CanTransitionTo(StatusRunning) || inst.Status != StatusCreated {
		return types.NewErrorf(types.ErrInvalidTransition, "cannot start workflow in status %q", inst.Status)
	}
	now := s.now()
	from := inst.Status
	inst.Status = StatusRunning
	inst.CurrentStep = 1
	inst.StartedAt = &now
	inst.UpdatedAt = now
	if err := s.instances.Update(ctx, inst); err != nil {
		return err
	}
	s.recordTransition(ctx, inst, from, StatusRunning)
	return nil
}

// Transition moves the instance to the given status if the transition
// table allows it; otherwise it fails without mutating state.
func (s *InstanceService) Transition(ctx context.Context, id string, to Status) error {
	inst, err := s.instances.Get(ctx, id)
	if err != nil {
		return err
	}
	if !inst.Status.CanTransitionTo(to) {
		return types.NewErrorf(types.ErrInvalidTransition, "illegal transition %q -> %q", inst.Status, to)
	}
	from := inst.Status
	now := s.now()
	inst.Status = to
	inst.UpdatedAt = now
	if to.IsTerminal() {
		inst.CompletedAt = &now
	}
	if err := s.instances.Update(ctx, inst); err != nil {
		return err
	}
	s.recordTransition(ctx, inst, from, to)
	return nil
}

// Pause parks a running workflow.
func (s *InstanceService) Pause(ctx context.Context, id string) error {
	return s.Transition(ctx, id, StatusPaused)
}

// Resume returns a paused or waiting workflow to Running.
func (s *InstanceService) Resume(ctx context.Context, id string) error {
	return s.Transition(ctx, id, StatusRunning)
}

// Cancel cancels a paused or waiting workflow.
func (s *InstanceService) Cancel(ctx context.Context, id string) error {
	return s.Transition(ctx, id, StatusCancelled)
}

// Transitions returns the instance's transition audit log, oldest first.
func (s *InstanceService) Transitions(ctx context.Context, id string) ([]*TransitionEvent, error) {
	return s.instances.ListTransitions(ctx, id)
}

// Progress returns completion percentage: (currentStep-1)/totalSteps * 100,
// clamped to 100 when Completed and 0 when the definition has no steps.
func (s *InstanceService) Progress(ctx context.Context, id string) (float64, error) {
	inst, err := s.instances.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if inst.Status == StatusCompleted {
		return 100, nil
	}
	def, ok := s.registry.Get(inst.DefinitionID)
	if !ok || def.TotalSteps() == 0 {
		return 0, nil
	}
	done := inst.CurrentStep - 1
	if done <= 0 {
		return 0, nil
	}
	p := float64(done) / float64(def.TotalSteps()) * 100
	if p > 100 {
		p = 100
	}
	return p, nil
}

// ETA estimates completion as now + average completed-step duration *
// remaining steps. ok is false for terminal instances and before any step
// has completed.
func (s *InstanceService) ETA(ctx context.Context, id string) (time.Time, bool, error) {
	inst, err := s.instances.Get(ctx, id)
	if err != nil {
		return time.Time{}, false, err
	}
	if inst.Status.IsTerminal() {
		return time.Time{}, false, nil
	}
	def, ok := s.registry.Get(inst.DefinitionID)
	if !ok {
		return time.Time{}, false, nil
	}

	rows, err := s.history.ListByWorkflow(ctx, id)
	if err != nil {
		return time.Time{}, false, err
	}
	var total time.Duration
	var n int
	for _, r := range rows {
		if r.Status == StepStatusCompleted && r.CompletedAt != nil {
			total += r.CompletedAt.Sub(r.StartedAt)
			n++
		}
	}
	if n == 0 {
		return time.Time{}, false, nil
	}

	remaining := def.TotalSteps() - (inst.CurrentStep - 1)
	if remaining < 0 {
		remaining = 0
	}
	avg := total / time.Duration(n)
	return s.now().Add(avg * time.Duration(remaining)), true, nil
}

// recordTransition appends the audit event and notifies. Both are
// best-effort relative to the already-durable status change.
func (s *InstanceService) recordTransition(ctx context.Context, inst *Instance, from, to Status) {
	ev := &TransitionEvent{
		ID:         uuid.NewString(),
		WorkflowID: inst.ID,
		From:       from,
		To:         to,
		At:         s.now(),
	}
	if err := s.instances.AppendTransition(ctx, ev); err != nil {
		s.logger.Error("append transition event failed",
			zap.String("workflow_id", inst.ID), zap.Error(err))
	}
	if err := s.notifier.Publish(ctx, Event{
		Type:       EventStatusTransition,
		WorkflowID: inst.ID,
		Data: map[string]any{
			"from": string(from),
			"to":   string(to),
		},
		At: ev.At,
	}); err != nil {
		s.logger.Warn("transition notification failed",
			zap.String("workflow_id", inst.ID), zap.Error(err))
	}
	s.logger.Info("workflow transitioned",
		zap.String("workflow_id", inst.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
}
