package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/collabflow/types"
)

// BufferedInput is a pending, not-yet-committed user edit to one field of
// the workflow. Inputs are created per keystroke or submission and
// superseded or consumed at the next checkpoint or conflict resolution.
type BufferedInput struct {
	ID          string    `json:"id"`
	WorkflowID  string    `json:"workflow_id"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Field       string    `json:"field"`
	Value       string    `json:"value"`
	SubmittedAt time.Time `json:"submitted_at"`
	IsApplied   bool      `json:"is_applied"`
	// ConflictID is set once the input is claimed by a conflict.
	ConflictID string `json:"conflict_id,omitempty"`
}

// ConflictType classifies a conflict.
type ConflictType string

// ConflictTypeFieldValue is a disagreement over one field's value.
const ConflictTypeFieldValue ConflictType = "field_value"

// ConflictStatus is the lifecycle state of a conflict.
type ConflictStatus string

const (
	ConflictStatusPending  ConflictStatus = "pending"
	ConflictStatusResolved ConflictStatus = "resolved"
)

// ConflictInput is one divergent input recorded on a conflict, in
// submission order.
type ConflictInput struct {
	InputID     string    `json:"input_id"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Value       string    `json:"value"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// ResolutionType is the closed set of conflict resolution policies.
type ResolutionType string

const (
	// ResolutionAcceptA accepts the chronologically-first input.
	ResolutionAcceptA ResolutionType = "accept_a"
	// ResolutionAcceptB accepts the chronologically-last input.
	ResolutionAcceptB ResolutionType = "accept_b"
	// ResolutionMerge uses a caller-supplied final value.
	ResolutionMerge ResolutionType = "merge"
	// ResolutionRejectBoth discards all inputs; the final value is empty.
	ResolutionRejectBoth ResolutionType = "reject_both"
)

// Resolution records how a conflict was settled.
type Resolution struct {
	Type       ResolutionType `json:"type"`
	ResolvedBy string         `json:"resolved_by"`
	FinalValue string         `json:"final_value"`
	Reason     string         `json:"reason,omitempty"`
	ResolvedAt time.Time      `json:"resolved_at"`
}

// Conflict is a detected disagreement between two or more users' buffered
// inputs for the same field. A conflict always references at least two
// divergent inputs from distinct users.
type Conflict struct {
	ID                string          `json:"id"`
	WorkflowID        string          `json:"workflow_id"`
	Field             string          `json:"field"`
	Type              ConflictType    `json:"type"`
	Status            ConflictStatus  `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	ExpiresAt         time.Time       `json:"expires_at"`
	EscalationRetries int             `json:"escalation_retries"`
	Inputs            []ConflictInput `json:"inputs"`
	Resolution        *Resolution     `json:"resolution,omitempty"`
}

// ConflictConfig carries the conflict policy knobs.
type ConflictConfig struct {
	// Expiry is how long a conflict stays open before the expiry sweep
	// resolves it as RejectBoth.
	Expiry time.Duration
	// EscalationRetryCap bounds out-of-band escalation retries.
	EscalationRetryCap int
	// InputRateLimit / InputRateBurst bound per-user buffered-input
	// submission. Zero disables rate limiting.
	InputRateLimit rate.Limit
	InputRateBurst int
}

// DefaultConflictConfig returns the default conflict policy.
func DefaultConflictConfig() ConflictConfig {
	return ConflictConfig{
		Expiry:             time.Hour,
		EscalationRetryCap: 3,
		InputRateLimit:     rate.Limit(10),
		InputRateBurst:     20,
	}
}

// ConflictService intercepts concurrent field-level inputs before they are
// committed and arbitrates when they disagree.
//
// Resolved conflicts mark the accepted BufferedInput(s) as not-yet-applied
// so they are (re)applied at the workflow's next checkpoint rather than
// immediately. This deferred-apply policy is deliberate product behavior;
// see ApplyPendingInputs for the checkpoint side.
type ConflictService struct {
	inputs    InputRepository
	conflicts ConflictRepository
	contexts  ContextRepository
	notifier  Notifier
	cfg       ConflictConfig
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewConflictService creates the conflict service. notifier and logger may
// be nil.
func NewConflictService(inputs InputRepository, conflicts ConflictRepository, contexts ContextRepository, notifier Notifier, cfg ConflictConfig, logger *zap.Logger) *ConflictService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = time.Hour
	}
	if cfg.EscalationRetryCap <= 0 {
		cfg.EscalationRetryCap = 3
	}
	return &ConflictService{
		inputs:    inputs,
		conflicts: conflicts,
		contexts:  contexts,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "conflict_service")),
		now:       time.Now,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// SubmitInput buffers one user's edit to a field and runs conflict
// detection: if another user already has an un-applied, un-conflicted
// input for the same field with a different value, a Pending conflict is
// created claiming all divergent inputs plus the new one.
//
// The returned conflict is nil when no disagreement was detected.
func (s *ConflictService) SubmitInput(ctx context.Context, workflowID, userID, displayName, field, value string) (*BufferedInput, *Conflict, error) {
	if workflowID == "" || userID == "" || field == "" {
		return nil, nil, types.NewError(types.ErrInvalidArgument, "workflow id, user id, and field are required")
	}
	if !s.allow(userID) {
		return nil, nil, types.NewErrorf(types.ErrRateLimited, "user %q is submitting too fast", userID)
	}

	existing, err := s.inputs.ListOpenByField(ctx, workflowID, field)
	if err != nil {
		return nil, nil, err
	}

	in := &BufferedInput{
		ID:          uuid.NewString(),
		WorkflowID:  workflowID,
		UserID:      userID,
		DisplayName: displayName,
		Field:       field,
		Value:       value,
		SubmittedAt: s.now(),
	}
	if err := s.inputs.Save(ctx, in); err != nil {
		return nil, nil, err
	}

	var divergent []*BufferedInput
	for _, e := range existing {
		if e.UserID != userID && e.Value != value {
			divergent = append(divergent, e)
		}
	}
	if len(divergent) == 0 {
		return in, nil, nil
	}

	conflict := s.buildConflict(workflowID, field, append(divergent, in))
	inputIDs := make([]string, 0, len(conflict.Inputs))
	for _, ci := range conflict.Inputs {
		inputIDs = append(inputIDs, ci.InputID)
	}
	// The read-detect-create sequence is transactional in the repository:
	// two near-simultaneous divergent submissions cannot both claim the
	// same pre-existing inputs.
	if err := s.conflicts.CreateWithInputs(ctx, conflict, inputIDs); err != nil {
		return in, nil, err
	}
	s.logger.Info("conflict detected",
		zap.String("workflow_id", workflowID),
		zap.String("conflict_id", conflict.ID),
		zap.String("field", field),
		zap.Int("inputs", len(conflict.Inputs)),
	)

	// Escalation is attempted after commit; a failure must not unwind the
	// already-committed conflict.
	s.escalate(ctx, conflict)
	return in, conflict, nil
}

// buildConflict assembles a Pending conflict from the divergent inputs in
// submission order.
func (s *ConflictService) buildConflict(workflowID, field string, inputs []*BufferedInput) *Conflict {
	now := s.now()
	c := &Conflict{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Field:      field,
		Type:       ConflictTypeFieldValue,
		Status:     ConflictStatusPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.Expiry),
	}
	for _, in := range inputs {
		c.Inputs = append(c.Inputs, ConflictInput{
			InputID:     in.ID,
			UserID:      in.UserID,
			DisplayName: in.DisplayName,
			Value:       in.Value,
			SubmittedAt: in.SubmittedAt,
		})
	}
	return c
}

// ResolveConflict settles a Pending conflict. Resolving anything else
// fails with ErrAlreadyResolved. The final value is derived from the
// resolution type; mergeValue is only consulted for ResolutionMerge.
func (s *ConflictService) ResolveConflict(ctx context.Context, conflictID string, rtype ResolutionType, resolvedBy, reason, mergeValue string) (*Conflict, error) {
	c, err := s.conflicts.Get(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if c.Status != ConflictStatusPending {
		return nil, types.NewErrorf(types.ErrAlreadyResolved, "conflict %q is %s", conflictID, c.Status)
	}

	var finalValue string
	switch rtype {
	case ResolutionAcceptA:
		finalValue = c.Inputs[0].Value
	case ResolutionAcceptB:
		finalValue = c.Inputs[len(c.Inputs)-1].Value
	case ResolutionMerge:
		finalValue = mergeValue
	case ResolutionRejectBoth:
		finalValue = ""
	default:
		return nil, types.NewErrorf(types.ErrInvalidArgument, "unknown resolution type %q", rtype)
	}

	c.Status = ConflictStatusResolved
	c.Resolution = &Resolution{
		Type:       rtype,
		ResolvedBy: resolvedBy,
		FinalValue: finalValue,
		Reason:     reason,
		ResolvedAt: s.now(),
	}
	if err := s.conflicts.Update(ctx, c); err != nil {
		return nil, err
	}

	s.flagAcceptedInputs(ctx, c, rtype)

	if err := s.notifier.Publish(ctx, Event{
		Type:       EventConflictResolved,
		WorkflowID: c.WorkflowID,
		Data: map[string]any{
			"conflict_id": c.ID,
			"field":       c.Field,
			"resolution":  string(rtype),
		},
		At: s.now(),
	}); err != nil {
		s.logger.Warn("conflict resolution notification failed",
			zap.String("conflict_id", c.ID), zap.Error(err))
	}
	return c, nil
}

// flagAcceptedInputs marks the accepted side not-yet-applied so the next
// checkpoint (re)applies it. RejectBoth consumes every input instead.
func (s *ConflictService) flagAcceptedInputs(ctx context.Context, c *Conflict, rtype ResolutionType) {
	var accepted []string
	switch rtype {
	case ResolutionAcceptA:
		accepted = []string{c.Inputs[0].InputID}
	case ResolutionAcceptB:
		accepted = []string{c.Inputs[len(c.Inputs)-1].InputID}
	case ResolutionMerge:
		// A merged value derives from every side; all participants are
		// re-applied at the checkpoint carrying the resolution value.
		for _, ci := range c.Inputs {
			accepted = append(accepted, ci.InputID)
		}
	case ResolutionRejectBoth:
		for _, ci := range c.Inputs {
			if err := s.setApplied(ctx, ci.InputID, true); err != nil {
				s.logger.Warn("consume rejected input failed",
					zap.String("input_id", ci.InputID), zap.Error(err))
			}
		}
		return
	}
	for _, id := range accepted {
		if err := s.setApplied(ctx, id, false); err != nil {
			s.logger.Warn("flag accepted input failed",
				zap.String("input_id", id), zap.Error(err))
		}
	}
}

func (s *ConflictService) setApplied(ctx context.Context, inputID string, applied bool) error {
	in, err := s.inputs.Get(ctx, inputID)
	if err != nil {
		return err
	}
	in.IsApplied = applied
	return s.inputs.Update(ctx, in)
}

// ApplyPendingInputs is the checkpoint: it commits every un-applied input
// whose conflict (if any) has been resolved into the shared context, in
// submission order. Inputs claimed by a still-Pending conflict are left
// buffered.
func (s *ConflictService) ApplyPendingInputs(ctx context.Context, workflowID string) (int, error) {
	pending, err := s.inputs.ListUnapplied(ctx, workflowID)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}
	sc, err := s.contexts.Get(ctx, workflowID)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, in := range pending {
		value := in.Value
		if in.ConflictID != "" {
			c, err := s.conflicts.Get(ctx, in.ConflictID)
			if err != nil {
				return applied, err
			}
			if c.Status != ConflictStatusResolved {
				continue
			}
			value = c.Resolution.FinalValue
		}
		sc.Preferences[in.Field] = value
		in.IsApplied = true
		if err := s.inputs.Update(ctx, in); err != nil {
			return applied, err
		}
		applied++
	}
	if applied == 0 {
		return 0, nil
	}
	sc.UpdatedAt = s.now()
	if err := s.contexts.Save(ctx, sc); err != nil {
		return applied, err
	}
	return applied, nil
}

// PendingConflicts returns the workflow's open conflicts.
func (s *ConflictService) PendingConflicts(ctx context.Context, workflowID string) ([]*Conflict, error) {
	return s.conflicts.ListPending(ctx, workflowID)
}

// RetryEscalations re-attempts escalation for pending conflicts still
// under the retry cap, incrementing the counter on each failure. It
// returns the number of successful escalations.
func (s *ConflictService) RetryEscalations(ctx context.Context) (int, error) {
	candidates, err := s.conflicts.ListEscalatable(ctx, s.cfg.EscalationRetryCap)
	if err != nil {
		return 0, err
	}
	ok := 0
	for _, c := range candidates {
		if s.escalate(ctx, c) {
			ok++
		}
	}
	return ok, nil
}

// ExpireConflicts resolves conflicts past their expiry as RejectBoth with
// resolver "system". It returns the number of conflicts expired.
func (s *ConflictService) ExpireConflicts(ctx context.Context) (int, error) {
	expired, err := s.conflicts.ListExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range expired {
		if _, err := s.ResolveConflict(ctx, c.ID, ResolutionRejectBoth, "system", "expired", ""); err != nil {
			s.logger.Warn("expire conflict failed", zap.String("conflict_id", c.ID), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

// escalate notifies about a pending conflict. Failures are logged and
// absorbed; the escalation retry counter is bumped so the out-of-band
// retrier can give up at the cap.
func (s *ConflictService) escalate(ctx context.Context, c *Conflict) bool {
	err := s.notifier.Publish(ctx, Event{
		Type:       EventConflictCreated,
		WorkflowID: c.WorkflowID,
		Data: map[string]any{
			"conflict_id": c.ID,
			"field":       c.Field,
			"users":       len(c.Inputs),
		},
		At: s.now(),
	})
	if err == nil {
		return true
	}
	s.logger.Warn("conflict escalation failed",
		zap.String("conflict_id", c.ID),
		zap.Int("escalation_retries", c.EscalationRetries),
		zap.Error(err),
	)
	c.EscalationRetries++
	if uerr := s.conflicts.Update(ctx, c); uerr != nil {
		s.logger.Warn("persist escalation retry count failed",
			zap.String("conflict_id", c.ID), zap.Error(uerr))
	}
	return false
}

// allow applies the per-user input rate limit.
func (s *ConflictService) allow(userID string) bool {
	if s.cfg.InputRateLimit <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(s.cfg.InputRateLimit, s.cfg.InputRateBurst)
		s.limiters[userID] = lim
	}
	return lim.Allow()
}
