package workflow

import (
	"context"
	"time"
)

// Repository contracts for the durable entities. Implementations must
// provide atomic read-modify-write with optimistic-concurrency detection
// and transactional grouping for multi-row writes (conflict creation,
// status+history updates). store provides the gorm implementation;
// MemoryStore is the in-process reference used by unit tests.

// InstanceRepository persists workflow instances, their transition events,
// and, atomically with instance mutation, step history rows.
type InstanceRepository interface {
	Create(ctx context.Context, inst *Instance) error
	Get(ctx context.Context, id string) (*Instance, error)
	Update(ctx context.Context, inst *Instance) error
	// UpdateWithHistory updates status/currentStep and appends the history
	// row in one transaction. The instance is never visible with one write
	// applied and not the other.
	UpdateWithHistory(ctx context.Context, inst *Instance, rec *StepHistory) error
	AppendTransition(ctx context.Context, ev *TransitionEvent) error
	ListTransitions(ctx context.Context, workflowID string) ([]*TransitionEvent, error)
}

// HistoryRepository reads the append-only step history log.
type HistoryRepository interface {
	ListByWorkflow(ctx context.Context, workflowID string) ([]*StepHistory, error)
}

// ContextRepository persists shared contexts behind an optimistic version
// counter.
type ContextRepository interface {
	Create(ctx context.Context, sc *SharedContext) error
	Get(ctx context.Context, workflowID string) (*SharedContext, error)
	// Save persists sc only if sc.Version matches the stored version; on
	// success both the stored and the in-memory version are incremented.
	// A mismatch returns ErrVersionConflict without writing.
	Save(ctx context.Context, sc *SharedContext) error
}

// InputRepository persists buffered, not-yet-committed user inputs.
type InputRepository interface {
	Save(ctx context.Context, in *BufferedInput) error
	Get(ctx context.Context, id string) (*BufferedInput, error)
	Update(ctx context.Context, in *BufferedInput) error
	// ListOpenByField returns un-applied, un-conflicted inputs for one
	// field, oldest first.
	ListOpenByField(ctx context.Context, workflowID, field string) ([]*BufferedInput, error)
	// ListUnapplied returns all un-applied inputs for a workflow, oldest
	// first, including conflicted ones.
	ListUnapplied(ctx context.Context, workflowID string) ([]*BufferedInput, error)
}

// ConflictRepository persists conflicts and their divergent inputs.
type ConflictRepository interface {
	// CreateWithInputs atomically creates the conflict and stamps every
	// source BufferedInput with its ID. If any input was already claimed
	// by another conflict, nothing is written and ErrVersionConflict is
	// returned so the caller can retry detection.
	CreateWithInputs(ctx context.Context, c *Conflict, inputIDs []string) error
	Get(ctx context.Context, id string) (*Conflict, error)
	Update(ctx context.Context, c *Conflict) error
	ListPending(ctx context.Context, workflowID string) ([]*Conflict, error)
	ListExpired(ctx context.Context, cutoff time.Time) ([]*Conflict, error)
	// ListEscalatable returns pending conflicts whose escalation retry
	// count is below the cap.
	ListEscalatable(ctx context.Context, retryCap int) ([]*Conflict, error)
}

// ApprovalRepository persists approval requests with optimistic versioning.
type ApprovalRepository interface {
	Create(ctx context.Context, req *ApprovalRequest) error
	Get(ctx context.Context, id string) (*ApprovalRequest, error)
	// Update persists req only if req.Version matches the stored version;
	// on success the version is incremented. A mismatch returns
	// ErrVersionConflict without writing.
	Update(ctx context.Context, req *ApprovalRequest) error
	ListPending(ctx context.Context) ([]*ApprovalRequest, error)
	// ListPendingByWorkflow returns pending requests for one workflow,
	// oldest first.
	ListPendingByWorkflow(ctx context.Context, workflowID string) ([]*ApprovalRequest, error)
}

// SessionRepository persists user sessions with optimistic versioning.
type SessionRepository interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	// Update persists s only if s.Version matches; increments on success.
	Update(ctx context.Context, s *Session) error
	// LatestActiveByUser returns the user's most recent active session, or
	// ErrNotFound.
	LatestActiveByUser(ctx context.Context, userID string) (*Session, error)
}
