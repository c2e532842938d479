package workflow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/collabflow/types"
)

// MemoryStore is an in-process implementation of every repository
// contract, with the same optimistic-versioning and transactional-claim
// semantics as the durable store. It backs unit tests and single-node
// development runs. Each entity's repository is reached through an
// accessor; all of them share one mutex, so multi-row writes are
// indivisible.
type MemoryStore struct {
	mu          sync.RWMutex
	instances   map[string]*Instance
	history     map[string][]*StepHistory
	transitions map[string][]*TransitionEvent
	contexts    map[string]*SharedContext
	inputs      map[string]*BufferedInput
	conflicts   map[string]*Conflict
	approvals   map[string]*ApprovalRequest
	sessions    map[string]*Session
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances:   make(map[string]*Instance),
		history:     make(map[string][]*StepHistory),
		transitions: make(map[string][]*TransitionEvent),
		contexts:    make(map[string]*SharedContext),
		inputs:      make(map[string]*BufferedInput),
		conflicts:   make(map[string]*Conflict),
		approvals:   make(map[string]*ApprovalRequest),
		sessions:    make(map[string]*Session),
	}
}

// Instances returns the InstanceRepository view of the store.
func (m *MemoryStore) Instances() InstanceRepository { return memInstances{m} }

// History returns the HistoryRepository view of the store.
func (m *MemoryStore) History() HistoryRepository { return memHistory{m} }

// Contexts returns the ContextRepository view of the store.
func (m *MemoryStore) Contexts() ContextRepository { return memContexts{m} }

// Inputs returns the InputRepository view of the store.
func (m *MemoryStore) Inputs() InputRepository { return memInputs{m} }

// Conflicts returns the ConflictRepository view of the store.
func (m *MemoryStore) Conflicts() ConflictRepository { return memConflicts{m} }

// Approvals returns the ApprovalRepository view of the store.
func (m *MemoryStore) Approvals() ApprovalRepository { return memApprovals{m} }

// Sessions returns the SessionRepository view of the store.
func (m *MemoryStore) Sessions() SessionRepository { return memSessions{m} }

// =============================================================================
// InstanceRepository
// =============================================================================

type memInstances struct{ s *MemoryStore }

func (r memInstances) Create(_ context.Context, inst *Instance) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, exists := r.s.instances[inst.ID]; exists {
		return types.NewErrorf(types.ErrInvalidArgument, "instance %q already exists", inst.ID)
	}
	cp := *inst
	r.s.instances[inst.ID] = &cp
	return nil
}

func (r memInstances) Get(_ context.Context, id string) (*Instance, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	inst, ok := r.s.instances[id]
	if !ok {
		return nil, types.NewErrorf(types.ErrNotFound, "instance %q not found", id)
	}
	cp := *inst
	return &cp, nil
}

func (r memInstances) Update(_ context.Context, inst *Instance) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.instances[inst.ID]; !ok {
		return types.NewErrorf(types.ErrNotFound, "instance %q not found", inst.ID)
	}
	cp := *inst
	r.s.instances[inst.ID] = &cp
	return nil
}

// UpdateWithHistory mutates the instance and appends the history row
// under one lock acquisition, so neither write is visible without the
// other.
func (r memInstances) UpdateWithHistory(_ context.Context, inst *Instance, rec *StepHistory) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.instances[inst.ID]; !ok {
		return types.NewErrorf(types.ErrNotFound, "instance %q not found", inst.ID)
	}
	cp := *inst
	r.s.instances[inst.ID] = &cp
	rcp := *rec
	r.s.history[inst.ID] = append(r.s.history[inst.ID], &rcp)
	return nil
}

func (r memInstances) AppendTransition(_ context.Context, ev *TransitionEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *ev
	r.s.transitions[ev.WorkflowID] = append(r.s.transitions[ev.WorkflowID], &cp)
	return nil
}

func (r memInstances) ListTransitions(_ context.Context, workflowID string) ([]*TransitionEvent, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	evs := r.s.transitions[workflowID]
	out := make([]*TransitionEvent, len(evs))
	for i, ev := range evs {
		cp := *ev
		out[i] = &cp
	}
	return out, nil
}

// =============================================================================
// HistoryRepository
// =============================================================================

type memHistory struct{ s *MemoryStore }

func (r memHistory) ListByWorkflow(_ context.Context, workflowID string) ([]*StepHistory, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	rows := r.s.history[workflowID]
	out := make([]*StepHistory, len(rows))
	for i, row := range rows {
		cp := *row
		out[i] = &cp
	}
	return out, nil
}

// =============================================================================
// ContextRepository
// =============================================================================

type memContexts struct{ s *MemoryStore }

func (r memContexts) Create(_ context.Context, sc *SharedContext) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, exists := r.s.contexts[sc.WorkflowID]; exists {
		return types.NewErrorf(types.ErrInvalidArgument, "context for %q already exists", sc.WorkflowID)
	}
	r.s.contexts[sc.WorkflowID] = sc.Clone()
	return nil
}

func (r memContexts) Get(_ context.Context, workflowID string) (*SharedContext, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	sc, ok := r.s.contexts[workflowID]
	if !ok {
		return nil, types.NewErrorf(types.ErrNotFound, "context for %q not found", workflowID)
	}
	return sc.Clone(), nil
}

// Save accepts the write only when the presented version matches the
// stored one, then bumps both.
func (r memContexts) Save(_ context.Context, sc *SharedContext) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.contexts[sc.WorkflowID]
	if !ok {
		return types.NewErrorf(types.ErrNotFound, "context for %q not found", sc.WorkflowID)
	}
	if stored.Version != sc.Version {
		return types.NewErrorf(types.ErrVersionConflict,
			"context version %d is stale (stored %d)", sc.Version, stored.Version)
	}
	sc.Version++
	r.s.contexts[sc.WorkflowID] = sc.Clone()
	return nil
}

// =============================================================================
// InputRepository
// =============================================================================

type memInputs struct{ s *MemoryStore }

func (r memInputs) Save(_ context.Context, in *BufferedInput) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *in
	r.s.inputs[in.ID] = &cp
	return nil
}

func (r memInputs) Get(_ context.Context, id string) (*BufferedInput, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	in, ok := r.s.inputs[id]
	if !ok {
		return nil, types.NewErrorf(types.ErrNotFound, "input %q not found", id)
	}
	cp := *in
	return &cp, nil
}

func (r memInputs) Update(_ context.Context, in *BufferedInput) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.inputs[in.ID]; !ok {
		return types.NewErrorf(types.ErrNotFound, "input %q not found", in.ID)
	}
	cp := *in
	r.s.inputs[in.ID] = &cp
	return nil
}

func (r memInputs) ListOpenByField(_ context.Context, workflowID, field string) ([]*BufferedInput, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*BufferedInput
	for _, in := range r.s.inputs {
		if in.WorkflowID == workflowID && in.Field == field && !in.IsApplied && in.ConflictID == "" {
			cp := *in
			out = append(out, &cp)
		}
	}
	sortInputsByAge(out)
	return out, nil
}

func (r memInputs) ListUnapplied(_ context.Context, workflowID string) ([]*BufferedInput, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*BufferedInput
	for _, in := range r.s.inputs {
		if in.WorkflowID == workflowID && !in.IsApplied {
			cp := *in
			out = append(out, &cp)
		}
	}
	sortInputsByAge(out)
	return out, nil
}

func sortInputsByAge(ins []*BufferedInput) {
	sort.Slice(ins, func(i, j int) bool {
		if ins[i].SubmittedAt.Equal(ins[j].SubmittedAt) {
			return ins[i].ID < ins[j].ID
		}
		return ins[i].SubmittedAt.Before(ins[j].SubmittedAt)
	})
}

// =============================================================================
// ConflictRepository
// =============================================================================

type memConflicts struct{ s *MemoryStore }

// CreateWithInputs claims the inputs and creates the conflict under one
// lock acquisition. A racing detector that already claimed any input
// fails the whole write with ErrVersionConflict.
func (r memConflicts) CreateWithInputs(_ context.Context, c *Conflict, inputIDs []string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, id := range inputIDs {
		in, ok := r.s.inputs[id]
		if !ok {
			return types.NewErrorf(types.ErrNotFound, "input %q not found", id)
		}
		if in.ConflictID != "" {
			return types.NewErrorf(types.ErrVersionConflict,
				"input %q already claimed by conflict %q", id, in.ConflictID)
		}
	}
	for _, id := range inputIDs {
		r.s.inputs[id].ConflictID = c.ID
	}
	r.s.conflicts[c.ID] = cloneConflict(c)
	return nil
}

func (r memConflicts) Get(_ context.Context, id string) (*Conflict, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	c, ok := r.s.conflicts[id]
	if !ok {
		return nil, types.NewErrorf(types.ErrNotFound, "conflict %q not found", id)
	}
	return cloneConflict(c), nil
}

func (r memConflicts) Update(_ context.Context, c *Conflict) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.conflicts[c.ID]; !ok {
		return types.NewErrorf(types.ErrNotFound, "conflict %q not found", c.ID)
	}
	r.s.conflicts[c.ID] = cloneConflict(c)
	return nil
}

func (r memConflicts) ListPending(_ context.Context, workflowID string) ([]*Conflict, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*Conflict
	for _, c := range r.s.conflicts {
		if c.WorkflowID == workflowID && c.Status == ConflictStatusPending {
			out = append(out, cloneConflict(c))
		}
	}
	sortConflictsByAge(out)
	return out, nil
}

func (r memConflicts) ListExpired(_ context.Context, cutoff time.Time) ([]*Conflict, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*Conflict
	for _, c := range r.s.conflicts {
		if c.Status == ConflictStatusPending && !c.ExpiresAt.After(cutoff) {
			out = append(out, cloneConflict(c))
		}
	}
	sortConflictsByAge(out)
	return out, nil
}

func (r memConflicts) ListEscalatable(_ context.Context, retryCap int) ([]*Conflict, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*Conflict
	for _, c := range r.s.conflicts {
		if c.Status == ConflictStatusPending && c.EscalationRetries < retryCap {
			out = append(out, cloneConflict(c))
		}
	}
	sortConflictsByAge(out)
	return out, nil
}

func sortConflictsByAge(cs []*Conflict) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].ID < cs[j].ID
		}
		return cs[i].CreatedAt.Before(cs[j].CreatedAt)
	})
}

func cloneConflict(c *Conflict) *Conflict {
	cp := *c
	cp.Inputs = append([]ConflictInput(nil), c.Inputs...)
	if c.Resolution != nil {
		res := *c.Resolution
		cp.Resolution = &res
	}
	return &cp
}

// =============================================================================
// ApprovalRepository
// =============================================================================

type memApprovals struct{ s *MemoryStore }

func (r memApprovals) Create(_ context.Context, req *ApprovalRequest) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *req
	r.s.approvals[req.ID] = &cp
	return nil
}

func (r memApprovals) Get(_ context.Context, id string) (*ApprovalRequest, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	req, ok := r.s.approvals[id]
	if !ok {
		return nil, types.NewErrorf(types.ErrNotFound, "approval %q not found", id)
	}
	cp := *req
	return &cp, nil
}

func (r memApprovals) Update(_ context.Context, req *ApprovalRequest) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.approvals[req.ID]
	if !ok {
		return types.NewErrorf(types.ErrNotFound, "approval %q not found", req.ID)
	}
	if stored.Version != req.Version {
		return types.NewErrorf(types.ErrVersionConflict,
			"approval version %d is stale (stored %d)", req.Version, stored.Version)
	}
	req.Version++
	cp := *req
	r.s.approvals[req.ID] = &cp
	return nil
}

func (r memApprovals) ListPending(_ context.Context) ([]*ApprovalRequest, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*ApprovalRequest
	for _, req := range r.s.approvals {
		if req.Status == ApprovalStatusPending {
			cp := *req
			out = append(out, &cp)
		}
	}
	sortApprovalsByAge(out)
	return out, nil
}

func (r memApprovals) ListPendingByWorkflow(_ context.Context, workflowID string) ([]*ApprovalRequest, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*ApprovalRequest
	for _, req := range r.s.approvals {
		if req.WorkflowID == workflowID && req.Status == ApprovalStatusPending {
			cp := *req
			out = append(out, &cp)
		}
	}
	sortApprovalsByAge(out)
	return out, nil
}

func sortApprovalsByAge(reqs []*ApprovalRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].RequestedAt.Equal(reqs[j].RequestedAt) {
			return reqs[i].ID < reqs[j].ID
		}
		return reqs[i].RequestedAt.Before(reqs[j].RequestedAt)
	})
}

// =============================================================================
// SessionRepository
// =============================================================================

type memSessions struct{ s *MemoryStore }

func (r memSessions) Create(_ context.Context, sess *Session) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *sess
	r.s.sessions[sess.ID] = &cp
	return nil
}

func (r memSessions) Get(_ context.Context, id string) (*Session, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	sess, ok := r.s.sessions[id]
	if !ok {
		return nil, types.NewErrorf(types.ErrNotFound, "session %q not found", id)
	}
	cp := *sess
	return &cp, nil
}

func (r memSessions) Update(_ context.Context, sess *Session) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.sessions[sess.ID]
	if !ok {
		return types.NewErrorf(types.ErrNotFound, "session %q not found", sess.ID)
	}
	if stored.Version != sess.Version {
		return types.NewErrorf(types.ErrVersionConflict,
			"session version %d is stale (stored %d)", sess.Version, stored.Version)
	}
	sess.Version++
	cp := *sess
	r.s.sessions[sess.ID] = &cp
	return nil
}

func (r memSessions) LatestActiveByUser(_ context.Context, userID string) (*Session, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var latest *Session
	for _, sess := range r.s.sessions {
		if sess.UserID != userID || !sess.IsActive {
			continue
		}
		if latest == nil || sess.LastActivityAt.After(latest.LastActivityAt) {
			latest = sess
		}
	}
	if latest == nil {
		return nil, types.NewErrorf(types.ErrNotFound, "no active session for user %q", userID)
	}
	cp := *latest
	return &cp, nil
}
