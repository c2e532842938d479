package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/collabflow/types"
)

// ApprovalStatus is the lifecycle state of an approval request.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusModified ApprovalStatus = "modified"
	ApprovalStatusRejected ApprovalStatus = "rejected"
	ApprovalStatusTimedOut ApprovalStatus = "timed_out"
)

// resolved reports whether the request has left Pending.
func (s ApprovalStatus) resolved() bool { return s != ApprovalStatusPending }

// ApprovalRequest queues a low-confidence agent proposal for human
// disposition before it is committed to the shared context.
type ApprovalRequest struct {
	ID               string         `json:"id"`
	WorkflowID       string         `json:"workflow_id"`
	AgentID          string         `json:"agent_id"`
	StepID           string         `json:"step_id"`
	ProposedResponse string         `json:"proposed_response"`
	Confidence       float64        `json:"confidence"`
	Reasoning        string         `json:"reasoning,omitempty"`
	Status           ApprovalStatus `json:"status"`
	RequestedBy      string         `json:"requested_by"`
	ResolvedBy       string         `json:"resolved_by,omitempty"`
	// ModifiedResponse stores the human-edited text alongside, never
	// overwriting, the original proposal.
	ModifiedResponse string     `json:"modified_response,omitempty"`
	RejectionReason  string     `json:"rejection_reason,omitempty"`
	Guidance         string     `json:"guidance,omitempty"`
	RequestedAt      time.Time  `json:"requested_at"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	// Notification bookkeeping; failures here never fail the request.
	NotifyAttempts  int    `json:"notify_attempts"`
	LastNotifyError string `json:"last_notify_error,omitempty"`
	Version         int64  `json:"version"`
}

// ApprovalService is the confidence-gated human-in-the-loop checkpoint.
type ApprovalService struct {
	approvals ApprovalRepository
	instances InstanceRepository
	contexts  *ContextService
	lifecycle *InstanceService
	notifier  Notifier
	threshold float64
	logger    *zap.Logger
	now       func() time.Time
}

// NewApprovalService creates the approval gate. threshold is the
// confidence below which proposals require human approval. lifecycle,
// notifier, and logger may be nil; without a lifecycle the gate does not
// park or resume workflows.
func NewApprovalService(approvals ApprovalRepository, instances InstanceRepository, contexts *ContextService, lifecycle *InstanceService, notifier Notifier, threshold float64, logger *zap.Logger) *ApprovalService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ApprovalService{
		approvals: approvals,
		instances: instances,
		contexts:  contexts,
		lifecycle: lifecycle,
		notifier:  notifier,
		threshold: threshold,
		logger:    logger.With(zap.String("component", "approval_service")),
		now:       time.Now,
	}
}

// Submit gates one agent proposal: at or above the confidence threshold it
// is committed to the shared context immediately; below it a Pending
// approval request is created and the workflow is parked in
// WaitingForApproval.
func (s *ApprovalService) Submit(ctx context.Context, workflowID, agentID, stepID, proposed string, confidence float64, reasoning, requestedBy string) (*ApprovalRequest, error) {
	if confidence < 0 || confidence > 1 {
		return nil, types.NewErrorf(types.ErrInvalidArgument, "confidence %v outside [0,1]", confidence)
	}
	if confidence >= s.threshold {
		if err := s.commitResponse(ctx, workflowID, agentID, stepID, proposed, "auto"); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return s.CreateApprovalRequest(ctx, workflowID, agentID, stepID, proposed, confidence, reasoning, requestedBy)
}

// CreateApprovalRequest creates a Pending request at version 1.
func (s *ApprovalService) CreateApprovalRequest(ctx context.Context, workflowID, agentID, stepID, proposed string, confidence float64, reasoning, requestedBy string) (*ApprovalRequest, error) {
	if workflowID == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "workflow id is empty")
	}
	if agentID == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "agent id is empty")
	}
	if confidence < 0 || confidence > 1 {
		return nil, types.NewErrorf(types.ErrInvalidArgument, "confidence %v outside [0,1]", confidence)
	}

	req := &ApprovalRequest{
		ID:               uuid.NewString(),
		WorkflowID:       workflowID,
		AgentID:          agentID,
		StepID:           stepID,
		ProposedResponse: proposed,
		Confidence:       confidence,
		Reasoning:        reasoning,
		Status:           ApprovalStatusPending,
		RequestedBy:      requestedBy,
		RequestedAt:      s.now(),
		Version:          1,
	}
	if err := s.approvals.Create(ctx, req); err != nil {
		return nil, err
	}

	if s.lifecycle != nil {
		if err := s.lifecycle.Transition(ctx, workflowID, StatusWaitingForApproval); err != nil {
			s.logger.Warn("could not park workflow for approval",
				zap.String("workflow_id", workflowID), zap.Error(err))
		}
	}
	s.notify(ctx, req, EventApprovalRequested)

	s.logger.Info("approval requested",
		zap.String("approval_id", req.ID),
		zap.String("workflow_id", workflowID),
		zap.Float64("confidence", confidence),
	)
	return req, nil
}

// Approve resolves a Pending request as Approved and commits the proposed
// response verbatim into the shared context. Only the workflow owner may
// approve.
func (s *ApprovalService) Approve(ctx context.Context, id, userID string) error {
	req, err := s.resolvable(ctx, id, userID)
	if err != nil {
		return err
	}
	now := s.now()
	req.Status = ApprovalStatusApproved
	req.ResolvedBy = userID
	req.ResolvedAt = &now
	if err := s.approvals.Update(ctx, req); err != nil {
		return err
	}
	if err := s.commitResponse(ctx, req.WorkflowID, req.AgentID, req.StepID, req.ProposedResponse, userID); err != nil {
		return err
	}
	s.afterResolution(ctx, req)
	return nil
}

// ModifyAndApprove resolves a Pending request as Modified, committing the
// human-edited text while preserving the original proposal.
func (s *ApprovalService) ModifyAndApprove(ctx context.Context, id, userID, newText string) error {
	if newText == "" {
		return types.NewError(types.ErrInvalidArgument, "modified text is empty")
	}
	req, err := s.resolvable(ctx, id, userID)
	if err != nil {
		return err
	}
	now := s.now()
	req.Status = ApprovalStatusModified
	req.ModifiedResponse = newText
	req.ResolvedBy = userID
	req.ResolvedAt = &now
	if err := s.approvals.Update(ctx, req); err != nil {
		return err
	}
	if err := s.commitResponse(ctx, req.WorkflowID, req.AgentID, req.StepID, newText, userID); err != nil {
		return err
	}
	s.afterResolution(ctx, req)
	return nil
}

// Reject resolves a Pending request as Rejected with a mandatory reason
// and optional additional guidance.
func (s *ApprovalService) Reject(ctx context.Context, id, userID, reason, guidance string) error {
	if reason == "" {
		return types.NewError(types.ErrInvalidArgument, "rejection reason is empty")
	}
	req, err := s.resolvable(ctx, id, userID)
	if err != nil {
		return err
	}
	now := s.now()
	req.Status = ApprovalStatusRejected
	req.RejectionReason = reason
	req.Guidance = guidance
	req.ResolvedBy = userID
	req.ResolvedAt = &now
	if err := s.approvals.Update(ctx, req); err != nil {
		return err
	}
	s.afterResolution(ctx, req)
	return nil
}

// GetTimedOutApprovals partitions still-Pending requests by age: older
// than reminderThreshold but younger than hardThreshold into needsReminder,
// and older than hardThreshold into timedOut.
func (s *ApprovalService) GetTimedOutApprovals(ctx context.Context, reminderThreshold, hardThreshold time.Duration) (needsReminder, timedOut []*ApprovalRequest, err error) {
	pending, err := s.approvals.ListPending(ctx)
	if err != nil {
		return nil, nil, err
	}
	now := s.now()
	for _, req := range pending {
		age := now.Sub(req.RequestedAt)
		switch {
		case age > hardThreshold:
			timedOut = append(timedOut, req)
		case age > reminderThreshold:
			needsReminder = append(needsReminder, req)
		}
	}
	return needsReminder, timedOut, nil
}

// MarkAsTimedOut transitions a Pending request to TimedOut.
func (s *ApprovalService) MarkAsTimedOut(ctx context.Context, id string) error {
	req, err := s.approvals.Get(ctx, id)
	if err != nil {
		return err
	}
	if req.Status.resolved() {
		return types.NewErrorf(types.ErrAlreadyResolved, "approval %q is %s", id, req.Status)
	}
	now := s.now()
	req.Status = ApprovalStatusTimedOut
	req.ResolvedAt = &now
	if err := s.approvals.Update(ctx, req); err != nil {
		return err
	}
	s.afterResolution(ctx, req)
	return nil
}

// PendingForWorkflow returns "the" pending approval for a workflow: the
// oldest Pending request by request time, or ErrNotFound.
func (s *ApprovalService) PendingForWorkflow(ctx context.Context, workflowID string) (*ApprovalRequest, error) {
	pending, err := s.approvals.ListPendingByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, types.NewErrorf(types.ErrNotFound, "no pending approval for workflow %q", workflowID)
	}
	oldest := pending[0]
	for _, req := range pending[1:] {
		if req.RequestedAt.Before(oldest.RequestedAt) {
			oldest = req
		}
	}
	return oldest, nil
}

// resolvable loads a request and checks it is Pending and that userID owns
// the workflow.
func (s *ApprovalService) resolvable(ctx context.Context, id, userID string) (*ApprovalRequest, error) {
	req, err := s.approvals.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status.resolved() {
		return nil, types.NewErrorf(types.ErrAlreadyResolved, "approval %q is %s", id, req.Status)
	}
	inst, err := s.instances.Get(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	if inst.OwnerID != userID {
		return nil, types.NewErrorf(types.ErrNotOwner, "user %q does not own workflow %q", userID, req.WorkflowID)
	}
	return req, nil
}

// commitResponse writes an (auto-)approved response into the shared
// context as the step's output and records the decision.
func (s *ApprovalService) commitResponse(ctx context.Context, workflowID, agentID, stepID, text, decidedBy string) error {
	if err := s.contexts.AddStepOutput(ctx, workflowID, stepID, map[string]any{"response": text}); err != nil {
		return err
	}
	return s.contexts.RecordDecision(ctx, workflowID, agentID, "response committed", map[string]any{
		"step_id":    stepID,
		"decided_by": decidedBy,
	})
}

// afterResolution resumes a parked workflow and notifies. Both are
// best-effort relative to the durable status change.
func (s *ApprovalService) afterResolution(ctx context.Context, req *ApprovalRequest) {
	if s.lifecycle != nil {
		inst, err := s.instances.Get(ctx, req.WorkflowID)
		if err == nil && inst.Status == StatusWaitingForApproval {
			if terr := s.lifecycle.Transition(ctx, req.WorkflowID, StatusRunning); terr != nil {
				s.logger.Warn("could not resume workflow after approval",
					zap.String("workflow_id", req.WorkflowID), zap.Error(terr))
			}
		}
	}
	s.notify(ctx, req, EventApprovalResolved)
}

// notify publishes an approval event and records the attempt on the
// request; notification failure never fails the caller.
func (s *ApprovalService) notify(ctx context.Context, req *ApprovalRequest, typ EventType) {
	err := s.notifier.Publish(ctx, Event{
		Type:       typ,
		WorkflowID: req.WorkflowID,
		Data: map[string]any{
			"approval_id": req.ID,
			"status":      string(req.Status),
			"confidence":  req.Confidence,
		},
		At: s.now(),
	})
	req.NotifyAttempts++
	if err != nil {
		req.LastNotifyError = err.Error()
		s.logger.Warn("approval notification failed",
			zap.String("approval_id", req.ID), zap.Error(err))
	} else {
		req.LastNotifyError = ""
	}
	if uerr := s.approvals.Update(ctx, req); uerr != nil {
		s.logger.Debug("persist notification bookkeeping failed",
			zap.String("approval_id", req.ID), zap.Error(uerr))
	}
}
