package store

import (
	"time"

	"github.com/BaSui01/collabflow/workflow"
)

// Row models for the engine's durable entities. Nested structures are
// stored as JSON columns through gorm's serializer.

type instanceModel struct {
	ID           string `gorm:"primaryKey;size:64"`
	DefinitionID string `gorm:"size:128;index"`
	OwnerID      string `gorm:"size:64;index"`
	Status       string `gorm:"size:32;index"`
	CurrentStep  int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

func (instanceModel) TableName() string { return "workflow_instances" }

func instanceRow(inst *workflow.Instance) *instanceModel {
	return &instanceModel{
		ID:           inst.ID,
		DefinitionID: inst.DefinitionID,
		OwnerID:      inst.OwnerID,
		Status:       string(inst.Status),
		CurrentStep:  inst.CurrentStep,
		CreatedAt:    inst.CreatedAt,
		UpdatedAt:    inst.UpdatedAt,
		StartedAt:    inst.StartedAt,
		CompletedAt:  inst.CompletedAt,
	}
}

func (m *instanceModel) toDomain() *workflow.Instance {
	return &workflow.Instance{
		ID:           m.ID,
		DefinitionID: m.DefinitionID,
		OwnerID:      m.OwnerID,
		Status:       workflow.Status(m.Status),
		CurrentStep:  m.CurrentStep,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
		StartedAt:    m.StartedAt,
		CompletedAt:  m.CompletedAt,
	}
}

type historyModel struct {
	ID          string `gorm:"primaryKey;size:64"`
	WorkflowID  string `gorm:"size:64;index"`
	StepID      string `gorm:"size:128"`
	StepName    string `gorm:"size:256"`
	Status      string `gorm:"size:16"`
	Message     string `gorm:"type:text"`
	StartedAt   time.Time
	CompletedAt *time.Time
}

func (historyModel) TableName() string { return "step_history" }

func historyRow(rec *workflow.StepHistory) *historyModel {
	return &historyModel{
		ID:          rec.ID,
		WorkflowID:  rec.WorkflowID,
		StepID:      rec.StepID,
		StepName:    rec.StepName,
		Status:      string(rec.Status),
		Message:     rec.Message,
		StartedAt:   rec.StartedAt,
		CompletedAt: rec.CompletedAt,
	}
}

func (m *historyModel) toDomain() *workflow.StepHistory {
	return &workflow.StepHistory{
		ID:          m.ID,
		WorkflowID:  m.WorkflowID,
		StepID:      m.StepID,
		StepName:    m.StepName,
		Status:      workflow.StepStatus(m.Status),
		Message:     m.Message,
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
	}
}

type transitionModel struct {
	ID         string `gorm:"primaryKey;size:64"`
	WorkflowID string `gorm:"size:64;index"`
	FromStatus string `gorm:"size:32"`
	ToStatus   string `gorm:"size:32"`
	At         time.Time
}

func (transitionModel) TableName() string { return "transition_events" }

func transitionRow(ev *workflow.TransitionEvent) *transitionModel {
	return &transitionModel{
		ID:         ev.ID,
		WorkflowID: ev.WorkflowID,
		FromStatus: string(ev.From),
		ToStatus:   string(ev.To),
		At:         ev.At,
	}
}

func (m *transitionModel) toDomain() *workflow.TransitionEvent {
	return &workflow.TransitionEvent{
		ID:         m.ID,
		WorkflowID: m.WorkflowID,
		From:       workflow.Status(m.FromStatus),
		To:         workflow.Status(m.ToStatus),
		At:         m.At,
	}
}

type contextModel struct {
	WorkflowID     string                    `gorm:"primaryKey;size:64"`
	StepOutputs    map[string]map[string]any `gorm:"serializer:json"`
	OutputOrder    []string                  `gorm:"serializer:json"`
	Decisions      []workflow.Decision       `gorm:"serializer:json"`
	Preferences    map[string]string         `gorm:"serializer:json"`
	Version        int64
	LastModifiedBy string `gorm:"size:64"`
	UpdatedAt      time.Time
}

func (contextModel) TableName() string { return "shared_contexts" }

func contextRow(sc *workflow.SharedContext) *contextModel {
	return &contextModel{
		WorkflowID:     sc.WorkflowID,
		StepOutputs:    sc.StepOutputs,
		OutputOrder:    sc.OutputOrder,
		Decisions:      sc.Decisions,
		Preferences:    sc.Preferences,
		Version:        sc.Version,
		LastModifiedBy: sc.LastModifiedBy,
		UpdatedAt:      sc.UpdatedAt,
	}
}

func (m *contextModel) toDomain() *workflow.SharedContext {
	sc := &workflow.SharedContext{
		WorkflowID:     m.WorkflowID,
		StepOutputs:    m.StepOutputs,
		OutputOrder:    m.OutputOrder,
		Decisions:      m.Decisions,
		Preferences:    m.Preferences,
		Version:        m.Version,
		LastModifiedBy: m.LastModifiedBy,
		UpdatedAt:      m.UpdatedAt,
	}
	if sc.StepOutputs == nil {
		sc.StepOutputs = make(map[string]map[string]any)
	}
	if sc.Preferences == nil {
		sc.Preferences = make(map[string]string)
	}
	return sc
}

type inputModel struct {
	ID          string    `gorm:"primaryKey;size:64"`
	WorkflowID  string    `gorm:"size:64;index:idx_inputs_wf_field"`
	UserID      string    `gorm:"size:64;index"`
	DisplayName string    `gorm:"size:128"`
	Field       string    `gorm:"size:128;index:idx_inputs_wf_field"`
	Value       string    `gorm:"type:text"`
	SubmittedAt time.Time `gorm:"index"`
	IsApplied   bool      `gorm:"index"`
	ConflictID  string    `gorm:"size:64;index;default:''"`
}

func (inputModel) TableName() string { return "buffered_inputs" }

func inputRow(in *workflow.BufferedInput) *inputModel {
	return &inputModel{
		ID:          in.ID,
		WorkflowID:  in.WorkflowID,
		UserID:      in.UserID,
		DisplayName: in.DisplayName,
		Field:       in.Field,
		Value:       in.Value,
		SubmittedAt: in.SubmittedAt,
		IsApplied:   in.IsApplied,
		ConflictID:  in.ConflictID,
	}
}

func (m *inputModel) toDomain() *workflow.BufferedInput {
	return &workflow.BufferedInput{
		ID:          m.ID,
		WorkflowID:  m.WorkflowID,
		UserID:      m.UserID,
		DisplayName: m.DisplayName,
		Field:       m.Field,
		Value:       m.Value,
		SubmittedAt: m.SubmittedAt,
		IsApplied:   m.IsApplied,
		ConflictID:  m.ConflictID,
	}
}

type conflictModel struct {
	ID                string `gorm:"primaryKey;size:64"`
	WorkflowID        string `gorm:"size:64;index"`
	Field             string `gorm:"size:128"`
	Type              string `gorm:"size:32"`
	Status            string `gorm:"size:16;index"`
	CreatedAt         time.Time
	ExpiresAt         time.Time `gorm:"index"`
	EscalationRetries int
	Inputs            []workflow.ConflictInput `gorm:"serializer:json"`
	Resolution        *workflow.Resolution     `gorm:"serializer:json"`
}

func (conflictModel) TableName() string { return "conflicts" }

func conflictRow(c *workflow.Conflict) *conflictModel {
	return &conflictModel{
		ID:                c.ID,
		WorkflowID:        c.WorkflowID,
		Field:             c.Field,
		Type:              string(c.Type),
		Status:            string(c.Status),
		CreatedAt:         c.CreatedAt,
		ExpiresAt:         c.ExpiresAt,
		EscalationRetries: c.EscalationRetries,
		Inputs:            c.Inputs,
		Resolution:        c.Resolution,
	}
}

func (m *conflictModel) toDomain() *workflow.Conflict {
	return &workflow.Conflict{
		ID:                m.ID,
		WorkflowID:        m.WorkflowID,
		Field:             m.Field,
		Type:              workflow.ConflictType(m.Type),
		Status:            workflow.ConflictStatus(m.Status),
		CreatedAt:         m.CreatedAt,
		ExpiresAt:         m.ExpiresAt,
		EscalationRetries: m.EscalationRetries,
		Inputs:            m.Inputs,
		Resolution:        m.Resolution,
	}
}

type approvalModel struct {
	ID               string  `gorm:"primaryKey;size:64"`
	WorkflowID       string  `gorm:"size:64;index"`
	AgentID          string  `gorm:"size:64"`
	StepID           string  `gorm:"size:128"`
	ProposedResponse string  `gorm:"type:text"`
	Confidence       float64 `gorm:"index"`
	Reasoning        string  `gorm:"type:text"`
	Status           string  `gorm:"size:16;index"`
	RequestedBy      string  `gorm:"size:64"`
	ResolvedBy       string  `gorm:"size:64"`
	ModifiedResponse string  `gorm:"type:text"`
	RejectionReason  string  `gorm:"type:text"`
	Guidance         string  `gorm:"type:text"`
	RequestedAt      time.Time
	ResolvedAt       *time.Time
	NotifyAttempts   int
	LastNotifyError  string `gorm:"type:text"`
	Version          int64
}

func (approvalModel) TableName() string { return "approval_requests" }

func approvalRow(req *workflow.ApprovalRequest) *approvalModel {
	return &approvalModel{
		ID:               req.ID,
		WorkflowID:       req.WorkflowID,
		AgentID:          req.AgentID,
		StepID:           req.StepID,
		ProposedResponse: req.ProposedResponse,
		Confidence:       req.Confidence,
		Reasoning:        req.Reasoning,
		Status:           string(req.Status),
		RequestedBy:      req.RequestedBy,
		ResolvedBy:       req.ResolvedBy,
		ModifiedResponse: req.ModifiedResponse,
		RejectionReason:  req.RejectionReason,
		Guidance:         req.Guidance,
		RequestedAt:      req.RequestedAt,
		ResolvedAt:       req.ResolvedAt,
		NotifyAttempts:   req.NotifyAttempts,
		LastNotifyError:  req.LastNotifyError,
		Version:          req.Version,
	}
}

func (m *approvalModel) toDomain() *workflow.ApprovalRequest {
	return &workflow.ApprovalRequest{
		ID:               m.ID,
		WorkflowID:       m.WorkflowID,
		AgentID:          m.AgentID,
		StepID:           m.StepID,
		ProposedResponse: m.ProposedResponse,
		Confidence:       m.Confidence,
		Reasoning:        m.Reasoning,
		Status:           workflow.ApprovalStatus(m.Status),
		RequestedBy:      m.RequestedBy,
		ResolvedBy:       m.ResolvedBy,
		ModifiedResponse: m.ModifiedResponse,
		RejectionReason:  m.RejectionReason,
		Guidance:         m.Guidance,
		RequestedAt:      m.RequestedAt,
		ResolvedAt:       m.ResolvedAt,
		NotifyAttempts:   m.NotifyAttempts,
		LastNotifyError:  m.LastNotifyError,
		Version:          m.Version,
	}
}

type sessionModel struct {
	ID             string `gorm:"primaryKey;size:64"`
	UserID         string `gorm:"size:64;index"`
	ConnectionID   string `gorm:"size:64;index"`
	IsActive       bool   `gorm:"index"`
	ContextRef     string `gorm:"size:64"`
	StateVersion   int64
	LastModifiedBy string `gorm:"size:64"`
	LastModifiedAt time.Time
	CreatedAt      time.Time
	LastActivityAt time.Time `gorm:"index"`
	ExpiresAt      time.Time `gorm:"index"`
	Version        int64
}

func (sessionModel) TableName() string { return "sessions" }

func sessionRow(s *workflow.Session) *sessionModel {
	return &sessionModel{
		ID:             s.ID,
		UserID:         s.UserID,
		ConnectionID:   s.ConnectionID,
		IsActive:       s.IsActive,
		ContextRef:     s.ContextRef,
		StateVersion:   s.StateVersion,
		LastModifiedBy: s.LastModifiedBy,
		LastModifiedAt: s.LastModifiedAt,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
		ExpiresAt:      s.ExpiresAt,
		Version:        s.Version,
	}
}

func (m *sessionModel) toDomain() *workflow.Session {
	return &workflow.Session{
		ID:             m.ID,
		UserID:         m.UserID,
		ConnectionID:   m.ConnectionID,
		IsActive:       m.IsActive,
		ContextRef:     m.ContextRef,
		StateVersion:   m.StateVersion,
		LastModifiedBy: m.LastModifiedBy,
		LastModifiedAt: m.LastModifiedAt,
		CreatedAt:      m.CreatedAt,
		LastActivityAt: m.LastActivityAt,
		ExpiresAt:      m.ExpiresAt,
		Version:        m.Version,
	}
}
