package workflow

import "time"

// Decision is one entry of a workflow's ordered decision history. Decisions
// are the audit trail and must survive summarization verbatim.
type Decision struct {
	ID          string         `json:"id"`
	AgentID     string         `json:"agent_id"`
	Description string         `json:"description"`
	Data        map[string]any `json:"data,omitempty"`
	DecidedAt   time.Time      `json:"decided_at"`
}

// SharedContext is the evolving, versioned state visible to all steps and
// agents of one workflow instance. Concurrent writers must present the
// version they read; the version only ever increases.
type SharedContext struct {
	WorkflowID string `json:"workflow_id"`

	// StepOutputs maps step ID to the step's opaque structured output.
	StepOutputs map[string]map[string]any `json:"step_outputs"`
	// OutputOrder records step output insertion order, oldest first. The
	// summarizer compacts from the front of this list.
	OutputOrder []string `json:"output_order"`

	Decisions   []Decision        `json:"decisions"`
	Preferences map[string]string `json:"preferences,omitempty"`

	Version        int64     `json:"version"`
	LastModifiedBy string    `json:"last_modified_by,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NewSharedContext creates the context for a workflow instance at version 1.
func NewSharedContext(workflowID string) *SharedContext {
	return &SharedContext{
		WorkflowID:  workflowID,
		StepOutputs: make(map[string]map[string]any),
		Decisions:   make([]Decision, 0),
		Preferences: make(map[string]string),
		Version:     1,
		UpdatedAt:   time.Now(),
	}
}

// SetStepOutput inserts or overwrites one step's output, maintaining
// insertion order for the summarizer.
func (c *SharedContext) SetStepOutput(stepID string, output map[string]any) {
	if c.StepOutputs == nil {
		c.StepOutputs = make(map[string]map[string]any)
	}
	if _, exists := c.StepOutputs[stepID]; !exists {
		c.OutputOrder = append(c.OutputOrder, stepID)
	}
	c.StepOutputs[stepID] = output
}

// Clone returns a deep-enough copy for optimistic read-modify-write cycles:
// top-level maps and slices are copied, output values are shared.
func (c *SharedContext) Clone() *SharedContext {
	cp := *c
	cp.StepOutputs = make(map[string]map[string]any, len(c.StepOutputs))
	for k, v := range c.StepOutputs {
		cp.StepOutputs[k] = v
	}
	cp.OutputOrder = append([]string(nil), c.OutputOrder...)
	cp.Decisions = append([]Decision(nil), c.Decisions...)
	cp.Preferences = make(map[string]string, len(c.Preferences))
	for k, v := range c.Preferences {
		cp.Preferences[k] = v
	}
	return &cp
}
