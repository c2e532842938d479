package workflow

import "time"

// StepStatus represents the outcome of one step execution attempt.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// StepHistory is one row per executed step attempt. Rows are append-only
// and never mutated after completion.
type StepHistory struct {
	ID          string     `json:"id"`
	WorkflowID  string     `json:"workflow_id"`
	StepID      string     `json:"step_id"`
	StepName    string     `json:"step_name"`
	Status      StepStatus `json:"status"`
	Message     string     `json:"message,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
