package workflow

import (
	"context"
	"time"
)

// EventType classifies change events emitted by the engine.
type EventType string

const (
	EventStatusTransition  EventType = "status_transition"
	EventStepProgress      EventType = "step_progress"
	EventConflictCreated   EventType = "conflict_created"
	EventConflictResolved  EventType = "conflict_resolved"
	EventApprovalRequested EventType = "approval_requested"
	EventApprovalResolved  EventType = "approval_resolved"
	EventSessionRecovered  EventType = "session_recovered"
)

// Event is a change notification pushed out through the real-time channel.
// The engine does not manage connections or delivery guarantees.
type Event struct {
	Type       EventType      `json:"type"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	At         time.Time      `json:"at"`
}

// Notifier fans engine events out to connected participants. Publish
// failures on escalation paths are logged and absorbed; losing a
// notification must never roll back a durable record.
type Notifier interface {
	Publish(ctx context.Context, ev Event) error
}

// NopNotifier discards all events.
type NopNotifier struct{}

// Publish implements Notifier.
func (NopNotifier) Publish(context.Context, Event) error { return nil }

// MultiNotifier publishes each event to every wrapped notifier. The first
// error is returned after all notifiers have been attempted.
type MultiNotifier []Notifier

// Publish implements Notifier.
func (m MultiNotifier) Publish(ctx context.Context, ev Event) error {
	var first error
	for _, n := range m {
		if err := n.Publish(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// =============================================================================
// Execution streaming
// =============================================================================

// StreamEventType defines the type of step execution stream event.
type StreamEventType string

const (
	// StreamEventStarted is emitted when step execution begins.
	StreamEventStarted StreamEventType = "started"
	// StreamEventHandlerInvoked is emitted right before the agent handler runs.
	StreamEventHandlerInvoked StreamEventType = "handler_invoked"
	// StreamEventValidating is emitted before output-schema validation.
	StreamEventValidating StreamEventType = "validating"
	// StreamEventCompleted is emitted after the step completed successfully.
	StreamEventCompleted StreamEventType = "completed"
	// StreamEventFailed is emitted when the step attempt failed.
	StreamEventFailed StreamEventType = "failed"
)

// StreamEvent carries incremental progress for one step execution.
type StreamEvent struct {
	Type       StreamEventType `json:"type"`
	WorkflowID string          `json:"workflow_id"`
	StepID     string          `json:"step_id,omitempty"`
	StepName   string          `json:"step_name,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// StreamEmitter is a callback that receives step execution stream events.
type StreamEmitter func(StreamEvent)

// streamEmitterKey is the context key for StreamEmitter.
type streamEmitterKey struct{}

// WithStreamEmitter stores a StreamEmitter in the context.
func WithStreamEmitter(ctx context.Context, emit StreamEmitter) context.Context {
	if emit == nil {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, streamEmitterKey{}, emit)
}

// streamEmitterFromContext retrieves the StreamEmitter from context.
func streamEmitterFromContext(ctx context.Context) (StreamEmitter, bool) {
	if ctx == nil {
		return nil, false
	}
	v := ctx.Value(streamEmitterKey{})
	if v == nil {
		return nil, false
	}
	emit, ok := v.(StreamEmitter)
	return emit, ok && emit != nil
}
