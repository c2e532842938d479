package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/BaSui01/collabflow/types"
)

// HandlerInput is what an agent handler receives for one step execution:
// the step's configured inputs plus the workflow's current shared context.
type HandlerInput struct {
	WorkflowID string
	StepID     string
	Inputs     map[string]any
	Context    *SharedContext
}

// AgentHandler is the pluggable executor that performs a step's work.
// Implementations signal retryability through *types.Error: a failure with
// Retryable=true parks the workflow in WaitingForInput instead of Failed.
// Handlers are expected to enforce their own timeouts and honor ctx
// cancellation; the executor does not pre-empt a handler mid-flight.
type AgentHandler interface {
	Execute(ctx context.Context, in HandlerInput) (map[string]any, error)
}

// AgentRouter resolves agent handlers by agent ID. Handlers are registered
// at startup; the table is effectively read-only afterwards.
type AgentRouter struct {
	mu       sync.RWMutex
	handlers map[string]AgentHandler
}

// NewAgentRouter creates an empty router.
func NewAgentRouter() *AgentRouter {
	return &AgentRouter{handlers: make(map[string]AgentHandler)}
}

// Register adds a handler for the given agent ID, replacing any previous one.
func (r *AgentRouter) Register(agentID string, h AgentHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[agentID] = h
}

// Resolve returns the handler registered for the agent ID.
func (r *AgentRouter) Resolve(agentID string) (AgentHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[agentID]
	return h, ok
}

// =============================================================================
// Handler variants
// =============================================================================

// HandlerFunc adapts a function to the AgentHandler interface.
type HandlerFunc func(ctx context.Context, in HandlerInput) (map[string]any, error)

// Execute implements AgentHandler.
func (f HandlerFunc) Execute(ctx context.Context, in HandlerInput) (map[string]any, error) {
	return f(ctx, in)
}

// ScriptedHandler returns canned outputs keyed by step ID. Steps without a
// scripted output fail non-retryably.
type ScriptedHandler struct {
	Outputs map[string]map[string]any
}

// Execute implements AgentHandler.
func (h *ScriptedHandler) Execute(_ context.Context, in HandlerInput) (map[string]any, error) {
	out, ok := h.Outputs[in.StepID]
	if !ok {
		return nil, types.NewErrorf(types.ErrHandlerFailed, "no scripted output for step %q", in.StepID)
	}
	return out, nil
}

// ReplayHandler replays previously recorded step outputs, consuming one
// recording per call in order. Useful for fixture-driven tests and demos.
type ReplayHandler struct {
	mu         sync.Mutex
	Recordings []map[string]any
	next       int
}

// Execute implements AgentHandler.
func (h *ReplayHandler) Execute(_ context.Context, in HandlerInput) (map[string]any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.next >= len(h.Recordings) {
		return nil, types.NewErrorf(types.ErrHandlerFailed, "replay exhausted at step %q", in.StepID)
	}
	out := h.Recordings[h.next]
	h.next++
	return out, nil
}

// HandlerMode selects an agent handler variant per configuration.
type HandlerMode string

const (
	// HandlerModeScripted serves canned outputs (development, demos).
	HandlerModeScripted HandlerMode = "scripted"
	// HandlerModeReplay replays recorded fixtures (regression runs).
	HandlerModeReplay HandlerMode = "replay"
	// HandlerModeLive delegates to an externally registered live handler.
	HandlerModeLive HandlerMode = "live"
)

// HandlerFactory builds handlers for a configuration mode. Live handlers
// are external plug-ins supplied through the Live map; the factory only
// routes to them.
type HandlerFactory struct {
	Mode     HandlerMode
	Scripted map[string]map[string]any
	Replay   []map[string]any
	Live     map[string]AgentHandler
}

// ForAgent returns the handler for one agent ID under the factory's mode.
func (f *HandlerFactory) ForAgent(agentID string) (AgentHandler, error) {
	switch f.Mode {
	case HandlerModeScripted:
		return &ScriptedHandler{Outputs: f.Scripted}, nil
	case HandlerModeReplay:
		return &ReplayHandler{Recordings: f.Replay}, nil
	case HandlerModeLive:
		h, ok := f.Live[agentID]
		if !ok {
			return nil, fmt.Errorf("no live handler plugged in for agent %q", agentID)
		}
		return h, nil
	default:
		return nil, fmt.Errorf("unknown handler mode %q", f.Mode)
	}
}
