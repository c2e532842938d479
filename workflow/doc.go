// Package workflow implements the collaborative workflow execution engine:
// the instance state machine, the step executor, the optimistically
// versioned shared context, field-level conflict detection and resolution
// for concurrent multi-user input, the confidence-gated approval gate, and
// session recovery for reconnecting participants.
//
// The engine is request-driven. Each user action (message, decision,
// approval response, reconnect) is a short-lived unit of work; all
// serialization is scoped to a single workflow instance, conflict,
// approval, or session row via optimistic versioning. Persistence,
// transport, and agent-handler internals stay behind the repository,
// Notifier, and AgentHandler interfaces declared here.
package workflow
