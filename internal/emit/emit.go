// Package emit provides pluggable observability events for flow execution.
package emit

// Event is one observability event from the orchestrator or the runner.
type Event struct {
	// SessionID identifies the session that emitted the event.
	SessionID string

	// Step is the step index within the flow. Negative for session-level
	// events.
	Step int

	// StepName is the flow step's name. Empty for session-level events.
	StepName string

	// Msg names the event, e.g. "step_completed", "session_paused".
	Msg string

	// Meta carries additional structured data. Common keys: "role",
	// "agent_ref", "provider", "tokens", "error".
	Meta map[string]any
}

// Emitter receives execution events.
//
// Implementations must be safe for concurrent use and must not block or
// panic; a slow or failing backend must not stall flow execution.
type Emitter interface {
	Emit(event Event)
}
