package agent

// Event is one element of the chunk wire protocol pushed to clients over a
// task-scoped channel.
type Event struct {
	Kind string         `json:"kind"`
	Data map[string]any `json:"data,omitempty"`
}

// Wire event kinds.
const (
	EventContent            = "content"
	EventReasoning          = "reasoning"
	EventReasoningSignature = "reasoning-signature"
	EventRedactedReasoning  = "redacted-reasoning"
	EventToolCallStart      = "tool-call-start"
	EventToolCallDelta      = "tool-call-delta"
	EventToolCall           = "tool-call"
	EventToolResult         = "tool-result"
	EventUsage              = "usage"
	EventComplete           = "complete"
	EventError              = "error"
	EventTodoUpdate         = "todo-update"
	EventTerminalOutput     = "terminal-output"
)

// Emitter pushes events to whoever is watching a task. Implementations must
// be safe for concurrent use and must never block the stream.
type Emitter interface {
	Emit(taskID string, event Event)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(taskID string, event Event)

func (f EmitterFunc) Emit(taskID string, event Event) { f(taskID, event) }

// NopEmitter discards events.
type NopEmitter struct{}

func (NopEmitter) Emit(string, Event) {}
