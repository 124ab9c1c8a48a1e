package models

// QueuedActionKind discriminates the queued-action union.
type QueuedActionKind string

const (
	QueuedMessage   QueuedActionKind = "message"
	QueuedStackedPR QueuedActionKind = "stacked-pr"
)

// QueuedAction is the single deferred user intent retained while a stream is
// active. A newer action overwrites an older one; the kernel drains it after
// the stream reaches a terminal state.
type QueuedAction struct {
	Kind QueuedActionKind `json:"kind"`

	// Message fields (Kind == QueuedMessage).
	Text          string `json:"text,omitempty"`
	Model         string `json:"model,omitempty"`
	WorkspacePath string `json:"workspace_path,omitempty"`

	// Stacked-PR fields (Kind == QueuedStackedPR).
	StackedMessage string `json:"stacked_message,omitempty"`
	StackedModel   string `json:"stacked_model,omitempty"`
	UserID         string `json:"user_id,omitempty"`
}
