package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one row of a task's transcript. The pair (TaskID, Sequence) is
// unique per task and sequences are dense starting at 1; editing a user
// message truncates the tail above that sequence.
type Message struct {
	ID        string     `json:"id"`
	TaskID    string     `json:"task_id"`
	Role      Role       `json:"role"`
	Sequence  int        `json:"sequence"`
	Model     string     `json:"model,omitempty"`
	Content   string     `json:"content"`
	Metadata  Metadata   `json:"metadata"`
	CreatedAt time.Time  `json:"created_at"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`

	// StackedTaskID links a user message to the child task it spawned.
	StackedTaskID string `json:"stacked_task_id,omitempty"`

	// SnapshotID links an assistant message to the PR snapshot it caused.
	SnapshotID string `json:"snapshot_id,omitempty"`
}

// Metadata carries the structured history of an assistant turn plus
// denormalized usage accounting.
type Metadata struct {
	Parts        []Part `json:"parts,omitempty"`
	IsStreaming  bool   `json:"is_streaming,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// PartKind discriminates the Part union.
type PartKind string

const (
	PartText              PartKind = "text"
	PartReasoning         PartKind = "reasoning"
	PartRedactedReasoning PartKind = "redacted-reasoning"
	PartToolCall          PartKind = "tool-call"
	PartToolResult        PartKind = "tool-result"
	PartError             PartKind = "error"
)

// Part is one ordered element of an assistant message. Exactly one of the
// pointer fields is set, matching Kind.
type Part struct {
	Kind              PartKind           `json:"-"`
	Text              *TextPart          `json:"-"`
	Reasoning         *ReasoningPart     `json:"-"`
	RedactedReasoning *RedactedPart      `json:"-"`
	ToolCall          *ToolCallPart      `json:"-"`
	ToolResult        *ToolResultPart    `json:"-"`
	Error             *ErrorPart         `json:"-"`
}

type TextPart struct {
	Text string `json:"text"`
}

type ReasoningPart struct {
	Text      string `json:"text"`
	Signature string `json:"signature,omitempty"`
}

type RedactedPart struct {
	Data string `json:"data"`
}

type ToolCallPart struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type ToolResultPart struct {
	ID       string          `json:"id"`
	ToolName string          `json:"tool_name"`
	Result   json.RawMessage `json:"result"`
}

type ErrorPart struct {
	Message      string `json:"message"`
	FinishReason string `json:"finish_reason,omitempty"`
}

type partEnvelope struct {
	Type PartKind        `json:"type"`
	Body json.RawMessage `json:"body"`
}

// MarshalJSON encodes the part as {"type": kind, "body": payload}.
func (p Part) MarshalJSON() ([]byte, error) {
	var body any
	switch p.Kind {
	case PartText:
		body = p.Text
	case PartReasoning:
		body = p.Reasoning
	case PartRedactedReasoning:
		body = p.RedactedReasoning
	case PartToolCall:
		body = p.ToolCall
	case PartToolResult:
		body = p.ToolResult
	case PartError:
		body = p.Error
	default:
		return nil, fmt.Errorf("models: unknown part kind %q", p.Kind)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(partEnvelope{Type: p.Kind, Body: raw})
}

// UnmarshalJSON decodes the tagged envelope back into the matching variant.
func (p *Part) UnmarshalJSON(data []byte) error {
	var env partEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	p.Kind = env.Type
	switch env.Type {
	case PartText:
		p.Text = &TextPart{}
		return json.Unmarshal(env.Body, p.Text)
	case PartReasoning:
		p.Reasoning = &ReasoningPart{}
		return json.Unmarshal(env.Body, p.Reasoning)
	case PartRedactedReasoning:
		p.RedactedReasoning = &RedactedPart{}
		return json.Unmarshal(env.Body, p.RedactedReasoning)
	case PartToolCall:
		p.ToolCall = &ToolCallPart{}
		return json.Unmarshal(env.Body, p.ToolCall)
	case PartToolResult:
		p.ToolResult = &ToolResultPart{}
		return json.Unmarshal(env.Body, p.ToolResult)
	case PartError:
		p.Error = &ErrorPart{}
		return json.Unmarshal(env.Body, p.Error)
	}
	return fmt.Errorf("models: unknown part kind %q", env.Type)
}

// NewTextPart wraps text as a part.
func NewTextPart(text string) Part {
	return Part{Kind: PartText, Text: &TextPart{Text: text}}
}

// NewReasoningPart wraps reasoning text, optionally sealed with a signature.
func NewReasoningPart(text, signature string) Part {
	return Part{Kind: PartReasoning, Reasoning: &ReasoningPart{Text: text, Signature: signature}}
}

// NewRedactedReasoningPart wraps opaque redacted reasoning bytes.
func NewRedactedReasoningPart(data string) Part {
	return Part{Kind: PartRedactedReasoning, RedactedReasoning: &RedactedPart{Data: data}}
}

// NewToolCallPart wraps a tool invocation.
func NewToolCallPart(id, name string, args json.RawMessage) Part {
	return Part{Kind: PartToolCall, ToolCall: &ToolCallPart{ID: id, Name: name, Args: args}}
}

// NewToolResultPart wraps a tool result keyed to its originating call.
func NewToolResultPart(id, toolName string, result json.RawMessage) Part {
	return Part{Kind: PartToolResult, ToolResult: &ToolResultPart{ID: id, ToolName: toolName, Result: result}}
}

// NewErrorPart wraps a terminal stream error.
func NewErrorPart(message, finishReason string) Part {
	return Part{Kind: PartError, Error: &ErrorPart{Message: message, FinishReason: finishReason}}
}

// ContentFromParts returns the concatenation of all text parts in order.
// The message Content field is always recomputed from this.
func ContentFromParts(parts []Part) string {
	var out string
	for _, p := range parts {
		if p.Kind == PartText && p.Text != nil {
			out += p.Text.Text
		}
	}
	return out
}

// ToolMessageStatus tracks a per-tool mirror row.
type ToolMessageStatus string

const (
	ToolRunning   ToolMessageStatus = "RUNNING"
	ToolCompleted ToolMessageStatus = "COMPLETED"
)

// ToolMessage mirrors a tool-call part for consumers that prefer one row per
// tool invocation. Created RUNNING on tool-call, finalized on tool-result.
type ToolMessage struct {
	ID        string            `json:"id"`
	TaskID    string            `json:"task_id"`
	MessageID string            `json:"message_id"`
	CallID    string            `json:"call_id"`
	ToolName  string            `json:"tool_name"`
	Args      json.RawMessage   `json:"args"`
	Content   string            `json:"content"`
	Status    ToolMessageStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}
