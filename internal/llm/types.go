// Package llm implements the provider adapters that translate a
// provider-agnostic chat request into a strongly-typed chunk stream.
//
// Two provider dialects are supported (Anthropic and OpenAI). Each provider
// returns a lazy, finite channel of Chunk values; the rest of the system only
// ever sees the unified chunk enum, never provider event formats.
package llm

import (
	"context"
	"encoding/json"

	"github.com/shadowrealm-ai/shadow/pkg/models"
)

// ChunkKind discriminates the chunk union emitted by a provider stream.
type ChunkKind string

const (
	ChunkTextDelta          ChunkKind = "text-delta"
	ChunkReasoning          ChunkKind = "reasoning"
	ChunkReasoningSignature ChunkKind = "reasoning-signature"
	ChunkRedactedReasoning  ChunkKind = "redacted-reasoning"
	ChunkToolCallStart      ChunkKind = "tool-call-start"
	ChunkToolCallDelta      ChunkKind = "tool-call-delta"
	ChunkToolCall           ChunkKind = "tool-call"
	ChunkToolResult         ChunkKind = "tool-result"
	ChunkUsage              ChunkKind = "usage"
	ChunkFinish             ChunkKind = "finish"
	ChunkError              ChunkKind = "error"
)

// Chunk is one element of a model response stream. Field usage depends on
// Kind: Text carries text/reasoning/signature/redacted payloads and tool-call
// argument fragments; CallID/ToolName/Args describe tool calls; Result
// carries validated tool output.
type Chunk struct {
	Kind ChunkKind `json:"kind"`

	Text string `json:"text,omitempty"`

	CallID   string          `json:"call_id,omitempty"`
	ToolName string          `json:"tool_name,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`

	Result  json.RawMessage `json:"result,omitempty"`
	IsValid bool            `json:"is_valid,omitempty"`

	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`

	Err error `json:"-"`
}

// ToolResultInput is a tool result replayed into the next model turn.
type ToolResultInput struct {
	CallID  string
	Content string
	IsError bool
}

// Message is one turn of prompt history in provider-agnostic form.
type Message struct {
	Role        string
	Content     string
	ToolCalls   []models.ToolCallPart
	ToolResults []ToolResultInput
}

// ToolDef declares one tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Request contains all parameters for one model turn.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolDef
	MaxTokens int

	// Thinking enables extended reasoning on providers that support it.
	Thinking             bool
	ThinkingBudgetTokens int

	// ReasoningEffort is carried in provider options for the GPT-5 family.
	ReasoningEffort string
}

// Response is a complete non-streaming model turn, used by one-shot
// operations (argument repair, commit/title/PR text generation).
type Response struct {
	Text         string
	ToolCalls    []models.ToolCallPart
	InputTokens  int
	OutputTokens int
	FinishReason string
}

// Provider is the interface for model backends. Implementations must be safe
// for concurrent use; each Stream call owns an independent goroutine that
// closes the returned channel when the turn ends.
type Provider interface {
	// Name returns the stable lowercase provider identifier.
	Name() string

	// Stream sends one model turn and returns the chunk stream. Errors
	// after stream start are delivered as ChunkError values.
	Stream(ctx context.Context, req *Request) (<-chan Chunk, error)

	// Complete sends one non-streaming model turn.
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// ProviderName identifies a provider dialect.
type ProviderName string

const (
	ProviderAnthropic ProviderName = "anthropic"
	ProviderOpenAI    ProviderName = "openai"
)

// ProviderForModel derives the provider dialect from a model name.
func ProviderForModel(model string) ProviderName {
	if len(model) >= 6 && model[:6] == "claude" {
		return ProviderAnthropic
	}
	return ProviderOpenAI
}

// IsGPT5Family reports whether the model needs GPT-5 request shaping
// (fixed temperature, max-completion-tokens, reasoning effort).
func IsGPT5Family(model string) bool {
	return len(model) >= 5 && model[:5] == "gpt-5"
}
