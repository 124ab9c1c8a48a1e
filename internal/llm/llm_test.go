package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/shadowrealm-ai/shadow/pkg/models"
)

func TestProviderForModel(t *testing.T) {
	tests := []struct {
		model string
		want  ProviderName
	}{
		{"claude-sonnet-4-20250514", ProviderAnthropic},
		{"claude-3-5-haiku-20241022", ProviderAnthropic},
		{"gpt-5", ProviderOpenAI},
		{"gpt-4o", ProviderOpenAI},
		{"o3-mini", ProviderOpenAI},
	}
	for _, tt := range tests {
		if got := ProviderForModel(tt.model); got != tt.want {
			t.Errorf("ProviderForModel(%q) = %s, want %s", tt.model, got, tt.want)
		}
	}
}

func TestIsGPT5Family(t *testing.T) {
	if !IsGPT5Family("gpt-5-mini") {
		t.Error("gpt-5-mini should be GPT-5 family")
	}
	if IsGPT5Family("gpt-4o") {
		t.Error("gpt-4o should not be GPT-5 family")
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		msg  string
		want FailureReason
	}{
		{"429 too many requests", FailureRateLimit},
		{"Overloaded", FailureRateLimit},
		{"context deadline exceeded", FailureTimeout},
		{"401 invalid api key", FailureAuth},
		{"503 service unavailable", FailureServerError},
		{"something strange", FailureUnknown},
	}
	for _, tt := range tests {
		if got := classifyError(errors.New(tt.msg)); got != tt.want {
			t.Errorf("classifyError(%q) = %s, want %s", tt.msg, got, tt.want)
		}
	}
}

func TestWithStatusOverridesTextClassification(t *testing.T) {
	err := NewProviderError("openai", "gpt-5", errors.New("opaque")).WithStatus(429)
	if err.Reason != FailureRateLimit {
		t.Fatalf("reason = %s, want rate_limit", err.Reason)
	}
	if !err.Reason.IsRetryable() {
		t.Error("rate limit should be retryable")
	}
}

func TestFriendlyMessageRewritesRateLimit(t *testing.T) {
	err := NewProviderError("anthropic", "claude-sonnet-4-20250514", errors.New("429 rate limit exceeded"))
	got := FriendlyMessage(err)
	if !strings.Contains(got, "too many requests") {
		t.Errorf("FriendlyMessage = %q, want rate-limit rewrite", got)
	}
	if strings.Contains(got, "429") {
		t.Errorf("FriendlyMessage leaked raw status: %q", got)
	}
}

func TestFriendlyMessageRewritesRetryExhaustion(t *testing.T) {
	got := FriendlyMessage(errors.New("anthropic: max retries exceeded: boom"))
	if !strings.Contains(got, "temporarily unavailable") {
		t.Errorf("FriendlyMessage = %q, want unavailable rewrite", got)
	}
}

// fakeProvider records one Complete call and returns scripted tool calls.
type fakeProvider struct {
	lastReq *Request
	resp    *Response
	err     error
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	ch := make(chan Chunk)
	close(ch)
	return ch, nil
}

func (f *fakeProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	f.lastReq = req
	return f.resp, f.err
}

func TestRepairToolCallPicksMatchingCall(t *testing.T) {
	provider := &fakeProvider{resp: &Response{ToolCalls: []models.ToolCallPart{
		{ID: "other", Name: "list_dir", Args: json.RawMessage(`{"path":"."}`)},
		{ID: "new-id", Name: "read_file", Args: json.RawMessage(`{"path":"main.go"}`)},
	}}}

	original := models.ToolCallPart{ID: "call_1", Name: "read_file", Args: json.RawMessage(`{"pth":"main.go"}`)}
	repaired, err := RepairToolCall(context.Background(), provider, &Request{Model: "gpt-5"}, original, errors.New("missing path"))
	if err != nil {
		t.Fatalf("RepairToolCall: %v", err)
	}
	if repaired.ID != "call_1" {
		t.Errorf("repaired call id = %q, want original id preserved", repaired.ID)
	}
	if string(repaired.Args) != `{"path":"main.go"}` {
		t.Errorf("repaired args = %s", repaired.Args)
	}

	// The failed call and the validator error are replayed to the model.
	last := provider.lastReq.Messages[len(provider.lastReq.Messages)-1]
	if len(last.ToolResults) != 1 || !last.ToolResults[0].IsError {
		t.Fatal("repair request missing error tool result")
	}
	if !strings.Contains(last.ToolResults[0].Content, "missing path") {
		t.Errorf("validator error not replayed: %q", last.ToolResults[0].Content)
	}
}

func TestRepairToolCallNoMatch(t *testing.T) {
	provider := &fakeProvider{resp: &Response{Text: "sorry"}}
	original := models.ToolCallPart{ID: "call_1", Name: "read_file", Args: json.RawMessage(`{}`)}
	if _, err := RepairToolCall(context.Background(), provider, &Request{}, original, errors.New("bad")); err == nil {
		t.Fatal("expected error when repair returns no matching call")
	}
}

func TestRegistryForModel(t *testing.T) {
	registry := NewRegistry()
	fake := &fakeProvider{}
	registry.Register(ProviderOpenAI, fake)

	if _, err := registry.ForModel("claude-sonnet-4-20250514"); err == nil {
		t.Fatal("expected error for unregistered anthropic dialect")
	}
	provider, err := registry.ForModel("gpt-5")
	if err != nil {
		t.Fatalf("ForModel: %v", err)
	}
	if provider != fake {
		t.Error("wrong provider resolved")
	}
}

func TestMapStopReasons(t *testing.T) {
	if got := mapStopReason("tool_use"); got != "tool-calls" {
		t.Errorf("anthropic tool_use = %q", got)
	}
	if got := mapStopReason("end_turn"); got != "stop" {
		t.Errorf("anthropic end_turn = %q", got)
	}
	if got := mapOpenAIFinishReason("tool_calls"); got != "tool-calls" {
		t.Errorf("openai tool_calls = %q", got)
	}
	if got := mapOpenAIFinishReason("length"); got != "length" {
		t.Errorf("openai length = %q", got)
	}
}
