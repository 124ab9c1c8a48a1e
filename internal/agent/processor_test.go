package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/shadowrealm-ai/shadow/internal/llm"
	"github.com/shadowrealm-ai/shadow/internal/store"
	"github.com/shadowrealm-ai/shadow/pkg/models"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (e *recordingEmitter) Emit(taskID string, event Event) {
	e.mu.Lock()
	e.events = append(e.events, event)
	e.mu.Unlock()
}

func (e *recordingEmitter) kinds() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.Kind
	}
	return out
}

func newTestProcessor(t *testing.T) (*processor, *store.MemoryStore, *recordingEmitter) {
	t.Helper()
	mem := store.NewMemoryStore()
	task := &models.Task{
		UserID:       "u1",
		Title:        "Test task",
		RepoFullName: "acme/widgets",
		BaseBranch:   "main",
		ShadowBranch: "shadow/test-abc123",
		MainModel:    "claude-sonnet-4",
		Status:       models.TaskRunning,
	}
	if err := mem.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	emitter := &recordingEmitter{}
	return newProcessor(mem, emitter, slog.Default(), task, task.MainModel), mem, emitter
}

func partKinds(parts []models.Part) []models.PartKind {
	kinds := make([]models.PartKind, len(parts))
	for i, p := range parts {
		kinds[i] = p.Kind
	}
	return kinds
}

func TestFoldTextAndSignedReasoning(t *testing.T) {
	proc, mem, _ := newTestProcessor(t)
	ctx := context.Background()

	sequence := []llm.Chunk{
		{Kind: llm.ChunkReasoning, Text: "Let me look at "},
		{Kind: llm.ChunkReasoning, Text: "the file first."},
		{Kind: llm.ChunkReasoningSignature, Text: "sig-1"},
		{Kind: llm.ChunkTextDelta, Text: "Hello"},
		{Kind: llm.ChunkTextDelta, Text: " world"},
		{Kind: llm.ChunkUsage, InputTokens: 12, OutputTokens: 7},
		{Kind: llm.ChunkFinish, FinishReason: "stop"},
	}
	for _, chunk := range sequence {
		if err := proc.handleChunk(ctx, chunk); err != nil {
			t.Fatalf("handleChunk(%s): %v", chunk.Kind, err)
		}
	}
	if err := proc.finalize(ctx); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	msg, err := mem.GetMessage(ctx, proc.messageID())
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	parts := msg.Metadata.Parts
	if len(parts) != 2 {
		t.Fatalf("parts = %v, want [reasoning text]", partKinds(parts))
	}
	if parts[0].Kind != models.PartReasoning || parts[0].Reasoning.Signature != "sig-1" {
		t.Errorf("first part = %+v, want signed reasoning", parts[0])
	}
	if parts[0].Reasoning.Text != "Let me look at the file first." {
		t.Errorf("reasoning text = %q", parts[0].Reasoning.Text)
	}
	if parts[1].Kind != models.PartText || parts[1].Text.Text != "Hello world" {
		t.Errorf("second part = %+v, want merged text", parts[1])
	}
	if msg.Content != "Hello world" {
		t.Errorf("content = %q, want text parts only", msg.Content)
	}
	if msg.Metadata.IsStreaming {
		t.Error("message still marked streaming after finalize")
	}
	if msg.Metadata.FinishReason != "stop" {
		t.Errorf("finish reason = %q", msg.Metadata.FinishReason)
	}
	if msg.Metadata.InputTokens != 12 || msg.Metadata.OutputTokens != 7 {
		t.Errorf("usage = %d/%d", msg.Metadata.InputTokens, msg.Metadata.OutputTokens)
	}
}

func TestFoldUnsignedReasoningSurvivesFinalize(t *testing.T) {
	proc, mem, _ := newTestProcessor(t)
	ctx := context.Background()

	chunks := []llm.Chunk{
		{Kind: llm.ChunkReasoning, Text: "thinking without "},
		{Kind: llm.ChunkReasoning, Text: "a signature"},
	}
	for _, chunk := range chunks {
		if err := proc.handleChunk(ctx, chunk); err != nil {
			t.Fatalf("handleChunk: %v", err)
		}
	}
	if err := proc.finalize(ctx); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	msg, err := mem.GetMessage(ctx, proc.messageID())
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	parts := msg.Metadata.Parts
	if len(parts) != 1 || parts[0].Kind != models.PartReasoning {
		t.Fatalf("parts = %v, want one reasoning part", partKinds(parts))
	}
	if parts[0].Reasoning.Signature != "" {
		t.Errorf("signature = %q, want unsigned", parts[0].Reasoning.Signature)
	}
	if parts[0].Reasoning.Text != "thinking without a signature" {
		t.Errorf("text = %q", parts[0].Reasoning.Text)
	}
}

func TestFoldRedactedReasoningFlushesActiveBlock(t *testing.T) {
	proc, mem, _ := newTestProcessor(t)
	ctx := context.Background()

	chunks := []llm.Chunk{
		{Kind: llm.ChunkReasoning, Text: "visible"},
		{Kind: llm.ChunkRedactedReasoning, Text: "opaque-blob"},
		{Kind: llm.ChunkTextDelta, Text: "done"},
	}
	for _, chunk := range chunks {
		if err := proc.handleChunk(ctx, chunk); err != nil {
			t.Fatalf("handleChunk: %v", err)
		}
	}
	if err := proc.finalize(ctx); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	msg, err := mem.GetMessage(ctx, proc.messageID())
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	want := []models.PartKind{models.PartReasoning, models.PartRedactedReasoning, models.PartText}
	got := partKinds(msg.Metadata.Parts)
	if len(got) != len(want) {
		t.Fatalf("parts = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("parts = %v, want %v", got, want)
		}
	}
	if msg.Metadata.Parts[1].RedactedReasoning.Data != "opaque-blob" {
		t.Errorf("redacted data = %q", msg.Metadata.Parts[1].RedactedReasoning.Data)
	}
}

func TestFoldToolCallAndResult(t *testing.T) {
	proc, mem, emitter := newTestProcessor(t)
	ctx := context.Background()

	call := models.ToolCallPart{ID: "call-1", Name: "read_file", Args: json.RawMessage(`{"path":"a.txt"}`)}
	if err := proc.onToolCall(ctx, call); err != nil {
		t.Fatalf("onToolCall: %v", err)
	}
	result := json.RawMessage(`{"success":true,"message":"ok"}`)
	if err := proc.onToolResult(ctx, "call-1", result, true); err != nil {
		t.Fatalf("onToolResult: %v", err)
	}
	if err := proc.finalize(ctx); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	msg, err := mem.GetMessage(ctx, proc.messageID())
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	parts := msg.Metadata.Parts
	if len(parts) != 2 {
		t.Fatalf("parts = %v", partKinds(parts))
	}
	if parts[0].ToolCall.Name != "read_file" {
		t.Errorf("call part = %+v", parts[0].ToolCall)
	}
	if parts[1].ToolResult.ID != "call-1" || parts[1].ToolResult.ToolName != "read_file" {
		t.Errorf("result part = %+v", parts[1].ToolResult)
	}

	kinds := emitter.kinds()
	joined := strings.Join(kinds, ",")
	if !strings.Contains(joined, EventToolCall) || !strings.Contains(joined, EventToolResult) {
		t.Errorf("events = %v, want tool-call and tool-result", kinds)
	}
}

func TestFoldDropsResultForUnknownCall(t *testing.T) {
	proc, _, _ := newTestProcessor(t)
	ctx := context.Background()

	if err := proc.onToolResult(ctx, "never-seen", json.RawMessage(`{"success":true}`), true); err != nil {
		t.Fatalf("onToolResult: %v", err)
	}
	if len(proc.parts) != 0 {
		t.Errorf("parts = %v, want none for unknown call id", partKinds(proc.parts))
	}
}

func TestFoldErrorEndsStream(t *testing.T) {
	proc, mem, emitter := newTestProcessor(t)
	ctx := context.Background()

	if err := proc.handleChunk(ctx, llm.Chunk{Kind: llm.ChunkTextDelta, Text: "partial"}); err != nil {
		t.Fatalf("handleChunk: %v", err)
	}
	streamErr := llm.NewProviderError("anthropic", "claude-sonnet-4", errors.New("429 too many requests"))
	if err := proc.onError(ctx, streamErr); err != nil {
		t.Fatalf("onError: %v", err)
	}

	msg, err := mem.GetMessage(ctx, proc.messageID())
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if msg.Metadata.IsStreaming {
		t.Error("message still streaming after error")
	}
	if msg.Metadata.FinishReason != "error" {
		t.Errorf("finish reason = %q", msg.Metadata.FinishReason)
	}
	last := msg.Metadata.Parts[len(msg.Metadata.Parts)-1]
	if last.Kind != models.PartError {
		t.Fatalf("last part = %v, want error", last.Kind)
	}

	kinds := emitter.kinds()
	if kinds[len(kinds)-1] != EventError {
		t.Errorf("last event = %q, want %q", kinds[len(kinds)-1], EventError)
	}
}
