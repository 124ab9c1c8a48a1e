package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shadowrealm-ai/shadow/internal/llm"
	"github.com/shadowrealm-ai/shadow/internal/store"
	"github.com/shadowrealm-ai/shadow/pkg/models"
)

// processor folds one stream's chunks into the evolving assistant message,
// the per-call tool mirror rows, and the wire events clients watch. It is
// single-goroutine by construction; the kernel serializes everything per
// task.
type processor struct {
	store   store.Store
	emitter Emitter
	logger  *slog.Logger
	task    *models.Task
	model   string

	msg   *models.Message
	parts []models.Part

	// Active reasoning accumulates until a signature seals it. The counter
	// keys successive reasoning blocks within one turn.
	reasoningText    strings.Builder
	reasoningCounter int

	callNames map[string]string

	inputTokens  int
	outputTokens int
	finishReason string
}

func newProcessor(s store.Store, emitter Emitter, logger *slog.Logger, task *models.Task, model string) *processor {
	if emitter == nil {
		emitter = NopEmitter{}
	}
	return &processor{
		store:     s,
		emitter:   emitter,
		logger:    logger,
		task:      task,
		model:     model,
		callNames: make(map[string]string),
	}
}

// ensureMessage allocates the assistant row on first content.
func (p *processor) ensureMessage(ctx context.Context) error {
	if p.msg != nil {
		return nil
	}
	msg := &models.Message{
		TaskID:   p.task.ID,
		Role:     models.RoleAssistant,
		Model:    p.model,
		Metadata: models.Metadata{IsStreaming: true},
	}
	if err := p.store.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("allocate assistant message: %w", err)
	}
	p.msg = msg
	return nil
}

// persist writes the current fold state back to the row. Content is always
// recomputed from the text parts.
func (p *processor) persist(ctx context.Context) error {
	if p.msg == nil {
		return nil
	}
	p.msg.Metadata.Parts = p.parts
	p.msg.Metadata.InputTokens = p.inputTokens
	p.msg.Metadata.OutputTokens = p.outputTokens
	p.msg.Metadata.FinishReason = p.finishReason
	p.msg.Content = models.ContentFromParts(p.parts)
	if err := p.store.UpdateMessage(ctx, p.msg); err != nil {
		return fmt.Errorf("update assistant message: %w", err)
	}
	return nil
}

// handleChunk folds one non-tool chunk. Tool calls and results arrive via
// onToolCall/onToolResult after the driver validates them.
func (p *processor) handleChunk(ctx context.Context, chunk llm.Chunk) error {
	switch chunk.Kind {
	case llm.ChunkTextDelta:
		if err := p.ensureMessage(ctx); err != nil {
			return err
		}
		p.appendText(chunk.Text)
		p.emitter.Emit(p.task.ID, Event{Kind: EventContent, Data: map[string]any{"delta": chunk.Text}})
		return p.persist(ctx)

	case llm.ChunkReasoning:
		if err := p.ensureMessage(ctx); err != nil {
			return err
		}
		p.reasoningText.WriteString(chunk.Text)
		p.emitter.Emit(p.task.ID, Event{Kind: EventReasoning, Data: map[string]any{"delta": chunk.Text}})
		return nil

	case llm.ChunkReasoningSignature:
		p.sealReasoning(chunk.Text)
		p.emitter.Emit(p.task.ID, Event{Kind: EventReasoningSignature, Data: map[string]any{"signature": chunk.Text}})
		return p.persist(ctx)

	case llm.ChunkRedactedReasoning:
		if err := p.ensureMessage(ctx); err != nil {
			return err
		}
		p.flushReasoning()
		p.parts = append(p.parts, models.NewRedactedReasoningPart(chunk.Text))
		p.emitter.Emit(p.task.ID, Event{Kind: EventRedactedReasoning, Data: map[string]any{}})
		return p.persist(ctx)

	case llm.ChunkToolCallStart:
		p.emitter.Emit(p.task.ID, Event{Kind: EventToolCallStart, Data: map[string]any{
			"callId": chunk.CallID, "toolName": chunk.ToolName,
		}})
		return nil

	case llm.ChunkToolCallDelta:
		p.emitter.Emit(p.task.ID, Event{Kind: EventToolCallDelta, Data: map[string]any{
			"callId": chunk.CallID, "delta": chunk.Text,
		}})
		return nil

	case llm.ChunkUsage:
		p.inputTokens += chunk.InputTokens
		p.outputTokens += chunk.OutputTokens
		p.emitter.Emit(p.task.ID, Event{Kind: EventUsage, Data: map[string]any{
			"inputTokens": chunk.InputTokens, "outputTokens": chunk.OutputTokens,
		}})
		return nil

	case llm.ChunkFinish:
		p.finishReason = chunk.FinishReason
		return nil
	}
	return nil
}

// appendText extends the trailing text part or opens a new one after
// non-text parts.
func (p *processor) appendText(text string) {
	p.flushReasoning()
	if n := len(p.parts); n > 0 && p.parts[n-1].Kind == models.PartText {
		p.parts[n-1].Text.Text += text
		return
	}
	p.parts = append(p.parts, models.NewTextPart(text))
}

// sealReasoning closes the active reasoning block with its signature.
func (p *processor) sealReasoning(signature string) {
	if p.reasoningText.Len() == 0 && signature == "" {
		return
	}
	p.parts = append(p.parts, models.NewReasoningPart(p.reasoningText.String(), signature))
	p.reasoningText.Reset()
	p.reasoningCounter++
}

// flushReasoning appends any active reasoning unsigned. Used at part
// boundaries and when the stream ends before a signature arrives.
func (p *processor) flushReasoning() {
	if p.reasoningText.Len() == 0 {
		return
	}
	p.parts = append(p.parts, models.NewReasoningPart(p.reasoningText.String(), ""))
	p.reasoningText.Reset()
	p.reasoningCounter++
}

// onToolCall appends a validated (possibly repaired) call part and opens the
// RUNNING tool mirror row.
func (p *processor) onToolCall(ctx context.Context, call models.ToolCallPart) error {
	if err := p.ensureMessage(ctx); err != nil {
		return err
	}
	p.flushReasoning()
	p.callNames[call.ID] = call.Name
	p.parts = append(p.parts, models.NewToolCallPart(call.ID, call.Name, call.Args))

	tm := &models.ToolMessage{
		TaskID:    p.task.ID,
		MessageID: p.msg.ID,
		CallID:    call.ID,
		ToolName:  call.Name,
		Args:      call.Args,
		Status:    models.ToolRunning,
	}
	if err := p.store.CreateToolMessage(ctx, tm); err != nil {
		return fmt.Errorf("create tool mirror row: %w", err)
	}

	p.emitter.Emit(p.task.ID, Event{Kind: EventToolCall, Data: map[string]any{
		"callId": call.ID, "toolName": call.Name, "args": json.RawMessage(call.Args),
	}})
	return p.persist(ctx)
}

// onToolResult appends the result part and finalizes the mirror row. A
// result for an unknown call id is logged and dropped.
func (p *processor) onToolResult(ctx context.Context, callID string, result json.RawMessage, isValid bool) error {
	name, ok := p.callNames[callID]
	if !ok {
		p.logger.Debug("dropping result for unknown call id", "call_id", callID)
		return nil
	}
	p.parts = append(p.parts, models.NewToolResultPart(callID, name, result))

	if err := p.store.UpdateToolMessage(ctx, &models.ToolMessage{
		CallID:  callID,
		Content: string(result),
		Status:  models.ToolCompleted,
	}); err != nil {
		p.logger.Warn("failed to finalize tool mirror row", "call_id", callID, "error", err)
	}

	p.emitter.Emit(p.task.ID, Event{Kind: EventToolResult, Data: map[string]any{
		"callId": callID, "toolName": name, "result": json.RawMessage(result), "isValid": isValid,
	}})
	return p.persist(ctx)
}

// onError ends the fold with an error part and normalized user-facing text.
func (p *processor) onError(ctx context.Context, streamErr error) error {
	if err := p.ensureMessage(ctx); err != nil {
		return err
	}
	p.flushReasoning()
	friendly := llm.FriendlyMessage(streamErr)
	p.finishReason = "error"
	p.parts = append(p.parts, models.NewErrorPart(friendly, p.finishReason))
	p.msg.Metadata.IsStreaming = false

	p.emitter.Emit(p.task.ID, Event{Kind: EventError, Data: map[string]any{"message": friendly}})
	return p.persist(ctx)
}

// finalize closes the message after a clean or stopped stream. Unsigned
// active reasoning survives as-is.
func (p *processor) finalize(ctx context.Context) error {
	if p.msg == nil {
		return nil
	}
	p.flushReasoning()
	if p.finishReason == "" {
		p.finishReason = "stop"
	}
	p.msg.Metadata.IsStreaming = false
	if err := p.persist(ctx); err != nil {
		return err
	}
	p.emitter.Emit(p.task.ID, Event{Kind: EventComplete, Data: map[string]any{
		"finishReason": p.finishReason,
	}})
	return nil
}

// messageID returns the assistant row id, empty before allocation.
func (p *processor) messageID() string {
	if p.msg == nil {
		return ""
	}
	return p.msg.ID
}
