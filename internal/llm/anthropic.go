package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/shadowrealm-ai/shadow/pkg/models"
)

// interleavedThinkingBeta lets reasoning blocks interleave with tool use.
const interleavedThinkingBeta = "interleaved-thinking-2025-05-14"

// AnthropicProvider implements the Provider interface for Anthropic's API.
//
// Dialect shaping: the system prompt is carried as a dedicated block with an
// ephemeral cache-control marker, the interleaved-thinking beta header is
// always sent, and extended thinking advertises a token budget.
type AnthropicProvider struct {
	client       anthropic.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// AnthropicConfig holds configuration for creating an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// NewAnthropicProvider creates an Anthropic provider.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}

	options := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithHeaderAdd("anthropic-beta", interleavedThinkingBeta),
	}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(options...),
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
		defaultModel: config.DefaultModel,
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Stream sends one model turn and returns the chunk stream.
func (p *AnthropicProvider) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	chunks := make(chan Chunk)

	go func() {
		defer close(chunks)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		var err error

		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			stream, err = p.createStream(ctx, req)
			if err == nil {
				break
			}
			wrapped := NewProviderError("anthropic", p.model(req.Model), err)
			if !wrapped.Reason.IsRetryable() {
				chunks <- Chunk{Kind: ChunkError, Err: wrapped}
				return
			}
			if attempt < p.maxRetries {
				backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
				select {
				case <-ctx.Done():
					chunks <- Chunk{Kind: ChunkError, Err: ctx.Err()}
					return
				case <-time.After(backoff):
				}
			}
		}
		if err != nil {
			chunks <- Chunk{Kind: ChunkError, Err: fmt.Errorf("anthropic: max retries exceeded: %w", NewProviderError("anthropic", p.model(req.Model), err))}
			return
		}

		p.processStream(ctx, stream, chunks, p.model(req.Model))
	}()

	return chunks, nil
}

func (p *AnthropicProvider) createStream(ctx context.Context, req *Request) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	return p.client.Messages.NewStreaming(ctx, *params), nil
}

func (p *AnthropicProvider) buildParams(req *Request) (*anthropic.MessageNewParams, error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(req.Model)),
		Messages:  messages,
		MaxTokens: int64(maxTokens(req.MaxTokens)),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{
			Text:         req.System,
			CacheControl: anthropic.NewCacheControlEphemeralParam(),
		}}
	}

	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}

	if req.Thinking {
		budget := int64(req.ThinkingBudgetTokens)
		if budget < 1024 {
			budget = 10000
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}

	return &params, nil
}

func (p *AnthropicProvider) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- Chunk, model string) {
	var currentTool *models.ToolCallPart
	var currentInput strings.Builder
	var inputTokens, outputTokens int
	finishReason := "stop"

	for stream.Next() {
		if ctx.Err() != nil {
			chunks <- Chunk{Kind: ChunkError, Err: ctx.Err()}
			return
		}
		event := stream.Current()

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			if messageStart.Message.Usage.InputTokens > 0 {
				inputTokens = int(messageStart.Message.Usage.InputTokens)
			}

		case "content_block_start":
			contentBlock := event.AsContentBlockStart().ContentBlock
			switch contentBlock.Type {
			case "tool_use":
				toolUse := contentBlock.AsToolUse()
				currentTool = &models.ToolCallPart{ID: toolUse.ID, Name: toolUse.Name}
				currentInput.Reset()
				chunks <- Chunk{Kind: ChunkToolCallStart, CallID: toolUse.ID, ToolName: toolUse.Name}
			case "redacted_thinking":
				redacted := contentBlock.AsRedactedThinking()
				chunks <- Chunk{Kind: ChunkRedactedReasoning, Text: redacted.Data}
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- Chunk{Kind: ChunkTextDelta, Text: delta.Text}
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					chunks <- Chunk{Kind: ChunkReasoning, Text: delta.Thinking}
				}
			case "signature_delta":
				if delta.Signature != "" {
					chunks <- Chunk{Kind: ChunkReasoningSignature, Text: delta.Signature}
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentInput.WriteString(delta.PartialJSON)
					if currentTool != nil {
						chunks <- Chunk{Kind: ChunkToolCallDelta, CallID: currentTool.ID, Text: delta.PartialJSON}
					}
				}
			}

		case "content_block_stop":
			if currentTool != nil {
				args := currentInput.String()
				if args == "" {
					args = "{}"
				}
				currentTool.Args = json.RawMessage(args)
				chunks <- Chunk{Kind: ChunkToolCall, CallID: currentTool.ID, ToolName: currentTool.Name, Args: currentTool.Args}
				currentTool = nil
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				outputTokens = int(messageDelta.Usage.OutputTokens)
			}
			if messageDelta.Delta.StopReason != "" {
				finishReason = mapStopReason(string(messageDelta.Delta.StopReason))
			}

		case "message_stop":
			chunks <- Chunk{Kind: ChunkUsage, InputTokens: inputTokens, OutputTokens: outputTokens}
			chunks <- Chunk{Kind: ChunkFinish, FinishReason: finishReason}
			return

		case "error":
			chunks <- Chunk{Kind: ChunkError, Err: NewProviderError("anthropic", model, errors.New("anthropic stream error"))}
			return
		}
	}

	if err := stream.Err(); err != nil {
		wrapped := NewProviderError("anthropic", model, err)
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			wrapped = wrapped.WithStatus(apiErr.StatusCode)
		}
		chunks <- Chunk{Kind: ChunkError, Err: wrapped}
	}
}

// Complete sends one non-streaming model turn.
func (p *AnthropicProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	msg, err := p.client.Messages.New(ctx, *params)
	if err != nil {
		wrapped := NewProviderError("anthropic", p.model(req.Model), err)
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			wrapped = wrapped.WithStatus(apiErr.StatusCode)
		}
		return nil, wrapped
	}

	resp := &Response{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		FinishReason: mapStopReason(string(msg.StopReason)),
	}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			toolUse := block.AsToolUse()
			args, err := json.Marshal(toolUse.Input)
			if err != nil {
				return nil, fmt.Errorf("anthropic: invalid tool_use input: %w", err)
			}
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCallPart{
				ID:   toolUse.ID,
				Name: toolUse.Name,
				Args: args,
			})
		}
	}
	resp.Text = text.String()
	return resp, nil
}

func (p *AnthropicProvider) convertMessages(messages []Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		// System turns are carried separately via params.System.
		if msg.Role == "system" {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, toolResult := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(
				toolResult.CallID, toolResult.Content, toolResult.IsError))
		}
		for _, toolCall := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(toolCall.Args, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call input: %w", err)
			}
			content = append(content, anthropic.NewToolUseBlock(toolCall.ID, input, toolCall.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

func (p *AnthropicProvider) convertTools(tools []ToolDef) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

func (p *AnthropicProvider) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func maxTokens(n int) int {
	if n <= 0 {
		return 8192
	}
	return n
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "tool_use":
		return "tool-calls"
	case "max_tokens", "length":
		return "length"
	case "":
		return "stop"
	}
	return reason
}
