package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/shadowrealm-ai/shadow/pkg/models"
)

// OpenAIProvider implements the Provider interface for OpenAI's API.
//
// GPT-5 family models need different request shaping: temperature is pinned
// to 1, the token cap travels as max_completion_tokens, and reasoning effort
// is forwarded when set.
type OpenAIProvider struct {
	client       *openai.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// OpenAIConfig holds configuration for creating an OpenAIProvider.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// NewOpenAIProvider creates an OpenAI provider.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gpt-5"
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientConfig),
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
		defaultModel: config.DefaultModel,
	}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

// Stream sends one model turn and returns the chunk stream.
func (p *OpenAIProvider) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	chunks := make(chan Chunk)

	go func() {
		defer close(chunks)

		var stream *openai.ChatCompletionStream
		var err error

		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			stream, err = p.createStream(ctx, req)
			if err == nil {
				break
			}
			wrapped := p.wrapError(req, err)
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
			chunks <- Chunk{Kind: ChunkError, Err: fmt.Errorf("openai: max retries exceeded: %w", p.wrapError(req, err))}
			return
		}
		defer stream.Close()

		p.processStream(ctx, req, stream, chunks)
	}()

	return chunks, nil
}

func (p *OpenAIProvider) createStream(ctx context.Context, req *Request) (*openai.ChatCompletionStream, error) {
	chatReq, err := p.buildRequest(req)
	if err != nil {
		return nil, err
	}
	chatReq.Stream = true
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	return p.client.CreateChatCompletionStream(ctx, *chatReq)
}

func (p *OpenAIProvider) buildRequest(req *Request) (*openai.ChatCompletionRequest, error) {
	model := p.model(req.Model)
	messages, err := p.convertMessages(req)
	if err != nil {
		return nil, fmt.Errorf("openai: failed to convert messages: %w", err)
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}

	if IsGPT5Family(model) {
		chatReq.Temperature = 1
		chatReq.MaxCompletionTokens = maxTokens(req.MaxTokens)
		if req.ReasoningEffort != "" {
			chatReq.ReasoningEffort = req.ReasoningEffort
		}
	} else {
		chatReq.MaxTokens = maxTokens(req.MaxTokens)
	}

	for _, tool := range req.Tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("openai: invalid tool schema for %s: %w", tool.Name, err)
		}
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		})
	}

	return &chatReq, nil
}

// pendingToolCall accumulates fragmented tool call deltas keyed by index.
type pendingToolCall struct {
	index int
	id    string
	name  string
	args  strings.Builder
}

func (p *OpenAIProvider) processStream(ctx context.Context, req *Request, stream *openai.ChatCompletionStream, chunks chan<- Chunk) {
	pending := make(map[int]*pendingToolCall)
	finishReason := "stop"
	var inputTokens, outputTokens int

	for {
		if ctx.Err() != nil {
			chunks <- Chunk{Kind: ChunkError, Err: ctx.Err()}
			return
		}
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			chunks <- Chunk{Kind: ChunkError, Err: p.wrapError(req, err)}
			return
		}

		if resp.Usage != nil {
			inputTokens = resp.Usage.PromptTokens
			outputTokens = resp.Usage.CompletionTokens
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			chunks <- Chunk{Kind: ChunkTextDelta, Text: choice.Delta.Content}
		}

		for _, toolCall := range choice.Delta.ToolCalls {
			index := 0
			if toolCall.Index != nil {
				index = *toolCall.Index
			}
			call, ok := pending[index]
			if !ok {
				call = &pendingToolCall{index: index}
				pending[index] = call
			}
			if toolCall.ID != "" {
				call.id = toolCall.ID
			}
			if toolCall.Function.Name != "" {
				if call.name == "" {
					chunks <- Chunk{Kind: ChunkToolCallStart, CallID: toolCall.ID, ToolName: toolCall.Function.Name}
				}
				call.name = toolCall.Function.Name
			}
			if toolCall.Function.Arguments != "" {
				call.args.WriteString(toolCall.Function.Arguments)
				chunks <- Chunk{Kind: ChunkToolCallDelta, CallID: call.id, Text: toolCall.Function.Arguments}
			}
		}

		if choice.FinishReason != "" {
			finishReason = mapOpenAIFinishReason(choice.FinishReason)
		}
	}

	// Completed tool calls flush in index order once the stream ends.
	indexes := make([]int, 0, len(pending))
	for index := range pending {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)
	for _, index := range indexes {
		call := pending[index]
		args := call.args.String()
		if args == "" {
			args = "{}"
		}
		chunks <- Chunk{Kind: ChunkToolCall, CallID: call.id, ToolName: call.name, Args: json.RawMessage(args)}
	}

	chunks <- Chunk{Kind: ChunkUsage, InputTokens: inputTokens, OutputTokens: outputTokens}
	chunks <- Chunk{Kind: ChunkFinish, FinishReason: finishReason}
}

// Complete sends one non-streaming model turn.
func (p *OpenAIProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	chatReq, err := p.buildRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.CreateChatCompletion(ctx, *chatReq)
	if err != nil {
		return nil, p.wrapError(req, err)
	}
	if len(resp.Choices) == 0 {
		return nil, NewProviderError("openai", p.model(req.Model), errors.New("empty response"))
	}
	choice := resp.Choices[0]

	out := &Response{
		Text:         choice.Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		FinishReason: mapOpenAIFinishReason(choice.FinishReason),
	}
	for _, toolCall := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCallPart{
			ID:   toolCall.ID,
			Name: toolCall.Function.Name,
			Args: json.RawMessage(toolCall.Function.Arguments),
		})
	}
	return out, nil
}

func (p *OpenAIProvider) convertMessages(req *Request) ([]openai.ChatCompletionMessage, error) {
	var result []openai.ChatCompletionMessage

	if req.System != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})
		case "assistant":
			converted := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, toolCall := range msg.ToolCalls {
				converted.ToolCalls = append(converted.ToolCalls, openai.ToolCall{
					ID:   toolCall.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      toolCall.Name,
						Arguments: string(toolCall.Args),
					},
				})
			}
			result = append(result, converted)
		default:
			// Tool results become dedicated tool-role turns; any text rides
			// along as a user turn.
			for _, toolResult := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    toolResult.Content,
					ToolCallID: toolResult.CallID,
				})
			}
			if msg.Content != "" {
				result = append(result, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: msg.Content,
				})
			}
		}
	}

	return result, nil
}

func (p *OpenAIProvider) wrapError(req *Request, err error) *ProviderError {
	wrapped := NewProviderError("openai", p.model(req.Model), err)
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		wrapped = wrapped.WithStatus(apiErr.HTTPStatusCode)
	}
	return wrapped
}

func (p *OpenAIProvider) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func mapOpenAIFinishReason(reason openai.FinishReason) string {
	switch reason {
	case openai.FinishReasonStop:
		return "stop"
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return "tool-calls"
	case openai.FinishReasonLength:
		return "length"
	case "":
		return "stop"
	}
	return string(reason)
}
