package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shadowrealm-ai/shadow/pkg/models"
)

const repairSystemPrompt = `A tool call you produced had arguments that failed schema validation. Re-issue the same tool call with corrected arguments. Call the tool exactly once and do not reply with prose.`

// RepairToolCall makes a single non-streaming attempt to fix a tool call
// whose arguments failed schema validation. The failed call and the
// validator's error are replayed to the model; the first returned call for
// the same tool wins. Any failure leaves the original call untouched.
func RepairToolCall(ctx context.Context, provider Provider, req *Request, call models.ToolCallPart, validationErr error) (*models.ToolCallPart, error) {
	repairReq := &Request{
		Model:     req.Model,
		System:    repairSystemPrompt,
		Messages:  append([]Message{}, req.Messages...),
		Tools:     req.Tools,
		MaxTokens: req.MaxTokens,
	}

	repairReq.Messages = append(repairReq.Messages,
		Message{Role: "assistant", ToolCalls: []models.ToolCallPart{call}},
		Message{Role: "user", ToolResults: []ToolResultInput{{
			CallID:  call.ID,
			Content: fmt.Sprintf("invalid tool arguments: %v", validationErr),
			IsError: true,
		}}},
	)

	resp, err := provider.Complete(ctx, repairReq)
	if err != nil {
		return nil, fmt.Errorf("repair request failed: %w", err)
	}

	for _, candidate := range resp.ToolCalls {
		if candidate.Name != call.Name {
			continue
		}
		if !json.Valid(candidate.Args) {
			continue
		}
		// The call id stays stable so downstream folding keys still match.
		repaired := models.ToolCallPart{ID: call.ID, Name: call.Name, Args: candidate.Args}
		return &repaired, nil
	}
	return nil, fmt.Errorf("repair produced no %s call", call.Name)
}
