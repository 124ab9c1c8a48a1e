package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shadowrealm-ai/shadow/internal/executor"
	"github.com/shadowrealm-ai/shadow/internal/llm"
	"github.com/shadowrealm-ai/shadow/internal/tools"
	"github.com/shadowrealm-ai/shadow/pkg/models"
)

// Stream outcome labels reported by the driver.
const (
	outcomeCompleted = "completed"
	outcomeStopped   = "stopped"
	outcomeError     = "error"
)

// MCPDispatcher forwards calls to MCP-namespaced tools. When nil, MCP calls
// fail as result values the model can react to.
type MCPDispatcher interface {
	Call(ctx context.Context, server, tool string, args json.RawMessage) (json.RawMessage, error)
}

// streamDriver runs the stepwise tool-calling loop for one stream: provider
// turn, tool dispatch, repeat until the model stops calling tools or the
// step bound is hit.
type streamDriver struct {
	providers *llm.Registry
	registry  *tools.Registry
	proc      *processor
	mcp       MCPDispatcher
	logger    *slog.Logger
	maxSteps  int
}

func (d *streamDriver) run(ctx context.Context, req *llm.Request) (string, error) {
	provider, err := d.providers.ForModel(req.Model)
	if err != nil {
		return outcomeError, err
	}
	if d.maxSteps <= 0 {
		d.maxSteps = 100
	}

	for step := 0; step < d.maxSteps; step++ {
		chunks, err := provider.Stream(ctx, req)
		if err != nil {
			if procErr := d.proc.onError(ctx, err); procErr != nil {
				return outcomeError, procErr
			}
			return outcomeError, err
		}

		var stepText strings.Builder
		var pendingCalls []models.ToolCallPart
		var streamErr error

		for chunk := range chunks {
			if ctx.Err() != nil {
				// Drain: the provider goroutine closes the channel once
				// its transport notices the cancel.
				continue
			}
			switch chunk.Kind {
			case llm.ChunkToolCall:
				pendingCalls = append(pendingCalls, models.ToolCallPart{
					ID: chunk.CallID, Name: chunk.ToolName, Args: chunk.Args,
				})
			case llm.ChunkError:
				streamErr = chunk.Err
			case llm.ChunkTextDelta:
				stepText.WriteString(chunk.Text)
				if err := d.proc.handleChunk(ctx, chunk); err != nil {
					return outcomeError, err
				}
			default:
				if err := d.proc.handleChunk(ctx, chunk); err != nil {
					return outcomeError, err
				}
			}
		}

		if ctx.Err() != nil {
			return outcomeStopped, nil
		}
		if streamErr != nil {
			if errors.Is(streamErr, context.Canceled) {
				return outcomeStopped, nil
			}
			if procErr := d.proc.onError(ctx, streamErr); procErr != nil {
				return outcomeError, procErr
			}
			return outcomeError, streamErr
		}

		if len(pendingCalls) == 0 || d.proc.finishReason != "tool-calls" {
			if len(pendingCalls) > 0 {
				// Calls folded into the message but never run: the model
				// finished for another reason mid-call.
				d.logger.Debug("discarding tool calls on non-tool finish",
					"task_id", d.proc.task.ID,
					"finish_reason", d.proc.finishReason,
					"calls", len(pendingCalls))
			}
			return outcomeCompleted, nil
		}

		results, err := d.dispatchCalls(ctx, req, provider, pendingCalls)
		if err != nil {
			return outcomeError, err
		}
		if ctx.Err() != nil {
			return outcomeStopped, nil
		}

		req.Messages = append(req.Messages,
			llm.Message{Role: "assistant", Content: stepText.String(), ToolCalls: pendingCalls},
			llm.Message{Role: "user", ToolResults: results},
		)
	}

	d.logger.Warn("stream hit step bound", "task_id", d.proc.task.ID, "max_steps", d.maxSteps)
	return outcomeCompleted, nil
}

// dispatchCalls validates, repairs, executes, and records one batch of tool
// calls, returning the results to replay into the next turn.
func (d *streamDriver) dispatchCalls(ctx context.Context, req *llm.Request, provider llm.Provider, calls []models.ToolCallPart) ([]llm.ToolResultInput, error) {
	var results []llm.ToolResultInput

	for i := range calls {
		call := &calls[i]

		// Unknown names get a synthetic validation result and no dispatch.
		if !d.registry.Known(call.Name) {
			if err := d.proc.onToolCall(ctx, *call); err != nil {
				return nil, err
			}
			payload := mustJSON(executor.Failure(
				"unknown tool %q; available tools: %s",
				call.Name, strings.Join(d.registry.Names(), ", ")))
			if err := d.proc.onToolResult(ctx, call.ID, payload, false); err != nil {
				return nil, err
			}
			results = append(results, llm.ToolResultInput{CallID: call.ID, Content: string(payload), IsError: true})
			continue
		}

		payload, isValid, err := d.runCall(ctx, req, provider, call)
		if err != nil {
			return nil, err
		}
		results = append(results, llm.ToolResultInput{
			CallID:  call.ID,
			Content: string(payload),
			IsError: !isValid,
		})
	}
	return results, nil
}

// runCall handles a known tool call end to end. The call part the processor
// records carries the repaired arguments when repair fired; the original
// invalid call never lands as a part.
func (d *streamDriver) runCall(ctx context.Context, req *llm.Request, provider llm.Provider, call *models.ToolCallPart) (json.RawMessage, bool, error) {
	isMCP := tools.IsMCPName(call.Name)

	if !isMCP {
		if validateErr := d.registry.ValidateArgs(call.Name, call.Args); validateErr != nil {
			repaired, repairErr := llm.RepairToolCall(ctx, provider, req, *call, validateErr)
			if repairErr == nil {
				if recheck := d.registry.ValidateArgs(call.Name, repaired.Args); recheck == nil {
					call.Args = repaired.Args
					validateErr = nil
				}
			} else {
				d.logger.Info("tool argument repair failed",
					"tool", call.Name, "call_id", call.ID, "error", repairErr)
			}

			if validateErr != nil {
				if err := d.proc.onToolCall(ctx, *call); err != nil {
					return nil, false, err
				}
				payload := mustJSON(executor.Failure("invalid arguments for %s: %v", call.Name, validateErr))
				if err := d.proc.onToolResult(ctx, call.ID, payload, false); err != nil {
					return nil, false, err
				}
				return payload, false, nil
			}
		}
	}

	if err := d.proc.onToolCall(ctx, *call); err != nil {
		return nil, false, err
	}

	var payload json.RawMessage
	if isMCP {
		payload = d.callMCP(ctx, call)
	} else {
		payload = mustJSON(d.registry.Execute(ctx, call.Name, call.Args))
	}

	isValid := true
	if err := d.registry.ValidateResult(call.Name, payload); err != nil {
		payload = mustJSON(executor.Failure("tool result failed validation: %v", err))
		isValid = false
	}
	if err := d.proc.onToolResult(ctx, call.ID, payload, isValid); err != nil {
		return nil, false, err
	}
	return payload, isValid, nil
}

func (d *streamDriver) callMCP(ctx context.Context, call *models.ToolCallPart) json.RawMessage {
	server, tool, _ := tools.SplitMCPName(call.Name)
	if d.mcp == nil {
		return mustJSON(executor.Failure("MCP server %q is not connected", server))
	}
	result, err := d.mcp.Call(ctx, server, tool, call.Args)
	if err != nil {
		return mustJSON(executor.Failure("MCP call %s failed: %v", call.Name, err))
	}
	return result
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf(`{"success":false,"message":%q}`, err.Error()))
	}
	return raw
}
