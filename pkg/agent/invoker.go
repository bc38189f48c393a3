package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/comicbot/dailycomic/pkg/backoff"
)

// Terminal describes the single submit function of a role. The payload lives
// under ArgKey in the call parameters and must satisfy Schema.
type Terminal struct {
	Name   string
	ArgKey string
	Schema *gojsonschema.Schema
	Tool   ToolDef
}

// Invocation is one bounded exchange with one agent identity.
type Invocation struct {
	Identity     Identity
	Role         Role
	SystemPrompt string
	Prompt       string
	SideFuncs    map[string]SideFunc
	SideTools    []ToolDef
	Terminal     Terminal
}

// InvokerConfig bounds every invocation.
type InvokerConfig struct {
	Model       string
	Temperature float64
	MaxTokens   int
	MaxRounds   int
	Timeout     time.Duration
	Retry       backoff.Policy
}

// Invoker runs the function-calling loop against one LLM provider. It performs
// no side effects beyond dispatching the caller's read-only handlers; the
// caller owns all run-state mutation.
type Invoker struct {
	provider LLMProvider
	cfg      InvokerConfig
	logger   zerolog.Logger
}

// NewInvoker creates an invoker for a provider.
func NewInvoker(provider LLMProvider, cfg InvokerConfig, logger zerolog.Logger) *Invoker {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = backoff.Default()
	}
	return &Invoker{
		provider: provider,
		cfg:      cfg,
		logger:   logger.With().Str("component", "invoker").Logger(),
	}
}

// Invoke drives the agent until it submits a valid terminal payload. A payload
// that fails schema validation gets exactly one corrective round; a second
// failure, an exhausted round budget, or an elapsed wall-clock budget fails
// the invocation.
func (iv *Invoker) Invoke(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, iv.cfg.Timeout)
	defer cancel()

	logger := iv.logger.With().
		Str("agent", inv.Identity.ID).
		Str("role", string(inv.Role)).
		Logger()

	tools := append([]ToolDef{}, inv.SideTools...)
	tools = append(tools, inv.Terminal.Tool)

	messages := []Message{{Role: "user", Content: inv.Prompt}}
	correctiveUsed := false

	for round := 0; round < iv.cfg.MaxRounds; round++ {
		response, err := iv.call(ctx, inv, messages, tools)
		if err != nil {
			if ctx.Err() != nil {
				return nil, &InvocationError{Identity: inv.Identity.ID, Kind: FailureTimeout, Err: ctx.Err()}
			}
			return nil, &InvocationError{Identity: inv.Identity.ID, Kind: FailureProvider, Err: err}
		}

		if len(response.ToolCalls) == 0 {
			// The agent answered in prose instead of submitting. Remind it
			// once per round; the round budget bounds how long this can go on.
			messages = append(messages, Message{Role: "assistant", Content: response.Content})
			messages = append(messages, Message{
				Role:    "user",
				Content: fmt.Sprintf("Call the %s function to submit your result.", inv.Terminal.Name),
			})
			continue
		}

		messages = append(messages, Message{
			Role:      "assistant",
			Content:   response.Content,
			ToolCalls: response.ToolCalls,
		})

		for _, call := range response.ToolCalls {
			if call.Name == inv.Terminal.Name {
				payload, verr := iv.extractTerminalPayload(inv.Terminal, call)
				if verr == nil {
					logger.Debug().Int("rounds", round+1).Msg("Terminal payload accepted")
					return payload, nil
				}
				if correctiveUsed {
					return nil, &InvocationError{Identity: inv.Identity.ID, Kind: FailureSchemaInvalid, Err: verr}
				}
				correctiveUsed = true
				logger.Warn().Err(verr).Msg("Terminal payload rejected, requesting resubmission")
				messages = append(messages, toolResultMessage(call.ID, map[string]interface{}{
					"success": false,
					"error":   verr.Error(),
					"message": "The submitted payload is invalid. Fix the listed issues and resubmit.",
				}))
				continue
			}

			messages = append(messages, iv.dispatchSideFunc(ctx, inv, call, logger))
		}
	}

	return nil, &InvocationError{
		Identity: inv.Identity.ID,
		Kind:     FailureTimeout,
		Err:      fmt.Errorf("no terminal submission within %d rounds", iv.cfg.MaxRounds),
	}
}

// call invokes the provider with backoff on transient failures.
func (iv *Invoker) call(ctx context.Context, inv Invocation, messages []Message, tools []ToolDef) (*LLMResponse, error) {
	request := LLMRequest{
		Model:        iv.cfg.Model,
		Messages:     messages,
		Tools:        tools,
		Temperature:  iv.cfg.Temperature,
		MaxTokens:    iv.cfg.MaxTokens,
		SystemPrompt: inv.SystemPrompt,
	}

	var response *LLMResponse
	err := iv.cfg.Retry.Retry(ctx, IsRetryableError, func() error {
		var callErr error
		response, callErr = iv.provider.Call(ctx, request)
		return callErr
	})
	return response, err
}

// extractTerminalPayload pulls the artifact out of the submit call and
// validates it against the role schema.
func (iv *Invoker) extractTerminalPayload(terminal Terminal, call ToolCall) (json.RawMessage, error) {
	var value interface{} = call.Parameters
	if terminal.ArgKey != "" {
		nested, ok := call.Parameters[terminal.ArgKey]
		if !ok || nested == nil {
			return nil, fmt.Errorf("submit call missing %q argument", terminal.ArgKey)
		}
		value = nested
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode terminal payload: %w", err)
	}
	if err := ValidatePayload(terminal.Schema, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// dispatchSideFunc runs a registered read-only handler and wraps its result as
// a tool message. Unknown functions and handler errors are reported back into
// the conversation rather than failing the invocation.
func (iv *Invoker) dispatchSideFunc(ctx context.Context, inv Invocation, call ToolCall, logger zerolog.Logger) Message {
	handler, ok := inv.SideFuncs[call.Name]
	if !ok {
		logger.Warn().Str("function", call.Name).Msg("Agent requested unknown function")
		return toolResultMessage(call.ID, map[string]interface{}{
			"success": false,
			"error":   fmt.Sprintf("unknown function: %s", call.Name),
		})
	}

	result, err := handler(ctx, call.Parameters)
	if err != nil {
		logger.Warn().Err(err).Str("function", call.Name).Msg("Side function failed")
		return toolResultMessage(call.ID, map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		})
	}
	return toolResultMessage(call.ID, result)
}

func toolResultMessage(callID string, result interface{}) Message {
	content, err := json.Marshal(result)
	if err != nil {
		content = []byte(fmt.Sprintf(`{"success":false,"error":"failed to encode result: %v"}`, err))
	}
	return Message{Role: "tool", ToolCallID: callID, Content: string(content)}
}
