package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Identity is a fixed agent identity. The same identities serve as writers
// during generation and as judges during evaluation.
type Identity struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Role determines which terminal function and payload schema apply.
type Role string

const (
	RoleWriter     Role = "writer"
	RoleJokeWriter Role = "joke_writer"
	RoleJudge      Role = "judge"
)

// Message is one turn of the conversation.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a function call requested by the agent.
type ToolCall struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`
}

// ToolDef describes a function offered to the agent.
type ToolDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// LLMRequest contains the parameters of a single provider call.
type LLMRequest struct {
	Model        string
	Messages     []Message
	Tools        []ToolDef
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// LLMResponse is the provider's reply.
type LLMResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *TokenUsage
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// SideFunc handles a read-only lookup requested by the agent. Its return value
// is serialized and fed back into the conversation as the function result.
type SideFunc func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// FailureKind classifies invocation failures.
type FailureKind string

const (
	FailureTimeout       FailureKind = "timeout"
	FailureSchemaInvalid FailureKind = "schema_invalid"
	FailureProvider      FailureKind = "provider"
)

// InvocationError attributes a failure to one agent invocation.
type InvocationError struct {
	Identity string
	Kind     FailureKind
	Err      error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("agent %s: %s: %v", e.Identity, e.Kind, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// FailureOf extracts the failure kind from an invocation error chain.
func FailureOf(err error) (FailureKind, bool) {
	var ie *InvocationError
	if errors.As(err, &ie) {
		return ie.Kind, true
	}
	return "", false
}

// IsRetryableError reports whether a provider error is worth retrying.
// Rate limits and transient server/network failures are; everything else
// surfaces immediately.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	msg := err.Error()
	for _, marker := range []string{
		"429", "rate limit",
		"500", "502", "503", "504",
		"ECONNRESET", "ETIMEDOUT", "connection reset", "timeout",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// SortIdentities orders identity ids canonically. Selection tie-breaks and
// prompt rendering both rely on this ordering being stable.
func SortIdentities(ids []string) []string {
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	for i := 0; i < len(sorted)-1; i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[j] < sorted[i] {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}
	return sorted
}
