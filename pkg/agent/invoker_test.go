package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comicbot/dailycomic/pkg/backoff"
)

// mockProvider replays a scripted sequence of responses and errors.
type mockProvider struct {
	script   []func(req LLMRequest) (*LLMResponse, error)
	requests []LLMRequest
}

func (m *mockProvider) Call(_ context.Context, req LLMRequest) (*LLMResponse, error) {
	m.requests = append(m.requests, req)
	if len(m.script) == 0 {
		return nil, fmt.Errorf("mock script exhausted")
	}
	step := m.script[0]
	m.script = m.script[1:]
	return step(req)
}

func (m *mockProvider) Provider() string { return "mock" }

func respond(resp *LLMResponse) func(LLMRequest) (*LLMResponse, error) {
	return func(LLMRequest) (*LLMResponse, error) { return resp, nil }
}

func respondErr(err error) func(LLMRequest) (*LLMResponse, error) {
	return func(LLMRequest) (*LLMResponse, error) { return nil, err }
}

func fastRetry() backoff.Policy {
	return backoff.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func testInvocation(t *testing.T) Invocation {
	t.Helper()
	schema, err := SchemaForRole(RoleJokeWriter)
	require.NoError(t, err)

	return Invocation{
		Identity: Identity{ID: "agent_a", Name: "Writer A"},
		Role:     RoleJokeWriter,
		Prompt:   "Write a joke.",
		SideFuncs: map[string]SideFunc{
			"get_topic_details": func(context.Context, map[string]interface{}) (interface{}, error) {
				return map[string]interface{}{"title": "Pi day"}, nil
			},
		},
		Terminal: Terminal{
			Name:   "submit_joke",
			ArgKey: "joke",
			Schema: schema,
			Tool:   ToolDef{Name: "submit_joke"},
		},
	}
}

func validJokeCall() ToolCall {
	return ToolCall{
		ID:   "call-1",
		Name: "submit_joke",
		Parameters: map[string]interface{}{
			"joke": map[string]interface{}{"title": "Pi", "content": "It never ends."},
		},
	}
}

func TestInvokeAcceptsValidSubmission(t *testing.T) {
	provider := &mockProvider{script: []func(LLMRequest) (*LLMResponse, error){
		respond(&LLMResponse{ToolCalls: []ToolCall{validJokeCall()}}),
	}}
	iv := NewInvoker(provider, InvokerConfig{Retry: fastRetry()}, zerolog.Nop())

	payload, err := iv.Invoke(context.Background(), testInvocation(t))
	require.NoError(t, err)

	var joke map[string]string
	require.NoError(t, json.Unmarshal(payload, &joke))
	assert.Equal(t, "Pi", joke["title"])
}

func TestInvokeDispatchesSideFunctions(t *testing.T) {
	provider := &mockProvider{script: []func(LLMRequest) (*LLMResponse, error){
		respond(&LLMResponse{ToolCalls: []ToolCall{{ID: "c1", Name: "get_topic_details"}}}),
		respond(&LLMResponse{ToolCalls: []ToolCall{validJokeCall()}}),
	}}
	iv := NewInvoker(provider, InvokerConfig{Retry: fastRetry()}, zerolog.Nop())

	_, err := iv.Invoke(context.Background(), testInvocation(t))
	require.NoError(t, err)
	require.Len(t, provider.requests, 2)

	// The side function result was fed back as a tool message.
	second := provider.requests[1].Messages
	last := second[len(second)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Equal(t, "c1", last.ToolCallID)
	assert.Contains(t, last.Content, "Pi day")
}

func TestInvokeUnknownSideFunctionIsNotFatal(t *testing.T) {
	provider := &mockProvider{script: []func(LLMRequest) (*LLMResponse, error){
		respond(&LLMResponse{ToolCalls: []ToolCall{{ID: "c1", Name: "get_weather"}}}),
		respond(&LLMResponse{ToolCalls: []ToolCall{validJokeCall()}}),
	}}
	iv := NewInvoker(provider, InvokerConfig{Retry: fastRetry()}, zerolog.Nop())

	_, err := iv.Invoke(context.Background(), testInvocation(t))
	require.NoError(t, err)

	second := provider.requests[1].Messages
	last := second[len(second)-1]
	assert.Contains(t, last.Content, "unknown function")
}

func TestInvokeCorrectiveRoundThenAccept(t *testing.T) {
	invalid := ToolCall{
		ID:   "c1",
		Name: "submit_joke",
		Parameters: map[string]interface{}{
			"joke": map[string]interface{}{"title": "Missing content"},
		},
	}
	provider := &mockProvider{script: []func(LLMRequest) (*LLMResponse, error){
		respond(&LLMResponse{ToolCalls: []ToolCall{invalid}}),
		respond(&LLMResponse{ToolCalls: []ToolCall{validJokeCall()}}),
	}}
	iv := NewInvoker(provider, InvokerConfig{Retry: fastRetry()}, zerolog.Nop())

	payload, err := iv.Invoke(context.Background(), testInvocation(t))
	require.NoError(t, err)
	assert.Contains(t, string(payload), "It never ends.")

	// The rejection was reported back to the agent.
	second := provider.requests[1].Messages
	last := second[len(second)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Contains(t, last.Content, "resubmit")
}

func TestInvokeSecondInvalidSubmissionFails(t *testing.T) {
	invalid := ToolCall{
		ID:         "c1",
		Name:       "submit_joke",
		Parameters: map[string]interface{}{"joke": map[string]interface{}{}},
	}
	provider := &mockProvider{script: []func(LLMRequest) (*LLMResponse, error){
		respond(&LLMResponse{ToolCalls: []ToolCall{invalid}}),
		respond(&LLMResponse{ToolCalls: []ToolCall{invalid}}),
	}}
	iv := NewInvoker(provider, InvokerConfig{Retry: fastRetry()}, zerolog.Nop())

	_, err := iv.Invoke(context.Background(), testInvocation(t))
	require.Error(t, err)
	kind, ok := FailureOf(err)
	require.True(t, ok)
	assert.Equal(t, FailureSchemaInvalid, kind)
}

func TestInvokeSubmitWithoutPayloadGetsCorrectiveRound(t *testing.T) {
	// The agent calls submit with no arguments, mid-reasoning.
	empty := ToolCall{ID: "c1", Name: "submit_joke", Parameters: map[string]interface{}{}}
	provider := &mockProvider{script: []func(LLMRequest) (*LLMResponse, error){
		respond(&LLMResponse{ToolCalls: []ToolCall{empty}}),
		respond(&LLMResponse{ToolCalls: []ToolCall{validJokeCall()}}),
	}}
	iv := NewInvoker(provider, InvokerConfig{Retry: fastRetry()}, zerolog.Nop())

	_, err := iv.Invoke(context.Background(), testInvocation(t))
	require.NoError(t, err)
}

func TestInvokeProseOnlyRoundsGetReminder(t *testing.T) {
	provider := &mockProvider{script: []func(LLMRequest) (*LLMResponse, error){
		respond(&LLMResponse{Content: "Here is my joke: ..."}),
		respond(&LLMResponse{ToolCalls: []ToolCall{validJokeCall()}}),
	}}
	iv := NewInvoker(provider, InvokerConfig{Retry: fastRetry()}, zerolog.Nop())

	_, err := iv.Invoke(context.Background(), testInvocation(t))
	require.NoError(t, err)

	second := provider.requests[1].Messages
	last := second[len(second)-1]
	assert.Equal(t, "user", last.Role)
	assert.Contains(t, last.Content, "submit_joke")
}

func TestInvokeRoundBudgetExhausted(t *testing.T) {
	script := make([]func(LLMRequest) (*LLMResponse, error), 3)
	for i := range script {
		script[i] = respond(&LLMResponse{Content: "still thinking"})
	}
	provider := &mockProvider{script: script}
	iv := NewInvoker(provider, InvokerConfig{MaxRounds: 3, Retry: fastRetry()}, zerolog.Nop())

	_, err := iv.Invoke(context.Background(), testInvocation(t))
	require.Error(t, err)
	kind, _ := FailureOf(err)
	assert.Equal(t, FailureTimeout, kind)
}

func TestInvokeRetriesTransientProviderErrors(t *testing.T) {
	provider := &mockProvider{script: []func(LLMRequest) (*LLMResponse, error){
		respondErr(fmt.Errorf("429 rate limit exceeded")),
		respond(&LLMResponse{ToolCalls: []ToolCall{validJokeCall()}}),
	}}
	iv := NewInvoker(provider, InvokerConfig{Retry: fastRetry()}, zerolog.Nop())

	_, err := iv.Invoke(context.Background(), testInvocation(t))
	require.NoError(t, err)
	assert.Len(t, provider.requests, 2)
}

func TestInvokePermanentProviderErrorFails(t *testing.T) {
	provider := &mockProvider{script: []func(LLMRequest) (*LLMResponse, error){
		respondErr(fmt.Errorf("401 invalid api key")),
	}}
	iv := NewInvoker(provider, InvokerConfig{Retry: fastRetry()}, zerolog.Nop())

	_, err := iv.Invoke(context.Background(), testInvocation(t))
	require.Error(t, err)
	kind, _ := FailureOf(err)
	assert.Equal(t, FailureProvider, kind)
	assert.Len(t, provider.requests, 1)
}
