package agent

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comicbot/dailycomic/pkg/model"
)

var testTopic = model.Topic{
	Date:    "2026-03-14",
	Title:   "Pi day",
	Content: "Celebrations of the irrational.",
}

func TestGenerateCandidateScript(t *testing.T) {
	provider := &mockProvider{script: []func(LLMRequest) (*LLMResponse, error){
		respond(&LLMResponse{ToolCalls: []ToolCall{{
			ID:   "c1",
			Name: "submit_script",
			Parameters: map[string]interface{}{
				"script": validScript(),
			},
		}}}),
	}}
	client := NewClient(provider, InvokerConfig{Retry: fastRetry()}, zerolog.Nop())

	identity := Identity{ID: "agent_a", Name: "Writer A", Description: "observational"}
	candidate, err := client.GenerateCandidate(context.Background(), identity, testTopic, model.KindComic)
	require.NoError(t, err)

	assert.Equal(t, "agent_a", candidate.WriterID)
	assert.Equal(t, model.KindComic, candidate.Kind)
	assert.Equal(t, model.CandidateSubmitted, candidate.Status)
	require.NotNil(t, candidate.Script)
	assert.Equal(t, "Monday", candidate.Script.Title)
	assert.Len(t, candidate.Script.Panels, 4)
	assert.Contains(t, candidate.ID, "agent_a_")

	// The writer prompt carries the topic text.
	require.NotEmpty(t, provider.requests)
	assert.Contains(t, provider.requests[0].Messages[0].Content, "Pi day")
	assert.Contains(t, provider.requests[0].SystemPrompt, "Writer A")
}

func TestGenerateCandidateJoke(t *testing.T) {
	provider := &mockProvider{script: []func(LLMRequest) (*LLMResponse, error){
		respond(&LLMResponse{ToolCalls: []ToolCall{{
			ID:   "c1",
			Name: "submit_joke",
			Parameters: map[string]interface{}{
				"joke": map[string]interface{}{"title": "Pi", "content": "It never ends."},
			},
		}}}),
	}}
	client := NewClient(provider, InvokerConfig{Retry: fastRetry()}, zerolog.Nop())

	candidate, err := client.GenerateCandidate(context.Background(), Identity{ID: "agent_b"}, testTopic, model.KindJoke)
	require.NoError(t, err)
	require.NotNil(t, candidate.Joke)
	assert.Nil(t, candidate.Script)
	assert.Equal(t, model.KindJoke, candidate.Kind)
}

func TestEvaluateCandidateStampsIdentity(t *testing.T) {
	provider := &mockProvider{script: []func(LLMRequest) (*LLMResponse, error){
		respond(&LLMResponse{ToolCalls: []ToolCall{{
			ID:   "c1",
			Name: "submit_evaluation",
			Parameters: map[string]interface{}{
				"evaluation": map[string]interface{}{
					"scores": map[string]interface{}{
						"relevance": 18, "originality": 16, "humor": 27, "structure": 13, "visual": 12,
					},
					"total_score": 86,
					"overall":     "strong",
				},
			},
		}}}),
	}}
	client := NewClient(provider, InvokerConfig{Retry: fastRetry()}, zerolog.Nop())

	script := model.ScriptPayload{Title: "Monday"}
	candidate := model.Candidate{ID: "cand-1", WriterID: "agent_a", Script: &script}

	eval, err := client.EvaluateCandidate(context.Background(), Identity{ID: "agent_c", Name: "Writer C"}, testTopic, candidate)
	require.NoError(t, err)

	// Judge and candidate ids come from the pipeline, never from the model.
	assert.Equal(t, "agent_c", eval.JudgeID)
	assert.Equal(t, "cand-1", eval.CandidateID)
	assert.Equal(t, 86, eval.TotalScore)
	assert.Equal(t, 27, eval.Scores["humor"])

	// The judge prompt shows the candidate and the rubric ranges.
	prompt := provider.requests[0].Messages[0].Content
	assert.Contains(t, prompt, "cand-1")
	assert.Contains(t, prompt, "humor: 0..30")
}

func TestSortIdentities(t *testing.T) {
	got := SortIdentities([]string{"agent_e", "agent_a", "agent_c"})
	assert.Equal(t, []string{"agent_a", "agent_c", "agent_e"}, got)
}

func TestIsRetryableError(t *testing.T) {
	for _, msg := range []string{"429 too many requests", "rate limit", "503 unavailable", "connection reset"} {
		assert.True(t, IsRetryableError(errString(msg)), msg)
	}
	assert.False(t, IsRetryableError(errString("401 unauthorized")))
	assert.False(t, IsRetryableError(nil))
}

type errString string

func (e errString) Error() string { return string(e) }
