package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comicbot/dailycomic/pkg/agent"
	"github.com/comicbot/dailycomic/pkg/model"
	"github.com/comicbot/dailycomic/pkg/publish"
)

var testIdentities = []agent.Identity{
	{ID: "agent_a", Name: "Writer A"},
	{ID: "agent_b", Name: "Writer B"},
	{ID: "agent_c", Name: "Writer C"},
}

type fakeTopics struct {
	topics []model.Topic
}

func (f *fakeTopics) Fetch(_ context.Context, date string, exclude []string) (model.Topic, error) {
	excluded := map[string]bool{}
	for _, title := range exclude {
		excluded[title] = true
	}
	for _, t := range f.topics {
		if !excluded[t.Title] {
			t.Date = date
			return t, nil
		}
	}
	return model.Topic{}, model.ErrNotFound
}

// fakeAgents returns deterministic candidates and rubric-complete
// evaluations; per-identity failures are scriptable.
type fakeAgents struct {
	mu      sync.Mutex
	genErr  map[string]error
	evalErr map[string]error
	totals  map[string]int // writer id -> total every judge awards
}

func (f *fakeAgents) GenerateCandidate(_ context.Context, identity agent.Identity, topic model.Topic, kind model.ArtifactKind) (model.Candidate, error) {
	f.mu.Lock()
	err := f.genErr[identity.ID]
	f.mu.Unlock()
	if err != nil {
		return model.Candidate{}, err
	}
	return model.Candidate{
		ID:       identity.ID + "_cand",
		WriterID: identity.ID,
		Kind:     kind,
		Script:   &model.ScriptPayload{Title: "by " + identity.ID, Caption: "caption " + identity.ID},
		Status:   model.CandidateSubmitted,
	}, nil
}

func (f *fakeAgents) EvaluateCandidate(_ context.Context, identity agent.Identity, topic model.Topic, candidate model.Candidate) (model.Evaluation, error) {
	f.mu.Lock()
	err := f.evalErr[identity.ID]
	total, ok := f.totals[candidate.WriterID]
	f.mu.Unlock()
	if err != nil {
		return model.Evaluation{}, err
	}
	if !ok {
		total = 80
	}

	scores := map[string]int{}
	remaining := total
	for _, c := range model.Criteria {
		take := remaining
		if take > c.Max {
			take = c.Max
		}
		scores[c.Name] = take
		remaining -= take
	}
	return model.Evaluation{
		JudgeID:     identity.ID,
		CandidateID: candidate.ID,
		Scores:      scores,
		TotalScore:  total,
	}, nil
}

type fakeRenderer struct{ err error }

func (f *fakeRenderer) Render(_ context.Context, req publish.RenderRequest) (model.RenderedAsset, error) {
	if f.err != nil {
		return model.RenderedAsset{}, f.err
	}
	return model.RenderedAsset{RunID: req.RunID, Path: "/tmp/" + req.RunID + ".txt", Format: "text"}, nil
}

type fakePublisher struct {
	mu       sync.Mutex
	captions []string
	err      error
}

func (f *fakePublisher) Publish(_ context.Context, asset model.RenderedAsset, caption string) ([]model.PublishReceipt, error) {
	f.mu.Lock()
	f.captions = append(f.captions, caption)
	f.mu.Unlock()
	if f.err != nil {
		return []model.PublishReceipt{{Target: "test", Error: f.err.Error()}}, f.err
	}
	return []model.PublishReceipt{{Target: "test", OK: true, MessageID: "msg-1"}}, nil
}

type fakeNotifier struct {
	prompts  chan model.Run
	finished chan model.Run
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		prompts:  make(chan model.Run, 16),
		finished: make(chan model.Run, 16),
	}
}

func (f *fakeNotifier) PromptDecision(run model.Run) { f.prompts <- run }
func (f *fakeNotifier) RunFinished(run model.Run)    { f.finished <- run }

type testRig struct {
	engine    *Engine
	notifier  *fakeNotifier
	agents    *fakeAgents
	publisher *fakePublisher
	store     *FileStore
}

func newRig(t *testing.T, mutate func(*Config, *Deps)) *testRig {
	t.Helper()

	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	notifier := newFakeNotifier()
	agents := &fakeAgents{totals: map[string]int{"agent_a": 91, "agent_b": 88, "agent_c": 95}}
	publisher := &fakePublisher{}

	cfg := Config{
		Identities:       testIdentities,
		GenerationQuorum: 2,
		EvaluationQuorum: 2,
		StageBudget:      5 * time.Second,
		DecisionTimeout:  time.Hour,
	}
	deps := Deps{
		Store: store,
		Topics: &fakeTopics{topics: []model.Topic{
			{Title: "First topic", Content: "first"},
			{Title: "Second topic", Content: "second"},
		}},
		Agents:    agents,
		Renderer:  &fakeRenderer{},
		Publisher: publisher,
		Notifier:  notifier,
		Logger:    zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}

	engine, err := New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(engine.Stop)

	return &testRig{engine: engine, notifier: notifier, agents: agents, publisher: publisher, store: store}
}

func waitPrompt(t *testing.T, n *fakeNotifier, stage model.Stage) model.Run {
	t.Helper()
	select {
	case run := <-n.prompts:
		require.Equal(t, stage, run.Stage)
		return run
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s prompt", stage)
		return model.Run{}
	}
}

func waitFinished(t *testing.T, n *fakeNotifier) model.Run {
	t.Helper()
	select {
	case run := <-n.finished:
		return run
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for run to finish")
		return model.Run{}
	}
}

func approve(t *testing.T, e *Engine, runID string, stage model.Stage) {
	t.Helper()
	require.NoError(t, e.SubmitDecision(runID, stage, model.Decision{Action: model.DecisionApprove, Actor: "test"}))
}

func TestFullRunToPublished(t *testing.T) {
	rig := newRig(t, nil)

	runID, err := rig.engine.StartRun("2026-03-14", model.KindComic)
	require.NoError(t, err)

	run := waitPrompt(t, rig.notifier, model.StageAwaitingTopicApproval)
	require.NotNil(t, run.Topic)
	assert.Equal(t, "First topic", run.Topic.Title)
	approve(t, rig.engine, runID, model.StageAwaitingTopicApproval)

	run = waitPrompt(t, rig.notifier, model.StageAwaitingSelectionApproval)
	assert.Len(t, run.Candidates, 3)
	assert.Len(t, run.Evaluations, 9)
	require.NotNil(t, run.Selection)
	assert.Equal(t, "agent_c_cand", run.Selection.CandidateID)
	assert.Equal(t, 95.0, run.Selection.Mean)
	approve(t, rig.engine, runID, model.StageAwaitingSelectionApproval)

	run = waitPrompt(t, rig.notifier, model.StageAwaitingRenderApproval)
	require.NotNil(t, run.Asset)
	approve(t, rig.engine, runID, model.StageAwaitingRenderApproval)

	final := waitFinished(t, rig.notifier)
	assert.Equal(t, model.StageDone, final.Stage)
	require.Len(t, final.Receipts, 1)
	assert.True(t, final.Receipts[0].OK)
	assert.Equal(t, []string{"caption agent_c"}, rig.publisher.captions)

	// Every decision is on the audit log.
	actions := make([]model.DecisionAction, 0, len(final.Decisions))
	for _, d := range final.Decisions {
		actions = append(actions, d.Action)
	}
	assert.Equal(t, []model.DecisionAction{model.DecisionApprove, model.DecisionApprove, model.DecisionApprove}, actions)
}

func TestTopicRejectFetchesNextTopic(t *testing.T) {
	rig := newRig(t, nil)

	runID, err := rig.engine.StartRun("2026-03-14", model.KindComic)
	require.NoError(t, err)

	waitPrompt(t, rig.notifier, model.StageAwaitingTopicApproval)
	require.NoError(t, rig.engine.SubmitDecision(runID, model.StageAwaitingTopicApproval,
		model.Decision{Action: model.DecisionReject, Actor: "test"}))

	run := waitPrompt(t, rig.notifier, model.StageAwaitingTopicApproval)
	assert.Equal(t, "Second topic", run.Topic.Title)
	assert.Equal(t, []string{"First topic"}, run.RejectedTopics)
}

func TestSelectionRejectDiscardsOnlyStageArtifacts(t *testing.T) {
	rig := newRig(t, nil)

	runID, err := rig.engine.StartRun("2026-03-14", model.KindComic)
	require.NoError(t, err)

	waitPrompt(t, rig.notifier, model.StageAwaitingTopicApproval)
	approve(t, rig.engine, runID, model.StageAwaitingTopicApproval)

	waitPrompt(t, rig.notifier, model.StageAwaitingSelectionApproval)
	require.NoError(t, rig.engine.SubmitDecision(runID, model.StageAwaitingSelectionApproval,
		model.Decision{Action: model.DecisionReject, Actor: "test"}))

	// Regeneration keeps the approved topic and produces a fresh slate.
	run := waitPrompt(t, rig.notifier, model.StageAwaitingSelectionApproval)
	assert.Equal(t, "First topic", run.Topic.Title)
	assert.Len(t, run.Candidates, 3)
	require.NotNil(t, run.Selection)
}

func TestSelectOverride(t *testing.T) {
	rig := newRig(t, nil)

	runID, err := rig.engine.StartRun("2026-03-14", model.KindComic)
	require.NoError(t, err)

	waitPrompt(t, rig.notifier, model.StageAwaitingTopicApproval)
	approve(t, rig.engine, runID, model.StageAwaitingTopicApproval)

	waitPrompt(t, rig.notifier, model.StageAwaitingSelectionApproval)
	require.NoError(t, rig.engine.SubmitDecision(runID, model.StageAwaitingSelectionApproval,
		model.Decision{Action: model.DecisionSelect, CandidateID: "agent_a_cand", Actor: "test"}))

	run := waitPrompt(t, rig.notifier, model.StageAwaitingRenderApproval)
	assert.Equal(t, "agent_a_cand", run.Selection.CandidateID)
	assert.Equal(t, "agent_a", run.Selection.WriterID)
	assert.Equal(t, 91.0, run.Selection.Mean)
}

func TestSelectUnknownCandidateRejected(t *testing.T) {
	rig := newRig(t, nil)

	runID, err := rig.engine.StartRun("2026-03-14", model.KindComic)
	require.NoError(t, err)

	waitPrompt(t, rig.notifier, model.StageAwaitingTopicApproval)
	approve(t, rig.engine, runID, model.StageAwaitingTopicApproval)
	waitPrompt(t, rig.notifier, model.StageAwaitingSelectionApproval)

	err = rig.engine.SubmitDecision(runID, model.StageAwaitingSelectionApproval,
		model.Decision{Action: model.DecisionSelect, CandidateID: "nope", Actor: "test"})
	assert.Error(t, err)
}

func TestStaleDecisionsRejected(t *testing.T) {
	rig := newRig(t, nil)

	runID, err := rig.engine.StartRun("2026-03-14", model.KindComic)
	require.NoError(t, err)

	waitPrompt(t, rig.notifier, model.StageAwaitingTopicApproval)

	// Wrong stage tag.
	err = rig.engine.SubmitDecision(runID, model.StageAwaitingSelectionApproval,
		model.Decision{Action: model.DecisionApprove, Actor: "test"})
	assert.ErrorIs(t, err, model.ErrStaleDecision)

	// Unknown run.
	err = rig.engine.SubmitDecision("missing", model.StageAwaitingTopicApproval,
		model.Decision{Action: model.DecisionApprove, Actor: "test"})
	assert.ErrorIs(t, err, model.ErrNotFound)

	// A decision on a closed point: approve once, then race a second approve
	// against the same stage. The second lands after the stage moved on.
	approve(t, rig.engine, runID, model.StageAwaitingTopicApproval)
	waitPrompt(t, rig.notifier, model.StageAwaitingSelectionApproval)
	err = rig.engine.SubmitDecision(runID, model.StageAwaitingTopicApproval,
		model.Decision{Action: model.DecisionApprove, Actor: "test"})
	assert.ErrorIs(t, err, model.ErrStaleDecision)
}

func TestCancelRunAbandons(t *testing.T) {
	rig := newRig(t, nil)

	runID, err := rig.engine.StartRun("2026-03-14", model.KindComic)
	require.NoError(t, err)

	waitPrompt(t, rig.notifier, model.StageAwaitingTopicApproval)
	require.NoError(t, rig.engine.CancelRun(runID, "test"))

	final := waitFinished(t, rig.notifier)
	assert.Equal(t, model.StageAbandoned, final.Stage)
	// Completed-stage artifacts survive cancellation.
	assert.NotNil(t, final.Topic)

	err = rig.engine.CancelRun(runID, "test")
	assert.ErrorIs(t, err, model.ErrRunClosed)
}

func TestDecisionTimeoutAbandonsRun(t *testing.T) {
	rig := newRig(t, func(cfg *Config, _ *Deps) {
		cfg.DecisionTimeout = 50 * time.Millisecond
	})

	_, err := rig.engine.StartRun("2026-03-14", model.KindComic)
	require.NoError(t, err)

	waitPrompt(t, rig.notifier, model.StageAwaitingTopicApproval)

	final := waitFinished(t, rig.notifier)
	assert.Equal(t, model.StageAbandoned, final.Stage)

	last := final.Decisions[len(final.Decisions)-1]
	assert.Equal(t, model.DecisionTimeout, last.Action)
	assert.Equal(t, "system", last.Actor)
}

func TestGenerationQuorumFailure(t *testing.T) {
	rig := newRig(t, nil)
	rig.agents.genErr = map[string]error{
		"agent_a": fmt.Errorf("provider down"),
		"agent_b": fmt.Errorf("provider down"),
	}

	_, err := rig.engine.StartRun("2026-03-14", model.KindComic)
	require.NoError(t, err)

	waitPrompt(t, rig.notifier, model.StageAwaitingTopicApproval)
	approve(t, rig.engine, waitApproveID(t, rig), model.StageAwaitingTopicApproval)

	final := waitFinished(t, rig.notifier)
	assert.Equal(t, model.StageFailed, final.Stage)
	assert.Contains(t, final.FailureReason, "quorum")
}

// waitApproveID fetches the single open run's id.
func waitApproveID(t *testing.T, rig *testRig) string {
	t.Helper()
	runs := rig.engine.OpenRuns()
	require.Len(t, runs, 1)
	return runs[0].ID
}

func TestEvaluationUnderQuorumExcludesCandidate(t *testing.T) {
	rig := newRig(t, func(cfg *Config, _ *Deps) {
		cfg.EvaluationQuorum = 3
	})
	// agent_c never returns evaluations, so every candidate has exactly two
	// valid cells against a quorum of three.
	rig.agents.evalErr = map[string]error{"agent_c": fmt.Errorf("judge offline")}

	runID, err := rig.engine.StartRun("2026-03-14", model.KindComic)
	require.NoError(t, err)

	waitPrompt(t, rig.notifier, model.StageAwaitingTopicApproval)
	approve(t, rig.engine, runID, model.StageAwaitingTopicApproval)

	final := waitFinished(t, rig.notifier)
	assert.Equal(t, model.StageFailed, final.Stage)
	assert.Contains(t, final.FailureReason, "no eligible candidate")
}

func TestPublishFailureFailsRun(t *testing.T) {
	rig := newRig(t, nil)
	rig.publisher.err = fmt.Errorf("all targets down")

	runID, err := rig.engine.StartRun("2026-03-14", model.KindComic)
	require.NoError(t, err)

	waitPrompt(t, rig.notifier, model.StageAwaitingTopicApproval)
	approve(t, rig.engine, runID, model.StageAwaitingTopicApproval)
	waitPrompt(t, rig.notifier, model.StageAwaitingSelectionApproval)
	approve(t, rig.engine, runID, model.StageAwaitingSelectionApproval)
	waitPrompt(t, rig.notifier, model.StageAwaitingRenderApproval)
	approve(t, rig.engine, runID, model.StageAwaitingRenderApproval)

	final := waitFinished(t, rig.notifier)
	assert.Equal(t, model.StageFailed, final.Stage)
	// The failed receipt is still recorded.
	require.Len(t, final.Receipts, 1)
	assert.False(t, final.Receipts[0].OK)
}

func TestResumeContinuesFromPersistedStage(t *testing.T) {
	dir := t.TempDir()

	store, err := NewFileStore(dir)
	require.NoError(t, err)

	notifier := newFakeNotifier()
	agents := &fakeAgents{totals: map[string]int{"agent_a": 91, "agent_b": 88, "agent_c": 95}}
	deps := Deps{
		Store:     store,
		Topics:    &fakeTopics{topics: []model.Topic{{Title: "First topic", Content: "first"}}},
		Agents:    agents,
		Renderer:  &fakeRenderer{},
		Publisher: &fakePublisher{},
		Notifier:  notifier,
		Logger:    zerolog.Nop(),
	}
	cfg := Config{Identities: testIdentities, GenerationQuorum: 2, EvaluationQuorum: 2, StageBudget: 5 * time.Second, DecisionTimeout: time.Hour}

	first, err := New(cfg, deps)
	require.NoError(t, err)

	runID, err := first.StartRun("2026-03-14", model.KindComic)
	require.NoError(t, err)
	waitPrompt(t, notifier, model.StageAwaitingTopicApproval)

	// Shutdown suspends the run without abandoning it.
	first.Stop()

	store2, err := NewFileStore(dir)
	require.NoError(t, err)
	deps.Store = store2
	second, err := New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(second.Stop)

	resumed, err := second.Resume()
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	// The resumed run prompts again at its decision point and can finish.
	run := waitPrompt(t, notifier, model.StageAwaitingTopicApproval)
	assert.Equal(t, runID, run.ID)
	approve(t, second, runID, model.StageAwaitingTopicApproval)

	waitPrompt(t, notifier, model.StageAwaitingSelectionApproval)
	approve(t, second, runID, model.StageAwaitingSelectionApproval)
	waitPrompt(t, notifier, model.StageAwaitingRenderApproval)
	approve(t, second, runID, model.StageAwaitingRenderApproval)

	final := waitFinished(t, notifier)
	assert.Equal(t, model.StageDone, final.Stage)
}

func TestConcurrentRunsAreIndependent(t *testing.T) {
	rig := newRig(t, nil)

	comicID, err := rig.engine.StartRun("2026-03-14", model.KindComic)
	require.NoError(t, err)
	jokeID, err := rig.engine.StartRun("2026-03-14", model.KindJoke)
	require.NoError(t, err)
	require.NotEqual(t, comicID, jokeID)

	// Both prompt for topic approval independently.
	first := waitPrompt(t, rig.notifier, model.StageAwaitingTopicApproval)
	second := waitPrompt(t, rig.notifier, model.StageAwaitingTopicApproval)
	assert.NotEqual(t, first.ID, second.ID)

	// Cancelling one leaves the other open.
	require.NoError(t, rig.engine.CancelRun(comicID, "test"))
	final := waitFinished(t, rig.notifier)
	assert.Equal(t, comicID, final.ID)

	state, err := rig.engine.GetRunState(jokeID)
	require.NoError(t, err)
	assert.Equal(t, model.StageAwaitingTopicApproval, state.Stage)
}

func TestGetRunStateSnapshotIsolation(t *testing.T) {
	rig := newRig(t, nil)

	runID, err := rig.engine.StartRun("2026-03-14", model.KindComic)
	require.NoError(t, err)
	waitPrompt(t, rig.notifier, model.StageAwaitingTopicApproval)

	state, err := rig.engine.GetRunState(runID)
	require.NoError(t, err)

	// Mutating the snapshot never touches engine state.
	state.Topic.Title = "mutated"
	again, err := rig.engine.GetRunState(runID)
	require.NoError(t, err)
	assert.Equal(t, "First topic", again.Topic.Title)
}
