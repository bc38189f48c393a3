// Package pipeline holds the run state machine: it advances automatically
// through unattended stages, suspends at decision points until a human (or
// timeout) event arrives, and persists the run after every transition so a
// restarted process resumes instead of starting over.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/comicbot/dailycomic/pkg/agent"
	"github.com/comicbot/dailycomic/pkg/fanout"
	"github.com/comicbot/dailycomic/pkg/model"
	"github.com/comicbot/dailycomic/pkg/publish"
	"github.com/comicbot/dailycomic/pkg/scoring"
	"github.com/comicbot/dailycomic/pkg/topic"
)

// AgentInvoker produces exactly one artifact per invocation. Implementations
// must not mutate shared run state; the machine owns all mutation.
type AgentInvoker interface {
	GenerateCandidate(ctx context.Context, identity agent.Identity, topic model.Topic, kind model.ArtifactKind) (model.Candidate, error)
	EvaluateCandidate(ctx context.Context, identity agent.Identity, topic model.Topic, candidate model.Candidate) (model.Evaluation, error)
}

// Publisher sends a rendered asset to all configured targets, reporting
// per-target receipts.
type Publisher interface {
	Publish(ctx context.Context, asset model.RenderedAsset, caption string) ([]model.PublishReceipt, error)
}

// Notifier surfaces decision prompts and terminal outcomes to the operator
// front end.
type Notifier interface {
	PromptDecision(run model.Run)
	RunFinished(run model.Run)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) PromptDecision(model.Run) {}
func (NopNotifier) RunFinished(model.Run)    {}

// Config bounds every run the engine drives.
type Config struct {
	// Identities are the fixed agent identities; the same set writes and judges.
	Identities []agent.Identity

	// GenerationQuorum is the minimum number of candidates for the
	// generation stage to be usable.
	GenerationQuorum int

	// EvaluationQuorum is the per-candidate minimum number of valid
	// evaluations, both for the judge fan-out and for selection eligibility.
	EvaluationQuorum int

	// StageBudget is the time budget of one fan-out stage.
	StageBudget time.Duration

	// DecisionTimeout is the human-response budget of one decision point.
	// When it elapses the run is abandoned; the pipeline never auto-publishes.
	DecisionTimeout time.Duration
}

// Deps are the engine's collaborators.
type Deps struct {
	Store     Store
	Topics    topic.Source
	Agents    AgentInvoker
	Renderer  publish.Renderer
	Publisher Publisher
	Notifier  Notifier
	Logger    zerolog.Logger
}

// Engine is the top-level pipeline driver. Multiple runs execute
// independently and concurrently; they share nothing but the immutable topic.
type Engine struct {
	cfg    Config
	deps   Deps
	scorer *scoring.Engine
	logger zerolog.Logger

	mu      sync.RWMutex
	handles map[string]*runHandle

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
}

type runHandle struct {
	mu        sync.Mutex
	run       *model.Run
	decisions chan model.DecisionEvent
	cancel    context.CancelFunc
	abandon   bool
}

// New creates a pipeline engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.Topics == nil {
		return nil, fmt.Errorf("topic source is required")
	}
	if deps.Agents == nil {
		return nil, fmt.Errorf("agent invoker is required")
	}
	if deps.Renderer == nil {
		return nil, fmt.Errorf("renderer is required")
	}
	if deps.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if deps.Notifier == nil {
		deps.Notifier = NopNotifier{}
	}
	if len(cfg.Identities) == 0 {
		return nil, fmt.Errorf("at least one agent identity is required")
	}
	if cfg.DecisionTimeout <= 0 {
		cfg.DecisionTimeout = 24 * time.Hour
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:  cfg,
		deps: deps,
		scorer: &scoring.Engine{
			MinEvaluations: cfg.EvaluationQuorum,
			Logger:         deps.Logger,
		},
		logger:     deps.Logger.With().Str("component", "pipeline").Logger(),
		handles:    make(map[string]*runHandle),
		rootCtx:    ctx,
		rootCancel: cancel,
	}, nil
}

// StartRun creates a run for the given date and artifact kind and starts
// driving it.
func (e *Engine) StartRun(date string, kind model.ArtifactKind) (string, error) {
	now := time.Now()
	run := &model.Run{
		ID:        uuid.NewString(),
		Kind:      kind,
		Date:      date,
		Stage:     model.StageCollectingTopic,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := e.deps.Store.SaveRun(run); err != nil {
		return "", fmt.Errorf("failed to persist new run: %w", err)
	}

	e.register(run)
	e.logger.Info().Str("run_id", run.ID).Str("date", date).Str("kind", string(kind)).Msg("Run started")
	return run.ID, nil
}

// Resume reloads every non-terminal persisted run and continues driving it
// from its last stage. Runs suspended at a decision point prompt again.
func (e *Engine) Resume() (int, error) {
	open, err := e.deps.Store.ListOpenRuns()
	if err != nil {
		return 0, fmt.Errorf("failed to list open runs: %w", err)
	}

	for _, run := range open {
		e.register(run)
		e.logger.Info().Str("run_id", run.ID).Str("stage", string(run.Stage)).Msg("Run resumed")
	}
	return len(open), nil
}

// Stop suspends all driving goroutines. Runs stay persisted at their current
// stage and resume on the next start.
func (e *Engine) Stop() {
	e.rootCancel()
	e.wg.Wait()
}

// GetRunState returns a deep snapshot of a run.
func (e *Engine) GetRunState(runID string) (model.Run, error) {
	h := e.handle(runID)
	if h == nil {
		run, err := e.deps.Store.LoadRun(runID)
		if err != nil {
			return model.Run{}, err
		}
		return *run, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return snapshot(h.run), nil
}

// OpenRuns returns snapshots of every non-terminal run, oldest first.
func (e *Engine) OpenRuns() []model.Run {
	e.mu.RLock()
	handles := make([]*runHandle, 0, len(e.handles))
	for _, h := range e.handles {
		handles = append(handles, h)
	}
	e.mu.RUnlock()

	runs := make([]model.Run, 0, len(handles))
	for _, h := range handles {
		h.mu.Lock()
		if !h.run.Stage.IsTerminal() {
			runs = append(runs, snapshot(h.run))
		}
		h.mu.Unlock()
	}

	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.Before(runs[j].CreatedAt) })
	return runs
}

// SubmitDecision delivers one human decision to an open decision point.
// Events for a closed or mismatched decision point are rejected as stale and
// never mutate run state.
func (e *Engine) SubmitDecision(runID string, stage model.Stage, decision model.Decision) error {
	h := e.handle(runID)
	if h == nil {
		return model.ErrNotFound
	}

	h.mu.Lock()
	current := h.run.Stage
	if current.IsTerminal() {
		h.mu.Unlock()
		return model.ErrRunClosed
	}
	if !current.IsDecisionPoint() || current != stage {
		h.mu.Unlock()
		e.logger.Info().
			Str("run_id", runID).
			Str("target_stage", string(stage)).
			Str("current_stage", string(current)).
			Msg("Stale decision event rejected")
		return model.ErrStaleDecision
	}
	if err := validateDecision(h.run, decision); err != nil {
		h.mu.Unlock()
		return err
	}
	h.mu.Unlock()

	event := model.DecisionEvent{RunID: runID, Stage: stage, Decision: decision}
	select {
	case h.decisions <- event:
		return nil
	default:
		// A decision is already pending for this point.
		return model.ErrStaleDecision
	}
}

// CancelRun abandons a run at any point. Artifacts of completed stages stay
// persisted untouched.
func (e *Engine) CancelRun(runID string, actor string) error {
	h := e.handle(runID)
	if h == nil {
		return model.ErrNotFound
	}

	h.mu.Lock()
	if h.run.Stage.IsTerminal() {
		h.mu.Unlock()
		return model.ErrRunClosed
	}
	h.abandon = true
	h.run.LogDecision(h.run.Stage, model.DecisionCancel, actor, "run cancelled")
	h.mu.Unlock()

	h.cancel()
	return nil
}

func (e *Engine) register(run *model.Run) {
	runCtx, cancel := context.WithCancel(e.rootCtx)
	h := &runHandle{
		run:       run,
		decisions: make(chan model.DecisionEvent, 1),
		cancel:    cancel,
	}

	e.mu.Lock()
	e.handles[run.ID] = h
	e.mu.Unlock()

	if run.Stage.IsDecisionPoint() {
		e.deps.Notifier.PromptDecision(snapshot(run))
	}

	e.wg.Add(1)
	go e.drive(runCtx, h)
}

func (e *Engine) handle(runID string) *runHandle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handles[runID]
}

// drive advances one run until it reaches a terminal stage or the engine
// shuts down.
func (e *Engine) drive(ctx context.Context, h *runHandle) {
	defer e.wg.Done()

	for {
		h.mu.Lock()
		stage := h.run.Stage
		h.mu.Unlock()

		if stage.IsTerminal() {
			e.deps.Notifier.RunFinished(e.snapshotOf(h))
			return
		}
		if ctx.Err() != nil {
			e.handleInterrupt(h)
			return
		}

		var err error
		switch stage {
		case model.StageCollectingTopic:
			err = e.collectTopic(ctx, h)
		case model.StageGenerating:
			err = e.generate(ctx, h)
		case model.StageEvaluating:
			err = e.evaluate(ctx, h)
		case model.StageRendering:
			err = e.render(ctx, h)
		case model.StagePublishing:
			err = e.publishRun(ctx, h)
		default:
			err = e.awaitDecision(ctx, h)
		}

		if err != nil {
			if ctx.Err() != nil {
				e.handleInterrupt(h)
				return
			}
			e.fail(h, stage, err)
		}
	}
}

// handleInterrupt distinguishes an explicit cancellation (abandon the run)
// from an engine shutdown (suspend; the persisted state resumes later).
func (e *Engine) handleInterrupt(h *runHandle) {
	h.mu.Lock()
	abandon := h.abandon
	h.mu.Unlock()

	if !abandon {
		return
	}

	h.mu.Lock()
	h.run.Stage = model.StageAbandoned
	h.run.UpdatedAt = time.Now()
	h.mu.Unlock()

	e.persist(h)
	e.deps.Notifier.RunFinished(e.snapshotOf(h))
}

func (e *Engine) collectTopic(ctx context.Context, h *runHandle) error {
	h.mu.Lock()
	date := h.run.Date
	exclude := append([]string{}, h.run.RejectedTopics...)
	h.mu.Unlock()

	t, err := e.deps.Topics.Fetch(ctx, date, exclude)
	if err != nil {
		return &model.StageError{RunID: h.run.ID, Stage: model.StageCollectingTopic, Err: err}
	}

	h.mu.Lock()
	h.run.Topic = &t
	h.mu.Unlock()

	if err := e.deps.Store.Save(StoreKindTopic, e.artifactRef(h), t); err != nil {
		e.logger.Error().Err(err).Str("run_id", h.run.ID).Msg("Failed to persist topic artifact")
	}

	e.transition(h, model.StageAwaitingTopicApproval)
	e.deps.Notifier.PromptDecision(e.snapshotOf(h))
	return nil
}

func (e *Engine) generate(ctx context.Context, h *runHandle) error {
	h.mu.Lock()
	topicCopy := *h.run.Topic
	kind := h.run.Kind
	h.mu.Unlock()

	coordinator := fanout.New(fanout.Config{
		MinQuorum: e.cfg.GenerationQuorum,
		Budget:    e.cfg.StageBudget,
	}, e.logger)

	results, err := coordinator.Run(ctx, e.identityIDs(), func(taskCtx context.Context, id string) (interface{}, error) {
		identity, lookupErr := e.identity(id)
		if lookupErr != nil {
			return nil, lookupErr
		}
		return e.deps.Agents.GenerateCandidate(taskCtx, identity, topicCopy, kind)
	})

	e.recordFailures(h, model.StageGenerating, results)

	if err != nil {
		return &model.StageError{RunID: h.run.ID, Stage: model.StageGenerating, Err: fmt.Errorf("%w: %v", model.ErrQuorumNotMet, err)}
	}

	candidates := []model.Candidate{}
	for _, r := range results {
		if r.Err == nil {
			candidates = append(candidates, r.Value.(model.Candidate))
		}
	}

	h.mu.Lock()
	h.run.Candidates = candidates
	h.mu.Unlock()

	if err := e.deps.Store.Save(StoreKindCandidateSet, e.artifactRef(h), candidates); err != nil {
		e.logger.Error().Err(err).Str("run_id", h.run.ID).Msg("Failed to persist candidate set")
	}

	e.transition(h, model.StageEvaluating)
	return nil
}

func (e *Engine) evaluate(ctx context.Context, h *runHandle) error {
	h.mu.Lock()
	topicCopy := *h.run.Topic
	candidates := append([]model.Candidate{}, h.run.Candidates...)
	h.mu.Unlock()

	// One judge fan-out per candidate; the per-candidate fan-outs themselves
	// run concurrently. A candidate missing its quorum is excluded from
	// selection, not a stage failure.
	var (
		wg          sync.WaitGroup
		evalMu      sync.Mutex
		evaluations []model.Evaluation
	)

	for _, candidate := range candidates {
		wg.Add(1)
		go func(cand model.Candidate) {
			defer wg.Done()

			coordinator := fanout.New(fanout.Config{
				MinQuorum: e.cfg.EvaluationQuorum,
				Budget:    e.cfg.StageBudget,
			}, e.logger)

			results, ferr := coordinator.Run(ctx, e.identityIDs(), func(taskCtx context.Context, id string) (interface{}, error) {
				identity, lookupErr := e.identity(id)
				if lookupErr != nil {
					return nil, lookupErr
				}
				return e.deps.Agents.EvaluateCandidate(taskCtx, identity, topicCopy, cand)
			})

			e.recordFailures(h, model.StageEvaluating, results)
			if ferr != nil {
				e.logger.Warn().
					Str("run_id", h.run.ID).
					Str("candidate", cand.ID).
					Err(ferr).
					Msg("Candidate evaluation below quorum, excluded from selection")
			}

			evalMu.Lock()
			for _, r := range results {
				if r.Err == nil {
					evaluations = append(evaluations, r.Value.(model.Evaluation))
				}
			}
			evalMu.Unlock()
		}(candidate)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}

	h.mu.Lock()
	h.run.Evaluations = evaluations
	h.mu.Unlock()

	if err := e.deps.Store.Save(StoreKindEvaluationSet, e.artifactRef(h), evaluations); err != nil {
		e.logger.Error().Err(err).Str("run_id", h.run.ID).Msg("Failed to persist evaluation set")
	}

	outcome, err := e.scorer.Select(candidates, evaluations)
	if err != nil {
		return &model.StageError{RunID: h.run.ID, Stage: model.StageEvaluating, Err: err}
	}

	h.mu.Lock()
	h.run.Selection = &outcome.Selection
	h.mu.Unlock()

	if err := e.deps.Store.Save(StoreKindSelection, e.artifactRef(h), outcome.Selection); err != nil {
		e.logger.Error().Err(err).Str("run_id", h.run.ID).Msg("Failed to persist selection")
	}

	e.transition(h, model.StageAwaitingSelectionApproval)
	e.deps.Notifier.PromptDecision(e.snapshotOf(h))
	return nil
}

func (e *Engine) render(ctx context.Context, h *runHandle) error {
	h.mu.Lock()
	req := publish.RenderRequest{
		RunID:     h.run.ID,
		Topic:     *h.run.Topic,
		Selection: *h.run.Selection,
	}
	winner, ok := h.run.CandidateByID(h.run.Selection.CandidateID)
	h.mu.Unlock()

	if !ok {
		return &model.StageError{RunID: h.run.ID, Stage: model.StageRendering, Err: fmt.Errorf("selected candidate %s missing", req.Selection.CandidateID)}
	}
	req.Candidate = winner

	asset, err := e.deps.Renderer.Render(ctx, req)
	if err != nil {
		return &model.StageError{RunID: h.run.ID, Stage: model.StageRendering, Err: err}
	}

	h.mu.Lock()
	h.run.Asset = &asset
	h.mu.Unlock()

	e.transition(h, model.StageAwaitingRenderApproval)
	e.deps.Notifier.PromptDecision(e.snapshotOf(h))
	return nil
}

func (e *Engine) publishRun(ctx context.Context, h *runHandle) error {
	h.mu.Lock()
	asset := *h.run.Asset
	caption := ""
	if winner, ok := h.run.CandidateByID(h.run.Selection.CandidateID); ok {
		if winner.Script != nil {
			caption = winner.Script.Caption
		} else if winner.Joke != nil {
			caption = winner.Joke.Title
		}
	}
	h.mu.Unlock()

	receipts, err := e.deps.Publisher.Publish(ctx, asset, caption)

	h.mu.Lock()
	h.run.Receipts = receipts
	h.mu.Unlock()

	if err != nil {
		return &model.StageError{RunID: h.run.ID, Stage: model.StagePublishing, Err: err}
	}

	e.transition(h, model.StageDone)
	return nil
}

// awaitDecision suspends until a decision event, the human-response budget,
// or cancellation ends the wait.
func (e *Engine) awaitDecision(ctx context.Context, h *runHandle) error {
	timer := time.NewTimer(e.cfg.DecisionTimeout)
	defer timer.Stop()

	select {
	case event := <-h.decisions:
		h.mu.Lock()
		if event.Stage != h.run.Stage {
			h.mu.Unlock()
			e.logger.Info().Str("run_id", h.run.ID).Msg("Stale decision event dropped")
			return nil
		}
		e.applyDecision(h, event)
		h.mu.Unlock()
		e.persist(h)
		return nil

	case <-timer.C:
		h.mu.Lock()
		stage := h.run.Stage
		h.run.LogDecision(stage, model.DecisionTimeout, "system", "human-response budget elapsed")
		h.run.Stage = model.StageAbandoned
		h.run.UpdatedAt = time.Now()
		h.mu.Unlock()
		e.persist(h)
		e.logger.Warn().Str("run_id", h.run.ID).Str("stage", string(stage)).Msg("Decision point timed out, run abandoned")
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}

// applyDecision mutates the run for one validated decision. Called with
// h.mu held.
func (e *Engine) applyDecision(h *runHandle, event model.DecisionEvent) {
	run := h.run
	run.LogDecision(event.Stage, event.Action, event.Actor, event.CandidateID)

	if event.Action == model.DecisionCancel {
		run.Stage = model.StageAbandoned
		run.UpdatedAt = time.Now()
		return
	}

	switch event.Stage {
	case model.StageAwaitingTopicApproval:
		if event.Action == model.DecisionApprove {
			e.setStage(run, model.StageGenerating)
			return
		}
		// Reject: remember the rejected title so the next fetch skips it.
		if run.Topic != nil {
			run.RejectedTopics = append(run.RejectedTopics, run.Topic.Title)
		}
		run.Topic = nil
		e.setStage(run, model.StageCollectingTopic)

	case model.StageAwaitingSelectionApproval:
		switch event.Action {
		case model.DecisionApprove:
			e.setStage(run, model.StageRendering)
		case model.DecisionSelect:
			e.overrideSelection(run, event.CandidateID)
			e.setStage(run, model.StageRendering)
		default:
			// Reject: discard this stage's artifacts only; topic and prior
			// approvals survive.
			run.Candidates = nil
			run.Evaluations = nil
			run.Selection = nil
			e.setStage(run, model.StageGenerating)
		}

	case model.StageAwaitingRenderApproval:
		if event.Action == model.DecisionApprove {
			e.setStage(run, model.StagePublishing)
			return
		}
		run.Asset = nil
		e.setStage(run, model.StageRendering)
	}
}

// overrideSelection replaces the computed winner with the operator's pick.
func (e *Engine) overrideSelection(run *model.Run, candidateID string) {
	winner, ok := run.CandidateByID(candidateID)
	if !ok || run.Selection == nil {
		return
	}

	sum, count := 0, 0
	for _, cell := range run.Selection.Matrix[candidateID] {
		if !cell.Discarded {
			sum += cell.Total
			count++
		}
	}

	run.Selection.CandidateID = winner.ID
	run.Selection.WriterID = winner.WriterID
	run.Selection.TieBreak = false
	if count > 0 {
		run.Selection.Mean = float64(sum) / float64(count)
	} else {
		run.Selection.Mean = 0
	}
	run.Selection.ComputedAt = time.Now()
}

func (e *Engine) fail(h *runHandle, stage model.Stage, err error) {
	h.mu.Lock()
	h.run.Stage = model.StageFailed
	h.run.FailureReason = err.Error()
	h.run.LogDecision(stage, model.DecisionNote, "system", err.Error())
	h.run.UpdatedAt = time.Now()
	h.mu.Unlock()

	e.persist(h)
	e.logger.Error().Err(err).Str("run_id", h.run.ID).Str("stage", string(stage)).Msg("Run failed")
}

// recordFailures attributes per-identity invocation failures in the run's
// decision log so the operator never sees a bare error.
func (e *Engine) recordFailures(h *runHandle, stage model.Stage, results []fanout.Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range results {
		if r.Err != nil {
			h.run.LogDecision(stage, model.DecisionNote, "agent:"+r.Identity, r.Err.Error())
		}
	}
}

func (e *Engine) transition(h *runHandle, next model.Stage) {
	h.mu.Lock()
	e.setStage(h.run, next)
	h.mu.Unlock()
	e.persist(h)
}

func (e *Engine) setStage(run *model.Run, next model.Stage) {
	run.Stage = next
	run.Epoch++
	run.UpdatedAt = time.Now()
}

func (e *Engine) persist(h *runHandle) {
	h.mu.Lock()
	run := snapshot(h.run)
	h.mu.Unlock()

	if err := e.deps.Store.SaveRun(&run); err != nil {
		e.logger.Error().Err(err).Str("run_id", run.ID).Msg("Failed to persist run")
	}
}

func (e *Engine) snapshotOf(h *runHandle) model.Run {
	h.mu.Lock()
	defer h.mu.Unlock()
	return snapshot(h.run)
}

func (e *Engine) artifactRef(h *runHandle) string {
	return fmt.Sprintf("%s-%s", h.run.Date, h.run.Kind)
}

func (e *Engine) identityIDs() []string {
	ids := make([]string, len(e.cfg.Identities))
	for i, identity := range e.cfg.Identities {
		ids[i] = identity.ID
	}
	return ids
}

func (e *Engine) identity(id string) (agent.Identity, error) {
	for _, identity := range e.cfg.Identities {
		if identity.ID == id {
			return identity, nil
		}
	}
	return agent.Identity{}, fmt.Errorf("unknown agent identity: %s", id)
}

// validateDecision checks that the action is legal for the open decision
// point. Called with h.mu held by SubmitDecision.
func validateDecision(run *model.Run, decision model.Decision) error {
	switch decision.Action {
	case model.DecisionApprove, model.DecisionReject, model.DecisionCancel:
		return nil
	case model.DecisionSelect:
		if run.Stage != model.StageAwaitingSelectionApproval {
			return fmt.Errorf("select is only valid at %s", model.StageAwaitingSelectionApproval)
		}
		if _, ok := run.CandidateByID(decision.CandidateID); !ok {
			return fmt.Errorf("unknown candidate: %s", decision.CandidateID)
		}
		return nil
	default:
		return fmt.Errorf("unsupported decision action: %s", decision.Action)
	}
}

// snapshot deep-copies a run so readers never observe in-place mutation.
func snapshot(run *model.Run) model.Run {
	data, err := json.Marshal(run)
	if err != nil {
		return *run
	}
	var copied model.Run
	if err := json.Unmarshal(data, &copied); err != nil {
		return *run
	}
	return copied
}
