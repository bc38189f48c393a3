package model

import (
	"errors"
	"fmt"
	"time"
)

// Stage is a pipeline state. Automatic stages advance on their own; Awaiting*
// stages suspend until a decision event arrives.
type Stage string

const (
	StageCollectingTopic           Stage = "collecting_topic"
	StageAwaitingTopicApproval     Stage = "awaiting_topic_approval"
	StageGenerating                Stage = "generating"
	StageEvaluating                Stage = "evaluating"
	StageAwaitingSelectionApproval Stage = "awaiting_selection_approval"
	StageRendering                 Stage = "rendering"
	StageAwaitingRenderApproval    Stage = "awaiting_render_approval"
	StagePublishing                Stage = "publishing"
	StageDone                      Stage = "done"
	StageFailed                    Stage = "failed"
	StageAbandoned                 Stage = "abandoned"
)

// IsDecisionPoint reports whether the stage suspends for a human decision.
func (s Stage) IsDecisionPoint() bool {
	switch s {
	case StageAwaitingTopicApproval, StageAwaitingSelectionApproval, StageAwaitingRenderApproval:
		return true
	}
	return false
}

// IsTerminal reports whether the run can no longer advance.
func (s Stage) IsTerminal() bool {
	return s == StageDone || s == StageFailed || s == StageAbandoned
}

// DecisionAction is a human (or timeout) choice at a decision point.
type DecisionAction string

const (
	DecisionApprove DecisionAction = "approve"
	DecisionReject  DecisionAction = "reject"
	DecisionSelect  DecisionAction = "select"
	DecisionTimeout DecisionAction = "timeout"
	DecisionCancel  DecisionAction = "cancel"

	// DecisionNote is a system-written audit entry, not a human choice. The
	// machine uses it to attribute stage failures and per-agent errors.
	DecisionNote DecisionAction = "note"
)

// Decision is one resolved choice for an open decision point.
type Decision struct {
	Action      DecisionAction `json:"action"`
	CandidateID string         `json:"candidate_id,omitempty"`
	Actor       string         `json:"actor"`
	At          time.Time      `json:"at"`
}

// DecisionEvent is an inbound decision tagged with its run and stage so the
// machine can detect and reject stale or misdirected events.
type DecisionEvent struct {
	RunID string `json:"run_id"`
	Stage Stage  `json:"stage"`
	Decision
}

// DecisionRecord is a decision-log entry kept on the run.
type DecisionRecord struct {
	Stage  Stage          `json:"stage"`
	Action DecisionAction `json:"action"`
	Actor  string         `json:"actor"`
	Detail string         `json:"detail,omitempty"`
	At     time.Time      `json:"at"`
}

// Run is the lifecycle container for one end-to-end pipeline execution.
// It is mutated only by the pipeline machine.
type Run struct {
	ID             string           `json:"id"`
	Kind           ArtifactKind     `json:"kind"`
	Date           string           `json:"date"`
	Stage          Stage            `json:"stage"`
	Topic          *Topic           `json:"topic,omitempty"`
	Candidates     []Candidate      `json:"candidates,omitempty"`
	Evaluations    []Evaluation     `json:"evaluations,omitempty"`
	Selection      *Selection       `json:"selection,omitempty"`
	Asset          *RenderedAsset   `json:"asset,omitempty"`
	Receipts       []PublishReceipt `json:"receipts,omitempty"`
	Decisions      []DecisionRecord `json:"decisions,omitempty"`
	RejectedTopics []string         `json:"rejected_topics,omitempty"`
	FailureReason  string           `json:"failure_reason,omitempty"`
	Epoch          int              `json:"epoch"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// LogDecision appends a decision-log entry.
func (r *Run) LogDecision(stage Stage, action DecisionAction, actor, detail string) {
	r.Decisions = append(r.Decisions, DecisionRecord{
		Stage:  stage,
		Action: action,
		Actor:  actor,
		Detail: detail,
		At:     time.Now(),
	})
}

// CandidateByID returns the candidate with the given id, if present.
func (r *Run) CandidateByID(id string) (Candidate, bool) {
	for _, c := range r.Candidates {
		if c.ID == id {
			return c, true
		}
	}
	return Candidate{}, false
}

// Sentinel errors shared across the pipeline packages.
var (
	ErrNotFound            = errors.New("not found")
	ErrQuorumNotMet        = errors.New("quorum not met")
	ErrNoEligibleCandidate = errors.New("no eligible candidate")
	ErrStaleDecision       = errors.New("stale decision event")
	ErrRunClosed           = errors.New("run is in a terminal stage")
)

// StageError attributes a failure to a specific run and stage.
type StageError struct {
	RunID string
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed for run %s: %v", e.Stage, e.RunID, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
