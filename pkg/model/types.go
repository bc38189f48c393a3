package model

import (
	"time"
)

// ArtifactKind distinguishes the independent run types that can share a topic.
type ArtifactKind string

const (
	KindComic ArtifactKind = "comic"
	KindJoke  ArtifactKind = "joke"
)

// Topic is the day's subject. Immutable once fetched for a run; generation and
// evaluation always see the identical text.
type Topic struct {
	Date      string    `json:"date"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	FetchedAt time.Time `json:"fetched_at"`
}

// CandidateStatus tracks a candidate through the run.
type CandidateStatus string

const (
	CandidatePending   CandidateStatus = "pending"
	CandidateSubmitted CandidateStatus = "submitted"
	CandidateRejected  CandidateStatus = "rejected"
)

// Panel is one panel of a comic script.
type Panel struct {
	Description string   `json:"description"`
	Dialog      []string `json:"dialog,omitempty"`
	Narration   string   `json:"narration,omitempty"`
}

// ScriptPayload is the four-panel comic artifact a writer submits.
type ScriptPayload struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Panels      []Panel `json:"panels"`
	Caption     string  `json:"caption"`
}

// JokePayload is the short-form artifact for secondary runs.
type JokePayload struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Candidate is one agent's generated artifact for a topic.
type Candidate struct {
	ID         string          `json:"id"`
	WriterID   string          `json:"writer_id"`
	WriterName string          `json:"writer_name,omitempty"`
	Kind       ArtifactKind    `json:"kind"`
	Script     *ScriptPayload  `json:"script,omitempty"`
	Joke       *JokePayload    `json:"joke,omitempty"`
	Status     CandidateStatus `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Summary returns a one-line description for decision prompts.
func (c Candidate) Summary() string {
	if c.Script != nil {
		return c.Script.Title
	}
	if c.Joke != nil {
		return c.Joke.Title
	}
	return c.ID
}

// Evaluation is one judge's rubric scoring of one candidate.
type Evaluation struct {
	JudgeID     string            `json:"judge_id"`
	JudgeName   string            `json:"judge_name,omitempty"`
	CandidateID string            `json:"candidate_id"`
	Scores      map[string]int    `json:"scores"`
	Comments    map[string]string `json:"comments,omitempty"`
	TotalScore  int               `json:"total_score"`
	Overall     string            `json:"overall,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Selection is the run's computed outcome.
type Selection struct {
	CandidateID string                  `json:"candidate_id"`
	WriterID    string                  `json:"writer_id"`
	Mean        float64                 `json:"mean"`
	Variance    float64                 `json:"variance"`
	TieBreak    bool                    `json:"tie_break"`
	Matrix      map[string][]JudgeScore `json:"matrix"` // candidate id -> per-judge scores
	ComputedAt  time.Time               `json:"computed_at"`
}

// JudgeScore is one cell of the score matrix.
type JudgeScore struct {
	JudgeID   string         `json:"judge_id"`
	Total     int            `json:"total"`
	SubScores map[string]int `json:"sub_scores"`
	Discarded bool           `json:"discarded,omitempty"`
	Reason    string         `json:"reason,omitempty"`
}

// RenderedAsset is the output of the external renderer.
type RenderedAsset struct {
	RunID     string    `json:"run_id"`
	Path      string    `json:"path"`
	Format    string    `json:"format"`
	CreatedAt time.Time `json:"created_at"`
}

// PublishReceipt reports the outcome of publishing to a single target.
type PublishReceipt struct {
	Target    string    `json:"target"`
	OK        bool      `json:"ok"`
	MessageID string    `json:"message_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}
