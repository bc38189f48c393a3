// Package scoring turns the evaluation matrix into a single winner
// deterministically: validate, aggregate per-candidate means, tie-break on
// lower variance, then on canonical identity order.
package scoring

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/comicbot/dailycomic/pkg/model"
)

// Discard records why an evaluation was excluded from aggregation.
type Discard struct {
	JudgeID     string
	CandidateID string
	Reason      string
}

// Aggregate holds the per-candidate statistics over valid evaluations.
type Aggregate struct {
	CandidateID string
	WriterID    string
	Mean        float64
	Variance    float64
	Valid       int
}

// Outcome is the full result of one selection pass.
type Outcome struct {
	Selection  model.Selection
	Aggregates []Aggregate
	Discarded  []Discard
}

// ValidateEvaluation enforces the rubric invariant: every sub-score present
// and within its declared range, no extra sub-scores, and the declared total
// equal to the sum. Violating evaluations are rejected, never averaged.
func ValidateEvaluation(eval model.Evaluation) error {
	sum := 0
	for _, criterion := range model.Criteria {
		score, ok := eval.Scores[criterion.Name]
		if !ok {
			return fmt.Errorf("missing sub-score %q", criterion.Name)
		}
		if score < 0 || score > criterion.Max {
			return fmt.Errorf("sub-score %q out of range: %d not in [0,%d]", criterion.Name, score, criterion.Max)
		}
		sum += score
	}
	for name := range eval.Scores {
		if model.CriterionMax(name) < 0 {
			return fmt.Errorf("unknown sub-score %q", name)
		}
	}
	if eval.TotalScore != sum {
		return fmt.Errorf("declared total %d does not equal sub-score sum %d", eval.TotalScore, sum)
	}
	return nil
}

// Engine computes selections.
type Engine struct {
	// MinEvaluations is the per-candidate quorum: candidates with fewer valid
	// evaluations are excluded from selection. Zero means one.
	MinEvaluations int

	Logger zerolog.Logger
}

// Select picks the winner from the candidates and their evaluations. It
// returns model.ErrNoEligibleCandidate when no candidate has a usable
// evaluation set. Given an identical score matrix the result is always the
// same.
func (e *Engine) Select(candidates []model.Candidate, evaluations []model.Evaluation) (Outcome, error) {
	minEvals := e.MinEvaluations
	if minEvals <= 0 {
		minEvals = 1
	}

	outcome := Outcome{
		Selection: model.Selection{Matrix: map[string][]model.JudgeScore{}},
	}

	valid := map[string][]model.Evaluation{}
	for _, eval := range evaluations {
		cell := model.JudgeScore{
			JudgeID:   eval.JudgeID,
			Total:     eval.TotalScore,
			SubScores: eval.Scores,
		}
		if err := ValidateEvaluation(eval); err != nil {
			cell.Discarded = true
			cell.Reason = err.Error()
			outcome.Discarded = append(outcome.Discarded, Discard{
				JudgeID:     eval.JudgeID,
				CandidateID: eval.CandidateID,
				Reason:      err.Error(),
			})
			e.Logger.Warn().
				Str("judge", eval.JudgeID).
				Str("candidate", eval.CandidateID).
				Str("reason", err.Error()).
				Msg("Evaluation discarded")
		} else {
			valid[eval.CandidateID] = append(valid[eval.CandidateID], eval)
		}
		outcome.Selection.Matrix[eval.CandidateID] = append(outcome.Selection.Matrix[eval.CandidateID], cell)
	}

	for _, candidate := range candidates {
		evals := valid[candidate.ID]
		if len(evals) < minEvals {
			e.Logger.Info().
				Str("candidate", candidate.ID).
				Int("valid", len(evals)).
				Int("required", minEvals).
				Msg("Candidate excluded: insufficient valid evaluations")
			continue
		}
		outcome.Aggregates = append(outcome.Aggregates, aggregate(candidate, evals))
	}

	if len(outcome.Aggregates) == 0 {
		return outcome, model.ErrNoEligibleCandidate
	}

	// Highest mean wins; ties prefer lower variance (more consensus), then
	// the producing identity that sorts first.
	sort.Slice(outcome.Aggregates, func(i, j int) bool {
		a, b := outcome.Aggregates[i], outcome.Aggregates[j]
		if a.Mean != b.Mean {
			return a.Mean > b.Mean
		}
		if a.Variance != b.Variance {
			return a.Variance < b.Variance
		}
		return a.WriterID < b.WriterID
	})

	winner := outcome.Aggregates[0]
	tieBreak := len(outcome.Aggregates) > 1 && outcome.Aggregates[1].Mean == winner.Mean

	outcome.Selection.CandidateID = winner.CandidateID
	outcome.Selection.WriterID = winner.WriterID
	outcome.Selection.Mean = winner.Mean
	outcome.Selection.Variance = winner.Variance
	outcome.Selection.TieBreak = tieBreak
	outcome.Selection.ComputedAt = time.Now()

	e.Logger.Info().
		Str("winner", winner.CandidateID).
		Float64("mean", winner.Mean).
		Bool("tie_break", tieBreak).
		Msg("Winner selected")

	return outcome, nil
}

func aggregate(candidate model.Candidate, evals []model.Evaluation) Aggregate {
	sum := 0
	for _, eval := range evals {
		sum += eval.TotalScore
	}
	mean := float64(sum) / float64(len(evals))

	variance := 0.0
	for _, eval := range evals {
		d := float64(eval.TotalScore) - mean
		variance += d * d
	}
	variance /= float64(len(evals))

	return Aggregate{
		CandidateID: candidate.ID,
		WriterID:    candidate.WriterID,
		Mean:        mean,
		Variance:    variance,
		Valid:       len(evals),
	}
}
