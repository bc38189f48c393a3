// Package fanout runs a set of independent agent invocations concurrently for
// one pipeline stage and collects results with partial-failure tolerance.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Task invokes one agent identity and returns its artifact.
type Task func(ctx context.Context, identity string) (interface{}, error)

// Result associates one identity with its artifact or failure. Association is
// the only ordering guarantee the coordinator provides.
type Result struct {
	Identity string
	Value    interface{}
	Err      error
}

// QuorumError is returned when fewer than MinQuorum invocations succeed within
// the stage budget. It carries all partial results for diagnostics.
type QuorumError struct {
	Succeeded int
	Required  int
	Results   []Result
}

func (e *QuorumError) Error() string {
	return fmt.Sprintf("quorum not met: %d of %d required successes", e.Succeeded, e.Required)
}

// Config bounds one stage-level fan-out.
type Config struct {
	// MinQuorum is the minimum number of successes for the stage to be usable.
	// Zero means every identity must succeed.
	MinQuorum int

	// Budget is the stage-level time budget layered on top of the per
	// invocation budgets. Zero means no stage budget.
	Budget time.Duration
}

// Coordinator launches one invocation per identity concurrently. A per
// identity failure never cancels sibling invocations.
type Coordinator struct {
	cfg    Config
	logger zerolog.Logger
}

// New creates a fan-out coordinator.
func New(cfg Config, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		cfg:    cfg,
		logger: logger.With().Str("component", "fanout").Logger(),
	}
}

// Run executes the task for every identity and waits for all of them to
// finish or for the stage budget to elapse. Results keep identity order for
// stable association; completion order is irrelevant.
func (c *Coordinator) Run(ctx context.Context, identities []string, task Task) ([]Result, error) {
	if len(identities) == 0 {
		return nil, fmt.Errorf("no identities provided")
	}

	minQuorum := c.cfg.MinQuorum
	if minQuorum <= 0 || minQuorum > len(identities) {
		minQuorum = len(identities)
	}

	stageCtx := ctx
	var cancel context.CancelFunc
	if c.cfg.Budget > 0 {
		stageCtx, cancel = context.WithTimeout(ctx, c.cfg.Budget)
		defer cancel()
	}

	start := time.Now()
	results := make([]Result, len(identities))
	var wg sync.WaitGroup

	for i, identity := range identities {
		wg.Add(1)
		go func(index int, id string) {
			defer wg.Done()

			value, err := task(stageCtx, id)
			results[index] = Result{Identity: id, Value: value, Err: err}

			if err != nil {
				c.logger.Warn().
					Err(err).
					Str("identity", id).
					Msg("Invocation failed, siblings continue")
			}
		}(i, identity)
	}

	wg.Wait()

	succeeded := 0
	for _, r := range results {
		if r.Err == nil {
			succeeded++
		}
	}

	c.logger.Info().
		Int("identities", len(identities)).
		Int("succeeded", succeeded).
		Dur("elapsed", time.Since(start)).
		Msg("Fan-out completed")

	if succeeded < minQuorum {
		return results, &QuorumError{Succeeded: succeeded, Required: minQuorum, Results: results}
	}
	return results, nil
}

// IsQuorumError reports whether err is a quorum failure.
func IsQuorumError(err error) bool {
	var qe *QuorumError
	return errors.As(err, &qe)
}
