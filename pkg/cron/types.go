package cron

import (
	"fmt"
	"time"

	robfig "github.com/robfig/cron/v3"

	"github.com/comicbot/dailycomic/pkg/model"
)

// Schedule is a 5-field cron expression with an optional IANA timezone.
type Schedule struct {
	Expr string `json:"expr"`
	TZ   string `json:"tz,omitempty"`
}

// Next returns the first firing time after from, evaluated in the schedule's
// timezone.
func (s Schedule) Next(from time.Time) (time.Time, error) {
	if s.Expr == "" {
		return time.Time{}, fmt.Errorf("schedule requires a cron expression")
	}

	parser := robfig.NewParser(robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow)
	sched, err := parser.Parse(s.Expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
	}

	if s.TZ != "" {
		loc, err := time.LoadLocation(s.TZ)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timezone: %w", err)
		}
		from = from.In(loc)
	}

	return sched.Next(from), nil
}

// Job starts one pipeline run per firing.
type Job struct {
	Name     string             `json:"name"`
	Kind     model.ArtifactKind `json:"kind"`
	Schedule Schedule           `json:"schedule"`
	Enabled  bool               `json:"enabled"`
}

// jobState is the persisted firing record of one job. LastDate guards
// against a restart re-firing the same day's run.
type jobState struct {
	LastDate  string `json:"lastDate,omitempty"`
	LastError string `json:"lastError,omitempty"`
}

// StartFunc starts a run for the given date and artifact kind.
type StartFunc func(date string, kind model.ArtifactKind) error
