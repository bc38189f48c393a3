// Package cron starts pipeline runs on a schedule. Each configured job fires
// once per scheduled instant and records the date it last fired so a daemon
// restart never starts a duplicate run for the same day.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Service schedules pipeline run starts.
type Service struct {
	jobs      []Job
	start     StartFunc
	statePath string
	logger    zerolog.Logger

	mu    sync.Mutex
	state map[string]*jobState

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a scheduler for the given jobs.
func NewService(jobs []Job, start StartFunc, statePath string, logger zerolog.Logger) (*Service, error) {
	if start == nil {
		return nil, fmt.Errorf("start callback is required")
	}
	if statePath == "" {
		return nil, fmt.Errorf("state path is required")
	}

	s := &Service{
		jobs:      jobs,
		start:     start,
		statePath: statePath,
		logger:    logger.With().Str("component", "cron").Logger(),
		state:     make(map[string]*jobState),
	}

	if err := s.loadState(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to load scheduler state, starting fresh")
	}
	return s, nil
}

// Start launches one scheduling loop per enabled job.
func (s *Service) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for _, job := range s.jobs {
		if !job.Enabled {
			s.logger.Info().Str("job", job.Name).Msg("Job disabled, not scheduling")
			continue
		}
		s.wg.Add(1)
		go s.runLoop(ctx, job)
	}
}

// Stop halts all scheduling loops. In-flight run starts complete.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// NextFiring returns the next scheduled firing of a job, for status display.
func (s *Service) NextFiring(name string) (time.Time, error) {
	for _, job := range s.jobs {
		if job.Name == name {
			return job.Schedule.Next(time.Now())
		}
	}
	return time.Time{}, fmt.Errorf("unknown job: %s", name)
}

func (s *Service) runLoop(ctx context.Context, job Job) {
	defer s.wg.Done()

	for {
		next, err := job.Schedule.Next(time.Now())
		if err != nil {
			s.logger.Error().Err(err).Str("job", job.Name).Msg("Unschedulable job, loop stopped")
			return
		}

		s.logger.Info().Str("job", job.Name).Time("next", next).Msg("Job scheduled")

		timer := time.NewTimer(time.Until(next))
		select {
		case <-timer.C:
			s.fire(job, next)
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (s *Service) fire(job Job, at time.Time) {
	date := at.Format("2006-01-02")

	s.mu.Lock()
	st, ok := s.state[job.Name]
	if !ok {
		st = &jobState{}
		s.state[job.Name] = st
	}
	if st.LastDate == date {
		s.mu.Unlock()
		s.logger.Info().Str("job", job.Name).Str("date", date).Msg("Run already started for this date, skipping")
		return
	}
	st.LastDate = date
	s.mu.Unlock()

	s.logger.Info().Str("job", job.Name).Str("date", date).Str("kind", string(job.Kind)).Msg("Starting scheduled run")

	err := s.start(date, job.Kind)

	s.mu.Lock()
	if err != nil {
		st.LastError = err.Error()
		s.logger.Error().Err(err).Str("job", job.Name).Msg("Scheduled run failed to start")
	} else {
		st.LastError = ""
	}
	s.mu.Unlock()

	if perr := s.persistState(); perr != nil {
		s.logger.Error().Err(perr).Msg("Failed to persist scheduler state")
	}
}

func (s *Service) loadState() error {
	data, err := os.ReadFile(s.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read scheduler state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := json.Unmarshal(data, &s.state); err != nil {
		return fmt.Errorf("failed to parse scheduler state: %w", err)
	}
	return nil
}

func (s *Service) persistState() error {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.state, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to marshal scheduler state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.statePath), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tempPath := s.statePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write scheduler state: %w", err)
	}
	if err := os.Rename(tempPath, s.statePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to finalize scheduler state: %w", err)
	}
	return nil
}
