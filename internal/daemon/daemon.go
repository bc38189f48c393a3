// Package daemon wires the pipeline engine, scheduler, chat front end, and
// run archive into one long-running process.
package daemon

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/comicbot/dailycomic/internal/config"
	"github.com/comicbot/dailycomic/internal/telegram"
	"github.com/comicbot/dailycomic/pkg/agent"
	"github.com/comicbot/dailycomic/pkg/backoff"
	"github.com/comicbot/dailycomic/pkg/cron"
	"github.com/comicbot/dailycomic/pkg/history"
	"github.com/comicbot/dailycomic/pkg/model"
	"github.com/comicbot/dailycomic/pkg/pipeline"
	"github.com/comicbot/dailycomic/pkg/publish"
	"github.com/comicbot/dailycomic/pkg/topic"
)

// Daemon is the assembled process.
type Daemon struct {
	cfg    *config.Config
	logger zerolog.Logger

	engine    *pipeline.Engine
	scheduler *cron.Service
	bot       *telegram.Bot
	archive   *history.Archive
	notifier  *notifier
	watcher   *config.Watcher
}

// New builds the daemon from a validated config.
func New(cfg *config.Config, logger zerolog.Logger) (*Daemon, error) {
	store, err := pipeline.NewFileStore(filepath.Join(cfg.DataDir, "runs"))
	if err != nil {
		return nil, fmt.Errorf("failed to create run store: %w", err)
	}

	archive, err := history.NewArchive(cfg.History.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open run archive: %w", err)
	}

	provider, err := agent.NewProvider(agent.ProviderConfig{
		Provider: cfg.Provider.Name,
		APIKey:   cfg.Provider.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create provider: %w", err)
	}

	agents := agent.NewClient(provider, agent.InvokerConfig{
		Model:       cfg.Agents.Model,
		Temperature: cfg.Agents.Temperature,
		MaxTokens:   cfg.Agents.MaxTokens,
		MaxRounds:   cfg.Agents.MaxRounds,
		Timeout:     time.Duration(cfg.Agents.TimeoutSeconds) * time.Second,
		Retry:       backoff.Default(),
	}, logger)

	d := &Daemon{
		cfg:     cfg,
		logger:  logger.With().Str("component", "daemon").Logger(),
		archive: archive,
	}

	d.notifier = &notifier{archive: archive, logger: d.logger}

	renderer := &publish.FileRenderer{Dir: cfg.Render.Dir}
	publisher := publish.NewMulti(d.buildTargets(), backoff.Default(), logger)

	engine, err := pipeline.New(pipeline.Config{
		Identities:       identities(cfg.Agents.Identities),
		GenerationQuorum: cfg.Pipeline.GenerationQuorum,
		EvaluationQuorum: cfg.Pipeline.EvaluationQuorum,
		StageBudget:      cfg.Pipeline.StageBudget(),
		DecisionTimeout:  cfg.Pipeline.DecisionTimeout(),
	}, pipeline.Deps{
		Store:     store,
		Topics:    &topic.FileSource{Dir: cfg.Topics.Dir},
		Agents:    agents,
		Renderer:  renderer,
		Publisher: publisher,
		Notifier:  d.notifier,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline engine: %w", err)
	}
	d.engine = engine

	if cfg.Telegram.Enabled {
		bot, err := telegram.New(cfg.Telegram, engine, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create telegram bot: %w", err)
		}
		d.bot = bot
		d.notifier.setFrontend(bot)

		if cfg.Telegram.ChannelID != 0 {
			publisher.AddTarget(telegram.NewChannelPublisher(bot.API(), cfg.Telegram.ChannelID))
		}
	}

	scheduler, err := cron.NewService(
		scheduleJobs(cfg.Schedule),
		func(date string, kind model.ArtifactKind) error {
			_, err := engine.StartRun(date, kind)
			return err
		},
		filepath.Join(cfg.DataDir, "cron-state.json"),
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	d.scheduler = scheduler

	return d, nil
}

// Start resumes persisted runs and brings up all services.
func (d *Daemon) Start() error {
	resumed, err := d.engine.Resume()
	if err != nil {
		return fmt.Errorf("failed to resume runs: %w", err)
	}
	if resumed > 0 {
		d.logger.Info().Int("count", resumed).Msg("Resumed open runs")
	}

	if d.bot != nil {
		if err := d.bot.Start(); err != nil {
			return fmt.Errorf("failed to start telegram bot: %w", err)
		}
	}

	d.scheduler.Start()

	watcher, err := config.NewWatcher(config.NewLoader("").GetConfigPath(), d.logger, func(cfg *config.Config) {
		// Full component rewiring needs a restart; only log levels apply live.
		d.logger.Info().Str("level", cfg.Logging.Level).Msg("Config change detected, restart to apply structural changes")
		if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
			zerolog.SetGlobalLevel(level)
		}
	})
	if err != nil {
		d.logger.Warn().Err(err).Msg("Config watcher unavailable")
	} else {
		d.watcher = watcher
	}

	d.logger.Info().Msg("Daemon started")
	return nil
}

// Stop shuts everything down. Open runs stay persisted and resume on the
// next start.
func (d *Daemon) Stop() {
	d.scheduler.Stop()
	if d.bot != nil {
		d.bot.Stop()
	}
	if d.watcher != nil {
		d.watcher.Stop()
	}
	d.engine.Stop()
	d.archive.Close()
	d.logger.Info().Msg("Daemon stopped")
}

// Run starts the daemon and blocks until SIGINT or SIGTERM.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	d.logger.Info().Str("signal", received.String()).Msg("Shutting down")

	d.Stop()
	return nil
}

// Engine exposes the pipeline engine, used by CLI status commands.
func (d *Daemon) Engine() *pipeline.Engine {
	return d.engine
}

func (d *Daemon) buildTargets() []publish.Target {
	return []publish.Target{
		&publish.DirTarget{Dir: filepath.Join(d.cfg.DataDir, "published")},
	}
}

func identities(configured []config.IdentityConfig) []agent.Identity {
	out := make([]agent.Identity, len(configured))
	for i, identity := range configured {
		out[i] = agent.Identity{
			ID:          identity.ID,
			Name:        identity.Name,
			Description: identity.Persona,
		}
	}
	return out
}

func scheduleJobs(configured []config.ScheduleJob) []cron.Job {
	jobs := make([]cron.Job, len(configured))
	for i, job := range configured {
		jobs[i] = cron.Job{
			Name:     job.Name,
			Kind:     model.ArtifactKind(job.Kind),
			Schedule: cron.Schedule{Expr: job.Expr, TZ: job.TZ},
			Enabled:  job.Enabled,
		}
	}
	return jobs
}
