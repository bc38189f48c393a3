package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/comicbot/dailycomic/internal/config"
	"github.com/comicbot/dailycomic/internal/daemon"
	"github.com/comicbot/dailycomic/internal/logger"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the pipeline daemon",
	Long: `Start the daemon: scheduled runs fire per the configured cron jobs,
open runs resume from their persisted stage, and operators drive decisions
over Telegram.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log, closeLog, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		MaxSizeMB: cfg.Logging.MaxSizeMB,
		KeepDays:  cfg.Logging.KeepDays,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer closeLog()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to build daemon: %w", err)
	}

	return d.Run()
}
