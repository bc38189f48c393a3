package cli

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/comicbot/dailycomic/internal/config"
	"github.com/comicbot/dailycomic/pkg/history"
)

var (
	historyDate  string
	historyLimit int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List archived runs",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyDate, "date", "", "filter by date (YYYY-MM-DD)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum entries to list")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	archive, err := history.NewArchive(cfg.History.DBPath, zerolog.Nop())
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer archive.Close()

	entries, err := archive.ListRuns(historyDate, historyLimit)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("No archived runs.")
		return nil
	}

	for _, e := range entries {
		line := fmt.Sprintf("%s  %s  %-5s  %-9s", e.RunID[:8], e.Date, e.Kind, e.Stage)
		if e.WinnerID != "" {
			line += fmt.Sprintf("  winner=%s mean=%.1f", e.WinnerID, e.WinnerMean)
		}
		if e.FailureReason != "" {
			line += "  " + e.FailureReason
		}
		fmt.Println(line)
	}
	return nil
}
