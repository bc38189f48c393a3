// Package history archives finished runs in sqlite so past dailies, their
// score matrices, and every human decision stay queryable after the
// working-state files are gone.
package history

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/comicbot/dailycomic/pkg/model"
)

// Archive is the sqlite-backed run archive.
type Archive struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Entry is one archived run summary. The full run record is kept as JSON in
// the payload column and rehydrated on read.
type Entry struct {
	RunID         string
	Kind          model.ArtifactKind
	Date          string
	Stage         model.Stage
	TopicTitle    string
	WinnerID      string
	WinnerMean    float64
	FailureReason string
	ArchivedAt    time.Time
}

// NewArchive opens (and if needed initializes) the archive database.
func NewArchive(dbPath string, logger zerolog.Logger) (*Archive, error) {
	if dbPath == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	a := &Archive{
		db:     db,
		logger: logger.With().Str("component", "history").Logger(),
	}
	if err := a.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return a, nil
}

func (a *Archive) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			date TEXT NOT NULL,
			stage TEXT NOT NULL,
			topic_title TEXT,
			winner_id TEXT,
			winner_mean REAL,
			failure_reason TEXT,
			payload TEXT NOT NULL,
			archived_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_date ON runs(date);

		CREATE TABLE IF NOT EXISTS decisions (
			run_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			action TEXT NOT NULL,
			actor TEXT NOT NULL,
			detail TEXT,
			at INTEGER NOT NULL,
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_decisions_run ON decisions(run_id);
	`
	_, err := a.db.Exec(schema)
	return err
}

// ArchiveRun stores a terminal run and its decision log. Re-archiving the
// same run replaces the earlier row.
func (a *Archive) ArchiveRun(run *model.Run) error {
	if !run.Stage.IsTerminal() {
		return fmt.Errorf("run %s is not terminal (stage %s)", run.ID, run.Stage)
	}

	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	topicTitle := ""
	if run.Topic != nil {
		topicTitle = run.Topic.Title
	}
	winnerID := ""
	winnerMean := 0.0
	if run.Selection != nil {
		winnerID = run.Selection.CandidateID
		winnerMean = run.Selection.Mean
	}

	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM decisions WHERE run_id = ?", run.ID); err != nil {
		return fmt.Errorf("failed to clear old decisions: %w", err)
	}

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO runs
			(id, kind, date, stage, topic_title, winner_id, winner_mean, failure_reason, payload, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Kind), run.Date, string(run.Stage),
		topicTitle, winnerID, winnerMean, run.FailureReason,
		string(payload), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for _, d := range run.Decisions {
		_, err := tx.Exec(`
			INSERT INTO decisions (run_id, stage, action, actor, detail, at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			run.ID, string(d.Stage), string(d.Action), d.Actor, d.Detail, d.At.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert decision: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	a.logger.Info().Str("run_id", run.ID).Str("stage", string(run.Stage)).Msg("Run archived")
	return nil
}

// GetRun rehydrates one archived run by id.
func (a *Archive) GetRun(id string) (*model.Run, error) {
	var payload string
	err := a.db.QueryRow("SELECT payload FROM runs WHERE id = ?", id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query run: %w", err)
	}

	var run model.Run
	if err := json.Unmarshal([]byte(payload), &run); err != nil {
		return nil, fmt.Errorf("failed to parse archived run: %w", err)
	}
	return &run, nil
}

// ListRuns returns archive summaries, most recent first. An empty date lists
// across all dates.
func (a *Archive) ListRuns(date string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := "SELECT id, kind, date, stage, topic_title, winner_id, winner_mean, failure_reason, archived_at FROM runs"
	args := []interface{}{}
	if date != "" {
		query += " WHERE date = ?"
		args = append(args, date)
	}
	query += " ORDER BY archived_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := a.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			archivedMs int64
		)
		if err := rows.Scan(&e.RunID, &e.Kind, &e.Date, &e.Stage, &e.TopicTitle, &e.WinnerID, &e.WinnerMean, &e.FailureReason, &archivedMs); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		e.ArchivedAt = time.UnixMilli(archivedMs)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close releases the database handle.
func (a *Archive) Close() error {
	return a.db.Close()
}
