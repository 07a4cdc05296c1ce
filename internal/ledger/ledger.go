// Package ledger persists run history in an embedded sqlite database so
// later invocations can list past runs and re-emit their reports.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/lenamarten/memvault/internal/pipeline"
)

// Run is one completed pipeline invocation.
type Run struct {
	ID          string
	StartedAt   time.Time
	FinishedAt  time.Time
	CatalogPath string
	OutputDir   string
	Mode        string
	Workers     int

	Total       int
	Done        int
	Skipped     int
	Failed      int
	Interrupted int
}

// Outcome is the terminal state of one memory within a run.
type Outcome struct {
	RunID          string
	MemoryID       string
	CapturedAt     time.Time
	MediaKind      string
	Status         string
	FailureKind    string
	Attempts       int
	LinksAttempted []string
	Error          string
	RawPath        string
	MergedPath     string
}

// Ledger wraps the sqlite handle.
type Ledger struct {
	db *sql.DB
}

// Open creates or opens the ledger database at the given path.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	l := &Ledger{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return l, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id           TEXT PRIMARY KEY,
		started_at   TEXT NOT NULL,
		finished_at  TEXT NOT NULL,
		catalog_path TEXT NOT NULL,
		output_dir   TEXT NOT NULL,
		mode         TEXT NOT NULL,
		workers      INTEGER NOT NULL,
		total        INTEGER NOT NULL,
		done         INTEGER NOT NULL,
		skipped      INTEGER NOT NULL,
		failed       INTEGER NOT NULL,
		interrupted  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);

	CREATE TABLE IF NOT EXISTS memory_outcomes (
		run_id       TEXT NOT NULL REFERENCES runs(id),
		memory_id    TEXT NOT NULL,
		captured_at  TEXT NOT NULL,
		media_kind   TEXT NOT NULL,
		status       TEXT NOT NULL,
		failure_kind TEXT,
		attempts     INTEGER NOT NULL DEFAULT 0,
		links        TEXT,
		error        TEXT,
		raw_path     TEXT,
		merged_path  TEXT,
		PRIMARY KEY (run_id, memory_id)
	);
	CREATE INDEX IF NOT EXISTS idx_outcomes_run ON memory_outcomes(run_id);
	`
	_, err := l.db.Exec(schema)
	return err
}

// RecordRun stores a completed run and the terminal state of every
// memory it touched. Counts are derived from the states; a missing run
// id gets a fresh short one. Returns the run as stored.
func (l *Ledger) RecordRun(ctx context.Context, run Run, states []*pipeline.ProcessingState) (Run, error) {
	if run.ID == "" {
		run.ID = uuid.New().String()[:8]
	}

	run.Total = len(states)
	run.Done, run.Skipped, run.Failed, run.Interrupted = 0, 0, 0, 0
	for _, st := range states {
		switch st.Status {
		case pipeline.StatusDone:
			run.Done++
			if st.Skipped {
				run.Skipped++
			}
		case pipeline.StatusFailed:
			run.Failed++
		default:
			run.Interrupted++
		}
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return run, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, finished_at, catalog_path, output_dir, mode, workers,
		                   total, done, skipped, failed, interrupted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.StartedAt.UTC().Format(time.RFC3339),
		run.FinishedAt.UTC().Format(time.RFC3339),
		run.CatalogPath, run.OutputDir, run.Mode, run.Workers,
		run.Total, run.Done, run.Skipped, run.Failed, run.Interrupted)
	if err != nil {
		return run, fmt.Errorf("insert run: %w", err)
	}

	for _, st := range states {
		var linksJSON any
		if links := st.LinksAttempted(); len(links) > 0 {
			b, _ := json.Marshal(links)
			linksJSON = string(b)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO memory_outcomes (run_id, memory_id, captured_at, media_kind, status,
			                              failure_kind, attempts, links, error, raw_path, merged_path)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID,
			st.Memory.ID,
			st.Memory.CapturedAt.UTC().Format(time.RFC3339),
			string(st.Memory.Kind),
			string(st.Status),
			nullable(string(st.Failure)),
			len(st.Attempts),
			linksJSON,
			nullable(st.Err),
			nullable(st.RawPath),
			nullable(st.MergedPath))
		if err != nil {
			return run, fmt.Errorf("insert outcome %s: %w", st.Memory.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return run, err
	}
	return run, nil
}

// Runs lists past runs newest first.
func (l *Ledger) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, catalog_path, output_dir, mode, workers,
		        total, done, skipped, failed, interrupted
		 FROM runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RunByID fetches one run.
func (l *Ledger) RunByID(ctx context.Context, id string) (Run, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT id, started_at, finished_at, catalog_path, output_dir, mode, workers,
		        total, done, skipped, failed, interrupted
		 FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("run not found: %s", id)
	}
	return r, err
}

// LatestRun fetches the most recent run.
func (l *Ledger) LatestRun(ctx context.Context) (Run, error) {
	runs, err := l.Runs(ctx, 1)
	if err != nil {
		return Run{}, err
	}
	if len(runs) == 0 {
		return Run{}, fmt.Errorf("no runs recorded yet")
	}
	return runs[0], nil
}

// Outcomes lists a run's per-memory outcomes ordered by memory id.
func (l *Ledger) Outcomes(ctx context.Context, runID string) ([]Outcome, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT run_id, memory_id, captured_at, media_kind, status,
		        failure_kind, attempts, links, error, raw_path, merged_path
		 FROM memory_outcomes WHERE run_id = ? ORDER BY memory_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []Outcome
	for rows.Next() {
		var o Outcome
		var capturedAt string
		var failureKind, links, errText, rawPath, mergedPath sql.NullString

		err := rows.Scan(&o.RunID, &o.MemoryID, &capturedAt, &o.MediaKind, &o.Status,
			&failureKind, &o.Attempts, &links, &errText, &rawPath, &mergedPath)
		if err != nil {
			return nil, err
		}

		o.CapturedAt, _ = time.Parse(time.RFC3339, capturedAt)
		o.FailureKind = failureKind.String
		o.Error = errText.String
		o.RawPath = rawPath.String
		o.MergedPath = mergedPath.String
		if links.Valid {
			json.Unmarshal([]byte(links.String), &o.LinksAttempted)
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var r Run
	var startedAt, finishedAt string

	err := row.Scan(&r.ID, &startedAt, &finishedAt, &r.CatalogPath, &r.OutputDir,
		&r.Mode, &r.Workers, &r.Total, &r.Done, &r.Skipped, &r.Failed, &r.Interrupted)
	if err != nil {
		return r, err
	}

	r.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
	r.FinishedAt, _ = time.Parse(time.RFC3339, finishedAt)
	return r, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
