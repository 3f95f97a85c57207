package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mschirtzinger/ledgersync/internal/ledger/schema"
)

const syncRunsDDL = `
	CREATE TABLE IF NOT EXISTS sync_runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		items INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		pages INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sync_runs_started ON sync_runs(started_at);
	`

// BeginRun records the start of a synchronization of kind.
func (s *Store) BeginRun(ctx context.Context, kind schema.Kind) (*schema.SyncRun, error) {
	run := &schema.SyncRun{
		ID:        uuid.NewString(),
		Kind:      kind,
		StartedAt: s.now().UTC(),
		Status:    schema.RunRunning,
	}

	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO sync_runs (id, kind, started_at, status) VALUES (?, ?, ?, ?)`,
		run.ID, string(kind), run.StartedAt.Format(time.RFC3339Nano), run.Status,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to record sync run: %w", err)
	}
	return run, nil
}

// FinishRun stores the final counters and status of run. An empty status is
// derived from run.Error.
func (s *Store) FinishRun(ctx context.Context, run *schema.SyncRun) error {
	finished := s.now().UTC()
	run.FinishedAt = &finished
	if run.Status == "" || run.Status == schema.RunRunning {
		run.Status = schema.RunSucceeded
		if run.Error != "" {
			run.Status = schema.RunFailed
		}
	}

	_, err := s.conn.ExecContext(ctx, `
		UPDATE sync_runs
		SET finished_at = ?, items = ?, skipped = ?, pages = ?, status = ?, error = ?
		WHERE id = ?`,
		finished.Format(time.RFC3339Nano),
		run.Items,
		run.Skipped,
		run.Pages,
		run.Status,
		sql.NullString{String: run.Error, Valid: run.Error != ""},
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish sync run %s: %w", run.ID, err)
	}
	return nil
}

// LastRuns returns up to limit runs, newest first.
func (s *Store) LastRuns(ctx context.Context, limit int) ([]schema.SyncRun, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, kind, started_at, finished_at, items, skipped, pages, status, error
		FROM sync_runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync runs: %w", err)
	}
	defer rows.Close()

	var runs []schema.SyncRun
	for rows.Next() {
		var run schema.SyncRun
		var kind, startedAt string
		var finishedAt, runErr sql.NullString

		if err := rows.Scan(
			&run.ID,
			&kind,
			&startedAt,
			&finishedAt,
			&run.Items,
			&run.Skipped,
			&run.Pages,
			&run.Status,
			&runErr,
		); err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}

		run.Kind = schema.Kind(kind)
		run.StartedAt = parseTime(startedAt)
		if finishedAt.Valid {
			t := parseTime(finishedAt.String)
			run.FinishedAt = &t
		}
		run.Error = runErr.String
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync runs: %w", err)
	}
	return runs, nil
}
