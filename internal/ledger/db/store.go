// Package db provides the local SQLite cache of synchronized ledger entries.
//
// The store is the reconciliation point between the remote ledger and local
// reporting. Every ledger kind has its own table keyed by the remote
// identifier, so re-running a sync updates rows in place instead of
// duplicating them.
//
// Architecture:
//   - Database file: bling.db by default (BLING_DB_PATH)
//   - WAL mode: reporting tools can read while a sync writes
//   - Schema: payable, receivable, sync_runs tables
//   - Indexes: due_date and status per ledger table
//
// A database file that SQLite reports as corrupted or not a database is moved
// aside and replaced by an empty one. See Recovery.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/shopspring/decimal"

	"github.com/mschirtzinger/ledgersync/internal/ledger/schema"
)

// Options configures Open.
type Options struct {
	Logger *slog.Logger

	// Now overrides the clock used for created_at/updated_at and backup names.
	Now func() time.Time
}

// Store wraps the SQLite connection holding the ledger tables.
type Store struct {
	conn     *sql.DB
	path     string
	logger   *slog.Logger
	now      func() time.Time
	recovery Recovery
}

// Open opens (creating if needed) the store at path and initializes its
// schema. A corrupted file is quarantined and replaced; Recovery reports
// when that happened.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	store, err := db.Open(ctx, "bling.db", db.Options{Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	s, err := open(ctx, path, opts)
	if err == nil {
		return s, nil
	}
	if !IsCorruption(err) {
		return nil, err
	}

	backup, qerr := quarantine(path, opts.Now())
	if qerr != nil {
		return nil, fmt.Errorf("failed to move corrupted database aside: %w (original error: %v)", qerr, err)
	}
	corruption := &StorageCorruptionError{Path: path, BackupPath: backup, Err: err}
	opts.Logger.Error("destructive recovery: local store was corrupted and has been recreated empty",
		"error", corruption, "backup", backup)

	s, err = open(ctx, path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to recreate database after corruption: %w", err)
	}
	s.recovery = Recovery{
		Corrupted:  true,
		BackupPath: backup,
		Cause:      corruption,
		At:         opts.Now(),
	}
	return s, nil
}

func open(ctx context.Context, path string, opts Options) (*Store, error) {
	// _pragma applies to every pooled connection.
	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn:   conn,
		path:   path,
		logger: opts.Logger,
		now:    opts.Now,
	}

	if err := s.InitSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Recovery reports whether Open had to replace a corrupted database.
func (s *Store) Recovery() Recovery {
	return s.recovery
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Warn("failed to checkpoint WAL", "error", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the ledger tables and indexes if they don't exist.
// This is idempotent - safe to call multiple times.
func (s *Store) InitSchema(ctx context.Context) error {
	for _, kind := range schema.Kinds {
		if _, err := s.conn.ExecContext(ctx, ledgerTableDDL(kind.Table())); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	if _, err := s.conn.ExecContext(ctx, syncRunsDDL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func ledgerTableDDL(table string) string {
	return fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		external_id TEXT NOT NULL UNIQUE,
		document_number TEXT,
		description TEXT,
		category TEXT,
		counterparty_id TEXT,
		counterparty_name TEXT,
		amount NUMERIC NOT NULL DEFAULT 0,
		issue_date TEXT,
		due_date TEXT,
		payment_date TEXT,
		status TEXT,
		raw_payload BLOB,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_%[1]s_due_date ON %[1]s(due_date);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_status ON %[1]s(status);
	`, table)
}

// Upsert inserts rec into the table of kind, or updates the row with the same
// external id. created_at is only set on insert.
func (s *Store) Upsert(ctx context.Context, kind schema.Kind, rec *schema.CanonicalRecord) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown ledger kind %q", kind)
	}
	if rec == nil || rec.ExternalID == "" {
		return ErrMissingExternalID
	}

	now := s.now().UTC().Format(time.RFC3339Nano)
	query := fmt.Sprintf(`
	INSERT INTO %s (
		external_id, document_number, description, category,
		counterparty_id, counterparty_name, amount,
		issue_date, due_date, payment_date, status, raw_payload,
		created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(external_id) DO UPDATE SET
		document_number = excluded.document_number,
		description = excluded.description,
		category = excluded.category,
		counterparty_id = excluded.counterparty_id,
		counterparty_name = excluded.counterparty_name,
		amount = excluded.amount,
		issue_date = excluded.issue_date,
		due_date = excluded.due_date,
		payment_date = excluded.payment_date,
		status = excluded.status,
		raw_payload = excluded.raw_payload,
		updated_at = excluded.updated_at
	`, kind.Table())

	_, err := s.conn.ExecContext(ctx, query,
		rec.ExternalID,
		rec.DocumentNumber,
		rec.Description,
		rec.Category,
		rec.CounterpartyID,
		rec.CounterpartyName,
		rec.Amount,
		rec.IssueDate,
		rec.DueDate,
		rec.PaymentDate,
		rec.Status,
		[]byte(rec.RawPayload),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert %s %s: %w", kind, rec.ExternalID, err)
	}
	return nil
}

// Get retrieves one stored record by external id.
// Returns sql.ErrNoRows (wrapped) if the record is not found.
func (s *Store) Get(ctx context.Context, kind schema.Kind, externalID string) (*schema.StoredRecord, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown ledger kind %q", kind)
	}

	query := fmt.Sprintf(`
		SELECT id, external_id, document_number, description, category,
		       counterparty_id, counterparty_name, amount,
		       issue_date, due_date, payment_date, status, raw_payload,
		       created_at, updated_at
		FROM %s WHERE external_id = ?`, kind.Table())

	var rec schema.StoredRecord
	var amount decimal.NullDecimal
	var docNum, desc, category, cpID, cpName, issue, due, paid, status sql.NullString
	var raw []byte
	var createdAt, updatedAt string

	err := s.conn.QueryRowContext(ctx, query, externalID).Scan(
		&rec.RowID,
		&rec.ExternalID,
		&docNum,
		&desc,
		&category,
		&cpID,
		&cpName,
		&amount,
		&issue,
		&due,
		&paid,
		&status,
		&raw,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s %s: %w", kind, externalID, err)
	}

	rec.DocumentNumber = docNum.String
	rec.Description = desc.String
	rec.Category = category.String
	rec.CounterpartyID = cpID.String
	rec.CounterpartyName = cpName.String
	rec.Amount = amount.Decimal
	rec.IssueDate = issue.String
	rec.DueDate = due.String
	rec.PaymentDate = paid.String
	rec.Status = status.String
	if len(raw) > 0 {
		rec.RawPayload = json.RawMessage(raw)
	}
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)

	return &rec, nil
}

// Count returns the number of rows stored for kind.
func (s *Store) Count(ctx context.Context, kind schema.Kind) (int, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("unknown ledger kind %q", kind)
	}
	var count int
	err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+kind.Table()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", kind, err)
	}
	return count, nil
}

// ForEachRaw calls fn with the external id and raw payload of every stored
// record of kind, in insertion order. Iteration stops at the first error fn
// returns.
func (s *Store) ForEachRaw(ctx context.Context, kind schema.Kind, fn func(externalID string, raw json.RawMessage) error) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown ledger kind %q", kind)
	}

	rows, err := s.conn.QueryContext(ctx, "SELECT external_id, raw_payload FROM "+kind.Table()+" ORDER BY id")
	if err != nil {
		return fmt.Errorf("failed to query %s payloads: %w", kind, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return fmt.Errorf("failed to scan %s payload: %w", kind, err)
		}
		if err := fn(id, json.RawMessage(raw)); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating %s payloads: %w", kind, err)
	}
	return nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
