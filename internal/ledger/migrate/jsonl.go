// Package migrate moves ledger data in and out of the local store as JSONL
// and re-derives normalized columns from stored raw payloads.
package migrate

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mschirtzinger/ledgersync/internal/ledger/schema"
)

// Upserter is the store surface Import writes to.
type Upserter interface {
	Upsert(ctx context.Context, kind schema.Kind, rec *schema.CanonicalRecord) error
}

// RawSource is the store surface Export reads from.
type RawSource interface {
	ForEachRaw(ctx context.Context, kind schema.Kind, fn func(externalID string, raw json.RawMessage) error) error
}

// Store is everything Renormalize needs.
type Store interface {
	Upserter
	RawSource
	Get(ctx context.Context, kind schema.Kind, externalID string) (*schema.StoredRecord, error)
}

// ImportOptions contains configuration for an import
type ImportOptions struct {
	FromJSONL string      // Input JSONL file of raw remote items
	Kind      schema.Kind // Ledger the items belong to
	DryRun    bool        // Parse and normalize without writing
}

// ImportResult contains statistics about the import
type ImportResult struct {
	Read     int
	Imported int
	Skipped  int // items without an external id
	Errors   []string
}

// ExportOptions contains configuration for an export
type ExportOptions struct {
	ToJSONL string
	Kind    schema.Kind
	Backup  bool // keep a timestamped copy of an existing output file
}

// ExportResult contains statistics about the export
type ExportResult struct {
	Written       int
	BackupCreated string
}

// RenormalizeResult contains statistics about a renormalize pass
type RenormalizeResult struct {
	Scanned int
	Updated int
}

// ReadJSONL decodes one raw item per value from r and calls fn for each.
// Values may span lines; blank lines are ignored.
func ReadJSONL(r io.Reader, fn func(n int, raw json.RawMessage) error) error {
	decoder := json.NewDecoder(bufio.NewReader(r))
	n := 0
	for {
		var raw json.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("invalid JSON at record %d: %w", n+1, err)
		}
		n++
		if err := fn(n, raw); err != nil {
			return err
		}
	}
}

// Import normalizes every item of a JSONL file and upserts it.
//
// Items without an external id are counted as skipped. A failed upsert is
// recorded in Errors and the import continues.
func Import(ctx context.Context, store Upserter, opts ImportOptions) (*ImportResult, error) {
	if !opts.Kind.Valid() {
		return nil, fmt.Errorf("unknown ledger kind %q", opts.Kind)
	}

	// #nosec G304 - controlled path from CLI
	file, err := os.Open(opts.FromJSONL)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()

	result := &ImportResult{}
	err = ReadJSONL(file, func(n int, raw json.RawMessage) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		result.Read++

		rec := schema.Normalize(raw, opts.Kind)
		if rec.ExternalID == "" {
			result.Skipped++
			return nil
		}
		if opts.DryRun {
			result.Imported++
			return nil
		}
		if err := store.Upsert(ctx, opts.Kind, &rec); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("record %d (%s): %v", n, rec.ExternalID, err))
			return nil
		}
		result.Imported++
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("failed to import %s: %w", opts.FromJSONL, err)
	}
	return result, nil
}

// Export writes the stored raw payload of every record of kind to w, one
// compact JSON object per line.
func Export(ctx context.Context, store RawSource, kind schema.Kind, w io.Writer) (int, error) {
	bw := bufio.NewWriter(w)
	n := 0
	err := store.ForEachRaw(ctx, kind, func(_ string, raw json.RawMessage) error {
		if _, err := bw.Write(raw); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("failed to export %s: %w", kind, err)
	}
	if err := bw.Flush(); err != nil {
		return n, fmt.Errorf("failed to flush export: %w", err)
	}
	return n, nil
}

// ExportFile exports kind to opts.ToJSONL, replacing the file atomically.
func ExportFile(ctx context.Context, store RawSource, opts ExportOptions) (*ExportResult, error) {
	result := &ExportResult{}

	if opts.Backup {
		if input, err := os.ReadFile(opts.ToJSONL); err == nil {
			backupPath := opts.ToJSONL + ".backup." + time.Now().Format("20060102-150405")
			if err := os.WriteFile(backupPath, input, 0600); err != nil {
				return nil, fmt.Errorf("failed to create backup: %w", err)
			}
			result.BackupCreated = backupPath
		}
	}

	if dir := filepath.Dir(opts.ToJSONL); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	// Write atomically via temp file
	tmpPath := opts.ToJSONL + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	n, err := Export(ctx, store, opts.Kind, f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close temp file: %w", cerr)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, err
	}

	if err := os.Rename(tmpPath, opts.ToJSONL); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to rename temp file: %w", err)
	}

	result.Written = n
	return result, nil
}

// Renormalize re-runs normalization over the stored raw payloads of kind and
// rewrites the records whose derived columns changed. Use it after the
// normalizer learns a new field.
func Renormalize(ctx context.Context, store Store, kind schema.Kind) (*RenormalizeResult, error) {
	type entry struct {
		id  string
		raw json.RawMessage
	}

	// Collect first so no read cursor is open while writing.
	var entries []entry
	err := store.ForEachRaw(ctx, kind, func(id string, raw json.RawMessage) error {
		entries = append(entries, entry{id: id, raw: raw})
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &RenormalizeResult{}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Scanned++

		rec := schema.Normalize(e.raw, kind)
		// The row key never changes, even if the id fallbacks did.
		rec.ExternalID = e.id

		current, err := store.Get(ctx, kind, e.id)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return result, err
		}
		if current != nil && current.SameContent(&rec) {
			continue
		}
		if err := store.Upsert(ctx, kind, &rec); err != nil {
			return result, err
		}
		result.Updated++
	}
	return result, nil
}
