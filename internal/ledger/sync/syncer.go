package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mschirtzinger/ledgersync/internal/bling"
	"github.com/mschirtzinger/ledgersync/internal/ledger/db"
	"github.com/mschirtzinger/ledgersync/internal/ledger/schema"
)

// Options configures a Syncer.
type Options struct {
	// PageSize is the number of items requested per page.
	PageSize int

	// Kinds lists the ledgers SyncAll pulls, in order. Defaults to schema.Kinds.
	Kinds []schema.Kind

	Observers []Observer
	Logger    *slog.Logger
}

// syncer implements the Syncer interface.
type syncer struct {
	store     Store
	fetch     bling.FetchFunc
	pageSize  int
	kinds     []schema.Kind
	observers []Observer
	logger    *slog.Logger
}

// New creates a new Syncer instance.
//
// The store must already be open with its schema initialized. fetch is
// usually (*bling.Client).Fetch.
//
// If opts.Logger is nil, a default logger writing to stderr is used.
//
// Example:
//
//	store, err := db.Open(ctx, "bling.db", db.Options{})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//	syncer := sync.New(store, client.Fetch, sync.Options{})
func New(store Store, fetch bling.FetchFunc, opts Options) Syncer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil)).With("component", "sync")
	}
	kinds := opts.Kinds
	if len(kinds) == 0 {
		kinds = schema.Kinds
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = bling.DefaultPageSize
	}
	return &syncer{
		store:     store,
		fetch:     fetch,
		pageSize:  pageSize,
		kinds:     kinds,
		observers: opts.Observers,
		logger:    logger,
	}
}

// SyncLedger implements Syncer.SyncLedger.
func (s *syncer) SyncLedger(ctx context.Context, kind schema.Kind) (Result, error) {
	res := Result{Kind: kind}
	if !kind.Valid() {
		return res, fmt.Errorf("unknown ledger kind %q", kind)
	}

	run, err := s.store.BeginRun(ctx, kind)
	if err != nil {
		return res, err
	}
	res.RunID = run.ID
	start := time.Now()

	s.logger.Info("starting ledger sync", "kind", kind, "run_id", run.ID)
	err = s.walk(ctx, kind, &res)
	res.Duration = time.Since(start)

	run.Items, run.Skipped, run.Pages = res.Items, res.Skipped, res.Pages
	if err != nil {
		run.Status = schema.RunFailed
		run.Error = err.Error()
	} else {
		run.Status = schema.RunSucceeded
	}
	// The audit row is written even if ctx was cancelled mid-run.
	if ferr := s.store.FinishRun(context.WithoutCancel(ctx), run); ferr != nil {
		s.logger.Error("failed to record sync run", "kind", kind, "run_id", run.ID, "error", ferr)
	}

	if err != nil {
		s.logger.Error("ledger sync failed",
			"kind", kind, "items", res.Items, "skipped", res.Skipped, "pages", res.Pages, "error", err)
		for _, o := range s.observers {
			o.OnLedgerFailed(res, err)
		}
		return res, err
	}

	s.logger.Info("ledger sync complete",
		"kind", kind, "items", res.Items, "skipped", res.Skipped, "pages", res.Pages, "duration", res.Duration)
	for _, o := range s.observers {
		o.OnLedgerSynced(res)
	}
	return res, nil
}

// walk pages through kind and upserts every item with an external id.
func (s *syncer) walk(ctx context.Context, kind schema.Kind, res *Result) error {
	w := bling.Walk(s.fetch, kind, s.pageSize)
	for w.Next(ctx) {
		res.Pages = w.Pages()
		for _, raw := range w.Batch() {
			rec := schema.Normalize(raw, kind)
			if err := s.store.Upsert(ctx, kind, &rec); err != nil {
				if errors.Is(err, db.ErrMissingExternalID) {
					s.logger.Warn("skipping item without external id", "kind", kind, "page", w.Page())
					res.Skipped++
					continue
				}
				return fmt.Errorf("failed to store %s %s: %w", kind, rec.ExternalID, err)
			}
			res.Items++
		}
		s.logger.Debug("page synced", "kind", kind, "page", w.Page(), "shape", w.Shape(), "items", len(w.Batch()))
	}
	return w.Err()
}

// SyncAll implements Syncer.SyncAll.
func (s *syncer) SyncAll(ctx context.Context) (Report, error) {
	report := Report{Errors: make(map[schema.Kind]error)}
	var firstErr error

	for _, kind := range s.kinds {
		if err := ctx.Err(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			break
		}

		res, err := s.SyncLedger(ctx, kind)
		report.Results = append(report.Results, res)
		if err == nil {
			continue
		}

		report.Errors[kind] = err
		if firstErr == nil {
			firstErr = err
		}
		if bling.IsFatal(err) {
			s.logger.Error("fatal error, skipping remaining ledgers", "kind", kind, "error", err)
			break
		}
	}

	s.logger.Info("sync complete", "items", report.Items(), "failed_kinds", len(report.Errors))
	return report, firstErr
}
