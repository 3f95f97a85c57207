// Package sync provides the orchestration that pulls remote ledgers into the
// local store.
package sync

import (
	"context"
	"time"

	"github.com/mschirtzinger/ledgersync/internal/ledger/schema"
)

// Syncer keeps the local store in sync with the remote ledgers.
//
// The syncer walks every page of a ledger kind, normalizes each item and
// upserts it. Items without a remote identifier are skipped and counted, not
// treated as errors. Any other failure aborts the current kind; records
// already written stay written, and the next run converges because upserts
// are idempotent.
type Syncer interface {
	// SyncLedger pulls one ledger kind.
	//
	// A sync_runs row is recorded for the run whether it succeeds or not.
	// The returned Result carries the counters even when err is non-nil.
	//
	// Example:
	//   res, err := syncer.SyncLedger(ctx, schema.Payable)
	SyncLedger(ctx context.Context, kind schema.Kind) (Result, error)

	// SyncAll pulls every configured ledger kind in order.
	//
	// A failure on one kind does not prevent the next kind from running,
	// unless the failure is fatal (missing configuration or rejected
	// credentials), in which case the remaining kinds are skipped. The first
	// error encountered is returned.
	//
	// Example:
	//   report, err := syncer.SyncAll(ctx)
	SyncAll(ctx context.Context) (Report, error)
}

// Store is the subset of the ledger store the syncer writes to.
type Store interface {
	Upsert(ctx context.Context, kind schema.Kind, rec *schema.CanonicalRecord) error
	BeginRun(ctx context.Context, kind schema.Kind) (*schema.SyncRun, error)
	FinishRun(ctx context.Context, run *schema.SyncRun) error
}

// Observer is notified after every ledger-kind run.
type Observer interface {
	OnLedgerSynced(res Result)
	OnLedgerFailed(res Result, err error)
}

// Result summarizes one ledger-kind run.
type Result struct {
	Kind     schema.Kind   `json:"kind"`
	RunID    string        `json:"run_id"`
	Items    int           `json:"items"`
	Skipped  int           `json:"skipped"`
	Pages    int           `json:"pages"`
	Duration time.Duration `json:"duration"`
}

// Report summarizes a SyncAll call.
type Report struct {
	Results []Result
	Errors  map[schema.Kind]error
}

// Items returns the number of records written across all kinds.
func (r Report) Items() int {
	n := 0
	for _, res := range r.Results {
		n += res.Items
	}
	return n
}

// Failed reports whether any kind failed.
func (r Report) Failed() bool {
	return len(r.Errors) > 0
}
