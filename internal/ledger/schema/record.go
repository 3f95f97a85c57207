package schema

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// CanonicalRecord is the version-agnostic representation of one ledger entry.
//
// Dates are kept exactly as the remote sent them. RawPayload always holds the
// complete original item so fields the normalizer does not understand yet can
// be recovered later.
type CanonicalRecord struct {
	// ===== Identification =====
	ExternalID     string `json:"external_id"`
	DocumentNumber string `json:"document_number,omitempty"`

	// ===== Content =====
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`

	// ===== Counterparty =====
	CounterpartyID   string `json:"counterparty_id,omitempty"`
	CounterpartyName string `json:"counterparty_name,omitempty"`

	// ===== Money & dates =====
	Amount      decimal.Decimal `json:"amount"`
	IssueDate   string          `json:"issue_date,omitempty"`
	DueDate     string          `json:"due_date,omitempty"`
	PaymentDate string          `json:"payment_date,omitempty"`

	// ===== Lifecycle =====
	Status string `json:"status,omitempty"`

	RawPayload json.RawMessage `json:"raw_payload,omitempty"`
}

// StoredRecord is a CanonicalRecord as persisted in a ledger table.
type StoredRecord struct {
	CanonicalRecord
	RowID     int64     `json:"row_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SameContent reports whether two records carry identical normalized fields.
func (r *CanonicalRecord) SameContent(other *CanonicalRecord) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.ExternalID == other.ExternalID &&
		r.DocumentNumber == other.DocumentNumber &&
		r.Description == other.Description &&
		r.Category == other.Category &&
		r.CounterpartyID == other.CounterpartyID &&
		r.CounterpartyName == other.CounterpartyName &&
		r.Amount.Equal(other.Amount) &&
		r.IssueDate == other.IssueDate &&
		r.DueDate == other.DueDate &&
		r.PaymentDate == other.PaymentDate &&
		r.Status == other.Status &&
		string(r.RawPayload) == string(other.RawPayload)
}

// Run statuses recorded in sync_runs.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// SyncRun is the audit row written for every ledger-kind synchronization.
type SyncRun struct {
	ID         string
	Kind       Kind
	StartedAt  time.Time
	FinishedAt *time.Time
	Items      int
	Skipped    int
	Pages      int
	Status     string
	Error      string
}

// Duration returns how long the run took, or zero while it is running.
func (r *SyncRun) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
