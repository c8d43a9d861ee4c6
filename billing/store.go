/*
store.go - Persistence interfaces for the billing engine

PURPOSE:
  Defines the boundary between the engine components and the database.
  The store's unique constraints are the final authority on the numbering
  and double-billing invariants; the guard's pre-checks are an optimization
  layered on top, never the sole correctness mechanism.

KEY INTERFACES:
  Store:   Row-level operations (billers, counters, invoices, job billing)
  TxStore: Transactional wrapper; one submission or lock runs inside one
           store transaction

COUNTER CONTRACT:
  ReserveNext must perform its read-increment-return as a single atomic
  unit against the counter row (conditional update with RETURNING, or an
  equivalent row lock). Separate read-then-write steps lose updates under
  concurrency. A missing counter row is initialized to 1; a lost
  create-if-absent race surfaces as ErrCounterInitRace for the caller to
  retry.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: production SQLite store. The same SQL shapes
    apply to PostgreSQL with only dialect differences.

SEE ALSO:
  - sequence.go: retry loop over ReserveNext
  - guard.go:    pre-checks via FindInvoicedWorkUnits / GetInvoiceByNumber
  - snapshot.go: WriteSnapshot atomicity
*/
package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - Row-level persistence
// =============================================================================

type Store interface {
	// --- Billers ---

	SaveBiller(ctx context.Context, b Biller) error
	GetBiller(ctx context.Context, id BillerID) (*Biller, error)
	ListBillers(ctx context.Context) ([]Biller, error)

	// --- Numbering counters ---

	// ReserveNext atomically issues the next number for key, initializing a
	// missing counter to 1. Returns ErrCounterInitRace on a lost
	// create-if-absent race; callers retry.
	ReserveNext(ctx context.Context, key SequenceKey) (int64, error)

	// PeekNext returns the value the next reservation would yield, without
	// consuming it. Returns 1 for a counter that does not exist yet.
	PeekNext(ctx context.Context, key SequenceKey) (int64, error)

	// SetNextIfGreater raises the counter to next, never lowering it.
	// Creates the counter row if absent.
	SetNextIfGreater(ctx context.Context, key SequenceKey, next int64) error

	// MaxIssuedNumber returns the highest invoice number currently on record
	// under key, or 0 if none. Recompute callers pair this with
	// SetNextIfGreater so a deleted invoice can never lower the counter.
	MaxIssuedNumber(ctx context.Context, key SequenceKey) (int64, error)

	// --- Invoices ---

	// InsertInvoice writes an invoice and its lines. Unique constraint
	// violations come back as ErrDuplicateNumber / ErrDuplicateWorkUnit.
	InsertInvoice(ctx context.Context, inv *Invoice) error

	GetInvoice(ctx context.Context, id InvoiceID) (*Invoice, error)
	GetInvoiceByNumber(ctx context.Context, biller BillerID, number int64) (*Invoice, error)
	ListInvoices(ctx context.Context, biller BillerID) ([]Invoice, error)

	// SetInvoiceNumber records the number assigned on submission together
	// with the status move and the VAT rate snapshot.
	SetInvoiceNumber(ctx context.Context, id InvoiceID, number int64, rate VATRate, issued time.Time) error

	UpdateInvoiceStatus(ctx context.Context, id InvoiceID, status InvoiceStatus) error

	// FindInvoicedWorkUnits returns the subset of refs already referenced by
	// any invoice line, system-wide.
	FindInvoicedWorkUnits(ctx context.Context, refs []WorkUnitRef) ([]WorkUnitRef, error)

	// --- Job billing & time entries ---

	SaveJobBilling(ctx context.Context, jb JobBilling) error
	GetJobBilling(ctx context.Context, jobID JobID) (*JobBilling, error)
	ListJobIDs(ctx context.Context) ([]JobID, error)

	// UpdateBillableHours writes back the recomputed hours. Allowed whether
	// or not the snapshot is locked.
	UpdateBillableHours(ctx context.Context, jobID JobID, hours decimal.Decimal) error

	// WriteSnapshot writes all three snapshot fields and the lock time in
	// one statement.
	WriteSnapshot(ctx context.Context, jobID JobID, net, vat, gross Money, lockedAt time.Time) error

	SaveTimeEntry(ctx context.Context, e TimeEntry) error
	ListTimeEntries(ctx context.Context, jobID JobID) ([]TimeEntry, error)

	// --- Audit trail (append-only) ---

	AppendAudit(ctx context.Context, ev AuditEvent) error
	ListAudit(ctx context.Context, limit int) ([]AuditEvent, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support. A submission's final
// uniqueness check and its invoice insert share one WithTx call so a race
// between validation and commit cannot silently succeed twice. Number
// reservations run outside WithTx and commit on their own: a submission that
// fails after reserving leaves the number burned.
type TxStore interface {
	Store

	// WithTx executes fn within a store transaction. fn returning an error
	// rolls back every write made through the transaction-scoped Store.
	WithTx(ctx context.Context, fn func(Store) error) error
}
