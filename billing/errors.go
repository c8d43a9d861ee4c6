/*
errors.go - Centralized error types for the billing engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers match with errors.Is / errors.As; structured variants carry the
  exact conflicting references so a caller can resubmit a reduced batch.

ERROR CATEGORIES:
  1. Conflict errors - duplicate numbers, double-billed work units
  2. Transient errors - counter init races, lock contention (retried)
  3. Store errors - database-level failures, surfaced unchanged

SEE ALSO:
  - guard.go:    returns the conflict errors
  - sequence.go: retries ErrCounterInitRace internally
  - snapshot.go: maps ErrSnapshotLocked to the skipped outcome
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateNumber is returned when an explicit invoice number collides
	// with an existing invoice for the same biller.
	ErrDuplicateNumber = errors.New("duplicate invoice number for biller")

	// ErrDuplicateWorkUnit is returned when one or more submitted lines
	// reference work units that are already invoiced.
	ErrDuplicateWorkUnit = errors.New("work unit already invoiced")

	// ErrCounterInitRace signals a lost race initializing a brand-new counter
	// key. Retried internally; never surfaced to the end caller.
	ErrCounterInitRace = errors.New("counter initialization race")

	// ErrSnapshotLocked signals that a job's revenue snapshot is already
	// frozen. Informational: the locker reports it as a skipped outcome.
	ErrSnapshotLocked = errors.New("revenue snapshot already locked")

	// ErrMissingBillingRow is returned when a job has no billing row at all.
	// Fatal for that job only; batch operations continue with the rest.
	ErrMissingBillingRow = errors.New("job has no billing row")

	// ErrInvalidTransition is returned for a disallowed invoice status move.
	ErrInvalidTransition = errors.New("invalid invoice status transition")

	// ErrBillerNotFound is returned when a referenced biller doesn't exist.
	ErrBillerNotFound = errors.New("biller not found")

	// ErrInvoiceNotFound is returned when a referenced invoice doesn't exist.
	ErrInvoiceNotFound = errors.New("invoice not found")

	// ErrStoreUnavailable wraps failures of the underlying transactional
	// store. The enclosing transaction has rolled back; no partial state.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrLockWait is returned on lock-wait timeout against the store.
	// The operation may be retried as a whole.
	ErrLockWait = errors.New("store lock wait timeout, try again")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// DuplicateNumberError reports an explicit number collision. The allocator's
// counter is left untouched: no number was consumed.
type DuplicateNumberError struct {
	BillerID          BillerID
	Number            int64
	ExistingInvoiceID InvoiceID
}

func (e *DuplicateNumberError) Error() string {
	return fmt.Sprintf("invoice number %d already used by biller %s (invoice %s)",
		e.Number, e.BillerID, e.ExistingInvoiceID)
}

func (e *DuplicateNumberError) Unwrap() error { return ErrDuplicateNumber }

// DuplicateWorkUnitError reports the full set of offending work unit refs so
// the caller can retry with the remainder of the batch.
type DuplicateWorkUnitError struct {
	BillerID BillerID
	Refs     []WorkUnitRef
}

func (e *DuplicateWorkUnitError) Error() string {
	return fmt.Sprintf("%d work unit(s) already invoiced: %v", len(e.Refs), e.Refs)
}

func (e *DuplicateWorkUnitError) Unwrap() error { return ErrDuplicateWorkUnit }

// MissingBillingRowError identifies the job a batch lock skipped.
type MissingBillingRowError struct {
	JobID JobID
}

func (e *MissingBillingRowError) Error() string {
	return fmt.Sprintf("job %s has no billing row", e.JobID)
}

func (e *MissingBillingRowError) Unwrap() error { return ErrMissingBillingRow }

// InvalidTransitionError reports a disallowed status machine move.
type InvalidTransitionError struct {
	InvoiceID InvoiceID
	From, To  InvoiceStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invoice %s: cannot move %s -> %s", e.InvoiceID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsConflict returns true for validation conflicts the caller can resolve
// (pick another number, resubmit a reduced batch).
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateNumber) || errors.Is(err, ErrDuplicateWorkUnit)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrCounterInitRace) || errors.Is(err, ErrLockWait)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBillerNotFound) ||
		errors.Is(err, ErrInvoiceNotFound) ||
		errors.Is(err, ErrMissingBillingRow)
}
