/*
Package billing provides the invoice numbering and revenue snapshot engine.

PURPOSE:
  This package contains the domain types and algorithms at the financial core
  of the dispatch application: allocating unique invoice numbers per biller,
  preventing double-billing of work units, computing VAT, and freezing the
  revenue figures of a closed job so later edits cannot rewrite history.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: a 2dp monetary amount backed by decimal.Decimal
  - VATRate: a tax rate with 4dp precision (0.2000 = 20%)
  - SequenceKey: identifies a numbering counter (agent id, or prefix+year)
  - Biller / Invoice / InvoiceLine / JobBilling: the persisted relations

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal everywhere money or hours appear
  2. Immutability: issued numbers and locked snapshots are never reused/rewritten
  3. Type safety: typed identifiers prevent mixing biller and invoice ids
  4. Auditability: force re-locks and counter recomputes leave audit events

SEE ALSO:
  - sequence.go: SequenceAllocator
  - guard.go:    UniquenessGuard
  - vat.go:      VATCalculator
  - snapshot.go: RevenueSnapshotLocker
  - engine.go:   Facade combining the four components
*/
package billing

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY & RATES
// =============================================================================

// Money is a monetary amount. Stored and compared at full decimal precision;
// rounded to 2dp (half-up) only at the points the VAT calculator defines.
type Money = decimal.Decimal

// VATRate is a tax rate with 4 decimal places of precision, e.g. 0.2000.
// The extra precision supports jurisdictions with non-round rates.
type VATRate = decimal.Decimal

// DefaultVATRate is the system-wide fallback when neither the line, the
// invoice, nor the biller specifies a rate.
var DefaultVATRate = decimal.NewFromFloat(0.20)

// MustParseDecimal parses s, returning zero on failure. Test helper.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type BillerID string
type InvoiceID string
type JobID string

// WorkUnitRef identifies a billable unit of work (a job assignment or time
// entry). At most one invoice line may reference a given work unit across the
// whole system. The empty ref is exempt: multi-day and manual lines carry none.
type WorkUnitRef string

// =============================================================================
// SEQUENCE KEY - Identifies a numbering counter
// =============================================================================

// SequenceKey identifies one monotonic invoice number counter. Agents are
// keyed by their biller id; third-party suppliers by a (prefix, year) pair.
type SequenceKey struct {
	AgentID BillerID // agent path; set iff Prefix is empty
	Prefix  string   // supplier path
	Year    int      // supplier path
}

// AgentKey returns the counter key for an internal agent.
func AgentKey(id BillerID) SequenceKey {
	return SequenceKey{AgentID: id}
}

// SupplierKey returns the counter key for a supplier prefix+year sequence.
func SupplierKey(prefix string, year int) SequenceKey {
	return SequenceKey{Prefix: prefix, Year: year}
}

// IsAgent reports whether the key addresses an agent counter.
func (k SequenceKey) IsAgent() bool { return k.Prefix == "" }

func (k SequenceKey) String() string {
	if k.IsAgent() {
		return "agent:" + string(k.AgentID)
	}
	return "seq:" + k.Prefix + ":" + strconv.Itoa(k.Year)
}

// =============================================================================
// BILLER - Agent or supplier that owns a numbering sequence
// =============================================================================

type BillerKind string

const (
	BillerAgent    BillerKind = "agent"
	BillerSupplier BillerKind = "supplier"
)

type Biller struct {
	ID            BillerID
	Kind          BillerKind
	Name          string
	VATRegistered bool

	// DefaultVATRate overrides the system default when set.
	DefaultVATRate *VATRate

	// SequencePrefix keys supplier numbering (prefix+year). Ignored for
	// agents.
	SequencePrefix string

	// NextNumber is the agent-path counter: the next value to issue.
	// Mutated only by the SequenceAllocator. Zero means never initialized.
	NextNumber int64

	CreatedAt time.Time
}

// =============================================================================
// INVOICE - Numbered financial record with a forward-only status machine
// =============================================================================

type InvoiceStatus string

const (
	StatusDraft     InvoiceStatus = "draft"
	StatusSubmitted InvoiceStatus = "submitted"
	StatusSent      InvoiceStatus = "sent"
	StatusPaid      InvoiceStatus = "paid"
	StatusArchived  InvoiceStatus = "archived"
)

type Invoice struct {
	ID       InvoiceID
	BillerID BillerID

	// Number is nil while the invoice is a draft. Assigned exactly once on
	// the draft -> submitted transition; unique per biller when set.
	Number *int64

	Status    InvoiceStatus
	VATRate   VATRate // rate snapshot taken at submission
	IssueDate time.Time

	// Totals computed by the VAT calculator at submission. Net is the sum of
	// unrounded line nets rounded once at the aggregate.
	Net   Money
	VAT   Money
	Gross Money

	Lines []InvoiceLine

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Numbered reports whether a biller invoice number has been assigned.
func (inv *Invoice) Numbered() bool { return inv.Number != nil }

// CanEdit reports whether lines may still be modified.
func (inv *Invoice) CanEdit() bool { return inv.Status == StatusDraft }

// CanTransition reports whether the status machine permits from -> to.
// Forward-only: draft -> submitted -> sent -> paid. Archived is an orthogonal
// terminal state reachable from draft, submitted, or sent. No backward moves.
func CanTransition(from, to InvoiceStatus) bool {
	switch to {
	case StatusSubmitted:
		return from == StatusDraft
	case StatusSent:
		return from == StatusSubmitted
	case StatusPaid:
		return from == StatusSent
	case StatusArchived:
		return from == StatusDraft || from == StatusSubmitted || from == StatusSent
	}
	return false
}

type InvoiceLine struct {
	ID        string
	InvoiceID InvoiceID

	// WorkUnitRef links the line to the unit of work it bills. Empty is
	// allowed (manual / multi-day lines) and exempt from uniqueness.
	WorkUnitRef WorkUnitRef

	Hours    decimal.Decimal
	RateNet  Money
	LineNet  Money // hours * rate_net, unrounded until aggregated
	WorkDate time.Time
}

// =============================================================================
// JOB BILLING - Mutable working figures plus the frozen revenue snapshot
// =============================================================================

type JobBilling struct {
	JobID JobID

	// BillerID is the biller assigned to the job. Empty when dispatch has
	// not assigned one yet; the snapshot locker then falls back from any
	// override straight to the system default rate.
	BillerID BillerID

	// Working parameters, freely mutable until the job is finalized.
	HourlyRate       Money
	FirstHourPremium Money // applied once per time entry
	NoticeFee        Money // applied once per job
	VATRateOverride  *VATRate

	// BillableHoursOverride, when set, replaces the hours computed from
	// time entries.
	BillableHoursOverride *decimal.Decimal

	// BillableHoursCalculated is written back by the snapshot locker on
	// every lock attempt, locked or not.
	BillableHoursCalculated decimal.Decimal

	// Snapshot fields. All three non-zero means the row is locked and only
	// a force re-lock may change them.
	RevenueNetSnapshot   Money
	RevenueVATSnapshot   Money
	RevenueGrossSnapshot Money
	LockedAt             *time.Time
}

// Locked reports whether the revenue snapshot has been frozen.
func (jb *JobBilling) Locked() bool {
	return !jb.RevenueNetSnapshot.IsZero() &&
		!jb.RevenueVATSnapshot.IsZero() &&
		!jb.RevenueGrossSnapshot.IsZero()
}

// =============================================================================
// TIME ENTRY - Collaborator data the locker reads
// =============================================================================

// TimeEntry is one unit of recorded work on a job. Written by the scheduling
// collaborator; this engine only reads them (and writes fixtures in tests).
type TimeEntry struct {
	ID       string
	JobID    JobID
	WorkDate time.Time

	// Either StartedAt/EndedAt are both set, or Hours carries the duration
	// directly (manual entries).
	StartedAt *time.Time
	EndedAt   *time.Time
	Hours     decimal.Decimal
}

// Duration returns the billable hours of the entry.
func (e TimeEntry) Duration() decimal.Decimal {
	if e.StartedAt != nil && e.EndedAt != nil {
		mins := e.EndedAt.Sub(*e.StartedAt).Minutes()
		return decimal.NewFromFloat(mins).Div(decimal.NewFromInt(60))
	}
	return e.Hours
}

// =============================================================================
// AUDIT EVENT - Financial audit trail (append-only)
// =============================================================================

type AuditAction string

const (
	AuditForceRelock       AuditAction = "force_relock"
	AuditSequenceRecompute AuditAction = "sequence_recompute"
)

// AuditEvent records a privileged financial operation: a force re-lock of a
// revenue snapshot, or a counter recomputation from history.
type AuditEvent struct {
	ID      string
	At      time.Time
	Action  AuditAction
	ActorID string
	JobID   JobID  // force_relock
	Key     string // sequence_recompute (SequenceKey.String())
	Detail  map[string]string
}
