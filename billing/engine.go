/*
engine.go - Facade combining the four billing components

PURPOSE:
  The Engine is the surface collaborators call. It wires the allocator,
  guard, VAT calculator, and snapshot locker over one transactional store
  and enforces the submission control flow:

    guard pre-check -> number reservation (or explicit-number validation)
    -> VAT computation -> invoice insert, all inside one store
    transaction.

  The reserved number is burned if the transaction rolls back; explicit
  numbers never consume a counter value, including on conflict.

LIFECYCLE:
  Drafts are created without a number so abandoned drafts do not burn
  sequence values. Numbering happens on the draft -> submitted transition
  only. The status machine is forward-only with archived as an orthogonal
  terminal state; backward moves are a privileged external operation, not
  part of this core.
*/
package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Engine exposes the invoice numbering and revenue snapshot operations.
type Engine struct {
	store     TxStore
	allocator SequenceAllocator
	guard     UniquenessGuard
	vat       VATCalculator
	locker    RevenueSnapshotLocker
}

// NewEngine builds an Engine over the given transactional store.
func NewEngine(store TxStore) *Engine {
	return &Engine{
		store:     store,
		allocator: SequenceAllocator{Store: store},
		guard:     UniquenessGuard{Store: store},
		vat:       VATCalculator{},
		locker:    RevenueSnapshotLocker{Store: store},
	}
}

// Store exposes the underlying store for collaborator reads and fixtures.
func (e *Engine) Store() TxStore { return e.store }

// =============================================================================
// NUMBERING SURFACE
// =============================================================================

// ReserveNextNumber atomically issues the next number for key.
func (e *Engine) ReserveNextNumber(ctx context.Context, key SequenceKey) (int64, error) {
	return e.allocator.ReserveNext(ctx, key)
}

// SuggestNextNumber previews the next number without consuming it.
func (e *Engine) SuggestNextNumber(ctx context.Context, key SequenceKey) (int64, error) {
	return e.allocator.SuggestNext(ctx, key)
}

// RecomputeFromHistory backfills the counter from issued invoice numbers.
func (e *Engine) RecomputeFromHistory(ctx context.Context, key SequenceKey, actor string) (int64, error) {
	return e.allocator.RecomputeFromHistory(ctx, key, actor)
}

// =============================================================================
// INVOICE SUBMISSION
// =============================================================================

// SubmitLine is one proposed line of a submission.
type SubmitLine struct {
	WorkUnitRef WorkUnitRef // optional
	Hours       decimal.Decimal
	RateNet     Money
	WorkDate    time.Time
}

// SubmitInvoiceInput is a complete validate-and-submit request.
type SubmitInvoiceInput struct {
	BillerID BillerID

	// ExplicitNumber, when set, takes precedence over auto-assignment and
	// is validated against the uniqueness invariant.
	ExplicitNumber *int64

	// VATRateOverride is the invoice-level override in the resolution
	// chain: line -> invoice -> biller default -> system default.
	VATRateOverride *VATRate

	IssueDate time.Time
	Lines     []SubmitLine
}

// SubmitInvoice validates the batch, assigns a number, computes totals, and
// writes the invoice in the submitted state. Conflicts come back as
// *DuplicateWorkUnitError / *DuplicateNumberError with the full set of
// offending references; nothing is written on conflict, no duplicate is ever
// created, and prior invoices are unmodified.
//
// Ordering: the guard pre-flight runs before any reservation, so a rejected
// batch (explicit number included) leaves the counter untouched. The
// reservation itself commits independently: if the invoice write then fails,
// the number stays burned rather than being reissued. The final check and the
// insert share one store transaction, with the unique constraints as the
// final authority against races past the pre-flight.
func (e *Engine) SubmitInvoice(ctx context.Context, in SubmitInvoiceInput) (*Invoice, error) {
	biller, err := e.store.GetBiller(ctx, in.BillerID)
	if err != nil {
		return nil, err
	}
	if biller == nil {
		return nil, ErrBillerNotFound
	}

	items := make([]BatchItem, len(in.Lines))
	for i, l := range in.Lines {
		items[i] = BatchItem{WorkUnitRef: l.WorkUnitRef}
	}
	if err := e.guard.ValidateBatch(ctx, in.BillerID, in.ExplicitNumber, items); err != nil {
		return nil, err
	}

	number := int64(0)
	if in.ExplicitNumber != nil {
		number = *in.ExplicitNumber
	} else {
		number, err = e.allocator.ReserveNext(ctx, KeyFor(biller, in.IssueDate))
		if err != nil {
			return nil, err
		}
	}

	rate := e.vat.ResolveRate(in.VATRateOverride, biller.DefaultVATRate)

	inv := &Invoice{
		ID:        InvoiceID(uuid.NewString()),
		BillerID:  in.BillerID,
		Number:    &number,
		Status:    StatusSubmitted,
		VATRate:   rate,
		IssueDate: in.IssueDate,
	}
	for _, l := range in.Lines {
		inv.Lines = append(inv.Lines, InvoiceLine{
			ID:          uuid.NewString(),
			InvoiceID:   inv.ID,
			WorkUnitRef: l.WorkUnitRef,
			Hours:       l.Hours,
			RateNet:     l.RateNet,
			LineNet:     e.vat.LineNet(l.Hours, l.RateNet),
			WorkDate:    l.WorkDate,
		})
	}

	breakdown := e.vat.Compute(e.vat.SumLines(inv.Lines), rate)
	inv.Net, inv.VAT, inv.Gross = breakdown.Net, breakdown.VAT, breakdown.Gross

	err = e.store.WithTx(ctx, func(s Store) error {
		guard := UniquenessGuard{Store: s}
		if err := guard.ValidateBatch(ctx, in.BillerID, in.ExplicitNumber, items); err != nil {
			return err
		}
		return s.InsertInvoice(ctx, inv)
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// CreateDraft creates an unnumbered draft invoice. Drafts burn no sequence
// values; abandoned drafts can be archived freely.
func (e *Engine) CreateDraft(ctx context.Context, billerID BillerID, lines []SubmitLine) (*Invoice, error) {
	var out *Invoice
	err := e.store.WithTx(ctx, func(s Store) error {
		biller, err := s.GetBiller(ctx, billerID)
		if err != nil {
			return err
		}
		if biller == nil {
			return ErrBillerNotFound
		}

		// Draft lines claim their work units immediately so two drafts
		// cannot bill the same unit and race to submission.
		guard := UniquenessGuard{Store: s}
		items := make([]BatchItem, len(lines))
		for i, l := range lines {
			items[i] = BatchItem{WorkUnitRef: l.WorkUnitRef}
		}
		if err := guard.ValidateBatch(ctx, billerID, nil, items); err != nil {
			return err
		}

		inv := &Invoice{
			ID:       InvoiceID(uuid.NewString()),
			BillerID: billerID,
			Status:   StatusDraft,
		}
		for _, l := range lines {
			inv.Lines = append(inv.Lines, InvoiceLine{
				ID:          uuid.NewString(),
				InvoiceID:   inv.ID,
				WorkUnitRef: l.WorkUnitRef,
				Hours:       l.Hours,
				RateNet:     l.RateNet,
				LineNet:     e.vat.LineNet(l.Hours, l.RateNet),
				WorkDate:    l.WorkDate,
			})
		}
		if err := s.InsertInvoice(ctx, inv); err != nil {
			return err
		}
		out = inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SubmitDraft numbers an existing draft and moves it to submitted. The same
// guard applies; an explicit number is validated, otherwise the biller's
// counter assigns one. Same ordering as SubmitInvoice: pre-flight, then a
// self-committing reservation, then check+write in one transaction.
func (e *Engine) SubmitDraft(ctx context.Context, id InvoiceID, explicitNumber *int64, rateOverride *VATRate, issueDate time.Time) (*Invoice, error) {
	inv, err := e.store.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, ErrInvoiceNotFound
	}
	if !CanTransition(inv.Status, StatusSubmitted) {
		return nil, &InvalidTransitionError{InvoiceID: id, From: inv.Status, To: StatusSubmitted}
	}

	biller, err := e.store.GetBiller(ctx, inv.BillerID)
	if err != nil {
		return nil, err
	}
	if biller == nil {
		return nil, ErrBillerNotFound
	}

	// Lines were validated for work-unit uniqueness when the draft was
	// inserted; only the number needs checking here.
	if err := e.guard.ValidateBatch(ctx, inv.BillerID, explicitNumber, nil); err != nil {
		return nil, err
	}

	number := int64(0)
	if explicitNumber != nil {
		number = *explicitNumber
	} else {
		number, err = e.allocator.ReserveNext(ctx, KeyFor(biller, issueDate))
		if err != nil {
			return nil, err
		}
	}

	rate := e.vat.ResolveRate(rateOverride, biller.DefaultVATRate)

	var out *Invoice
	err = e.store.WithTx(ctx, func(s Store) error {
		guard := UniquenessGuard{Store: s}
		if err := guard.ValidateBatch(ctx, inv.BillerID, &number, nil); err != nil {
			return err
		}
		if err := s.SetInvoiceNumber(ctx, id, number, rate, issueDate); err != nil {
			return err
		}
		out, err = s.GetInvoice(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// =============================================================================
// STATUS TRANSITIONS
// =============================================================================

// Transition moves an invoice along the status machine. Submission is not
// reachable from here; use SubmitDraft so numbering cannot be bypassed.
func (e *Engine) Transition(ctx context.Context, id InvoiceID, to InvoiceStatus) error {
	if to == StatusSubmitted {
		return &InvalidTransitionError{InvoiceID: id, From: "", To: to}
	}
	return e.store.WithTx(ctx, func(s Store) error {
		inv, err := s.GetInvoice(ctx, id)
		if err != nil {
			return err
		}
		if inv == nil {
			return ErrInvoiceNotFound
		}
		if !CanTransition(inv.Status, to) {
			return &InvalidTransitionError{InvoiceID: id, From: inv.Status, To: to}
		}
		return s.UpdateInvoiceStatus(ctx, id, to)
	})
}

// =============================================================================
// REVENUE SNAPSHOTS
// =============================================================================

// LockRevenueSnapshot freezes the revenue figures for a closed job.
func (e *Engine) LockRevenueSnapshot(ctx context.Context, jobID JobID, force bool, actor string) (*LockResult, error) {
	return e.locker.Lock(ctx, jobID, force, actor)
}

// LockAllRevenueSnapshots locks every job; per-job failures don't abort the
// batch.
func (e *Engine) LockAllRevenueSnapshots(ctx context.Context, force bool, actor string) ([]LockResult, map[JobID]error) {
	return e.locker.LockAll(ctx, force, actor)
}

// KeyFor picks the counter key for a biller: agents are keyed by id,
// suppliers by prefix+issue year.
func KeyFor(b *Biller, issueDate time.Time) SequenceKey {
	if b.Kind == BillerSupplier {
		year := issueDate.Year()
		if issueDate.IsZero() {
			year = time.Now().UTC().Year()
		}
		prefix := b.SequencePrefix
		if prefix == "" {
			prefix = string(b.ID)
		}
		return SupplierKey(prefix, year)
	}
	return AgentKey(b.ID)
}
