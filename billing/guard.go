/*
guard.go - Uniqueness enforcement for numbers and work units

PURPOSE:
  Enforces that no two invoices share a (biller, number) pair and that no
  billable unit of work is invoiced twice. Surfaces structured conflicts
  naming every offending reference, so a caller can resubmit a reduced
  batch instead of guessing.

CORRECTNESS MODEL:
  The pre-check here is an optimization for good error messages. The
  store's unique constraints are the final authority: the pre-check and
  the eventual insert run inside one store transaction, and a constraint
  violation at insert time maps back to the same conflict errors. A race
  between validation and commit therefore cannot silently succeed twice.

EXPLICIT NUMBERS:
  Caller-supplied numbers bypass the allocator but pass the same check.
  On violation nothing was reserved, so the counter is untouched.
*/
package billing

import "context"

// BatchItem is one proposed invoice line in a submission.
type BatchItem struct {
	WorkUnitRef WorkUnitRef // empty = exempt from uniqueness
}

// UniquenessGuard validates proposed submissions against existing invoices.
type UniquenessGuard struct {
	Store Store
}

// ValidateBatch checks a proposed submission for one biller. Returns nil when
// the batch is clean, a *DuplicateWorkUnitError naming every already-invoiced
// ref, or a *DuplicateNumberError when explicitNumber collides. Must be called
// inside the same store transaction as the eventual insert.
func (g *UniquenessGuard) ValidateBatch(ctx context.Context, biller BillerID, explicitNumber *int64, items []BatchItem) error {
	refs := make([]WorkUnitRef, 0, len(items))
	seen := make(map[WorkUnitRef]bool, len(items))
	var intra []WorkUnitRef
	for _, it := range items {
		if it.WorkUnitRef == "" {
			continue
		}
		if seen[it.WorkUnitRef] {
			intra = append(intra, it.WorkUnitRef)
			continue
		}
		seen[it.WorkUnitRef] = true
		refs = append(refs, it.WorkUnitRef)
	}

	// A batch colliding with itself is rejected before touching the store.
	if len(intra) > 0 {
		return &DuplicateWorkUnitError{BillerID: biller, Refs: intra}
	}

	if len(refs) > 0 {
		taken, err := g.Store.FindInvoicedWorkUnits(ctx, refs)
		if err != nil {
			return err
		}
		if len(taken) > 0 {
			return &DuplicateWorkUnitError{BillerID: biller, Refs: taken}
		}
	}

	if explicitNumber != nil {
		existing, err := g.Store.GetInvoiceByNumber(ctx, biller, *explicitNumber)
		if err != nil {
			return err
		}
		if existing != nil {
			return &DuplicateNumberError{
				BillerID:          biller,
				Number:            *explicitNumber,
				ExistingInvoiceID: existing.ID,
			}
		}
	}

	return nil
}
