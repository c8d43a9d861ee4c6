/*
sequence.go - Per-key monotonic invoice number allocation

PURPOSE:
  Issues the next integer in a per-biller counter. Agents are keyed by
  biller id (counter lives on the biller row); suppliers by prefix+year
  (counter lives in the invoice_sequences relation).

GUARANTEES:
  - Returned values are strictly increasing per key, under any concurrency.
  - A value once issued is never reissued, even if the invoice that
    consumed it is later deleted or its transaction rolls back. Gaps are
    an accepted consequence: numbering is unique and monotonic, not
    contiguous.
  - A missing counter is initialized transactionally; a lost
    create-if-absent race is retried here, bounded, and never surfaces to
    the end caller.

SEE ALSO:
  - store.go: the atomicity contract ReserveNext implementations must meet
  - guard.go: explicit caller-supplied numbers bypass this allocator
*/
package billing

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// initRaceRetries bounds retries of a lost counter-initialization race.
const initRaceRetries = 3

// SequenceAllocator issues invoice numbers from per-key counters.
type SequenceAllocator struct {
	Store Store
}

// ReserveNext issues the next number for key. The increment is atomic
// against the counter row; concurrent callers never receive the same value.
func (a *SequenceAllocator) ReserveNext(ctx context.Context, key SequenceKey) (int64, error) {
	var lastErr error
	for attempt := 0; attempt <= initRaceRetries; attempt++ {
		n, err := a.Store.ReserveNext(ctx, key)
		if err == nil {
			return n, nil
		}
		if !errors.Is(err, ErrCounterInitRace) {
			return 0, err
		}
		lastErr = err
	}
	return 0, lastErr
}

// SuggestNext previews the value the next reservation would return without
// consuming it. Purely advisory: a concurrent reservation may take it first.
func (a *SequenceAllocator) SuggestNext(ctx context.Context, key SequenceKey) (int64, error) {
	return a.Store.PeekNext(ctx, key)
}

// RecomputeFromHistory sets the counter to max(issued numbers for key) + 1.
// Used once when migrating a biller from unnumbered to numbered invoices.
// Idempotent: repeated runs are no-ops, and the counter never decreases.
// Recorded as an audit event since it rewrites numbering state.
func (a *SequenceAllocator) RecomputeFromHistory(ctx context.Context, key SequenceKey, actor string) (int64, error) {
	max, err := a.Store.MaxIssuedNumber(ctx, key)
	if err != nil {
		return 0, err
	}
	next := max + 1
	if err := a.Store.SetNextIfGreater(ctx, key, next); err != nil {
		return 0, err
	}

	ev := AuditEvent{
		ID:      uuid.NewString(),
		At:      time.Now().UTC(),
		Action:  AuditSequenceRecompute,
		ActorID: actor,
		Key:     key.String(),
		Detail:  map[string]string{"next": strconv.FormatInt(next, 10)},
	}
	if err := a.Store.AppendAudit(ctx, ev); err != nil {
		return 0, err
	}

	// Report the effective next value, which may exceed max+1 if the
	// counter was already ahead.
	return a.Store.PeekNext(ctx, key)
}
