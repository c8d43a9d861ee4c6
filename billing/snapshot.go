/*
snapshot.go - One-time freeze of a job's revenue figures

PURPOSE:
  Computes billable hours and revenue for a completed job from its time
  entries and writes net/VAT/gross once, idempotently, as an immutable
  snapshot. Once a job's revenue has been reported, later edits to job
  data must not silently drift the reported figures; the lock converts a
  mutable computation into an immutable fact.

BEHAVIOR (Lock):
  1. Recompute billable hours from time entries with the current billing
     parameters. Always allowed, always written back, lock or no lock.
  2. Already locked and force is false: return skipped, change nothing
     else. Bit-for-bit idempotent.
  3. Otherwise compute net/VAT/gross via the VAT calculator and write all
     three snapshot fields atomically.
  4. force=true overwrites an existing lock. Manual financial correction
     only; recorded as an audit event.

HOURS MODEL:
  hours = sum of entry durations, unless a manual override is present.
  net   = hours * hourly_rate
        + first_hour_premium per time entry (each callout's first hour)
        + notice_fee once per job.
*/
package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// LOCK RESULT
// =============================================================================

type LockOutcome string

const (
	LockOutcomeLocked  LockOutcome = "locked"
	LockOutcomeSkipped LockOutcome = "skipped"
)

// LockResult reports what a lock attempt did and the figures on the row
// afterwards.
type LockResult struct {
	JobID   JobID
	Outcome LockOutcome
	Hours   decimal.Decimal
	Net     Money
	VAT     Money
	Gross   Money
}

// =============================================================================
// REVENUE SNAPSHOT LOCKER
// =============================================================================

type RevenueSnapshotLocker struct {
	Store TxStore
	VAT   VATCalculator
}

// Lock freezes the revenue snapshot for jobID. See the package comment for
// the exact semantics. Safe to call repeatedly; only force changes an
// existing lock.
func (l *RevenueSnapshotLocker) Lock(ctx context.Context, jobID JobID, force bool, actor string) (*LockResult, error) {
	var result *LockResult
	err := l.Store.WithTx(ctx, func(s Store) error {
		jb, err := s.GetJobBilling(ctx, jobID)
		if err != nil {
			return err
		}
		if jb == nil {
			return &MissingBillingRowError{JobID: jobID}
		}

		entries, err := s.ListTimeEntries(ctx, jobID)
		if err != nil {
			return err
		}

		hours := billableHours(jb, entries)
		if err := s.UpdateBillableHours(ctx, jobID, hours); err != nil {
			return err
		}

		if jb.Locked() && !force {
			result = &LockResult{
				JobID:   jobID,
				Outcome: LockOutcomeSkipped,
				Hours:   hours,
				Net:     jb.RevenueNetSnapshot,
				VAT:     jb.RevenueVATSnapshot,
				Gross:   jb.RevenueGrossSnapshot,
			}
			return nil
		}

		// Same rate chain as submission: job override, then the assigned
		// biller's default, then the system default.
		var billerDefault *VATRate
		if jb.BillerID != "" {
			b, err := s.GetBiller(ctx, jb.BillerID)
			if err != nil {
				return err
			}
			if b != nil {
				billerDefault = b.DefaultVATRate
			}
		}
		rate := l.VAT.ResolveRate(jb.VATRateOverride, billerDefault)
		net := hours.Mul(jb.HourlyRate).
			Add(jb.FirstHourPremium.Mul(decimal.NewFromInt(int64(len(entries))))).
			Add(jb.NoticeFee)
		breakdown := l.VAT.Compute(net, rate)

		now := time.Now().UTC()
		if err := s.WriteSnapshot(ctx, jobID, breakdown.Net, breakdown.VAT, breakdown.Gross, now); err != nil {
			return err
		}

		if force && jb.Locked() {
			ev := AuditEvent{
				ID:      uuid.NewString(),
				At:      now,
				Action:  AuditForceRelock,
				ActorID: actor,
				JobID:   jobID,
				Detail: map[string]string{
					"old_net":   jb.RevenueNetSnapshot.StringFixed(2),
					"old_gross": jb.RevenueGrossSnapshot.StringFixed(2),
					"new_net":   breakdown.Net.StringFixed(2),
					"new_gross": breakdown.Gross.StringFixed(2),
				},
			}
			if err := s.AppendAudit(ctx, ev); err != nil {
				return err
			}
		}

		result = &LockResult{
			JobID:   jobID,
			Outcome: LockOutcomeLocked,
			Hours:   hours,
			Net:     breakdown.Net,
			VAT:     breakdown.VAT,
			Gross:   breakdown.Gross,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// LockAll locks every job with a billing row. A job missing its row fails
// that job only; the batch continues and the error is reported per job.
func (l *RevenueSnapshotLocker) LockAll(ctx context.Context, force bool, actor string) ([]LockResult, map[JobID]error) {
	jobIDs, err := l.Store.ListJobIDs(ctx)
	if err != nil {
		return nil, map[JobID]error{"": err}
	}

	var results []LockResult
	failures := make(map[JobID]error)
	for _, id := range jobIDs {
		res, err := l.Lock(ctx, id, force, actor)
		if err != nil {
			failures[id] = err
			continue
		}
		results = append(results, *res)
	}
	if len(failures) == 0 {
		failures = nil
	}
	return results, failures
}

// billableHours computes the job's hours from its time entries, honoring a
// manual override when present.
func billableHours(jb *JobBilling, entries []TimeEntry) decimal.Decimal {
	if jb.BillableHoursOverride != nil {
		return *jb.BillableHoursOverride
	}
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Duration())
	}
	return total
}
