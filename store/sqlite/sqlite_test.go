package sqlite_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/billing-engine/billing"
	"github.com/fieldops/billing-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func num(n int64) *int64 { return &n }

// saveAgent satisfies the invoices -> billers foreign key before invoice
// fixtures are inserted.
func saveAgent(t *testing.T, store *sqlite.Store, id string) {
	t.Helper()
	require.NoError(t, store.SaveBiller(context.Background(), billing.Biller{
		ID:   billing.BillerID(id),
		Kind: billing.BillerAgent,
		Name: "Agent " + id,
	}))
}

func testInvoice(id, biller string, number *int64, refs ...string) *billing.Invoice {
	inv := &billing.Invoice{
		ID:       billing.InvoiceID(id),
		BillerID: billing.BillerID(biller),
		Number:   number,
		Status:   billing.StatusSubmitted,
		VATRate:  billing.MustParseDecimal("0.20"),
		Net:      billing.MustParseDecimal("100.00"),
		VAT:      billing.MustParseDecimal("20.00"),
		Gross:    billing.MustParseDecimal("120.00"),
	}
	for i, ref := range refs {
		inv.Lines = append(inv.Lines, billing.InvoiceLine{
			ID:          id + "-line-" + ref,
			InvoiceID:   inv.ID,
			WorkUnitRef: billing.WorkUnitRef(ref),
			Hours:       billing.MustParseDecimal("1"),
			RateNet:     billing.MustParseDecimal("40.00"),
			LineNet:     billing.MustParseDecimal("40.00"),
			WorkDate:    time.Date(2026, time.March, 1+i, 0, 0, 0, 0, time.UTC),
		})
	}
	return inv
}

// =============================================================================
// MIGRATION TESTS
// =============================================================================

func TestMigrate_LedgerRecordsEveryStep(t *testing.T) {
	// GIVEN: A fresh database
	// WHEN: Opening the store
	// THEN: All schema steps are applied and recorded in order

	store := newTestStore(t)

	applied, err := store.AppliedMigrations()
	require.NoError(t, err)
	require.Len(t, applied, 5)
	for i, m := range applied {
		assert.Equal(t, i+1, m.Version, "ledger must be ordered and gap-free")
		assert.NotEmpty(t, m.Description)
		assert.False(t, m.AppliedAt.IsZero())
	}
}

// =============================================================================
// CONSTRAINT AUTHORITY TESTS
// =============================================================================

func TestInsertInvoice_NumberConstraintMapped(t *testing.T) {
	// GIVEN: Invoice number 7 already stored for a biller
	// WHEN: Inserting another invoice with the same (biller, number) directly,
	//       bypassing the guard's pre-check
	// THEN: The unique index rejects it and the error maps to the structured
	//       duplicate-number conflict

	store := newTestStore(t)
	ctx := context.Background()
	saveAgent(t, store, "agent-1")

	require.NoError(t, store.InsertInvoice(ctx, testInvoice("inv-1", "agent-1", num(7))))

	err := store.InsertInvoice(ctx, testInvoice("inv-2", "agent-1", num(7)))
	require.Error(t, err)

	var dup *billing.DuplicateNumberError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, int64(7), dup.Number)
	assert.Equal(t, billing.InvoiceID("inv-1"), dup.ExistingInvoiceID)
}

func TestInsertInvoice_SameNumberDifferentBillers(t *testing.T) {
	// GIVEN: Two billers
	// WHEN: Both issue invoice number 1
	// THEN: Uniqueness is per biller, so both inserts succeed

	store := newTestStore(t)
	ctx := context.Background()
	saveAgent(t, store, "agent-1")
	saveAgent(t, store, "agent-2")

	require.NoError(t, store.InsertInvoice(ctx, testInvoice("inv-1", "agent-1", num(1))))
	require.NoError(t, store.InsertInvoice(ctx, testInvoice("inv-2", "agent-2", num(1))))
}

func TestInsertInvoice_WorkUnitConstraintMapped(t *testing.T) {
	// GIVEN: Work unit wu-9 already invoiced
	// WHEN: Inserting another invoice carrying wu-9 directly
	// THEN: The partial unique index rejects it and the error names wu-9

	store := newTestStore(t)
	ctx := context.Background()
	saveAgent(t, store, "agent-1")

	require.NoError(t, store.InsertInvoice(ctx, testInvoice("inv-1", "agent-1", num(1), "wu-9")))

	err := store.InsertInvoice(ctx, testInvoice("inv-2", "agent-1", num(2), "wu-9"))
	require.Error(t, err)

	var dup *billing.DuplicateWorkUnitError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, []billing.WorkUnitRef{"wu-9"}, dup.Refs)
}

func TestInsertInvoice_ConflictNamesOnlyForeignRefs(t *testing.T) {
	// GIVEN: Work unit wu-dup already invoiced
	// WHEN: A batch carrying a fresh ref plus wu-dup hits the constraint
	//       inside a transaction
	// THEN: Only wu-dup is reported; the batch's own fresh ref is not

	store := newTestStore(t)
	ctx := context.Background()
	saveAgent(t, store, "agent-1")

	require.NoError(t, store.InsertInvoice(ctx, testInvoice("inv-1", "agent-1", num(1), "wu-dup")))

	err := store.WithTx(ctx, func(s billing.Store) error {
		return s.InsertInvoice(ctx, testInvoice("inv-2", "agent-1", num(2), "wu-own", "wu-dup"))
	})
	require.Error(t, err)

	var dup *billing.DuplicateWorkUnitError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, []billing.WorkUnitRef{"wu-dup"}, dup.Refs)
}

func TestInsertInvoice_UnnumberedDraftsCoexist(t *testing.T) {
	// GIVEN: Two drafts without numbers for the same biller
	// WHEN: Inserting both
	// THEN: The partial index ignores NULL numbers; both are stored

	store := newTestStore(t)
	ctx := context.Background()
	saveAgent(t, store, "agent-1")

	d1 := testInvoice("inv-1", "agent-1", nil)
	d1.Status = billing.StatusDraft
	d2 := testInvoice("inv-2", "agent-1", nil)
	d2.Status = billing.StatusDraft

	require.NoError(t, store.InsertInvoice(ctx, d1))
	require.NoError(t, store.InsertInvoice(ctx, d2))

	invoices, err := store.ListInvoices(ctx, "agent-1")
	require.NoError(t, err)
	assert.Len(t, invoices, 2)
}

func TestInsertInvoice_UnknownBillerRejected(t *testing.T) {
	// GIVEN: No biller row
	// WHEN: Inserting an invoice that references it
	// THEN: The foreign key rejects the insert

	store := newTestStore(t)

	err := store.InsertInvoice(context.Background(), testInvoice("inv-1", "ghost", num(1)))
	require.Error(t, err)
	assert.ErrorIs(t, err, billing.ErrStoreUnavailable)
}

// =============================================================================
// COUNTER TESTS
// =============================================================================

func TestReserveNext_AgentCounterOnBillerRow(t *testing.T) {
	// GIVEN: A saved biller whose counter has never issued
	// WHEN: Reserving twice
	// THEN: 1 then 2, and the biller row reflects the next value

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveBiller(ctx, billing.Biller{
		ID:   "agent-1",
		Kind: billing.BillerAgent,
		Name: "Agent One",
	}))

	key := billing.AgentKey("agent-1")
	n, err := store.ReserveNext(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.ReserveNext(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	b, err := store.GetBiller(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, int64(3), b.NextNumber)
}

func TestSaveBiller_UpdateDoesNotResetCounter(t *testing.T) {
	// GIVEN: A biller whose counter has advanced
	// WHEN: Re-saving the biller (a rename)
	// THEN: The counter keeps its value

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveBiller(ctx, billing.Biller{
		ID: "agent-1", Kind: billing.BillerAgent, Name: "Before",
	}))
	_, err := store.ReserveNext(ctx, billing.AgentKey("agent-1"))
	require.NoError(t, err)

	require.NoError(t, store.SaveBiller(ctx, billing.Biller{
		ID: "agent-1", Kind: billing.BillerAgent, Name: "After",
	}))

	n, err := store.ReserveNext(ctx, billing.AgentKey("agent-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	b, err := store.GetBiller(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "After", b.Name)
}

func TestSetNextIfGreater_NeverMovesBackward(t *testing.T) {
	// GIVEN: A counter already at 10
	// WHEN: Setting it to 5, then to 12
	// THEN: Only the forward move takes effect

	store := newTestStore(t)
	ctx := context.Background()
	key := billing.SupplierKey("ACME", 2026)

	require.NoError(t, store.SetNextIfGreater(ctx, key, 10))
	require.NoError(t, store.SetNextIfGreater(ctx, key, 5))

	n, err := store.PeekNext(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)

	require.NoError(t, store.SetNextIfGreater(ctx, key, 12))
	n, err = store.PeekNext(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
}

func TestSetNextIfGreater_UnknownAgent(t *testing.T) {
	// GIVEN: No biller row
	// WHEN: Setting the agent counter
	// THEN: ErrBillerNotFound; agent counters live on biller rows

	store := newTestStore(t)

	err := store.SetNextIfGreater(context.Background(), billing.AgentKey("ghost"), 5)
	assert.True(t, errors.Is(err, billing.ErrBillerNotFound))
}

func TestPeekNext_FreshCounter(t *testing.T) {
	// GIVEN: A counter that has never issued
	// WHEN: Peeking
	// THEN: 1, without creating any row

	store := newTestStore(t)

	n, err := store.PeekNext(context.Background(), billing.SupplierKey("NEW", 2026))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMaxIssuedNumber_SupplierJoinsByPrefixAndYear(t *testing.T) {
	// GIVEN: A supplier with invoices in two years
	// WHEN: Reading the max issued number per (prefix, year)
	// THEN: Each year sees only its own invoices

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveBiller(ctx, billing.Biller{
		ID:             "sup-1",
		Kind:           billing.BillerSupplier,
		Name:           "Acme Plumbing",
		SequencePrefix: "ACME",
	}))

	in2025 := testInvoice("inv-1", "sup-1", num(4))
	in2025.IssueDate = time.Date(2025, time.November, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.InsertInvoice(ctx, in2025))

	in2026 := testInvoice("inv-2", "sup-1", num(2))
	in2026.IssueDate = time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.InsertInvoice(ctx, in2026))

	max, err := store.MaxIssuedNumber(ctx, billing.SupplierKey("ACME", 2025))
	require.NoError(t, err)
	assert.Equal(t, int64(4), max)

	max, err = store.MaxIssuedNumber(ctx, billing.SupplierKey("ACME", 2026))
	require.NoError(t, err)
	assert.Equal(t, int64(2), max)

	max, err = store.MaxIssuedNumber(ctx, billing.SupplierKey("ACME", 2024))
	require.NoError(t, err)
	assert.Equal(t, int64(0), max, "no invoices means zero, not an error")
}

// =============================================================================
// CORRUPTION TESTS
// =============================================================================

func TestGetJobBilling_CorruptDecimalSurfaces(t *testing.T) {
	// GIVEN: A stored rate overwritten with something that is not a decimal
	// WHEN: Reading the row back
	// THEN: The corruption surfaces as a store error naming the column,
	//       never as a silent zero in financial figures

	path := filepath.Join(t.TempDir(), "billing.db")
	store, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	require.NoError(t, store.SaveJobBilling(ctx, billing.JobBilling{
		JobID:      "job-1",
		HourlyRate: billing.MustParseDecimal("40.00"),
	}))

	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = raw.Exec(`UPDATE job_billing SET hourly_rate = 'not-a-number' WHERE job_id = 'job-1'`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	_, err = store.GetJobBilling(ctx, "job-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, billing.ErrStoreUnavailable)
	assert.Contains(t, err.Error(), "hourly_rate")
}

// =============================================================================
// TRANSACTION TESTS
// =============================================================================

func TestWithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: A transaction that inserts an invoice then fails
	// WHEN: The function returns an error
	// THEN: The insert is rolled back

	store := newTestStore(t)
	ctx := context.Background()
	saveAgent(t, store, "agent-1")
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(s billing.Store) error {
		if err := s.InsertInvoice(ctx, testInvoice("inv-1", "agent-1", num(1))); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	inv, err := store.GetInvoice(ctx, "inv-1")
	require.NoError(t, err)
	assert.Nil(t, inv, "rolled-back insert must not be visible")
}

func TestWithTx_ReadsSeeUncommittedWrites(t *testing.T) {
	// GIVEN: An insert inside an open transaction
	// WHEN: Reading through the same transaction scope
	// THEN: The write is visible before commit

	store := newTestStore(t)
	ctx := context.Background()
	saveAgent(t, store, "agent-1")

	err := store.WithTx(ctx, func(s billing.Store) error {
		if err := s.InsertInvoice(ctx, testInvoice("inv-1", "agent-1", num(1), "wu-1")); err != nil {
			return err
		}
		taken, err := s.FindInvoicedWorkUnits(ctx, []billing.WorkUnitRef{"wu-1"})
		if err != nil {
			return err
		}
		assert.Equal(t, []billing.WorkUnitRef{"wu-1"}, taken)
		return nil
	})
	require.NoError(t, err)
}

// =============================================================================
// INVOICE NUMBER ASSIGNMENT TESTS
// =============================================================================

func TestSetInvoiceNumber_RefusesRenumbering(t *testing.T) {
	// GIVEN: An invoice already numbered 3
	// WHEN: Assigning a different number
	// THEN: The row is untouched; issued numbers are immutable

	store := newTestStore(t)
	ctx := context.Background()
	saveAgent(t, store, "agent-1")

	require.NoError(t, store.InsertInvoice(ctx, testInvoice("inv-1", "agent-1", num(3))))

	err := store.SetInvoiceNumber(ctx, "inv-1", 9,
		billing.MustParseDecimal("0.20"), time.Now().UTC())
	require.NoError(t, err)

	inv, err := store.GetInvoice(ctx, "inv-1")
	require.NoError(t, err)
	require.NotNil(t, inv.Number)
	assert.Equal(t, int64(3), *inv.Number)
}

// =============================================================================
// AUDIT TESTS
// =============================================================================

func TestAudit_AppendAndListNewestFirst(t *testing.T) {
	// GIVEN: Two audit events written in order
	// WHEN: Listing
	// THEN: Newest first, with the detail map intact

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendAudit(ctx, billing.AuditEvent{
		ID:      "ev-1",
		At:      time.Date(2026, time.May, 1, 10, 0, 0, 0, time.UTC),
		Action:  billing.AuditSequenceRecompute,
		ActorID: "admin-1",
		Key:     "agent:agent-1",
		Detail:  map[string]string{"next": "8"},
	}))
	require.NoError(t, store.AppendAudit(ctx, billing.AuditEvent{
		ID:      "ev-2",
		At:      time.Date(2026, time.May, 2, 10, 0, 0, 0, time.UTC),
		Action:  billing.AuditForceRelock,
		ActorID: "admin-2",
		JobID:   "job-1",
		Detail:  map[string]string{"old_net": "80.00", "new_net": "100.00"},
	}))

	events, err := store.ListAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "ev-2", events[0].ID)
	assert.Equal(t, "ev-1", events[1].ID)
	assert.Equal(t, "8", events[1].Detail["next"])
	assert.Equal(t, billing.JobID("job-1"), events[0].JobID)
}
