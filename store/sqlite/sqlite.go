/*
Package sqlite provides the SQLite-backed implementation of the billing
store interfaces.

PURPOSE:
  Implements billing.Store and billing.TxStore using SQLite. The same SQL
  shapes apply to PostgreSQL with only dialect differences (RETURNING and
  partial indexes both carry over).

CONSTRAINTS AS FINAL AUTHORITY:
  The numbering and double-billing invariants live in the schema as
  partial unique indexes (see migrations.go). Constraint violations are
  mapped back to the engine's structured conflict errors, so a race past
  the guard's pre-check fails with the same error the pre-check would
  have produced.

COUNTERS:
  ReserveNext performs the read-increment-return as a single atomic
  statement against the counter row:
  - agent path:    conditional UPDATE ... RETURNING on the biller row,
                   with an INSERT fallback whose unique-constraint
                   failure surfaces as the counter init race
  - supplier path: INSERT ... ON CONFLICT DO UPDATE ... RETURNING upsert
                   on invoice_sequences

CONCURRENCY:
  sync.RWMutex serializes writers; WithTx holds the write lock for the
  whole transaction. SQLite runs in WAL mode with a busy timeout; a lock
  wait that still times out is surfaced as billing.ErrLockWait.

SEE ALSO:
  - migrations.go: versioned schema steps and the applied-version ledger
  - billing/store.go: the interface contracts implemented here
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/fieldops/billing-engine/billing"
)

// Store implements billing.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a SQLite store at dbPath. Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// dbtx is satisfied by both *sql.DB and *sql.Tx so every query runs against
// whichever scope the caller is in. Reads inside WithTx see uncommitted
// writes of the same transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// TRANSACTIONAL STORE (billing.TxStore)
// =============================================================================

// WithTx executes fn within one database transaction. The write lock is held
// for the duration, so transaction-scoped methods must not retake it.
func (s *Store) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapStoreErr(err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return mapStoreErr(err)
	}
	return nil
}

// txStore runs every billing.Store method against the open transaction.
type txStore struct {
	q dbtx
}

func (t *txStore) SaveBiller(ctx context.Context, b billing.Biller) error {
	return saveBiller(ctx, t.q, b)
}
func (t *txStore) GetBiller(ctx context.Context, id billing.BillerID) (*billing.Biller, error) {
	return getBiller(ctx, t.q, id)
}
func (t *txStore) ListBillers(ctx context.Context) ([]billing.Biller, error) {
	return listBillers(ctx, t.q)
}
func (t *txStore) ReserveNext(ctx context.Context, key billing.SequenceKey) (int64, error) {
	return reserveNext(ctx, t.q, key)
}
func (t *txStore) PeekNext(ctx context.Context, key billing.SequenceKey) (int64, error) {
	return peekNext(ctx, t.q, key)
}
func (t *txStore) SetNextIfGreater(ctx context.Context, key billing.SequenceKey, next int64) error {
	return setNextIfGreater(ctx, t.q, key, next)
}
func (t *txStore) MaxIssuedNumber(ctx context.Context, key billing.SequenceKey) (int64, error) {
	return maxIssuedNumber(ctx, t.q, key)
}
func (t *txStore) InsertInvoice(ctx context.Context, inv *billing.Invoice) error {
	return insertInvoice(ctx, t.q, inv)
}
func (t *txStore) GetInvoice(ctx context.Context, id billing.InvoiceID) (*billing.Invoice, error) {
	return getInvoice(ctx, t.q, id)
}
func (t *txStore) GetInvoiceByNumber(ctx context.Context, biller billing.BillerID, number int64) (*billing.Invoice, error) {
	return getInvoiceByNumber(ctx, t.q, biller, number)
}
func (t *txStore) ListInvoices(ctx context.Context, biller billing.BillerID) ([]billing.Invoice, error) {
	return listInvoices(ctx, t.q, biller)
}
func (t *txStore) SetInvoiceNumber(ctx context.Context, id billing.InvoiceID, number int64, rate billing.VATRate, issued time.Time) error {
	return setInvoiceNumber(ctx, t.q, id, number, rate, issued)
}
func (t *txStore) UpdateInvoiceStatus(ctx context.Context, id billing.InvoiceID, status billing.InvoiceStatus) error {
	return updateInvoiceStatus(ctx, t.q, id, status)
}
func (t *txStore) FindInvoicedWorkUnits(ctx context.Context, refs []billing.WorkUnitRef) ([]billing.WorkUnitRef, error) {
	return findInvoicedWorkUnits(ctx, t.q, refs)
}
func (t *txStore) SaveJobBilling(ctx context.Context, jb billing.JobBilling) error {
	return saveJobBilling(ctx, t.q, jb)
}
func (t *txStore) GetJobBilling(ctx context.Context, jobID billing.JobID) (*billing.JobBilling, error) {
	return getJobBilling(ctx, t.q, jobID)
}
func (t *txStore) ListJobIDs(ctx context.Context) ([]billing.JobID, error) {
	return listJobIDs(ctx, t.q)
}
func (t *txStore) UpdateBillableHours(ctx context.Context, jobID billing.JobID, hours decimal.Decimal) error {
	return updateBillableHours(ctx, t.q, jobID, hours)
}
func (t *txStore) WriteSnapshot(ctx context.Context, jobID billing.JobID, net, vat, gross billing.Money, lockedAt time.Time) error {
	return writeSnapshot(ctx, t.q, jobID, net, vat, gross, lockedAt)
}
func (t *txStore) SaveTimeEntry(ctx context.Context, e billing.TimeEntry) error {
	return saveTimeEntry(ctx, t.q, e)
}
func (t *txStore) ListTimeEntries(ctx context.Context, jobID billing.JobID) ([]billing.TimeEntry, error) {
	return listTimeEntries(ctx, t.q, jobID)
}
func (t *txStore) AppendAudit(ctx context.Context, ev billing.AuditEvent) error {
	return appendAudit(ctx, t.q, ev)
}
func (t *txStore) ListAudit(ctx context.Context, limit int) ([]billing.AuditEvent, error) {
	return listAudit(ctx, t.q, limit)
}

// =============================================================================
// TOP-LEVEL STORE (billing.Store, autocommit)
// =============================================================================

func (s *Store) SaveBiller(ctx context.Context, b billing.Biller) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveBiller(ctx, s.db, b)
}

func (s *Store) GetBiller(ctx context.Context, id billing.BillerID) (*billing.Biller, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBiller(ctx, s.db, id)
}

func (s *Store) ListBillers(ctx context.Context) ([]billing.Biller, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listBillers(ctx, s.db)
}

// ReserveNext issues the next number as one autocommit statement: the value
// stays burned even if the caller's subsequent invoice write fails.
func (s *Store) ReserveNext(ctx context.Context, key billing.SequenceKey) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return reserveNext(ctx, s.db, key)
}

func (s *Store) PeekNext(ctx context.Context, key billing.SequenceKey) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return peekNext(ctx, s.db, key)
}

func (s *Store) SetNextIfGreater(ctx context.Context, key billing.SequenceKey, next int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setNextIfGreater(ctx, s.db, key, next)
}

func (s *Store) MaxIssuedNumber(ctx context.Context, key billing.SequenceKey) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maxIssuedNumber(ctx, s.db, key)
}

func (s *Store) InsertInvoice(ctx context.Context, inv *billing.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertInvoice(ctx, s.db, inv)
}

func (s *Store) GetInvoice(ctx context.Context, id billing.InvoiceID) (*billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getInvoice(ctx, s.db, id)
}

func (s *Store) GetInvoiceByNumber(ctx context.Context, biller billing.BillerID, number int64) (*billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getInvoiceByNumber(ctx, s.db, biller, number)
}

func (s *Store) ListInvoices(ctx context.Context, biller billing.BillerID) ([]billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listInvoices(ctx, s.db, biller)
}

func (s *Store) SetInvoiceNumber(ctx context.Context, id billing.InvoiceID, number int64, rate billing.VATRate, issued time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setInvoiceNumber(ctx, s.db, id, number, rate, issued)
}

func (s *Store) UpdateInvoiceStatus(ctx context.Context, id billing.InvoiceID, status billing.InvoiceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateInvoiceStatus(ctx, s.db, id, status)
}

func (s *Store) FindInvoicedWorkUnits(ctx context.Context, refs []billing.WorkUnitRef) ([]billing.WorkUnitRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findInvoicedWorkUnits(ctx, s.db, refs)
}

func (s *Store) SaveJobBilling(ctx context.Context, jb billing.JobBilling) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveJobBilling(ctx, s.db, jb)
}

func (s *Store) GetJobBilling(ctx context.Context, jobID billing.JobID) (*billing.JobBilling, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getJobBilling(ctx, s.db, jobID)
}

func (s *Store) ListJobIDs(ctx context.Context) ([]billing.JobID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listJobIDs(ctx, s.db)
}

func (s *Store) UpdateBillableHours(ctx context.Context, jobID billing.JobID, hours decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateBillableHours(ctx, s.db, jobID, hours)
}

func (s *Store) WriteSnapshot(ctx context.Context, jobID billing.JobID, net, vat, gross billing.Money, lockedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeSnapshot(ctx, s.db, jobID, net, vat, gross, lockedAt)
}

func (s *Store) SaveTimeEntry(ctx context.Context, e billing.TimeEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveTimeEntry(ctx, s.db, e)
}

func (s *Store) ListTimeEntries(ctx context.Context, jobID billing.JobID) ([]billing.TimeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listTimeEntries(ctx, s.db, jobID)
}

func (s *Store) AppendAudit(ctx context.Context, ev billing.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendAudit(ctx, s.db, ev)
}

func (s *Store) ListAudit(ctx context.Context, limit int) ([]billing.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listAudit(ctx, s.db, limit)
}

// =============================================================================
// BILLERS
// =============================================================================

func saveBiller(ctx context.Context, q dbtx, b billing.Biller) error {
	var rate any
	if b.DefaultVATRate != nil {
		rate = b.DefaultVATRate.String()
	}
	created := b.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	// next_number deliberately absent from the update set: only the
	// allocator mutates counters once the row exists.
	_, err := q.ExecContext(ctx, `
		INSERT INTO billers (id, kind, name, vat_registered, default_vat_rate, sequence_prefix, next_number, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			name = excluded.name,
			vat_registered = excluded.vat_registered,
			default_vat_rate = excluded.default_vat_rate,
			sequence_prefix = excluded.sequence_prefix
	`, b.ID, b.Kind, b.Name, b.VATRegistered, rate, b.SequencePrefix, b.NextNumber,
		created.Format(time.RFC3339))
	return mapStoreErr(err)
}

func getBiller(ctx context.Context, q dbtx, id billing.BillerID) (*billing.Biller, error) {
	b, err := scanBiller(q.QueryRowContext(ctx, `
		SELECT id, kind, name, vat_registered, default_vat_rate, sequence_prefix, next_number, created_at
		FROM billers WHERE id = ?
	`, id))
	return b, err
}

func listBillers(ctx context.Context, q dbtx) ([]billing.Biller, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, kind, name, vat_registered, default_vat_rate, sequence_prefix, next_number, created_at
		FROM billers ORDER BY name, id
	`)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	defer rows.Close()

	var billers []billing.Biller
	for rows.Next() {
		b, err := scanBillerFields(rows)
		if err != nil {
			return nil, err
		}
		billers = append(billers, b)
	}
	return billers, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// decimalParser accumulates the first parse failure across a row scan. A
// corrupt stored figure must surface as a store error, never as a silent
// zero in financial data.
type decimalParser struct {
	err error
}

func (p *decimalParser) parse(col, s string) decimal.Decimal {
	if p.err != nil {
		return decimal.Decimal{}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		p.err = fmt.Errorf("%w: corrupt decimal in %s: %v", billing.ErrStoreUnavailable, col, err)
	}
	return d
}

func scanBillerFields(sc rowScanner) (billing.Biller, error) {
	var (
		b         billing.Biller
		rate      sql.NullString
		createdAt string
	)
	err := sc.Scan(&b.ID, &b.Kind, &b.Name, &b.VATRegistered, &rate, &b.SequencePrefix, &b.NextNumber, &createdAt)
	if err != nil {
		return b, err
	}
	if rate.Valid {
		var dp decimalParser
		d := dp.parse("billers.default_vat_rate", rate.String)
		if dp.err != nil {
			return b, dp.err
		}
		b.DefaultVATRate = &d
	}
	b.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return b, nil
}

func scanBiller(row *sql.Row) (*billing.Biller, error) {
	b, err := scanBillerFields(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return &b, nil
}

// =============================================================================
// NUMBERING COUNTERS
// =============================================================================

func reserveNext(ctx context.Context, q dbtx, key billing.SequenceKey) (int64, error) {
	if key.IsAgent() {
		return reserveAgentNext(ctx, q, key.AgentID)
	}
	return reserveSupplierNext(ctx, q, key.Prefix, key.Year)
}

// reserveAgentNext bumps the biller-row counter in one conditional UPDATE.
// A biller with next_number still at 0 issues 1. If the biller row does not
// exist yet, a bare counter row is created; losing that insert race surfaces
// as ErrCounterInitRace for the allocator to retry.
func reserveAgentNext(ctx context.Context, q dbtx, id billing.BillerID) (int64, error) {
	var issued int64
	err := q.QueryRowContext(ctx, `
		UPDATE billers
		SET next_number = MAX(next_number, 1) + 1
		WHERE id = ?
		RETURNING next_number - 1
	`, id).Scan(&issued)
	if err == nil {
		return issued, nil
	}
	if err != sql.ErrNoRows {
		return 0, mapStoreErr(err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO billers (id, kind, name, next_number, created_at)
		VALUES (?, 'agent', '', 2, ?)
	`, id, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		if isUniqueConstraintErr(err) {
			return 0, billing.ErrCounterInitRace
		}
		return 0, mapStoreErr(err)
	}
	return 1, nil
}

// reserveSupplierNext uses an upsert with RETURNING so creation and increment
// are one atomic statement; there is no init race on this path.
func reserveSupplierNext(ctx context.Context, q dbtx, prefix string, year int) (int64, error) {
	var issued int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO invoice_sequences (prefix, year, next_seq)
		VALUES (?, ?, 2)
		ON CONFLICT(prefix, year) DO UPDATE
		SET next_seq = MAX(invoice_sequences.next_seq, 1) + 1
		RETURNING next_seq - 1
	`, prefix, year).Scan(&issued)
	if err != nil {
		return 0, mapStoreErr(err)
	}
	return issued, nil
}

func peekNext(ctx context.Context, q dbtx, key billing.SequenceKey) (int64, error) {
	var (
		next int64
		err  error
	)
	if key.IsAgent() {
		err = q.QueryRowContext(ctx,
			`SELECT next_number FROM billers WHERE id = ?`, key.AgentID).Scan(&next)
	} else {
		err = q.QueryRowContext(ctx,
			`SELECT next_seq FROM invoice_sequences WHERE prefix = ? AND year = ?`,
			key.Prefix, key.Year).Scan(&next)
	}
	if err == sql.ErrNoRows {
		return 1, nil
	}
	if err != nil {
		return 0, mapStoreErr(err)
	}
	if next < 1 {
		return 1, nil
	}
	return next, nil
}

func setNextIfGreater(ctx context.Context, q dbtx, key billing.SequenceKey, next int64) error {
	if key.IsAgent() {
		res, err := q.ExecContext(ctx, `
			UPDATE billers SET next_number = MAX(next_number, ?) WHERE id = ?
		`, next, key.AgentID)
		if err != nil {
			return mapStoreErr(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return mapStoreErr(err)
		}
		if n == 0 {
			return billing.ErrBillerNotFound
		}
		return nil
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO invoice_sequences (prefix, year, next_seq)
		VALUES (?, ?, ?)
		ON CONFLICT(prefix, year) DO UPDATE
		SET next_seq = MAX(invoice_sequences.next_seq, excluded.next_seq)
	`, key.Prefix, key.Year, next)
	return mapStoreErr(err)
}

func maxIssuedNumber(ctx context.Context, q dbtx, key billing.SequenceKey) (int64, error) {
	var (
		max int64
		err error
	)
	if key.IsAgent() {
		err = q.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(biller_invoice_number), 0)
			FROM invoices WHERE biller_id = ?
		`, key.AgentID).Scan(&max)
	} else {
		err = q.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(i.biller_invoice_number), 0)
			FROM invoices i
			JOIN billers b ON b.id = i.biller_id
			WHERE b.sequence_prefix = ? AND strftime('%Y', i.issue_date) = ?
		`, key.Prefix, strconv.Itoa(key.Year)).Scan(&max)
	}
	if err != nil {
		return 0, mapStoreErr(err)
	}
	return max, nil
}

// =============================================================================
// INVOICES
// =============================================================================

func insertInvoice(ctx context.Context, q dbtx, inv *billing.Invoice) error {
	now := time.Now().UTC().Format(time.RFC3339)
	var number any
	if inv.Number != nil {
		number = *inv.Number
	}
	var issue any
	if !inv.IssueDate.IsZero() {
		issue = inv.IssueDate.Format(time.RFC3339)
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO invoices (id, biller_id, biller_invoice_number, status, vat_rate, issue_date, net, vat, gross, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, inv.ID, inv.BillerID, number, inv.Status, inv.VATRate.String(), issue,
		inv.Net.String(), inv.VAT.String(), inv.Gross.String(), now, now)
	if err != nil {
		return mapInvoiceConstraintErr(ctx, q, err, inv)
	}

	for _, l := range inv.Lines {
		var ref any
		if l.WorkUnitRef != "" {
			ref = string(l.WorkUnitRef)
		}
		var workDate any
		if !l.WorkDate.IsZero() {
			workDate = l.WorkDate.Format(time.RFC3339)
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO invoice_lines (id, invoice_id, work_unit_ref, hours, rate_net, line_net, work_date)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, l.ID, inv.ID, ref, l.Hours.String(), l.RateNet.String(), l.LineNet.String(), workDate)
		if err != nil {
			return mapInvoiceConstraintErr(ctx, q, err, inv)
		}
	}
	return nil
}

func getInvoice(ctx context.Context, q dbtx, id billing.InvoiceID) (*billing.Invoice, error) {
	inv, err := scanInvoice(q.QueryRowContext(ctx, `
		SELECT id, biller_id, biller_invoice_number, status, vat_rate, issue_date, net, vat, gross, created_at, updated_at
		FROM invoices WHERE id = ?
	`, id))
	if err != nil || inv == nil {
		return inv, err
	}
	inv.Lines, err = loadLines(ctx, q, inv.ID)
	return inv, err
}

func getInvoiceByNumber(ctx context.Context, q dbtx, biller billing.BillerID, number int64) (*billing.Invoice, error) {
	return scanInvoice(q.QueryRowContext(ctx, `
		SELECT id, biller_id, biller_invoice_number, status, vat_rate, issue_date, net, vat, gross, created_at, updated_at
		FROM invoices WHERE biller_id = ? AND biller_invoice_number = ?
	`, biller, number))
}

func listInvoices(ctx context.Context, q dbtx, biller billing.BillerID) ([]billing.Invoice, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, biller_id, biller_invoice_number, status, vat_rate, issue_date, net, vat, gross, created_at, updated_at
		FROM invoices WHERE biller_id = ?
		ORDER BY biller_invoice_number IS NULL, biller_invoice_number, created_at
	`, biller)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	defer rows.Close()

	var invoices []billing.Invoice
	for rows.Next() {
		inv, err := scanInvoiceFields(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range invoices {
		invoices[i].Lines, err = loadLines(ctx, q, invoices[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return invoices, nil
}

// setInvoiceNumber records the number assigned on submission. The WHERE
// clause refuses to renumber an already-numbered invoice.
func setInvoiceNumber(ctx context.Context, q dbtx, id billing.InvoiceID, number int64, rate billing.VATRate, issued time.Time) error {
	if issued.IsZero() {
		issued = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, `
		UPDATE invoices
		SET biller_invoice_number = ?, status = ?, vat_rate = ?, issue_date = ?, updated_at = ?
		WHERE id = ? AND biller_invoice_number IS NULL
	`, number, billing.StatusSubmitted, rate.String(), issued.Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339), id)
	if err != nil && isUniqueConstraintErr(err) {
		return &billing.DuplicateNumberError{Number: number}
	}
	return mapStoreErr(err)
}

func updateInvoiceStatus(ctx context.Context, q dbtx, id billing.InvoiceID, status billing.InvoiceStatus) error {
	_, err := q.ExecContext(ctx, `
		UPDATE invoices SET status = ?, updated_at = ? WHERE id = ?
	`, status, time.Now().UTC().Format(time.RFC3339), id)
	return mapStoreErr(err)
}

func findInvoicedWorkUnits(ctx context.Context, q dbtx, refs []billing.WorkUnitRef) ([]billing.WorkUnitRef, error) {
	return findWorkUnitsExcluding(ctx, q, refs, "")
}

// findWorkUnitsExcluding skips lines of the excluded invoice, so narrowing a
// constraint failure inside an open transaction does not report the failed
// batch's own already-inserted lines as conflicts.
func findWorkUnitsExcluding(ctx context.Context, q dbtx, refs []billing.WorkUnitRef, exclude billing.InvoiceID) ([]billing.WorkUnitRef, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(refs)), ",")
	args := make([]any, 0, len(refs)+1)
	for _, r := range refs {
		args = append(args, string(r))
	}
	args = append(args, string(exclude))

	rows, err := q.QueryContext(ctx,
		`SELECT work_unit_ref FROM invoice_lines WHERE work_unit_ref IN (`+placeholders+`) AND invoice_id <> ? ORDER BY work_unit_ref`,
		args...)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	defer rows.Close()

	var taken []billing.WorkUnitRef
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, err
		}
		taken = append(taken, billing.WorkUnitRef(ref))
	}
	return taken, rows.Err()
}

func scanInvoiceFields(sc rowScanner) (billing.Invoice, error) {
	var (
		inv       billing.Invoice
		number    sql.NullInt64
		rate      string
		issueDate sql.NullString
		net       string
		vat       string
		gross     string
		createdAt string
		updatedAt string
	)
	err := sc.Scan(&inv.ID, &inv.BillerID, &number, &inv.Status, &rate, &issueDate,
		&net, &vat, &gross, &createdAt, &updatedAt)
	if err != nil {
		return inv, err
	}
	if number.Valid {
		n := number.Int64
		inv.Number = &n
	}
	var dp decimalParser
	inv.VATRate = dp.parse("invoices.vat_rate", rate)
	if issueDate.Valid {
		inv.IssueDate, _ = time.Parse(time.RFC3339, issueDate.String)
	}
	inv.Net = dp.parse("invoices.net", net)
	inv.VAT = dp.parse("invoices.vat", vat)
	inv.Gross = dp.parse("invoices.gross", gross)
	if dp.err != nil {
		return inv, dp.err
	}
	inv.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	inv.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return inv, nil
}

func scanInvoice(row *sql.Row) (*billing.Invoice, error) {
	inv, err := scanInvoiceFields(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return &inv, nil
}

func loadLines(ctx context.Context, q dbtx, id billing.InvoiceID) ([]billing.InvoiceLine, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, invoice_id, work_unit_ref, hours, rate_net, line_net, work_date
		FROM invoice_lines WHERE invoice_id = ? ORDER BY work_date, id
	`, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	defer rows.Close()

	var lines []billing.InvoiceLine
	for rows.Next() {
		var (
			l        billing.InvoiceLine
			ref      sql.NullString
			hours    string
			rateNet  string
			lineNet  string
			workDate sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.InvoiceID, &ref, &hours, &rateNet, &lineNet, &workDate); err != nil {
			return nil, err
		}
		l.WorkUnitRef = billing.WorkUnitRef(ref.String)
		var dp decimalParser
		l.Hours = dp.parse("invoice_lines.hours", hours)
		l.RateNet = dp.parse("invoice_lines.rate_net", rateNet)
		l.LineNet = dp.parse("invoice_lines.line_net", lineNet)
		if dp.err != nil {
			return nil, dp.err
		}
		if workDate.Valid {
			l.WorkDate, _ = time.Parse(time.RFC3339, workDate.String)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// =============================================================================
// JOB BILLING & TIME ENTRIES
// =============================================================================

func saveJobBilling(ctx context.Context, q dbtx, jb billing.JobBilling) error {
	var override any
	if jb.BillableHoursOverride != nil {
		override = jb.BillableHoursOverride.String()
	}
	var rateOverride any
	if jb.VATRateOverride != nil {
		rateOverride = jb.VATRateOverride.String()
	}

	// Snapshot fields are absent from the update set: once written they
	// change only through WriteSnapshot, which the locker gates behind
	// force.
	_, err := q.ExecContext(ctx, `
		INSERT INTO job_billing (job_id, biller_id, hourly_rate, first_hour_premium, notice_fee, vat_rate_override, billable_hours_override, billable_hours_calculated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			biller_id = excluded.biller_id,
			hourly_rate = excluded.hourly_rate,
			first_hour_premium = excluded.first_hour_premium,
			notice_fee = excluded.notice_fee,
			vat_rate_override = excluded.vat_rate_override,
			billable_hours_override = excluded.billable_hours_override
	`, jb.JobID, jb.BillerID, jb.HourlyRate.String(), jb.FirstHourPremium.String(), jb.NoticeFee.String(),
		rateOverride, override, jb.BillableHoursCalculated.String())
	return mapStoreErr(err)
}

func getJobBilling(ctx context.Context, q dbtx, jobID billing.JobID) (*billing.JobBilling, error) {
	var (
		jb           billing.JobBilling
		hourlyRate   string
		premium      string
		noticeFee    string
		rateOverride sql.NullString
		override     sql.NullString
		calculated   string
		net          string
		vat          string
		gross        string
		lockedAt     sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT job_id, biller_id, hourly_rate, first_hour_premium, notice_fee, vat_rate_override, billable_hours_override,
		       billable_hours_calculated, revenue_net_snapshot, revenue_vat_snapshot, revenue_gross_snapshot, locked_at
		FROM job_billing WHERE job_id = ?
	`, jobID).Scan(&jb.JobID, &jb.BillerID, &hourlyRate, &premium, &noticeFee, &rateOverride, &override,
		&calculated, &net, &vat, &gross, &lockedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, mapStoreErr(err)
	}

	var dp decimalParser
	jb.HourlyRate = dp.parse("job_billing.hourly_rate", hourlyRate)
	jb.FirstHourPremium = dp.parse("job_billing.first_hour_premium", premium)
	jb.NoticeFee = dp.parse("job_billing.notice_fee", noticeFee)
	if rateOverride.Valid {
		d := dp.parse("job_billing.vat_rate_override", rateOverride.String)
		jb.VATRateOverride = &d
	}
	if override.Valid {
		d := dp.parse("job_billing.billable_hours_override", override.String)
		jb.BillableHoursOverride = &d
	}
	jb.BillableHoursCalculated = dp.parse("job_billing.billable_hours_calculated", calculated)
	jb.RevenueNetSnapshot = dp.parse("job_billing.revenue_net_snapshot", net)
	jb.RevenueVATSnapshot = dp.parse("job_billing.revenue_vat_snapshot", vat)
	jb.RevenueGrossSnapshot = dp.parse("job_billing.revenue_gross_snapshot", gross)
	if dp.err != nil {
		return nil, dp.err
	}
	if lockedAt.Valid {
		t, _ := time.Parse(time.RFC3339, lockedAt.String)
		jb.LockedAt = &t
	}
	return &jb, nil
}

func listJobIDs(ctx context.Context, q dbtx) ([]billing.JobID, error) {
	rows, err := q.QueryContext(ctx, `SELECT job_id FROM job_billing ORDER BY job_id`)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	defer rows.Close()

	var ids []billing.JobID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, billing.JobID(id))
	}
	return ids, rows.Err()
}

func updateBillableHours(ctx context.Context, q dbtx, jobID billing.JobID, hours decimal.Decimal) error {
	_, err := q.ExecContext(ctx, `
		UPDATE job_billing SET billable_hours_calculated = ? WHERE job_id = ?
	`, hours.String(), jobID)
	return mapStoreErr(err)
}

func writeSnapshot(ctx context.Context, q dbtx, jobID billing.JobID, net, vat, gross billing.Money, lockedAt time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE job_billing
		SET revenue_net_snapshot = ?, revenue_vat_snapshot = ?, revenue_gross_snapshot = ?, locked_at = ?
		WHERE job_id = ?
	`, net.String(), vat.String(), gross.String(), lockedAt.Format(time.RFC3339), jobID)
	return mapStoreErr(err)
}

func saveTimeEntry(ctx context.Context, q dbtx, e billing.TimeEntry) error {
	var started, ended any
	if e.StartedAt != nil {
		started = e.StartedAt.Format(time.RFC3339)
	}
	if e.EndedAt != nil {
		ended = e.EndedAt.Format(time.RFC3339)
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO time_entries (id, job_id, work_date, started_at, ended_at, hours)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			work_date = excluded.work_date,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			hours = excluded.hours
	`, e.ID, e.JobID, e.WorkDate.Format(time.RFC3339), started, ended, e.Hours.String())
	return mapStoreErr(err)
}

func listTimeEntries(ctx context.Context, q dbtx, jobID billing.JobID) ([]billing.TimeEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, job_id, work_date, started_at, ended_at, hours
		FROM time_entries WHERE job_id = ? ORDER BY work_date, id
	`, jobID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	defer rows.Close()

	var entries []billing.TimeEntry
	for rows.Next() {
		var (
			e        billing.TimeEntry
			workDate string
			started  sql.NullString
			ended    sql.NullString
			hours    string
		)
		if err := rows.Scan(&e.ID, &e.JobID, &workDate, &started, &ended, &hours); err != nil {
			return nil, err
		}
		e.WorkDate, _ = time.Parse(time.RFC3339, workDate)
		if started.Valid {
			t, _ := time.Parse(time.RFC3339, started.String)
			e.StartedAt = &t
		}
		if ended.Valid {
			t, _ := time.Parse(time.RFC3339, ended.String)
			e.EndedAt = &t
		}
		var dp decimalParser
		e.Hours = dp.parse("time_entries.hours", hours)
		if dp.err != nil {
			return nil, dp.err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// AUDIT TRAIL
// =============================================================================

func appendAudit(ctx context.Context, q dbtx, ev billing.AuditEvent) error {
	detail, _ := json.Marshal(ev.Detail)
	_, err := q.ExecContext(ctx, `
		INSERT INTO audit_events (id, at, action, actor_id, job_id, seq_key, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.At.Format(time.RFC3339), ev.Action, ev.ActorID, ev.JobID, ev.Key, string(detail))
	return mapStoreErr(err)
}

func listAudit(ctx context.Context, q dbtx, limit int) ([]billing.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.QueryContext(ctx, `
		SELECT id, at, action, actor_id, job_id, seq_key, detail_json
		FROM audit_events ORDER BY at DESC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	defer rows.Close()

	var events []billing.AuditEvent
	for rows.Next() {
		var (
			ev     billing.AuditEvent
			at     string
			detail string
		)
		if err := rows.Scan(&ev.ID, &at, &ev.Action, &ev.ActorID, &ev.JobID, &ev.Key, &detail); err != nil {
			return nil, err
		}
		ev.At, _ = time.Parse(time.RFC3339, at)
		if detail != "" {
			json.Unmarshal([]byte(detail), &ev.Detail)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

// mapInvoiceConstraintErr turns unique-constraint failures on insert into the
// same structured conflicts the guard's pre-check produces, keeping the
// constraints authoritative without changing the caller-facing contract.
func mapInvoiceConstraintErr(ctx context.Context, q dbtx, err error, inv *billing.Invoice) error {
	if !isUniqueConstraintErr(err) {
		return mapStoreErr(err)
	}
	msg := err.Error()
	if strings.Contains(msg, "invoice_lines.work_unit_ref") {
		refs := make([]billing.WorkUnitRef, 0, len(inv.Lines))
		for _, l := range inv.Lines {
			if l.WorkUnitRef != "" {
				refs = append(refs, l.WorkUnitRef)
			}
		}
		// SQLite keeps the transaction usable after a constraint failure,
		// so narrow to the refs actually taken when the lookup works. The
		// failed invoice's own lines are excluded; earlier lines of this
		// batch may already sit in the open transaction.
		if taken, lookupErr := findWorkUnitsExcluding(ctx, q, refs, inv.ID); lookupErr == nil && len(taken) > 0 {
			refs = taken
		}
		return &billing.DuplicateWorkUnitError{BillerID: inv.BillerID, Refs: refs}
	}
	if strings.Contains(msg, "invoices.biller_id") {
		var number int64
		if inv.Number != nil {
			number = *inv.Number
		}
		dup := &billing.DuplicateNumberError{BillerID: inv.BillerID, Number: number}
		if existing, lookupErr := getInvoiceByNumber(ctx, q, inv.BillerID, number); lookupErr == nil && existing != nil {
			dup.ExistingInvoiceID = existing.ID
		}
		return dup
	}
	return mapStoreErr(err)
}

func isUniqueConstraintErr(err error) bool {
	var sqliteErr sqlite3.Error
	if asSqliteErr(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func asSqliteErr(err error, target *sqlite3.Error) bool {
	for err != nil {
		if e, ok := err.(sqlite3.Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// mapStoreErr classifies driver-level failures: lock waits become the
// retryable ErrLockWait, everything else wraps ErrStoreUnavailable so the
// engine's taxonomy holds at the boundary.
func mapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, billing.ErrStoreUnavailable) || errors.Is(err, billing.ErrLockWait) {
		return err
	}
	var sqliteErr sqlite3.Error
	if asSqliteErr(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%w: %v", billing.ErrLockWait, err)
		}
	}
	return fmt.Errorf("%w: %v", billing.ErrStoreUnavailable, err)
}
