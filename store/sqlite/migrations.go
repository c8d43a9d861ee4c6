/*
migrations.go - Versioned, forward-only schema migrations

PURPOSE:
  One declarative, ordered migration mechanism. Each step has a version
  and runs at most once; applied versions are recorded in the
  schema_migrations ledger. Steps are forward-only: there are no down
  migrations, corrections ship as new steps.

INVARIANTS AS SCHEMA:
  The two uniqueness invariants of the billing core are expressed here as
  partial unique indexes, once, rather than re-derived in application
  code:
  - idx_invoices_biller_number: one invoice per (biller, number), nulls
    exempt (drafts are unnumbered)
  - idx_invoice_lines_work_unit: one line per work unit, system-wide,
    nulls exempt (manual/multi-day lines)
*/
package sqlite

import (
	"fmt"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered, append-only list of schema steps. Never edit an
// applied step; add a new one.
var migrations = []migration{
	{
		Version:     1,
		Description: "billers and numbering counters",
		SQL: `
		CREATE TABLE billers (
			id              TEXT PRIMARY KEY,
			kind            TEXT NOT NULL CHECK (kind IN ('agent', 'supplier')),
			name            TEXT NOT NULL DEFAULT '',
			vat_registered  INTEGER NOT NULL DEFAULT 0,
			default_vat_rate TEXT,
			sequence_prefix TEXT NOT NULL DEFAULT '',
			next_number     INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL
		);

		CREATE TABLE invoice_sequences (
			prefix   TEXT NOT NULL,
			year     INTEGER NOT NULL,
			next_seq INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (prefix, year)
		);
		`,
	},
	{
		Version:     2,
		Description: "invoices and lines with uniqueness invariants",
		SQL: `
		CREATE TABLE invoices (
			id                    TEXT PRIMARY KEY,
			biller_id             TEXT NOT NULL REFERENCES billers(id),
			biller_invoice_number INTEGER,
			status                TEXT NOT NULL DEFAULT 'draft',
			vat_rate              TEXT NOT NULL DEFAULT '0',
			issue_date            TEXT,
			net                   TEXT NOT NULL DEFAULT '0',
			vat                   TEXT NOT NULL DEFAULT '0',
			gross                 TEXT NOT NULL DEFAULT '0',
			created_at            TEXT NOT NULL,
			updated_at            TEXT NOT NULL
		);

		-- One invoice per (biller, number); unnumbered drafts exempt
		CREATE UNIQUE INDEX idx_invoices_biller_number
			ON invoices(biller_id, biller_invoice_number)
			WHERE biller_invoice_number IS NOT NULL;

		CREATE INDEX idx_invoices_biller ON invoices(biller_id);

		-- Single authoritative money columns (rate_net/line_net); the legacy
		-- rate_per_hour/line_total aliases were backfilled and dropped before
		-- this schema.
		CREATE TABLE invoice_lines (
			id            TEXT PRIMARY KEY,
			invoice_id    TEXT NOT NULL REFERENCES invoices(id),
			work_unit_ref TEXT,
			hours         TEXT NOT NULL DEFAULT '0',
			rate_net      TEXT NOT NULL DEFAULT '0',
			line_net      TEXT NOT NULL DEFAULT '0',
			work_date     TEXT
		);

		-- One line per work unit across the whole system; null refs exempt
		CREATE UNIQUE INDEX idx_invoice_lines_work_unit
			ON invoice_lines(work_unit_ref)
			WHERE work_unit_ref IS NOT NULL;

		CREATE INDEX idx_invoice_lines_invoice ON invoice_lines(invoice_id);
		`,
	},
	{
		Version:     3,
		Description: "job billing with revenue snapshot fields, time entries",
		SQL: `
		CREATE TABLE job_billing (
			job_id                    TEXT PRIMARY KEY,
			hourly_rate               TEXT NOT NULL DEFAULT '0',
			first_hour_premium        TEXT NOT NULL DEFAULT '0',
			notice_fee                TEXT NOT NULL DEFAULT '0',
			vat_rate_override         TEXT,
			billable_hours_override   TEXT,
			billable_hours_calculated TEXT NOT NULL DEFAULT '0',
			revenue_net_snapshot      TEXT NOT NULL DEFAULT '0',
			revenue_vat_snapshot      TEXT NOT NULL DEFAULT '0',
			revenue_gross_snapshot    TEXT NOT NULL DEFAULT '0',
			locked_at                 TEXT
		);

		CREATE TABLE time_entries (
			id         TEXT PRIMARY KEY,
			job_id     TEXT NOT NULL,
			work_date  TEXT NOT NULL,
			started_at TEXT,
			ended_at   TEXT,
			hours      TEXT NOT NULL DEFAULT '0'
		);

		CREATE INDEX idx_time_entries_job ON time_entries(job_id);
		`,
	},
	{
		Version:     4,
		Description: "audit events (append-only)",
		SQL: `
		CREATE TABLE audit_events (
			id          TEXT PRIMARY KEY,
			at          TEXT NOT NULL,
			action      TEXT NOT NULL,
			actor_id    TEXT NOT NULL DEFAULT '',
			job_id      TEXT NOT NULL DEFAULT '',
			seq_key     TEXT NOT NULL DEFAULT '',
			detail_json TEXT NOT NULL DEFAULT '{}'
		);

		CREATE INDEX idx_audit_events_at ON audit_events(at DESC);
		`,
	},
	{
		Version:     5,
		Description: "job billing carries its assigned biller",
		SQL: `
		ALTER TABLE job_billing ADD COLUMN biller_id TEXT NOT NULL DEFAULT '';
		`,
	},
}

// migrate applies all pending steps in order, each inside its own
// transaction, and records them in the schema_migrations ledger. Safe to run
// on every startup.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("failed to create migration ledger: %w", err)
	}

	var current int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current)
	if err != nil {
		return fmt.Errorf("failed to read migration ledger: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := s.applyMigration(m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
	}
	return nil
}

func (s *Store) applyMigration(m migration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)`,
		m.Version, m.Description, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// AppliedMigrations returns the ledger contents, oldest first.
func (s *Store) AppliedMigrations() ([]AppliedMigration, error) {
	rows, err := s.db.Query(`SELECT version, description, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var applied []AppliedMigration
	for rows.Next() {
		var a AppliedMigration
		var at string
		if err := rows.Scan(&a.Version, &a.Description, &at); err != nil {
			return nil, err
		}
		a.AppliedAt, _ = time.Parse(time.RFC3339, at)
		applied = append(applied, a)
	}
	return applied, rows.Err()
}

// AppliedMigration is one row of the schema_migrations ledger.
type AppliedMigration struct {
	Version     int
	Description string
	AppliedAt   time.Time
}
