package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lifetrack/billing-ledger/billing"
)

// =============================================================================
// MIGRATIONS - Versioned, forward-only
// =============================================================================

// migration is one schema step. Versions are applied in order, each in its
// own transaction together with its schema_migrations row.
type migration struct {
	Version int
	Name    string
	SQL     string
}

var migrations = []migration{
	{1, "core ledger", `
	CREATE TABLE patients (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		first_name TEXT NOT NULL,
		last_name TEXT NOT NULL,
		date_of_birth TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE coverages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		patient_id INTEGER NOT NULL REFERENCES patients(id),
		insurer_name TEXT NOT NULL,
		plan_name TEXT,
		policy_number TEXT,
		group_number TEXT,
		insured_id TEXT,
		start_date TEXT NOT NULL,
		end_date TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX idx_coverages_patient ON coverages(patient_id);

	CREATE TABLE claims (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		patient_id INTEGER NOT NULL REFERENCES patients(id),
		coverage_id INTEGER NOT NULL REFERENCES coverages(id),
		status TEXT NOT NULL DEFAULT 'DRAFT'
			CHECK (status IN ('DRAFT','READY','SUBMITTED','DENIED','PAID')),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE services (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		claim_id INTEGER NOT NULL REFERENCES claims(id),
		service_date TEXT NOT NULL,
		cpt_code TEXT NOT NULL,
		units INTEGER NOT NULL DEFAULT 1 CHECK (units > 0),
		diagnosis_code TEXT,
		place_of_service TEXT,
		modifiers TEXT,
		description TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX idx_services_claim ON services(claim_id, service_date, id);

	-- One charge per service is enforced by the Mutation Guard, not here:
	-- reconciliation may add restore rows next to an existing charge.
	CREATE TABLE charges (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		service_id INTEGER NOT NULL REFERENCES services(id),
		amount TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX idx_charges_service ON charges(service_id);

	CREATE TABLE payments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		amount TEXT NOT NULL,
		method TEXT NOT NULL CHECK (method IN ('cash','check','eft','other')),
		reference TEXT,
		received_date TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE applications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		payment_id INTEGER NOT NULL REFERENCES payments(id),
		charge_id INTEGER NOT NULL REFERENCES charges(id),
		amount_applied TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX idx_applications_payment ON applications(payment_id);
	CREATE INDEX idx_applications_charge ON applications(charge_id);

	CREATE TABLE adjustments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		charge_id INTEGER NOT NULL REFERENCES charges(id),
		amount TEXT NOT NULL,
		reason TEXT NOT NULL CHECK (reason IN ('write-off','contractual','denial')),
		note TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX idx_adjustments_charge ON adjustments(charge_id);

	CREATE TABLE cms1500_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		claim_id INTEGER NOT NULL REFERENCES claims(id),
		snapshot_json TEXT NOT NULL,
		snapshot_hash TEXT NOT NULL CHECK (length(snapshot_hash) = 64),
		created_at TEXT NOT NULL
	);
	CREATE INDEX idx_snapshots_claim ON cms1500_snapshots(claim_id, id DESC);

	CREATE TABLE provider_settings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		active INTEGER NOT NULL DEFAULT 1,
		billing_name TEXT,
		billing_npi TEXT,
		billing_tax_id TEXT,
		billing_address TEXT,
		billing_city TEXT,
		billing_state TEXT,
		billing_zip TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`},

	{2, "cms-1500 claim and service boxes", `
	ALTER TABLE claims ADD COLUMN referring_provider_name TEXT;
	ALTER TABLE claims ADD COLUMN referring_provider_npi TEXT;
	ALTER TABLE claims ADD COLUMN reserved_local_use_19 TEXT;
	ALTER TABLE claims ADD COLUMN resubmission_code_22 TEXT;
	ALTER TABLE claims ADD COLUMN original_ref_no_22 TEXT;
	ALTER TABLE claims ADD COLUMN prior_authorization_23 TEXT;

	ALTER TABLE services ADD COLUMN outside_lab_20 INTEGER NOT NULL DEFAULT 0;
	ALTER TABLE services ADD COLUMN lab_charges_20 TEXT;
	`},

	{3, "provider signature and facility", `
	ALTER TABLE provider_settings ADD COLUMN signature TEXT;
	ALTER TABLE provider_settings ADD COLUMN signature_date TEXT;
	ALTER TABLE provider_settings ADD COLUMN facility_name TEXT;
	ALTER TABLE provider_settings ADD COLUMN facility_address TEXT;
	ALTER TABLE provider_settings ADD COLUMN facility_city TEXT;
	ALTER TABLE provider_settings ADD COLUMN facility_state TEXT;
	ALTER TABLE provider_settings ADD COLUMN facility_zip TEXT;
	`},

	{4, "append-only snapshots", `
	CREATE TRIGGER cms1500_snapshots_no_update
	BEFORE UPDATE ON cms1500_snapshots
	BEGIN
		SELECT RAISE(ABORT, 'cms1500_snapshots is append-only');
	END;

	CREATE TRIGGER cms1500_snapshots_no_delete
	BEFORE DELETE ON cms1500_snapshots
	BEGIN
		SELECT RAISE(ABORT, 'cms1500_snapshots is append-only');
	END;
	`},
}

// LatestVersion is the schema version this binary expects.
func LatestVersion() int {
	return migrations[len(migrations)-1].Version
}

// MigrationStatus describes one known migration.
type MigrationStatus struct {
	Version   int
	Name      string
	AppliedAt *time.Time
}

const createMigrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`

// Migrate applies pending migrations and returns how many ran. It fails if
// the database was migrated by a newer binary.
func (s *Store) Migrate(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, createMigrationsTable); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}
	applied, err := appliedVersions(ctx, s.db)
	if err != nil {
		return 0, err
	}
	for v := range applied {
		if v > LatestVersion() {
			return 0, fmt.Errorf("database schema version %d is newer than supported version %d", v, LatestVersion())
		}
	}

	count := 0
	for _, m := range migrations {
		if _, ok := applied[m.Version]; ok {
			continue
		}
		if err := s.apply(ctx, m); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (s *Store) apply(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration %d: begin: %w", m.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.Version, m.Name, billing.FormatTime(time.Now()),
	); err != nil {
		return fmt.Errorf("migration %d: record: %w", m.Version, err)
	}
	return tx.Commit()
}

// MigrationStatus lists every known migration with its applied time, if any.
func (s *Store) MigrationStatus(ctx context.Context) ([]MigrationStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, createMigrationsTable); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}
	applied, err := appliedVersions(ctx, s.db)
	if err != nil {
		return nil, err
	}
	out := make([]MigrationStatus, 0, len(migrations))
	for _, m := range migrations {
		st := MigrationStatus{Version: m.Version, Name: m.Name}
		if at, ok := applied[m.Version]; ok {
			at := at
			st.AppliedAt = &at
		}
		out = append(out, st)
	}
	return out, nil
}

func appliedVersions(ctx context.Context, q querier) (map[int]time.Time, error) {
	rows, err := q.QueryContext(ctx, `SELECT version, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]time.Time)
	for rows.Next() {
		var (
			version int
			at      string
		)
		if err := rows.Scan(&version, &at); err != nil {
			return nil, err
		}
		t, err := billing.ParseTime(at)
		if err != nil {
			return nil, fmt.Errorf("schema_migrations version %d: %w", version, err)
		}
		applied[version] = t
	}
	return applied, rows.Err()
}

var _ querier = (*sql.DB)(nil)
