package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lifetrack/billing-ledger/billing"
	"github.com/shopspring/decimal"
)

// txStore implements billing.Tx on one *sql.Tx.
type txStore struct {
	q querier
}

var _ billing.Tx = (*txStore)(nil)

type scanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// PATIENTS & COVERAGES
// =============================================================================

const patientColumns = `id, first_name, last_name, date_of_birth, created_at, updated_at`

func (ts *txStore) InsertPatient(ctx context.Context, p *billing.Patient) error {
	res, err := ts.q.ExecContext(ctx,
		`INSERT INTO patients (first_name, last_name, date_of_birth, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		p.FirstName, p.LastName, formatDatePtr(p.DateOfBirth),
		billing.FormatTime(p.CreatedAt), billing.FormatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert patient: %w", err)
	}
	p.ID = billing.PatientID(lastID(res))
	return nil
}

func (ts *txStore) GetPatient(ctx context.Context, id billing.PatientID) (*billing.Patient, error) {
	row := ts.q.QueryRowContext(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = ?`, int64(id))
	p, err := scanPatient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (ts *txStore) ListPatients(ctx context.Context) ([]billing.Patient, error) {
	rows, err := ts.q.QueryContext(ctx, `SELECT `+patientColumns+` FROM patients ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list patients: %w", err)
	}
	return collect(rows, scanPatient)
}

func scanPatient(sc scanner) (*billing.Patient, error) {
	var (
		p                billing.Patient
		id               int64
		dob              sql.NullString
		created, updated string
	)
	if err := sc.Scan(&id, &p.FirstName, &p.LastName, &dob, &created, &updated); err != nil {
		return nil, err
	}
	p.ID = billing.PatientID(id)
	var err error
	if p.DateOfBirth, err = parseDatePtr(dob); err != nil {
		return nil, err
	}
	if p.CreatedAt, p.UpdatedAt, err = parseStamps(created, updated); err != nil {
		return nil, err
	}
	return &p, nil
}

const coverageColumns = `id, patient_id, insurer_name, plan_name, policy_number, group_number,
	insured_id, start_date, end_date, created_at, updated_at`

func (ts *txStore) InsertCoverage(ctx context.Context, c *billing.Coverage) error {
	res, err := ts.q.ExecContext(ctx,
		`INSERT INTO coverages (patient_id, insurer_name, plan_name, policy_number, group_number,
			insured_id, start_date, end_date, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(c.PatientID), c.InsurerName, nullString(c.PlanName), nullString(c.PolicyNumber),
		nullString(c.GroupNumber), nullString(c.InsuredID), c.StartDate.Format(billing.DateLayout),
		formatDatePtr(c.EndDate), billing.FormatTime(c.CreatedAt), billing.FormatTime(c.UpdatedAt),
	)
	if err != nil {
		return wrapWrite("coverage", err)
	}
	c.ID = billing.CoverageID(lastID(res))
	return nil
}

func (ts *txStore) GetCoverage(ctx context.Context, id billing.CoverageID) (*billing.Coverage, error) {
	row := ts.q.QueryRowContext(ctx, `SELECT `+coverageColumns+` FROM coverages WHERE id = ?`, int64(id))
	c, err := scanCoverage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (ts *txStore) ListCoveragesByPatient(ctx context.Context, patientID billing.PatientID) ([]billing.Coverage, error) {
	rows, err := ts.q.QueryContext(ctx,
		`SELECT `+coverageColumns+` FROM coverages WHERE patient_id = ? ORDER BY id`, int64(patientID))
	if err != nil {
		return nil, fmt.Errorf("failed to list coverages: %w", err)
	}
	return collect(rows, scanCoverage)
}

func scanCoverage(sc scanner) (*billing.Coverage, error) {
	var (
		c                                    billing.Coverage
		id, patientID                        int64
		plan, policy, group, insured, endStr sql.NullString
		start, created, updated              string
	)
	if err := sc.Scan(&id, &patientID, &c.InsurerName, &plan, &policy, &group,
		&insured, &start, &endStr, &created, &updated); err != nil {
		return nil, err
	}
	c.ID = billing.CoverageID(id)
	c.PatientID = billing.PatientID(patientID)
	c.PlanName, c.PolicyNumber, c.GroupNumber, c.InsuredID = plan.String, policy.String, group.String, insured.String
	var err error
	if c.StartDate, err = time.Parse(billing.DateLayout, start); err != nil {
		return nil, fmt.Errorf("coverage %d start_date: %w", id, err)
	}
	if c.EndDate, err = parseDatePtr(endStr); err != nil {
		return nil, err
	}
	if c.CreatedAt, c.UpdatedAt, err = parseStamps(created, updated); err != nil {
		return nil, err
	}
	return &c, nil
}

// =============================================================================
// CLAIMS
// =============================================================================

const claimColumns = `id, patient_id, coverage_id, status, referring_provider_name, referring_provider_npi,
	reserved_local_use_19, resubmission_code_22, original_ref_no_22, prior_authorization_23,
	created_at, updated_at`

func (ts *txStore) InsertClaim(ctx context.Context, c *billing.Claim) error {
	res, err := ts.q.ExecContext(ctx,
		`INSERT INTO claims (patient_id, coverage_id, status, referring_provider_name, referring_provider_npi,
			reserved_local_use_19, resubmission_code_22, original_ref_no_22, prior_authorization_23,
			created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(c.PatientID), int64(c.CoverageID), string(c.Status),
		nullString(c.CMS.ReferringProviderName), nullString(c.CMS.ReferringProviderNPI),
		nullString(c.CMS.ReservedLocalUse19), nullString(c.CMS.ResubmissionCode22),
		nullString(c.CMS.OriginalRefNo22), nullString(c.CMS.PriorAuthorization23),
		billing.FormatTime(c.CreatedAt), billing.FormatTime(c.UpdatedAt),
	)
	if err != nil {
		return wrapWrite("claim", err)
	}
	c.ID = billing.ClaimID(lastID(res))
	return nil
}

func (ts *txStore) GetClaim(ctx context.Context, id billing.ClaimID) (*billing.Claim, error) {
	row := ts.q.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE id = ?`, int64(id))
	c, err := scanClaim(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (ts *txStore) ListClaims(ctx context.Context) ([]billing.Claim, error) {
	rows, err := ts.q.QueryContext(ctx, `SELECT `+claimColumns+` FROM claims ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list claims: %w", err)
	}
	return collect(rows, scanClaim)
}

func (ts *txStore) UpdateClaimStatus(ctx context.Context, id billing.ClaimID, status billing.ClaimStatus, at time.Time) error {
	res, err := ts.q.ExecContext(ctx,
		`UPDATE claims SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), billing.FormatTime(at), int64(id))
	if err != nil {
		return fmt.Errorf("failed to update claim status: %w", err)
	}
	return requireRow(res, "claim", int64(id))
}

func (ts *txStore) UpdateClaimCMS(ctx context.Context, id billing.ClaimID, cms billing.ClaimCMS, at time.Time) error {
	res, err := ts.q.ExecContext(ctx,
		`UPDATE claims SET
			referring_provider_name = ?, referring_provider_npi = ?, reserved_local_use_19 = ?,
			resubmission_code_22 = ?, original_ref_no_22 = ?, prior_authorization_23 = ?,
			updated_at = ?
		 WHERE id = ?`,
		nullString(cms.ReferringProviderName), nullString(cms.ReferringProviderNPI),
		nullString(cms.ReservedLocalUse19), nullString(cms.ResubmissionCode22),
		nullString(cms.OriginalRefNo22), nullString(cms.PriorAuthorization23),
		billing.FormatTime(at), int64(id))
	if err != nil {
		return fmt.Errorf("failed to update claim CMS fields: %w", err)
	}
	return requireRow(res, "claim", int64(id))
}

func (ts *txStore) DeleteClaim(ctx context.Context, id billing.ClaimID) error {
	res, err := ts.q.ExecContext(ctx, `DELETE FROM claims WHERE id = ?`, int64(id))
	if err != nil {
		return wrapWrite("claim", err)
	}
	return requireRow(res, "claim", int64(id))
}

func scanClaim(sc scanner) (*billing.Claim, error) {
	var (
		c                              billing.Claim
		id, patientID, coverageID      int64
		status, created, updated       string
		refName, refNPI, box19, code22 sql.NullString
		ref22, auth23                  sql.NullString
	)
	if err := sc.Scan(&id, &patientID, &coverageID, &status, &refName, &refNPI,
		&box19, &code22, &ref22, &auth23, &created, &updated); err != nil {
		return nil, err
	}
	c.ID = billing.ClaimID(id)
	c.PatientID = billing.PatientID(patientID)
	c.CoverageID = billing.CoverageID(coverageID)
	c.Status = billing.ClaimStatus(status)
	c.CMS = billing.ClaimCMS{
		ReferringProviderName: refName.String,
		ReferringProviderNPI:  refNPI.String,
		ReservedLocalUse19:    box19.String,
		ResubmissionCode22:    code22.String,
		OriginalRefNo22:       ref22.String,
		PriorAuthorization23:  auth23.String,
	}
	var err error
	if c.CreatedAt, c.UpdatedAt, err = parseStamps(created, updated); err != nil {
		return nil, err
	}
	return &c, nil
}

// =============================================================================
// SERVICES
// =============================================================================

const serviceColumns = `id, claim_id, service_date, cpt_code, units, diagnosis_code, place_of_service,
	modifiers, description, outside_lab_20, lab_charges_20, created_at, updated_at`

func (ts *txStore) InsertService(ctx context.Context, s *billing.Service) error {
	res, err := ts.q.ExecContext(ctx,
		`INSERT INTO services (claim_id, service_date, cpt_code, units, diagnosis_code, place_of_service,
			modifiers, description, outside_lab_20, lab_charges_20, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(s.ClaimID), s.ServiceDate.Format(billing.DateLayout), s.CPTCode, s.Units,
		nullString(s.DiagnosisCode), nullString(s.PlaceOfService), nullString(s.Modifiers),
		nullString(s.Description), s.OutsideLab20, formatDecimalPtr(s.LabCharges20),
		billing.FormatTime(s.CreatedAt), billing.FormatTime(s.UpdatedAt),
	)
	if err != nil {
		return wrapWrite("service", err)
	}
	s.ID = billing.ServiceID(lastID(res))
	return nil
}

func (ts *txStore) GetService(ctx context.Context, id billing.ServiceID) (*billing.Service, error) {
	row := ts.q.QueryRowContext(ctx, `SELECT `+serviceColumns+` FROM services WHERE id = ?`, int64(id))
	s, err := scanService(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (ts *txStore) ListServicesByClaim(ctx context.Context, claimID billing.ClaimID) ([]billing.Service, error) {
	rows, err := ts.q.QueryContext(ctx,
		`SELECT `+serviceColumns+` FROM services WHERE claim_id = ? ORDER BY service_date, id`, int64(claimID))
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	return collect(rows, scanService)
}

func (ts *txStore) UpdateService(ctx context.Context, s *billing.Service) error {
	res, err := ts.q.ExecContext(ctx,
		`UPDATE services SET
			service_date = ?, cpt_code = ?, units = ?, diagnosis_code = ?, place_of_service = ?,
			modifiers = ?, description = ?, outside_lab_20 = ?, lab_charges_20 = ?, updated_at = ?
		 WHERE id = ?`,
		s.ServiceDate.Format(billing.DateLayout), s.CPTCode, s.Units, nullString(s.DiagnosisCode),
		nullString(s.PlaceOfService), nullString(s.Modifiers), nullString(s.Description),
		s.OutsideLab20, formatDecimalPtr(s.LabCharges20), billing.FormatTime(s.UpdatedAt), int64(s.ID))
	if err != nil {
		return fmt.Errorf("failed to update service: %w", err)
	}
	return requireRow(res, "service", int64(s.ID))
}

func (ts *txStore) DeleteService(ctx context.Context, id billing.ServiceID) error {
	res, err := ts.q.ExecContext(ctx, `DELETE FROM services WHERE id = ?`, int64(id))
	if err != nil {
		return wrapWrite("service", err)
	}
	return requireRow(res, "service", int64(id))
}

func (ts *txStore) ServiceClaimID(ctx context.Context, id billing.ServiceID) (billing.ClaimID, bool, error) {
	var claimID int64
	err := ts.q.QueryRowContext(ctx, `SELECT claim_id FROM services WHERE id = ?`, int64(id)).Scan(&claimID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to resolve service claim: %w", err)
	}
	return billing.ClaimID(claimID), true, nil
}

func scanService(sc scanner) (*billing.Service, error) {
	var (
		s                        billing.Service
		id, claimID              int64
		date, created, updated   string
		dx, pos, mods, desc, lab sql.NullString
	)
	if err := sc.Scan(&id, &claimID, &date, &s.CPTCode, &s.Units, &dx, &pos,
		&mods, &desc, &s.OutsideLab20, &lab, &created, &updated); err != nil {
		return nil, err
	}
	s.ID = billing.ServiceID(id)
	s.ClaimID = billing.ClaimID(claimID)
	s.DiagnosisCode, s.PlaceOfService, s.Modifiers, s.Description = dx.String, pos.String, mods.String, desc.String
	var err error
	if s.ServiceDate, err = time.Parse(billing.DateLayout, date); err != nil {
		return nil, fmt.Errorf("service %d service_date: %w", id, err)
	}
	if s.LabCharges20, err = parseDecimalPtr(lab); err != nil {
		return nil, err
	}
	if s.CreatedAt, s.UpdatedAt, err = parseStamps(created, updated); err != nil {
		return nil, err
	}
	return &s, nil
}

// =============================================================================
// CHARGES
// =============================================================================

const chargeColumns = `ch.id, ch.service_id, ch.amount, ch.created_at, ch.updated_at`

func (ts *txStore) InsertCharge(ctx context.Context, c *billing.Charge) error {
	res, err := ts.q.ExecContext(ctx,
		`INSERT INTO charges (service_id, amount, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		int64(c.ServiceID), c.Amount.String(), billing.FormatTime(c.CreatedAt), billing.FormatTime(c.UpdatedAt))
	if err != nil {
		return wrapWrite("charge", err)
	}
	c.ID = billing.ChargeID(lastID(res))
	return nil
}

func (ts *txStore) GetCharge(ctx context.Context, id billing.ChargeID) (*billing.Charge, error) {
	row := ts.q.QueryRowContext(ctx, `SELECT `+chargeColumns+` FROM charges ch WHERE ch.id = ?`, int64(id))
	c, err := scanCharge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (ts *txStore) ListChargesByService(ctx context.Context, serviceID billing.ServiceID) ([]billing.Charge, error) {
	rows, err := ts.q.QueryContext(ctx,
		`SELECT `+chargeColumns+` FROM charges ch WHERE ch.service_id = ? ORDER BY ch.id`, int64(serviceID))
	if err != nil {
		return nil, fmt.Errorf("failed to list charges: %w", err)
	}
	return collect(rows, scanCharge)
}

func (ts *txStore) ListChargesByClaim(ctx context.Context, claimID billing.ClaimID) ([]billing.Charge, error) {
	rows, err := ts.q.QueryContext(ctx,
		`SELECT `+chargeColumns+`
		 FROM charges ch
		 JOIN services s ON s.id = ch.service_id
		 WHERE s.claim_id = ?
		 ORDER BY ch.id`, int64(claimID))
	if err != nil {
		return nil, fmt.Errorf("failed to list claim charges: %w", err)
	}
	return collect(rows, scanCharge)
}

func (ts *txStore) UpdateChargeAmount(ctx context.Context, id billing.ChargeID, amount decimal.Decimal, at time.Time) error {
	res, err := ts.q.ExecContext(ctx,
		`UPDATE charges SET amount = ?, updated_at = ? WHERE id = ?`,
		amount.String(), billing.FormatTime(at), int64(id))
	if err != nil {
		return fmt.Errorf("failed to update charge: %w", err)
	}
	return requireRow(res, "charge", int64(id))
}

func (ts *txStore) DeleteCharges(ctx context.Context, ids ...billing.ChargeID) (int64, error) {
	return ts.deleteIDs(ctx, "charges", int64Args(ids))
}

func (ts *txStore) ChargeClaimID(ctx context.Context, id billing.ChargeID) (billing.ClaimID, bool, error) {
	var claimID int64
	err := ts.q.QueryRowContext(ctx,
		`SELECT s.claim_id FROM charges ch JOIN services s ON s.id = ch.service_id WHERE ch.id = ?`,
		int64(id)).Scan(&claimID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to resolve charge claim: %w", err)
	}
	return billing.ClaimID(claimID), true, nil
}

func scanCharge(sc scanner) (*billing.Charge, error) {
	var (
		c                        billing.Charge
		id, serviceID            int64
		amount, created, updated string
	)
	if err := sc.Scan(&id, &serviceID, &amount, &created, &updated); err != nil {
		return nil, err
	}
	c.ID = billing.ChargeID(id)
	c.ServiceID = billing.ServiceID(serviceID)
	var err error
	if c.Amount, err = parseDecimal(amount); err != nil {
		return nil, fmt.Errorf("charge %d: %w", id, err)
	}
	if c.CreatedAt, c.UpdatedAt, err = parseStamps(created, updated); err != nil {
		return nil, err
	}
	return &c, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

const paymentColumns = `id, amount, method, reference, received_date, created_at, updated_at`

func (ts *txStore) InsertPayment(ctx context.Context, p *billing.Payment) error {
	res, err := ts.q.ExecContext(ctx,
		`INSERT INTO payments (amount, method, reference, received_date, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.Amount.String(), string(p.Method), nullString(p.Reference), p.ReceivedDate.Format(billing.DateLayout),
		billing.FormatTime(p.CreatedAt), billing.FormatTime(p.UpdatedAt))
	if err != nil {
		return wrapWrite("payment", err)
	}
	p.ID = billing.PaymentID(lastID(res))
	return nil
}

func (ts *txStore) GetPayment(ctx context.Context, id billing.PaymentID) (*billing.Payment, error) {
	row := ts.q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, int64(id))
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (ts *txStore) ListPayments(ctx context.Context, limit int) ([]billing.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments ORDER BY received_date DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := ts.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return collect(rows, scanPayment)
}

func (ts *txStore) UpdatePayment(ctx context.Context, p *billing.Payment) error {
	res, err := ts.q.ExecContext(ctx,
		`UPDATE payments SET amount = ?, method = ?, reference = ?, received_date = ?, updated_at = ?
		 WHERE id = ?`,
		p.Amount.String(), string(p.Method), nullString(p.Reference), p.ReceivedDate.Format(billing.DateLayout),
		billing.FormatTime(p.UpdatedAt), int64(p.ID))
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	return requireRow(res, "payment", int64(p.ID))
}

func (ts *txStore) DeletePayment(ctx context.Context, id billing.PaymentID) error {
	res, err := ts.q.ExecContext(ctx, `DELETE FROM payments WHERE id = ?`, int64(id))
	if err != nil {
		return wrapWrite("payment", err)
	}
	return requireRow(res, "payment", int64(id))
}

func scanPayment(sc scanner) (*billing.Payment, error) {
	var (
		p                        billing.Payment
		id                       int64
		amount, method, received string
		created, updated         string
		reference                sql.NullString
	)
	if err := sc.Scan(&id, &amount, &method, &reference, &received, &created, &updated); err != nil {
		return nil, err
	}
	p.ID = billing.PaymentID(id)
	p.Method = billing.PaymentMethod(method)
	p.Reference = reference.String
	var err error
	if p.Amount, err = parseDecimal(amount); err != nil {
		return nil, fmt.Errorf("payment %d: %w", id, err)
	}
	if p.ReceivedDate, err = time.Parse(billing.DateLayout, received); err != nil {
		return nil, fmt.Errorf("payment %d received_date: %w", id, err)
	}
	if p.CreatedAt, p.UpdatedAt, err = parseStamps(created, updated); err != nil {
		return nil, err
	}
	return &p, nil
}

// =============================================================================
// APPLICATIONS
// =============================================================================

const applicationColumns = `a.id, a.payment_id, a.charge_id, a.amount_applied, a.created_at`

func (ts *txStore) InsertApplication(ctx context.Context, a *billing.Application) error {
	res, err := ts.q.ExecContext(ctx,
		`INSERT INTO applications (payment_id, charge_id, amount_applied, created_at) VALUES (?, ?, ?, ?)`,
		int64(a.PaymentID), int64(a.ChargeID), a.AmountApplied.String(), billing.FormatTime(a.CreatedAt))
	if err != nil {
		return wrapWrite("application", err)
	}
	a.ID = billing.ApplicationID(lastID(res))
	return nil
}

func (ts *txStore) ListApplicationsByCharge(ctx context.Context, chargeID billing.ChargeID) ([]billing.Application, error) {
	return ts.queryApplications(ctx,
		`SELECT `+applicationColumns+` FROM applications a WHERE a.charge_id = ? ORDER BY a.id`, int64(chargeID))
}

func (ts *txStore) ListApplicationsByPayment(ctx context.Context, paymentID billing.PaymentID) ([]billing.Application, error) {
	return ts.queryApplications(ctx,
		`SELECT `+applicationColumns+` FROM applications a WHERE a.payment_id = ? ORDER BY a.id`, int64(paymentID))
}

func (ts *txStore) ListApplicationsByClaim(ctx context.Context, claimID billing.ClaimID) ([]billing.Application, error) {
	return ts.queryApplications(ctx,
		`SELECT `+applicationColumns+`
		 FROM applications a
		 JOIN charges ch ON ch.id = a.charge_id
		 JOIN services s ON s.id = ch.service_id
		 WHERE s.claim_id = ?
		 ORDER BY a.id`, int64(claimID))
}

func (ts *txStore) DeleteApplications(ctx context.Context, ids ...billing.ApplicationID) (int64, error) {
	return ts.deleteIDs(ctx, "applications", int64Args(ids))
}

func (ts *txStore) queryApplications(ctx context.Context, query string, args ...any) ([]billing.Application, error) {
	rows, err := ts.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list applications: %w", err)
	}
	return collect(rows, func(sc scanner) (*billing.Application, error) {
		var (
			a                       billing.Application
			id, paymentID, chargeID int64
			amount, created         string
		)
		if err := sc.Scan(&id, &paymentID, &chargeID, &amount, &created); err != nil {
			return nil, err
		}
		a.ID = billing.ApplicationID(id)
		a.PaymentID = billing.PaymentID(paymentID)
		a.ChargeID = billing.ChargeID(chargeID)
		var err error
		if a.AmountApplied, err = parseDecimal(amount); err != nil {
			return nil, fmt.Errorf("application %d: %w", id, err)
		}
		if a.CreatedAt, err = billing.ParseTime(created); err != nil {
			return nil, fmt.Errorf("application %d created_at: %w", id, err)
		}
		return &a, nil
	})
}

// =============================================================================
// ADJUSTMENTS
// =============================================================================

const adjustmentColumns = `ad.id, ad.charge_id, ad.amount, ad.reason, ad.note, ad.created_at`

func (ts *txStore) InsertAdjustment(ctx context.Context, a *billing.Adjustment) error {
	res, err := ts.q.ExecContext(ctx,
		`INSERT INTO adjustments (charge_id, amount, reason, note, created_at) VALUES (?, ?, ?, ?, ?)`,
		int64(a.ChargeID), a.Amount.String(), string(a.Reason), nullString(a.Note), billing.FormatTime(a.CreatedAt))
	if err != nil {
		return wrapWrite("adjustment", err)
	}
	a.ID = billing.AdjustmentID(lastID(res))
	return nil
}

func (ts *txStore) ListAdjustmentsByCharge(ctx context.Context, chargeID billing.ChargeID) ([]billing.Adjustment, error) {
	return ts.queryAdjustments(ctx,
		`SELECT `+adjustmentColumns+` FROM adjustments ad WHERE ad.charge_id = ? ORDER BY ad.id`, int64(chargeID))
}

func (ts *txStore) ListAdjustmentsByClaim(ctx context.Context, claimID billing.ClaimID) ([]billing.Adjustment, error) {
	return ts.queryAdjustments(ctx,
		`SELECT `+adjustmentColumns+`
		 FROM adjustments ad
		 JOIN charges ch ON ch.id = ad.charge_id
		 JOIN services s ON s.id = ch.service_id
		 WHERE s.claim_id = ?
		 ORDER BY ad.id`, int64(claimID))
}

func (ts *txStore) DeleteAdjustments(ctx context.Context, ids ...billing.AdjustmentID) (int64, error) {
	return ts.deleteIDs(ctx, "adjustments", int64Args(ids))
}

func (ts *txStore) queryAdjustments(ctx context.Context, query string, args ...any) ([]billing.Adjustment, error) {
	rows, err := ts.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list adjustments: %w", err)
	}
	return collect(rows, func(sc scanner) (*billing.Adjustment, error) {
		var (
			a                       billing.Adjustment
			id, chargeID            int64
			amount, reason, created string
			note                    sql.NullString
		)
		if err := sc.Scan(&id, &chargeID, &amount, &reason, &note, &created); err != nil {
			return nil, err
		}
		a.ID = billing.AdjustmentID(id)
		a.ChargeID = billing.ChargeID(chargeID)
		a.Reason = billing.AdjustmentReason(reason)
		a.Note = note.String
		var err error
		if a.Amount, err = parseDecimal(amount); err != nil {
			return nil, fmt.Errorf("adjustment %d: %w", id, err)
		}
		if a.CreatedAt, err = billing.ParseTime(created); err != nil {
			return nil, fmt.Errorf("adjustment %d created_at: %w", id, err)
		}
		return &a, nil
	})
}

// =============================================================================
// SNAPSHOTS - Append-only
// =============================================================================

const snapshotColumns = `id, claim_id, snapshot_json, snapshot_hash, created_at`

func (ts *txStore) InsertSnapshot(ctx context.Context, s *billing.Snapshot) error {
	res, err := ts.q.ExecContext(ctx,
		`INSERT INTO cms1500_snapshots (claim_id, snapshot_json, snapshot_hash, created_at) VALUES (?, ?, ?, ?)`,
		int64(s.ClaimID), s.JSON, s.Hash, billing.FormatTime(s.CreatedAt))
	if err != nil {
		return wrapWrite("snapshot", err)
	}
	s.ID = billing.SnapshotID(lastID(res))
	return nil
}

func (ts *txStore) GetSnapshot(ctx context.Context, id billing.SnapshotID) (*billing.Snapshot, error) {
	row := ts.q.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM cms1500_snapshots WHERE id = ?`, int64(id))
	s, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (ts *txStore) LatestSnapshot(ctx context.Context, claimID billing.ClaimID) (*billing.Snapshot, error) {
	row := ts.q.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM cms1500_snapshots WHERE claim_id = ? ORDER BY id DESC LIMIT 1`,
		int64(claimID))
	s, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (ts *txStore) ListSnapshotsByClaim(ctx context.Context, claimID billing.ClaimID) ([]billing.Snapshot, error) {
	rows, err := ts.q.QueryContext(ctx,
		`SELECT `+snapshotColumns+` FROM cms1500_snapshots WHERE claim_id = ? ORDER BY id DESC`, int64(claimID))
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	return collect(rows, scanSnapshot)
}

func (ts *txStore) ListSnapshots(ctx context.Context) ([]billing.Snapshot, error) {
	rows, err := ts.q.QueryContext(ctx, `SELECT `+snapshotColumns+` FROM cms1500_snapshots ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	return collect(rows, scanSnapshot)
}

func (ts *txStore) HasSnapshot(ctx context.Context, claimID billing.ClaimID) (bool, error) {
	var exists bool
	err := ts.q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM cms1500_snapshots WHERE claim_id = ?)`, int64(claimID)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check claim lock: %w", err)
	}
	return exists, nil
}

func (ts *txStore) SnapshottedClaimIDs(ctx context.Context) ([]billing.ClaimID, error) {
	rows, err := ts.q.QueryContext(ctx, `SELECT DISTINCT claim_id FROM cms1500_snapshots ORDER BY claim_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshotted claims: %w", err)
	}
	defer rows.Close()

	var ids []billing.ClaimID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, billing.ClaimID(id))
	}
	return ids, rows.Err()
}

func scanSnapshot(sc scanner) (*billing.Snapshot, error) {
	var (
		s           billing.Snapshot
		id, claimID int64
		created     string
	)
	if err := sc.Scan(&id, &claimID, &s.JSON, &s.Hash, &created); err != nil {
		return nil, err
	}
	s.ID = billing.SnapshotID(id)
	s.ClaimID = billing.ClaimID(claimID)
	var err error
	if s.CreatedAt, err = billing.ParseTime(created); err != nil {
		return nil, fmt.Errorf("snapshot %d created_at: %w", id, err)
	}
	return &s, nil
}

// =============================================================================
// PROVIDER SETTINGS
// =============================================================================

const providerColumns = `id, active, signature, signature_date, facility_name, facility_address,
	facility_city, facility_state, facility_zip, billing_name, billing_npi, billing_tax_id,
	billing_address, billing_city, billing_state, billing_zip, created_at, updated_at`

func (ts *txStore) ActiveProviderSettings(ctx context.Context) (*billing.ProviderSettings, error) {
	row := ts.q.QueryRowContext(ctx,
		`SELECT `+providerColumns+` FROM provider_settings WHERE active = 1 ORDER BY id DESC LIMIT 1`)
	var (
		ps               billing.ProviderSettings
		fields           [14]sql.NullString
		created, updated string
	)
	dest := []any{&ps.ID, &ps.Active}
	for i := range fields {
		dest = append(dest, &fields[i])
	}
	dest = append(dest, &created, &updated)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load provider settings: %w", err)
	}
	targets := providerFields(&ps)
	for i, f := range fields {
		*targets[i] = f.String
	}
	var err error
	if ps.CreatedAt, ps.UpdatedAt, err = parseStamps(created, updated); err != nil {
		return nil, err
	}
	return &ps, nil
}

func (ts *txStore) SaveProviderSettings(ctx context.Context, ps *billing.ProviderSettings) error {
	args := []any{ps.Active}
	for _, f := range providerFields(ps) {
		args = append(args, nullString(*f))
	}
	if ps.ID == 0 {
		args = append(args, billing.FormatTime(ps.CreatedAt), billing.FormatTime(ps.UpdatedAt))
		res, err := ts.q.ExecContext(ctx,
			`INSERT INTO provider_settings (active, signature, signature_date, facility_name, facility_address,
				facility_city, facility_state, facility_zip, billing_name, billing_npi, billing_tax_id,
				billing_address, billing_city, billing_state, billing_zip, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
		if err != nil {
			return fmt.Errorf("failed to insert provider settings: %w", err)
		}
		ps.ID = lastID(res)
		return nil
	}

	args = append(args, billing.FormatTime(ps.UpdatedAt), ps.ID)
	res, err := ts.q.ExecContext(ctx,
		`UPDATE provider_settings SET active = ?, signature = ?, signature_date = ?, facility_name = ?,
			facility_address = ?, facility_city = ?, facility_state = ?, facility_zip = ?, billing_name = ?,
			billing_npi = ?, billing_tax_id = ?, billing_address = ?, billing_city = ?, billing_state = ?,
			billing_zip = ?, updated_at = ?
		 WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update provider settings: %w", err)
	}
	return requireRow(res, "provider settings", ps.ID)
}

// providerFields lists the text columns in providerColumns order.
func providerFields(ps *billing.ProviderSettings) []*string {
	return []*string{
		&ps.Signature, &ps.SignatureDate,
		&ps.FacilityName, &ps.FacilityAddress, &ps.FacilityCity, &ps.FacilityState, &ps.FacilityZip,
		&ps.BillingName, &ps.BillingNPI, &ps.BillingTaxID,
		&ps.BillingAddress, &ps.BillingCity, &ps.BillingState, &ps.BillingZip,
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func collect[T any](rows *sql.Rows, scan func(scanner) (*T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

func (ts *txStore) deleteIDs(ctx context.Context, table string, ids []any) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := ts.q.ExecContext(ctx, `DELETE FROM `+table+` WHERE id IN (`+placeholders(len(ids))+`)`, ids...)
	if err != nil {
		return 0, wrapWrite(table, err)
	}
	return res.RowsAffected()
}

func lastID(res sql.Result) int64 {
	id, _ := res.LastInsertId()
	return id
}

func requireRow(res sql.Result, entity string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &billing.NotFoundError{Entity: entity, ID: id}
	}
	return nil
}

// wrapWrite turns foreign key failures into validation errors.
func wrapWrite(entity string, err error) error {
	if isForeignKeyError(err) {
		return &billing.ValidationError{Field: entity, Message: "references a missing or still-referenced row"}
	}
	return fmt.Errorf("failed to write %s: %w", entity, err)
}

func parseStamps(created, updated string) (time.Time, time.Time, error) {
	c, err := billing.ParseTime(created)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("created_at: %w", err)
	}
	u, err := billing.ParseTime(updated)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("updated_at: %w", err)
	}
	return c, u, nil
}

func formatDatePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(billing.DateLayout), Valid: true}
}

func parseDatePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(billing.DateLayout, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}

func formatDecimalPtr(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseDecimalPtr(s sql.NullString) (*decimal.Decimal, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
