/*
snapshot.go - Snapshot Engine

PURPOSE:
  Builds the CMS-1500 payload of a claim, canonicalizes and hashes it, and
  appends it to the snapshot table. Inserting the row is what locks the
  claim (lock.go); there is no separate flag.

PAYLOAD:

    {
      "meta":      {claim_id, version, generated_at},
      "claim":     {id, patient_id, coverage_id, status, created_at},
      "claim_cms": {box17_referring_provider{name,npi}, box19_reserved_local_use,
                    box22_resubmission{code,original_ref_no}, box23_prior_authorization},
      "patient":   {...}, "insurance": {...},
      "diagnoses": [{label:"A", code}, ...],           // at most four
      "services":  [{..., dx_pointer, charge_amount_24f, outside_lab_20, lab_charges_20}],
      "totals":    {total_charge, amount_paid, adjustments, balance_due},
      "provider":  {...}
    }

  Money is rounded to cents and written as JSON numbers.

DIAGNOSIS POINTERS:
  Distinct codes are collected in encounter order and labelled A-D. A service
  whose code did not get a label (fifth distinct code onward) has a null
  pointer; no fifth label is ever invented.

READINESS:
  A claim needs at least one service, and every service needs a date, a CPT
  code and units > 0. Otherwise generation fails with ValidationError. An
  already-locked claim may be snapshotted again; the newest row wins.
*/
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SnapshotVersion tags the payload layout.
const SnapshotVersion = "cms1500_v2"

// dxLabels are the CMS-1500 box 21 diagnosis letters the payload uses.
var dxLabels = []string{"A", "B", "C", "D"}

// =============================================================================
// PAYLOAD TYPES
// =============================================================================

type SnapshotPayload struct {
	Meta      SnapshotMeta      `json:"meta"`
	Claim     SnapshotClaim     `json:"claim"`
	ClaimCMS  SnapshotCMS       `json:"claim_cms"`
	Patient   SnapshotPatient   `json:"patient"`
	Insurance SnapshotInsurance `json:"insurance"`
	Diagnoses []Diagnosis       `json:"diagnoses"`
	Services  []SnapshotService `json:"services"`
	Totals    SnapshotTotals    `json:"totals"`
	Provider  SnapshotProvider  `json:"provider"`
}

type SnapshotMeta struct {
	ClaimID     int64  `json:"claim_id"`
	Version     string `json:"version"`
	GeneratedAt string `json:"generated_at"`
}

type SnapshotClaim struct {
	ID         int64  `json:"id"`
	PatientID  int64  `json:"patient_id"`
	CoverageID int64  `json:"coverage_id"`
	Status     string `json:"status"`
	CreatedAt  string `json:"created_at"`
}

type ReferringProvider struct {
	Name string `json:"name"`
	NPI  string `json:"npi"`
}

type Resubmission struct {
	Code          string `json:"code"`
	OriginalRefNo string `json:"original_ref_no"`
}

type SnapshotCMS struct {
	Box17ReferringProvider  ReferringProvider `json:"box17_referring_provider"`
	Box19ReservedLocalUse   string            `json:"box19_reserved_local_use"`
	Box22Resubmission       Resubmission      `json:"box22_resubmission"`
	Box23PriorAuthorization string            `json:"box23_prior_authorization"`
}

type SnapshotPatient struct {
	ID          int64   `json:"id"`
	FirstName   string  `json:"first_name"`
	LastName    string  `json:"last_name"`
	DateOfBirth *string `json:"date_of_birth"`
}

type SnapshotInsurance struct {
	CoverageID   int64   `json:"coverage_id"`
	InsurerName  string  `json:"insurer_name"`
	PlanName     string  `json:"plan_name"`
	PolicyNumber string  `json:"policy_number"`
	GroupNumber  string  `json:"group_number"`
	InsuredID    string  `json:"insured_id"`
	StartDate    string  `json:"start_date"`
	EndDate      *string `json:"end_date"`
}

type Diagnosis struct {
	Label string `json:"label"`
	Code  string `json:"code"`
}

type SnapshotService struct {
	ID              int64    `json:"id"`
	ServiceDate     string   `json:"service_date"`
	CPTCode         string   `json:"cpt_code"`
	Units           int      `json:"units"`
	DiagnosisCode   string   `json:"diagnosis_code"`
	DxPointer       *string  `json:"dx_pointer"`
	PlaceOfService  string   `json:"place_of_service"`
	Modifiers       string   `json:"modifiers"`
	Description     string   `json:"description"`
	ChargeID        *int64   `json:"charge_id"`
	ChargeAmount24F float64  `json:"charge_amount_24f"`
	OutsideLab20    bool     `json:"outside_lab_20"`
	LabCharges20    *float64 `json:"lab_charges_20"`
}

type SnapshotTotals struct {
	TotalCharge float64 `json:"total_charge"`
	AmountPaid  float64 `json:"amount_paid"`
	Adjustments float64 `json:"adjustments"`
	BalanceDue  float64 `json:"balance_due"`
}

type SnapshotProvider struct {
	Signature       string `json:"signature"`
	SignatureDate   string `json:"signature_date"`
	FacilityName    string `json:"facility_name"`
	FacilityAddress string `json:"facility_address"`
	FacilityCity    string `json:"facility_city"`
	FacilityState   string `json:"facility_state"`
	FacilityZip     string `json:"facility_zip"`
	BillingName     string `json:"billing_name"`
	BillingNPI      string `json:"billing_npi"`
	BillingTaxID    string `json:"billing_tax_id"`
	BillingAddress  string `json:"billing_address"`
	BillingCity     string `json:"billing_city"`
	BillingState    string `json:"billing_state"`
	BillingZip      string `json:"billing_zip"`
}

// Totals is the decimal form of SnapshotTotals.
type Totals struct {
	TotalCharge decimal.Decimal
	AmountPaid  decimal.Decimal
	Adjustments decimal.Decimal
	BalanceDue  decimal.Decimal
}

// Decimal converts the stored float totals back to cents.
func (t SnapshotTotals) Decimal() Totals {
	return Totals{
		TotalCharge: Cents(decimal.NewFromFloat(t.TotalCharge)),
		AmountPaid:  Cents(decimal.NewFromFloat(t.AmountPaid)),
		Adjustments: Cents(decimal.NewFromFloat(t.Adjustments)),
		BalanceDue:  Cents(decimal.NewFromFloat(t.BalanceDue)),
	}
}

// ParsePayload decodes a stored snapshot's JSON.
func ParsePayload(s Snapshot) (*SnapshotPayload, error) {
	var p SnapshotPayload
	if err := json.Unmarshal([]byte(s.JSON), &p); err != nil {
		return nil, fmt.Errorf("snapshot %d: decode payload: %w", s.ID, err)
	}
	return &p, nil
}

func money(d decimal.Decimal) float64 {
	return Cents(d).InexactFloat64()
}

func formatDate(t time.Time) string {
	return t.Format(DateLayout)
}

func formatOptionalDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatDate(*t)
	return &s
}

// =============================================================================
// DIAGNOSIS POINTERS
// =============================================================================

// DiagnosisPointers labels up to four distinct codes in service order and
// returns the label for each service (nil when it has none).
func DiagnosisPointers(services []Service) ([]Diagnosis, []*string) {
	labels := make(map[string]string)
	var diagnoses []Diagnosis
	for _, s := range services {
		code := s.DiagnosisCode
		if code == "" {
			continue
		}
		if _, seen := labels[code]; seen || len(diagnoses) == len(dxLabels) {
			continue
		}
		label := dxLabels[len(diagnoses)]
		labels[code] = label
		diagnoses = append(diagnoses, Diagnosis{Label: label, Code: code})
	}

	pointers := make([]*string, len(services))
	for i, s := range services {
		if label, ok := labels[s.DiagnosisCode]; ok {
			pointers[i] = &label
		}
	}
	if diagnoses == nil {
		diagnoses = []Diagnosis{}
	}
	return diagnoses, pointers
}

// =============================================================================
// GENERATION
// =============================================================================

func validateReady(claimID ClaimID, services []Service) error {
	if len(services) == 0 {
		return invalid("services", "claim %d has no services", claimID)
	}
	for i, s := range services {
		switch {
		case s.ServiceDate.IsZero():
			return invalid("services", "service #%d has no service_date", i+1)
		case s.CPTCode == "":
			return invalid("services", "service #%d has no cpt_code", i+1)
		case s.Units <= 0:
			return invalid("services", "service #%d has invalid units %d", i+1, s.Units)
		}
	}
	return nil
}

// GenerateSnapshot freezes the claim's current state into a new snapshot row.
func (l *Ledger) GenerateSnapshot(ctx context.Context, claimID ClaimID) (*Snapshot, error) {
	var snap *Snapshot
	err := l.update(ctx, func(tx Tx) error {
		payload, err := l.buildPayload(ctx, tx, claimID)
		if err != nil {
			return err
		}
		data, err := CanonicalJSON(payload)
		if err != nil {
			return err
		}
		s := &Snapshot{
			ClaimID:   claimID,
			JSON:      string(data),
			Hash:      HashBytes(data),
			CreatedAt: l.now(),
		}
		if err := tx.InsertSnapshot(ctx, s); err != nil {
			return err
		}
		snap = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.Logger.Info().
		Int64("claim_id", int64(claimID)).
		Int64("snapshot_id", int64(snap.ID)).
		Str("hash", snap.Hash).
		Msg("snapshot generated")
	return snap, nil
}

func (l *Ledger) buildPayload(ctx context.Context, tx Tx, claimID ClaimID) (*SnapshotPayload, error) {
	claim, err := getClaim(ctx, tx, claimID)
	if err != nil {
		return nil, err
	}
	services, err := tx.ListServicesByClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}
	if err := validateReady(claimID, services); err != nil {
		return nil, err
	}
	patient, err := tx.GetPatient(ctx, claim.PatientID)
	if err != nil {
		return nil, err
	}
	if patient == nil {
		return nil, notFound("patient", int64(claim.PatientID))
	}
	coverage, err := tx.GetCoverage(ctx, claim.CoverageID)
	if err != nil {
		return nil, err
	}
	if coverage == nil {
		return nil, notFound("coverage", int64(claim.CoverageID))
	}
	cb, err := claimBalance(ctx, tx, claimID)
	if err != nil {
		return nil, err
	}
	provider, err := l.activeProviderSettings(ctx, tx)
	if err != nil {
		return nil, err
	}

	chargesByService := make(map[ServiceID][]ChargeBalance)
	for _, ch := range cb.Charges {
		chargesByService[ch.ServiceID] = append(chargesByService[ch.ServiceID], ch)
	}

	diagnoses, pointers := DiagnosisPointers(services)
	lines := make([]SnapshotService, 0, len(services))
	for i, s := range services {
		line := SnapshotService{
			ID:             int64(s.ID),
			ServiceDate:    formatDate(s.ServiceDate),
			CPTCode:        s.CPTCode,
			Units:          s.Units,
			DiagnosisCode:  s.DiagnosisCode,
			DxPointer:      pointers[i],
			PlaceOfService: s.PlaceOfService,
			Modifiers:      s.Modifiers,
			Description:    s.Description,
			OutsideLab20:   s.OutsideLab20,
		}
		amount := decimal.Zero
		for j, ch := range chargesByService[s.ID] {
			if j == 0 {
				id := int64(ch.ChargeID)
				line.ChargeID = &id
			}
			amount = amount.Add(ch.TotalCharge)
		}
		line.ChargeAmount24F = money(amount)
		if s.LabCharges20 != nil {
			v := money(*s.LabCharges20)
			line.LabCharges20 = &v
		}
		lines = append(lines, line)
	}

	totalCharge := Cents(cb.TotalCharge)
	paid := Cents(cb.TotalApplied)
	adjusted := Cents(cb.TotalAdjustments)

	return &SnapshotPayload{
		Meta: SnapshotMeta{
			ClaimID:     int64(claimID),
			Version:     SnapshotVersion,
			GeneratedAt: FormatTime(l.now()),
		},
		Claim: SnapshotClaim{
			ID:         int64(claim.ID),
			PatientID:  int64(claim.PatientID),
			CoverageID: int64(claim.CoverageID),
			Status:     string(claim.Status),
			CreatedAt:  FormatTime(claim.CreatedAt),
		},
		ClaimCMS: SnapshotCMS{
			Box17ReferringProvider: ReferringProvider{
				Name: claim.CMS.ReferringProviderName,
				NPI:  claim.CMS.ReferringProviderNPI,
			},
			Box19ReservedLocalUse: claim.CMS.ReservedLocalUse19,
			Box22Resubmission: Resubmission{
				Code:          claim.CMS.ResubmissionCode22,
				OriginalRefNo: claim.CMS.OriginalRefNo22,
			},
			Box23PriorAuthorization: claim.CMS.PriorAuthorization23,
		},
		Patient: SnapshotPatient{
			ID:          int64(patient.ID),
			FirstName:   patient.FirstName,
			LastName:    patient.LastName,
			DateOfBirth: formatOptionalDate(patient.DateOfBirth),
		},
		Insurance: SnapshotInsurance{
			CoverageID:   int64(coverage.ID),
			InsurerName:  coverage.InsurerName,
			PlanName:     coverage.PlanName,
			PolicyNumber: coverage.PolicyNumber,
			GroupNumber:  coverage.GroupNumber,
			InsuredID:    coverage.InsuredID,
			StartDate:    formatDate(coverage.StartDate),
			EndDate:      formatOptionalDate(coverage.EndDate),
		},
		Diagnoses: diagnoses,
		Services:  lines,
		Totals: SnapshotTotals{
			TotalCharge: money(totalCharge),
			AmountPaid:  money(paid),
			Adjustments: money(adjusted),
			BalanceDue:  money(totalCharge.Sub(paid).Sub(adjusted)),
		},
		Provider: SnapshotProvider{
			Signature:       provider.Signature,
			SignatureDate:   provider.SignatureDate,
			FacilityName:    provider.FacilityName,
			FacilityAddress: provider.FacilityAddress,
			FacilityCity:    provider.FacilityCity,
			FacilityState:   provider.FacilityState,
			FacilityZip:     provider.FacilityZip,
			BillingName:     provider.BillingName,
			BillingNPI:      provider.BillingNPI,
			BillingTaxID:    provider.BillingTaxID,
			BillingAddress:  provider.BillingAddress,
			BillingCity:     provider.BillingCity,
			BillingState:    provider.BillingState,
			BillingZip:      provider.BillingZip,
		},
	}, nil
}

// =============================================================================
// READS
// =============================================================================

// LatestSnapshot returns the claim's authoritative (highest id) snapshot.
func (l *Ledger) LatestSnapshot(ctx context.Context, claimID ClaimID) (*Snapshot, error) {
	var snap *Snapshot
	err := l.view(ctx, func(tx Tx) error {
		if err := requireClaim(ctx, tx, claimID); err != nil {
			return err
		}
		s, err := tx.LatestSnapshot(ctx, claimID)
		if err != nil {
			return err
		}
		if s == nil {
			return &NotFoundError{Entity: "snapshot for claim", ID: int64(claimID)}
		}
		snap = s
		return nil
	})
	return snap, err
}

// ListSnapshots returns the claim's snapshots, newest first.
func (l *Ledger) ListSnapshots(ctx context.Context, claimID ClaimID) ([]Snapshot, error) {
	var snaps []Snapshot
	err := l.view(ctx, func(tx Tx) error {
		if err := requireClaim(ctx, tx, claimID); err != nil {
			return err
		}
		var err error
		snaps, err = tx.ListSnapshotsByClaim(ctx, claimID)
		return err
	})
	return snaps, err
}

// ListAllSnapshots is the admin snapshot index, newest first.
func (l *Ledger) ListAllSnapshots(ctx context.Context) ([]Snapshot, error) {
	var snaps []Snapshot
	err := l.view(ctx, func(tx Tx) error {
		var err error
		snaps, err = tx.ListSnapshots(ctx)
		return err
	})
	return snaps, err
}

func (l *Ledger) GetSnapshot(ctx context.Context, id SnapshotID) (*Snapshot, error) {
	var snap *Snapshot
	err := l.view(ctx, func(tx Tx) error {
		s, err := tx.GetSnapshot(ctx, id)
		if err != nil {
			return err
		}
		if s == nil {
			return notFound("snapshot", int64(id))
		}
		snap = s
		return nil
	})
	return snap, err
}
