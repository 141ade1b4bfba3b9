/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures of the HTTP surface. These types decouple the
  billing model from the wire contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY ON THE WIRE:
  Requests accept amounts as JSON strings or numbers ("150.00" or 150).
  Responses always write strings with two decimals, so clients never parse
  binary floats.

VALIDATION:
  Request shape (required fields, enums, date layout) is checked with
  go-playground/validator struct tags before the handler calls the ledger.
  Financial rules stay in the billing package.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/lifetrack/billing-ledger/billing"
	"github.com/shopspring/decimal"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func date(t time.Time) string {
	return t.Format(billing.DateLayout)
}

func optionalDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := date(*t)
	return &s
}

func parseOptionalDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(billing.DateLayout, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// =============================================================================
// PATIENTS & COVERAGES
// =============================================================================

type CreatePatientRequest struct {
	FirstName   string `json:"first_name" validate:"required,max=100"`
	LastName    string `json:"last_name" validate:"required,max=100"`
	DateOfBirth string `json:"date_of_birth" validate:"omitempty,datetime=2006-01-02"`
}

type PatientDTO struct {
	ID          int64   `json:"id"`
	FirstName   string  `json:"first_name"`
	LastName    string  `json:"last_name"`
	DateOfBirth *string `json:"date_of_birth"`
	CreatedAt   string  `json:"created_at"`
}

func toPatientDTO(p billing.Patient) PatientDTO {
	return PatientDTO{
		ID:          int64(p.ID),
		FirstName:   p.FirstName,
		LastName:    p.LastName,
		DateOfBirth: optionalDate(p.DateOfBirth),
		CreatedAt:   p.CreatedAt.Format(time.RFC3339),
	}
}

type CreateCoverageRequest struct {
	InsurerName  string `json:"insurer_name" validate:"required,max=200"`
	PlanName     string `json:"plan_name"`
	PolicyNumber string `json:"policy_number"`
	GroupNumber  string `json:"group_number"`
	InsuredID    string `json:"insured_id"`
	StartDate    string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate      string `json:"end_date" validate:"omitempty,datetime=2006-01-02"`
}

type CoverageDTO struct {
	ID           int64   `json:"id"`
	PatientID    int64   `json:"patient_id"`
	InsurerName  string  `json:"insurer_name"`
	PlanName     string  `json:"plan_name"`
	PolicyNumber string  `json:"policy_number"`
	GroupNumber  string  `json:"group_number"`
	InsuredID    string  `json:"insured_id"`
	StartDate    string  `json:"start_date"`
	EndDate      *string `json:"end_date"`
}

func toCoverageDTO(c billing.Coverage) CoverageDTO {
	return CoverageDTO{
		ID:           int64(c.ID),
		PatientID:    int64(c.PatientID),
		InsurerName:  c.InsurerName,
		PlanName:     c.PlanName,
		PolicyNumber: c.PolicyNumber,
		GroupNumber:  c.GroupNumber,
		InsuredID:    c.InsuredID,
		StartDate:    date(c.StartDate),
		EndDate:      optionalDate(c.EndDate),
	}
}

// =============================================================================
// CLAIMS
// =============================================================================

type CreateClaimRequest struct {
	PatientID  int64 `json:"patient_id" validate:"required,gt=0"`
	CoverageID int64 `json:"coverage_id" validate:"required,gt=0"`
}

type TransitionRequest struct {
	Status string `json:"status" validate:"required,oneof=DRAFT READY SUBMITTED DENIED PAID"`
}

type ClaimCMSDTO struct {
	ReferringProviderName string `json:"referring_provider_name" validate:"max=200"`
	ReferringProviderNPI  string `json:"referring_provider_npi" validate:"omitempty,numeric,len=10"`
	ReservedLocalUse19    string `json:"reserved_local_use_19"`
	ResubmissionCode22    string `json:"resubmission_code_22"`
	OriginalRefNo22       string `json:"original_ref_no_22"`
	PriorAuthorization23  string `json:"prior_authorization_23"`
}

func (d ClaimCMSDTO) toModel() billing.ClaimCMS {
	return billing.ClaimCMS{
		ReferringProviderName: d.ReferringProviderName,
		ReferringProviderNPI:  d.ReferringProviderNPI,
		ReservedLocalUse19:    d.ReservedLocalUse19,
		ResubmissionCode22:    d.ResubmissionCode22,
		OriginalRefNo22:       d.OriginalRefNo22,
		PriorAuthorization23:  d.PriorAuthorization23,
	}
}

type ClaimDTO struct {
	ID         int64       `json:"id"`
	PatientID  int64       `json:"patient_id"`
	CoverageID int64       `json:"coverage_id"`
	Status     string      `json:"status"`
	CMS        ClaimCMSDTO `json:"cms"`
	CreatedAt  string      `json:"created_at"`
	UpdatedAt  string      `json:"updated_at"`
}

func toClaimDTO(c billing.Claim) ClaimDTO {
	return ClaimDTO{
		ID:         int64(c.ID),
		PatientID:  int64(c.PatientID),
		CoverageID: int64(c.CoverageID),
		Status:     string(c.Status),
		CMS: ClaimCMSDTO{
			ReferringProviderName: c.CMS.ReferringProviderName,
			ReferringProviderNPI:  c.CMS.ReferringProviderNPI,
			ReservedLocalUse19:    c.CMS.ReservedLocalUse19,
			ResubmissionCode22:    c.CMS.ResubmissionCode22,
			OriginalRefNo22:       c.CMS.OriginalRefNo22,
			PriorAuthorization23:  c.CMS.PriorAuthorization23,
		},
		CreatedAt: c.CreatedAt.Format(time.RFC3339),
		UpdatedAt: c.UpdatedAt.Format(time.RFC3339),
	}
}

type FinancialStatusDTO struct {
	ClaimID          int64  `json:"claim_id"`
	TotalCharge      string `json:"total_charge"`
	TotalApplied     string `json:"total_applied"`
	TotalAdjustments string `json:"total_adjustments"`
	BalanceDue       string `json:"balance_due"`
	Status           string `json:"status"`
}

func toFinancialStatusDTO(fs billing.FinancialStatus) FinancialStatusDTO {
	return FinancialStatusDTO{
		ClaimID:          int64(fs.ClaimID),
		TotalCharge:      money(fs.TotalCharge),
		TotalApplied:     money(fs.TotalApplied),
		TotalAdjustments: money(fs.TotalAdjustments),
		BalanceDue:       money(fs.BalanceDue),
		Status:           string(fs.Status),
	}
}

// ClaimViewDTO shows the persisted and derived status side by side.
type ClaimViewDTO struct {
	Claim         ClaimDTO           `json:"claim"`
	Locked        bool               `json:"locked"`
	DerivedStatus string             `json:"derived_status"`
	Financial     FinancialStatusDTO `json:"financial"`
	PatientName   string             `json:"patient_name,omitempty"`
}

func toClaimViewDTO(st billing.ClaimState) ClaimViewDTO {
	return ClaimViewDTO{
		Claim:         toClaimDTO(st.Claim),
		Locked:        st.Locked,
		DerivedStatus: string(st.Derived),
		Financial:     toFinancialStatusDTO(st.Financial),
	}
}

type ChargeBalanceDTO struct {
	ChargeID         int64  `json:"charge_id"`
	ServiceID        int64  `json:"service_id"`
	TotalCharge      string `json:"total_charge"`
	TotalApplied     string `json:"total_applied"`
	TotalAdjustments string `json:"total_adjustments"`
	Balance          string `json:"balance"`
}

func toChargeBalanceDTO(cb billing.ChargeBalance) ChargeBalanceDTO {
	return ChargeBalanceDTO{
		ChargeID:         int64(cb.ChargeID),
		ServiceID:        int64(cb.ServiceID),
		TotalCharge:      money(cb.TotalCharge),
		TotalApplied:     money(cb.TotalApplied),
		TotalAdjustments: money(cb.TotalAdjustments),
		Balance:          money(cb.Balance),
	}
}

type ClaimBalanceDTO struct {
	ClaimID          int64              `json:"claim_id"`
	Charges          []ChargeBalanceDTO `json:"charges"`
	TotalCharge      string             `json:"total_charge"`
	TotalApplied     string             `json:"total_applied"`
	TotalAdjustments string             `json:"total_adjustments"`
	BalanceDue       string             `json:"balance_due"`
}

func toClaimBalanceDTO(cb billing.ClaimBalance) ClaimBalanceDTO {
	charges := make([]ChargeBalanceDTO, len(cb.Charges))
	for i, ch := range cb.Charges {
		charges[i] = toChargeBalanceDTO(ch)
	}
	return ClaimBalanceDTO{
		ClaimID:          int64(cb.ClaimID),
		Charges:          charges,
		TotalCharge:      money(cb.TotalCharge),
		TotalApplied:     money(cb.TotalApplied),
		TotalAdjustments: money(cb.TotalAdjustments),
		BalanceDue:       money(cb.BalanceDue),
	}
}

// =============================================================================
// SERVICES & CHARGES
// =============================================================================

type ServiceRequest struct {
	ServiceDate    string           `json:"service_date" validate:"required,datetime=2006-01-02"`
	CPTCode        string           `json:"cpt_code" validate:"required,max=10"`
	Units          int              `json:"units" validate:"required,gt=0"`
	DiagnosisCode  string           `json:"diagnosis_code" validate:"max=10"`
	PlaceOfService string           `json:"place_of_service" validate:"max=2"`
	Modifiers      string           `json:"modifiers"`
	Description    string           `json:"description"`
	OutsideLab20   bool             `json:"outside_lab_20"`
	LabCharges20   *decimal.Decimal `json:"lab_charges_20"`
}

func (req ServiceRequest) toInput() (billing.ServiceInput, error) {
	day, err := time.Parse(billing.DateLayout, req.ServiceDate)
	if err != nil {
		return billing.ServiceInput{}, err
	}
	return billing.ServiceInput{
		ServiceDate:    day,
		CPTCode:        req.CPTCode,
		Units:          req.Units,
		DiagnosisCode:  req.DiagnosisCode,
		PlaceOfService: req.PlaceOfService,
		Modifiers:      req.Modifiers,
		Description:    req.Description,
		OutsideLab20:   req.OutsideLab20,
		LabCharges20:   req.LabCharges20,
	}, nil
}

type ServiceDTO struct {
	ID             int64   `json:"id"`
	ClaimID        int64   `json:"claim_id"`
	ServiceDate    string  `json:"service_date"`
	CPTCode        string  `json:"cpt_code"`
	Units          int     `json:"units"`
	DiagnosisCode  string  `json:"diagnosis_code"`
	PlaceOfService string  `json:"place_of_service"`
	Modifiers      string  `json:"modifiers"`
	Description    string  `json:"description"`
	OutsideLab20   bool    `json:"outside_lab_20"`
	LabCharges20   *string `json:"lab_charges_20"`
}

func toServiceDTO(s billing.Service) ServiceDTO {
	dto := ServiceDTO{
		ID:             int64(s.ID),
		ClaimID:        int64(s.ClaimID),
		ServiceDate:    date(s.ServiceDate),
		CPTCode:        s.CPTCode,
		Units:          s.Units,
		DiagnosisCode:  s.DiagnosisCode,
		PlaceOfService: s.PlaceOfService,
		Modifiers:      s.Modifiers,
		Description:    s.Description,
		OutsideLab20:   s.OutsideLab20,
	}
	if s.LabCharges20 != nil {
		v := money(*s.LabCharges20)
		dto.LabCharges20 = &v
	}
	return dto
}

type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type ChargeDTO struct {
	ID        int64  `json:"id"`
	ServiceID int64  `json:"service_id"`
	Amount    string `json:"amount"`
	CreatedAt string `json:"created_at"`
}

func toChargeDTO(c billing.Charge) ChargeDTO {
	return ChargeDTO{
		ID:        int64(c.ID),
		ServiceID: int64(c.ServiceID),
		Amount:    money(c.Amount),
		CreatedAt: c.CreatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// PAYMENTS, APPLICATIONS & ADJUSTMENTS
// =============================================================================

type PaymentRequest struct {
	Amount       decimal.Decimal `json:"amount"`
	Method       string          `json:"method" validate:"required,oneof=cash check eft other"`
	Reference    string          `json:"reference" validate:"max=100"`
	ReceivedDate string          `json:"received_date" validate:"required,datetime=2006-01-02"`
}

func (req PaymentRequest) toInput() (billing.PaymentInput, error) {
	day, err := time.Parse(billing.DateLayout, req.ReceivedDate)
	if err != nil {
		return billing.PaymentInput{}, err
	}
	return billing.PaymentInput{
		Amount:       req.Amount,
		Method:       billing.PaymentMethod(req.Method),
		Reference:    req.Reference,
		ReceivedDate: day,
	}, nil
}

type PaymentDTO struct {
	ID           int64  `json:"id"`
	Amount       string `json:"amount"`
	Method       string `json:"method"`
	Reference    string `json:"reference"`
	ReceivedDate string `json:"received_date"`
}

func toPaymentDTO(p billing.Payment) PaymentDTO {
	return PaymentDTO{
		ID:           int64(p.ID),
		Amount:       money(p.Amount),
		Method:       string(p.Method),
		Reference:    p.Reference,
		ReceivedDate: date(p.ReceivedDate),
	}
}

type PaymentBalanceDTO struct {
	PaymentID int64  `json:"payment_id"`
	Amount    string `json:"amount"`
	Applied   string `json:"applied"`
	Unapplied string `json:"unapplied"`
}

type CreateApplicationRequest struct {
	PaymentID     int64           `json:"payment_id" validate:"required,gt=0"`
	ChargeID      int64           `json:"charge_id" validate:"required,gt=0"`
	AmountApplied decimal.Decimal `json:"amount_applied"`
}

type ApplicationDTO struct {
	ID            int64  `json:"id"`
	PaymentID     int64  `json:"payment_id"`
	ChargeID      int64  `json:"charge_id"`
	AmountApplied string `json:"amount_applied"`
	CreatedAt     string `json:"created_at"`
}

type CreateAdjustmentRequest struct {
	ChargeID int64           `json:"charge_id" validate:"required,gt=0"`
	Amount   decimal.Decimal `json:"amount"`
	Reason   string          `json:"reason" validate:"required,oneof=write-off contractual denial"`
	Note     string          `json:"note" validate:"max=500"`
}

type AdjustmentDTO struct {
	ID        int64  `json:"id"`
	ChargeID  int64  `json:"charge_id"`
	Amount    string `json:"amount"`
	Reason    string `json:"reason"`
	Note      string `json:"note"`
	CreatedAt string `json:"created_at"`
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

// SnapshotDTO carries the stored canonical payload verbatim.
type SnapshotDTO struct {
	ID        int64           `json:"id"`
	ClaimID   int64           `json:"claim_id"`
	Hash      string          `json:"snapshot_hash"`
	CreatedAt string          `json:"created_at"`
	Snapshot  json.RawMessage `json:"snapshot,omitempty"`
}

func toSnapshotDTO(s billing.Snapshot, withPayload bool) SnapshotDTO {
	dto := SnapshotDTO{
		ID:        int64(s.ID),
		ClaimID:   int64(s.ClaimID),
		Hash:      s.Hash,
		CreatedAt: billing.FormatTime(s.CreatedAt),
	}
	if withPayload {
		dto.Snapshot = json.RawMessage(s.JSON)
	}
	return dto
}

// =============================================================================
// PROVIDER SETTINGS
// =============================================================================

type ProviderSettingsDTO struct {
	Signature       string `json:"signature"`
	SignatureDate   string `json:"signature_date" validate:"omitempty,datetime=2006-01-02"`
	FacilityName    string `json:"facility_name"`
	FacilityAddress string `json:"facility_address"`
	FacilityCity    string `json:"facility_city"`
	FacilityState   string `json:"facility_state" validate:"omitempty,len=2"`
	FacilityZip     string `json:"facility_zip"`
	BillingName     string `json:"billing_name"`
	BillingNPI      string `json:"billing_npi" validate:"omitempty,numeric,len=10"`
	BillingTaxID    string `json:"billing_tax_id"`
	BillingAddress  string `json:"billing_address"`
	BillingCity     string `json:"billing_city"`
	BillingState    string `json:"billing_state" validate:"omitempty,len=2"`
	BillingZip      string `json:"billing_zip"`
}

func (d ProviderSettingsDTO) toModel() billing.ProviderSettings {
	return billing.ProviderSettings{
		Signature:       d.Signature,
		SignatureDate:   d.SignatureDate,
		FacilityName:    d.FacilityName,
		FacilityAddress: d.FacilityAddress,
		FacilityCity:    d.FacilityCity,
		FacilityState:   d.FacilityState,
		FacilityZip:     d.FacilityZip,
		BillingName:     d.BillingName,
		BillingNPI:      d.BillingNPI,
		BillingTaxID:    d.BillingTaxID,
		BillingAddress:  d.BillingAddress,
		BillingCity:     d.BillingCity,
		BillingState:    d.BillingState,
		BillingZip:      d.BillingZip,
	}
}

func toProviderSettingsDTO(ps billing.ProviderSettings) ProviderSettingsDTO {
	return ProviderSettingsDTO{
		Signature:       ps.Signature,
		SignatureDate:   ps.SignatureDate,
		FacilityName:    ps.FacilityName,
		FacilityAddress: ps.FacilityAddress,
		FacilityCity:    ps.FacilityCity,
		FacilityState:   ps.FacilityState,
		FacilityZip:     ps.FacilityZip,
		BillingName:     ps.BillingName,
		BillingNPI:      ps.BillingNPI,
		BillingTaxID:    ps.BillingTaxID,
		BillingAddress:  ps.BillingAddress,
		BillingCity:     ps.BillingCity,
		BillingState:    ps.BillingState,
		BillingZip:      ps.BillingZip,
	}
}

// =============================================================================
// ADMIN
// =============================================================================

type TotalsDTO struct {
	TotalCharge string `json:"total_charge"`
	AmountPaid  string `json:"amount_paid"`
	Adjustments string `json:"adjustments"`
	BalanceDue  string `json:"balance_due"`
}

func toTotalsDTO(t billing.Totals) TotalsDTO {
	return TotalsDTO{
		TotalCharge: money(t.TotalCharge),
		AmountPaid:  money(t.AmountPaid),
		Adjustments: money(t.Adjustments),
		BalanceDue:  money(t.BalanceDue),
	}
}

type DriftDTO struct {
	ClaimID    int64     `json:"claim_id"`
	SnapshotID int64     `json:"snapshot_id"`
	Snapshot   TotalsDTO `json:"snapshot"`
	Live       TotalsDTO `json:"live"`
}

func toDriftDTO(d billing.Drift) DriftDTO {
	return DriftDTO{
		ClaimID:    int64(d.ClaimID),
		SnapshotID: int64(d.SnapshotID),
		Snapshot:   toTotalsDTO(d.Snapshot),
		Live:       toTotalsDTO(d.Live),
	}
}

type RepairDTO struct {
	DriftDTO
	DeletedApplications int64     `json:"deleted_applications"`
	DeletedAdjustments  int64     `json:"deleted_adjustments"`
	DeletedCharges      int64     `json:"deleted_charges"`
	RestoredCharges     []int64   `json:"restored_charge_ids"`
	RestoreMode         string    `json:"restore_mode"`
	Final               TotalsDTO `json:"final"`
}

type ReconcileDTO struct {
	ClaimsChecked  int         `json:"claims_checked"`
	ClaimsRepaired int         `json:"claims_repaired"`
	RowsDeleted    int64       `json:"rows_deleted"`
	ChargesAdded   int         `json:"charges_restored"`
	Repairs        []RepairDTO `json:"repairs"`
}

func toReconcileDTO(rep billing.ReconcileReport) ReconcileDTO {
	dto := ReconcileDTO{
		ClaimsChecked:  rep.Summary.ClaimsChecked,
		ClaimsRepaired: rep.Summary.ClaimsRepaired,
		RowsDeleted:    rep.Summary.Deleted,
		ChargesAdded:   rep.Summary.Restored,
		Repairs:        make([]RepairDTO, 0, len(rep.Repairs)),
	}
	for _, r := range rep.Repairs {
		restored := make([]int64, len(r.RestoredCharges))
		for i, c := range r.RestoredCharges {
			restored[i] = int64(c.ID)
		}
		dto.Repairs = append(dto.Repairs, RepairDTO{
			DriftDTO:            toDriftDTO(r.Drift),
			DeletedApplications: r.DeletedApplications,
			DeletedAdjustments:  r.DeletedAdjustments,
			DeletedCharges:      r.DeletedCharges,
			RestoredCharges:     restored,
			RestoreMode:         r.RestoreMode,
			Final:               toTotalsDTO(r.Final),
		})
	}
	return dto
}

type FindingDTO struct {
	Check    string `json:"check"`
	Entity   string `json:"entity"`
	ID       int64  `json:"id"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

type AuditDTO struct {
	OK               bool         `json:"ok"`
	PaymentsChecked  int          `json:"payments_checked"`
	ChargesChecked   int          `json:"charges_checked"`
	ClaimsChecked    int          `json:"claims_checked"`
	SnapshotsChecked int          `json:"snapshots_checked"`
	Findings         []FindingDTO `json:"findings"`
}

func toAuditDTO(r billing.AuditReport) AuditDTO {
	dto := AuditDTO{
		OK:               r.OK(),
		PaymentsChecked:  r.PaymentsChecked,
		ChargesChecked:   r.ChargesChecked,
		ClaimsChecked:    r.ClaimsChecked,
		SnapshotsChecked: r.SnapshotsChecked,
		Findings:         make([]FindingDTO, 0, len(r.Findings)),
	}
	for _, f := range r.Findings {
		dto.Findings = append(dto.Findings, FindingDTO{
			Check:    f.Check,
			Entity:   f.Entity,
			ID:       f.ID,
			Severity: string(f.Severity),
			Message:  f.Message,
		})
	}
	return dto
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}
