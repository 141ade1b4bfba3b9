/*
handlers.go - HTTP API handlers for the billing ledger

PURPOSE:
  Exposes the billing core via REST API. Handles HTTP request/response, JSON
  serialization and request validation, and delegates every rule to
  billing.Ledger, billing.Reconciler and billing.Auditor.

ENDPOINTS:
  Claims:
    GET    /api/claims                         Overview (totals + lock per claim)
    POST   /api/claims                         Open a DRAFT claim
    GET    /api/claims/{id}                    Persisted + derived status
    GET    /api/claims/{id}/balance            Per-charge balances
    POST   /api/claims/{id}/status             Workflow transition
    POST   /api/claims/{id}/snapshots          Freeze the claim (CMS-1500 snapshot)

  Money:
    POST   /api/services/{id}/charges          Bill a service line
    POST   /api/payments                       Record a receipt
    POST   /api/applications                   Apply a payment to a charge
    POST   /api/adjustments                    Non-cash reduction

  Admin:
    GET    /api/admin/drift                    Snapshot vs live totals (dry run)
    POST   /api/admin/reconcile                Repair drift
    GET    /api/admin/audit                    Ledger + snapshot integrity audit

REQUEST FLOW:
  1. Parse path params and JSON body
  2. Validate shape (validator tags in dto.go)
  3. Call the ledger
  4. Serialize response
  5. Map billing errors to HTTP status

ERROR HANDLING:
  - 400: ValidationError, malformed body
  - 404: NotFoundError
  - 409: LockedClaimError, DependentRecordsError
  - 422: InsufficientAmountError, IntegrityError, HashMismatchError
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/lifetrack/billing-ledger/billing"
	"github.com/rs/zerolog"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger is implemented by stores that can report readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger     *billing.Ledger
	Reconciler *billing.Reconciler
	Auditor    *billing.Auditor
	Pinger     Pinger
	Logger     zerolog.Logger
}

// NewHandler wires the ledger services over one store.
func NewHandler(store billing.Store, logger zerolog.Logger) *Handler {
	ledger := billing.NewLedger(store)
	ledger.Logger = logger
	reconciler := billing.NewReconciler(store)
	reconciler.Logger = logger
	auditor := billing.NewAuditor(store)
	auditor.Logger = logger

	h := &Handler{Ledger: ledger, Reconciler: reconciler, Auditor: auditor, Logger: logger}
	if p, ok := store.(Pinger); ok {
		h.Pinger = p
	}
	return h
}

// Health reports whether the store answers.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Pinger != nil {
		if err := h.Pinger.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// PATIENT HANDLERS
// =============================================================================

func (h *Handler) ListPatients(w http.ResponseWriter, r *http.Request) {
	patients, err := h.Ledger.ListPatients(r.Context())
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	dtos := make([]PatientDTO, len(patients))
	for i, p := range patients {
		dtos[i] = toPatientDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreatePatient(w http.ResponseWriter, r *http.Request) {
	var req CreatePatientRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	dob, err := parseOptionalDate(req.DateOfBirth)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date_of_birth (use YYYY-MM-DD)", err)
		return
	}
	p, err := h.Ledger.CreatePatient(r.Context(), billing.PatientInput{
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		DateOfBirth: dob,
	})
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPatientDTO(*p))
}

func (h *Handler) GetPatient(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	p, err := h.Ledger.GetPatient(r.Context(), billing.PatientID(id))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPatientDTO(*p))
}

func (h *Handler) ListCoverages(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	coverages, err := h.Ledger.ListCoverages(r.Context(), billing.PatientID(id))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	dtos := make([]CoverageDTO, len(coverages))
	for i, c := range coverages {
		dtos[i] = toCoverageDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateCoverage(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	var req CreateCoverageRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	start, err := time.Parse(billing.DateLayout, req.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start_date (use YYYY-MM-DD)", err)
		return
	}
	end, err := parseOptionalDate(req.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid end_date (use YYYY-MM-DD)", err)
		return
	}
	c, err := h.Ledger.CreateCoverage(r.Context(), billing.PatientID(id), billing.CoverageInput{
		InsurerName:  req.InsurerName,
		PlanName:     req.PlanName,
		PolicyNumber: req.PolicyNumber,
		GroupNumber:  req.GroupNumber,
		InsuredID:    req.InsuredID,
		StartDate:    start,
		EndDate:      end,
	})
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCoverageDTO(*c))
}

// =============================================================================
// CLAIM HANDLERS
// =============================================================================

// ClaimsOverview lists every claim with totals and lock.
// GET /api/claims
func (h *Handler) ClaimsOverview(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.Ledger.ClaimsOverview(r.Context())
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	dtos := make([]ClaimViewDTO, len(summaries))
	for i, s := range summaries {
		dtos[i] = toClaimViewDTO(s.ClaimState)
		dtos[i].PatientName = s.PatientName
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateClaim(w http.ResponseWriter, r *http.Request) {
	var req CreateClaimRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	c, err := h.Ledger.CreateClaim(r.Context(), billing.PatientID(req.PatientID), billing.CoverageID(req.CoverageID))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toClaimDTO(*c))
}

// GetClaim returns persisted and derived status side by side.
// GET /api/claims/{id}
func (h *Handler) GetClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	st, err := h.Ledger.ClaimView(r.Context(), billing.ClaimID(id))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toClaimViewDTO(*st))
}

func (h *Handler) DeleteClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := h.Ledger.DeleteClaim(r.Context(), billing.ClaimID(id)); err != nil {
		writeLedgerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetClaimBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	cb, err := h.Ledger.ClaimBalance(r.Context(), billing.ClaimID(id))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toClaimBalanceDTO(*cb))
}

func (h *Handler) GetFinancialStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	fs, err := h.Ledger.ClaimFinancialStatus(r.Context(), billing.ClaimID(id))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFinancialStatusDTO(*fs))
}

// TransitionClaim moves the persisted workflow status.
// POST /api/claims/{id}/status
func (h *Handler) TransitionClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	var req TransitionRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	c, err := h.Ledger.TransitionClaim(r.Context(), billing.ClaimID(id), billing.ClaimStatus(req.Status))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toClaimDTO(*c))
}

func (h *Handler) UpdateClaimCMS(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	var req ClaimCMSDTO
	if !decodeRequest(w, r, &req) {
		return
	}
	c, err := h.Ledger.UpdateClaimCMS(r.Context(), billing.ClaimID(id), req.toModel())
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toClaimDTO(*c))
}

// =============================================================================
// SERVICE & CHARGE HANDLERS
// =============================================================================

func (h *Handler) ListServices(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	services, err := h.Ledger.ListServices(r.Context(), billing.ClaimID(id))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	dtos := make([]ServiceDTO, len(services))
	for i, s := range services {
		dtos[i] = toServiceDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateService(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	in, ok := decodeService(w, r)
	if !ok {
		return
	}
	s, err := h.Ledger.CreateService(r.Context(), billing.ClaimID(id), in)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toServiceDTO(*s))
}

func (h *Handler) UpdateService(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	in, ok := decodeService(w, r)
	if !ok {
		return
	}
	s, err := h.Ledger.UpdateService(r.Context(), billing.ServiceID(id), in)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toServiceDTO(*s))
}

func (h *Handler) DeleteService(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := h.Ledger.DeleteService(r.Context(), billing.ServiceID(id)); err != nil {
		writeLedgerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeService(w http.ResponseWriter, r *http.Request) (billing.ServiceInput, bool) {
	var req ServiceRequest
	if !decodeRequest(w, r, &req) {
		return billing.ServiceInput{}, false
	}
	in, err := req.toInput()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid service_date (use YYYY-MM-DD)", err)
		return billing.ServiceInput{}, false
	}
	return in, true
}

func (h *Handler) CreateCharge(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	var req AmountRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	c, err := h.Ledger.CreateCharge(r.Context(), billing.ServiceID(id), req.Amount)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toChargeDTO(*c))
}

func (h *Handler) UpdateCharge(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	var req AmountRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	c, err := h.Ledger.UpdateCharge(r.Context(), billing.ChargeID(id), req.Amount)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toChargeDTO(*c))
}

func (h *Handler) DeleteCharge(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := h.Ledger.DeleteCharge(r.Context(), billing.ChargeID(id)); err != nil {
		writeLedgerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetChargeBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	cb, err := h.Ledger.ChargeBalance(r.Context(), billing.ChargeID(id))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toChargeBalanceDTO(*cb))
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// ListPayments returns recent payments.
// GET /api/payments?limit=50
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}
	payments, err := h.Ledger.ListPayments(r.Context(), limit)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	dtos := make([]PaymentDTO, len(payments))
	for i, p := range payments {
		dtos[i] = toPaymentDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	in, ok := decodePayment(w, r)
	if !ok {
		return
	}
	p, err := h.Ledger.CreatePayment(r.Context(), in)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentDTO(*p))
}

func (h *Handler) UpdatePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	in, ok := decodePayment(w, r)
	if !ok {
		return
	}
	p, err := h.Ledger.UpdatePayment(r.Context(), billing.PaymentID(id), in)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(*p))
}

func (h *Handler) DeletePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := h.Ledger.DeletePayment(r.Context(), billing.PaymentID(id)); err != nil {
		writeLedgerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetPaymentBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	pb, err := h.Ledger.PaymentBalance(r.Context(), billing.PaymentID(id))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PaymentBalanceDTO{
		PaymentID: int64(pb.PaymentID),
		Amount:    money(pb.Amount),
		Applied:   money(pb.Applied),
		Unapplied: money(pb.Unapplied),
	})
}

func decodePayment(w http.ResponseWriter, r *http.Request) (billing.PaymentInput, bool) {
	var req PaymentRequest
	if !decodeRequest(w, r, &req) {
		return billing.PaymentInput{}, false
	}
	in, err := req.toInput()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid received_date (use YYYY-MM-DD)", err)
		return billing.PaymentInput{}, false
	}
	return in, true
}

// CreateApplication applies part of a payment to a charge.
// POST /api/applications
func (h *Handler) CreateApplication(w http.ResponseWriter, r *http.Request) {
	var req CreateApplicationRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	a, err := h.Ledger.CreateApplication(r.Context(),
		billing.PaymentID(req.PaymentID), billing.ChargeID(req.ChargeID), req.AmountApplied)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ApplicationDTO{
		ID:            int64(a.ID),
		PaymentID:     int64(a.PaymentID),
		ChargeID:      int64(a.ChargeID),
		AmountApplied: money(a.AmountApplied),
		CreatedAt:     a.CreatedAt.Format(time.RFC3339),
	})
}

// CreateAdjustment records a non-cash reduction of a charge.
// POST /api/adjustments
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req CreateAdjustmentRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	a, err := h.Ledger.CreateAdjustment(r.Context(), billing.AdjustmentInput{
		ChargeID: billing.ChargeID(req.ChargeID),
		Amount:   req.Amount,
		Reason:   billing.AdjustmentReason(req.Reason),
		Note:     req.Note,
	})
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, AdjustmentDTO{
		ID:        int64(a.ID),
		ChargeID:  int64(a.ChargeID),
		Amount:    money(a.Amount),
		Reason:    string(a.Reason),
		Note:      a.Note,
		CreatedAt: a.CreatedAt.Format(time.RFC3339),
	})
}

// =============================================================================
// SNAPSHOT HANDLERS
// =============================================================================

// GenerateSnapshot freezes the claim.
// POST /api/claims/{id}/snapshots
func (h *Handler) GenerateSnapshot(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	s, err := h.Ledger.GenerateSnapshot(r.Context(), billing.ClaimID(id))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	snapshotsGenerated.Inc()
	writeJSON(w, http.StatusCreated, toSnapshotDTO(*s, true))
}

func (h *Handler) ListClaimSnapshots(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	snaps, err := h.Ledger.ListSnapshots(r.Context(), billing.ClaimID(id))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeSnapshotList(w, snaps)
}

func (h *Handler) GetLatestSnapshot(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	s, err := h.Ledger.LatestSnapshot(r.Context(), billing.ClaimID(id))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotDTO(*s, true))
}

func (h *Handler) ListAllSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.Ledger.ListAllSnapshots(r.Context())
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeSnapshotList(w, snaps)
}

func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	s, err := h.Ledger.GetSnapshot(r.Context(), billing.SnapshotID(id))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotDTO(*s, true))
}

// ExportSnapshot downloads the export file of one snapshot.
// GET /api/snapshots/{id}/export
func (h *Handler) ExportSnapshot(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	e, err := h.Ledger.ExportSnapshot(r.Context(), billing.SnapshotID(id))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeExport(w, e)
}

func (h *Handler) ExportLatestSnapshot(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	e, err := h.Ledger.ExportLatestSnapshot(r.Context(), billing.ClaimID(id))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeExport(w, e)
}

func writeSnapshotList(w http.ResponseWriter, snaps []billing.Snapshot) {
	dtos := make([]SnapshotDTO, len(snaps))
	for i, s := range snaps {
		dtos[i] = toSnapshotDTO(s, false)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func writeExport(w http.ResponseWriter, e *billing.Export) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", e.FileName()))
	w.WriteHeader(http.StatusOK)
	_ = billing.WriteExport(w, e)
}

// =============================================================================
// PROVIDER SETTINGS HANDLERS
// =============================================================================

func (h *Handler) GetProviderSettings(w http.ResponseWriter, r *http.Request) {
	ps, err := h.Ledger.ProviderSettings(r.Context())
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProviderSettingsDTO(*ps))
}

func (h *Handler) SaveProviderSettings(w http.ResponseWriter, r *http.Request) {
	var req ProviderSettingsDTO
	if !decodeRequest(w, r, &req) {
		return
	}
	ps, err := h.Ledger.SaveProviderSettings(r.Context(), req.toModel())
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProviderSettingsDTO(*ps))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// DetectDrift lists claims whose live totals differ from their latest snapshot.
// GET /api/admin/drift
func (h *Handler) DetectDrift(w http.ResponseWriter, r *http.Request) {
	drifts, err := h.Reconciler.DetectDrift(r.Context())
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	dtos := make([]DriftDTO, len(drifts))
	for i, d := range drifts {
		dtos[i] = toDriftDTO(d)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Reconcile repairs drift. The run is all-or-nothing.
// POST /api/admin/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.Reconciler.Reconcile(r.Context())
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	claimsReconciled.Add(float64(report.Summary.ClaimsRepaired))
	writeJSON(w, http.StatusOK, toReconcileDTO(*report))
}

// Audit runs the ledger and snapshot integrity checks.
// GET /api/admin/audit
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	report, err := h.Auditor.Audit(r.Context())
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTO(*report))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeLedgerError maps a billing error kind to its HTTP status.
// Internal errors are logged with the request logger and never echoed.
func writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errorKind(err)
	status := http.StatusInternalServerError
	switch kind {
	case "not_found":
		status = http.StatusNotFound
	case "validation":
		status = http.StatusBadRequest
	case "locked_claim", "dependent_records":
		status = http.StatusConflict
	case "insufficient_amount", "integrity", "hash_mismatch":
		status = http.StatusUnprocessableEntity
	}
	if kind != "internal" {
		ledgerRejections.WithLabelValues(kind).Inc()
	}

	resp := ErrorResponse{Error: err.Error(), Code: kind}
	var short *billing.InsufficientAmountError
	if errors.As(err, &short) {
		resp.Details = map[string]string{
			"source":    short.Source,
			"available": money(short.Available),
			"requested": money(short.Requested),
		}
	}
	if status == http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("ledger operation failed")
		resp = ErrorResponse{Error: "internal error", Code: kind}
	}
	writeJSON(w, status, resp)
}

// decodeRequest reads the JSON body into dst and runs its validator tags.
// It writes a 400 and returns false on failure.
func decodeRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s: failed %q", strings.ToLower(fe.Field()), fe.Tag()))
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Code: "validation", Details: fields})
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request", err)
		return false
	}
	return true
}

func idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid id", fmt.Errorf("id %q is not a positive integer", raw))
		return 0, false
	}
	return id, true
}
