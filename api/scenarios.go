/*
scenarios.go - Demo scenario loaders for development and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the ledger with realistic
	billing data. Each scenario creates a patient, coverage and claim and
	walks the claim to a specific point in its lifecycle.

AVAILABLE SCENARIOS:

	open-claim:        Draft claim, two charged service lines, nothing paid
	partial-payment:   Submitted claim, one EOB line plus a contractual write-off, snapshotted
	paid-in-full:      Claim paid to zero and closed out as PAID, snapshotted
	denied-resubmit:   Denied claim carrying resubmission fields (box 22) for a corrected claim

HOW SCENARIOS WORK:
 1. Create patient and coverage
 2. Create claim and service lines
 3. Post charges
 4. Walk the claim status
 5. Optionally post payments, applications, adjustments and a snapshot

Scenarios only add rows. Snapshots are append-only so nothing is reset.

USAGE VIA API (development only):

	GET  /api/scenarios
	POST /api/scenarios/load
	{"scenario_id": "partial-payment"}

USAGE VIA CLI:

	billing-ledger seed partial-payment

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx, s)
 3. Add it to the loaders map

SEE ALSO:
  - handlers.go: the endpoints the loaders mirror
  - billing/ledger.go: every write goes through the ledger rules
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/lifetrack/billing-ledger/billing"
	"github.com/shopspring/decimal"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// ScenarioDTO describes one loadable scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ScenarioResultDTO lists what a scenario created.
type ScenarioResultDTO struct {
	Scenario   string  `json:"scenario"`
	PatientID  int64   `json:"patient_id"`
	ClaimID    int64   `json:"claim_id"`
	PaymentIDs []int64 `json:"payment_ids"`
	SnapshotID *int64  `json:"snapshot_id"`
}

var scenarios = []ScenarioDTO{
	{
		ID:          "open-claim",
		Name:        "Open Claim",
		Description: "Draft claim with two charged service lines and no payments",
	},
	{
		ID:          "partial-payment",
		Name:        "Partial Payment",
		Description: "Submitted claim with one EOB line, a contractual write-off and a snapshot",
	},
	{
		ID:          "paid-in-full",
		Name:        "Paid In Full",
		Description: "Claim paid to a zero balance, closed as PAID and snapshotted",
	},
	{
		ID:          "denied-resubmit",
		Name:        "Denied, Resubmitting",
		Description: "Denied claim moved back to READY with resubmission fields filled in",
	},
}

var loaders = map[string]func(ctx context.Context, s *scenarioRun) error{
	"open-claim":      loadOpenClaimScenario,
	"partial-payment": loadPartialPaymentScenario,
	"paid-in-full":    loadPaidInFullScenario,
	"denied-resubmit": loadDeniedResubmitScenario,
}

// ScenarioIDs returns the loadable scenario IDs in sorted order.
func ScenarioIDs() []string {
	ids := make([]string, 0, len(loaders))
	for id := range loaders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario adds one scenario's rows to the ledger.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id" validate:"required"`
	}
	if !decodeRequest(w, r, &req) {
		return
	}
	if _, ok := loaders[req.ScenarioID]; !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown scenario %q", req.ScenarioID), nil)
		return
	}

	res, err := RunScenario(r.Context(), h.Ledger, req.ScenarioID)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	h.Logger.Info().Str("scenario", req.ScenarioID).Int64("claim_id", res.ClaimID).Msg("scenario loaded")
	writeJSON(w, http.StatusCreated, res)
}

// RunScenario loads the named scenario through the ledger.
func RunScenario(ctx context.Context, ledger *billing.Ledger, id string) (*ScenarioResultDTO, error) {
	load, ok := loaders[id]
	if !ok {
		return nil, &billing.ValidationError{Field: "scenario_id", Message: fmt.Sprintf("unknown scenario %q", id)}
	}
	s := &scenarioRun{ledger: ledger, res: &ScenarioResultDTO{Scenario: id, PaymentIDs: []int64{}}}
	if err := load(ctx, s); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", id, err)
	}
	return s.res, nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func loadOpenClaimScenario(ctx context.Context, s *scenarioRun) error {
	claim, err := s.claim(ctx, "Maya", "Chen")
	if err != nil {
		return err
	}
	if _, err := s.chargedLine(ctx, claim.ID, "99214", "E11.9", "185.00"); err != nil {
		return err
	}
	_, err = s.chargedLine(ctx, claim.ID, "83036", "E11.9", "42.50")
	return err
}

func loadPartialPaymentScenario(ctx context.Context, s *scenarioRun) error {
	claim, err := s.claim(ctx, "Jon", "Okafor")
	if err != nil {
		return err
	}
	office, err := s.chargedLine(ctx, claim.ID, "99213", "J06.9", "150.00")
	if err != nil {
		return err
	}
	if _, err := s.chargedLine(ctx, claim.ID, "87880", "J02.0", "35.00"); err != nil {
		return err
	}
	if err := s.walk(ctx, claim.ID, billing.StatusReady, billing.StatusSubmitted); err != nil {
		return err
	}

	// Payer covered 100 of the office visit and wrote 20 off under contract
	if err := s.pay(ctx, office.ID, "100.00", "EOB-20250402"); err != nil {
		return err
	}
	if _, err := s.ledger.CreateAdjustment(ctx, billing.AdjustmentInput{
		ChargeID: office.ID,
		Amount:   dollars("20.00"),
		Reason:   billing.ReasonContractual,
		Note:     "contracted rate",
	}); err != nil {
		return err
	}
	return s.snapshot(ctx, claim.ID)
}

func loadPaidInFullScenario(ctx context.Context, s *scenarioRun) error {
	claim, err := s.claim(ctx, "Lena", "Fischer")
	if err != nil {
		return err
	}
	visit, err := s.chargedLine(ctx, claim.ID, "99203", "M54.5", "210.00")
	if err != nil {
		return err
	}
	if err := s.walk(ctx, claim.ID, billing.StatusReady, billing.StatusSubmitted); err != nil {
		return err
	}
	if err := s.pay(ctx, visit.ID, "180.00", "EOB-20250415"); err != nil {
		return err
	}
	if _, err := s.ledger.CreateAdjustment(ctx, billing.AdjustmentInput{
		ChargeID: visit.ID,
		Amount:   dollars("30.00"),
		Reason:   billing.ReasonContractual,
	}); err != nil {
		return err
	}
	if err := s.walk(ctx, claim.ID, billing.StatusPaid); err != nil {
		return err
	}
	return s.snapshot(ctx, claim.ID)
}

func loadDeniedResubmitScenario(ctx context.Context, s *scenarioRun) error {
	claim, err := s.claim(ctx, "Omar", "Haddad")
	if err != nil {
		return err
	}
	if _, err := s.chargedLine(ctx, claim.ID, "97110", "M25.561", "95.00"); err != nil {
		return err
	}
	if err := s.walk(ctx, claim.ID, billing.StatusReady, billing.StatusSubmitted, billing.StatusDenied, billing.StatusReady); err != nil {
		return err
	}
	_, err = s.ledger.UpdateClaimCMS(ctx, claim.ID, billing.ClaimCMS{
		ResubmissionCode22:   "7",
		OriginalRefNo22:      "ICN-2025-000481",
		PriorAuthorization23: "PA-55120",
	})
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

var scenarioDay = time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)

type scenarioRun struct {
	ledger *billing.Ledger
	res    *ScenarioResultDTO
}

func dollars(s string) decimal.Decimal {
	return billing.MustParseAmount(s)
}

// claim creates a patient with active coverage and a DRAFT claim.
func (s *scenarioRun) claim(ctx context.Context, first, last string) (*billing.Claim, error) {
	dob := time.Date(1984, time.June, 12, 0, 0, 0, 0, time.UTC)
	p, err := s.ledger.CreatePatient(ctx, billing.PatientInput{FirstName: first, LastName: last, DateOfBirth: &dob})
	if err != nil {
		return nil, err
	}
	cov, err := s.ledger.CreateCoverage(ctx, p.ID, billing.CoverageInput{
		InsurerName:  "Acme Health",
		PlanName:     "PPO Gold",
		PolicyNumber: fmt.Sprintf("ACM-%d", p.ID),
		GroupNumber:  "GRP-100",
		StartDate:    time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		return nil, err
	}
	c, err := s.ledger.CreateClaim(ctx, p.ID, cov.ID)
	if err != nil {
		return nil, err
	}
	s.res.PatientID = int64(p.ID)
	s.res.ClaimID = int64(c.ID)
	return c, nil
}

func (s *scenarioRun) chargedLine(ctx context.Context, claimID billing.ClaimID, cpt, dx, amt string) (*billing.Charge, error) {
	svc, err := s.ledger.CreateService(ctx, claimID, billing.ServiceInput{
		ServiceDate:    scenarioDay,
		CPTCode:        cpt,
		Units:          1,
		DiagnosisCode:  dx,
		PlaceOfService: "11",
	})
	if err != nil {
		return nil, err
	}
	return s.ledger.CreateCharge(ctx, svc.ID, dollars(amt))
}

func (s *scenarioRun) walk(ctx context.Context, claimID billing.ClaimID, steps ...billing.ClaimStatus) error {
	for _, to := range steps {
		if _, err := s.ledger.TransitionClaim(ctx, claimID, to); err != nil {
			return err
		}
	}
	return nil
}

// pay records a check for amt and applies all of it to one charge.
func (s *scenarioRun) pay(ctx context.Context, chargeID billing.ChargeID, amt, ref string) error {
	p, err := s.ledger.CreatePayment(ctx, billing.PaymentInput{
		Amount:       dollars(amt),
		Method:       billing.MethodCheck,
		Reference:    ref,
		ReceivedDate: scenarioDay.AddDate(0, 0, 21),
	})
	if err != nil {
		return err
	}
	if _, err := s.ledger.CreateApplication(ctx, p.ID, chargeID, dollars(amt)); err != nil {
		return err
	}
	s.res.PaymentIDs = append(s.res.PaymentIDs, int64(p.ID))
	return nil
}

func (s *scenarioRun) snapshot(ctx context.Context, claimID billing.ClaimID) error {
	snap, err := s.ledger.GenerateSnapshot(ctx, claimID)
	if err != nil {
		return err
	}
	id := int64(snap.ID)
	s.res.SnapshotID = &id
	return nil
}
