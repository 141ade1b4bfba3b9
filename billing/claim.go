/*
claim.go - Claim State Machine

PURPOSE:
  Persisted workflow status with a fixed transition table, plus a derived
  status that is recomputed from the lock and the balance on every read.

PERSISTED STATUS:

    DRAFT ──► READY ──► SUBMITTED ──┬──► PAID   (terminal)
                ▲                   └──► DENIED
                └──────────────────────────┘

  A locked claim's persisted status never changes.

DERIVED STATUS (never stored):

    not locked                 -> DRAFT
    locked, balance_due > 0    -> OPEN
    locked, balance_due == 0   -> PAID
    locked, balance_due < 0    -> OVERPAID

  The two can disagree: the persisted value is workflow intent, the derived
  one is what the money says. Both are exposed by ClaimView.
*/
package billing

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TRANSITIONS
// =============================================================================

var transitions = map[ClaimStatus][]ClaimStatus{
	StatusDraft:     {StatusReady},
	StatusReady:     {StatusSubmitted},
	StatusSubmitted: {StatusDenied, StatusPaid},
	StatusDenied:    {StatusReady},
	StatusPaid:      nil,
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to ClaimStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// DerivedStatus is the finance-based view of a claim.
type DerivedStatus string

const (
	DerivedDraft    DerivedStatus = "DRAFT"
	DerivedOpen     DerivedStatus = "OPEN"
	DerivedPaid     DerivedStatus = "PAID"
	DerivedOverpaid DerivedStatus = "OVERPAID"
)

// DeriveStatus computes the derived status from lock state and balance due.
func DeriveStatus(locked bool, balanceDue decimal.Decimal) DerivedStatus {
	if !locked {
		return DerivedDraft
	}
	switch FinancialStateOf(balanceDue) {
	case FinancialOpen:
		return DerivedOpen
	case FinancialPaid:
		return DerivedPaid
	default:
		return DerivedOverpaid
	}
}

// =============================================================================
// CLAIM LIFECYCLE
// =============================================================================

// CreateClaim opens a DRAFT claim for a patient under one of their coverages.
func (l *Ledger) CreateClaim(ctx context.Context, patientID PatientID, coverageID CoverageID) (*Claim, error) {
	var claim *Claim
	err := l.update(ctx, func(tx Tx) error {
		p, err := tx.GetPatient(ctx, patientID)
		if err != nil {
			return err
		}
		if p == nil {
			return notFound("patient", int64(patientID))
		}
		cov, err := tx.GetCoverage(ctx, coverageID)
		if err != nil {
			return err
		}
		if cov == nil {
			return notFound("coverage", int64(coverageID))
		}
		if cov.PatientID != patientID {
			return invalid("coverage_id", "coverage %d belongs to patient %d", coverageID, cov.PatientID)
		}
		now := l.now()
		c := &Claim{PatientID: patientID, CoverageID: coverageID, Status: StatusDraft, CreatedAt: now, UpdatedAt: now}
		if err := tx.InsertClaim(ctx, c); err != nil {
			return err
		}
		claim = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.Logger.Info().Int64("claim_id", int64(claim.ID)).Msg("claim created")
	return claim, nil
}

// GetClaim returns a claim by id.
func (l *Ledger) GetClaim(ctx context.Context, claimID ClaimID) (*Claim, error) {
	var claim *Claim
	err := l.view(ctx, func(tx Tx) error {
		var err error
		claim, err = getClaim(ctx, tx, claimID)
		return err
	})
	return claim, err
}

// ListServices returns the claim's services in encounter order.
func (l *Ledger) ListServices(ctx context.Context, claimID ClaimID) ([]Service, error) {
	var services []Service
	err := l.view(ctx, func(tx Tx) error {
		if err := requireClaim(ctx, tx, claimID); err != nil {
			return err
		}
		var err error
		services, err = tx.ListServicesByClaim(ctx, claimID)
		return err
	})
	return services, err
}

// DeleteClaim removes a claim that owns no services and was never snapshotted.
func (l *Ledger) DeleteClaim(ctx context.Context, claimID ClaimID) error {
	return l.update(ctx, func(tx Tx) error {
		if err := requireClaim(ctx, tx, claimID); err != nil {
			return err
		}
		if err := ensureUnlocked(ctx, tx, claimID, "delete claim"); err != nil {
			return err
		}
		services, err := tx.ListServicesByClaim(ctx, claimID)
		if err != nil {
			return err
		}
		if len(services) > 0 {
			return &DependentRecordsError{Entity: "claim", ID: int64(claimID), Dependents: "services", Count: len(services)}
		}
		return tx.DeleteClaim(ctx, claimID)
	})
}

// UpdateClaimCMS replaces the claim-level CMS-1500 boxes.
func (l *Ledger) UpdateClaimCMS(ctx context.Context, claimID ClaimID, cms ClaimCMS) (*Claim, error) {
	var claim *Claim
	err := l.update(ctx, func(tx Tx) error {
		c, err := getClaim(ctx, tx, claimID)
		if err != nil {
			return err
		}
		if err := ensureUnlocked(ctx, tx, claimID, "update CMS fields"); err != nil {
			return err
		}
		now := l.now()
		if err := tx.UpdateClaimCMS(ctx, claimID, cms, now); err != nil {
			return err
		}
		c.CMS = cms
		c.UpdatedAt = now
		claim = c
		return nil
	})
	return claim, err
}

// TransitionClaim moves the persisted status along the transition table.
func (l *Ledger) TransitionClaim(ctx context.Context, claimID ClaimID, to ClaimStatus) (*Claim, error) {
	if !to.Valid() {
		return nil, invalid("status", "unknown status %q", to)
	}
	var claim *Claim
	var from ClaimStatus
	err := l.update(ctx, func(tx Tx) error {
		c, err := getClaim(ctx, tx, claimID)
		if err != nil {
			return err
		}
		if err := ensureUnlocked(ctx, tx, claimID, "status transition"); err != nil {
			return err
		}
		if !CanTransition(c.Status, to) {
			return invalid("status", "transition %s -> %s not allowed", c.Status, to)
		}
		now := l.now()
		if err := tx.UpdateClaimStatus(ctx, claimID, to, now); err != nil {
			return err
		}
		from = c.Status
		c.Status = to
		c.UpdatedAt = now
		claim = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.Logger.Info().
		Int64("claim_id", int64(claimID)).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("claim transitioned")
	return claim, nil
}

// =============================================================================
// READ MODELS
// =============================================================================

// ClaimState combines persisted status, lock and finances of one claim.
type ClaimState struct {
	Claim     Claim
	Locked    bool
	Derived   DerivedStatus
	Financial FinancialStatus
}

// ClaimView returns persisted and derived status side by side.
func (l *Ledger) ClaimView(ctx context.Context, claimID ClaimID) (*ClaimState, error) {
	var st *ClaimState
	err := l.view(ctx, func(tx Tx) error {
		var err error
		st, err = claimState(ctx, tx, claimID)
		return err
	})
	return st, err
}

func claimState(ctx context.Context, tx Tx, claimID ClaimID) (*ClaimState, error) {
	c, err := getClaim(ctx, tx, claimID)
	if err != nil {
		return nil, err
	}
	locked, err := tx.HasSnapshot(ctx, claimID)
	if err != nil {
		return nil, err
	}
	cb, err := claimBalance(ctx, tx, claimID)
	if err != nil {
		return nil, err
	}
	return &ClaimState{
		Claim:     *c,
		Locked:    locked,
		Derived:   DeriveStatus(locked, cb.BalanceDue),
		Financial: *cb.FinancialStatus(),
	}, nil
}

// ClaimSummary is one row of the claims overview.
type ClaimSummary struct {
	ClaimState
	PatientName string
}

// ClaimsOverview lists every claim with its totals and lock, ordered by id.
func (l *Ledger) ClaimsOverview(ctx context.Context) ([]ClaimSummary, error) {
	var out []ClaimSummary
	err := l.view(ctx, func(tx Tx) error {
		claims, err := tx.ListClaims(ctx)
		if err != nil {
			return err
		}
		names := make(map[PatientID]string)
		out = make([]ClaimSummary, 0, len(claims))
		for _, c := range claims {
			st, err := claimState(ctx, tx, c.ID)
			if err != nil {
				return err
			}
			name, ok := names[c.PatientID]
			if !ok {
				p, err := tx.GetPatient(ctx, c.PatientID)
				if err != nil {
					return err
				}
				if p != nil {
					name = p.FullName()
				}
				names[c.PatientID] = name
			}
			out = append(out, ClaimSummary{ClaimState: *st, PatientName: name})
		}
		return nil
	})
	return out, err
}
