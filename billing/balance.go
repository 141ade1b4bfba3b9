/*
balance.go - Balance Calculator

PURPOSE:
  Derives charge-, claim- and payment-level balances from ledger rows.
  Nothing here writes; balances are never stored.

DEFINITIONS:
  charge balance = charge.amount − Σ applications − Σ adjustments
  claim totals   = Σ over charges of the claim's services
  balance_due    = total_charge − total_applied − total_adjustments
                 = Σ charge balances (checked by tests and the auditor)

  Charge-level balance always nets out adjustments as well as applications,
  so the same definition is used by the guard, the snapshot and the audit.

FINANCIAL STATUS:
  balance_due > 0  -> OPEN
  balance_due == 0 -> PAID
  balance_due < 0  -> OVERPAID

SEE ALSO:
  - guard.go: Uses chargeBalance / paymentApplied before writes
  - claim.go: Derived claim status
*/
package billing

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RESULT TYPES
// =============================================================================

type ChargeBalance struct {
	ChargeID         ChargeID
	ServiceID        ServiceID
	TotalCharge      decimal.Decimal
	TotalApplied     decimal.Decimal
	TotalAdjustments decimal.Decimal
	Balance          decimal.Decimal
}

type ClaimBalance struct {
	ClaimID          ClaimID
	Charges          []ChargeBalance
	TotalCharge      decimal.Decimal
	TotalApplied     decimal.Decimal
	TotalAdjustments decimal.Decimal
	BalanceDue       decimal.Decimal
}

type FinancialState string

const (
	FinancialOpen     FinancialState = "OPEN"
	FinancialPaid     FinancialState = "PAID"
	FinancialOverpaid FinancialState = "OVERPAID"
)

// FinancialStateOf classifies a balance due.
func FinancialStateOf(balanceDue decimal.Decimal) FinancialState {
	switch balanceDue.Sign() {
	case 1:
		return FinancialOpen
	case 0:
		return FinancialPaid
	default:
		return FinancialOverpaid
	}
}

type FinancialStatus struct {
	ClaimID          ClaimID
	TotalCharge      decimal.Decimal
	TotalApplied     decimal.Decimal
	TotalAdjustments decimal.Decimal
	BalanceDue       decimal.Decimal
	Status           FinancialState
}

type PaymentBalance struct {
	PaymentID PaymentID
	Amount    decimal.Decimal
	Applied   decimal.Decimal
	Unapplied decimal.Decimal
}

// =============================================================================
// LEDGER QUERIES
// =============================================================================

// ChargeBalance computes one charge's balance.
func (l *Ledger) ChargeBalance(ctx context.Context, chargeID ChargeID) (*ChargeBalance, error) {
	var cb *ChargeBalance
	err := l.view(ctx, func(tx Tx) error {
		var err error
		cb, err = chargeBalance(ctx, tx, chargeID)
		return err
	})
	return cb, err
}

// ClaimBalance aggregates the balances of every charge on the claim.
func (l *Ledger) ClaimBalance(ctx context.Context, claimID ClaimID) (*ClaimBalance, error) {
	var cb *ClaimBalance
	err := l.view(ctx, func(tx Tx) error {
		if err := requireClaim(ctx, tx, claimID); err != nil {
			return err
		}
		var err error
		cb, err = claimBalance(ctx, tx, claimID)
		return err
	})
	return cb, err
}

// ClaimFinancialStatus returns the claim totals and OPEN/PAID/OVERPAID.
func (l *Ledger) ClaimFinancialStatus(ctx context.Context, claimID ClaimID) (*FinancialStatus, error) {
	cb, err := l.ClaimBalance(ctx, claimID)
	if err != nil {
		return nil, err
	}
	return cb.FinancialStatus(), nil
}

// PaymentBalance reports how much of a payment is still unapplied.
func (l *Ledger) PaymentBalance(ctx context.Context, paymentID PaymentID) (*PaymentBalance, error) {
	var pb *PaymentBalance
	err := l.view(ctx, func(tx Tx) error {
		p, err := tx.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if p == nil {
			return notFound("payment", int64(paymentID))
		}
		applied, err := paymentApplied(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		pb = &PaymentBalance{
			PaymentID: paymentID,
			Amount:    p.Amount,
			Applied:   applied,
			Unapplied: p.Amount.Sub(applied),
		}
		return nil
	})
	return pb, err
}

// FinancialStatus converts claim totals into a status view.
func (cb *ClaimBalance) FinancialStatus() *FinancialStatus {
	return &FinancialStatus{
		ClaimID:          cb.ClaimID,
		TotalCharge:      cb.TotalCharge,
		TotalApplied:     cb.TotalApplied,
		TotalAdjustments: cb.TotalAdjustments,
		BalanceDue:       cb.BalanceDue,
		Status:           FinancialStateOf(cb.BalanceDue),
	}
}

// =============================================================================
// IN-TRANSACTION HELPERS
// =============================================================================

func chargeBalance(ctx context.Context, tx Tx, chargeID ChargeID) (*ChargeBalance, error) {
	ch, err := tx.GetCharge(ctx, chargeID)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, notFound("charge", int64(chargeID))
	}
	apps, err := tx.ListApplicationsByCharge(ctx, chargeID)
	if err != nil {
		return nil, err
	}
	adjs, err := tx.ListAdjustmentsByCharge(ctx, chargeID)
	if err != nil {
		return nil, err
	}
	return newChargeBalance(*ch, apps, adjs), nil
}

func newChargeBalance(ch Charge, apps []Application, adjs []Adjustment) *ChargeBalance {
	applied := decimal.Zero
	for _, a := range apps {
		applied = applied.Add(a.AmountApplied)
	}
	adjusted := decimal.Zero
	for _, a := range adjs {
		adjusted = adjusted.Add(a.Amount)
	}
	return &ChargeBalance{
		ChargeID:         ch.ID,
		ServiceID:        ch.ServiceID,
		TotalCharge:      ch.Amount,
		TotalApplied:     applied,
		TotalAdjustments: adjusted,
		Balance:          ch.Amount.Sub(applied).Sub(adjusted),
	}
}

// claimBalance reads the claim's charges, applications and adjustments with
// three queries in the caller's transaction and folds them per charge.
func claimBalance(ctx context.Context, tx Tx, claimID ClaimID) (*ClaimBalance, error) {
	charges, err := tx.ListChargesByClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}
	apps, err := tx.ListApplicationsByClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}
	adjs, err := tx.ListAdjustmentsByClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}

	appsByCharge := make(map[ChargeID][]Application)
	for _, a := range apps {
		appsByCharge[a.ChargeID] = append(appsByCharge[a.ChargeID], a)
	}
	adjsByCharge := make(map[ChargeID][]Adjustment)
	for _, a := range adjs {
		adjsByCharge[a.ChargeID] = append(adjsByCharge[a.ChargeID], a)
	}

	cb := &ClaimBalance{
		ClaimID:          claimID,
		Charges:          make([]ChargeBalance, 0, len(charges)),
		TotalCharge:      decimal.Zero,
		TotalApplied:     decimal.Zero,
		TotalAdjustments: decimal.Zero,
		BalanceDue:       decimal.Zero,
	}
	for _, ch := range charges {
		b := newChargeBalance(ch, appsByCharge[ch.ID], adjsByCharge[ch.ID])
		cb.Charges = append(cb.Charges, *b)
		cb.TotalCharge = cb.TotalCharge.Add(b.TotalCharge)
		cb.TotalApplied = cb.TotalApplied.Add(b.TotalApplied)
		cb.TotalAdjustments = cb.TotalAdjustments.Add(b.TotalAdjustments)
	}
	cb.BalanceDue = cb.TotalCharge.Sub(cb.TotalApplied).Sub(cb.TotalAdjustments)
	return cb, nil
}

func paymentApplied(ctx context.Context, tx Tx, paymentID PaymentID) (decimal.Decimal, error) {
	apps, err := tx.ListApplicationsByPayment(ctx, paymentID)
	if err != nil {
		return decimal.Zero, err
	}
	applied := decimal.Zero
	for _, a := range apps {
		applied = applied.Add(a.AmountApplied)
	}
	return applied, nil
}

func requireClaim(ctx context.Context, tx Tx, claimID ClaimID) error {
	_, err := getClaim(ctx, tx, claimID)
	return err
}

func getClaim(ctx context.Context, tx Tx, claimID ClaimID) (*Claim, error) {
	c, err := tx.GetClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, notFound("claim", int64(claimID))
	}
	return c, nil
}
