/*
guard.go - Mutation Guard

PURPOSE:
  Every financial write goes through a method in this file. Each method runs
  its checks and its write in ONE transaction, so a failed check never leaves
  a partial write behind.

CHECK ORDER (per operation):
  1. Input        amount > 0, known enum, required fields
  2. Existence    parent rows exist (service, charge, payment)
  3. Lock         owning claim has no snapshot
  4. History      charge has no applications/adjustments (update/delete)
  5. Sufficiency  amount fits what the payment and the charge have left

RULES:
  - applied <= payment.amount − Σ payment applications
  - applied <= charge.amount − Σ charge applications − Σ charge adjustments
  - adjustment <= charge balance
  - payment.amount may not drop below what is already applied
  - one charge per service
  - charges with financial activity are frozen even on unlocked claims
  - a service with a charge, and a payment with applications, cannot be deleted

SEE ALSO:
  - lock.go: ensureUnlocked, owner resolution
  - balance.go: chargeBalance
*/
package billing

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// INPUTS
// =============================================================================

// ServiceInput carries the editable fields of a service line.
type ServiceInput struct {
	ServiceDate    time.Time
	CPTCode        string
	Units          int
	DiagnosisCode  string
	PlaceOfService string
	Modifiers      string
	Description    string
	OutsideLab20   bool
	LabCharges20   *decimal.Decimal
}

func (in ServiceInput) validate() error {
	if in.ServiceDate.IsZero() {
		return invalid("service_date", "is required")
	}
	if strings.TrimSpace(in.CPTCode) == "" {
		return invalid("cpt_code", "is required")
	}
	if in.Units <= 0 {
		return invalid("units", "must be > 0, got %d", in.Units)
	}
	if in.LabCharges20 != nil && in.LabCharges20.IsNegative() {
		return invalid("lab_charges_20", "must not be negative")
	}
	return nil
}

func (in ServiceInput) apply(s *Service) {
	s.ServiceDate = in.ServiceDate
	s.CPTCode = strings.TrimSpace(in.CPTCode)
	s.Units = in.Units
	s.DiagnosisCode = strings.TrimSpace(in.DiagnosisCode)
	s.PlaceOfService = in.PlaceOfService
	s.Modifiers = in.Modifiers
	s.Description = in.Description
	s.OutsideLab20 = in.OutsideLab20
	s.LabCharges20 = in.LabCharges20
}

// PaymentInput carries the fields of a payment receipt.
type PaymentInput struct {
	Amount       decimal.Decimal
	Method       PaymentMethod
	Reference    string
	ReceivedDate time.Time
}

func (in PaymentInput) validate() error {
	if err := requirePositive("amount", in.Amount); err != nil {
		return err
	}
	if !in.Method.Valid() {
		return invalid("method", "unknown payment method %q", in.Method)
	}
	if in.ReceivedDate.IsZero() {
		return invalid("received_date", "is required")
	}
	return nil
}

// AdjustmentInput carries the fields of a charge adjustment.
type AdjustmentInput struct {
	ChargeID ChargeID
	Amount   decimal.Decimal
	Reason   AdjustmentReason
	Note     string
}

func requirePositive(field string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return invalid(field, "must be > 0, got %s", amount.String())
	}
	return nil
}

// =============================================================================
// SERVICES
// =============================================================================

// CreateService adds a service line to an unlocked claim.
func (l *Ledger) CreateService(ctx context.Context, claimID ClaimID, in ServiceInput) (*Service, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	var svc *Service
	err := l.update(ctx, func(tx Tx) error {
		if err := ensureUnlocked(ctx, tx, claimID, "create service"); err != nil {
			return err
		}
		if err := ensureCovered(ctx, tx, claimID, in.ServiceDate); err != nil {
			return err
		}
		now := l.now()
		s := &Service{ClaimID: claimID, CreatedAt: now, UpdatedAt: now}
		in.apply(s)
		if err := tx.InsertService(ctx, s); err != nil {
			return err
		}
		svc = s
		return nil
	})
	return svc, err
}

// UpdateService replaces the editable fields of a service line.
func (l *Ledger) UpdateService(ctx context.Context, serviceID ServiceID, in ServiceInput) (*Service, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	var svc *Service
	err := l.update(ctx, func(tx Tx) error {
		s, err := tx.GetService(ctx, serviceID)
		if err != nil {
			return err
		}
		if s == nil {
			return notFound("service", int64(serviceID))
		}
		if err := ensureUnlocked(ctx, tx, s.ClaimID, "update service"); err != nil {
			return err
		}
		if err := ensureCovered(ctx, tx, s.ClaimID, in.ServiceDate); err != nil {
			return err
		}
		in.apply(s)
		s.UpdatedAt = l.now()
		if err := tx.UpdateService(ctx, s); err != nil {
			return err
		}
		svc = s
		return nil
	})
	return svc, err
}

// ensureCovered rejects a service date outside the claim's coverage period.
func ensureCovered(ctx context.Context, tx Tx, claimID ClaimID, serviceDate time.Time) error {
	claim, err := getClaim(ctx, tx, claimID)
	if err != nil {
		return err
	}
	cov, err := tx.GetCoverage(ctx, claim.CoverageID)
	if err != nil {
		return err
	}
	if cov == nil {
		return notFound("coverage", int64(claim.CoverageID))
	}
	if !cov.ActiveOn(serviceDate) {
		return invalid("service_date", "%s is outside coverage %d", serviceDate.Format(DateLayout), cov.ID)
	}
	return nil
}

// DeleteService removes a service line that has no charge.
func (l *Ledger) DeleteService(ctx context.Context, serviceID ServiceID) error {
	return l.update(ctx, func(tx Tx) error {
		claimID, err := ownerOfService(ctx, tx, serviceID)
		if err != nil {
			return err
		}
		if err := ensureUnlocked(ctx, tx, claimID, "delete service"); err != nil {
			return err
		}
		charges, err := tx.ListChargesByService(ctx, serviceID)
		if err != nil {
			return err
		}
		if len(charges) > 0 {
			return &DependentRecordsError{Entity: "service", ID: int64(serviceID), Dependents: "charges", Count: len(charges)}
		}
		return tx.DeleteService(ctx, serviceID)
	})
}

// =============================================================================
// CHARGES
// =============================================================================

// CreateCharge bills a service line. A service owns at most one charge.
func (l *Ledger) CreateCharge(ctx context.Context, serviceID ServiceID, amount decimal.Decimal) (*Charge, error) {
	if err := requirePositive("amount", amount); err != nil {
		return nil, err
	}
	var charge *Charge
	err := l.update(ctx, func(tx Tx) error {
		claimID, err := ownerOfService(ctx, tx, serviceID)
		if err != nil {
			return err
		}
		if err := ensureUnlocked(ctx, tx, claimID, "create charge"); err != nil {
			return err
		}
		existing, err := tx.ListChargesByService(ctx, serviceID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return invalid("service_id", "service %d already has charge %d", serviceID, existing[0].ID)
		}
		now := l.now()
		c := &Charge{ServiceID: serviceID, Amount: amount, CreatedAt: now, UpdatedAt: now}
		if err := tx.InsertCharge(ctx, c); err != nil {
			return err
		}
		charge = c
		return nil
	})
	return charge, err
}

// UpdateCharge changes the amount of a charge with no financial activity.
func (l *Ledger) UpdateCharge(ctx context.Context, chargeID ChargeID, amount decimal.Decimal) (*Charge, error) {
	if err := requirePositive("amount", amount); err != nil {
		return nil, err
	}
	var charge *Charge
	err := l.update(ctx, func(tx Tx) error {
		c, err := l.frozenCheck(ctx, tx, chargeID, "update charge")
		if err != nil {
			return err
		}
		now := l.now()
		if err := tx.UpdateChargeAmount(ctx, chargeID, amount, now); err != nil {
			return err
		}
		c.Amount = amount
		c.UpdatedAt = now
		charge = c
		return nil
	})
	return charge, err
}

// DeleteCharge removes a charge with no financial activity.
func (l *Ledger) DeleteCharge(ctx context.Context, chargeID ChargeID) error {
	return l.update(ctx, func(tx Tx) error {
		if _, err := l.frozenCheck(ctx, tx, chargeID, "delete charge"); err != nil {
			return err
		}
		_, err := tx.DeleteCharges(ctx, chargeID)
		return err
	})
}

// frozenCheck loads a charge and rejects it when its claim is locked or it
// already carries applications or adjustments.
func (l *Ledger) frozenCheck(ctx context.Context, tx Tx, chargeID ChargeID, op string) (*Charge, error) {
	c, err := tx.GetCharge(ctx, chargeID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, notFound("charge", int64(chargeID))
	}
	claimID, err := ownerOfCharge(ctx, tx, chargeID)
	if err != nil {
		return nil, err
	}
	if err := ensureUnlocked(ctx, tx, claimID, op); err != nil {
		return nil, err
	}
	apps, err := tx.ListApplicationsByCharge(ctx, chargeID)
	if err != nil {
		return nil, err
	}
	if len(apps) > 0 {
		return nil, &DependentRecordsError{Entity: "charge", ID: int64(chargeID), Dependents: "applications", Count: len(apps)}
	}
	adjs, err := tx.ListAdjustmentsByCharge(ctx, chargeID)
	if err != nil {
		return nil, err
	}
	if len(adjs) > 0 {
		return nil, &DependentRecordsError{Entity: "charge", ID: int64(chargeID), Dependents: "adjustments", Count: len(adjs)}
	}
	return c, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

// CreatePayment records a receipt. Payments do not belong to a claim and are
// never locked; only their applications are.
func (l *Ledger) CreatePayment(ctx context.Context, in PaymentInput) (*Payment, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	var payment *Payment
	err := l.update(ctx, func(tx Tx) error {
		now := l.now()
		p := &Payment{
			Amount:       in.Amount,
			Method:       in.Method,
			Reference:    in.Reference,
			ReceivedDate: in.ReceivedDate,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := tx.InsertPayment(ctx, p); err != nil {
			return err
		}
		payment = p
		return nil
	})
	return payment, err
}

// UpdatePayment edits a payment; the amount may not drop below what is
// already applied.
func (l *Ledger) UpdatePayment(ctx context.Context, paymentID PaymentID, in PaymentInput) (*Payment, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	var payment *Payment
	err := l.update(ctx, func(tx Tx) error {
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
		if in.Amount.LessThan(applied) {
			return &InsufficientAmountError{Source: "payment", ID: int64(paymentID), Available: applied, Requested: in.Amount}
		}
		p.Amount = in.Amount
		p.Method = in.Method
		p.Reference = in.Reference
		p.ReceivedDate = in.ReceivedDate
		p.UpdatedAt = l.now()
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return err
		}
		payment = p
		return nil
	})
	return payment, err
}

// ListPayments returns the most recent payments first; limit <= 0 means all.
func (l *Ledger) ListPayments(ctx context.Context, limit int) ([]Payment, error) {
	var payments []Payment
	err := l.view(ctx, func(tx Tx) error {
		var err error
		payments, err = tx.ListPayments(ctx, limit)
		return err
	})
	return payments, err
}

// DeletePayment removes a payment that was never applied.
func (l *Ledger) DeletePayment(ctx context.Context, paymentID PaymentID) error {
	return l.update(ctx, func(tx Tx) error {
		p, err := tx.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if p == nil {
			return notFound("payment", int64(paymentID))
		}
		apps, err := tx.ListApplicationsByPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if len(apps) > 0 {
			return &DependentRecordsError{Entity: "payment", ID: int64(paymentID), Dependents: "applications", Count: len(apps)}
		}
		return tx.DeletePayment(ctx, paymentID)
	})
}

// =============================================================================
// APPLICATIONS & ADJUSTMENTS
// =============================================================================

// CreateApplication credits part of a payment against a charge.
func (l *Ledger) CreateApplication(ctx context.Context, paymentID PaymentID, chargeID ChargeID, amount decimal.Decimal) (*Application, error) {
	if err := requirePositive("amount_applied", amount); err != nil {
		return nil, err
	}
	var app *Application
	err := l.update(ctx, func(tx Tx) error {
		p, err := tx.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if p == nil {
			return notFound("payment", int64(paymentID))
		}
		claimID, err := ownerOfCharge(ctx, tx, chargeID)
		if err != nil {
			return err
		}
		if err := ensureUnlocked(ctx, tx, claimID, "create application"); err != nil {
			return err
		}

		applied, err := paymentApplied(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if available := p.Amount.Sub(applied); amount.GreaterThan(available) {
			return &InsufficientAmountError{Source: "payment", ID: int64(paymentID), Available: available, Requested: amount}
		}
		cb, err := chargeBalance(ctx, tx, chargeID)
		if err != nil {
			return err
		}
		if amount.GreaterThan(cb.Balance) {
			return &InsufficientAmountError{Source: "charge", ID: int64(chargeID), Available: cb.Balance, Requested: amount}
		}

		a := &Application{PaymentID: paymentID, ChargeID: chargeID, AmountApplied: amount, CreatedAt: l.now()}
		if err := tx.InsertApplication(ctx, a); err != nil {
			return err
		}
		app = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.Logger.Debug().
		Int64("payment_id", int64(paymentID)).
		Int64("charge_id", int64(chargeID)).
		Str("amount", amount.StringFixed(2)).
		Msg("payment applied")
	return app, nil
}

// CreateAdjustment reduces a charge without cash.
func (l *Ledger) CreateAdjustment(ctx context.Context, in AdjustmentInput) (*Adjustment, error) {
	if err := requirePositive("amount", in.Amount); err != nil {
		return nil, err
	}
	if !in.Reason.Valid() {
		return nil, invalid("reason", "unknown adjustment reason %q", in.Reason)
	}
	var adj *Adjustment
	err := l.update(ctx, func(tx Tx) error {
		claimID, err := ownerOfCharge(ctx, tx, in.ChargeID)
		if err != nil {
			return err
		}
		if err := ensureUnlocked(ctx, tx, claimID, "create adjustment"); err != nil {
			return err
		}
		cb, err := chargeBalance(ctx, tx, in.ChargeID)
		if err != nil {
			return err
		}
		if in.Amount.GreaterThan(cb.Balance) {
			return &InsufficientAmountError{Source: "charge", ID: int64(in.ChargeID), Available: cb.Balance, Requested: in.Amount}
		}
		a := &Adjustment{
			ChargeID:  in.ChargeID,
			Amount:    in.Amount,
			Reason:    in.Reason,
			Note:      in.Note,
			CreatedAt: l.now(),
		}
		if err := tx.InsertAdjustment(ctx, a); err != nil {
			return err
		}
		adj = a
		return nil
	})
	return adj, err
}
