/*
audit.go - Read-only integrity audits

LEDGER AUDIT (AuditLedger):
  payments   Σ applications <= amount
  charges    no non-positive application/adjustment; applied + adjusted <= amount
  claims     balance_due == Σ charge balances

SNAPSHOT AUDIT (AuditSnapshots):
  hash       canonical(payload) hashes to the stored hash
  meta       payload meta.claim_id equals the row's claim_id
  totals     balance_due == total_charge − amount_paid − adjustments
  drift      latest snapshot vs live totals (informational)

  Neither audit writes anything. Findings with SeverityError mean the data
  is inconsistent; SeverityInfo is reported but does not fail the audit.
*/
package billing

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type Severity string

const (
	SeverityError Severity = "error"
	SeverityInfo  Severity = "info"
)

// Finding is one audit observation.
type Finding struct {
	Check    string
	Entity   string
	ID       int64
	Severity Severity
	Message  string
}

type AuditReport struct {
	PaymentsChecked  int
	ChargesChecked   int
	ClaimsChecked    int
	SnapshotsChecked int
	Findings         []Finding
}

// OK reports whether the audit found no errors.
func (r *AuditReport) OK() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityError {
			return false
		}
	}
	return true
}

func (r *AuditReport) fail(check, entity string, id int64, format string, args ...any) {
	r.Findings = append(r.Findings, Finding{Check: check, Entity: entity, ID: id, Severity: SeverityError, Message: fmt.Sprintf(format, args...)})
}

func (r *AuditReport) note(check, entity string, id int64, format string, args ...any) {
	r.Findings = append(r.Findings, Finding{Check: check, Entity: entity, ID: id, Severity: SeverityInfo, Message: fmt.Sprintf(format, args...)})
}

func (r *AuditReport) merge(o *AuditReport) {
	r.PaymentsChecked += o.PaymentsChecked
	r.ChargesChecked += o.ChargesChecked
	r.ClaimsChecked += o.ClaimsChecked
	r.SnapshotsChecked += o.SnapshotsChecked
	r.Findings = append(r.Findings, o.Findings...)
}

// =============================================================================
// AUDITOR
// =============================================================================

type Auditor struct {
	Store  Store
	Logger zerolog.Logger
}

func NewAuditor(store Store) *Auditor {
	return &Auditor{Store: store, Logger: zerolog.Nop()}
}

// Audit runs the ledger and snapshot audits in one read transaction.
func (a *Auditor) Audit(ctx context.Context) (*AuditReport, error) {
	report := &AuditReport{}
	err := a.Store.WithTx(ctx, func(tx Tx) error {
		ledger, err := auditLedger(ctx, tx)
		if err != nil {
			return err
		}
		snaps, err := auditSnapshots(ctx, tx)
		if err != nil {
			return err
		}
		report.merge(ledger)
		report.merge(snaps)
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.log(report)
	return report, nil
}

func (a *Auditor) AuditLedger(ctx context.Context) (*AuditReport, error) {
	var report *AuditReport
	err := a.Store.WithTx(ctx, func(tx Tx) error {
		var err error
		report, err = auditLedger(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	a.log(report)
	return report, nil
}

func (a *Auditor) AuditSnapshots(ctx context.Context) (*AuditReport, error) {
	var report *AuditReport
	err := a.Store.WithTx(ctx, func(tx Tx) error {
		var err error
		report, err = auditSnapshots(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	a.log(report)
	return report, nil
}

func (a *Auditor) log(r *AuditReport) {
	ev := a.Logger.Info()
	if !r.OK() {
		ev = a.Logger.Warn()
	}
	ev.Int("payments", r.PaymentsChecked).
		Int("charges", r.ChargesChecked).
		Int("claims", r.ClaimsChecked).
		Int("snapshots", r.SnapshotsChecked).
		Int("findings", len(r.Findings)).
		Bool("ok", r.OK()).
		Msg("audit finished")
}

// =============================================================================
// CHECKS
// =============================================================================

func auditLedger(ctx context.Context, tx Tx) (*AuditReport, error) {
	report := &AuditReport{}

	payments, err := tx.ListPayments(ctx, 0)
	if err != nil {
		return nil, err
	}
	for _, p := range payments {
		report.PaymentsChecked++
		applied, err := paymentApplied(ctx, tx, p.ID)
		if err != nil {
			return nil, err
		}
		if applied.GreaterThan(p.Amount) {
			report.fail("payment_over_applied", "payment", int64(p.ID),
				"applied %s > amount %s", applied.StringFixed(2), p.Amount.StringFixed(2))
		}
	}

	claims, err := tx.ListClaims(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range claims {
		report.ClaimsChecked++
		apps, err := tx.ListApplicationsByClaim(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		for _, ap := range apps {
			if !ap.AmountApplied.IsPositive() {
				report.fail("negative_component", "application", int64(ap.ID), "amount_applied %s <= 0", ap.AmountApplied)
			}
		}
		adjs, err := tx.ListAdjustmentsByClaim(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		for _, ad := range adjs {
			if !ad.Amount.IsPositive() {
				report.fail("negative_component", "adjustment", int64(ad.ID), "amount %s <= 0", ad.Amount)
			}
		}

		cb, err := claimBalance(ctx, tx, c.ID)
		if err != nil {
			return nil, err
		}
		sum := decimal.Zero
		for _, ch := range cb.Charges {
			report.ChargesChecked++
			sum = sum.Add(ch.Balance)
			if ch.Balance.IsNegative() {
				report.fail("charge_over_applied", "charge", int64(ch.ChargeID),
					"applied %s + adjustments %s > amount %s",
					ch.TotalApplied.StringFixed(2), ch.TotalAdjustments.StringFixed(2), ch.TotalCharge.StringFixed(2))
			}
		}
		if !sum.Equal(cb.BalanceDue) {
			report.fail("claim_balance", "claim", int64(c.ID),
				"balance_due %s != Σ charge balances %s", cb.BalanceDue.StringFixed(2), sum.StringFixed(2))
		}
	}
	return report, nil
}

func auditSnapshots(ctx context.Context, tx Tx) (*AuditReport, error) {
	report := &AuditReport{}
	snaps, err := tx.ListSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	// ListSnapshots is newest first, so the first row seen per claim is its latest.
	latest := make(map[ClaimID]bool)
	for _, s := range snaps {
		report.SnapshotsChecked++
		isLatest := !latest[s.ClaimID]
		latest[s.ClaimID] = true
		if err := VerifySnapshot(s); err != nil {
			report.fail("snapshot_hash", "snapshot", int64(s.ID), "%v", err)
			continue
		}
		payload, err := ParsePayload(s)
		if err != nil {
			report.fail("snapshot_payload", "snapshot", int64(s.ID), "%v", err)
			continue
		}
		if ClaimID(payload.Meta.ClaimID) != s.ClaimID {
			report.fail("snapshot_meta", "snapshot", int64(s.ID),
				"meta.claim_id %d != claim_id %d", payload.Meta.ClaimID, s.ClaimID)
		}
		t := payload.Totals.Decimal()
		if expected := t.TotalCharge.Sub(t.AmountPaid).Sub(t.Adjustments); !ApproxEqual(expected, t.BalanceDue) {
			report.fail("snapshot_totals", "snapshot", int64(s.ID),
				"balance_due %s != total_charge − amount_paid − adjustments %s", t.BalanceDue.StringFixed(2), expected.StringFixed(2))
		}

		if !isLatest {
			continue
		}
		cb, err := claimBalance(ctx, tx, s.ClaimID)
		if err != nil {
			return nil, err
		}
		if live := cb.Totals(); !live.Matches(t) {
			report.note("snapshot_drift", "claim", int64(s.ClaimID),
				"snapshot %d {%s} live {%s}", s.ID, t, live)
		}
	}
	return report, nil
}
