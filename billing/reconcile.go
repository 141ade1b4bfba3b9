/*
reconcile.go - Reconciliation Tool

PURPOSE:
  Out-of-band repair of claims whose live totals disagree with their latest
  snapshot. The snapshot is what was submitted; the ledger is brought back in
  line with it by removing rows written after the freeze, never by inventing
  payments or adjustments.

ALGORITHM (per mismatched claim, all claims in ONE transaction):

    1. drift?       snapshot totals vs live totals, tolerance 0.01
    2. delete       applications, adjustments, charges created after
                    snapshot.created_at (children of deleted charges too)
    3. shortfall?   live applied/adjusted < snapshot  -> IntegrityError
    4. restore      missing charge amount:
                      a. per service: snapshot charge_amount_24f − live sum
                      b. remainder on the first service
                    live total_charge > snapshot      -> IntegrityError
    5. verify       totals match or the whole run rolls back

  Restored charges carry the snapshot's created_at so a later run does not
  treat them as post-snapshot.

USAGE:
    r := billing.NewReconciler(store)
    drift, _ := r.DetectDrift(ctx)     // dry run
    report, err := r.Reconcile(ctx)    // repair
*/
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// =============================================================================
// TYPES
// =============================================================================

// Drift is one claim whose live totals differ from its latest snapshot.
type Drift struct {
	ClaimID           ClaimID
	SnapshotID        SnapshotID
	SnapshotCreatedAt time.Time
	Snapshot          Totals
	Live              Totals
}

// Restore modes.
const (
	RestoreNone          = "none"
	RestoreByService     = "targets_by_service"
	RestoreSingleService = "single_service_delta"
)

// ClaimRepair describes what Reconcile did to one claim.
type ClaimRepair struct {
	Drift
	DeletedApplications int64
	DeletedAdjustments  int64
	DeletedCharges      int64
	RestoredCharges     []Charge
	RestoreMode         string
	Final               Totals
}

type ReconcileSummary struct {
	ClaimsChecked  int
	ClaimsRepaired int
	Deleted        int64
	Restored       int
}

type ReconcileReport struct {
	Repairs []ClaimRepair
	Summary ReconcileSummary
}

// Matches reports whether all four totals agree within Tolerance.
func (t Totals) Matches(o Totals) bool {
	return ApproxEqual(t.TotalCharge, o.TotalCharge) &&
		ApproxEqual(t.AmountPaid, o.AmountPaid) &&
		ApproxEqual(t.Adjustments, o.Adjustments) &&
		ApproxEqual(t.BalanceDue, o.BalanceDue)
}

func (t Totals) String() string {
	return fmt.Sprintf("charge=%s paid=%s adjustments=%s balance=%s",
		t.TotalCharge.StringFixed(2), t.AmountPaid.StringFixed(2),
		t.Adjustments.StringFixed(2), t.BalanceDue.StringFixed(2))
}

// Totals returns the live totals in snapshot form, rounded to cents.
func (cb *ClaimBalance) Totals() Totals {
	return Totals{
		TotalCharge: Cents(cb.TotalCharge),
		AmountPaid:  Cents(cb.TotalApplied),
		Adjustments: Cents(cb.TotalAdjustments),
		BalanceDue:  Cents(cb.BalanceDue),
	}
}

// =============================================================================
// RECONCILER
// =============================================================================

type Reconciler struct {
	Store  Store
	Logger zerolog.Logger
}

func NewReconciler(store Store) *Reconciler {
	return &Reconciler{Store: store, Logger: zerolog.Nop()}
}

// DetectDrift lists mismatched claims without changing anything.
func (r *Reconciler) DetectDrift(ctx context.Context) ([]Drift, error) {
	var drifts []Drift
	err := r.Store.WithTx(ctx, func(tx Tx) error {
		var err error
		drifts, _, err = detectDrift(ctx, tx)
		return err
	})
	return drifts, err
}

// Reconcile repairs every mismatched claim in one transaction. Any
// irreconcilable claim aborts the whole run with an IntegrityError.
func (r *Reconciler) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{}
	err := r.Store.WithTx(ctx, func(tx Tx) error {
		drifts, checked, err := detectDrift(ctx, tx)
		if err != nil {
			return err
		}
		report.Summary.ClaimsChecked = checked
		for _, d := range drifts {
			repair, err := reconcileClaim(ctx, tx, d)
			if err != nil {
				return err
			}
			report.Repairs = append(report.Repairs, *repair)
			report.Summary.ClaimsRepaired++
			report.Summary.Deleted += repair.DeletedApplications + repair.DeletedAdjustments + repair.DeletedCharges
			report.Summary.Restored += len(repair.RestoredCharges)
		}
		return nil
	})
	if err != nil {
		r.Logger.Error().Err(err).Msg("reconciliation aborted")
		return nil, err
	}
	for _, rep := range report.Repairs {
		r.Logger.Info().
			Int64("claim_id", int64(rep.ClaimID)).
			Int64("snapshot_id", int64(rep.SnapshotID)).
			Int64("deleted_applications", rep.DeletedApplications).
			Int64("deleted_adjustments", rep.DeletedAdjustments).
			Int64("deleted_charges", rep.DeletedCharges).
			Int("restored_charges", len(rep.RestoredCharges)).
			Str("mode", rep.RestoreMode).
			Msg("claim reconciled")
	}
	return report, nil
}

// =============================================================================
// STEPS
// =============================================================================

func detectDrift(ctx context.Context, tx Tx) ([]Drift, int, error) {
	claimIDs, err := tx.SnapshottedClaimIDs(ctx)
	if err != nil {
		return nil, 0, err
	}
	var drifts []Drift
	for _, claimID := range claimIDs {
		snap, err := tx.LatestSnapshot(ctx, claimID)
		if err != nil {
			return nil, 0, err
		}
		if snap == nil {
			continue
		}
		payload, err := ParsePayload(*snap)
		if err != nil {
			return nil, 0, err
		}
		cb, err := claimBalance(ctx, tx, claimID)
		if err != nil {
			return nil, 0, err
		}
		st, live := payload.Totals.Decimal(), cb.Totals()
		if st.Matches(live) {
			continue
		}
		drifts = append(drifts, Drift{
			ClaimID:           claimID,
			SnapshotID:        snap.ID,
			SnapshotCreatedAt: snap.CreatedAt,
			Snapshot:          st,
			Live:              live,
		})
	}
	return drifts, len(claimIDs), nil
}

func reconcileClaim(ctx context.Context, tx Tx, d Drift) (*ClaimRepair, error) {
	repair := &ClaimRepair{Drift: d, RestoreMode: RestoreNone}
	if err := deletePostSnapshot(ctx, tx, repair); err != nil {
		return nil, err
	}

	cb, err := claimBalance(ctx, tx, d.ClaimID)
	if err != nil {
		return nil, err
	}
	live := cb.Totals()
	if live.AmountPaid.LessThan(d.Snapshot.AmountPaid.Sub(Tolerance)) {
		return nil, &IntegrityError{ClaimID: d.ClaimID, Message: fmt.Sprintf(
			"live amount paid %s < snapshot %s; applications cannot be reconstructed without a backup",
			live.AmountPaid.StringFixed(2), d.Snapshot.AmountPaid.StringFixed(2))}
	}
	if live.Adjustments.LessThan(d.Snapshot.Adjustments.Sub(Tolerance)) {
		return nil, &IntegrityError{ClaimID: d.ClaimID, Message: fmt.Sprintf(
			"live adjustments %s < snapshot %s; adjustments cannot be reconstructed without a backup",
			live.Adjustments.StringFixed(2), d.Snapshot.Adjustments.StringFixed(2))}
	}

	if err := restoreCharges(ctx, tx, repair, live.TotalCharge); err != nil {
		return nil, err
	}

	cb, err = claimBalance(ctx, tx, d.ClaimID)
	if err != nil {
		return nil, err
	}
	repair.Final = cb.Totals()
	if !repair.Final.Matches(d.Snapshot) {
		return nil, &IntegrityError{ClaimID: d.ClaimID, Message: fmt.Sprintf(
			"still mismatched after reconcile: snapshot{%s} live{%s}", d.Snapshot, repair.Final)}
	}
	return repair, nil
}

// deletePostSnapshot removes every application, adjustment and charge of the
// claim written after the snapshot, children before parents.
func deletePostSnapshot(ctx context.Context, tx Tx, repair *ClaimRepair) error {
	cutoff := repair.SnapshotCreatedAt
	charges, err := tx.ListChargesByClaim(ctx, repair.ClaimID)
	if err != nil {
		return err
	}
	postCharges := make(map[ChargeID]bool)
	var chargeIDs []ChargeID
	for _, c := range charges {
		if c.CreatedAt.After(cutoff) {
			postCharges[c.ID] = true
			chargeIDs = append(chargeIDs, c.ID)
		}
	}

	apps, err := tx.ListApplicationsByClaim(ctx, repair.ClaimID)
	if err != nil {
		return err
	}
	var appIDs []ApplicationID
	for _, a := range apps {
		if a.CreatedAt.After(cutoff) || postCharges[a.ChargeID] {
			appIDs = append(appIDs, a.ID)
		}
	}
	adjs, err := tx.ListAdjustmentsByClaim(ctx, repair.ClaimID)
	if err != nil {
		return err
	}
	var adjIDs []AdjustmentID
	for _, a := range adjs {
		if a.CreatedAt.After(cutoff) || postCharges[a.ChargeID] {
			adjIDs = append(adjIDs, a.ID)
		}
	}

	if repair.DeletedApplications, err = tx.DeleteApplications(ctx, appIDs...); err != nil {
		return err
	}
	if repair.DeletedAdjustments, err = tx.DeleteAdjustments(ctx, adjIDs...); err != nil {
		return err
	}
	if repair.DeletedCharges, err = tx.DeleteCharges(ctx, chargeIDs...); err != nil {
		return err
	}
	return nil
}

func restoreCharges(ctx context.Context, tx Tx, repair *ClaimRepair, liveCharge decimal.Decimal) error {
	delta := Cents(repair.Snapshot.TotalCharge.Sub(liveCharge))
	if ApproxEqual(delta, decimal.Zero) {
		return nil
	}
	if delta.IsNegative() {
		return &IntegrityError{ClaimID: repair.ClaimID, Message: fmt.Sprintf(
			"live total charge %s > snapshot %s; pre-snapshot charges are never deleted",
			liveCharge.StringFixed(2), repair.Snapshot.TotalCharge.StringFixed(2))}
	}

	services, err := tx.ListServicesByClaim(ctx, repair.ClaimID)
	if err != nil {
		return err
	}
	if len(services) == 0 {
		return &IntegrityError{ClaimID: repair.ClaimID, Message: "no services left to restore charges on"}
	}
	snap, err := tx.GetSnapshot(ctx, repair.SnapshotID)
	if err != nil {
		return err
	}
	if snap == nil {
		return notFound("snapshot", int64(repair.SnapshotID))
	}
	payload, err := ParsePayload(*snap)
	if err != nil {
		return err
	}

	existing := make(map[ServiceID]bool, len(services))
	for _, s := range services {
		existing[s.ID] = true
	}
	insert := func(serviceID ServiceID, amount decimal.Decimal) error {
		c := &Charge{ServiceID: serviceID, Amount: amount, CreatedAt: repair.SnapshotCreatedAt, UpdatedAt: repair.SnapshotCreatedAt}
		if err := tx.InsertCharge(ctx, c); err != nil {
			return err
		}
		repair.RestoredCharges = append(repair.RestoredCharges, *c)
		return nil
	}

	remaining := delta
	repair.RestoreMode = RestoreSingleService
	for _, line := range payload.Services {
		sid := ServiceID(line.ID)
		target := Cents(decimal.NewFromFloat(line.ChargeAmount24F))
		if !existing[sid] || !target.IsPositive() {
			continue
		}
		repair.RestoreMode = RestoreByService
		if !remaining.IsPositive() {
			break
		}
		charges, err := tx.ListChargesByService(ctx, sid)
		if err != nil {
			return err
		}
		current := decimal.Zero
		for _, c := range charges {
			current = current.Add(c.Amount)
		}
		needed := Cents(target.Sub(current))
		if !needed.IsPositive() {
			continue
		}
		amount := decimal.Min(needed, remaining)
		if err := insert(sid, amount); err != nil {
			return err
		}
		remaining = remaining.Sub(amount)
	}

	if remaining.IsPositive() {
		if err := insert(services[0].ID, remaining); err != nil {
			return err
		}
	}
	return nil
}
