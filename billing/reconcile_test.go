package billing_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/lifetrack/billing-ledger/billing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// snapshotted returns a claim with a $150 charged line and an uncharged
// second line, frozen by one snapshot.
func (f *fixture) snapshotted(t *testing.T) (*billing.Claim, *billing.Service, *billing.Charge, *billing.Snapshot) {
	t.Helper()
	claim, svc, charge := f.billedClaim(t, "150.00")
	f.service(t, claim.ID, "81002", "R05")
	snap, err := f.ledger.GenerateSnapshot(f.ctx, claim.ID)
	require.NoError(t, err)
	return claim, svc, charge, snap
}

func TestReconcile_NoDrift(t *testing.T) {
	f := newFixture(t)
	f.snapshotted(t)
	r := billing.NewReconciler(f.store)

	drifts, err := r.DetectDrift(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, drifts)

	report, err := r.Reconcile(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Summary.ClaimsChecked)
	assert.Equal(t, 0, report.Summary.ClaimsRepaired)
}

func TestReconcile_RoguePostSnapshotCharge(t *testing.T) {
	// GIVEN: A $999 charge written on the second line after the snapshot
	f := newFixture(t)
	claim, _, _, snap := f.snapshotted(t)
	services, err := f.ledger.ListServices(f.ctx, claim.ID)
	require.NoError(t, err)
	require.Len(t, services, 2)
	rogueAt := snap.CreatedAt.Add(time.Hour)
	f.raw(t, func(tx billing.Tx) error {
		return tx.InsertCharge(context.Background(), &billing.Charge{
			ServiceID: services[1].ID, Amount: amt("999.00"), CreatedAt: rogueAt, UpdatedAt: rogueAt,
		})
	})

	r := billing.NewReconciler(f.store)
	drifts, err := r.DetectDrift(f.ctx)
	require.NoError(t, err)
	require.Len(t, drifts, 1)
	assert.Equal(t, "1149.00", drifts[0].Live.TotalCharge.StringFixed(2))
	assert.Equal(t, "150.00", drifts[0].Snapshot.TotalCharge.StringFixed(2))

	// WHEN
	report, err := r.Reconcile(f.ctx)
	require.NoError(t, err)

	// THEN: The rogue row is gone and totals match the snapshot exactly
	require.Len(t, report.Repairs, 1)
	repair := report.Repairs[0]
	assert.Equal(t, int64(1), repair.DeletedCharges)
	assert.Equal(t, billing.RestoreNone, repair.RestoreMode)
	assert.True(t, repair.Final.Matches(repair.Snapshot))

	cb, err := f.ledger.ClaimBalance(f.ctx, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, "150.00", cb.TotalCharge.StringFixed(2))

	drifts, err = r.DetectDrift(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, drifts)
}

func TestReconcile_RoguePostSnapshotApplication(t *testing.T) {
	f := newFixture(t)
	claim, _, charge, snap := f.snapshotted(t)
	payment := f.payment(t, "40.00")
	rogueAt := snap.CreatedAt.Add(time.Minute)
	f.raw(t, func(tx billing.Tx) error {
		return tx.InsertApplication(context.Background(), &billing.Application{
			PaymentID: payment.ID, ChargeID: charge.ID, AmountApplied: amt("40.00"), CreatedAt: rogueAt,
		})
	})

	report, err := billing.NewReconciler(f.store).Reconcile(f.ctx)

	require.NoError(t, err)
	require.Len(t, report.Repairs, 1)
	assert.Equal(t, int64(1), report.Repairs[0].DeletedApplications)
	pb, err := f.ledger.PaymentBalance(f.ctx, payment.ID)
	require.NoError(t, err)
	assert.True(t, pb.Applied.IsZero())
	cb, err := f.ledger.ClaimBalance(f.ctx, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, "150.00", cb.BalanceDue.StringFixed(2))
}

func TestReconcile_RestoresDeletedPreSnapshotCharge(t *testing.T) {
	// GIVEN: The snapshotted charge was deleted behind the ledger's back
	f := newFixture(t)
	claim, svc, charge, snap := f.snapshotted(t)
	f.raw(t, func(tx billing.Tx) error {
		_, err := tx.DeleteCharges(context.Background(), charge.ID)
		return err
	})

	// WHEN
	report, err := billing.NewReconciler(f.store).Reconcile(f.ctx)
	require.NoError(t, err)

	// THEN: A replacement charge is written on the same line, dated at the snapshot
	require.Len(t, report.Repairs, 1)
	repair := report.Repairs[0]
	assert.Equal(t, billing.RestoreByService, repair.RestoreMode)
	require.Len(t, repair.RestoredCharges, 1)
	restored := repair.RestoredCharges[0]
	assert.Equal(t, svc.ID, restored.ServiceID)
	assert.Equal(t, "150.00", restored.Amount.StringFixed(2))
	assert.True(t, restored.CreatedAt.Equal(snap.CreatedAt))

	cb, err := f.ledger.ClaimBalance(f.ctx, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, "150.00", cb.TotalCharge.StringFixed(2))
}

func TestReconcile_NoPerServiceDetail_RestoresOnFirstService(t *testing.T) {
	// GIVEN: A later snapshot whose lines carry no charge amounts, only the
	// claim total, and the live charge deleted behind the ledger's back
	f := newFixture(t)
	claim, svc, charge, snap := f.snapshotted(t)
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(snap.JSON), &doc))
	lines, ok := doc["services"].([]any)
	require.True(t, ok)
	require.Len(t, lines, 2)
	for _, line := range lines {
		line.(map[string]any)["charge_amount_24f"] = 0
	}
	data, err := billing.CanonicalJSON(doc)
	require.NoError(t, err)
	bare := &billing.Snapshot{ClaimID: claim.ID, JSON: string(data), Hash: billing.HashBytes(data), CreatedAt: f.clock.Now()}
	f.raw(t, func(tx billing.Tx) error {
		if err := tx.InsertSnapshot(context.Background(), bare); err != nil {
			return err
		}
		_, err := tx.DeleteCharges(context.Background(), charge.ID)
		return err
	})
	r := billing.NewReconciler(f.store)

	// WHEN
	report, err := r.Reconcile(f.ctx)
	require.NoError(t, err)

	// THEN: The whole delta lands on the first line, dated at the bare snapshot
	require.Len(t, report.Repairs, 1)
	repair := report.Repairs[0]
	assert.Equal(t, bare.ID, repair.SnapshotID)
	assert.Equal(t, billing.RestoreSingleService, repair.RestoreMode)
	require.Len(t, repair.RestoredCharges, 1)
	restored := repair.RestoredCharges[0]
	assert.Equal(t, svc.ID, restored.ServiceID)
	assert.Equal(t, "150.00", restored.Amount.StringFixed(2))
	assert.True(t, restored.CreatedAt.Equal(bare.CreatedAt))

	drifts, err := r.DetectDrift(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, drifts)
}

func TestReconcile_IntegrityErrorAbortsWholeRun(t *testing.T) {
	// GIVEN: Claim A is repairable, claim B lost a pre-snapshot application
	f := newFixture(t)
	_, _, chargeA, snapA := f.snapshotted(t)
	rogueAt := snapA.CreatedAt.Add(time.Minute)
	paymentA := f.payment(t, "10.00")
	f.raw(t, func(tx billing.Tx) error {
		return tx.InsertApplication(context.Background(), &billing.Application{
			PaymentID: paymentA.ID, ChargeID: chargeA.ID, AmountApplied: amt("10.00"), CreatedAt: rogueAt,
		})
	})

	claimB, _, chargeB := f.billedClaim(t, "80.00")
	paymentB := f.payment(t, "30.00")
	app, err := f.ledger.CreateApplication(f.ctx, paymentB.ID, chargeB.ID, amt("30.00"))
	require.NoError(t, err)
	_, err = f.ledger.GenerateSnapshot(f.ctx, claimB.ID)
	require.NoError(t, err)
	f.raw(t, func(tx billing.Tx) error {
		_, err := tx.DeleteApplications(context.Background(), app.ID)
		return err
	})

	r := billing.NewReconciler(f.store)

	// WHEN
	_, err = r.Reconcile(f.ctx)

	// THEN: Nothing was repaired, not even claim A
	require.ErrorIs(t, err, billing.ErrIntegrity)
	drifts, err := r.DetectDrift(f.ctx)
	require.NoError(t, err)
	assert.Len(t, drifts, 2)
	pb, err := f.ledger.PaymentBalance(f.ctx, paymentA.ID)
	require.NoError(t, err)
	assert.Equal(t, "10.00", pb.Applied.StringFixed(2))
}

func TestReconcile_PreSnapshotChargeRaised_Integrity(t *testing.T) {
	f := newFixture(t)
	_, _, charge, snap := f.snapshotted(t)
	f.raw(t, func(tx billing.Tx) error {
		return tx.UpdateChargeAmount(context.Background(), charge.ID, amt("200.00"), snap.CreatedAt.Add(time.Minute))
	})

	_, err := billing.NewReconciler(f.store).Reconcile(f.ctx)

	assert.ErrorIs(t, err, billing.ErrIntegrity)
}
