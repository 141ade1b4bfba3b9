package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/lifetrack/billing-ledger/billing"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *Store {
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

var (
	t0   = time.Date(2025, time.March, 1, 9, 30, 0, 123456000, time.UTC)
	day1 = time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
)

// seedCharge creates patient -> coverage -> claim -> service -> charge.
func seedCharge(t *testing.T, store *Store, amount string) (billing.ClaimID, billing.ServiceID, billing.ChargeID) {
	t.Helper()
	ctx := context.Background()
	var (
		claimID   billing.ClaimID
		serviceID billing.ServiceID
		chargeID  billing.ChargeID
	)
	err := store.WithTx(ctx, func(tx billing.Tx) error {
		p := &billing.Patient{FirstName: "Ada", LastName: "Lovelace", CreatedAt: t0, UpdatedAt: t0}
		require.NoError(t, tx.InsertPatient(ctx, p))
		c := &billing.Coverage{PatientID: p.ID, InsurerName: "Acme Health", StartDate: day1, CreatedAt: t0, UpdatedAt: t0}
		require.NoError(t, tx.InsertCoverage(ctx, c))
		cl := &billing.Claim{PatientID: p.ID, CoverageID: c.ID, Status: billing.StatusDraft, CreatedAt: t0, UpdatedAt: t0}
		require.NoError(t, tx.InsertClaim(ctx, cl))
		s := &billing.Service{ClaimID: cl.ID, ServiceDate: day1, CPTCode: "99213", Units: 1, DiagnosisCode: "J10.1", CreatedAt: t0, UpdatedAt: t0}
		require.NoError(t, tx.InsertService(ctx, s))
		ch := &billing.Charge{ServiceID: s.ID, Amount: decimal.RequireFromString(amount), CreatedAt: t0, UpdatedAt: t0}
		require.NoError(t, tx.InsertCharge(ctx, ch))
		claimID, serviceID, chargeID = cl.ID, s.ID, ch.ID
		return nil
	})
	require.NoError(t, err)
	return claimID, serviceID, chargeID
}

// =============================================================================
// MIGRATION TESTS
// =============================================================================

func TestMigrate_FreshDatabase_AllApplied(t *testing.T) {
	// GIVEN: A new in-memory database (New migrates it)
	store := newTestStore(t)
	ctx := context.Background()

	// WHEN: Reading migration status
	status, err := store.MigrationStatus(ctx)
	require.NoError(t, err)

	// THEN: Every known migration is applied
	require.Len(t, status, LatestVersion())
	for _, st := range status {
		assert.NotNil(t, st.AppliedAt, "migration %d should be applied", st.Version)
	}
}

func TestMigrate_Rerun_IsNoop(t *testing.T) {
	store := newTestStore(t)

	n, err := store.Migrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "no migration should run twice")
}

func TestMigrate_NewerSchema_Rejected(t *testing.T) {
	// GIVEN: A database marked with a version this binary does not know
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.db.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		LatestVersion()+1, "future", billing.FormatTime(t0))
	require.NoError(t, err)

	// WHEN/THEN: Migrate refuses to run
	_, err = store.Migrate(ctx)
	assert.Error(t, err)
}

// =============================================================================
// APPEND-ONLY SNAPSHOTS
// =============================================================================

func TestSnapshots_UpdateAndDelete_RejectedByTriggers(t *testing.T) {
	// GIVEN: A stored snapshot
	store := newTestStore(t)
	ctx := context.Background()
	claimID, _, _ := seedCharge(t, store, "100.00")

	snap := &billing.Snapshot{ClaimID: claimID, JSON: `{"a":1}`, Hash: billing.HashBytes([]byte(`{"a":1}`)), CreatedAt: t0}
	require.NoError(t, store.WithTx(ctx, func(tx billing.Tx) error {
		return tx.InsertSnapshot(ctx, snap)
	}))

	// WHEN: Trying to rewrite or remove it with raw SQL
	_, errUpdate := store.db.ExecContext(ctx, `UPDATE cms1500_snapshots SET snapshot_json = '{}' WHERE id = ?`, int64(snap.ID))
	_, errDelete := store.db.ExecContext(ctx, `DELETE FROM cms1500_snapshots WHERE id = ?`, int64(snap.ID))

	// THEN: Both are aborted and the row is unchanged
	require.Error(t, errUpdate)
	assert.Contains(t, errUpdate.Error(), "append-only")
	require.Error(t, errDelete)

	var got *billing.Snapshot
	require.NoError(t, store.WithTx(ctx, func(tx billing.Tx) error {
		var err error
		got, err = tx.GetSnapshot(ctx, snap.ID)
		return err
	}))
	require.NotNil(t, got)
	assert.Equal(t, `{"a":1}`, got.JSON)
	assert.True(t, got.CreatedAt.Equal(t0))
}

func TestSnapshots_LatestIsHighestID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	claimID, _, _ := seedCharge(t, store, "100.00")

	hash := billing.HashBytes([]byte("x"))
	var second billing.SnapshotID
	require.NoError(t, store.WithTx(ctx, func(tx billing.Tx) error {
		s1 := &billing.Snapshot{ClaimID: claimID, JSON: `{"n":1}`, Hash: hash, CreatedAt: t0}
		if err := tx.InsertSnapshot(ctx, s1); err != nil {
			return err
		}
		s2 := &billing.Snapshot{ClaimID: claimID, JSON: `{"n":2}`, Hash: hash, CreatedAt: t0}
		if err := tx.InsertSnapshot(ctx, s2); err != nil {
			return err
		}
		second = s2.ID
		return nil
	}))

	require.NoError(t, store.WithTx(ctx, func(tx billing.Tx) error {
		latest, err := tx.LatestSnapshot(ctx, claimID)
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, second, latest.ID)

		locked, err := tx.HasSnapshot(ctx, claimID)
		require.NoError(t, err)
		assert.True(t, locked)

		ids, err := tx.SnapshottedClaimIDs(ctx)
		require.NoError(t, err)
		assert.Equal(t, []billing.ClaimID{claimID}, ids)

		list, err := tx.ListSnapshotsByClaim(ctx, claimID)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, second, list[0].ID, "newest first")
		return nil
	}))
}

func TestSnapshots_BadHashLength_Rejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	claimID, _, _ := seedCharge(t, store, "100.00")

	err := store.WithTx(ctx, func(tx billing.Tx) error {
		return tx.InsertSnapshot(ctx, &billing.Snapshot{ClaimID: claimID, JSON: `{}`, Hash: "short", CreatedAt: t0})
	})
	assert.Error(t, err)
}

// =============================================================================
// ROUND TRIPS
// =============================================================================

func TestRoundTrip_ClaimGraph(t *testing.T) {
	// GIVEN: A seeded claim with one charged service
	store := newTestStore(t)
	ctx := context.Background()
	claimID, serviceID, chargeID := seedCharge(t, store, "150.25")

	require.NoError(t, store.WithTx(ctx, func(tx billing.Tx) error {
		// THEN: Stored values read back exactly
		claim, err := tx.GetClaim(ctx, claimID)
		require.NoError(t, err)
		require.NotNil(t, claim)
		assert.Equal(t, billing.StatusDraft, claim.Status)
		assert.True(t, claim.CreatedAt.Equal(t0), "timestamps keep microseconds")

		svc, err := tx.GetService(ctx, serviceID)
		require.NoError(t, err)
		require.NotNil(t, svc)
		assert.Equal(t, "99213", svc.CPTCode)
		assert.True(t, svc.ServiceDate.Equal(day1))
		assert.Nil(t, svc.LabCharges20)

		ch, err := tx.GetCharge(ctx, chargeID)
		require.NoError(t, err)
		require.NotNil(t, ch)
		assert.True(t, ch.Amount.Equal(decimal.RequireFromString("150.25")))

		byClaim, err := tx.ListChargesByClaim(ctx, claimID)
		require.NoError(t, err)
		require.Len(t, byClaim, 1)
		assert.Equal(t, chargeID, byClaim[0].ID)

		owner, ok, err := tx.ChargeClaimID(ctx, chargeID)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, claimID, owner)
		return nil
	}))
}

func TestRoundTrip_MissingRows_ReturnNil(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.WithTx(ctx, func(tx billing.Tx) error {
		claim, err := tx.GetClaim(ctx, 42)
		assert.NoError(t, err)
		assert.Nil(t, claim)

		charge, err := tx.GetCharge(ctx, 42)
		assert.NoError(t, err)
		assert.Nil(t, charge)

		_, ok, err := tx.ServiceClaimID(ctx, 42)
		assert.NoError(t, err)
		assert.False(t, ok)

		snap, err := tx.LatestSnapshot(ctx, 42)
		assert.NoError(t, err)
		assert.Nil(t, snap)
		return nil
	}))
}

func TestRoundTrip_ServiceBox20(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, serviceID, _ := seedCharge(t, store, "80.00")

	lab := decimal.RequireFromString("12.50")
	require.NoError(t, store.WithTx(ctx, func(tx billing.Tx) error {
		svc, err := tx.GetService(ctx, serviceID)
		require.NoError(t, err)
		svc.OutsideLab20 = true
		svc.LabCharges20 = &lab
		svc.UpdatedAt = t0.Add(time.Hour)
		return tx.UpdateService(ctx, svc)
	}))

	require.NoError(t, store.WithTx(ctx, func(tx billing.Tx) error {
		svc, err := tx.GetService(ctx, serviceID)
		require.NoError(t, err)
		assert.True(t, svc.OutsideLab20)
		require.NotNil(t, svc.LabCharges20)
		assert.True(t, svc.LabCharges20.Equal(lab))
		return nil
	}))
}

func TestDeleteHelpers_EmptyIDs_ReturnZero(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.WithTx(ctx, func(tx billing.Tx) error {
		n, err := tx.DeleteCharges(ctx)
		assert.NoError(t, err)
		assert.Zero(t, n)
		n, err = tx.DeleteApplications(ctx)
		assert.NoError(t, err)
		assert.Zero(t, n)
		return nil
	}))
}

func TestForeignKeys_MissingParent_ValidationError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx billing.Tx) error {
		return tx.InsertCharge(ctx, &billing.Charge{ServiceID: 999, Amount: decimal.NewFromInt(10), CreatedAt: t0, UpdatedAt: t0})
	})
	assert.ErrorIs(t, err, billing.ErrValidation)
}

func TestWithTx_ErrorRollsBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx billing.Tx) error {
		p := &billing.Patient{FirstName: "Grace", LastName: "Hopper", CreatedAt: t0, UpdatedAt: t0}
		require.NoError(t, tx.InsertPatient(ctx, p))
		return &billing.ValidationError{Message: "abort"}
	})
	require.Error(t, err)

	require.NoError(t, store.WithTx(ctx, func(tx billing.Tx) error {
		patients, err := tx.ListPatients(ctx)
		require.NoError(t, err)
		assert.Empty(t, patients)
		return nil
	}))
}

func TestProviderSettings_InsertThenUpdate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.WithTx(ctx, func(tx billing.Tx) error {
		none, err := tx.ActiveProviderSettings(ctx)
		require.NoError(t, err)
		assert.Nil(t, none)

		ps := &billing.ProviderSettings{Active: true, BillingName: "Clinic", CreatedAt: t0, UpdatedAt: t0}
		require.NoError(t, tx.SaveProviderSettings(ctx, ps))
		require.NotZero(t, ps.ID)

		ps.BillingNPI = "1234567890"
		ps.FacilityCity = "Springfield"
		return tx.SaveProviderSettings(ctx, ps)
	}))

	require.NoError(t, store.WithTx(ctx, func(tx billing.Tx) error {
		ps, err := tx.ActiveProviderSettings(ctx)
		require.NoError(t, err)
		require.NotNil(t, ps)
		assert.Equal(t, "Clinic", ps.BillingName)
		assert.Equal(t, "1234567890", ps.BillingNPI)
		assert.Equal(t, "Springfield", ps.FacilityCity)
		assert.True(t, ps.Active)
		return nil
	}))
}
