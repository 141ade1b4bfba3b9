package billing_test

import (
	"testing"

	"github.com/lifetrack/billing-ledger/billing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// DIAGNOSIS POINTERS
// =============================================================================

func TestDiagnosisPointers_LabelsFirstFourDistinctCodes(t *testing.T) {
	// GIVEN: Six lines using five distinct codes, one repeated, one blank
	codes := []string{"J06.9", "R05", "J06.9", "", "E11.9", "I10", "Z00.00"}
	services := make([]billing.Service, len(codes))
	for i, c := range codes {
		services[i] = billing.Service{DiagnosisCode: c}
	}

	// WHEN
	diagnoses, pointers := billing.DiagnosisPointers(services)

	// THEN: A-D in encounter order; the fifth code and the blank get no pointer
	assert.Equal(t, []billing.Diagnosis{
		{Label: "A", Code: "J06.9"},
		{Label: "B", Code: "R05"},
		{Label: "C", Code: "E11.9"},
		{Label: "D", Code: "I10"},
	}, diagnoses)

	labels := make([]string, len(pointers))
	for i, p := range pointers {
		if p != nil {
			labels[i] = *p
		}
	}
	assert.Equal(t, []string{"A", "B", "A", "", "C", "D", ""}, labels)
}

func TestDiagnosisPointers_NoCodes(t *testing.T) {
	diagnoses, pointers := billing.DiagnosisPointers([]billing.Service{{}, {}})

	assert.NotNil(t, diagnoses)
	assert.Empty(t, diagnoses)
	assert.Equal(t, []*string{nil, nil}, pointers)
}

// =============================================================================
// GENERATION
// =============================================================================

func TestGenerateSnapshot_Payload(t *testing.T) {
	// GIVEN: A claim with two lines, a payment, an adjustment and provider settings
	f := newFixture(t)
	claim, svc, charge := f.billedClaim(t, "150.00")
	second := f.service(t, claim.ID, "81002", "R05")
	f.charge(t, second.ID, "25.50")
	payment := f.payment(t, "100.00")
	_, err := f.ledger.CreateApplication(f.ctx, payment.ID, charge.ID, amt("100.00"))
	require.NoError(t, err)
	_, err = f.ledger.CreateAdjustment(f.ctx, billing.AdjustmentInput{ChargeID: charge.ID, Amount: amt("20.00"), Reason: billing.ReasonContractual})
	require.NoError(t, err)
	_, err = f.ledger.SaveProviderSettings(f.ctx, billing.ProviderSettings{BillingName: "Lifetrack Clinic", BillingNPI: "1234567893"})
	require.NoError(t, err)

	// WHEN
	snap, err := f.ledger.GenerateSnapshot(f.ctx, claim.ID)
	require.NoError(t, err)

	// THEN
	assert.Len(t, snap.Hash, 64)
	assert.Equal(t, billing.HashBytes([]byte(snap.JSON)), snap.Hash)
	require.NoError(t, billing.VerifySnapshot(*snap))

	payload, err := billing.ParsePayload(*snap)
	require.NoError(t, err)
	assert.Equal(t, billing.SnapshotVersion, payload.Meta.Version)
	assert.Equal(t, int64(claim.ID), payload.Meta.ClaimID)
	assert.Equal(t, "Ana", payload.Patient.FirstName)
	assert.Equal(t, "Acme Health", payload.Insurance.InsurerName)
	assert.Equal(t, "Lifetrack Clinic", payload.Provider.BillingName)

	assert.Equal(t, billing.SnapshotTotals{
		TotalCharge: 175.5,
		AmountPaid:  100,
		Adjustments: 20,
		BalanceDue:  55.5,
	}, payload.Totals)

	require.Len(t, payload.Services, 2)
	line := payload.Services[0]
	assert.Equal(t, int64(svc.ID), line.ID)
	assert.Equal(t, 150.0, line.ChargeAmount24F)
	require.NotNil(t, line.ChargeID)
	assert.Equal(t, int64(charge.ID), *line.ChargeID)
	require.NotNil(t, line.DxPointer)
	assert.Equal(t, "A", *line.DxPointer)
	assert.Equal(t, "B", *payload.Services[1].DxPointer)
	assert.Len(t, payload.Diagnoses, 2)
}

func TestGenerateSnapshot_NotReady(t *testing.T) {
	f := newFixture(t)
	claim := f.claim(t)

	_, err := f.ledger.GenerateSnapshot(f.ctx, claim.ID)
	assert.ErrorIs(t, err, billing.ErrValidation)

	locked, err := f.ledger.IsClaimLocked(f.ctx, claim.ID)
	require.NoError(t, err)
	assert.False(t, locked)

	_, err = f.ledger.GenerateSnapshot(f.ctx, 999)
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

func TestGenerateSnapshot_LocksClaim(t *testing.T) {
	// GIVEN: The settled claim
	f := newFixture(t)
	claim, _, charge := f.billedClaim(t, "150.00")
	payment := f.payment(t, "150.00")
	_, err := f.ledger.CreateApplication(f.ctx, payment.ID, charge.ID, amt("100.00"))
	require.NoError(t, err)

	// WHEN: A snapshot is generated
	_, err = f.ledger.GenerateSnapshot(f.ctx, claim.ID)
	require.NoError(t, err)

	// THEN: The claim is locked and refuses an adjustment
	locked, err := f.ledger.IsClaimLocked(f.ctx, claim.ID)
	require.NoError(t, err)
	assert.True(t, locked)
	_, err = f.ledger.CreateAdjustment(f.ctx, billing.AdjustmentInput{ChargeID: charge.ID, Amount: amt("1.00"), Reason: billing.ReasonWriteOff})
	assert.ErrorIs(t, err, billing.ErrLockedClaim)
}

func TestGenerateSnapshot_AgainOnLockedClaim_LatestWins(t *testing.T) {
	f := newFixture(t)
	claim, _, _ := f.billedClaim(t, "150.00")

	first, err := f.ledger.GenerateSnapshot(f.ctx, claim.ID)
	require.NoError(t, err)
	second, err := f.ledger.GenerateSnapshot(f.ctx, claim.ID)
	require.NoError(t, err)

	assert.Greater(t, second.ID, first.ID)
	// generated_at differs, so does the hash
	assert.NotEqual(t, first.Hash, second.Hash)

	latest, err := f.ledger.LatestSnapshot(f.ctx, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	list, err := f.ledger.ListSnapshots(f.ctx, claim.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
}

func TestLatestSnapshot_None(t *testing.T) {
	f := newFixture(t)
	claim := f.claim(t)

	_, err := f.ledger.LatestSnapshot(f.ctx, claim.ID)

	assert.ErrorIs(t, err, billing.ErrNotFound)
}
