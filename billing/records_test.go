package billing_test

import (
	"testing"

	"github.com/lifetrack/billing-ledger/billing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreatePatient(t *testing.T) {
	f := newFixture(t)
	dob := day(1980, 4, 2)

	p, err := f.ledger.CreatePatient(f.ctx, billing.PatientInput{FirstName: "  Ana ", LastName: "Lopez", DateOfBirth: &dob})
	require.NoError(t, err)
	assert.Equal(t, "Ana", p.FirstName)

	got, err := f.ledger.GetPatient(f.ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.DateOfBirth)
	assert.True(t, dob.Equal(*got.DateOfBirth))

	_, err = f.ledger.CreatePatient(f.ctx, billing.PatientInput{LastName: "Lopez"})
	assert.ErrorIs(t, err, billing.ErrValidation)
	_, err = f.ledger.GetPatient(f.ctx, 999)
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

func TestCreateCoverage_Validation(t *testing.T) {
	f := newFixture(t)
	p, err := f.ledger.CreatePatient(f.ctx, billing.PatientInput{FirstName: "Ana", LastName: "Lopez"})
	require.NoError(t, err)
	before := day(2024, 12, 31)

	_, err = f.ledger.CreateCoverage(f.ctx, p.ID, billing.CoverageInput{StartDate: day(2025, 1, 1)})
	assert.ErrorIs(t, err, billing.ErrValidation)
	_, err = f.ledger.CreateCoverage(f.ctx, p.ID, billing.CoverageInput{InsurerName: "Acme"})
	assert.ErrorIs(t, err, billing.ErrValidation)
	_, err = f.ledger.CreateCoverage(f.ctx, p.ID, billing.CoverageInput{InsurerName: "Acme", StartDate: day(2025, 1, 1), EndDate: &before})
	assert.ErrorIs(t, err, billing.ErrValidation)
	_, err = f.ledger.CreateCoverage(f.ctx, 999, billing.CoverageInput{InsurerName: "Acme", StartDate: day(2025, 1, 1)})
	assert.ErrorIs(t, err, billing.ErrNotFound)

	c, err := f.ledger.CreateCoverage(f.ctx, p.ID, billing.CoverageInput{InsurerName: "Acme", StartDate: day(2025, 1, 1)})
	require.NoError(t, err)
	coverages, err := f.ledger.ListCoverages(f.ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, coverages, 1)
	assert.Equal(t, c.ID, coverages[0].ID)
}

func TestCoverage_ActiveOn(t *testing.T) {
	end := day(2025, 6, 30)
	c := billing.Coverage{StartDate: day(2025, 1, 1), EndDate: &end}

	assert.False(t, c.ActiveOn(day(2024, 12, 31)))
	assert.True(t, c.ActiveOn(day(2025, 1, 1)))
	assert.True(t, c.ActiveOn(day(2025, 6, 30)))
	assert.False(t, c.ActiveOn(day(2025, 7, 1)))

	c.EndDate = nil
	assert.True(t, c.ActiveOn(day(2030, 1, 1)))
}

func TestProviderSettings_LazyDefaultThenSave(t *testing.T) {
	// GIVEN: A fresh database
	f := newFixture(t)

	// WHEN: Settings are read before anything was saved
	ps, err := f.ledger.ProviderSettings(f.ctx)
	require.NoError(t, err)

	// THEN: An empty active row exists
	assert.True(t, ps.Active)
	assert.NotZero(t, ps.ID)
	assert.Empty(t, ps.BillingName)

	saved, err := f.ledger.SaveProviderSettings(f.ctx, billing.ProviderSettings{BillingName: "Lifetrack Clinic", FacilityState: "CA"})
	require.NoError(t, err)
	assert.Equal(t, ps.ID, saved.ID)

	again, err := f.ledger.ProviderSettings(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, ps.ID, again.ID)
	assert.Equal(t, "Lifetrack Clinic", again.BillingName)
	assert.Equal(t, "CA", again.FacilityState)
}

func TestMustParseAmount(t *testing.T) {
	assert.Equal(t, "150.25", billing.MustParseAmount("150.25").StringFixed(2))
	assert.Panics(t, func() { billing.MustParseAmount("12,50") })
	assert.Panics(t, func() { billing.MustParseAmount("") })
}
