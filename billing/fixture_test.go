package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/lifetrack/billing-ledger/billing"
	"github.com/lifetrack/billing-ledger/store/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// testClock advances one second on every read so rows written in sequence
// get strictly increasing timestamps.
type testClock struct {
	t time.Time
}

func (c *testClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

type fixture struct {
	ctx    context.Context
	store  *sqlite.Store
	ledger *billing.Ledger
	clock  *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := &testClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	ledger := billing.NewLedger(store)
	ledger.Clock = clock.Now
	return &fixture{ctx: context.Background(), store: store, ledger: ledger, clock: clock}
}

func amt(s string) decimal.Decimal {
	return billing.MustParseAmount(s)
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// claim creates a patient, a coverage and a DRAFT claim.
func (f *fixture) claim(t *testing.T) *billing.Claim {
	t.Helper()
	p, err := f.ledger.CreatePatient(f.ctx, billing.PatientInput{FirstName: "Ana", LastName: "Lopez"})
	require.NoError(t, err)
	cov, err := f.ledger.CreateCoverage(f.ctx, p.ID, billing.CoverageInput{
		InsurerName:  "Acme Health",
		PolicyNumber: "P-100",
		StartDate:    day(2025, 1, 1),
	})
	require.NoError(t, err)
	c, err := f.ledger.CreateClaim(f.ctx, p.ID, cov.ID)
	require.NoError(t, err)
	return c
}

func (f *fixture) service(t *testing.T, claimID billing.ClaimID, cpt, dx string) *billing.Service {
	t.Helper()
	s, err := f.ledger.CreateService(f.ctx, claimID, billing.ServiceInput{
		ServiceDate:   day(2025, 2, 10),
		CPTCode:       cpt,
		Units:         1,
		DiagnosisCode: dx,
	})
	require.NoError(t, err)
	return s
}

func (f *fixture) charge(t *testing.T, serviceID billing.ServiceID, amount string) *billing.Charge {
	t.Helper()
	c, err := f.ledger.CreateCharge(f.ctx, serviceID, amt(amount))
	require.NoError(t, err)
	return c
}

func (f *fixture) payment(t *testing.T, amount string) *billing.Payment {
	t.Helper()
	p, err := f.ledger.CreatePayment(f.ctx, billing.PaymentInput{
		Amount:       amt(amount),
		Method:       billing.MethodCheck,
		Reference:    "EOB-1",
		ReceivedDate: day(2025, 3, 5),
	})
	require.NoError(t, err)
	return p
}

// billedClaim is a claim with one service line and a charge of amount.
func (f *fixture) billedClaim(t *testing.T, amount string) (*billing.Claim, *billing.Service, *billing.Charge) {
	t.Helper()
	c := f.claim(t)
	s := f.service(t, c.ID, "99213", "J06.9")
	ch := f.charge(t, s.ID, amount)
	return c, s, ch
}

// raw runs fn directly against the store, bypassing every ledger check.
func (f *fixture) raw(t *testing.T, fn func(tx billing.Tx) error) {
	t.Helper()
	require.NoError(t, f.store.WithTx(f.ctx, fn))
}
