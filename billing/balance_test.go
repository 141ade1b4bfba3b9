package billing_test

import (
	"testing"

	"github.com/lifetrack/billing-ledger/billing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimBalance_PaymentAndAdjustmentSettleCharge(t *testing.T) {
	// GIVEN: A $150 charge and a $150 check
	f := newFixture(t)
	claim, _, charge := f.billedClaim(t, "150.00")
	payment := f.payment(t, "150.00")

	// WHEN: $100 is applied and $50 adjusted
	_, err := f.ledger.CreateApplication(f.ctx, payment.ID, charge.ID, amt("100.00"))
	require.NoError(t, err)
	_, err = f.ledger.CreateAdjustment(f.ctx, billing.AdjustmentInput{
		ChargeID: charge.ID, Amount: amt("50.00"), Reason: billing.ReasonContractual,
	})
	require.NoError(t, err)

	// THEN: Nothing is due
	cb, err := f.ledger.ClaimBalance(f.ctx, claim.ID)
	require.NoError(t, err)
	assert.True(t, cb.TotalCharge.Equal(amt("150")))
	assert.True(t, cb.TotalApplied.Equal(amt("100")))
	assert.True(t, cb.TotalAdjustments.Equal(amt("50")))
	assert.True(t, cb.BalanceDue.IsZero(), "balance due %s", cb.BalanceDue)

	fs, err := f.ledger.ClaimFinancialStatus(f.ctx, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.FinancialPaid, fs.Status)
}

func TestChargeBalance_NetsApplicationsAndAdjustments(t *testing.T) {
	f := newFixture(t)
	_, _, charge := f.billedClaim(t, "200.00")
	payment := f.payment(t, "80.00")

	_, err := f.ledger.CreateApplication(f.ctx, payment.ID, charge.ID, amt("80.00"))
	require.NoError(t, err)
	_, err = f.ledger.CreateAdjustment(f.ctx, billing.AdjustmentInput{
		ChargeID: charge.ID, Amount: amt("20.50"), Reason: billing.ReasonWriteOff, Note: "courtesy",
	})
	require.NoError(t, err)

	cb, err := f.ledger.ChargeBalance(f.ctx, charge.ID)
	require.NoError(t, err)
	assert.Equal(t, "99.50", cb.Balance.StringFixed(2))
	assert.Equal(t, charge.ServiceID, cb.ServiceID)
}

func TestClaimBalance_EqualsSumOfChargeBalances(t *testing.T) {
	// GIVEN: Three service lines with partial payments
	f := newFixture(t)
	claim := f.claim(t)
	payment := f.payment(t, "500.00")
	amounts := []string{"120.00", "75.25", "310.10"}
	applied := []string{"60.00", "75.25", "10.00"}
	for i, a := range amounts {
		s := f.service(t, claim.ID, "9921"+string(rune('3'+i)), "")
		ch := f.charge(t, s.ID, a)
		_, err := f.ledger.CreateApplication(f.ctx, payment.ID, ch.ID, amt(applied[i]))
		require.NoError(t, err)
	}

	// WHEN
	cb, err := f.ledger.ClaimBalance(f.ctx, claim.ID)
	require.NoError(t, err)

	// THEN: balance_due == Σ charge balances
	require.Len(t, cb.Charges, 3)
	sum := amt("0")
	for _, ch := range cb.Charges {
		sum = sum.Add(ch.Balance)
	}
	assert.True(t, sum.Equal(cb.BalanceDue))
	assert.Equal(t, "360.10", cb.BalanceDue.StringFixed(2))
}

func TestPaymentBalance(t *testing.T) {
	f := newFixture(t)
	_, _, charge := f.billedClaim(t, "90.00")
	payment := f.payment(t, "100.00")
	_, err := f.ledger.CreateApplication(f.ctx, payment.ID, charge.ID, amt("90.00"))
	require.NoError(t, err)

	pb, err := f.ledger.PaymentBalance(f.ctx, payment.ID)

	require.NoError(t, err)
	assert.Equal(t, "90.00", pb.Applied.StringFixed(2))
	assert.Equal(t, "10.00", pb.Unapplied.StringFixed(2))
}

func TestBalances_MissingEntities(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.ClaimBalance(f.ctx, 42)
	assert.ErrorIs(t, err, billing.ErrNotFound)
	_, err = f.ledger.ChargeBalance(f.ctx, 42)
	assert.ErrorIs(t, err, billing.ErrNotFound)
	_, err = f.ledger.PaymentBalance(f.ctx, 42)
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

func TestFinancialStateOf(t *testing.T) {
	tests := []struct {
		balance string
		want    billing.FinancialState
	}{
		{"10.00", billing.FinancialOpen},
		{"0.01", billing.FinancialOpen},
		{"0", billing.FinancialPaid},
		{"-0.01", billing.FinancialOverpaid},
	}
	for _, tt := range tests {
		t.Run(tt.balance, func(t *testing.T) {
			assert.Equal(t, tt.want, billing.FinancialStateOf(amt(tt.balance)))
		})
	}
}
