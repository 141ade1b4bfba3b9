package api

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/lifetrack/billing-ledger/store/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScenarioRouter(t *testing.T) http.Handler {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := NewHandler(store, zerolog.Nop())
	return NewRouter(h, RouterOptions{Logger: zerolog.Nop(), EnableScenarios: true})
}

func loadScenario(t *testing.T, router http.Handler, id string) ScenarioResultDTO {
	t.Helper()
	rec := do(t, router, "POST", "/api/scenarios/load", map[string]any{"scenario_id": id})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[ScenarioResultDTO](t, rec)
}

func TestListScenarios(t *testing.T) {
	router := newScenarioRouter(t)

	rec := do(t, router, "GET", "/api/scenarios", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]ScenarioDTO](t, rec)
	var ids []string
	for _, s := range list {
		ids = append(ids, s.ID)
	}
	assert.ElementsMatch(t, ScenarioIDs(), ids)
}

func TestScenarios_NotMountedByDefault(t *testing.T) {
	router := newTestRouter(t)

	rec := do(t, router, "GET", "/api/scenarios", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLoadScenario_PartialPayment(t *testing.T) {
	// GIVEN
	router := newScenarioRouter(t)

	// WHEN
	res := loadScenario(t, router, "partial-payment")

	// THEN: 185 billed, 100 paid, 20 written off, one snapshot
	require.NotNil(t, res.SnapshotID)
	assert.Len(t, res.PaymentIDs, 1)
	rec := do(t, router, "GET", fmt.Sprintf("/api/claims/%d/balance", res.ClaimID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cb := decode[ClaimBalanceDTO](t, rec)
	assert.Equal(t, "185.00", cb.TotalCharge)
	assert.Equal(t, "100.00", cb.TotalApplied)
	assert.Equal(t, "20.00", cb.TotalAdjustments)
	assert.Equal(t, "65.00", cb.BalanceDue)
}

func TestLoadScenario_PaidInFull(t *testing.T) {
	router := newScenarioRouter(t)

	res := loadScenario(t, router, "paid-in-full")

	rec := do(t, router, "GET", fmt.Sprintf("/api/claims/%d", res.ClaimID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"PAID"`)
	rec = do(t, router, "GET", fmt.Sprintf("/api/claims/%d/balance", res.ClaimID), nil)
	assert.Equal(t, "0.00", decode[ClaimBalanceDTO](t, rec).BalanceDue)
}

func TestLoadScenario_EveryScenarioLeavesNoDrift(t *testing.T) {
	router := newScenarioRouter(t)
	for _, id := range ScenarioIDs() {
		loadScenario(t, router, id)
	}

	rec := do(t, router, "GET", "/api/admin/drift", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestLoadScenario_Unknown(t *testing.T) {
	router := newScenarioRouter(t)

	rec := do(t, router, "POST", "/api/scenarios/load", map[string]any{"scenario_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, "POST", "/api/scenarios/load", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
