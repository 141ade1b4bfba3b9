package billing_test

import (
	"testing"

	"github.com/lifetrack/billing-ledger/billing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSON_SortedCompact(t *testing.T) {
	v := map[string]any{
		"b":    1,
		"a":    map[string]any{"z": true, "m": nil},
		"note": "A&B <ok>",
	}

	data, err := billing.CanonicalJSON(v)

	require.NoError(t, err)
	assert.Equal(t, `{"a":{"m":null,"z":true},"b":1,"note":"A&B <ok>"}`, string(data))
}

func TestCanonicalJSON_IndependentOfKeyOrder(t *testing.T) {
	type pair struct {
		Zeta  int    `json:"zeta"`
		Alpha string `json:"alpha"`
	}
	fromStruct, err := billing.CanonicalJSON(pair{Zeta: 3, Alpha: "x"})
	require.NoError(t, err)
	fromMap, err := billing.CanonicalJSON(map[string]any{"alpha": "x", "zeta": 3})
	require.NoError(t, err)

	assert.Equal(t, string(fromMap), string(fromStruct))

	h1, err := billing.HashSnapshot(pair{Zeta: 3, Alpha: "x"})
	require.NoError(t, err)
	h2, err := billing.HashSnapshot(map[string]any{"zeta": 3, "alpha": "x"})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestCanonicalJSON_LineSeparatorsRaw(t *testing.T) {
	data, err := billing.CanonicalJSON(map[string]any{"d": "a\u2028b\u2029<&>é"})

	require.NoError(t, err)
	assert.Equal(t, "{\"d\":\"a\u2028b\u2029<&>é\"}", string(data))
}

func TestCanonicalJSON_EscapedBackslashUntouched(t *testing.T) {
	// A literal backslash followed by u2028 is text, not a separator
	data, err := billing.CanonicalJSON(map[string]any{"d": `x\u2028`, "q": "tab\there"})

	require.NoError(t, err)
	assert.Equal(t, `{"d":"x\\u2028","q":"tab\there"}`, string(data))
}

func TestCanonicalJSON_PreservesNumbers(t *testing.T) {
	data, err := billing.CanonicalJSON(map[string]any{"amount": 150.5, "units": 2})

	require.NoError(t, err)
	assert.Equal(t, `{"amount":150.5,"units":2}`, string(data))
}

func TestHashBytes_KnownVector(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		billing.HashBytes(nil))
}

func TestVerifySnapshot(t *testing.T) {
	payload := `{"a":1,"b":[1,2]}`
	good := billing.Snapshot{ID: 1, JSON: payload, Hash: billing.HashBytes([]byte(payload))}
	require.NoError(t, billing.VerifySnapshot(good))

	// Re-spaced text canonicalizes to the same bytes
	spaced := good
	spaced.JSON = `{ "b": [1, 2], "a": 1 }`
	assert.NoError(t, billing.VerifySnapshot(spaced))

	tampered := good
	tampered.JSON = `{"a":2,"b":[1,2]}`
	err := billing.VerifySnapshot(tampered)
	assert.ErrorIs(t, err, billing.ErrHashMismatch)
}
