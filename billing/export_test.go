package billing_test

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/lifetrack/billing-ledger/billing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExport_WriteThenVerify(t *testing.T) {
	// GIVEN: A snapshotted claim
	f := newFixture(t)
	claim, _, _ := f.billedClaim(t, "150.00")
	snap, err := f.ledger.GenerateSnapshot(f.ctx, claim.ID)
	require.NoError(t, err)

	// WHEN: It is exported and read back
	exp, err := f.ledger.ExportSnapshot(f.ctx, snap.ID)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, billing.WriteExport(&buf, exp))
	got, err := billing.VerifyExport(&buf)

	// THEN
	require.NoError(t, err)
	assert.Equal(t, snap.Hash, got.SnapshotHash)
	assert.Equal(t, int64(claim.ID), got.Meta.ClaimID)
	assert.Equal(t, fmt.Sprintf("claim_%d_snapshot_%d_export.json", claim.ID, snap.ID), exp.FileName())
}

func TestExportLatestSnapshot(t *testing.T) {
	f := newFixture(t)
	claim, _, _ := f.billedClaim(t, "150.00")
	_, err := f.ledger.GenerateSnapshot(f.ctx, claim.ID)
	require.NoError(t, err)
	latest, err := f.ledger.GenerateSnapshot(f.ctx, claim.ID)
	require.NoError(t, err)

	exp, err := f.ledger.ExportLatestSnapshot(f.ctx, claim.ID)

	require.NoError(t, err)
	assert.Equal(t, int64(latest.ID), exp.Meta.SnapshotID)
}

func TestVerifyExport_Rejects(t *testing.T) {
	f := newFixture(t)
	claim, _, _ := f.billedClaim(t, "150.00")
	snap, err := f.ledger.GenerateSnapshot(f.ctx, claim.ID)
	require.NoError(t, err)
	exp, err := f.ledger.ExportSnapshot(f.ctx, snap.ID)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, billing.WriteExport(&buf, exp))
	original := buf.String()

	tests := []struct {
		name string
		file string
		want error
	}{
		{"tampered payload", strings.Replace(original, `"Lopez"`, `"Lopes"`, 1), billing.ErrHashMismatch},
		{"missing hash", strings.Replace(original, snap.Hash, "", 1), billing.ErrValidation},
		{"not json", "{oops", billing.ErrValidation},
		{"no snapshot", `{"snapshot_hash":"` + snap.Hash + `"}`, billing.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := billing.VerifyExport(strings.NewReader(tt.file))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
