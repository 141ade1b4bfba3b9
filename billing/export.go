/*
export.go - Snapshot export and import verification

FILE FORMAT:

    {
      "export_meta":   {"exported_at": "...", "snapshot_id": 7, "claim_id": 3},
      "snapshot_hash": "<64 hex>",
      "snapshot":      { ...payload... }
    }

  The file may be pretty-printed or re-ordered by whoever handles it;
  VerifyExport re-canonicalizes "snapshot" before hashing, so only a change
  of content breaks verification.
*/
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

type ExportMeta struct {
	ExportedAt string `json:"exported_at"`
	SnapshotID int64  `json:"snapshot_id"`
	ClaimID    int64  `json:"claim_id"`
}

type Export struct {
	Meta         ExportMeta      `json:"export_meta"`
	SnapshotHash string          `json:"snapshot_hash"`
	Snapshot     json.RawMessage `json:"snapshot"`
}

// FileName is the conventional name of the export file.
func (e *Export) FileName() string {
	return fmt.Sprintf("claim_%d_snapshot_%d_export.json", e.Meta.ClaimID, e.Meta.SnapshotID)
}

// ExportSnapshot wraps a stored snapshot in the export envelope.
func (l *Ledger) ExportSnapshot(ctx context.Context, id SnapshotID) (*Export, error) {
	s, err := l.GetSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	return l.newExport(*s), nil
}

// ExportLatestSnapshot exports the claim's authoritative snapshot.
func (l *Ledger) ExportLatestSnapshot(ctx context.Context, claimID ClaimID) (*Export, error) {
	s, err := l.LatestSnapshot(ctx, claimID)
	if err != nil {
		return nil, err
	}
	return l.newExport(*s), nil
}

func (l *Ledger) newExport(s Snapshot) *Export {
	return &Export{
		Meta: ExportMeta{
			ExportedAt: FormatTime(l.now()),
			SnapshotID: int64(s.ID),
			ClaimID:    int64(s.ClaimID),
		},
		SnapshotHash: s.Hash,
		Snapshot:     json.RawMessage(s.JSON),
	}
}

// WriteExport writes e as indented JSON.
func WriteExport(w io.Writer, e *Export) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(e); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	return nil
}

// VerifyExport reads an export file and checks its hash against the
// re-canonicalized snapshot. A decoded export is returned on success.
func VerifyExport(r io.Reader) (*Export, error) {
	var e Export
	if err := json.NewDecoder(r).Decode(&e); err != nil {
		return nil, invalid("export", "malformed export file: %v", err)
	}
	if e.SnapshotHash == "" {
		return nil, invalid("snapshot_hash", "missing")
	}
	if len(e.Snapshot) == 0 || string(e.Snapshot) == "null" {
		return nil, invalid("snapshot", "missing")
	}
	data, err := canonicalize(e.Snapshot)
	if err != nil {
		return nil, invalid("snapshot", "%v", err)
	}
	if computed := HashBytes(data); computed != e.SnapshotHash {
		return nil, &HashMismatchError{SnapshotID: SnapshotID(e.Meta.SnapshotID), Stored: e.SnapshotHash, Computed: computed}
	}
	return &e, nil
}
