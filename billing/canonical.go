/*
canonical.go - Canonical JSON and snapshot hashing

FORMAT:
  - object keys sorted lexicographically (byte order)
  - no insignificant whitespace
  - UTF-8 text, no HTML escaping, U+2028/U+2029 written raw
  - numbers written exactly as they were decoded (json.Number)

  Two values that are semantically the same JSON always produce the same bytes,
  so hash = hex(SHA-256(canonical bytes)) can be recomputed from a stored
  payload or an export file and compared byte-for-byte.
*/
package billing

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CanonicalJSON renders v in canonical form. v may be a struct, a map or a
// value already decoded from JSON.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical json: marshal: %w", err)
	}
	return canonicalize(raw)
}

// canonicalize re-encodes JSON text through a generic tree; encoding/json
// writes map keys sorted.
func canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("canonical json: decode: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(tree); err != nil {
		return nil, fmt.Errorf("canonical json: encode: %w", err)
	}
	return rawLineSeparators(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

// rawLineSeparators undoes the \u2028 and \u2029 escapes encoding/json always
// writes. Other escape sequences are copied unchanged.
func rawLineSeparators(b []byte) []byte {
	if !bytes.Contains(b, []byte(`\u202`)) {
		return b
	}
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != '\\' || i+1 >= len(b) {
			out = append(out, b[i])
			continue
		}
		if b[i+1] == 'u' && i+6 <= len(b) {
			switch string(b[i+2 : i+6]) {
			case "2028":
				out = append(out, "\u2028"...)
				i += 5
				continue
			case "2029":
				out = append(out, "\u2029"...)
				i += 5
				continue
			}
		}
		out = append(out, b[i], b[i+1])
		i++
	}
	return out
}

// HashBytes returns the hex SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashSnapshot canonicalizes v and hashes it.
func HashSnapshot(v any) (string, error) {
	data, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return HashBytes(data), nil
}

// VerifySnapshot recomputes the hash of a stored snapshot payload.
func VerifySnapshot(s Snapshot) error {
	data, err := canonicalize([]byte(s.JSON))
	if err != nil {
		return fmt.Errorf("snapshot %d: %w", s.ID, err)
	}
	if computed := HashBytes(data); computed != s.Hash {
		return &HashMismatchError{SnapshotID: s.ID, Stored: s.Hash, Computed: computed}
	}
	return nil
}
