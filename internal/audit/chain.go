// Package audit implements the tamper-evident, hash-chained audit ledger.
//
// Every event belongs to a session chain. Its hash is computed as
//
//	"sha256:" + hex(SHA-256(prev_hash | '\n' | canonical(ts, session_id, run_id, type, data)))
//
// where canonical is the encoding from package canon, and prev_hash is the
// hash of the previous event in the same session (GenesisHash for the
// first). Changing any hashed field of any event breaks the chain at that
// event, and the verifier reports the first such break.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/ctrlai/chainlog/internal/canon"
)

// computeHash calculates the chain digest of an event from its stored
// fields. It never reads e.Hash or e.EventID.
func computeHash(e *Event) (string, error) {
	if e.decodeErr != nil {
		return "", e.decodeErr
	}
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	body, err := canon.Encode(map[string]any{
		"data":       data,
		"run_id":     e.RunID,
		"session_id": e.SessionID,
		"ts":         FormatTime(e.Timestamp),
		"type":       e.Type,
	})
	if err != nil {
		return "", fmt.Errorf("encoding event %s: %w", e.EventID, err)
	}

	h := sha256.New()
	h.Write([]byte(e.PrevHash))
	h.Write([]byte{'\n'})
	h.Write(body)
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyDigest reports whether the stored hash matches the one recomputed
// from the event's own fields and prev_hash. It does not look at linkage.
// An event whose content can no longer be encoded does not verify.
func VerifyDigest(e *Event) bool {
	expected, err := computeHash(e)
	return err == nil && e.Hash == expected
}
