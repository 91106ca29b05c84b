package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// TokenEntry is one API credential in tokens.yaml. Only the SHA-256 of
// the token is stored; the token itself is shown once when issued.
type TokenEntry struct {
	Name        string    `yaml:"name"`
	TokenSHA256 string    `yaml:"token_sha256"`
	Sessions    []string  `yaml:"sessions"`
	CreatedAt   time.Time `yaml:"created_at"`
	Revoked     bool      `yaml:"revoked,omitempty"`
}

type tokenRecord struct {
	entry TokenEntry
	hash  []byte
	scope Scope
}

// TokenStore holds the credentials from tokens.yaml. It persists changes
// back to the file and keeps a compiled copy in memory for lookups.
//
// A running server watches tokens.yaml and calls Reload when it changes,
// so `chainlog token add` and `chainlog token revoke` take effect without
// a restart.
type TokenStore struct {
	mu      sync.RWMutex
	records []tokenRecord
	path    string
}

// NewTokenStore loads credentials from path. A missing file means no
// credentials yet, not an error.
func NewTokenStore(path string) (*TokenStore, error) {
	ts := &TokenStore{path: path}
	records, err := ts.loadFromFile()
	if err != nil {
		return nil, err
	}
	ts.records = records
	return ts, nil
}

// Lookup returns the entry and scope for a presented token. Every stored
// hash is compared in constant time, so timing does not reveal which
// entry (if any) is close.
func (ts *TokenStore) Lookup(token string) (TokenEntry, Scope, bool) {
	sum := sha256.Sum256([]byte(token))

	ts.mu.RLock()
	defer ts.mu.RUnlock()

	found := -1
	for i := range ts.records {
		if subtle.ConstantTimeCompare(sum[:], ts.records[i].hash) == 1 {
			found = i
		}
	}
	if found < 0 || ts.records[found].entry.Revoked {
		return TokenEntry{}, Scope{}, false
	}
	r := ts.records[found]
	return r.entry, r.scope, true
}

// Issue creates a new credential named name, scoped to sessions, and
// persists it. The returned token is not stored anywhere.
func (ts *TokenStore) Issue(name string, sessions []string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("token name is required")
	}
	scope, err := NewScope(sessions)
	if err != nil {
		return "", err
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	token := "clt_" + hex.EncodeToString(raw)
	sum := sha256.Sum256([]byte(token))

	ts.mu.Lock()
	defer ts.mu.Unlock()

	for _, r := range ts.records {
		if r.entry.Name == name && !r.entry.Revoked {
			return "", fmt.Errorf("token %q already exists", name)
		}
	}

	entry := TokenEntry{
		Name:        name,
		TokenSHA256: hex.EncodeToString(sum[:]),
		Sessions:    sessions,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
	ts.records = append(ts.records, tokenRecord{entry: entry, hash: sum[:], scope: scope})

	slog.Info("api token issued", "name", name, "sessions", sessions)
	return token, ts.saveToFile()
}

// Revoke marks every credential named name as revoked. Revoking an
// unknown name is not an error.
func (ts *TokenStore) Revoke(name string) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	changed := false
	for i := range ts.records {
		if ts.records[i].entry.Name == name && !ts.records[i].entry.Revoked {
			ts.records[i].entry.Revoked = true
			changed = true
		}
	}
	if !changed {
		return nil
	}

	slog.Warn("api token revoked", "name", name)
	return ts.saveToFile()
}

// List returns the stored entries in file order.
func (ts *TokenStore) List() []TokenEntry {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	out := make([]TokenEntry, 0, len(ts.records))
	for _, r := range ts.records {
		out = append(out, r.entry)
	}
	return out
}

// Reload re-reads tokens.yaml. On a parse error the previous credentials
// stay in effect.
func (ts *TokenStore) Reload() error {
	records, err := ts.loadFromFile()
	if err != nil {
		return err
	}

	ts.mu.Lock()
	ts.records = records
	ts.mu.Unlock()

	slog.Info("api tokens reloaded", "tokens", len(records))
	return nil
}

func (ts *TokenStore) loadFromFile() ([]tokenRecord, error) {
	data, err := os.ReadFile(ts.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading tokens %s: %w", ts.path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var entries []TokenEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing tokens %s: %w", ts.path, err)
	}

	records := make([]tokenRecord, 0, len(entries))
	for _, e := range entries {
		hash, err := hex.DecodeString(e.TokenSHA256)
		if err != nil || len(hash) != sha256.Size {
			return nil, fmt.Errorf("token %q: token_sha256 must be 64 hex characters", e.Name)
		}
		scope, err := NewScope(e.Sessions)
		if err != nil {
			return nil, fmt.Errorf("token %q: %w", e.Name, err)
		}
		records = append(records, tokenRecord{entry: e, hash: hash, scope: scope})
	}
	return records, nil
}

// saveToFile writes the current entries. Caller must hold the write lock.
func (ts *TokenStore) saveToFile() error {
	entries := make([]TokenEntry, 0, len(ts.records))
	for _, r := range ts.records {
		entries = append(entries, r.entry)
	}
	data, err := yaml.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshaling tokens: %w", err)
	}
	return os.WriteFile(ts.path, data, 0o600)
}
