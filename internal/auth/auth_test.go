package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func TestScope(t *testing.T) {
	s, err := NewScope([]string{"team-a-*", "shared"})
	if err != nil {
		t.Fatalf("NewScope: %v", err)
	}
	tests := []struct {
		session string
		want    bool
	}{
		{"team-a-1", true},
		{"team-a-", true},
		{"shared", true},
		{"team-b-1", false},
		{"shared2", false},
	}
	for _, tt := range tests {
		if got := s.Allows(tt.session); got != tt.want {
			t.Errorf("Allows(%q): expected %v, got %v", tt.session, tt.want, got)
		}
	}

	empty, _ := NewScope(nil)
	if empty.Allows("anything") {
		t.Error("empty scope should allow nothing")
	}
	star, _ := NewScope([]string{"*"})
	if !star.Allows("anything") || !star.Unrestricted() {
		t.Error("* should allow everything")
	}
	if _, err := NewScope([]string{"[oops"}); err == nil {
		t.Error("expected error for invalid pattern")
	}
}

func TestTokenStore_IssueLookupRevoke(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.yaml")
	ts, err := NewTokenStore(path)
	if err != nil {
		t.Fatalf("NewTokenStore: %v", err)
	}

	token, err := ts.Issue("ci", []string{"ci-*"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !strings.HasPrefix(token, "clt_") {
		t.Errorf("unexpected token form %q", token)
	}

	entry, scope, ok := ts.Lookup(token)
	if !ok {
		t.Fatal("issued token not found")
	}
	if entry.Name != "ci" || !scope.Allows("ci-42") || scope.Allows("prod-1") {
		t.Errorf("unexpected entry %+v", entry)
	}
	if _, _, ok := ts.Lookup(token + "x"); ok {
		t.Error("altered token should not match")
	}

	// The file stores only the hash.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading tokens file: %v", err)
	}
	if strings.Contains(string(data), token) {
		t.Error("plaintext token written to disk")
	}

	if _, err := ts.Issue("ci", nil); err == nil {
		t.Error("duplicate name should be rejected")
	}

	if err := ts.Revoke("ci"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, _, ok := ts.Lookup(token); ok {
		t.Error("revoked token still accepted")
	}
	if err := ts.Revoke("unknown"); err != nil {
		t.Errorf("revoking unknown name: %v", err)
	}
}

func TestTokenStore_ReloadSeesOtherWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.yaml")
	server, err := NewTokenStore(path)
	if err != nil {
		t.Fatalf("NewTokenStore: %v", err)
	}

	// A CLI process writes the file.
	cli, _ := NewTokenStore(path)
	token, err := cli.Issue("ops", []string{"*"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, _, ok := server.Lookup(token); ok {
		t.Fatal("server should not see the token before reload")
	}
	if err := server.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if _, _, ok := server.Lookup(token); !ok {
		t.Error("server should see the token after reload")
	}
	if len(server.List()) != 1 {
		t.Errorf("expected 1 entry, got %d", len(server.List()))
	}
}

func TestTokenStore_BadFile(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]string{
		"yaml":    "not: [valid",
		"hash":    "- name: x\n  token_sha256: abc\n",
		"pattern": "- name: x\n  token_sha256: " + strings.Repeat("a", 64) + "\n  sessions: ['[x']\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".yaml")
			os.WriteFile(path, []byte(content), 0o600)
			if _, err := NewTokenStore(path); err == nil {
				t.Error("expected load error")
			}
		})
	}
}

func signJWT(t *testing.T, method jwt.SigningMethod, key any, claims sessionClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("signing: %v", err)
	}
	return s
}

func TestAuthenticate(t *testing.T) {
	secret := []byte("test-secret")
	tokens, _ := NewTokenStore(filepath.Join(t.TempDir(), "tokens.yaml"))
	scoped, _ := tokens.Issue("reader", []string{"s1"})

	a := New(Options{AdminToken: "admin-secret", Tokens: tokens, JWTSecret: secret})

	valid := signJWT(t, jwt.SigningMethodHS256, secret, sessionClaims{
		Sessions: []string{"s-*"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "console",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	expired := signJWT(t, jwt.SigningMethodHS256, secret, sessionClaims{
		Sessions:         []string{"*"},
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))},
	})
	noExpiry := signJWT(t, jwt.SigningMethodHS256, secret, sessionClaims{Sessions: []string{"*"}})
	wrongKey := signJWT(t, jwt.SigningMethodHS256, []byte("other"), sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})
	wrongAlg := signJWT(t, jwt.SigningMethodHS512, secret, sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})

	t.Run("admin", func(t *testing.T) {
		p, err := a.Authenticate("admin-secret")
		if err != nil || !p.Admin || !p.CanAccess("any") {
			t.Errorf("expected admin principal, got %+v, %v", p, err)
		}
	})
	t.Run("token", func(t *testing.T) {
		p, err := a.Authenticate(scoped)
		if err != nil {
			t.Fatalf("Authenticate: %v", err)
		}
		if p.Name != "reader" || !p.CanAccess("s1") || p.CanAccess("s2") {
			t.Errorf("unexpected principal %+v", p)
		}
		if err := p.Authorize("s2"); !errors.Is(err, ErrForbidden) {
			t.Errorf("expected ErrForbidden, got %v", err)
		}
	})
	t.Run("jwt", func(t *testing.T) {
		p, err := a.Authenticate(valid)
		if err != nil {
			t.Fatalf("Authenticate: %v", err)
		}
		if p.Name != "console" || !p.CanAccess("s-9") || p.CanAccess("x") {
			t.Errorf("unexpected principal %+v", p)
		}
	})

	for name, cred := range map[string]string{
		"empty":     "",
		"unknown":   "nope",
		"expired":   expired,
		"no expiry": noExpiry,
		"wrong key": wrongKey,
		"wrong alg": wrongAlg,
	} {
		t.Run("reject "+name, func(t *testing.T) {
			if _, err := a.Authenticate(cred); !errors.Is(err, ErrUnauthorized) {
				t.Errorf("expected ErrUnauthorized, got %v", err)
			}
		})
	}
}

func TestAuthenticate_NoSourcesConfigured(t *testing.T) {
	a := New(Options{})
	if _, err := a.Authenticate("anything"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	a := New(Options{AdminToken: "admin-secret"})

	var failed error
	h := a.Middleware(func(w http.ResponseWriter, r *http.Request, err error) {
		failed = err
		w.WriteHeader(http.StatusUnauthorized)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := FromContext(r.Context())
		if !ok || !p.Admin {
			t.Error("principal missing from context")
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/audit", nil)
	req.Header.Set("Authorization", "Bearer admin-secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/audit", nil)
	req.Header.Set("Authorization", "Basic YWRtaW4=")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized || !errors.Is(failed, ErrUnauthorized) {
		t.Errorf("expected 401 via fail, got %d (%v)", rec.Code, failed)
	}
}

func TestBearerToken(t *testing.T) {
	for header, want := range map[string]string{
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"Basic abc":    "",
		"":             "",
		"Bearer":       "",
	} {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			r.Header.Set("Authorization", header)
		}
		if got := BearerToken(r); got != want {
			t.Errorf("%q: expected %q, got %q", header, want, got)
		}
	}
}
