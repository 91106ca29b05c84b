// Package auth authenticates API callers and scopes them to sessions.
//
// Three kinds of bearer credential are accepted, checked in this order:
//
//   - the admin token from config (full access)
//   - a token listed in tokens.yaml (scoped by session globs)
//   - an HS256 JWT signed with the configured secret, whose "sessions"
//     claim lists session globs
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

var (
	// ErrUnauthorized means the request carried no usable credential.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden means the credential is valid but out of scope.
	ErrForbidden = errors.New("forbidden")
)

// Principal is the authenticated caller.
type Principal struct {
	Name  string
	Admin bool
	Scope Scope
}

// CanAccess reports whether the principal may read or append to the
// session.
func (p *Principal) CanAccess(sessionID string) bool {
	return p.Admin || p.Scope.Allows(sessionID)
}

// Authorize returns ErrForbidden unless the principal may access the
// session.
func (p *Principal) Authorize(sessionID string) error {
	if p.CanAccess(sessionID) {
		return nil
	}
	return fmt.Errorf("%w: %s may not access session %s", ErrForbidden, p.Name, sessionID)
}

type contextKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext returns the principal stored by the middleware, if any.
func FromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(*Principal)
	return p, ok
}

// Options configures an Authenticator. Any source may be left empty.
type Options struct {
	AdminToken string
	Tokens     *TokenStore
	JWTSecret  []byte
}

// Authenticator validates bearer credentials.
type Authenticator struct {
	adminToken []byte
	tokens     *TokenStore
	jwtSecret  []byte
}

// New returns an Authenticator over opts.
func New(opts Options) *Authenticator {
	a := &Authenticator{tokens: opts.Tokens}
	if len(opts.JWTSecret) > 0 {
		a.jwtSecret = opts.JWTSecret
	}
	if opts.AdminToken != "" {
		a.adminToken = []byte(opts.AdminToken)
	}
	return a
}

// sessionClaims is the JWT payload.
type sessionClaims struct {
	Sessions []string `json:"sessions"`
	jwt.RegisteredClaims
}

// Authenticate resolves a raw bearer credential to a principal.
func (a *Authenticator) Authenticate(credential string) (*Principal, error) {
	if credential == "" {
		return nil, fmt.Errorf("%w: missing bearer credential", ErrUnauthorized)
	}

	if a.adminToken != nil && subtle.ConstantTimeCompare([]byte(credential), a.adminToken) == 1 {
		return &Principal{Name: "admin", Admin: true, Scope: AllSessions}, nil
	}

	if a.tokens != nil {
		if entry, scope, ok := a.tokens.Lookup(credential); ok {
			return &Principal{Name: entry.Name, Scope: scope}, nil
		}
	}

	if a.jwtSecret != nil && strings.Count(credential, ".") == 2 {
		return a.parseJWT(credential)
	}

	return nil, fmt.Errorf("%w: unknown credential", ErrUnauthorized)
}

func (a *Authenticator) parseJWT(raw string) (*Principal, error) {
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return a.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: token has no expiry", ErrUnauthorized)
	}
	scope, err := NewScope(claims.Sessions)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	name := claims.Subject
	if name == "" {
		name = "jwt"
	}
	return &Principal{Name: name, Scope: scope}, nil
}

// BearerToken extracts the credential from an Authorization header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// Middleware authenticates every request and stores the principal in its
// context. Failures are handed to fail, which writes the response.
func (a *Authenticator) Middleware(fail func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := a.Authenticate(BearerToken(r))
			if err != nil {
				fail(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
