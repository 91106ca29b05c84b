package auth

import (
	"fmt"

	"github.com/gobwas/glob"
)

// Scope restricts which sessions a credential may touch. Patterns are
// globs over session ids, e.g. "team-a-*". A "*" pattern, or the admin
// credential, allows every session.
type Scope struct {
	all      bool
	patterns []string
	globs    []glob.Glob
}

// AllSessions is the unrestricted scope.
var AllSessions = Scope{all: true, patterns: []string{"*"}}

// NewScope compiles session patterns once so per-request checks stay
// cheap. An empty list allows nothing.
func NewScope(patterns []string) (Scope, error) {
	s := Scope{patterns: patterns}
	for _, p := range patterns {
		if p == "*" {
			s.all = true
			continue
		}
		g, err := glob.Compile(p)
		if err != nil {
			return Scope{}, fmt.Errorf("invalid session pattern %q: %w", p, err)
		}
		s.globs = append(s.globs, g)
	}
	return s, nil
}

// Allows reports whether sessionID is within the scope.
func (s Scope) Allows(sessionID string) bool {
	if s.all {
		return true
	}
	for _, g := range s.globs {
		if g.Match(sessionID) {
			return true
		}
	}
	return false
}

// Unrestricted reports whether the scope covers every session.
func (s Scope) Unrestricted() bool { return s.all }

// Patterns returns the source patterns.
func (s Scope) Patterns() []string { return s.patterns }
