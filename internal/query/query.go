// Package query is the read-only audit query surface shared by the HTTP
// API and the CLI. It validates and normalizes parameters before any
// storage access and bounds every call with a timeout.
package query

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ctrlai/chainlog/internal/audit"
)

// Defaults for Options.
const (
	DefaultLimit   = 500
	MaxLimit       = 1000
	DefaultTimeout = 5 * time.Second
)

// Ledger is the part of *audit.Ledger the service reads from.
type Ledger interface {
	Range(ctx context.Context, f audit.Filter) ([]audit.Event, error)
	Validate(ctx context.Context, sessionID string, limit int) (audit.VerifyResult, error)
}

// Options tunes a Service. Zero values select the package defaults.
type Options struct {
	DefaultLimit int
	MaxLimit     int
	Timeout      time.Duration
	Now          func() time.Time
}

// Params are the raw query parameters. Empty strings mean "no filter".
type Params struct {
	SessionID string
	RunID     string
	Type      string // Exact type or glob, e.g. "tool.*".
	Since     string // RFC 3339 timestamp or a duration before now, e.g. "1h".
	Until     string // Same forms as Since.
	Limit     int    // 0 selects the default; values above the max are capped.
}

// Service answers audit queries.
type Service struct {
	ledger       Ledger
	defaultLimit int
	maxLimit     int
	timeout      time.Duration
	now          func() time.Time
}

// New returns a Service over l.
func New(l Ledger, opts Options) *Service {
	s := &Service{
		ledger:       l,
		defaultLimit: opts.DefaultLimit,
		maxLimit:     opts.MaxLimit,
		timeout:      opts.Timeout,
		now:          opts.Now,
	}
	if s.maxLimit <= 0 {
		s.maxLimit = MaxLimit
	}
	if s.defaultLimit <= 0 {
		s.defaultLimit = DefaultLimit
	}
	if s.defaultLimit > s.maxLimit {
		s.defaultLimit = s.maxLimit
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Timeout is the bound applied to every call.
func (s *Service) Timeout() time.Duration { return s.timeout }

// Events returns the events matching p in append order.
func (s *Service) Events(ctx context.Context, p Params) ([]audit.Event, error) {
	f, err := s.Filter(p)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	events, err := s.ledger.Range(ctx, f)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []audit.Event{}
	}
	return events, nil
}

// Validate verifies up to limit events of the session chain, oldest first.
func (s *Service) Validate(ctx context.Context, sessionID string, limit int) (audit.VerifyResult, error) {
	if sessionID == "" {
		return audit.VerifyResult{}, fmt.Errorf("%w: session_id is required", audit.ErrInvalidQuery)
	}
	if err := checkID("session_id", sessionID); err != nil {
		return audit.VerifyResult{}, err
	}
	n, err := s.limit(limit)
	if err != nil {
		return audit.VerifyResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.ledger.Validate(ctx, sessionID, n)
}

// Filter validates p and converts it to a ledger filter.
func (s *Service) Filter(p Params) (audit.Filter, error) {
	if err := checkID("session_id", p.SessionID); err != nil {
		return audit.Filter{}, err
	}
	if err := checkID("run_id", p.RunID); err != nil {
		return audit.Filter{}, err
	}
	if err := audit.CheckTypePattern(p.Type); err != nil {
		return audit.Filter{}, err
	}
	limit, err := s.limit(p.Limit)
	if err != nil {
		return audit.Filter{}, err
	}

	now := s.now()
	since, err := ParseTimeArg(p.Since, now)
	if err != nil {
		return audit.Filter{}, fmt.Errorf("%w: since: %v", audit.ErrInvalidQuery, err)
	}
	until, err := ParseTimeArg(p.Until, now)
	if err != nil {
		return audit.Filter{}, fmt.Errorf("%w: until: %v", audit.ErrInvalidQuery, err)
	}
	if !since.IsZero() && !until.IsZero() && since.After(until) {
		return audit.Filter{}, fmt.Errorf("%w: since is after until", audit.ErrInvalidQuery)
	}

	return audit.Filter{
		SessionID: p.SessionID,
		RunID:     p.RunID,
		Type:      p.Type,
		Since:     since,
		Until:     until,
		Limit:     limit,
	}, nil
}

func (s *Service) limit(n int) (int, error) {
	switch {
	case n < 0:
		return 0, fmt.Errorf("%w: limit must not be negative", audit.ErrInvalidQuery)
	case n == 0:
		return s.defaultLimit, nil
	case n > s.maxLimit:
		return s.maxLimit, nil
	default:
		return n, nil
	}
}

func checkID(name, v string) error {
	if v != "" && !audit.IDPattern.MatchString(v) {
		return fmt.Errorf("%w: %s %q", audit.ErrInvalidQuery, name, v)
	}
	return nil
}

// ParseLimit parses a limit query parameter. Empty means 0 (the default).
func ParseLimit(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: limit %q is not an integer", audit.ErrInvalidQuery, s)
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: limit must not be negative", audit.ErrInvalidQuery)
	}
	return n, nil
}

// ParseTimeArg accepts an RFC 3339 timestamp or a Go duration such as
// "1h" or "30m", which is taken as that long before now. Empty yields the
// zero time.
func ParseTimeArg(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if strings.Contains(s, "T") {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
		}
		return t.UTC(), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid duration %q", s)
	}
	if d < 0 {
		return time.Time{}, fmt.Errorf("negative duration %q", s)
	}
	return now.UTC().Add(-d), nil
}
