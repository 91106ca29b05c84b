package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ctrlai/chainlog/internal/audit"
)

// countingLedger records how often storage is reached.
type countingLedger struct {
	Ledger
	calls   int
	filters []audit.Filter
	block   bool
}

func (c *countingLedger) Range(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	c.calls++
	c.filters = append(c.filters, f)
	if c.block {
		<-ctx.Done()
	}
	return c.Ledger.Range(ctx, f)
}

func (c *countingLedger) Validate(ctx context.Context, sessionID string, limit int) (audit.VerifyResult, error) {
	c.calls++
	if c.block {
		<-ctx.Done()
	}
	return c.Ledger.Validate(ctx, sessionID, limit)
}

var now = time.Date(2026, 2, 12, 12, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*Service, *countingLedger) {
	t.Helper()
	l, err := audit.New(audit.Options{
		Store: audit.NewMemoryStore(),
		Now:   func() time.Time { return now.Add(-30 * time.Minute) },
	})
	if err != nil {
		t.Fatalf("audit.New: %v", err)
	}
	ctx := context.Background()
	for _, d := range []audit.Draft{
		{SessionID: "s1", Type: audit.TypeSessionCreated},
		{SessionID: "s1", RunID: "r1", Type: audit.TypeRunStarted},
		{SessionID: "s1", RunID: "r1", Type: audit.TypeToolInvoked},
		{SessionID: "s2", Type: audit.TypeSessionCreated},
	} {
		if _, err := l.Append(ctx, d); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	c := &countingLedger{Ledger: l}
	return New(c, Options{Now: func() time.Time { return now }}), c
}

func TestEvents_Filters(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		p    Params
		want int
	}{
		{"all", Params{}, 4},
		{"session", Params{SessionID: "s1"}, 3},
		{"run", Params{RunID: "r1"}, 2},
		{"type glob", Params{Type: "*.created"}, 2},
		{"since duration", Params{Since: "1h"}, 4},
		{"since too recent", Params{Since: "10m"}, 0},
		{"until rfc3339", Params{Until: "2026-02-12T11:00:00Z"}, 0},
		{"limit", Params{Limit: 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := s.Events(ctx, tt.p)
			if err != nil {
				t.Fatalf("Events: %v", err)
			}
			if events == nil {
				t.Fatal("events should never be nil")
			}
			if len(events) != tt.want {
				t.Errorf("expected %d events, got %d", tt.want, len(events))
			}
		})
	}
}

func TestEvents_InvalidParamsNeverReachStorage(t *testing.T) {
	s, c := newService(t)
	tests := []struct {
		name string
		p    Params
	}{
		{"negative limit", Params{Limit: -1}},
		{"bad session", Params{SessionID: "s 1"}},
		{"bad run", Params{RunID: "../r1"}},
		{"bad glob", Params{Type: "tool.[a"}},
		{"bad since", Params{Since: "yesterday"}},
		{"bad until", Params{Until: "2026-13-01T00:00:00Z"}},
		{"negative duration", Params{Since: "-1h"}},
		{"since after until", Params{Since: "2026-02-12T11:00:00Z", Until: "2026-02-12T10:00:00Z"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := c.calls
			if _, err := s.Events(context.Background(), tt.p); !errors.Is(err, audit.ErrInvalidQuery) {
				t.Errorf("expected ErrInvalidQuery, got %v", err)
			}
			if c.calls != before {
				t.Error("storage was queried for an invalid request")
			}
		})
	}
}

func TestEvents_LimitNormalization(t *testing.T) {
	s, c := newService(t)
	for _, tc := range []struct{ in, want int }{{0, DefaultLimit}, {7, 7}, {MaxLimit + 1, MaxLimit}, {1 << 30, MaxLimit}} {
		if _, err := s.Events(context.Background(), Params{Limit: tc.in}); err != nil {
			t.Fatalf("Events: %v", err)
		}
		if got := c.filters[len(c.filters)-1].Limit; got != tc.want {
			t.Errorf("limit %d: expected %d, got %d", tc.in, tc.want, got)
		}
	}
}

func TestEvents_Timeout(t *testing.T) {
	l, err := audit.New(audit.Options{Store: audit.NewMemoryStore()})
	if err != nil {
		t.Fatal(err)
	}
	c := &countingLedger{Ledger: l, block: true}
	s := New(c, Options{Timeout: 10 * time.Millisecond})

	if _, err := s.Events(context.Background(), Params{}); !errors.Is(err, audit.ErrTimeout) {
		t.Errorf("Events: expected ErrTimeout, got %v", err)
	}
	if _, err := s.Validate(context.Background(), "s1", 0); !errors.Is(err, audit.ErrTimeout) {
		t.Errorf("Validate: expected ErrTimeout, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	s, c := newService(t)
	ctx := context.Background()

	res, err := s.Validate(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !res.Valid || res.EventCount != 3 || res.InvalidIndex != -1 {
		t.Errorf("unexpected result: %+v", res)
	}

	res, err = s.Validate(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.EventCount != 2 {
		t.Errorf("limit 2: expected 2 events checked, got %d", res.EventCount)
	}

	before := c.calls
	for _, bad := range []struct {
		session string
		limit   int
	}{{"", 0}, {"s 1", 0}, {"s1", -5}} {
		if _, err := s.Validate(ctx, bad.session, bad.limit); !errors.Is(err, audit.ErrInvalidQuery) {
			t.Errorf("Validate(%q, %d): expected ErrInvalidQuery, got %v", bad.session, bad.limit, err)
		}
	}
	if c.calls != before {
		t.Error("storage was queried for an invalid request")
	}
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"", 0, false},
		{"25", 25, false},
		{"abc", 0, true},
		{"-3", 0, true},
		{"1.5", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseLimit(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLimit(%q) error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseLimit(%q): expected %d, got %d", tt.in, tt.want, got)
		}
	}
}

func TestParseTimeArg(t *testing.T) {
	got, err := ParseTimeArg("2h", now)
	if err != nil || !got.Equal(now.Add(-2*time.Hour)) {
		t.Errorf("2h: got %v, %v", got, err)
	}
	got, err = ParseTimeArg("2026-02-12T13:00:00+01:00", now)
	if err != nil || !got.Equal(now) {
		t.Errorf("offset timestamp: got %v, %v", got, err)
	}
	if got, err := ParseTimeArg("", now); err != nil || !got.IsZero() {
		t.Errorf("empty: got %v, %v", got, err)
	}
}
