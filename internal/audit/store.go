package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/ctrlai/chainlog/internal/canon"
)

// Store persists session chains. Implementations must make Commit atomic:
// either the event is stored and the session tip advanced, or nothing
// changes. Reads must not block commits.
type Store interface {
	// Tip returns the session head, or a Tip with GenesisHash and Seq 0 when
	// the session has no events.
	Tip(ctx context.Context, sessionID string) (Tip, error)

	// Commit stores ev if the session tip still equals expected, and
	// advances the tip to ev. Otherwise it returns ErrAppendConflict.
	Commit(ctx context.Context, expected string, ev Event) error

	// Range returns events matching f in append order.
	Range(ctx context.Context, f Filter) ([]Event, error)

	Close() error
}

// Open returns the store for the given driver name.
//
//	memory   - in-process, lost on exit
//	sqlite   - path is the database file
//	postgres - dsn is a libpq connection string or URL
func Open(ctx context.Context, driver, path, dsn string) (Store, error) {
	switch driver {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "":
		return OpenSQLite(ctx, path)
	case "postgres":
		return OpenPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver %q (use sqlite, postgres, or memory)", driver)
	}
}

// row is the storage form of an event shared by all drivers: data is kept
// as its canonical JSON text and ts in TimeFormat.
type row struct {
	Seq       uint64
	EventID   string
	TS        string
	SessionID string
	RunID     string
	Type      string
	Data      string
	PrevHash  string
	Hash      string
}

func toRow(ev Event) (row, error) {
	data := ev.Data
	if data == nil {
		data = map[string]any{}
	}
	raw, err := canon.Encode(data)
	if err != nil {
		return row{}, err
	}
	return row{
		Seq:       ev.Seq,
		EventID:   ev.EventID,
		TS:        FormatTime(ev.Timestamp),
		SessionID: ev.SessionID,
		RunID:     ev.RunID,
		Type:      ev.Type,
		Data:      string(raw),
		PrevHash:  ev.PrevHash,
		Hash:      ev.Hash,
	}, nil
}

// event decodes a stored row. Numbers are kept as json.Number so large
// integers survive the round trip and re-hash identically.
//
// A row whose ts is not in TimeFormat or whose data is not a JSON object
// still yields an event, carrying what could be read and marked with its
// decode error. Such an event never verifies, so a rewritten row shows up
// as a chain break at its position instead of failing the whole read.
func (r row) event() Event {
	ev := Event{
		EventID:   r.EventID,
		SessionID: r.SessionID,
		RunID:     r.RunID,
		Type:      r.Type,
		PrevHash:  r.PrevHash,
		Hash:      r.Hash,
		Seq:       r.Seq,
	}

	ts, err := ParseTime(r.TS)
	if err == nil && FormatTime(ts) != r.TS {
		err = errors.New("not in canonical form")
	}
	if err != nil {
		ev.decodeErr = fmt.Errorf("event %s: ts %q: %w", r.EventID, r.TS, err)
		if t, perr := time.Parse(time.RFC3339Nano, r.TS); perr == nil {
			ts = t
		}
	}
	ev.Timestamp = normalizeTime(ts)

	if r.Data != "" {
		var data map[string]any
		dec := json.NewDecoder(strings.NewReader(r.Data))
		dec.UseNumber()
		err := dec.Decode(&data)
		if err == nil {
			if _, terr := dec.Token(); !errors.Is(terr, io.EOF) {
				err = errors.New("trailing content")
			}
		}
		if err != nil {
			ev.decodeErr = errors.Join(ev.decodeErr, fmt.Errorf("event %s: decoding data: %w", r.EventID, err))
		} else {
			ev.Data = data
		}
	}
	return ev
}

// typeMatcher compiles a Filter.Type. Plain types match exactly; patterns
// use glob syntax with '.' as the separator, so "tool.*" matches
// "tool.invoked" and "**" crosses dots.
func typeMatcher(pattern string) (match func(string) bool, exact bool, err error) {
	if pattern == "" {
		return func(string) bool { return true }, false, nil
	}
	if !strings.ContainsAny(pattern, "*?[]{}!\\") {
		return func(t string) bool { return t == pattern }, true, nil
	}
	g, err := glob.Compile(pattern, '.')
	if err != nil {
		return nil, false, fmt.Errorf("%w: type pattern %q: %v", ErrInvalidQuery, pattern, err)
	}
	return g.Match, false, nil
}

// CheckTypePattern validates a Filter.Type without running a query.
func CheckTypePattern(pattern string) error {
	_, _, err := typeMatcher(pattern)
	return err
}

// rowMatches applies the filter fields that every driver evaluates in Go.
func rowMatches(r *row, f *Filter, matchType func(string) bool) bool {
	if f.SessionID != "" && r.SessionID != f.SessionID {
		return false
	}
	if f.RunID != "" && r.RunID != f.RunID {
		return false
	}
	if f.AfterSeq > 0 && r.Seq <= f.AfterSeq {
		return false
	}
	if !f.Since.IsZero() && r.TS < FormatTime(f.Since) {
		return false
	}
	if !f.Until.IsZero() && r.TS > FormatTime(f.Until) {
		return false
	}
	return matchType(r.Type)
}

// scanCheckEvery is how many rows a scan processes between context checks.
const scanCheckEvery = 64

// ctxErr converts a done context into ErrTimeout.
func ctxErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return nil
}

// memoryStore keeps chains in process memory. Rows are append-only and
// never modified after commit, so readers copy the slice header under a
// short lock and scan without holding it.
type memoryStore struct {
	mu   sync.Mutex
	rows []row
	tips map[string]Tip
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() Store {
	return &memoryStore{tips: make(map[string]Tip)}
}

func (s *memoryStore) Tip(ctx context.Context, sessionID string) (Tip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tips[sessionID]; ok {
		return t, nil
	}
	return Tip{Hash: GenesisHash}, nil
}

func (s *memoryStore) Commit(ctx context.Context, expected string, ev Event) error {
	r, err := toRow(ev)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.tips[ev.SessionID]
	if !ok {
		cur = Tip{Hash: GenesisHash}
	}
	if cur.Hash != expected || cur.Seq+1 != ev.Seq {
		return fmt.Errorf("%w: session %s is at seq %d", ErrAppendConflict, ev.SessionID, cur.Seq)
	}

	s.rows = append(s.rows, r)
	s.tips[ev.SessionID] = Tip{Hash: ev.Hash, Seq: ev.Seq, Timestamp: ev.Timestamp}
	return nil
}

func (s *memoryStore) Range(ctx context.Context, f Filter) ([]Event, error) {
	matchType, _, err := typeMatcher(f.Type)
	if err != nil {
		return nil, err
	}
	limit := effectiveLimit(f.Limit)

	s.mu.Lock()
	rows := s.rows
	s.mu.Unlock()

	var events []Event
	for i := range rows {
		if i%scanCheckEvery == 0 {
			if err := ctxErr(ctx); err != nil {
				return nil, err
			}
		}
		if !rowMatches(&rows[i], &f, matchType) {
			continue
		}
		events = append(events, rows[i].event())
		if len(events) >= limit {
			break
		}
	}
	return events, nil
}

func (s *memoryStore) Close() error { return nil }
