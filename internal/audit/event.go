package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Known event types. The set is open: any type matching typePattern may be
// appended, these are the kinds the recorder and the replay view understand.
const (
	TypeSessionCreated  = "session.created"
	TypeMessageReceived = "message.received"
	TypeRunStarted      = "run.started"
	TypePolicyDecision  = "policy.decision"
	TypeToolInvoked     = "tool.invoked"
	TypeToolResult      = "tool.result"
	TypeRunEnded        = "run.ended"
)

// GenesisHash is the prev_hash of the first event in every session chain.
const GenesisHash = "0"

// TimeFormat is the canonical text form of an event timestamp. It is fixed
// width, so stored timestamps sort lexicographically in time order.
const TimeFormat = "2006-01-02T15:04:05.000000Z07:00"

// DefaultLimit is the number of events Range returns when no limit is given.
const DefaultLimit = 500

var (
	// IDPattern constrains session and run identifiers.
	IDPattern   = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
	typePattern = regexp.MustCompile(`^[a-z0-9_.-]{1,128}$`)
)

// Event is a single, immutable audit record.
//
// Hash covers PrevHash plus the canonical encoding of Timestamp, SessionID,
// RunID, Type and Data. EventID is assigned at append time and is not part
// of the digest. Seq is the 1-based position in the session chain; it is the
// chain order and never leaves the process in the public JSON shape.
type Event struct {
	EventID   string         `json:"event_id"`
	Timestamp time.Time      `json:"ts"`
	SessionID string         `json:"session_id"`
	RunID     string         `json:"run_id,omitempty"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`

	Seq uint64 `json:"-"`

	decodeErr error
}

// DecodeErr reports why a stored event could not be read back in full.
// Such an event is returned with whatever fields survived and never
// verifies.
func (e *Event) DecodeErr() error { return e.decodeErr }

// eventJSON mirrors Event with ts in TimeFormat.
type eventJSON struct {
	EventID   string         `json:"event_id"`
	Timestamp string         `json:"ts"`
	SessionID string         `json:"session_id"`
	RunID     string         `json:"run_id,omitempty"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
}

// MarshalJSON writes ts in TimeFormat so exported events show the exact
// text that was hashed.
func (e Event) MarshalJSON() ([]byte, error) {
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	return json.Marshal(eventJSON{
		EventID:   e.EventID,
		Timestamp: FormatTime(e.Timestamp),
		SessionID: e.SessionID,
		RunID:     e.RunID,
		Type:      e.Type,
		Data:      data,
		PrevHash:  e.PrevHash,
		Hash:      e.Hash,
	})
}

// UnmarshalJSON accepts ts in TimeFormat or any RFC 3339 form.
func (e *Event) UnmarshalJSON(b []byte) error {
	var j eventJSON
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339Nano, j.Timestamp)
	if err != nil {
		return fmt.Errorf("event %s: ts %q: %w", j.EventID, j.Timestamp, err)
	}
	*e = Event{
		EventID:   j.EventID,
		Timestamp: ts.UTC(),
		SessionID: j.SessionID,
		RunID:     j.RunID,
		Type:      j.Type,
		Data:      j.Data,
		PrevHash:  j.PrevHash,
		Hash:      j.Hash,
	}
	return nil
}

// Draft is the caller-supplied part of an event. A zero Timestamp means
// "now"; a nil Data is stored as an empty object.
type Draft struct {
	SessionID string
	RunID     string
	Type      string
	Data      map[string]any
	Timestamp time.Time
}

// Filter selects events for Range. Zero values mean "no filter", except
// Limit, where zero means DefaultLimit.
type Filter struct {
	SessionID string
	RunID     string
	Type      string    // Exact type or glob pattern, e.g. "tool.*".
	Since     time.Time // Inclusive.
	Until     time.Time // Inclusive.
	AfterSeq  uint64    // Only with SessionID: events with Seq > AfterSeq.
	Limit     int
}

// Tip is the head of a session chain.
type Tip struct {
	Hash      string
	Seq       uint64
	Timestamp time.Time
}

var (
	// ErrAppendConflict means another writer advanced the session tip between
	// the observation and the commit. Retry with a freshly read tip.
	ErrAppendConflict = errors.New("append conflict: session tip moved")

	// ErrInvalidEvent rejects a draft before anything is encoded or stored.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrInvalidQuery rejects a filter before storage is touched.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrTimeout means the caller's deadline expired mid-scan. No partial
	// result accompanies it.
	ErrTimeout = errors.New("audit operation timed out")

	// ErrUnavailable wraps storage and transport failures. It never means the
	// chain is invalid.
	ErrUnavailable = errors.New("audit storage unavailable")
)

func validateDraft(d Draft) error {
	if !IDPattern.MatchString(d.SessionID) {
		return fmt.Errorf("%w: session_id %q", ErrInvalidEvent, d.SessionID)
	}
	if d.RunID != "" && !IDPattern.MatchString(d.RunID) {
		return fmt.Errorf("%w: run_id %q", ErrInvalidEvent, d.RunID)
	}
	if !typePattern.MatchString(d.Type) {
		return fmt.Errorf("%w: type %q", ErrInvalidEvent, d.Type)
	}
	return nil
}

// FormatTime renders t in TimeFormat (UTC, microsecond precision).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a timestamp written by FormatTime.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeFormat, s)
}

// normalizeTime truncates to the precision every store keeps, so a timestamp
// read back hashes the same as the one appended.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
