// Package replay reconstructs what happened in a run from the audit ledger
// alone. Safe replay never executes tools or calls models: it reads the
// run's recorded events and re-checks their chain integrity.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ctrlai/chainlog/internal/audit"
)

// ModeSafe is the only supported replay mode.
const ModeSafe = "safe"

// DefaultMaxEvents bounds how many events a single replay reads. Longer
// runs are refused with ErrRunTooLarge.
const DefaultMaxEvents = 10000

var (
	// ErrUnsupportedReplayMode rejects any mode other than safe. A request
	// for an unknown mode is never downgraded to safe.
	ErrUnsupportedReplayMode = errors.New("unsupported replay mode")

	// ErrRunNotFound means the ledger holds no events for the run.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunTooLarge means the run has more events than one replay may
	// read. No partial replay is returned.
	ErrRunTooLarge = errors.New("run too large to replay")
)

// EventSource is the read side of the audit ledger.
type EventSource interface {
	Range(ctx context.Context, f audit.Filter) ([]audit.Event, error)
}

// ReplayEvent is one recorded step of a run as shown by replay.
type ReplayEvent struct {
	Timestamp string         `json:"ts"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Hash      string         `json:"hash"`
	PrevHash  string         `json:"prev_hash"`
}

// Result is the outcome of a safe replay.
type Result struct {
	RunID  string        `json:"run_id"`
	Mode   string        `json:"mode"`
	Valid  bool          `json:"valid"`
	Events []ReplayEvent `json:"events"`

	// SessionIDs lists the distinct sessions the run's events belong to,
	// for access checks by callers.
	SessionIDs []string `json:"-"`
}

// Engine replays runs from recorded events.
type Engine struct {
	src       EventSource
	maxEvents int
}

// New returns an engine reading from src. maxEvents <= 0 selects
// DefaultMaxEvents.
func New(src EventSource, maxEvents int) *Engine {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &Engine{src: src, maxEvents: maxEvents}
}

// SafeReplay returns the run's recorded events in append order together
// with a validity verdict over the run's slice of its session chain. mode
// may be empty or "safe". When the run is too large the error comes with
// a Result holding only RunID and the SessionIDs seen so far.
func (e *Engine) SafeReplay(ctx context.Context, runID, mode string) (Result, error) {
	if mode != "" && mode != ModeSafe {
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedReplayMode, mode)
	}
	events, err := e.runEvents(ctx, runID)
	if err != nil {
		return Result{RunID: runID, SessionIDs: sessionsOf(events)}, err
	}

	res := Result{
		RunID:      runID,
		Mode:       ModeSafe,
		Valid:      validRun(events),
		Events:     make([]ReplayEvent, 0, len(events)),
		SessionIDs: sessionsOf(events),
	}
	for _, ev := range events {
		res.Events = append(res.Events, ReplayEvent{
			Timestamp: audit.FormatTime(ev.Timestamp),
			Type:      ev.Type,
			Data:      ev.Data,
			Hash:      ev.Hash,
			PrevHash:  ev.PrevHash,
		})
	}

	if !res.Valid {
		slog.Warn("replay found a broken run chain", "run", runID, "events", len(events))
	}
	return res, nil
}

func (e *Engine) runEvents(ctx context.Context, runID string) ([]audit.Event, error) {
	if !audit.IDPattern.MatchString(runID) {
		return nil, fmt.Errorf("%w: run_id %q", audit.ErrInvalidQuery, runID)
	}
	events, err := e.src.Range(ctx, audit.Filter{RunID: runID, Limit: e.maxEvents + 1})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if len(events) > e.maxEvents {
		return events, fmt.Errorf("%w: %s has more than %d events", ErrRunTooLarge, runID, e.maxEvents)
	}
	return events, nil
}

// sessionsOf lists the distinct sessions of events in first-seen order.
func sessionsOf(events []audit.Event) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, ev := range events {
		if !seen[ev.SessionID] {
			seen[ev.SessionID] = true
			ids = append(ids, ev.SessionID)
		}
	}
	return ids
}

// validRun checks a run's events, which are a possibly gapped slice of
// their session chain. Every event must re-hash over its own prev_hash.
// Where two run events are adjacent in the session chain the later must
// link to the earlier, and an event at the head of its session must link
// to genesis.
func validRun(events []audit.Event) bool {
	for i := range events {
		ev := &events[i]
		if !audit.VerifyDigest(ev) {
			return false
		}
		if ev.Seq == 1 && ev.PrevHash != audit.GenesisHash {
			return false
		}
		if i == 0 {
			continue
		}
		prev := &events[i-1]
		if prev.SessionID == ev.SessionID && prev.Seq+1 == ev.Seq && ev.PrevHash != prev.Hash {
			return false
		}
	}
	return true
}
