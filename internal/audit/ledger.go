package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Options configures a Ledger.
type Options struct {
	// Store is the persistence driver. Required.
	Store Store

	// OnAppend is called after each event is committed, allowing the
	// live feed to push it to subscribers. It runs on the appending
	// goroutine and must not block.
	OnAppend func(Event)

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Ledger is the append-only, hash-chained audit log. Every method is safe
// for concurrent use. The ledger holds no per-session state of its own:
// the stored tip is the single source of truth, so several processes may
// append to the same database.
type Ledger struct {
	store    Store
	onAppend func(Event)
	now      func() time.Time
}

// New returns a ledger over opts.Store.
func New(opts Options) (*Ledger, error) {
	if opts.Store == nil {
		return nil, errors.New("audit ledger needs a store")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Ledger{store: opts.Store, onAppend: opts.OnAppend, now: now}, nil
}

// Close closes the underlying store.
func (l *Ledger) Close() error {
	return l.store.Close()
}

// Append adds an event to the end of its session chain, linking it to the
// tip observed at call time. It returns ErrAppendConflict if another writer
// advances the tip before the commit lands.
func (l *Ledger) Append(ctx context.Context, d Draft) (Event, error) {
	if err := validateDraft(d); err != nil {
		return Event{}, err
	}
	tip, err := l.store.Tip(ctx, d.SessionID)
	if err != nil {
		return Event{}, err
	}
	return l.commit(ctx, tip, d)
}

// AppendAt is Append with the caller's own observation of the tip. The
// append succeeds only if observedTip is still the session head, so two
// callers that observed the same tip get exactly one success between them.
func (l *Ledger) AppendAt(ctx context.Context, observedTip string, d Draft) (Event, error) {
	if err := validateDraft(d); err != nil {
		return Event{}, err
	}
	tip, err := l.store.Tip(ctx, d.SessionID)
	if err != nil {
		return Event{}, err
	}
	if tip.Hash != observedTip {
		return Event{}, fmt.Errorf("%w: session %s is at %s, not %s", ErrAppendConflict, d.SessionID, tip.Hash, observedTip)
	}
	return l.commit(ctx, tip, d)
}

// commit builds the event on top of tip and hands it to the store, which
// re-checks the tip atomically with the insert.
func (l *Ledger) commit(ctx context.Context, tip Tip, d Draft) (Event, error) {
	ts := d.Timestamp
	if ts.IsZero() {
		ts = l.now()
	}
	ts = normalizeTime(ts)
	// A chain never goes back in time, even across clock adjustments.
	if tip.Seq > 0 && ts.Before(tip.Timestamp) {
		ts = tip.Timestamp
	}

	ev := Event{
		EventID:   "evt_" + uuid.NewString(),
		Timestamp: ts,
		SessionID: d.SessionID,
		RunID:     d.RunID,
		Type:      d.Type,
		Data:      d.Data,
		PrevHash:  tip.Hash,
		Seq:       tip.Seq + 1,
	}

	// Round-trip through the storage form, so the returned event carries
	// exactly the data readers will see and is detached from the caller's map.
	r, err := toRow(ev)
	if err != nil {
		return Event{}, fmt.Errorf("encoding %s event for session %s: %w", d.Type, d.SessionID, err)
	}
	ev = r.event()
	if ev.decodeErr != nil {
		return Event{}, ev.decodeErr
	}
	if ev.Hash, err = computeHash(&ev); err != nil {
		return Event{}, err
	}

	if err := l.store.Commit(ctx, tip.Hash, ev); err != nil {
		if errors.Is(err, ErrAppendConflict) {
			slog.Debug("append conflict", "session", d.SessionID, "observed_tip", tip.Hash)
		}
		return Event{}, err
	}

	slog.Debug("audit event appended",
		"session", ev.SessionID,
		"seq", ev.Seq,
		"type", ev.Type,
		"hash", ev.Hash,
	)

	if l.onAppend != nil {
		l.onAppend(ev)
	}
	return ev, nil
}

// Tip returns the hash of the newest event in the session, or GenesisHash
// for a session that has none.
func (l *Ledger) Tip(ctx context.Context, sessionID string) (string, error) {
	t, err := l.Head(ctx, sessionID)
	return t.Hash, err
}

// Head returns the full session tip, including its chain position.
func (l *Ledger) Head(ctx context.Context, sessionID string) (Tip, error) {
	if !IDPattern.MatchString(sessionID) {
		return Tip{}, fmt.Errorf("%w: session_id %q", ErrInvalidQuery, sessionID)
	}
	return l.store.Tip(ctx, sessionID)
}

// Range returns events matching f in append order. It never writes.
func (l *Ledger) Range(ctx context.Context, f Filter) ([]Event, error) {
	if f.Limit < 0 {
		return nil, fmt.Errorf("%w: negative limit", ErrInvalidQuery)
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Since.After(f.Until) {
		return nil, fmt.Errorf("%w: since is after until", ErrInvalidQuery)
	}
	if f.AfterSeq > 0 && f.SessionID == "" {
		return nil, fmt.Errorf("%w: after_seq needs a session_id", ErrInvalidQuery)
	}
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	return l.store.Range(ctx, f)
}

// scanPage is the page size used when walking a whole session chain.
const scanPage = 1000

// Walk calls fn for each event of the session in chain order, paging
// through the store. It stops early if fn returns false.
func (l *Ledger) Walk(ctx context.Context, sessionID string, fn func(Event) bool) error {
	var after uint64
	for {
		page, err := l.Range(ctx, Filter{SessionID: sessionID, AfterSeq: after, Limit: scanPage})
		if err != nil {
			return err
		}
		for _, ev := range page {
			if !fn(ev) {
				return nil
			}
			after = ev.Seq
		}
		if len(page) < scanPage {
			return nil
		}
	}
}

// Follow polls the session for events newer than afterSeq and calls fn for
// each one, like tail -f. It blocks until ctx is cancelled.
func (l *Ledger) Follow(ctx context.Context, sessionID string, afterSeq uint64, interval time.Duration, fn func(Event)) error {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			page, err := l.store.Range(ctx, Filter{SessionID: sessionID, AfterSeq: afterSeq, Limit: scanPage})
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Error("follow: reading events", "session", sessionID, "error", err)
				continue
			}
			for _, ev := range page {
				fn(ev)
				afterSeq = ev.Seq
			}
		}
	}
}
