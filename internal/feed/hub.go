// Package feed fans committed audit events out to live subscribers, such
// as websocket clients of the audit stream.
//
// A single hub goroutine owns the subscriber set, so registration,
// removal and delivery never race and need no locks. Delivery is
// best-effort: a subscriber whose buffer is full is dropped rather than
// allowed to slow the ledger down.
package feed

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ctrlai/chainlog/internal/audit"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// Hub distributes events to subscribers.
type Hub struct {
	buffer int

	subs map[*Subscription]bool

	publishCh    chan audit.Event
	registerCh   chan *Subscription
	unregisterCh chan *Subscription
	done         chan struct{}
}

// Subscription receives the events its match function accepts. The
// channel is closed when the subscriber is dropped, unsubscribes, or the
// hub stops.
type Subscription struct {
	hub   *Hub
	match func(audit.Event) bool
	ch    chan audit.Event
	once  sync.Once
}

// New creates a hub. Call Run to start delivering.
func New(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		buffer:       buffer,
		subs:         make(map[*Subscription]bool),
		publishCh:    make(chan audit.Event, 256),
		registerCh:   make(chan *Subscription),
		unregisterCh: make(chan *Subscription),
		done:         make(chan struct{}),
	}
}

// Run is the hub loop. It returns when ctx is cancelled, after closing
// every subscription.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		for sub := range h.subs {
			close(sub.ch)
		}
		h.subs = nil
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case sub := <-h.registerCh:
			h.subs[sub] = true
			slog.Debug("feed subscriber added", "total", len(h.subs))

		case sub := <-h.unregisterCh:
			if h.subs[sub] {
				delete(h.subs, sub)
				close(sub.ch)
				slog.Debug("feed subscriber removed", "total", len(h.subs))
			}

		case ev := <-h.publishCh:
			for sub := range h.subs {
				if sub.match != nil && !sub.match(ev) {
					continue
				}
				select {
				case sub.ch <- ev:
				default:
					delete(h.subs, sub)
					close(sub.ch)
					slog.Warn("feed subscriber too slow, dropped", "session", ev.SessionID)
				}
			}
		}
	}
}

// Publish queues ev for delivery. It never blocks; if the hub is
// saturated the event is dropped from the live feed (it is already
// committed to the ledger).
func (h *Hub) Publish(ev audit.Event) {
	select {
	case h.publishCh <- ev:
	default:
		slog.Warn("feed saturated, event not broadcast", "session", ev.SessionID, "hash", ev.Hash)
	}
}

// Subscribe registers a subscriber. match may be nil to receive every
// event. It returns nil if the hub has stopped.
func (h *Hub) Subscribe(match func(audit.Event) bool) *Subscription {
	sub := &Subscription{hub: h, match: match, ch: make(chan audit.Event, h.buffer)}
	select {
	case h.registerCh <- sub:
		return sub
	case <-h.done:
		return nil
	}
}

// Events returns the delivery channel.
func (s *Subscription) Events() <-chan audit.Event {
	return s.ch
}

// Close unsubscribes. It is safe to call more than once and after the hub
// has dropped the subscriber.
func (s *Subscription) Close() {
	s.once.Do(func() {
		select {
		case s.hub.unregisterCh <- s:
		case <-s.hub.done:
		}
	})
}

// SessionMatch accepts events of one session, or all events when
// sessionID is empty.
func SessionMatch(sessionID string) func(audit.Event) bool {
	if sessionID == "" {
		return nil
	}
	return func(ev audit.Event) bool { return ev.SessionID == sessionID }
}
