package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ctrlai/chainlog/internal/audit"
)

func startHub(t *testing.T, buffer int) (*Hub, context.CancelFunc) {
	t.Helper()
	h := New(buffer)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h, cancel
}

func receive(t *testing.T, sub *Subscription) (audit.Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		return ev, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return audit.Event{}, false
	}
}

func TestHub_DeliversMatchingEvents(t *testing.T) {
	h, _ := startHub(t, 8)

	all := h.Subscribe(nil)
	onlyS2 := h.Subscribe(SessionMatch("s2"))

	h.Publish(audit.Event{SessionID: "s1", Hash: "h1"})
	h.Publish(audit.Event{SessionID: "s2", Hash: "h2"})

	if ev, _ := receive(t, all); ev.Hash != "h1" {
		t.Errorf("expected h1, got %s", ev.Hash)
	}
	if ev, _ := receive(t, all); ev.Hash != "h2" {
		t.Errorf("expected h2, got %s", ev.Hash)
	}
	if ev, _ := receive(t, onlyS2); ev.Hash != "h2" {
		t.Errorf("session filter: expected h2, got %s", ev.Hash)
	}
}

func TestHub_SlowSubscriberDropped(t *testing.T) {
	h, _ := startHub(t, 1)

	slow := h.Subscribe(nil)
	fast := h.Subscribe(nil)

	h.Publish(audit.Event{Hash: "h1"})
	if ev, _ := receive(t, fast); ev.Hash != "h1" {
		t.Fatalf("expected h1, got %s", ev.Hash)
	}
	h.Publish(audit.Event{Hash: "h2"})
	if ev, _ := receive(t, fast); ev.Hash != "h2" {
		t.Fatalf("expected h2, got %s", ev.Hash)
	}

	// slow never read: its buffer of 1 held h1, so h2 dropped it.
	if ev, ok := receive(t, slow); !ok || ev.Hash != "h1" {
		t.Fatalf("expected buffered h1, got %v %v", ev, ok)
	}
	if _, ok := receive(t, slow); ok {
		t.Error("slow subscriber should have been closed")
	}
}

func TestHub_CloseUnsubscribes(t *testing.T) {
	h, _ := startHub(t, 4)
	sub := h.Subscribe(nil)
	sub.Close()
	sub.Close()

	if _, ok := receive(t, sub); ok {
		t.Error("closed subscription should not deliver")
	}
}

func TestHub_StopClosesSubscribers(t *testing.T) {
	h, cancel := startHub(t, 4)
	sub := h.Subscribe(nil)
	cancel()

	if _, ok := receive(t, sub); ok {
		t.Error("expected channel closed after hub stop")
	}
	<-h.done
	if h.Subscribe(nil) != nil {
		t.Error("Subscribe after stop should return nil")
	}
	sub.Close() // must not block
}

func TestStream_WebSocket(t *testing.T) {
	h, _ := startHub(t, 8)
	stream := NewStream(h, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stream.Serve(w, r, SessionMatch(r.URL.Query().Get("session_id")))
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?session_id=s1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The subscription is registered asynchronously after the upgrade.
	// Publish until the client sees the event.
	ev := audit.Event{
		EventID:   "evt_1",
		Timestamp: time.Date(2026, 2, 12, 10, 0, 0, 0, time.UTC),
		SessionID: "s1",
		Type:      audit.TypeSessionCreated,
		PrevHash:  audit.GenesisHash,
		Hash:      "sha256:aa",
	}
	got := make(chan []byte, 1)
	go func() {
		_, msg, err := conn.ReadMessage()
		if err == nil {
			got <- msg
		}
	}()

	deadline := time.After(3 * time.Second)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case msg := <-got:
			var decoded map[string]any
			if err := json.Unmarshal(msg, &decoded); err != nil {
				t.Fatalf("frame is not JSON: %s", msg)
			}
			if decoded["hash"] != "sha256:aa" || decoded["ts"] != "2026-02-12T10:00:00.000000Z" {
				t.Errorf("unexpected frame %s", msg)
			}
			return
		case <-ticker.C:
			h.Publish(audit.Event{SessionID: "other", Hash: "ignored"})
			h.Publish(ev)
		case <-deadline:
			t.Fatal("no frame received")
		}
	}
}

func TestStream_RejectsForeignOrigin(t *testing.T) {
	h, _ := startHub(t, 8)
	stream := NewStream(h, []string{"https://ok.example"})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stream.Serve(w, r, nil)
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	hdr := http.Header{"Origin": []string{"https://evil.example"}}
	if _, resp, err := websocket.DefaultDialer.Dial(url, hdr); err == nil {
		t.Error("expected foreign origin to be rejected")
	} else if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %d", resp.StatusCode)
	}

	hdr = http.Header{"Origin": []string{"https://ok.example"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, hdr)
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	conn.Close()
}
