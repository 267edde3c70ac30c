package changestream

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClientStartsClosedAndReachesOpen(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage()
	}))
	defer srv.Close()

	c := New(DefaultConfig(wsURL(srv)))
	if c.State() != Closed {
		t.Fatalf("expected initial state Closed, got %v", c.State())
	}

	c.Start()
	defer c.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == Open {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected state to reach Open, got %v", c.State())
}

func TestDispatchesVisibilityChangeToHandler(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(
			`{"topic":"visibility-change","data":{"wiki":"enwiki","rev_id":42,"visibility_bits":3}}`,
		))
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	c := New(DefaultConfig(wsURL(srv)))

	var mu sync.Mutex
	var got VisibilityChangedEvent
	received := make(chan struct{})
	c.OnVisibilityChange(func(ev VisibilityChangedEvent) {
		mu.Lock()
		got = ev
		mu.Unlock()
		close(received)
	})

	c.Start()
	defer c.Stop()

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for visibility-change dispatch")
	}

	mu.Lock()
	defer mu.Unlock()
	if got.RevID != 42 || got.Wiki != "enwiki" || got.VisibilityBits != 3 {
		t.Fatalf("unexpected event: %+v", got)
	}
}

func TestStopTransitionsToClosed(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage()
	}))
	defer srv.Close()

	c := New(DefaultConfig(wsURL(srv)))
	c.Start()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && c.State() != Open {
		time.Sleep(10 * time.Millisecond)
	}

	c.Stop()
	if c.State() != Closed {
		t.Fatalf("expected Closed after Stop, got %v", c.State())
	}
}
