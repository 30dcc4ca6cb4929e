package bus

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/dkeye/Seance/internal/core"
)

var upgrader = websocket.Upgrader{}

func echoServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestPublishRoundTrip(t *testing.T) {
	url := echoServer(t)
	c := New(Options{URL: url})

	got := make(chan core.TrackerUpdated, 1)
	c.Subscribe(core.EventTrackerUpdated, func(payload []byte) {
		var p core.TrackerUpdated
		if err := json.Unmarshal(payload, &p); err != nil {
			t.Errorf("payload: %v", err)
			return
		}
		got <- p
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)

	if err := c.Publish(core.EventTrackerUpdated, core.TrackerUpdated{TrackerID: "fear", Value: 4}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case p := <-got:
		if p.TrackerID != "fear" || p.Value != 4 {
			t.Fatalf("unexpected payload %+v", p)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for echo")
	}
}

func TestUnknownEventIgnored(t *testing.T) {
	url := echoServer(t)
	c := New(Options{URL: url})

	got := make(chan struct{}, 1)
	c.Subscribe(core.EventTrackerUpdated, func([]byte) { got <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)

	// An event type outside the local set must be dropped, and must not
	// poison the connection for the frame that follows it.
	if err := c.Publish(core.EventType("poll-created"), map[string]any{"id": "p-1"}); err != nil {
		t.Fatalf("publish unknown: %v", err)
	}
	if err := c.Publish(core.EventTrackerUpdated, core.TrackerUpdated{TrackerID: "fear", Value: 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for known event after unknown one")
	}
}

func TestPublishRateLimited(t *testing.T) {
	c := New(Options{URL: "ws://unused", PublishLimit: 2, PublishInterval: time.Minute})
	for i := 0; i < 2; i++ {
		if err := c.Publish(core.EventTrackerUpdated, core.TrackerUpdated{TrackerID: "fear", Value: i}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	err := c.Publish(core.EventTrackerUpdated, core.TrackerUpdated{TrackerID: "fear", Value: 9})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestPublishBackpressure(t *testing.T) {
	// No pump running: the send buffer fills and further publishes are
	// rejected instead of blocking the caller.
	c := New(Options{URL: "ws://unused", PublishLimit: 1000})
	var err error
	for i := 0; i < cap(c.send)+1; i++ {
		err = c.Publish(core.EventTrackerUpdated, core.TrackerUpdated{TrackerID: "fear", Value: i})
	}
	if !errors.Is(err, ErrBackpressure) {
		t.Fatalf("expected ErrBackpressure, got %v", err)
	}
}

func TestPublishAfterClose(t *testing.T) {
	c := New(Options{URL: "ws://unused"})
	c.close()
	err := c.Publish(core.EventTrackerUpdated, core.TrackerUpdated{TrackerID: "fear", Value: 1})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestReconnectFiresResyncHook(t *testing.T) {
	var conns atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// First connection dies immediately; later ones stay up.
		if conns.Add(1) == 1 {
			conn.Close()
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	c := New(Options{URL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	resynced := make(chan struct{}, 1)
	c.OnReconnect(func() { resynced <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)

	select {
	case <-resynced:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reconnect hook")
	}
	if conns.Load() < 2 {
		t.Fatalf("expected a reconnect, saw %d connections", conns.Load())
	}
}
