package relay

import (
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/koltyakov/tunnelrelay/internal/config"
	"github.com/koltyakov/tunnelrelay/internal/domain"
)

func dialWatch(t *testing.T, base string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(base, "http") + routeWatch
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readWatch(t *testing.T, conn *websocket.Conn) domain.TunnelResponse {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg domain.TunnelResponse
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestWatchSendsCurrentThenUpdates(t *testing.T) {
	t.Parallel()

	s, ts := newTestServer(t, config.RelayConfig{}, nil)

	conn := dialWatch(t, ts.URL)
	if first := readWatch(t, conn); first.URL != nil {
		t.Fatalf("expected empty initial record, got %q", *first.URL)
	}
	if got := testutil.ToFloat64(s.Metrics().watchers); got != 1 {
		t.Fatalf("expected 1 watcher, got %v", got)
	}

	const u = "https://fresh.trycloudflare.com"
	postURL(t, ts.URL, `{"url":"`+u+`"}`)

	msg := readWatch(t, conn)
	if msg.URL == nil || *msg.URL != u || msg.UpdatedAt == nil {
		t.Fatalf("unexpected broadcast %+v", msg)
	}
}

func TestWatchInitialRecord(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, config.RelayConfig{}, nil)
	postURL(t, ts.URL, `{"url":"https://existing.example.com"}`)

	conn := dialWatch(t, ts.URL)
	msg := readWatch(t, conn)
	if msg.URL == nil || *msg.URL != "https://existing.example.com" {
		t.Fatalf("unexpected initial record %+v", msg)
	}
}

func TestWatcherRemovedOnDisconnect(t *testing.T) {
	t.Parallel()

	s, ts := newTestServer(t, config.RelayConfig{}, nil)

	conn := dialWatch(t, ts.URL)
	readWatch(t, conn)
	_ = conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for s.hub.count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("watcher was not removed after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWatcherDropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	w := &watcher{send: make(chan domain.TunnelResponse, 1), done: make(chan struct{})}
	if !w.enqueue(domain.TunnelResponse{}) {
		t.Fatal("expected first message to be queued")
	}
	if w.enqueue(domain.TunnelResponse{}) {
		t.Fatal("expected second message to be dropped")
	}
}
