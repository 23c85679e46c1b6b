package relay

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/tunnelrelay/internal/domain"
)

const (
	watchSendBuffer   = 8
	watchWriteTimeout = 10 * time.Second
	watchReadLimit    = 512
	defaultWatchPing  = 30 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// hub fans endpoint updates out to connected watchers. Delivery is best
// effort: a watcher whose buffer is full misses the message.
type hub struct {
	mu       sync.Mutex
	watchers map[*watcher]struct{}
	wg       sync.WaitGroup
}

type watcher struct {
	conn      *websocket.Conn
	send      chan domain.TunnelResponse
	done      chan struct{}
	closeOnce sync.Once
}

func newHub() *hub {
	return &hub{watchers: map[*watcher]struct{}{}}
}

func (h *hub) add(w *watcher) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.watchers[w] = struct{}{}
	return len(h.watchers)
}

func (h *hub) remove(w *watcher) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.watchers, w)
	return len(h.watchers)
}

func (h *hub) broadcast(msg domain.TunnelResponse) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for w := range h.watchers {
		w.enqueue(msg)
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers)
}

func (h *hub) closeAll() {
	h.mu.Lock()
	watchers := make([]*watcher, 0, len(h.watchers))
	for w := range h.watchers {
		watchers = append(watchers, w)
	}
	h.mu.Unlock()

	for _, w := range watchers {
		w.close()
	}
}

func (w *watcher) enqueue(msg domain.TunnelResponse) bool {
	select {
	case w.send <- msg:
		return true
	default:
		return false
	}
}

func (w *watcher) close() {
	w.closeOnce.Do(func() {
		close(w.done)
		_ = w.conn.Close()
	})
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.handleNotFound(w, r)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("watch upgrade failed", "err", err)
		return
	}

	s.hub.wg.Add(1)
	defer s.hub.wg.Done()

	wt := &watcher{
		conn: conn,
		send: make(chan domain.TunnelResponse, watchSendBuffer),
		done: make(chan struct{}),
	}
	s.metrics.watchers.Set(float64(s.hub.add(wt)))
	defer func() {
		s.metrics.watchers.Set(float64(s.hub.remove(wt)))
		wt.close()
	}()

	rec, ok, err := s.store.Get(r.Context())
	if err != nil {
		s.log.Warn("watch initial read failed", "err", err)
	} else {
		wt.enqueue(domain.NewTunnelResponse(rec, ok))
	}

	ping := s.watchPingInterval()
	go s.watchWriteLoop(wt, ping)

	pongWait := 2 * ping
	conn.SetReadLimit(watchReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) watchPingInterval() time.Duration {
	if s.cfg.WatchPing > 0 {
		return s.cfg.WatchPing
	}
	return defaultWatchPing
}

func (s *Server) watchWriteLoop(wt *watcher, ping time.Duration) {
	ticker := time.NewTicker(ping)
	defer ticker.Stop()

	for {
		select {
		case <-wt.done:
			return
		case msg := <-wt.send:
			_ = wt.conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
			if err := wt.conn.WriteJSON(msg); err != nil {
				wt.close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(watchWriteTimeout)
			if err := wt.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				wt.close()
				return
			}
		}
	}
}
