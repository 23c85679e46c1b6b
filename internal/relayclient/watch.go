package relayclient

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/tunnelrelay/internal/domain"
)

// WatchURL returns the websocket URL of the relay's watch stream.
func (c *Client) WatchURL() string {
	switch {
	case strings.HasPrefix(c.base, "https://"):
		return "wss://" + strings.TrimPrefix(c.base, "https://") + watchPath
	default:
		return "ws://" + strings.TrimPrefix(c.base, "http://") + watchPath
	}
}

// Watch streams endpoint records from the relay to fn until ctx ends or the
// connection drops. The first call reports the record current at connect
// time; ok is false while no endpoint is known. A canceled ctx returns nil.
func (c *Client) Watch(ctx context.Context, fn func(rec domain.EndpointRecord, ok bool)) error {
	header := http.Header{}
	header.Set("User-Agent", c.userAgent)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.WatchURL(), header)
	if err != nil {
		return networkError("watch", c.WatchURL(), err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	for {
		var msg domain.TunnelResponse
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return networkError("watch", c.WatchURL(), err)
		}
		rec, ok := msg.Record()
		fn(rec, ok)
	}
}
