// SPDX-License-Identifier: GPL-3.0-or-later

package comsrv

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsWriteTimeout bounds one frame write to a client.
const wsWriteTimeout = 10 * time.Second

// WSHandler serves the primary WebSocket carrier: each connection reads
// JSON [Request] frames, dispatches each on its own goroutine, and
// writes back [Response] frames. Every connection is also subscribed to
// the notification bus for its whole lifetime and receives Notify
// frames interleaved with responses.
//
// Construct with [NewWSHandler].
type WSHandler struct {
	// dispatcher routes the decoded requests.
	dispatcher *Dispatcher

	// logger is the SLogger to use.
	logger SLogger

	// upgrader performs the HTTP upgrade handshake.
	upgrader websocket.Upgrader
}

// NewWSHandler creates a [*WSHandler] on top of dispatcher.
//
// The cfg argument contains the common configuration for comsrv components.
func NewWSHandler(cfg *Config, dispatcher *Dispatcher) *WSHandler {
	return &WSHandler{
		dispatcher: dispatcher,
		logger:     cfg.Logger,
		upgrader: websocket.Upgrader{
			// The relay performs no authentication (trusted network);
			// cross-origin browser clients are expected.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

var _ http.Handler = &WSHandler{}

// ServeHTTP implements [http.Handler].
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("wsUpgradeFailed", "remoteAddr", r.RemoteAddr, "err", err)
		return
	}
	h.logger.Info("wsConnected", "remoteAddr", r.RemoteAddr)
	h.serveConn(conn)
	h.logger.Info("wsDisconnected", "remoteAddr", r.RemoteAddr)
}

// wsConn serializes writes to one WebSocket connection: responses and
// notifications come from many goroutines, but gorilla permits only one
// concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeResponse(resp Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(resp)
}

// serveConn runs one connection until the peer goes away or the relay
// shuts down.
func (h *WSHandler) serveConn(raw *websocket.Conn) {
	conn := &wsConn{conn: raw}

	// The connection context cancels in-flight dispatches when the
	// peer disconnects, which propagates cancellation into the actors.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer raw.Close()

	// Relay shutdown expires the read deadline so the read loop unblocks;
	// in-flight responses are still written before the socket closes.
	go func() {
		select {
		case <-h.dispatcher.Done():
			raw.SetReadDeadline(time.Now())
		case <-ctx.Done():
		}
	}()

	// Subscription lifetime equals connection lifetime.
	notes, unsubscribe := h.dispatcher.Bus().Subscribe()
	defer unsubscribe()
	go func() {
		for note := range notes {
			note := note
			if err := conn.writeResponse(Response{Notify: &note}); err != nil {
				cancel()
				return
			}
		}
	}()

	var pending sync.WaitGroup
	defer pending.Wait()
	for {
		_, frame, err := raw.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err := req.UnmarshalJSON(frame); err != nil {
			conn.writeResponse(ErrorResponse(Argumentf("decode", "%v", err)))
			continue
		}
		// Each request dispatches on its own goroutine so a slow
		// instrument never blocks the connection's other traffic.
		pending.Add(1)
		go func() {
			defer pending.Done()
			resp := h.dispatcher.Handle(ctx, req)
			if err := conn.writeResponse(resp); err != nil {
				cancel()
			}
		}()
	}
}
