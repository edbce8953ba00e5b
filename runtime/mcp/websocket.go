package mcp

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = wsPongWait * 9 / 10
)

// WebSocketHandler returns the handler of the WebSocket transport. Each text
// message carries one JSON-RPC message; responses are sent as text messages.
// The connection keeps one session for its lifetime, created by initialize or
// by the first tool call.
func (s *Server) WebSocketHandler(opts HTTPOptions) http.Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxMessageBytes
	}
	upgrader := &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || opts.originAllowed(origin)
		},
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already replied with an HTTP error.
			s.tel.Logger.Warn(r.Context(), "websocket upgrade failed", "err", err)
			return
		}
		s.serveWebSocket(extractTraceHeaders(r.Context(), r.Header), ws, opts.MaxBodyBytes)
	})
}

func (s *Server) serveWebSocket(ctx context.Context, ws *websocket.Conn, maxBytes int64) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		// In-flight requests are aborted when the client goes away.
		cancel()
		wg.Wait()
		_ = ws.Close()
	}()

	conn := NewConn(TransportWebSocket, "")
	var writeMu sync.Mutex
	send := func(mt int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return ws.WriteMessage(mt, data)
	}

	ws.SetReadLimit(maxBytes)
	_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	go func() {
		t := time.NewTicker(wsPingPeriod)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := send(websocket.PingMessage, nil); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		mt, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.tel.Logger.Warn(ctx, "websocket read failed", "session_id", conn.SessionID(), "err", err)
			}
			if errors.Is(err, websocket.ErrReadLimit) {
				// The connection already sent a 1009 close frame.
				s.recordProtocolError(ctx, conn, "", s.newError(conn, JSONRPCInvalidRequest, ErrNameInvalidRequest, errMessageTooLarge.Error(), s.now()))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
		if mt != websocket.TextMessage {
			_ = send(websocket.TextMessage, s.reject(ctx, conn, JSONRPCInvalidRequest, "binary messages are not supported"))
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := s.Handle(ctx, conn, msg)
			if resp == nil {
				return
			}
			if err := send(websocket.TextMessage, resp); err != nil {
				s.tel.Logger.Warn(ctx, "websocket write failed", "err", err)
				cancel()
			}
		}()
	}
}
