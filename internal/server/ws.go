package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// wsWriteTimeout bounds one event write to a subscriber. A client that cannot
// keep up within it is disconnected; the broker mailbox already absorbs
// short stalls.
const wsWriteTimeout = 5 * time.Second

// handleWS upgrades the connection and forwards a broker subscription to it
// until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Dashboard and overlays are served from other local origins.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	tok, events := s.cfg.Broker.Subscribe()
	defer s.cfg.Broker.Unsubscribe(tok)

	ctx := r.Context()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.WebSocketClients.Add(ctx, 1)
		defer s.cfg.Metrics.WebSocketClients.Add(context.Background(), -1)
	}
	slog.Info("websocket subscriber connected", "token", tok)

	// Reads are drained so pings and the client close handshake are handled;
	// the stream is one-way server to client.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-readDone:
			return
		case ev := <-events:
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()
			if err != nil {
				slog.Debug("websocket write failed, dropping subscriber", "token", tok, "err", err)
				return
			}
		}
	}
}
