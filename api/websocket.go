package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// writeWait bounds how long a single socket write may block.
const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Auth is out of scope for this surface; accept any origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleExecutionSocket streams one execution's events over a
// WebSocket. The subscriber delivers a connected acknowledgment first,
// then every event published for the execution, with periodic
// keepalives carrying the count of any dropped events. The client may
// send the text "ping" at any time and receives "pong"; other client
// messages are ignored.
func (s *Server) handleExecutionSocket(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "id")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	subscriber := s.broadcaster.Subscribe(executionID)
	defer s.broadcaster.Unsubscribe(subscriber)
	s.logger.Debug("websocket connected", "execution_id", executionID)

	// The reader only watches for pings and for the peer going away;
	// all writes happen on this goroutine so they never interleave.
	pings := make(chan struct{}, 1)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			kind, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.TextMessage && string(payload) == "ping" {
				select {
				case pings <- struct{}{}:
				default:
				}
			}
		}
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-readDone:
			s.logger.Debug("websocket disconnected", "execution_id", executionID)
			return
		case <-pings:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte("pong")); err != nil {
				return
			}
		case event, ok := <-subscriber.C():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				s.logger.Debug("websocket write failed",
					"execution_id", executionID, "error", err)
				return
			}
		}
	}
}
