package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/copilotgov/backend/internal/audit"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Demo deployment; the CORS middleware already allows any origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleAuditStream upgrades the connection and forwards live audit events
// as JSON frames until the client disconnects.
func (s *Server) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[API] websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ch := s.trail.Subscribe()
	defer s.trail.Unsubscribe(ch)

	// Reader goroutine: we never expect client frames, but reading is how
	// websocket close/ping handling happens.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// trailSource is the subset of audit.Trail the front door needs.
type trailSource interface {
	audit.Recorder
	Subscribe() chan audit.Event
	Unsubscribe(chan audit.Event)
	Recent() []audit.Event
}
