package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	eventBuffer  = 256
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
)

// upgrader mirrors the CORS policy: browser dashboards must come from
// localhost, non-browser clients send no Origin header at all.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1")
	},
}

// handleEvents streams observability events to the client as JSON
// frames. Delivery is best-effort: a subscriber that falls behind its
// buffer loses events rather than backpressuring the emitters.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.sources.Emitter == nil {
		http.Error(w, "event stream not wired", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	events, cancel := s.sources.Emitter.Subscribe(eventBuffer)
	defer cancel()

	// Read pump: its only job is noticing the peer went away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
