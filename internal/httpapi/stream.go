package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/keyleu/secure-messaging/internal/engine/events"
)

const (
	streamBuffer = 64
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleStream upgrades to a websocket and pushes committed records that
// match the optional contract and type filters. Records are dropped for a
// client that cannot keep up.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	contract := r.URL.Query().Get("contract")
	typ := r.URL.Query().Get("type")

	if !s.streams.TryAcquire() {
		writeProblem(w, http.StatusServiceUnavailable, "overloaded", "too many open event streams")
		return
	}
	defer s.streams.Release()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithContext(r.Context()).WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	out := make(chan events.Record, streamBuffer)
	filter := func(rec events.Record) bool {
		if contract != "" && rec.Contract() != contract {
			return false
		}
		return typ == "" || rec.Type == typ
	}
	unsubscribe := s.events.SubscribeFiltered(filter, func(rec events.Record) {
		select {
		case out <- rec:
		default:
		}
	})
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case rec := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(rec); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
