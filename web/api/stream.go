package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Admin surface binds to localhost; origin checks stay permissive.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamEvents upgrades to a websocket and tails a run's events. Existing
// events are sent first, then new ones as they are appended, polled from
// the store. The connection closes when the client goes away or the run
// stops producing (client-side concern; the server just keeps tailing).
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, runID string) {
	if _, err := s.store.GetRun(runID); err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[api] websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	// Reader goroutine notices client disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	lastID := 0
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		events, err := s.store.ListEvents(runID)
		if err != nil {
			log.Printf("[api] listing events for %s: %v", runID, err)
			return
		}
		for _, e := range events {
			if e.ID <= lastID {
				continue
			}
			if err := conn.WriteJSON(eventToResponse(e)); err != nil {
				return
			}
			lastID = e.ID
		}

		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
