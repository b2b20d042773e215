package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const sseHeartbeatInterval = 15 * time.Second

// handleEvents streams the mission's progress bus as server-sent
// events. The stream ends when the client disconnects or the bus
// closes the subscription after a terminal status.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := missionID(r)
	if _, err := s.store.Snapshot(r.Context(), id); err != nil {
		writeQError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.bus.Subscribe(id)
	defer sub.Close()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case event, open := <-sub.C():
			if !open {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				s.logger.Warn("Failed to encode bus event", "mission_id", id, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
			flusher.Flush()
		}
	}
}
