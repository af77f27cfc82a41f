package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5"

	"crtvstudio/internal/notify"
)

const streamHeartbeat = 15 * time.Second

// registerStream mounts the live event stream as a raw SSE endpoint. It
// sits outside huma since the response never terminates.
func registerStream(router chi.Router, basePath string, bus *notify.Bus) {
	route := path.Join(basePath, "/events/{topic}")
	router.Get(route, func(w http.ResponseWriter, r *http.Request) {
		if bus == nil {
			respondStatusError(w, newAPIError(http.StatusServiceUnavailable, "stream_disabled", "event stream not enabled", nil))
			return
		}
		if _, ok := principalFromContext(r.Context()); !ok {
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "streaming unsupported", nil))
			return
		}
		topic := chi.URLParam(r, "topic")

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		msgs, cancel := bus.Subscribe(topic)
		defer cancel()

		writeSSE(w, map[string]any{"ready": true, "topic": topic})
		flusher.Flush()

		heartbeat := time.NewTicker(streamHeartbeat)
		defer heartbeat.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			case msg, open := <-msgs:
				if !open {
					return
				}
				writeSSE(w, map[string]any{"kind": msg.Kind, "data": msg.Data})
				flusher.Flush()
			}
		}
	})
}

func writeSSE(w http.ResponseWriter, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}
