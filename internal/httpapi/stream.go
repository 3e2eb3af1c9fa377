package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const heartbeatInterval = 15 * time.Second

// handleChanges streams collection changes as Server-Sent Events so
// dashboards know when to re-read.
func (a *API) handleChanges(w http.ResponseWriter, r *http.Request) {
	if a.changes == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	if _, ok := a.requireApproved(w, r); !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.changes.Subscribe(ctx)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case change, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(change)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", change.Name, payload)
			flusher.Flush()
		}
	}
}
