package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"enhanced/internal/queue"
)

// jobEvents streams a job's lifecycle as server-sent events. The first frame
// is a snapshot; the stream ends after the end event or on disconnect.
func jobEvents(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeJSONError(w, http.StatusInternalServerError, "streaming not supported")
			return
		}
		id := chi.URLParam(r, "id")
		info, err := svc.Job(id)
		if err != nil {
			writeError(w, err)
			return
		}
		ch, err := svc.Subscribe(id)
		if err != nil {
			writeError(w, err)
			return
		}
		defer svc.Unsubscribe(id, ch)
		sseClients.Inc()
		defer sseClients.Dec()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		writeSSE(w, flusher, "snapshot", info)

		ctx, cancel := requestContext(r)
		defer cancel()
		tick := time.NewTicker(sseHeartbeat)
		defer tick.Stop()
		for {
			select {
			case ev, open := <-ch:
				if !open {
					return
				}
				writeSSE(w, flusher, string(ev.Type), ev)
				if ev.Type == queue.EventEnd {
					return
				}
			case <-tick.C:
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			case <-ctx.Done():
				return
			}
		}
	}
}

// writeSSE serialises data as JSON and writes a single SSE event frame.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}
