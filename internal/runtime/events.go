package runtime

import (
	"fmt"
	"net/http"
)

const eventBuffer = 256

// handleEvents relays editor and synthesis bus traffic to a browser as
// server-sent events, one event per bus message, named after its subject.
func (r *Runtime) handleEvents(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	events, err := r.bus.Stream(req.Context(), ">", eventBuffer)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Subject, ev.Data); err != nil {
			return
		}
		flusher.Flush()
	}
}
