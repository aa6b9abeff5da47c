package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/jordanhubbard/cdnrewriter/internal/events"
)

// ingestible are the lifecycle events a host may publish.
var ingestible = map[events.EventType]bool{
	events.EventSettingChanged:       true,
	events.EventExtensionUpdated:     true,
	events.EventExtensionDeactivated: true,
	events.EventThemeSwitched:        true,
	events.EventMaintenanceTick:      true,
}

// EventsIngestHandler dispatches a host lifecycle event to its handlers.
func EventsIngestHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var e events.Event
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&e); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if !ingestible[e.Type] {
			jsonError(w, fmt.Sprintf("unsupported event type %q", e.Type), http.StatusBadRequest)
			return
		}
		if d.EventBus == nil {
			jsonError(w, "event bus not configured", http.StatusServiceUnavailable)
			return
		}
		e.Timestamp = e.Timestamp.UTC()
		if err := d.EventBus.Dispatch(r.Context(), e); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "type": e.Type})
	}
}

// SSEHandler streams bus events to the client using Server-Sent Events.
func SSEHandler(bus *events.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			jsonError(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		sub := bus.Subscribe(64)
		defer bus.Unsubscribe(sub)

		_, _ = fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case e := <-sub.C:
				_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, e.JSON())
				flusher.Flush()
			}
		}
	}
}
