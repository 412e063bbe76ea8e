// ABOUTME: Server-sent event handlers streaming job updates to the browser
// ABOUTME: subscribes to the broadcaster and relays updates with heartbeats

package panel

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BGirginn/rasp-pi-webUI/internal/store"
)

const heartbeatInterval = 15 * time.Second

// handleJobStream streams updates for one job until the client disconnects.
func (a *API) handleJobStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, live, err := a.reconciler.FetchJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		a.internalError(w, "fetching job", err)
		return
	}

	updates, subID := a.broadcaster.Subscribe(r.Context(), JobKey(id))
	defer a.broadcaster.Unsubscribe(JobKey(id), subID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	setStreamHeaders(w)

	// Initial snapshot so the client does not have to wait for the next
	// state change.
	writeEvent(w, EventState, viewOf(job, live))
	flusher.Flush()

	a.relay(w, r, flusher, updates)
}

// handleEvents streams updates across all jobs.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	updates, subID := a.broadcaster.Subscribe(r.Context(), AllJobsKey)
	defer a.broadcaster.Unsubscribe(AllJobsKey, subID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	setStreamHeaders(w)
	flusher.Flush()

	a.relay(w, r, flusher, updates)
}

// relay pumps broadcaster updates onto the wire until the subscription or
// the request ends.
func (a *API) relay(w http.ResponseWriter, r *http.Request, flusher http.Flusher, updates <-chan *JobUpdate) {
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			writeEvent(w, update.Event, update)
			flusher.Flush()
		case <-heartbeat.C:
			// SSE comment line keeps proxies from timing the stream out.
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

func setStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

func writeEvent(w http.ResponseWriter, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
