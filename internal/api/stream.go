package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"cvrpnav/internal/model"
)

const heartbeatInterval = 15 * time.Second

// streamRunEvents serves a run's events as server-sent events until the run
// finishes or the client goes away.
func (s *Server) streamRunEvents(w http.ResponseWriter, r *http.Request, tenant string, run model.Run) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.Broker.Subscribe(run.ID)
	defer s.Broker.Unsubscribe(run.ID, ch)

	// the run may have finished between the lookup and the subscription
	if latest, err := s.Store.GetRun(r.Context(), tenant, run.ID); err == nil {
		run = latest
	}
	if run.Status.Terminal() {
		writeSSE(w, terminalEvent(run))
		flusher.Flush()
		return
	}
	writeHeartbeat(w, run.ID)
	flusher.Flush()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, evt)
			flusher.Flush()
			if isTerminal(evt) {
				return
			}
		case <-ticker.C:
			writeHeartbeat(w, run.ID)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, evt model.RunEvent) {
	b, _ := json.Marshal(evt)
	fmt.Fprintf(w, "event: %s\n", evt.Type)
	fmt.Fprintf(w, "data: %s\n\n", b)
}

func writeHeartbeat(w http.ResponseWriter, runID string) {
	fmt.Fprintf(w, "event: heartbeat\n")
	fmt.Fprintf(w, "data: {\"runId\":%q,\"ts\":%q}\n\n", runID, time.Now().UTC().Format(time.RFC3339))
}

// terminalEvent rebuilds the final event of a run that already finished.
func terminalEvent(run model.Run) model.RunEvent {
	typ := model.EventRunCompleted
	if run.Status == model.RunFailed {
		typ = model.EventRunFailed
	}
	ts := time.Now().UTC()
	if run.FinishedAt != nil {
		ts = *run.FinishedAt
	}
	return model.RunEvent{Type: typ, RunID: run.ID, Run: &run, TS: ts.Format(time.RFC3339)}
}

func isTerminal(evt model.RunEvent) bool {
	return evt.Type == model.EventRunCompleted || evt.Type == model.EventRunFailed
}
