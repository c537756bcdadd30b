package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/metrics"
	"github.com/fathomlab/fathom/internal/models"
	"github.com/fathomlab/fathom/internal/streaming"
)

const (
	sseHeartbeatInterval = 15 * time.Second
	sseSubscriberBuffer  = 64
)

// handleSSE streams research events for one trace as Server-Sent Events.
// Last-Event-ID (header or query param) replays missed events from the
// in-memory ring buffer before live delivery starts. The stream closes
// itself after the terminal event.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	traceID, types := eventFromQuery(r)
	if traceID == "" {
		httpError(w, http.StatusBadRequest, "trace_id is required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	mgr := streaming.Get()
	ch := mgr.Subscribe(traceID, sseSubscriberBuffer)
	defer mgr.Unsubscribe(traceID, ch)
	metrics.StreamSubscribers.Inc()
	defer metrics.StreamSubscribers.Dec()

	// Replay after subscribing so no event falls between replay and live.
	if since, ok := lastEventID(r); ok {
		for _, evt := range mgr.ReplaySince(traceID, since) {
			if wantEvent(types, evt) {
				writeSSE(w, evt)
			}
		}
		flusher.Flush()
	}

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	s.logger.Debug("sse stream opened", zap.String("trace_id", traceID))
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case evt, open := <-ch:
			if !open {
				return
			}
			if !wantEvent(types, evt) {
				continue
			}
			writeSSE(w, evt)
			flusher.Flush()
			if evt.Type == models.EventError || evt.Type == models.EventFinalReport {
				return
			}
		}
	}
}

// lastEventID reads the replay cursor from the standard header or the
// last_event_id query parameter.
func lastEventID(r *http.Request) (uint64, bool) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("last_event_id")
	}
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func writeSSE(w http.ResponseWriter, evt streaming.Event) {
	fmt.Fprintf(w, "id: %d\n", evt.Seq)
	fmt.Fprintf(w, "event: %s\n", evt.Type)
	fmt.Fprintf(w, "data: %s\n\n", evt.Marshal())
}
