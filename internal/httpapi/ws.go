package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/metrics"
	"github.com/fathomlab/fathom/internal/models"
	"github.com/fathomlab/fathom/internal/streaming"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The gateway fronts browser dashboards on other origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 20 * time.Second
)

// handleWebSocket streams research events over a WebSocket, one JSON event
// per text message. Same replay and filter semantics as the SSE stream.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	traceID, types := eventFromQuery(r)
	if traceID == "" {
		httpError(w, http.StatusBadRequest, "trace_id is required")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	mgr := streaming.Get()
	ch := mgr.Subscribe(traceID, sseSubscriberBuffer)
	defer mgr.Unsubscribe(traceID, ch)
	metrics.StreamSubscribers.Inc()
	defer metrics.StreamSubscribers.Dec()

	send := func(evt streaming.Event) bool {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteMessage(websocket.TextMessage, evt.Marshal()) == nil
	}

	if since, ok := lastEventID(r); ok {
		for _, evt := range mgr.ReplaySince(traceID, since) {
			if wantEvent(types, evt) && !send(evt) {
				return
			}
		}
	}

	// Reader loop to surface client disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case evt, open := <-ch:
			if !open {
				return
			}
			if !wantEvent(types, evt) {
				continue
			}
			if !send(evt) {
				return
			}
			if evt.Type == models.EventError || evt.Type == models.EventFinalReport {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream complete"))
				return
			}
		}
	}
}
