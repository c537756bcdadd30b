// Package httpapi is the HTTP gateway: task submission, SSE and WebSocket
// event streams, and operational endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/config"
	"github.com/fathomlab/fathom/internal/db"
	"github.com/fathomlab/fathom/internal/health"
	"github.com/fathomlab/fathom/internal/metrics"
	"github.com/fathomlab/fathom/internal/models"
	"github.com/fathomlab/fathom/internal/processors"
	"github.com/fathomlab/fathom/internal/router"
	"github.com/fathomlab/fathom/internal/streaming"
	"github.com/fathomlab/fathom/internal/workflows"
)

const taskQueue = "fathom-research"

// Server wires the gateway handlers.
type Server struct {
	cfg       *config.Config
	router    *router.Router
	processor *processors.Processor
	temporal  client.Client
	recorder  *db.Recorder
	health    *health.Manager
	logger    *zap.Logger
}

func NewServer(cfg *config.Config, rt *router.Router, proc *processors.Processor, temporalClient client.Client, recorder *db.Recorder, healthMgr *health.Manager, logger *zap.Logger) *Server {
	return &Server{
		cfg:       cfg,
		router:    rt,
		processor: proc,
		temporal:  temporalClient,
		recorder:  recorder,
		health:    healthMgr,
		logger:    logger,
	}
}

// Routes returns the gateway mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/tasks", s.handleSubmitTask)
	mux.HandleFunc("GET /api/v1/stream/sse", s.handleSSE)
	mux.HandleFunc("GET /api/v1/stream/ws", s.handleWebSocket)
	mux.HandleFunc("GET /api/v1/runs", s.handleRecentRuns)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

type submitTaskRequest struct {
	Query       string                 `json:"query"`
	Mode        string                 `json:"mode,omitempty"`
	Temperature float64                `json:"temperature,omitempty"`
	MaxTokens   int                    `json:"max_tokens,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

type submitTaskResponse struct {
	TraceID        string                `json:"trace_id"`
	Mode           models.Mode           `json:"mode"`
	CognitiveLevel models.CognitiveLevel `json:"cognitive_level"`
	// Synchronous modes answer inline; agent mode streams.
	Result     string `json:"result,omitempty"`
	TokensUsed int    `json:"tokens_used,omitempty"`
	TimeMs     int64  `json:"time_ms,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	StreamURL  string `json:"stream_url,omitempty"`
}

// handleSubmitTask routes a query: system1/system2 modes run synchronously
// in-process, agent-level queries start the research workflow and return a
// stream handle immediately.
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		httpError(w, http.StatusBadRequest, "query is required")
		return
	}
	mode := models.Mode(req.Mode)
	if req.Mode == "" {
		mode = models.ModeAuto
	}
	if !mode.Valid() {
		httpError(w, http.StatusBadRequest, "unknown mode")
		return
	}

	traceID := uuid.NewString()
	request := &models.Request{
		Query:       req.Query,
		Mode:        mode,
		TraceID:     traceID,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Metadata:    req.Metadata,
	}
	decision := s.router.Route(request)
	request.Mode = decision.Mode

	start := time.Now()
	if decision.CognitiveLevel == models.CognitiveAgent {
		s.startResearch(w, r.Context(), request, decision)
		return
	}

	pc := models.NewProcessingContext(request)
	if err := s.processor.Process(r.Context(), pc); err != nil {
		metrics.ObserveRequest(string(decision.Mode), "error", time.Since(start))
		s.logger.Error("request processing failed",
			zap.String("trace_id", traceID),
			zap.String("mode", string(decision.Mode)),
			zap.Error(err),
		)
		httpError(w, http.StatusBadGateway, "processing failed")
		return
	}
	metrics.ObserveRequest(string(decision.Mode), "ok", time.Since(start))

	writeJSON(w, http.StatusOK, submitTaskResponse{
		TraceID:        traceID,
		Mode:           decision.Mode,
		CognitiveLevel: decision.CognitiveLevel,
		Result:         pc.Response.Result,
		TokensUsed:     pc.Response.TokensUsed,
		TimeMs:         pc.Response.TimeMs,
	})
}

func (s *Server) startResearch(w http.ResponseWriter, ctx context.Context, req *models.Request, decision router.RoutingDecision) {
	if s.temporal == nil {
		httpError(w, http.StatusServiceUnavailable, "research backend unavailable")
		return
	}
	workflowID := "research-" + req.TraceID
	search := s.cfg.Search
	_, err := s.temporal.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        workflowID,
		TaskQueue: taskQueue,
	}, workflows.ResearchWorkflow, workflows.ResearchInput{
		Query:                    req.Query,
		TraceID:                  req.TraceID,
		MaxIterations:            s.cfg.MaxIterations,
		QueriesFirstIteration:    search.QueriesFirstIteration,
		QueriesFollowupIteration: search.QueriesFollowupIteration,
		MaxTotalQueries:          search.MaxTotalQueries,
	})
	if err != nil {
		s.logger.Error("workflow start failed",
			zap.String("trace_id", req.TraceID),
			zap.Error(err),
		)
		httpError(w, http.StatusBadGateway, "failed to start research")
		return
	}
	writeJSON(w, http.StatusAccepted, submitTaskResponse{
		TraceID:        req.TraceID,
		Mode:           models.ModeDeepResearch,
		CognitiveLevel: decision.CognitiveLevel,
		WorkflowID:     workflowID,
		StreamURL:      "/api/v1/stream/sse?trace_id=" + req.TraceID,
	})
}

func (s *Server) handleRecentRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.recorder.RecentRuns(r.Context(), 20)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "run history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	report := s.health.Run(r.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// eventFromQuery resolves which trace a stream request wants and the optional
// event type filter.
func eventFromQuery(r *http.Request) (traceID string, types map[string]bool) {
	traceID = r.URL.Query().Get("trace_id")
	if raw := r.URL.Query().Get("types"); raw != "" {
		types = make(map[string]bool)
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types[t] = true
			}
		}
	}
	return traceID, types
}

// wantEvent applies the type filter; error and final_report always pass so a
// filtered stream still terminates.
func wantEvent(types map[string]bool, evt streaming.Event) bool {
	if len(types) == 0 {
		return true
	}
	if evt.Type == models.EventError || evt.Type == models.EventFinalReport {
		return true
	}
	return types[evt.Type]
}
