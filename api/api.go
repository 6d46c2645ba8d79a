// Package api exposes the question-answering workflows over HTTP:
// synchronous answers for interactive modes, job handles plus SSE and
// WebSocket event streams for autonomous ones.
package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/expertflow-ai/expertflow/config"
	"github.com/expertflow-ai/expertflow/orchestrator"
	"github.com/expertflow-ai/expertflow/panel"
	"github.com/expertflow-ai/expertflow/registry"
	"github.com/expertflow-ai/expertflow/store"
	"github.com/expertflow-ai/expertflow/streaming"
	"github.com/expertflow-ai/expertflow/types"
)

// Handler serves the public API.
type Handler struct {
	orch     *orchestrator.Orchestrator
	panels   *panel.Orchestrator
	broker   *streaming.Broker
	store    store.Store
	registry *registry.Registry
	metrics  http.Handler
	cfg      *config.Config
	logger   *zap.Logger
}

// NewHandler creates the API handler. The metrics handler may be nil.
func NewHandler(orch *orchestrator.Orchestrator, panels *panel.Orchestrator, broker *streaming.Broker, st store.Store, reg *registry.Registry, metricsHandler http.Handler, cfg *config.Config, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		orch:     orch,
		panels:   panels,
		broker:   broker,
		store:    st,
		registry: reg,
		metrics:  metricsHandler,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "api")),
	}
}

// Routes assembles the full router with the middleware chain applied.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/ask", h.handleAsk)
	mux.HandleFunc("GET /v1/requests/{id}", h.handleGetRequest)
	mux.HandleFunc("GET /v1/requests/{id}/events", h.handleEvents)
	mux.HandleFunc("GET /v1/requests/{id}/ws", h.handleWS)
	mux.HandleFunc("POST /v1/requests/{id}/cancel", h.handleCancel)
	mux.HandleFunc("POST /v1/requests/{id}/checkpoints/{checkpointID}/resolve", h.handleResolveCheckpoint)
	mux.HandleFunc("POST /v1/panels", h.handleRunPanel)
	mux.HandleFunc("GET /v1/panels/{id}", h.handleGetPanel)
	mux.HandleFunc("GET /v1/agents", h.handleListAgents)
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}

	var handler http.Handler = mux
	handler = withRateLimit(h.cfg.RateLimit, h.logger, handler)
	handler = withAuth(h.cfg.Auth, h.logger, handler)
	handler = withLogging(h.logger, handler)
	handler = withRequestID(handler)
	return handler
}

type askRequest struct {
	Query               string     `json:"query"`
	Mode                types.Mode `json:"mode"`
	SessionID           string     `json:"session_id,omitempty"`
	AgentIDs            []string   `json:"agent_ids,omitempty"`
	EnableEvidence      bool       `json:"enable_evidence,omitempty"`
	EnableTools         bool       `json:"enable_tools,omitempty"`
	HITLEnabled         bool       `json:"hitl_enabled,omitempty"`
	MaxIterations       int        `json:"max_iterations,omitempty"`
	ConfidenceThreshold float64    `json:"confidence_threshold,omitempty"`
}

// handleAsk starts a workflow. Interactive modes answer in the
// response body; autonomous modes return a 202 job handle whose
// progress streams over the events endpoint.
func (h *Handler) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err, h.logger)
		return
	}

	state, err := h.orch.Start(r.Context(), orchestrator.Request{
		TenantID:            TenantFrom(r.Context()),
		SessionID:           req.SessionID,
		Query:               req.Query,
		Mode:                req.Mode,
		AgentIDs:            req.AgentIDs,
		EnableEvidence:      req.EnableEvidence,
		EnableTools:         req.EnableTools,
		HITLEnabled:         req.HITLEnabled,
		MaxIterations:       req.MaxIterations,
		ConfidenceThreshold: req.ConfidenceThreshold,
	})
	if err != nil {
		writeError(w, r, err, h.logger)
		return
	}
	if state.Status.Terminal() {
		writeSuccess(w, r, http.StatusOK, state)
		return
	}
	writeSuccess(w, r, http.StatusAccepted, map[string]any{
		"request_id": state.RequestID,
		"status":     state.Status,
	})
}

// loadOwned fetches a workflow and enforces tenant ownership.
func (h *Handler) loadOwned(r *http.Request) (*types.WorkflowState, error) {
	state, err := h.orch.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	if state.TenantID != TenantFrom(r.Context()) {
		return nil, types.NewError(types.ErrTenant, "request belongs to another tenant")
	}
	return state, nil
}

func (h *Handler) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	state, err := h.loadOwned(r)
	if err != nil {
		writeError(w, r, err, h.logger)
		return
	}
	writeSuccess(w, r, http.StatusOK, state)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	state, err := h.loadOwned(r)
	if err != nil {
		writeError(w, r, err, h.logger)
		return
	}
	if err := streaming.ServeSSE(w, r, h.broker, state.RequestID, h.logger); err != nil {
		h.logger.Warn("sse stream ended with error",
			zap.String("request_id", state.RequestID),
			zap.Error(err),
		)
	}
}

func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	state, err := h.loadOwned(r)
	if err != nil {
		writeError(w, r, err, h.logger)
		return
	}
	conn, err := streaming.AcceptWS(w, r, h.logger)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	if err := streaming.ServeWS(r.Context(), conn, h.broker, state.RequestID); err != nil {
		h.logger.Debug("websocket stream ended",
			zap.String("request_id", state.RequestID),
			zap.Error(err),
		)
	}
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	state, err := h.loadOwned(r)
	if err != nil {
		writeError(w, r, err, h.logger)
		return
	}
	if err := h.orch.Cancel(r.Context(), state.RequestID); err != nil {
		writeError(w, r, err, h.logger)
		return
	}
	writeSuccess(w, r, http.StatusAccepted, map[string]string{"request_id": state.RequestID})
}

type resolveRequest struct {
	Decision types.CheckpointDecision `json:"decision"`
	Comment  string                   `json:"comment,omitempty"`
}

func (h *Handler) handleResolveCheckpoint(w http.ResponseWriter, r *http.Request) {
	if _, err := h.loadOwned(r); err != nil {
		writeError(w, r, err, h.logger)
		return
	}
	var req resolveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err, h.logger)
		return
	}
	state, err := h.orch.ResolveCheckpoint(r.Context(), r.PathValue("id"), r.PathValue("checkpointID"), req.Decision, req.Comment)
	if err != nil {
		writeError(w, r, err, h.logger)
		return
	}
	writeSuccess(w, r, http.StatusOK, state)
}

type panelRequest struct {
	Query    string             `json:"query"`
	AgentIDs []string           `json:"agent_ids"`
	Pattern  types.PanelPattern `json:"pattern"`
}

func (h *Handler) handleRunPanel(w http.ResponseWriter, r *http.Request) {
	var req panelRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err, h.logger)
		return
	}
	session, err := h.panels.RunPanel(r.Context(), TenantFrom(r.Context()), req.Query, req.AgentIDs, req.Pattern)
	if err != nil {
		writeError(w, r, err, h.logger)
		return
	}
	writeSuccess(w, r, http.StatusOK, session)
}

func (h *Handler) handleGetPanel(w http.ResponseWriter, r *http.Request) {
	session, err := h.store.GetPanel(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = types.NewError(types.ErrValidation, "unknown panel id").WithCause(err)
		}
		writeError(w, r, err, h.logger)
		return
	}
	if session.TenantID != TenantFrom(r.Context()) {
		writeError(w, r, types.NewError(types.ErrTenant, "panel belongs to another tenant"), h.logger)
		return
	}
	writeSuccess(w, r, http.StatusOK, session)
}

func (h *Handler) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, r, http.StatusOK, h.registry.List())
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
