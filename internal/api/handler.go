// Package api is the operator surface: health, the reviewer side of
// the approval gate, memory search and run audit trails. The runtime
// API that launches agent runs lives with the embedding application,
// not here.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/cortex/internal/activity"
	"github.com/nidhogg/cortex/internal/approval"
	"github.com/nidhogg/cortex/internal/checkpoint"
	"github.com/nidhogg/cortex/internal/embedding"
	"github.com/nidhogg/cortex/internal/fault"
	"github.com/nidhogg/cortex/internal/memory"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	gate        *approval.Gate
	memories    *memory.Store
	audit       *activity.Log
	checkpoints *checkpoint.Store
	embedder    embedding.Provider
	defaultTTL  time.Duration
	logger      *zap.Logger
}

// NewHandler creates a new API handler. defaultTTL is applied to
// approval requests created without an explicit ttl.
func NewHandler(gate *approval.Gate, memories *memory.Store, audit *activity.Log, checkpoints *checkpoint.Store, embedder embedding.Provider, defaultTTL time.Duration, logger *zap.Logger) *Handler {
	return &Handler{
		gate:        gate,
		memories:    memories,
		audit:       audit,
		checkpoints: checkpoints,
		embedder:    embedder,
		defaultTTL:  defaultTTL,
		logger:      logger,
	}
}

// Router builds the chi router for the operator API.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Post("/approvals", h.createApproval)
		r.Get("/approvals/pending", h.listPendingApprovals)
		r.Post("/approvals/{id}/review", h.reviewApproval)
		r.Post("/memories/search", h.searchMemories)
		r.Get("/runs/{id}/activity", h.runActivity)
		r.Get("/runs/{id}/checkpoints", h.runCheckpoints)
	})
	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) listPendingApprovals(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.gate.ListPending(r.Context(), 50)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if reqs == nil {
		reqs = []*approval.Request{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

type createApprovalRequest struct {
	RunID          string         `json:"run_id"`
	RequestedBy    string         `json:"requested_by"`
	Reason         string         `json:"reason"`
	Context        map[string]any `json:"context,omitempty"`
	ProposedAction map[string]any `json:"proposed_action,omitempty"`
	TTL            string         `json:"ttl,omitempty"`
}

// createApproval lets external runtimes sharing the store open a
// review request over HTTP. An omitted ttl takes the configured
// default.
func (h *Handler) createApproval(w http.ResponseWriter, r *http.Request) {
	var body createApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	ttl := h.defaultTTL
	if body.TTL != "" {
		parsed, err := time.ParseDuration(body.TTL)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "ttl must be a duration like \"30m\""})
			return
		}
		ttl = parsed
	}

	req, err := h.gate.Request(r.Context(), approval.RequestInput{
		RunID:          body.RunID,
		RequestedBy:    body.RequestedBy,
		Reason:         body.Reason,
		Context:        body.Context,
		ProposedAction: body.ProposedAction,
		TTL:            ttl,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

type reviewRequest struct {
	ReviewerID string `json:"reviewer_id"`
	Decision   string `json:"decision"`
	Notes      string `json:"notes,omitempty"`
}

func (h *Handler) reviewApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if body.ReviewerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "reviewer_id is required"})
		return
	}

	req, err := h.gate.Review(r.Context(), id, body.ReviewerID, approval.Decision(body.Decision), body.Notes)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type searchRequest struct {
	Query     string  `json:"query"`
	Threshold float64 `json:"threshold,omitempty"`
	Limit     int     `json:"limit,omitempty"`
	AgentID   string  `json:"agent_id,omitempty"`
}

func (h *Handler) searchMemories(w http.ResponseWriter, r *http.Request) {
	var body searchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if body.Query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query is required"})
		return
	}

	vectors, err := h.embedder.Embed(r.Context(), []string{body.Query})
	if err != nil || len(vectors) == 0 {
		h.logger.Warn("embedding failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "embedding provider unavailable"})
		return
	}

	results, err := h.memories.Retrieve(r.Context(), memory.RetrieveRequest{
		Query:     vectors[0],
		Threshold: body.Threshold,
		Limit:     body.Limit,
		AgentID:   body.AgentID,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	if results == nil {
		results = []memory.Retrieved{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (h *Handler) runActivity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entries, err := h.audit.ListByRun(r.Context(), id, 200)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []*activity.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) runCheckpoints(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	namespace := r.URL.Query().Get("namespace")
	cps, err := h.checkpoints.ListByThread(r.Context(), id, namespace, 50)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if cps == nil {
		cps = []*checkpoint.Checkpoint{}
	}
	writeJSON(w, http.StatusOK, cps)
}

// writeError maps the fault taxonomy to HTTP status codes.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, fault.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, fault.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, fault.ErrAlreadyDecided), errors.Is(err, fault.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, fault.ErrExpired):
		status = http.StatusGone
	case errors.Is(err, fault.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
