package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/flexinfer/docflow/internal/config"
	"github.com/flexinfer/docflow/internal/engine"
	"github.com/flexinfer/docflow/internal/ledger"
	"github.com/flexinfer/docflow/internal/validator"
	"github.com/flexinfer/docflow/pkg/types"
)

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	store     ledger.Ledger
	engine    *engine.Engine
	validator *validator.Validator
	signer    *SignalTokenSigner
	config    *config.Config
	logger    *slog.Logger
}

// NewHandlers creates a new Handlers instance. signer may be nil, in which
// case signal requests are accepted without tokens.
func NewHandlers(store ledger.Ledger, eng *engine.Engine, v *validator.Validator, signer *SignalTokenSigner, cfg *config.Config, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		store:     store,
		engine:    eng,
		validator: v,
		signer:    signer,
		config:    cfg,
		logger:    logger,
	}
}

// --- Health Endpoints ---

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint, checking dependencies.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	info, err := h.store.AdapterInfo(ctx)
	if err != nil {
		h.respondError(w, http.StatusServiceUnavailable, "ledger unhealthy", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ready",
		"ledger": info,
	})
}

// --- Definition Management ---

// PutDefinition handles PUT /api/v1/definitions/{id}
func (h *Handlers) PutDefinition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)

	var def types.PipelineDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if def.ID == "" {
		def.ID = vars["id"]
	}
	if def.ID != vars["id"] {
		h.respondError(w, http.StatusBadRequest, "definition id mismatch", errors.New("body id differs from path id"))
		return
	}

	if h.validator != nil {
		if verrs := h.validator.ValidateDefinition(&def); len(verrs) > 0 {
			h.respondJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"error":  "definition invalid",
				"issues": verrs,
			})
			return
		}
	}

	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}
	if err := h.store.PutDefinition(ctx, &def); err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to store definition", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"id":      def.ID,
		"version": def.Version,
	})
}

// GetDefinition handles GET /api/v1/definitions/{id}
func (h *Handlers) GetDefinition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)

	def, err := h.store.GetDefinition(ctx, vars["id"])
	if err != nil {
		if errors.Is(err, ledger.ErrDefinitionNotFound) {
			h.respondError(w, http.StatusNotFound, "definition not found", err)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to get definition", err)
		return
	}

	h.respondJSON(w, http.StatusOK, def)
}

// ListDefinitions handles GET /api/v1/definitions
func (h *Handlers) ListDefinitions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ids, err := h.store.ListDefinitions(ctx)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to list definitions", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{"definitions": ids})
}

// CheckDefinition handles POST /api/v1/definitions/{id}/preflight: a dry
// validation pass against a candidate trigger payload, without starting
// anything.
func (h *Handlers) CheckDefinition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)

	var trigger map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&trigger); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	def, err := h.store.GetDefinition(ctx, vars["id"])
	if err != nil {
		if errors.Is(err, ledger.ErrDefinitionNotFound) {
			h.respondError(w, http.StatusNotFound, "definition not found", err)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to get definition", err)
		return
	}

	issues := h.engine.Preflight(def, trigger)
	blocking := 0
	for _, issue := range issues {
		if issue.Severity == types.SeverityBlocking {
			blocking++
		}
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       blocking == 0,
		"blocking": blocking,
		"issues":   issues,
	})
}

// --- Execution Management ---

// StartExecutionRequest is the request body for starting an execution.
type StartExecutionRequest struct {
	DefinitionID  string                 `json:"definition_id"`
	Trigger       map[string]interface{} `json:"trigger"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	// StopAfterPhase bounds a partial run (e.g. "render").
	StopAfterPhase types.Phase `json:"stop_after_phase,omitempty"`
}

// StartExecutionResponse is the response body after starting an execution.
type StartExecutionResponse struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
	SSEURL      string `json:"sse_url"`
}

// StartExecution handles POST /api/v1/executions
func (h *Handlers) StartExecution(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req StartExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.DefinitionID == "" {
		h.respondError(w, http.StatusBadRequest, "definition_id is required", errors.New("missing definition_id"))
		return
	}

	execID, err := h.engine.Start(ctx, req.DefinitionID, req.Trigger, &engine.StartOptions{
		CorrelationID:  req.CorrelationID,
		StopAfterPhase: req.StopAfterPhase,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrDefinitionNotFound) {
			h.respondError(w, http.StatusNotFound, "definition not found", err)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to start execution", err)
		return
	}

	h.respondJSON(w, http.StatusCreated, StartExecutionResponse{
		ExecutionID: execID,
		Status:      "queued",
		SSEURL:      "/api/v1/executions/" + execID + "/events",
	})
}

// ListExecutions handles GET /api/v1/executions
func (h *Handlers) ListExecutions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ids, err := h.store.ListExecutions(ctx)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to list executions", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{"executions": ids})
}

// GetExecution handles GET /api/v1/executions/{id}
func (h *Handlers) GetExecution(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)

	exec, err := h.store.GetExecution(ctx, vars["id"])
	if err != nil {
		if errors.Is(err, ledger.ErrExecutionNotFound) {
			h.respondError(w, http.StatusNotFound, "execution not found", err)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to get execution", err)
		return
	}

	h.respondJSON(w, http.StatusOK, exec)
}

// ListSteps handles GET /api/v1/executions/{id}/steps
func (h *Handlers) ListSteps(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)

	if _, err := h.store.GetExecution(ctx, vars["id"]); err != nil {
		if errors.Is(err, ledger.ErrExecutionNotFound) {
			h.respondError(w, http.StatusNotFound, "execution not found", err)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to get execution", err)
		return
	}

	records, err := h.store.ListStepRecords(ctx, vars["id"])
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to list steps", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{"steps": records})
}

// GetPause handles GET /api/v1/executions/{id}/pause. When token
// verification is enabled the response carries a minted signal token scoped
// to this pause, for embedding in approval or signature callback links.
func (h *Handlers) GetPause(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)

	pause, err := h.store.GetPause(ctx, vars["id"])
	if err != nil {
		if errors.Is(err, ledger.ErrPauseNotFound) {
			h.respondError(w, http.StatusNotFound, "no pause for execution", err)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to get pause", err)
		return
	}

	resp := map[string]interface{}{"pause": pause}
	if h.signer != nil && !pause.Resolved {
		token, err := h.signer.Mint(pause.ExecutionID, pause.ExpectedSignal, pause.ExpiresAt)
		if err != nil {
			h.respondError(w, http.StatusInternalServerError, "failed to mint signal token", err)
			return
		}
		resp["signal_token"] = token
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// CancelExecutionRequest is the request body for cancellation.
type CancelExecutionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// CancelExecution handles POST /api/v1/executions/{id}/cancel
func (h *Handlers) CancelExecution(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)

	var req CancelExecutionRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	err := h.engine.Cancel(ctx, vars["id"], req.Reason)
	if err != nil {
		if errors.Is(err, ledger.ErrExecutionNotFound) {
			h.respondError(w, http.StatusNotFound, "execution not found", err)
			return
		}
		if errors.Is(err, ledger.ErrExecutionTerminal) {
			h.respondError(w, http.StatusConflict, "execution already finished", err)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to cancel execution", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{"status": "cancel_requested"})
}

// --- Signals ---

// SignalRequest is the request body for delivering an external decision.
type SignalRequest struct {
	Signal  string                 `json:"signal"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// DeliverSignal handles POST /api/v1/executions/{id}/signal. Duplicate
// deliveries of the same logical event are acknowledged without effect.
func (h *Handlers) DeliverSignal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	execID := vars["id"]

	var req SignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Signal == "" {
		h.respondError(w, http.StatusBadRequest, "signal is required", errors.New("missing signal"))
		return
	}

	if h.signer != nil {
		token := bearerToken(r)
		if token == "" {
			h.respondError(w, http.StatusUnauthorized, "signal token required", errors.New("missing token"))
			return
		}
		claims, err := h.signer.Verify(token)
		if err != nil {
			h.respondError(w, http.StatusUnauthorized, "invalid signal token", err)
			return
		}
		if claims.ExecutionID != execID || claims.Signal != req.Signal {
			h.respondError(w, http.StatusForbidden, "token does not match this signal", errors.New("token scope mismatch"))
			return
		}
	}

	err := h.engine.Signal(ctx, execID, req.Signal, req.Payload)
	if err != nil {
		if errors.Is(err, ledger.ErrExecutionNotFound) {
			h.respondError(w, http.StatusNotFound, "execution not found", err)
			return
		}
		if errors.Is(err, engine.ErrSignalMismatch) {
			h.respondError(w, http.StatusConflict, "signal does not match outstanding pause", err)
			return
		}
		h.respondError(w, http.StatusUnprocessableEntity, "signal rejected", err)
		return
	}

	h.respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// ResumeReviewRequest carries corrected trigger fields for the review gate.
type ResumeReviewRequest struct {
	Corrected map[string]interface{} `json:"corrected,omitempty"`
}

// ResumeAfterReview handles POST /api/v1/executions/{id}/resume-review
func (h *Handlers) ResumeAfterReview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)

	var req ResumeReviewRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	err := h.engine.ResumeAfterReview(ctx, vars["id"], req.Corrected)
	if err != nil {
		if errors.Is(err, ledger.ErrExecutionNotFound) {
			h.respondError(w, http.StatusNotFound, "execution not found", err)
			return
		}
		h.respondError(w, http.StatusConflict, "cannot resume execution", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

// --- Ledger Diagnostics ---

// LedgerInfo handles GET /api/v1/ledger/info
func (h *Handlers) LedgerInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	info, err := h.store.AdapterInfo(ctx)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to get ledger info", err)
		return
	}

	h.respondJSON(w, http.StatusOK, info)
}

// LedgerSelfCheck handles GET /api/v1/ledger/selfcheck. Round-trips a
// throwaway execution through the adapter to verify basic health.
func (h *Handlers) LedgerSelfCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	exec := &types.PipelineExecution{
		ID:           "_selfcheck-" + time.Now().UTC().Format("20060102150405.000000000"),
		DefinitionID: "_selfcheck",
		Status:       types.ExecutionStatusQueued,
		CreatedAt:    time.Now().UTC(),
	}
	if err := h.store.CreateExecution(ctx, exec); err != nil {
		h.respondError(w, http.StatusInternalServerError, "selfcheck failed: create", err)
		return
	}

	if _, err := h.store.AppendEvent(ctx, exec.ID, &types.EventInput{
		Type: types.EventTypeExecutionStatus,
		Data: map[string]string{"message": "selfcheck"},
	}); err != nil {
		h.respondError(w, http.StatusInternalServerError, "selfcheck failed: append", err)
		return
	}

	events, err := h.store.GetEventsSince(ctx, exec.ID, "")
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "selfcheck failed: read", err)
		return
	}

	exec.Status = types.ExecutionStatusCanceled
	now := time.Now().UTC()
	exec.FinishedAt = &now
	if err := h.store.UpdateExecution(ctx, exec); err != nil {
		h.respondError(w, http.StatusInternalServerError, "selfcheck failed: cleanup", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"latency_ms":  time.Since(start).Milliseconds(),
		"event_count": len(events),
	})
}

// --- Helper Methods ---

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string, err error) {
	code := HTTPStatusToErrorCode(status)
	h.logger.Error(message, "error", err, "status", status, "code", code)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	json.NewEncoder(w).Encode(map[string]string{
		"error":   message,
		"code":    code,
		"details": detail,
	})
}

// bearerToken pulls a signal token from the Authorization header or the
// token query parameter (for links embedded in approval emails).
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && auth[:7] == "Bearer " {
		return auth[7:]
	}
	return r.URL.Query().Get("token")
}
