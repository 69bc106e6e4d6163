package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/storage"
)

func parseRunID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("run_id must be a UUID")
	}
	return id, nil
}

// writeStorageError maps storage sentinel errors onto API error responses.
func (h *Handlers) writeStorageError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
	case errors.Is(err, storage.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	case errors.Is(err, storage.ErrUsageRegression):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "consumed snapshot regresses the recorded usage")
	case errors.Is(err, storage.ErrDuplicateStepIndex):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "step index already has a live attempt with different input")
	case errors.Is(err, storage.ErrAlreadyResolved):
		writeError(w, r, http.StatusConflict, model.ErrCodeAlreadyResolved, "approval request already resolved")
	case errors.Is(err, storage.ErrApprovalExpired):
		writeError(w, r, http.StatusGone, model.ErrCodeApprovalExpired, "approval request has expired")
	default:
		h.writeInternalError(w, r, msg, err)
	}
}

// fetchOwnedRun loads a run and enforces that non-operator callers only
// touch their own runs.
func (h *Handlers) fetchOwnedRun(w http.ResponseWriter, r *http.Request, runID uuid.UUID) (model.Run, bool) {
	run, err := h.db.GetRun(r.Context(), runID)
	if err != nil {
		h.writeStorageError(w, r, err, "failed to get run")
		return model.Run{}, false
	}
	claims := ClaimsFromContext(r.Context())
	if !model.RoleAtLeast(claims.Role, model.RoleOperator) && run.AgentID != claims.AgentID {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "not your run")
		return model.Run{}, false
	}
	return run, true
}

// HandleCreateRun handles POST /v1/runs. Creation is idempotent on the
// caller-supplied idempotency key: a repeated create returns the original
// run with 200 instead of 201.
func (h *Handlers) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.CreateRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	// Agents can only create runs for themselves.
	if !model.RoleAtLeast(claims.Role, model.RoleOperator) && req.AgentID != claims.AgentID {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "can only create runs for your own agent_id")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("kiroku.agent_id", req.AgentID))
	if req.TraceID != "" {
		span.SetAttributes(attribute.String("kiroku.trace_id", req.TraceID))
	}

	run, created, err := h.db.CreateRun(r.Context(), model.Run{
		IdempotencyKey: req.IdempotencyKey,
		AgentID:        req.AgentID,
		Input:          req.Input,
		Budget:         req.Budget,
		CurrentModel:   req.CurrentModel,
		EffortLevel:    req.EffortLevel,
		TraceID:        req.TraceID,
		TenantID:       req.TenantID,
		UserID:         req.UserID,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to create run", err)
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
		h.logger.Info("run create deduplicated",
			"run_id", run.ID,
			"idempotency_key", req.IdempotencyKey,
			"request_id", RequestIDFromContext(r.Context()))
	}
	writeJSON(w, r, status, run)
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run, err := h.db.GetRun(r.Context(), runID)
	if err != nil {
		h.writeStorageError(w, r, err, "failed to get run")
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleListRuns handles GET /v1/runs. Filters: agentId + since (recent
// runs for one agent) or status (reconciliation sweeps).
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 50
	if v := q.Get("limit"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &limit); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be an integer")
			return
		}
	}

	var runs []model.Run
	var err error
	switch {
	case q.Get("agentId") != "":
		since := time.Time{}
		if v := q.Get("since"); v != "" {
			since, err = time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "since must be RFC 3339")
				return
			}
		}
		runs, err = h.db.FindRecentRuns(r.Context(), q.Get("agentId"), since, limit)
	case q.Get("status") != "":
		status := model.RunStatus(q.Get("status"))
		if !status.Valid() {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown status")
			return
		}
		runs, err = h.db.FindRunsByStatus(r.Context(), status, limit)
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "agentId or status filter is required")
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to list runs", err)
		return
	}

	items := make([]model.RunListItem, len(runs))
	for i, run := range runs {
		items[i] = model.RunListItem{
			ID:             run.ID,
			IdempotencyKey: run.IdempotencyKey,
			AgentID:        run.AgentID,
			Status:         run.Status,
			Consumed:       run.Consumed,
			CurrentModel:   run.CurrentModel,
			CreatedAt:      run.CreatedAt,
			CompletedAt:    run.CompletedAt,
		}
	}
	writeJSON(w, r, http.StatusOK, items)
}

// HandleUpdateRunStatus handles POST /v1/runs/{run_id}/status.
func (h *Handlers) HandleUpdateRunStatus(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if _, ok := h.fetchOwnedRun(w, r, runID); !ok {
		return
	}

	var req model.UpdateRunStatusRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if !req.Status.Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown status")
		return
	}

	if err := h.db.UpdateRunStatus(r.Context(), runID, req.Status); err != nil {
		h.writeStorageError(w, r, err, "failed to update run status")
		return
	}

	run, err := h.db.GetRun(r.Context(), runID)
	if err != nil {
		h.writeStorageError(w, r, err, "failed to get run")
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleUpdateConsumed handles POST /v1/runs/{run_id}/consumed.
func (h *Handlers) HandleUpdateConsumed(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if _, ok := h.fetchOwnedRun(w, r, runID); !ok {
		return
	}

	var req model.UpdateConsumedRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	err = storage.WithRetry(r.Context(), 3, 10*time.Millisecond, func() error {
		return h.db.UpdateRunConsumed(r.Context(), runID, req.Consumed)
	})
	if err != nil {
		h.writeStorageError(w, r, err, "failed to update consumed")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"runId": runID, "consumed": req.Consumed})
}

// HandleUpdateModel handles POST /v1/runs/{run_id}/model.
func (h *Handlers) HandleUpdateModel(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if _, ok := h.fetchOwnedRun(w, r, runID); !ok {
		return
	}

	var req model.UpdateModelRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Model == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "model is required")
		return
	}

	if err := h.db.UpdateRunModel(r.Context(), runID, req.Model, req.EffortLevel, req.Downgrade); err != nil {
		h.writeStorageError(w, r, err, "failed to update model")
		return
	}

	run, err := h.db.GetRun(r.Context(), runID)
	if err != nil {
		h.writeStorageError(w, r, err, "failed to get run")
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleFinishRun handles POST /v1/runs/{run_id}/complete and /partial.
func (h *Handlers) HandleFinishRun(status model.RunStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID, err := parseRunID(r)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		run, ok := h.fetchOwnedRun(w, r, runID)
		if !ok {
			return
		}

		var req model.FinishRunRequest
		if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
			handleDecodeError(w, r, err)
			return
		}

		// Fold the recorded steps into a final consumed snapshot so the
		// run's totals are consistent with its step ledger even when the
		// caller under-reported along the way.
		steps, err := h.db.ListStepsByRun(r.Context(), runID)
		if err != nil {
			h.writeInternalError(w, r, "failed to list steps", err)
			return
		}
		final := model.ZeroUsage(run.CurrentModel)
		for _, s := range steps {
			final = final.AddStep(s)
		}
		final.Downgrades = run.Consumed.Downgrades
		if !final.AtLeast(run.Consumed) {
			// The caller reported more than the steps account for; keep
			// the larger snapshot.
			final = run.Consumed
		}

		updated, err := h.db.FinishRun(r.Context(), runID, status, req.Output, final)
		if err != nil {
			h.writeStorageError(w, r, err, "failed to finish run")
			return
		}
		writeJSON(w, r, http.StatusOK, updated)
	}
}

// HandleFailRun handles POST /v1/runs/{run_id}/fail.
func (h *Handlers) HandleFailRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if _, ok := h.fetchOwnedRun(w, r, runID); !ok {
		return
	}

	var req model.FailRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Error.Code == "" || req.Error.Message == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "error.code and error.message are required")
		return
	}

	updated, err := h.db.FailRun(r.Context(), runID, req.Error)
	if err != nil {
		h.writeStorageError(w, r, err, "failed to fail run")
		return
	}
	writeJSON(w, r, http.StatusOK, updated)
}

// HandleCancelRun handles POST /v1/runs/{run_id}/cancel.
func (h *Handlers) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if _, ok := h.fetchOwnedRun(w, r, runID); !ok {
		return
	}

	updated, err := h.db.CancelRun(r.Context(), runID)
	if err != nil {
		h.writeStorageError(w, r, err, "failed to cancel run")
		return
	}
	writeJSON(w, r, http.StatusOK, updated)
}
