package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/kiroku/internal/canon"
	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/storage"
)

func parseStepID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("step_id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("step_id must be a UUID")
	}
	return id, nil
}

// HandleCreateStep handles POST /v1/runs/{run_id}/steps. The step's
// idempotency key is derived server-side from (runId, index, inputHash);
// a retried create with identical input returns the original step with 200.
func (h *Handlers) HandleCreateStep(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	run, ok := h.fetchOwnedRun(w, r, runID)
	if !ok {
		return
	}
	if run.Status.Terminal() {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict,
			fmt.Sprintf("run is %s; no further steps accepted", run.Status))
		return
	}

	var req model.CreateStepRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	inputHash, err := canon.HashPayload(req.Input)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "input is not hashable")
		return
	}

	step := model.Step{
		RunID:          runID,
		Index:          req.Index,
		IdempotencyKey: canon.StepIdempotencyKey(runID, req.Index, inputHash),
		Type:           req.Type,
		Model:          req.Model,
		ToolName:       req.ToolName,
		InputHash:      inputHash,
	}
	if req.StoreFullInput {
		step.Input = req.Input
	}

	created, inserted, err := h.db.CreateStep(r.Context(), step)
	if err != nil {
		h.writeStorageError(w, r, err, "failed to create step")
		return
	}

	status := http.StatusCreated
	if !inserted {
		status = http.StatusOK
		h.logger.Info("step create deduplicated",
			"run_id", runID,
			"step_index", req.Index,
			"step_id", created.ID)
	}
	writeJSON(w, r, status, created)
}

// HandleCheckStep handles POST /v1/runs/{run_id}/steps/check. The executor
// calls this before running an operation: a hit means a prior attempt with
// identical input already exists and the recorded outcome must be reused.
func (h *Handlers) HandleCheckStep(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if _, ok := h.fetchOwnedRun(w, r, runID); !ok {
		return
	}

	var req model.CheckStepRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	inputHash, err := canon.HashPayload(req.Input)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "input is not hashable")
		return
	}

	key := canon.StepIdempotencyKey(runID, req.Index, inputHash)
	step, err := h.db.FindStepByIdempotencyKey(r.Context(), key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, r, http.StatusOK, model.CheckStepResponse{Hit: false})
			return
		}
		h.writeStorageError(w, r, err, "failed to check step")
		return
	}
	writeJSON(w, r, http.StatusOK, model.CheckStepResponse{Hit: true, Step: &step})
}

// HandleGetStep handles GET /v1/steps/{step_id}.
func (h *Handlers) HandleGetStep(w http.ResponseWriter, r *http.Request) {
	stepID, err := parseStepID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	step, err := h.db.GetStep(r.Context(), stepID)
	if err != nil {
		h.writeStorageError(w, r, err, "failed to get step")
		return
	}
	writeJSON(w, r, http.StatusOK, step)
}

// HandleListSteps handles GET /v1/runs/{run_id}/steps.
func (h *Handlers) HandleListSteps(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	steps, err := h.db.ListStepsByRun(r.Context(), runID)
	if err != nil {
		h.writeInternalError(w, r, "failed to list steps", err)
		return
	}
	writeJSON(w, r, http.StatusOK, steps)
}

// HandleCompleteStep handles POST /v1/steps/{step_id}/complete.
func (h *Handlers) HandleCompleteStep(w http.ResponseWriter, r *http.Request) {
	stepID, err := parseStepID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if _, ok := h.fetchOwnedStep(w, r, stepID); !ok {
		return
	}

	var req model.CompleteStepRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	res := model.StepResult{
		CostUsd:             req.CostUsd,
		DurationMs:          req.DurationMs,
		InputTokens:         req.InputTokens,
		OutputTokens:        req.OutputTokens,
		ThinkingTokens:      req.ThinkingTokens,
		SideEffectCommitted: req.SideEffectCommitted,
	}
	if req.Output != nil {
		outputHash, err := canon.HashPayload(req.Output)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "output is not hashable")
			return
		}
		res.OutputHash = &outputHash
		if req.StoreFullOutput {
			res.Output = req.Output
		}
	}

	step, err := h.db.CompleteStep(r.Context(), stepID, res)
	if err != nil {
		h.writeStorageError(w, r, err, "failed to complete step")
		return
	}
	writeJSON(w, r, http.StatusOK, step)
}

// HandleFailStep handles POST /v1/steps/{step_id}/fail.
func (h *Handlers) HandleFailStep(w http.ResponseWriter, r *http.Request) {
	stepID, err := parseStepID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if _, ok := h.fetchOwnedStep(w, r, stepID); !ok {
		return
	}

	var req struct {
		Error      map[string]any `json:"error,omitempty"`
		CostUsd    float64        `json:"costUsd"`
		DurationMs int64          `json:"durationMs"`
	}
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	step, err := h.db.FailStep(r.Context(), stepID, req.Error, req.CostUsd, req.DurationMs)
	if err != nil {
		h.writeStorageError(w, r, err, "failed to fail step")
		return
	}
	writeJSON(w, r, http.StatusOK, step)
}

// HandleSkipStep handles POST /v1/steps/{step_id}/skip.
func (h *Handlers) HandleSkipStep(w http.ResponseWriter, r *http.Request) {
	stepID, err := parseStepID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if _, ok := h.fetchOwnedStep(w, r, stepID); !ok {
		return
	}

	step, err := h.db.SkipStep(r.Context(), stepID)
	if err != nil {
		h.writeStorageError(w, r, err, "failed to skip step")
		return
	}
	writeJSON(w, r, http.StatusOK, step)
}

// fetchOwnedStep loads a step and enforces run ownership for non-operators.
func (h *Handlers) fetchOwnedStep(w http.ResponseWriter, r *http.Request, stepID uuid.UUID) (model.Step, bool) {
	step, err := h.db.GetStep(r.Context(), stepID)
	if err != nil {
		h.writeStorageError(w, r, err, "failed to get step")
		return model.Step{}, false
	}
	claims := ClaimsFromContext(r.Context())
	if model.RoleAtLeast(claims.Role, model.RoleOperator) {
		return step, true
	}
	run, err := h.db.GetRun(r.Context(), step.RunID)
	if err != nil {
		h.writeStorageError(w, r, err, "failed to get run")
		return model.Step{}, false
	}
	if run.AgentID != claims.AgentID {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "not your run")
		return model.Step{}, false
	}
	return step, true
}
