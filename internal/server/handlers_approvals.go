package server

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/kiroku/internal/model"
)

func parseApprovalID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("approval_id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("approval_id must be a UUID")
	}
	return id, nil
}

// HandleCheckApproval handles POST /v1/approvals/check. Pure trigger
// evaluation; nothing is created and no run state changes.
func (h *Handlers) HandleCheckApproval(w http.ResponseWriter, r *http.Request) {
	var apctx model.ApprovalContext
	if err := decodeJSON(w, r, &apctx, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, h.approvals.CheckRequired(apctx))
}

// HandleRequestApproval handles POST /v1/approvals. Evaluates the triggers
// and, when one matches, creates a pending request and pauses the run.
// When nothing matches, returns the (negative) check result and the caller
// proceeds without a gate.
func (h *Handlers) HandleRequestApproval(w http.ResponseWriter, r *http.Request) {
	var apctx model.ApprovalContext
	if err := decodeJSON(w, r, &apctx, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if apctx.RunID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "runId is required")
		return
	}
	if _, ok := h.fetchOwnedRun(w, r, apctx.RunID); !ok {
		return
	}
	if apctx.RequestedBy == "" {
		apctx.RequestedBy = ClaimsFromContext(r.Context()).AgentID
	}

	check := h.approvals.CheckRequired(apctx)
	if !check.Required {
		writeJSON(w, r, http.StatusOK, model.RequestApprovalResponse{Check: check})
		return
	}

	req, err := h.approvals.Request(r.Context(), apctx, check)
	if err != nil {
		h.writeStorageError(w, r, err, "failed to create approval request")
		return
	}
	writeJSON(w, r, http.StatusCreated, model.RequestApprovalResponse{Check: check, Request: &req})
}

// HandleListApprovals handles GET /v1/approvals: the operator queue of
// pending, unexpired requests across all runs.
func (h *Handlers) HandleListApprovals(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &limit); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be an integer")
			return
		}
	}

	pending, err := h.approvals.AllPending(r.Context(), limit)
	if err != nil {
		h.writeInternalError(w, r, "failed to list approvals", err)
		return
	}
	writeJSON(w, r, http.StatusOK, pending)
}

// HandleGetApproval handles GET /v1/approvals/{approval_id}.
func (h *Handlers) HandleGetApproval(w http.ResponseWriter, r *http.Request) {
	id, err := parseApprovalID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	req, err := h.approvals.Get(r.Context(), id)
	if err != nil {
		h.writeStorageError(w, r, err, "failed to get approval")
		return
	}
	writeJSON(w, r, http.StatusOK, req)
}

// HandleRunApprovals handles GET /v1/runs/{run_id}/approvals.
func (h *Handlers) HandleRunApprovals(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	pending, err := h.approvals.PendingForRun(r.Context(), runID)
	if err != nil {
		h.writeInternalError(w, r, "failed to list run approvals", err)
		return
	}
	writeJSON(w, r, http.StatusOK, pending)
}

// HandleResolveApproval handles POST /v1/approvals/{approval_id}/resolve.
// Operator-only; exactly one resolution wins.
func (h *Handlers) HandleResolveApproval(w http.ResponseWriter, r *http.Request) {
	id, err := parseApprovalID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.ResolveApprovalRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	resolvedBy := ClaimsFromContext(r.Context()).AgentID
	resolved, err := h.approvals.Resolve(r.Context(), id, resolvedBy, model.ApprovalResolution{
		Decision:      req.Decision,
		Reason:        req.Reason,
		ModifiedInput: req.ModifiedInput,
	})
	if err != nil {
		h.writeStorageError(w, r, err, "failed to resolve approval")
		return
	}
	writeJSON(w, r, http.StatusOK, resolved)
}

// HandleSweepApprovals handles POST /v1/approvals/sweep: a manual expiry
// sweep in addition to the background one.
func (h *Handlers) HandleSweepApprovals(w http.ResponseWriter, r *http.Request) {
	n, err := h.approvals.ExpireOld(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to sweep approvals", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.SweepApprovalsResponse{Expired: n})
}
