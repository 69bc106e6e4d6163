package model

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Field length limits. These keep caller-controlled text out of unbounded
// Postgres TEXT columns and cap what the approval UI has to render.
const (
	MaxAgentIDLen        = 128
	MaxIdempotencyKeyLen = 256
	MaxStepTypeLen       = 100
	MaxReasonLen         = 4 * 1024
)

var agentIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ValidateAgentID checks agent identifier format and length.
func ValidateAgentID(agentID string) error {
	if agentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	if len(agentID) > MaxAgentIDLen {
		return fmt.Errorf("agent_id exceeds maximum length of %d characters", MaxAgentIDLen)
	}
	if !agentIDPattern.MatchString(agentID) {
		return fmt.Errorf("agent_id must start with an alphanumeric and contain only alphanumerics, dots, underscores, or hyphens")
	}
	return nil
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"requestId"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes. APPROVAL_DECLINED and
// APPROVAL_EXPIRED also appear as RunError codes on failed runs;
// BUDGET_EXCEEDED is raised by the execution engine, never by the ledger,
// and is listed here so every consumer shares one vocabulary.
const (
	ErrCodeInvalidInput     = "INVALID_INPUT"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeForbidden        = "FORBIDDEN"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeAlreadyResolved  = "ALREADY_RESOLVED"
	ErrCodeApprovalExpired  = "APPROVAL_EXPIRED"
	ErrCodeApprovalDeclined = "APPROVAL_DECLINED"
	ErrCodeBudgetExceeded   = "BUDGET_EXCEEDED"
	ErrCodeInternalError    = "INTERNAL_ERROR"
)

// CreateRunRequest is the request body for POST /v1/runs.
type CreateRunRequest struct {
	IdempotencyKey string          `json:"idempotencyKey"`
	AgentID        string          `json:"agentId"`
	Input          map[string]any  `json:"input,omitempty"`
	Budget         ExecutionBudget `json:"budget"`
	TraceID        string          `json:"traceId,omitempty"`
	CurrentModel   string          `json:"currentModel"`
	EffortLevel    string          `json:"effortLevel,omitempty"`
	TenantID       *string         `json:"tenantId,omitempty"`
	UserID         *string         `json:"userId,omitempty"`
}

// Validate checks required fields and length limits on a run creation.
func (r CreateRunRequest) Validate() error {
	if r.IdempotencyKey == "" {
		return fmt.Errorf("idempotencyKey is required")
	}
	if len(r.IdempotencyKey) > MaxIdempotencyKeyLen {
		return fmt.Errorf("idempotencyKey exceeds maximum length of %d characters", MaxIdempotencyKeyLen)
	}
	if err := ValidateAgentID(r.AgentID); err != nil {
		return err
	}
	if r.CurrentModel == "" {
		return fmt.Errorf("currentModel is required")
	}
	return nil
}

// UpdateRunStatusRequest is the request body for POST /v1/runs/{run_id}/status.
type UpdateRunStatusRequest struct {
	Status RunStatus `json:"status"`
}

// UpdateConsumedRequest is the request body for POST /v1/runs/{run_id}/consumed.
type UpdateConsumedRequest struct {
	Consumed Usage `json:"consumed"`
}

// UpdateModelRequest is the request body for POST /v1/runs/{run_id}/model.
// Downgrade marks the switch as a fallback to a cheaper model, which bumps
// the run's downgrade counter.
type UpdateModelRequest struct {
	Model       string `json:"model"`
	EffortLevel string `json:"effortLevel,omitempty"`
	Downgrade   bool   `json:"downgrade,omitempty"`
}

// FinishRunRequest is the request body for POST /v1/runs/{run_id}/complete
// and /partial.
type FinishRunRequest struct {
	Output map[string]any `json:"output,omitempty"`
}

// FailRunRequest is the request body for POST /v1/runs/{run_id}/fail.
type FailRunRequest struct {
	Error RunError `json:"error"`
}

// CreateStepRequest is the request body for POST /v1/runs/{run_id}/steps.
type CreateStepRequest struct {
	Index          int            `json:"index"`
	Type           string         `json:"type"`
	Model          *string        `json:"model,omitempty"`
	ToolName       *string        `json:"toolName,omitempty"`
	Input          map[string]any `json:"input"`
	StoreFullInput bool           `json:"storeFullInput,omitempty"`
}

// Validate checks required fields on a step creation.
func (r CreateStepRequest) Validate() error {
	if r.Index < 0 {
		return fmt.Errorf("index must be non-negative")
	}
	if r.Type == "" {
		return fmt.Errorf("type is required")
	}
	if len(r.Type) > MaxStepTypeLen {
		return fmt.Errorf("type exceeds maximum length of %d characters", MaxStepTypeLen)
	}
	return nil
}

// CheckStepRequest is the request body for POST /v1/runs/{run_id}/steps/check.
type CheckStepRequest struct {
	Index int            `json:"index"`
	Input map[string]any `json:"input"`
}

// CheckStepResponse reports whether a prior attempt exists for the same
// (runId, index, input). On a hit the recorded step must be reused and the
// operation skipped.
type CheckStepResponse struct {
	Hit  bool  `json:"hit"`
	Step *Step `json:"step,omitempty"`
}

// CompleteStepRequest is the request body for POST /v1/steps/{step_id}/complete.
type CompleteStepRequest struct {
	Output              map[string]any `json:"output"`
	CostUsd             float64        `json:"costUsd"`
	DurationMs          int64          `json:"durationMs"`
	InputTokens         int64          `json:"inputTokens"`
	OutputTokens        int64          `json:"outputTokens"`
	ThinkingTokens      int64          `json:"thinkingTokens,omitempty"`
	SideEffectCommitted bool           `json:"sideEffectCommitted,omitempty"`
	StoreFullOutput     bool           `json:"storeFullOutput,omitempty"`
}

// FailStepRequest is the request body for POST /v1/steps/{step_id}/fail.
type FailStepRequest struct {
	DurationMs int64 `json:"durationMs"`
}

// RequestApprovalResponse is the response for POST /v1/approvals. Request is
// nil when no trigger matched and nothing was created.
type RequestApprovalResponse struct {
	Check   ApprovalCheck    `json:"check"`
	Request *ApprovalRequest `json:"request,omitempty"`
}

// SweepApprovalsResponse is the response for POST /v1/approvals/sweep.
type SweepApprovalsResponse struct {
	Expired int `json:"expired"`
}

// ResolveApprovalRequest is the request body for
// POST /v1/approvals/{approval_id}/resolve.
type ResolveApprovalRequest struct {
	Decision      ApprovalDecision `json:"decision"`
	Reason        string           `json:"reason,omitempty"`
	ModifiedInput map[string]any   `json:"modifiedInput,omitempty"`
}

// Validate checks the decision value and reason length.
func (r ResolveApprovalRequest) Validate() error {
	if r.Decision != DecisionApproved && r.Decision != DecisionDeclined {
		return fmt.Errorf("decision must be 'approved' or 'declined'")
	}
	if len(r.Reason) > MaxReasonLen {
		return fmt.Errorf("reason exceeds maximum length of %d bytes", MaxReasonLen)
	}
	return nil
}

// CreateAgentRequest is the request body for POST /v1/agents (admin only).
type CreateAgentRequest struct {
	AgentID string    `json:"agentId"`
	Name    string    `json:"name,omitempty"`
	Role    AgentRole `json:"role"`
	APIKey  string    `json:"apiKey"`
}

// Validate checks required fields on agent registration.
func (r CreateAgentRequest) Validate() error {
	if err := ValidateAgentID(r.AgentID); err != nil {
		return err
	}
	switch r.Role {
	case RoleReader, RoleAgent, RoleOperator, RoleAdmin:
	default:
		return fmt.Errorf("role must be one of reader, agent, operator, admin")
	}
	if len(r.APIKey) < 16 {
		return fmt.Errorf("apiKey must be at least 16 characters")
	}
	return nil
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	AgentID string `json:"agentId"`
	APIKey  string `json:"apiKey"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Uptime   int64  `json:"uptimeSeconds"`
}

// RunListItem trims a run for list endpoints: full input/output payloads are
// omitted to keep list responses small.
type RunListItem struct {
	ID             uuid.UUID  `json:"id"`
	IdempotencyKey string     `json:"idempotencyKey"`
	AgentID        string     `json:"agentId"`
	Status         RunStatus  `json:"status"`
	Consumed       Usage      `json:"consumed"`
	CurrentModel   string     `json:"currentModel"`
	CreatedAt      time.Time  `json:"createdAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}
