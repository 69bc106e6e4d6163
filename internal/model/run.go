// Package model defines the core domain types for Kiroku.
//
// Types correspond directly to database tables and wire payloads. The JSON
// field names and status value sets are a compatibility contract with
// downstream consumers (dashboards, audit tooling) and must not change.
package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusRunning          RunStatus = "running"
	RunStatusAwaitingApproval RunStatus = "awaiting_approval"
	RunStatusCompleted        RunStatus = "completed"
	RunStatusPartial          RunStatus = "partial"
	RunStatusFailed           RunStatus = "failed"
	RunStatusCancelled        RunStatus = "cancelled"
)

// Terminal reports whether the status has no outgoing transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusPartial, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusRunning, RunStatusAwaitingApproval, RunStatusCompleted,
		RunStatusPartial, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a run may move from s to next.
// running may go anywhere; awaiting_approval only back to running
// (approved) or to failed (declined/expired); terminal states are final.
func (s RunStatus) CanTransition(next RunStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case RunStatusRunning:
		return next != RunStatusRunning
	case RunStatusAwaitingApproval:
		return next == RunStatusRunning || next == RunStatusFailed
	}
	return false
}

// ExecutionBudget is the ceiling a run's consumption is compared against.
// The ledger stores and returns it; threshold policy lives in the approval
// triggers and in the execution engine's hard-stop checks.
type ExecutionBudget struct {
	MaxCostUsd     *float64 `json:"maxCostUsd,omitempty"`
	MaxSteps       *int     `json:"maxSteps,omitempty"`
	MaxDurationMs  *int64   `json:"maxDurationMs,omitempty"`
	MaxTotalTokens *int64   `json:"maxTotalTokens,omitempty"`
}

// RunError is the structured terminal error recorded on a failed run.
type RunError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	StepIndex *int   `json:"stepIndex,omitempty"`
	Retryable bool   `json:"retryable"`
}

// Run is one execution of a task for a given input. Runs are never deleted;
// they form the audit trail and are only superseded by new runs.
type Run struct {
	ID             uuid.UUID       `json:"id"`
	IdempotencyKey string          `json:"idempotencyKey"`
	AgentID        string          `json:"agentId"`
	Input          map[string]any  `json:"input"`
	Status         RunStatus       `json:"status"`
	Budget         ExecutionBudget `json:"budget"`
	Consumed       Usage           `json:"consumed"`
	CurrentModel   string          `json:"currentModel"`
	EffortLevel    string          `json:"effortLevel"`
	TraceID        string          `json:"traceId"`
	TenantID       *string         `json:"tenantId,omitempty"`
	UserID         *string         `json:"userId,omitempty"`
	Output         map[string]any  `json:"output,omitempty"`
	Error          *RunError       `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
}
