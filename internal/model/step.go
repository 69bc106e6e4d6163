package model

import (
	"time"

	"github.com/google/uuid"
)

// StepStatus represents the lifecycle state of a step.
type StepStatus string

const (
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// Step is one unit of work inside a run. Steps are created immediately
// before an operation executes, completed or failed immediately after, and
// never mutated afterward. The idempotency key is a deterministic function
// of (runId, index, inputHash) so a retried attempt with identical input is
// detected before any side effect runs.
type Step struct {
	ID                  uuid.UUID      `json:"id"`
	RunID               uuid.UUID      `json:"runId"`
	Index               int            `json:"index"`
	IdempotencyKey      string         `json:"idempotencyKey"`
	Type                string         `json:"type"`
	Model               *string        `json:"model,omitempty"`
	ToolName            *string        `json:"toolName,omitempty"`
	InputHash           string         `json:"inputHash"`
	Input               map[string]any `json:"input,omitempty"`
	OutputHash          *string        `json:"outputHash,omitempty"`
	Output              map[string]any `json:"output,omitempty"`
	Status              StepStatus     `json:"status"`
	CostUsd             float64        `json:"costUsd"`
	DurationMs          int64          `json:"durationMs"`
	InputTokens         int64          `json:"inputTokens"`
	OutputTokens        int64          `json:"outputTokens"`
	ThinkingTokens      int64          `json:"thinkingTokens"`
	SideEffectCommitted bool           `json:"sideEffectCommitted,omitempty"`
	StartedAt           time.Time      `json:"startedAt"`
	CompletedAt         *time.Time     `json:"completedAt,omitempty"`
}

// StepResult is the outcome recorded when a running step completes.
type StepResult struct {
	Output              map[string]any `json:"output,omitempty"`
	OutputHash          *string        `json:"outputHash,omitempty"`
	CostUsd             float64        `json:"costUsd"`
	DurationMs          int64          `json:"durationMs"`
	InputTokens         int64          `json:"inputTokens"`
	OutputTokens        int64          `json:"outputTokens"`
	ThinkingTokens      int64          `json:"thinkingTokens"`
	SideEffectCommitted bool           `json:"sideEffectCommitted,omitempty"`
}
