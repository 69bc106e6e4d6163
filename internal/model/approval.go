package model

import (
	"time"

	"github.com/google/uuid"
)

// RiskLevel is a four-point severity ranking attached to triggers and
// aggregated per approval request.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank returns the ordering position of the risk level (low < medium < high
// < critical). Unknown levels rank below low.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	}
	return 0
}

// MaxRiskLevel returns the higher-ranked of a and b.
func MaxRiskLevel(a, b RiskLevel) RiskLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// TriggerCondition identifies one of the closed set of approval trigger
// conditions. Each condition has exactly one evaluator in the approval
// package; adding a condition is a compile-time-checked change there.
type TriggerCondition string

const (
	CondCostExceedsUsd             TriggerCondition = "cost_exceeds_usd"
	CondCostExceedsPercentOfBudget TriggerCondition = "cost_exceeds_percent_of_budget"
	CondScopeIncludes              TriggerCondition = "scope_includes"
	CondScopeMatchesPattern        TriggerCondition = "scope_matches_pattern"
	CondDomainNotInAllowlist       TriggerCondition = "domain_not_in_allowlist"
	CondOperationIrreversible      TriggerCondition = "operation_irreversible"
	CondEnvironmentIsProduction    TriggerCondition = "environment_is_production"

	// Reserved for future extension; always evaluate false.
	CondAffectsUsersExceeds  TriggerCondition = "affects_users_exceeds"
	CondDataSensitivityLevel TriggerCondition = "data_sensitivity_level"
)

// ApprovalTrigger is a configured rule that, when matched, forces a human
// decision before a step proceeds. Threshold carries the numeric threshold
// for cost conditions; Pattern carries the substring or regular expression
// for scope conditions. The unused field is ignored by the evaluator.
type ApprovalTrigger struct {
	ID          string           `json:"id"`
	Condition   TriggerCondition `json:"condition"`
	Threshold   float64          `json:"threshold,omitempty"`
	Pattern     string           `json:"pattern,omitempty"`
	RiskLevel   RiskLevel        `json:"riskLevel"`
	Description string           `json:"description"`
}

// ToolMeta describes the tool a step is about to invoke, as far as the
// approval triggers care about it.
type ToolMeta struct {
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	Scopes         []string `json:"scopes,omitempty"`
	AllowedDomains []string `json:"allowedDomains,omitempty"`
	SideEffect     bool     `json:"sideEffect"`
	HasRollback    bool     `json:"hasRollback"`
}

// ApprovalContext is the input to trigger evaluation: everything known about
// the step about to execute.
type ApprovalContext struct {
	RunID              uuid.UUID      `json:"runId"`
	StepIndex          int            `json:"stepIndex"`
	Tool               ToolMeta       `json:"tool"`
	Input              map[string]any `json:"input,omitempty"`
	EstimatedCostUsd   float64        `json:"estimatedCostUsd"`
	BudgetRemainingUsd float64        `json:"budgetRemainingUsd"`
	BudgetTotalUsd     float64        `json:"budgetTotalUsd"`
	Environment        string         `json:"environment"`
	RequestedBy        string         `json:"requestedBy"`
}

// ApprovalCheck is the result of evaluating all configured triggers against
// an ApprovalContext. Triggers combine with OR semantics; RiskLevel is the
// maximum across matched triggers.
type ApprovalCheck struct {
	Required  bool              `json:"required"`
	Triggers  []ApprovalTrigger `json:"triggers"`
	RiskLevel RiskLevel         `json:"riskLevel"`
}

// ApprovalStatus is the lifecycle state of an approval request. Transitions
// only pending -> {approved, declined, expired}; non-pending is immutable.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDeclined ApprovalStatus = "declined"
	ApprovalExpired  ApprovalStatus = "expired"
)

// ApprovalAction is the human-readable description of the gated operation.
type ApprovalAction struct {
	ToolName     string `json:"toolName"`
	Description  string `json:"description"`
	InputSummary string `json:"inputSummary"`
}

// ApprovalDecision is the human outcome of a pending request.
type ApprovalDecision string

const (
	DecisionApproved ApprovalDecision = "approved"
	DecisionDeclined ApprovalDecision = "declined"
)

// ApprovalResolution records the human decision on a request.
type ApprovalResolution struct {
	Decision      ApprovalDecision `json:"decision"`
	Reason        string           `json:"reason,omitempty"`
	ModifiedInput map[string]any   `json:"modifiedInput,omitempty"`
}

// ApprovalRequest is one pause point requiring a human decision. The owning
// run is paused (awaiting_approval) while the request is pending.
type ApprovalRequest struct {
	ID          uuid.UUID           `json:"id"`
	RunID       uuid.UUID           `json:"runId"`
	StepIndex   int                 `json:"stepIndex"`
	Action      ApprovalAction      `json:"action"`
	RiskLevel   RiskLevel           `json:"riskLevel"`
	RiskFactors []string            `json:"riskFactors"`
	RequestedBy string              `json:"requestedBy"`
	RequestedAt time.Time           `json:"requestedAt"`
	ExpiresAt   time.Time           `json:"expiresAt"`
	Status      ApprovalStatus      `json:"status"`
	ResolvedBy  *string             `json:"resolvedBy,omitempty"`
	ResolvedAt  *time.Time          `json:"resolvedAt,omitempty"`
	Resolution  *ApprovalResolution `json:"resolution,omitempty"`
}
