// Package approval implements human-in-the-loop gating: trigger evaluation
// deciding when an operation needs a human, and a manager owning the
// request lifecycle (create, resolve, expire) and its coupling to run state.
package approval

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ashita-ai/kiroku/internal/model"
)

// DefaultTriggers returns the baseline trigger set applied when no custom
// configuration is provided.
func DefaultTriggers() []model.ApprovalTrigger {
	return []model.ApprovalTrigger{
		{
			ID:          "cost_50_percent",
			Condition:   model.CondCostExceedsPercentOfBudget,
			Threshold:   50,
			RiskLevel:   model.RiskMedium,
			Description: "single operation consumes over half the remaining budget",
		},
		{
			ID:          "delete_any",
			Condition:   model.CondScopeIncludes,
			Pattern:     "delete",
			RiskLevel:   model.RiskCritical,
			Description: "tool requests a delete scope",
		},
		{
			ID:          "irreversible_no_rollback",
			Condition:   model.CondOperationIrreversible,
			RiskLevel:   model.RiskHigh,
			Description: "side-effecting operation with no rollback path",
		},
	}
}

// EvaluateTrigger reports whether a single trigger matches the context.
// Unknown and reserved conditions never match.
func EvaluateTrigger(t model.ApprovalTrigger, ctx model.ApprovalContext) bool {
	switch t.Condition {
	case model.CondCostExceedsUsd:
		return ctx.EstimatedCostUsd > t.Threshold

	case model.CondCostExceedsPercentOfBudget:
		if ctx.BudgetRemainingUsd <= 0 {
			// Nothing left; any estimated spend trips the gate.
			return ctx.EstimatedCostUsd > 0
		}
		return ctx.EstimatedCostUsd/ctx.BudgetRemainingUsd*100 > t.Threshold

	case model.CondScopeIncludes:
		for _, scope := range ctx.Tool.Scopes {
			if strings.Contains(strings.ToLower(scope), strings.ToLower(t.Pattern)) {
				return true
			}
		}
		return false

	case model.CondScopeMatchesPattern:
		re, err := regexp.Compile(t.Pattern)
		if err != nil {
			// A malformed pattern fails closed: the gate trips rather
			// than silently letting the operation through.
			return true
		}
		for _, scope := range ctx.Tool.Scopes {
			if re.MatchString(scope) {
				return true
			}
		}
		return false

	case model.CondDomainNotInAllowlist:
		// A side-effecting tool that declares no network allowlist gets
		// gated; read-only tools are exempt.
		return ctx.Tool.SideEffect && len(ctx.Tool.AllowedDomains) == 0

	case model.CondOperationIrreversible:
		return ctx.Tool.SideEffect && !ctx.Tool.HasRollback

	case model.CondEnvironmentIsProduction:
		return ctx.Environment == "production"

	case model.CondAffectsUsersExceeds, model.CondDataSensitivityLevel:
		// Reserved conditions; no evaluator yet.
		return false
	}

	return false
}

// Check evaluates every trigger against the context with OR semantics. The
// result carries all matched triggers and the maximum risk level among them.
func Check(triggers []model.ApprovalTrigger, ctx model.ApprovalContext) model.ApprovalCheck {
	check := model.ApprovalCheck{RiskLevel: model.RiskLow}
	for _, t := range triggers {
		if EvaluateTrigger(t, ctx) {
			check.Required = true
			check.Triggers = append(check.Triggers, t)
			check.RiskLevel = model.MaxRiskLevel(check.RiskLevel, t.RiskLevel)
		}
	}
	return check
}

// riskFactorsFromTriggers renders matched triggers into human-readable
// factors for the request record.
func riskFactorsFromTriggers(triggers []model.ApprovalTrigger) []string {
	factors := make([]string, 0, len(triggers))
	for _, t := range triggers {
		if t.Description != "" {
			factors = append(factors, t.Description)
			continue
		}
		factors = append(factors, fmt.Sprintf("trigger %s matched", t.ID))
	}
	return factors
}
