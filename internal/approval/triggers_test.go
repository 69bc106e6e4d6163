package approval

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/kiroku/internal/model"
)

func TestEvaluateTrigger_CostExceedsUsd(t *testing.T) {
	trig := model.ApprovalTrigger{Condition: model.CondCostExceedsUsd, Threshold: 10}

	assert.True(t, EvaluateTrigger(trig, model.ApprovalContext{EstimatedCostUsd: 10.01}))
	assert.False(t, EvaluateTrigger(trig, model.ApprovalContext{EstimatedCostUsd: 10}))
	assert.False(t, EvaluateTrigger(trig, model.ApprovalContext{EstimatedCostUsd: 3}))
}

func TestEvaluateTrigger_CostExceedsPercentOfBudget(t *testing.T) {
	trig := model.ApprovalTrigger{Condition: model.CondCostExceedsPercentOfBudget, Threshold: 50}

	assert.True(t, EvaluateTrigger(trig, model.ApprovalContext{
		EstimatedCostUsd: 6, BudgetRemainingUsd: 10,
	}))
	assert.False(t, EvaluateTrigger(trig, model.ApprovalContext{
		EstimatedCostUsd: 4, BudgetRemainingUsd: 10,
	}))

	// Exhausted budget trips on any spend at all.
	assert.True(t, EvaluateTrigger(trig, model.ApprovalContext{
		EstimatedCostUsd: 0.01, BudgetRemainingUsd: 0,
	}))
	assert.False(t, EvaluateTrigger(trig, model.ApprovalContext{
		EstimatedCostUsd: 0, BudgetRemainingUsd: 0,
	}))
}

func TestEvaluateTrigger_ScopeIncludes(t *testing.T) {
	trig := model.ApprovalTrigger{Condition: model.CondScopeIncludes, Pattern: "delete"}

	assert.True(t, EvaluateTrigger(trig, model.ApprovalContext{
		Tool: model.ToolMeta{Scopes: []string{"files:read", "files:delete"}},
	}))
	assert.True(t, EvaluateTrigger(trig, model.ApprovalContext{
		Tool: model.ToolMeta{Scopes: []string{"DB:DELETE"}},
	}), "scope matching is case-insensitive")
	assert.False(t, EvaluateTrigger(trig, model.ApprovalContext{
		Tool: model.ToolMeta{Scopes: []string{"files:read"}},
	}))
}

func TestEvaluateTrigger_ScopeMatchesPattern(t *testing.T) {
	trig := model.ApprovalTrigger{Condition: model.CondScopeMatchesPattern, Pattern: `^payments:`}

	assert.True(t, EvaluateTrigger(trig, model.ApprovalContext{
		Tool: model.ToolMeta{Scopes: []string{"payments:charge"}},
	}))
	assert.False(t, EvaluateTrigger(trig, model.ApprovalContext{
		Tool: model.ToolMeta{Scopes: []string{"reports:payments"}},
	}))

	// A broken regex fails closed.
	broken := model.ApprovalTrigger{Condition: model.CondScopeMatchesPattern, Pattern: `([`}
	assert.True(t, EvaluateTrigger(broken, model.ApprovalContext{
		Tool: model.ToolMeta{Scopes: []string{"anything"}},
	}))
}

func TestEvaluateTrigger_DomainNotInAllowlist(t *testing.T) {
	trig := model.ApprovalTrigger{Condition: model.CondDomainNotInAllowlist}

	assert.True(t, EvaluateTrigger(trig, model.ApprovalContext{
		Tool: model.ToolMeta{SideEffect: true},
	}))
	assert.False(t, EvaluateTrigger(trig, model.ApprovalContext{
		Tool: model.ToolMeta{SideEffect: true, AllowedDomains: []string{"api.example.com"}},
	}))
	assert.False(t, EvaluateTrigger(trig, model.ApprovalContext{
		Tool: model.ToolMeta{SideEffect: false},
	}), "read-only tools are exempt")
}

func TestEvaluateTrigger_OperationIrreversible(t *testing.T) {
	trig := model.ApprovalTrigger{Condition: model.CondOperationIrreversible}

	assert.True(t, EvaluateTrigger(trig, model.ApprovalContext{
		Tool: model.ToolMeta{SideEffect: true, HasRollback: false},
	}))
	assert.False(t, EvaluateTrigger(trig, model.ApprovalContext{
		Tool: model.ToolMeta{SideEffect: true, HasRollback: true},
	}))
	assert.False(t, EvaluateTrigger(trig, model.ApprovalContext{
		Tool: model.ToolMeta{SideEffect: false},
	}))
}

func TestEvaluateTrigger_EnvironmentIsProduction(t *testing.T) {
	trig := model.ApprovalTrigger{Condition: model.CondEnvironmentIsProduction}

	assert.True(t, EvaluateTrigger(trig, model.ApprovalContext{Environment: "production"}))
	assert.False(t, EvaluateTrigger(trig, model.ApprovalContext{Environment: "staging"}))
}

func TestEvaluateTrigger_ReservedConditionsNeverMatch(t *testing.T) {
	for _, cond := range []model.TriggerCondition{
		model.CondAffectsUsersExceeds, model.CondDataSensitivityLevel, "made_up",
	} {
		trig := model.ApprovalTrigger{Condition: cond, Threshold: 0}
		assert.False(t, EvaluateTrigger(trig, model.ApprovalContext{
			EstimatedCostUsd: 1e9,
			Environment:      "production",
			Tool:             model.ToolMeta{SideEffect: true},
		}), "condition %s must not match", cond)
	}
}

func TestCheck_OrSemanticsAndMaxRisk(t *testing.T) {
	triggers := []model.ApprovalTrigger{
		{ID: "cost", Condition: model.CondCostExceedsUsd, Threshold: 5, RiskLevel: model.RiskMedium},
		{ID: "prod", Condition: model.CondEnvironmentIsProduction, RiskLevel: model.RiskHigh},
		{ID: "scope", Condition: model.CondScopeIncludes, Pattern: "delete", RiskLevel: model.RiskCritical},
	}

	check := Check(triggers, model.ApprovalContext{
		EstimatedCostUsd: 10,
		Environment:      "production",
	})
	assert.True(t, check.Required)
	assert.Len(t, check.Triggers, 2)
	assert.Equal(t, model.RiskHigh, check.RiskLevel)

	check = Check(triggers, model.ApprovalContext{EstimatedCostUsd: 1, Environment: "dev"})
	assert.False(t, check.Required)
	assert.Empty(t, check.Triggers)
}

func TestDefaultTriggers(t *testing.T) {
	triggers := DefaultTriggers()

	// Spending over half the remaining budget needs a human.
	check := Check(triggers, model.ApprovalContext{
		EstimatedCostUsd: 3, BudgetRemainingUsd: 5,
		Tool: model.ToolMeta{HasRollback: true},
	})
	assert.True(t, check.Required)
	assert.Equal(t, model.RiskMedium, check.RiskLevel)

	// Any delete scope is critical.
	check = Check(triggers, model.ApprovalContext{
		BudgetRemainingUsd: 100,
		Tool:               model.ToolMeta{Scopes: []string{"storage:delete"}, HasRollback: true},
	})
	assert.True(t, check.Required)
	assert.Equal(t, model.RiskCritical, check.RiskLevel)
}
