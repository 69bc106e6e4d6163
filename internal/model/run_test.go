package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunStatusTerminal(t *testing.T) {
	assert.False(t, RunStatusRunning.Terminal())
	assert.False(t, RunStatusAwaitingApproval.Terminal())
	assert.True(t, RunStatusCompleted.Terminal())
	assert.True(t, RunStatusPartial.Terminal())
	assert.True(t, RunStatusFailed.Terminal())
	assert.True(t, RunStatusCancelled.Terminal())
}

func TestRunStatusCanTransition(t *testing.T) {
	// running may leave to any other state.
	for _, next := range []RunStatus{
		RunStatusAwaitingApproval, RunStatusCompleted, RunStatusPartial,
		RunStatusFailed, RunStatusCancelled,
	} {
		assert.True(t, RunStatusRunning.CanTransition(next), "running -> %s", next)
	}
	assert.False(t, RunStatusRunning.CanTransition(RunStatusRunning))

	// awaiting_approval only resumes or fails.
	assert.True(t, RunStatusAwaitingApproval.CanTransition(RunStatusRunning))
	assert.True(t, RunStatusAwaitingApproval.CanTransition(RunStatusFailed))
	assert.False(t, RunStatusAwaitingApproval.CanTransition(RunStatusCompleted))
	assert.False(t, RunStatusAwaitingApproval.CanTransition(RunStatusCancelled))

	// Terminal states are final.
	for _, s := range []RunStatus{RunStatusCompleted, RunStatusPartial, RunStatusFailed, RunStatusCancelled} {
		assert.False(t, s.CanTransition(RunStatusRunning), "%s must be terminal", s)
	}
}

func TestUsageAtLeast(t *testing.T) {
	prev := Usage{TotalTokens: 100, CostUsd: 1.5, Steps: 2, DurationMs: 900}

	later := prev
	later.TotalTokens = 150
	later.CostUsd = 2.0
	later.Steps = 3
	later.DurationMs = 1400
	assert.True(t, later.AtLeast(prev))

	regressed := prev
	regressed.TotalTokens = 50
	assert.False(t, regressed.AtLeast(prev))

	// Equal snapshots count as non-decreasing.
	assert.True(t, prev.AtLeast(prev))
}

func TestUsageAddStep(t *testing.T) {
	tool := "image.generate"
	u := ZeroUsage("sonnet-large")
	u = u.AddStep(Step{
		InputTokens:    200,
		OutputTokens:   100,
		ThinkingTokens: 50,
		CostUsd:        0.25,
		DurationMs:     1200,
		ToolName:       &tool,
	})

	assert.Equal(t, int64(300), u.TotalTokens)
	assert.Equal(t, 1, u.Steps)
	assert.Equal(t, 1, u.ToolCalls)
	assert.Equal(t, "sonnet-large", u.ModelUsed)

	// Steps without a tool don't count as tool calls.
	u = u.AddStep(Step{InputTokens: 10, OutputTokens: 5})
	assert.Equal(t, 2, u.Steps)
	assert.Equal(t, 1, u.ToolCalls)
}

func TestMaxRiskLevel(t *testing.T) {
	assert.Equal(t, RiskCritical, MaxRiskLevel(RiskLow, RiskCritical))
	assert.Equal(t, RiskHigh, MaxRiskLevel(RiskHigh, RiskMedium))
	assert.Equal(t, RiskLow, MaxRiskLevel(RiskLow, RiskLow))
	assert.Less(t, RiskLow.Rank(), RiskMedium.Rank())
	assert.Less(t, RiskMedium.Rank(), RiskHigh.Rank())
	assert.Less(t, RiskHigh.Rank(), RiskCritical.Rank())
}

func TestValidateAgentID(t *testing.T) {
	assert.NoError(t, ValidateAgentID("worker-7"))
	assert.NoError(t, ValidateAgentID("video.pipeline_2"))
	assert.Error(t, ValidateAgentID(""))
	assert.Error(t, ValidateAgentID("-leading-hyphen"))
	assert.Error(t, ValidateAgentID("has space"))
}
