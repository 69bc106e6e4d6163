package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/storage"
	"github.com/ashita-ai/kiroku/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func maxCost(v float64) model.ExecutionBudget {
	return model.ExecutionBudget{MaxCostUsd: &v}
}

// mustCreateRun inserts a fresh run with a unique idempotency key.
func mustCreateRun(t *testing.T) model.Run {
	t.Helper()
	run, inserted, err := testDB.CreateRun(context.Background(), model.Run{
		IdempotencyKey: "test:" + uuid.NewString(),
		AgentID:        "test-agent",
		Input:          map[string]any{"task": "summarize"},
		Budget:         maxCost(10),
		CurrentModel:   "gpt-5",
	})
	require.NoError(t, err)
	require.True(t, inserted)
	return run
}

func TestCreateRun_SetsDefaults(t *testing.T) {
	run := mustCreateRun(t)

	assert.NotEqual(t, uuid.Nil, run.ID)
	assert.Equal(t, model.RunStatusRunning, run.Status)
	assert.Equal(t, "gpt-5", run.Consumed.ModelUsed)
	assert.Zero(t, run.Consumed.CostUsd)
	assert.Nil(t, run.CompletedAt)
}

func TestCreateRun_DeduplicatesOnIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	key := "test:" + uuid.NewString()

	first, inserted, err := testDB.CreateRun(ctx, model.Run{
		IdempotencyKey: key,
		AgentID:        "test-agent",
		Budget:         maxCost(5),
		CurrentModel:   "gpt-5",
	})
	require.NoError(t, err)
	require.True(t, inserted)

	// A retry with the same key returns the original run unchanged, even
	// when the rest of the payload differs.
	second, inserted, err := testDB.CreateRun(ctx, model.Run{
		IdempotencyKey: key,
		AgentID:        "test-agent",
		Budget:         maxCost(500),
		CurrentModel:   "gpt-5-mini",
	})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "gpt-5", second.CurrentModel)
}

func TestGetRun_NotFound(t *testing.T) {
	_, err := testDB.GetRun(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateRunStatus_RejectsTerminalTransitions(t *testing.T) {
	ctx := context.Background()
	run := mustCreateRun(t)

	_, err := testDB.CancelRun(ctx, run.ID)
	require.NoError(t, err)

	// Terminal states are final.
	err = testDB.UpdateRunStatus(ctx, run.ID, model.RunStatusRunning)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)
	_, err = testDB.FailRun(ctx, run.ID, model.RunError{Code: "X", Message: "y"})
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, got.Status)
}

func TestUpdateRunStatus_CompletedAtSetOnce(t *testing.T) {
	ctx := context.Background()
	run := mustCreateRun(t)

	require.NoError(t, testDB.UpdateRunStatus(ctx, run.ID, model.RunStatusFailed))
	first, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, first.CompletedAt)

	// A repeated terminal update must not move the completion timestamp.
	err = testDB.UpdateRunStatus(ctx, run.ID, model.RunStatusFailed)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)
	again, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, *first.CompletedAt, *again.CompletedAt)
}

func TestAwaitAndResume(t *testing.T) {
	ctx := context.Background()
	run := mustCreateRun(t)

	require.NoError(t, testDB.AwaitApproval(ctx, run.ID))
	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusAwaitingApproval, got.Status)

	// awaiting_approval only goes back to running or to failed.
	_, err = testDB.CancelRun(ctx, run.ID)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)

	require.NoError(t, testDB.ResumeRun(ctx, run.ID))
	got, err = testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, got.Status)

	// Resuming a run that is not paused is a transition error.
	err = testDB.ResumeRun(ctx, run.ID)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)
}

func TestUpdateRunConsumed_Monotonic(t *testing.T) {
	ctx := context.Background()
	run := mustCreateRun(t)

	require.NoError(t, testDB.UpdateRunConsumed(ctx, run.ID, model.Usage{
		InputTokens: 100, OutputTokens: 50, TotalTokens: 150,
		CostUsd: 0.25, DurationMs: 900, Steps: 1, ModelUsed: "gpt-5",
	}))

	// A snapshot reporting less work than the recorded one is rejected and
	// the recorded one survives.
	err := testDB.UpdateRunConsumed(ctx, run.ID, model.Usage{
		InputTokens: 90, OutputTokens: 50, TotalTokens: 140,
		CostUsd: 0.20, DurationMs: 900, Steps: 1, ModelUsed: "gpt-5",
	})
	assert.ErrorIs(t, err, storage.ErrUsageRegression)

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.Consumed.InputTokens)
	assert.Equal(t, 0.25, got.Consumed.CostUsd)
}

func TestUpdateRunConsumed_TerminalRunImmutable(t *testing.T) {
	ctx := context.Background()
	run := mustCreateRun(t)

	_, err := testDB.CancelRun(ctx, run.ID)
	require.NoError(t, err)

	err = testDB.UpdateRunConsumed(ctx, run.ID, model.Usage{
		TotalTokens: 10, CostUsd: 0.05, ModelUsed: "gpt-5",
	})
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Consumed.TotalTokens)
}

func TestUpdateRunModel_Downgrade(t *testing.T) {
	ctx := context.Background()
	run := mustCreateRun(t)

	require.NoError(t, testDB.UpdateRunModel(ctx, run.ID, "gpt-5-mini", "low", true))
	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "gpt-5-mini", got.CurrentModel)
	assert.Equal(t, "low", got.EffortLevel)
	assert.Equal(t, 1, got.Consumed.Downgrades)

	// A lateral switch does not bump the counter.
	require.NoError(t, testDB.UpdateRunModel(ctx, run.ID, "gpt-5", "", false))
	got, err = testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Consumed.Downgrades)
}

func TestFinishRun(t *testing.T) {
	ctx := context.Background()
	run := mustCreateRun(t)

	finished, err := testDB.FinishRun(ctx, run.ID, model.RunStatusCompleted,
		map[string]any{"summary": "done"},
		model.Usage{TotalTokens: 10, CostUsd: 0.01, ModelUsed: "gpt-5"},
	)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, finished.Status)
	assert.Equal(t, "done", finished.Output["summary"])
	require.NotNil(t, finished.CompletedAt)

	// Finishing again hits the terminal guard.
	_, err = testDB.FinishRun(ctx, run.ID, model.RunStatusPartial, nil, finished.Consumed)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)
}

func TestFinishRun_RejectsNonTerminalTarget(t *testing.T) {
	run := mustCreateRun(t)
	_, err := testDB.FinishRun(context.Background(), run.ID, model.RunStatusFailed, nil, model.Usage{})
	assert.Error(t, err)
}

func TestFailRun_FromAwaitingApproval(t *testing.T) {
	ctx := context.Background()
	run := mustCreateRun(t)
	require.NoError(t, testDB.AwaitApproval(ctx, run.ID))

	idx := 3
	failed, err := testDB.FailRun(ctx, run.ID, model.RunError{
		Code: "APPROVAL_DECLINED", Message: "operator said no", StepIndex: &idx,
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "APPROVAL_DECLINED", failed.Error.Code)
	assert.False(t, failed.Error.Retryable)
	require.NotNil(t, failed.Error.StepIndex)
	assert.Equal(t, 3, *failed.Error.StepIndex)
}

func TestFindRecentRuns(t *testing.T) {
	ctx := context.Background()
	agentID := "recent-" + uuid.NewString()[:8]

	for i := 0; i < 3; i++ {
		_, inserted, err := testDB.CreateRun(ctx, model.Run{
			IdempotencyKey: "test:" + uuid.NewString(),
			AgentID:        agentID,
			CurrentModel:   "gpt-5",
		})
		require.NoError(t, err)
		require.True(t, inserted)
	}

	runs, err := testDB.FindRecentRuns(ctx, agentID, time.Now().Add(-time.Hour), 2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	none, err := testDB.FindRecentRuns(ctx, agentID, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCreateStep_DeduplicatesOnIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	run := mustCreateRun(t)

	step := model.Step{
		RunID:          run.ID,
		Index:          0,
		IdempotencyKey: run.ID.String() + ":step:0:abc",
		Type:           "tool_call",
		InputHash:      "abc",
	}

	first, inserted, err := testDB.CreateStep(ctx, step)
	require.NoError(t, err)
	require.True(t, inserted)

	second, inserted, err := testDB.CreateStep(ctx, step)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first.ID, second.ID)

	steps, err := testDB.ListStepsByRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, steps, 1)
}

func TestCreateStep_RejectsLiveIndexWithDifferentInput(t *testing.T) {
	ctx := context.Background()
	run := mustCreateRun(t)

	first, inserted, err := testDB.CreateStep(ctx, model.Step{
		RunID:          run.ID,
		Index:          3,
		IdempotencyKey: run.ID.String() + ":step:3:hashA",
		Type:           "tool_call",
		InputHash:      "hashA",
	})
	require.NoError(t, err)
	require.True(t, inserted)

	// Same index, different input, first attempt still running: the slot
	// is taken.
	_, _, err = testDB.CreateStep(ctx, model.Step{
		RunID:          run.ID,
		Index:          3,
		IdempotencyKey: run.ID.String() + ":step:3:hashB",
		Type:           "tool_call",
		InputHash:      "hashB",
	})
	assert.ErrorIs(t, err, storage.ErrDuplicateStepIndex)

	// Once the first attempt fails, a corrected retry at the same index
	// goes through as a fresh row.
	_, err = testDB.FailStep(ctx, first.ID, map[string]any{"error": "bad input"}, 0, 100)
	require.NoError(t, err)

	retry, inserted, err := testDB.CreateStep(ctx, model.Step{
		RunID:          run.ID,
		Index:          3,
		IdempotencyKey: run.ID.String() + ":step:3:hashB",
		Type:           "tool_call",
		InputHash:      "hashB",
	})
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NotEqual(t, first.ID, retry.ID)
}

func TestCompleteStep_OnlyOnce(t *testing.T) {
	ctx := context.Background()
	run := mustCreateRun(t)

	step, inserted, err := testDB.CreateStep(ctx, model.Step{
		RunID:          run.ID,
		Index:          0,
		IdempotencyKey: run.ID.String() + ":step:0:h1",
		Type:           "llm_call",
		InputHash:      "h1",
	})
	require.NoError(t, err)
	require.True(t, inserted)
	assert.Equal(t, model.StepStatusRunning, step.Status)

	hash := "out1"
	done, err := testDB.CompleteStep(ctx, step.ID, model.StepResult{
		OutputHash:   &hash,
		CostUsd:      0.05,
		DurationMs:   1200,
		InputTokens:  300,
		OutputTokens: 120,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StepStatusCompleted, done.Status)
	assert.Equal(t, 0.05, done.CostUsd)
	require.NotNil(t, done.CompletedAt)

	// The ledger row is immutable once terminal.
	_, err = testDB.CompleteStep(ctx, step.ID, model.StepResult{})
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)
	_, err = testDB.FailStep(ctx, step.ID, nil, 0, 0)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)
}

func TestFailAndSkipStep(t *testing.T) {
	ctx := context.Background()
	run := mustCreateRun(t)

	failing, _, err := testDB.CreateStep(ctx, model.Step{
		RunID:          run.ID,
		Index:          0,
		IdempotencyKey: run.ID.String() + ":step:0:f",
		Type:           "tool_call",
		InputHash:      "f",
	})
	require.NoError(t, err)

	failed, err := testDB.FailStep(ctx, failing.ID, map[string]any{"error": "timeout"}, 0.01, 30000)
	require.NoError(t, err)
	assert.Equal(t, model.StepStatusFailed, failed.Status)
	assert.Equal(t, "timeout", failed.Output["error"])

	skipping, _, err := testDB.CreateStep(ctx, model.Step{
		RunID:          run.ID,
		Index:          1,
		IdempotencyKey: run.ID.String() + ":step:1:s",
		Type:           "tool_call",
		InputHash:      "s",
	})
	require.NoError(t, err)

	skipped, err := testDB.SkipStep(ctx, skipping.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StepStatusSkipped, skipped.Status)
}

func mustCreateApproval(t *testing.T, runID uuid.UUID, expiresAt time.Time) model.ApprovalRequest {
	t.Helper()
	req, err := testDB.CreateApproval(context.Background(), model.ApprovalRequest{
		RunID:     runID,
		StepIndex: 2,
		Action: model.ApprovalAction{
			ToolName:     "delete_records",
			Description:  "Delete 1200 rows",
			InputSummary: `{"table":"users"}`,
		},
		RiskLevel:   model.RiskCritical,
		RiskFactors: []string{"matched scope_includes: delete"},
		RequestedBy: "test-agent",
		ExpiresAt:   expiresAt,
	})
	require.NoError(t, err)
	return req
}

func TestResolveApproval_ExactlyOnce(t *testing.T) {
	ctx := context.Background()
	run := mustCreateRun(t)
	req := mustCreateApproval(t, run.ID, time.Now().Add(time.Hour))

	resolved, err := testDB.ResolveApproval(ctx, req.ID, "operator-1", model.ApprovalResolution{
		Decision: model.DecisionApproved,
		Reason:   "looks safe",
	})
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalApproved, resolved.Status)
	require.NotNil(t, resolved.ResolvedBy)
	assert.Equal(t, "operator-1", *resolved.ResolvedBy)
	require.NotNil(t, resolved.Resolution)
	assert.Equal(t, "looks safe", resolved.Resolution.Reason)

	// The second resolver loses and learns the recorded outcome.
	again, err := testDB.ResolveApproval(ctx, req.ID, "operator-2", model.ApprovalResolution{
		Decision: model.DecisionDeclined,
	})
	assert.ErrorIs(t, err, storage.ErrAlreadyResolved)
	assert.Equal(t, model.ApprovalApproved, again.Status)
}

func TestResolveApproval_PastExpiry(t *testing.T) {
	ctx := context.Background()
	run := mustCreateRun(t)
	req := mustCreateApproval(t, run.ID, time.Now().Add(-time.Minute))

	expired, err := testDB.ResolveApproval(ctx, req.ID, "operator-1", model.ApprovalResolution{
		Decision: model.DecisionApproved,
	})
	assert.ErrorIs(t, err, storage.ErrApprovalExpired)
	assert.Equal(t, model.ApprovalExpired, expired.Status)

	// The late resolve moved the row to expired; a retry now sees that.
	_, err = testDB.ResolveApproval(ctx, req.ID, "operator-1", model.ApprovalResolution{
		Decision: model.DecisionApproved,
	})
	assert.ErrorIs(t, err, storage.ErrAlreadyResolved)
}

func TestExpireApprovals_Idempotent(t *testing.T) {
	ctx := context.Background()
	run := mustCreateRun(t)
	stale := mustCreateApproval(t, run.ID, time.Now().Add(-time.Minute))
	fresh := mustCreateApproval(t, run.ID, time.Now().Add(time.Hour))

	expired, err := testDB.ExpireApprovals(ctx)
	require.NoError(t, err)
	ids := make([]uuid.UUID, 0, len(expired))
	for _, e := range expired {
		ids = append(ids, e.ID)
	}
	assert.Contains(t, ids, stale.ID)
	assert.NotContains(t, ids, fresh.ID)

	// Second sweep matches nothing new for this pair.
	expired, err = testDB.ExpireApprovals(ctx)
	require.NoError(t, err)
	for _, e := range expired {
		assert.NotEqual(t, stale.ID, e.ID)
		assert.NotEqual(t, fresh.ID, e.ID)
	}

	pending, err := testDB.PendingApprovalsForRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, fresh.ID, pending[0].ID)
}

func TestAllPendingApprovals_OldestFirst(t *testing.T) {
	ctx := context.Background()
	run := mustCreateRun(t)
	first := mustCreateApproval(t, run.ID, time.Now().Add(time.Hour))
	second := mustCreateApproval(t, run.ID, time.Now().Add(time.Hour))

	all, err := testDB.AllPendingApprovals(ctx, 1000)
	require.NoError(t, err)

	var firstIdx, secondIdx int
	for i, a := range all {
		if a.ID == first.ID {
			firstIdx = i
		}
		if a.ID == second.ID {
			secondIdx = i
		}
	}
	assert.Less(t, firstIdx, secondIdx)
}

func TestAgents(t *testing.T) {
	ctx := context.Background()
	agentID := "agent-" + uuid.NewString()[:8]

	created, err := testDB.CreateAgent(ctx, model.Agent{
		AgentID:    agentID,
		Name:       "Test Agent",
		Role:       model.RoleAgent,
		APIKeyHash: "$argon2id$fake",
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, created.ID)

	got, err := testDB.GetAgentByAgentID(ctx, agentID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, model.RoleAgent, got.Role)

	_, err = testDB.GetAgentByAgentID(ctx, "missing-"+uuid.NewString())
	assert.ErrorIs(t, err, storage.ErrNotFound)

	count, err := testDB.CountAgents(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, 1)
}
