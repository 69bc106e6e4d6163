package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kiroku/internal/model"
)

// DefaultTTL is how long a request stays resolvable before expiring.
const DefaultTTL = 24 * time.Hour

// inputSummaryLimit caps the rendered input in the request's action so the
// operator queue stays scannable. Full input remains on the step row.
const inputSummaryLimit = 200

// Store is the persistence surface the manager needs. *storage.DB satisfies it.
type Store interface {
	CreateApproval(ctx context.Context, a model.ApprovalRequest) (model.ApprovalRequest, error)
	GetApproval(ctx context.Context, id uuid.UUID) (model.ApprovalRequest, error)
	ResolveApproval(ctx context.Context, id uuid.UUID, resolvedBy string, res model.ApprovalResolution) (model.ApprovalRequest, error)
	PendingApprovalsForRun(ctx context.Context, runID uuid.UUID) ([]model.ApprovalRequest, error)
	AllPendingApprovals(ctx context.Context, limit int) ([]model.ApprovalRequest, error)
	ExpireApprovals(ctx context.Context) ([]model.ApprovalRequest, error)
	AwaitApproval(ctx context.Context, id uuid.UUID) error
	ResumeRun(ctx context.Context, id uuid.UUID) error
	FailRun(ctx context.Context, id uuid.UUID, runErr model.RunError) (model.Run, error)
}

// Manager owns the approval request lifecycle and its coupling to run
// state: requesting pauses the run, an approved resolution resumes it, a
// declined resolution fails it.
type Manager struct {
	store    Store
	triggers []model.ApprovalTrigger
	ttl      time.Duration
	logger   *slog.Logger
}

// NewManager creates a Manager with the given trigger set. A nil or empty
// trigger set falls back to DefaultTriggers.
func NewManager(store Store, triggers []model.ApprovalTrigger, ttl time.Duration, logger *slog.Logger) *Manager {
	if len(triggers) == 0 {
		triggers = DefaultTriggers()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{store: store, triggers: triggers, ttl: ttl, logger: logger}
}

// CheckRequired evaluates the configured triggers against the context
// without creating anything.
func (m *Manager) CheckRequired(ctx model.ApprovalContext) model.ApprovalCheck {
	return Check(m.triggers, ctx)
}

// Request creates a pending approval request for the step described by
// apctx and pauses the owning run. The check should come from
// CheckRequired; a non-required check is a caller bug.
func (m *Manager) Request(ctx context.Context, apctx model.ApprovalContext, check model.ApprovalCheck) (model.ApprovalRequest, error) {
	if !check.Required {
		return model.ApprovalRequest{}, fmt.Errorf("approval: request without a matched trigger")
	}

	req := model.ApprovalRequest{
		RunID:     apctx.RunID,
		StepIndex: apctx.StepIndex,
		Action: model.ApprovalAction{
			ToolName:     apctx.Tool.Name,
			Description:  apctx.Tool.Description,
			InputSummary: summarizeInput(apctx.Input),
		},
		RiskLevel:   check.RiskLevel,
		RiskFactors: riskFactorsFromTriggers(check.Triggers),
		RequestedBy: apctx.RequestedBy,
		RequestedAt: time.Now().UTC(),
	}
	req.ExpiresAt = req.RequestedAt.Add(m.ttl)

	created, err := m.store.CreateApproval(ctx, req)
	if err != nil {
		return model.ApprovalRequest{}, err
	}

	if err := m.store.AwaitApproval(ctx, apctx.RunID); err != nil {
		return model.ApprovalRequest{}, fmt.Errorf("approval: pause run %s: %w", apctx.RunID, err)
	}

	m.logger.Info("approval requested",
		"approval_id", created.ID,
		"run_id", created.RunID,
		"step_index", created.StepIndex,
		"tool", created.Action.ToolName,
		"risk_level", created.RiskLevel,
		"expires_at", created.ExpiresAt,
	)
	return created, nil
}

// Resolve records a human decision and moves the owning run accordingly:
// approved resumes it, declined fails it with a non-retryable error. The
// storage layer guarantees at most one resolution wins; callers racing a
// resolved or expired request get storage.ErrAlreadyResolved or
// storage.ErrApprovalExpired.
func (m *Manager) Resolve(ctx context.Context, id uuid.UUID, resolvedBy string, res model.ApprovalResolution) (model.ApprovalRequest, error) {
	resolved, err := m.store.ResolveApproval(ctx, id, resolvedBy, res)
	if err != nil {
		return resolved, err
	}

	switch res.Decision {
	case model.DecisionApproved:
		if err := m.store.ResumeRun(ctx, resolved.RunID); err != nil {
			return resolved, fmt.Errorf("approval: resume run %s: %w", resolved.RunID, err)
		}
	case model.DecisionDeclined:
		stepIndex := resolved.StepIndex
		msg := "operation declined by " + resolvedBy
		if res.Reason != "" {
			msg = msg + ": " + res.Reason
		}
		if _, err := m.store.FailRun(ctx, resolved.RunID, model.RunError{
			Code:      model.ErrCodeApprovalDeclined,
			Message:   msg,
			StepIndex: &stepIndex,
			Retryable: false,
		}); err != nil {
			return resolved, fmt.Errorf("approval: fail run %s: %w", resolved.RunID, err)
		}
	default:
		return resolved, fmt.Errorf("approval: unknown decision %q", res.Decision)
	}

	m.logger.Info("approval resolved",
		"approval_id", resolved.ID,
		"run_id", resolved.RunID,
		"decision", res.Decision,
		"resolved_by", resolvedBy,
	)
	return resolved, nil
}

// PendingForRun returns the pending requests gating one run.
func (m *Manager) PendingForRun(ctx context.Context, runID uuid.UUID) ([]model.ApprovalRequest, error) {
	return m.store.PendingApprovalsForRun(ctx, runID)
}

// AllPending returns the operator queue across all runs.
func (m *Manager) AllPending(ctx context.Context, limit int) ([]model.ApprovalRequest, error) {
	return m.store.AllPendingApprovals(ctx, limit)
}

// Get returns a single request by id.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (model.ApprovalRequest, error) {
	return m.store.GetApproval(ctx, id)
}

// ExpireOld sweeps pending requests past their expiry. Affected runs stay
// in awaiting_approval; an operator decides whether to fail or re-request.
// Returns the number of requests expired.
func (m *Manager) ExpireOld(ctx context.Context) (int, error) {
	expired, err := m.store.ExpireApprovals(ctx)
	if err != nil {
		return 0, err
	}
	for _, a := range expired {
		m.logger.Warn("approval expired unresolved",
			"approval_id", a.ID,
			"run_id", a.RunID,
			"step_index", a.StepIndex,
			"requested_at", a.RequestedAt,
		)
	}
	return len(expired), nil
}

// summarizeInput renders the step input as compact JSON truncated for
// display. Truncation counts runes, not bytes, so a multi-byte character
// at the cut point is never split.
func summarizeInput(input map[string]any) string {
	if len(input) == 0 {
		return "{}"
	}
	b, err := json.Marshal(input)
	if err != nil {
		return fmt.Sprintf("%v", input)
	}
	s := string(b)
	if runes := []rune(s); len(runes) > inputSummaryLimit {
		return string(runes[:inputSummaryLimit]) + "..."
	}
	return s
}
