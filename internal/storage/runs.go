package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kiroku/internal/model"
)

const runColumns = `id, idempotency_key, agent_id, input, status, budget, consumed,
	 current_model, effort_level, trace_id, tenant_id, user_id, output, error,
	 created_at, updated_at, completed_at`

// CreateRun inserts a run, or returns the existing run when one with the
// same idempotency key already exists. The insert uses ON CONFLICT DO
// NOTHING on the idempotency key so two concurrent creates with the same
// key produce exactly one row; the loser of the race re-fetches the
// winner's row. The returned bool reports whether a new row was inserted.
func (db *DB) CreateRun(ctx context.Context, r model.Run) (model.Run, bool, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	now := time.Now().UTC()
	r.Status = model.RunStatusRunning
	r.Consumed = model.ZeroUsage(r.CurrentModel)
	r.CreatedAt = now
	r.UpdatedAt = now
	if r.Input == nil {
		r.Input = map[string]any{}
	}

	tag, err := db.pool.Exec(ctx,
		`INSERT INTO runs (id, idempotency_key, agent_id, input, status, budget, consumed,
		 current_model, effort_level, trace_id, tenant_id, user_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		r.ID, r.IdempotencyKey, r.AgentID, r.Input, r.Status, r.Budget, r.Consumed,
		r.CurrentModel, r.EffortLevel, r.TraceID, r.TenantID, r.UserID, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return model.Run{}, false, fmt.Errorf("storage: create run: %w", err)
	}

	if tag.RowsAffected() == 0 {
		existing, err := db.FindRunByIdempotencyKey(ctx, r.IdempotencyKey)
		if err != nil {
			return model.Run{}, false, fmt.Errorf("storage: fetch run after conflict: %w", err)
		}
		return existing, false, nil
	}

	return r, true, nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	r, err := db.scanRunRow(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, ErrNotFound
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return r, nil
}

// FindRunByIdempotencyKey retrieves a run by its idempotency key.
func (db *DB) FindRunByIdempotencyKey(ctx context.Context, key string) (model.Run, error) {
	r, err := db.scanRunRow(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE idempotency_key = $1`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, ErrNotFound
		}
		return model.Run{}, fmt.Errorf("storage: find run by idempotency key: %w", err)
	}
	return r, nil
}

// UpdateRunStatus moves a run to the given status, enforcing the state
// machine in the UPDATE's WHERE clause so concurrent writers cannot race a
// run out of a terminal state. Terminal statuses set completed_at exactly
// once; an already-set completed_at is never overwritten.
func (db *DB) UpdateRunStatus(ctx context.Context, id uuid.UUID, status model.RunStatus) error {
	if !status.Valid() {
		return fmt.Errorf("storage: unknown run status %q", status)
	}

	allowedFrom := statusesAllowingTransitionTo(status)

	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = $1, updated_at = now(),
		 completed_at = CASE WHEN $2 THEN COALESCE(completed_at, now()) ELSE completed_at END
		 WHERE id = $3 AND status = ANY($4)`,
		status, status.Terminal(), id, allowedFrom,
	)
	if err != nil {
		return fmt.Errorf("storage: update run status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.classifyRunUpdateMiss(ctx, id)
	}
	return nil
}

// UpdateRunConsumed replaces the run's consumed snapshot. Snapshots must be
// monotonically non-decreasing; a regressing snapshot is rejected with
// ErrUsageRegression and the stored value is untouched. Only live runs
// accept snapshots; a terminal run's accounting is part of the audit trail.
// The row is locked for the comparison so concurrent reporters serialize.
func (db *DB) UpdateRunConsumed(ctx context.Context, id uuid.UUID, consumed model.Usage) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current model.Usage
	var status model.RunStatus
	err = tx.QueryRow(ctx,
		`SELECT consumed, status FROM runs WHERE id = $1 FOR UPDATE`, id,
	).Scan(&current, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("storage: lock run for consumed update: %w", err)
	}

	if status != model.RunStatusRunning && status != model.RunStatusAwaitingApproval {
		return fmt.Errorf("%w: run %s is %s", ErrInvalidTransition, id, status)
	}
	if !consumed.AtLeast(current) {
		return ErrUsageRegression
	}

	if _, err := tx.Exec(ctx,
		`UPDATE runs SET consumed = $1, updated_at = now() WHERE id = $2`,
		consumed, id,
	); err != nil {
		return fmt.Errorf("storage: update run consumed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit consumed update: %w", err)
	}
	return nil
}

// UpdateRunModel records a model switch on a live run. Downgrades bump the
// consumed downgrade counter so the audit trail shows how often the run
// fell back to a cheaper model.
func (db *DB) UpdateRunModel(ctx context.Context, id uuid.UUID, modelName, effortLevel string, downgrade bool) error {
	query := `UPDATE runs SET current_model = $1, effort_level = $2, updated_at = now()
		 WHERE id = $3 AND status IN ('running', 'awaiting_approval')`
	if downgrade {
		query = `UPDATE runs SET current_model = $1, effort_level = $2, updated_at = now(),
			 consumed = jsonb_set(consumed, '{downgrades}',
			   to_jsonb(COALESCE((consumed->>'downgrades')::int, 0) + 1))
			 WHERE id = $3 AND status IN ('running', 'awaiting_approval')`
	}

	tag, err := db.pool.Exec(ctx, query, modelName, effortLevel, id)
	if err != nil {
		return fmt.Errorf("storage: update run model: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.classifyRunUpdateMiss(ctx, id)
	}
	return nil
}

// FinishRun records a successful end of a run: completed when every step
// succeeded, partial when some work landed before a non-fatal stop. Only a
// running run can finish.
func (db *DB) FinishRun(ctx context.Context, id uuid.UUID, status model.RunStatus, output map[string]any, consumed model.Usage) (model.Run, error) {
	if status != model.RunStatusCompleted && status != model.RunStatusPartial {
		return model.Run{}, fmt.Errorf("storage: finish run: %q is not a success status", status)
	}
	if output == nil {
		output = map[string]any{}
	}

	if err := db.UpdateRunConsumed(ctx, id, consumed); err != nil {
		return model.Run{}, err
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = $1, output = $2, updated_at = now(),
		 completed_at = COALESCE(completed_at, now())
		 WHERE id = $3 AND status = 'running'`,
		status, output, id,
	)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Run{}, db.classifyRunUpdateMiss(ctx, id)
	}

	return db.GetRun(ctx, id)
}

// FailRun records a terminal failure with a structured error. Both running
// and paused runs may fail (a declined approval fails a paused run).
func (db *DB) FailRun(ctx context.Context, id uuid.UUID, runErr model.RunError) (model.Run, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = 'failed', error = $1, updated_at = now(),
		 completed_at = COALESCE(completed_at, now())
		 WHERE id = $2 AND status IN ('running', 'awaiting_approval')`,
		runErr, id,
	)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: fail run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Run{}, db.classifyRunUpdateMiss(ctx, id)
	}

	return db.GetRun(ctx, id)
}

// CancelRun moves a running run to cancelled.
func (db *DB) CancelRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = 'cancelled', updated_at = now(),
		 completed_at = COALESCE(completed_at, now())
		 WHERE id = $1 AND status = 'running'`,
		id,
	)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: cancel run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Run{}, db.classifyRunUpdateMiss(ctx, id)
	}

	return db.GetRun(ctx, id)
}

// AwaitApproval pauses a running run for a pending approval request.
func (db *DB) AwaitApproval(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = 'awaiting_approval', updated_at = now()
		 WHERE id = $1 AND status = 'running'`, id,
	)
	if err != nil {
		return fmt.Errorf("storage: await approval: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.classifyRunUpdateMiss(ctx, id)
	}
	return nil
}

// ResumeRun moves a paused run back to running after an approval.
func (db *DB) ResumeRun(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = 'running', updated_at = now()
		 WHERE id = $1 AND status = 'awaiting_approval'`, id,
	)
	if err != nil {
		return fmt.Errorf("storage: resume run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.classifyRunUpdateMiss(ctx, id)
	}
	return nil
}

// FindRecentRuns returns an agent's runs created at or after since, newest
// first.
func (db *DB) FindRecentRuns(ctx context.Context, agentID string, since time.Time, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE agent_id = $1 AND created_at >= $2
		 ORDER BY created_at DESC LIMIT $3`,
		agentID, since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: find recent runs: %w", err)
	}
	defer rows.Close()

	return scanRuns(rows)
}

// FindRunsByStatus returns runs in the given status, oldest first, for
// operator reconciliation sweeps.
func (db *DB) FindRunsByStatus(ctx context.Context, status model.RunStatus, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE status = $1 ORDER BY created_at ASC LIMIT $2`,
		status, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: find runs by status: %w", err)
	}
	defer rows.Close()

	return scanRuns(rows)
}

// classifyRunUpdateMiss distinguishes a missing run from a guarded update
// that matched zero rows because the run was in the wrong state.
func (db *DB) classifyRunUpdateMiss(ctx context.Context, id uuid.UUID) error {
	var status model.RunStatus
	err := db.pool.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("storage: classify run update miss: %w", err)
	}
	return fmt.Errorf("%w: run %s is %s", ErrInvalidTransition, id, status)
}

// statusesAllowingTransitionTo inverts the state machine: the set of
// statuses from which target is reachable.
func statusesAllowingTransitionTo(target model.RunStatus) []model.RunStatus {
	all := []model.RunStatus{
		model.RunStatusRunning, model.RunStatusAwaitingApproval,
		model.RunStatusCompleted, model.RunStatusPartial,
		model.RunStatusFailed, model.RunStatusCancelled,
	}
	var from []model.RunStatus
	for _, s := range all {
		if s.CanTransition(target) {
			from = append(from, s)
		}
	}
	return from
}

func (db *DB) scanRunRow(row pgx.Row) (model.Run, error) {
	var r model.Run
	err := row.Scan(
		&r.ID, &r.IdempotencyKey, &r.AgentID, &r.Input, &r.Status, &r.Budget,
		&r.Consumed, &r.CurrentModel, &r.EffortLevel, &r.TraceID, &r.TenantID,
		&r.UserID, &r.Output, &r.Error, &r.CreatedAt, &r.UpdatedAt, &r.CompletedAt,
	)
	return r, err
}

func scanRuns(rows pgx.Rows) ([]model.Run, error) {
	var runs []model.Run
	for rows.Next() {
		var r model.Run
		if err := rows.Scan(
			&r.ID, &r.IdempotencyKey, &r.AgentID, &r.Input, &r.Status, &r.Budget,
			&r.Consumed, &r.CurrentModel, &r.EffortLevel, &r.TraceID, &r.TenantID,
			&r.UserID, &r.Output, &r.Error, &r.CreatedAt, &r.UpdatedAt, &r.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
