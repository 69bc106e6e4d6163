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

const stepColumns = `id, run_id, idx, idempotency_key, step_type, model, tool_name,
	 input_hash, input, output_hash, output, status, cost_usd, duration_ms,
	 input_tokens, output_tokens, thinking_tokens, side_effect_committed,
	 started_at, completed_at`

// CreateStep inserts a step, or returns the existing step when one with the
// same idempotency key already exists. As with runs, the insert races are
// settled by ON CONFLICT DO NOTHING and a re-fetch, so a retried attempt
// with identical input maps onto the first attempt's row and the caller can
// skip re-executing the side effect. Different input at an index whose
// earlier attempt is still live trips the (run_id, idx) index instead and
// surfaces ErrDuplicateStepIndex. The returned bool reports whether a new
// row was inserted.
func (db *DB) CreateStep(ctx context.Context, s model.Step) (model.Step, bool, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.Status = model.StepStatusRunning
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now().UTC()
	}

	tag, err := db.pool.Exec(ctx,
		`INSERT INTO steps (id, run_id, idx, idempotency_key, step_type, model, tool_name,
		 input_hash, input, status, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		s.ID, s.RunID, s.Index, s.IdempotencyKey, s.Type, s.Model, s.ToolName,
		s.InputHash, s.Input, s.Status, s.StartedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Step{}, false, fmt.Errorf("%w: run %s index %d", ErrDuplicateStepIndex, s.RunID, s.Index)
		}
		return model.Step{}, false, fmt.Errorf("storage: create step: %w", err)
	}

	if tag.RowsAffected() == 0 {
		existing, err := db.FindStepByIdempotencyKey(ctx, s.IdempotencyKey)
		if err != nil {
			return model.Step{}, false, fmt.Errorf("storage: fetch step after conflict: %w", err)
		}
		return existing, false, nil
	}

	return s, true, nil
}

// GetStep retrieves a step by ID.
func (db *DB) GetStep(ctx context.Context, id uuid.UUID) (model.Step, error) {
	s, err := db.scanStepRow(db.pool.QueryRow(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Step{}, ErrNotFound
		}
		return model.Step{}, fmt.Errorf("storage: get step: %w", err)
	}
	return s, nil
}

// FindStepByIdempotencyKey retrieves a step by its idempotency key. This is
// the cache-check an executor performs before running an operation: a hit
// on a completed step means the work already happened.
func (db *DB) FindStepByIdempotencyKey(ctx context.Context, key string) (model.Step, error) {
	s, err := db.scanStepRow(db.pool.QueryRow(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE idempotency_key = $1`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Step{}, ErrNotFound
		}
		return model.Step{}, fmt.Errorf("storage: find step by idempotency key: %w", err)
	}
	return s, nil
}

// CompleteStep records a successful step outcome. Only a running step can
// complete; completed and failed steps are immutable.
func (db *DB) CompleteStep(ctx context.Context, id uuid.UUID, res model.StepResult) (model.Step, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE steps SET status = 'completed', output = $1, output_hash = $2,
		 cost_usd = $3, duration_ms = $4, input_tokens = $5, output_tokens = $6,
		 thinking_tokens = $7, side_effect_committed = $8, completed_at = now()
		 WHERE id = $9 AND status = 'running'`,
		res.Output, res.OutputHash, res.CostUsd, res.DurationMs,
		res.InputTokens, res.OutputTokens, res.ThinkingTokens,
		res.SideEffectCommitted, id,
	)
	if err != nil {
		return model.Step{}, fmt.Errorf("storage: complete step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Step{}, db.classifyStepUpdateMiss(ctx, id)
	}
	return db.GetStep(ctx, id)
}

// FailStep records a failed step outcome. The error detail lands in the
// output payload so the row keeps a uniform shape.
func (db *DB) FailStep(ctx context.Context, id uuid.UUID, errDetail map[string]any, costUsd float64, durationMs int64) (model.Step, error) {
	if errDetail == nil {
		errDetail = map[string]any{}
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE steps SET status = 'failed', output = $1, cost_usd = $2,
		 duration_ms = $3, completed_at = now()
		 WHERE id = $4 AND status = 'running'`,
		errDetail, costUsd, durationMs, id,
	)
	if err != nil {
		return model.Step{}, fmt.Errorf("storage: fail step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Step{}, db.classifyStepUpdateMiss(ctx, id)
	}
	return db.GetStep(ctx, id)
}

// SkipStep marks a running step as skipped, e.g. when a declined approval
// aborts the operation before it executes.
func (db *DB) SkipStep(ctx context.Context, id uuid.UUID) (model.Step, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE steps SET status = 'skipped', completed_at = now()
		 WHERE id = $1 AND status = 'running'`, id,
	)
	if err != nil {
		return model.Step{}, fmt.Errorf("storage: skip step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Step{}, db.classifyStepUpdateMiss(ctx, id)
	}
	return db.GetStep(ctx, id)
}

// ListStepsByRun returns all steps of a run ordered by index.
func (db *DB) ListStepsByRun(ctx context.Context, runID uuid.UUID) ([]model.Step, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = $1 ORDER BY idx ASC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list steps: %w", err)
	}
	defer rows.Close()

	var steps []model.Step
	for rows.Next() {
		var s model.Step
		if err := scanStep(rows, &s); err != nil {
			return nil, fmt.Errorf("storage: scan step: %w", err)
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

func (db *DB) classifyStepUpdateMiss(ctx context.Context, id uuid.UUID) error {
	var status model.StepStatus
	err := db.pool.QueryRow(ctx, `SELECT status FROM steps WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("storage: classify step update miss: %w", err)
	}
	return fmt.Errorf("%w: step %s is %s", ErrInvalidTransition, id, status)
}

func (db *DB) scanStepRow(row pgx.Row) (model.Step, error) {
	var s model.Step
	err := scanStep(row, &s)
	return s, err
}

func scanStep(row pgx.Row, s *model.Step) error {
	return row.Scan(
		&s.ID, &s.RunID, &s.Index, &s.IdempotencyKey, &s.Type, &s.Model,
		&s.ToolName, &s.InputHash, &s.Input, &s.OutputHash, &s.Output,
		&s.Status, &s.CostUsd, &s.DurationMs, &s.InputTokens, &s.OutputTokens,
		&s.ThinkingTokens, &s.SideEffectCommitted, &s.StartedAt, &s.CompletedAt,
	)
}
