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

const approvalColumns = `id, run_id, step_index, action, risk_level, risk_factors,
	 requested_by, requested_at, expires_at, status, resolved_by, resolved_at, resolution`

// CreateApproval inserts a pending approval request.
func (db *DB) CreateApproval(ctx context.Context, a model.ApprovalRequest) (model.ApprovalRequest, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.Status = model.ApprovalPending
	if a.RequestedAt.IsZero() {
		a.RequestedAt = time.Now().UTC()
	}
	if a.RiskFactors == nil {
		a.RiskFactors = []string{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO approval_requests (id, run_id, step_index, action, risk_level,
		 risk_factors, requested_by, requested_at, expires_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.RunID, a.StepIndex, a.Action, a.RiskLevel,
		a.RiskFactors, a.RequestedBy, a.RequestedAt, a.ExpiresAt, a.Status,
	)
	if err != nil {
		return model.ApprovalRequest{}, fmt.Errorf("storage: create approval: %w", err)
	}
	return a, nil
}

// GetApproval retrieves an approval request by ID.
func (db *DB) GetApproval(ctx context.Context, id uuid.UUID) (model.ApprovalRequest, error) {
	a, err := db.scanApprovalRow(db.pool.QueryRow(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ApprovalRequest{}, ErrNotFound
		}
		return model.ApprovalRequest{}, fmt.Errorf("storage: get approval: %w", err)
	}
	return a, nil
}

// ResolveApproval records a human decision on a pending request. The UPDATE
// only matches a request that is still pending and not yet past its expiry,
// so exactly one of two concurrent resolvers wins; the loser finds out why
// it lost from the row's current state. A request past its expiry is moved
// to expired as a side effect and reported as ErrApprovalExpired.
func (db *DB) ResolveApproval(ctx context.Context, id uuid.UUID, resolvedBy string, res model.ApprovalResolution) (model.ApprovalRequest, error) {
	status := model.ApprovalApproved
	if res.Decision == model.DecisionDeclined {
		status = model.ApprovalDeclined
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE approval_requests
		 SET status = $1, resolved_by = $2, resolved_at = now(), resolution = $3
		 WHERE id = $4 AND status = 'pending' AND expires_at > now()`,
		status, resolvedBy, res, id,
	)
	if err != nil {
		return model.ApprovalRequest{}, fmt.Errorf("storage: resolve approval: %w", err)
	}

	if tag.RowsAffected() == 0 {
		existing, err := db.GetApproval(ctx, id)
		if err != nil {
			return model.ApprovalRequest{}, err
		}
		if existing.Status != model.ApprovalPending {
			return existing, ErrAlreadyResolved
		}
		// Still pending, so the guard failed on the expiry clause.
		if _, err := db.pool.Exec(ctx,
			`UPDATE approval_requests SET status = 'expired'
			 WHERE id = $1 AND status = 'pending'`, id,
		); err != nil {
			return model.ApprovalRequest{}, fmt.Errorf("storage: expire approval on resolve: %w", err)
		}
		existing.Status = model.ApprovalExpired
		return existing, ErrApprovalExpired
	}

	return db.GetApproval(ctx, id)
}

// PendingApprovalsForRun returns the pending, unexpired requests gating a
// run, oldest first.
func (db *DB) PendingApprovalsForRun(ctx context.Context, runID uuid.UUID) ([]model.ApprovalRequest, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests
		 WHERE run_id = $1 AND status = 'pending' AND expires_at > now()
		 ORDER BY requested_at ASC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: pending approvals for run: %w", err)
	}
	defer rows.Close()

	return scanApprovals(rows)
}

// AllPendingApprovals returns every pending, unexpired request across runs,
// oldest first. This backs the operator queue.
func (db *DB) AllPendingApprovals(ctx context.Context, limit int) ([]model.ApprovalRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests
		 WHERE status = 'pending' AND expires_at > now()
		 ORDER BY requested_at ASC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: all pending approvals: %w", err)
	}
	defer rows.Close()

	return scanApprovals(rows)
}

// ExpireApprovals moves every pending request past its expiry to expired
// and returns the affected rows' ids and run ids. The sweep is idempotent:
// a second pass over the same rows matches nothing.
func (db *DB) ExpireApprovals(ctx context.Context) ([]model.ApprovalRequest, error) {
	rows, err := db.pool.Query(ctx,
		`UPDATE approval_requests SET status = 'expired'
		 WHERE status = 'pending' AND expires_at <= now()
		 RETURNING `+approvalColumns,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: expire approvals: %w", err)
	}
	defer rows.Close()

	return scanApprovals(rows)
}

func (db *DB) scanApprovalRow(row pgx.Row) (model.ApprovalRequest, error) {
	var a model.ApprovalRequest
	err := scanApproval(row, &a)
	return a, err
}

func scanApproval(row pgx.Row, a *model.ApprovalRequest) error {
	return row.Scan(
		&a.ID, &a.RunID, &a.StepIndex, &a.Action, &a.RiskLevel, &a.RiskFactors,
		&a.RequestedBy, &a.RequestedAt, &a.ExpiresAt, &a.Status,
		&a.ResolvedBy, &a.ResolvedAt, &a.Resolution,
	)
}

func scanApprovals(rows pgx.Rows) ([]model.ApprovalRequest, error) {
	var approvals []model.ApprovalRequest
	for rows.Next() {
		var a model.ApprovalRequest
		if err := scanApproval(rows, &a); err != nil {
			return nil, fmt.Errorf("storage: scan approval: %w", err)
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}
