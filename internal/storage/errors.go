package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrDuplicateStepIndex is returned when a step is created at a (run,
	// index) slot already held by a live attempt with different input. The
	// slot frees up once the earlier attempt fails.
	ErrDuplicateStepIndex = errors.New("storage: step index already has a live attempt")

	// ErrInvalidTransition is returned when a status update violates the run
	// state machine (e.g. resuming a run that is not awaiting approval, or
	// any transition out of a terminal state).
	ErrInvalidTransition = errors.New("storage: invalid status transition")

	// ErrUsageRegression is returned when a consumed snapshot reports less
	// total work than the one already recorded. Usage within a run is
	// monotonically non-decreasing.
	ErrUsageRegression = errors.New("storage: consumed snapshot regresses")

	// ErrAlreadyResolved is returned when resolving an approval request that
	// is no longer pending.
	ErrAlreadyResolved = errors.New("storage: approval request already resolved")

	// ErrApprovalExpired is returned when resolving an approval request past
	// its expiry; the row is transitioned to expired as a side effect.
	ErrApprovalExpired = errors.New("storage: approval request has expired")
)

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
