package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	// ErrRetryable marks lock-wait timeouts, deadlocks and serialization
	// failures. The transaction was rolled back and the caller may retry.
	ErrRetryable        = errors.New("retryable store failure")
	ErrInvalidReference = errors.New("invalid reference")
	ErrNoTx             = errors.New("operation requires a transaction")
)

const (
	sqlStateUniqueViolation     = "23505"
	sqlStateForeignKeyViolation = "23503"
	sqlStateCheckViolation      = "23514"
	sqlStateLockNotAvailable    = "55P03"
	sqlStateDeadlockDetected    = "40P01"
	sqlStateSerialization       = "40001"
)

// classify maps driver errors onto the package sentinels while keeping the
// original error in the chain.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case sqlStateUniqueViolation:
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case sqlStateForeignKeyViolation, sqlStateCheckViolation:
		return fmt.Errorf("%w: %w", ErrInvalidReference, err)
	case sqlStateLockNotAvailable, sqlStateDeadlockDetected, sqlStateSerialization:
		return fmt.Errorf("%w: %w", ErrRetryable, err)
	default:
		return err
	}
}
