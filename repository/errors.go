package repository

import (
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when no shard holds a matching user. It is an
	// expected outcome, not a failure.
	ErrNotFound = errors.New("user not found")

	// ErrStorage wraps every failure to reach or query a shard
	ErrStorage = errors.New("storage failure")

	// ErrInvalidID is returned for external ids that cannot exist
	ErrInvalidID = errors.New("invalid user id")

	// ErrLoginTaken is returned when inserting a login that already exists
	ErrLoginTaken = errors.New("login already exists")
)

func storageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// isUniqueViolation recognises duplicate key errors from both supported drivers
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UniqueViolation
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgerrcode.UniqueViolation
	}
	return false
}
