package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned by repository lookups that find no row.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicate is returned when a unique-constrained insert collides,
// e.g. the canonical_events idempotency gate.
var ErrDuplicate = errors.New("storage: duplicate")

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}
