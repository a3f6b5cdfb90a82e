package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrVersionConflict is returned when a compare-and-swap on a version
	// counter loses a race.
	ErrVersionConflict = errors.New("version conflict")
	ErrForkExists      = errors.New("active fork already exists")
	ErrForkInactive    = errors.New("fork is not active")
	ErrStale           = errors.New("fork is behind its document")
	ErrStatusConflict  = errors.New("proposal status changed concurrently")
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
