package db

import (
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// nilIfZeroTime lets the column default (NOW()) apply when t is unset.
func nilIfZeroTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// isUniqueViolation reports a PostgreSQL unique constraint violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
