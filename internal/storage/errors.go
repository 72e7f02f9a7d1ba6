package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// sqliteCoder matches *sqlite.Error from modernc.org/sqlite.
type sqliteCoder interface {
	Code() int
}

// IsTransient reports whether err is a conflict that a later attempt of the
// same statement can clear: a Postgres serialization failure or deadlock, or
// SQLite reporting the database busy or a table locked.
func IsTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
		return false
	}

	var liteErr sqliteCoder
	if errors.As(err, &liteErr) {
		// Extended codes carry the primary code in the low byte.
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	return false
}
