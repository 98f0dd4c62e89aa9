package db

import (
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes the stores care about.
const (
	codeUniqueViolation = "23505"
	classConnection     = "08"
)

// IsUniqueViolation reports whether err is a PostgreSQL unique_violation.
// An empty constraint matches any unique constraint.
func IsUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code != codeUniqueViolation {
			return false
		}
		if strings.TrimSpace(constraint) == "" {
			return true
		}
		return strings.EqualFold(pgErr.ConstraintName, strings.TrimSpace(constraint))
	}

	// Wrapped errors sometimes lose the concrete type.
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "sqlstate 23505") {
		return constraint == "" || strings.Contains(msg, strings.ToLower(constraint))
	}
	return false
}

// IsConnectionError reports whether err means the database could not be reached
// or the connection was lost mid-statement.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, classConnection)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return pgconn.SafeToRetry(err)
}
