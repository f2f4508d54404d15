package pg

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Transient reports whether err is a fault worth retrying: connection
// resets, deadlock victims, serialization failures, operational timeouts,
// "server gone" errors. Everything else (syntax, constraint, permission,
// caller cancellation) is permanent and must surface immediately.
func Transient(err error) bool {
	if err == nil {
		return false
	}

	// Caller gave up: never retry behind its back.
	if errors.Is(err, context.Canceled) {
		return false
	}
	// Our own per-call timeout counts as an operational timeout.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientCode(pgErr.Code)
	}

	if pgconn.SafeToRetry(err) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	// pgx wraps some connection teardown paths in plain errors.
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "conn closed") ||
		strings.Contains(msg, "server closed the connection")
}

// transientCode classifies SQLSTATE codes. Class 08 is connection
// exceptions; 40001/40P01 are serialization failure and deadlock victim;
// 53300 is too_many_connections; class 57 covers operator intervention
// (server shutdown) and statement cancellation.
func transientCode(code string) bool {
	switch code {
	case "40001", "40P01", "53300", "57014", "57P01", "57P02", "57P03":
		return true
	}
	return strings.HasPrefix(code, "08")
}

// permanentKind names the failure class for a permanent error so callers and
// operators can tell constraint problems from permission problems.
func permanentKind(err error) string {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "error"
	}
	switch {
	case strings.HasPrefix(pgErr.Code, "23"):
		return "constraint_violation"
	case strings.HasPrefix(pgErr.Code, "42"):
		return "syntax_or_schema"
	case strings.HasPrefix(pgErr.Code, "28"):
		return "permission"
	default:
		return "sqlstate_" + pgErr.Code
	}
}
