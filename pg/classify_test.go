package pg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestTransientNil(t *testing.T) {
	require.False(t, Transient(nil))
}

func TestTransientContextErrors(t *testing.T) {
	require.False(t, Transient(context.Canceled))
	require.True(t, Transient(context.DeadlineExceeded))
	require.False(t, Transient(fmt.Errorf("claim: %w", context.Canceled)))
}

func TestTransientSQLStates(t *testing.T) {
	cases := []struct {
		code string
		want bool
	}{
		{"40001", true}, // serialization failure
		{"40P01", true}, // deadlock victim
		{"53300", true}, // too_many_connections
		{"57014", true}, // statement canceled
		{"57P01", true}, // admin shutdown
		{"08006", true}, // connection failure
		{"08000", true},
		{"23505", false}, // unique violation
		{"42703", false}, // undefined column
		{"28P01", false}, // bad password
		{"22P02", false}, // invalid text representation
	}
	for _, tc := range cases {
		err := &pgconn.PgError{Code: tc.code}
		require.Equal(t, tc.want, Transient(err), "code %s", tc.code)
	}
}

func TestTransientWrappedPgError(t *testing.T) {
	err := fmt.Errorf("mark completed: %w", &pgconn.PgError{Code: "40P01"})
	require.True(t, Transient(err))

	err = fmt.Errorf("mark completed: %w", &pgconn.PgError{Code: "23514"})
	require.False(t, Transient(err))
}

func TestTransientNetworkErrors(t *testing.T) {
	require.True(t, Transient(&net.OpError{Op: "read", Err: errors.New("connection reset by peer")}))
	require.True(t, Transient(io.EOF))
	require.True(t, Transient(io.ErrUnexpectedEOF))
	require.True(t, Transient(errors.New("conn closed")))
	require.True(t, Transient(errors.New("write tcp: broken pipe")))
}

func TestTransientPlainErrorsArePermanent(t *testing.T) {
	require.False(t, Transient(errors.New("processor exploded")))
}

func TestPermanentKind(t *testing.T) {
	require.Equal(t, "constraint_violation", permanentKind(&pgconn.PgError{Code: "23505"}))
	require.Equal(t, "syntax_or_schema", permanentKind(&pgconn.PgError{Code: "42P01"}))
	require.Equal(t, "permission", permanentKind(&pgconn.PgError{Code: "28000"}))
	require.Equal(t, "error", permanentKind(errors.New("not a pg error")))
}
