package queue

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func TestNewJSONstr(t *testing.T) {
	j, err := NewJSONstr(`{"a": 1}`)
	require.NoError(t, err)
	require.True(t, j.IsValid())
	require.Equal(t, `{"a": 1}`, j.String())

	// empty input becomes the empty document
	j, err = NewJSONstr("")
	require.NoError(t, err)
	require.Equal(t, "{}", j.String())

	_, err = NewJSONstr("{not json")
	require.Error(t, err)

	var zero JSONstr
	require.False(t, zero.IsValid())
}

func TestStatusCountsDepth(t *testing.T) {
	c := StatusCounts{Pending: 10, Processing: 5, Completed: 100, Failed: 2}
	require.Equal(t, int64(15), c.Depth())
}

func TestStateTransitionError(t *testing.T) {
	err := &StateTransitionError{ID: 42, To: StatusCompleted}
	require.Contains(t, err.Error(), "42")
	require.Contains(t, err.Error(), string(StatusCompleted))
}

func TestTruncateError(t *testing.T) {
	require.Equal(t, "short", truncateError("short"))

	long := make([]byte, MaxErrorMessageBytes+100)
	for i := range long {
		long[i] = 'e'
	}
	got := truncateError(string(long))
	require.LessOrEqual(t, len(got), MaxErrorMessageBytes)

	// a cut landing inside a multi-byte rune must back up to the rune
	// boundary; a split rune is invalid UTF-8 and Postgres rejects it
	multi := strings.Repeat("a", MaxErrorMessageBytes-1) + "€€"
	got = truncateError(multi)
	require.LessOrEqual(t, len(got), MaxErrorMessageBytes)
	require.True(t, utf8.ValidString(got))
	require.Equal(t, MaxErrorMessageBytes-1, len(got))
}
