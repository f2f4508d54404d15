package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/remiges-tech/flowq/queue"
)

// countingQuerier implements only CountsByStatus; the embedded interface
// panics on anything else, which would mean the cache leaked a call.
type countingQuerier struct {
	queue.Querier
	counts queue.StatusCounts
	calls  int
}

func (c *countingQuerier) CountsByStatus(_ context.Context, _ string) (queue.StatusCounts, error) {
	c.calls++
	return c.counts, nil
}

func newCacheUnderTest(t *testing.T, q queue.Querier, ttl time.Duration) (*queue.StatusCache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return queue.NewStatusCache(q, client, ttl), mr
}

func TestStatusCacheMissThenHit(t *testing.T) {
	q := &countingQuerier{counts: queue.StatusCounts{Pending: 42, Processing: 7}}
	sc, _ := newCacheUnderTest(t, q, 30*time.Second)
	ctx := context.Background()

	got, err := sc.CountsByStatus(ctx, "rpa1")
	require.NoError(t, err)
	require.Equal(t, int64(42), got.Pending)
	require.Equal(t, 1, q.calls)

	// second read is served from Redis
	got, err = sc.CountsByStatus(ctx, "rpa1")
	require.NoError(t, err)
	require.Equal(t, int64(42), got.Pending)
	require.Equal(t, 1, q.calls)
}

func TestStatusCacheExpiry(t *testing.T) {
	q := &countingQuerier{counts: queue.StatusCounts{Pending: 5}}
	sc, mr := newCacheUnderTest(t, q, time.Second)
	ctx := context.Background()

	_, err := sc.CountsByStatus(ctx, "rpa1")
	require.NoError(t, err)
	require.Equal(t, 1, q.calls)

	mr.FastForward(2 * time.Second)

	_, err = sc.CountsByStatus(ctx, "rpa1")
	require.NoError(t, err)
	require.Equal(t, 2, q.calls)
}

func TestStatusCacheInvalidate(t *testing.T) {
	q := &countingQuerier{counts: queue.StatusCounts{Pending: 5}}
	sc, mr := newCacheUnderTest(t, q, time.Minute)
	ctx := context.Background()

	_, err := sc.CountsByStatus(ctx, "rpa1")
	require.NoError(t, err)
	require.True(t, mr.Exists(queue.FlowStatusKey("rpa1")))

	sc.Invalidate(ctx, "rpa1")
	require.False(t, mr.Exists(queue.FlowStatusKey("rpa1")))

	_, err = sc.CountsByStatus(ctx, "rpa1")
	require.NoError(t, err)
	require.Equal(t, 2, q.calls)
}

func TestStatusCacheCorruptEntryRefreshes(t *testing.T) {
	q := &countingQuerier{counts: queue.StatusCounts{Pending: 9}}
	sc, mr := newCacheUnderTest(t, q, time.Minute)
	ctx := context.Background()

	require.NoError(t, mr.Set(queue.FlowStatusKey("rpa1"), "not json"))

	got, err := sc.CountsByStatus(ctx, "rpa1")
	require.NoError(t, err)
	require.Equal(t, int64(9), got.Pending)
	require.Equal(t, 1, q.calls)
}

func TestStatusCacheRedisDownFallsThrough(t *testing.T) {
	q := &countingQuerier{counts: queue.StatusCounts{Pending: 3}}
	sc, mr := newCacheUnderTest(t, q, time.Minute)
	ctx := context.Background()

	mr.Close()

	got, err := sc.CountsByStatus(ctx, "rpa1")
	require.NoError(t, err)
	require.Equal(t, int64(3), got.Pending)
	require.Equal(t, 1, q.calls)
}

func TestStatusCacheNilClientPassesThrough(t *testing.T) {
	q := &countingQuerier{counts: queue.StatusCounts{Pending: 1}}
	sc := queue.NewStatusCache(q, nil, time.Minute)

	for i := 0; i < 3; i++ {
		_, err := sc.CountsByStatus(context.Background(), "rpa1")
		require.NoError(t, err)
	}
	require.Equal(t, 3, q.calls)
}

func TestFlowStatusKeyHashTag(t *testing.T) {
	require.Equal(t, "FLOWQ_{rpa1}_QSTATUS", queue.FlowStatusKey("rpa1"))
}
