package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// FlowStatusKey returns the Redis key for a flow's cached queue counts.
// Uses hash tag {flow} for Redis Cluster slot co-location.
func FlowStatusKey(flow string) string {
	return fmt.Sprintf("FLOWQ_{%s}_QSTATUS", flow)
}

// StatusCache caches CountsByStatus results in Redis with a short TTL so
// frequent health probes and autoscaler polls do not hammer the queue store.
// A nil client disables caching entirely; every call falls through to the
// database.
type StatusCache struct {
	querier Querier
	client  *redis.Client
	ttl     time.Duration
}

func NewStatusCache(querier Querier, client *redis.Client, ttl time.Duration) *StatusCache {
	return &StatusCache{querier: querier, client: client, ttl: ttl}
}

// CountsByStatus returns the cached snapshot for the flow, refreshing it
// from the database on a miss. Cache failures degrade to a direct database
// read; the cache is an optimization, never a source of truth.
func (sc *StatusCache) CountsByStatus(ctx context.Context, flow string) (StatusCounts, error) {
	if sc.client == nil {
		return sc.querier.CountsByStatus(ctx, flow)
	}

	key := FlowStatusKey(flow)
	cached, err := sc.client.Get(ctx, key).Result()
	if err == nil {
		var counts StatusCounts
		if jerr := json.Unmarshal([]byte(cached), &counts); jerr == nil {
			return counts, nil
		}
		// Unparseable entry: drop it and refresh below.
		sc.client.Del(ctx, key)
	} else if err != redis.Nil {
		return sc.querier.CountsByStatus(ctx, flow)
	}

	counts, err := sc.querier.CountsByStatus(ctx, flow)
	if err != nil {
		return StatusCounts{}, err
	}

	if buf, jerr := json.Marshal(counts); jerr == nil {
		sc.client.Set(ctx, key, buf, sc.ttl)
	}
	return counts, nil
}

// Invalidate drops the cached snapshot for a flow. Called after operations
// that move many records at once (orphan recovery, reset_failed) so the
// health surface does not report a stale backlog for a full TTL.
func (sc *StatusCache) Invalidate(ctx context.Context, flow string) {
	if sc.client == nil {
		return
	}
	sc.client.Del(ctx, FlowStatusKey(flow))
}
