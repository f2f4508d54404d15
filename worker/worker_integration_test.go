package worker_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/remiges-tech/flowq/config"
	"github.com/remiges-tech/flowq/pg"
	"github.com/remiges-tech/flowq/queue"
	"github.com/remiges-tech/flowq/worker"
)

// trackingProcessor counts peak in-flight invocations. The 1ms sleep per
// record makes worker runs overlap; without it one worker can drain the
// whole queue before the others wake from their first idle sleep.
type trackingProcessor struct {
	active atomic.Int64
	peak   atomic.Int64
}

func (p *trackingProcessor) Process(_ context.Context, rec queue.QueueRecord) (queue.JSONstr, error) {
	cur := p.active.Add(1)
	for {
		prev := p.peak.Load()
		if cur <= prev || p.peak.CompareAndSwap(prev, cur) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	p.active.Add(-1)
	return queue.NewJSONstr(`{"done": true}`)
}

// TestMultiWorkerDrain runs several workers against one queue store and
// verifies every record completes exactly once with no failures and no rows
// left behind.
func TestMultiWorkerDrain(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test requiring Docker")
	}

	const (
		numWorkers     = 3
		totalRecords   = 300
		overallTimeout = 60 * time.Second
	)

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("flowq"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	defer pgContainer.Terminate(ctx)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := pg.NewProvider(ctx, config.StoreConfig{
		Name:         "queue",
		Dialect:      "postgres",
		DSN:          connStr,
		PoolSize:     4,
		PoolOverflow: 8,
		QueryTimeout: 10 * time.Second,
		Required:     true,
	}, testLogger())
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Migrate(ctx)
	require.NoError(t, err)

	q := queue.New(db)
	payloads := make([]queue.JSONstr, totalRecords)
	for i := range payloads {
		payloads[i], err = queue.NewJSONstr(fmt.Sprintf(`{"seq": %d}`, i))
		require.NoError(t, err)
	}
	_, err = q.InsertPending(ctx, queue.InsertPendingParams{
		FlowName: "rpa1",
		Payloads: payloads,
		Now:      time.Now(),
	})
	require.NoError(t, err)

	processor := &trackingProcessor{}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		w := worker.NewWorker(q, db, nil, nil, testLogger(), &worker.Config{
			FlowName:       "rpa1",
			InstanceID:     fmt.Sprintf("it-worker-%d", i),
			BatchSize:      20,
			Concurrency:    4,
			OrphanInterval: time.Hour,
			IdleBackoffMin: 50 * time.Millisecond,
			IdleBackoffMax: 200 * time.Millisecond,
		})
		require.NoError(t, w.RegisterProcessor("rpa1", processor))

		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, w.Run(runCtx))
		}()
	}

	deadline := time.After(overallTimeout)
	for {
		counts, err := q.CountsByStatus(ctx, "rpa1")
		require.NoError(t, err)
		if counts.Completed == totalRecords {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("queue not drained: %+v", counts)
		case <-time.After(200 * time.Millisecond):
		}
	}
	cancel()
	wg.Wait()

	counts, err := q.CountsByStatus(ctx, "rpa1")
	require.NoError(t, err)
	require.Equal(t, int64(totalRecords), counts.Completed)
	require.Zero(t, counts.Pending)
	require.Zero(t, counts.Processing)
	require.Zero(t, counts.Failed)

	require.Greater(t, processor.peak.Load(), int64(1), "workers never overlapped")
}
