package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/remiges-tech/flowq/metrics"
	"github.com/remiges-tech/flowq/pg"
	"github.com/remiges-tech/flowq/queue"
	"github.com/remiges-tech/logharbour/logharbour"
	"golang.org/x/sync/errgroup"
)

// Worker is the distributed processor for one flow. Many identical Worker
// processes drain the same queue table; the skip-locked claim in the queue
// package guarantees their batches are disjoint, so the only coordination
// between them is the instance id each stamps on the rows it owns.
//
// Life cycle of a record through the worker:
//  1. ClaimBatch moves up to BatchSize pending rows to processing.
//  2. Each row is handed to the registered Processor, isolated from the
//     others; concurrency within the batch is bounded by Config.Concurrency.
//  3. The outcome is posted back as completed or failed, one row at a time.
//  4. Rows this process dies holding are returned by another worker's
//     orphan tick.
type Worker struct {
	queries     queue.Querier
	db          *pg.Provider       // optional; enables pool-saturation back-pressure
	statusCache *queue.StatusCache // optional; serves depth lookups
	mtr         metrics.Metrics
	logger      *logharbour.Logger
	cfg         Config

	mu         sync.Mutex
	processors map[string]Processor

	instanceID       string
	idleBackoff      time.Duration
	batchesRun       int
	lastEmptyAcquire int64
}

// NewWorker creates a Worker. db, statusCache and mtr may be nil; queries
// and logger may not.
func NewWorker(queries queue.Querier, db *pg.Provider, statusCache *queue.StatusCache, mtr metrics.Metrics, logger *logharbour.Logger, cfg *Config) *Worker {
	if logger == nil {
		panic("logger cannot be nil")
	}
	if queries == nil {
		panic("queries cannot be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 1
	}
	if cfg.OrphanTimeout == 0 {
		cfg.OrphanTimeout = time.Hour
	}
	if cfg.OrphanInterval == 0 {
		cfg.OrphanInterval = 5 * time.Minute
	}
	if cfg.IdleBackoffMin == 0 {
		cfg.IdleBackoffMin = time.Second
	}
	if cfg.IdleBackoffMax == 0 {
		cfg.IdleBackoffMax = 5 * time.Second
	}
	if mtr == nil {
		mtr = metrics.Nop{}
	}

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = NewInstanceID()
	}

	return &Worker{
		queries:     queries,
		db:          db,
		statusCache: statusCache,
		mtr:         mtr,
		logger:      logger,
		cfg:         *cfg,
		processors:  make(map[string]Processor),
		instanceID:  instanceID,
		idleBackoff: cfg.IdleBackoffMin,
	}
}

// InstanceID returns the identity this worker stamps on claimed records.
func (w *Worker) InstanceID() string {
	return w.instanceID
}

// RegisterProcessor registers the processing function for a flow. Each flow
// can only have one registered processor; attempting to register a second
// one returns an error.
func (w *Worker) RegisterProcessor(flow string, p Processor) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.processors[flow]; exists {
		return fmt.Errorf("%w: flow=%s", ErrProcessorAlreadyRegistered, flow)
	}
	w.processors[flow] = p
	return nil
}

func (w *Worker) processor(flow string) (Processor, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.processors[flow]
	return p, ok
}

// Run is the main loop. It claims and drains batches until ctx is cancelled
// (clean return), MaxBatches is reached (rolling restart), or the store
// fails permanently (error return; the lifecycle manager maps it to a fatal
// exit). Transient store unavailability is absorbed: the loop sleeps and
// re-probes. Run also starts the periodic orphan recovery tick and stops it
// on return.
func (w *Worker) Run(ctx context.Context) error {
	if _, ok := w.processor(w.cfg.FlowName); !ok {
		return &ProcessorNotFoundError{Flow: w.cfg.FlowName}
	}

	w.logger.Info().LogActivity("Worker starting", map[string]any{
		"flow":        w.cfg.FlowName,
		"instanceId":  w.instanceID,
		"batchSize":   w.cfg.BatchSize,
		"concurrency": w.cfg.Concurrency,
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.runPeriodicRecovery(ctx)
	}()
	defer wg.Wait()

	for {
		if ctx.Err() != nil {
			w.logger.Info().LogActivity("Worker stopping, no new batches will be claimed", map[string]any{
				"instanceId": w.instanceID,
			})
			return nil
		}

		claimed, err := w.RunOneIteration(ctx)
		switch {
		case err == nil:
		case errors.Is(err, pg.ErrStoreUnavailable):
			// The store will come back or health will take the process
			// down; either way the loop just waits.
			w.logger.Warn().LogActivity("Queue store unavailable, backing off", map[string]any{
				"instanceId": w.instanceID,
				"error":      err.Error(),
			})
			if serr := w.sleepIdle(ctx, w.cfg.IdleBackoffMax); serr != nil {
				return nil
			}
			continue
		case ctx.Err() != nil:
			return nil
		default:
			return err
		}

		if claimed > 0 {
			w.batchesRun++
			if w.cfg.MaxBatches > 0 && w.batchesRun >= w.cfg.MaxBatches {
				w.logger.Info().LogActivity("Max batches reached, exiting for rolling restart", map[string]any{
					"instanceId": w.instanceID,
					"batches":    w.batchesRun,
				})
				return nil
			}
			continue
		}

		if serr := w.sleepIdle(ctx, w.nextIdleBackoff(ctx)); serr != nil {
			return nil
		}
	}
}

// RunOneIteration claims one batch and drains it. Returns the number of
// records claimed; zero with a nil error means the queue was empty.
func (w *Worker) RunOneIteration(ctx context.Context) (int, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	p, ok := w.processor(w.cfg.FlowName)
	if !ok {
		return 0, &ProcessorNotFoundError{Flow: w.cfg.FlowName}
	}

	start := time.Now()
	recs, err := w.queries.ClaimBatch(ctx, queue.ClaimBatchParams{
		FlowName:   w.cfg.FlowName,
		BatchSize:  w.cfg.BatchSize,
		InstanceID: w.instanceID,
		Now:        start,
	})
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}

	w.mtr.RecordWithLabels(metrics.RecordsClaimed, float64(len(recs)), w.cfg.FlowName)
	w.logger.Debug0().LogActivity("Claimed batch", map[string]any{
		"instanceId": w.instanceID,
		"count":      len(recs),
	})

	var completed, failed atomic.Int64

	// Shutdown is honored between records, never mid-record: launched records
	// run detached from the loop context so the processor and the finalizing
	// update complete even after cancellation. The store's own per-call
	// timeouts keep the detached work bounded.
	recCtx := context.WithoutCancel(ctx)

	// Per-record isolation: a processor error or panic affects only its own
	// record. The group limit bounds in-batch parallelism; errors never
	// propagate through the group, so one bad record cannot cancel its
	// batchmates.
	g := new(errgroup.Group)
	g.SetLimit(w.cfg.Concurrency)
	for _, rec := range recs {
		// stop launching, leave the rest in processing for orphan recovery
		if ctx.Err() != nil {
			break
		}
		rec := rec
		g.Go(func() error {
			if w.processRecord(recCtx, p, rec) {
				completed.Add(1)
			} else {
				failed.Add(1)
			}
			return nil
		})
	}
	g.Wait()

	summary := BatchSummary{
		Claimed:    len(recs),
		Completed:  int(completed.Load()),
		Failed:     int(failed.Load()),
		DurationMs: time.Since(start).Milliseconds(),
		InstanceID: w.instanceID,
	}
	w.mtr.RecordWithLabels(metrics.RecordsCompleted, float64(summary.Completed), w.cfg.FlowName)
	w.mtr.RecordWithLabels(metrics.RecordsFailed, float64(summary.Failed), w.cfg.FlowName)
	w.mtr.RecordWithLabels(metrics.BatchDuration, time.Since(start).Seconds(), w.cfg.FlowName)
	w.logger.Info().LogActivity("Batch drained", map[string]any{
		"claimed":    summary.Claimed,
		"completed":  summary.Completed,
		"failed":     summary.Failed,
		"durationMs": summary.DurationMs,
		"instanceId": summary.InstanceID,
	})

	return len(recs), nil
}

// processRecord runs one record through the processor and posts the outcome
// back. Returns true when the record completed. A finalize failure against
// an unavailable store is logged and the record stays in processing for
// orphan recovery -- never lost, at-least-once on retry.
func (w *Worker) processRecord(ctx context.Context, p Processor, rec queue.QueueRecord) (ok bool) {
	result, perr := w.invoke(ctx, p, rec)

	now := time.Now()
	if perr != nil {
		if err := w.queries.MarkFailed(ctx, queue.MarkFailedParams{
			ID:       rec.ID,
			ErrorMsg: perr.Error(),
			Now:      now,
		}); err != nil {
			w.logger.Error(err).LogActivity("Failed to mark record failed", map[string]any{
				"recordId":   rec.ID,
				"instanceId": w.instanceID,
			})
		}
		w.logger.Warn().LogActivity("Record failed", map[string]any{
			"recordId":   rec.ID,
			"instanceId": w.instanceID,
			"error":      perr.Error(),
		})
		return false
	}

	if err := w.queries.MarkCompleted(ctx, queue.MarkCompletedParams{
		ID:     rec.ID,
		Result: result,
		Now:    now,
	}); err != nil {
		if errors.Is(err, queue.ErrResultTooLarge) {
			// Oversized results fail the record rather than truncating.
			w.queries.MarkFailed(ctx, queue.MarkFailedParams{
				ID:       rec.ID,
				ErrorMsg: err.Error(),
				Now:      now,
			})
			return false
		}
		w.logger.Error(err).LogActivity("Failed to mark record completed", map[string]any{
			"recordId":   rec.ID,
			"instanceId": w.instanceID,
		})
		return false
	}
	return true
}

// invoke calls the processor with panic containment. A panicking record is
// treated exactly like an erroring one.
func (w *Worker) invoke(ctx context.Context, p Processor, rec queue.QueueRecord) (result queue.JSONstr, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()

	result, err = p.Process(ctx, rec)
	if err != nil {
		return queue.JSONstr{}, err
	}
	if !result.IsValid() {
		result, _ = queue.NewJSONstr("")
	}
	return result, nil
}

// nextIdleBackoff computes the sleep before the next claim attempt after an
// empty batch. Jitter keeps a fleet of idle workers from polling in
// lockstep. Backlog above the watermark pulls the sleep to its floor to
// drain faster; a saturated pool stretches it to the cap so the database is
// not made worse.
func (w *Worker) nextIdleBackoff(ctx context.Context) time.Duration {
	min, max := w.cfg.IdleBackoffMin, w.cfg.IdleBackoffMax

	if w.db != nil {
		st := w.db.Stat()
		if st.EmptyAcquireCount() > w.lastEmptyAcquire {
			w.lastEmptyAcquire = st.EmptyAcquireCount()
			return max
		}
	}

	if w.cfg.AlertDepth > 0 {
		counts, err := w.countsByStatus(ctx)
		if err == nil && counts.Depth() > int64(w.cfg.AlertDepth) {
			return min
		}
	}

	spread := max - min
	if spread <= 0 {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(spread)+1))
}

func (w *Worker) countsByStatus(ctx context.Context) (queue.StatusCounts, error) {
	if w.statusCache != nil {
		return w.statusCache.CountsByStatus(ctx, w.cfg.FlowName)
	}
	return w.queries.CountsByStatus(ctx, w.cfg.FlowName)
}

func (w *Worker) sleepIdle(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
