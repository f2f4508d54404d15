package worker

import (
	"context"
	"time"

	"github.com/remiges-tech/flowq/metrics"
	"github.com/remiges-tech/flowq/queue"
)

// RecoverOrphans resets records stuck in processing past the orphan timeout
// back to pending and returns the count. Every worker runs this on a
// schedule; concurrent runs compete on row locks but the status guard in
// the reset statement keeps the operation idempotent, so overlap is
// harmless. Each reset bumps retry_count, which keeps runaway records
// observable.
func (w *Worker) RecoverOrphans(ctx context.Context) (int64, error) {
	now := time.Now()
	n, err := w.queries.ResetOrphaned(ctx, queue.ResetOrphanedParams{
		Before: now.Add(-w.cfg.OrphanTimeout),
		Now:    now,
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		w.mtr.RecordWithLabels(metrics.OrphansRecovered, float64(n), w.cfg.FlowName)
		if w.statusCache != nil {
			w.statusCache.Invalidate(ctx, w.cfg.FlowName)
		}
		w.logger.Info().LogActivity("Recovered orphaned records", map[string]any{
			"count":      n,
			"instanceId": w.instanceID,
			"timeoutSec": int(w.cfg.OrphanTimeout.Seconds()),
		})
	}
	return n, nil
}

// ResetFailedRecords promotes failed records of this worker's flow that are
// below the retry ceiling back to pending. Operator-triggered requeue; the
// loop never calls it on its own.
func (w *Worker) ResetFailedRecords(ctx context.Context) (int64, error) {
	n, err := w.queries.ResetFailed(ctx, queue.ResetFailedParams{
		FlowName:   w.cfg.FlowName,
		MaxRetries: w.cfg.MaxRetries,
		Now:        time.Now(),
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if w.statusCache != nil {
			w.statusCache.Invalidate(ctx, w.cfg.FlowName)
		}
		w.logger.Info().LogActivity("Reset failed records to pending", map[string]any{
			"count":      n,
			"maxRetries": w.cfg.MaxRetries,
		})
	}
	return n, nil
}

// runPeriodicRecovery runs the orphan recovery loop. The first check is
// immediate so a freshly started worker reclaims a crashed predecessor's
// records without waiting a full interval.
func (w *Worker) runPeriodicRecovery(ctx context.Context) {
	if _, err := w.RecoverOrphans(ctx); err != nil && ctx.Err() == nil {
		w.logger.Error(err).LogActivity("Initial orphan recovery failed", nil)
	}

	ticker := time.NewTicker(w.cfg.OrphanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.RecoverOrphans(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error(err).LogActivity("Periodic orphan recovery failed", nil)
			}
		}
	}
}
