package queue

import (
	"context"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/remiges-tech/flowq/pg"
)

// Querier is the typed surface over the queue table. The worker loop, the
// orphan tick and the health surface all program against this interface;
// Queries is the Postgres implementation and tests substitute in-memory
// fakes.
type Querier interface {
	ClaimBatch(ctx context.Context, arg ClaimBatchParams) ([]QueueRecord, error)
	MarkCompleted(ctx context.Context, arg MarkCompletedParams) error
	MarkFailed(ctx context.Context, arg MarkFailedParams) error
	ResetOrphaned(ctx context.Context, arg ResetOrphanedParams) (int64, error)
	ResetFailed(ctx context.Context, arg ResetFailedParams) (int64, error)
	InsertPending(ctx context.Context, arg InsertPendingParams) (int64, error)
	CountsByStatus(ctx context.Context, flowName string) (StatusCounts, error)
	CountsByFlow(ctx context.Context) (map[string]StatusCounts, error)
	GetRecord(ctx context.Context, id int64) (QueueRecord, error)
}

type ClaimBatchParams struct {
	FlowName   string
	BatchSize  int
	InstanceID string
	Now        time.Time
}

type MarkCompletedParams struct {
	ID     int64
	Result JSONstr
	Now    time.Time
}

type MarkFailedParams struct {
	ID       int64
	ErrorMsg string
	Now      time.Time
}

type ResetOrphanedParams struct {
	Before time.Time
	Now    time.Time
}

type ResetFailedParams struct {
	FlowName   string
	MaxRetries int
	Now        time.Time
}

type InsertPendingParams struct {
	FlowName string
	Payloads []JSONstr
	Now      time.Time
}

// Queries renders the protocol SQL and executes it through one gateway. It
// is stateless beyond the gateway reference and safe for concurrent use.
type Queries struct {
	db *pg.Provider
}

func New(db *pg.Provider) *Queries {
	return &Queries{db: db}
}

// maxClaimBatch bounds a single claim transaction regardless of what the
// caller asks for.
const maxClaimBatch = 1000

const claimBatchSQL = `
WITH picked AS (
    SELECT id
    FROM processing_queue
    WHERE flow_name = $1 AND status = 'pending'
    ORDER BY created_at, id
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
UPDATE processing_queue q
SET status = 'processing',
    flow_instance_id = $3,
    claimed_at = $4,
    updated_at = $4
FROM picked
WHERE q.id = picked.id
RETURNING q.id, q.flow_name, q.payload, q.retry_count, q.created_at`

// ClaimBatch atomically moves up to BatchSize pending records of the flow to
// processing under this instance's ownership. SKIP LOCKED lets concurrent
// workers take disjoint batches in one round-trip; FIFO is by created_at
// with id as tie-break. An empty queue returns an empty slice, not an error.
func (q *Queries) ClaimBatch(ctx context.Context, arg ClaimBatchParams) ([]QueueRecord, error) {
	if arg.BatchSize <= 0 {
		return nil, nil
	}
	size := arg.BatchSize
	if size > maxClaimBatch {
		size = maxClaimBatch
	}

	var recs []QueueRecord
	err := q.db.Do(ctx, "claim_batch", func(ctx context.Context) error {
		rows, err := q.db.Pool().Query(ctx, claimBatchSQL,
			arg.FlowName, size, arg.InstanceID, arg.Now)
		if err != nil {
			return err
		}
		defer rows.Close()

		recs = recs[:0]
		for rows.Next() {
			var r QueueRecord
			var payload string
			if err := rows.Scan(&r.ID, &r.FlowName, &payload, &r.RetryCount, &r.CreatedAt); err != nil {
				return err
			}
			r.Payload, err = NewJSONstr(payload)
			if err != nil {
				return err
			}
			r.Status = StatusProcessing
			r.FlowInstanceID = arg.InstanceID
			claimed := arg.Now
			r.ClaimedAt = &claimed
			recs = append(recs, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	// UPDATE ... RETURNING does not guarantee row order; restore FIFO.
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
	return recs, nil
}

const markCompletedSQL = `
UPDATE processing_queue
SET status = 'completed',
    completed_at = $2,
    updated_at = $2,
    payload = payload || jsonb_build_object('result', $3::jsonb)
WHERE id = $1 AND status = 'processing'`

// MarkCompleted finalizes a record, merging the result document into the
// payload under the "result" key so the original input is preserved. The
// status guard rejects repeat transitions; a retried call after a lost
// commit acknowledgement surfaces as a StateTransitionError rather than a
// double write.
func (q *Queries) MarkCompleted(ctx context.Context, arg MarkCompletedParams) error {
	if len(arg.Result.String()) > MaxResultBytes {
		return ErrResultTooLarge
	}
	affected, err := q.db.Exec(ctx, "mark_completed", markCompletedSQL,
		arg.ID, arg.Now, arg.Result.String())
	if err != nil {
		return err
	}
	if affected == 0 {
		return &StateTransitionError{ID: arg.ID, To: StatusCompleted}
	}
	return nil
}

const markFailedSQL = `
UPDATE processing_queue
SET status = 'failed',
    completed_at = $2,
    updated_at = $2,
    error_message = $3,
    retry_count = retry_count + 1
WHERE id = $1 AND status = 'processing'`

// MarkFailed finalizes a record as failed, storing the truncated error text
// and bumping retry_count so runaway records stay observable.
func (q *Queries) MarkFailed(ctx context.Context, arg MarkFailedParams) error {
	affected, err := q.db.Exec(ctx, "mark_failed", markFailedSQL,
		arg.ID, arg.Now, truncateError(arg.ErrorMsg))
	if err != nil {
		return err
	}
	if affected == 0 {
		return &StateTransitionError{ID: arg.ID, To: StatusFailed}
	}
	return nil
}

const resetOrphanedSQL = `
UPDATE processing_queue
SET status = 'pending',
    flow_instance_id = NULL,
    claimed_at = NULL,
    retry_count = retry_count + 1,
    updated_at = $2
WHERE status = 'processing' AND claimed_at < $1`

// ResetOrphaned returns records stuck in processing since before the cutoff
// to pending. The status+claimed_at guard makes concurrent runs from many
// workers idempotent: the second UPDATE matches zero rows.
func (q *Queries) ResetOrphaned(ctx context.Context, arg ResetOrphanedParams) (int64, error) {
	return q.db.Exec(ctx, "reset_orphaned", resetOrphanedSQL, arg.Before, arg.Now)
}

const resetFailedSQL = `
UPDATE processing_queue
SET status = 'pending',
    completed_at = NULL,
    error_message = NULL,
    updated_at = $3
WHERE flow_name = $1 AND status = 'failed' AND retry_count < $2`

// ResetFailed promotes failed records below the retry ceiling back to
// pending, clearing the stale error text. Records at or above the ceiling
// stay failed for out-of-band triage.
func (q *Queries) ResetFailed(ctx context.Context, arg ResetFailedParams) (int64, error) {
	return q.db.Exec(ctx, "reset_failed", resetFailedSQL,
		arg.FlowName, arg.MaxRetries, arg.Now)
}

const insertPendingSQL = `
INSERT INTO processing_queue (flow_name, payload, status, created_at, updated_at)
VALUES ($1, $2, 'pending', $3, $3)`

// InsertPending seeds records for a flow in one transaction. It exists for
// seeders, operator tooling and tests; the worker itself never inserts.
func (q *Queries) InsertPending(ctx context.Context, arg InsertPendingParams) (int64, error) {
	if len(arg.Payloads) == 0 {
		return 0, nil
	}
	err := q.db.WithTx(ctx, "insert_pending", func(ctx context.Context, tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, p := range arg.Payloads {
			batch.Queue(insertPendingSQL, arg.FlowName, p.String(), arg.Now)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return 0, err
	}
	return int64(len(arg.Payloads)), nil
}

const countsByStatusSQL = `
SELECT status, COUNT(*)
FROM processing_queue
WHERE $1 = '' OR flow_name = $1
GROUP BY status`

// CountsByStatus snapshots the queue for one flow, or for every flow when
// flowName is empty.
func (q *Queries) CountsByStatus(ctx context.Context, flowName string) (StatusCounts, error) {
	var counts StatusCounts
	err := q.db.Do(ctx, "counts_by_status", func(ctx context.Context) error {
		rows, err := q.db.Pool().Query(ctx, countsByStatusSQL, flowName)
		if err != nil {
			return err
		}
		defer rows.Close()

		counts = StatusCounts{}
		for rows.Next() {
			var status Status
			var n int64
			if err := rows.Scan(&status, &n); err != nil {
				return err
			}
			counts.set(status, n)
		}
		return rows.Err()
	})
	return counts, err
}

const countsByFlowSQL = `
SELECT flow_name, status, COUNT(*)
FROM processing_queue
GROUP BY flow_name, status`

// CountsByFlow snapshots the queue per flow for the health report.
func (q *Queries) CountsByFlow(ctx context.Context) (map[string]StatusCounts, error) {
	var byFlow map[string]StatusCounts
	err := q.db.Do(ctx, "counts_by_flow", func(ctx context.Context) error {
		rows, err := q.db.Pool().Query(ctx, countsByFlowSQL)
		if err != nil {
			return err
		}
		defer rows.Close()

		byFlow = make(map[string]StatusCounts)
		for rows.Next() {
			var flow string
			var status Status
			var n int64
			if err := rows.Scan(&flow, &status, &n); err != nil {
				return err
			}
			c := byFlow[flow]
			c.set(status, n)
			byFlow[flow] = c
		}
		return rows.Err()
	})
	return byFlow, err
}

const getRecordSQL = `
SELECT id, flow_name, payload, status, flow_instance_id, claimed_at,
       completed_at, error_message, retry_count, created_at, updated_at
FROM processing_queue
WHERE id = $1`

// GetRecord fetches one record by id. Used by operator tooling and tests.
func (q *Queries) GetRecord(ctx context.Context, id int64) (QueueRecord, error) {
	var r QueueRecord
	err := q.db.Do(ctx, "get_record", func(ctx context.Context) error {
		var payload string
		var instanceID, errMsg *string
		err := q.db.Pool().QueryRow(ctx, getRecordSQL, id).Scan(
			&r.ID, &r.FlowName, &payload, &r.Status, &instanceID,
			&r.ClaimedAt, &r.CompletedAt, &errMsg, &r.RetryCount,
			&r.CreatedAt, &r.UpdatedAt)
		if err != nil {
			return err
		}
		if r.Payload, err = NewJSONstr(payload); err != nil {
			return err
		}
		if instanceID != nil {
			r.FlowInstanceID = *instanceID
		}
		if errMsg != nil {
			r.ErrorMessage = *errMsg
		}
		return nil
	})
	return r, err
}

func (c *StatusCounts) set(status Status, n int64) {
	switch status {
	case StatusPending:
		c.Pending = n
	case StatusProcessing:
		c.Processing = n
	case StatusCompleted:
		c.Completed = n
	case StatusFailed:
		c.Failed = n
	}
}

// truncateError bounds stored error text. The cut backs up to a rune
// boundary; a split rune would be invalid UTF-8 and Postgres rejects that,
// failing the very UPDATE that records the failure.
func truncateError(msg string) string {
	if len(msg) <= MaxErrorMessageBytes {
		return msg
	}
	cut := MaxErrorMessageBytes
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
