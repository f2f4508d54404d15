// Package worker drives the claim/process/finalize protocol: it owns the
// instance identity, the batch-drain loop with per-record isolation, and the
// periodic orphan recovery tick.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/remiges-tech/flowq/queue"
)

// Error types for common processing failures.
var (
	ErrProcessorNotFound          = errors.New("processor not found for this flow")
	ErrProcessorAlreadyRegistered = errors.New("processor already registered for this flow")
)

// ProcessorNotFoundError wraps ErrProcessorNotFound with the flow name.
type ProcessorNotFoundError struct {
	Flow string
}

func (e *ProcessorNotFoundError) Error() string {
	return fmt.Sprintf("no Processor registered for flow %s", e.Flow)
}

func (e *ProcessorNotFoundError) Unwrap() error {
	return ErrProcessorNotFound
}

// Processor is the business-logic capability plugged into the worker loop.
// Process is invoked once per claimed record; an error (or panic) from one
// record marks only that record failed and never aborts the batch. The
// result document is merged into the record's payload on completion.
//
// Process must honor ctx for long operations: on shutdown the loop stops
// between records, but a record already handed to Process runs to
// completion.
type Processor interface {
	Process(ctx context.Context, rec queue.QueueRecord) (queue.JSONstr, error)
}

// BatchSummary is the structured result of draining one claimed batch.
type BatchSummary struct {
	Claimed    int    `json:"claimed"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
	DurationMs int64  `json:"duration_ms"`
	InstanceID string `json:"instance_id"`
}

// Config holds the worker-loop knobs. Zero values fall back to the listed
// defaults in NewWorker.
type Config struct {
	FlowName       string
	InstanceID     string // empty means auto-generate
	BatchSize      int    // default 100, clamped to [1,1000] upstream
	Concurrency    int    // in-batch parallelism, default 1
	MaxBatches     int    // 0 = unlimited; used for rolling restarts
	MaxRetries     int    // ceiling consulted by ResetFailedRecords
	OrphanTimeout  time.Duration // default 1h
	OrphanInterval time.Duration // default 5m
	IdleBackoffMin time.Duration // default 1s
	IdleBackoffMax time.Duration // default 5s
	AlertDepth     int // backlog watermark for back-pressure; 0 disables
}

// NewInstanceID builds the process-lifetime-stable worker identity
// <host>-<random>. The random token is a UUID, long enough that two
// containers on the same host never collide in practice. This identifier is
// the only coordination primitive between workers.
func NewInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	id := fmt.Sprintf("%s-%s", host, uuid.New().String())
	// flow_instance_id is varchar(100); hostnames can be long.
	if len(id) > 100 {
		id = id[len(id)-100:]
	}
	return id
}
