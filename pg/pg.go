// Package pg is the data-store gateway: it owns one pgx connection pool per
// database, classifies and retries transient faults, applies schema
// migrations, and exposes a bounded health probe.
package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/remiges-tech/flowq/config"
	"github.com/remiges-tech/logharbour/logharbour"
)

// Provider wraps one database behind a bounded pgx pool. All access from the
// worker loop, the orphan tick and the health probe goes through the same
// pool; sizing must account for all three (see config.StoreConfig).
type Provider struct {
	cfg    config.StoreConfig
	pool   *pgxpool.Pool
	logger *logharbour.Logger
	retry  RetryPolicy
}

// NewProvider opens the pool and verifies connectivity once. Read-only
// stores get default_transaction_read_only=on at the session level so a
// misrouted write fails loudly instead of mutating a source system.
func NewProvider(ctx context.Context, cfg config.StoreConfig, logger *logharbour.Logger) (*Provider, error) {
	if logger == nil {
		panic("logger cannot be nil")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid DSN for store %s: %w", cfg.Name, err)
	}
	poolCfg.MaxConns = int32(cfg.PoolSize + cfg.PoolOverflow)
	poolCfg.MinConns = int32(cfg.PoolSize)
	poolCfg.HealthCheckPeriod = time.Minute
	if cfg.ReadOnly {
		poolCfg.ConnConfig.RuntimeParams["default_transaction_read_only"] = "on"
	}
	// Ping on checkout: a connection the server has torn down is replaced
	// instead of handed to a caller.
	poolCfg.BeforeAcquire = func(ctx context.Context, conn *pgx.Conn) bool {
		return conn.Ping(ctx) == nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool for store %s: %w", cfg.Name, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.QueryTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, &StoreUnavailableError{Store: cfg.Name, Attempts: 1, Err: err}
	}

	logger.Info().LogActivity("Store connected", map[string]any{
		"store":    cfg.Name,
		"readOnly": cfg.ReadOnly,
		"poolSize": cfg.PoolSize,
		"overflow": cfg.PoolOverflow,
	})

	return &Provider{
		cfg:    cfg,
		pool:   pool,
		logger: logger,
		retry:  DefaultRetryPolicy,
	}, nil
}

func (p *Provider) Name() string        { return p.cfg.Name }
func (p *Provider) ReadOnly() bool      { return p.cfg.ReadOnly }
func (p *Provider) Required() bool      { return p.cfg.Required }
func (p *Provider) Pool() *pgxpool.Pool { return p.pool }

// Close releases the pool. Safe to call once during shutdown.
func (p *Provider) Close() {
	p.pool.Close()
}

// Stat exposes pool statistics for the back-pressure loop and the health
// surface.
func (p *Provider) Stat() *pgxpool.Stat {
	return p.pool.Stat()
}

// Saturated reports whether every pool connection is checked out. A saturated
// pool still answers probes, so the health surface degrades instead of
// marking the store unreachable.
func (p *Provider) Saturated() bool {
	st := p.pool.Stat()
	return st.AcquiredConns() >= st.MaxConns()
}

// Do runs fn under the store's query timeout, retrying transient faults with
// jittered exponential back-off. fn may run more than once and must be safe
// to repeat. Permanent faults return a StoreError immediately; an exhausted
// retry budget returns a StoreUnavailableError.
func (p *Provider) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.retry.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.QueryTimeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}

		if !Transient(err) {
			return &StoreError{Store: p.cfg.Name, Kind: permanentKind(err), Err: err}
		}

		lastErr = err
		if attempt == p.retry.MaxAttempts {
			break
		}
		delay := p.retry.Delay(attempt)
		p.logger.Warn().LogActivity("Transient store fault, retrying", map[string]any{
			"store":   p.cfg.Name,
			"op":      op,
			"attempt": attempt,
			"delayMs": delay.Milliseconds(),
			"error":   err.Error(),
		})
		if serr := sleep(ctx, delay); serr != nil {
			return &StoreUnavailableError{Store: p.cfg.Name, Attempts: attempt, Err: lastErr}
		}
	}
	return &StoreUnavailableError{Store: p.cfg.Name, Attempts: p.retry.MaxAttempts, Err: lastErr}
}

// Exec runs one parameterized statement through Do and reports the number of
// rows affected. Values are never interpolated into the SQL text.
func (p *Provider) Exec(ctx context.Context, op string, sql string, args ...any) (int64, error) {
	var affected int64
	err := p.Do(ctx, op, func(ctx context.Context) error {
		tag, err := p.pool.Exec(ctx, sql, args...)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	return affected, err
}

// WithTx runs fn inside a transaction under the store's query timeout and
// retry policy. On any error the whole transaction rolls back; a transient
// fault reruns fn in a fresh transaction.
func (p *Provider) WithTx(ctx context.Context, op string, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return p.Do(ctx, op, func(ctx context.Context) error {
		tx, err := p.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		if err := fn(ctx, tx); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}
