// Package health aggregates store probes, queue counts, and lifecycle state
// into one report, and serves it over HTTP for orchestrators and operators.
package health

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/flowq/lifecycle"
	"github.com/remiges-tech/flowq/pg"
	"github.com/remiges-tech/flowq/queue"
)

// Overall status values.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// StoreProber is the slice of pg.Provider the reporter needs.
type StoreProber interface {
	Name() string
	Required() bool
	Probe(ctx context.Context, budget time.Duration) pg.ProbeResult
}

// poolPressure is implemented by stores that can report a saturated
// connection pool.
type poolPressure interface {
	Saturated() bool
}

// CountsReader yields the queue snapshot; satisfied by queue.Queries and
// queue.StatusCache.
type CountsReader interface {
	CountsByStatus(ctx context.Context, flow string) (queue.StatusCounts, error)
}

// FlowCountsReader is the optional per-flow breakdown.
type FlowCountsReader interface {
	CountsByFlow(ctx context.Context) (map[string]queue.StatusCounts, error)
}

// Instance identifies this worker process in the report.
type Instance struct {
	ID   string `json:"id"`
	Host string `json:"host"`
	Flow string `json:"flow"`
}

// LifecycleInfo is the lifecycle slice of the report.
type LifecycleInfo struct {
	State        string `json:"state"`
	UptimeSec    int64  `json:"uptime_sec"`
	RestartCount int    `json:"restart_count"`
}

// Report is the full health document served on /health.
type Report struct {
	Status    string                    `json:"status"`
	Instance  Instance                  `json:"instance"`
	Stores    map[string]pg.ProbeResult `json:"stores"`
	Queue     *QueueSnapshot            `json:"queue,omitempty"`
	Lifecycle LifecycleInfo             `json:"lifecycle"`
	TS        time.Time                 `json:"ts"`
}

// QueueSnapshot is the queue slice of the report.
type QueueSnapshot struct {
	Pending    int64                         `json:"pending"`
	Processing int64                         `json:"processing"`
	Failed     int64                         `json:"failed"`
	Completed  int64                         `json:"completed_recent"`
	ByFlow     map[string]queue.StatusCounts `json:"by_flow,omitempty"`
}

// Config holds the reporter knobs.
type Config struct {
	InstanceID    string
	FlowName      string
	Budget        time.Duration // overall probe budget, default 2s
	SlowThreshold time.Duration // probe round-trip past this degrades, default 500ms
	AlertDepth    int           // backlog past this degrades; 0 disables
	CacheFor      time.Duration // report cache, shields the DB from probe storms
}

// Reporter builds health reports. It is safe for concurrent use; reports
// are cached for a short window so frequent orchestrator probes do not
// multiply store load.
type Reporter struct {
	logger *logharbour.Logger
	cfg    Config
	host   string

	stores []StoreProber
	counts CountsReader
	flows  FlowCountsReader
	mgr    *lifecycle.Manager

	mu       sync.Mutex
	cached   *Report
	cachedAt time.Time
}

// NewReporter wires a reporter over the given stores and lifecycle manager.
// counts and flows may be nil when the queue store is not yet available.
func NewReporter(logger *logharbour.Logger, cfg Config, mgr *lifecycle.Manager, stores []StoreProber, counts CountsReader, flows FlowCountsReader) *Reporter {
	if logger == nil {
		panic("NewReporter: logger is required")
	}
	if cfg.Budget <= 0 {
		cfg.Budget = 2 * time.Second
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = 500 * time.Millisecond
	}
	if cfg.CacheFor <= 0 {
		cfg.CacheFor = time.Second
	}
	host, _ := os.Hostname()
	return &Reporter{
		logger: logger,
		cfg:    cfg,
		host:   host,
		stores: stores,
		counts: counts,
		flows:  flows,
		mgr:    mgr,
	}
}

// Bind attaches the store probers and queue readers once the stores are
// connected. The server can start before the stores so /live answers during
// Starting; until Bind, reports carry no store or queue sections.
func (r *Reporter) Bind(stores []StoreProber, counts CountsReader, flows FlowCountsReader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores = stores
	r.counts = counts
	r.flows = flows
	r.cached = nil
}

// Live reports process liveness for /live.
func (r *Reporter) Live() bool {
	if r.mgr == nil {
		return true
	}
	return r.mgr.Live()
}

// Ready reports serving readiness for /ready: the lifecycle must be Running
// and every required store reachable.
func (r *Reporter) Ready(ctx context.Context) bool {
	if r.mgr != nil && !r.mgr.Ready() {
		return false
	}
	rep := r.Check(ctx)
	return rep.Status != StatusUnhealthy
}

// Check builds (or returns the recent cached) full report. The whole check
// runs under the configured budget; a store that cannot answer in time is
// reported unreachable rather than blocking the endpoint.
func (r *Reporter) Check(ctx context.Context) *Report {
	r.mu.Lock()
	if r.cached != nil && time.Since(r.cachedAt) < r.cfg.CacheFor {
		rep := r.cached
		r.mu.Unlock()
		return rep
	}
	stores := r.stores
	counts := r.counts
	flows := r.flows
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Budget)
	defer cancel()

	rep := &Report{
		Status: StatusHealthy,
		Instance: Instance{
			ID:   r.cfg.InstanceID,
			Host: r.host,
			Flow: r.cfg.FlowName,
		},
		Stores: make(map[string]pg.ProbeResult, len(stores)),
		TS:     time.Now().UTC(),
	}

	// probe all stores in parallel under the shared budget
	perStore := r.cfg.Budget
	results := make([]pg.ProbeResult, len(stores))
	var wg sync.WaitGroup
	for i, s := range stores {
		wg.Add(1)
		go func(i int, s StoreProber) {
			defer wg.Done()
			results[i] = s.Probe(ctx, perStore)
		}(i, s)
	}
	wg.Wait()

	for i, s := range stores {
		res := results[i]
		rep.Stores[s.Name()] = res
		switch {
		case !res.Reachable && s.Required():
			rep.Status = StatusUnhealthy
		case !res.Reachable:
			rep.degrade()
		case res.RoundTripMs > float64(r.cfg.SlowThreshold.Milliseconds()):
			rep.degrade()
		}
		if pp, ok := s.(poolPressure); ok && res.Reachable && pp.Saturated() {
			rep.degrade()
		}
	}

	if counts != nil && rep.Status != StatusUnhealthy {
		if snap, err := r.snapshotQueue(ctx, counts, flows); err != nil {
			r.logger.Warn().LogActivity("Health queue snapshot failed", map[string]any{
				"error": err.Error(),
			})
			rep.degrade()
		} else {
			rep.Queue = snap
			if r.cfg.AlertDepth > 0 && snap.Pending+snap.Processing > int64(r.cfg.AlertDepth) {
				rep.degrade()
			}
		}
	}

	if r.mgr != nil {
		rep.Lifecycle = LifecycleInfo{
			State:        string(r.mgr.State()),
			UptimeSec:    int64(r.mgr.Uptime().Seconds()),
			RestartCount: r.mgr.RestartCount(),
		}
	}

	r.mu.Lock()
	r.cached = rep
	r.cachedAt = time.Now()
	r.mu.Unlock()
	return rep
}

func (r *Reporter) snapshotQueue(ctx context.Context, counts CountsReader, flows FlowCountsReader) (*QueueSnapshot, error) {
	c, err := counts.CountsByStatus(ctx, r.cfg.FlowName)
	if err != nil {
		return nil, err
	}
	snap := &QueueSnapshot{
		Pending:    c.Pending,
		Processing: c.Processing,
		Failed:     c.Failed,
		Completed:  c.Completed,
	}
	if flows != nil {
		if byFlow, err := flows.CountsByFlow(ctx); err == nil {
			snap.ByFlow = byFlow
		}
	}
	return snap, nil
}

func (rep *Report) degrade() {
	if rep.Status == StatusHealthy {
		rep.Status = StatusDegraded
	}
}
