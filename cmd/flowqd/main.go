// Command flowqd runs one queue worker process: it drains the processing
// queue for a single flow, recovers orphaned records, and serves the health
// surface. Scale-out is running more copies of this binary against the same
// queue store.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/flowq/config"
	"github.com/remiges-tech/flowq/health"
	"github.com/remiges-tech/flowq/lifecycle"
	"github.com/remiges-tech/flowq/metrics"
	"github.com/remiges-tech/flowq/pg"
	"github.com/remiges-tech/flowq/queue"
	"github.com/remiges-tech/flowq/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.FromEnv("FLOWQ_")
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowqd: configuration: %v\n", err)
		return lifecycle.ExitValidation
	}

	lctx := logharbour.NewLoggerContext(priorityFor(cfg.LogLevel))
	logger := logharbour.NewLogger(lctx, "flowqd", os.Stdout)

	a := &app{cfg: cfg, logger: logger}
	a.instanceID = cfg.InstanceID
	if a.instanceID == "" {
		a.instanceID = worker.NewInstanceID()
	}
	logger.Info().LogActivity("Starting flowqd", map[string]any{
		"flow":       cfg.FlowName,
		"instanceId": a.instanceID,
	})

	a.mtr = metrics.NewPrometheusMetrics()
	metrics.RegisterWorkerMetrics(a.mtr)

	mgr := lifecycle.NewManager(logger, lifecycle.ManagerConfig{
		RestartPolicy:  cfg.RestartPolicy,
		MaxRestarts:    cfg.MaxRestarts,
		RestartBase:    cfg.RestartBase,
		RestartCap:     cfg.RestartCap,
		GracePeriod:    cfg.GracePeriod,
		HealthInterval: cfg.HealthInterval,
	}, func(ctx context.Context) error {
		return a.worker.Run(ctx)
	})
	a.mgr = mgr

	mgr.AddCheck(lifecycle.FlowNameCheck(cfg.FlowName))
	mgr.AddCheck(lifecycle.WorkDirCheck(cfg.WorkDir))
	mgr.AddCheck(lifecycle.DiskFreeCheck(cfg.WorkDir, cfg.MinDiskFreeMB))

	mgr.AddDependency(lifecycle.Dependency{
		Name:     cfg.QueueStore.Name,
		Required: true,
		Timeout:  cfg.DependencyWait,
		Probe:    a.ensureQueueStore,
	})
	for i := range cfg.SourceStores {
		sc := cfg.SourceStores[i]
		mgr.AddDependency(lifecycle.Dependency{
			Name:     sc.Name,
			Required: sc.Required,
			Timeout:  cfg.DependencyWait,
			Probe:    a.ensureSourceStore(sc),
		})
	}

	mgr.OnRemediate(a.remediate)
	mgr.OnCleanup(a.cleanup)

	// the health server starts before the stores connect so /live answers
	// during Starting; Bind attaches the store probes once they exist
	a.reporter = health.NewReporter(logger, health.Config{
		InstanceID:    a.instanceID,
		FlowName:      cfg.FlowName,
		Budget:        cfg.HealthTimeout,
		SlowThreshold: cfg.SlowThreshold,
		AlertDepth:    cfg.AlertDepth,
	}, mgr, nil, nil, nil)
	a.server = health.NewServer(logger, a.reporter, cfg.HealthPort)
	a.server.Start()

	return mgr.Run(context.Background())
}

// app holds the wired components. Stores and the worker are built inside
// the dependency probes so the lifecycle manager's back-off covers initial
// connection, migration, and reconnection after a restart alike.
type app struct {
	cfg        *config.AppConfig
	logger     *logharbour.Logger
	mtr        metrics.Metrics
	instanceID string

	mgr      *lifecycle.Manager
	reporter *health.Reporter
	server   *health.Server

	queueDB     *pg.Provider
	sources     []*pg.Provider
	queries     *queue.Queries
	statusCache *queue.StatusCache
	redisClient *redis.Client
	worker      *worker.Worker
}

// ensureQueueStore connects the queue store on first call, runs migrations,
// and builds the worker stack; later calls only re-probe. A migration
// checksum mismatch is permanent and aborts the dependency wait.
func (a *app) ensureQueueStore(ctx context.Context) error {
	if a.queueDB == nil {
		db, err := pg.NewProvider(ctx, a.cfg.QueueStore, a.logger)
		if err != nil {
			return err
		}
		applied, err := db.Migrate(ctx)
		if err != nil {
			db.Close()
			if errors.Is(err, pg.ErrChecksumMismatch) {
				return fmt.Errorf("%w: %v", lifecycle.ErrPermanent, err)
			}
			return err
		}
		if len(applied) > 0 {
			a.logger.Info().LogActivity("Applied migrations", map[string]any{
				"versions": applied,
			})
		}
		a.queueDB = db
		a.buildWorker()
		a.bindHealth()
		return nil
	}
	res := a.queueDB.Probe(ctx, a.cfg.QueueStore.QueryTimeout)
	if !res.Reachable {
		return fmt.Errorf("queue store unreachable: %s", res.Error)
	}
	return nil
}

// ensureSourceStore returns the probe for one read-only source store.
func (a *app) ensureSourceStore(sc config.StoreConfig) func(ctx context.Context) error {
	var db *pg.Provider
	return func(ctx context.Context) error {
		if db == nil {
			p, err := pg.NewProvider(ctx, sc, a.logger)
			if err != nil {
				return err
			}
			db = p
			a.sources = append(a.sources, p)
			a.bindHealth()
			return nil
		}
		res := db.Probe(ctx, sc.QueryTimeout)
		if !res.Reachable {
			return fmt.Errorf("source store %s unreachable: %s", sc.Name, res.Error)
		}
		return nil
	}
}

func (a *app) buildWorker() {
	a.queries = queue.New(a.queueDB)

	if a.cfg.RedisAddr != "" {
		a.redisClient = redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})
		a.statusCache = queue.NewStatusCache(a.queries, a.redisClient, a.cfg.StatusCacheDur)
	}

	a.worker = worker.NewWorker(a.queries, a.queueDB, a.statusCache, a.mtr, a.logger, &worker.Config{
		FlowName:       a.cfg.FlowName,
		InstanceID:     a.instanceID,
		BatchSize:      a.cfg.BatchSize,
		Concurrency:    a.cfg.WorkerConcurrency,
		MaxBatches:     a.cfg.MaxBatches,
		MaxRetries:     a.cfg.MaxRetries,
		OrphanTimeout:  a.cfg.OrphanTimeout,
		OrphanInterval: a.cfg.OrphanInterval,
		AlertDepth:     a.cfg.AlertDepth,
	})
	registerProcessors(a.worker, a.cfg.FlowName)
}

// bindHealth refreshes the reporter's view of connected stores.
func (a *app) bindHealth() {
	probers := make([]health.StoreProber, 0, 1+len(a.sources))
	var counts health.CountsReader
	var flows health.FlowCountsReader
	if a.queueDB != nil {
		probers = append(probers, a.queueDB)
		flows = a.queries
		if a.statusCache != nil {
			counts = a.statusCache
		} else {
			counts = a.queries
		}
	}
	for _, s := range a.sources {
		probers = append(probers, s)
	}
	a.reporter.Bind(probers, counts, flows)
}

// remediate handles a queue store that stopped answering while Running. The
// pool re-establishes connections on its own once the server is back, so
// remediation is a probe with a generous timeout; still unreachable means
// the lifecycle manager should fail the process and let the restart policy
// decide.
func (a *app) remediate(ctx context.Context) error {
	a.logger.Warn().LogActivity("Remediating queue store connection", nil)
	if a.queueDB == nil {
		return errors.New("queue store never connected")
	}
	res := a.queueDB.Probe(ctx, a.cfg.QueueStore.QueryTimeout)
	if !res.Reachable {
		return fmt.Errorf("queue store still unreachable: %s", res.Error)
	}
	return nil
}

func (a *app) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.server != nil {
		a.server.Stop(ctx)
	}
	if a.redisClient != nil {
		a.redisClient.Close()
	}
	for _, s := range a.sources {
		s.Close()
	}
	if a.queueDB != nil {
		a.queueDB.Close()
	}
	a.logger.Info().LogActivity("flowqd stopped", nil)
}

func priorityFor(level string) logharbour.LogPriority {
	switch level {
	case "debug":
		return logharbour.Debug0
	case "warn":
		return logharbour.Warn
	case "error":
		return logharbour.Err
	default:
		return logharbour.Info
	}
}
