package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is an interface that represents a source from which application
// configuration can be loaded.
type Config interface {
	LoadConfig(c any) error
	Check() error
	Get(key string) (string, error)
}

// Load first ensures that the config source is valid and accessible. Then it
// loads the config into c.
func Load(cs Config, c any) error {
	if err := cs.Check(); err != nil {
		return err
	}
	return cs.LoadConfig(c)
}

// KeyNotFoundError is returned by Get when the requested key is absent from
// the source.
type KeyNotFoundError struct {
	Key string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("key %s not found in config", e.Key)
}

// ParseError reports a config variable whose value could not be parsed into
// the expected type. Parse errors are fatal at startup.
type ParseError struct {
	Key   string
	Value string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("config variable %s has unparseable value %q: %v", e.Key, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Env is a Config source backed by process environment variables. All keys
// are looked up as Prefix + key.
type Env struct {
	Prefix string
}

func (e *Env) Check() error {
	if e.Prefix == "" {
		return fmt.Errorf("env config source requires a non-empty prefix")
	}
	return nil
}

// Get retrieves the raw value of a prefixed environment variable.
func (e *Env) Get(key string) (string, error) {
	v, ok := os.LookupEnv(e.Prefix + key)
	if !ok {
		return "", &KeyNotFoundError{Key: e.Prefix + key}
	}
	return v, nil
}

// LoadConfig populates c, which must be a *AppConfig, from the environment.
func (e *Env) LoadConfig(c any) error {
	ac, ok := c.(*AppConfig)
	if !ok {
		return fmt.Errorf("env config source can only load *AppConfig, got %T", c)
	}
	return ac.fromEnv(e)
}

// StoreConfig names one database the worker talks to.
type StoreConfig struct {
	Name         string        `validate:"required"`
	Dialect      string        `validate:"required,oneof=postgres"`
	DSN          string        `validate:"required"`
	PoolSize     int           `validate:"min=1,max=100"`
	PoolOverflow int           `validate:"min=0,max=100"`
	QueryTimeout time.Duration `validate:"required"`
	ReadOnly     bool
	Required     bool
}

// AppConfig is the immutable process configuration. It is loaded once at
// startup and passed to each component's constructor. The queue store is
// Postgres only; the mssql dialect tag is rejected at validation time.
type AppConfig struct {
	FlowName   string `validate:"required,max=100"`
	InstanceID string // empty means auto-generate from host + random token

	QueueStore   StoreConfig   `validate:"required"`
	SourceStores []StoreConfig `validate:"dive"`

	BatchSize         int           `validate:"min=1,max=1000"`
	WorkerConcurrency int           `validate:"min=1,max=64"`
	MaxBatches        int           `validate:"min=0"`
	MaxRetries        int           `validate:"min=0"`
	OrphanTimeout     time.Duration `validate:"min=0"`
	OrphanInterval    time.Duration `validate:"required"`

	HealthPort     int           `validate:"min=1,max=65535"`
	HealthInterval time.Duration `validate:"required"`
	HealthTimeout  time.Duration `validate:"required"`
	SlowThreshold  time.Duration `validate:"required"`
	AlertDepth     int           `validate:"min=0"`

	RestartPolicy   string        `validate:"oneof=never on-failure always unless-stopped"`
	MaxRestarts     int           `validate:"min=0"`
	RestartBase     time.Duration `validate:"required"`
	RestartCap      time.Duration `validate:"required"`
	GracePeriod     time.Duration `validate:"min=0"`
	DependencyWait  time.Duration `validate:"required"`

	RedisAddr      string // optional; empty disables the queue-status cache
	StatusCacheDur time.Duration

	LogLevel string `validate:"oneof=debug info warn error"`

	WorkDir       string
	MinDiskFreeMB int `validate:"min=0"`
}

// Defaults per the external-interface contract. BatchSize is clamped, not
// rejected, when out of range.
const (
	DefaultBatchSize         = 100
	MaxBatchSize             = 1000
	DefaultWorkerConcurrency = 1
	DefaultMaxRetries        = 3
	DefaultOrphanTimeoutSec  = 3600
	DefaultOrphanIntervalSec = 300
	DefaultPoolSize          = 5
	DefaultPoolOverflow      = 10
	DefaultQueryTimeoutSec   = 30
	DefaultHealthPort        = 8080
	DefaultHealthIntervalSec = 30
	DefaultHealthTimeoutSec  = 2
	DefaultSlowThresholdMs   = 500
	DefaultRestartPolicy     = "on-failure"
	DefaultMaxRestarts       = 5
	DefaultRestartBaseSec    = 10
	DefaultRestartCapSec     = 300
	DefaultGracePeriodSec    = 30
	DefaultDependencyWaitSec = 120
	DefaultStatusCacheSec    = 30
	DefaultMinDiskFreeMB     = 256
	DefaultLogLevel          = "info"
)

// FromEnv loads, defaults and validates the process configuration from
// environment variables carrying the given prefix (normally "FLOWQ_").
func FromEnv(prefix string) (*AppConfig, error) {
	src := &Env{Prefix: prefix}
	var c AppConfig
	if err := Load(src, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *AppConfig) fromEnv(e *Env) error {
	var err error

	c.FlowName, _ = e.Get("FLOW_NAME")
	c.InstanceID, _ = e.Get("INSTANCE_ID")

	queueDSN, _ := e.Get("QUEUE_DSN")
	poolSize := envInt(e, "POOL_SIZE", DefaultPoolSize, &err)
	poolOverflow := envInt(e, "POOL_OVERFLOW", DefaultPoolOverflow, &err)
	queryTimeout := envSeconds(e, "QUERY_TIMEOUT_SEC", DefaultQueryTimeoutSec, &err)

	c.QueueStore = StoreConfig{
		Name:         "queue",
		Dialect:      "postgres",
		DSN:          queueDSN,
		PoolSize:     poolSize,
		PoolOverflow: poolOverflow,
		QueryTimeout: queryTimeout,
		ReadOnly:     false,
		Required:     true,
	}

	// Read-only source stores: SOURCE_DSN_0, SOURCE_DSN_1, ... A gap in the
	// numbering ends the list.
	for i := 0; ; i++ {
		dsn, getErr := e.Get(fmt.Sprintf("SOURCE_DSN_%d", i))
		if getErr != nil {
			break
		}
		c.SourceStores = append(c.SourceStores, StoreConfig{
			Name:         fmt.Sprintf("source_%d", i),
			Dialect:      "postgres",
			DSN:          dsn,
			PoolSize:     poolSize,
			PoolOverflow: poolOverflow,
			QueryTimeout: queryTimeout,
			ReadOnly:     true,
			Required:     false,
		})
	}

	c.BatchSize = clampInt(envInt(e, "BATCH_SIZE", DefaultBatchSize, &err), 1, MaxBatchSize)
	c.WorkerConcurrency = envInt(e, "WORKER_CONCURRENCY", DefaultWorkerConcurrency, &err)
	c.MaxBatches = envInt(e, "MAX_BATCHES", 0, &err)
	c.MaxRetries = envInt(e, "MAX_RETRIES", DefaultMaxRetries, &err)
	c.OrphanTimeout = envSeconds(e, "ORPHAN_TIMEOUT_SEC", DefaultOrphanTimeoutSec, &err)
	c.OrphanInterval = envSeconds(e, "ORPHAN_INTERVAL_SEC", DefaultOrphanIntervalSec, &err)

	c.HealthPort = envInt(e, "HEALTH_PORT", DefaultHealthPort, &err)
	c.HealthInterval = envSeconds(e, "HEALTH_INTERVAL_SEC", DefaultHealthIntervalSec, &err)
	c.HealthTimeout = envSeconds(e, "HEALTH_TIMEOUT_SEC", DefaultHealthTimeoutSec, &err)
	c.SlowThreshold = time.Duration(envInt(e, "SLOW_THRESHOLD_MS", DefaultSlowThresholdMs, &err)) * time.Millisecond
	c.AlertDepth = envInt(e, "ALERT_DEPTH", 0, &err)

	c.RestartPolicy = envString(e, "RESTART_POLICY", DefaultRestartPolicy)
	c.MaxRestarts = envInt(e, "MAX_RESTARTS", DefaultMaxRestarts, &err)
	c.RestartBase = envSeconds(e, "RESTART_BASE_SEC", DefaultRestartBaseSec, &err)
	c.RestartCap = envSeconds(e, "RESTART_CAP_SEC", DefaultRestartCapSec, &err)
	c.GracePeriod = envSeconds(e, "GRACE_PERIOD_SEC", DefaultGracePeriodSec, &err)
	c.DependencyWait = envSeconds(e, "DEPENDENCY_WAIT_SEC", DefaultDependencyWaitSec, &err)

	c.RedisAddr = envString(e, "REDIS_ADDR", "")
	c.StatusCacheDur = envSeconds(e, "STATUS_CACHE_SEC", DefaultStatusCacheSec, &err)

	c.LogLevel = strings.ToLower(envString(e, "LOG_LEVEL", DefaultLogLevel))
	c.WorkDir = envString(e, "WORK_DIR", "")
	c.MinDiskFreeMB = envInt(e, "MIN_DISK_FREE_MB", DefaultMinDiskFreeMB, &err)

	if err != nil {
		return err
	}
	return c.Validate()
}

// Validate applies the struct validation tags. It is also called by FromEnv;
// callers constructing an AppConfig by hand (tests, embedding programs)
// should call it themselves.
func (c *AppConfig) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.RestartCap < c.RestartBase {
		return fmt.Errorf("invalid configuration: restart cap %v below base %v", c.RestartCap, c.RestartBase)
	}
	return nil
}

func envString(e *Env, key, def string) string {
	v, err := e.Get(key)
	if err != nil {
		return def
	}
	return v
}

// envInt parses an integer variable. The first parse failure wins and is
// reported through errp so the caller fails startup with every lookup done.
func envInt(e *Env, key string, def int, errp *error) int {
	v, err := e.Get(key)
	if err != nil {
		return def
	}
	n, perr := strconv.Atoi(strings.TrimSpace(v))
	if perr != nil {
		if *errp == nil {
			*errp = &ParseError{Key: e.Prefix + key, Value: v, Err: perr}
		}
		return def
	}
	return n
}

func envSeconds(e *Env, key string, defSec int, errp *error) time.Duration {
	return time.Duration(envInt(e, key, defSec, errp)) * time.Second
}

func clampInt(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
