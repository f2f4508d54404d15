package lifecycle

import (
	"context"
	"errors"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/remiges-tech/logharbour/logharbour"
)

// failure causes, used to pick exit codes and consult the restart policy.
type cause int

const (
	causeNone cause = iota // worker loop finished on its own
	causeValidation
	causeDependency
	causeFatal    // worker loop returned a permanent error or health watch gave up
	causeShutdown // operator signal
)

// ManagerConfig holds the lifecycle knobs.
type ManagerConfig struct {
	RestartPolicy    string        // never | on-failure | always | unless-stopped
	MaxRestarts      int           // 0 = unlimited
	RestartBase      time.Duration // first restart delay
	RestartCap       time.Duration // back-off ceiling
	GracePeriod      time.Duration // drain budget on SIGTERM/SIGINT
	HealthInterval   time.Duration // running-state probe cadence
	FailureThreshold int           // consecutive probe failures before remediation; default 3
	EventLogSize     int           // default 1000
}

// Manager owns the process state machine. It validates, waits for
// dependencies, runs the worker loop while watching its required
// dependencies, and turns every terminal outcome into a process exit code.
type Manager struct {
	logger *logharbour.Logger
	cfg    ManagerConfig

	checks []Check
	deps   []Dependency

	// runFn is the long-running worker loop; a nil return means it drained
	// its batch allowance and wants a clean exit.
	runFn func(ctx context.Context) error
	// remediateFn, when set, is invoked once in Remediating before the
	// failing dependency is re-probed.
	remediateFn func(ctx context.Context) error
	// cleanupFn runs exactly once on the way out (close pools, flush logs).
	cleanupFn func()

	mu            sync.Mutex
	state         State
	since         time.Time // entry time of current state
	startedAt     time.Time // last transition into Running
	restartCount  int
	stopRequested bool

	events *eventLog
	sigCh  chan os.Signal
}

// NewManager wires a lifecycle manager around the given worker loop.
func NewManager(logger *logharbour.Logger, cfg ManagerConfig, runFn func(ctx context.Context) error) *Manager {
	if logger == nil {
		panic("NewManager: logger is required")
	}
	if runFn == nil {
		panic("NewManager: runFn is required")
	}
	if cfg.RestartPolicy == "" {
		cfg.RestartPolicy = RestartOnFailure
	}
	if cfg.RestartBase <= 0 {
		cfg.RestartBase = 10 * time.Second
	}
	if cfg.RestartCap < cfg.RestartBase {
		cfg.RestartCap = cfg.RestartBase
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	now := time.Now()
	return &Manager{
		logger: logger,
		cfg:    cfg,
		runFn:  runFn,
		state:  StateInitializing,
		since:  now,
		events: newEventLog(cfg.EventLogSize),
	}
}

// AddCheck appends a startup validation predicate.
func (m *Manager) AddCheck(c Check) { m.checks = append(m.checks, c) }

// AddDependency appends an external system to wait for and watch.
func (m *Manager) AddDependency(d Dependency) { m.deps = append(m.deps, d) }

// OnRemediate sets the targeted remediation hook.
func (m *Manager) OnRemediate(fn func(ctx context.Context) error) { m.remediateFn = fn }

// OnCleanup sets the final teardown hook.
func (m *Manager) OnCleanup(fn func()) { m.cleanupFn = fn }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Uptime is the time spent in Running since the last (re)start, zero when
// not running.
func (m *Manager) Uptime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning && m.state != StateRemediating {
		return 0
	}
	return time.Since(m.startedAt)
}

// RestartCount reports how many restarts the policy has granted so far.
func (m *Manager) RestartCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restartCount
}

// Events returns the retained transition history, oldest first.
func (m *Manager) Events() []Event { return m.events.Snapshot() }

// Live reports whether the process should be considered alive by an
// orchestrator. Restarting is deliberately not live: a process parked in
// restart back-off is better recycled by the orchestrator than left waiting.
func (m *Manager) Live() bool {
	switch m.State() {
	case StateStarting, StateRunning, StateRemediating, StateStopping:
		return true
	}
	return false
}

// Ready reports whether the worker is in a state where it is draining the
// queue.
func (m *Manager) Ready() bool {
	return m.State() == StateRunning
}

func (m *Manager) transition(to State, trigger string) {
	m.mu.Lock()
	from := m.state
	now := time.Now()
	e := Event{At: now, From: from, To: to, Trigger: trigger, Duration: now.Sub(m.since)}
	m.state = to
	m.since = now
	if to == StateRunning {
		m.startedAt = now
	}
	m.mu.Unlock()

	m.events.Append(e)
	m.logger.Info().LogActivity("Lifecycle transition", map[string]any{
		"from":    string(from),
		"to":      string(to),
		"trigger": trigger,
	})
}

// Run drives the process from Initializing to a terminal state and returns
// the exit code for os.Exit. It installs its own signal handlers: SIGTERM
// and SIGINT start a graceful drain bounded by GracePeriod, a second signal
// or SIGQUIT skips the drain.
func (m *Manager) Run(ctx context.Context) int {
	m.sigCh = make(chan os.Signal, 2)
	signal.Notify(m.sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer signal.Stop(m.sigCh)

	defer func() {
		if m.cleanupFn != nil {
			m.cleanupFn()
		}
	}()

	for {
		c, sig, err := m.runOnce(ctx)
		switch c {
		case causeNone:
			m.transition(StateStopped, "worker loop finished")
			return ExitOK
		case causeShutdown:
			m.transition(StateStopped, "signal "+sig.String())
			return exitForSignal(sig)
		}

		// a failure: consult the restart policy
		m.transition(StateFailed, failTrigger(c, err))
		m.logger.Error(err).LogActivity("Worker failed", map[string]any{
			"cause":    failTrigger(c, nil),
			"restarts": m.RestartCount(),
		})

		code, restart := m.decideRestart(c)
		if !restart {
			return code
		}

		m.mu.Lock()
		m.restartCount++
		n := m.restartCount
		m.mu.Unlock()

		delay := restartDelay(m.cfg.RestartBase, m.cfg.RestartCap, n)
		m.transition(StateRestarting, "restart policy")
		m.logger.Warn().LogActivity("Restarting worker", map[string]any{
			"attempt":  n,
			"delaySec": delay.Seconds(),
		})
		select {
		case <-ctx.Done():
			m.transition(StateStopped, "context canceled")
			return ExitOK
		case s := <-m.sigCh:
			m.transition(StateStopped, "signal "+s.String())
			return exitForSignal(s)
		case <-time.After(delay):
		}
	}
}

// runOnce takes the process through one full pass of the state machine and
// reports how it ended.
func (m *Manager) runOnce(ctx context.Context) (cause, os.Signal, error) {
	m.transition(StateInitializing, "start")
	if err := m.validate(ctx); err != nil {
		return causeValidation, nil, err
	}

	m.transition(StateStarting, "validation passed")
	c, sig, err := m.awaitDependencies(ctx)
	if c != causeNone {
		return c, sig, err
	}

	m.transition(StateRunning, "dependencies ready")
	return m.serve(ctx)
}

func (m *Manager) validate(ctx context.Context) error {
	for _, c := range m.checks {
		if err := c.Run(ctx); err != nil {
			if !c.Required {
				m.logger.Warn().LogActivity("Optional startup check failed", map[string]any{
					"check": c.Name, "error": err.Error(),
				})
				continue
			}
			m.logger.Error(err).LogActivity("Startup check failed", map[string]any{"check": c.Name})
			return &ValidationError{Check: c.Name, Err: err}
		}
		m.logger.Debug0().LogActivity("Startup check passed", map[string]any{"check": c.Name})
	}
	return nil
}

// awaitDependencies probes each dependency with exponential back-off until
// it answers or its window closes. Signals are honored here so a stuck
// dependency never blocks shutdown.
func (m *Manager) awaitDependencies(ctx context.Context) (cause, os.Signal, error) {
	for _, d := range m.deps {
		deadline := time.Now().Add(d.Timeout)
		delay := depBackoffBase
		var lastErr error
		for attempt := 1; ; attempt++ {
			pt := depProbeTimeout
			if r := time.Until(deadline); r > 0 && r < pt {
				pt = r
			}
			pctx, cancel := context.WithTimeout(ctx, pt)
			err := d.Probe(pctx)
			cancel()
			if err == nil {
				m.logger.Info().LogActivity("Dependency ready", map[string]any{
					"dependency": d.Name, "attempts": attempt,
				})
				break
			}
			lastErr = err
			if errors.Is(err, ErrPermanent) {
				return causeFatal, nil, &DependencyError{Name: d.Name, Err: err}
			}
			if time.Now().Add(delay).After(deadline) {
				if !d.Required {
					m.logger.Warn().LogActivity("Optional dependency unavailable, continuing", map[string]any{
						"dependency": d.Name, "error": err.Error(),
					})
					break
				}
				return causeDependency, nil, &DependencyError{Name: d.Name, Err: lastErr}
			}
			m.logger.Warn().LogActivity("Dependency not ready, retrying", map[string]any{
				"dependency": d.Name, "attempt": attempt, "delaySec": delay.Seconds(),
			})
			select {
			case <-ctx.Done():
				return causeShutdown, syscall.SIGTERM, ctx.Err()
			case s := <-m.sigCh:
				return causeShutdown, s, nil
			case <-time.After(delay):
			}
			delay *= 2
			if delay > depBackoffCap {
				delay = depBackoffCap
			}
		}
	}
	return causeNone, nil, nil
}

// serve runs the worker loop while watching required dependencies. K
// consecutive probe failures trigger remediation; remediation that does not
// bring the dependency back fails the process.
func (m *Manager) serve(ctx context.Context) (cause, os.Signal, error) {
	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.runFn(workCtx) }()

	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case err := <-done:
			if err == nil || workCtx.Err() != nil {
				return causeNone, nil, nil
			}
			return causeFatal, nil, err

		case s := <-m.sigCh:
			if s == syscall.SIGQUIT {
				m.transition(StateStopping, "SIGQUIT")
				cancel()
				return causeShutdown, s, nil
			}
			m.shutdown(cancel, done, s)
			return causeShutdown, s, nil

		case <-ticker.C:
			if bad := m.probeRequired(ctx); bad == "" {
				failures = 0
				continue
			} else {
				failures++
				m.logger.Warn().LogActivity("Required dependency probe failed", map[string]any{
					"dependency": bad, "consecutive": failures,
				})
				if failures < m.cfg.FailureThreshold {
					continue
				}
				if m.remediate(ctx) {
					failures = 0
					m.transition(StateRunning, "remediation succeeded")
					continue
				}
				cancel()
				<-done
				return causeFatal, nil, &DependencyError{Name: bad}
			}
		}
	}
}

// shutdown drains gracefully: stop claiming, wait up to GracePeriod for
// in-flight records, and give a second signal the power to skip the wait.
// Records still processing at the deadline are left for orphan recovery.
func (m *Manager) shutdown(cancel context.CancelFunc, done chan error, s os.Signal) {
	m.mu.Lock()
	m.stopRequested = true
	m.mu.Unlock()

	m.transition(StateStopping, "signal "+s.String())
	cancel()

	grace := time.NewTimer(m.cfg.GracePeriod)
	defer grace.Stop()
	select {
	case <-done:
		m.logger.Info().LogActivity("Graceful drain complete", nil)
	case <-grace.C:
		m.logger.Warn().LogActivity("Grace period expired, abandoning in-flight records", map[string]any{
			"graceSec": m.cfg.GracePeriod.Seconds(),
		})
	case s2 := <-m.sigCh:
		m.logger.Warn().LogActivity("Second signal, skipping drain", map[string]any{
			"signal": s2.String(),
		})
	}
}

// probeRequired checks every required dependency once and returns the name
// of the first one that fails, or "".
func (m *Manager) probeRequired(ctx context.Context) string {
	for _, d := range m.deps {
		if !d.Required {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := d.Probe(pctx)
		cancel()
		if err != nil {
			return d.Name
		}
	}
	return ""
}

// remediate runs the remediation hook and re-probes. True means the worker
// may go back to Running.
func (m *Manager) remediate(ctx context.Context) bool {
	m.transition(StateRemediating, "probe failures reached threshold")
	if m.remediateFn != nil {
		if err := m.remediateFn(ctx); err != nil {
			m.logger.Error(err).LogActivity("Remediation hook failed", nil)
			return false
		}
	}
	return m.probeRequired(ctx) == ""
}

// decideRestart maps a failure cause to either an exit code or permission
// to restart. Validation failures are never restartable, a misconfigured
// process fails the same way every time.
func (m *Manager) decideRestart(c cause) (int, bool) {
	code := ExitFatalStore
	switch c {
	case causeValidation:
		return ExitValidation, false
	case causeDependency:
		code = ExitDependency
	}

	m.mu.Lock()
	policy := m.cfg.RestartPolicy
	stopped := m.stopRequested
	count := m.restartCount
	maxR := m.cfg.MaxRestarts
	m.mu.Unlock()

	switch policy {
	case RestartNever:
		return code, false
	case RestartUnlessStopped:
		if stopped {
			return code, false
		}
	}
	if maxR > 0 && count >= maxR {
		return ExitRestartDenied, false
	}
	return code, true
}

// restartDelay is base*2^(n-1) capped at ceil.
func restartDelay(base, ceil time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(base) * math.Pow(2, float64(n-1))
	if d > float64(ceil) {
		return ceil
	}
	return time.Duration(d)
}

func failTrigger(c cause, err error) string {
	switch c {
	case causeValidation:
		return "validation failure"
	case causeDependency:
		return "dependency unavailable"
	default:
		if err != nil {
			return "fatal: " + err.Error()
		}
		return "fatal error"
	}
}

func exitForSignal(s os.Signal) int {
	switch s {
	case syscall.SIGINT:
		return ExitSigInt
	default:
		return ExitSigTerm
	}
}
