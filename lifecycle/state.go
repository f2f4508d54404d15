// Package lifecycle brings a worker process from start to serving and back
// to a clean exit: startup validation, dependency waiting, a running health
// watch with remediation, restart policy, and graceful shutdown.
package lifecycle

import (
	"sync"
	"time"
)

// State is the worker process state machine.
type State string

const (
	StateInitializing State = "Initializing"
	StateStarting     State = "Starting"
	StateRunning      State = "Running"
	StateRemediating  State = "Remediating"
	StateStopping     State = "Stopping"
	StateStopped      State = "Stopped"
	StateFailed       State = "Failed"
	StateRestarting   State = "Restarting"
)

// Exit codes per the process contract.
const (
	ExitOK            = 0
	ExitValidation    = 1
	ExitDependency    = 2
	ExitFatalStore    = 3
	ExitRestartDenied = 4
	ExitSigInt        = 130
	ExitSigTerm       = 143
)

// Restart policies.
const (
	RestartNever         = "never"
	RestartOnFailure     = "on-failure"
	RestartAlways        = "always"
	RestartUnlessStopped = "unless-stopped"
)

// Event records one state transition.
type Event struct {
	At       time.Time     `json:"at"`
	From     State         `json:"from"`
	To       State         `json:"to"`
	Trigger  string        `json:"trigger"`
	Duration time.Duration `json:"duration"` // time spent in From
}

// eventLog is a bounded in-memory ring of transitions, exposed on the
// health surface.
type eventLog struct {
	mu   sync.Mutex
	buf  []Event
	max  int
	next int
	full bool
}

func newEventLog(max int) *eventLog {
	if max <= 0 {
		max = 1000
	}
	return &eventLog{buf: make([]Event, max), max: max}
}

func (l *eventLog) Append(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf[l.next] = e
	l.next = (l.next + 1) % l.max
	if l.next == 0 {
		l.full = true
	}
}

// Snapshot returns the retained events oldest-first.
func (l *eventLog) Snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		out := make([]Event, l.next)
		copy(out, l.buf[:l.next])
		return out
	}
	out := make([]Event, 0, l.max)
	out = append(out, l.buf[l.next:]...)
	out = append(out, l.buf[:l.next]...)
	return out
}
