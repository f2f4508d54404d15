package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// ErrPermanent marks a dependency probe failure that retrying cannot fix,
// such as a migration checksum mismatch. The dependency wait stops
// immediately instead of burning its window.
var ErrPermanent = errors.New("permanent dependency failure")

// Check is one startup validation predicate. Checks run in order during
// Initializing; a failing required check moves the process to Failed with
// exit code 1 and no restart.
type Check struct {
	Name     string
	Required bool
	Run      func(ctx context.Context) error
}

// FlowNameCheck verifies the flow selector is set.
func FlowNameCheck(flow string) Check {
	return Check{
		Name:     "flow_name",
		Required: true,
		Run: func(context.Context) error {
			if flow == "" {
				return fmt.Errorf("FLOW_NAME is empty")
			}
			return nil
		},
	}
}

// WorkDirCheck verifies the scratch directory exists and is writable,
// creating it when absent. An empty dir disables the check.
func WorkDirCheck(dir string) Check {
	return Check{
		Name:     "work_dir",
		Required: true,
		Run: func(context.Context) error {
			if dir == "" {
				return nil
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create %s: %w", dir, err)
			}
			probe, err := os.CreateTemp(dir, ".flowq-write-*")
			if err != nil {
				return fmt.Errorf("%s not writable: %w", dir, err)
			}
			name := probe.Name()
			probe.Close()
			os.Remove(name)
			return nil
		},
	}
}

// DiskFreeCheck verifies the filesystem holding path has at least minMB
// megabytes free. minMB <= 0 disables the check.
func DiskFreeCheck(path string, minMB int) Check {
	return Check{
		Name:     "disk_free",
		Required: true,
		Run: func(context.Context) error {
			if minMB <= 0 {
				return nil
			}
			if path == "" {
				path = "."
			}
			var st unix.Statfs_t
			if err := unix.Statfs(path, &st); err != nil {
				return fmt.Errorf("statfs %s: %w", path, err)
			}
			freeMB := st.Bavail * uint64(st.Bsize) / (1 << 20)
			if freeMB < uint64(minMB) {
				return fmt.Errorf("%s has %d MB free, need %d MB", path, freeMB, minMB)
			}
			return nil
		},
	}
}

// Dependency is an external system the worker needs before it can serve.
// During Starting each dependency is probed with exponential back-off until
// it answers or Timeout elapses. A required dependency that never answers
// moves the process to Failed with exit code 2; an optional one only logs.
type Dependency struct {
	Name     string
	Required bool
	Timeout  time.Duration
	Probe    func(ctx context.Context) error
}

// Back-off bounds for the dependency wait. Each probe attempt is cut off at
// depProbeTimeout (or the remaining window, whichever closes first) so a
// probe that hangs, say on a contended advisory lock, cannot stall the wait
// past its deadline.
const (
	depBackoffBase  = time.Second
	depBackoffCap   = 10 * time.Second
	depProbeTimeout = 30 * time.Second
)

// ValidationError reports which startup check failed.
type ValidationError struct {
	Check string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("startup check %s failed: %v", e.Check, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// DependencyError reports a dependency that never became (or stopped being)
// reachable.
type DependencyError struct {
	Name string
	Err  error
}

func (e *DependencyError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("dependency %s unavailable", e.Name)
	}
	return fmt.Sprintf("dependency %s unavailable: %v", e.Name, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }
