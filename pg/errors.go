package pg

import (
	"errors"
	"fmt"
)

// Error types for store-level failures. Transient faults are retried inside
// the provider; what escapes to callers is one of these.
var (
	ErrChecksumMismatch = errors.New("migration checksum mismatch")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// StoreUnavailableError reports a transient fault that survived the retry
// budget. The caller should back off and re-probe rather than fail the
// process.
type StoreUnavailableError struct {
	Store    string
	Attempts int
	Err      error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store %s unavailable after %d attempts: %v", e.Store, e.Attempts, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return ErrStoreUnavailable
}

// StoreError reports a permanent fault: syntax errors, constraint
// violations, permission errors, checksum mismatches. These are never
// retried.
type StoreError struct {
	Store string
	Kind  string
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %s: %v", e.Store, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
