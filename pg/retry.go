package pg

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy shapes the back-off applied to transient store faults.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
}

// DefaultRetryPolicy: up to 3 attempts, 1s base doubling to a 10s cap,
// full jitter on every delay.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	Base:        time.Second,
	Cap:         10 * time.Second,
}

// Delay returns the jittered sleep before retry number attempt (attempt 1 is
// the first retry). The uniform jitter keeps a fleet of workers that hit the
// same fault from retrying in lockstep.
func (rp RetryPolicy) Delay(attempt int) time.Duration {
	d := rp.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= rp.Cap {
			d = rp.Cap
			break
		}
	}
	if d > rp.Cap {
		d = rp.Cap
	}
	// Uniform jitter in [d/2, d].
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

// sleep waits for the delay or until the context is done, whichever first.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
