package pg

import (
	"context"
	"time"
)

// ProbeResult is one store's answer to a health probe.
type ProbeResult struct {
	Store         string  `json:"-"`
	Reachable     bool    `json:"reachable"`
	RoundTripMs   float64 `json:"round_trip_ms"`
	SchemaVersion string  `json:"schema_version,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// Probe runs a trivial query under the given budget and reports
// reachability, round-trip time and the migration head version. It never
// blocks past the budget: an unacquirable connection reports the store as
// unreachable instead of hanging the health endpoint.
func (p *Provider) Probe(ctx context.Context, budget time.Duration) ProbeResult {
	res := ProbeResult{Store: p.cfg.Name}

	probeCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	start := time.Now()
	var one int
	if err := p.pool.QueryRow(probeCtx, "SELECT 1").Scan(&one); err != nil {
		res.Error = err.Error()
		return res
	}
	res.Reachable = true
	res.RoundTripMs = float64(time.Since(start).Microseconds()) / 1000.0

	// The migration registry only exists on the queue store; on source
	// stores the lookup fails and the version is simply omitted.
	var head int
	err := p.pool.QueryRow(probeCtx,
		"SELECT version FROM schema_version ORDER BY version DESC LIMIT 1",
	).Scan(&head)
	if err == nil {
		res.SchemaVersion = versionTag(head)
	}
	return res
}
