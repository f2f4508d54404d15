package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/remiges-tech/logharbour/logharbour"
	"github.com/stretchr/testify/require"

	"github.com/remiges-tech/flowq/health"
	"github.com/remiges-tech/flowq/pg"
	"github.com/remiges-tech/flowq/queue"
)

type fakeStore struct {
	name     string
	required bool
	result   pg.ProbeResult
}

func (f *fakeStore) Name() string   { return f.name }
func (f *fakeStore) Required() bool { return f.required }
func (f *fakeStore) Probe(context.Context, time.Duration) pg.ProbeResult {
	return f.result
}

// saturatedStore is a fakeStore whose connection pool is fully checked out.
type saturatedStore struct {
	fakeStore
}

func (s *saturatedStore) Saturated() bool { return true }

type fakeCounts struct {
	counts queue.StatusCounts
	err    error
}

func (f *fakeCounts) CountsByStatus(context.Context, string) (queue.StatusCounts, error) {
	return f.counts, f.err
}

func testLogger() *logharbour.Logger {
	return logharbour.NewLogger(&logharbour.LoggerContext{}, "test", log.Writer())
}

func reachable(ms float64) pg.ProbeResult {
	return pg.ProbeResult{Reachable: true, RoundTripMs: ms, SchemaVersion: "V001"}
}

func unreachable() pg.ProbeResult {
	return pg.ProbeResult{Reachable: false, Error: "connection refused"}
}

func newReporter(t *testing.T, stores []health.StoreProber, counts health.CountsReader) *health.Reporter {
	t.Helper()
	return health.NewReporter(testLogger(), health.Config{
		InstanceID:    "host-abc",
		FlowName:      "rpa1",
		Budget:        2 * time.Second,
		SlowThreshold: 500 * time.Millisecond,
		AlertDepth:    1000,
		CacheFor:      time.Nanosecond, // effectively disable caching in tests
	}, nil, stores, counts, nil)
}

func TestHealthyReport(t *testing.T) {
	r := newReporter(t,
		[]health.StoreProber{
			&fakeStore{name: "queue", required: true, result: reachable(12.3)},
			&fakeStore{name: "source_0", result: reachable(8.1)},
		},
		&fakeCounts{counts: queue.StatusCounts{Pending: 150, Processing: 25, Failed: 3, Completed: 1050}},
	)

	rep := r.Check(context.Background())
	require.Equal(t, health.StatusHealthy, rep.Status)
	require.Equal(t, "host-abc", rep.Instance.ID)
	require.Equal(t, "rpa1", rep.Instance.Flow)
	require.Len(t, rep.Stores, 2)
	require.True(t, rep.Stores["queue"].Reachable)
	require.Equal(t, "V001", rep.Stores["queue"].SchemaVersion)
	require.NotNil(t, rep.Queue)
	require.Equal(t, int64(150), rep.Queue.Pending)
	require.False(t, rep.TS.IsZero())
}

func TestRequiredStoreDownIsUnhealthy(t *testing.T) {
	r := newReporter(t,
		[]health.StoreProber{
			&fakeStore{name: "queue", required: true, result: unreachable()},
		},
		&fakeCounts{},
	)

	rep := r.Check(context.Background())
	require.Equal(t, health.StatusUnhealthy, rep.Status)
	// no point querying counts through a dead store
	require.Nil(t, rep.Queue)
}

func TestOptionalStoreDownDegrades(t *testing.T) {
	r := newReporter(t,
		[]health.StoreProber{
			&fakeStore{name: "queue", required: true, result: reachable(5)},
			&fakeStore{name: "source_0", result: unreachable()},
		},
		&fakeCounts{},
	)

	rep := r.Check(context.Background())
	require.Equal(t, health.StatusDegraded, rep.Status)
}

func TestSlowProbeDegrades(t *testing.T) {
	r := newReporter(t,
		[]health.StoreProber{
			&fakeStore{name: "queue", required: true, result: reachable(900)},
		},
		&fakeCounts{},
	)

	rep := r.Check(context.Background())
	require.Equal(t, health.StatusDegraded, rep.Status)
}

func TestSaturatedPoolDegrades(t *testing.T) {
	r := newReporter(t,
		[]health.StoreProber{
			&saturatedStore{fakeStore{name: "queue", required: true, result: reachable(5)}},
		},
		&fakeCounts{},
	)

	rep := r.Check(context.Background())
	require.Equal(t, health.StatusDegraded, rep.Status)
	require.True(t, rep.Stores["queue"].Reachable)
}

func TestBacklogPastWatermarkDegrades(t *testing.T) {
	r := newReporter(t,
		[]health.StoreProber{
			&fakeStore{name: "queue", required: true, result: reachable(5)},
		},
		&fakeCounts{counts: queue.StatusCounts{Pending: 5000}},
	)

	rep := r.Check(context.Background())
	require.Equal(t, health.StatusDegraded, rep.Status)
}

func TestCountsFailureDegrades(t *testing.T) {
	r := newReporter(t,
		[]health.StoreProber{
			&fakeStore{name: "queue", required: true, result: reachable(5)},
		},
		&fakeCounts{err: errors.New("timeout")},
	)

	rep := r.Check(context.Background())
	require.Equal(t, health.StatusDegraded, rep.Status)
	require.Nil(t, rep.Queue)
}

func TestReportCaching(t *testing.T) {
	r := health.NewReporter(testLogger(), health.Config{
		InstanceID: "i", FlowName: "rpa1",
		Budget: time.Second, SlowThreshold: time.Second,
		CacheFor: time.Minute,
	}, nil, []health.StoreProber{
		&fakeStore{name: "queue", required: true, result: reachable(1)},
	}, &fakeCounts{}, nil)

	first := r.Check(context.Background())
	second := r.Check(context.Background())
	require.Same(t, first, second)
}

func TestEndpoints(t *testing.T) {
	r := newReporter(t,
		[]health.StoreProber{
			&fakeStore{name: "queue", required: true, result: reachable(5)},
		},
		&fakeCounts{counts: queue.StatusCounts{Pending: 10}},
	)
	srv := health.NewServer(testLogger(), r, 0)

	get := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	rec := get("/live")
	require.Equal(t, http.StatusOK, rec.Code)

	// no lifecycle manager bound means ready follows store health
	rec = get("/ready")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = get("/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var rep health.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	require.Equal(t, health.StatusHealthy, rep.Status)
	require.Equal(t, int64(10), rep.Queue.Pending)

	rec = get("/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyEndpointUnhealthyStore(t *testing.T) {
	r := newReporter(t,
		[]health.StoreProber{
			&fakeStore{name: "queue", required: true, result: unreachable()},
		},
		&fakeCounts{},
	)
	srv := health.NewServer(testLogger(), r, 0)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// /health still answers 200 with the verdict in the body
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var rep health.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	require.Equal(t, health.StatusUnhealthy, rep.Status)
}
