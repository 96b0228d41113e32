package scrape

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrapeloop/scrapeloop/internal/config"
	"github.com/scrapeloop/scrapeloop/internal/errors"
	"github.com/scrapeloop/scrapeloop/internal/observability"
	"github.com/scrapeloop/scrapeloop/internal/registry"
	"github.com/scrapeloop/scrapeloop/pkg/model"
)

const (
	testWaitTimeout  = 5 * time.Second
	testPollInterval = 20 * time.Millisecond
)

// mockAppender records appended samples.
type mockAppender struct {
	mu      sync.Mutex
	samples []model.Sample
	err     error // returned from Append when set
}

func (m *mockAppender) Append(samples []model.Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.samples = append(m.samples, samples...)
	return nil
}

func (m *mockAppender) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.samples)
}

func (m *mockAppender) all() []model.Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Sample, len(m.samples))
	copy(out, m.samples)
	return out
}

// testRegistry builds a registry with one job scraping the given addresses at
// the given interval. Sub-second intervals are fine here; the 1s floor only
// applies to loaded scrape files.
func testRegistry(t *testing.T, job string, interval time.Duration, addrs ...string) *registry.Registry {
	t.Helper()
	sf := &config.ScrapeFile{
		ScrapeConfigs: []config.ScrapeConfig{{
			JobName:        job,
			ScrapeInterval: config.Duration(interval),
			StaticConfigs:  []config.StaticConfig{{Targets: addrs}},
		}},
	}
	reg, err := registry.Load(sf)
	require.NoError(t, err)
	return reg
}

func newTestScheduler(reg *registry.Registry, app Appender) *Scheduler {
	return NewScheduler(reg, app, time.Second, time.Second,
		observability.NewMetrics(), errors.NewCollector(errors.RealClock{}))
}

func serverAddr(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestScheduler_ScrapesAndAppends(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("gpu_util{gpu=\"0\"} 93\ngpu_mem{gpu=\"0\"} 1024\n"))
	}))
	defer srv.Close()

	reg := testRegistry(t, "gpu", 100*time.Millisecond, serverAddr(srv))
	app := &mockAppender{}
	sched := newTestScheduler(reg, app)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sched.Start(ctx))
	defer sched.Stop()

	require.NoError(t, sched.WaitForFirstPass(ctx))
	assert.True(t, sched.IsReady())

	// At least three ticks' worth of samples arrive.
	require.Eventually(t, func() bool {
		return app.count() >= 6
	}, testWaitTimeout, testPollInterval)

	tgt := reg.All()[0]
	assert.Equal(t, registry.HealthUp, tgt.Health)
	assert.Empty(t, tgt.LastError)
	assert.False(t, tgt.LastScrape.IsZero())
}

func TestScheduler_StampsIdentityLabelsAndScrapeTime(t *testing.T) {
	// The exposed job label must lose to the target's identity label.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("up{job=\"liar\"} 1\nbare_metric 7\n"))
	}))
	defer srv.Close()

	addr := serverAddr(srv)
	reg := testRegistry(t, "gpu", 100*time.Millisecond, addr)
	app := &mockAppender{}
	sched := newTestScheduler(reg, app)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	before := time.Now().UnixMilli()
	require.NoError(t, sched.Start(ctx))
	defer sched.Stop()
	require.NoError(t, sched.WaitForFirstPass(ctx))

	require.Eventually(t, func() bool { return app.count() >= 2 }, testWaitTimeout, testPollInterval)

	for _, s := range app.all() {
		assert.Equal(t, "gpu", s.Labels["job"], "identity label must overwrite exposed label")
		assert.Equal(t, addr, s.Labels["instance"])
		assert.GreaterOrEqual(t, s.Timestamp, before, "samples are stamped with scrape time")
	}
}

func TestScheduler_FailedTargetMarkedDown(t *testing.T) {
	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok_metric 1\n"))
	}))
	defer okSrv.Close()
	badSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer badSrv.Close()

	reg := testRegistry(t, "mixed", 100*time.Millisecond, serverAddr(okSrv), serverAddr(badSrv))
	app := &mockAppender{}
	errs := errors.NewCollector(errors.RealClock{})
	sched := NewScheduler(reg, app, time.Second, time.Second, observability.NewMetrics(), errs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sched.Start(ctx))
	defer sched.Stop()
	require.NoError(t, sched.WaitForFirstPass(ctx))

	var ok, bad registry.Target
	for _, tgt := range reg.All() {
		switch tgt.Address {
		case serverAddr(okSrv):
			ok = tgt
		case serverAddr(badSrv):
			bad = tgt
		}
	}

	// One target failing never affects the other.
	assert.Equal(t, registry.HealthUp, ok.Health)
	assert.Equal(t, registry.HealthDown, bad.Health)
	assert.Contains(t, bad.LastError, "unexpected status 500")

	// The failing scrape yields no samples but is reported.
	for _, s := range app.all() {
		assert.Equal(t, serverAddr(okSrv), s.Labels["instance"])
	}
	active := errs.Active()
	require.NotEmpty(t, active)
	found := false
	for _, e := range active {
		if e.Code == errors.ErrScrapeFailed {
			found = true
		}
	}
	assert.True(t, found, "scrape failure should be reported to the collector")

	// The loop keeps retrying the down target.
	require.Eventually(t, func() bool {
		for _, tgt := range reg.All() {
			if tgt.Address == serverAddr(badSrv) && tgt.LastScrape.After(bad.LastScrape) {
				return true
			}
		}
		return false
	}, testWaitTimeout, testPollInterval)
}

func TestScheduler_TimeoutMarkedDown(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	reg := testRegistry(t, "slow", 100*time.Millisecond, serverAddr(srv))
	app := &mockAppender{}
	// Timeout far below the interval so the first pass finishes quickly.
	sched := NewScheduler(reg, app, 50*time.Millisecond, time.Second,
		observability.NewMetrics(), errors.NewCollector(errors.RealClock{}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sched.Start(ctx))
	defer sched.Stop()
	require.NoError(t, sched.WaitForFirstPass(ctx))

	tgt := reg.All()[0]
	assert.Equal(t, registry.HealthDown, tgt.Health)
	assert.Zero(t, app.count(), "timed-out scrape appends nothing")
}

func TestScheduler_MalformedLinesSkippedAndReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("good_metric 1\nnot a metric at all {{\n"))
	}))
	defer srv.Close()

	reg := testRegistry(t, "gpu", 100*time.Millisecond, serverAddr(srv))
	app := &mockAppender{}
	errs := errors.NewCollector(errors.RealClock{})
	sched := NewScheduler(reg, app, time.Second, time.Second, observability.NewMetrics(), errs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sched.Start(ctx))
	defer sched.Stop()
	require.NoError(t, sched.WaitForFirstPass(ctx))

	// The good line is appended, the malformed one is skipped and reported; the
	// target stays up.
	require.Eventually(t, func() bool { return app.count() >= 1 }, testWaitTimeout, testPollInterval)
	for _, s := range app.all() {
		assert.Equal(t, "good_metric", s.Metric)
	}
	assert.Equal(t, registry.HealthUp, reg.All()[0].Health)

	found := false
	for _, e := range errs.Active() {
		if e.Code == errors.ErrParseSkipped {
			found = true
		}
	}
	assert.True(t, found)
}

func TestScheduler_OverrunSkipsMissedTicks(t *testing.T) {
	// Each scrape takes longer than the interval. Missed ticks must be skipped
	// so the next scrape lands on the next interval boundary; queued catch-up
	// scrapes would fire back-to-back, separated only by the scrape duration.
	const (
		interval       = 100 * time.Millisecond
		scrapeDuration = 120 * time.Millisecond
	)

	var mu sync.Mutex
	var starts []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		time.Sleep(scrapeDuration)
		w.Write([]byte("m 1\n"))
	}))
	defer srv.Close()

	reg := testRegistry(t, "slow", interval, serverAddr(srv))
	app := &mockAppender{}
	sched := newTestScheduler(reg, app)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sched.Start(ctx))
	require.NoError(t, sched.WaitForFirstPass(ctx))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(starts) >= 4
	}, testWaitTimeout, testPollInterval)
	sched.Stop()

	mu.Lock()
	got := append([]time.Time(nil), starts...)
	mu.Unlock()

	// With skipping, each 120ms scrape pushes the next tick to the following
	// 100ms boundary, so consecutive scrapes start ~200ms apart. A backlog of
	// queued ticks would fire immediately after each scrape (~120ms apart).
	for i := 1; i < len(got); i++ {
		gap := got[i].Sub(got[i-1])
		assert.GreaterOrEqual(t, gap, 2*interval-30*time.Millisecond,
			"scrape %d started %v after the previous one; missed ticks must be skipped, not queued", i, gap)
	}
}

func TestScheduler_AppendFailureKeepsTargetUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("m 1\n"))
	}))
	defer srv.Close()

	reg := testRegistry(t, "gpu", 100*time.Millisecond, serverAddr(srv))
	app := &mockAppender{err: context.DeadlineExceeded}
	errs := errors.NewCollector(errors.RealClock{})
	sched := NewScheduler(reg, app, time.Second, time.Second, observability.NewMetrics(), errs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sched.Start(ctx))
	defer sched.Stop()
	require.NoError(t, sched.WaitForFirstPass(ctx))

	// The scrape itself succeeded, so the target is up; the append failure is
	// surfaced through the error collector instead.
	tgt := reg.All()[0]
	assert.Equal(t, registry.HealthUp, tgt.Health)

	found := false
	for _, e := range errs.Active() {
		if e.Code == errors.ErrStoreAppendFailed {
			found = true
		}
	}
	assert.True(t, found)
}

func TestScheduler_StartWithNoTargets(t *testing.T) {
	sched := newTestScheduler(&registry.Registry{}, &mockAppender{})
	err := sched.Start(context.Background())
	require.Error(t, err)
}

func TestScheduler_Stop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("m 1\n"))
	}))
	defer srv.Close()

	reg := testRegistry(t, "gpu", 50*time.Millisecond, serverAddr(srv))
	app := &mockAppender{}
	sched := newTestScheduler(reg, app)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sched.Start(ctx))
	require.NoError(t, sched.WaitForFirstPass(ctx))

	sched.Stop()
	n := app.count()
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, n, app.count(), "no scrapes after Stop")

	// Stop is idempotent.
	sched.Stop()
}

func TestScheduler_ContextCancelStopsLoops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("m 1\n"))
	}))
	defer srv.Close()

	reg := testRegistry(t, "gpu", 50*time.Millisecond, serverAddr(srv))
	app := &mockAppender{}
	sched := newTestScheduler(reg, app)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, sched.Start(ctx))
	require.NoError(t, sched.WaitForFirstPass(ctx))

	cancel()
	time.Sleep(100 * time.Millisecond)
	n := app.count()
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, n, app.count(), "no scrapes after context cancel")
}
