package scrape

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scrapeloop/scrapeloop/internal/errors"
	"github.com/scrapeloop/scrapeloop/internal/observability"
	"github.com/scrapeloop/scrapeloop/internal/registry"
	"github.com/scrapeloop/scrapeloop/pkg/model"
)

// Appender receives the parsed samples of one scrape. Implemented by the
// series store.
type Appender interface {
	Append(samples []model.Sample) error
}

// Scheduler runs one independent scrape loop per registered target.
type Scheduler struct {
	registry *registry.Registry
	appender Appender
	client   *http.Client
	timeout  time.Duration
	grace    time.Duration
	metrics  *observability.Metrics
	errs     *errors.Collector

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	firstPass sync.WaitGroup
	firstDone chan struct{}
	ready     atomic.Bool
}

// NewScheduler creates a Scheduler over the given registry and appender.
// timeout bounds each scrape; grace bounds how long Stop waits for in-flight
// scrapes before abandoning them.
func NewScheduler(
	reg *registry.Registry,
	appender Appender,
	timeout time.Duration,
	grace time.Duration,
	metrics *observability.Metrics,
	errs *errors.Collector,
) *Scheduler {
	return &Scheduler{
		registry: reg,
		appender: appender,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		timeout:   timeout,
		grace:     grace,
		metrics:   metrics,
		errs:      errs,
		stopCh:    make(chan struct{}),
		firstDone: make(chan struct{}),
	}
}

// Start launches one scrape goroutine per target. The context bounds all
// scrape requests; canceling it stops every loop.
func (s *Scheduler) Start(ctx context.Context) error {
	targets := s.registry.All()
	if len(targets) == 0 {
		return fmt.Errorf("scheduler: no targets registered")
	}

	s.firstPass.Add(len(targets))
	s.wg.Add(len(targets))
	for _, t := range targets {
		go s.run(ctx, t)
	}

	go func() {
		s.firstPass.Wait()
		s.ready.Store(true)
		close(s.firstDone)
	}()

	slog.Info("scheduler started", "targets", len(targets))
	return nil
}

// WaitForFirstPass blocks until every target has completed its first scrape
// attempt (success or failure) or the context is canceled.
func (s *Scheduler) WaitForFirstPass(ctx context.Context) error {
	select {
	case <-s.firstDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsReady reports whether the first scrape pass has completed.
// Implements api.ReadinessChecker.
func (s *Scheduler) IsReady() bool {
	return s.ready.Load()
}

// Stop halts all scrape loops. New scrapes stop promptly; in-flight scrapes
// get the configured grace period to finish before being abandoned.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("scheduler stopped")
	case <-time.After(s.grace):
		slog.Warn("scheduler stop grace period expired, abandoning in-flight scrapes",
			"grace", s.grace)
	}
}

// run is the per-target scrape loop. Each tick is scheduled at
// last_tick_start + interval; if a scrape overruns its interval, missed ticks
// are skipped rather than queued, so drift never accumulates into a backlog.
func (s *Scheduler) run(ctx context.Context, t registry.Target) {
	defer s.wg.Done()

	var firstOnce sync.Once
	markFirst := func() { firstOnce.Do(s.firstPass.Done) }
	defer markFirst()

	next := time.Now()
	for {
		tickStart := time.Now()
		s.scrapeOnce(ctx, t, tickStart)
		markFirst()

		next = next.Add(t.Interval)
		if now := time.Now(); !next.After(now) {
			skipped := 0
			for !next.After(now) {
				next = next.Add(t.Interval)
				skipped++
			}
			slog.Warn("scrape overran interval, skipping ticks",
				"target", t.Key(), "interval", t.Interval, "skipped_ticks", skipped)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-timer.C:
		case <-s.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// scrapeOnce performs one scrape attempt against the target and records the
// outcome. All failures are contained here: they surface only as target
// health state, metrics, and logs.
func (s *Scheduler) scrapeOnce(ctx context.Context, t registry.Target, tickStart time.Time) {
	body, err := fetch(ctx, s.client, t.Address, t.MetricsPath, s.timeout)
	s.metrics.ScrapeDuration.WithLabelValues(t.Job).Observe(time.Since(tickStart).Seconds())

	if err != nil {
		s.registry.Mark(t.Key(), registry.Outcome{At: tickStart, Err: err})
		s.metrics.ScrapesTotal.WithLabelValues(t.Job, "error").Inc()
		s.metrics.TargetUp.WithLabelValues(t.Job, t.Address).Set(0)
		s.errs.Report(errors.ProcessError{
			Code:      errors.ErrScrapeFailed,
			Message:   fmt.Sprintf("scrape of %s failed: %v", t.Key(), err),
			Component: "scrape/" + t.Key(),
			Timestamp: tickStart.UnixMilli(),
			Err:       err,
		})
		slog.Warn("scrape failed", "target", t.Key(), "error", err)
		return
	}

	samples, skipped := ParseExposition(body)
	if skipped > 0 {
		s.metrics.SamplesSkippedTotal.Add(float64(skipped))
		s.errs.Report(errors.ProcessError{
			Code:      errors.ErrParseSkipped,
			Message:   fmt.Sprintf("skipped %d malformed exposition lines from %s", skipped, t.Key()),
			Component: "scrape/" + t.Key(),
			Timestamp: tickStart.UnixMilli(),
		})
		slog.Debug("skipped malformed exposition lines",
			"target", t.Key(), "skipped", skipped)
	}

	// Stamp samples with the scrape time and the target's identity labels.
	// Identity labels overwrite same-named exposed labels so that series from
	// different targets stay disjoint.
	ts := tickStart.UnixMilli()
	identity := t.IdentityLabels()
	for i := range samples {
		if samples[i].Labels == nil {
			samples[i].Labels = make(map[string]string, len(identity))
		}
		for k, v := range identity {
			samples[i].Labels[k] = v
		}
		samples[i].Timestamp = ts
	}

	if err := s.appender.Append(samples); err != nil {
		// The scrape itself succeeded; an append failure fails this batch but
		// never the scheduler.
		s.metrics.AppendErrorsTotal.Inc()
		s.errs.Report(errors.ProcessError{
			Code:      errors.ErrStoreAppendFailed,
			Message:   fmt.Sprintf("append of %d samples from %s failed: %v", len(samples), t.Key(), err),
			Component: "store",
			Timestamp: tickStart.UnixMilli(),
			Err:       err,
		})
		slog.Error("store append failed", "target", t.Key(), "samples", len(samples), "error", err)
	} else {
		s.metrics.SamplesScraped.WithLabelValues(t.Job).Add(float64(len(samples)))
	}

	s.registry.Mark(t.Key(), registry.Outcome{At: tickStart})
	s.metrics.ScrapesTotal.WithLabelValues(t.Job, "success").Inc()
	s.metrics.TargetUp.WithLabelValues(t.Job, t.Address).Set(1)
}
