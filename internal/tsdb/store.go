// Package tsdb implements the durable, append-only series store.
//
// Samples live in an in-memory per-series index for querying and in an
// append-only write-ahead log for durability. The active log segment is
// buffered and flushed on an interval; flushed data survives restarts, data
// buffered between flushes is the store's explicit durability boundary and is
// lost on crash. Full segments are sealed by zstd compression and never
// rewritten.
package tsdb

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	pmodel "github.com/prometheus/common/model"

	"github.com/scrapeloop/scrapeloop/internal/errors"
	"github.com/scrapeloop/scrapeloop/internal/observability"
	"github.com/scrapeloop/scrapeloop/pkg/model"
)

// Options configures a Store.
type Options struct {
	Dir             string
	FlushInterval   time.Duration
	SegmentMaxBytes int64
	Policy          Policy // retention policy; nil means NopPolicy
	Metrics         *observability.Metrics
	Errors          *errors.Collector
}

// Store is the append-only, time-indexed sample store shared by all scheduler
// goroutines (writers) and the query surface (readers).
type Store struct {
	opts Options

	mu     sync.RWMutex
	series map[pmodel.Fingerprint]*memSeries

	walMu sync.Mutex
	wal   *wal

	degraded atomic.Bool
	samples  atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Open opens (or creates) the store directory, replays all segments, seals
// any previous run's active segment, and starts the flush and retention
// loops. Open failures are fatal to the process by design.
func Open(opts Options) (*Store, error) {
	if opts.Policy == nil {
		opts.Policy = NopPolicy{}
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: creating %s: %w", opts.Dir, err)
	}

	s := &Store{
		opts:   opts,
		series: make(map[pmodel.Fingerprint]*memSeries),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}

	sealed, nextSeq, err := s.replay()
	if err != nil {
		return nil, err
	}

	w, err := openWAL(opts.Dir, nextSeq, opts.SegmentMaxBytes, sealed)
	if err != nil {
		return nil, err
	}
	s.wal = w

	go s.run()

	slog.Info("store opened",
		"dir", opts.Dir,
		"series", len(s.series),
		"samples", s.samples.Load(),
		"sealed_segments", len(sealed),
		"degraded", s.degraded.Load(),
	)
	return s, nil
}

// replay loads all on-disk segments into memory. Sealed segments with corrupt
// content contribute their readable prefix and flag the store degraded; a
// torn tail in a previous active segment is silently dropped (the documented
// crash boundary) and the remainder re-sealed.
func (s *Store) replay() (sealed []sealedSegment, nextSeq int, err error) {
	sealedSeqs, plainSeqs, err := scanSegments(s.opts.Dir)
	if err != nil {
		return nil, 0, err
	}

	for _, seq := range sealedSeqs {
		path := filepath.Join(s.opts.Dir, segmentName(seq, sealedSuffix))
		samples, corrupt, err := readSealedSegment(path)
		if err != nil {
			return nil, 0, err
		}
		if corrupt {
			s.degraded.Store(true)
			s.reportDegraded(path)
		}
		maxTS := s.load(samples)
		sealed = append(sealed, sealedSegment{seq: seq, path: path, maxTS: maxTS})
		if seq >= nextSeq {
			nextSeq = seq + 1
		}
	}

	for _, seq := range plainSeqs {
		path := filepath.Join(s.opts.Dir, segmentName(seq, activeSuffix))
		samples, err := readPlainSegment(path)
		if err != nil {
			return nil, 0, err
		}
		s.load(samples)

		if len(samples) > 0 {
			seg, err := sealSamples(s.opts.Dir, seq, samples)
			if err != nil {
				return nil, 0, err
			}
			sealed = append(sealed, seg)
		}
		if err := os.Remove(path); err != nil {
			return nil, 0, fmt.Errorf("store: removing replayed segment %s: %w", path, err)
		}
		if seq >= nextSeq {
			nextSeq = seq + 1
		}
	}

	sort.Slice(sealed, func(i, j int) bool { return sealed[i].seq < sealed[j].seq })
	return sealed, nextSeq, nil
}

// load adds replayed samples to the in-memory index and returns their max
// timestamp.
func (s *Store) load(samples []model.Sample) int64 {
	var maxTS int64
	s.mu.Lock()
	for _, smp := range samples {
		s.getOrCreate(smp.Metric, smp.Labels).add(smp.Timestamp, smp.Value)
		if smp.Timestamp > maxTS {
			maxTS = smp.Timestamp
		}
	}
	s.mu.Unlock()

	s.samples.Add(int64(len(samples)))
	if s.opts.Metrics != nil {
		s.mu.RLock()
		s.opts.Metrics.SeriesCount.Set(float64(len(s.series)))
		s.mu.RUnlock()
	}
	return maxTS
}

// getOrCreate returns the series for (metric, labels), creating it if needed.
// Caller must hold s.mu.
func (s *Store) getOrCreate(metric string, labels map[string]string) *memSeries {
	key := seriesKey(metric, labels)
	if ms, ok := s.series[key]; ok {
		return ms
	}
	ms := &memSeries{metric: metric, labels: labels}
	s.series[key] = ms
	return ms
}

// Append durably records a batch of samples. It is the store's only mutation.
// An error fails this batch only; nothing partial is indexed in memory.
func (s *Store) Append(samples []model.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	s.walMu.Lock()
	written, err := s.wal.append(samples)
	if err == nil && s.wal.full() {
		if sealErr := s.wal.seal(); sealErr != nil {
			// The batch itself is written; a failed seal degrades reads but
			// does not fail the append.
			s.degraded.Store(true)
			s.reportDegraded(s.opts.Dir)
			slog.Error("segment seal failed", "error", sealErr)
		} else if s.opts.Metrics != nil {
			s.opts.Metrics.SegmentSealsTotal.Inc()
		}
	}
	s.walMu.Unlock()

	if s.opts.Metrics != nil && written > 0 {
		s.opts.Metrics.SegmentBytes.Add(float64(written))
	}
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}

	s.mu.Lock()
	for _, smp := range samples {
		s.getOrCreate(smp.Metric, smp.Labels).add(smp.Timestamp, smp.Value)
	}
	seriesCount := len(s.series)
	s.mu.Unlock()

	s.samples.Add(int64(len(samples)))
	if s.opts.Metrics != nil {
		s.opts.Metrics.SamplesAppended.Add(float64(len(samples)))
		s.opts.Metrics.SeriesCount.Set(float64(seriesCount))
	}
	return nil
}

// Range returns, per matching series, the samples with timestamp in
// [start, end]. A series matches when its metric name equals name and its
// label set is a superset of selector. No matches yields an empty slice,
// never an error.
func (s *Store) Range(name string, selector map[string]string, start, end int64) []model.SeriesResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []model.SeriesResult
	for _, ms := range s.series {
		if ms.metric != name || !matchesSelector(ms.labels, selector) {
			continue
		}
		pts := ms.rangePoints(start, end)
		if len(pts) == 0 {
			continue
		}
		sr := model.SeriesResult{
			Metric:  ms.metric,
			Labels:  copyLabels(ms.labels),
			Samples: make([]model.SamplePoint, len(pts)),
		}
		for i, p := range pts {
			sr.Samples[i] = model.SamplePoint{Timestamp: p.ts, Value: p.v}
		}
		results = append(results, sr)
	}

	sortResults(results)
	return results
}

// Instant returns, per matching series, the most recent sample at or before
// at. Series with no sample at or before at are omitted.
func (s *Store) Instant(name string, selector map[string]string, at int64) []model.SeriesResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []model.SeriesResult
	for _, ms := range s.series {
		if ms.metric != name || !matchesSelector(ms.labels, selector) {
			continue
		}
		p, ok := ms.at(at)
		if !ok {
			continue
		}
		results = append(results, model.SeriesResult{
			Metric:  ms.metric,
			Labels:  copyLabels(ms.labels),
			Samples: []model.SamplePoint{{Timestamp: p.ts, Value: p.v}},
		})
	}

	sortResults(results)
	return results
}

// Stats returns store statistics for the status endpoint.
func (s *Store) Stats() model.StoreStats {
	s.mu.RLock()
	seriesCount := len(s.series)
	s.mu.RUnlock()

	s.walMu.Lock()
	sealedCount := len(s.wal.sealed)
	s.walMu.Unlock()

	return model.StoreStats{
		Series:         seriesCount,
		Samples:        s.samples.Load(),
		SealedSegments: sealedCount,
		Degraded:       s.degraded.Load(),
	}
}

// Degraded reports whether a corrupt sealed segment was detected. Reads stay
// available; the flag tells consumers the history may have gaps.
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

// Close stops the background loops and flushes the active segment. Samples
// flushed here survive restart with no loss.
func (s *Store) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	<-s.done

	s.walMu.Lock()
	defer s.walMu.Unlock()
	return s.wal.close()
}

// run is the background loop driving periodic flushes and retention.
func (s *Store) run() {
	defer close(s.done)

	flushTicker := time.NewTicker(s.opts.FlushInterval)
	defer flushTicker.Stop()

	retentionTicker := time.NewTicker(retentionInterval)
	defer retentionTicker.Stop()

	for {
		select {
		case <-flushTicker.C:
			s.flush()
		case <-retentionTicker.C:
			s.enforceRetention(time.Now())
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store) flush() {
	start := time.Now()

	s.walMu.Lock()
	err := s.wal.flush()
	s.walMu.Unlock()

	if s.opts.Metrics != nil {
		s.opts.Metrics.FlushDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		slog.Error("wal flush failed", "error", err)
		if s.opts.Errors != nil {
			s.opts.Errors.Report(errors.ProcessError{
				Code:      errors.ErrStoreAppendFailed,
				Message:   fmt.Sprintf("wal flush failed: %v", err),
				Component: "store",
				Timestamp: time.Now().UnixMilli(),
				Err:       err,
			})
		}
	}
}

func (s *Store) reportDegraded(path string) {
	if s.opts.Errors == nil {
		return
	}
	s.opts.Errors.Report(errors.ProcessError{
		Code:      errors.ErrStoreReadDegraded,
		Message:   fmt.Sprintf("corrupt segment data under %s; history may have gaps", path),
		Component: "store",
		Timestamp: time.Now().UnixMilli(),
	})
}

func copyLabels(labels map[string]string) map[string]string {
	if labels == nil {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

func sortResults(results []model.SeriesResult) {
	sort.Slice(results, func(i, j int) bool {
		return labelsSignature(results[i].Labels) < labelsSignature(results[j].Labels)
	})
}
