package tsdb

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/scrapeloop/scrapeloop/internal/errors"
)

// retentionInterval is how often the retention policy is consulted.
const retentionInterval = time.Minute

// Policy decides which history the store may drop. It is an extension point:
// the default NopPolicy keeps everything, and enforcement is a no-op when the
// policy declines to set a horizon.
type Policy interface {
	// Name identifies the policy in logs.
	Name() string
	// Horizon returns the cutoff before which samples may be dropped.
	// ok=false means nothing should be dropped.
	Horizon(now time.Time) (horizon time.Time, ok bool)
}

// NopPolicy retains everything forever.
type NopPolicy struct{}

// Name implements Policy.
func (NopPolicy) Name() string { return "none" }

// Horizon implements Policy; it never sets a cutoff.
func (NopPolicy) Horizon(time.Time) (time.Time, bool) { return time.Time{}, false }

// MaxAgePolicy drops samples older than MaxAge.
type MaxAgePolicy struct {
	MaxAge time.Duration
}

// Name implements Policy.
func (p MaxAgePolicy) Name() string { return fmt.Sprintf("max-age(%s)", p.MaxAge) }

// Horizon implements Policy.
func (p MaxAgePolicy) Horizon(now time.Time) (time.Time, bool) {
	if p.MaxAge <= 0 {
		return time.Time{}, false
	}
	return now.Add(-p.MaxAge), true
}

// enforceRetention applies the policy: whole sealed segments entirely older
// than the horizon are deleted, and in-memory points older than the horizon
// are trimmed. History is never rewritten in place; the active segment is
// never touched.
func (s *Store) enforceRetention(now time.Time) {
	horizon, ok := s.opts.Policy.Horizon(now)
	if !ok {
		return
	}
	horizonMs := horizon.UnixMilli()

	// Drop expired sealed segments.
	s.walMu.Lock()
	kept := s.wal.sealed[:0]
	for _, seg := range s.wal.sealed {
		if seg.maxTS >= horizonMs {
			kept = append(kept, seg)
			continue
		}
		if err := os.Remove(seg.path); err != nil {
			slog.Warn("retention: removing segment failed", "path", seg.path, "error", err)
			if s.opts.Errors != nil {
				s.opts.Errors.Report(errors.ProcessError{
					Code:      errors.ErrRetentionFailed,
					Message:   fmt.Sprintf("removing expired segment %s failed: %v", seg.path, err),
					Component: "store",
					Timestamp: now.UnixMilli(),
					Err:       err,
				})
			}
			kept = append(kept, seg)
			continue
		}
		slog.Info("retention: dropped expired segment", "path", seg.path, "policy", s.opts.Policy.Name())
	}
	s.wal.sealed = kept
	s.walMu.Unlock()

	// Trim expired in-memory points.
	var dropped int64
	s.mu.Lock()
	for key, ms := range s.series {
		i := 0
		for i < len(ms.points) && ms.points[i].ts < horizonMs {
			i++
		}
		if i == 0 {
			continue
		}
		dropped += int64(i)
		if i == len(ms.points) {
			delete(s.series, key)
			continue
		}
		ms.points = append(ms.points[:0:0], ms.points[i:]...)
	}
	seriesCount := len(s.series)
	s.mu.Unlock()

	if dropped > 0 {
		s.samples.Add(-dropped)
		if s.opts.Metrics != nil {
			s.opts.Metrics.RetentionDropTotal.Add(float64(dropped))
			s.opts.Metrics.SeriesCount.Set(float64(seriesCount))
		}
		slog.Debug("retention: trimmed in-memory samples", "dropped", dropped, "policy", s.opts.Policy.Name())
	}
}
