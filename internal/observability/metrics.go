package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for scrapeloop self-monitoring.
// It uses a custom registry to avoid polluting the global default.
type Metrics struct {
	Registry *prometheus.Registry

	// Scrape metrics
	ScrapeDuration      *prometheus.HistogramVec
	ScrapesTotal        *prometheus.CounterVec
	TargetUp            *prometheus.GaugeVec
	SamplesScraped      *prometheus.CounterVec
	SamplesSkippedTotal prometheus.Counter

	// Store metrics
	SeriesCount        prometheus.Gauge
	SamplesAppended    prometheus.Counter
	AppendErrorsTotal  prometheus.Counter
	FlushDuration      prometheus.Histogram
	SegmentSealsTotal  prometheus.Counter
	SegmentBytes       prometheus.Counter
	RetentionDropTotal prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all Prometheus metrics
// registered on a custom registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ScrapeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scrapeloop_scrape_duration_seconds",
			Help:    "Duration of scrape attempts in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		ScrapesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrapeloop_scrapes_total",
			Help: "Total number of scrape attempts.",
		}, []string{"job", "status"}),
		TargetUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scrapeloop_target_up",
			Help: "Whether the last scrape of the target succeeded (1 = up, 0 = down).",
		}, []string{"job", "instance"}),
		SamplesScraped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrapeloop_samples_scraped_total",
			Help: "Total number of samples parsed from scrape responses.",
		}, []string{"job"}),
		SamplesSkippedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrapeloop_samples_skipped_total",
			Help: "Total number of malformed exposition lines skipped during parsing.",
		}),

		SeriesCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scrapeloop_store_series",
			Help: "Current number of series in the store.",
		}),
		SamplesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrapeloop_store_samples_appended_total",
			Help: "Total number of samples appended to the store.",
		}),
		AppendErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrapeloop_store_append_errors_total",
			Help: "Total number of failed store appends.",
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scrapeloop_store_flush_duration_seconds",
			Help:    "Duration of write-ahead log flushes in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		SegmentSealsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrapeloop_store_segment_seals_total",
			Help: "Total number of segments sealed and compressed.",
		}),
		SegmentBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrapeloop_store_segment_bytes_written_total",
			Help: "Total bytes written to active segments before compression.",
		}),
		RetentionDropTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrapeloop_store_retention_dropped_samples_total",
			Help: "Total number of samples dropped by retention enforcement.",
		}),
	}

	// Register all metrics with the custom registry.
	reg.MustRegister(
		m.ScrapeDuration,
		m.ScrapesTotal,
		m.TargetUp,
		m.SamplesScraped,
		m.SamplesSkippedTotal,
		m.SeriesCount,
		m.SamplesAppended,
		m.AppendErrorsTotal,
		m.FlushDuration,
		m.SegmentSealsTotal,
		m.SegmentBytes,
		m.RetentionDropTotal,
	)

	return m
}
