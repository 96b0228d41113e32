package config

import (
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Config holds all process configuration values.
type Config struct {
	ConfigPath      string        // SCRAPELOOP_CONFIG, path to the YAML scrape file (required)
	DataDir         string        // SCRAPELOOP_DATA_DIR, series store directory
	ListenPort      int           // SCRAPELOOP_LISTEN_PORT, query API port
	ScrapeTimeout   time.Duration // SCRAPELOOP_SCRAPE_TIMEOUT, per-scrape HTTP timeout
	FlushInterval   time.Duration // SCRAPELOOP_FLUSH_INTERVAL, store buffer flush cadence
	SegmentMaxBytes int64         // SCRAPELOOP_SEGMENT_MAX_BYTES, active segment seal threshold
	Retention       time.Duration // SCRAPELOOP_RETENTION, 0 disables retention
	ShutdownGrace   time.Duration // SCRAPELOOP_SHUTDOWN_GRACE, grace period for in-flight scrapes
	DebugEndpoints  bool          // SCRAPELOOP_DEBUG_ENDPOINTS, enables pprof/debug on the API port
	InstanceID      string        // SCRAPELOOP_INSTANCE_ID, generated when unset
}

// Load reads configuration from environment variables and returns a Config
// with defaults applied for any unset values.
func Load() Config {
	cfg := Config{
		ConfigPath:      os.Getenv("SCRAPELOOP_CONFIG"),
		DataDir:         envOrDefault("SCRAPELOOP_DATA_DIR", "./data"),
		ListenPort:      parseInt("SCRAPELOOP_LISTEN_PORT", 8428),
		ScrapeTimeout:   parseDuration("SCRAPELOOP_SCRAPE_TIMEOUT", 4*time.Second),
		FlushInterval:   parseDuration("SCRAPELOOP_FLUSH_INTERVAL", 2*time.Second),
		SegmentMaxBytes: parseInt64("SCRAPELOOP_SEGMENT_MAX_BYTES", 8<<20),
		Retention:       parseDuration("SCRAPELOOP_RETENTION", 0),
		ShutdownGrace:   parseDuration("SCRAPELOOP_SHUTDOWN_GRACE", 5*time.Second),
		InstanceID:      os.Getenv("SCRAPELOOP_INSTANCE_ID"),
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.New().String()
	}

	cfg.DebugEndpoints = parseBool("SCRAPELOOP_DEBUG_ENDPOINTS", false)

	return cfg
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// parseDuration tries time.ParseDuration first, then falls back to treating
// the value as integer seconds.
func parseDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}

	d, err := time.ParseDuration(v)
	if err == nil {
		return d
	}

	// Fallback: treat as integer seconds
	secs, err := strconv.Atoi(v)
	if err == nil {
		return time.Duration(secs) * time.Second
	}

	return defaultVal
}

func parseBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func parseInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func parseInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return n
}
