package config

import (
	"fmt"
	"time"
)

// Validate checks that the Config contains valid values.
// Returns an error describing the first invalid field found.
func (c Config) Validate() error {
	if c.ConfigPath == "" {
		return fmt.Errorf("config: SCRAPELOOP_CONFIG is required")
	}

	if c.DataDir == "" {
		return fmt.Errorf("config: SCRAPELOOP_DATA_DIR must not be empty")
	}

	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return fmt.Errorf("config: ListenPort must be 1-65535, got %d", c.ListenPort)
	}

	if c.ScrapeTimeout < 100*time.Millisecond {
		return fmt.Errorf("config: ScrapeTimeout must be >= 100ms, got %v", c.ScrapeTimeout)
	}

	if c.FlushInterval < 100*time.Millisecond {
		return fmt.Errorf("config: FlushInterval must be >= 100ms, got %v", c.FlushInterval)
	}

	if c.SegmentMaxBytes < 4096 {
		return fmt.Errorf("config: SegmentMaxBytes must be >= 4096, got %d", c.SegmentMaxBytes)
	}

	if c.Retention < 0 {
		return fmt.Errorf("config: Retention must be >= 0, got %v", c.Retention)
	}

	if c.ShutdownGrace < time.Second {
		return fmt.Errorf("config: ShutdownGrace must be >= 1s, got %v", c.ShutdownGrace)
	}

	return nil
}
