package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultScrapeInterval is used when the scrape file sets no global interval.
const defaultScrapeInterval = 5 * time.Second

// defaultMetricsPath is the path scraped on each target when none is configured.
const defaultMetricsPath = "/metrics"

// Duration wraps time.Duration with YAML unmarshalling that accepts either
// a Go duration string ("5s", "1m30s") or a bare integer number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var secs int
	if err := node.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}

	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration %q", node.Value)
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

// ScrapeFile is the parsed YAML scrape configuration: a global section plus
// one entry per scrape job with its static target list.
type ScrapeFile struct {
	Global        GlobalConfig   `yaml:"global"`
	ScrapeConfigs []ScrapeConfig `yaml:"scrape_configs"`
}

// GlobalConfig holds defaults applied to every scrape job.
type GlobalConfig struct {
	ScrapeInterval Duration `yaml:"scrape_interval"`
	MetricsPath    string   `yaml:"metrics_path"`
}

// ScrapeConfig describes one scrape job: a name, optional overrides, and a
// static list of host:port targets.
type ScrapeConfig struct {
	JobName        string         `yaml:"job_name"`
	ScrapeInterval Duration       `yaml:"scrape_interval"`
	MetricsPath    string         `yaml:"metrics_path"`
	StaticConfigs  []StaticConfig `yaml:"static_configs"`
}

// StaticConfig is a static group of scrape targets.
type StaticConfig struct {
	Targets []string `yaml:"targets"`
}

// Interval returns the job's effective scrape interval, falling back to the
// global interval.
func (sc ScrapeConfig) Interval(global GlobalConfig) time.Duration {
	if sc.ScrapeInterval > 0 {
		return time.Duration(sc.ScrapeInterval)
	}
	if global.ScrapeInterval > 0 {
		return time.Duration(global.ScrapeInterval)
	}
	return defaultScrapeInterval
}

// Path returns the job's effective metrics path, falling back to the global
// path and then to /metrics.
func (sc ScrapeConfig) Path(global GlobalConfig) string {
	if sc.MetricsPath != "" {
		return sc.MetricsPath
	}
	if global.MetricsPath != "" {
		return global.MetricsPath
	}
	return defaultMetricsPath
}

// LoadScrapeFile reads and validates the YAML scrape configuration.
// Any parse or validation failure here is fatal: the process must not start
// with an unparsable scrape configuration.
func LoadScrapeFile(path string) (*ScrapeFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scrape config: reading %s: %w", path, err)
	}

	var sf ScrapeFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sf); err != nil {
		return nil, fmt.Errorf("scrape config: parsing %s: %w", path, err)
	}

	if err := sf.validate(); err != nil {
		return nil, fmt.Errorf("scrape config: %w", err)
	}

	return &sf, nil
}

func (sf *ScrapeFile) validate() error {
	if len(sf.ScrapeConfigs) == 0 {
		return fmt.Errorf("at least one scrape_config is required")
	}

	seen := make(map[string]struct{}, len(sf.ScrapeConfigs))
	for i, sc := range sf.ScrapeConfigs {
		if sc.JobName == "" {
			return fmt.Errorf("scrape_configs[%d]: job_name is required", i)
		}
		if _, ok := seen[sc.JobName]; ok {
			return fmt.Errorf("duplicate job_name %q", sc.JobName)
		}
		seen[sc.JobName] = struct{}{}

		if iv := sc.Interval(sf.Global); iv < time.Second {
			return fmt.Errorf("job %q: scrape_interval must be >= 1s, got %v", sc.JobName, iv)
		}

		total := 0
		for _, st := range sc.StaticConfigs {
			total += len(st.Targets)
		}
		if total == 0 {
			return fmt.Errorf("job %q: at least one target is required", sc.JobName)
		}
	}

	return nil
}
