// Package registry holds the set of scrape targets and their health state.
//
// The target set is static for the lifetime of the process: targets are
// created at load time from the scrape configuration and never deleted.
// The All accessor is discovery-agnostic so a future discovery backend can
// populate the registry without scheduler changes.
package registry

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/scrapeloop/scrapeloop/internal/config"
)

// Health is a target's scrape health state.
type Health string

// Target health states. Targets start Unknown and move to Up or Down after
// their first scrape attempt.
const (
	HealthUnknown Health = "unknown"
	HealthUp      Health = "up"
	HealthDown    Health = "down"
)

// Target is an immutable snapshot of one scrape target and its health.
type Target struct {
	Address     string
	Job         string
	MetricsPath string
	Interval    time.Duration

	Health     Health
	LastScrape time.Time
	LastError  string
}

// Key uniquely identifies a target within the registry.
func (t Target) Key() string {
	return t.Job + "/" + t.Address
}

// IdentityLabels returns the labels injected into every sample scraped from
// this target. They keep series from different targets structurally disjoint.
func (t Target) IdentityLabels() map[string]string {
	return map[string]string{
		"job":      t.Job,
		"instance": t.Address,
	}
}

// Outcome records the result of one scrape attempt.
type Outcome struct {
	At  time.Time
	Err error // nil means the scrape succeeded
}

// targetState is the mutable per-target record behind the registry lock.
type targetState struct {
	target     Target
	health     Health
	lastScrape time.Time
	lastError  string
}

// Registry is a thread-safe static set of scrape targets.
type Registry struct {
	mu      sync.RWMutex
	targets map[string]*targetState
	order   []string // insertion order for stable listings
}

// Load builds the registry from the scrape configuration.
// A malformed host:port address is a fatal configuration error.
func Load(sf *config.ScrapeFile) (*Registry, error) {
	r := &Registry{targets: make(map[string]*targetState)}

	for _, sc := range sf.ScrapeConfigs {
		interval := sc.Interval(sf.Global)
		path := sc.Path(sf.Global)

		for _, st := range sc.StaticConfigs {
			for _, addr := range st.Targets {
				if err := validateAddress(addr); err != nil {
					return nil, fmt.Errorf("registry: job %q: %w", sc.JobName, err)
				}

				t := Target{
					Address:     addr,
					Job:         sc.JobName,
					MetricsPath: path,
					Interval:    interval,
					Health:      HealthUnknown,
				}
				k := t.Key()
				if _, ok := r.targets[k]; ok {
					return nil, fmt.Errorf("registry: job %q: duplicate target %q", sc.JobName, addr)
				}
				r.targets[k] = &targetState{target: t, health: HealthUnknown}
				r.order = append(r.order, k)
			}
		}
	}

	return r, nil
}

// validateAddress checks that addr is a well-formed host:port.
func validateAddress(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("malformed target address %q: %w", addr, err)
	}
	if host == "" {
		return fmt.Errorf("malformed target address %q: empty host", addr)
	}
	if _, err := net.LookupPort("tcp", port); err != nil {
		return fmt.Errorf("malformed target address %q: %w", addr, err)
	}
	return nil
}

// All returns a snapshot of every target in load order.
func (r *Registry) All() []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Target, 0, len(r.order))
	for _, k := range r.order {
		st := r.targets[k]
		t := st.target
		t.Health = st.health
		t.LastScrape = st.lastScrape
		t.LastError = st.lastError
		out = append(out, t)
	}
	return out
}

// Len returns the number of registered targets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.targets)
}

// Mark records the outcome of a scrape attempt for the target with the given
// key. Unknown keys are ignored.
func (r *Registry) Mark(key string, outcome Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.targets[key]
	if !ok {
		return
	}

	st.lastScrape = outcome.At
	if outcome.Err != nil {
		st.health = HealthDown
		st.lastError = outcome.Err.Error()
		return
	}
	st.health = HealthUp
	st.lastError = ""
}
