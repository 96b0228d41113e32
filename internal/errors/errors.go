package errors

import (
	"sync"
	"time"
)

// Code represents a typed error code surfaced on the status endpoint.
type Code string

// Process error codes. Config failures are fatal at startup and never reach
// the collector, so there is no config code here.
const (
	ErrScrapeFailed      Code = "SCRAPE_FAILED"
	ErrParseSkipped      Code = "PARSE_SKIPPED"
	ErrStoreAppendFailed Code = "STORE_APPEND_FAILED"
	ErrStoreReadDegraded Code = "STORE_READ_DEGRADED"
	ErrRetentionFailed   Code = "RETENTION_FAILED"
)

// defaultTTL is the auto-expiry duration for errors not re-reported.
const defaultTTL = 5 * time.Minute

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock uses the system clock.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time { return time.Now() }

// ProcessError represents a typed process error with code, component, and
// optional wrapped error.
type ProcessError struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Component string `json:"component"`
	Timestamp int64  `json:"timestamp"`
	Err       error  `json:"-"`
}

// Error implements the error interface.
func (e *ProcessError) Error() string {
	return e.Message
}

// Unwrap returns the wrapped error for errors.Is/As compatibility.
func (e *ProcessError) Unwrap() error {
	return e.Err
}

// entry wraps a ProcessError with its last-reported time for expiry tracking.
type entry struct {
	err        ProcessError
	lastReport time.Time
}

// Collector is a thread-safe store for active process errors.
// Errors are keyed by Code+Component and auto-expire after 5 minutes
// if not re-reported.
type Collector struct {
	mu      sync.Mutex
	clock   Clock
	entries map[string]entry // key = string(Code) + "|" + Component
}

// NewCollector creates a Collector with the given clock.
func NewCollector(clock Clock) *Collector {
	return &Collector{
		clock:   clock,
		entries: make(map[string]entry),
	}
}

// key builds the dedup key for an error.
func key(code Code, component string) string {
	return string(code) + "|" + component
}

// Report stores or refreshes an error. The dedup key is Code+Component.
func (c *Collector) Report(err ProcessError) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key(err.Code, err.Component)
	c.entries[k] = entry{
		err:        err,
		lastReport: c.clock.Now(),
	}
}

// Active returns all errors that have been reported within the TTL window.
func (c *Collector) Active() []ProcessError {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	result := make([]ProcessError, 0, len(c.entries))
	for k, e := range c.entries {
		if now.Sub(e.lastReport) > defaultTTL {
			delete(c.entries, k)
			continue
		}
		result = append(result, e.err)
	}
	return result
}

// Clear removes all tracked errors.
func (c *Collector) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]entry)
}
