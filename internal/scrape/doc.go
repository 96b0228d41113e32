// Package scrape implements the pull-based scrape loop.
//
// Every registered target gets its own scheduling goroutine: an HTTP GET of
// the target's metrics endpoint once per configured interval, independently
// and concurrently across targets, so one slow or failing target never delays
// another's schedule. Ticks are aligned to the interval from scheduler start;
// a scrape that overruns its interval skips missed ticks instead of queuing
// catch-up scrapes.
//
// Scrape responses are Prometheus exposition text. Each non-comment line is
// parsed into one sample; malformed lines are skipped, not fatal. Samples are
// stamped with the scrape start time and tagged with the target's job and
// instance labels before being handed to the series store.
package scrape
