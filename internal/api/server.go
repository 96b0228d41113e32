// Package api exposes the read-only query surface: instant and range queries
// over the series store, the target health listing, and process status. It
// never mutates anything.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scrapeloop/scrapeloop/internal/errors"
	"github.com/scrapeloop/scrapeloop/internal/observability"
	"github.com/scrapeloop/scrapeloop/internal/registry"
	"github.com/scrapeloop/scrapeloop/pkg/model"
)

// ReadinessChecker reports whether the first scrape pass has completed.
type ReadinessChecker interface {
	IsReady() bool
}

// Querier answers store queries. Implemented by the series store.
type Querier interface {
	Range(name string, selector map[string]string, start, end int64) []model.SeriesResult
	Instant(name string, selector map[string]string, at int64) []model.SeriesResult
	Stats() model.StoreStats
}

// TargetLister returns the current target set with health state.
type TargetLister interface {
	All() []registry.Target
}

// ErrorSource returns the currently active process errors.
type ErrorSource interface {
	Active() []errors.ProcessError
}

// Server serves the query API plus health, readiness, and self-metrics
// endpoints.
type Server struct {
	httpServer *http.Server
	listener   net.Listener

	querier    Querier
	targets    TargetLister
	readiness  ReadinessChecker
	errs       ErrorSource
	instanceID string
}

// NewServer creates the query API server on the given port.
// Pass port=0 to let the OS pick a free port (useful for tests).
// When enableDebug is true, pprof endpoints are registered.
func NewServer(
	port int,
	metrics *observability.Metrics,
	querier Querier,
	targets TargetLister,
	readiness ReadinessChecker,
	errs ErrorSource,
	instanceID string,
	enableDebug bool,
) *Server {
	s := &Server{
		querier:    querier,
		targets:    targets,
		readiness:  readiness,
		errs:       errs,
		instanceID: instanceID,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/query", s.handleQuery)
	mux.HandleFunc("GET /api/v1/query_range", s.handleQueryRange)
	mux.HandleFunc("GET /api/v1/targets", s.handleTargets)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	if enableDebug {
		// pprof handlers — only enabled when SCRAPELOOP_DEBUG_ENDPOINTS=true
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf(":%d", port),
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	return s
}

// Start begins listening and serving HTTP in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("api server listen: %w", err)
	}
	s.listener = ln
	// Update Addr to the actual address (important when port=0).
	s.httpServer.Addr = ln.Addr().String()

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			_ = err // server exited with unexpected error; ignore during shutdown
		}
	}()
	return nil
}

// Addr returns the server's listen address once started.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	metric := q.Get("metric")
	if metric == "" {
		writeError(w, http.StatusBadRequest, "missing metric parameter")
		return
	}

	selector, err := parseSelector(q["label"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	at := time.Now().UnixMilli()
	if v := q.Get("at"); v != "" {
		at, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid at timestamp")
			return
		}
	}

	result := s.querier.Instant(metric, selector, at)
	s.writeQueryResponse(w, result)
}

func (s *Server) handleQueryRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	metric := q.Get("metric")
	if metric == "" {
		writeError(w, http.StatusBadRequest, "missing metric parameter")
		return
	}

	selector, err := parseSelector(q["label"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	start, err := strconv.ParseInt(q.Get("start"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing or invalid start timestamp")
		return
	}
	end, err := strconv.ParseInt(q.Get("end"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing or invalid end timestamp")
		return
	}
	if start > end {
		writeError(w, http.StatusBadRequest, "start must be <= end")
		return
	}

	result := s.querier.Range(metric, selector, start, end)
	s.writeQueryResponse(w, result)
}

// writeQueryResponse writes a query result. No matches is an explicit empty
// result with HTTP 200, never an error — it distinguishes "never scraped"
// from "scraped, zero value".
func (s *Server) writeQueryResponse(w http.ResponseWriter, result []model.SeriesResult) {
	if result == nil {
		result = []model.SeriesResult{}
	}
	writeJSON(w, http.StatusOK, model.QueryResponse{
		Status:   "success",
		Degraded: s.querier.Stats().Degraded,
		Result:   result,
	})
}

func (s *Server) handleTargets(w http.ResponseWriter, _ *http.Request) {
	targets := s.targets.All()
	out := make([]model.TargetStatus, 0, len(targets))
	for _, t := range targets {
		ts := model.TargetStatus{
			Address:        t.Address,
			Job:            t.Job,
			Health:         string(t.Health),
			ScrapeInterval: t.Interval.String(),
			LastError:      t.LastError,
		}
		if !t.LastScrape.IsZero() {
			ts.LastScrape = t.LastScrape.UnixMilli()
		}
		out = append(out, ts)
	}
	writeJSON(w, http.StatusOK, model.TargetsResponse{Targets: out})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	active := s.errs.Active()
	procErrs := make([]model.ProcessError, 0, len(active))
	for _, e := range active {
		procErrs = append(procErrs, model.ProcessError{
			Code:      string(e.Code),
			Message:   e.Message,
			Component: e.Component,
			Timestamp: e.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, model.StatusResponse{
		InstanceID: s.instanceID,
		Store:      s.querier.Stats(),
		Errors:     procErrs,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	ready := s.readiness.IsReady()
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]bool{"ready": ready})
}

// parseSelector parses repeated label parameters of the form "key:value"
// into an exact-match label selector.
func parseSelector(params []string) (map[string]string, error) {
	if len(params) == 0 {
		return nil, nil
	}
	selector := make(map[string]string, len(params))
	for _, p := range params {
		k, v, ok := strings.Cut(p, ":")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid label selector %q, want key:value", p)
		}
		selector[k] = v
	}
	return selector, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"status": "error", "error": msg})
}
