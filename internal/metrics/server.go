// Package metrics provides a simple Prometheus-compatible metrics endpoint.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics holds runtime counters for the orchestrator.
type Metrics struct {
	// Worker lifecycle
	WorkerSpawns      atomic.Int64
	WorkerSpawnErrors atomic.Int64
	OrphanReaps       atomic.Int64
	TaskRetries       atomic.Int64

	// Session outcomes
	SessionsCompleted atomic.Int64
	SessionsAbandoned atomic.Int64

	// History mirror
	GraphWrites      atomic.Int64
	GraphWriteErrors atomic.Int64

	// Timing (last operation duration in ms)
	LastSpawnDurationMs atomic.Int64

	startTime time.Time
}

var (
	global     *Metrics
	globalOnce sync.Once
)

// Global returns the global metrics instance
func Global() *Metrics {
	globalOnce.Do(func() {
		global = &Metrics{
			startTime: time.Now(),
		}
	})
	return global
}

// RecordSpawn records a worker spawn attempt
func (m *Metrics) RecordSpawn(success bool, durationMs int64) {
	m.WorkerSpawns.Add(1)
	if !success {
		m.WorkerSpawnErrors.Add(1)
	}
	m.LastSpawnDurationMs.Store(durationMs)
}

// RecordReap records an orphaned assignment being reclaimed
func (m *Metrics) RecordReap() {
	m.OrphanReaps.Add(1)
}

// RecordRetry records a failed task being requeued
func (m *Metrics) RecordRetry() {
	m.TaskRetries.Add(1)
}

// RecordSessionEnd records a session reaching a terminal status
func (m *Metrics) RecordSessionEnd(completed bool) {
	if completed {
		m.SessionsCompleted.Add(1)
	} else {
		m.SessionsAbandoned.Add(1)
	}
}

// RecordGraphWrite records a history mirror write attempt
func (m *Metrics) RecordGraphWrite(success bool) {
	m.GraphWrites.Add(1)
	if !success {
		m.GraphWriteErrors.Add(1)
	}
}

// Handler returns an HTTP handler for /metrics endpoint
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")

		uptime := time.Since(m.startTime).Seconds()

		fmt.Fprintf(w, "# HELP loom_uptime_seconds Time since the orchestrator started\n")
		fmt.Fprintf(w, "# TYPE loom_uptime_seconds gauge\n")
		fmt.Fprintf(w, "loom_uptime_seconds %.2f\n\n", uptime)

		fmt.Fprintf(w, "# HELP loom_worker_spawns_total Total worker spawn attempts\n")
		fmt.Fprintf(w, "# TYPE loom_worker_spawns_total counter\n")
		fmt.Fprintf(w, "loom_worker_spawns_total %d\n\n", m.WorkerSpawns.Load())

		fmt.Fprintf(w, "# HELP loom_worker_spawn_errors_total Total worker spawn failures\n")
		fmt.Fprintf(w, "# TYPE loom_worker_spawn_errors_total counter\n")
		fmt.Fprintf(w, "loom_worker_spawn_errors_total %d\n\n", m.WorkerSpawnErrors.Load())

		fmt.Fprintf(w, "# HELP loom_orphan_reaps_total Total orphaned assignments reclaimed\n")
		fmt.Fprintf(w, "# TYPE loom_orphan_reaps_total counter\n")
		fmt.Fprintf(w, "loom_orphan_reaps_total %d\n\n", m.OrphanReaps.Load())

		fmt.Fprintf(w, "# HELP loom_task_retries_total Total failed tasks requeued\n")
		fmt.Fprintf(w, "# TYPE loom_task_retries_total counter\n")
		fmt.Fprintf(w, "loom_task_retries_total %d\n\n", m.TaskRetries.Load())

		fmt.Fprintf(w, "# HELP loom_sessions_completed_total Total sessions completed\n")
		fmt.Fprintf(w, "# TYPE loom_sessions_completed_total counter\n")
		fmt.Fprintf(w, "loom_sessions_completed_total %d\n\n", m.SessionsCompleted.Load())

		fmt.Fprintf(w, "# HELP loom_sessions_abandoned_total Total sessions abandoned\n")
		fmt.Fprintf(w, "# TYPE loom_sessions_abandoned_total counter\n")
		fmt.Fprintf(w, "loom_sessions_abandoned_total %d\n\n", m.SessionsAbandoned.Load())

		fmt.Fprintf(w, "# HELP loom_graph_writes_total Total history mirror writes\n")
		fmt.Fprintf(w, "# TYPE loom_graph_writes_total counter\n")
		fmt.Fprintf(w, "loom_graph_writes_total %d\n\n", m.GraphWrites.Load())

		fmt.Fprintf(w, "# HELP loom_graph_write_errors_total Total history mirror write failures\n")
		fmt.Fprintf(w, "# TYPE loom_graph_write_errors_total counter\n")
		fmt.Fprintf(w, "loom_graph_write_errors_total %d\n\n", m.GraphWriteErrors.Load())

		fmt.Fprintf(w, "# HELP loom_last_spawn_duration_ms Last worker spawn duration\n")
		fmt.Fprintf(w, "# TYPE loom_last_spawn_duration_ms gauge\n")
		fmt.Fprintf(w, "loom_last_spawn_duration_ms %d\n", m.LastSpawnDurationMs.Load())
	}
}

// Server wraps the metrics HTTP server
type Server struct {
	srv *http.Server
}

// NewServer creates a metrics server on the given port
func NewServer(port int) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", Global().Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return &Server{
		srv: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
	}
}

// Start starts the metrics server in background
func (s *Server) Start() error {
	go s.srv.ListenAndServe()
	return nil
}

// Stop gracefully shuts down the metrics server
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
