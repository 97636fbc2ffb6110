// Package admin serves health, metrics and database statistics over HTTP
// while a long-running bucketdb command is active.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/bucketdb/internal/bucketdb"
	"github.com/tunnelmesh/bucketdb/internal/metrics"
	"github.com/tunnelmesh/bucketdb/internal/tracing"
)

// Server is the admin HTTP endpoint. It is meant to listen on loopback.
type Server struct {
	server   *http.Server
	mux      *http.ServeMux
	listener net.Listener
	dbs      []bucketdb.Database
	recorder *tracing.Recorder
	logger   zerolog.Logger
}

// DatabaseStats is one element of the /stats response.
type DatabaseStats struct {
	Name   string         `json:"name"`
	Engine string         `json:"engine"`
	Size   int            `json:"size"`
	Stats  bucketdb.Stats `json:"stats"`
}

// NewServer creates an admin server reporting on dbs.
func NewServer(logger zerolog.Logger, dbs ...bucketdb.Database) *Server {
	s := &Server{
		mux:    http.NewServeMux(),
		dbs:    dbs,
		logger: logger.With().Str("component", "admin").Logger(),
	}

	s.mux.HandleFunc("/health", healthHandler)
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.HandleFunc("/stats", s.statsHandler)
	s.mux.HandleFunc("/debug/trace", s.traceHandler)

	return s
}

// SetRecorder makes /debug/trace serve snapshots of rec. Call before Start.
func (s *Server) SetRecorder(rec *tracing.Recorder) {
	s.recorder = rec
}

// Start binds addr and serves in the background. Use "127.0.0.1:0" to pick
// a free port and Addr to learn it.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Admin server stopped")
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Admin server listening")
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the admin server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// healthHandler returns a simple health check response.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	out := make([]DatabaseStats, 0, len(s.dbs))
	for _, db := range s.dbs {
		out = append(out, DatabaseStats{
			Name:   db.Name(),
			Engine: db.Engine(),
			Size:   db.Size(),
			Stats:  db.Stats(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write stats")
	}
}

// traceHandler returns a runtime trace snapshot.
// The output is compatible with `go tool trace`.
func (s *Server) traceHandler(w http.ResponseWriter, r *http.Request) {
	if !s.recorder.Running() {
		http.Error(w, "tracing not enabled (set stress.trace_file)", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename=trace.out")

	if err := s.recorder.Snapshot(w); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}
