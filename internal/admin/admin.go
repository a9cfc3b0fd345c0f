// Package admin provides a loopback-only HTTP API for runtime inspection
// of the running cache server.
//
// Endpoints:
//
//	GET /status   - server health, capacity, and high-water marks
//	GET /metrics  - the metrics snapshot
package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"filecached/internal/filecache"
	"filecached/internal/logger"
	"filecached/internal/metrics"
)

// Server is the admin API server.
type Server struct {
	store     *filecache.Store
	metrics   *metrics.Metrics
	startTime time.Time
	log       *logger.Logger
}

// New creates an admin server reporting on store and metrics.
func New(store *filecache.Store, m *metrics.Metrics, log *logger.Logger) *Server {
	return &Server{
		store:     store,
		metrics:   m,
		startTime: time.Now(),
		log:       log,
	}
}

// Handler returns the HTTP handler for the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	stats := s.store.Stats()

	type response struct {
		Status         string   `json:"status"`
		Uptime         string   `json:"uptime"`
		FileCount      int      `json:"fileCount"`
		ByteTotal      int      `json:"byteTotal"`
		MaxFileCount   int      `json:"maxFileCountReached"`
		MaxByteTotal   int      `json:"maxByteTotalReached"`
		Evictions      int      `json:"evictions"`
		RemainingPaths []string `json:"remainingPaths"`
	}

	resp := response{
		Status:         "running",
		Uptime:         time.Since(s.startTime).Round(time.Second).String(),
		FileCount:      stats.FileCount,
		ByteTotal:      stats.ByteTotal,
		MaxFileCount:   stats.MaxFileCount,
		MaxByteTotal:   stats.MaxByteTotal,
		Evictions:      stats.Evictions,
		RemainingPaths: stats.RemainingPaths,
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics not enabled", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Errorf("encode", "JSON encode error: %v", err)
	}
}

// ListenAndServe starts the admin HTTP server on addr. An empty addr
// disables the admin endpoint entirely (the caller should not invoke
// this in that case).
func (s *Server) ListenAndServe(addr string) error {
	s.log.Infof("listen", "admin endpoint on %s", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}
