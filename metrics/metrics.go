// Package metrics exposes the daemon's Prometheus collectors and the
// optional HTTP exposition server.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config contains the configuration for metric exposition.
type Config struct {
	Enabled bool   `toml:",omitempty"`
	Addr    string `toml:",omitempty"`
}

// DefaultConfig is the default metrics configuration of escrowd.
var DefaultConfig = Config{
	Enabled: false,
	Addr:    "127.0.0.1:6061",
}

// Sync worker collectors.
var (
	BlocksProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd", Subsystem: "sync", Name: "blocks_processed_total",
		Help: "Blocks the sync worker has scanned and committed past.",
	})
	BatchesCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd", Subsystem: "sync", Name: "batches_committed_total",
		Help: "Batches committed, each one fetch-decode-apply-commit cycle.",
	})
	BatchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd", Subsystem: "sync", Name: "batch_errors_total",
		Help: "Batches rolled back by transient or storage failures.",
	})
	EventsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd", Subsystem: "sync", Name: "events_applied_total",
		Help: "Events inserted into the ledger and projected, by event name.",
	}, []string{"event"})
	EventsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd", Subsystem: "sync", Name: "events_skipped_total",
		Help: "Logs skipped, by reason (duplicate, orphaned, unknown, undecodable).",
	}, []string{"reason"})
	LastProcessedBlock = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd", Subsystem: "sync", Name: "last_processed_block",
		Help: "Cursor position after the most recent committed batch.",
	})
	SessionsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd", Subsystem: "cleanup", Name: "sessions_deleted_total",
		Help: "Expired refresh sessions removed by the cleanup worker.",
	})
)

// Server serves the Prometheus exposition endpoint. It implements the
// node.Lifecycle contract.
type Server struct {
	cfg Config
	srv *http.Server
	log log.Logger
}

// NewServer creates an exposition server for cfg.
func NewServer(cfg Config) *Server {
	return &Server{cfg: cfg, log: log.New("server", "metrics")}
}

// Start binds the listener and begins serving /metrics in the background.
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("metrics: listen on %s: %w", s.cfg.Addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s.srv = &http.Server{Handler: mux}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Metrics server failed", "err", err)
		}
	}()
	s.log.Info("Metrics server started", "addr", ln.Addr())
	return nil
}

// Stop shuts the exposition server down, waiting briefly for in-flight
// scrapes.
func (s *Server) Stop() error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
