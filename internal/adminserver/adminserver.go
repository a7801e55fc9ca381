// SPDX-License-Identifier: MIT

// Package adminserver exposes the ops/introspection HTTP surface for a
// running coordinatord process: health, Prometheus metrics, and
// read-only debug views over the registries. It never calls a
// registry's mutating methods.
package adminserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/rtib/cassandra-reaper/internal/directory"
	"github.com/rtib/cassandra-reaper/internal/nodelock"
	"github.com/rtib/cassandra-reaper/internal/segmentlead"
)

// Config configures the admin server's listen address and rate limit
// (request limit per window, IP-keyed).
type Config struct {
	Addr            string
	RateLimitRPS    int
	RateLimitWindow time.Duration
}

// Server serves the admin/ops HTTP surface.
type Server struct {
	httpServer *http.Server
	logger     zerolog.Logger
}

// Deps are the read-only registry views the debug endpoints query.
type Deps struct {
	Leaders   *segmentlead.Registry
	Locks     *nodelock.Registry
	Directory *directory.Directory
}

// New builds the admin server's router and wraps it for tracing.
func New(cfg Config, deps Deps, logger zerolog.Logger) *Server {
	r := chi.NewRouter()

	if cfg.RateLimitRPS > 0 {
		window := cfg.RateLimitWindow
		if window <= 0 {
			window = time.Minute
		}
		r.Use(httprate.Limit(cfg.RateLimitRPS, window, httprate.WithKeyFuncs(httprate.KeyByIP)))
	}

	r.Get("/healthz", handleHealthz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/debug/leaders", handleDebugLeaders(deps.Leaders))
	r.Get("/debug/locks", handleDebugLocks(deps.Locks))
	r.Get("/debug/reapers", handleDebugReapers(deps.Directory))

	handler := otelhttp.NewHandler(r, "coordinatord-admin")

	return &Server{
		logger: logger.With().Str("component", "adminserver").Logger(),
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Run starts the listener and blocks until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("admin server listening")
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info().Msg("admin server shutting down")
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func handleDebugLeaders(reg *segmentlead.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		leaders, err := reg.GetLeaders(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, leaders)
	}
}

// handleDebugLocks answers /debug/locks?repair_id=... by fetching the
// locked segments and locked nodes for that run concurrently — the two
// underlying selects are independent reads of the same table, so
// there is no reason to serialize them.
func handleDebugLocks(reg *nodelock.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		repairID := r.URL.Query().Get("repair_id")
		if repairID == "" {
			http.Error(w, "repair_id query parameter is required", http.StatusBadRequest)
			return
		}

		var segments []string
		var nodes []string
		g, ctx := errgroup.WithContext(r.Context())
		g.Go(func() error {
			var err error
			segments, err = reg.GetLockedSegmentsForRun(ctx, repairID)
			return err
		})
		g.Go(func() error {
			var err error
			nodes, err = reg.GetLockedNodesForRun(ctx, repairID)
			return err
		})
		if err := g.Wait(); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}

		writeJSON(w, struct {
			RepairID string   `json:"repair_id"`
			Segments []string `json:"locked_segments"`
			Nodes    []string `json:"locked_nodes"`
		}{RepairID: repairID, Segments: segments, Nodes: nodes})
	}
}

func handleDebugReapers(dir *directory.Directory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids, err := dir.GetRunningReapers(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		count, err := dir.CountRunningReapers(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, struct {
			Count   int         `json:"count"`
			Reapers interface{} `json:"reapers"`
		}{Count: count, Reapers: ids})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
