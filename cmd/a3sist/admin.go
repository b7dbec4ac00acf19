package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"a3sist/internal/infra/config"
	"a3sist/internal/infra/logger"
	"a3sist/internal/infra/middleware"
)

// adminServer serves /metrics and /healthz.
type adminServer struct {
	srv *http.Server
	log *slog.Logger
}

func newAdminServer(ctx context.Context, cfg config.MetricsConfig, a *app, log *slog.Logger) *adminServer {
	log = logger.Component(log, "admin")
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", a.metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"agents": a.orch.AgentHealth(),
		})
	})

	handler := middleware.Chain(mux,
		middleware.Recover(log),
		middleware.AccessLog(log),
		middleware.SecurityHeaders,
		middleware.RateLimit(ctx, cfg.RequestsPerMin, max(1, cfg.RequestsPerMin/10)),
	)
	return &adminServer{
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

func (s *adminServer) start() {
	go func() {
		s.log.Info("admin endpoint listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("admin endpoint failed", "error", err)
		}
	}()
}

func (s *adminServer) shutdown(ctx context.Context) {
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Warn("admin shutdown", "error", err)
	}
}
