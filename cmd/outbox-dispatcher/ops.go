package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mercaro-io/backoffice/pkg/logger"
)

const opsShutdownTimeout = 5 * time.Second

// newOpsRouter serves the operational surface of the dispatcher process. No
// business endpoints live here.
func newOpsRouter(logg *logger.Logger, reg *prometheus.Registry, deps ...pinger) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		for _, dep := range deps {
			if dep == nil {
				continue
			}
			if err := dep.Ping(req.Context()); err != nil {
				logg.Error(req.Context(), "health check dependency failed", err)
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("unavailable"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return r
}

// startOpsServer runs the ops HTTP server until ctx is canceled.
func startOpsServer(ctx context.Context, logg *logger.Logger, addr string, handler http.Handler) {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), opsShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(shutdownCtx, "ops server shutdown error", err)
		}
	}()

	go func() {
		logg.Info(logg.WithField(ctx, "addr", addr), "ops server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logg.Error(ctx, "ops server stopped unexpectedly", err)
		}
	}()
}
