// Command gatewayd runs the HTTP ingress adapter: it accepts batch and
// single job submissions, enqueues them into the durable store, and
// serves status/tools/stats/health. It never claims jobs — that is
// dripworker's job.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dripgate/dripgate/internal/api"
	"github.com/dripgate/dripgate/internal/config"
	"github.com/dripgate/dripgate/internal/job"
	"github.com/dripgate/dripgate/internal/registry"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := job.NewRedisStore(ctx, cfg.StoreURL, job.RedisStoreConfig{
		Prefix:        cfg.StoreKeyPrefix,
		LeaseDuration: time.Duration(cfg.LeaseDurationS) * time.Second,
		ResultTTL:     time.Duration(cfg.ResultTTLSecs) * time.Second,
		BatchTTL:      48 * time.Hour,
	})
	if err != nil {
		slog.Error("store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	reg := registry.New(registry.DefaultEntries())

	mux := http.NewServeMux()
	h := api.NewHandler(store, reg, cfg)
	h.RegisterRoutes(mux)

	handler := api.Chain(mux,
		api.RequestIDMiddleware,
		api.LoggingMiddleware,
		func(next http.Handler) http.Handler { return api.AuthMiddleware(cfg.WebhookSecret, next) },
		api.RateLimit(cfg.IngressRPM),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("gatewayd listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
