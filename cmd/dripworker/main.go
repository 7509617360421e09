// Command dripworker runs the drip scheduler: it drains the durable
// store at one job per drip interval, invokes the downstream API,
// writes results, and dispatches callbacks. Exactly one instance must
// run per Redis prefix — the drip-rate guarantee depends on
// single-flight claiming.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/dripgate/dripgate/internal/config"
	"github.com/dripgate/dripgate/internal/downstream"
	"github.com/dripgate/dripgate/internal/job"
	"github.com/dripgate/dripgate/internal/registry"
	"github.com/dripgate/dripgate/internal/scheduler"
	"github.com/dripgate/dripgate/internal/webhook"
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

	leaseDuration := time.Duration(cfg.LeaseDurationS) * time.Second

	store, err := job.NewRedisStore(ctx, cfg.StoreURL, job.RedisStoreConfig{
		Prefix:        cfg.StoreKeyPrefix,
		LeaseDuration: leaseDuration,
		ResultTTL:     time.Duration(cfg.ResultTTLSecs) * time.Second,
		BatchTTL:      48 * time.Hour,
	})
	if err != nil {
		slog.Error("store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	ownerID := uuid.New().String()
	if err := acquireSingleFlight(ctx, store, ownerID, leaseDuration); err != nil {
		slog.Error("single-instance lock", "error", err)
		os.Exit(1)
	}
	go renewSingleFlight(ctx, store, ownerID, leaseDuration)

	reg := registry.New(registry.DefaultEntries())

	downstreamClient := downstream.New(downstream.Config{
		BaseURL:        cfg.DownstreamURL,
		APIKey:         cfg.DownstreamKey,
		DefaultTimeout: 30 * time.Second,
	})

	dispatcher := webhook.New(webhook.Config{
		Timeout:     time.Duration(cfg.CallbackTimeMs) * time.Millisecond,
		MaxAttempts: cfg.CallbackMaxTry,
		RetryDelay:  time.Duration(cfg.CallbackDelay) * time.Millisecond,
	})

	sched := scheduler.New(store, reg, downstreamClient, dispatcher, scheduler.Config{
		DripInterval:  time.Duration(cfg.DripInterval) * time.Millisecond,
		LeaseDuration: leaseDuration,
		GracePeriod:   30 * time.Second,
	})

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	slog.Info("dripworker starting", "prefix", cfg.StoreKeyPrefix, "drip_interval_ms", cfg.DripInterval)
	if err := sched.Run(ctx); err != nil {
		slog.Error("scheduler error", "error", err)
		os.Exit(1)
	}
}

// acquireSingleFlight takes the per-prefix worker lock, refusing to
// start a second dripworker against the same store prefix.
func acquireSingleFlight(ctx context.Context, store *job.RedisStore, ownerID string, leaseDuration time.Duration) error {
	ok, err := store.AcquireWorkerLock(ctx, ownerID, leaseDuration)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("another dripworker instance already holds the lock for this prefix")
	}
	return nil
}

// renewSingleFlight keeps the worker lock alive at half the lease
// interval, matching the per-job lease renewal cadence. If renewal
// ever fails, another instance has taken over and this process should
// not keep claiming jobs — the error is logged and left for an
// operator to notice and restart the process.
func renewSingleFlight(ctx context.Context, store *job.RedisStore, ownerID string, leaseDuration time.Duration) {
	ticker := time.NewTicker(leaseDuration / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.RenewWorkerLock(ctx, ownerID, leaseDuration); err != nil {
				slog.Error("lost single-instance lock", "error", err)
			}
		}
	}
}
