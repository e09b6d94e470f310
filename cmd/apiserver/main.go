// Command apiserver runs the dispatch service's Submission API: the HTTP
// surface clients use to submit tasks, poll status, list, cancel, retry,
// and read metrics/health. It does not execute any task itself — see
// cmd/worker for that half of the service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taskforge/dispatch/internal/api"
	"github.com/taskforge/dispatch/internal/broker"
	"github.com/taskforge/dispatch/internal/config"
	"github.com/taskforge/dispatch/internal/lifecycle"
	"github.com/taskforge/dispatch/internal/logging"
	"github.com/taskforge/dispatch/internal/metrics"
	"github.com/taskforge/dispatch/internal/router"
	"github.com/taskforge/dispatch/internal/store"
	"github.com/taskforge/dispatch/internal/telemetry"
	"github.com/taskforge/dispatch/internal/webhook"
)

func main() {
	dumpConfig := flag.Bool("dump-config", false, "print the resolved configuration as YAML and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if *dumpConfig {
		out, err := cfg.DumpYAML()
		if err != nil {
			log.Fatalf("config: dump: %v", err)
		}
		fmt.Println(out)
		return
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, "dispatch-apiserver")

	provider, err := telemetry.New("dispatch-apiserver", cfg.OTelEndpoint, logger)
	if err != nil {
		logger.Warn("telemetry disabled: failed to initialize provider", logging.Fields{"error": err.Error()})
		provider = telemetry.NewNoop()
	}

	s, err := store.NewRedisStore(cfg.StoreURL, "dispatch", logger)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer s.Close()

	b, err := broker.NewRedisBroker(cfg.BrokerURL, "dispatch", logger)
	if err != nil {
		log.Fatalf("broker: %v", err)
	}
	defer b.Close()

	r := router.NewRouter(cfg.StalenessMultiplier)
	lm := lifecycle.New(s, b, r, logger)
	agg := metrics.New(s, r, provider)

	reaper := store.NewReaper(s, lm, r, time.Duration(cfg.ReaperIntervalSeconds)*time.Second, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := reaper.Start(ctx); err != nil {
		log.Fatalf("reaper: %v", err)
	}
	defer reaper.Stop()

	deliverer := webhook.New(s, webhook.Config{
		Concurrency:    cfg.WebhookConcurrency,
		AttemptTimeout: time.Duration(cfg.WebhookTimeoutSeconds) * time.Second,
		MaxAttempts:    cfg.WebhookMaxAttempts,
	}, logger)
	go deliverer.Run(ctx)
	defer deliverer.Close()

	srv := api.New(cfg, s, lm, r, agg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received", logging.Fields{})
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", logging.Fields{"error": err.Error()})
		}
		_ = provider.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("apiserver: %v", err)
	}
}
