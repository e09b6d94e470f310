// Command worker runs the dispatch service's worker pool: it reserves
// entries off its configured queues, executes them, and reports outcomes
// back to the Lifecycle Manager. See cmd/apiserver for the submission side.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/taskforge/dispatch/internal/broker"
	"github.com/taskforge/dispatch/internal/config"
	"github.com/taskforge/dispatch/internal/lifecycle"
	"github.com/taskforge/dispatch/internal/logging"
	"github.com/taskforge/dispatch/internal/router"
	"github.com/taskforge/dispatch/internal/store"
	"github.com/taskforge/dispatch/internal/telemetry"
	"github.com/taskforge/dispatch/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, "dispatch-worker")

	provider, err := telemetry.New("dispatch-worker", cfg.OTelEndpoint, logger)
	if err != nil {
		logger.Warn("telemetry disabled: failed to initialize provider", logging.Fields{"error": err.Error()})
		provider = telemetry.NewNoop()
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

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

	queues := cfg.WorkerQueues
	if len(queues) == 0 {
		queues = r.Queues()
	}

	poolCfg := worker.DefaultConfig()
	poolCfg.Queues = queues
	poolCfg.Concurrency = cfg.WorkerConcurrency
	poolCfg.RecycleAfter = cfg.WorkerRecycleAfter
	poolCfg.MemCeilingBytes = uint64(cfg.WorkerMemCeilingMB) << 20

	executor := newReferenceExecutor()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received", logging.Fields{})
		cancel()
	}()

	// A recycle or memory-ceiling exit is expected to be followed by a
	// process restart from an external supervisor (spec.md §4.5); since
	// this binary IS that process, restarting the pool in place achieves
	// the same bounded-growth goal without forcing a container restart.
	for {
		pool := worker.New(s, b, lm, r, executor, poolCfg, logger)
		reason := pool.Run(ctx)
		logger.Info("worker pool exited", logging.Fields{"reason": reason.String()})

		if reason == worker.ExitContextCancelled {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}
