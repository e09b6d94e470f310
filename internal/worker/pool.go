// Package worker runs the per-task execution protocol: reserving entries
// off the Broker, driving an Executor under a per-task deadline, honoring
// cancellation, and reporting outcomes to the Lifecycle Manager. Grounded
// on the teacher framework's cooperative-goroutine-pool convention (the
// same "bounded slots, one goroutine per slot, shared shutdown signal"
// shape spec.md §9 calls out by name), generalized from agent task
// dispatch to the queued-task execution protocol of spec.md §4.5.
package worker

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taskforge/dispatch/internal/broker"
	"github.com/taskforge/dispatch/internal/lifecycle"
	"github.com/taskforge/dispatch/internal/logging"
	"github.com/taskforge/dispatch/internal/router"
	"github.com/taskforge/dispatch/internal/store"
	"github.com/taskforge/dispatch/internal/task"
)

// ExitReason explains why Pool.Run returned.
type ExitReason int

const (
	// ExitContextCancelled means the caller's ctx was cancelled; a normal
	// shutdown request.
	ExitContextCancelled ExitReason = iota
	// ExitRecycled means the pool completed its configured recycle bound
	// and is exiting cleanly to be restarted by its supervisor.
	ExitRecycled
	// ExitMemoryCeiling means the pool exceeded its configured memory
	// ceiling and stopped accepting new work.
	ExitMemoryCeiling
)

func (r ExitReason) String() string {
	switch r {
	case ExitRecycled:
		return "recycled"
	case ExitMemoryCeiling:
		return "memory_ceiling"
	default:
		return "context_cancelled"
	}
}

// Config configures a Pool.
type Config struct {
	Queues                 []string
	Concurrency            int
	RecycleAfter           int
	MemCeilingBytes        uint64
	LeaseDuration          time.Duration
	RevocationPollInterval time.Duration
	HardTimeoutGrace       time.Duration
	WorkerIDPrefix         string
}

// DefaultConfig returns spec.md §4.5's defaults, leaving Queues and
// WorkerIDPrefix for the caller to set.
func DefaultConfig() Config {
	return Config{
		Concurrency:            4,
		RecycleAfter:           10,
		MemCeilingBytes:        2 << 30, // 2 GiB
		LeaseDuration:          30 * time.Second,
		RevocationPollInterval: 500 * time.Millisecond,
		HardTimeoutGrace:       10 * time.Second,
	}
}

// corruptionHandler is called when a slot's Executor has not returned
// hardTimeout+HardTimeoutGrace after the task started. Pool holds it as a
// field (not a hardcoded os.Exit call) so a test in this package can
// replace it and observe the corruption event without killing the test
// binary.
type corruptionHandler func(taskID string)

// Pool runs Config.Concurrency slot goroutines against Config.Queues.
type Pool struct {
	store     store.Store
	brk       broker.Broker
	lifecycle *lifecycle.Manager
	router    *router.Router
	executor  Executor
	logger    logging.ComponentLogger

	cfg Config

	completed     int64
	exitOnce      sync.Once
	exitReason    ExitReason
	exitCh        chan struct{}
	onCorruption  corruptionHandler
}

// New builds a Pool. onCorruption defaults to logging and calling
// os.Exit(1), matching spec.md §4.5's "worker considers itself corrupted
// and exits" behavior; a test in this package can replace it to observe
// the condition without terminating the process.
func New(s store.Store, b broker.Broker, lm *lifecycle.Manager, r *router.Router, executor Executor, cfg Config, logger logging.ComponentLogger) *Pool {
	if logger == nil {
		logger = logging.NoOp{}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 30 * time.Second
	}
	if cfg.RevocationPollInterval <= 0 {
		cfg.RevocationPollInterval = 500 * time.Millisecond
	}
	if cfg.HardTimeoutGrace <= 0 {
		cfg.HardTimeoutGrace = 10 * time.Second
	}
	if cfg.WorkerIDPrefix == "" {
		cfg.WorkerIDPrefix = fmt.Sprintf("worker-%d", os.Getpid())
	}

	p := &Pool{
		store:     s,
		brk:       b,
		lifecycle: lm,
		router:    r,
		executor:  executor,
		logger:    logger.WithComponent("worker"),
		cfg:       cfg,
		exitCh:    make(chan struct{}),
	}
	p.onCorruption = func(taskID string) {
		p.logger.Error("worker corrupted: executor did not honor cancellation within grace period", logging.Fields{"task_id": taskID})
		os.Exit(1)
	}
	return p
}

// Run starts Config.Concurrency slot goroutines and blocks until ctx is
// cancelled, the recycle bound is hit, or the memory ceiling is exceeded.
func (p *Pool) Run(ctx context.Context) ExitReason {
	slotCtx, cancelSlots := context.WithCancel(ctx)
	defer cancelSlots()

	var wg sync.WaitGroup
	wg.Add(p.cfg.Concurrency)
	for i := 0; i < p.cfg.Concurrency; i++ {
		go func(slot int) {
			defer wg.Done()
			p.slotLoop(slotCtx, slot)
		}(i)
	}

	select {
	case <-ctx.Done():
		p.triggerExit(ExitContextCancelled)
	case <-p.exitCh:
	}
	cancelSlots()
	wg.Wait()
	return p.exitReason
}

func (p *Pool) triggerExit(reason ExitReason) {
	p.exitOnce.Do(func() {
		p.exitReason = reason
		close(p.exitCh)
	})
}

func (p *Pool) workerID(slot int) string {
	return fmt.Sprintf("%s-slot%d", p.cfg.WorkerIDPrefix, slot)
}

func (p *Pool) overMemCeiling() bool {
	if p.cfg.MemCeilingBytes == 0 {
		return false
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return mem.Alloc >= p.cfg.MemCeilingBytes
}

func (p *Pool) slotLoop(ctx context.Context, slot int) {
	id := p.workerID(slot)
	for {
		if ctx.Err() != nil {
			return
		}
		if p.overMemCeiling() {
			p.logger.Warn("worker memory ceiling exceeded, refusing new work", logging.Fields{"worker_id": id})
			p.triggerExit(ExitMemoryCeiling)
			return
		}

		res, err := p.brk.Reserve(ctx, p.cfg.Queues, id, p.cfg.LeaseDuration)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("reserve failed, retrying", logging.Fields{"worker_id": id, "error": err.Error()})
			continue
		}

		p.handleReservation(ctx, id, res)

		if p.cfg.RecycleAfter > 0 && atomic.AddInt64(&p.completed, 1) >= int64(p.cfg.RecycleAfter) {
			p.logger.Info("worker recycle bound reached, exiting cleanly", logging.Fields{"worker_id": id, "completed": p.cfg.RecycleAfter})
			p.triggerExit(ExitRecycled)
			return
		}
	}
}

func (p *Pool) handleReservation(ctx context.Context, workerID string, res *broker.Reservation) {
	taskID := res.Entry.TaskID

	record, err := p.store.Get(ctx, taskID)
	if err != nil || record.State.IsTerminal() {
		_ = p.brk.Ack(ctx, res)
		return
	}

	revoked, err := p.store.IsRevoked(ctx, taskID)
	if err == nil && revoked {
		_, _ = p.lifecycle.MarkCancelled(ctx, taskID)
		_ = p.brk.Ack(ctx, res)
		return
	}

	running, err := p.lifecycle.BeginRunning(ctx, taskID, workerID)
	if err != nil {
		_ = p.brk.Ack(ctx, res)
		return
	}

	p.runTask(ctx, workerID, res, running)
}

// runTask drives one reservation through the deadline-bounded execution
// protocol of spec.md §4.5 steps 5-8.
func (p *Pool) runTask(parent context.Context, workerID string, res *broker.Reservation, record *task.Record) {
	taskID := record.ID
	policy := p.router.Resolve(record.TaskType)

	taskCtx, cancel := context.WithTimeout(parent, policy.HardTimeout)
	defer cancel()

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.leaseRenewalLoop(taskCtx, stop, res)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.revocationWatcher(taskCtx, stop, taskID, cancel)
	}()

	sink := &heartbeatSink{manager: p.lifecycle, ctx: taskCtx, taskID: taskID}
	softTimer := time.AfterFunc(policy.SoftTimeout, func() {
		sink.SetProgress(-1, "soft_timeout_warning")
		p.logger.Warn("task past soft timeout, executor should wrap up", logging.Fields{"task_id": taskID})
	})

	done := make(chan Outcome, 1)
	go func() {
		done <- p.executor.Run(taskCtx, record.TaskType, record.Input, sink)
	}()

	var outcome Outcome
	select {
	case outcome = <-done:
	case <-time.After(policy.HardTimeout + p.cfg.HardTimeoutGrace):
		// taskCtx is already cancelled by its own deadline by the time this
		// fires; the executor has had hardTimeout+grace total and still has
		// not returned.
		softTimer.Stop()
		close(stop)
		wg.Wait()
		p.onCorruption(taskID)
		return
	}

	softTimer.Stop()
	close(stop)
	wg.Wait()

	p.dispatchOutcome(parent, taskID, outcome)
	_ = p.brk.Ack(parent, res)
}

func (p *Pool) dispatchOutcome(ctx context.Context, taskID string, outcome Outcome) {
	switch outcome.Kind {
	case OutcomeSuccess:
		if _, err := p.lifecycle.Complete(ctx, taskID, outcome.Result); err != nil {
			p.logger.Error("failed to mark task complete", logging.Fields{"task_id": taskID, "error": err.Error()})
		}
	case OutcomeCancelled:
		if _, err := p.lifecycle.MarkCancelled(ctx, taskID); err != nil {
			p.logger.Error("failed to mark task cancelled", logging.Fields{"task_id": taskID, "error": err.Error()})
		}
	case OutcomeError:
		execErr := outcome.Err
		if execErr == nil {
			execErr = task.NewExecError(task.ErrorKindExecutorPermanent, "executor returned an error outcome with no detail", false)
		}
		if _, err := p.lifecycle.Fail(ctx, taskID, execErr); err != nil {
			p.logger.Error("failed to mark task failed", logging.Fields{"task_id": taskID, "error": err.Error()})
		}
	}
}

func (p *Pool) leaseRenewalLoop(ctx context.Context, stop <-chan struct{}, res *broker.Reservation) {
	interval := p.cfg.LeaseDuration / 2
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = p.brk.RenewLease(ctx, res, p.cfg.LeaseDuration)
			_ = p.lifecycle.Heartbeat(ctx, res.Entry.TaskID)
		}
	}
}

// revocationWatcher polls Store.IsRevoked every RevocationPollInterval and
// cancels cancel when a revocation is observed, satisfying spec.md §8
// property 7's "revocation observed within 2x the poll interval" bound.
func (p *Pool) revocationWatcher(ctx context.Context, stop <-chan struct{}, taskID string, cancel context.CancelFunc) {
	ticker := time.NewTicker(p.cfg.RevocationPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			revoked, err := p.store.IsRevoked(context.Background(), taskID)
			if err == nil && revoked {
				cancel()
				return
			}
		}
	}
}

// heartbeatSink is the production ProgressSink: Heartbeat refreshes the
// record's lastHeartbeatAt via the Lifecycle Manager; SetProgress does the
// same and discards pct/step, matching spec.md §4.5's note that progress
// is "not part of correctness."
type heartbeatSink struct {
	manager *lifecycle.Manager
	ctx     context.Context
	taskID  string
}

func (s *heartbeatSink) Heartbeat() {
	_ = s.manager.Heartbeat(s.ctx, s.taskID)
}

func (s *heartbeatSink) SetProgress(pct float64, step string) {
	_ = s.manager.Heartbeat(s.ctx, s.taskID)
}
