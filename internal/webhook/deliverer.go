// Package webhook delivers terminal task events to submitter-provided
// callback URLs. It is grounded on the teacher framework's bounded
// goroutine-pool convention (core/async_task.go's worker loop shape) and on
// internal/resilience for per-destination-host circuit breaking, composed
// with github.com/cenkalti/backoff/v4 for the fixed 1s/2s/4s retry ladder
// spec.md §4.7 specifies.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/taskforge/dispatch/internal/logging"
	"github.com/taskforge/dispatch/internal/resilience"
	"github.com/taskforge/dispatch/internal/store"
	"github.com/taskforge/dispatch/internal/task"
)

// successEnvelope is the JSON body posted for Completed terminal events,
// matching spec.md §4.7 exactly.
type successEnvelope struct {
	TaskID         string      `json:"taskId"`
	ProjectID      string      `json:"projectId"`
	State          string      `json:"state"`
	Result         interface{} `json:"result,omitempty"`
	ProcessingTime float64     `json:"processingTime"`
	CompletedAt    time.Time   `json:"completedAt"`
	Metadata       interface{} `json:"metadata,omitempty"`
}

// failureEnvelope is the JSON body posted for Failed/Cancelled terminal
// events.
type failureEnvelope struct {
	TaskID    string          `json:"taskId"`
	ProjectID string          `json:"projectId"`
	State     string          `json:"state"`
	Error     *envelopeError  `json:"error,omitempty"`
	FailedAt  time.Time       `json:"failedAt"`
	Metadata  interface{}     `json:"metadata,omitempty"`
}

type envelopeError struct {
	Kind    task.ErrorKind `json:"kind"`
	Message string         `json:"message"`
}

// Deliverer consumes terminal events from a Store and POSTs them to each
// task's callback URL, with bounded concurrency, per-host circuit
// breaking, and exponential backoff retry. A nil callbackUrl is a no-op:
// the event is simply dropped, since there is nowhere to deliver it.
type Deliverer struct {
	store       store.Store
	client      *http.Client
	breakers    *resilience.Registry
	concurrency int
	maxRetries  uint64
	logger      logging.ComponentLogger

	wg sync.WaitGroup
}

// Config configures a Deliverer.
type Config struct {
	Concurrency    int
	AttemptTimeout time.Duration
	MaxAttempts    int // total attempts including the first; spec default 4
}

// DefaultConfig returns spec.md §4.7's defaults: 8 concurrent deliverers,
// 30s per-attempt timeout, 4 total attempts (1 initial + 3 retries).
func DefaultConfig() Config {
	return Config{Concurrency: 8, AttemptTimeout: 30 * time.Second, MaxAttempts: 4}
}

// New builds a Deliverer. Each destination host gets its own circuit
// breaker, lazily created on first delivery attempt to that host.
func New(s store.Store, cfg Config, logger logging.ComponentLogger) *Deliverer {
	if logger == nil {
		logger = logging.NoOp{}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}

	return &Deliverer{
		store: s,
		client: &http.Client{
			Timeout: cfg.AttemptTimeout,
		},
		breakers: resilience.NewRegistry(func(host string) resilience.Config {
			c := resilience.DefaultConfig("webhook:" + host)
			c.Logger = logger
			return c
		}),
		concurrency: cfg.Concurrency,
		maxRetries:  uint64(cfg.MaxAttempts - 1),
		logger:      logger.WithComponent("webhook"),
	}
}

// Run starts the bounded pool of delivery workers, each pulling terminal
// events from the Store in a loop until ctx is cancelled. Run blocks until
// every worker has exited.
func (d *Deliverer) Run(ctx context.Context) {
	d.wg.Add(d.concurrency)
	for i := 0; i < d.concurrency; i++ {
		go func(workerID int) {
			defer d.wg.Done()
			d.workerLoop(ctx, workerID)
		}(i)
	}
	d.wg.Wait()
}

func (d *Deliverer) workerLoop(ctx context.Context, workerID int) {
	for {
		ev, err := d.store.SubscribeTerminal(ctx)
		if err != nil {
			return // ctx cancelled; Run's caller is shutting down
		}
		d.deliver(ctx, *ev)
	}
}

func (d *Deliverer) deliver(ctx context.Context, ev store.TerminalEvent) {
	if ev.CallbackURL == "" {
		return
	}
	u, err := url.Parse(ev.CallbackURL)
	if err != nil || u.Host == "" {
		d.logger.Warn("dropping webhook with unparseable callback url", logging.Fields{
			"task_id": ev.TaskID, "callback_url": ev.CallbackURL,
		})
		return
	}

	payload, err := d.buildPayload(ctx, ev)
	if err != nil {
		d.logger.Error("failed to build webhook payload", logging.Fields{"task_id": ev.TaskID, "error": err.Error()})
		return
	}

	cb := d.breakers.Get(u.Host)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bounded := backoff.WithMaxRetries(bo, d.maxRetries)

	attempt := 0
	op := func() error {
		attempt++
		return cb.Execute(ctx, func(ctx context.Context) error {
			return d.post(ctx, ev.CallbackURL, payload)
		})
	}

	if err := backoff.Retry(op, bounded); err != nil {
		d.logger.Warn("webhook delivery exhausted retries, dropping", logging.Fields{
			"task_id": ev.TaskID, "callback_url": ev.CallbackURL, "attempts": attempt, "error": err.Error(),
		})
		return
	}
	d.logger.Info("webhook delivered", logging.Fields{"task_id": ev.TaskID, "attempts": attempt})
}

func (d *Deliverer) buildPayload(ctx context.Context, ev store.TerminalEvent) ([]byte, error) {
	rec, err := d.store.Get(ctx, ev.TaskID)
	if err != nil {
		return nil, fmt.Errorf("webhook: load record for %s: %w", ev.TaskID, err)
	}

	switch ev.State {
	case task.StateCompleted:
		processing := 0.0
		if rec.StartedAt != nil && rec.FinishedAt != nil {
			processing = rec.FinishedAt.Sub(*rec.StartedAt).Seconds()
		}
		completedAt := ev.OccurredAt
		if rec.FinishedAt != nil {
			completedAt = *rec.FinishedAt
		}
		env := successEnvelope{
			TaskID:         rec.ID,
			ProjectID:      rec.ProjectID,
			State:          "completed",
			Result:         rec.Result,
			ProcessingTime: processing,
			CompletedAt:    completedAt,
			Metadata:       rec.Metadata,
		}
		return json.Marshal(env)
	default:
		state := "failed"
		if ev.State == task.StateCancelled {
			state = "cancelled"
		}
		failedAt := ev.OccurredAt
		if rec.FinishedAt != nil {
			failedAt = *rec.FinishedAt
		}
		var execErr *envelopeError
		if rec.Error != nil {
			execErr = &envelopeError{Kind: rec.Error.Kind, Message: rec.Error.Message}
		}
		env := failureEnvelope{
			TaskID:    rec.ID,
			ProjectID: rec.ProjectID,
			State:     state,
			Error:     execErr,
			FailedAt:  failedAt,
			Metadata:  rec.Metadata,
		}
		return json.Marshal(env)
	}
}

func (d *Deliverer) post(ctx context.Context, callbackURL string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
}

// Close waits for all delivery workers to exit. Callers cancel the ctx
// passed to Run, then call Close to block until drain completes.
func (d *Deliverer) Close() {
	d.wg.Wait()
}
