// Package resilience provides the circuit breaker and retry primitives used
// by the webhook deliverer (and available to any other component that calls
// an unreliable external collaborator). It is a trimmed adaptation of the
// teacher framework's resilience package: the same closed/open/half-open
// state machine and error-rate+volume-threshold trip condition, without the
// teacher's bucketed sliding-window implementation — this service only
// needs one breaker per webhook destination host, not per arbitrary named
// resource shared across a whole agent mesh, so a plain success/failure
// count, reset whenever the breaker closes, is enough.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/taskforge/dispatch/internal/logging"
)

// CircuitState is the state of a CircuitBreaker.
type CircuitState int32

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// ErrOpen is returned by Execute when the breaker rejects a call outright.
var ErrOpen = errors.New("circuit breaker is open")

// Config configures a CircuitBreaker.
type Config struct {
	Name string

	// ErrorThreshold is the error rate (0.0-1.0) that trips the breaker.
	ErrorThreshold float64
	// VolumeThreshold is the minimum number of calls recorded since the
	// breaker was created or last closed before the error rate is
	// evaluated at all.
	VolumeThreshold int
	// SleepWindow is how long the breaker stays open before allowing a
	// half-open probe.
	SleepWindow time.Duration
	// HalfOpenProbes is how many calls are allowed through while half-open.
	HalfOpenProbes int
	// SuccessThreshold is the fraction of half-open probes that must
	// succeed to close the breaker again once HalfOpenProbes results are
	// in. A single failed probe re-opens the breaker immediately, so in
	// practice every probe must succeed.
	SuccessThreshold float64

	Logger logging.Logger
}

// DefaultConfig returns production-sensible defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		ErrorThreshold:   0.5,
		VolumeThreshold:  10,
		SleepWindow:      30 * time.Second,
		HalfOpenProbes:   5,
		SuccessThreshold: 0.6,
		Logger:           logging.NoOp{},
	}
}

// CircuitBreaker guards calls to a single unreliable collaborator.
type CircuitBreaker struct {
	cfg Config

	mu             sync.Mutex
	state          CircuitState
	openedAt       time.Time
	windowStart    time.Time
	successes      int
	failures       int
	halfOpenInUse  int32
	halfOpenOK     int32
	halfOpenFailed int32
}

// New creates a CircuitBreaker. A zero-valued Config.Logger is replaced
// with a no-op logger so callers never need a nil check.
func New(cfg Config) *CircuitBreaker {
	if cfg.Logger == nil {
		cfg.Logger = logging.NoOp{}
	}
	if cfg.VolumeThreshold <= 0 {
		cfg.VolumeThreshold = 10
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 5
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed, windowStart: time.Now()}
}

// State reports the breaker's current state, transitioning out of Open into
// HalfOpen as a side effect if the sleep window has elapsed.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpenLocked()
	return cb.state
}

func (cb *CircuitBreaker) maybeHalfOpenLocked() {
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.cfg.SleepWindow {
		cb.transitionLocked(StateHalfOpen)
		cb.halfOpenInUse, cb.halfOpenOK, cb.halfOpenFailed = 0, 0, 0
	}
}

func (cb *CircuitBreaker) transitionLocked(to CircuitState) {
	from := cb.state
	cb.state = to
	if to == StateOpen {
		cb.openedAt = time.Now()
	}
	if to == StateClosed {
		cb.successes, cb.failures = 0, 0
		cb.windowStart = time.Now()
	}
	if from != to {
		cb.cfg.Logger.Info("circuit breaker state change", logging.Fields{
			"breaker": cb.cfg.Name, "from": from.String(), "to": to.String(),
		})
	}
}

// Allow reports whether a call may proceed right now, reserving a
// half-open probe slot if the breaker is half-open. Callers that get true
// must report the outcome via RecordSuccess/RecordFailure exactly once.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpenLocked()

	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if int(cb.halfOpenInUse) >= cb.cfg.HalfOpenProbes {
			return false
		}
		cb.halfOpenInUse++
		return true
	default: // StateOpen
		return false
	}
}

// RecordSuccess reports a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateHalfOpen:
		cb.halfOpenOK++
		cb.evaluateHalfOpenLocked()
	default:
		cb.successes++
		cb.evaluateClosedLocked()
	}
}

// RecordFailure reports a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateHalfOpen:
		cb.halfOpenFailed++
		cb.transitionLocked(StateOpen)
	default:
		cb.failures++
		cb.evaluateClosedLocked()
	}
}

func (cb *CircuitBreaker) evaluateClosedLocked() {
	total := cb.successes + cb.failures
	if total < cb.cfg.VolumeThreshold {
		return
	}
	if float64(cb.failures)/float64(total) >= cb.cfg.ErrorThreshold {
		cb.transitionLocked(StateOpen)
	}
}

func (cb *CircuitBreaker) evaluateHalfOpenLocked() {
	total := cb.halfOpenOK + cb.halfOpenFailed
	if total < int32(cb.cfg.HalfOpenProbes) {
		return
	}
	if float64(cb.halfOpenOK)/float64(total) >= cb.cfg.SuccessThreshold {
		cb.transitionLocked(StateClosed)
	} else {
		cb.transitionLocked(StateOpen)
	}
}

// Execute runs fn under the breaker's protection, recovering a panic inside
// fn into an error so one bad call can never take down the caller's
// goroutine (the webhook deliverer's worker pool in particular must
// survive a misbehaving handler).
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.Allow() {
		return fmt.Errorf("%s: %w", cb.cfg.Name, ErrOpen)
	}

	err := runRecovered(ctx, fn)
	if err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

func runRecovered(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic recovered: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}

// registry lets callers share one breaker per key (e.g. per destination
// host) without threading a map through every call site.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	factory  func(name string) Config
}

// NewRegistry creates a Registry that lazily constructs a breaker for each
// distinct key using factory to produce its Config.
func NewRegistry(factory func(name string) Config) *Registry {
	return &Registry{breakers: make(map[string]*CircuitBreaker), factory: factory}
}

// Get returns the breaker for key, creating it on first use.
func (r *Registry) Get(key string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[key]; ok {
		return cb
	}
	cb := New(r.factory(key))
	r.breakers[key] = cb
	return cb
}
