// Package resilience guards calls to upstream services that may fail in bursts.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"vibe-trader/internal/errors"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes that close it again.
	SuccessThreshold int
	// Cooldown is how long the circuit stays open before a trial call.
	Cooldown time.Duration
	// MaxConcurrent limits in-flight calls; zero means unlimited.
	MaxConcurrent int
}

// DefaultCircuitBreakerConfig returns defaults suited to a remote model endpoint.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Cooldown:         2 * time.Minute,
		MaxConcurrent:    4,
	}
}

// CircuitBreaker stops calling an upstream after repeated failures and lets a
// trial call through once the cooldown has elapsed.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	logger zerolog.Logger
	now    func() time.Time

	mu          sync.Mutex
	state       CircuitState
	failures    int
	successes   int
	openedAt    time.Time
	inFlight    int
	lastFailure error

	requests int64
	rejected int64
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(name string, config CircuitBreakerConfig, logger zerolog.Logger) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		logger: logger.With().Str("breaker", name).Logger(),
		now:    time.Now,
		state:  CircuitClosed,
	}
}

// Execute runs fn unless the circuit is open. Context cancellation by the
// caller is not counted against the upstream.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Execute(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Execute runs fn through cb and returns its result.
func Execute[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.acquire(); err != nil {
		return zero, err
	}
	defer cb.release()

	v, err := fn(ctx)
	switch {
	case err == nil:
		cb.onSuccess()
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		// caller gave up; says nothing about the upstream
	default:
		cb.onFailure(err)
	}
	return v, err
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.config.MaxConcurrent > 0 && cb.inFlight >= cb.config.MaxConcurrent {
		cb.rejected++
		return errors.ErrTooManyConcurrent
	}

	switch cb.state {
	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.Cooldown {
			cb.rejected++
			return errors.Wrapf(errors.ErrCircuitOpen, "%s", cb.name)
		}
		cb.transition(CircuitHalfOpen)
	case CircuitHalfOpen:
		// one trial call at a time
		if cb.inFlight > 0 {
			cb.rejected++
			return errors.Wrapf(errors.ErrCircuitOpen, "%s", cb.name)
		}
	}

	cb.inFlight++
	cb.requests++
	return nil
}

func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	cb.inFlight--
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transition(CircuitClosed)
		}
	case CircuitClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) onFailure(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = err
	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transition(CircuitOpen)
	}
}

// transition must be called with cb.mu held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	cb.failures = 0
	cb.successes = 0
	if to == CircuitOpen {
		cb.openedAt = cb.now()
	}

	ev := cb.logger.Info()
	if to == CircuitOpen {
		ev = cb.logger.Warn().AnErr("last_error", cb.lastFailure)
	}
	ev.Str("from", string(from)).Str("to", string(to)).Msg("Circuit state changed")
}

// State returns the current state. An open circuit whose cooldown has elapsed
// still reports OPEN until the next call is attempted.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Stats returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	stats := CircuitBreakerStats{
		Name:     cb.name,
		State:    cb.state,
		Failures: cb.failures,
		Requests: cb.requests,
		Rejected: cb.rejected,
		InFlight: cb.inFlight,
	}
	if cb.lastFailure != nil {
		stats.LastError = cb.lastFailure.Error()
	}
	if cb.state == CircuitOpen {
		stats.RetryAt = cb.openedAt.Add(cb.config.Cooldown)
	}
	return stats
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != CircuitClosed {
		cb.transition(CircuitClosed)
	}
	cb.failures = 0
}

// CircuitBreakerStats holds circuit breaker statistics.
type CircuitBreakerStats struct {
	Name      string       `json:"name"`
	State     CircuitState `json:"state"`
	Failures  int          `json:"failures"`
	Requests  int64        `json:"requests"`
	Rejected  int64        `json:"rejected"`
	InFlight  int          `json:"inFlight"`
	LastError string       `json:"lastError,omitempty"`
	RetryAt   time.Time    `json:"retryAt,omitempty"`
}
