// Package circuitbreaker guards one upstream account from a
// dispatcher that would otherwise keep hammering it with retries
// while it is down: a per-account breaker trips after a run of
// consecutive transport failures and rejects further attempts until a
// reset timeout lets a trial call back in.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the breaker's three-state machine position.
type State int

const (
	// StateClosed is normal operation: calls pass through.
	StateClosed State = iota
	// StateOpen rejects every call until ResetTimeout elapses.
	StateOpen
	// StateHalfOpen lets a bounded number of trial calls through to
	// decide whether to close or reopen.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// Config configures one breaker instance, one per upstream account.
type Config struct {
	// Threshold is the number of consecutive failures that trips the
	// breaker open.
	Threshold int

	// Timeout bounds a single call; a call that doesn't return
	// within Timeout counts as a failure.
	Timeout time.Duration

	// ResetTimeout is how long the breaker stays Open before
	// admitting a half-open trial call.
	ResetTimeout time.Duration

	// HalfOpenMaxCalls caps concurrent trial calls while half-open.
	HalfOpenMaxCalls int

	// OnStateChange, if set, is invoked (asynchronously) on every
	// state transition.
	OnStateChange func(from State, to State)

	// ExcludeFromFailures reports whether err should be let through
	// without counting against the breaker's failure count. The
	// default only excludes context cancellation: if the caller's
	// own context was canceled or expired, the upstream account
	// didn't do anything wrong, so it shouldn't be penalized for it.
	ExcludeFromFailures func(err error) bool
}

// DefaultConfig returns a breaker configuration suitable for most
// per-account uses.
func DefaultConfig() *Config {
	return &Config{
		Threshold:        5,
		Timeout:          30 * time.Second,
		ResetTimeout:     60 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// CircuitBreaker guards calls to a single account.
type CircuitBreaker interface {
	// Call runs fn, returning ErrCircuitOpen without calling fn if
	// the breaker is open.
	Call(ctx context.Context, fn func() error) error

	// CallWithResult is Call for a value-returning fn.
	CallWithResult(ctx context.Context, fn func() (any, error)) (any, error)

	// State reports the breaker's current state.
	State() State

	// Reset forces the breaker back to Closed, clearing its failure
	// count. Used for an operator-triggered account resume.
	Reset()
}

type breaker struct {
	config *Config
	logger *zap.Logger

	mu                sync.RWMutex
	state             State
	failureCount      int
	lastFailureTime   time.Time
	halfOpenCallCount int
}

// NewCircuitBreaker builds a breaker from config, filling in
// DefaultConfig for a nil config and clamping invalid fields.
func NewCircuitBreaker(config *Config, logger *zap.Logger) CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}

	if config.Threshold <= 0 {
		config.Threshold = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 60 * time.Second
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 3
	}
	if config.ExcludeFromFailures == nil {
		config.ExcludeFromFailures = isCallerCanceled
	}

	return &breaker{
		config: config,
		logger: logger,
		state:  StateClosed,
	}
}

func (b *breaker) Call(ctx context.Context, fn func() error) error {
	_, err := b.CallWithResult(ctx, func() (any, error) {
		return nil, fn()
	})
	return err
}

// CallWithResult bounds fn by a per-call timeout and feeds its
// outcome into the state machine.
func (b *breaker) CallWithResult(ctx context.Context, fn func() (any, error)) (any, error) {
	if err := b.beforeCall(); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.config.Timeout)
	defer cancel()

	resultCh := make(chan callResult, 1)
	go func() {
		result, err := fn()
		resultCh <- callResult{result: result, err: err}
	}()

	select {
	case <-callCtx.Done():
		err := fmt.Errorf("call timed out: %w", callCtx.Err())
		b.afterCall(ctx.Err() != nil && b.config.ExcludeFromFailures(ctx.Err()))
		return nil, err

	case res := <-resultCh:
		// A failure the caller caused (its own context expiring)
		// isn't evidence the account is unhealthy.
		success := res.err == nil || b.config.ExcludeFromFailures(res.err)
		b.afterCall(success)

		if !success {
			return nil, res.err
		}

		return res.result, nil
	}
}

type callResult struct {
	result any
	err    error
}

// isCallerCanceled is the default ExcludeFromFailures: it excludes
// only context cancellation/deadline errors, since the dispatcher's
// attempt closure only ever returns transport errors from the
// upstream HTTP round trip, a class the breaker should always count.
func isCallerCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (b *breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(b.lastFailureTime) > b.config.ResetTimeout {
			b.setState(StateHalfOpen)
			b.halfOpenCallCount = 0
			b.logger.Info("breaker entering half-open state")
			return nil
		}
		return ErrCircuitOpen

	case StateHalfOpen:
		if b.halfOpenCallCount >= b.config.HalfOpenMaxCalls {
			return ErrTooManyCallsInHalfOpen
		}
		b.halfOpenCallCount++
		return nil

	default:
		return fmt.Errorf("unknown breaker state: %v", b.state)
	}
}

func (b *breaker) afterCall(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

func (b *breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failureCount = 0

	case StateHalfOpen:
		b.logger.Info("breaker recovered", zap.Int("half_open_calls", b.halfOpenCallCount))
		b.setState(StateClosed)
		b.failureCount = 0
		b.halfOpenCallCount = 0

	case StateOpen:
		b.logger.Warn("breaker received a success while open")
	}
}

func (b *breaker) onFailure() {
	b.failureCount++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.Threshold {
			b.logger.Warn("breaker tripped",
				zap.Int("failure_count", b.failureCount),
				zap.Int("threshold", b.config.Threshold),
			)
			b.setState(StateOpen)
		}

	case StateHalfOpen:
		b.logger.Warn("breaker failed while half-open, reopening", zap.Int("half_open_calls", b.halfOpenCallCount))
		b.setState(StateOpen)
		b.halfOpenCallCount = 0

	case StateOpen:
		b.logger.Warn("breaker received a failure while open")
	}
}

func (b *breaker) setState(newState State) {
	oldState := b.state
	b.state = newState

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(oldState, newState)
	}
}

func (b *breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldState := b.state
	b.state = StateClosed
	b.failureCount = 0
	b.halfOpenCallCount = 0

	b.logger.Info("breaker reset", zap.String("from_state", oldState.String()))

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(oldState, StateClosed)
	}
}

var (
	ErrCircuitOpen            = errors.New("circuit breaker is open")
	ErrTooManyCallsInHalfOpen = errors.New("too many calls while half-open")
)
