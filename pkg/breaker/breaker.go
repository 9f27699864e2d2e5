// Package breaker implements a three-state circuit breaker that stops calling
// a failing dependency for a cooldown period after repeated failures.
//
// A Breaker moves CLOSED -> OPEN once FailureThreshold consecutive failures
// are recorded. After RecoveryTimeout has elapsed since the last failure the
// next CanExecute call moves it to HALF_OPEN and admits exactly one probe.
// The probe's outcome closes the breaker again or re-opens it.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the canonical upper-case name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ErrOpen is returned, wrapped in *OpenError, when a gated call is rejected
// without being attempted.
var ErrOpen = errors.New("circuit breaker open")

// OpenError names the breaker that rejected a call.
type OpenError struct {
	Name string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, ErrOpen.Error())
}

// Is reports whether target is ErrOpen.
func (e *OpenError) Is(target error) bool {
	return target == ErrOpen
}

// IsOpen reports whether err is a circuit-open rejection.
func IsOpen(err error) bool {
	return errors.Is(err, ErrOpen)
}

// Config holds static breaker configuration.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

const (
	DefaultFailureThreshold = 3
	DefaultRecoveryTimeout  = 60 * time.Second
)

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultRecoveryTimeout
	}
	return c
}

// StateChangeFunc is called after every state transition, outside the lock.
type StateChangeFunc func(name string, from, to State)

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithStateChange registers a transition observer.
func WithStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// Breaker guards one named dependency. It is safe for concurrent use.
type Breaker struct {
	name     string
	cfg      Config
	now      func() time.Time
	onChange StateChangeFunc

	mu              sync.Mutex
	state           State
	failureCount    int
	lastFailureTime time.Time
	probeInFlight   bool
}

// New creates a closed breaker. Zero config fields take the defaults.
func New(name string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		name:  name,
		cfg:   cfg.withDefaults(),
		now:   time.Now,
		state: StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) Name() string   { return b.name }
func (b *Breaker) Config() Config { return b.cfg }

// State returns the current state without triggering the lazy
// OPEN -> HALF_OPEN transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// CanExecute reports whether a call may proceed. In HALF_OPEN only one caller
// is admitted until its outcome is recorded.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	from := b.state
	allowed := false

	switch b.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if b.now().Sub(b.lastFailureTime) >= b.cfg.RecoveryTimeout {
			b.state = StateHalfOpen
			b.probeInFlight = true
			allowed = true
		}
	case StateHalfOpen:
		if !b.probeInFlight {
			b.probeInFlight = true
			allowed = true
		}
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return allowed
}

// RecordSuccess closes the breaker and resets the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	b.failureCount = 0
	b.state = StateClosed
	b.probeInFlight = false
	b.mu.Unlock()

	b.notify(from, StateClosed)
}

// RecordFailure counts a failure. A failed half-open probe re-opens the
// breaker immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	from := b.state
	b.failureCount++
	b.lastFailureTime = b.now()
	b.probeInFlight = false
	if b.failureCount >= b.cfg.FailureThreshold || b.state == StateHalfOpen {
		b.state = StateOpen
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// Reset returns the breaker to CLOSED with no recorded failures.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failureCount = 0
	b.lastFailureTime = time.Time{}
	b.probeInFlight = false
	b.mu.Unlock()

	b.notify(from, StateClosed)
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

// Execute runs fn when the breaker admits it and records the outcome.
// A rejected call returns *OpenError without invoking fn or counting a
// failure. fn's error is returned unchanged.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	_, err := Do(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do is Execute for calls that return a value.
func Do[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	return DoClassified(ctx, b, nil, fn)
}

// DoClassified is Do with a classifier deciding which errors count as
// dependency failures. A nil classifier counts every non-nil error. Errors
// the classifier rejects are recorded as successes: the dependency answered.
func DoClassified[T any](ctx context.Context, b *Breaker, isFailure func(error) bool, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if !b.CanExecute() {
		return zero, &OpenError{Name: b.name}
	}

	v, err := fn(ctx)
	switch {
	case err == nil:
		b.RecordSuccess()
	case isFailure == nil || isFailure(err):
		b.RecordFailure()
	default:
		b.RecordSuccess()
	}
	return v, err
}
