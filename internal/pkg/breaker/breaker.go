// Package breaker guards outbound provider calls with a three-state circuit breaker.
package breaker

import (
	"sync/atomic"
	"time"

	xerrors "clinic-billing-service/internal/pkg/errors"

	"go.uber.org/zap"
)

type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Cooldown         time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         60 * time.Second,
	}
}

// Snapshot is a point-in-time view of the breaker counters.
type Snapshot struct {
	Name            string     `json:"name"`
	State           string     `json:"state"`
	FailureCount    int        `json:"failure_count"`
	SuccessCount    int        `json:"success_count"`
	LastFailureTime *time.Time `json:"last_failure_time,omitempty"`
}

type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(b *Breaker) { b.logger = logger }
}

// WithStateListener registers a callback invoked after every state change.
func WithStateListener(fn func(name string, from, to State)) Option {
	return func(b *Breaker) { b.listeners = append(b.listeners, fn) }
}

// Breaker is process-local. Counters are atomics; state changes go through
// compare-and-swap so concurrent callers agree on a single transition.
type Breaker struct {
	name      string
	cfg       Config
	now       func() time.Time
	logger    *zap.Logger
	listeners []func(name string, from, to State)

	state       atomic.Int32
	failures    atomic.Int32
	successes   atomic.Int32
	lastFailure atomic.Int64 // unix nanos, 0 when never failed
}

func New(name string, cfg Config, opts ...Option) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}

	b := &Breaker{
		name:   name,
		cfg:    cfg,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) State() State { return State(b.state.Load()) }

// CheckState fails fast with ErrProviderUnavailable while the circuit is open.
// Once the cool-down has elapsed the first caller moves it to HALF_OPEN.
func (b *Breaker) CheckState() error {
	if b.State() != StateOpen {
		return nil
	}

	last := time.Unix(0, b.lastFailure.Load())
	if !b.now().After(last.Add(b.cfg.Cooldown)) {
		return xerrors.ErrProviderUnavailable
	}

	if b.transition(StateOpen, StateHalfOpen) {
		b.successes.Store(0)
	}
	return nil
}

func (b *Breaker) RecordSuccess() {
	switch b.State() {
	case StateClosed:
		b.failures.Store(0)
	case StateHalfOpen:
		if int(b.successes.Add(1)) >= b.cfg.SuccessThreshold {
			if b.transition(StateHalfOpen, StateClosed) {
				b.failures.Store(0)
				b.successes.Store(0)
			}
		}
	}
}

func (b *Breaker) RecordFailure() {
	switch b.State() {
	case StateClosed:
		if int(b.failures.Add(1)) >= b.cfg.FailureThreshold {
			b.lastFailure.Store(b.now().UnixNano())
			b.transition(StateClosed, StateOpen)
		}
	case StateHalfOpen:
		b.lastFailure.Store(b.now().UnixNano())
		if b.transition(StateHalfOpen, StateOpen) {
			b.successes.Store(0)
		}
	}
}

func (b *Breaker) Snapshot() Snapshot {
	s := Snapshot{
		Name:         b.name,
		State:        b.State().String(),
		FailureCount: int(b.failures.Load()),
		SuccessCount: int(b.successes.Load()),
	}
	if ns := b.lastFailure.Load(); ns != 0 {
		t := time.Unix(0, ns).UTC()
		s.LastFailureTime = &t
	}
	return s
}

func (b *Breaker) transition(from, to State) bool {
	if !b.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}

	b.logger.Warn("circuit breaker state changed",
		zap.String("breaker", b.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Int32("failure_count", b.failures.Load()),
	)
	for _, fn := range b.listeners {
		fn(b.name, from, to)
	}
	return true
}
