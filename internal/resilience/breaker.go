// Package resilience provides reliability patterns for outbound calls to the
// agent and the task registry.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/AgentDeck/internal/clock"
	"github.com/Strob0t/AgentDeck/internal/config"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the externally visible breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Breaker opens after maxFailures consecutive failures and rejects calls
// until timeout has elapsed, then lets calls through half-open. One success
// closes it again; one half-open failure reopens it.
type Breaker struct {
	name        string
	maxFailures int
	timeout     time.Duration
	clock       clock.Clock

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
}

// NewBreaker creates a named circuit breaker. Non-positive arguments fall
// back to 5 failures and 30 seconds.
func NewBreaker(name string, maxFailures int, timeout time.Duration) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Breaker{
		name:        name,
		maxFailures: maxFailures,
		timeout:     timeout,
		clock:       clock.Real{},
		state:       StateClosed,
	}
}

// FromConfig creates a named breaker from the breaker config section.
func FromConfig(name string, cfg config.Breaker) *Breaker {
	return NewBreaker(name, cfg.MaxFailures, cfg.Timeout)
}

// WithClock replaces the time source. Intended for tests.
func (b *Breaker) WithClock(c clock.Clock) *Breaker {
	b.clock = c
	return b
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, promoting open to half-open once the
// timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.clock.Now().Sub(b.openedAt) >= b.timeout {
		return StateHalfOpen
	}
	return b.state
}

// Execute runs fn if the circuit is closed or half-open.
// Returns ErrCircuitOpen if the circuit is open.
func (b *Breaker) Execute(fn func() error) error {
	if !b.allowRequest() {
		return ErrCircuitOpen
	}

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.onFailure()
		return err
	}

	b.onSuccess()
	return nil
}

func (b *Breaker) allowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if b.clock.Now().Sub(b.openedAt) >= b.timeout {
			b.setState(StateHalfOpen)
			return true
		}
		return false
	}
	return false
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure() {
	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.maxFailures {
		b.openedAt = b.clock.Now()
		b.setState(StateOpen)
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess() {
	b.failures = 0
	b.setState(StateClosed)
}

// setState must be called with b.mu held.
func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	prev := b.state
	b.state = s
	level := slog.LevelInfo
	if s == StateOpen {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "circuit breaker state changed", "breaker", b.name, "from", prev, "to", s, "failures", b.failures)
}
