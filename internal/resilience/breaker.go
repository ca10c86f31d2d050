// Package resilience provides retry and circuit breaker primitives for
// imagery providers and the inference service.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// BreakerState is the state of a circuit breaker.
type BreakerState int

const (
	// StateClosed lets calls through.
	StateClosed BreakerState = iota
	// StateOpen rejects calls until the cooldown elapses.
	StateOpen
	// StateHalfOpen lets one trial call through.
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a breaker rejects a call.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// Breaker trips after a run of consecutive failures and rejects calls for a
// cooldown period, then admits a single trial call.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	state    BreakerState
	failures int
	inTrial  bool
	openedAt time.Time
	now      func() time.Time
}

// NewBreaker creates a breaker. threshold <= 0 is treated as 1.
func NewBreaker(name string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 1
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{name: name, threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Execute runs fn unless the breaker is open.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

// State returns the current state, reporting an expired open breaker as half-open.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// allow admits every call while closed and exactly one in-flight trial call once
// the cooldown has elapsed. Other callers are rejected until the trial reports.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrCircuitOpen
		}
		b.setState(StateHalfOpen)
	}
	if b.inTrial {
		return ErrCircuitOpen
	}
	b.inTrial = true
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inTrial = false

	// Cancellation says nothing about provider health.
	if err != nil && errors.Is(err, context.Canceled) {
		return
	}

	if err == nil {
		b.failures = 0
		if b.state != StateClosed {
			b.setState(StateClosed)
		}
		return
	}

	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.threshold {
		b.openedAt = b.now()
		if b.state != StateOpen {
			b.setState(StateOpen)
		}
	}
}

func (b *Breaker) setState(to BreakerState) {
	zap.L().Info("circuit breaker state change",
		zap.String("service", b.name),
		zap.String("from", b.state.String()),
		zap.String("to", to.String()),
	)
	b.state = to
}

// Breakers holds one lazily created breaker per provider. A nil *Breakers
// disables circuit breaking.
type Breakers struct {
	mu        sync.Mutex
	breakers  map[string]*Breaker
	threshold int
	cooldown  time.Duration
}

// NewBreakers returns nil when threshold is zero or negative.
func NewBreakers(threshold int, cooldown time.Duration) *Breakers {
	if threshold <= 0 {
		return nil
	}
	return &Breakers{breakers: make(map[string]*Breaker), threshold: threshold, cooldown: cooldown}
}

// Execute runs fn through the named provider's breaker, or directly when bs is nil.
func (bs *Breakers) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if bs == nil {
		return fn(ctx)
	}
	return bs.get(name).Execute(ctx, fn)
}

// States snapshots every breaker's state.
func (bs *Breakers) States() map[string]BreakerState {
	if bs == nil {
		return nil
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	out := make(map[string]BreakerState, len(bs.breakers))
	for name, b := range bs.breakers {
		out[name] = b.State()
	}
	return out
}

func (bs *Breakers) get(name string) *Breaker {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	b, ok := bs.breakers[name]
	if !ok {
		b = NewBreaker(name, bs.threshold, bs.cooldown)
		bs.breakers[name] = b
	}
	return b
}
