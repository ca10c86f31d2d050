package imagery

import (
	"context"
	"net/url"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// AdaptiveLimiter wraps a rate.Limiter that speeds up by 20% per success (up
// to 2x the initial rate) and halves on 429 (down to a quarter).
type AdaptiveLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	current rate.Limit
	max     rate.Limit
	min     rate.Limit
}

// NewAdaptiveLimiter creates an adaptive limiter starting at initial events/sec.
func NewAdaptiveLimiter(initial rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter: rate.NewLimiter(initial, burst),
		current: initial,
		max:     initial * 2,
		min:     initial / 4,
	}
}

// Wait blocks until a request may proceed.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess nudges the rate up.
func (a *AdaptiveLimiter) OnSuccess() {
	a.adjust(1.2)
}

// OnRateLimit halves the rate after a 429.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.adjust(0.5)
	zap.L().Warn("imagery: provider rate limited, slowing down", zap.Float64("rate", float64(a.Limit())))
}

// Limit returns the current rate.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

func (a *AdaptiveLimiter) adjust(factor float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == rate.Inf {
		return
	}
	next := a.current * rate.Limit(factor)
	if next > a.max {
		next = a.max
	}
	if next < a.min {
		next = a.min
	}
	a.current = next
	a.limiter.SetLimit(next)
}

// HostLimiters maps tile hosts to adaptive limiters. Unknown hosts share a
// fallback limiter.
type HostLimiters struct {
	mu       sync.Mutex
	hosts    map[string]*AdaptiveLimiter
	fallback *AdaptiveLimiter
}

// NewHostLimiters builds limiters from a host → requests/sec map. fallbackRPS
// <= 0 leaves unknown hosts unlimited.
func NewHostLimiters(perHost map[string]float64, fallbackRPS float64) *HostLimiters {
	hl := &HostLimiters{hosts: make(map[string]*AdaptiveLimiter, len(perHost))}
	for host, rps := range perHost {
		hl.hosts[host] = newLimiterFor(rps)
	}
	hl.fallback = newLimiterFor(fallbackRPS)
	return hl
}

// DefaultHostRates are per-host request rates for the built-in providers.
// OSM's tile usage policy asks for light, identified traffic.
func DefaultHostRates() map[string]float64 {
	return map[string]float64{
		"server.arcgisonline.com":       20,
		"ecn.t0.tiles.virtualearth.net": 20,
		"tile.openstreetmap.org":        2,
		"maps.googleapis.com":           10,
	}
}

// Unlimited never blocks. Used by tests and for local providers.
func Unlimited() *HostLimiters {
	return &HostLimiters{hosts: map[string]*AdaptiveLimiter{}, fallback: newLimiterFor(0)}
}

// For returns the limiter for rawURL's host.
func (hl *HostLimiters) For(rawURL string) *AdaptiveLimiter {
	u, err := url.Parse(rawURL)
	if err != nil {
		return hl.fallback
	}
	hl.mu.Lock()
	defer hl.mu.Unlock()
	if lim, ok := hl.hosts[u.Host]; ok {
		return lim
	}
	return hl.fallback
}

// Wait blocks on the limiter for rawURL's host.
func (hl *HostLimiters) Wait(ctx context.Context, rawURL string) error {
	if err := hl.For(rawURL).Wait(ctx); err != nil {
		return eris.Wrap(err, "imagery: rate limiter wait")
	}
	return nil
}

func newLimiterFor(rps float64) *AdaptiveLimiter {
	if rps <= 0 {
		return NewAdaptiveLimiter(rate.Inf, 1)
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return NewAdaptiveLimiter(rate.Limit(rps), burst)
}
