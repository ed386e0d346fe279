// Package ratelimit implements a per-(tenant, operation-kind) token
// bucket admission gate, backed by golang.org/x/time/rate the way the
// teacher's infrastructure/ratelimit package wraps the same primitive.
package ratelimit

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config configures one scope's bucket.
type Config struct {
	Tokens       float64 // burst size
	RefillPerSec float64
}

// DefaultConfig returns a conservative default (10 tokens, 0.1/s refill).
func DefaultConfig() Config {
	return Config{Tokens: 10, RefillPerSec: 0.1}
}

// Limiter holds one token bucket per scope key ("tenant:op-kind"),
// created lazily on first use.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	cfg      Config
	adaptive bool
	demand   map[string][]time.Duration // recorded historical inter-arrival gaps, for adaptive refill
}

// New builds a Limiter with a fixed default Config applied to every new
// scope encountered.
func New(cfg Config) *Limiter {
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		cfg:     cfg,
		demand:  make(map[string][]time.Duration),
	}
}

// EnableAdaptive turns on the optional variant that recomputes refill
// from the p95 of recorded historical demand.
func (l *Limiter) EnableAdaptive() { l.adaptive = true }

func (l *Limiter) bucketFor(scope string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[scope]
	if !ok {
		b = rate.NewLimiter(rate.Limit(l.cfg.RefillPerSec), int(l.cfg.Tokens))
		l.buckets[scope] = b
	}
	return b
}

// Allow consumes one token for scope, returning false if none is
// available. This is a synchronous, non-blocking admission check.
func (l *Limiter) Allow(scope string) bool {
	return l.bucketFor(scope).Allow()
}

// RecordDemand stores an inter-arrival sample used to drive the adaptive
// refill recomputation.
func (l *Limiter) RecordDemand(scope string, gap time.Duration) {
	if !l.adaptive {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	samples := append(l.demand[scope], gap)
	if len(samples) > 500 {
		samples = samples[len(samples)-500:]
	}
	l.demand[scope] = samples
}

// RecalculateAdaptive recomputes each tracked scope's refill rate from
// the p95 observed demand gap, raising admission to match historical
// pressure.
func (l *Limiter) RecalculateAdaptive() {
	if !l.adaptive {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for scope, samples := range l.demand {
		if len(samples) < 10 {
			continue
		}
		sorted := append([]time.Duration(nil), samples...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		p95 := sorted[int(float64(len(sorted))*0.95)]
		if p95 <= 0 {
			continue
		}
		refill := 1.0 / p95.Seconds()
		if b, ok := l.buckets[scope]; ok {
			b.SetLimit(rate.Limit(refill))
		}
	}
}
