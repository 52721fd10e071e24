// Package ratelimit throttles outbound probes so a scan cannot flood the
// application it is testing.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/CodeMonkeyCybersecurity/scout/internal/config"
	"golang.org/x/time/rate"
)

// Limiter combines a global token bucket with a per-host minimum spacing.
type Limiter struct {
	limiter  *rate.Limiter
	minDelay time.Duration

	mu       sync.Mutex
	nextSlot map[string]time.Time
}

type Config struct {
	// RequestsPerSecond is the global probe rate. Zero or less disables it.
	RequestsPerSecond float64
	BurstSize         int
	// MinDelay spaces consecutive requests to the same host.
	MinDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 50,
		BurstSize:         100,
	}
}

// FromConfig maps the scanner section of the application config.
func FromConfig(cfg config.ScannerConfig) Config {
	return Config{
		RequestsPerSecond: cfg.RequestsPerSecond,
		BurstSize:         cfg.BurstSize,
		MinDelay:          cfg.MinHostDelay,
	}
}

func NewLimiter(cfg Config) *Limiter {
	limit := rate.Limit(cfg.RequestsPerSecond)
	if cfg.RequestsPerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.BurstSize
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiter:  rate.NewLimiter(limit, burst),
		minDelay: cfg.MinDelay,
		nextSlot: make(map[string]time.Time),
	}
}

// WaitForHost waits for the global bucket, then for the host's next slot.
// Slots are reserved under the lock and slept on outside it, so concurrent
// callers for different hosts do not serialize on each other.
func (l *Limiter) WaitForHost(ctx context.Context, host string) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	if l.minDelay <= 0 {
		return nil
	}

	l.mu.Lock()
	now := time.Now()
	slot := l.nextSlot[host]
	if slot.Before(now) {
		slot = now
	}
	l.nextSlot[host] = slot.Add(l.minDelay)
	l.mu.Unlock()

	wait := time.Until(slot)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Allow reports whether the global bucket has a token now, without waiting.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}

func (l *Limiter) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Stats{
		TrackedHosts: len(l.nextSlot),
		BurstSize:    l.limiter.Burst(),
		MinDelay:     l.minDelay,
	}
}

type Stats struct {
	TrackedHosts int
	BurstSize    int
	MinDelay     time.Duration
}
