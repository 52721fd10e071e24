package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/CodeMonkeyCybersecurity/scout/internal/config"
)

func TestNewLimiter(t *testing.T) {
	cfg := DefaultConfig()
	limiter := NewLimiter(cfg)

	if limiter == nil {
		t.Fatal("NewLimiter() should return non-nil limiter")
	}

	stats := limiter.GetStats()
	if stats.BurstSize != cfg.BurstSize {
		t.Errorf("stats.BurstSize = %v, want %v", stats.BurstSize, cfg.BurstSize)
	}
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.ScannerConfig{RequestsPerSecond: 5, BurstSize: 2, MinHostDelay: time.Second})
	if cfg.RequestsPerSecond != 5 || cfg.BurstSize != 2 || cfg.MinDelay != time.Second {
		t.Errorf("FromConfig() = %+v", cfg)
	}
}

func TestLimiter_Allow(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 1, BurstSize: 2})

	for i := 0; i < 2; i++ {
		if !limiter.Allow() {
			t.Fatalf("request %d within burst was refused", i+1)
		}
	}
	if limiter.Allow() {
		t.Error("third request should have been refused")
	}
}

func TestLimiter_Unlimited(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 0})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 200; i++ {
		if err := limiter.WaitForHost(ctx, "api.example.test"); err != nil {
			t.Fatalf("WaitForHost() error = %v", err)
		}
	}
	if d := time.Since(start); d > 100*time.Millisecond {
		t.Errorf("unlimited limiter should not block, took %v", d)
	}
}

func TestLimiter_WaitForHostSpacing(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 1000, BurstSize: 100, MinDelay: 30 * time.Millisecond})
	ctx := context.Background()

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := limiter.WaitForHost(ctx, "a.test"); err != nil {
				t.Errorf("WaitForHost() error = %v", err)
			}
		}()
	}
	wg.Wait()

	// three requests to one host need at least two gaps
	if d := time.Since(start); d < 55*time.Millisecond {
		t.Errorf("same-host requests were not spaced, took %v", d)
	}

	// another host is not delayed by a.test
	start = time.Now()
	if err := limiter.WaitForHost(ctx, "b.test"); err != nil {
		t.Fatalf("WaitForHost() error = %v", err)
	}
	if d := time.Since(start); d > 20*time.Millisecond {
		t.Errorf("first request to a new host waited %v", d)
	}

	if got := limiter.GetStats().TrackedHosts; got != 2 {
		t.Errorf("TrackedHosts = %d, want 2", got)
	}
}

func TestLimiter_ContextCancellation(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 1000, BurstSize: 10, MinDelay: time.Second})

	if err := limiter.WaitForHost(context.Background(), "slow.test"); err != nil {
		t.Fatalf("first WaitForHost() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := limiter.WaitForHost(ctx, "slow.test"); err == nil {
		t.Error("WaitForHost() should fail when the context expires first")
	}
}
