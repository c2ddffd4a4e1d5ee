package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newMiniRedis(t *testing.T) *redis.Client {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestAcquireWithinBurst(t *testing.T) {
	rdb := newMiniRedis(t)
	limiter := New(rdb, nil, "test:rpc:burst", 10, 3)

	for i := 0; i < 3; i++ {
		if err := limiter.Acquire(context.Background()); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
}

func TestAcquireBlocksWhenExhausted(t *testing.T) {
	rdb := newMiniRedis(t)
	limiter := New(rdb, nil, "test:rpc:block", 10, 1)

	if err := limiter.Acquire(context.Background()); err != nil {
		t.Fatalf("warm acquire: %v", err)
	}

	start := time.Now()
	if err := limiter.Acquire(context.Background()); err != nil {
		t.Fatalf("blocked acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Fatalf("expected to block for a refill, elapsed=%v", elapsed)
	}
}

func TestAcquireContextTimeout(t *testing.T) {
	rdb := newMiniRedis(t)
	limiter := New(rdb, nil, "test:rpc:timeout", 1, 1)

	if err := limiter.Acquire(context.Background()); err != nil {
		t.Fatalf("warm acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := limiter.Acquire(ctx); !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("expected ErrWaitTimeout, got %v", err)
	}
}

func TestDisabledLimiterAlwaysAllows(t *testing.T) {
	rdb := newMiniRedis(t)
	limiter := New(rdb, nil, "test:rpc:disabled", 0, 0)

	for i := 0; i < 100; i++ {
		if err := limiter.Acquire(context.Background()); err != nil {
			t.Fatalf("disabled limiter must not block: %v", err)
		}
	}
}

func TestConcurrentAcquireRespectsBurst(t *testing.T) {
	rdb := newMiniRedis(t)
	limiter := New(rdb, nil, "test:rpc:concurrent", 5, 5)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	var mu sync.Mutex
	success := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := limiter.Acquire(ctx); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if success != 5 {
		t.Fatalf("expected exactly 5 immediate grants, got %d", success)
	}
}
