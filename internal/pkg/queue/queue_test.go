package queue

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestPoolRunsAllJobs(t *testing.T) {
	p := NewPool(testLogger(), 3, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	var done atomic.Int32
	for i := 0; i < 8; i++ {
		if err := p.Submit(ctx, func(ctx context.Context) error {
			done.Add(1)
			return nil
		}); err != nil {
			t.Fatalf("Submit error: %v", err)
		}
	}
	p.Shutdown()

	if done.Load() != 8 {
		t.Errorf("completed = %d, want 8", done.Load())
	}
	if s := p.Stats(); s.Succeeded != 8 || s.Submitted != 8 {
		t.Errorf("stats = %+v", s)
	}
}

func TestPoolCountsFailures(t *testing.T) {
	p := NewPool(testLogger(), 2, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	p.Submit(ctx, func(ctx context.Context) error { return nil })
	p.Submit(ctx, func(ctx context.Context) error { return errors.New("boom") })
	p.Shutdown()

	s := p.Stats()
	if s.Succeeded != 1 || s.Failed != 1 {
		t.Errorf("stats = %+v, want 1 succeeded and 1 failed", s)
	}
}

func TestPoolRecoversPanic(t *testing.T) {
	p := NewPool(testLogger(), 1, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	var after atomic.Bool
	p.Submit(ctx, func(ctx context.Context) error { panic("boom") })
	p.Submit(ctx, func(ctx context.Context) error {
		after.Store(true)
		return nil
	})
	p.Shutdown()

	if p.Stats().Panics != 1 {
		t.Errorf("panics = %d, want 1", p.Stats().Panics)
	}
	if !after.Load() {
		t.Error("worker must survive a panicking job")
	}
}

func TestTrySubmitFullPool(t *testing.T) {
	p := NewPool(testLogger(), 1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	block := make(chan struct{})
	p.Submit(ctx, func(ctx context.Context) error {
		<-block
		return nil
	})
	time.Sleep(50 * time.Millisecond)

	p.TrySubmit(func(ctx context.Context) error { return nil }) // 占满缓冲
	if p.TrySubmit(func(ctx context.Context) error { return nil }) {
		t.Error("TrySubmit should fail when the pool is full")
	}

	close(block)
	p.Shutdown()
}

func TestSubmitAfterShutdown(t *testing.T) {
	p := NewPool(testLogger(), 1, 1)
	ctx := context.Background()
	p.Start(ctx)
	p.Shutdown()
	p.Shutdown() // 幂等

	if err := p.Submit(ctx, func(ctx context.Context) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit after shutdown = %v, want ErrClosed", err)
	}
	if p.TrySubmit(func(ctx context.Context) error { return nil }) {
		t.Error("TrySubmit after shutdown should return false")
	}
}

func TestSubmitCancelledContext(t *testing.T) {
	p := NewPool(testLogger(), 1, 1)
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	p.Start(runCtx)

	block := make(chan struct{})
	p.Submit(runCtx, func(ctx context.Context) error {
		<-block
		return nil
	})
	time.Sleep(50 * time.Millisecond)
	p.TrySubmit(func(ctx context.Context) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := p.Submit(ctx, func(ctx context.Context) error { return nil }); err == nil {
		t.Error("Submit should fail when ctx expires while the pool is full")
	}

	close(block)
	p.Shutdown()
}
