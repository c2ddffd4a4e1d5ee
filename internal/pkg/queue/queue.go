package queue

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Job 表示一个可执行的异步任务。
type Job func(ctx context.Context) error

// ErrClosed 池已关闭后提交任务返回该错误。
var ErrClosed = errors.New("worker pool is closed")

// Pool 固定大小的内存 worker 池，轮询器用它并发分发链上状态检查。
//
// 任务之间互相独立，单个任务 panic 只记日志，不拖垮 worker。
type Pool struct {
	logger  *slog.Logger
	workers int
	jobs    chan Job

	wg     sync.WaitGroup
	closed atomic.Bool

	submitted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

// Stats 池的统计快照。
type Stats struct {
	Submitted int64
	Succeeded int64
	Failed    int64
	Panics    int64
}

// NewPool 创建 worker 池；workers 与 capacity 最小为 1。
func NewPool(logger *slog.Logger, workers, capacity int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &Pool{
		logger:  logger,
		workers: workers,
		jobs:    make(chan Job, capacity),
	}
}

// Start 启动全部 worker，直到 ctx 取消或 Shutdown。
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
}

// Submit 阻塞式提交任务，直到入队成功、ctx 取消或池关闭。
func (p *Pool) Submit(ctx context.Context, job Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if p.closed.Load() {
		return ErrClosed
	}
	select {
	case p.jobs <- job:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit 非阻塞提交，队列满或池已关闭时返回 false。
func (p *Pool) TrySubmit(job Job) bool {
	if job == nil || p.closed.Load() {
		return false
	}
	select {
	case p.jobs <- job:
		p.submitted.Add(1)
		return true
	default:
		p.logger.Warn("worker pool full, job dropped",
			slog.Int("capacity", cap(p.jobs)))
		return false
	}
}

// Shutdown 拒绝新任务并等待在途任务执行完毕（幂等）。
func (p *Pool) Shutdown() {
	if p.closed.CompareAndSwap(false, true) {
		close(p.jobs)
		p.wg.Wait()
		p.logger.Info("worker pool drained")
	}
}

// Stats 返回统计快照。
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Succeeded: p.succeeded.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("worker stopped", slog.Int("worker_id", id))
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.execute(ctx, job, id)
		}
	}
}

func (p *Pool) execute(ctx context.Context, job Job, id int) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.Error("job panic recovered",
				slog.Int("worker_id", id),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	if err := job(ctx); err != nil {
		p.failed.Add(1)
		p.logger.Warn("job failed",
			slog.Int("worker_id", id),
			slog.String("error", err.Error()))
		return
	}
	p.succeeded.Add(1)
}
