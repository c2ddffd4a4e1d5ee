package poller

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"escrowmarket/internal/hub"
	"escrowmarket/internal/model"
	"escrowmarket/internal/pkg/metrics"
	"escrowmarket/internal/pkg/notify"
	"escrowmarket/internal/pkg/queue"

	"github.com/redis/go-redis/v9"
)

// statusCacheKey 记录每个 item 上一次观察到的生命周期状态。
const statusCacheKey = "escrowmarket:trade:status"

// ListingSource 轮询器需要的镜像读取与下架能力。
type ListingSource interface {
	ListActive(ctx context.Context, afterID uint, limit int) ([]model.Listing, error)
	UpdateActive(ctx context.Context, itemID uint64, isActive bool) error
}

// TradeReader 链上交易状态的读取接口。
type TradeReader interface {
	GetTradeDetails(ctx context.Context, itemID uint64) (*model.Trade, error)
}

// Limiter 合约 RPC 限流接口。
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Broadcaster 事件广播接口。
type Broadcaster interface {
	Publish(event hub.Event)
}

// Poller 周期性核对在售挂单的链上生命周期状态。
//
// 每轮从镜像分批取出在售挂单，经限流后逐个读合约，与 Redis 里缓存的
// 上次状态比对；一旦发现交易进入托管（purchased 及之后），下架镜像并
// 广播，同一次状态变化只广播一次。合约读取失败的 item 保持原状，
// 绝不凭猜测改镜像。
type Poller struct {
	store    ListingSource
	reader   TradeReader
	rdb      *redis.Client
	limiter  Limiter
	hub      Broadcaster
	notifier notify.Notifier
	logger   *slog.Logger

	pool      *queue.Pool
	interval  time.Duration
	batchSize int
}

// New 创建轮询器。
//
// 参数:
//
//	store: 挂单镜像
//	reader: 合约读取客户端
//	rdb: Redis 客户端（状态缓存）
//	limiter: RPC 限流器
//	broadcaster: 事件广播器
//	notifier: 结算通知器
//	logger: 日志记录器
//	interval: 轮询间隔
//	batchSize: 每批加载的挂单数
//	workers: Worker Pool 大小（0 表示默认 10）
//	capacity: 任务队列容量（0 表示默认 100）
func New(store ListingSource, reader TradeReader, rdb *redis.Client, limiter Limiter,
	broadcaster Broadcaster, notifier notify.Notifier, logger *slog.Logger,
	interval time.Duration, batchSize, workers, capacity int) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if workers <= 0 {
		workers = 10
	}
	if capacity <= 0 {
		capacity = 100
	}
	return &Poller{
		store:     store,
		reader:    reader,
		rdb:       rdb,
		limiter:   limiter,
		hub:       broadcaster,
		notifier:  notifier,
		logger:    logger,
		pool:      queue.NewPool(logger, workers, capacity),
		interval:  interval,
		batchSize: batchSize,
	}
}

// Run 启动轮询循环，直到 ctx 取消。
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("trade status poller started",
		slog.String("interval", p.interval.String()),
		slog.Int("batch_size", p.batchSize))

	p.pool.Start(ctx)

	// 首次立即核对一轮
	p.runCycle(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("trade status poller stopping")
			p.pool.Shutdown()
			return
		case <-ticker.C:
			p.runCycle(ctx)
		}
	}
}

// runCycle 跑完一轮全量核对；上一轮未结束前不会叠加下一轮。
func (p *Poller) runCycle(ctx context.Context) {
	start := time.Now()
	var wg sync.WaitGroup
	checked := 0

	afterID := uint(0)
	for {
		listings, err := p.store.ListActive(ctx, afterID, p.batchSize)
		if err != nil {
			p.logger.Error("load active listings failed", slog.String("error", err.Error()))
			break
		}
		if len(listings) == 0 {
			break
		}
		afterID = listings[len(listings)-1].ID

		for i := range listings {
			listing := listings[i]
			wg.Add(1)
			err := p.pool.Submit(ctx, func(jobCtx context.Context) error {
				defer wg.Done()
				return p.checkListing(jobCtx, listing)
			})
			if err != nil {
				wg.Done()
				p.logger.Warn("submit status check failed",
					slog.Uint64("item_id", listing.ItemID),
					slog.String("error", err.Error()))
				break
			}
			checked++
		}
		if len(listings) < p.batchSize {
			break
		}
	}

	wg.Wait()
	if metrics.PollerCycleDuration != nil {
		metrics.PollerCycleDuration.Observe(time.Since(start).Seconds())
	}
	p.logger.Debug("poll cycle finished",
		slog.Int("checked", checked),
		slog.String("elapsed", time.Since(start).String()))
}

// checkListing 核对单个挂单的链上状态并处理状态跃迁。
func (p *Poller) checkListing(ctx context.Context, listing model.Listing) error {
	if p.limiter != nil {
		if err := p.limiter.Acquire(ctx); err != nil {
			return fmt.Errorf("acquire rpc token: %w", err)
		}
	}

	trade, err := p.reader.GetTradeDetails(ctx, listing.ItemID)
	if err != nil {
		// 读不到就保持现状，状态不可知时绝不动镜像
		return fmt.Errorf("read trade %d: %w", listing.ItemID, err)
	}
	status := trade.Status()

	field := strconv.FormatUint(listing.ItemID, 10)
	prev, err := p.rdb.HGet(ctx, statusCacheKey, field).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("read status cache: %w", err)
	}
	if prev == string(status) {
		return nil
	}

	if err := p.rdb.HSet(ctx, statusCacheKey, field, string(status)).Err(); err != nil {
		return fmt.Errorf("write status cache: %w", err)
	}
	if prev != "" && metrics.PollerTransitionsTotal != nil {
		metrics.PollerTransitionsTotal.Inc()
	}
	p.logger.Info("trade status changed",
		slog.Uint64("item_id", listing.ItemID),
		slog.String("from", prev),
		slog.String("to", string(status)))

	// 进入托管后镜像下架；首次观察到的 pending 只记缓存，不产生事件
	if status != model.StatusPending && listing.IsActive {
		if err := p.store.UpdateActive(ctx, listing.ItemID, false); err != nil {
			return fmt.Errorf("deactivate listing %d: %w", listing.ItemID, err)
		}
		p.hub.Publish(hub.StatusUpdatedEvent(listing.ItemID, false))
	}

	if status == model.StatusCompleted && p.notifier != nil {
		if err := p.notifier.SettlementCompleted(ctx, &listing, trade); err != nil {
			p.logger.Warn("settlement notification failed",
				slog.Uint64("item_id", listing.ItemID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}
