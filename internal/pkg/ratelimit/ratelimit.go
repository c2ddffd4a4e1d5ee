package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"escrowmarket/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

// ErrWaitTimeout 在拿到令牌前 ctx 先到期。
var ErrWaitTimeout = errors.New("rate limit wait timeout")

// 令牌桶脚本：原子地补充并扣减令牌，返回 {是否放行, 建议等待毫秒数}。
// 桶状态存在 Redis 里，多实例共享同一个 RPC 配额。
const tokenBucketLua = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

if rate <= 0 or burst <= 0 then
  return {1, 0}
end

local data = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])
if tokens == nil then
  tokens = burst
end
if ts == nil then
  ts = now
end

local delta = math.max(0, now - ts)
tokens = math.min(burst, tokens + (delta * rate) / 1000.0)

local allowed = tokens >= 1
local wait_ms = 0
if allowed then
  tokens = tokens - 1
else
  wait_ms = math.ceil((1 - tokens) * 1000.0 / rate)
end

redis.call("HMSET", key, "tokens", tokens, "ts", now)
redis.call("PEXPIRE", key, math.ceil((burst / rate) * 1000.0 * 2))

return {allowed and 1 or 0, wait_ms}
`

// Limiter 基于 Redis 的分布式令牌桶，用于约束对链上节点的调用频率。
//
// rate 为每秒补充的令牌数，burst 为桶容量；两者任一不大于零时限流
// 直接放行（用于本地开发关闭限流）。
type Limiter struct {
	rdb    *redis.Client
	key    string
	rate   float64
	burst  float64
	logger *slog.Logger
	script *redis.Script
}

// New 创建限流器。
func New(rdb *redis.Client, logger *slog.Logger, key string, rate, burst float64) *Limiter {
	if key == "" {
		key = "escrowmarket:ratelimit:rpc"
	}
	return &Limiter{
		rdb:    rdb,
		key:    key,
		rate:   rate,
		burst:  burst,
		logger: logger,
		script: redis.NewScript(tokenBucketLua),
	}
}

// Acquire 阻塞直到拿到一个令牌或 ctx 取消。
func (l *Limiter) Acquire(ctx context.Context) error {
	if l == nil || l.rate <= 0 || l.burst <= 0 {
		return nil
	}

	const jitterMax = 10 * time.Millisecond
	start := time.Now()
	for {
		allowed, waitMs, err := l.tryAcquire(ctx)
		if err != nil {
			return err
		}
		if allowed {
			l.observeWait(start)
			return nil
		}

		wait := time.Duration(waitMs) * time.Millisecond
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		wait += time.Duration(rand.Int63n(int64(jitterMax)))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			l.observeWait(start)
			return ErrWaitTimeout
		case <-timer.C:
		}
	}
}

func (l *Limiter) tryAcquire(ctx context.Context) (bool, int64, error) {
	now := time.Now().UnixMilli()
	res, err := l.script.Run(ctx, l.rdb, []string{l.key}, l.rate, l.burst, now).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit eval: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) < 2 {
		return false, 0, fmt.Errorf("ratelimit invalid result")
	}
	return toInt64(values[0]) == 1, toInt64(values[1]), nil
}

func (l *Limiter) observeWait(start time.Time) {
	if metrics.RateLimitWaitDuration != nil {
		metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
	}
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if parsed, err := strconv.ParseInt(t, 10, 64); err == nil {
			return parsed
		}
	}
	return 0
}
