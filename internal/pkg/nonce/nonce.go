package nonce

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "escrowmarket:auth:nonce:"

// ErrNotIssued 表示该地址没有待验证的挑战（过期、已消费或从未签发）。
var ErrNotIssued = errors.New("nonce not issued")

// Manager 管理钱包登录用的一次性挑战随机数。
//
// 挑战按地址存在 Redis 里并带 TTL，验证签名时用 GETDEL 原子消费，
// 保证同一个挑战签名只能换一次令牌，天然防重放。
type Manager struct {
	rdb *redis.Client
	ttl time.Duration
}

// New 创建 Manager；ttl 不大于零时默认 5 分钟。
func New(rdb *redis.Client, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Manager{rdb: rdb, ttl: ttl}
}

// Issue 为地址签发新挑战，覆盖之前未消费的旧挑战。
func (m *Manager) Issue(ctx context.Context, address string) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	value := hex.EncodeToString(buf)

	if err := m.rdb.Set(ctx, m.key(address), value, m.ttl).Err(); err != nil {
		return "", fmt.Errorf("store nonce: %w", err)
	}
	return value, nil
}

// Consume 原子取出并删除地址的挑战；不存在时返回 ErrNotIssued。
func (m *Manager) Consume(ctx context.Context, address string) (string, error) {
	value, err := m.rdb.GetDel(ctx, m.key(address)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotIssued
	}
	if err != nil {
		return "", fmt.Errorf("consume nonce: %w", err)
	}
	return value, nil
}

func (m *Manager) key(address string) string {
	return keyPrefix + strings.ToLower(strings.TrimSpace(address))
}
