package scanlock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const lockKey = "habittracker:reminder:scan_lock"

// 只删除仍属于自己的锁：TTL 过期后锁可能已被其他实例持有，
// 无条件 DEL 会误删继任者的锁。
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock 是基于 Redis SetNX 的单飞锁。
//
// 同一时刻只允许一个扫描周期持有锁；拿不到锁的周期直接跳过，
// 避免重叠运行造成重复提醒和 time 字段的丢失更新。
// TTL 兜底持有者崩溃后锁无法释放的情况；每次获取生成随机
// token，释放时按 token 比对，过期的持有者无法误删新锁。
// 非并发安全，单个扫描器串行使用。
type Lock struct {
	rdb   *redis.Client
	ttl   time.Duration
	token string
}

// NewLock 创建单飞锁。
func NewLock(rdb *redis.Client, ttl time.Duration) *Lock {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Lock{rdb: rdb, ttl: ttl}
}

// TryAcquire 尝试获取锁，已被持有时返回 false。
//
// rdb 未配置时视为单实例部署，直接放行。
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	if l == nil || l.rdb == nil {
		return true, nil
	}
	token, err := newToken()
	if err != nil {
		return false, err
	}
	ok, err := l.rdb.SetNX(ctx, lockKey, token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("scanlock setnx: %w", err)
	}
	if ok {
		l.token = token
	}
	return ok, nil
}

// Release 释放锁，仅当锁仍携带本次获取的 token 时才删除。
func (l *Lock) Release(ctx context.Context) error {
	if l == nil || l.rdb == nil || l.token == "" {
		return nil
	}
	token := l.token
	l.token = ""
	if err := releaseScript.Run(ctx, l.rdb, []string{lockKey}, token).Err(); err != nil {
		return fmt.Errorf("scanlock release: %w", err)
	}
	return nil
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("scanlock token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
