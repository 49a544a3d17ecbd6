package lock

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"consumeledger/internal/config"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ============================================================================
// 分布式锁实现
// ============================================================================
//
// 同一账户的扣款、充值、退款、冲正必须串行执行，否则：
//   请求1: 查询余额=100 -> 扣款100 -> 余额=0
//   请求2: 查询余额=100 -> 扣款100 -> 余额=-100 超扣了！
//
// 加锁：SET key token NX PX ttl
//   - NX: 只有 key 不存在时才设置（保证互斥）
//   - PX: 过期时间，持有者进程崩溃后锁自动释放
//   - token: 每次加锁唯一，释放时校验，防止误删别人的锁
//
// 释放锁：Lua 脚本原子地"比较 token + 删除"
//
// ============================================================================

var (
	ErrLockTimeout     = errors.New("获取分布式锁超时")
	ErrLockUnavailable = errors.New("锁服务不可用")
	ErrLockExpired     = errors.New("锁已过期")
)

const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string        // 锁的 key
	value      string        // 锁的 value（用于验证锁的持有者）
	expiration time.Duration // 锁的过期时间
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	success, err := l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrLockUnavailable, err)
	}
	return success, nil
}

// LockWithin 在 timeout 内轮询获取锁，超时返回 ErrLockTimeout
func (l *DistributedLock) LockWithin(ctx context.Context, retryInterval, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(min(retryInterval, remaining)):
		}
	}
}

// Unlock 释放锁，锁已过期或已被他人持有时返回 ErrLockExpired
func (l *DistributedLock) Unlock(ctx context.Context) error {
	deleted, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Int()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLockUnavailable, err)
	}
	if deleted == 0 {
		return ErrLockExpired
	}
	return nil
}

// ============================================================================
// 账户锁
// ============================================================================

// AccountLocker 以账户ID为粒度的集群互斥
//
// 不同账户的操作完全并行，同一账户的操作按获取锁的先后串行
type AccountLocker struct {
	client        *redis.Client
	ttl           time.Duration
	retryInterval time.Duration
}

func NewAccountLocker(client *redis.Client, cfg *config.LockConfig) *AccountLocker {
	return &AccountLocker{
		client:        client,
		ttl:           cfg.TTL,
		retryInterval: cfg.RetryInterval,
	}
}

func AccountLockKey(accountID int64) string {
	return fmt.Sprintf("ledger:lock:account:%d", accountID)
}

// WithAccountLock 持有账户锁执行 fn
//
// timeout 内拿不到锁返回 ErrLockTimeout，fn 不会被调用；
// fn 正常返回、返回错误或 panic 都会释放锁
func (l *AccountLocker) WithAccountLock(ctx context.Context, accountID int64, timeout time.Duration, fn func() error) error {
	return l.WithLock(ctx, AccountLockKey(accountID), timeout, fn)
}

// WithLock 持有任意 key 的锁执行 fn
func (l *AccountLocker) WithLock(ctx context.Context, key string, timeout time.Duration, fn func() error) error {
	dl := NewDistributedLock(l.client, key, uuid.NewString(), l.ttl)
	if err := dl.LockWithin(ctx, l.retryInterval, timeout); err != nil {
		return err
	}
	defer release(dl)

	return fn()
}

// TryRun 非阻塞地获取任务锁，拿到则执行 fn 并返回 true；集群内同一任务同一时刻只运行一份
func (l *AccountLocker) TryRun(ctx context.Context, key string, ttl time.Duration, fn func()) (bool, error) {
	dl := NewDistributedLock(l.client, key, uuid.NewString(), ttl)
	ok, err := dl.TryLock(ctx)
	if err != nil || !ok {
		return false, err
	}
	defer release(dl)

	fn()
	return true, nil
}

// release 使用独立的 context，调用方 ctx 已取消时也要把锁还回去
func release(dl *DistributedLock) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := dl.Unlock(ctx); err != nil {
		log.Printf("[Lock] 释放锁失败: key=%s, err=%v", dl.key, err)
	}
}
