package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 分布式锁实现
// ============================================================================
//
// 【为什么需要分布式锁？】
//
// 场景：同一发送方同时发起两笔转账（网络抖动导致重复提交，或恶意并发）
//
// 如果没有锁：
//   goroutine1: 读余额=10 -> 上链 -> 扣减7 -> 余额=3   OK
//   goroutine2: 读余额=10 -> 上链 -> 扣减7 -> 超扣！且链上多了一条废记录
//
// 加了锁之后：
//   goroutine1: 获取锁 -> 读余额=10 -> 上链 -> 扣减7 -> 余额=3 -> 释放锁
//   goroutine2: 等锁... -> 获取锁 -> 读余额=3 -> 余额不足，拒绝（未上链）
//
// 余额扣减本身还有乐观锁条件更新兜底，但锁把并发挡在上链之前，
// 避免为注定失败的转账留下链上记录。
//
// 【Redis 分布式锁原理】
//
// 加锁：SET key value NX EX timeout
//   - NX: 只有 key 不存在时才设置（保证互斥）
//   - EX: 设置过期时间（防止死锁）
//   - value: 锁持有者标识（释放时验证，防止误删别人的锁）
//
// 释放锁：使用 Lua 脚本保证"检查+删除"的原子性
//
// ============================================================================

var (
	ErrLockFailed  = errors.New("获取分布式锁失败")
	ErrLockExpired = errors.New("锁已过期")
)

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
		return false, err
	}
	return success, nil
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
			// 继续重试
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁
//
// 【关键点】先验证 value 再删除，防止误删他人持有的锁：
// A 获取锁 -> A 处理超时，锁过期 -> B 获取锁 -> A 执行完调用 Unlock
// 不验证 value 的话，A 会把 B 的锁删掉
func (l *DistributedLock) Unlock(ctx context.Context) error {
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	_, err := l.client.Eval(ctx, script, []string{l.key}, l.value).Result()
	return err
}

// ============================================================================
// 转账锁：按发送方维度
// ============================================================================

// 转账锁的过期时间要覆盖链上确认等待，比普通业务锁长
const transferLockTTL = 180 * time.Second

// Manager 转账锁管理器，注入到转账协调器，便于测试时替换
type Manager struct {
	client *redis.Client
}

func NewManager(client *redis.Client) *Manager {
	return &Manager{client: client}
}

// Acquire 获取发送方维度的转账锁，返回释放函数
//
// 按发送方加锁而不是全局加锁：不同用户的转账可以并发，
// 同一发送方的转账串行 —— 这正是余额检查需要的隔离粒度。
// value 使用 requestID，便于追踪是哪个请求持有锁。
func (m *Manager) Acquire(ctx context.Context, senderID, requestID string) (func(), error) {
	key := fmt.Sprintf("transfer:lock:sender:%s", senderID)
	l := NewDistributedLock(m.client, key, requestID, transferLockTTL)

	if err := l.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, err
	}

	release := func() {
		// 释放动作不依赖调用方上下文是否已取消
		_ = l.Unlock(context.Background())
	}
	return release, nil
}
