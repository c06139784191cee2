package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker 提供互斥锁：调度器用它对系列扩展工作做原子认领，
// 编辑操作用它独占单个系列（或删除整组时独占整个 group）
type Locker interface {
	// Acquire 尝试获取锁，成功时返回释放函数；已被占用时 ok 为 false
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// Redis 用 SET NX 实现跨进程的锁，TTL 保证持有者崩溃后锁不会永久丢失
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (l *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	redisKey := fmt.Sprintf("lock_%s", key)

	acquired, err := l.client.SetNX(ctx, redisKey, 1, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !acquired {
		return nil, false, nil
	}

	release := func() {
		// 释放时用独立的 context，避免调用方的 context 已经取消导致锁泄漏到 TTL
		_ = l.client.Del(context.Background(), redisKey).Err()
	}

	return release, true, nil
}

// Local 是进程内实现，供 cmd/seed 和测试使用
type Local struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocal() *Local {
	return &Local{held: make(map[string]bool)}
}

func (l *Local) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true

	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}

	return release, true, nil
}
