package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"resume-ranker/internal/logger"
	"resume-ranker/internal/storage"
)

// KeyedMutex 进程内按键加锁，空闲的键会被回收
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex 创建进程内键锁
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// Lock 实现 Locker
func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			k.release(key, l)
		})
	}, nil
}

func (k *KeyedMutex) release(key string, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// size 当前持有或等待中的键数量
func (k *KeyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// DistributedLock 基于令牌的分布式锁，storage.Redis 实现了该接口
type DistributedLock interface {
	// AcquireLock 获取锁，锁已被占用时返回空令牌
	AcquireLock(ctx context.Context, lockKey string, expiration time.Duration) (string, error)
	// ReleaseLock 仅当令牌匹配时释放
	ReleaseLock(ctx context.Context, lockKey string, lockValue string) (bool, error)
	// RenewLock 仅当令牌匹配时续期
	RenewLock(ctx context.Context, lockKey string, lockValue string, expiration time.Duration) (bool, error)
}

// RedisLocker 多实例部署时使用的分布式简历锁
// 持有期间每隔 ttl/3 续期一次，入库耗时超过 ttl 时锁也不会提前过期
type RedisLocker struct {
	client        DistributedLock
	ttl           time.Duration
	retryInterval time.Duration
	renewInterval time.Duration
}

const (
	defaultLockTTL     = 2 * time.Minute
	defaultLockRetry   = 100 * time.Millisecond
	lockReleaseTimeout = 5 * time.Second
)

// NewRedisLocker 创建分布式锁，ttl 是持有者异常退出后锁自动失效的时间
func NewRedisLocker(client DistributedLock, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	renew := ttl / 3
	if renew <= 0 {
		renew = ttl
	}
	return &RedisLocker{client: client, ttl: ttl, retryInterval: defaultLockRetry, renewInterval: renew}
}

// Lock 实现 Locker，锁被占用时按固定间隔重试直到 ctx 结束
func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := storage.ResumeLockKey(key)
	for {
		token, err := r.client.AcquireLock(ctx, lockKey, r.ttl)
		if err != nil {
			return nil, fmt.Errorf("获取简历锁 %s 失败: %w", key, err)
		}
		if token != "" {
			stopRenew := make(chan struct{})
			renewDone := make(chan struct{})
			go r.keepAlive(lockKey, token, stopRenew, renewDone)

			var once sync.Once
			return func() {
				once.Do(func() {
					close(stopRenew)
					<-renewDone
					releaseCtx, cancel := context.WithTimeout(context.Background(), lockReleaseTimeout)
					defer cancel()
					released, err := r.client.ReleaseLock(releaseCtx, lockKey, token)
					if err != nil || !released {
						logger.Warn().Err(err).Str("lock_key", lockKey).Bool("released", released).
							Msg("释放简历锁失败，等待其自然过期")
					}
				})
			}, nil
		}

		timer := time.NewTimer(r.retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// keepAlive 定期续期直到 stop 关闭，续期失败说明锁已丢失，不再重试
func (r *RedisLocker) keepAlive(lockKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.renewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), lockReleaseTimeout)
			renewed, err := r.client.RenewLock(ctx, lockKey, token, r.ttl)
			cancel()
			if err != nil {
				logger.Warn().Err(err).Str("lock_key", lockKey).Msg("续期简历锁失败，稍后重试")
				continue
			}
			if !renewed {
				logger.Error().Str("lock_key", lockKey).Msg("简历锁已被释放或过期，停止续期")
				return
			}
		}
	}
}
