package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()
	var active, maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := km.Lock(context.Background(), "R1")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive)
	assert.Zero(t, km.size(), "空闲的键应被回收")
}

func TestKeyedMutex_DifferentKeysIndependent(t *testing.T) {
	km := NewKeyedMutex()
	unlock1, err := km.Lock(context.Background(), "R1")
	require.NoError(t, err)
	defer unlock1()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlock2, err := km.Lock(ctx, "R2")
	require.NoError(t, err)
	unlock2()
}

func TestKeyedMutex_ContextCancel(t *testing.T) {
	km := NewKeyedMutex()
	unlock, err := km.Lock(context.Background(), "R1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = km.Lock(ctx, "R1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // 重复调用无副作用
	assert.Zero(t, km.size())
}

type fakeDistributedLock struct {
	mu       sync.Mutex
	holders  map[string]string
	seq      int
	released []string
	renewals map[string]int
	failWith error
	lose     bool // 为 true 时续期返回锁已丢失
}

func newFakeDistributedLock() *fakeDistributedLock {
	return &fakeDistributedLock{holders: make(map[string]string), renewals: make(map[string]int)}
}

func (f *fakeDistributedLock) AcquireLock(ctx context.Context, key string, _ time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return "", f.failWith
	}
	if _, held := f.holders[key]; held {
		return "", nil
	}
	f.seq++
	token := "tok-" + string(rune('a'+f.seq))
	f.holders[key] = token
	return token, nil
}

func (f *fakeDistributedLock) ReleaseLock(ctx context.Context, key, token string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holders[key] != token {
		return false, nil
	}
	delete(f.holders, key)
	f.released = append(f.released, key)
	return true, nil
}

func (f *fakeDistributedLock) RenewLock(ctx context.Context, key, token string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lose || f.holders[key] != token {
		return false, nil
	}
	f.renewals[key]++
	return true, nil
}

func (f *fakeDistributedLock) renewCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.renewals[key]
}

func TestRedisLocker_AcquireWaitRelease(t *testing.T) {
	fake := newFakeDistributedLock()
	locker := NewRedisLocker(fake, time.Minute)
	locker.retryInterval = 5 * time.Millisecond

	unlock, err := locker.Lock(context.Background(), "R1")
	require.NoError(t, err)
	assert.Contains(t, fake.holders, "app:resume:lock:R1")

	acquired := make(chan struct{})
	go func() {
		u, err := locker.Lock(context.Background(), "R1")
		if err == nil {
			close(acquired)
			u()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("锁被占用时不应获取成功")
	case <-time.After(30 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("释放后应能获取锁")
	}
}

func TestRedisLocker_ContextAndErrors(t *testing.T) {
	fake := newFakeDistributedLock()
	locker := NewRedisLocker(fake, 0)
	assert.Equal(t, defaultLockTTL, locker.ttl)
	locker.retryInterval = 5 * time.Millisecond

	unlock, err := locker.Lock(context.Background(), "R1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "R1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	fake.failWith = errors.New("redis down")
	_, err = locker.Lock(context.Background(), "R2")
	assert.Error(t, err)
}

func TestRedisLocker_RenewsWhileHeld(t *testing.T) {
	fake := newFakeDistributedLock()
	locker := NewRedisLocker(fake, 90*time.Millisecond)
	assert.Equal(t, 30*time.Millisecond, locker.renewInterval)
	locker.renewInterval = 5 * time.Millisecond

	unlock, err := locker.Lock(context.Background(), "R1")
	require.NoError(t, err)

	key := "app:resume:lock:R1"
	assert.Eventually(t, func() bool { return fake.renewCount(key) >= 3 }, time.Second, 5*time.Millisecond,
		"持有期间应持续续期")

	unlock()
	after := fake.renewCount(key)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, fake.renewCount(key), "释放后不再续期")
	assert.NotContains(t, fake.holders, key)
}

func TestRedisLocker_StopsRenewingWhenLockLost(t *testing.T) {
	fake := newFakeDistributedLock()
	fake.lose = true
	locker := NewRedisLocker(fake, time.Minute)
	locker.renewInterval = 5 * time.Millisecond

	unlock, err := locker.Lock(context.Background(), "R1")
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, fake.renewCount("app:resume:lock:R1"))

	// keepAlive 已退出，释放不能阻塞
	done := make(chan struct{})
	go func() {
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("锁丢失后释放不应阻塞")
	}
}
