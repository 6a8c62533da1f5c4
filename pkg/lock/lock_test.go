package lock_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vijaythecoder/fintool-sub003/pkg/lock"
)

func newRedisLocker(t *testing.T) *lock.RedisLocker {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return lock.NewRedisLocker(client, lock.DefaultRedisOptions())
}

func lockers(t *testing.T) map[string]lock.Locker {
	return map[string]lock.Locker{
		"local": lock.NewLocalLocker(),
		"redis": newRedisLocker(t),
	}
}

func TestLocker_SameKeyIsSerialized(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			var inside, maxInside int32
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := l.WithLock(context.Background(), "batch-1", func(ctx context.Context) error {
						n := atomic.AddInt32(&inside, 1)
						for {
							m := atomic.LoadInt32(&maxInside)
							if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
								break
							}
						}
						time.Sleep(5 * time.Millisecond)
						atomic.AddInt32(&inside, -1)
						return nil
					})
					assert.NoError(t, err)
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), maxInside)
		})
	}
}

func TestLocker_DifferentKeysRunInParallel(t *testing.T) {
	l := lock.NewLocalLocker()
	started := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = l.WithLock(context.Background(), "a", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	done := make(chan error, 1)
	go func() {
		done <- l.WithLock(context.Background(), "b", func(ctx context.Context) error { return nil })
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("lock on a different key was blocked")
	}
	close(release)
}

func TestLocker_ReturnsFunctionError(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			boom := assert.AnError
			err := l.WithLock(context.Background(), "k", func(ctx context.Context) error { return boom })
			assert.ErrorIs(t, err, boom)

			// The key is free again afterwards.
			err = l.WithLock(context.Background(), "k", func(ctx context.Context) error { return nil })
			assert.NoError(t, err)
		})
	}
}

func TestLocalLocker_ContextCancelledWhileWaiting(t *testing.T) {
	l := lock.NewLocalLocker()
	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = l.WithLock(context.Background(), "k", func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	called := false
	err := l.WithLock(ctx, "k", func(ctx context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, lock.ErrNotAcquired)
	assert.False(t, called)
}

func TestLocalLocker_ReleasesOnPanic(t *testing.T) {
	l := lock.NewLocalLocker()
	assert.Panics(t, func() {
		_ = l.WithLock(context.Background(), "k", func(ctx context.Context) error {
			panic("boom")
		})
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, l.WithLock(ctx, "k", func(ctx context.Context) error { return nil }))
}
