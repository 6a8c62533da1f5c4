package lock

import (
	"context"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "reconflow:lock:"

// RedisOptions tunes the RedLock mutex used per key.
type RedisOptions struct {
	// Expiry bounds how long a crashed holder can block the key.
	Expiry     time.Duration
	Tries      int
	RetryDelay time.Duration
}

func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		Expiry:     30 * time.Second,
		Tries:      64,
		RetryDelay: 50 * time.Millisecond,
	}
}

// RedisLocker is a Locker shared by every process using the same Redis.
type RedisLocker struct {
	rs   *redsync.Redsync
	opts RedisOptions
}

func NewRedisLocker(client redis.UniversalClient, opts RedisOptions) *RedisLocker {
	return &RedisLocker{
		rs:   redsync.New(goredis.NewPool(client)),
		opts: opts,
	}
}

func (l *RedisLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) (err error) {
	mutex := l.rs.NewMutex(
		keyPrefix+key,
		redsync.WithExpiry(l.opts.Expiry),
		redsync.WithTries(l.opts.Tries),
		redsync.WithRetryDelay(l.opts.RetryDelay),
	)
	if lockErr := mutex.LockContext(ctx); lockErr != nil {
		return errors.Wrapf(ErrNotAcquired, "%s: %v", key, lockErr)
	}
	defer func() {
		// The caller's context may already be done; release regardless.
		ok, unlockErr := mutex.UnlockContext(context.Background())
		if err == nil && unlockErr != nil {
			err = errors.Wrapf(unlockErr, "release lock %s", key)
		} else if err == nil && !ok {
			err = errors.Errorf("release lock %s: lock expired before release", key)
		}
	}()

	return fn(ctx)
}
