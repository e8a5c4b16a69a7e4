package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/backoffice-core/pkg/logger"
	"github.com/angelmondragon/backoffice-core/pkg/redis"
)

const defaultRedisLockTTL = 10 * time.Minute

// RedisLocker implements Locker using SETNX with an owner token and TTL. The TTL
// must exceed the longest critical section; release only deletes the key while it
// still holds our token.
type RedisLocker struct {
	store redis.LockStore
	ttl   time.Duration
	logg  *logger.Logger
}

func NewRedisLocker(store redis.LockStore, ttl time.Duration, logg *logger.Logger) (*RedisLocker, error) {
	if store == nil {
		return nil, errors.New("redis client required for lock")
	}
	if ttl <= 0 {
		ttl = defaultRedisLockTTL
	}
	return &RedisLocker{store: store, ttl: ttl, logg: logg}, nil
}

func (l *RedisLocker) WithAdvisoryXactLock(ctx context.Context, lockName, runID string, fn Func) (Result, error) {
	if lockName == "" {
		return Result{}, ErrLockNameRequired
	}
	key := l.store.LockKey(lockName)
	owner := uuid.NewString()
	if runID != "" {
		owner = runID + ":" + owner
	}

	ok, err := l.store.SetNX(ctx, key, owner, l.ttl)
	if err != nil {
		return Result{}, fmt.Errorf("setnx: %w", err)
	}
	if !ok {
		return Result{}, nil
	}

	defer func() {
		// release with a fresh context so a cancelled tick still frees the key
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := l.store.CompareAndDelete(releaseCtx, key, owner); err != nil && l.logg != nil {
			l.logg.Error(l.logg.WithField(ctx, "lock", lockName), "failed to release redis lock", err)
		}
	}()

	value, err := fn(ctx)
	return Result{Acquired: true, Value: value}, err
}
