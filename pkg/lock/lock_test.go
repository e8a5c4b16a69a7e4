package lock

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/backoffice-core/pkg/config"
	"github.com/angelmondragon/backoffice-core/pkg/db"
)

func TestKeyIsStableSignedPrefixOfSHA256(t *testing.T) {
	name := "backoffice:scheduler:tick"
	sum := sha256.Sum256([]byte(name))
	want := int64(binary.BigEndian.Uint64(sum[:8]))

	assert.Equal(t, want, Key(name))
	assert.Equal(t, Key(name), Key(name))
	assert.NotEqual(t, Key(name), Key("backoffice:scheduler:other"))
}

// assertMutualExclusion races two callers for the same lock name. The winner's
// callback blocks until the loser has returned, so the outcome is deterministic.
func assertMutualExclusion(t *testing.T, locker Locker) {
	t.Helper()
	ctx := context.Background()
	release := make(chan struct{})
	entered := make(chan struct{})
	var calls int32

	fn := func(context.Context) (any, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(entered)
		}
		<-release
		return "done", nil
	}

	type outcome struct {
		res Result
		err error
	}
	results := make(chan outcome, 2)
	run := func(runID string) {
		res, err := locker.WithAdvisoryXactLock(ctx, "tick", runID, fn)
		results <- outcome{res, err}
	}

	go run("run-a")
	<-entered
	go run("run-b")

	loser := <-results
	require.NoError(t, loser.err)
	assert.False(t, loser.res.Acquired)
	assert.Nil(t, loser.res.Value)

	close(release)
	winner := <-results
	require.NoError(t, winner.err)
	assert.True(t, winner.res.Acquired)
	assert.Equal(t, "done", winner.res.Value)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestMemoryLockerMutualExclusion(t *testing.T) {
	assertMutualExclusion(t, NewMemoryLocker())
}

func TestMemoryLockerReleasesOnErrorAndPanic(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()
	boom := errors.New("boom")

	res, err := locker.WithAdvisoryXactLock(ctx, "tick", "run-1", func(context.Context) (any, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.True(t, res.Acquired)
	_, held := locker.Holder("tick")
	assert.False(t, held)

	assert.Panics(t, func() {
		_, _ = locker.WithAdvisoryXactLock(ctx, "tick", "run-2", func(context.Context) (any, error) {
			panic("runner exploded")
		})
	})
	_, held = locker.Holder("tick")
	assert.False(t, held)

	res, err = locker.WithAdvisoryXactLock(ctx, "tick", "run-3", func(context.Context) (any, error) {
		holder, _ := locker.Holder("tick")
		return holder, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "run-3", res.Value)
}

func TestLockNameRequired(t *testing.T) {
	noop := func(context.Context) (any, error) { return nil, nil }
	_, err := NewMemoryLocker().WithAdvisoryXactLock(context.Background(), "", "run", noop)
	assert.ErrorIs(t, err, ErrLockNameRequired)
	_, err = NewPostgresLocker(nil).WithAdvisoryXactLock(context.Background(), "", "run", noop)
	assert.ErrorIs(t, err, ErrLockNameRequired)
}

type fakeLockStore struct {
	mu     sync.Mutex
	data   map[string]string
	ttls   map[string]time.Duration
	setErr error
}

func newFakeLockStore() *fakeLockStore {
	return &fakeLockStore{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeLockStore) SetNX(_ context.Context, key string, value any, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return false, f.setErr
	}
	if _, ok := f.data[key]; ok {
		return false, nil
	}
	f.data[key] = fmt.Sprint(value)
	f.ttls[key] = ttl
	return true, nil
}

func (f *fakeLockStore) CompareAndDelete(_ context.Context, key, value string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data[key] != value {
		return false, nil
	}
	delete(f.data, key)
	return true, nil
}

func (f *fakeLockStore) LockKey(name string) string { return "bo:lock:" + name }

func (f *fakeLockStore) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.data)
}

func TestRedisLockerMutualExclusion(t *testing.T) {
	store := newFakeLockStore()
	locker, err := NewRedisLocker(store, time.Minute, nil)
	require.NoError(t, err)
	assertMutualExclusion(t, locker)
	assert.Zero(t, store.size(), "lock key must be released")
}

func TestRedisLockerOwnerTokenAndErrors(t *testing.T) {
	store := newFakeLockStore()
	locker, err := NewRedisLocker(store, 0, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = locker.WithAdvisoryXactLock(ctx, "tick", "run-7", func(context.Context) (any, error) {
		store.mu.Lock()
		defer store.mu.Unlock()
		assert.Contains(t, store.data["bo:lock:tick"], "run-7:")
		assert.Equal(t, defaultRedisLockTTL, store.ttls["bo:lock:tick"])
		return nil, nil
	})
	require.NoError(t, err)

	store.setErr = errors.New("connection refused")
	called := false
	res, err := locker.WithAdvisoryXactLock(ctx, "tick", "run-8", func(context.Context) (any, error) {
		called = true
		return nil, nil
	})
	assert.Error(t, err)
	assert.False(t, res.Acquired)
	assert.False(t, called)

	_, err = NewRedisLocker(nil, time.Minute, nil)
	assert.Error(t, err)
}

func newSQLiteRunner(t *testing.T) *db.Client {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file::memory:"), db.GormConfig())
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, conn.Exec("CREATE TABLE ledger (id INTEGER PRIMARY KEY, note TEXT)").Error)
	return db.Wrap(conn)
}

func TestPostgresLockerRunsInsideTransaction(t *testing.T) {
	runner := newSQLiteRunner(t)
	locker := NewPostgresLocker(runner)
	var gotKey int64
	locker.tryLock = func(tx *gorm.DB, key int64) (bool, error) {
		gotKey = key
		return true, tx.Exec("INSERT INTO ledger (note) VALUES ('locked')").Error
	}
	ctx := context.Background()

	res, err := locker.WithAdvisoryXactLock(ctx, "tick", "run-1", func(context.Context) (any, error) {
		return 3, nil
	})
	require.NoError(t, err)
	assert.True(t, res.Acquired)
	assert.Equal(t, 3, res.Value)
	assert.Equal(t, Key("tick"), gotKey)

	boom := errors.New("runner failed")
	res, err = locker.WithAdvisoryXactLock(ctx, "tick", "run-2", func(context.Context) (any, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.True(t, res.Acquired)

	var count int64
	require.NoError(t, runner.DB().Raw("SELECT COUNT(*) FROM ledger").Scan(&count).Error)
	assert.Equal(t, int64(1), count, "failed callback rolls back the lock transaction")
}

func TestPostgresLockerNotAcquiredAndStoreError(t *testing.T) {
	locker := NewPostgresLocker(newSQLiteRunner(t))
	ctx := context.Background()
	called := false
	fn := func(context.Context) (any, error) {
		called = true
		return nil, nil
	}

	locker.tryLock = func(*gorm.DB, int64) (bool, error) { return false, nil }
	res, err := locker.WithAdvisoryXactLock(ctx, "tick", "run-1", fn)
	require.NoError(t, err)
	assert.False(t, res.Acquired)
	assert.False(t, called)

	locker.tryLock = func(*gorm.DB, int64) (bool, error) { return false, errors.New("conn reset") }
	res, err = locker.WithAdvisoryXactLock(ctx, "tick", "run-2", fn)
	assert.Error(t, err)
	assert.False(t, res.Acquired)
	assert.False(t, called)
}

func TestNewSelectsBackend(t *testing.T) {
	runner := newSQLiteRunner(t)

	l, err := New(config.SchedulerConfig{LockBackend: "postgres"}, runner, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &PostgresLocker{}, l)

	l, err = New(config.SchedulerConfig{LockBackend: "memory"}, nil, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryLocker{}, l)

	l, err = New(config.SchedulerConfig{LockBackend: "redis"}, nil, newFakeLockStore(), nil)
	require.NoError(t, err)
	assert.IsType(t, &RedisLocker{}, l)

	_, err = New(config.SchedulerConfig{LockBackend: "redis"}, runner, nil, nil)
	assert.Error(t, err)
	_, err = New(config.SchedulerConfig{LockBackend: "etcd"}, runner, nil, nil)
	assert.Error(t, err)
}
