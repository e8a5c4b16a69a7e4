// Package lock provides non-blocking, named mutual exclusion across worker replicas.
package lock

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
)

var ErrLockNameRequired = errors.New("lock name is required")

// Result reports whether the lock was acquired and, if so, what the guarded
// callback returned.
type Result struct {
	Acquired bool
	Value    any
}

// Func is the critical section guarded by a lock.
type Func func(ctx context.Context) (any, error)

// Locker runs fn only if lockName can be acquired right now. A contender that loses
// gets Result{Acquired: false} immediately and fn never runs. The lock is always
// released when fn returns or panics.
type Locker interface {
	WithAdvisoryXactLock(ctx context.Context, lockName, runID string, fn Func) (Result, error)
}

// Key folds lockName into the signed 64-bit advisory lock domain using the first
// 8 bytes of its SHA-256 digest.
func Key(lockName string) int64 {
	sum := sha256.Sum256([]byte(lockName))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}
