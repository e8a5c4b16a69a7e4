package lock

import (
	"context"
	"sync"
)

// MemoryLocker serialises lock names within a single process.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]string
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]string)}
}

func (l *MemoryLocker) WithAdvisoryXactLock(ctx context.Context, lockName, runID string, fn Func) (Result, error) {
	if lockName == "" {
		return Result{}, ErrLockNameRequired
	}

	l.mu.Lock()
	if _, busy := l.held[lockName]; busy {
		l.mu.Unlock()
		return Result{}, nil
	}
	l.held[lockName] = runID
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.held, lockName)
		l.mu.Unlock()
	}()

	value, err := fn(ctx)
	return Result{Acquired: true, Value: value}, err
}

// Holder returns the run id currently holding lockName, if any.
func (l *MemoryLocker) Holder(lockName string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	runID, ok := l.held[lockName]
	return runID, ok
}
