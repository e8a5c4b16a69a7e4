package lock

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/angelmondragon/backoffice-core/pkg/db"
)

type tryLockFunc func(tx *gorm.DB, key int64) (bool, error)

// PostgresLocker holds pg_try_advisory_xact_lock for the lifetime of a transaction;
// Postgres releases it on commit or rollback.
type PostgresLocker struct {
	db      db.TxRunner
	tryLock tryLockFunc
}

func NewPostgresLocker(runner db.TxRunner) *PostgresLocker {
	return &PostgresLocker{db: runner, tryLock: pgTryAdvisoryXactLock}
}

func pgTryAdvisoryXactLock(tx *gorm.DB, key int64) (bool, error) {
	var acquired bool
	if err := tx.Raw("SELECT pg_try_advisory_xact_lock(?)", key).Scan(&acquired).Error; err != nil {
		return false, err
	}
	return acquired, nil
}

func (l *PostgresLocker) WithAdvisoryXactLock(ctx context.Context, lockName, runID string, fn Func) (Result, error) {
	if lockName == "" {
		return Result{}, ErrLockNameRequired
	}
	key := Key(lockName)

	var (
		result  Result
		lockErr error
	)
	err := l.db.WithTx(ctx, func(tx *gorm.DB) error {
		acquired, err := l.tryLock(tx, key)
		if err != nil {
			lockErr = fmt.Errorf("try advisory lock %q: %w", lockName, err)
			return lockErr
		}
		if !acquired {
			return nil
		}
		result.Acquired = true
		value, err := fn(ctx)
		result.Value = value
		return err
	})
	if err != nil && lockErr != nil {
		return Result{}, lockErr
	}
	return result, err
}
