package lock

import (
	"fmt"
	"strings"

	"github.com/angelmondragon/backoffice-core/pkg/config"
	"github.com/angelmondragon/backoffice-core/pkg/db"
	"github.com/angelmondragon/backoffice-core/pkg/logger"
	"github.com/angelmondragon/backoffice-core/pkg/redis"
)

// New builds the Locker selected by cfg.LockBackend. rdb may be nil unless the
// redis backend is selected.
func New(cfg config.SchedulerConfig, runner db.TxRunner, rdb redis.LockStore, logg *logger.Logger) (Locker, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.LockBackend)) {
	case "", config.LockBackendPostgres:
		if runner == nil {
			return nil, fmt.Errorf("postgres lock backend requires a database")
		}
		return NewPostgresLocker(runner), nil
	case config.LockBackendRedis:
		if rdb == nil {
			return nil, fmt.Errorf("redis lock backend requires %s", config.EnvRedisURL)
		}
		return NewRedisLocker(rdb, cfg.LockTTL, logg)
	case config.LockBackendMemory:
		return NewMemoryLocker(), nil
	default:
		return nil, fmt.Errorf("unsupported lock backend %q", cfg.LockBackend)
	}
}
