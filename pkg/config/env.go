package config

// EnvPrefix is handed to envconfig; every field carries its full name explicitly.
const EnvPrefix = "BACKOFFICE"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	DBDriverPostgres = "postgres"
	DBDriverSQLite   = "sqlite"
)

const (
	LockBackendPostgres = "postgres"
	LockBackendRedis    = "redis"
	LockBackendMemory   = "memory"
)

const (
	EnvAppEnv         = "BACKOFFICE_APP_ENV"
	EnvPort           = "BACKOFFICE_APP_PORT"
	EnvDBDSN          = "BACKOFFICE_DB_DSN"
	EnvDBDriver       = "BACKOFFICE_DB_DRIVER"
	EnvDBHost         = "BACKOFFICE_DB_HOST"
	EnvDBUser         = "BACKOFFICE_DB_USER"
	EnvDBName         = "BACKOFFICE_DB_NAME"
	EnvRedisURL       = "BACKOFFICE_REDIS_URL"
	EnvOutboxBatch    = "BACKOFFICE_OUTBOX_BATCH_SIZE"
	EnvOutboxLease    = "BACKOFFICE_OUTBOX_LEASE"
	EnvTickRunners    = "BACKOFFICE_TICK_RUNNERS"
	EnvTickOverallMax = "BACKOFFICE_TICK_OVERALL_MAX"
	EnvShardIndex     = "BACKOFFICE_SHARD_INDEX"
	EnvShardCount     = "BACKOFFICE_SHARD_COUNT"
	EnvLockBackend    = "BACKOFFICE_SCHEDULER_LOCK_BACKEND"
	EnvInternalSecret = "BACKOFFICE_INTERNAL_SECRET"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
