package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App       AppConfig
	Service   ServiceConfig
	DB        DBConfig
	Redis     RedisConfig
	Outbox    OutboxConfig
	Scheduler SchedulerConfig
	Internal  InternalConfig
	Eventing  EventingConfig
	GCP       GCPConfig
	PubSub    PubSubConfig
	NATS      NATSConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Scheduler.validate(); err != nil {
		return nil, err
	}
	if cfg.DB.IsSQLite() && strings.EqualFold(strings.TrimSpace(cfg.Scheduler.LockBackend), LockBackendPostgres) {
		return nil, fmt.Errorf("%s=sqlite needs %s redis or memory", EnvDBDriver, EnvLockBackend)
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"BACKOFFICE_APP_ENV" required:"true"`
	Port         string `envconfig:"BACKOFFICE_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"BACKOFFICE_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"BACKOFFICE_LOG_WARN_STACK" default:"false"`
	LogFormat    string `envconfig:"BACKOFFICE_LOG_FORMAT" default:"json"`
	AutoMigrate  bool   `envconfig:"BACKOFFICE_AUTO_MIGRATE" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

type ServiceConfig struct {
	Kind string `envconfig:"BACKOFFICE_SERVICE_KIND" default:"worker"`
}

type DBConfig struct {
	DSN    string `envconfig:"BACKOFFICE_DB_DSN"`
	Driver string `envconfig:"BACKOFFICE_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"BACKOFFICE_DB_HOST"`
	LegacyPort     int    `envconfig:"BACKOFFICE_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"BACKOFFICE_DB_USER"`
	LegacyPassword string `envconfig:"BACKOFFICE_DB_PASSWORD"`
	LegacyName     string `envconfig:"BACKOFFICE_DB_NAME"`
	LegacySSLMode  string `envconfig:"BACKOFFICE_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"BACKOFFICE_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"BACKOFFICE_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"BACKOFFICE_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"BACKOFFICE_DB_CONN_MAX_IDLE_TIME" default:"10m"`
	// SlowQuery logs statements slower than this at warn; 0 disables query logging.
	SlowQuery time.Duration `envconfig:"BACKOFFICE_DB_SLOW_QUERY" default:"500ms"`
}

// IsSQLite reports whether the single-node sqlite driver is selected.
func (db DBConfig) IsSQLite() bool {
	return strings.EqualFold(strings.TrimSpace(db.Driver), DBDriverSQLite)
}

// RedisConfig is optional; an empty URL and address leaves Redis unwired.
type RedisConfig struct {
	URL          string        `envconfig:"BACKOFFICE_REDIS_URL"`
	Address      string        `envconfig:"BACKOFFICE_REDIS_ADDR"`
	Password     string        `envconfig:"BACKOFFICE_REDIS_PASSWORD"`
	DB           int           `envconfig:"BACKOFFICE_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"BACKOFFICE_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"BACKOFFICE_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"BACKOFFICE_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"BACKOFFICE_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"BACKOFFICE_REDIS_WRITE_TIMEOUT" default:"5s"`
}

func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.URL) != "" || strings.TrimSpace(r.Address) != ""
}

type OutboxConfig struct {
	BatchSize          int           `envconfig:"BACKOFFICE_OUTBOX_BATCH_SIZE" default:"50"`
	Concurrency        int           `envconfig:"BACKOFFICE_OUTBOX_CONCURRENCY" default:"5"`
	LeaseDuration      time.Duration `envconfig:"BACKOFFICE_OUTBOX_LEASE" default:"30s"`
	HeartbeatInterval  time.Duration `envconfig:"BACKOFFICE_OUTBOX_HEARTBEAT" default:"10s"`
	MaxAttempts        int           `envconfig:"BACKOFFICE_OUTBOX_MAX_ATTEMPTS" default:"10"`
	RetryBaseDelay     time.Duration `envconfig:"BACKOFFICE_OUTBOX_RETRY_BASE" default:"1s"`
	RetryMaxDelay      time.Duration `envconfig:"BACKOFFICE_OUTBOX_RETRY_MAX" default:"5m"`
	RetryJitter        time.Duration `envconfig:"BACKOFFICE_OUTBOX_RETRY_JITTER" default:"250ms"`
	HandlerTimeout     time.Duration `envconfig:"BACKOFFICE_OUTBOX_HANDLER_TIMEOUT" default:"15s"`
	RetentionDays      int           `envconfig:"BACKOFFICE_OUTBOX_RETENTION_DAYS" default:"30"`
	RetentionChunkSize int           `envconfig:"BACKOFFICE_OUTBOX_RETENTION_CHUNK" default:"500"`
}

type SchedulerConfig struct {
	Interval          time.Duration `envconfig:"BACKOFFICE_SCHEDULER_INTERVAL" default:"1m"`
	OverallBudget     time.Duration `envconfig:"BACKOFFICE_TICK_OVERALL_MAX" default:"8m"`
	PerRunnerBudget   time.Duration `envconfig:"BACKOFFICE_TICK_RUNNER_MAX" default:"60s"`
	PerRunnerMaxItems int           `envconfig:"BACKOFFICE_TICK_RUNNER_MAX_ITEMS" default:"200"`
	EnabledRunners    []string      `envconfig:"BACKOFFICE_TICK_RUNNERS" default:"outbox"`
	LockName          string        `envconfig:"BACKOFFICE_SCHEDULER_LOCK_NAME" default:"backoffice:scheduler:tick"`
	LockBackend       string        `envconfig:"BACKOFFICE_SCHEDULER_LOCK_BACKEND" default:"postgres"`
	LockTTL           time.Duration `envconfig:"BACKOFFICE_SCHEDULER_LOCK_TTL" default:"10m"`
	ShardIndex        int           `envconfig:"BACKOFFICE_SHARD_INDEX" default:"0"`
	ShardCount        int           `envconfig:"BACKOFFICE_SHARD_COUNT" default:"0"`
}

// Runners returns the enabled runner names, trimmed and without blanks.
func (s SchedulerConfig) Runners() []string {
	names := make([]string, 0, len(s.EnabledRunners))
	for _, name := range s.EnabledRunners {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			names = append(names, trimmed)
		}
	}
	return names
}

func (s SchedulerConfig) validate() error {
	if s.ShardCount < 0 {
		return fmt.Errorf("%s must be >= 0", EnvShardCount)
	}
	if s.ShardCount > 0 && (s.ShardIndex < 0 || s.ShardIndex >= s.ShardCount) {
		return fmt.Errorf("%s must be in [0,%d)", EnvShardIndex, s.ShardCount)
	}
	switch strings.ToLower(strings.TrimSpace(s.LockBackend)) {
	case LockBackendPostgres, LockBackendRedis, LockBackendMemory:
	default:
		return fmt.Errorf("unsupported %s %q", EnvLockBackend, s.LockBackend)
	}
	return nil
}

type InternalConfig struct {
	TriggerSecret string `envconfig:"BACKOFFICE_INTERNAL_SECRET"`
}

type EventingConfig struct {
	IdempotencyTTL time.Duration `envconfig:"BACKOFFICE_EVENTING_IDEMPOTENCY_TTL" default:"720h"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"BACKOFFICE_GCP_PROJECT_ID"`
}

// PubSubConfig is optional; RelayTopic empty disables the Pub/Sub relay.
type PubSubConfig struct {
	RelayTopic      string   `envconfig:"BACKOFFICE_PUBSUB_RELAY_TOPIC"`
	RelayEventTypes []string `envconfig:"BACKOFFICE_PUBSUB_RELAY_EVENT_TYPES"`
	// CreateTopic creates a missing relay topic at startup; meant for the emulator.
	CreateTopic bool `envconfig:"BACKOFFICE_PUBSUB_CREATE_TOPIC" default:"false"`
}

// NATSConfig is optional; URL empty disables the NATS relay.
type NATSConfig struct {
	URL             string        `envconfig:"BACKOFFICE_NATS_URL"`
	SubjectPrefix   string        `envconfig:"BACKOFFICE_NATS_SUBJECT_PREFIX" default:"backoffice.events"`
	StreamName      string        `envconfig:"BACKOFFICE_NATS_STREAM" default:"BACKOFFICE_EVENTS"`
	DuplicateWindow time.Duration `envconfig:"BACKOFFICE_NATS_DUPLICATE_WINDOW" default:"2h"`
	RelayEventTypes []string      `envconfig:"BACKOFFICE_NATS_RELAY_EVENT_TYPES"`
	ConnectTimeout  time.Duration `envconfig:"BACKOFFICE_NATS_CONNECT_TIMEOUT" default:"5s"`
}

func (db *DBConfig) ensureDSN() error {
	switch strings.ToLower(strings.TrimSpace(db.Driver)) {
	case DBDriverPostgres:
	case DBDriverSQLite:
		if db.DSN == "" {
			return fmt.Errorf("%s is required when %s=sqlite", EnvDBDSN, EnvDBDriver)
		}
		return nil
	default:
		return fmt.Errorf("unsupported %s %q", EnvDBDriver, db.Driver)
	}
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
