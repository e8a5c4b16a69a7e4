// Package app assembles the outbox worker from configuration: clients, handler
// registry, poller, runners and the tick orchestrator.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/angelmondragon/backoffice-core/api/controllers"
	"github.com/angelmondragon/backoffice-core/api/routes"
	internaloutbox "github.com/angelmondragon/backoffice-core/internal/outbox"
	"github.com/angelmondragon/backoffice-core/internal/outbox/handlers"
	"github.com/angelmondragon/backoffice-core/internal/scheduler"
	"github.com/angelmondragon/backoffice-core/internal/scheduler/runners"
	"github.com/angelmondragon/backoffice-core/pkg/config"
	"github.com/angelmondragon/backoffice-core/pkg/db"
	"github.com/angelmondragon/backoffice-core/pkg/instance"
	"github.com/angelmondragon/backoffice-core/pkg/lock"
	"github.com/angelmondragon/backoffice-core/pkg/logger"
	"github.com/angelmondragon/backoffice-core/pkg/metrics"
	"github.com/angelmondragon/backoffice-core/pkg/nats"
	"github.com/angelmondragon/backoffice-core/pkg/outbox"
	"github.com/angelmondragon/backoffice-core/pkg/outbox/idempotency"
	"github.com/angelmondragon/backoffice-core/pkg/pubsub"
	"github.com/angelmondragon/backoffice-core/pkg/redis"
)

const (
	pubsubConsumer = "relay.pubsub"
	natsConsumer   = "relay.nats"
)

// Components are the connected clients the worker runs on. Only DB is required.
type Components struct {
	DB     *db.Client
	Redis  *redis.Client
	PubSub *pubsub.Client
	NATS   *nats.Client
}

// Connect dials the database and every optional backend that is configured. On
// failure the clients opened so far are closed.
func Connect(ctx context.Context, cfg *config.Config, logg *logger.Logger) (Components, error) {
	var c Components
	var err error

	c.DB, err = db.New(ctx, cfg.DB, logg)
	if err != nil {
		return c, fmt.Errorf("database: %w", err)
	}
	if cfg.Redis.Enabled() {
		if c.Redis, err = redis.New(ctx, cfg.Redis, logg); err != nil {
			return c, multierr.Append(fmt.Errorf("redis: %w", err), c.Close())
		}
	}
	if cfg.PubSub.RelayTopic != "" {
		if c.PubSub, err = pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg); err != nil {
			return c, multierr.Append(fmt.Errorf("pubsub: %w", err), c.Close())
		}
	}
	if cfg.NATS.URL != "" {
		if c.NATS, err = nats.NewClient(ctx, cfg.NATS, logg); err != nil {
			return c, multierr.Append(fmt.Errorf("nats: %w", err), c.Close())
		}
	}
	return c, nil
}

// Close shuts every opened client down, NATS first so in-flight publishes drain.
func (c Components) Close() error {
	var err error
	if c.NATS != nil {
		err = multierr.Append(err, c.NATS.Close())
	}
	if c.PubSub != nil {
		err = multierr.Append(err, c.PubSub.Close())
	}
	if c.Redis != nil {
		err = multierr.Append(err, c.Redis.Close())
	}
	if c.DB != nil {
		err = multierr.Append(err, c.DB.Close())
	}
	return err
}

// Dependencies lists the readiness checks for every connected client.
func (c Components) Dependencies() map[string]controllers.Pinger {
	deps := map[string]controllers.Pinger{}
	if c.DB != nil {
		deps["database"] = c.DB.Ping
	}
	if c.Redis != nil {
		deps["redis"] = c.Redis.Ping
	}
	if c.PubSub != nil {
		deps["pubsub"] = c.PubSub.Ping
	}
	if c.NATS != nil {
		deps["nats"] = c.NATS.Ping
	}
	return deps
}

type Params struct {
	Config     *config.Config
	Logger     *logger.Logger
	Components Components
	Registerer prometheus.Registerer
	Clock      clockwork.Clock
	// WorkerID defaults to instance.GetID().
	WorkerID string
	// Handlers are registered next to the configured broker relays.
	Handlers []internaloutbox.Handler
}

// App is a fully wired worker.
type App struct {
	cfg          *config.Config
	logg         *logger.Logger
	components   Components
	Outbox       *outbox.Repository
	Handlers     *internaloutbox.Registry
	Poller       *internaloutbox.Poller
	Orchestrator *scheduler.Orchestrator
	WorkerID     string
}

func New(params Params) (*App, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Components.DB == nil {
		return nil, errors.New("database client is required")
	}
	cfg := params.Config
	logg := params.Logger
	clock := params.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	workerID := params.WorkerID
	if workerID == "" {
		workerID = instance.GetID()
	}

	registry, err := buildHandlers(cfg, params.Components, params.Handlers)
	if err != nil {
		return nil, err
	}

	repo := outbox.NewRepository(params.Components.DB.DB(), clock)
	poller, err := internaloutbox.NewPoller(internaloutbox.PollerParams{
		Store:    repo,
		Registry: registry,
		Logger:   logg,
		Metrics:  metrics.NewOutboxMetrics(params.Registerer),
		Clock:    clock,
		WorkerID: workerID,
		Options:  internaloutbox.OptionsFromConfig(cfg.Outbox),
	})
	if err != nil {
		return nil, fmt.Errorf("outbox poller: %w", err)
	}
	retention, err := runners.NewOutboxRetention(runners.OutboxRetentionParams{
		Logger:     logg,
		Repository: repo,
		Clock:      clock,
		Retention:  cfg.Outbox.RetentionDays,
		ChunkSize:  cfg.Outbox.RetentionChunkSize,
	})
	if err != nil {
		return nil, fmt.Errorf("outbox retention: %w", err)
	}
	runnerRegistry, err := scheduler.NewRegistry(poller, retention)
	if err != nil {
		return nil, err
	}

	var lockStore redis.LockStore
	if params.Components.Redis != nil {
		lockStore = params.Components.Redis
	}
	locker, err := lock.New(cfg.Scheduler, params.Components.DB, lockStore, logg)
	if err != nil {
		return nil, fmt.Errorf("scheduler lock: %w", err)
	}

	orch, err := scheduler.NewOrchestrator(scheduler.OrchestratorParams{
		Logger:         logg,
		Registry:       runnerRegistry,
		Locker:         locker,
		Metrics:        metrics.NewRunnerMetrics(params.Registerer),
		Clock:          clock,
		LockName:       cfg.Scheduler.LockName,
		EnabledRunners: cfg.Scheduler.Runners(),
		Budgets: scheduler.Budgets{
			OverallMax:        cfg.Scheduler.OverallBudget,
			PerRunnerMax:      cfg.Scheduler.PerRunnerBudget,
			PerRunnerMaxItems: cfg.Scheduler.PerRunnerMaxItems,
		},
		ShardIndex: cfg.Scheduler.ShardIndex,
		ShardCount: cfg.Scheduler.ShardCount,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	return &App{
		cfg:          cfg,
		logg:         logg,
		components:   params.Components,
		Outbox:       repo,
		Handlers:     registry,
		Poller:       poller,
		Orchestrator: orch,
		WorkerID:     workerID,
	}, nil
}

// HTTPHandler serves health, metrics and the internal trigger endpoints.
func (a *App) HTTPHandler(gatherer prometheus.Gatherer) http.Handler {
	return routes.NewRouter(routes.RouterParams{
		Config:       a.cfg,
		Logger:       a.logg,
		Gatherer:     gatherer,
		Dependencies: a.components.Dependencies(),
		Outbox:       a.Outbox,
		Orchestrator: a.Orchestrator,
	})
}

// buildHandlers registers the broker relays for their configured event types.
// With Redis available each relay is wrapped so an event is published at most once
// per idempotency TTL even when its lease is reclaimed.
func buildHandlers(cfg *config.Config, c Components, extra []internaloutbox.Handler) (*internaloutbox.Registry, error) {
	registry, err := internaloutbox.NewRegistry(extra...)
	if err != nil {
		return nil, err
	}

	var guard *idempotency.Manager
	if c.Redis != nil {
		if guard, err = idempotency.NewManager(c.Redis, cfg.Eventing.IdempotencyTTL); err != nil {
			return nil, err
		}
	}
	register := func(consumer string, relays []internaloutbox.Handler) error {
		for _, h := range relays {
			if guard != nil {
				h = internaloutbox.Once(consumer, guard, h)
			}
			if err := registry.Register(h); err != nil {
				return err
			}
		}
		return nil
	}

	if len(cfg.PubSub.RelayEventTypes) > 0 {
		if c.PubSub == nil {
			return nil, errors.New("pubsub relay event types configured without a relay topic")
		}
		relays, err := handlers.NewPubSubRelays(handlers.NewGCPPublisher(c.PubSub.RelayPublisher()), cfg.PubSub.RelayEventTypes)
		if err != nil {
			return nil, err
		}
		if err := register(pubsubConsumer, relays); err != nil {
			return nil, err
		}
	}
	if len(cfg.NATS.RelayEventTypes) > 0 {
		if c.NATS == nil {
			return nil, errors.New("nats relay event types configured without a nats url")
		}
		relays, err := handlers.NewNATSRelays(c.NATS.JetStream(), cfg.NATS.SubjectPrefix, cfg.NATS.StreamName, cfg.NATS.RelayEventTypes)
		if err != nil {
			return nil, err
		}
		if err := register(natsConsumer, relays); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
