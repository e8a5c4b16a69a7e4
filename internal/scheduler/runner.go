package scheduler

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/angelmondragon/backoffice-core/pkg/logger"
)

// Runner is a named unit of periodic work executed by the orchestrator.
type Runner interface {
	Name() string
	Run(ctx context.Context, tick TickContext) (Report, error)
}

// Report summarises one runner execution.
type Report struct {
	Runner         string
	ProcessedCount int
	UpdatedCount   int
	SkippedCount   int
	ErrorCount     int
	Duration       time.Duration
}

// TickContext is created fresh for every tick and handed to each runner.
type TickContext struct {
	RunID             string
	StartedAt         time.Time
	PerRunnerMax      time.Duration
	PerRunnerMaxItems int
	OverallMax        time.Duration
	ShardIndex        int
	ShardCount        int
	Logger            *logger.Logger

	clock clockwork.Clock
}

// HasDeadline reports whether the tick carries an overall budget. A TickContext
// built without StartedAt has none, whatever OverallMax says.
func (t TickContext) HasDeadline() bool {
	return t.OverallMax > 0 && !t.StartedAt.IsZero()
}

// Deadline is the instant the overall tick budget runs out.
func (t TickContext) Deadline() time.Time {
	return t.StartedAt.Add(t.OverallMax)
}

// Remaining returns the overall budget left, never negative.
func (t TickContext) Remaining() time.Duration {
	now := time.Now()
	if t.clock != nil {
		now = t.clock.Now()
	}
	left := t.Deadline().Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// OwnsTenant reports whether tenantID falls into this tick's shard. Without sharding
// every tenant is owned.
func (t TickContext) OwnsTenant(tenantID uuid.UUID) bool {
	if t.ShardCount <= 1 {
		return true
	}
	h := fnv.New32a()
	_, _ = h.Write(tenantID[:])
	return int(h.Sum32()%uint32(t.ShardCount)) == t.ShardIndex
}

var ErrUnknownRunner = errors.New("unknown runner")

// Registry keeps runners by name in registration order.
type Registry struct {
	runners []Runner
	byName  map[string]Runner
}

// NewRegistry builds a registry preloaded with the provided runners.
func NewRegistry(runners ...Runner) (*Registry, error) {
	registry := &Registry{byName: make(map[string]Runner)}
	for _, runner := range runners {
		if err := registry.Register(runner); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// Register adds a runner; names must be unique and non-empty.
func (r *Registry) Register(runner Runner) error {
	if runner == nil {
		return nil
	}
	name := runner.Name()
	if name == "" {
		return errors.New("runner name is required")
	}
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("runner %q already registered", name)
	}
	r.byName[name] = runner
	r.runners = append(r.runners, runner)
	return nil
}

func (r *Registry) Get(name string) (Runner, bool) {
	runner, ok := r.byName[name]
	return runner, ok
}

// Names returns the registered runner names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.runners))
	for _, runner := range r.runners {
		names = append(names, runner.Name())
	}
	return names
}
