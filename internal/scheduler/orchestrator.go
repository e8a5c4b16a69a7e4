package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/angelmondragon/backoffice-core/pkg/lock"
	"github.com/angelmondragon/backoffice-core/pkg/logger"
	"github.com/angelmondragon/backoffice-core/pkg/metrics"
)

const (
	DefaultLockName          = "backoffice:scheduler:tick"
	defaultOverallMax        = 8 * time.Minute
	defaultPerRunnerMax      = 60 * time.Second
	defaultPerRunnerMaxItems = 200
)

// ErrLockHeld is returned by RunRunner when another replica owns the scheduler lock.
var ErrLockHeld = errors.New("scheduler lock held by another instance")

// Budgets bound the work done in a single tick.
type Budgets struct {
	OverallMax        time.Duration
	PerRunnerMax      time.Duration
	PerRunnerMaxItems int
}

// OrchestratorParams configure the orchestrator.
type OrchestratorParams struct {
	Logger         *logger.Logger
	Registry       *Registry
	Locker         lock.Locker
	Metrics        *metrics.RunnerMetrics
	Clock          clockwork.Clock
	LockName       string
	EnabledRunners []string
	Budgets        Budgets
	ShardIndex     int
	ShardCount     int
}

// TickResult describes what happened during one tick.
type TickResult struct {
	RunID    string
	Acquired bool
	Reports  []Report
	Skipped  []string
}

// Orchestrator runs the enabled runners once per tick under a singleton lock.
type Orchestrator struct {
	logg       *logger.Logger
	registry   *Registry
	locker     lock.Locker
	metrics    *metrics.RunnerMetrics
	clock      clockwork.Clock
	lockName   string
	enabled    []string
	budgets    Budgets
	shardIndex int
	shardCount int
}

// NewOrchestrator builds an orchestrator.
func NewOrchestrator(params OrchestratorParams) (*Orchestrator, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Locker == nil {
		return nil, fmt.Errorf("locker required")
	}
	if params.Registry == nil {
		return nil, fmt.Errorf("registry required")
	}
	if params.ShardCount < 0 || (params.ShardCount > 0 && (params.ShardIndex < 0 || params.ShardIndex >= params.ShardCount)) {
		return nil, fmt.Errorf("invalid shard %d/%d", params.ShardIndex, params.ShardCount)
	}
	clock := params.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	lockName := params.LockName
	if lockName == "" {
		lockName = DefaultLockName
	}
	budgets := params.Budgets
	if budgets.OverallMax <= 0 {
		budgets.OverallMax = defaultOverallMax
	}
	if budgets.PerRunnerMax <= 0 {
		budgets.PerRunnerMax = defaultPerRunnerMax
	}
	if budgets.PerRunnerMaxItems <= 0 {
		budgets.PerRunnerMaxItems = defaultPerRunnerMaxItems
	}
	enabled := append([]string(nil), params.EnabledRunners...)

	return &Orchestrator{
		logg:       params.Logger,
		registry:   params.Registry,
		locker:     params.Locker,
		metrics:    params.Metrics,
		clock:      clock,
		lockName:   lockName,
		enabled:    enabled,
		budgets:    budgets,
		shardIndex: params.ShardIndex,
		shardCount: params.ShardCount,
	}, nil
}

// Run drives ticks from trigger until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, trigger Trigger) error {
	for {
		if err := trigger.Wait(ctx); err != nil {
			o.logg.Info(ctx, "scheduler stopped")
			return err
		}
		o.RunTick(ctx)
	}
}

// RunTick executes one tick. Lock contention and runner failures are contained and
// reported through the result and logs, never returned.
func (o *Orchestrator) RunTick(ctx context.Context) TickResult {
	runID := uuid.NewString()
	ctx = o.logg.WithRunID(ctx, runID)
	result := TickResult{RunID: runID}

	res, err := o.locker.WithAdvisoryXactLock(ctx, o.lockName, runID, func(lockCtx context.Context) (any, error) {
		tick := o.newTick(runID)
		reports, skipped := o.runRunners(lockCtx, tick, o.enabled)
		return TickResult{RunID: runID, Acquired: true, Reports: reports, Skipped: skipped}, nil
	})
	if err != nil && !res.Acquired {
		o.metrics.IncTick(metrics.TickLockError)
		o.logg.Warn(o.logg.WithField(ctx, "error", err.Error()), "scheduler lock acquisition failed; skipping tick")
		return result
	}
	if !res.Acquired {
		o.metrics.IncTick(metrics.TickNotAcquired)
		o.logg.Debug(ctx, "scheduler lock held elsewhere; skipping tick")
		return result
	}
	o.metrics.IncTick(metrics.TickAcquired)
	if err != nil {
		o.logg.Error(ctx, "scheduler lock release failed", err)
	}
	if tick, ok := res.Value.(TickResult); ok {
		result = tick
	}
	result.Acquired = true
	return result
}

// RunRunner executes a single registered runner on demand, under the same lock as
// regular ticks and regardless of the enabled list.
func (o *Orchestrator) RunRunner(ctx context.Context, name string) (Report, error) {
	runner, ok := o.registry.Get(name)
	if !ok {
		return Report{}, fmt.Errorf("%w: %s", ErrUnknownRunner, name)
	}
	runID := uuid.NewString()
	ctx = o.logg.WithRunID(ctx, runID)
	ctx = o.logg.WithField(ctx, "trigger", "manual")

	res, err := o.locker.WithAdvisoryXactLock(ctx, o.lockName, runID, func(lockCtx context.Context) (any, error) {
		return o.runRunner(lockCtx, o.newTick(runID), runner), nil
	})
	if !res.Acquired {
		if err != nil {
			return Report{}, fmt.Errorf("acquire scheduler lock: %w", err)
		}
		return Report{}, ErrLockHeld
	}
	report, _ := res.Value.(Report)
	return report, nil
}

func (o *Orchestrator) newTick(runID string) TickContext {
	return TickContext{
		RunID:             runID,
		StartedAt:         o.clock.Now(),
		PerRunnerMax:      o.budgets.PerRunnerMax,
		PerRunnerMaxItems: o.budgets.PerRunnerMaxItems,
		OverallMax:        o.budgets.OverallMax,
		ShardIndex:        o.shardIndex,
		ShardCount:        o.shardCount,
		Logger:            o.logg,
		clock:             o.clock,
	}
}

func (o *Orchestrator) runRunners(ctx context.Context, tick TickContext, names []string) ([]Report, []string) {
	o.logg.Info(ctx, "tick starting")
	reports := make([]Report, 0, len(names))
	var skipped []string

	for i, name := range names {
		if o.clock.Since(tick.StartedAt) >= tick.OverallMax {
			skipped = append(skipped, names[i:]...)
			for _, rest := range names[i:] {
				o.metrics.IncSkipped(rest)
			}
			o.logg.Warn(o.logg.WithField(ctx, "skipped_runners", names[i:]), "tick budget exhausted; skipping remaining runners")
			break
		}
		runner, ok := o.registry.Get(name)
		if !ok {
			skipped = append(skipped, name)
			o.metrics.IncSkipped(name)
			o.logg.Warn(o.logg.WithRunner(ctx, name), "unknown runner in enabled list; skipping")
			continue
		}
		reports = append(reports, o.runRunner(ctx, tick, runner))
	}

	o.logg.Info(o.logg.WithFields(ctx, map[string]any{
		"runners":     len(reports),
		"skipped":     len(skipped),
		"duration_ms": o.clock.Since(tick.StartedAt).Milliseconds(),
	}), "tick complete")
	return reports, skipped
}

// runRunner executes runner under min(per-runner budget, remaining overall budget).
// Errors and panics become a synthetic report with ErrorCount = 1.
func (o *Orchestrator) runRunner(ctx context.Context, tick TickContext, runner Runner) (report Report) {
	name := runner.Name()
	runCtx := o.logg.WithRunner(ctx, name)

	budget := tick.PerRunnerMax
	if remaining := tick.Remaining(); remaining < budget {
		budget = remaining
	}
	runCtx, cancel := clockwork.WithTimeout(runCtx, o.clock, budget)
	defer cancel()

	start := o.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			o.logg.Error(runCtx, "runner panicked", fmt.Errorf("panic: %v", r))
			report = Report{ErrorCount: 1}
		}
		report.Runner = name
		report.Duration = o.clock.Since(start)
		o.metrics.ObserveRun(name, report.Duration, report.ProcessedCount, report.ErrorCount)
	}()

	o.logg.Debug(runCtx, "runner start")
	rep, err := runner.Run(runCtx, tick)
	if err != nil {
		o.logg.Error(runCtx, "runner failed", err)
		return Report{ErrorCount: 1}
	}
	o.logg.Info(o.logg.WithFields(runCtx, map[string]any{
		"processed": rep.ProcessedCount,
		"updated":   rep.UpdatedCount,
		"skipped":   rep.SkippedCount,
		"errors":    rep.ErrorCount,
	}), "runner completed")
	return rep
}
