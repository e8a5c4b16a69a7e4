package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/backoffice-core/internal/scheduler"
	"github.com/angelmondragon/backoffice-core/pkg/config"
	"github.com/angelmondragon/backoffice-core/pkg/enums"
	"github.com/angelmondragon/backoffice-core/pkg/logger"
	"github.com/angelmondragon/backoffice-core/pkg/metrics"
	pkgoutbox "github.com/angelmondragon/backoffice-core/pkg/outbox"
)

// RunnerName is the scheduler name of the outbox poller.
const RunnerName = "outbox"

const (
	defaultBatchSize      = 50
	defaultConcurrency    = 5
	defaultLease          = 30 * time.Second
	defaultHandlerTimeout = 15 * time.Second
	defaultMaxAttempts    = 10
	defaultRetryBase      = time.Second
	defaultRetryMax       = 5 * time.Minute
)

// ErrHandlerTimeout marks a handler that did not return within HandlerTimeout.
var ErrHandlerTimeout = errors.New("outbox handler timed out")

// Options tune a poller. Zero values fall back to defaults; RetryJitter and
// HeartbeatInterval stay disabled at zero.
type Options struct {
	BatchSize         int
	Concurrency       int
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	HandlerTimeout    time.Duration
	MaxAttempts       int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	RetryJitter       time.Duration
}

// OptionsFromConfig maps the env-driven outbox settings onto poller options.
func OptionsFromConfig(cfg config.OutboxConfig) Options {
	return Options{
		BatchSize:         cfg.BatchSize,
		Concurrency:       cfg.Concurrency,
		LeaseDuration:     cfg.LeaseDuration,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HandlerTimeout:    cfg.HandlerTimeout,
		MaxAttempts:       cfg.MaxAttempts,
		RetryBaseDelay:    cfg.RetryBaseDelay,
		RetryMaxDelay:     cfg.RetryMaxDelay,
		RetryJitter:       cfg.RetryJitter,
	}
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = defaultConcurrency
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = defaultLease
	}
	if o.HandlerTimeout <= 0 {
		o.HandlerTimeout = defaultHandlerTimeout
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = defaultRetryBase
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = defaultRetryMax
	}
	if o.RetryJitter < 0 {
		o.RetryJitter = 0
	}
	if o.HeartbeatInterval < 0 {
		o.HeartbeatInterval = 0
	}
	return o
}

type PollerParams struct {
	Store    pkgoutbox.Store
	Registry *Registry
	Logger   *logger.Logger
	Metrics  *metrics.OutboxMetrics
	Clock    clockwork.Clock
	WorkerID string
	Options  Options
}

// Poller claims due events in batches and dispatches them to their handlers. It
// runs as the "outbox" scheduler runner.
type Poller struct {
	store    pkgoutbox.Store
	registry *Registry
	logg     *logger.Logger
	metrics  *metrics.OutboxMetrics
	clock    clockwork.Clock
	workerID string
	opts     Options
}

var _ scheduler.Runner = (*Poller)(nil)

func NewPoller(params PollerParams) (*Poller, error) {
	if params.Store == nil {
		return nil, errors.New("outbox store is required")
	}
	if params.Registry == nil {
		return nil, errors.New("handler registry is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.WorkerID == "" {
		return nil, errors.New("worker id is required")
	}
	clock := params.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Poller{
		store:    params.Store,
		registry: params.Registry,
		logg:     params.Logger,
		metrics:  params.Metrics,
		clock:    clock,
		workerID: params.WorkerID,
		opts:     params.Options.withDefaults(),
	}, nil
}

func (p *Poller) Name() string { return RunnerName }

type runCounters struct {
	claimed   atomic.Int64
	sent      atomic.Int64
	leaseLost atomic.Int64
	errors    atomic.Int64
}

// Run drains due events until the queue is empty or the tick's per-runner time or
// item budget is spent. Events already claimed when the budget runs out are still
// finished and reported.
func (p *Poller) Run(ctx context.Context, tick scheduler.TickContext) (scheduler.Report, error) {
	ctx = p.logg.WithWorkerID(ctx, p.workerID)
	start := p.clock.Now()
	var c runCounters

	for {
		if ctx.Err() != nil {
			break
		}
		if tick.PerRunnerMax > 0 && p.clock.Since(start) >= tick.PerRunnerMax {
			p.logg.Debug(ctx, "outbox poller time budget spent")
			break
		}
		if tick.HasDeadline() && tick.Remaining() <= 0 {
			p.logg.Debug(ctx, "outbox poller stopped at tick deadline")
			break
		}
		limit := p.opts.BatchSize
		if tick.PerRunnerMaxItems > 0 {
			left := tick.PerRunnerMaxItems - int(c.claimed.Load())
			if left <= 0 {
				p.logg.Debug(ctx, "outbox poller item budget spent")
				break
			}
			if left < limit {
				limit = left
			}
		}

		events, err := p.store.ClaimPending(ctx, limit, p.workerID, p.opts.LeaseDuration)
		if err != nil {
			if ctx.Err() == nil {
				p.logg.Error(ctx, "outbox claim failed", err)
				c.errors.Add(1)
			}
			break
		}
		if len(events) == 0 {
			break
		}
		c.claimed.Add(int64(len(events)))
		p.processBatch(ctx, events, &c)
	}

	p.refreshQueueStats(ctx)

	return scheduler.Report{
		Runner:         RunnerName,
		ProcessedCount: int(c.claimed.Load()),
		UpdatedCount:   int(c.sent.Load()),
		SkippedCount:   int(c.leaseLost.Load()),
		ErrorCount:     int(c.errors.Load()),
		Duration:       p.clock.Since(start),
	}, nil
}

func (p *Poller) processBatch(ctx context.Context, events []pkgoutbox.Event, c *runCounters) {
	var g errgroup.Group
	g.SetLimit(p.opts.Concurrency)
	for i := range events {
		event := &events[i]
		g.Go(func() error {
			p.processEvent(ctx, event, c)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Poller) processEvent(ctx context.Context, event *pkgoutbox.Event, c *runCounters) {
	evCtx := p.logg.WithFields(ctx, eventFields(event))
	// Outcomes are recorded even when the run's budget expires mid-delivery.
	storeCtx := context.WithoutCancel(evCtx)

	handler, ok := p.registry.Lookup(event.EventType)
	if !ok {
		err := fmt.Errorf("no handler registered for event type %q", event.EventType)
		p.fail(storeCtx, event, err, true, enums.OutboxDLQReasonUnknownEventType, c)
		return
	}

	started := p.clock.Now()
	err := p.invoke(evCtx, handler, event)
	p.metrics.ObserveHandler(event.EventType, p.clock.Since(started))

	if err != nil {
		p.fail(storeCtx, event, err, !pkgoutbox.IsNonRetryable(err), "", c)
		return
	}

	marked, err := p.store.MarkSent(storeCtx, event.ID, p.workerID)
	switch {
	case err != nil:
		c.errors.Add(1)
		p.logg.Error(evCtx, "mark outbox event sent failed", err)
	case !marked:
		c.leaseLost.Add(1)
		p.metrics.IncDelivery(event.EventType, "lease_lost")
		p.logg.Warn(evCtx, "outbox lease lost before mark sent; event will be redelivered")
	default:
		c.sent.Add(1)
		p.metrics.IncDelivery(event.EventType, "sent")
		p.logg.Info(evCtx, "outbox event sent")
	}
}

// invoke runs the handler under HandlerTimeout and, when configured, keeps the lease
// alive with a heartbeat. A handler that ignores cancellation is abandoned at the
// timeout. Panics surface as errors.
func (p *Poller) invoke(ctx context.Context, handler Handler, event *pkgoutbox.Event) error {
	hctx, cancel := clockwork.WithTimeout(context.WithoutCancel(ctx), p.clock, p.opts.HandlerTimeout)
	defer cancel()

	if p.opts.HeartbeatInterval > 0 {
		stop := p.heartbeat(ctx, event)
		defer stop()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("outbox handler panic: %v", r)
			}
		}()
		done <- handler.Handle(hctx, event)
	}()

	select {
	case err := <-done:
		return err
	case <-hctx.Done():
		return fmt.Errorf("%w after %s", ErrHandlerTimeout, p.opts.HandlerTimeout)
	}
}

func (p *Poller) heartbeat(ctx context.Context, event *pkgoutbox.Event) (stop func()) {
	quit := make(chan struct{})
	finished := make(chan struct{})
	ticker := p.clock.NewTicker(p.opts.HeartbeatInterval)
	storeCtx := context.WithoutCancel(ctx)

	go func() {
		defer close(finished)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-ticker.Chan():
				ok, err := p.store.ExtendLease(storeCtx, event.ID, p.workerID, p.opts.LeaseDuration)
				if err != nil {
					p.logg.Warn(p.logg.WithField(ctx, "error", err.Error()), "outbox lease heartbeat failed")
					continue
				}
				if !ok {
					p.logg.Warn(ctx, "outbox lease lost during delivery")
					return
				}
			}
		}
	}()

	return func() {
		close(quit)
		<-finished
	}
}

func (p *Poller) fail(ctx context.Context, event *pkgoutbox.Event, cause error, retryable bool, reason enums.OutboxDLQErrorReason, c *runCounters) {
	res, err := p.store.MarkFailed(ctx, event.ID, pkgoutbox.FailParams{
		WorkerID:       p.workerID,
		Err:            cause,
		Retryable:      retryable,
		RetryBaseDelay: p.opts.RetryBaseDelay,
		RetryMaxDelay:  p.opts.RetryMaxDelay,
		RetryJitter:    p.opts.RetryJitter,
		MaxAttempts:    p.opts.MaxAttempts,
		Reason:         reason,
	})
	if errors.Is(err, pkgoutbox.ErrLeaseLost) {
		c.leaseLost.Add(1)
		p.metrics.IncDelivery(event.EventType, "lease_lost")
		p.logg.Warn(p.logg.WithField(ctx, "error", cause.Error()), "outbox lease lost before mark failed; event will be redelivered")
		return
	}
	if err != nil {
		c.errors.Add(1)
		p.logg.Error(p.logg.WithField(ctx, "handler_error", cause.Error()), "mark outbox event failed", err)
		return
	}

	c.errors.Add(1)
	p.metrics.IncDelivery(event.EventType, string(res.Outcome))
	fields := map[string]any{
		"error":    cause.Error(),
		"attempts": res.Attempts,
		"outcome":  res.Outcome,
	}
	if res.NextAvailableAt != nil {
		fields["next_available_at"] = res.NextAvailableAt.Format(time.RFC3339Nano)
	}
	logCtx := p.logg.WithFields(ctx, fields)
	if res.Outcome == enums.OutboxOutcomeFailed {
		p.logg.Error(logCtx, "outbox event failed permanently", cause)
		return
	}
	p.logg.Warn(logCtx, "outbox delivery failed; retry scheduled")
}

func (p *Poller) refreshQueueStats(ctx context.Context) {
	if p.metrics == nil {
		return
	}
	stats, err := p.store.GetQueueStats(context.WithoutCancel(ctx))
	if err != nil {
		p.logg.Warn(p.logg.WithField(ctx, "error", err.Error()), "outbox queue stats unavailable")
		return
	}
	p.metrics.SetQueue(stats.Pending, stats.Processing, stats.Failed, stats.OldestPendingAge)
}

func eventFields(event *pkgoutbox.Event) map[string]any {
	fields := map[string]any{
		"outbox_id":  event.ID.String(),
		"event_type": event.EventType,
		"tenant_id":  event.TenantID.String(),
		"attempts":   event.Attempts,
	}
	if event.CorrelationID != nil {
		fields["correlation_id"] = *event.CorrelationID
	}
	return fields
}
