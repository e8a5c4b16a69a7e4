package scheduler

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Trigger decides when the next tick starts. Wait blocks until then and returns
// the context's error once it is cancelled.
type Trigger interface {
	Wait(ctx context.Context) error
}

// IntervalTrigger fires immediately and then once per interval.
type IntervalTrigger struct {
	clock    clockwork.Clock
	interval time.Duration
	ticker   clockwork.Ticker
}

func NewIntervalTrigger(clock clockwork.Clock, interval time.Duration) *IntervalTrigger {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &IntervalTrigger{clock: clock, interval: interval}
}

func (t *IntervalTrigger) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.ticker == nil {
		t.ticker = t.clock.NewTicker(t.interval)
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ticker.Chan():
		return nil
	}
}

// Stop releases the underlying ticker.
func (t *IntervalTrigger) Stop() {
	if t.ticker != nil {
		t.ticker.Stop()
	}
}
