// Package runners holds scheduler runners other than the outbox poller.
package runners

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/angelmondragon/backoffice-core/internal/scheduler"
	"github.com/angelmondragon/backoffice-core/pkg/logger"
)

const (
	OutboxRetentionName = "outbox-retention"

	defaultRetentionDays = 30
	defaultChunkSize     = 500
)

type outboxRetentionRepo interface {
	DeleteSentBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

type OutboxRetentionParams struct {
	Logger     *logger.Logger
	Repository outboxRetentionRepo
	Clock      clockwork.Clock
	Retention  int
	ChunkSize  int
}

// OutboxRetention deletes SENT events older than the retention window.
type OutboxRetention struct {
	logg      *logger.Logger
	repo      outboxRetentionRepo
	clock     clockwork.Clock
	retention int
	chunk     int
}

var _ scheduler.Runner = (*OutboxRetention)(nil)

func NewOutboxRetention(params OutboxRetentionParams) (*OutboxRetention, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Repository == nil {
		return nil, fmt.Errorf("outbox repository required")
	}
	clock := params.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	retention := params.Retention
	if retention <= 0 {
		retention = defaultRetentionDays
	}
	chunk := params.ChunkSize
	if chunk <= 0 {
		chunk = defaultChunkSize
	}
	return &OutboxRetention{
		logg:      params.Logger,
		repo:      params.Repository,
		clock:     clock,
		retention: retention,
		chunk:     chunk,
	}, nil
}

func (r *OutboxRetention) Name() string { return OutboxRetentionName }

// Run deletes in chunks until nothing old is left, the item budget is spent, or the
// runner's context expires.
func (r *OutboxRetention) Run(ctx context.Context, tick scheduler.TickContext) (scheduler.Report, error) {
	start := r.clock.Now()
	cutoff := start.UTC().Add(-time.Duration(r.retention) * 24 * time.Hour)
	report := scheduler.Report{Runner: OutboxRetentionName}

	for ctx.Err() == nil {
		limit := r.chunk
		if tick.PerRunnerMaxItems > 0 {
			left := tick.PerRunnerMaxItems - report.ProcessedCount
			if left <= 0 {
				break
			}
			if left < limit {
				limit = left
			}
		}
		deleted, err := r.repo.DeleteSentBefore(ctx, cutoff, limit)
		if err != nil {
			if report.ProcessedCount == 0 {
				return report, fmt.Errorf("outbox retention: %w", err)
			}
			r.logg.Error(ctx, "outbox retention chunk failed", err)
			report.ErrorCount++
			break
		}
		report.ProcessedCount += int(deleted)
		report.UpdatedCount += int(deleted)
		if int(deleted) < limit {
			break
		}
	}

	report.Duration = r.clock.Since(start)
	r.logg.Info(r.logg.WithFields(ctx, map[string]any{
		"cutoff":         cutoff.Format(time.RFC3339),
		"retention_days": r.retention,
		"rows_deleted":   report.ProcessedCount,
	}), "outbox retention cleanup complete")
	return report, nil
}
