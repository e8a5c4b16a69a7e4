package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/backoffice-core/pkg/db"
	"github.com/angelmondragon/backoffice-core/pkg/db/models"
	"github.com/angelmondragon/backoffice-core/pkg/enums"
)

// Repository is the gorm-backed Store. Timestamps are always produced by the injected
// clock (UTC, microsecond precision) and never by the database.
type Repository struct {
	db    *gorm.DB
	dlq   *DLQRepository
	clock clockwork.Clock
}

var _ Store = (*Repository)(nil)

func NewRepository(conn *gorm.DB, clock clockwork.Clock) *Repository {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Repository{db: conn, dlq: NewDLQRepository(conn), clock: clock}
}

// DeadLetters exposes the dead-letter audit table written by MarkFailed.
func (r *Repository) DeadLetters() *DLQRepository {
	return r.dlq
}

func (r *Repository) now() time.Time {
	return r.clock.Now().UTC().Truncate(time.Microsecond)
}

func (r *Repository) conn(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx.WithContext(ctx)
	}
	return r.db.WithContext(ctx)
}

// Insert persists event as PENDING. When tx is non-nil the insert joins the caller's
// transaction and disappears with it on rollback.
func (r *Repository) Insert(ctx context.Context, tx *gorm.DB, event *Event) error {
	if event == nil {
		return errors.New("event is required")
	}
	now := r.now()
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.AvailableAt.IsZero() {
		event.AvailableAt = now
	}
	event.AvailableAt = event.AvailableAt.UTC().Truncate(time.Microsecond)
	event.Status = enums.OutboxStatusPending
	event.Attempts = 0
	event.LockedBy = nil
	event.LockedUntil = nil
	event.CreatedAt = now
	event.UpdatedAt = now
	if err := r.conn(ctx, tx).Create(event).Error; err != nil {
		if db.IsUniqueViolation(err, "") {
			return fmt.Errorf("%w: %s", ErrDuplicateEvent, event.ID)
		}
		return err
	}
	return nil
}

// FindByID loads a single event.
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*Event, error) {
	var event Event
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEventNotFound
		}
		return nil, err
	}
	return &event, nil
}

// ClaimPending leases up to limit due events to workerID. Rows are selected with
// FOR UPDATE SKIP LOCKED, then conditionally updated so a concurrent claimer that
// raced past the select cannot take the same row twice.
func (r *Repository) ClaimPending(ctx context.Context, limit int, workerID string, lease time.Duration) ([]Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	if workerID == "" {
		return nil, errors.New("worker id is required")
	}
	if lease <= 0 {
		return nil, errors.New("lease duration must be positive")
	}

	var claimed []Event
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := r.now()
		lockedUntil := now.Add(lease)

		var ids []uuid.UUID
		if err := claimable(tx.Model(&Event{}), now).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Order("available_at ASC").
			Order("id ASC").
			Limit(limit).
			Pluck("id", &ids).Error; err != nil {
			return fmt.Errorf("select claimable: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		res := claimable(tx.Model(&Event{}).Where("id IN ?", ids), now).
			Updates(map[string]any{
				"status":       enums.OutboxStatusProcessing,
				"locked_by":    workerID,
				"locked_until": lockedUntil,
				"updated_at":   now,
			})
		if res.Error != nil {
			return fmt.Errorf("lease claimable: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}

		return tx.Where("id IN ? AND locked_by = ? AND locked_until = ?", ids, workerID, lockedUntil).
			Order("available_at ASC").
			Order("id ASC").
			Find(&claimed).Error
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func claimable(q *gorm.DB, now time.Time) *gorm.DB {
	return q.Where(
		"((status = ? AND available_at <= ?) OR (status = ? AND locked_until < ?))",
		enums.OutboxStatusPending, now, enums.OutboxStatusProcessing, now,
	)
}

func owned(q *gorm.DB, id uuid.UUID, workerID string) *gorm.DB {
	return q.Where("id = ? AND locked_by = ? AND status = ?", id, workerID, enums.OutboxStatusProcessing)
}

// ExtendLease pushes locked_until out by lease when workerID still owns the event.
func (r *Repository) ExtendLease(ctx context.Context, id uuid.UUID, workerID string, lease time.Duration) (bool, error) {
	now := r.now()
	res := owned(r.db.WithContext(ctx).Model(&Event{}), id, workerID).
		Updates(map[string]any{
			"locked_until": now.Add(lease),
			"updated_at":   now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkSent moves an owned event to SENT and clears its lease. It reports false when
// the caller no longer owns the lease.
func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID, workerID string) (bool, error) {
	now := r.now()
	res := owned(r.db.WithContext(ctx).Model(&Event{}), id, workerID).
		Updates(map[string]any{
			"status":       enums.OutboxStatusSent,
			"locked_by":    nil,
			"locked_until": nil,
			"sent_at":      now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkFailed records a failed attempt and either reschedules the event with backoff
// or fails it terminally, writing a dead-letter row in the same transaction.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, params FailParams) (FailResult, error) {
	var result FailResult
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var event Event
		err := owned(tx, id, params.WorkerID).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&event).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrLeaseLost
			}
			return err
		}

		now := r.now()
		decision := DecideFailure(event.Attempts, now, params)
		msg := ErrorMessage(params.Err)
		updates := map[string]any{
			"attempts":     decision.Attempts,
			"last_error":   msg,
			"locked_by":    nil,
			"locked_until": nil,
			"updated_at":   now,
		}
		next := decision.Status()
		if !event.Status.CanTransitionTo(next) {
			return fmt.Errorf("outbox event %s: %s -> %s: %w", id, event.Status, next, ErrLeaseLost)
		}
		updates["status"] = next
		if decision.Terminal {
			updates["failed_at"] = now
		} else {
			updates["available_at"] = decision.AvailableAt
		}

		res := owned(tx.Model(&Event{}), id, params.WorkerID).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrLeaseLost
		}

		if decision.Terminal {
			entry := models.OutboxDLQ{
				ID:            uuid.New(),
				EventID:       event.ID,
				TenantID:      event.TenantID,
				EventType:     event.EventType,
				CorrelationID: event.CorrelationID,
				Payload:       event.Payload,
				ErrorReason:   decision.Reason,
				ErrorMessage:  &msg,
				AttemptCount:  decision.Attempts,
				FailedAt:      now,
				CreatedAt:     now,
			}
			if err := r.dlq.InsertTx(tx, entry); err != nil {
				return fmt.Errorf("insert dlq entry: %w", err)
			}
		}

		result = decision.Result()
		return nil
	})
	if err != nil {
		return FailResult{}, err
	}
	return result, nil
}

// FetchPending lists PENDING events oldest-due first without leasing them.
func (r *Repository) FetchPending(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []Event
	err := r.db.WithContext(ctx).
		Where("status = ?", enums.OutboxStatusPending).
		Order("available_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *Repository) GetQueueStats(ctx context.Context) (QueueStats, error) {
	var stats QueueStats
	counts := []struct {
		status enums.OutboxStatus
		dest   *int64
	}{
		{enums.OutboxStatusPending, &stats.Pending},
		{enums.OutboxStatusProcessing, &stats.Processing},
		{enums.OutboxStatusFailed, &stats.Failed},
	}
	for _, c := range counts {
		if err := r.db.WithContext(ctx).Model(&Event{}).Where("status = ?", c.status).Count(c.dest).Error; err != nil {
			return QueueStats{}, fmt.Errorf("count %s: %w", c.status, err)
		}
	}

	now := r.now()
	var oldest []Event
	if err := r.db.WithContext(ctx).
		Where("status = ? AND available_at <= ?", enums.OutboxStatusPending, now).
		Order("available_at ASC").
		Limit(1).
		Find(&oldest).Error; err != nil {
		return QueueStats{}, err
	}
	if len(oldest) == 1 {
		stats.OldestPendingAge = now.Sub(oldest[0].AvailableAt)
	}
	return stats, nil
}

// Requeue re-emits a FAILED event as a new PENDING event due now. The FAILED row and
// its dead-letter entry are left as they are; the copy gets a fresh id and no history.
func (r *Repository) Requeue(ctx context.Context, id uuid.UUID) (*Event, error) {
	source, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if source.Status != enums.OutboxStatusFailed {
		return nil, ErrNotRequeueable
	}
	copied := &Event{
		TenantID:      source.TenantID,
		EventType:     source.EventType,
		Payload:       append([]byte(nil), source.Payload...),
		CorrelationID: source.CorrelationID,
	}
	if err := r.Insert(ctx, nil, copied); err != nil {
		return nil, fmt.Errorf("requeue %s: %w", id, err)
	}
	return copied, nil
}

// DeleteSentBefore removes up to limit SENT events whose sent_at is before cutoff.
func (r *Repository) DeleteSentBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		return 0, nil
	}
	var ids []uuid.UUID
	if err := r.db.WithContext(ctx).Model(&Event{}).
		Where("status = ? AND sent_at < ?", enums.OutboxStatusSent, cutoff.UTC()).
		Order("sent_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).
		Where("id IN ? AND status = ?", ids, enums.OutboxStatusSent).
		Delete(&Event{})
	return res.RowsAffected, res.Error
}
