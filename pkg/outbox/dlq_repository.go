package outbox

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/backoffice-core/pkg/db/models"
	"github.com/angelmondragon/backoffice-core/pkg/enums"
)

const (
	maxDLQErrorLen  = 1024
	defaultDLQLimit = 50
	maxDLQListLimit = 500
)

// ErrDLQEntryNotFound is returned when an event never reached the dead-letter table.
var ErrDLQEntryNotFound = errors.New("dlq entry not found")

// DLQFilter narrows a dead-letter listing. Zero values match everything.
type DLQFilter struct {
	Reason    enums.OutboxDLQErrorReason
	EventType string
	TenantID  uuid.UUID
	Limit     int
}

func (f DLQFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultDLQLimit
	case f.Limit > maxDLQListLimit:
		return maxDLQListLimit
	default:
		return f.Limit
	}
}

// DLQRepository stores the audit trail of terminally failed events.
type DLQRepository struct {
	db *gorm.DB
}

func NewDLQRepository(conn *gorm.DB) *DLQRepository {
	return &DLQRepository{db: conn}
}

// InsertTx writes entry inside tx so the DLQ row commits with the FAILED transition.
func (r *DLQRepository) InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.ErrorMessage != nil {
		msg := truncateUTF8(*entry.ErrorMessage, maxDLQErrorLen)
		entry.ErrorMessage = &msg
	}
	return tx.Create(&entry).Error
}

// FindByEventID returns the most recent dead-letter entry for eventID. A requeued
// event that fails again gets a second row.
func (r *DLQRepository) FindByEventID(ctx context.Context, eventID uuid.UUID) (*models.OutboxDLQ, error) {
	var entry models.OutboxDLQ
	err := r.db.WithContext(ctx).
		Where("event_id = ?", eventID).
		Order("failed_at DESC").
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDLQEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// List returns the newest entries first.
func (r *DLQRepository) List(ctx context.Context, filter DLQFilter) ([]models.OutboxDLQ, error) {
	if filter.Reason != "" && !filter.Reason.IsValid() {
		return nil, errors.New("invalid dlq reason filter")
	}

	q := r.db.WithContext(ctx).Model(&models.OutboxDLQ{})
	if filter.Reason != "" {
		q = q.Where("error_reason = ?", filter.Reason)
	}
	if et := strings.TrimSpace(filter.EventType); et != "" {
		q = q.Where("event_type = ?", et)
	}
	if filter.TenantID != uuid.Nil {
		q = q.Where("tenant_id = ?", filter.TenantID)
	}

	var rows []models.OutboxDLQ
	err := q.Order("failed_at DESC").Order("id").Limit(filter.limit()).Find(&rows).Error
	return rows, err
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
