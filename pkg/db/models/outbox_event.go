package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/backoffice-core/pkg/enums"
)

// OutboxEvent is one unit of durable work written in the producer's transaction.
// LockedBy/LockedUntil are nil whenever the row is not leased.
type OutboxEvent struct {
	ID            uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	TenantID      uuid.UUID          `gorm:"column:tenant_id;type:uuid;not null"`
	EventType     string             `gorm:"column:event_type;not null"`
	Payload       json.RawMessage    `gorm:"column:payload;type:jsonb;not null"`
	CorrelationID *string            `gorm:"column:correlation_id"`
	Status        enums.OutboxStatus `gorm:"column:status;not null;default:PENDING"`
	Attempts      int                `gorm:"column:attempts;not null;default:0"`
	AvailableAt   time.Time          `gorm:"column:available_at;not null"`
	LockedBy      *string            `gorm:"column:locked_by"`
	LockedUntil   *time.Time         `gorm:"column:locked_until"`
	LastError     *string            `gorm:"column:last_error"`
	SentAt        *time.Time         `gorm:"column:sent_at"`
	FailedAt      *time.Time         `gorm:"column:failed_at"`
	CreatedAt     time.Time          `gorm:"column:created_at"`
	UpdatedAt     time.Time          `gorm:"column:updated_at"`
}

func (OutboxEvent) TableName() string { return "outbox_events" }
