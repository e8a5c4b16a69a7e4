package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/backoffice-core/pkg/logger"
)

// EnqueueInput is what a use-case hands over when it wants an event delivered.
type EnqueueInput struct {
	TenantID      uuid.UUID  `validate:"required"`
	EventType     string     `validate:"required,max=128"`
	Payload       any        `validate:"required"`
	CorrelationID *string    `validate:"omitempty,max=128"`
	AvailableAt   *time.Time `validate:"-"`
}

type Service struct {
	repo     *Repository
	logg     *logger.Logger
	validate *validator.Validate
}

func NewService(repo *Repository, logg *logger.Logger) *Service {
	return &Service{repo: repo, logg: logg, validate: validator.New()}
}

// Enqueue writes a PENDING event. Pass the use-case's transaction as tx so the event
// commits or rolls back together with the business write; a nil tx auto-commits.
func (s *Service) Enqueue(ctx context.Context, tx *gorm.DB, input EnqueueInput) (*Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.validate.Struct(input); err != nil {
		return nil, fmt.Errorf("invalid outbox event: %w", err)
	}

	var payload json.RawMessage
	switch v := input.Payload.(type) {
	case json.RawMessage:
		payload = v
	case []byte:
		payload = json.RawMessage(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode outbox payload: %w", err)
		}
		payload = raw
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("outbox payload for %s is not valid json", input.EventType)
	}

	event := &Event{
		TenantID:      input.TenantID,
		EventType:     input.EventType,
		Payload:       payload,
		CorrelationID: input.CorrelationID,
	}
	if input.AvailableAt != nil {
		event.AvailableAt = *input.AvailableAt
	}
	if err := s.repo.Insert(ctx, tx, event); err != nil {
		return nil, err
	}

	if s.logg != nil {
		fields := map[string]any{
			"outbox_id":    event.ID.String(),
			"event_type":   event.EventType,
			"tenant_id":    event.TenantID.String(),
			"available_at": event.AvailableAt,
		}
		if event.CorrelationID != nil {
			fields["correlation_id"] = *event.CorrelationID
		}
		s.logg.Info(s.logg.WithFields(ctx, fields), "outbox event queued")
	}
	return event, nil
}
