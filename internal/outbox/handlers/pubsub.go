// Package handlers contains outbox handlers that relay events to message brokers.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"

	internaloutbox "github.com/angelmondragon/backoffice-core/internal/outbox"
	"github.com/angelmondragon/backoffice-core/pkg/outbox"
)

// Publisher is the subset of *pubsub.Publisher the relay needs.
type Publisher interface {
	Publish(context.Context, *gcppubsub.Message) PublishResult
}

type PublishResult interface {
	Get(context.Context) (string, error)
}

// PubSubRelay forwards one event type's payloads to a Pub/Sub topic.
type PubSubRelay struct {
	eventType string
	publisher Publisher
}

// NewPubSubRelays builds one relay per event type, all sharing publisher.
func NewPubSubRelays(publisher Publisher, eventTypes []string) ([]internaloutbox.Handler, error) {
	if publisher == nil {
		return nil, errors.New("pubsub publisher is required")
	}
	relays := make([]internaloutbox.Handler, 0, len(eventTypes))
	for _, eventType := range eventTypes {
		relays = append(relays, &PubSubRelay{eventType: eventType, publisher: publisher})
	}
	return relays, nil
}

func (r *PubSubRelay) EventType() string { return r.eventType }

func (r *PubSubRelay) Handle(ctx context.Context, event *outbox.Event) error {
	result := r.publisher.Publish(ctx, &gcppubsub.Message{
		Data:       event.Payload,
		Attributes: attributes(event),
	})
	if result == nil {
		return outbox.NonRetryable(fmt.Errorf("publisher returned nil for event type %s", r.eventType))
	}
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish %s: %w", event.ID, err)
	}
	return nil
}

func attributes(event *outbox.Event) map[string]string {
	attrs := map[string]string{
		"event_id":   event.ID.String(),
		"event_type": event.EventType,
		"tenant_id":  event.TenantID.String(),
		"created_at": event.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if event.CorrelationID != nil {
		attrs["correlation_id"] = *event.CorrelationID
	}
	return attrs
}

// NewGCPPublisher adapts a Pub/Sub v2 publisher handle.
func NewGCPPublisher(p *gcppubsub.Publisher) Publisher {
	if p == nil {
		return nil
	}
	return &gcpPublisher{Publisher: p}
}

type gcpPublisher struct {
	*gcppubsub.Publisher
}

func (p *gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) PublishResult {
	return &gcpPublishResult{PublishResult: p.Publisher.Publish(ctx, msg)}
}

type gcpPublishResult struct {
	*gcppubsub.PublishResult
}

func (r *gcpPublishResult) Get(ctx context.Context) (string, error) {
	if r == nil || r.PublishResult == nil {
		return "", errors.New("publish result is nil")
	}
	return r.PublishResult.Get(ctx)
}
