package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	internaloutbox "github.com/angelmondragon/backoffice-core/internal/outbox"
	"github.com/angelmondragon/backoffice-core/pkg/outbox"
)

// msgIDHeader enables JetStream duplicate detection across redeliveries.
const msgIDHeader = "Nats-Msg-Id"

type msgPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSRelay publishes payloads to `<prefix>.<event_type>` on JetStream.
type NATSRelay struct {
	eventType string
	subject   string
	stream    string
	js        msgPublisher
}

func NewNATSRelays(js msgPublisher, subjectPrefix, stream string, eventTypes []string) ([]internaloutbox.Handler, error) {
	if js == nil {
		return nil, errors.New("jetstream publisher is required")
	}
	prefix := strings.TrimSuffix(strings.TrimSpace(subjectPrefix), ".")
	if prefix == "" {
		return nil, errors.New("nats subject prefix is required")
	}
	relays := make([]internaloutbox.Handler, 0, len(eventTypes))
	for _, eventType := range eventTypes {
		relays = append(relays, &NATSRelay{
			eventType: eventType,
			subject:   prefix + "." + eventType,
			stream:    stream,
			js:        js,
		})
	}
	return relays, nil
}

func (r *NATSRelay) EventType() string { return r.eventType }

func (r *NATSRelay) Handle(ctx context.Context, event *outbox.Event) error {
	msg := nats.NewMsg(r.subject)
	msg.Data = event.Payload
	msg.Header.Set(msgIDHeader, event.ID.String())
	for k, v := range attributes(event) {
		msg.Header.Set(k, v)
	}

	var opts []jetstream.PublishOpt
	if r.stream != "" {
		opts = append(opts, jetstream.WithExpectStream(r.stream))
	}
	if _, err := r.js.PublishMsg(ctx, msg, opts...); err != nil {
		return fmt.Errorf("publish %s to %s: %w", event.ID, r.subject, err)
	}
	return nil
}
