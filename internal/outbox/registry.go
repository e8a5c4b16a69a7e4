// Package outbox delivers leased outbox events to their registered handlers.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	pkgoutbox "github.com/angelmondragon/backoffice-core/pkg/outbox"
)

// Handler delivers one event type. Returning an error wrapped with
// pkgoutbox.NonRetryable fails the event immediately; any other error is retried.
type Handler interface {
	EventType() string
	Handle(ctx context.Context, event *pkgoutbox.Event) error
}

// HandlerFunc adapts a function to Handler for a fixed event type.
type HandlerFunc struct {
	Type string
	Fn   func(ctx context.Context, event *pkgoutbox.Event) error
}

func (h HandlerFunc) EventType() string { return h.Type }

func (h HandlerFunc) Handle(ctx context.Context, event *pkgoutbox.Event) error {
	return h.Fn(ctx, event)
}

var errEmptyEventType = errors.New("handler event type is required")

// Registry maps event types to handlers.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry rejects handlers with blank or duplicate event types.
func NewRegistry(handlers ...Handler) (*Registry, error) {
	r := &Registry{handlers: make(map[string]Handler, len(handlers))}
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(h Handler) error {
	if h == nil {
		return errors.New("handler is required")
	}
	eventType := strings.TrimSpace(h.EventType())
	if eventType == "" {
		return errEmptyEventType
	}
	if _, exists := r.handlers[eventType]; exists {
		return fmt.Errorf("duplicate handler for event type %q", eventType)
	}
	r.handlers[eventType] = h
	return nil
}

func (r *Registry) Lookup(eventType string) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	h, ok := r.handlers[eventType]
	return h, ok
}

// EventTypes lists the registered types in sorted order.
func (r *Registry) EventTypes() []string {
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
