package outbox

import (
	"context"

	"github.com/google/uuid"

	pkgoutbox "github.com/angelmondragon/backoffice-core/pkg/outbox"
)

type processedGuard interface {
	IsProcessed(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error)
	MarkProcessed(ctx context.Context, consumer string, eventID uuid.UUID) error
}

// Once wraps next so an event consumer already delivered is acknowledged without
// running next again. The marker is written only after next succeeds, so an
// attempt that fails, panics or dies mid-publish is redelivered.
func Once(consumer string, guard processedGuard, next Handler) Handler {
	return &onceHandler{consumer: consumer, guard: guard, next: next}
}

type onceHandler struct {
	consumer string
	guard    processedGuard
	next     Handler
}

func (h *onceHandler) EventType() string { return h.next.EventType() }

func (h *onceHandler) Handle(ctx context.Context, event *pkgoutbox.Event) error {
	seen, err := h.guard.IsProcessed(ctx, h.consumer, event.ID)
	if err != nil {
		return err
	}
	if seen {
		return nil
	}
	if err := h.next.Handle(ctx, event); err != nil {
		return err
	}
	// The side effect already happened; a lost marker only risks a duplicate.
	_ = h.guard.MarkProcessed(context.WithoutCancel(ctx), h.consumer, event.ID)
	return nil
}
