package outbox

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgoutbox "github.com/angelmondragon/backoffice-core/pkg/outbox"
)

func TestRegistryRejectsBlankAndDuplicateTypes(t *testing.T) {
	_, err := NewRegistry(okHandler("  "))
	assert.ErrorIs(t, err, errEmptyEventType)

	_, err = NewRegistry(okHandler(orderPlaced), okHandler(orderPlaced))
	assert.ErrorContains(t, err, "duplicate handler")

	reg, err := NewRegistry(okHandler(orderPlaced), okHandler("invoice.paid"))
	require.NoError(t, err)
	assert.Equal(t, []string{"invoice.paid", orderPlaced}, reg.EventTypes())

	h, ok := reg.Lookup(orderPlaced)
	require.True(t, ok)
	assert.Equal(t, orderPlaced, h.EventType())
	_, ok = reg.Lookup("missing")
	assert.False(t, ok)
}

type fakeGuard struct {
	seen   map[string]bool
	marked []uuid.UUID
	err    error
}

func newFakeGuard() *fakeGuard { return &fakeGuard{seen: map[string]bool{}} }

func (g *fakeGuard) IsProcessed(_ context.Context, consumer string, id uuid.UUID) (bool, error) {
	if g.err != nil {
		return false, g.err
	}
	return g.seen[consumer+":"+id.String()], nil
}

func (g *fakeGuard) MarkProcessed(_ context.Context, consumer string, id uuid.UUID) error {
	if g.err != nil {
		return g.err
	}
	g.seen[consumer+":"+id.String()] = true
	g.marked = append(g.marked, id)
	return nil
}

func TestOnceSkipsProcessedEvents(t *testing.T) {
	guard := newFakeGuard()
	calls := 0
	h := Once("mailer", guard, handlerFor(orderPlaced, func(context.Context, *pkgoutbox.Event) error {
		calls++
		return nil
	}))
	event := &pkgoutbox.Event{ID: uuid.New(), EventType: orderPlaced}

	require.NoError(t, h.Handle(context.Background(), event))
	require.NoError(t, h.Handle(context.Background(), event))
	assert.Equal(t, 1, calls)
	assert.Equal(t, []uuid.UUID{event.ID}, guard.marked)
	assert.Equal(t, orderPlaced, h.EventType())
}

func TestOnceMarksOnlyAfterSuccess(t *testing.T) {
	guard := newFakeGuard()
	fail := true
	calls := 0
	h := Once("mailer", guard, handlerFor(orderPlaced, func(context.Context, *pkgoutbox.Event) error {
		calls++
		if fail {
			return errors.New("smtp timeout")
		}
		return nil
	}))
	event := &pkgoutbox.Event{ID: uuid.New(), EventType: orderPlaced}

	assert.Error(t, h.Handle(context.Background(), event))
	assert.Empty(t, guard.marked)

	fail = false
	require.NoError(t, h.Handle(context.Background(), event))
	assert.Equal(t, 2, calls)
	assert.Equal(t, []uuid.UUID{event.ID}, guard.marked)
}

func TestOnceLeavesNoMarkerWhenHandlerPanics(t *testing.T) {
	guard := newFakeGuard()
	h := Once("mailer", guard, handlerFor(orderPlaced, func(context.Context, *pkgoutbox.Event) error {
		panic("broker client closed")
	}))
	event := &pkgoutbox.Event{ID: uuid.New(), EventType: orderPlaced}

	assert.Panics(t, func() { _ = h.Handle(context.Background(), event) })
	done, err := guard.IsProcessed(context.Background(), "mailer", event.ID)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestOncePropagatesGuardErrors(t *testing.T) {
	guard := newFakeGuard()
	guard.err = errors.New("redis down")
	h := Once("mailer", guard, okHandler(orderPlaced))
	assert.ErrorContains(t, h.Handle(context.Background(), &pkgoutbox.Event{ID: uuid.New()}), "redis down")
}
