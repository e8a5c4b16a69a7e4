// Package idempotency keeps per-consumer "already delivered" markers in Redis so a
// handler that is re-run after a lease reclaim can skip work it already finished.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/backoffice-core/pkg/redis"
)

// DefaultTTL is used when the manager is built with a zero TTL.
const DefaultTTL = 30 * 24 * time.Hour

const markerScope = "evt:processed"

// Manager sets markers under bo:idempotency:evt:processed:<consumer>:<event_id>.
type Manager struct {
	store redis.IdempotencyStore
	ttl   time.Duration
}

func NewManager(store redis.IdempotencyStore, ttl time.Duration) (*Manager, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	switch {
	case ttl < 0:
		return nil, errors.New("ttl must be non-negative")
	case ttl == 0:
		ttl = DefaultTTL
	}
	return &Manager{store: store, ttl: ttl}, nil
}

// TTL is how long a marker outlives the delivery that set it.
func (m *Manager) TTL() time.Duration { return m.ttl }

// IsProcessed reports whether consumer already finished eventID.
func (m *Manager) IsProcessed(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error) {
	key, err := m.key(consumer, eventID)
	if err != nil {
		return false, err
	}
	found, err := m.store.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("check %s processed by %s: %w", eventID, consumer, err)
	}
	return found, nil
}

// MarkProcessed records a finished delivery. Call it only after the side effect
// succeeded; a marker left behind by a crashed attempt would skip the retry.
func (m *Manager) MarkProcessed(ctx context.Context, consumer string, eventID uuid.UUID) error {
	key, err := m.key(consumer, eventID)
	if err != nil {
		return err
	}
	if _, err := m.store.SetNX(ctx, key, eventID.String(), m.ttl); err != nil {
		return fmt.Errorf("mark %s processed by %s: %w", eventID, consumer, err)
	}
	return nil
}

func (m *Manager) key(consumer string, eventID uuid.UUID) (string, error) {
	consumer = strings.TrimSpace(consumer)
	switch {
	case consumer == "":
		return "", errors.New("consumer name is required")
	case strings.Contains(consumer, ":"):
		return "", fmt.Errorf("consumer name %q must not contain ':'", consumer)
	case eventID == uuid.Nil:
		return "", errors.New("event id is required")
	}
	return m.store.IdempotencyKey(markerScope+":"+consumer, eventID.String()), nil
}
