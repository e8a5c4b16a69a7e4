// Package outboxtest provides test doubles for the outbox store.
package outboxtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/angelmondragon/backoffice-core/pkg/enums"
	"github.com/angelmondragon/backoffice-core/pkg/outbox"
)

// MemoryStore is a mutex-guarded outbox.Store with the same claim and lease rules as
// the SQL repository. It records MarkSent/MarkFailed calls for assertions.
type MemoryStore struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	events map[uuid.UUID]*outbox.Event

	sentCalls   []uuid.UUID
	failedCalls []FailCall
	dlq         []DeadLetter

	// ClaimErr, when set, is returned by every ClaimPending call.
	ClaimErr error
}

type FailCall struct {
	ID     uuid.UUID
	Params outbox.FailParams
}

type DeadLetter struct {
	EventID  uuid.UUID
	Reason   enums.OutboxDLQErrorReason
	Attempts int
}

var _ outbox.Store = (*MemoryStore)(nil)

func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{clock: clock, events: make(map[uuid.UUID]*outbox.Event)}
}

// Add stores a PENDING copy of event, defaulting id and availability.
func (s *MemoryStore) Add(event outbox.Event) outbox.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now().UTC()
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.TenantID == uuid.Nil {
		event.TenantID = uuid.New()
	}
	if event.AvailableAt.IsZero() {
		event.AvailableAt = now
	}
	event.Status = enums.OutboxStatusPending
	event.CreatedAt = now
	event.UpdatedAt = now
	stored := event
	s.events[event.ID] = &stored
	return stored
}

// Get returns a snapshot of the stored event.
func (s *MemoryStore) Get(id uuid.UUID) (outbox.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[id]
	if !ok {
		return outbox.Event{}, false
	}
	return *event, true
}

func (s *MemoryStore) SentCalls() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uuid.UUID(nil), s.sentCalls...)
}

func (s *MemoryStore) FailedCalls() []FailCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]FailCall(nil), s.failedCalls...)
}

func (s *MemoryStore) DeadLetters() []DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DeadLetter(nil), s.dlq...)
}

func (s *MemoryStore) ClaimPending(_ context.Context, limit int, workerID string, lease time.Duration) ([]outbox.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ClaimErr != nil {
		return nil, s.ClaimErr
	}
	if limit <= 0 {
		return nil, nil
	}

	now := s.clock.Now().UTC()
	due := make([]*outbox.Event, 0)
	for _, event := range s.events {
		if claimable(event, now) {
			due = append(due, event)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].AvailableAt.Equal(due[j].AvailableAt) {
			return due[i].AvailableAt.Before(due[j].AvailableAt)
		}
		return due[i].ID.String() < due[j].ID.String()
	})
	if len(due) > limit {
		due = due[:limit]
	}

	lockedUntil := now.Add(lease)
	claimed := make([]outbox.Event, 0, len(due))
	for _, event := range due {
		owner := workerID
		until := lockedUntil
		event.Status = enums.OutboxStatusProcessing
		event.LockedBy = &owner
		event.LockedUntil = &until
		event.UpdatedAt = now
		claimed = append(claimed, *event)
	}
	return claimed, nil
}

func claimable(event *outbox.Event, now time.Time) bool {
	switch event.Status {
	case enums.OutboxStatusPending:
		return !event.AvailableAt.After(now)
	case enums.OutboxStatusProcessing:
		return event.LockedUntil != nil && event.LockedUntil.Before(now)
	default:
		return false
	}
}

func (s *MemoryStore) owned(id uuid.UUID, workerID string) (*outbox.Event, bool) {
	event, ok := s.events[id]
	if !ok || event.Status != enums.OutboxStatusProcessing || event.LockedBy == nil || *event.LockedBy != workerID {
		return nil, false
	}
	return event, true
}

func (s *MemoryStore) ExtendLease(_ context.Context, id uuid.UUID, workerID string, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.owned(id, workerID)
	if !ok {
		return false, nil
	}
	until := s.clock.Now().UTC().Add(lease)
	event.LockedUntil = &until
	return true, nil
}

func (s *MemoryStore) MarkSent(_ context.Context, id uuid.UUID, workerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentCalls = append(s.sentCalls, id)
	event, ok := s.owned(id, workerID)
	if !ok || !event.Status.CanTransitionTo(enums.OutboxStatusSent) {
		return false, nil
	}
	now := s.clock.Now().UTC()
	event.Status = enums.OutboxStatusSent
	event.LockedBy = nil
	event.LockedUntil = nil
	event.SentAt = &now
	event.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id uuid.UUID, params outbox.FailParams) (outbox.FailResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedCalls = append(s.failedCalls, FailCall{ID: id, Params: params})
	event, ok := s.owned(id, params.WorkerID)
	if !ok {
		return outbox.FailResult{}, outbox.ErrLeaseLost
	}

	now := s.clock.Now().UTC()
	decision := outbox.DecideFailure(event.Attempts, now, params)
	msg := outbox.ErrorMessage(params.Err)
	event.Attempts = decision.Attempts
	event.LastError = &msg
	event.LockedBy = nil
	event.LockedUntil = nil
	event.UpdatedAt = now
	event.Status = decision.Status()
	if decision.Terminal {
		event.FailedAt = &now
		s.dlq = append(s.dlq, DeadLetter{EventID: id, Reason: decision.Reason, Attempts: decision.Attempts})
	} else {
		event.AvailableAt = decision.AvailableAt
	}
	return decision.Result(), nil
}

func (s *MemoryStore) FetchPending(_ context.Context, limit int) ([]outbox.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := make([]outbox.Event, 0)
	for _, event := range s.events {
		if event.Status == enums.OutboxStatusPending {
			pending = append(pending, *event)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].AvailableAt.Before(pending[j].AvailableAt) })
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (s *MemoryStore) GetQueueStats(_ context.Context) (outbox.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now().UTC()
	var stats outbox.QueueStats
	var oldest *time.Time
	for _, event := range s.events {
		switch event.Status {
		case enums.OutboxStatusPending:
			stats.Pending++
			if !event.AvailableAt.After(now) && (oldest == nil || event.AvailableAt.Before(*oldest)) {
				at := event.AvailableAt
				oldest = &at
			}
		case enums.OutboxStatusProcessing:
			stats.Processing++
		case enums.OutboxStatusFailed:
			stats.Failed++
		}
	}
	if oldest != nil {
		stats.OldestPendingAge = now.Sub(*oldest)
	}
	return stats, nil
}
