package outbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/backoffice-core/pkg/db/models"
	"github.com/angelmondragon/backoffice-core/pkg/enums"
	"github.com/angelmondragon/backoffice-core/pkg/outbox"
	"github.com/angelmondragon/backoffice-core/pkg/outbox/outboxtest"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) (*outbox.Repository, *gorm.DB, *clockwork.FakeClock) {
	t.Helper()
	conn := outboxtest.OpenSQLite(t)
	clock := clockwork.NewFakeClockAt(epoch)
	return outbox.NewRepository(conn, clock), conn, clock
}

func insertEvent(t *testing.T, repo *outbox.Repository, eventType string, availableAt time.Time) *outbox.Event {
	t.Helper()
	event := &outbox.Event{
		TenantID:    uuid.New(),
		EventType:   eventType,
		Payload:     json.RawMessage(`{"invoice":"INV-1"}`),
		AvailableAt: availableAt,
	}
	require.NoError(t, repo.Insert(context.Background(), nil, event))
	return event
}

func load(t *testing.T, repo *outbox.Repository, id uuid.UUID) *outbox.Event {
	t.Helper()
	event, err := repo.FindByID(context.Background(), id)
	require.NoError(t, err)
	return event
}

func TestInsertRollsBackWithTransaction(t *testing.T) {
	repo, conn, _ := newRepo(t)
	ctx := context.Background()

	err := conn.Transaction(func(tx *gorm.DB) error {
		event := &outbox.Event{
			TenantID:  uuid.New(),
			EventType: "invoice.issued",
			Payload:   json.RawMessage(`{}`),
		}
		if err := repo.Insert(ctx, tx, event); err != nil {
			return err
		}
		return errors.New("business write failed")
	})
	require.Error(t, err)

	var count int64
	require.NoError(t, conn.Model(&models.OutboxEvent{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestInsertCommitsWithTransaction(t *testing.T) {
	repo, conn, _ := newRepo(t)
	ctx := context.Background()

	require.NoError(t, conn.Transaction(func(tx *gorm.DB) error {
		return repo.Insert(ctx, tx, &outbox.Event{
			TenantID:  uuid.New(),
			EventType: "invoice.issued",
			Payload:   json.RawMessage(`{}`),
		})
	}))

	pending, err := repo.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, enums.OutboxStatusPending, pending[0].Status)
	assert.Zero(t, pending[0].Attempts)
}

func TestInsertRejectsDuplicateID(t *testing.T) {
	repo, _, _ := newRepo(t)
	first := insertEvent(t, repo, "invoice.issued", time.Time{})

	err := repo.Insert(context.Background(), nil, &outbox.Event{
		ID:        first.ID,
		TenantID:  uuid.New(),
		EventType: "invoice.issued",
		Payload:   json.RawMessage(`{}`),
	})
	require.ErrorIs(t, err, outbox.ErrDuplicateEvent)
}

func TestClaimPendingRespectsAvailableAt(t *testing.T) {
	repo, _, clock := newRepo(t)
	ctx := context.Background()

	due := insertEvent(t, repo, "invoice.issued", epoch)
	later := insertEvent(t, repo, "invoice.issued", epoch.Add(time.Minute))

	claimed, err := repo.ClaimPending(ctx, 10, "worker-a", 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, due.ID, claimed[0].ID)
	assert.Equal(t, enums.OutboxStatusProcessing, claimed[0].Status)
	require.NotNil(t, claimed[0].LockedBy)
	assert.Equal(t, "worker-a", *claimed[0].LockedBy)
	require.NotNil(t, claimed[0].LockedUntil)
	assert.True(t, claimed[0].LockedUntil.Equal(epoch.Add(5*time.Minute)))

	// due is still leased, so only the event that just became available is claimable.
	clock.Advance(time.Minute)
	claimed, err = repo.ClaimPending(ctx, 10, "worker-b", 30*time.Second)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, later.ID, claimed[0].ID)
}

func TestClaimPendingOrdersOldestFirstAndHonoursLimit(t *testing.T) {
	repo, _, _ := newRepo(t)
	ctx := context.Background()

	third := insertEvent(t, repo, "a", epoch.Add(-time.Second))
	first := insertEvent(t, repo, "a", epoch.Add(-3*time.Second))
	second := insertEvent(t, repo, "a", epoch.Add(-2*time.Second))

	claimed, err := repo.ClaimPending(ctx, 2, "worker-a", time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, first.ID, claimed[0].ID)
	assert.Equal(t, second.ID, claimed[1].ID)

	claimed, err = repo.ClaimPending(ctx, 2, "worker-b", time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, third.ID, claimed[0].ID)
}

func TestClaimPendingReclaimsExpiredLease(t *testing.T) {
	repo, _, clock := newRepo(t)
	ctx := context.Background()
	event := insertEvent(t, repo, "invoice.issued", epoch)

	claimed, err := repo.ClaimPending(ctx, 1, "worker-a", 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	none, err := repo.ClaimPending(ctx, 1, "worker-b", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, none, "live lease must not be reclaimed")

	clock.Advance(150 * time.Millisecond)
	reclaimed, err := repo.ClaimPending(ctx, 1, "worker-b", 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, event.ID, reclaimed[0].ID)
	assert.Equal(t, "worker-b", *reclaimed[0].LockedBy)

	ok, err := repo.MarkSent(ctx, event.ID, "worker-a")
	require.NoError(t, err)
	assert.False(t, ok, "previous owner must not complete a reclaimed event")

	ok, err = repo.MarkSent(ctx, event.ID, "worker-b")
	require.NoError(t, err)
	assert.True(t, ok)

	stored := load(t, repo, event.ID)
	assert.Equal(t, enums.OutboxStatusSent, stored.Status)
	assert.Nil(t, stored.LockedBy)
	assert.Nil(t, stored.LockedUntil)
	require.NotNil(t, stored.SentAt)
}

func TestConcurrentClaimersGetDisjointSets(t *testing.T) {
	repo, _, _ := newRepo(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		insertEvent(t, repo, "invoice.issued", epoch)
	}

	var (
		mu   sync.Mutex
		seen = map[uuid.UUID]int{}
		wg   sync.WaitGroup
	)
	for _, worker := range []string{"worker-a", "worker-b"} {
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func(worker string) {
				defer wg.Done()
				for {
					claimed, err := repo.ClaimPending(ctx, 3, worker, time.Minute)
					if err != nil {
						t.Errorf("claim: %v", err)
						return
					}
					if len(claimed) == 0 {
						return
					}
					mu.Lock()
					for _, event := range claimed {
						seen[event.ID]++
					}
					mu.Unlock()
				}
			}(worker)
		}
	}
	wg.Wait()

	assert.Len(t, seen, 10)
	for id, n := range seen {
		assert.Equalf(t, 1, n, "event %s claimed %d times", id, n)
	}
}

func TestMarkFailedRetriesThenFails(t *testing.T) {
	repo, conn, clock := newRepo(t)
	ctx := context.Background()
	event := insertEvent(t, repo, "invoice.issued", epoch)

	params := outbox.FailParams{
		WorkerID:       "worker-a",
		Err:            errors.New("smtp unavailable"),
		Retryable:      true,
		RetryBaseDelay: time.Second,
		RetryMaxDelay:  time.Minute,
		MaxAttempts:    2,
	}

	_, err := repo.ClaimPending(ctx, 1, "worker-a", time.Minute)
	require.NoError(t, err)
	res, err := repo.MarkFailed(ctx, event.ID, params)
	require.NoError(t, err)
	assert.Equal(t, enums.OutboxOutcomeRetried, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	require.NotNil(t, res.NextAvailableAt)
	assert.True(t, res.NextAvailableAt.Equal(epoch.Add(time.Second)))

	stored := load(t, repo, event.ID)
	assert.Equal(t, enums.OutboxStatusPending, stored.Status)
	assert.Nil(t, stored.LockedBy)
	require.NotNil(t, stored.LastError)
	assert.Equal(t, "smtp unavailable", *stored.LastError)

	none, err := repo.ClaimPending(ctx, 1, "worker-a", time.Minute)
	require.NoError(t, err)
	assert.Empty(t, none, "backoff must delay the retry")

	clock.Advance(time.Second)
	reclaimed, err := repo.ClaimPending(ctx, 1, "worker-a", time.Minute)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)

	res, err = repo.MarkFailed(ctx, event.ID, params)
	require.NoError(t, err)
	assert.Equal(t, enums.OutboxOutcomeFailed, res.Outcome)
	assert.Equal(t, 2, res.Attempts)
	assert.Nil(t, res.NextAvailableAt)

	stored = load(t, repo, event.ID)
	assert.Equal(t, enums.OutboxStatusFailed, stored.Status)
	assert.Equal(t, 2, stored.Attempts)
	require.NotNil(t, stored.FailedAt)

	clock.Advance(time.Hour)
	none, err = repo.ClaimPending(ctx, 1, "worker-a", time.Minute)
	require.NoError(t, err)
	assert.Empty(t, none, "FAILED is terminal")

	dlq, err := outbox.NewDLQRepository(conn).FindByEventID(ctx, event.ID)
	require.NoError(t, err)
	require.NotNil(t, dlq)
	assert.Equal(t, enums.OutboxDLQReasonMaxAttempts, dlq.ErrorReason)
	assert.Equal(t, 2, dlq.AttemptCount)
}

func TestMarkFailedNonRetryableAndReasonOverride(t *testing.T) {
	repo, conn, _ := newRepo(t)
	ctx := context.Background()
	plain := insertEvent(t, repo, "invoice.issued", epoch)
	unknown := insertEvent(t, repo, "crm.unknown", epoch)

	_, err := repo.ClaimPending(ctx, 2, "worker-a", time.Minute)
	require.NoError(t, err)

	res, err := repo.MarkFailed(ctx, plain.ID, outbox.FailParams{
		WorkerID:    "worker-a",
		Err:         outbox.NonRetryable(errors.New("bad recipient")),
		Retryable:   false,
		MaxAttempts: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, enums.OutboxOutcomeFailed, res.Outcome)
	assert.Equal(t, 1, res.Attempts)

	res, err = repo.MarkFailed(ctx, unknown.ID, outbox.FailParams{
		WorkerID:    "worker-a",
		Err:         errors.New("no handler"),
		Retryable:   true,
		MaxAttempts: 1,
		Reason:      enums.OutboxDLQReasonUnknownEventType,
	})
	require.NoError(t, err)
	assert.Equal(t, enums.OutboxOutcomeFailed, res.Outcome)

	dlqRepo := outbox.NewDLQRepository(conn)
	entry, err := dlqRepo.FindByEventID(ctx, plain.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, enums.OutboxDLQReasonNonRetryable, entry.ErrorReason)

	entry, err = dlqRepo.FindByEventID(ctx, unknown.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, enums.OutboxDLQReasonUnknownEventType, entry.ErrorReason)
}

func TestMarkFailedRequiresOwnership(t *testing.T) {
	repo, _, _ := newRepo(t)
	ctx := context.Background()
	event := insertEvent(t, repo, "invoice.issued", epoch)

	_, err := repo.MarkFailed(ctx, event.ID, outbox.FailParams{WorkerID: "worker-a", Retryable: true, MaxAttempts: 3})
	assert.ErrorIs(t, err, outbox.ErrLeaseLost, "unclaimed event")

	_, err = repo.ClaimPending(ctx, 1, "worker-a", time.Minute)
	require.NoError(t, err)
	_, err = repo.MarkFailed(ctx, event.ID, outbox.FailParams{WorkerID: "worker-b", Retryable: true, MaxAttempts: 3})
	assert.ErrorIs(t, err, outbox.ErrLeaseLost)

	assert.Zero(t, load(t, repo, event.ID).Attempts)
}

func TestExtendLease(t *testing.T) {
	repo, _, clock := newRepo(t)
	ctx := context.Background()
	event := insertEvent(t, repo, "invoice.issued", epoch)

	_, err := repo.ClaimPending(ctx, 1, "worker-a", time.Second)
	require.NoError(t, err)

	clock.Advance(800 * time.Millisecond)
	ok, err := repo.ExtendLease(ctx, event.ID, "worker-a", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.ExtendLease(ctx, event.ID, "worker-b", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(500 * time.Millisecond)
	none, err := repo.ClaimPending(ctx, 1, "worker-b", time.Second)
	require.NoError(t, err)
	assert.Empty(t, none, "extended lease must still be live")
}

func TestQueueStatsRequeueAndRetention(t *testing.T) {
	repo, _, clock := newRepo(t)
	ctx := context.Background()

	sent := insertEvent(t, repo, "a", epoch.Add(-time.Minute))
	failed := insertEvent(t, repo, "a", epoch.Add(-30*time.Second))
	insertEvent(t, repo, "a", epoch.Add(-10*time.Second))
	insertEvent(t, repo, "a", epoch.Add(time.Hour))

	stats, err := repo.GetQueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Pending)
	assert.Equal(t, time.Minute, stats.OldestPendingAge)

	_, err = repo.ClaimPending(ctx, 2, "worker-a", time.Minute)
	require.NoError(t, err)
	ok, err := repo.MarkSent(ctx, sent.ID, "worker-a")
	require.NoError(t, err)
	require.True(t, ok)
	_, err = repo.MarkFailed(ctx, failed.ID, outbox.FailParams{WorkerID: "worker-a", Retryable: false, MaxAttempts: 5})
	require.NoError(t, err)

	stats, err = repo.GetQueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Pending)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Zero(t, stats.Processing)

	_, err = repo.Requeue(ctx, sent.ID)
	assert.ErrorIs(t, err, outbox.ErrNotRequeueable)
	_, err = repo.Requeue(ctx, uuid.New())
	assert.ErrorIs(t, err, outbox.ErrEventNotFound)

	before := load(t, repo, failed.ID)
	copied, err := repo.Requeue(ctx, failed.ID)
	require.NoError(t, err)
	assert.NotEqual(t, failed.ID, copied.ID)
	assert.Equal(t, enums.OutboxStatusPending, copied.Status)
	assert.Zero(t, copied.Attempts)
	assert.Equal(t, before.TenantID, copied.TenantID)
	assert.Equal(t, before.EventType, copied.EventType)
	assert.JSONEq(t, string(before.Payload), string(copied.Payload))
	assert.Equal(t, clock.Now().UTC().Truncate(time.Microsecond), copied.AvailableAt)
	assert.Nil(t, load(t, repo, copied.ID).LastError)

	after := load(t, repo, failed.ID)
	assert.Equal(t, enums.OutboxStatusFailed, after.Status, "the failed row is write-once")
	assert.Equal(t, before.Attempts, after.Attempts)
	assert.Equal(t, before.FailedAt, after.FailedAt)
	_, err = repo.DeadLetters().FindByEventID(ctx, failed.ID)
	require.NoError(t, err, "dead-letter entry survives the requeue")

	clock.Advance(48 * time.Hour)
	deleted, err := repo.DeleteSentBefore(ctx, clock.Now().Add(-24*time.Hour), 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	_, err = repo.FindByID(ctx, sent.ID)
	assert.ErrorIs(t, err, outbox.ErrEventNotFound)
}
