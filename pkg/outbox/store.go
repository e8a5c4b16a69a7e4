package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/backoffice-core/pkg/db/models"
	"github.com/angelmondragon/backoffice-core/pkg/enums"
)

// Event is the persisted outbox row.
type Event = models.OutboxEvent

var (
	// ErrLeaseLost is returned when the caller no longer owns the event's lease.
	ErrLeaseLost = errors.New("outbox lease lost")
	// ErrEventNotFound is returned when no event matches the id.
	ErrEventNotFound = errors.New("outbox event not found")
	// ErrDuplicateEvent is returned when an event id is inserted twice.
	ErrDuplicateEvent = errors.New("outbox event already exists")
	// ErrNotRequeueable is returned when requeue targets an event that is not FAILED.
	ErrNotRequeueable = errors.New("outbox event is not in FAILED status")
)

// Store is the durable queue contract the poller depends on. Every state transition
// is atomic inside the implementation; callers keep no claimed state between calls.
type Store interface {
	ClaimPending(ctx context.Context, limit int, workerID string, lease time.Duration) ([]Event, error)
	ExtendLease(ctx context.Context, id uuid.UUID, workerID string, lease time.Duration) (bool, error)
	MarkSent(ctx context.Context, id uuid.UUID, workerID string) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, params FailParams) (FailResult, error)
	FetchPending(ctx context.Context, limit int) ([]Event, error)
	GetQueueStats(ctx context.Context) (QueueStats, error)
}

// FailParams describes a failed delivery attempt.
type FailParams struct {
	WorkerID       string
	Err            error
	Retryable      bool
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RetryJitter    time.Duration
	MaxAttempts    int
	// Reason overrides the dead-letter reason recorded on a terminal failure.
	Reason enums.OutboxDLQErrorReason
}

// FailResult reports what the store decided for a failed attempt.
type FailResult struct {
	Outcome         enums.OutboxFailOutcome
	Attempts        int
	NextAvailableAt *time.Time
}

type QueueStats struct {
	Pending          int64
	Processing       int64
	Failed           int64
	OldestPendingAge time.Duration
}

// FailureDecision is the retry-or-terminal outcome for one failed attempt. Every
// Store implementation derives its transition from DecideFailure.
type FailureDecision struct {
	Attempts    int
	Terminal    bool
	AvailableAt time.Time
	Reason      enums.OutboxDLQErrorReason
}

// DecideFailure increments current and decides whether the event is rescheduled with
// backoff or failed terminally.
func DecideFailure(current int, now time.Time, params FailParams) FailureDecision {
	attempts := current + 1
	decision := FailureDecision{Attempts: attempts}

	maxAttempts := params.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	switch {
	case !params.Retryable:
		decision.Terminal = true
		decision.Reason = enums.OutboxDLQReasonNonRetryable
	case attempts >= maxAttempts:
		decision.Terminal = true
		decision.Reason = enums.OutboxDLQReasonMaxAttempts
	default:
		decision.AvailableAt = now.Add(BackoffDelay(attempts, params.RetryBaseDelay, params.RetryMaxDelay, params.RetryJitter))
	}
	if decision.Terminal && params.Reason.IsValid() {
		decision.Reason = params.Reason
	}
	return decision
}

// Status is the state the event moves to after this failure.
func (d FailureDecision) Status() enums.OutboxStatus {
	if d.Terminal {
		return enums.OutboxStatusFailed
	}
	return enums.OutboxStatusPending
}

func (d FailureDecision) Result() FailResult {
	if d.Terminal {
		return FailResult{Outcome: enums.OutboxOutcomeFailed, Attempts: d.Attempts}
	}
	next := d.AvailableAt
	return FailResult{Outcome: enums.OutboxOutcomeRetried, Attempts: d.Attempts, NextAvailableAt: &next}
}

// ErrorMessage renders err for last_error, tolerating nil.
func ErrorMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
