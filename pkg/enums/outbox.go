package enums

// OutboxStatus maps to the status column of outbox_events.
type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "PENDING"
	OutboxStatusProcessing OutboxStatus = "PROCESSING"
	OutboxStatusSent       OutboxStatus = "SENT"
	OutboxStatusFailed     OutboxStatus = "FAILED"
)

var validOutboxStatuses = []OutboxStatus{
	OutboxStatusPending,
	OutboxStatusProcessing,
	OutboxStatusSent,
	OutboxStatusFailed,
}

// IsValid reports whether the value matches a known lifecycle state.
func (s OutboxStatus) IsValid() bool {
	for _, candidate := range validOutboxStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// CanTransitionTo reports whether a transition from s to next is allowed. SENT and
// FAILED are write-once; PROCESSING -> PROCESSING covers a reclaim after lease expiry.
func (s OutboxStatus) CanTransitionTo(next OutboxStatus) bool {
	if !next.IsValid() {
		return false
	}
	switch s {
	case OutboxStatusPending:
		return next == OutboxStatusProcessing
	case OutboxStatusProcessing:
		return next == OutboxStatusProcessing || next == OutboxStatusPending ||
			next == OutboxStatusSent || next == OutboxStatusFailed
	default:
		return false
	}
}

// OutboxFailOutcome is the result of a failed delivery attempt.
type OutboxFailOutcome string

const (
	OutboxOutcomeRetried OutboxFailOutcome = "retried"
	OutboxOutcomeFailed  OutboxFailOutcome = "failed"
)
