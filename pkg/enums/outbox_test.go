package enums

import "testing"

func TestOutboxStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to OutboxStatus
		allowed  bool
	}{
		{OutboxStatusPending, OutboxStatusProcessing, true},
		{OutboxStatusPending, OutboxStatusSent, false},
		{OutboxStatusProcessing, OutboxStatusProcessing, true},
		{OutboxStatusProcessing, OutboxStatusSent, true},
		{OutboxStatusProcessing, OutboxStatusPending, true},
		{OutboxStatusProcessing, OutboxStatusFailed, true},
		{OutboxStatusSent, OutboxStatusPending, false},
		{OutboxStatusSent, OutboxStatusProcessing, false},
		{OutboxStatusFailed, OutboxStatusProcessing, false},
		{OutboxStatusFailed, OutboxStatusPending, false},
		{OutboxStatusFailed, OutboxStatusFailed, false},
		{OutboxStatusProcessing, OutboxStatus("DONE"), false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.allowed {
			t.Errorf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.allowed, got)
		}
	}
}

func TestOutboxStatusIsValid(t *testing.T) {
	if !OutboxStatusSent.IsValid() || OutboxStatus("sent").IsValid() {
		t.Fatal("status validation must be case sensitive")
	}
	if !OutboxDLQReasonUnknownEventType.IsValid() {
		t.Fatal("expected unknown_event_type to be a valid dlq reason")
	}
}

func TestParseOutboxDLQErrorReason(t *testing.T) {
	for _, reason := range OutboxDLQErrorReasons() {
		parsed, err := ParseOutboxDLQErrorReason(string(reason))
		if err != nil || parsed != reason {
			t.Fatalf("unexpected parse result %q, %v", parsed, err)
		}
	}
	if _, err := ParseOutboxDLQErrorReason("timeout"); err == nil {
		t.Fatal("expected unknown reason to be rejected")
	}
	if _, err := ParseOutboxDLQErrorReason(""); err == nil {
		t.Fatal("expected empty reason to be rejected")
	}
}
