package decision

import (
	"testing"
	"time"
)

func TestRetryable(t *testing.T) {
	until := time.Now().Add(time.Minute)
	cases := []struct {
		name string
		d    Decision
		want bool
	}{
		{"approved", Approved("t1"), false},
		{"deduped", Deduped("t1"), false},
		{"rate delayed", Delayed(ReasonRateLimited, "", until), true},
		{"budget", RejectedUntil(ReasonBudgetExceeded, "", until), true},
		{"circuit", RejectedUntil(ReasonCircuitOpen, "", until), true},
		{"loop", Rejected(ReasonLoopDetected, ""), false},
		{"validation", Rejected(ReasonValidation, ""), false},
	}
	for _, tc := range cases {
		if got := tc.d.Retryable(); got != tc.want {
			t.Fatalf("%s: Retryable()=%v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestDedupedCarriesSubscribeTo(t *testing.T) {
	d := Deduped("existing-task")
	if d.SubscribeTo != "existing-task" {
		t.Fatalf("expected subscribe_to to point at the winner, got %q", d.SubscribeTo)
	}
	if d.Reason != ReasonDuplicateTask {
		t.Fatalf("expected duplicate_task reason, got %s", d.Reason)
	}
}

func TestDelayedCarriesRetryAfter(t *testing.T) {
	at := time.Now().Add(30 * time.Second)
	d := Delayed(ReasonRateLimited, "window full", at)
	if d.RetryAfter == nil || !d.RetryAfter.Equal(at) {
		t.Fatalf("expected retry_after %v, got %v", at, d.RetryAfter)
	}
}
