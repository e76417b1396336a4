package decision

import (
	"time"
)

// Status enumerates the possible outcomes of task arbitration.
type Status string

const (
	StatusApproved Status = "APPROVED"
	StatusDeduped  Status = "DEDUPED"
	StatusDelayed  Status = "DELAYED"
	StatusRejected Status = "REJECTED"
)

// Reason is a machine-readable rejection/delay cause agents can branch on.
type Reason string

const (
	ReasonValidation      Reason = "validation_error"
	ReasonBudgetExceeded  Reason = "budget_exceeded"
	ReasonRateLimited     Reason = "rate_limited"
	ReasonLoopDetected    Reason = "loop_detected"
	ReasonCascadeDetected Reason = "cascade_detected"
	ReasonCircuitOpen     Reason = "circuit_open"
	ReasonDuplicateTask   Reason = "duplicate_task"
	ReasonBackpressure    Reason = "backpressure"
)

// Decision is the structured result of a submission. Every arbitration
// outcome is expressed as one of these; errors crossing the arbitration
// boundary indicate store/transport failures, never a verdict.
type Decision struct {
	Status      Status     `json:"status"`
	TaskID      string     `json:"task_id,omitempty"`
	SubscribeTo string     `json:"subscribe_to,omitempty"`
	Reason      Reason     `json:"reason,omitempty"`
	Detail      string     `json:"detail,omitempty"`
	RetryAfter  *time.Time `json:"retry_after,omitempty"`
}

// Retryable reports whether resubmitting the same task can ever succeed.
// Loop and cascade rejections re-trigger the same detection, so the caller
// must alter the task; duplicates should be subscribed to instead.
func (d Decision) Retryable() bool {
	switch d.Status {
	case StatusApproved:
		return false
	case StatusDeduped:
		return false
	case StatusDelayed:
		return true
	}
	switch d.Reason {
	case ReasonBudgetExceeded, ReasonRateLimited, ReasonCircuitOpen:
		return true
	}
	return false
}

// Approved builds an approval decision for a freshly admitted task.
func Approved(taskID string) Decision {
	return Decision{Status: StatusApproved, TaskID: taskID}
}

// Deduped points the caller at the already-admitted task carrying the same
// fingerprint.
func Deduped(existingTaskID string) Decision {
	return Decision{
		Status:      StatusDeduped,
		SubscribeTo: existingTaskID,
		Reason:      ReasonDuplicateTask,
	}
}

// Delayed tells the caller to retry after the given time.
func Delayed(reason Reason, detail string, retryAfter time.Time) Decision {
	return Decision{
		Status:     StatusDelayed,
		Reason:     reason,
		Detail:     detail,
		RetryAfter: &retryAfter,
	}
}

// Rejected builds a terminal rejection.
func Rejected(reason Reason, detail string) Decision {
	return Decision{Status: StatusRejected, Reason: reason, Detail: detail}
}

// RejectedUntil builds a rejection that becomes retryable once the given
// time passes (circuit-open, budget window resets).
func RejectedUntil(reason Reason, detail string, until time.Time) Decision {
	return Decision{
		Status:     StatusRejected,
		Reason:     reason,
		Detail:     detail,
		RetryAfter: &until,
	}
}
