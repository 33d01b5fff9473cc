// Package retry holds the table-driven backoff policy shared by the outbox
// delivery path. The policy is a pure function of failure classification and
// attempt count, so the schedule can be tuned from configuration without
// touching any state-transition code.
package retry

import "time"

// FailureType classifies a failed delivery attempt. It is declared explicitly
// by the sender, never inferred downstream from error inspection.
type FailureType string

const (
	// Temporary failures (network timeouts, 5xx responses) are retried
	// according to the schedule.
	Temporary FailureType = "temporary"
	// Permanent failures (4xx validation, unknown recipient) are never retried.
	Permanent FailureType = "permanent"
)

// Valid reports whether f is a known failure classification.
func (f FailureType) Valid() bool {
	return f == Temporary || f == Permanent
}

// Outcome is the decision produced for one failed attempt.
type Outcome struct {
	// Terminal marks the item permanently failed; NextRetryAt is zero.
	Terminal bool
	// NextRetryAt is the not-before time of the next attempt (non-terminal only).
	NextRetryAt time.Time
}

// Schedule is an ordered list of wait durations consulted by retry count.
// Entry i is the wait applied after the (i+1)-th temporary failure; a retry
// count past the end of the schedule is exhaustion.
type Schedule []time.Duration

// Default is the reference schedule: 1, 5, 30 and 60 minutes.
func Default() Schedule {
	return Schedule{1 * time.Minute, 5 * time.Minute, 30 * time.Minute, 60 * time.Minute}
}

// Next returns the outcome for a failed attempt. retryCount is the attempt
// counter after incrementing for the current failure, so the first failure
// passes 1. A permanent failure is terminal regardless of retryCount.
func (s Schedule) Next(failureType FailureType, retryCount int, now time.Time) Outcome {
	if failureType == Permanent {
		return Outcome{Terminal: true}
	}
	if retryCount < 1 || retryCount > len(s) {
		return Outcome{Terminal: true}
	}
	return Outcome{NextRetryAt: now.Add(s[retryCount-1])}
}
