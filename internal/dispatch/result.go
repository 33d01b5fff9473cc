// Package dispatch delivers pending outbox items through pluggable
// per-channel senders on a fixed interval.
//
// The dispatcher is an explicit service object with a Start/Stop lifecycle,
// owned by the process composition root. At most one pass runs at a time
// inside a process; the guard is a best-effort in-process flag, so running
// multiple dispatcher processes can turn at-least-once delivery into
// duplicate delivery. That trade-off is deliberate: outbox delivery tolerates
// at-least-once, and ListPendingOutbox takes no row locks.
package dispatch

import "github.com/torotorokou/sanbou-app-sub002/internal/retry"

// Result is the outcome of one delivery attempt, declared explicitly by the
// sender. Classification is never inferred from error inspection downstream:
// a sender that cannot tell should report a temporary failure and let the
// retry schedule bound the damage.
type Result struct {
	failure retry.FailureType // empty on success
	reason  string
}

// Success reports a completed delivery.
func Success() Result {
	return Result{}
}

// TemporaryFailure reports a retryable failure (timeout, 5xx).
func TemporaryFailure(reason string) Result {
	return Result{failure: retry.Temporary, reason: reason}
}

// PermanentFailure reports a non-retryable failure (validation, unknown
// recipient).
func PermanentFailure(reason string) Result {
	return Result{failure: retry.Permanent, reason: reason}
}

// OK reports whether the delivery succeeded.
func (r Result) OK() bool { return r.failure == "" }

// Failure returns the classification and reason of a failed result.
// Only meaningful when OK is false.
func (r Result) Failure() (retry.FailureType, string) {
	return r.failure, r.reason
}
