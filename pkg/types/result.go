package types

import "fmt"

// Outcome is the coarse result of handing records to the pipeline.
type Outcome string

const (
	Delivered Outcome = "delivered"
	Queued    Outcome = "queued"
	Dropped   Outcome = "dropped"
)

// Reason explains a Queued or Dropped outcome.
type Reason string

const (
	// ReasonBuffered indicates the record is waiting in an aggregation bucket.
	ReasonBuffered Reason = "buffered"

	// ReasonSending indicates the record was handed to the background sender.
	ReasonSending Reason = "sending"

	// ReasonRateLimited indicates the record was parked in the overflow buffer.
	ReasonRateLimited Reason = "rate_limited"

	// ReasonRetryScheduled indicates a failed send was handed to the retry queue.
	ReasonRetryScheduled Reason = "retry_scheduled"

	// ReasonRetryExhausted indicates the record failed max_attempts times.
	ReasonRetryExhausted Reason = "retry_exhausted"

	// ReasonTransportFailed indicates a failed send with retry disabled.
	ReasonTransportFailed Reason = "transport_failed"

	// ReasonNoTransport indicates no transport in the fallback chain is available.
	ReasonNoTransport Reason = "no_transport"

	// ReasonDestroyed indicates the component was torn down.
	ReasonDestroyed Reason = "destroyed"

	// ReasonEmptyBatch indicates there was nothing to send.
	ReasonEmptyBatch Reason = "empty_batch"

	// ReasonEncodeFailed indicates the payload could not be serialized.
	ReasonEncodeFailed Reason = "encode_failed"

	// ReasonInternalError indicates the pipeline recovered from a panic.
	ReasonInternalError Reason = "internal_error"
)

// Result is the typed outcome returned by report paths so callers (and
// tests) can tell a delivery from a deferral or a loss.
type Result struct {
	Outcome Outcome
	Reason  Reason
	Count   int // records covered by this result
}

func DeliveredResult(n int) Result { return Result{Outcome: Delivered, Count: n} }

func QueuedResult(reason Reason, n int) Result {
	return Result{Outcome: Queued, Reason: reason, Count: n}
}

func DroppedResult(reason Reason, n int) Result {
	return Result{Outcome: Dropped, Reason: reason, Count: n}
}

func (r Result) String() string {
	if r.Reason == "" {
		return fmt.Sprintf("%s(%d)", r.Outcome, r.Count)
	}
	return fmt.Sprintf("%s(%s, %d)", r.Outcome, r.Reason, r.Count)
}
