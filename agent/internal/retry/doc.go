// Package retry re-sends failed records with exponential backoff.
//
// Records are keyed by fingerprint.RetryKey. A record scheduled while its
// key is already pending is merged into the pending item: attempts advance
// and the occurrence counts are summed. A record whose attempts reach
// MaxAttempts is discarded as retry_exhausted.
//
// One timer serves the whole queue, armed for the earliest due item. When
// it fires, every due item is removed before any resend. Several due items
// go out as one batch; if the server rejects the batch (*transport.StatusError)
// every item is rescheduled, and if the batch never reached the server each
// item is retried individually. The timer is not re-armed once the queue is
// empty.
package retry
