// Package fingerprint derives stable deduplication keys from error records.
//
// Of(rec) groups occurrences of "the same" incident:
//   - network records   → kind|method|path|status
//   - resource records  → kind|tag|path
//   - everything else   → kind|message(≤200)|path|stack head
//
// Paths are resolved against the record's page URL and stripped of query
// and fragment so the same endpoint hit with different parameters still
// collapses. The stack head keeps the first three frames without their
// :line:col suffixes.
//
// RetryKey(rec) is a separate, stricter key used by the retry queue.
package fingerprint
