// Package replay keeps a rolling, bounded window of UI interaction events
// and serializes it into size-capped snapshots attached to error records.
//
// Writes are coalesced: Record and RecordRaw append to a pending list that a
// debounce timer (FlushInterval) moves into the durable buffer. Eviction
// runs after every flush, by age (Window) from the front and then by count
// (MaxEvents).
//
// Lite events are filtered before they are buffered: canvas and svg
// targets are skipped, include/exclude selector lists apply to events that
// carry a target, mousemove ("mm") events are throttled, and input values
// are masked.
//
// Snapshot trims from the oldest event until the serialized array fits
// MaxBytes. With compression enabled the array is gzip+base64 encoded; a
// background goroutine compresses the buffer after each flush and its
// latest result is reused when the snapshot covers the same events.
package replay
