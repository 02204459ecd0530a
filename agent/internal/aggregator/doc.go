// Package aggregator folds repeated error records into per-fingerprint
// buckets and flushes them as annotated batches.
//
// Enqueue either hands a record to the fatal-bypass path or buckets it by
// fingerprint.Of. A single window timer, armed only when the aggregator is
// idle, flushes after Options.Window; reaching MaxBatch buckets forces an
// immediate flush. Each flushed record carries
// types.Aggregate{Count, FirstSeenAt, LastSeenAt}.
//
// Enqueue never waits on the downstream. Bypass sends and forced flushes go
// to a background sender that runs them one at a time in order; Wait blocks
// until it is idle. Window flushes run on the timer's goroutine.
//
// A live bucket absorbs every repeat of its fingerprint. The dedupe map
// records when a bucket was opened for each fingerprint and never holds
// more than DedupeMaxKeys entries; the globally oldest key is evicted first.
package aggregator
