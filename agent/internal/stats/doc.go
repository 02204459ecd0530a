// Package stats counts what the delivery pipeline did with every record:
// delivered, queued (and why), dropped (and why), deduplicated, parked in
// overflow, redriven, and replay events evicted.
//
// All methods are safe for concurrent use and are no-ops on a nil *Stats, so
// components can be built without a collector in tests.
//
// WriteText renders the counters in the Prometheus text exposition format
// using the client_model protobuf types and the expfmt encoder; the agent
// serves it on /metrics.
package stats
