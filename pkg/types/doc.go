// Package types defines shared Go types used by both the agent and the sink.
// These are the canonical in-memory representations of captured faults and
// session-replay snapshots, plus the JSON wire format exchanged with the
// ingestion endpoint.
package types
