// Package monitor is the producer-facing entry point of the delivery
// pipeline. It resolves the configuration once, builds every component and
// wires them:
//
//	TriggerError -> onError handlers -> replay snapshot + session ID
//	  -> aggregator -> rate limiter -> shipper -> transport
//	  -> (failure) retry queue -> shipper
//	Unload -> drain buckets, overflow and retry queue -> beacon
//
// TriggerError never panics into the caller: handler panics are recovered
// and logged without blocking the other handlers. It never waits on the
// network either, so the capture interceptor can call it inline.
//
// When network capture is enabled the monitor installs a capture
// interceptor on the configured HTTP clients (http.DefaultClient by
// default) and feeds what it records back into TriggerError. Slow-request
// capture is claimed by one monitor per process through the state store.
package monitor
