// Package shipper is the delivery front of the pipeline: it hands records
// to the selected transport and turns the outcome into a types.Result.
//
// Report and ReportBatch are used by the rate limiter and the fatal bypass.
// A failed send is handed to the retry queue, one record at a time, with
// one failed attempt; with retry disabled it is dropped as
// transport_failed. Payloads that cannot be encoded are dropped as
// encode_failed without a retry.
//
// Send and SendBatch implement retry.Sender. They call the transport
// directly so a failed resend never re-enters the retry queue through the
// report path.
//
// The transport can be swapped at runtime with SetTransport. Each request
// is bounded by the configured timeout.
package shipper
