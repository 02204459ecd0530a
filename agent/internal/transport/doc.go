// Package transport sends wire payloads to the ingestion endpoint.
//
// Three senders implement Transport:
//   - fetch: JSON POST over a pooled keep-alive client
//   - xhr: the same request over a client that opens one connection per
//     report, used as the fallback
//   - beacon: fire-and-forget delivery for process shutdown; a batch is
//     accepted once it is handed to an in-flight goroutine, and Wait gives
//     those goroutines a grace period
//
// Select evaluates the fallback chain once against the injected
// Capabilities. A non-2xx answer is returned as *StatusError so callers can
// tell a rejected request from one that never reached the server.
//
// Every request carries capture.WithoutCapture so the network interceptor
// never observes the reporter's own calls.
package transport
