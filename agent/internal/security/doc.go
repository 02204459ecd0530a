// Package security inspects the TLS certificate of the report endpoint so
// an expiring or unreachable ingestion host shows up in the agent log at
// start-up.
package security
