// Package state persists small key/value strings across agent restarts:
// the session ID and one-time markers such as the performance-capture
// flag.
//
// Memory keeps values in process. File stores a CBOR-encoded map and
// rewrites it atomically (temp file + rename) on every Set.
package state
