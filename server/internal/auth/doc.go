// Package auth provides the API key middleware for the sink's ingestion
// routes.
//
// APIKey(mode, header, key) returns a fiber.Handler that compares the named
// request header with the expected key. When mode != "apikey" or key == "",
// every request passes through (local development with auth disabled).
// A missing or incorrect key is answered with 401 immediately.
package auth
