// Package api implements the sink's read-only REST API.
//
// Register(router, store) mounts:
//
//	GET /api/v1/health      : record and occurrence totals
//	GET /api/v1/errors      : live records, newest first (?type=JS|RESOURCE|NETWORK|PERFORMANCE)
//	GET /api/v1/errors/:id  : single record with decoded replay events; 404 if unknown or stale
//	GET /api/v1/summary     : records and occurrences per type
//
// Occurrences count the `_aggregate.count` of each record (1 when absent),
// so a bucket flushed by the agent counts for every error it folded.
package api
