package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/obsidianstack/obsidianrum/agent/internal/config"
	"github.com/obsidianstack/obsidianrum/pkg/types"
)

// Transport names.
const (
	NameFetch  = config.TransportFetch
	NameXHR    = config.TransportXHR
	NameBeacon = config.TransportBeacon
)

var (
	// ErrNoURL is returned when a transport is built without an endpoint.
	ErrNoURL = errors.New("transport: report url is empty")

	// ErrEmptyBatch is returned by ReportBatch for a zero-length batch.
	ErrEmptyBatch = errors.New("transport: empty batch")

	// ErrEncode wraps payload serialization failures. Retrying cannot help.
	ErrEncode = errors.New("transport: encode payload")

	// ErrNoTransport is returned by Select when nothing in the chain is
	// available.
	ErrNoTransport = errors.New("transport: no transport available")
)

// Transport delivers records to the ingestion endpoint.
type Transport interface {
	Name() string
	Report(ctx context.Context, rec types.ErrorRecord) error
	ReportBatch(ctx context.Context, recs []types.ErrorRecord) error
}

// StatusError is returned when the server answered with a non-2xx status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transport: %s: unexpected status %d", e.URL, e.StatusCode)
}

// IsRejected reports whether err is a *StatusError, i.e. the server was
// reached but did not accept the payload.
func IsRejected(err error) bool {
	var se *StatusError
	return errors.As(err, &se)
}

// BatchURL derives the batch endpoint from the single-record URL by
// appending "/batch" unless it already ends in "/batch".
func BatchURL(url string) string {
	trimmed := strings.TrimRight(url, "/")
	if strings.HasSuffix(trimmed, "/batch") {
		return trimmed
	}
	return trimmed + "/batch"
}

// Endpoints holds the resolved report URLs.
type Endpoints struct {
	Report string
	Batch  string
}

// EndpointsFrom resolves the report and batch URLs from cfg. An explicit
// batch_url wins over the derived one.
func EndpointsFrom(cfg config.ReportConfig) (Endpoints, error) {
	if cfg.URL == "" {
		return Endpoints{}, ErrNoURL
	}
	ep := Endpoints{Report: cfg.URL, Batch: cfg.BatchURL}
	if ep.Batch == "" {
		ep.Batch = BatchURL(cfg.URL)
	}
	return ep, nil
}
