package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/obsidianstack/obsidianrum/agent/internal/capture"
	"github.com/obsidianstack/obsidianrum/agent/internal/config"
	"github.com/obsidianstack/obsidianrum/pkg/types"
)

// maxDrain bounds how much of a response body is read before closing so the
// connection can be reused.
const maxDrain = 4 << 10

// HTTP is the fetch and xhr sender: a synchronous JSON POST whose error
// reports whether the endpoint accepted the payload.
type HTTP struct {
	name   string
	ep     Endpoints
	client *http.Client
	now    func() time.Time
}

// NewFetch returns the primary sender, posting over a pooled keep-alive
// client.
func NewFetch(cfg config.ReportConfig) (*HTTP, error) {
	return newHTTP(NameFetch, cfg, true)
}

// NewXHR returns the fallback sender. It opens a fresh connection for every
// report.
func NewXHR(cfg config.ReportConfig) (*HTTP, error) {
	return newHTTP(NameXHR, cfg, false)
}

func newHTTP(name string, cfg config.ReportConfig, keepAlive bool) (*HTTP, error) {
	ep, err := EndpointsFrom(cfg)
	if err != nil {
		return nil, err
	}
	client, err := buildHTTPClient(cfg.Transport, keepAlive)
	if err != nil {
		return nil, fmt.Errorf("transport %s: build http client: %w", name, err)
	}
	return &HTTP{name: name, ep: ep, client: client, now: time.Now}, nil
}

func (t *HTTP) Name() string { return t.name }

// Report posts one record to the report URL.
func (t *HTTP) Report(ctx context.Context, rec types.ErrorRecord) error {
	body, err := json.Marshal(types.ToPayload(rec))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrEncode, t.name, err)
	}
	return post(ctx, t.client, t.ep.Report, body)
}

// ReportBatch posts recs to the batch URL in one request.
func (t *HTTP) ReportBatch(ctx context.Context, recs []types.ErrorRecord) error {
	if len(recs) == 0 {
		return ErrEmptyBatch
	}
	body, err := json.Marshal(types.NewBatchPayload(recs, t.now()))
	if err != nil {
		return fmt.Errorf("%w: %s batch: %v", ErrEncode, t.name, err)
	}
	return post(ctx, t.client, t.ep.Batch, body)
}

// post sends body as JSON and maps non-2xx answers to *StatusError.
func post(ctx context.Context, client *http.Client, url string, body []byte) error {
	req, err := http.NewRequestWithContext(capture.WithoutCapture(ctx), http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("transport: post %s: %w", url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return nil
}
