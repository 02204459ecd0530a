package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/obsidianstack/obsidianrum/agent/internal/config"
	"github.com/obsidianstack/obsidianrum/agent/internal/stats"
	"github.com/obsidianstack/obsidianrum/pkg/types"
)

// ErrPayloadTooLarge is returned when a single record exceeds the beacon
// size limit on its own.
var ErrPayloadTooLarge = errors.New("transport: payload exceeds beacon limit")

// OversizeError reports how many records of a batch were skipped because
// they exceed the beacon limit on their own. It matches ErrPayloadTooLarge.
type OversizeError struct {
	Skipped int
}

func (e *OversizeError) Error() string {
	return fmt.Sprintf("%v: %d records skipped", ErrPayloadTooLarge, e.Skipped)
}

func (e *OversizeError) Unwrap() error { return ErrPayloadTooLarge }

// Beacon is the fire-and-forget sender used on shutdown. Report and
// ReportBatch return once the payload has been handed to an in-flight
// goroutine; the outcome of the request itself is only logged.
type Beacon struct {
	ep       Endpoints
	client   *http.Client
	maxBytes int
	stats    *stats.Stats
	now      func() time.Time

	wg sync.WaitGroup
}

// rawBatch mirrors types.BatchPayload over pre-encoded payloads so chunks
// can be sized without re-encoding.
type rawBatch struct {
	Timestamp int64             `json:"timestamp"`
	Count     int               `json:"count"`
	Errors    []json.RawMessage `json:"errors"`
}

// NewBeacon returns a Beacon posting to the endpoints in cfg.
func NewBeacon(cfg config.ReportConfig, st *stats.Stats) (*Beacon, error) {
	ep, err := EndpointsFrom(cfg)
	if err != nil {
		return nil, err
	}
	client, err := buildHTTPClient(cfg.Transport, true)
	if err != nil {
		return nil, fmt.Errorf("transport beacon: build http client: %w", err)
	}
	maxBytes := cfg.Transport.BeaconMaxBytes
	if maxBytes <= 0 {
		maxBytes = config.DefaultBeaconMaxBytes
	}
	return &Beacon{ep: ep, client: client, maxBytes: maxBytes, stats: st, now: time.Now}, nil
}

func (b *Beacon) Name() string { return NameBeacon }

// Report queues one record for delivery to the report URL.
func (b *Beacon) Report(ctx context.Context, rec types.ErrorRecord) error {
	body, err := json.Marshal(types.ToPayload(rec))
	if err != nil {
		return fmt.Errorf("%w: beacon: %v", ErrEncode, err)
	}
	if len(body) > b.maxBytes {
		return ErrPayloadTooLarge
	}
	b.launch(ctx, b.ep.Report, body, 1)
	return nil
}

// ReportBatch queues recs for delivery to the batch URL, split into as many
// beacons as the size limit requires. Records too large to fit any beacon
// are skipped and reported through ErrPayloadTooLarge after the rest have
// been queued.
func (b *Beacon) ReportBatch(ctx context.Context, recs []types.ErrorRecord) error {
	if len(recs) == 0 {
		return ErrEmptyBatch
	}

	encoded := make([]json.RawMessage, 0, len(recs))
	for _, rec := range recs {
		p, err := json.Marshal(types.ToPayload(rec))
		if err != nil {
			return fmt.Errorf("%w: beacon: %v", ErrEncode, err)
		}
		encoded = append(encoded, p)
	}

	chunks, oversized := b.split(encoded)
	for _, chunk := range chunks {
		body, err := json.Marshal(rawBatch{Timestamp: types.EpochMillis(b.now()), Count: len(chunk), Errors: chunk})
		if err != nil {
			return fmt.Errorf("%w: beacon batch: %v", ErrEncode, err)
		}
		b.launch(ctx, b.ep.Batch, body, len(chunk))
	}

	if oversized > 0 {
		return &OversizeError{Skipped: oversized}
	}
	return nil
}

// split groups payloads greedily, in order, so each batch body stays within
// maxBytes.
func (b *Beacon) split(encoded []json.RawMessage) (chunks [][]json.RawMessage, oversized int) {
	var cur []json.RawMessage
	size := 0
	for _, p := range encoded {
		if envelopeSize(1)+len(p) > b.maxBytes {
			oversized++
			continue
		}
		if len(cur) > 0 && envelopeSize(len(cur)+1)+size+len(p) > b.maxBytes {
			chunks = append(chunks, cur)
			cur, size = nil, 0
		}
		cur = append(cur, p)
		size += len(p)
	}
	if len(cur) > 0 {
		chunks = append(chunks, cur)
	}
	return chunks, oversized
}

// envelopeSize is the byte length of a rawBatch body around n payloads,
// excluding the payloads themselves. The timestamp is sized at its widest.
func envelopeSize(n int) int {
	const fixed = len(`{"timestamp":,"count":,"errors":[]}`)
	commas := 0
	if n > 1 {
		commas = n - 1
	}
	return fixed + 13 + len(strconv.Itoa(n)) + commas
}

// launch posts body in a goroutine detached from ctx cancellation; the
// client timeout still bounds it.
func (b *Beacon) launch(ctx context.Context, url string, body []byte, records int) {
	ctx = context.WithoutCancel(ctx)
	b.stats.BeaconSent()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := post(ctx, b.client, url, body); err != nil {
			slog.Warn("transport: beacon failed", "url", url, "records", records, "err", err)
			return
		}
		slog.Debug("transport: beacon delivered", "url", url, "records", records, "bytes", len(body))
	}()
}

// Wait blocks until every in-flight beacon has finished or ctx is done.
func (b *Beacon) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
