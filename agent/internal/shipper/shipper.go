package shipper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/obsidianstack/obsidianrum/agent/internal/stats"
	"github.com/obsidianstack/obsidianrum/agent/internal/transport"
	"github.com/obsidianstack/obsidianrum/pkg/types"
)

const defaultSendTimeout = 10 * time.Second

// Scheduler accepts failed records for a later attempt. *retry.Queue
// implements it.
type Scheduler interface {
	Schedule(rec types.ErrorRecord, failedAttempts int) types.Result
}

// Options configures a Shipper.
type Options struct {
	// Timeout bounds a single send.
	Timeout time.Duration
	Stats   *stats.Stats
}

// Shipper sends records through the current transport.
// All exported methods are safe for concurrent use.
type Shipper struct {
	opts Options

	mu        sync.RWMutex
	transport transport.Transport
	retry     Scheduler
}

// New returns a Shipper sending through t. t may be nil when no transport
// is available; every report is then dropped as no_transport.
func New(t transport.Transport, opts Options) *Shipper {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultSendTimeout
	}
	return &Shipper{opts: opts, transport: t}
}

// SetRetry installs the retry queue. nil disables retry.
func (s *Shipper) SetRetry(q Scheduler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retry = q
}

// SetTransport swaps the transport used by later sends.
func (s *Shipper) SetTransport(t transport.Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transport = t
	if t != nil {
		slog.Info("shipper: transport set", "transport", t.Name())
	}
}

// Transport returns the current transport, or nil.
func (s *Shipper) Transport() transport.Transport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transport
}

func (s *Shipper) current() (transport.Transport, Scheduler) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transport, s.retry
}

// Report sends one record.
func (s *Shipper) Report(ctx context.Context, rec types.ErrorRecord) types.Result {
	t, q := s.current()
	if t == nil {
		return s.record(types.DroppedResult(types.ReasonNoTransport, 1))
	}

	err := s.send(ctx, func(ctx context.Context) error { return t.Report(ctx, rec) })
	if err == nil {
		slog.Debug("shipper: record delivered", "transport", t.Name(), "kind", rec.Kind)
		return s.record(types.DeliveredResult(1))
	}
	return s.failed(t, q, []types.ErrorRecord{rec}, err)
}

// ReportBatch sends recs in one request.
func (s *Shipper) ReportBatch(ctx context.Context, recs []types.ErrorRecord) types.Result {
	if len(recs) == 0 {
		return types.DroppedResult(types.ReasonEmptyBatch, 0)
	}
	t, q := s.current()
	if t == nil {
		return s.record(types.DroppedResult(types.ReasonNoTransport, len(recs)))
	}

	err := s.send(ctx, func(ctx context.Context) error { return t.ReportBatch(ctx, recs) })
	if err == nil {
		slog.Debug("shipper: batch delivered", "transport", t.Name(), "records", len(recs))
		return s.record(types.DeliveredResult(len(recs)))
	}
	return s.failed(t, q, recs, err)
}

// Deliver forwards records as a single report or a batch. It matches
// ratelimit.DeliverFunc.
func (s *Shipper) Deliver(recs []types.ErrorRecord) types.Result {
	if len(recs) == 1 {
		return s.Report(context.Background(), recs[0])
	}
	return s.ReportBatch(context.Background(), recs)
}

// failed maps a send error onto the retry queue or a drop.
func (s *Shipper) failed(t transport.Transport, q Scheduler, recs []types.ErrorRecord, err error) types.Result {
	if errors.Is(err, transport.ErrEncode) {
		slog.Error("shipper: payload encode failed, dropping", "records", len(recs), "err", err)
		return s.record(types.DroppedResult(types.ReasonEncodeFailed, len(recs)))
	}
	if q == nil {
		slog.Warn("shipper: send failed, retry disabled",
			"transport", t.Name(), "records", len(recs), "err", err)
		return s.record(types.DroppedResult(types.ReasonTransportFailed, len(recs)))
	}

	slog.Warn("shipper: send failed, scheduling retry",
		"transport", t.Name(), "records", len(recs), "err", err)
	queued := 0
	for _, rec := range recs {
		if q.Schedule(rec, 1).Outcome == types.Queued {
			queued++
		}
	}
	if queued == 0 {
		// Drops were already counted by the retry queue.
		return types.DroppedResult(types.ReasonRetryExhausted, len(recs))
	}
	return s.record(types.QueuedResult(types.ReasonRetryScheduled, queued))
}

// Send implements retry.Sender.
func (s *Shipper) Send(ctx context.Context, rec types.ErrorRecord) error {
	t, _ := s.current()
	if t == nil {
		return transport.ErrNoTransport
	}
	if err := s.send(ctx, func(ctx context.Context) error { return t.Report(ctx, rec) }); err != nil {
		return err
	}
	s.record(types.DeliveredResult(1))
	return nil
}

// SendBatch implements retry.Sender.
func (s *Shipper) SendBatch(ctx context.Context, recs []types.ErrorRecord) error {
	t, _ := s.current()
	if t == nil {
		return transport.ErrNoTransport
	}
	if err := s.send(ctx, func(ctx context.Context) error { return t.ReportBatch(ctx, recs) }); err != nil {
		return err
	}
	s.record(types.DeliveredResult(len(recs)))
	return nil
}

func (s *Shipper) send(ctx context.Context, fn func(context.Context) error) error {
	sendCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	return fn(sendCtx)
}

func (s *Shipper) record(res types.Result) types.Result {
	s.opts.Stats.Record(res)
	return res
}
