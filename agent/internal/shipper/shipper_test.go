package shipper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/obsidianstack/obsidianrum/agent/internal/clock"
	"github.com/obsidianstack/obsidianrum/agent/internal/retry"
	"github.com/obsidianstack/obsidianrum/agent/internal/stats"
	"github.com/obsidianstack/obsidianrum/agent/internal/transport"
	"github.com/obsidianstack/obsidianrum/pkg/types"
)

var epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// mockTransport records calls and fails the first failN of them with err.
type mockTransport struct {
	name string

	mu      sync.Mutex
	err     error
	failN   int
	singles int
	batches [][]types.ErrorRecord
}

func (m *mockTransport) Name() string { return m.name }

func (m *mockTransport) Report(ctx context.Context, _ types.ErrorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.singles++
	return m.nextErr(ctx)
}

func (m *mockTransport) ReportBatch(ctx context.Context, recs []types.ErrorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, recs)
	return m.nextErr(ctx)
}

func (m *mockTransport) nextErr(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("send without deadline")
	}
	if m.failN > 0 {
		m.failN--
		return m.err
	}
	return nil
}

func (m *mockTransport) calls() (singles, batches int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.singles, len(m.batches)
}

func rec(msg string) types.ErrorRecord {
	return types.ErrorRecord{Kind: types.KindJS, Message: msg, OccurredAt: epoch}
}

func TestReport_Delivered(t *testing.T) {
	mt := &mockTransport{name: "fetch"}
	st := stats.New()
	s := New(mt, Options{Stats: st})

	res := s.Report(context.Background(), rec("boom"))
	if res.Outcome != types.Delivered || res.Count != 1 {
		t.Fatalf("got %v, want Delivered(1)", res)
	}
	if got := st.Snapshot().Delivered; got != 1 {
		t.Errorf("delivered: got %d", got)
	}
}

func TestReport_NoTransport(t *testing.T) {
	st := stats.New()
	s := New(nil, Options{Stats: st})

	res := s.ReportBatch(context.Background(), []types.ErrorRecord{rec("a"), rec("b")})
	if res.Outcome != types.Dropped || res.Reason != types.ReasonNoTransport || res.Count != 2 {
		t.Fatalf("got %v, want Dropped(no_transport, 2)", res)
	}
	if got := st.Snapshot().Dropped[types.ReasonNoTransport]; got != 2 {
		t.Errorf("dropped no_transport: got %d", got)
	}
	if err := s.Send(context.Background(), rec("a")); !errors.Is(err, transport.ErrNoTransport) {
		t.Errorf("Send: got %v", err)
	}
}

func TestReport_FailureWithoutRetry(t *testing.T) {
	mt := &mockTransport{name: "fetch", err: errors.New("connection refused"), failN: 1}
	s := New(mt, Options{})

	res := s.Report(context.Background(), rec("boom"))
	if res.Outcome != types.Dropped || res.Reason != types.ReasonTransportFailed {
		t.Fatalf("got %v, want Dropped(transport_failed)", res)
	}
}

func TestReport_EncodeFailureNotRetried(t *testing.T) {
	mt := &mockTransport{name: "fetch", err: fmt.Errorf("%w: fetch: bad value", transport.ErrEncode), failN: 1}
	q := &countingScheduler{}
	s := New(mt, Options{})
	s.SetRetry(q)

	res := s.Report(context.Background(), rec("boom"))
	if res.Reason != types.ReasonEncodeFailed {
		t.Fatalf("got %v, want Dropped(encode_failed)", res)
	}
	if q.n != 0 {
		t.Errorf("encode failure was scheduled for retry")
	}
}

type countingScheduler struct{ n int }

func (c *countingScheduler) Schedule(types.ErrorRecord, int) types.Result {
	c.n++
	return types.QueuedResult(types.ReasonRetryScheduled, 1)
}

func TestReportBatch_FailureSchedulesEachRecord(t *testing.T) {
	mt := &mockTransport{name: "fetch", err: &transport.StatusError{URL: "x", StatusCode: 500}, failN: 1}
	st := stats.New()
	s := New(mt, Options{Stats: st})
	q := &countingScheduler{}
	s.SetRetry(q)

	res := s.ReportBatch(context.Background(), []types.ErrorRecord{rec("a"), rec("b"), rec("c")})
	if res.Outcome != types.Queued || res.Reason != types.ReasonRetryScheduled || res.Count != 3 {
		t.Fatalf("got %v, want Queued(retry_scheduled, 3)", res)
	}
	if q.n != 3 {
		t.Errorf("scheduled: got %d, want 3", q.n)
	}
	if got := st.Snapshot().Queued[types.ReasonRetryScheduled]; got != 3 {
		t.Errorf("queued retry_scheduled: got %d", got)
	}
}

func TestRetryRoundTrip(t *testing.T) {
	mt := &mockTransport{name: "fetch", err: errors.New("connection refused"), failN: 1}
	st := stats.New()
	clk := clock.Fake(epoch)
	s := New(mt, Options{Stats: st})
	q := retry.New(retry.Options{MaxAttempts: 3, InitialDelay: time.Second, Clock: clk, Stats: st}, s)
	defer q.Destroy()
	s.SetRetry(q)

	if res := s.Report(context.Background(), rec("boom")); res.Reason != types.ReasonRetryScheduled {
		t.Fatalf("first send: got %v", res)
	}
	clk.Advance(time.Second)

	singles, _ := mt.calls()
	if singles != 2 {
		t.Fatalf("transport calls: got %d, want 2", singles)
	}
	if q.Len() != 0 {
		t.Errorf("retry queue not empty: %d", q.Len())
	}
	snap := st.Snapshot()
	if snap.Delivered != 1 || snap.Retried != 1 {
		t.Errorf("stats: delivered=%d retried=%d, want 1/1", snap.Delivered, snap.Retried)
	}
}

func TestSetTransport(t *testing.T) {
	first := &mockTransport{name: "fetch"}
	second := &mockTransport{name: "xhr"}
	s := New(first, Options{})

	s.SetTransport(second)
	if s.Transport().Name() != "xhr" {
		t.Fatalf("Transport(): got %q", s.Transport().Name())
	}
	s.Deliver([]types.ErrorRecord{rec("a")})
	s.Deliver([]types.ErrorRecord{rec("a"), rec("b")})

	if n, b := first.calls(); n+b != 0 {
		t.Errorf("old transport used after swap")
	}
	if n, b := second.calls(); n != 1 || b != 1 {
		t.Errorf("new transport: singles=%d batches=%d, want 1/1", n, b)
	}
}

func TestReportBatch_Empty(t *testing.T) {
	s := New(&mockTransport{name: "fetch"}, Options{})
	if res := s.ReportBatch(context.Background(), nil); res.Reason != types.ReasonEmptyBatch {
		t.Errorf("got %v, want Dropped(empty_batch)", res)
	}
}
