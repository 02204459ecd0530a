package stats

import (
	"bytes"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/obsidianstack/obsidianrum/pkg/types"
)

func TestStats_NilIsNoop(t *testing.T) {
	var s *Stats
	s.Record(types.DeliveredResult(3))
	s.Deduplicated()
	s.Overflowed(2)
	if snap := s.Snapshot(); snap.Delivered != 0 {
		t.Errorf("nil Stats snapshot = %+v, want zero", snap)
	}
}

func TestStats_Record(t *testing.T) {
	s := New()
	s.Record(types.DeliveredResult(3))
	s.Record(types.QueuedResult(types.ReasonRateLimited, 2))
	s.Record(types.DroppedResult(types.ReasonRetryExhausted, 1))
	s.Record(types.DroppedResult(types.ReasonRetryExhausted, 4))

	snap := s.Snapshot()
	if snap.Delivered != 3 {
		t.Errorf("Delivered = %d, want 3", snap.Delivered)
	}
	if got := snap.Queued[types.ReasonRateLimited]; got != 2 {
		t.Errorf("Queued[rate_limited] = %d, want 2", got)
	}
	if got := snap.Dropped[types.ReasonRetryExhausted]; got != 5 {
		t.Errorf("Dropped[retry_exhausted] = %d, want 5", got)
	}
}

// The rendered text must be parseable by the same expfmt parser scrapers use.
func TestStats_WriteTextParses(t *testing.T) {
	s := New()
	s.Record(types.DeliveredResult(7))
	s.Record(types.DroppedResult(types.ReasonTransportFailed, 1))
	s.Record(types.DroppedResult(types.ReasonNoTransport, 2))

	var buf bytes.Buffer
	if err := s.WriteText(&buf); err != nil {
		t.Fatalf("WriteText: %v", err)
	}

	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(&buf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if got := counterValue(mfs["obsidianrum_records_delivered_total"]); got != 7 {
		t.Errorf("delivered = %v, want 7", got)
	}
	dropped := mfs["obsidianrum_records_dropped_total"]
	if dropped == nil || len(dropped.GetMetric()) != 2 {
		t.Fatalf("dropped family = %v, want 2 series", dropped)
	}
	if _, ok := mfs["obsidianrum_records_queued_total"]; ok {
		t.Error("empty queued family should be omitted")
	}
}

func counterValue(mf *dto.MetricFamily) float64 {
	if mf == nil || len(mf.GetMetric()) == 0 {
		return -1
	}
	return mf.GetMetric()[0].GetCounter().GetValue()
}
