package stats

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"github.com/obsidianstack/obsidianrum/pkg/types"
)

const namespace = "obsidianrum"

// Stats holds the pipeline counters.
type Stats struct {
	delivered     atomic.Int64
	deduplicated  atomic.Int64
	overflowed    atomic.Int64
	redriven      atomic.Int64
	retried       atomic.Int64
	replayEvicted atomic.Int64
	beacons       atomic.Int64

	mu      sync.Mutex
	queued  map[types.Reason]int64
	dropped map[types.Reason]int64
}

// New returns an empty Stats.
func New() *Stats {
	return &Stats{
		queued:  make(map[types.Reason]int64),
		dropped: make(map[types.Reason]int64),
	}
}

// Record tallies a pipeline Result.
func (s *Stats) Record(res types.Result) {
	if s == nil || res.Count == 0 {
		return
	}
	switch res.Outcome {
	case types.Delivered:
		s.delivered.Add(int64(res.Count))
	case types.Queued:
		s.mu.Lock()
		s.queued[res.Reason] += int64(res.Count)
		s.mu.Unlock()
	case types.Dropped:
		s.mu.Lock()
		s.dropped[res.Reason] += int64(res.Count)
		s.mu.Unlock()
	}
}

func (s *Stats) Deduplicated() {
	if s != nil {
		s.deduplicated.Add(1)
	}
}

func (s *Stats) Overflowed(n int) {
	if s != nil {
		s.overflowed.Add(int64(n))
	}
}

func (s *Stats) Redriven(n int) {
	if s != nil {
		s.redriven.Add(int64(n))
	}
}

func (s *Stats) Retried(n int) {
	if s != nil {
		s.retried.Add(int64(n))
	}
}

func (s *Stats) ReplayEvicted(n int) {
	if s != nil {
		s.replayEvicted.Add(int64(n))
	}
}

func (s *Stats) BeaconSent() {
	if s != nil {
		s.beacons.Add(1)
	}
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Delivered     int64
	Deduplicated  int64
	Overflowed    int64
	Redriven      int64
	Retried       int64
	ReplayEvicted int64
	Beacons       int64
	Queued        map[types.Reason]int64
	Dropped       map[types.Reason]int64
}

// Snapshot copies the current counter values.
func (s *Stats) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{
		Delivered:     s.delivered.Load(),
		Deduplicated:  s.deduplicated.Load(),
		Overflowed:    s.overflowed.Load(),
		Redriven:      s.redriven.Load(),
		Retried:       s.retried.Load(),
		ReplayEvicted: s.replayEvicted.Load(),
		Beacons:       s.beacons.Load(),
		Queued:        make(map[types.Reason]int64),
		Dropped:       make(map[types.Reason]int64),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.queued {
		snap.Queued[k] = v
	}
	for k, v := range s.dropped {
		snap.Dropped[k] = v
	}
	return snap
}

// WriteText writes every counter to w in the Prometheus text format.
func (s *Stats) WriteText(w io.Writer) error {
	snap := s.Snapshot()

	families := []*dto.MetricFamily{
		counter("records_delivered_total", "Records accepted by the ingestion endpoint.", snap.Delivered),
		counter("records_deduplicated_total", "Occurrences folded into an existing bucket.", snap.Deduplicated),
		counter("records_overflowed_total", "Records parked in the overflow buffer by the rate limiter.", snap.Overflowed),
		counter("records_redriven_total", "Records redriven from the overflow buffer.", snap.Redriven),
		counter("records_retried_total", "Records resent by the retry queue.", snap.Retried),
		counter("replay_events_evicted_total", "Replay events evicted by age or count.", snap.ReplayEvicted),
		counter("beacons_sent_total", "Unload beacons accepted for delivery.", snap.Beacons),
		byReason("records_queued_total", "Records deferred, by reason.", snap.Queued),
		byReason("records_dropped_total", "Records lost, by reason.", snap.Dropped),
	}
	for _, mf := range families {
		if len(mf.Metric) == 0 {
			continue // expfmt rejects empty families
		}
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("stats: write %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

func counter(name, help string, v int64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: proto.String(namespace + "_" + name),
		Help: proto.String(help),
		Type: dto.MetricType_COUNTER.Enum(),
		Metric: []*dto.Metric{
			{Counter: &dto.Counter{Value: proto.Float64(float64(v))}},
		},
	}
}

func byReason(name, help string, values map[types.Reason]int64) *dto.MetricFamily {
	mf := &dto.MetricFamily{
		Name: proto.String(namespace + "_" + name),
		Help: proto.String(help),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	reasons := make([]string, 0, len(values))
	for r := range values {
		reasons = append(reasons, string(r))
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		mf.Metric = append(mf.Metric, &dto.Metric{
			Label:   []*dto.LabelPair{{Name: proto.String("reason"), Value: proto.String(r)}},
			Counter: &dto.Counter{Value: proto.Float64(float64(values[types.Reason(r)]))},
		})
	}
	return mf
}
