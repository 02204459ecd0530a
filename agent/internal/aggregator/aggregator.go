package aggregator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/obsidianstack/obsidianrum/agent/internal/clock"
	"github.com/obsidianstack/obsidianrum/agent/internal/fingerprint"
	"github.com/obsidianstack/obsidianrum/agent/internal/stats"
	"github.com/obsidianstack/obsidianrum/pkg/types"
)

// Default values applied when Options fields are zero.
const (
	DefaultWindow        = 2 * time.Second
	DefaultMaxBatch      = 20
	DefaultDedupeTTL     = 60 * time.Second
	DefaultDedupeMaxKeys = 1000
)

// Downstream receives what the aggregator emits.
type Downstream interface {
	// Admit takes a flushed batch (normally the rate limiter).
	Admit(batch []types.ErrorRecord) types.Result
	// Bypass sends a must-not-lose record immediately.
	Bypass(rec types.ErrorRecord) types.Result
}

// Options configures an Aggregator.
type Options struct {
	Window        time.Duration
	MaxBatch      int
	DedupeTTL     time.Duration
	DedupeMaxKeys int

	// FatalBypass selects records that skip aggregation and rate limiting.
	FatalBypass func(types.ErrorRecord) bool

	Clock clock.Clock
	Stats *stats.Stats
}

func (o *Options) applyDefaults() {
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.MaxBatch <= 0 {
		o.MaxBatch = DefaultMaxBatch
	}
	if o.DedupeTTL <= 0 {
		o.DedupeTTL = DefaultDedupeTTL
	}
	if o.DedupeMaxKeys <= 0 {
		o.DedupeMaxKeys = DefaultDedupeMaxKeys
	}
	if o.FatalBypass == nil {
		o.FatalBypass = func(types.ErrorRecord) bool { return false }
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
}

type bucket struct {
	representative types.ErrorRecord
	count          int
	firstSeenAt    time.Time
	lastSeenAt     time.Time
}

// Aggregator buckets records by fingerprint within a time window.
// All exported methods are safe for concurrent use.
type Aggregator struct {
	opts Options

	mu        sync.Mutex
	down      Downstream
	buckets   map[string]*bucket
	order     []string // bucket keys in insertion order
	seen      map[string]time.Time
	timer     *clock.Timer
	destroyed bool

	sends dispatcher
}

// New returns an Aggregator that emits to down.
func New(opts Options, down Downstream) *Aggregator {
	opts.applyDefaults()
	return &Aggregator{
		opts:    opts,
		down:    down,
		buckets: make(map[string]*bucket),
		seen:    make(map[string]time.Time),
	}
}

// SetDownstream replaces the component flushed batches are handed to.
func (a *Aggregator) SetDownstream(down Downstream) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.down = down
}

// Enqueue accepts one record and never waits on the network. Fatal-bypass
// records are handed to the background sender and reported as
// Queued(sending); everything else is bucketed and reported as
// Queued(buffered). A MaxBatch forced flush is sent in the background too.
func (a *Aggregator) Enqueue(rec types.ErrorRecord) types.Result {
	if a.opts.FatalBypass(rec) {
		a.mu.Lock()
		down, destroyed := a.down, a.destroyed
		a.mu.Unlock()
		if destroyed {
			return types.DroppedResult(types.ReasonDestroyed, 1)
		}
		a.sends.submit(func() { down.Bypass(rec) })
		return types.QueuedResult(types.ReasonSending, 1)
	}

	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return types.DroppedResult(types.ReasonDestroyed, 1)
	}

	now := a.opts.Clock.Now()
	key := fingerprint.Of(rec)

	// A live bucket always absorbs its fingerprint. Otherwise the dedupe
	// map only decides whether this is a repeat of a flushed bucket.
	if b, live := a.buckets[key]; live {
		b.count++
		b.lastSeenAt = now
		a.opts.Stats.Deduplicated()
	} else {
		if lastSeen, ok := a.seen[key]; ok && now.Sub(lastSeen) < a.opts.DedupeTTL {
			slog.Debug("aggregator: repeat after flush, opening new bucket", "kind", rec.Kind)
		}
		a.addBucketLocked(key, rec, now)
		a.seen[key] = now
		a.evictSeenLocked()
	}

	if a.timer == nil {
		a.timer = a.opts.Clock.AfterFunc(a.opts.Window, a.onWindow)
	}

	if len(a.buckets) >= a.opts.MaxBatch {
		batch := a.takeLocked()
		down := a.down
		a.sends.submit(func() { down.Admit(batch) })
	}
	a.mu.Unlock()

	return types.QueuedResult(types.ReasonBuffered, 1)
}

func (a *Aggregator) addBucketLocked(key string, rec types.ErrorRecord, now time.Time) {
	if _, ok := a.buckets[key]; !ok {
		a.order = append(a.order, key)
	}
	a.buckets[key] = &bucket{representative: rec, count: 1, firstSeenAt: now, lastSeenAt: now}
}

// evictSeenLocked drops the oldest dedupe entries until the map fits.
func (a *Aggregator) evictSeenLocked() {
	for len(a.seen) > a.opts.DedupeMaxKeys {
		var oldestKey string
		var oldest time.Time
		first := true
		for k, ts := range a.seen {
			if first || ts.Before(oldest) || (ts.Equal(oldest) && k < oldestKey) {
				oldestKey, oldest, first = k, ts, false
			}
		}
		delete(a.seen, oldestKey)
	}
}

func (a *Aggregator) onWindow() {
	a.mu.Lock()
	a.timer = nil
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	batch := a.takeLocked()
	down := a.down
	a.mu.Unlock()

	if len(batch) > 0 {
		slog.Debug("aggregator: window flush", "records", len(batch))
		down.Admit(batch)
	}
}

// Flush emits every bucket now. It returns the downstream admission result.
func (a *Aggregator) Flush() types.Result {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return types.DroppedResult(types.ReasonDestroyed, 0)
	}
	batch := a.takeLocked()
	down := a.down
	a.mu.Unlock()

	if len(batch) == 0 {
		return types.DroppedResult(types.ReasonEmptyBatch, 0)
	}
	return down.Admit(batch)
}

// Drain removes and returns every bucket as annotated records without
// sending them. Used by the unload path.
func (a *Aggregator) Drain() []types.ErrorRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.takeLocked()
}

// takeLocked converts buckets into annotated records, clears them and
// disarms the window timer.
func (a *Aggregator) takeLocked() []types.ErrorRecord {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	if len(a.buckets) == 0 {
		return nil
	}
	batch := make([]types.ErrorRecord, 0, len(a.buckets))
	for _, key := range a.order {
		b := a.buckets[key]
		batch = append(batch, b.representative.WithAggregate(types.Aggregate{
			Count:       b.count,
			FirstSeenAt: b.firstSeenAt,
			LastSeenAt:  b.lastSeenAt,
		}))
	}
	a.buckets = make(map[string]*bucket)
	a.order = nil
	return batch
}

// Wait blocks until every forced flush and bypass send handed to the
// background sender has finished, or ctx is done.
func (a *Aggregator) Wait(ctx context.Context) error {
	return a.sends.wait(ctx)
}

// Pending returns the number of live buckets and dedupe keys.
func (a *Aggregator) Pending() (buckets, dedupeKeys int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buckets), len(a.seen)
}

// Destroy clears the timer and all state. Later calls are no-ops.
func (a *Aggregator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.buckets = make(map[string]*bucket)
	a.order = nil
	a.seen = make(map[string]time.Time)
	a.destroyed = true
}
