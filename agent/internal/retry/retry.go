package retry

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/obsidianstack/obsidianrum/agent/internal/clock"
	"github.com/obsidianstack/obsidianrum/agent/internal/fingerprint"
	"github.com/obsidianstack/obsidianrum/agent/internal/stats"
	"github.com/obsidianstack/obsidianrum/agent/internal/transport"
	"github.com/obsidianstack/obsidianrum/pkg/types"
)

// Default values applied when Options fields are zero.
const (
	DefaultMaxAttempts   = 3
	DefaultInitialDelay  = time.Second
	DefaultMaxDelay      = 30 * time.Second
	DefaultBackoffFactor = 2.0
)

// Sender performs the actual resend. It bypasses the retry queue so a
// failed resend is rescheduled here rather than re-entering Schedule.
type Sender interface {
	Send(ctx context.Context, rec types.ErrorRecord) error
	SendBatch(ctx context.Context, recs []types.ErrorRecord) error
}

// Options configures a Queue.
type Options struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool

	Clock clock.Clock
	Stats *stats.Stats

	// Rand returns values in [0, 1) for jitter. Defaults to math/rand/v2.
	Rand func() float64
}

func (o *Options) applyDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = DefaultInitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.BackoffFactor < 1 {
		o.BackoffFactor = DefaultBackoffFactor
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Rand == nil {
		o.Rand = rand.Float64
	}
}

type item struct {
	rec         types.ErrorRecord
	attempts    int
	nextRetryAt time.Time
}

// Queue holds failed records until their next attempt.
// All exported methods are safe for concurrent use.
type Queue struct {
	opts   Options
	sender Sender

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	items     map[string]*item
	timer     *clock.Timer
	timerAt   time.Time
	destroyed bool
}

// New returns a Queue that resends through sender.
func New(opts Options, sender Sender) *Queue {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		opts:   opts,
		sender: sender,
		ctx:    ctx,
		cancel: cancel,
		items:  make(map[string]*item),
	}
}

// SetSender replaces the resend target.
func (q *Queue) SetSender(sender Sender) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sender = sender
}

// Backoff returns the delay before attempt n+1 after n failures:
// InitialDelay * factor^(n-1), multiplied by a jitter factor in [0.5, 1.5)
// when enabled, capped at MaxDelay.
func (q *Queue) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(q.opts.InitialDelay) * math.Pow(q.opts.BackoffFactor, float64(n-1))
	if q.opts.Jitter {
		d *= 0.5 + q.opts.Rand()
	}
	if d >= float64(q.opts.MaxDelay) || math.IsInf(d, 1) || math.IsNaN(d) {
		return q.opts.MaxDelay
	}
	return time.Duration(d)
}

// Schedule records a failed send of rec. failedAttempts is the number of
// failed attempts so far (1 for a first failure). It returns
// Queued(retry_scheduled) or Dropped(retry_exhausted).
func (q *Queue) Schedule(rec types.ErrorRecord, failedAttempts int) types.Result {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return types.DroppedResult(types.ReasonDestroyed, 1)
	}
	res := q.insertLocked(rec, failedAttempts)
	q.mu.Unlock()

	if res.Outcome == types.Dropped {
		q.opts.Stats.Record(res)
	}
	return res
}

// insertLocked adds or merges one item and re-arms the scheduler.
func (q *Queue) insertLocked(rec types.ErrorRecord, attempts int) types.Result {
	if attempts < 1 {
		attempts = 1
	}
	key := fingerprint.RetryKey(rec)

	if existing, ok := q.items[key]; ok {
		// Both sides count failures of the same key; the merged item
		// carries the larger count plus this failure.
		attempts = max(existing.attempts, attempts) + 1
		rec = merge(existing.rec, rec)
	}

	if attempts >= q.opts.MaxAttempts {
		delete(q.items, key)
		slog.Warn("retry: attempts exhausted, discarding record",
			"kind", rec.Kind, "attempts", attempts, "occurrences", rec.Count())
		return types.DroppedResult(types.ReasonRetryExhausted, 1)
	}

	q.items[key] = &item{
		rec:         rec,
		attempts:    attempts,
		nextRetryAt: q.opts.Clock.Now().Add(q.Backoff(attempts)),
	}
	q.armLocked()
	return types.QueuedResult(types.ReasonRetryScheduled, 1)
}

// merge folds the occurrence counts of next into prev's aggregate.
func merge(prev, next types.ErrorRecord) types.ErrorRecord {
	agg := types.Aggregate{Count: prev.Count() + next.Count()}
	first, last := span(prev)
	nFirst, nLast := span(next)
	agg.FirstSeenAt, agg.LastSeenAt = first, last
	if agg.FirstSeenAt.IsZero() || (!nFirst.IsZero() && nFirst.Before(agg.FirstSeenAt)) {
		agg.FirstSeenAt = nFirst
	}
	if nLast.After(agg.LastSeenAt) {
		agg.LastSeenAt = nLast
	}
	return next.WithAggregate(agg)
}

func span(r types.ErrorRecord) (first, last time.Time) {
	if r.Aggregate != nil {
		return r.Aggregate.FirstSeenAt, r.Aggregate.LastSeenAt
	}
	return r.OccurredAt, r.OccurredAt
}

// armLocked points the single timer at the earliest nextRetryAt.
func (q *Queue) armLocked() {
	if len(q.items) == 0 {
		if q.timer != nil {
			q.timer.Stop()
			q.timer = nil
		}
		return
	}
	var earliest time.Time
	for _, it := range q.items {
		if earliest.IsZero() || it.nextRetryAt.Before(earliest) {
			earliest = it.nextRetryAt
		}
	}
	if q.timer != nil {
		if !q.timerAt.After(earliest) {
			return
		}
		q.timer.Stop()
	}
	q.timerAt = earliest
	q.timer = q.opts.Clock.AfterFunc(earliest.Sub(q.opts.Clock.Now()), q.process)
}

// process resends every due item.
func (q *Queue) process() {
	q.mu.Lock()
	q.timer = nil
	if q.destroyed {
		q.mu.Unlock()
		return
	}
	now := q.opts.Clock.Now()
	var due []*item
	for key, it := range q.items {
		if !it.nextRetryAt.After(now) {
			due = append(due, it)
			delete(q.items, key)
		}
	}
	sender := q.sender
	if len(due) == 0 {
		q.armLocked()
	}
	q.mu.Unlock()

	if len(due) == 0 {
		return
	}
	sort.Slice(due, func(i, j int) bool { return due[i].nextRetryAt.Before(due[j].nextRetryAt) })
	q.opts.Stats.Retried(len(due))

	var failed []*item
	if len(due) == 1 {
		if err := sender.Send(q.ctx, due[0].rec); err != nil {
			slog.Debug("retry: resend failed", "attempts", due[0].attempts, "err", err)
			failed = due
		}
	} else {
		recs := make([]types.ErrorRecord, len(due))
		for i, it := range due {
			recs[i] = it.rec
		}
		err := sender.SendBatch(q.ctx, recs)
		switch {
		case err == nil:
		case transport.IsRejected(err):
			slog.Debug("retry: batch rejected", "records", len(due), "err", err)
			failed = due
		default:
			slog.Debug("retry: batch send failed, retrying individually", "records", len(due), "err", err)
			for _, it := range due {
				if err := sender.Send(q.ctx, it.rec); err != nil {
					failed = append(failed, it)
				}
			}
		}
	}

	q.mu.Lock()
	var exhausted []types.Result
	if !q.destroyed {
		for _, it := range failed {
			if res := q.insertLocked(it.rec, it.attempts+1); res.Outcome == types.Dropped {
				exhausted = append(exhausted, res)
			}
		}
		q.armLocked()
	}
	q.mu.Unlock()

	for _, res := range exhausted {
		q.opts.Stats.Record(res)
	}
}

// Drain removes and returns every pending record, earliest due first, and
// disarms the scheduler. Used by the unload path.
func (q *Queue) Drain() []types.ErrorRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	items := make([]*item, 0, len(q.items))
	for _, it := range q.items {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].nextRetryAt.Before(items[j].nextRetryAt) })
	out := make([]types.ErrorRecord, len(items))
	for i, it := range items {
		out[i] = it.rec
	}
	q.items = make(map[string]*item)
	return out
}

// Len returns the number of pending records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Destroy disarms the scheduler, cancels in-flight resends and discards
// every pending record.
func (q *Queue) Destroy() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.items = make(map[string]*item)
	q.destroyed = true
	q.cancel()
}
