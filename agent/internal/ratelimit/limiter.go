package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/obsidianstack/obsidianrum/agent/internal/clock"
	"github.com/obsidianstack/obsidianrum/agent/internal/stats"
	"github.com/obsidianstack/obsidianrum/pkg/types"
)

// Default values applied when Options fields are zero.
const (
	DefaultPerMinute = 100
	DefaultWindow    = time.Minute
)

// DeliverFunc forwards admitted records, as a single report when the slice
// has one element and as a batch otherwise.
type DeliverFunc func(records []types.ErrorRecord) types.Result

// Options configures a Limiter.
type Options struct {
	PerMinute int
	Window    time.Duration // length of the rolling rate window
	Clock     clock.Clock
	Stats     *stats.Stats
}

// Limiter gates admission with a rolling window and owns the overflow
// buffer. All exported methods are safe for concurrent use.
type Limiter struct {
	opts    Options
	deliver DeliverFunc

	mu        sync.Mutex
	sent      []time.Time // one entry per record forwarded within the window, oldest first
	overflow  []types.ErrorRecord
	timer     *clock.Timer
	destroyed bool
}

// New returns a Limiter that forwards admitted records to deliver.
func New(opts Options, deliver DeliverFunc) *Limiter {
	if opts.PerMinute <= 0 {
		opts.PerMinute = DefaultPerMinute
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Limiter{opts: opts, deliver: deliver}
}

// Admit forwards as much of batch as the current window allows and parks
// the rest. It returns the delivery result when everything was forwarded,
// Queued(rate_limited) when anything was parked.
func (l *Limiter) Admit(batch []types.ErrorRecord) types.Result {
	if len(batch) == 0 {
		return types.DroppedResult(types.ReasonEmptyBatch, 0)
	}

	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return types.DroppedResult(types.ReasonDestroyed, len(batch))
	}

	now := l.opts.Clock.Now()
	l.pruneLocked(now)

	var admitted []types.ErrorRecord
	if len(l.overflow) == 0 {
		n := min(l.opts.PerMinute-len(l.sent), len(batch))
		if n > 0 {
			admitted = batch[:n]
			batch = batch[n:]
			l.stampLocked(now, n)
		}
	}
	parked := len(batch)
	if parked > 0 {
		l.overflow = append(l.overflow, batch...)
		l.armLocked()
	}
	l.mu.Unlock()

	if parked > 0 {
		l.opts.Stats.Overflowed(parked)
		slog.Debug("ratelimit: parked records in overflow", "parked", parked, "admitted", len(admitted))
	}

	var res types.Result
	if len(admitted) > 0 {
		res = l.deliver(admitted)
	}
	if parked > 0 {
		return types.QueuedResult(types.ReasonRateLimited, parked+len(admitted))
	}
	return res
}

// pruneLocked forgets forwarded records that have left the window.
func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.opts.Window)
	drop := 0
	for drop < len(l.sent) && !l.sent[drop].After(cutoff) {
		drop++
	}
	if drop > 0 {
		l.sent = append(l.sent[:0], l.sent[drop:]...)
	}
}

func (l *Limiter) stampLocked(now time.Time, n int) {
	for range n {
		l.sent = append(l.sent, now)
	}
}

// armLocked schedules the redrive for when the oldest forwarded record
// leaves the window.
func (l *Limiter) armLocked() {
	if l.timer != nil {
		return
	}
	var wait time.Duration
	if len(l.sent) > 0 {
		wait = max(l.sent[0].Add(l.opts.Window).Sub(l.opts.Clock.Now()), 0)
	}
	l.timer = l.opts.Clock.AfterFunc(wait, l.redrive)
}

func (l *Limiter) redrive() {
	l.mu.Lock()
	l.timer = nil
	if l.destroyed || len(l.overflow) == 0 {
		l.mu.Unlock()
		return
	}

	now := l.opts.Clock.Now()
	l.pruneLocked(now)

	n := min(l.opts.PerMinute-len(l.sent), len(l.overflow))
	var slice []types.ErrorRecord
	if n > 0 {
		slice = make([]types.ErrorRecord, n)
		copy(slice, l.overflow[:n])
		l.overflow = l.overflow[n:]
		if len(l.overflow) == 0 {
			l.overflow = nil
		}
		l.stampLocked(now, n)
	}
	remaining := len(l.overflow)
	if remaining > 0 {
		l.armLocked()
	}
	l.mu.Unlock()

	if n <= 0 {
		return
	}
	l.opts.Stats.Redriven(n)
	slog.Debug("ratelimit: redriving overflow", "records", n, "remaining", remaining)
	l.deliver(slice)
}

// DrainOverflow removes and returns every parked record and disarms the
// redrive timer.
func (l *Limiter) DrainOverflow() []types.ErrorRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	out := l.overflow
	l.overflow = nil
	return out
}

// Pending returns the number of parked records and the number forwarded
// within the current window.
func (l *Limiter) Pending() (overflow, windowCount int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.opts.Clock.Now())
	return len(l.overflow), len(l.sent)
}

// Destroy disarms the redrive timer and discards the overflow buffer.
func (l *Limiter) Destroy() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.overflow = nil
	l.sent = nil
	l.destroyed = true
}
