package replay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/obsidianstack/obsidianrum/agent/internal/clock"
	"github.com/obsidianstack/obsidianrum/agent/internal/stats"
	"github.com/obsidianstack/obsidianrum/pkg/types"
)

// Default values applied when Options fields are zero.
const (
	DefaultWindow            = 15 * time.Second
	DefaultMaxEvents         = 3000
	DefaultMaxBytes          = 256 * 1024
	DefaultMousemoveThrottle = 50 * time.Millisecond
	DefaultFlushInterval     = 100 * time.Millisecond
)

const (
	maskedValue   = "***"
	maxValueRunes = 100
	typeMousemove = "mm"
	typeInput     = "input"
)

// skippedTags are high-churn targets never recorded.
var skippedTags = map[string]bool{"canvas": true, "svg": true}

// Options configures a Buffer.
type Options struct {
	Window            time.Duration
	MaxEvents         int
	MaxBytes          int
	MousemoveThrottle time.Duration
	FlushInterval     time.Duration

	Compress bool

	// Rrweb marks snapshots as carrying opaque full-fidelity events.
	Rrweb bool

	// MaskAllText replaces input values with "***". When false they are
	// truncated to 100 characters.
	MaskAllText bool

	IncludeSelectors []string
	ExcludeSelectors []string

	Clock clock.Clock
	Stats *stats.Stats
}

func (o *Options) applyDefaults() {
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.MaxEvents <= 0 {
		o.MaxEvents = DefaultMaxEvents
	}
	if o.MaxBytes < 2 {
		o.MaxBytes = DefaultMaxBytes
	}
	if o.MousemoveThrottle < 0 {
		o.MousemoveThrottle = 0
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
}

type entry struct {
	at  time.Time
	raw json.RawMessage
}

// Buffer is the replay event buffer.
// All exported methods are safe for concurrent use.
type Buffer struct {
	opts    Options
	include []selector
	exclude []selector
	comp    *compressor

	mu        sync.Mutex
	pending   []entry
	events    []entry
	lastMM    time.Time
	timer     *clock.Timer
	destroyed bool
}

// New returns a Buffer. With Compress set it starts the background
// compressor; call Destroy to stop it.
func New(opts Options) *Buffer {
	opts.applyDefaults()
	b := &Buffer{
		opts:    opts,
		include: parseSelectors(opts.IncludeSelectors),
		exclude: parseSelectors(opts.ExcludeSelectors),
	}
	if opts.Compress {
		b.comp = newCompressor()
	}
	return b
}

// Record adds a lite-schema event. It reports whether the event was kept
// by the filters. A zero T is stamped with the current time.
func (b *Buffer) Record(ev types.ReplayEvent) bool {
	now := b.opts.Clock.Now()
	if ev.T == 0 {
		ev.T = now.UnixMilli()
	}

	if ev.Target != "" {
		target := parseSelector(ev.Target)
		if skippedTags[target.tag] {
			return false
		}
		if len(b.include) > 0 && !matchesAny(b.include, target) {
			return false
		}
		if matchesAny(b.exclude, target) {
			return false
		}
	}
	if ev.Type == typeInput && ev.Value != "" {
		if b.opts.MaskAllText {
			ev.Value = maskedValue
		} else if r := []rune(ev.Value); len(r) > maxValueRunes {
			ev.Value = string(r[:maxValueRunes])
		}
	}

	raw, err := json.Marshal(ev)
	if err != nil {
		slog.Debug("replay: encode event failed", "type", ev.Type, "err", err)
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return false
	}
	if ev.Type == typeMousemove {
		if !b.lastMM.IsZero() && now.Sub(b.lastMM) < b.opts.MousemoveThrottle {
			return false
		}
		b.lastMM = now
	}
	b.appendLocked(entry{at: time.UnixMilli(ev.T), raw: raw})
	return true
}

// RecordRaw adds an opaque recorder event that occurred at at (now when
// zero). raw must be valid JSON.
func (b *Buffer) RecordRaw(raw json.RawMessage, at time.Time) bool {
	if !json.Valid(raw) {
		return false
	}
	if at.IsZero() {
		at = b.opts.Clock.Now()
	}
	cp := make(json.RawMessage, len(raw))
	copy(cp, raw)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return false
	}
	b.appendLocked(entry{at: at, raw: cp})
	return true
}

func (b *Buffer) appendLocked(e entry) {
	b.pending = append(b.pending, e)
	if b.timer == nil {
		b.timer = b.opts.Clock.AfterFunc(b.opts.FlushInterval, b.onFlush)
	}
}

func (b *Buffer) onFlush() {
	b.mu.Lock()
	b.timer = nil
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	evicted := b.flushLocked()
	var job *compressJob
	if b.comp != nil && len(b.events) > 0 {
		if data, meta, ok := b.viewLocked(); ok {
			job = &compressJob{json: data, meta: meta}
		}
	}
	b.mu.Unlock()

	b.opts.Stats.ReplayEvicted(evicted)
	if job != nil {
		b.comp.submit(*job)
	}
}

// flushLocked moves pending events into the buffer and evicts. It returns
// the number of events evicted.
func (b *Buffer) flushLocked() int {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.events = append(b.events, b.pending...)
	b.pending = nil
	return b.evictLocked(b.opts.Clock.Now())
}

func (b *Buffer) evictLocked(now time.Time) int {
	cutoff := now.Add(-b.opts.Window)
	drop := 0
	for drop < len(b.events) && b.events[drop].at.Before(cutoff) {
		drop++
	}
	if over := len(b.events) - drop - b.opts.MaxEvents; over > 0 {
		drop += over
	}
	if drop == 0 {
		return 0
	}
	b.events = append([]entry(nil), b.events[drop:]...)
	return drop
}

// viewLocked serializes the buffer, trimming the oldest events until the
// JSON array fits MaxBytes. ok is false when no event fits.
func (b *Buffer) viewLocked() (data []byte, meta identity, ok bool) {
	events := b.events
	size := 2 // []
	for i, e := range events {
		size += len(e.raw)
		if i > 0 {
			size++
		}
	}
	start := 0
	for start < len(events) && size > b.opts.MaxBytes {
		size -= len(events[start].raw)
		if len(events)-start > 1 {
			size-- // comma
		}
		start++
	}
	events = events[start:]
	if len(events) == 0 {
		return nil, identity{}, false
	}

	data = make([]byte, 0, size)
	data = append(data, '[')
	for i, e := range events {
		if i > 0 {
			data = append(data, ',')
		}
		data = append(data, e.raw...)
	}
	data = append(data, ']')

	meta = identity{
		startedAt: events[0].at.UnixMilli(),
		endedAt:   events[len(events)-1].at.UnixMilli(),
		count:     len(events),
	}
	return data, meta, true
}

// Snapshot flushes pending events and returns the size-bounded
// serialization of the buffer, or nil when it holds no event that fits.
func (b *Buffer) Snapshot() *types.ReplaySnapshot {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return nil
	}
	evicted := b.flushLocked()
	data, meta, ok := b.viewLocked()
	b.mu.Unlock()

	b.opts.Stats.ReplayEvicted(evicted)
	if !ok {
		return nil
	}

	snap := &types.ReplaySnapshot{
		StartedAt:   meta.startedAt,
		EndedAt:     meta.endedAt,
		EventsCount: meta.count,
		Version:     types.ReplayVersionLite,
	}
	if b.opts.Rrweb {
		snap.Version = types.ReplayVersionRrweb
		snap.Rrweb = true
	}

	if b.opts.Compress {
		payload, err := b.compressed(data, meta)
		switch {
		case err != nil:
			slog.Warn("replay: compression failed, sending inline events", "err", err)
		case len(payload) > b.opts.MaxBytes:
			slog.Debug("replay: compressed payload over budget, sending inline events",
				"compressed", len(payload), "inline", len(data))
		default:
			snap.Encoding = types.EncodingGzipBase64
			snap.Payload = payload
			snap.Bytes = len(payload)
			return snap
		}
	}

	snap.Events = data
	snap.Bytes = len(data)
	return snap
}

// compressed returns the cached background result for meta, or compresses
// on the calling goroutine.
func (b *Buffer) compressed(data []byte, meta identity) (string, error) {
	if b.comp != nil {
		if res, ok := b.comp.cached(meta); ok {
			return res.payload, nil
		}
	}
	return encodeGzipBase64(data)
}

// Len returns the number of buffered and pending events.
func (b *Buffer) Len() (buffered, pending int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events), len(b.pending)
}

// Destroy stops the flush timer and the compressor and clears both lists.
func (b *Buffer) Destroy() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.pending = nil
	b.events = nil
	b.mu.Unlock()

	if b.comp != nil {
		b.comp.stop()
	}
}
