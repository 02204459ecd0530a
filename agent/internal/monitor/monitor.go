package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/obsidianstack/obsidianrum/agent/internal/aggregator"
	"github.com/obsidianstack/obsidianrum/agent/internal/capture"
	"github.com/obsidianstack/obsidianrum/agent/internal/clock"
	"github.com/obsidianstack/obsidianrum/agent/internal/config"
	"github.com/obsidianstack/obsidianrum/agent/internal/ratelimit"
	"github.com/obsidianstack/obsidianrum/agent/internal/replay"
	"github.com/obsidianstack/obsidianrum/agent/internal/retry"
	"github.com/obsidianstack/obsidianrum/agent/internal/shipper"
	"github.com/obsidianstack/obsidianrum/agent/internal/state"
	"github.com/obsidianstack/obsidianrum/agent/internal/stats"
	"github.com/obsidianstack/obsidianrum/agent/internal/transport"
	"github.com/obsidianstack/obsidianrum/pkg/types"
)

// Handler observes every record passed to TriggerError before it is
// enqueued.
type Handler func(types.ErrorRecord)

// Monitor owns one delivery pipeline.
type Monitor struct {
	cfg       *config.Config
	clock     clock.Clock
	stats     *stats.Stats
	store     state.Store
	sessionID string
	perfOwner string // non-empty when this monitor claimed slow-request capture

	agg     *aggregator.Aggregator
	limiter *ratelimit.Limiter
	retry   *retry.Queue
	shipper *shipper.Shipper
	beacon  *transport.Beacon
	replay  *replay.Buffer
	capture *capture.Interceptor

	mu        sync.RWMutex
	handlers  []Handler
	destroyed bool

	unloadOnce sync.Once
}

// downstream routes aggregator output: batches through the rate limiter,
// fatal records straight to the shipper.
type downstream struct {
	limiter *ratelimit.Limiter
	shipper *shipper.Shipper
}

func (d downstream) Admit(batch []types.ErrorRecord) types.Result { return d.limiter.Admit(batch) }

func (d downstream) Bypass(rec types.ErrorRecord) types.Result {
	return d.shipper.Report(context.Background(), rec)
}

// New builds the pipeline described by cfg. cfg must have been validated
// (config.Load does that) and is not modified afterwards.
func New(cfg *config.Config, opts ...Option) (*Monitor, error) {
	o := options{caps: transport.AllCapabilities()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.Real()
	}
	if o.store == nil {
		o.store = state.NewMemory()
	}
	if o.stats == nil {
		o.stats = stats.New()
	}
	if o.clients == nil {
		o.clients = []*http.Client{http.DefaultClient}
	}

	m := &Monitor{cfg: cfg, clock: o.clock, stats: o.stats, store: o.store}

	m.shipper = shipper.New(nil, shipper.Options{Timeout: cfg.Report.Transport.Timeout, Stats: o.stats})
	if t, err := transport.Select(cfg.Report, o.caps); err != nil {
		slog.Warn("monitor: no report transport available, records will be dropped", "err", err)
	} else {
		m.shipper.SetTransport(t)
	}

	if rc := cfg.Report.Retry; rc.Enabled {
		m.retry = retry.New(retry.Options{
			MaxAttempts:   rc.MaxAttempts,
			InitialDelay:  rc.InitialDelay,
			MaxDelay:      rc.MaxDelay,
			BackoffFactor: rc.BackoffFactor,
			Jitter:        rc.Jitter,
			Clock:         o.clock,
			Stats:         o.stats,
		}, m.shipper)
		m.shipper.SetRetry(m.retry)
	}

	ac := cfg.Report.Aggregator
	m.limiter = ratelimit.New(ratelimit.Options{
		PerMinute: ac.RateLimitPerMinute,
		Clock:     o.clock,
		Stats:     o.stats,
	}, m.shipper.Deliver)

	m.agg = aggregator.New(aggregator.Options{
		Window:        ac.Window,
		MaxBatch:      ac.MaxBatch,
		DedupeTTL:     ac.DedupeTTL,
		DedupeMaxKeys: ac.DedupeMaxKeys,
		FatalBypass:   fatalKinds(ac.FatalKinds),
		Clock:         o.clock,
		Stats:         o.stats,
	}, downstream{limiter: m.limiter, shipper: m.shipper})

	if b, err := transport.SelectBeacon(cfg.Report, o.caps, o.stats); err != nil {
		slog.Warn("monitor: beacon unavailable, unload will use the report transport", "err", err)
	} else {
		m.beacon = b
	}

	if rp := cfg.Replay; rp.Enabled {
		m.replay = replay.New(replay.Options{
			Window:            rp.Window,
			MaxEvents:         rp.MaxEvents,
			MaxBytes:          rp.MaxReplayBytes,
			MousemoveThrottle: rp.MousemoveThrottle,
			FlushInterval:     rp.FlushInterval,
			Compress:          rp.Compress,
			Rrweb:             rp.UseRrweb,
			MaskAllText:       rp.MaskAllText,
			IncludeSelectors:  rp.IncludeSelectors,
			ExcludeSelectors:  rp.ExcludeSelectors,
			Clock:             o.clock,
			Stats:             o.stats,
		})
	}

	m.sessionID = m.loadSession()

	if cfg.Network.Enabled {
		if err := m.installCapture(o); err != nil {
			m.Destroy()
			return nil, err
		}
	}

	slog.Info("monitor: started",
		"session", m.sessionID,
		"transport", transportName(m.shipper.Transport()),
		"beacon", m.beacon != nil,
		"retry", m.retry != nil,
		"replay", m.replay != nil,
		"capture", m.capture != nil)
	return m, nil
}

func fatalKinds(kinds []string) func(types.ErrorRecord) bool {
	if len(kinds) == 0 {
		return nil
	}
	set := make(map[types.Kind]bool, len(kinds))
	for _, k := range kinds {
		set[types.Kind(k)] = true
	}
	return func(r types.ErrorRecord) bool { return set[r.Kind] }
}

func transportName(t transport.Transport) string {
	if t == nil {
		return "none"
	}
	return t.Name()
}

// loadSession returns the persisted session ID, creating one on first use.
func (m *Monitor) loadSession() string {
	if id, ok := m.store.Get(state.KeySessionID); ok && id != "" {
		return id
	}
	id := uuid.NewString()
	if err := m.store.Set(state.KeySessionID, id); err != nil {
		slog.Warn("monitor: persist session id failed", "err", err)
	}
	return id
}

// installCapture wires network capture. Slow-request capture is enabled
// only for the first monitor of this process to claim it.
func (m *Monitor) installCapture(o options) error {
	ep, err := transport.EndpointsFrom(m.cfg.Report)
	if err != nil {
		return fmt.Errorf("monitor: %w", err)
	}

	slow := m.cfg.Network.SlowRequest
	if slow > 0 {
		owner := strconv.Itoa(os.Getpid())
		if v, _ := m.store.Get(state.KeyPerformanceInit); v == owner {
			slog.Debug("monitor: slow-request capture already initialized in this process")
			slow = 0
		} else if err := m.store.Set(state.KeyPerformanceInit, owner); err != nil {
			slog.Warn("monitor: persist performance marker failed", "err", err)
		} else {
			m.perfOwner = owner
		}
	}

	ic, err := capture.New(capture.Options{
		ReportURLs:      []string{ep.Report, ep.Batch},
		ExcludePatterns: m.cfg.Network.ExcludePatterns,
		SlowRequest:     slow,
		PageURL:         o.pageURL,
		UserAgent:       m.cfg.Agent.UserAgent,
	}, func(rec types.ErrorRecord) { m.TriggerError(rec) })
	if err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	for _, c := range o.clients {
		ic.Install(c)
	}
	m.capture = ic
	return nil
}

// OnError registers a handler run for every record passed to TriggerError.
func (m *Monitor) OnError(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// TriggerError hands rec to the pipeline and returns without waiting on the
// network. Missing ID, timestamp and user agent are filled in; the replay
// snapshot and session ID are attached as metadata.
func (m *Monitor) TriggerError(rec types.ErrorRecord) (res types.Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("monitor: recovered panic in pipeline", "panic", r)
			res = types.DroppedResult(types.ReasonInternalError, 1)
		}
	}()

	m.mu.RLock()
	destroyed := m.destroyed
	handlers := m.handlers
	m.mu.RUnlock()
	if destroyed {
		return types.DroppedResult(types.ReasonDestroyed, 1)
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = m.clock.Now()
	}
	if rec.UserAgent == "" {
		rec.UserAgent = m.cfg.Agent.UserAgent
	}

	for _, h := range handlers {
		runHandler(h, rec)
	}

	if m.replay != nil {
		if snap := m.replay.Snapshot(); snap != nil {
			snap.SessionID = m.sessionID
			rec = rec.WithMetadata(types.MetadataReplay, snap)
		}
	}
	rec = rec.WithMetadata(types.MetadataSession, m.sessionID)

	return m.agg.Enqueue(rec)
}

func runHandler(h Handler, rec types.ErrorRecord) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("monitor: onError handler panicked", "panic", r)
		}
	}()
	h(rec)
}

// Flush emits every aggregation bucket now.
func (m *Monitor) Flush() types.Result {
	return m.agg.Flush()
}

// Unload drains aggregation buckets, the overflow buffer and the retry
// queue into one batch and sends it through the beacon transport (or the
// report transport when beacons are unavailable). Only the first call
// sends; later calls return Dropped(empty_batch).
func (m *Monitor) Unload(ctx context.Context) types.Result {
	res := types.DroppedResult(types.ReasonEmptyBatch, 0)
	m.unloadOnce.Do(func() {
		res = m.unload(ctx)
	})
	return res
}

func (m *Monitor) unload(ctx context.Context) types.Result {
	// Let background sends settle so their failures land in the retry
	// queue before it is drained.
	if err := m.agg.Wait(ctx); err != nil {
		slog.Warn("monitor: unload with background sends still in flight", "err", err)
	}
	records := m.agg.Drain()
	records = append(records, m.limiter.DrainOverflow()...)
	if m.retry != nil {
		records = append(records, m.retry.Drain()...)
	}
	if len(records) == 0 {
		return types.DroppedResult(types.ReasonEmptyBatch, 0)
	}

	if m.beacon == nil {
		slog.Info("monitor: unload flush via report transport", "records", len(records))
		return m.shipper.ReportBatch(ctx, records)
	}

	err := m.beacon.ReportBatch(ctx, records)
	var oversize *transport.OversizeError
	switch {
	case err == nil:
		slog.Info("monitor: unload beacon queued", "records", len(records))
		return m.record(types.DeliveredResult(len(records)))
	case errors.As(err, &oversize):
		slog.Warn("monitor: unload beacon skipped oversized records", "records", len(records), "skipped", oversize.Skipped)
		m.stats.Record(types.DeliveredResult(len(records) - oversize.Skipped))
		return m.record(types.DroppedResult(types.ReasonTransportFailed, oversize.Skipped))
	default:
		slog.Error("monitor: unload beacon failed", "records", len(records), "err", err)
		return m.record(types.DroppedResult(types.ReasonTransportFailed, len(records)))
	}
}

// WaitIdle blocks until background sends (forced flushes, fatal records)
// and in-flight unload beacons finish, or ctx is done.
func (m *Monitor) WaitIdle(ctx context.Context) error {
	if err := m.agg.Wait(ctx); err != nil {
		return err
	}
	if m.beacon == nil {
		return nil
	}
	return m.beacon.Wait(ctx)
}

// SetTransport replaces the report transport at runtime.
func (m *Monitor) SetTransport(t transport.Transport) {
	m.shipper.SetTransport(t)
}

// Replay returns the replay buffer, or nil when replay is disabled.
func (m *Monitor) Replay() *replay.Buffer { return m.replay }

// Stats returns the pipeline counters.
func (m *Monitor) Stats() *stats.Stats { return m.stats }

// SessionID returns the session ID attached to every record.
func (m *Monitor) SessionID() string { return m.sessionID }

// Destroy tears the pipeline down: timers are disarmed, buffered records
// discarded and network capture uninstalled. Later calls are no-ops.
func (m *Monitor) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	m.mu.Unlock()

	if m.capture != nil {
		m.capture.Uninstall()
	}
	if m.perfOwner != "" {
		if v, _ := m.store.Get(state.KeyPerformanceInit); v == m.perfOwner {
			_ = m.store.Set(state.KeyPerformanceInit, "")
		}
	}
	m.agg.Destroy()
	m.limiter.Destroy()
	if m.retry != nil {
		m.retry.Destroy()
	}
	if m.replay != nil {
		m.replay.Destroy()
	}
	slog.Info("monitor: destroyed", "session", m.sessionID)
}

func (m *Monitor) record(res types.Result) types.Result {
	m.stats.Record(res)
	return res
}
