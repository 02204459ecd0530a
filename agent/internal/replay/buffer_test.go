package replay

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/obsidianstack/obsidianrum/agent/internal/clock"
	"github.com/obsidianstack/obsidianrum/agent/internal/stats"
	"github.com/obsidianstack/obsidianrum/pkg/types"
)

var epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newBuffer(t *testing.T, opts Options) (*Buffer, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(epoch)
	opts.Clock = clk
	b := New(opts)
	t.Cleanup(b.Destroy)
	return b, clk
}

func click(target string) types.ReplayEvent {
	x, y := 10.0, 20.0
	return types.ReplayEvent{Type: "click", X: &x, Y: &y, Target: target}
}

func decodeEvents(t *testing.T, snap *types.ReplaySnapshot) []types.ReplayEvent {
	t.Helper()
	raw, err := snap.EventsJSON()
	if err != nil {
		t.Fatalf("EventsJSON: %v", err)
	}
	var evs []types.ReplayEvent
	if err := json.Unmarshal(raw, &evs); err != nil {
		t.Fatalf("events not valid JSON: %v", err)
	}
	return evs
}

func TestSnapshot_AllEvictedAfterWindow(t *testing.T) {
	b, clk := newBuffer(t, Options{Window: 100 * time.Millisecond})

	for i := 0; i < 5; i++ {
		b.Record(click("button"))
		clk.Advance(10 * time.Millisecond)
	}
	clk.Advance(150 * time.Millisecond)

	if snap := b.Snapshot(); snap != nil {
		t.Fatalf("Snapshot: got %d events, want none", snap.EventsCount)
	}
}

func TestFlush_Debounced(t *testing.T) {
	st := stats.New()
	b, clk := newBuffer(t, Options{FlushInterval: 100 * time.Millisecond, MaxEvents: 3, Stats: st})

	for i := 0; i < 5; i++ {
		b.Record(click("button"))
	}
	if buffered, pending := b.Len(); buffered != 0 || pending != 5 {
		t.Fatalf("before flush: buffered=%d pending=%d", buffered, pending)
	}
	if clk.PendingCount() != 1 {
		t.Errorf("flush timers: got %d, want 1", clk.PendingCount())
	}

	clk.Advance(100 * time.Millisecond)
	if buffered, pending := b.Len(); buffered != 3 || pending != 0 {
		t.Fatalf("after flush: buffered=%d pending=%d, want 3/0", buffered, pending)
	}
	if got := st.Snapshot().ReplayEvicted; got != 2 {
		t.Errorf("evicted: got %d, want 2", got)
	}
	if clk.PendingCount() != 0 {
		t.Errorf("flush timer left armed with nothing pending")
	}
}

func TestRecord_Filters(t *testing.T) {
	b, clk := newBuffer(t, Options{
		MousemoveThrottle: 50 * time.Millisecond,
		IncludeSelectors:  []string{"button", "input", "div.app"},
		ExcludeSelectors:  []string{"button.secret"},
	})

	tests := []struct {
		name string
		ev   types.ReplayEvent
		want bool
	}{
		{"included tag", click("button#buy.primary"), true},
		{"excluded class", click("button.secret.primary"), false},
		{"not included", click("span"), false},
		{"compound include", click("div#root.app.dark"), true},
		{"canvas skipped", click("canvas#chart"), false},
		{"svg skipped", click("svg"), false},
		{"no target passes include", types.ReplayEvent{Type: "scroll"}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := b.Record(tc.ev); got != tc.want {
				t.Errorf("Record: got %v, want %v", got, tc.want)
			}
		})
	}

	mm := types.ReplayEvent{Type: "mm"}
	if !b.Record(mm) {
		t.Fatal("first mousemove dropped")
	}
	clk.Advance(20 * time.Millisecond)
	if b.Record(mm) {
		t.Error("mousemove inside throttle kept")
	}
	clk.Advance(30 * time.Millisecond)
	if !b.Record(mm) {
		t.Error("mousemove after throttle dropped")
	}
}

func TestRecord_InputMasking(t *testing.T) {
	masked, _ := newBuffer(t, Options{MaskAllText: true})
	masked.Record(types.ReplayEvent{Type: "input", Target: "input#email", Value: "me@example.com"})
	evs := decodeEvents(t, masked.Snapshot())
	if len(evs) != 1 || evs[0].Value != "***" {
		t.Fatalf("masked value: got %+v", evs)
	}

	plain, _ := newBuffer(t, Options{MaskAllText: false})
	plain.Record(types.ReplayEvent{Type: "input", Target: "textarea", Value: strings.Repeat("é", 150)})
	evs = decodeEvents(t, plain.Snapshot())
	if got := len([]rune(evs[0].Value)); got != 100 {
		t.Errorf("truncated value: got %d runes, want 100", got)
	}
}

func TestSnapshot_TrimsOldestToFit(t *testing.T) {
	b, clk := newBuffer(t, Options{MaxBytes: 200})

	for i := 0; i < 20; i++ {
		b.Record(click("button"))
		clk.Advance(time.Millisecond)
	}
	snap := b.Snapshot()
	if snap == nil {
		t.Fatal("Snapshot: got nil")
	}
	if snap.Bytes > 200 {
		t.Fatalf("bytes: got %d, want <= 200", snap.Bytes)
	}
	if snap.Encoding != "" {
		t.Errorf("encoding: got %q, want inline", snap.Encoding)
	}
	evs := decodeEvents(t, snap)
	if len(evs) != snap.EventsCount || len(evs) >= 20 {
		t.Fatalf("events: got %d (count %d)", len(evs), snap.EventsCount)
	}
	if snap.StartedAt != evs[0].T || snap.EndedAt != evs[len(evs)-1].T {
		t.Errorf("span %d..%d does not match retained events %d..%d",
			snap.StartedAt, snap.EndedAt, evs[0].T, evs[len(evs)-1].T)
	}
	if want := epoch.Add(19 * time.Millisecond).UnixMilli(); snap.EndedAt != want {
		t.Errorf("newest event trimmed: endedAt %d, want %d", snap.EndedAt, want)
	}
}

func TestSnapshot_Compressed(t *testing.T) {
	b, _ := newBuffer(t, Options{Compress: true})
	for i := 0; i < 50; i++ {
		b.Record(click("button#buy"))
	}

	snap := b.Snapshot()
	if snap.Encoding != types.EncodingGzipBase64 || snap.Payload == "" {
		t.Fatalf("snapshot not compressed: %+v", snap)
	}
	if len(snap.Events) != 0 {
		t.Error("compressed snapshot also carries inline events")
	}
	if snap.Bytes != len(snap.Payload) {
		t.Errorf("bytes: got %d, want payload length %d", snap.Bytes, len(snap.Payload))
	}
	if evs := decodeEvents(t, snap); len(evs) != 50 {
		t.Errorf("decoded events: got %d, want 50", len(evs))
	}
}

func TestSnapshot_CompressedOverBudgetFallsBackInline(t *testing.T) {
	b, _ := newBuffer(t, Options{Compress: true, MaxBytes: 60})
	b.Record(types.ReplayEvent{Type: "visibility", Value: "hidden"})

	snap := b.Snapshot()
	if snap == nil {
		t.Fatal("Snapshot: got nil")
	}
	if snap.Encoding != "" || len(snap.Events) == 0 {
		t.Fatalf("want inline fallback, got encoding %q", snap.Encoding)
	}
	if snap.Bytes > 60 {
		t.Errorf("bytes: got %d", snap.Bytes)
	}
}

func TestSnapshot_ReusesBackgroundResult(t *testing.T) {
	b, clk := newBuffer(t, Options{Compress: true})
	for i := 0; i < 10; i++ {
		b.Record(click("a.link"))
	}
	clk.Advance(DefaultFlushInterval)

	b.mu.Lock()
	_, meta, ok := b.viewLocked()
	b.mu.Unlock()
	if !ok {
		t.Fatal("empty view after flush")
	}

	var cached compressResult
	deadline := time.Now().Add(5 * time.Second)
	for {
		if res, hit := b.comp.cached(meta); hit {
			cached = res
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("background compressor produced no result")
		}
		time.Sleep(5 * time.Millisecond)
	}

	snap := b.Snapshot()
	if snap.Payload != cached.payload {
		t.Error("snapshot did not reuse the cached background payload")
	}
}

func TestRecordRaw_Rrweb(t *testing.T) {
	b, _ := newBuffer(t, Options{Rrweb: true})
	if b.RecordRaw(json.RawMessage(`{"type":`), time.Time{}) {
		t.Error("invalid JSON accepted")
	}
	b.RecordRaw(json.RawMessage(`{"type":2,"data":{"node":{}},"timestamp":1704110400000}`), time.Time{})

	snap := b.Snapshot()
	if snap == nil {
		t.Fatal("Snapshot: got nil")
	}
	if snap.Version != types.ReplayVersionRrweb || !snap.Rrweb {
		t.Errorf("version: got %q rrweb=%v", snap.Version, snap.Rrweb)
	}
	var raw []map[string]any
	if err := json.Unmarshal(snap.Events, &raw); err != nil || len(raw) != 1 {
		t.Fatalf("events: %v %v", raw, err)
	}
}

func TestDestroy(t *testing.T) {
	b, clk := newBuffer(t, Options{Compress: true})
	b.Record(click("button"))
	b.Destroy()
	b.Destroy()

	if clk.PendingCount() != 0 {
		t.Errorf("flush timer still armed")
	}
	if b.Record(click("button")) {
		t.Error("Record accepted after Destroy")
	}
	if b.Snapshot() != nil {
		t.Error("Snapshot after Destroy: want nil")
	}
}

func TestBufferProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("buffer never exceeds MaxEvents nor spans more than Window", prop.ForAll(
		func(gaps []int, maxEvents int) bool {
			clk := clock.Fake(epoch)
			window := 500 * time.Millisecond
			b := New(Options{Window: window, MaxEvents: maxEvents, FlushInterval: 20 * time.Millisecond, Clock: clk})
			defer b.Destroy()

			for _, gap := range gaps {
				b.Record(click("button"))
				clk.Advance(time.Duration(gap) * time.Millisecond)

				if buffered, _ := b.Len(); buffered > maxEvents {
					return false
				}
				snap := b.Snapshot()
				if snap == nil {
					continue
				}
				if snap.EventsCount > maxEvents {
					return false
				}
				if clk.Now().UnixMilli()-snap.StartedAt > window.Milliseconds() {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 200)),
		gen.IntRange(1, 50),
	))

	properties.Property("snapshot bytes never exceed MaxBytes and stay valid JSON", prop.ForAll(
		func(values []string, maxBytes int, compress bool) bool {
			clk := clock.Fake(epoch)
			b := New(Options{MaxBytes: maxBytes, Compress: compress, MaskAllText: false, Clock: clk})
			defer b.Destroy()

			for _, v := range values {
				b.Record(types.ReplayEvent{Type: "input", Target: "input", Value: v})
				clk.Advance(time.Millisecond)
			}
			snap := b.Snapshot()
			if snap == nil {
				return true
			}
			if snap.Bytes > maxBytes {
				return false
			}
			raw, err := snap.EventsJSON()
			if err != nil || !json.Valid(raw) {
				return false
			}
			var evs []json.RawMessage
			return json.Unmarshal(raw, &evs) == nil && len(evs) == snap.EventsCount
		},
		gen.SliceOf(gen.AlphaString()),
		gen.IntRange(2, 2048),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
