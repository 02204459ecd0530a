package monitor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/obsidianstack/obsidianrum/agent/internal/clock"
	"github.com/obsidianstack/obsidianrum/agent/internal/config"
	"github.com/obsidianstack/obsidianrum/agent/internal/state"
	"github.com/obsidianstack/obsidianrum/agent/internal/stats"
	"github.com/obsidianstack/obsidianrum/agent/internal/transport"
	"github.com/obsidianstack/obsidianrum/pkg/types"
)

var epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// sink is an httptest ingestion endpoint keyed by request path.
type sink struct {
	mu     sync.Mutex
	status int
	paths  []string
	bodies [][]byte
	srv    *httptest.Server
}

func newSink(t *testing.T) *sink {
	t.Helper()
	s := &sink{status: http.StatusAccepted}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.paths = append(s.paths, r.URL.Path)
		s.bodies = append(s.bodies, body)
		status := s.status
		s.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *sink) setStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = code
}

func (s *sink) seen() (paths []string, bodies [][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(paths, s.paths...), append(bodies, s.bodies...)
}

func testConfig(url string) *config.Config {
	cfg := config.Defaults()
	cfg.Report.URL = url + "/api/v1/errors/report"
	cfg.Report.Aggregator.Window = 2 * time.Second
	cfg.Report.Retry.Jitter = false
	cfg.Replay.Compress = false
	cfg.Network.Enabled = false
	return cfg
}

func newMonitor(t *testing.T, cfg *config.Config, opts ...Option) (*Monitor, *clock.FakeClock) {
	t.Helper()
	fc := clock.Fake(epoch)
	m, err := New(cfg, append([]Option{WithClock(fc)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(m.Destroy)
	return m, fc
}

func jsError(msg string) types.ErrorRecord {
	return types.ErrorRecord{
		Kind:     types.KindJS,
		Message:  msg,
		Filename: "https://app.example.com/static/app.js",
		Line:     10,
		Stack:    "TypeError: " + msg + "\n    at render (app.js:10:3)",
		URL:      "https://app.example.com/",
	}
}

func TestTriggerError_AggregatesWithinWindow(t *testing.T) {
	s := newSink(t)
	m, fc := newMonitor(t, testConfig(s.srv.URL))

	for range 3 {
		res := m.TriggerError(jsError("x is undefined"))
		if res.Outcome != types.Queued || res.Reason != types.ReasonBuffered {
			t.Fatalf("got %v, want Queued(buffered)", res)
		}
		fc.Advance(500 * time.Millisecond)
	}
	fc.Advance(500 * time.Millisecond)

	paths, bodies := s.seen()
	if len(bodies) != 1 {
		t.Fatalf("requests: got %d, want 1", len(bodies))
	}
	if paths[0] != "/api/v1/errors/report" {
		t.Errorf("path: got %q", paths[0])
	}
	var p types.Payload
	if err := json.Unmarshal(bodies[0], &p); err != nil {
		t.Fatal(err)
	}
	if p.Type != "JS" || p.Aggregate == nil || p.Aggregate.Count != 3 {
		t.Fatalf("payload: got type %q aggregate %+v", p.Type, p.Aggregate)
	}
	if p.Aggregate.FirstSeenAt != epoch.UnixMilli() || p.Aggregate.LastSeenAt != epoch.Add(time.Second).UnixMilli() {
		t.Errorf("aggregate span: got %+v", p.Aggregate)
	}
	if p.Metadata[types.MetadataSession] != m.SessionID() {
		t.Errorf("session: got %v, want %s", p.Metadata[types.MetadataSession], m.SessionID())
	}
	if p.ID == "" || p.Timestamp != epoch.UnixMilli() {
		t.Errorf("defaults not filled: id %q timestamp %d", p.ID, p.Timestamp)
	}

	snap := m.Stats().Snapshot()
	if snap.Delivered != 1 || snap.Deduplicated != 2 {
		t.Errorf("stats: delivered %d deduplicated %d", snap.Delivered, snap.Deduplicated)
	}
}

func TestSessionID_PersistedInStore(t *testing.T) {
	s := newSink(t)
	store := state.NewMemory()

	first, _ := newMonitor(t, testConfig(s.srv.URL), WithStore(store))
	second, _ := newMonitor(t, testConfig(s.srv.URL), WithStore(store))

	if first.SessionID() == "" || first.SessionID() != second.SessionID() {
		t.Fatalf("session ids: %q and %q", first.SessionID(), second.SessionID())
	}
	if v, _ := store.Get(state.KeySessionID); v != first.SessionID() {
		t.Errorf("store: got %q", v)
	}
}

func TestOnError_HandlerPanicIsolated(t *testing.T) {
	s := newSink(t)
	m, _ := newMonitor(t, testConfig(s.srv.URL))

	var got []string
	m.OnError(func(types.ErrorRecord) { panic("handler bug") })
	m.OnError(func(r types.ErrorRecord) { got = append(got, r.Message) })

	res := m.TriggerError(jsError("boom"))
	if res.Outcome != types.Queued {
		t.Fatalf("got %v, want Queued", res)
	}
	if len(got) != 1 || got[0] != "boom" {
		t.Errorf("second handler: got %v", got)
	}
}

func TestFatalKinds_BypassAggregation(t *testing.T) {
	s := newSink(t)
	cfg := testConfig(s.srv.URL)
	cfg.Report.Aggregator.FatalKinds = []string{string(types.KindJS)}
	m, _ := newMonitor(t, cfg)

	res := m.TriggerError(jsError("fatal"))
	if res.Outcome != types.Queued || res.Reason != types.ReasonSending {
		t.Fatalf("got %v, want Queued(sending)", res)
	}
	if err := m.WaitIdle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, bodies := s.seen(); len(bodies) != 1 {
		t.Errorf("requests: got %d, want 1", len(bodies))
	}
	if got := m.Stats().Snapshot().Delivered; got != 1 {
		t.Errorf("delivered: got %d, want 1", got)
	}
}

func TestTriggerError_DoesNotWaitOnSlowEndpoint(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	open := func() { once.Do(func() { close(release) }) }

	var mu sync.Mutex
	requests := 0
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		mu.Lock()
		requests++
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(slow.Close)
	t.Cleanup(open) // unblock handlers before the server closes

	cfg := testConfig(slow.URL)
	cfg.Report.Aggregator.MaxBatch = 2
	cfg.Report.Aggregator.FatalKinds = []string{string(types.KindNetwork)}
	m, _ := newMonitor(t, cfg)

	var res, fatal types.Result
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.TriggerError(jsError("a"))
		res = m.TriggerError(jsError("b")) // reaches MaxBatch
		fatal = m.TriggerError(types.ErrorRecord{Kind: types.KindNetwork, Message: "HTTP GET /cart - 503"})
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("TriggerError waited on the endpoint")
	}
	if res.Reason != types.ReasonBuffered || fatal.Reason != types.ReasonSending {
		t.Errorf("results: %v and %v", res, fatal)
	}

	open()
	if err := m.WaitIdle(context.Background()); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if requests != 2 {
		t.Errorf("requests: got %d, want 2", requests)
	}
}

func TestTriggerError_AttachesReplay(t *testing.T) {
	s := newSink(t)
	m, _ := newMonitor(t, testConfig(s.srv.URL))

	x, y := 10.0, 20.0
	m.Replay().Record(types.ReplayEvent{T: epoch.UnixMilli(), Type: "click", X: &x, Y: &y, Target: "button#save"})
	m.TriggerError(jsError("after click"))
	m.Flush()

	_, bodies := s.seen()
	if len(bodies) != 1 {
		t.Fatalf("requests: got %d", len(bodies))
	}
	var p struct {
		Metadata struct {
			Replay types.ReplaySnapshot `json:"replay"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(bodies[0], &p); err != nil {
		t.Fatal(err)
	}
	rp := p.Metadata.Replay
	if rp.EventsCount != 1 || rp.SessionID != m.SessionID() || rp.Version != types.ReplayVersionLite {
		t.Fatalf("replay: %+v", rp)
	}
	events, err := rp.EventsJSON()
	if err != nil {
		t.Fatal(err)
	}
	var evs []types.ReplayEvent
	if err := json.Unmarshal(events, &evs); err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 || evs[0].Target != "button#save" {
		t.Errorf("events: %+v", evs)
	}
}

func TestUnload_SendsBeaconOnce(t *testing.T) {
	s := newSink(t)
	m, _ := newMonitor(t, testConfig(s.srv.URL))

	m.TriggerError(jsError("a"))
	m.TriggerError(jsError("b"))

	res := m.Unload(context.Background())
	if res.Outcome != types.Delivered || res.Count != 2 {
		t.Fatalf("got %v, want Delivered(2)", res)
	}
	if err := m.WaitIdle(context.Background()); err != nil {
		t.Fatal(err)
	}

	paths, bodies := s.seen()
	if len(bodies) != 1 || paths[0] != "/api/v1/errors/report/batch" {
		t.Fatalf("requests: %v", paths)
	}
	var b types.BatchPayload
	if err := json.Unmarshal(bodies[0], &b); err != nil {
		t.Fatal(err)
	}
	if b.Count != 2 || len(b.Errors) != 2 {
		t.Errorf("batch: count %d errors %d", b.Count, len(b.Errors))
	}

	again := m.Unload(context.Background())
	if again.Outcome != types.Dropped || again.Reason != types.ReasonEmptyBatch {
		t.Errorf("second unload: got %v", again)
	}
}

func TestUnload_DrainsBucketsOverflowAndRetry(t *testing.T) {
	s := newSink(t)
	cfg := testConfig(s.srv.URL)
	cfg.Report.Aggregator.RateLimitPerMinute = 1
	m, _ := newMonitor(t, cfg)

	// The only record the rate window admits fails and is parked for retry.
	s.setStatus(http.StatusServiceUnavailable)
	m.TriggerError(jsError("retried"))
	if res := m.Flush(); res.Reason != types.ReasonRetryScheduled {
		t.Fatalf("first flush: got %v, want Queued(retry_scheduled)", res)
	}

	// The window is full: both records overflow.
	m.TriggerError(jsError("overflow-1"))
	m.TriggerError(jsError("overflow-2"))
	if res := m.Flush(); res.Reason != types.ReasonRateLimited {
		t.Fatalf("second flush: got %v, want Queued(rate_limited)", res)
	}

	m.TriggerError(jsError("bucketed"))
	s.setStatus(http.StatusAccepted)

	res := m.Unload(context.Background())
	if res.Outcome != types.Delivered || res.Count != 4 {
		t.Fatalf("got %v, want Delivered(4)", res)
	}
	if err := m.WaitIdle(context.Background()); err != nil {
		t.Fatal(err)
	}

	paths, bodies := s.seen()
	if len(paths) != 2 || paths[1] != "/api/v1/errors/report/batch" {
		t.Fatalf("requests: %v", paths)
	}
	var b types.BatchPayload
	if err := json.Unmarshal(bodies[1], &b); err != nil {
		t.Fatal(err)
	}
	got := make([]string, 0, len(b.Errors))
	for _, p := range b.Errors {
		got = append(got, p.Message)
	}
	want := []string{"bucketed", "overflow-1", "overflow-2", "retried"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("unload batch = %v, want %v", got, want)
	}
}

func TestUnload_WithoutBeaconUsesReportTransport(t *testing.T) {
	s := newSink(t)
	m, _ := newMonitor(t, testConfig(s.srv.URL), WithCapabilities(transport.Capabilities{Fetch: true}))

	m.TriggerError(jsError("a"))
	m.TriggerError(jsError("b"))

	res := m.Unload(context.Background())
	if res.Outcome != types.Delivered || res.Count != 2 {
		t.Fatalf("got %v, want Delivered(2)", res)
	}
	if paths, _ := s.seen(); len(paths) != 1 || paths[0] != "/api/v1/errors/report/batch" {
		t.Errorf("requests: %v", paths)
	}
}

func TestUnload_Empty(t *testing.T) {
	s := newSink(t)
	m, _ := newMonitor(t, testConfig(s.srv.URL))

	res := m.Unload(context.Background())
	if res.Outcome != types.Dropped || res.Reason != types.ReasonEmptyBatch {
		t.Fatalf("got %v", res)
	}
}

func TestNoTransport_DropsOnFlush(t *testing.T) {
	st := stats.New()
	m, _ := newMonitor(t, testConfig("http://127.0.0.1:1"),
		WithCapabilities(transport.Capabilities{}), WithStats(st))

	m.TriggerError(jsError("nowhere"))
	res := m.Flush()
	if res.Outcome != types.Dropped || res.Reason != types.ReasonNoTransport {
		t.Fatalf("got %v, want Dropped(no_transport)", res)
	}
	if st.Snapshot().Dropped[types.ReasonNoTransport] != 1 {
		t.Errorf("stats: %+v", st.Snapshot().Dropped)
	}
}

func TestDestroy_RejectsLaterRecords(t *testing.T) {
	s := newSink(t)
	m, fc := newMonitor(t, testConfig(s.srv.URL))

	m.TriggerError(jsError("lost"))
	m.Destroy()
	m.Destroy()

	res := m.TriggerError(jsError("late"))
	if res.Outcome != types.Dropped || res.Reason != types.ReasonDestroyed {
		t.Fatalf("got %v, want Dropped(destroyed)", res)
	}
	if n := fc.PendingCount(); n != 0 {
		t.Errorf("timers armed after destroy: %d", n)
	}
	fc.Advance(time.Minute)
	if _, bodies := s.seen(); len(bodies) != 0 {
		t.Errorf("requests after destroy: %d", len(bodies))
	}
}

func TestNetworkCapture_ReportsFailedRequests(t *testing.T) {
	s := newSink(t)
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":"down"}`)
	}))
	t.Cleanup(api.Close)

	cfg := testConfig(s.srv.URL)
	cfg.Network.Enabled = true
	client := &http.Client{}
	store := state.NewMemory()
	m, _ := newMonitor(t, cfg, WithHTTPClients(client), WithStore(store), WithPageURL("https://app.example.com/cart"))

	if v, _ := store.Get(state.KeyPerformanceInit); v != strconv.Itoa(os.Getpid()) {
		t.Errorf("performance marker: got %q", v)
	}

	resp, err := client.Get(api.URL + "/v1/cart?id=7")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	m.Flush()

	_, bodies := s.seen()
	if len(bodies) != 1 {
		t.Fatalf("requests: got %d, want 1", len(bodies))
	}
	var p types.Payload
	if err := json.Unmarshal(bodies[0], &p); err != nil {
		t.Fatal(err)
	}
	if p.Type != "NETWORK" || p.ResponseStatus != http.StatusServiceUnavailable || p.URL != "https://app.example.com/cart" {
		t.Errorf("payload: type %q status %d url %q", p.Type, p.ResponseStatus, p.URL)
	}

	m.Destroy()
	if client.Transport != nil {
		t.Errorf("capture still installed after destroy")
	}
	if v, _ := store.Get(state.KeyPerformanceInit); v != "" {
		t.Errorf("performance marker not released: %q", v)
	}
}
