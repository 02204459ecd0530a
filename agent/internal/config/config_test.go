package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Valid(t *testing.T) {
	yaml := `
agent:
  input: /var/log/rum.ndjson
  state_path: /var/lib/obsidianrum/state.cbor
  log_level: debug
report:
  url: "https://ingest.example.com/api/v1/errors/report"
  transport:
    type: xhr
    headers:
      X-Tenant: acme
    beacon_max_bytes: 1024
  aggregator:
    window: 500ms
    max_batch: 5
    rate_limit_per_minute: 10
    fatal_kinds: [js]
  retry:
    max_attempts: 5
    initial_delay: 200ms
    max_delay: 2s
    backoff_factor: 3
    jitter: false
`
	cfg := loadFromString(t, yaml)

	if cfg.Agent.Input != "/var/log/rum.ndjson" {
		t.Errorf("input: got %q", cfg.Agent.Input)
	}
	if cfg.Report.Transport.Type != TransportXHR {
		t.Errorf("transport type: got %q", cfg.Report.Transport.Type)
	}
	if cfg.Report.Transport.Headers["X-Tenant"] != "acme" {
		t.Errorf("headers: got %v", cfg.Report.Transport.Headers)
	}
	if cfg.Report.Transport.BeaconMaxBytes != 1024 {
		t.Errorf("beacon_max_bytes: got %d", cfg.Report.Transport.BeaconMaxBytes)
	}
	if cfg.Report.Aggregator.Window != 500*time.Millisecond {
		t.Errorf("window: got %v", cfg.Report.Aggregator.Window)
	}
	if cfg.Report.Aggregator.MaxBatch != 5 {
		t.Errorf("max_batch: got %d", cfg.Report.Aggregator.MaxBatch)
	}
	if len(cfg.Report.Aggregator.FatalKinds) != 1 || cfg.Report.Aggregator.FatalKinds[0] != "js" {
		t.Errorf("fatal_kinds: got %v", cfg.Report.Aggregator.FatalKinds)
	}
	r := cfg.Report.Retry
	if !r.Enabled || r.MaxAttempts != 5 || r.InitialDelay != 200*time.Millisecond ||
		r.MaxDelay != 2*time.Second || r.BackoffFactor != 3 || r.Jitter {
		t.Errorf("retry: got %+v", r)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg := loadFromString(t, `
report:
  url: "http://localhost:8080/api/v1/errors/report"
`)

	a := cfg.Report.Aggregator
	if a.Window != DefaultWindow {
		t.Errorf("default window: got %v, want %v", a.Window, DefaultWindow)
	}
	if a.MaxBatch != DefaultMaxBatch {
		t.Errorf("default max_batch: got %d, want %d", a.MaxBatch, DefaultMaxBatch)
	}
	if a.DedupeTTL != DefaultDedupeTTL || a.DedupeMaxKeys != DefaultDedupeMaxKeys {
		t.Errorf("default dedupe: got %v/%d", a.DedupeTTL, a.DedupeMaxKeys)
	}
	if a.RateLimitPerMinute != DefaultRateLimitPerMinute {
		t.Errorf("default rate limit: got %d", a.RateLimitPerMinute)
	}
	if !cfg.Report.Retry.Enabled || cfg.Report.Retry.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("default retry: got %+v", cfg.Report.Retry)
	}
	if cfg.Report.Transport.Type != TransportAuto {
		t.Errorf("default transport: got %q", cfg.Report.Transport.Type)
	}
	if got := cfg.Report.Transport.Fallback.Priority; len(got) != 2 || got[0] != TransportFetch {
		t.Errorf("default priority: got %v", got)
	}
	if cfg.Replay.MaxReplayBytes != DefaultMaxReplayBytes || !cfg.Replay.Compress {
		t.Errorf("default replay: got %+v", cfg.Replay)
	}
	if cfg.Agent.Input != "-" {
		t.Errorf("default input: got %q", cfg.Agent.Input)
	}
}

func TestLoad_ExplicitFalseOverridesDefault(t *testing.T) {
	cfg := loadFromString(t, `
report:
  url: "http://localhost:8080/r"
  retry:
    enabled: false
replay:
  enabled: false
`)
	if cfg.Report.Retry.Enabled {
		t.Error("retry.enabled: want false")
	}
	if cfg.Replay.Enabled {
		t.Error("replay.enabled: want false")
	}
}

func TestLoad_JSONC(t *testing.T) {
	content := `{
  // report endpoint
  "report": {
    "url": "https://ingest.example.com/r",
    "aggregator": { "max_batch": 7, },
  },
}`
	path := filepath.Join(t.TempDir(), "agent.jsonc")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}
	if cfg.Report.Aggregator.MaxBatch != 7 {
		t.Errorf("max_batch: got %d, want 7", cfg.Report.Aggregator.MaxBatch)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing url", `report: {}`},
		{"bad scheme", `report: {url: "ftp://example.com/r"}`},
		{"bad batch url", `report: {url: "http://a/r", batch_url: "nope"}`},
		{"unknown transport", `report: {url: "http://a/r", transport: {type: carrier-pigeon}}`},
		{"beacon in priority", `report: {url: "http://a/r", transport: {fallback: {priority: [beacon]}}}`},
		{"empty priority", `report: {url: "http://a/r", transport: {fallback: {priority: []}}}`},
		{"zero window", `report: {url: "http://a/r", aggregator: {window: 0s}}`},
		{"negative batch", `report: {url: "http://a/r", aggregator: {max_batch: -1}}`},
		{"unknown fatal kind", `report: {url: "http://a/r", aggregator: {fatal_kinds: [css]}}`},
		{"zero attempts", `report: {url: "http://a/r", retry: {max_attempts: 0}}`},
		{"max below initial", `report: {url: "http://a/r", retry: {initial_delay: 5s, max_delay: 1s}}`},
		{"factor below one", `report: {url: "http://a/r", retry: {backoff_factor: 0.5}}`},
		{"tiny replay budget", `{report: {url: "http://a/r"}, replay: {max_replay_bytes: 1}}`},
		{"bad exclude pattern", `{report: {url: "http://a/r"}, network: {exclude_patterns: ["("]}}`},
		{"unknown log level", `{report: {url: "http://a/r"}, agent: {log_level: loud}}`},
		{"apikey without header", `report: {url: "http://a/r", transport: {auth: {mode: apikey}}}`},
		{"unknown auth mode", `report: {url: "http://a/r", transport: {auth: {mode: magictoken}}}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := loadStringErr(t, tc.yaml); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestLoad_RetryDisabledSkipsRetryValidation(t *testing.T) {
	cfg := loadFromString(t, `
report:
  url: "http://a/r"
  retry:
    enabled: false
    max_attempts: 0
`)
	if cfg.Report.Retry.Enabled {
		t.Error("retry should be disabled")
	}
}

func TestAuthConfig_Key(t *testing.T) {
	t.Setenv("TEST_API_KEY", "supersecret")
	a := AuthConfig{Mode: "apikey", KeyEnv: "TEST_API_KEY"}
	if got := a.Key(); got != "supersecret" {
		t.Errorf("Key(): got %q, want %q", got, "supersecret")
	}
}

func TestAuthConfig_Token_Empty(t *testing.T) {
	a := AuthConfig{Mode: "bearer"}
	if got := a.Token(); got != "" {
		t.Errorf("Token() with no TokenEnv: got %q, want empty", got)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"", slog.LevelInfo},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tc := range tests {
		got, err := ParseLevel(tc.in)
		if err != nil {
			t.Errorf("ParseLevel(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	write := func(level string) {
		t.Helper()
		body := "report: {url: \"http://a/r\"}\nagent: {log_level: " + level + "}\n"
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	write("info")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, func(c *Config) { got <- c }) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	write("debug")

	select {
	case cfg := <-got:
		if cfg.Agent.LogLevel != "debug" {
			t.Errorf("reloaded log_level: got %q, want debug", cfg.Agent.LogLevel)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch returned %v", err)
	}
}

// loadFromString writes yaml to a temp file and calls Load, failing on error.
func loadFromString(t *testing.T, content string) *Config {
	t.Helper()
	cfg, err := loadStringErr(t, content)
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}
	return cfg
}

// loadStringErr writes yaml to a temp file and calls Load, returning any error.
func loadStringErr(t *testing.T, content string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return Load(path)
}
