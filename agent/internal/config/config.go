package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultTransportTimeout = 10 * time.Second
	DefaultBeaconMaxBytes   = 64 * 1024
	DefaultShutdownGrace    = 2 * time.Second

	DefaultWindow             = 2 * time.Second
	DefaultMaxBatch           = 20
	DefaultDedupeTTL          = 60 * time.Second
	DefaultDedupeMaxKeys      = 1000
	DefaultRateLimitPerMinute = 100

	DefaultMaxAttempts   = 3
	DefaultInitialDelay  = 1 * time.Second
	DefaultMaxDelay      = 30 * time.Second
	DefaultBackoffFactor = 2.0

	DefaultReplayWindow      = 15 * time.Second
	DefaultReplayMaxEvents   = 3000
	DefaultMaxReplayBytes    = 256 * 1024
	DefaultMousemoveThrottle = 50 * time.Millisecond
	DefaultReplayFlush       = 100 * time.Millisecond

	DefaultSlowRequest = 3 * time.Second
)

// Transport names accepted in report.transport.type and fallback.priority.
const (
	TransportAuto   = "auto"
	TransportFetch  = "fetch"
	TransportXHR    = "xhr"
	TransportBeacon = "beacon"
)

// Config is the top-level agent configuration.
type Config struct {
	Agent   AgentConfig   `yaml:"agent"`
	Report  ReportConfig  `yaml:"report"`
	Replay  ReplayConfig  `yaml:"replay"`
	Network NetworkConfig `yaml:"network"`
}

// AgentConfig holds process-level settings of the agent binary.
type AgentConfig struct {
	// Input is the NDJSON stream records are read from; "-" means stdin.
	Input string `yaml:"input"`

	// StatePath is where the session ID and one-time markers persist.
	// Empty keeps state in memory only.
	StatePath string `yaml:"state_path"`

	// MetricsAddr serves delivery counters on /metrics when non-empty.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel is one of: debug | info | warn | error.
	LogLevel string `yaml:"log_level"`

	// UserAgent is stamped on records that do not carry their own.
	UserAgent string `yaml:"user_agent"`

	// ShutdownGrace bounds how long the unload beacon may take on exit.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// ReportConfig configures delivery to the ingestion endpoint.
type ReportConfig struct {
	// URL is the single-record endpoint.
	URL string `yaml:"url"`

	// BatchURL overrides the derived "<url>/batch" endpoint.
	BatchURL string `yaml:"batch_url"`

	Transport  TransportConfig  `yaml:"transport"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Retry      RetryConfig      `yaml:"retry"`
}

// TransportConfig selects and tunes the HTTP senders.
type TransportConfig struct {
	// Type is one of: auto | fetch | xhr.
	Type string `yaml:"type"`

	// Headers are added to every report request.
	Headers map[string]string `yaml:"headers"`

	Fallback FallbackConfig `yaml:"fallback"`

	// Timeout bounds a single report request.
	Timeout time.Duration `yaml:"timeout"`

	// BeaconMaxBytes caps one unload beacon body; larger batches are split.
	BeaconMaxBytes int `yaml:"beacon_max_bytes"`

	// Auth configures how the agent authenticates to the report endpoint.
	Auth AuthConfig `yaml:"auth"`

	TLS TLSConfig `yaml:"tls"`
}

// AuthConfig specifies the authentication mode for the report endpoint.
// Secrets are read from environment variables, never from the file.
type AuthConfig struct {
	// Mode is one of: mtls | apikey | bearer | basic | none.
	Mode string `yaml:"mode"`

	// Header is the header carrying the key in apikey mode.
	Header string `yaml:"header"`

	KeyEnv      string `yaml:"key_env"`
	TokenEnv    string `yaml:"token_env"`
	Username    string `yaml:"username"`
	PasswordEnv string `yaml:"password_env"`

	// CertFile and KeyFile hold the client certificate for mtls mode.
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Key returns the API key from the configured environment variable.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// Token returns the bearer token from the configured environment variable.
func (a AuthConfig) Token() string {
	if a.TokenEnv == "" {
		return ""
	}
	return os.Getenv(a.TokenEnv)
}

// Password returns the basic-auth password from the configured environment
// variable.
func (a AuthConfig) Password() string {
	if a.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(a.PasswordEnv)
}

// FallbackConfig orders the transports tried at construction.
type FallbackConfig struct {
	Priority []string `yaml:"priority"`
}

// TLSConfig holds TLS dial options for the report endpoint.
type TLSConfig struct {
	// CAFile adds a PEM bundle to the trusted roots.
	CAFile string `yaml:"ca_file"`

	// InsecureSkipVerify disables certificate verification.
	// Only use this for internal CAs in development environments.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// AggregatorConfig configures deduplication, batching and rate limiting.
type AggregatorConfig struct {
	Window             time.Duration `yaml:"window"`
	MaxBatch           int           `yaml:"max_batch"`
	DedupeTTL          time.Duration `yaml:"dedupe_ttl"`
	DedupeMaxKeys      int           `yaml:"dedupe_max_keys"`
	RateLimitPerMinute int           `yaml:"rate_limit_per_minute"`

	// FatalKinds lists record kinds that bypass aggregation and rate limiting.
	FatalKinds []string `yaml:"fatal_kinds"`
}

// RetryConfig configures the retry queue.
type RetryConfig struct {
	Enabled       bool          `yaml:"enabled"`
	MaxAttempts   int           `yaml:"max_attempts"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	Jitter        bool          `yaml:"jitter"`
}

// ReplayConfig configures the session replay buffer.
type ReplayConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Window            time.Duration `yaml:"window"`
	MaxEvents         int           `yaml:"max_events"`
	MaxReplayBytes    int           `yaml:"max_replay_bytes"`
	MousemoveThrottle time.Duration `yaml:"mousemove_throttle"`
	FlushInterval     time.Duration `yaml:"flush_interval"`
	Compress          bool          `yaml:"compress"`

	// UseRrweb stores opaque full-fidelity recorder events instead of the
	// lite schema.
	UseRrweb    bool `yaml:"use_rrweb"`
	MaskAllText bool `yaml:"mask_all_text"`

	IncludeSelectors []string `yaml:"include_selectors"`
	ExcludeSelectors []string `yaml:"exclude_selectors"`
}

// NetworkConfig configures the HTTP capture interceptor.
type NetworkConfig struct {
	Enabled bool `yaml:"enabled"`

	// ExcludePatterns are Go regular expressions matched against request
	// URLs. The report endpoints are always excluded.
	ExcludePatterns []string `yaml:"exclude_patterns"`

	// SlowRequest reports requests at least this slow as performance
	// records. Zero disables it.
	SlowRequest time.Duration `yaml:"slow_request"`
}

// Load reads and parses the config file at path. Files ending in .json or
// .jsonc may contain comments and trailing commas. Missing optional fields
// are filled with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}
	return Parse(data, filepath.Ext(path))
}

// Parse decodes config bytes. ext selects JSONC preprocessing (".json",
// ".jsonc"); anything else is parsed as YAML.
func Parse(data []byte, ext string) (*Config, error) {
	switch strings.ToLower(ext) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Defaults returns a Config pre-populated with default values. It is not
// valid on its own: report.url has no default.
func Defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			Input:         "-",
			LogLevel:      "info",
			ShutdownGrace: DefaultShutdownGrace,
		},
		Report: ReportConfig{
			Transport: TransportConfig{
				Type:           TransportAuto,
				Fallback:       FallbackConfig{Priority: []string{TransportFetch, TransportXHR}},
				Timeout:        DefaultTransportTimeout,
				BeaconMaxBytes: DefaultBeaconMaxBytes,
			},
			Aggregator: AggregatorConfig{
				Window:             DefaultWindow,
				MaxBatch:           DefaultMaxBatch,
				DedupeTTL:          DefaultDedupeTTL,
				DedupeMaxKeys:      DefaultDedupeMaxKeys,
				RateLimitPerMinute: DefaultRateLimitPerMinute,
			},
			Retry: RetryConfig{
				Enabled:       true,
				MaxAttempts:   DefaultMaxAttempts,
				InitialDelay:  DefaultInitialDelay,
				MaxDelay:      DefaultMaxDelay,
				BackoffFactor: DefaultBackoffFactor,
				Jitter:        true,
			},
		},
		Replay: ReplayConfig{
			Enabled:           true,
			Window:            DefaultReplayWindow,
			MaxEvents:         DefaultReplayMaxEvents,
			MaxReplayBytes:    DefaultMaxReplayBytes,
			MousemoveThrottle: DefaultMousemoveThrottle,
			FlushInterval:     DefaultReplayFlush,
			Compress:          true,
			MaskAllText:       true,
		},
		Network: NetworkConfig{
			Enabled:     true,
			SlowRequest: DefaultSlowRequest,
		},
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	if err := validateEndpoint("report.url", cfg.Report.URL, true); err != nil {
		return err
	}
	if err := validateEndpoint("report.batch_url", cfg.Report.BatchURL, false); err != nil {
		return err
	}

	t := cfg.Report.Transport
	switch t.Type {
	case TransportAuto, TransportFetch, TransportXHR:
	default:
		return fmt.Errorf("report.transport.type: unknown transport %q", t.Type)
	}
	if len(t.Fallback.Priority) == 0 {
		return fmt.Errorf("report.transport.fallback.priority must not be empty")
	}
	for i, name := range t.Fallback.Priority {
		switch name {
		case TransportFetch, TransportXHR:
		default:
			return fmt.Errorf("report.transport.fallback.priority[%d]: unknown transport %q", i, name)
		}
	}
	if t.Timeout <= 0 {
		return fmt.Errorf("report.transport.timeout must be positive")
	}
	if t.BeaconMaxBytes <= 0 {
		return fmt.Errorf("report.transport.beacon_max_bytes must be positive")
	}
	switch t.Auth.Mode {
	case "apikey":
		if t.Auth.Header == "" {
			return fmt.Errorf("report.transport.auth.header is required for apikey mode")
		}
	case "mtls":
		if t.Auth.CertFile == "" || t.Auth.KeyFile == "" {
			return fmt.Errorf("report.transport.auth: cert_file and key_file are required for mtls mode")
		}
	case "bearer", "basic", "none", "":
	default:
		return fmt.Errorf("report.transport.auth: unknown mode %q", t.Auth.Mode)
	}

	a := cfg.Report.Aggregator
	if a.Window <= 0 {
		return fmt.Errorf("report.aggregator.window must be positive")
	}
	if a.MaxBatch <= 0 {
		return fmt.Errorf("report.aggregator.max_batch must be positive")
	}
	if a.DedupeTTL <= 0 {
		return fmt.Errorf("report.aggregator.dedupe_ttl must be positive")
	}
	if a.DedupeMaxKeys <= 0 {
		return fmt.Errorf("report.aggregator.dedupe_max_keys must be positive")
	}
	if a.RateLimitPerMinute <= 0 {
		return fmt.Errorf("report.aggregator.rate_limit_per_minute must be positive")
	}
	for i, k := range a.FatalKinds {
		switch k {
		case "js", "resource", "network", "performance":
		default:
			return fmt.Errorf("report.aggregator.fatal_kinds[%d]: unknown kind %q", i, k)
		}
	}

	r := cfg.Report.Retry
	if r.Enabled {
		if r.MaxAttempts <= 0 {
			return fmt.Errorf("report.retry.max_attempts must be positive")
		}
		if r.InitialDelay <= 0 {
			return fmt.Errorf("report.retry.initial_delay must be positive")
		}
		if r.MaxDelay < r.InitialDelay {
			return fmt.Errorf("report.retry.max_delay must be >= initial_delay")
		}
		if r.BackoffFactor < 1 {
			return fmt.Errorf("report.retry.backoff_factor must be >= 1")
		}
	}

	rp := cfg.Replay
	if rp.Enabled {
		if rp.Window <= 0 {
			return fmt.Errorf("replay.window must be positive")
		}
		if rp.MaxEvents <= 0 {
			return fmt.Errorf("replay.max_events must be positive")
		}
		if rp.MaxReplayBytes < 2 {
			return fmt.Errorf("replay.max_replay_bytes must be at least 2")
		}
		if rp.FlushInterval <= 0 {
			return fmt.Errorf("replay.flush_interval must be positive")
		}
		if rp.MousemoveThrottle < 0 {
			return fmt.Errorf("replay.mousemove_throttle must not be negative")
		}
	}
	for i, sel := range append(append([]string(nil), rp.IncludeSelectors...), rp.ExcludeSelectors...) {
		if strings.TrimSpace(sel) == "" {
			return fmt.Errorf("replay selectors[%d]: empty selector", i)
		}
	}

	for i, p := range cfg.Network.ExcludePatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("network.exclude_patterns[%d]: %w", i, err)
		}
	}
	if cfg.Network.SlowRequest < 0 {
		return fmt.Errorf("network.slow_request must not be negative")
	}

	if _, err := ParseLevel(cfg.Agent.LogLevel); err != nil {
		return err
	}
	if cfg.Agent.ShutdownGrace <= 0 {
		return fmt.Errorf("agent.shutdown_grace must be positive")
	}
	return nil
}

func validateEndpoint(field, raw string, required bool) error {
	if raw == "" {
		if required {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s: scheme must be http or https, got %q", field, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%s: host is required", field)
	}
	return nil
}

// ParseLevel maps agent.log_level onto a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("agent.log_level: unknown level %q", s)
	}
}
