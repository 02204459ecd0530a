package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for the sink configuration.
const (
	DefaultHTTPPort   = 8080
	DefaultRecordTTL  = 15 * time.Minute
	DefaultMaxRecords = 10000
	DefaultBodyLimit  = 4 << 20
	DefaultAuthHeader = "x-api-key"
)

// Config holds the sink configuration parsed from the `sink:` section.
type Config struct {
	Sink SinkConfig `yaml:"sink"`
}

// SinkConfig holds all sink settings.
type SinkConfig struct {
	HTTPPort  int           `yaml:"http_port"`
	Auth      AuthConfig    `yaml:"auth"`
	Records   RecordsConfig `yaml:"records"`
	BodyLimit int           `yaml:"body_limit"`
}

// AuthConfig controls how reporting agents authenticate.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable that holds the expected API key.
	KeyEnv string `yaml:"key_env"`

	// Header is the HTTP header to read the key from. Defaults to "x-api-key".
	Header string `yaml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or the default.
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return DefaultAuthHeader
}

// RecordsConfig controls in-memory record retention.
type RecordsConfig struct {
	TTL time.Duration `yaml:"ttl"`
	Max int           `yaml:"max"`
}

// Load reads and parses the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sink config: read %q: %w", path, err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("sink config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("sink config: %w", err)
	}
	return cfg, nil
}

// Defaults returns a Config pre-populated with default values. It is valid
// on its own, so the sink can run without a config file.
func Defaults() *Config {
	return &Config{
		Sink: SinkConfig{
			HTTPPort:  DefaultHTTPPort,
			BodyLimit: DefaultBodyLimit,
			Records: RecordsConfig{
				TTL: DefaultRecordTTL,
				Max: DefaultMaxRecords,
			},
		},
	}
}

func validate(cfg *Config) error {
	s := cfg.Sink
	if s.HTTPPort <= 0 || s.HTTPPort > 65535 {
		return fmt.Errorf("sink.http_port %d is out of range [1, 65535]", s.HTTPPort)
	}
	switch s.Auth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("sink.auth.mode %q unknown: want apikey|none", s.Auth.Mode)
	}
	if s.Auth.Mode == "apikey" && s.Auth.KeyEnv == "" {
		return fmt.Errorf("sink.auth.key_env is required for apikey mode")
	}
	if s.Records.TTL <= 0 {
		return fmt.Errorf("sink.records.ttl must be positive")
	}
	if s.Records.Max <= 0 {
		return fmt.Errorf("sink.records.max must be positive")
	}
	if s.BodyLimit <= 0 {
		return fmt.Errorf("sink.body_limit must be positive")
	}
	return nil
}
