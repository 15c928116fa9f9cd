package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for cdpd.
type Config struct {
	ListenAddress  string          `yaml:"listen"`
	EngineConfig   string          `yaml:"engine_config"`
	Environment    string          `yaml:"environment"`
	RequestTimeout Duration        `yaml:"request_timeout"`
	Journal        JournalConfig   `yaml:"journal"`
	Auth           AuthConfig      `yaml:"auth"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	Oracle         OracleConfig    `yaml:"oracle"`
	Sources        []Source        `yaml:"sources"`
	Logging        LoggingConfig   `yaml:"logging"`
	Telemetry      TelemetryConfig `yaml:"telemetry"`
}

// JournalConfig selects the event journal backend.
type JournalConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// AuthConfig configures bearer token validation. Operators are account
// addresses allowed to credit wallets through the admin route.
type AuthConfig struct {
	HMACSecret string   `yaml:"hmac_secret"`
	Issuer     string   `yaml:"issuer"`
	Audience   string   `yaml:"audience"`
	ClockSkew  Duration `yaml:"clock_skew"`
	Operators  []string `yaml:"operators"`
}

// RateLimitConfig bounds requests per client.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// OracleConfig tunes the aggregation loop.
type OracleConfig struct {
	Interval Duration `yaml:"interval"`
	MaxAge   Duration `yaml:"max_age"`
	MinFeeds int      `yaml:"min_feeds"`
}

// Source describes an upstream price source. Static sources quote the fixed
// Prices per feed. HTTP sources GET Endpoint with the feed's entry from Assets
// substituted for "{asset}" and read the price at the gjson Path.
type Source struct {
	Name          string            `yaml:"name"`
	Type          string            `yaml:"type"`
	Endpoint      string            `yaml:"endpoint"`
	APIKey        string            `yaml:"api_key"`
	Path          string            `yaml:"path"`
	TimestampPath string            `yaml:"timestamp_path"`
	Assets        map[string]string `yaml:"assets"`
	Prices        map[string]string `yaml:"prices"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// TelemetryConfig toggles the OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	Headers     string  `yaml:"headers"`
	Metrics     bool    `yaml:"metrics"`
	Traces      bool    `yaml:"traces"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

const (
	envListen       = "CDPD_LISTEN"
	envEngineConfig = "CDPD_ENGINE_CONFIG"
	envEnvironment  = "CDPD_ENV"
	envJournalDrv   = "CDPD_JOURNAL_DRIVER"
	envJournalDSN   = "CDPD_JOURNAL_DSN"
	envJWTSecret    = "CDPD_JWT_SECRET"
	envOperators    = "CDPD_OPERATORS"
	envRatePerMin   = "CDPD_RATE_PER_MIN"
	envRateBurst    = "CDPD_RATE_BURST"
	envLogLevel     = "CDPD_LOG_LEVEL"
	envLogFile      = "CDPD_LOG_FILE"
	envOTLPEndpoint = "OTEL_EXPORTER_OTLP_ENDPOINT"
	envOTLPHeaders  = "OTEL_EXPORTER_OTLP_HEADERS"
	envOTLPInsecure = "OTEL_EXPORTER_OTLP_INSECURE"

	defaultListen       = ":7090"
	defaultEngineConfig = "./cdp.toml"
	defaultJournalDrv   = "sqlite"
	defaultJournalDSN   = "file:cdpd-journal.db"
	defaultRatePerMin   = 120
	defaultRateBurst    = 20
)

// Load reads configuration from the supplied path and applies environment
// overrides. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Config{}
	if strings.TrimSpace(path) != "" {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	if cfg.EngineConfig == "" {
		cfg.EngineConfig = defaultEngineConfig
	}
	if cfg.RequestTimeout.Duration == 0 {
		cfg.RequestTimeout.Duration = 10 * time.Second
	}
	if cfg.Journal.Driver == "" {
		cfg.Journal.Driver = defaultJournalDrv
	}
	if cfg.Journal.DSN == "" && cfg.Journal.Driver == defaultJournalDrv {
		cfg.Journal.DSN = defaultJournalDSN
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = defaultRatePerMin
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = defaultRateBurst
	}
	if cfg.Oracle.Interval.Duration == 0 {
		cfg.Oracle.Interval.Duration = 30 * time.Second
	}
	if cfg.Oracle.MaxAge.Duration == 0 {
		cfg.Oracle.MaxAge.Duration = 2 * time.Minute
	}
	if cfg.Oracle.MinFeeds <= 0 {
		cfg.Oracle.MinFeeds = 1
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func applyEnv(cfg *Config) {
	cfg.ListenAddress = stringFromEnv(envListen, cfg.ListenAddress)
	cfg.EngineConfig = stringFromEnv(envEngineConfig, cfg.EngineConfig)
	cfg.Environment = stringFromEnv(envEnvironment, cfg.Environment)
	cfg.Journal.Driver = strings.ToLower(stringFromEnv(envJournalDrv, cfg.Journal.Driver))
	cfg.Journal.DSN = stringFromEnv(envJournalDSN, cfg.Journal.DSN)
	cfg.Auth.HMACSecret = stringFromEnv(envJWTSecret, cfg.Auth.HMACSecret)
	if operators := splitAndTrim(os.Getenv(envOperators)); len(operators) > 0 {
		cfg.Auth.Operators = operators
	}
	cfg.RateLimit.RequestsPerMinute = float64(intFromEnv(envRatePerMin, int(cfg.RateLimit.RequestsPerMinute)))
	cfg.RateLimit.Burst = intFromEnv(envRateBurst, cfg.RateLimit.Burst)
	cfg.Logging.Level = stringFromEnv(envLogLevel, cfg.Logging.Level)
	cfg.Logging.File = stringFromEnv(envLogFile, cfg.Logging.File)
	cfg.Telemetry.Endpoint = stringFromEnv(envOTLPEndpoint, cfg.Telemetry.Endpoint)
	cfg.Telemetry.Headers = stringFromEnv(envOTLPHeaders, cfg.Telemetry.Headers)
	cfg.Telemetry.Insecure = boolFromEnv(envOTLPInsecure, cfg.Telemetry.Insecure)
}

// Validate ensures the configuration is internally consistent.
func (cfg Config) Validate() error {
	switch cfg.Journal.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported journal driver %q", cfg.Journal.Driver)
	}
	if strings.TrimSpace(cfg.Journal.DSN) == "" {
		return fmt.Errorf("journal dsn required")
	}
	if strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth hmac secret required")
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate limit must be non-negative")
	}
	if cfg.Oracle.Interval.Duration <= 0 {
		return fmt.Errorf("oracle interval must be positive")
	}
	if len(cfg.Sources) == 0 {
		return fmt.Errorf("at least one oracle source must be configured")
	}
	seen := make(map[string]struct{}, len(cfg.Sources))
	var errs []error
	for i, src := range cfg.Sources {
		name := strings.TrimSpace(src.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("sources[%d]: name required", i))
			continue
		}
		if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("source %q configured twice", name))
		}
		seen[name] = struct{}{}
		if err := src.validate(); err != nil {
			errs = append(errs, fmt.Errorf("source %q: %w", name, err))
		}
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("telemetry sample ratio must be within [0,1]"))
	}
	return errors.Join(errs...)
}

func (s Source) validate() error {
	switch strings.ToLower(strings.TrimSpace(s.Type)) {
	case "static":
		if len(s.Prices) == 0 {
			return fmt.Errorf("static source requires prices")
		}
		for feed, raw := range s.Prices {
			price, err := decimal.NewFromString(strings.TrimSpace(raw))
			if err != nil {
				return fmt.Errorf("price for %s: %w", feed, err)
			}
			if !price.IsPositive() {
				return fmt.Errorf("price for %s must be positive", feed)
			}
		}
	case "http":
		if strings.TrimSpace(s.Endpoint) == "" {
			return fmt.Errorf("http source requires endpoint")
		}
		if strings.TrimSpace(s.Path) == "" {
			return fmt.Errorf("http source requires a json path")
		}
	default:
		return fmt.Errorf("unknown source type %q", s.Type)
	}
	return nil
}

// Feeds returns every feed some source quotes, in order of first appearance.
func (cfg Config) Feeds() []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(feed string) {
		feed = strings.TrimSpace(feed)
		if feed == "" {
			return
		}
		if _, ok := seen[feed]; ok {
			return
		}
		seen[feed] = struct{}{}
		out = append(out, feed)
	}
	for _, src := range cfg.Sources {
		for _, feed := range sortedKeys(src.Prices) {
			add(feed)
		}
		for _, feed := range sortedKeys(src.Assets) {
			add(feed)
		}
	}
	return out
}

// Sanitized returns a copy of the Config with secrets masked for logging.
func (cfg Config) Sanitized() Config {
	clone := cfg
	clone.Auth.HMACSecret = maskSecret(clone.Auth.HMACSecret)
	clone.Telemetry.Headers = maskSecret(clone.Telemetry.Headers)
	if cfg.Journal.Driver == "postgres" {
		clone.Journal.DSN = maskSecret(clone.Journal.DSN)
	}
	clone.Sources = make([]Source, len(cfg.Sources))
	for i, src := range cfg.Sources {
		src.APIKey = maskSecret(src.APIKey)
		clone.Sources[i] = src
	}
	return clone
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func maskSecret(value string) string {
	if value == "" {
		return ""
	}
	return "***"
}

func stringFromEnv(key, fallback string) string {
	trimmed := strings.TrimSpace(os.Getenv(key))
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

func splitAndTrim(value string) []string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	parts := strings.Split(trimmed, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func boolFromEnv(key string, fallback bool) bool {
	trimmed := strings.TrimSpace(os.Getenv(key))
	if trimmed == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(trimmed)
	if err != nil {
		return fallback
	}
	return parsed
}

func intFromEnv(key string, fallback int) int {
	trimmed := strings.TrimSpace(os.Getenv(key))
	if trimmed == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return fallback
	}
	return parsed
}
