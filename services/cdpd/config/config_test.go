package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
listen: ":9000"
engine_config: "/etc/cdpd/cdp.toml"
journal:
  driver: sqlite
  dsn: "file:test.db"
auth:
  hmac_secret: "topsecret"
  operators: ["vlt1operator"]
oracle:
  interval: 15s
  max_age: 45s
  min_feeds: 2
sources:
  - name: fixed
    type: static
    prices:
      eth-usd: "2000"
      btc-usd: "60000.5"
  - name: exchange
    type: http
    endpoint: "https://prices.example/{asset}"
    api_key: "k-123"
    path: "data.price"
    assets:
      eth-usd: ETH
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cdpd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParsesYAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":9000" {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress)
	}
	if cfg.Oracle.Interval.Duration != 15*time.Second || cfg.Oracle.MaxAge.Duration != 45*time.Second {
		t.Fatalf("unexpected oracle timings: %+v", cfg.Oracle)
	}
	if cfg.Oracle.MinFeeds != 2 {
		t.Fatalf("unexpected min feeds %d", cfg.Oracle.MinFeeds)
	}
	if cfg.RateLimit.RequestsPerMinute != defaultRatePerMin || cfg.RateLimit.Burst != defaultRateBurst {
		t.Fatalf("expected rate limit defaults, got %+v", cfg.RateLimit)
	}
	if got := strings.Join(cfg.Feeds(), ","); got != "btc-usd,eth-usd" {
		t.Fatalf("unexpected feeds %q", got)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv(envListen, "127.0.0.1:7777")
	t.Setenv(envJWTSecret, "from-env")
	t.Setenv(envRatePerMin, "30")
	t.Setenv(envOperators, "vlt1a, vlt1b")

	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != "127.0.0.1:7777" {
		t.Fatalf("listen override ignored: %q", cfg.ListenAddress)
	}
	if cfg.Auth.HMACSecret != "from-env" {
		t.Fatalf("secret override ignored")
	}
	if cfg.RateLimit.RequestsPerMinute != 30 {
		t.Fatalf("rate override ignored: %v", cfg.RateLimit.RequestsPerMinute)
	}
	if len(cfg.Auth.Operators) != 2 || cfg.Auth.Operators[1] != "vlt1b" {
		t.Fatalf("operators override ignored: %v", cfg.Auth.Operators)
	}
}

func TestValidateRejectsBadSources(t *testing.T) {
	tests := []struct {
		name   string
		source Source
		want   string
	}{
		{name: "unknown type", source: Source{Name: "x", Type: "carrier-pigeon"}, want: "unknown source type"},
		{name: "static without prices", source: Source{Name: "x", Type: "static"}, want: "requires prices"},
		{name: "static negative", source: Source{Name: "x", Type: "static", Prices: map[string]string{"eth-usd": "-1"}}, want: "must be positive"},
		{name: "static garbage", source: Source{Name: "x", Type: "static", Prices: map[string]string{"eth-usd": "abc"}}, want: "price for eth-usd"},
		{name: "http without endpoint", source: Source{Name: "x", Type: "http", Path: "p"}, want: "requires endpoint"},
		{name: "http without path", source: Source{Name: "x", Type: "http", Endpoint: "http://x"}, want: "json path"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Config{
				Journal: JournalConfig{Driver: "sqlite", DSN: "file:x"},
				Auth:    AuthConfig{HMACSecret: "s"},
				Oracle:  OracleConfig{Interval: Duration{time.Second}},
				Sources: []Source{tc.source},
			}
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestValidateRequiresSecretAndDriver(t *testing.T) {
	base := Config{
		Journal: JournalConfig{Driver: "sqlite", DSN: "file:x"},
		Auth:    AuthConfig{HMACSecret: "s"},
		Oracle:  OracleConfig{Interval: Duration{time.Second}},
		Sources: []Source{{Name: "a", Type: "static", Prices: map[string]string{"eth-usd": "1"}}},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config invalid: %v", err)
	}

	noSecret := base
	noSecret.Auth.HMACSecret = " "
	if err := noSecret.Validate(); err == nil {
		t.Fatalf("expected missing secret to fail")
	}

	badDriver := base
	badDriver.Journal.Driver = "mysql"
	if err := badDriver.Validate(); err == nil {
		t.Fatalf("expected unsupported driver to fail")
	}

	dup := base
	dup.Sources = append(dup.Sources, base.Sources[0])
	if err := dup.Validate(); err == nil || !strings.Contains(err.Error(), "configured twice") {
		t.Fatalf("expected duplicate source error, got %v", err)
	}
}

func TestSanitizedMasksSecrets(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	clean := cfg.Sanitized()
	if clean.Auth.HMACSecret != "***" {
		t.Fatalf("secret not masked: %q", clean.Auth.HMACSecret)
	}
	if clean.Sources[1].APIKey != "***" {
		t.Fatalf("api key not masked: %q", clean.Sources[1].APIKey)
	}
	if cfg.Sources[1].APIKey != "k-123" {
		t.Fatalf("sanitizing mutated the original config")
	}
}
