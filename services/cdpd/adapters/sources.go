package adapters

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"stablevault/services/cdpd/config"
	"stablevault/services/cdpd/oracle"
)

const maxResponseBytes = 1 << 20

// Registry constructs oracle sources based on configuration.
type Registry struct {
	HTTPClient *http.Client
	Now        func() time.Time
}

// NewRegistry builds a registry with sane defaults.
func NewRegistry() *Registry {
	return &Registry{HTTPClient: &http.Client{Timeout: 10 * time.Second}, Now: time.Now}
}

// Build creates a source from the supplied configuration.
func (r *Registry) Build(src config.Source) (oracle.Source, error) {
	name := strings.TrimSpace(src.Name)
	switch strings.ToLower(strings.TrimSpace(src.Type)) {
	case "static":
		prices := make(map[string]decimal.Decimal, len(src.Prices))
		for feed, raw := range src.Prices {
			price, err := decimal.NewFromString(strings.TrimSpace(raw))
			if err != nil {
				return nil, fmt.Errorf("source %s: price for %s: %w", name, feed, err)
			}
			prices[feed] = price
		}
		return &staticSource{name: label(name, "static"), prices: prices, now: r.clock()}, nil
	case "http":
		return &httpSource{
			name:          label(name, "http"),
			client:        r.client(),
			endpoint:      strings.TrimSpace(src.Endpoint),
			apiKey:        strings.TrimSpace(src.APIKey),
			path:          strings.TrimSpace(src.Path),
			timestampPath: strings.TrimSpace(src.TimestampPath),
			assets:        src.Assets,
			now:           r.clock(),
		}, nil
	default:
		return nil, fmt.Errorf("unknown oracle type %q", src.Type)
	}
}

// BuildAll creates every configured source.
func (r *Registry) BuildAll(sources []config.Source) ([]oracle.Source, error) {
	out := make([]oracle.Source, 0, len(sources))
	for _, src := range sources {
		built, err := r.Build(src)
		if err != nil {
			return nil, err
		}
		out = append(out, built)
	}
	return out, nil
}

func (r *Registry) client() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (r *Registry) clock() func() time.Time {
	if r.Now != nil {
		return r.Now
	}
	return time.Now
}

type staticSource struct {
	name   string
	prices map[string]decimal.Decimal
	now    func() time.Time
}

func (s *staticSource) Name() string { return s.name }

func (s *staticSource) Fetch(ctx context.Context, feed string) (oracle.Quote, error) {
	_ = ctx
	price, ok := s.prices[feed]
	if !ok {
		return oracle.Quote{}, oracle.ErrUnsupportedFeed
	}
	return oracle.Quote{Price: price, Timestamp: s.now()}, nil
}

// httpSource reads a decimal price out of a JSON document. "{asset}" in the
// endpoint and in the paths is replaced by the feed's upstream symbol.
type httpSource struct {
	name          string
	client        *http.Client
	endpoint      string
	apiKey        string
	path          string
	timestampPath string
	assets        map[string]string
	now           func() time.Time
}

func (s *httpSource) Name() string { return s.name }

func (s *httpSource) Fetch(ctx context.Context, feed string) (oracle.Quote, error) {
	symbol, ok := s.assets[feed]
	if !ok {
		return oracle.Quote{}, oracle.ErrUnsupportedFeed
	}
	target := strings.ReplaceAll(s.endpoint, "{asset}", url.PathEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return oracle.Quote{}, err
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return oracle.Quote{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return oracle.Quote{}, fmt.Errorf("%s: unexpected status %d", s.name, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return oracle.Quote{}, err
	}
	if !gjson.ValidBytes(body) {
		return oracle.Quote{}, fmt.Errorf("%s: response is not valid json", s.name)
	}
	result := gjson.GetBytes(body, strings.ReplaceAll(s.path, "{asset}", symbol))
	if !result.Exists() {
		return oracle.Quote{}, fmt.Errorf("%s: no value at %q", s.name, s.path)
	}
	price, err := decimal.NewFromString(strings.TrimSpace(result.String()))
	if err != nil {
		return oracle.Quote{}, fmt.Errorf("%s: parse price: %w", s.name, err)
	}
	ts := s.now()
	if s.timestampPath != "" {
		parsed, err := parseTimestamp(gjson.GetBytes(body, strings.ReplaceAll(s.timestampPath, "{asset}", symbol)))
		if err != nil {
			return oracle.Quote{}, fmt.Errorf("%s: %w", s.name, err)
		}
		ts = parsed
	}
	return oracle.Quote{Price: price, Timestamp: ts}, nil
}

// parseTimestamp accepts unix seconds or RFC3339 strings.
func parseTimestamp(res gjson.Result) (time.Time, error) {
	switch res.Type {
	case gjson.Number:
		return time.Unix(res.Int(), 0), nil
	case gjson.String:
		return time.Parse(time.RFC3339, res.String())
	default:
		return time.Time{}, fmt.Errorf("timestamp missing")
	}
}

func label(name, fallback string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed != "" {
		return trimmed
	}
	return fallback
}
