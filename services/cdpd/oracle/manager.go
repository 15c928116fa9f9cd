package oracle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"stablevault/native/cdp"
	"stablevault/observability"
	"stablevault/services/cdpd/journal"
)

var (
	// ErrUnsupportedFeed is returned by a Source that does not quote a feed.
	ErrUnsupportedFeed = errors.New("oracle: feed not supported by source")
	// ErrNoRound is returned before the first round of a feed is published.
	ErrNoRound = errors.New("oracle: no round published")
	// ErrStaleRound is returned when the latest round is older than maxAge.
	ErrStaleRound = errors.New("oracle: latest round is stale")
	// ErrInsufficientFeeds is returned when fewer than minFeeds quotes survive.
	ErrInsufficientFeeds = errors.New("oracle: insufficient feeds")
)

const futureTolerance = 5 * time.Second

// Quote is one upstream USD price observation.
type Quote struct {
	Price     decimal.Decimal
	Timestamp time.Time
}

// Source resolves a USD quote for a feed.
type Source interface {
	Name() string
	Fetch(ctx context.Context, feed string) (Quote, error)
}

// Recorder persists accepted samples and published rounds.
type Recorder interface {
	RecordSample(ctx context.Context, feed, source, price string, observedAt time.Time) error
	RecordRound(ctx context.Context, round journal.Round) error
}

// Manager orchestrates periodic aggregation across configured sources and
// serves the latest median of each feed to the engine.
type Manager struct {
	logger   *slog.Logger
	recorder Recorder
	sources  []Source
	feeds    []string
	minFeeds int
	maxAge   time.Duration
	interval time.Duration
	metrics  *observability.OracleMetrics
	now      func() time.Time
	once     sync.Once

	mu     sync.RWMutex
	rounds map[string]cdp.RoundData
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithMetrics overrides the metrics registry.
func WithMetrics(metrics *observability.OracleMetrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New constructs a manager instance.
func New(recorder Recorder, sources []Source, feeds []string, interval, maxAge time.Duration, minFeeds int, opts ...Option) (*Manager, error) {
	if recorder == nil {
		return nil, fmt.Errorf("recorder required")
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("at least one source required")
	}
	if len(feeds) == 0 {
		return nil, fmt.Errorf("at least one feed required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if maxAge <= 0 {
		maxAge = time.Minute
	}
	if minFeeds <= 0 {
		minFeeds = 1
	}
	names := make([]string, len(feeds))
	for i, feed := range feeds {
		if names[i] = normalizeFeed(feed); names[i] == "" {
			return nil, fmt.Errorf("feed %d has an empty name", i)
		}
	}
	mgr := &Manager{
		logger:   slog.Default(),
		recorder: recorder,
		sources:  append([]Source{}, sources...),
		feeds:    names,
		interval: interval,
		maxAge:   maxAge,
		minFeeds: minFeeds,
		metrics:  observability.Oracle(),
		now:      time.Now,
		rounds:   make(map[string]cdp.RoundData, len(feeds)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(mgr)
		}
	}
	if mgr.logger == nil {
		mgr.logger = slog.Default()
	}
	if mgr.now == nil {
		mgr.now = time.Now
	}
	return mgr, nil
}

// Run blocks, periodically polling upstream feeds until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("manager not configured")
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.once.Do(func() {
		m.logger.Info("oracle manager started", "sources", len(m.sources), "feeds", len(m.feeds))
	})
	for {
		if err := m.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("oracle tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs a single aggregation cycle across all configured feeds. A
// failing feed does not hold back the others.
func (m *Manager) Tick(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("manager not configured")
	}
	var errs []error
	for _, feed := range m.feeds {
		if err := m.processFeed(ctx, feed); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) processFeed(ctx context.Context, feed string) error {
	now := m.now()
	prices := make([]decimal.Decimal, 0, len(m.sources))
	feeders := make([]string, 0, len(m.sources))
	oldest := now
	for _, src := range m.sources {
		if src == nil {
			continue
		}
		quote, err := src.Fetch(ctx, feed)
		if errors.Is(err, ErrUnsupportedFeed) {
			continue
		}
		if err != nil {
			m.reject(feed, src.Name(), "fetch_error", err)
			continue
		}
		if !quote.Price.IsPositive() {
			m.reject(feed, src.Name(), "invalid", nil)
			continue
		}
		if quote.Timestamp.After(now.Add(futureTolerance)) {
			m.reject(feed, src.Name(), "future", nil)
			continue
		}
		if quote.Timestamp.Before(now.Add(-m.maxAge)) {
			m.reject(feed, src.Name(), "expired", nil)
			continue
		}
		feeders = append(feeders, src.Name())
		prices = append(prices, quote.Price)
		if quote.Timestamp.Before(oldest) {
			oldest = quote.Timestamp
		}
		if err := m.recorder.RecordSample(ctx, feed, src.Name(), quote.Price.String(), quote.Timestamp); err != nil {
			m.logger.Warn("record oracle sample", "feed", feed, "source", src.Name(), "error", err)
		}
	}
	if len(prices) < m.minFeeds {
		return fmt.Errorf("%w for %s: %d of %d", ErrInsufficientFeeds, feed, len(prices), m.minFeeds)
	}
	median := computeMedian(prices)
	answer, err := toFeedPrice(median)
	if err != nil {
		return fmt.Errorf("median for %s: %w", feed, err)
	}

	m.mu.RLock()
	prev := m.rounds[feed]
	m.mu.RUnlock()
	round := cdp.RoundData{RoundID: prev.RoundID + 1, Answer: answer, UpdatedAt: now}

	err = m.recorder.RecordRound(ctx, journal.Round{
		Feed:      feed,
		RoundID:   round.RoundID,
		Median:    median.String(),
		Answer:    int64(answer),
		Feeders:   feeders,
		ProofID:   proofID(feed, feeders, now),
		UpdatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("record round: %w", err)
	}
	m.mu.Lock()
	m.rounds[feed] = round
	m.mu.Unlock()
	m.metrics.RecordRound(feed, median.InexactFloat64(), now.Sub(oldest))
	return nil
}

func (m *Manager) reject(feed, source, reason string, err error) {
	m.metrics.RecordRejected(feed, reason)
	attrs := []any{"feed", feed, "source", source, "reason", reason}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	m.logger.Warn("oracle sample rejected", attrs...)
}

// Seed installs a previously published round, typically restored from the
// journal at start-up. It is ignored if a newer round is already known.
func (m *Manager) Seed(feed string, round cdp.RoundData) {
	feed = normalizeFeed(feed)
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.rounds[feed]; ok && cur.RoundID >= round.RoundID {
		return
	}
	m.rounds[feed] = round
}

// Latest returns the newest round for feed, failing when it is older than
// maxAge.
func (m *Manager) Latest(feed string) (cdp.RoundData, error) {
	feed = normalizeFeed(feed)
	m.mu.RLock()
	round, ok := m.rounds[feed]
	m.mu.RUnlock()
	if !ok {
		return cdp.RoundData{}, fmt.Errorf("%w: %s", ErrNoRound, feed)
	}
	if age := m.now().Sub(round.UpdatedAt); age > m.maxAge {
		return cdp.RoundData{}, fmt.Errorf("%w: %s updated %s ago", ErrStaleRound, feed, age.Truncate(time.Second))
	}
	return round, nil
}

// PriceSource exposes feed as an engine price source.
func (m *Manager) PriceSource(feed string) cdp.PriceSource {
	feed = normalizeFeed(feed)
	return cdp.PriceSourceFunc(func() (cdp.RoundData, error) {
		return m.Latest(feed)
	})
}

// Feeds returns the configured feed names.
func (m *Manager) Feeds() []string {
	return append([]string{}, m.feeds...)
}

// normalizeFeed is applied to every feed name entering the manager so
// configured, seeded and queried names share one key.
func normalizeFeed(feed string) string {
	return strings.TrimSpace(feed)
}

func computeMedian(prices []decimal.Decimal) decimal.Decimal {
	if len(prices) == 0 {
		return decimal.Zero
	}
	sorted := append([]decimal.Decimal{}, prices...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].LessThan(sorted[j])
	})
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1].Add(sorted[mid]).Div(decimal.NewFromInt(2))
}

var maxFeedPrice = decimal.NewFromInt(math.MaxInt64)

// toFeedPrice scales a USD price to the feed's 8 decimal places, truncating
// any finer digits.
func toFeedPrice(price decimal.Decimal) (cdp.FeedPrice, error) {
	scaled := price.Shift(8).Truncate(0)
	if !scaled.IsPositive() {
		return 0, cdp.ErrInvalidPrice
	}
	if scaled.GreaterThan(maxFeedPrice) {
		return 0, cdp.ErrOverflow
	}
	return cdp.FeedPrice(scaled.IntPart()), nil
}

func proofID(feed string, feeders []string, ts time.Time) string {
	digest := sha256.New()
	digest.Write([]byte(strings.ToLower(strings.TrimSpace(feed))))
	digest.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	sorted := append([]string{}, feeders...)
	sort.Strings(sorted)
	for _, f := range sorted {
		digest.Write([]byte(strings.ToLower(strings.TrimSpace(f))))
	}
	return hex.EncodeToString(digest.Sum(nil))
}
