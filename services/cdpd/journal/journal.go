package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"stablevault/native/cdp"
	"stablevault/observability"
)

// ErrNotFound is returned when no record matches a lookup.
var ErrNotFound = errors.New("journal: record not found")

// Journal persists committed engine events and oracle history. It implements
// cdp.EventSink.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time

	mu  sync.Mutex
	seq uint64
}

var _ cdp.EventSink = (*Journal)(nil)

// Open connects to the configured driver and migrates the schema.
func Open(driver, dsn string) (*Journal, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("journal: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", driver, err)
	}
	return New(db)
}

// New wraps an existing connection.
func New(db *gorm.DB) (*Journal, error) {
	if db == nil {
		return nil, fmt.Errorf("journal: database required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	j := &Journal{db: db, logger: slog.Default(), now: time.Now}
	var last EventRecord
	err := db.Order("sequence desc").Limit(1).Find(&last).Error
	if err != nil {
		return nil, fmt.Errorf("journal: load sequence: %w", err)
	}
	j.seq = last.Sequence
	return j, nil
}

// SetLogger replaces the journal's logger.
func (j *Journal) SetLogger(l *slog.Logger) {
	if l != nil {
		j.logger = l
	}
}

// Close releases the underlying connection pool.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Emit writes the events of one committed operation in a single transaction.
// The engine has already committed, so a write failure is logged and counted
// rather than surfaced.
func (j *Journal) Emit(events []cdp.Event) {
	if len(events) == 0 {
		return
	}
	if err := j.append(context.Background(), events); err != nil {
		observability.Events().RecordJournalFailure(len(events))
		j.logger.Error("journal write failed", "error", err, "events", len(events))
		return
	}
	for _, ev := range events {
		observability.Events().RecordEvent(ev.Type)
	}
}

func (j *Journal) append(ctx context.Context, events []cdp.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	opID := uuid.New()
	now := j.now().UTC()
	records := make([]EventRecord, 0, len(events))
	next := j.seq
	for _, ev := range events {
		attrs, err := json.Marshal(ev.Attributes)
		if err != nil {
			return fmt.Errorf("encode %s attributes: %w", ev.Type, err)
		}
		next++
		records = append(records, EventRecord{
			ID:          uuid.New(),
			OperationID: opID,
			Sequence:    next,
			Type:        ev.Type,
			Attributes:  string(attrs),
			CreatedAt:   now,
		})
	}
	err := j.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&records).Error
	})
	if err != nil {
		return err
	}
	j.seq = next
	return nil
}

// EventView is the API representation of a stored event.
type EventView struct {
	Sequence    uint64            `json:"sequence"`
	OperationID string            `json:"operationId"`
	Type        string            `json:"type"`
	Attributes  map[string]string `json:"attributes"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// EventFilter narrows ListEvents. Zero values match everything; Limit
// defaults to 100 and is capped at 1000.
type EventFilter struct {
	Type   string
	Before uint64
	Limit  int
}

// ListEvents returns events newest first.
func (j *Journal) ListEvents(ctx context.Context, filter EventFilter) ([]EventView, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	query := j.db.WithContext(ctx).Model(&EventRecord{})
	if t := strings.TrimSpace(filter.Type); t != "" {
		query = query.Where("type = ?", t)
	}
	if filter.Before > 0 {
		query = query.Where("sequence < ?", filter.Before)
	}
	var records []EventRecord
	if err := query.Order("sequence desc").Limit(limit).Find(&records).Error; err != nil {
		return nil, err
	}
	out := make([]EventView, 0, len(records))
	for _, rec := range records {
		view := EventView{
			Sequence:    rec.Sequence,
			OperationID: rec.OperationID.String(),
			Type:        rec.Type,
			CreatedAt:   rec.CreatedAt,
		}
		if err := json.Unmarshal([]byte(rec.Attributes), &view.Attributes); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", rec.Sequence, err)
		}
		out = append(out, view)
	}
	return out, nil
}

// RecordSample stores an accepted upstream quote.
func (j *Journal) RecordSample(ctx context.Context, feed, source, price string, observedAt time.Time) error {
	sample := OracleSample{
		ID:         uuid.New(),
		Feed:       feed,
		Source:     source,
		Price:      price,
		ObservedAt: observedAt.UTC(),
		CreatedAt:  j.now().UTC(),
	}
	return j.db.WithContext(ctx).Create(&sample).Error
}

// Round is a published oracle median.
type Round struct {
	Feed      string
	RoundID   uint64
	Median    string
	Answer    int64
	Feeders   []string
	ProofID   string
	UpdatedAt time.Time
}

// RecordRound stores a published median.
func (j *Journal) RecordRound(ctx context.Context, round Round) error {
	feeders, err := json.Marshal(round.Feeders)
	if err != nil {
		return err
	}
	rec := OracleRound{
		ID:        uuid.New(),
		Feed:      round.Feed,
		RoundID:   round.RoundID,
		Median:    round.Median,
		Answer:    round.Answer,
		Feeders:   string(feeders),
		ProofID:   round.ProofID,
		UpdatedAt: round.UpdatedAt.UTC(),
		CreatedAt: j.now().UTC(),
	}
	return j.db.WithContext(ctx).Create(&rec).Error
}

// LatestRound returns the newest round stored for feed.
func (j *Journal) LatestRound(ctx context.Context, feed string) (Round, error) {
	var rec OracleRound
	err := j.db.WithContext(ctx).Where("feed = ?", feed).Order("round_id desc").Limit(1).Find(&rec).Error
	if err != nil {
		return Round{}, err
	}
	if rec.ID == uuid.Nil {
		return Round{}, ErrNotFound
	}
	round := Round{
		Feed:      rec.Feed,
		RoundID:   rec.RoundID,
		Median:    rec.Median,
		Answer:    rec.Answer,
		ProofID:   rec.ProofID,
		UpdatedAt: rec.UpdatedAt,
	}
	if rec.Feeders != "" {
		if err := json.Unmarshal([]byte(rec.Feeders), &round.Feeders); err != nil {
			return Round{}, fmt.Errorf("decode feeders: %w", err)
		}
	}
	return round, nil
}

// SampleCount reports how many samples are stored for feed.
func (j *Journal) SampleCount(ctx context.Context, feed string) (int64, error) {
	var n int64
	err := j.db.WithContext(ctx).Model(&OracleSample{}).Where("feed = ?", feed).Count(&n).Error
	return n, err
}
