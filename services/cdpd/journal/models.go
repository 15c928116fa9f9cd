package journal

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EventRecord is one committed engine event. Events of a single operation
// share an OperationID and are ordered by Sequence.
type EventRecord struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	OperationID uuid.UUID `gorm:"type:uuid;index"`
	Sequence    uint64    `gorm:"uniqueIndex;not null"`
	Type        string    `gorm:"size:64;index"`
	Attributes  string    `gorm:"type:text"`
	CreatedAt   time.Time
}

// OracleSample stores one accepted upstream quote.
type OracleSample struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Feed       string    `gorm:"size:64;index"`
	Source     string    `gorm:"size:64"`
	Price      string    `gorm:"size:80"`
	ObservedAt time.Time
	CreatedAt  time.Time
}

// OracleRound stores a published median.
type OracleRound struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Feed      string    `gorm:"size:64;index:idx_round_feed,priority:1"`
	RoundID   uint64    `gorm:"index:idx_round_feed,priority:2"`
	Median    string    `gorm:"size:80"`
	Answer    int64     `gorm:"not null"`
	Feeders   string    `gorm:"type:text"`
	ProofID   string    `gorm:"size:64"`
	UpdatedAt time.Time
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the journal.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&EventRecord{},
		&OracleSample{},
		&OracleRound{},
	)
}
