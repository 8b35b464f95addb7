package indexer

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EventRecord is one committed contract event.
type EventRecord struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence    uint64    `gorm:"uniqueIndex;not null"`
	Type        string    `gorm:"size:64;index"`
	Asset       string    `gorm:"size:32;index"`
	FlowID      uint64    `gorm:"index"`
	PositionID  uint64    `gorm:"index"`
	Attributes  string    `gorm:"type:text"`
	Fingerprint string    `gorm:"size:64;index"`
	CreatedAt   time.Time `gorm:"index"`
}

// FlowRecord tracks the latest known stage of a router flow. Rows stuck in
// leg2_failed are the work list for manual or user-driven recovery.
type FlowRecord struct {
	FlowID          uint64 `gorm:"primaryKey;autoIncrement:false"`
	Kind            string `gorm:"size:16"`
	Stage           string `gorm:"size:32;index"`
	Caller          string `gorm:"size:80;index"`
	CollateralAsset string `gorm:"size:32"`
	DebtAsset       string `gorm:"size:32"`
	CollateralLock  uint64
	PositionID      uint64
	Amount          string `gorm:"size:80"`
	FailureCode     string `gorm:"size:64"`
	Failure         string `gorm:"type:text"`
	UpdatedAt       time.Time
}

// AutoMigrate creates or updates the indexer tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&EventRecord{}, &FlowRecord{})
}
