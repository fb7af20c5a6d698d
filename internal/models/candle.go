package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Resolution names a candle bucket width. ResolutionRaw is a sentinel meaning
// "no aggregation, serve raw samples".
type Resolution string

const (
	ResolutionRaw   Resolution = "raw"
	Resolution15Min Resolution = "15min"
	Resolution30Min Resolution = "30min"
	Resolution1Hour Resolution = "1hour"
	Resolution4Hour Resolution = "4hour"
	Resolution1Day  Resolution = "1day"
)

// AggregatedResolutions are the bucket widths the aggregator materializes,
// narrowest first.
var AggregatedResolutions = []Resolution{
	Resolution15Min,
	Resolution30Min,
	Resolution1Hour,
	Resolution4Hour,
	Resolution1Day,
}

func (r Resolution) Valid() bool {
	switch r {
	case ResolutionRaw, Resolution15Min, Resolution30Min, Resolution1Hour, Resolution4Hour, Resolution1Day:
		return true
	}
	return false
}

// Duration returns the bucket width; zero for ResolutionRaw.
func (r Resolution) Duration() time.Duration {
	switch r {
	case Resolution15Min:
		return 15 * time.Minute
	case Resolution30Min:
		return 30 * time.Minute
	case Resolution1Hour:
		return time.Hour
	case Resolution4Hour:
		return 4 * time.Hour
	case Resolution1Day:
		return 24 * time.Hour
	}
	return 0
}

// Candle is one OHLC bucket per agent, resolution and bucket start. Rows are
// upserted on regeneration, so recomputing a window is idempotent.
type Candle struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	AgentID     uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uniq_candle_bucket" json:"agent_id"`
	Resolution  string    `gorm:"not null;uniqueIndex:uniq_candle_bucket" json:"resolution"`
	BucketStart time.Time `gorm:"not null;uniqueIndex:uniq_candle_bucket" json:"bucket_start"`
	BucketEnd   time.Time `gorm:"not null" json:"bucket_end"`

	CPUOpen  float64 `json:"cpu_open"`
	CPUHigh  float64 `json:"cpu_high"`
	CPULow   float64 `json:"cpu_low"`
	CPUClose float64 `json:"cpu_close"`

	MemoryOpen  float64 `json:"memory_open"`
	MemoryHigh  float64 `json:"memory_high"`
	MemoryLow   float64 `json:"memory_low"`
	MemoryClose float64 `json:"memory_close"`

	DiskOpen  float64 `json:"disk_open"`
	DiskHigh  float64 `json:"disk_high"`
	DiskLow   float64 `json:"disk_low"`
	DiskClose float64 `json:"disk_close"`

	SampleCount int       `gorm:"not null" json:"sample_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (c *Candle) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

// AggregationSetting is either a per-agent resolution override (AgentID set)
// or a per-user default (UserID set). Effective resolution for an agent is
// deviceOverride ?? ownerDefault ?? raw.
type AggregationSetting struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	AgentID    *uuid.UUID `gorm:"type:uuid;uniqueIndex" json:"agent_id"`
	UserID     *uuid.UUID `gorm:"type:uuid;uniqueIndex" json:"user_id"`
	Resolution string     `gorm:"not null" json:"resolution"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (s *AggregationSetting) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}
