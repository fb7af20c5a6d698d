package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MetricSample is one raw observation pushed by an agent. Append-only; samples
// older than the live window are superseded by candles.
type MetricSample struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	AgentID       uuid.UUID `gorm:"type:uuid;not null;index:idx_sample_agent_time" json:"agent_id"`
	Agent         Agent     `gorm:"foreignKey:AgentID" json:"-"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskPercent   float64   `json:"disk_percent"`
	CollectedAt   time.Time `gorm:"not null;index:idx_sample_agent_time" json:"collected_at"`
}

func (m *MetricSample) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}
