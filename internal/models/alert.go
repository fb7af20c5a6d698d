package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

const (
	MetricCPU    = "cpu"
	MetricMemory = "memory"
	MetricDisk   = "disk"
)

const (
	AlertTypeThreshold  = "threshold"
	AlertTypeConfluence = "confluence"
	AlertTypeAnomaly    = "anomaly"
)

// AlertRecord is one fired alert. Created once per real-world incident after
// the debounce gate; mutated only by acknowledge/resolve transitions. The
// partial unique index turns the check-then-insert debounce race into a
// storage-level compare-and-swap: at most one unresolved alert may exist per
// (agent, metric, alert type).
type AlertRecord struct {
	ID                     uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	AgentID                uuid.UUID      `gorm:"type:uuid;not null;index;uniqueIndex:uniq_open_alert,where:resolved_at IS NULL" json:"agent_id"`
	ConfigID               *uuid.UUID     `gorm:"type:uuid" json:"config_id"`
	MetricType             string         `gorm:"not null;uniqueIndex:uniq_open_alert,where:resolved_at IS NULL" json:"metric_type"`
	AlertType              string         `gorm:"not null;uniqueIndex:uniq_open_alert,where:resolved_at IS NULL" json:"alert_type"`
	Severity               string         `gorm:"not null;default:'warning'" json:"severity"` // critical, warning, info
	IndicatorCount         int            `json:"indicator_count"`
	ContributingIndicators datatypes.JSON `gorm:"type:jsonb" json:"contributing_indicators"`
	MetricSnapshot         datatypes.JSON `gorm:"type:jsonb" json:"metric_snapshot"`
	Title                  string         `gorm:"not null" json:"title"`
	Description            string         `json:"description"`
	TriggeredAt            time.Time      `gorm:"not null;index" json:"triggered_at"`
	AcknowledgedAt         *time.Time     `json:"acknowledged_at"`
	AcknowledgedBy         *uuid.UUID     `gorm:"type:uuid" json:"acknowledged_by"`
	ResolvedAt             *time.Time     `json:"resolved_at"`
	ResolvedBy             *uuid.UUID     `gorm:"type:uuid" json:"resolved_by"`
	Notes                  string         `json:"notes"`
	CreatedAt              time.Time      `json:"created_at"`
}

func (a *AlertRecord) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// Open reports whether the alert is still unresolved.
func (a *AlertRecord) Open() bool {
	return a.ResolvedAt == nil
}

// CandidateAlert is what the upstream threshold evaluator hands the ledger.
type CandidateAlert struct {
	AgentID                uuid.UUID          `json:"agent_id"`
	ConfigID               *uuid.UUID         `json:"config_id"`
	AlertType              string             `json:"alert_type"`
	Severity               string             `json:"severity"`
	IndicatorCount         int                `json:"indicator_count"`
	ContributingIndicators map[string]float64 `json:"contributing_indicators"`
	MetricSnapshot         map[string]float64 `json:"metric_snapshot"`
	NotifyEmail            bool               `json:"notify_email"`
	NotifyDashboard        bool               `json:"notify_dashboard"`
	NotifyWebsocket        bool               `json:"notify_websocket"`
}
