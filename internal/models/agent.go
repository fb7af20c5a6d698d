package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Agent struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Name       string         `gorm:"not null" json:"name"`
	Hostname   string         `gorm:"not null" json:"hostname"`
	OwnerID    *uuid.UUID     `gorm:"type:uuid" json:"owner_id"`
	Owner      *User          `gorm:"foreignKey:OwnerID" json:"-"`
	Active     bool           `gorm:"default:true" json:"active"`
	Status     string         `gorm:"default:'unknown'" json:"status"` // online, offline, unknown
	LastSeenAt *time.Time     `json:"last_seen_at"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`
}

func (a *Agent) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
