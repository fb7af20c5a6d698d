package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	RoleAdmin  = "admin"
	RoleTech   = "tech"
	RoleViewer = "viewer"
)

type User struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Username     string         `gorm:"not null;uniqueIndex" json:"username"`
	DisplayName  string         `json:"display_name"`
	Role         string         `gorm:"not null;default:'tech'" json:"role"` // admin, tech, viewer
	Email        string         `json:"email"`
	Phone        string         `json:"phone"`
	PasswordHash string         `gorm:"not null" json:"-"`
	Active       bool           `gorm:"default:true" json:"active"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}
