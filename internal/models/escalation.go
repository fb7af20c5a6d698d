package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Channel is a notification delivery channel on an escalation step.
type Channel string

const (
	ChannelEmail     Channel = "email"
	ChannelSMS       Channel = "sms"
	ChannelWebsocket Channel = "websocket"
)

const (
	NotificationSent   = "sent"
	NotificationFailed = "failed"
)

// EscalationPolicy drives the time-windowed escalation of unhandled alerts.
// Cumulative activation time for step n is
// TriggerAfterMinutes + sum(WaitMinutes of steps 2..n).
type EscalationPolicy struct {
	ID                  uuid.UUID                   `gorm:"type:uuid;primaryKey" json:"id"`
	Name                string                      `gorm:"not null" json:"name"`
	Enabled             bool                        `gorm:"default:true" json:"enabled"`
	TriggerSeverities   datatypes.JSONSlice[string] `json:"trigger_severities"`
	TriggerAfterMinutes int                         `gorm:"not null" json:"trigger_after_minutes"`
	Steps               []EscalationStep            `gorm:"foreignKey:PolicyID;constraint:OnDelete:CASCADE" json:"steps"`
	CreatedAt           time.Time                   `json:"created_at"`
	UpdatedAt           time.Time                   `json:"updated_at"`
	DeletedAt           gorm.DeletedAt              `gorm:"index" json:"-"`
}

func (p *EscalationPolicy) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// Matches reports whether the policy applies to an alert of the given severity.
func (p *EscalationPolicy) Matches(severity string) bool {
	for _, s := range p.TriggerSeverities {
		if s == severity {
			return true
		}
	}
	return false
}

// EscalationStep is one ordered tier of a policy. StepOrder starts at 1;
// WaitMinutes counts from the previous step's activation.
type EscalationStep struct {
	ID              uuid.UUID                   `gorm:"type:uuid;primaryKey" json:"id"`
	PolicyID        uuid.UUID                   `gorm:"type:uuid;not null;index" json:"policy_id"`
	StepOrder       int                         `gorm:"not null" json:"step_order"`
	WaitMinutes     int                         `json:"wait_minutes"`
	EscalateToRoles datatypes.JSONSlice[string] `json:"escalate_to_roles"`
	NotifyEmail     bool                        `json:"notify_email"`
	NotifySMS       bool                        `json:"notify_sms"`
	NotifyWebsocket bool                        `json:"notify_websocket"`
}

func (s *EscalationStep) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// Channels returns the enabled channels in their fixed dispatch order.
func (s *EscalationStep) Channels() []Channel {
	var out []Channel
	if s.NotifyEmail {
		out = append(out, ChannelEmail)
	}
	if s.NotifySMS {
		out = append(out, ChannelSMS)
	}
	if s.NotifyWebsocket {
		out = append(out, ChannelWebsocket)
	}
	return out
}

// NotificationLogEntry is the idempotency ledger for escalation. A row with
// status "sent" for (alert, policy, step) means that step never fires again
// for that alert, regardless of channel-level partial failure.
type NotificationLogEntry struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	AlertID      uuid.UUID  `gorm:"type:uuid;not null;index:idx_notification_step" json:"alert_id"`
	PolicyID     uuid.UUID  `gorm:"type:uuid;not null;index:idx_notification_step" json:"policy_id"`
	StepOrder    int        `gorm:"not null;index:idx_notification_step" json:"step_order"`
	Channel      string     `gorm:"not null" json:"channel"`
	RecipientID  *uuid.UUID `gorm:"type:uuid" json:"recipient_id"`
	Status       string     `gorm:"not null" json:"status"` // sent, failed
	ErrorMessage string     `json:"error_message"`
	SentAt       time.Time  `gorm:"not null" json:"sent_at"`
}

func (n *NotificationLogEntry) BeforeCreate(tx *gorm.DB) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	return nil
}
