package services

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opshq/pulse/internal/models"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Agent{},
		&models.MetricSample{},
		&models.Candle{},
		&models.AggregationSetting{},
		&models.AlertRecord{},
		&models.EscalationPolicy{},
		&models.EscalationStep{},
		&models.NotificationLogEntry{},
	))
	return db
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func createAgent(t *testing.T, db *gorm.DB, name string) models.Agent {
	t.Helper()
	agent := models.Agent{Name: name, Hostname: name + ".local", Active: true}
	require.NoError(t, db.Create(&agent).Error)
	return agent
}

func createUser(t *testing.T, db *gorm.DB, username, role, email, phone string) models.User {
	t.Helper()
	user := models.User{
		Username:     username,
		DisplayName:  username,
		Role:         role,
		Email:        email,
		Phone:        phone,
		PasswordHash: "x",
		Active:       true,
	}
	require.NoError(t, db.Create(&user).Error)
	return user
}

func createOpenAlert(t *testing.T, db *gorm.DB, agentID uuid.UUID, severity string, triggeredAt time.Time) models.AlertRecord {
	t.Helper()
	alert := models.AlertRecord{
		AgentID:     agentID,
		MetricType:  models.MetricCPU,
		AlertType:   models.AlertTypeThreshold,
		Severity:    severity,
		Title:       "test alert",
		Description: "cpu crossed its configured threshold",
		TriggeredAt: triggeredAt,
	}
	require.NoError(t, db.Create(&alert).Error)
	return alert
}

type fakeMailer struct {
	mu       sync.Mutex
	sent     []string // recipient addresses
	failWith error
}

func (f *fakeMailer) SendEmail(to, subject, htmlBody, textBody string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return "", f.failWith
	}
	f.sent = append(f.sent, to)
	return uuid.NewString(), nil
}

type fakeSMS struct {
	mu       sync.Mutex
	sent     []string // recipient phone numbers
	failWith error
}

func (f *fakeSMS) SendSMS(to, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return "", f.failWith
	}
	f.sent = append(f.sent, to)
	return uuid.NewString(), nil
}

type fakeBroadcaster struct {
	mu        sync.Mutex
	published []string // topics
	failWith  error
}

func (f *fakeBroadcaster) Publish(topic string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.published = append(f.published, topic)
	return nil
}
