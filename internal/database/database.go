package database

import (
	"fmt"
	"log/slog"

	"github.com/opshq/pulse/internal/config"
	"github.com/opshq/pulse/internal/models"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func Connect(cfg *config.Config) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBSSLMode)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("Database connected", "host", cfg.DBHost, "db", cfg.DBName)
	return db, nil
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.Agent{},
		&models.MetricSample{},
		&models.Candle{},
		&models.AggregationSetting{},
		&models.AlertRecord{},
		&models.EscalationPolicy{},
		&models.EscalationStep{},
		&models.NotificationLogEntry{},
	)
}

// SeedAdmin creates the bootstrap admin user when the users table is empty.
func SeedAdmin(db *gorm.DB, cfg *config.Config) error {
	var count int64
	if err := db.Model(&models.User{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if cfg.AdminPassword == "" {
		slog.Warn("ADMIN_PASSWORD not set, skipping admin user seed")
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash admin password: %w", err)
	}

	admin := models.User{
		Username:     cfg.AdminUsername,
		DisplayName:  cfg.AdminDisplayName,
		Role:         models.RoleAdmin,
		Email:        cfg.AdminEmail,
		PasswordHash: string(hash),
		Active:       true,
	}
	if err := db.Create(&admin).Error; err != nil {
		return fmt.Errorf("failed to seed admin user: %w", err)
	}

	slog.Info("Admin user seeded", "username", admin.Username)
	return nil
}
