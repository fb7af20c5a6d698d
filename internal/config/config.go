package config

import (
	"os"
	"strconv"
)

type Config struct {
	// Server
	Port string

	// Database
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Auth
	AdminUsername    string
	AdminPassword    string // plaintext in env; hashed before storage
	AdminDisplayName string
	AdminEmail       string
	JWTSecret        string

	// Agent ingest
	AgentIngestToken string

	// SMTP
	SMTPHost string
	SMTPPort int
	SMTPUser string
	SMTPPass string
	SMTPFrom string

	// SMS gateway
	SMSGatewayURL   string
	SMSGatewayToken string

	// Pipeline
	CandleIntervalMinutes int // recurring candle refresh cadence
	SweepIntervalMinutes  int // escalation sweep cadence
	CandleRetentionDays   int
	DebounceMinutes       int // alert dedup lookback
}

func Load() *Config {
	smtpPort, _ := strconv.Atoi(getEnv("SMTP_PORT", "587"))
	candleInterval, _ := strconv.Atoi(getEnv("CANDLE_INTERVAL_MINUTES", "5"))
	sweepInterval, _ := strconv.Atoi(getEnv("SWEEP_INTERVAL_MINUTES", "5"))
	retentionDays, _ := strconv.Atoi(getEnv("CANDLE_RETENTION_DAYS", "365"))
	debounceMinutes, _ := strconv.Atoi(getEnv("ALERT_DEBOUNCE_MINUTES", "15"))

	return &Config{
		Port:                  getEnv("PORT", "8098"),
		DBHost:                getEnv("DB_HOST", "localhost"),
		DBPort:                getEnv("DB_PORT", "5432"),
		DBUser:                getEnv("DB_USER", "postgres"),
		DBPassword:            getEnv("DB_PASSWORD", ""),
		DBName:                getEnv("DB_NAME", "pulse_db"),
		DBSSLMode:             getEnv("DB_SSLMODE", "disable"),
		AdminUsername:         getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:         getEnv("ADMIN_PASSWORD", ""),
		AdminDisplayName:      getEnv("ADMIN_DISPLAY_NAME", "Admin"),
		AdminEmail:            getEnv("ADMIN_EMAIL", ""),
		JWTSecret:             getEnv("JWT_SECRET", ""),
		AgentIngestToken:      getEnv("AGENT_INGEST_TOKEN", ""),
		SMTPHost:              getEnv("SMTP_HOST", ""),
		SMTPPort:              smtpPort,
		SMTPUser:              getEnv("SMTP_USER", ""),
		SMTPPass:              getEnv("SMTP_PASS", ""),
		SMTPFrom:              getEnv("SMTP_FROM", "alerts@pulse.local"),
		SMSGatewayURL:         getEnv("SMS_GATEWAY_URL", ""),
		SMSGatewayToken:       getEnv("SMS_GATEWAY_TOKEN", ""),
		CandleIntervalMinutes: candleInterval,
		SweepIntervalMinutes:  sweepInterval,
		CandleRetentionDays:   retentionDays,
		DebounceMinutes:       debounceMinutes,
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
