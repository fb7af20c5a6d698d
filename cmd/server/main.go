package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/opshq/pulse/internal/config"
	"github.com/opshq/pulse/internal/database"
	"github.com/opshq/pulse/internal/handlers"
	"github.com/opshq/pulse/internal/notify"
	"github.com/opshq/pulse/internal/routes"
	"github.com/opshq/pulse/internal/services"
	"github.com/opshq/pulse/internal/ws"
)

func main() {
	// JSON structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting Pulse", "version", handlers.Version)

	// ─── Config ──────────────────────────────────────────────────────────
	cfg := config.Load()

	// ─── Database ────────────────────────────────────────────────────────
	db, err := database.Connect(cfg)
	if err != nil {
		slog.Error("Database connection failed", "error", err)
		os.Exit(1)
	}

	if err := database.Migrate(db); err != nil {
		slog.Error("Database migration failed", "error", err)
		os.Exit(1)
	}

	if err := database.SeedAdmin(db, cfg); err != nil {
		slog.Error("Admin seed failed", "error", err)
		os.Exit(1)
	}

	// ─── Notification gateways ──────────────────────────────────────────
	var mailer notify.Mailer
	if cfg.SMTPHost != "" {
		mailer = notify.NewSMTPMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.SMTPFrom)
		slog.Info("Email gateway configured", "host", cfg.SMTPHost)
	} else {
		slog.Warn("SMTP_HOST not set, email escalation will be recorded as failed")
	}

	var sms notify.SMSSender
	if cfg.SMSGatewayURL != "" {
		sms = notify.NewWebhookSMS(cfg.SMSGatewayURL, cfg.SMSGatewayToken)
		slog.Info("SMS gateway configured", "url", cfg.SMSGatewayURL)
	} else {
		slog.Warn("SMS_GATEWAY_URL not set, SMS escalation will be recorded as failed")
	}

	// ─── Broadcast hub ──────────────────────────────────────────────────
	hub := ws.NewHub()

	// ─── Pipeline services ──────────────────────────────────────────────
	aggregator := services.NewCandleAggregator(db)
	ledger := services.NewAlertLedger(db, hub, mailer, cfg.DebounceMinutes)
	engine := services.NewEscalationEngine(db, mailer, sms, hub)

	scheduler := services.NewScheduler(aggregator, engine,
		cfg.CandleIntervalMinutes, cfg.SweepIntervalMinutes, cfg.CandleRetentionDays)
	if err := scheduler.Start(); err != nil {
		slog.Error("Scheduler start failed", "error", err)
		os.Exit(1)
	}

	// ─── Handlers ───────────────────────────────────────────────────────
	authHandler := handlers.NewAuthHandler(cfg, db)
	agentHandler := handlers.NewAgentHandler(db, cfg)
	candleHandler := handlers.NewCandleHandler(aggregator)
	alertHandler := handlers.NewAlertHandler(db, ledger)
	policyHandler := handlers.NewPolicyHandler(db, engine)
	systemHandler := handlers.NewSystemHandler(db)

	// ─── Fiber App ──────────────────────────────────────────────────────
	app := fiber.New(fiber.Config{
		AppName:      "pulse v" + handlers.Version,
		ServerHeader: "pulse",
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			message := "Internal server error"
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
				message = e.Message
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": message,
			})
		},
	})

	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Agent-Token",
		AllowMethods: "GET, POST, PUT, DELETE, PATCH, OPTIONS",
	}))

	app.Use(recover.New(recover.Config{
		EnableStackTrace: false,
	}))

	// Security headers
	app.Use(func(c *fiber.Ctx) error {
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("X-Frame-Options", "DENY")
		return c.Next()
	})

	// Request logger
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		if c.Path() == "/api/health" {
			return err
		}
		slog.Info("request",
			"method", c.Method(),
			"path", c.Path(),
			"status", c.Response().StatusCode(),
			"duration_ms", time.Since(start).Milliseconds(),
			"ip", c.IP(),
		)
		return err
	})

	// ─── Routes ─────────────────────────────────────────────────────────
	routes.Setup(app, cfg, hub, authHandler, agentHandler, candleHandler,
		alertHandler, policyHandler, systemHandler)

	// ─── Graceful Shutdown ──────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		slog.Info("Shutting down Pulse...")

		scheduler.Stop()

		if err := app.Shutdown(); err != nil {
			slog.Error("Fiber shutdown error", "error", err)
		}

		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}()

	// ─── Start ──────────────────────────────────────────────────────────
	listenAddr := ":" + cfg.Port
	slog.Info("Pulse listening", "addr", listenAddr)

	if err := app.Listen(listenAddr); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}
}
