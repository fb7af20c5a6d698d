package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/opshq/pulse/internal/config"
	"github.com/opshq/pulse/internal/handlers"
	"github.com/opshq/pulse/internal/middleware"
	"github.com/opshq/pulse/internal/models"
	"github.com/opshq/pulse/internal/ws"
)

func Setup(
	app *fiber.App,
	cfg *config.Config,
	hub *ws.Hub,
	authHandler *handlers.AuthHandler,
	agentHandler *handlers.AgentHandler,
	candleHandler *handlers.CandleHandler,
	alertHandler *handlers.AlertHandler,
	policyHandler *handlers.PolicyHandler,
	systemHandler *handlers.SystemHandler,
) {
	// ─── Public ──────────────────────────────────────────────────────────
	app.Get("/api/health", systemHandler.Health)

	// ─── Auth ────────────────────────────────────────────────────────────
	app.Post("/api/auth/login", authHandler.Login)
	app.Post("/api/auth/refresh", authHandler.Refresh)

	// ─── Agent ingest (token-guarded, no JWT) ────────────────────────────
	app.Post("/api/ingest/:id/samples", agentHandler.IngestSamples)

	// ─── Candidate alerts from threshold evaluators ──────────────────────
	app.Post("/api/ingest/alerts", alertHandler.Report)

	// ─── Protected routes ────────────────────────────────────────────────
	api := app.Group("/api", middleware.JWTProtected(cfg.JWTSecret))

	api.Get("/auth/me", authHandler.Me)

	// Dashboard
	api.Get("/dashboard/overview", systemHandler.Overview)

	// Agents
	api.Get("/agents", agentHandler.ListAgents)
	api.Post("/agents", agentHandler.CreateAgent)
	api.Get("/agents/:id", agentHandler.GetAgent)
	api.Delete("/agents/:id", middleware.RequireRole(models.RoleAdmin), agentHandler.DeleteAgent)

	// Candles / aggregation settings
	api.Get("/agents/:id/series", candleHandler.GetSeries)
	api.Post("/agents/:id/backfill", candleHandler.Backfill)
	api.Put("/agents/:id/resolution", candleHandler.SetDeviceResolution)
	api.Put("/settings/resolution", candleHandler.SetMyDefaultResolution)

	// Alerts
	api.Get("/alerts", alertHandler.ListAlerts)
	api.Get("/alerts/active", alertHandler.ListActive)
	api.Get("/alerts/stats", alertHandler.Stats)
	api.Post("/alerts/:id/acknowledge", alertHandler.Acknowledge)
	api.Post("/alerts/:id/resolve", alertHandler.Resolve)
	api.Get("/notifications", alertHandler.ListNotifications)

	// Escalation policies
	api.Get("/policies", policyHandler.ListPolicies)
	api.Post("/policies", middleware.RequireRole(models.RoleAdmin), policyHandler.CreatePolicy)
	api.Put("/policies/:id/enabled", middleware.RequireRole(models.RoleAdmin), policyHandler.SetEnabled)
	api.Delete("/policies/:id", middleware.RequireRole(models.RoleAdmin), policyHandler.DeletePolicy)
	api.Post("/escalations/sweep", middleware.RequireRole(models.RoleAdmin), policyHandler.TriggerSweep)

	// Live events (WebSocket)
	api.Use("/events", ws.UpgradeCheck())
	api.Get("/events", hub.Handler())
}
