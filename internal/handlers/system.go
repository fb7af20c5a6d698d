package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/opshq/pulse/internal/models"
	"gorm.io/gorm"
)

type SystemHandler struct {
	db *gorm.DB
}

func NewSystemHandler(db *gorm.DB) *SystemHandler {
	return &SystemHandler{db: db}
}

func (h *SystemHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "ok",
		"version": Version,
	})
}

// Overview is the dashboard summary: agent counts and open alert counts.
func (h *SystemHandler) Overview(c *fiber.Ctx) error {
	var agents, onlineAgents, openAlerts, policies int64
	h.db.Model(&models.Agent{}).Count(&agents)
	h.db.Model(&models.Agent{}).Where("status = ?", "online").Count(&onlineAgents)
	h.db.Model(&models.AlertRecord{}).Where("resolved_at IS NULL").Count(&openAlerts)
	h.db.Model(&models.EscalationPolicy{}).Where("enabled = ?", true).Count(&policies)

	return c.JSON(fiber.Map{
		"agents":           agents,
		"agents_online":    onlineAgents,
		"open_alerts":      openAlerts,
		"enabled_policies": policies,
	})
}
