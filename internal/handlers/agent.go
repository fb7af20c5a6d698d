package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/opshq/pulse/internal/config"
	"github.com/opshq/pulse/internal/models"
	"gorm.io/gorm"
)

type AgentHandler struct {
	db  *gorm.DB
	cfg *config.Config
}

func NewAgentHandler(db *gorm.DB, cfg *config.Config) *AgentHandler {
	return &AgentHandler{db: db, cfg: cfg}
}

func (h *AgentHandler) ListAgents(c *fiber.Ctx) error {
	var agents []models.Agent
	if err := h.db.Order("created_at DESC").Find(&agents).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   true,
			"message": "Failed to list agents",
		})
	}
	return c.JSON(fiber.Map{"agents": agents})
}

func (h *AgentHandler) CreateAgent(c *fiber.Ctx) error {
	var req struct {
		Name     string     `json:"name"`
		Hostname string     `json:"hostname"`
		OwnerID  *uuid.UUID `json:"owner_id"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "Invalid request body",
		})
	}
	if req.Name == "" || req.Hostname == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "Name and hostname are required",
		})
	}

	agent := models.Agent{
		Name:     req.Name,
		Hostname: req.Hostname,
		OwnerID:  req.OwnerID,
		Active:   true,
	}
	if err := h.db.Create(&agent).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   true,
			"message": "Failed to create agent",
		})
	}
	return c.Status(fiber.StatusCreated).JSON(agent)
}

func (h *AgentHandler) GetAgent(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "Invalid agent ID",
		})
	}

	var agent models.Agent
	if err := h.db.First(&agent, "id = ?", id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   true,
			"message": "Agent not found",
		})
	}
	return c.JSON(agent)
}

func (h *AgentHandler) DeleteAgent(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "Invalid agent ID",
		})
	}

	if err := h.db.Delete(&models.Agent{}, "id = ?", id).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   true,
			"message": "Failed to delete agent",
		})
	}
	return c.JSON(fiber.Map{"message": "Agent deleted"})
}

// IngestSamples accepts a batch of raw samples pushed by an agent. Guarded by
// the shared ingest token rather than a user JWT.
func (h *AgentHandler) IngestSamples(c *fiber.Ctx) error {
	if h.cfg.AgentIngestToken == "" || c.Get("X-Agent-Token") != h.cfg.AgentIngestToken {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   true,
			"message": "Invalid agent token",
		})
	}

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "Invalid agent ID",
		})
	}

	var agent models.Agent
	if err := h.db.First(&agent, "id = ?", id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   true,
			"message": "Agent not found",
		})
	}

	var req struct {
		Samples []struct {
			CPUPercent    float64   `json:"cpu_percent"`
			MemoryPercent float64   `json:"memory_percent"`
			DiskPercent   float64   `json:"disk_percent"`
			CollectedAt   time.Time `json:"collected_at"`
		} `json:"samples"`
	}
	if err := c.BodyParser(&req); err != nil || len(req.Samples) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "At least one sample is required",
		})
	}

	samples := make([]models.MetricSample, 0, len(req.Samples))
	for _, s := range req.Samples {
		collectedAt := s.CollectedAt
		if collectedAt.IsZero() {
			collectedAt = time.Now()
		}
		samples = append(samples, models.MetricSample{
			AgentID:       agent.ID,
			CPUPercent:    s.CPUPercent,
			MemoryPercent: s.MemoryPercent,
			DiskPercent:   s.DiskPercent,
			CollectedAt:   collectedAt,
		})
	}

	if err := h.db.Create(&samples).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   true,
			"message": "Failed to store samples",
		})
	}

	now := time.Now()
	h.db.Model(&agent).Updates(map[string]interface{}{
		"status":       "online",
		"last_seen_at": now,
	})

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"stored": len(samples)})
}
