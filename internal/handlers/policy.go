package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/opshq/pulse/internal/models"
	"github.com/opshq/pulse/internal/services"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type PolicyHandler struct {
	db     *gorm.DB
	engine *services.EscalationEngine
}

func NewPolicyHandler(db *gorm.DB, engine *services.EscalationEngine) *PolicyHandler {
	return &PolicyHandler{db: db, engine: engine}
}

func (h *PolicyHandler) ListPolicies(c *fiber.Ctx) error {
	var policies []models.EscalationPolicy
	err := h.db.
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("step_order ASC") }).
		Order("trigger_after_minutes ASC").
		Find(&policies).Error
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   true,
			"message": "Failed to list policies",
		})
	}
	return c.JSON(fiber.Map{"policies": policies})
}

func (h *PolicyHandler) CreatePolicy(c *fiber.Ctx) error {
	var req struct {
		Name                string   `json:"name"`
		Enabled             *bool    `json:"enabled"`
		TriggerSeverities   []string `json:"trigger_severities"`
		TriggerAfterMinutes int      `json:"trigger_after_minutes"`
		Steps               []struct {
			StepOrder       int      `json:"step_order"`
			WaitMinutes     int      `json:"wait_minutes"`
			EscalateToRoles []string `json:"escalate_to_roles"`
			NotifyEmail     bool     `json:"notify_email"`
			NotifySMS       bool     `json:"notify_sms"`
			NotifyWebsocket bool     `json:"notify_websocket"`
		} `json:"steps"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "Invalid request body",
		})
	}
	if req.Name == "" || len(req.TriggerSeverities) == 0 || len(req.Steps) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "Name, trigger_severities and steps are required",
		})
	}

	policy := models.EscalationPolicy{
		Name:                req.Name,
		Enabled:             true,
		TriggerSeverities:   datatypes.NewJSONSlice(req.TriggerSeverities),
		TriggerAfterMinutes: req.TriggerAfterMinutes,
	}
	if req.Enabled != nil {
		policy.Enabled = *req.Enabled
	}
	for _, s := range req.Steps {
		policy.Steps = append(policy.Steps, models.EscalationStep{
			StepOrder:       s.StepOrder,
			WaitMinutes:     s.WaitMinutes,
			EscalateToRoles: datatypes.NewJSONSlice(s.EscalateToRoles),
			NotifyEmail:     s.NotifyEmail,
			NotifySMS:       s.NotifySMS,
			NotifyWebsocket: s.NotifyWebsocket,
		})
	}

	// Reject malformed step ordering before any write.
	if err := services.ValidatePolicy(policy); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": err.Error(),
		})
	}

	if err := h.db.Create(&policy).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   true,
			"message": "Failed to create policy",
		})
	}
	return c.Status(fiber.StatusCreated).JSON(policy)
}

func (h *PolicyHandler) DeletePolicy(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "Invalid policy ID",
		})
	}

	if err := h.db.Delete(&models.EscalationPolicy{}, "id = ?", id).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   true,
			"message": "Failed to delete policy",
		})
	}
	return c.JSON(fiber.Map{"message": "Policy deleted"})
}

func (h *PolicyHandler) SetEnabled(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "Invalid policy ID",
		})
	}

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "Invalid request body",
		})
	}

	res := h.db.Model(&models.EscalationPolicy{}).Where("id = ?", id).Update("enabled", req.Enabled)
	if res.Error != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   true,
			"message": "Failed to update policy",
		})
	}
	if res.RowsAffected == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   true,
			"message": "Policy not found",
		})
	}
	return c.JSON(fiber.Map{"message": "Policy updated"})
}

// TriggerSweep runs an escalation sweep on demand.
func (h *PolicyHandler) TriggerSweep(c *fiber.Ctx) error {
	result := h.engine.Sweep(c.Context())
	return c.JSON(result)
}
