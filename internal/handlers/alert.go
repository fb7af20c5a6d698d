package handlers

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/opshq/pulse/internal/middleware"
	"github.com/opshq/pulse/internal/models"
	"github.com/opshq/pulse/internal/services"
	"gorm.io/gorm"
)

type AlertHandler struct {
	db     *gorm.DB
	ledger *services.AlertLedger
}

func NewAlertHandler(db *gorm.DB, ledger *services.AlertLedger) *AlertHandler {
	return &AlertHandler{db: db, ledger: ledger}
}

// Report receives a candidate alert from a threshold evaluator. A candidate
// suppressed by the debounce gate answers 200 with suppressed=true rather than
// an error: suppression is the expected steady-state under a flapping metric.
func (h *AlertHandler) Report(c *fiber.Ctx) error {
	var candidate models.CandidateAlert
	if err := c.BodyParser(&candidate); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "Invalid request body",
		})
	}

	record, err := h.ledger.Report(c.Context(), candidate)
	if err != nil {
		if errors.Is(err, services.ErrDuplicateAlert) {
			return c.JSON(fiber.Map{"suppressed": true})
		}
		return respondServiceError(c, err, "Failed to save alert")
	}

	return c.Status(fiber.StatusCreated).JSON(record)
}

// ListAlerts returns alert history with composable filters.
func (h *AlertHandler) ListAlerts(c *fiber.Ctx) error {
	filter := services.AlertFilter{
		MetricType: c.Query("metric", ""),
		AlertType:  c.Query("type", ""),
		Severity:   c.Query("severity", ""),
	}
	filter.Limit, _ = strconv.Atoi(c.Query("limit", "100"))

	if raw := c.Query("agent_id", ""); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":   true,
				"message": "Invalid agent_id",
			})
		}
		filter.AgentID = &id
	}
	if raw := c.Query("from", ""); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			filter.From = &t
		}
	}
	if raw := c.Query("to", ""); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			filter.To = &t
		}
	}
	if raw := c.Query("acknowledged", ""); raw != "" {
		v := raw == "true"
		filter.Acknowledged = &v
	}
	if raw := c.Query("resolved", ""); raw != "" {
		v := raw == "true"
		filter.Resolved = &v
	}

	alerts, err := h.ledger.ListHistory(c.Context(), filter)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   true,
			"message": "Failed to list alerts",
		})
	}
	return c.JSON(fiber.Map{"alerts": alerts})
}

// ListActive returns unresolved alerts, optionally for one agent.
func (h *AlertHandler) ListActive(c *fiber.Ctx) error {
	var agentID *uuid.UUID
	if raw := c.Query("agent_id", ""); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":   true,
				"message": "Invalid agent_id",
			})
		}
		agentID = &id
	}

	alerts, err := h.ledger.ListActive(c.Context(), agentID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   true,
			"message": "Failed to list active alerts",
		})
	}
	return c.JSON(fiber.Map{"alerts": alerts})
}

func (h *AlertHandler) Acknowledge(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "Invalid alert ID",
		})
	}
	actorID, ok := middleware.ActorID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   true,
			"message": "Invalid session",
		})
	}

	alert, err := h.ledger.Acknowledge(c.Context(), id, actorID)
	if err != nil {
		return respondServiceError(c, err, "Failed to acknowledge alert")
	}
	return c.JSON(fiber.Map{
		"message": "Alert acknowledged",
		"alert":   alert,
	})
}

func (h *AlertHandler) Resolve(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "Invalid alert ID",
		})
	}
	actorID, ok := middleware.ActorID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   true,
			"message": "Invalid session",
		})
	}

	var req struct {
		Notes string `json:"notes"`
	}
	c.BodyParser(&req)

	alert, err := h.ledger.Resolve(c.Context(), id, actorID, req.Notes)
	if err != nil {
		return respondServiceError(c, err, "Failed to resolve alert")
	}
	return c.JSON(fiber.Map{
		"message": "Alert resolved",
		"alert":   alert,
	})
}

func (h *AlertHandler) Stats(c *fiber.Ctx) error {
	var since *time.Time
	if raw := c.Query("since", ""); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			since = &t
		}
	}

	stats, err := h.ledger.Stats(c.Context(), since)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   true,
			"message": "Failed to compute stats",
		})
	}
	return c.JSON(stats)
}

// ListNotifications returns the escalation notification log, paginated and
// filterable by alert and status.
func (h *AlertHandler) ListNotifications(c *fiber.Ctx) error {
	page, _ := strconv.Atoi(c.Query("page", "1"))
	perPage, _ := strconv.Atoi(c.Query("per_page", "50"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 200 {
		perPage = 50
	}

	query := h.db.Model(&models.NotificationLogEntry{})
	if raw := c.Query("alert_id", ""); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":   true,
				"message": "Invalid alert_id",
			})
		}
		query = query.Where("alert_id = ?", id)
	}
	if status := c.Query("status", ""); status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	query.Count(&total)

	var entries []models.NotificationLogEntry
	if err := query.Order("sent_at DESC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&entries).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   true,
			"message": "Failed to list notifications",
		})
	}

	return c.JSON(fiber.Map{
		"notifications": entries,
		"total":         total,
		"page":          page,
		"per_page":      perPage,
	})
}
