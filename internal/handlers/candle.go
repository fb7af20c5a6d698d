package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/opshq/pulse/internal/middleware"
	"github.com/opshq/pulse/internal/models"
	"github.com/opshq/pulse/internal/services"
)

type CandleHandler struct {
	aggregator *services.CandleAggregator
}

func NewCandleHandler(aggregator *services.CandleAggregator) *CandleHandler {
	return &CandleHandler{aggregator: aggregator}
}

// GetSeries returns candles (or raw samples) for an agent. Without an explicit
// resolution query param, the agent's effective resolution applies.
func (h *CandleHandler) GetSeries(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "Invalid agent ID",
		})
	}

	resolution := models.Resolution(c.Query("resolution", ""))
	if resolution == "" {
		resolution = h.aggregator.EffectiveResolution(c.Context(), id)
	}
	limit, _ := strconv.Atoi(c.Query("limit", "100"))

	result, err := h.aggregator.GetCandles(c.Context(), id, resolution, limit)
	if err != nil {
		if services.IsValidation(err) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   true,
			"message": "Failed to load series",
		})
	}
	return c.JSON(result)
}

// Backfill regenerates candles for one agent over the requested range of days.
func (h *CandleHandler) Backfill(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "Invalid agent ID",
		})
	}

	var req struct {
		DaysBack int `json:"days_back"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "Invalid request body",
		})
	}
	if req.DaysBack == 0 {
		req.DaysBack = 30
	}

	written, err := h.aggregator.Backfill(c.Context(), id, req.DaysBack)
	if err != nil {
		return respondServiceError(c, err, "Backfill failed")
	}
	return c.JSON(fiber.Map{"candles_written": written})
}

// SetDeviceResolution stores a per-agent aggregation override.
func (h *CandleHandler) SetDeviceResolution(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "Invalid agent ID",
		})
	}

	var req struct {
		Resolution string `json:"resolution"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "Invalid request body",
		})
	}

	if err := h.aggregator.SetDeviceResolution(c.Context(), id, models.Resolution(req.Resolution)); err != nil {
		return respondServiceError(c, err, "Failed to update resolution")
	}
	return c.JSON(fiber.Map{"message": "Resolution updated"})
}

// SetMyDefaultResolution stores the calling user's default resolution.
func (h *CandleHandler) SetMyDefaultResolution(c *fiber.Ctx) error {
	actorID, ok := middleware.ActorID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   true,
			"message": "Invalid session",
		})
	}

	var req struct {
		Resolution string `json:"resolution"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": "Invalid request body",
		})
	}

	if err := h.aggregator.SetUserDefaultResolution(c.Context(), actorID, models.Resolution(req.Resolution)); err != nil {
		return respondServiceError(c, err, "Failed to update resolution")
	}
	return c.JSON(fiber.Map{"message": "Resolution updated"})
}
