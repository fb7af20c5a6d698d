package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/opshq/pulse/internal/services"
)

const Version = "0.4.0"

// respondServiceError maps the service error taxonomy onto HTTP statuses.
func respondServiceError(c *fiber.Ctx, err error, fallback string) error {
	switch {
	case errors.Is(err, services.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   true,
			"message": "Not found",
		})
	case errors.Is(err, services.ErrDuplicateAlert):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":      true,
			"message":    "Similar alert already open",
			"suppressed": true,
		})
	case services.IsValidation(err):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": err.Error(),
		})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   true,
			"message": fallback,
		})
	}
}
