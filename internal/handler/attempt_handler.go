package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/mansoorceksport/atomic-funnel/internal/domain"
	"github.com/mansoorceksport/atomic-funnel/internal/middleware"
	"go.uber.org/zap"
)

// AttemptHandler exposes the attempt ledger
type AttemptHandler struct {
	ledger    domain.AttemptRepository // nil when no ledger is configured
	utmSource string
	logger    *zap.Logger
}

// NewAttemptHandler creates a new AttemptHandler
func NewAttemptHandler(ledger domain.AttemptRepository, utmSource string, logger *zap.Logger) *AttemptHandler {
	return &AttemptHandler{
		ledger:    ledger,
		utmSource: utmSource,
		logger:    logger,
	}
}

// History handles GET /v1/funnel/history
// Returns the caller's finished attempts, oldest first
func (h *AttemptHandler) History(c *fiber.Ctx) error {
	records := []*domain.AttemptRecord{}
	if h.ledger != nil {
		found, err := h.ledger.GetBySessionID(c.UserContext(), middleware.SessionID(c))
		if err != nil {
			h.logger.Error("failed to load attempt history", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"success": false,
				"error":   "failed to load history",
			})
		}
		if found != nil {
			records = found
		}
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    records,
	})
}

// Stats handles GET /v1/campaign/stats?window=24h
// Counts attempt outcomes of the configured campaign
func (h *AttemptHandler) Stats(c *fiber.Ctx) error {
	if h.ledger == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"success": false,
			"error":   "attempt ledger is not configured",
		})
	}

	window := 24 * time.Hour
	if raw := c.Query("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false,
				"error":   "window must be a positive duration, e.g. 24h",
			})
		}
		window = d
	}

	counts, err := h.ledger.CountByOutcome(c.UserContext(), h.utmSource, time.Now().Add(-window))
	if err != nil {
		h.logger.Error("failed to count attempts", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "failed to load stats",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"utm_source": h.utmSource,
			"window":     window.String(),
			"outcomes":   counts,
		},
	})
}
