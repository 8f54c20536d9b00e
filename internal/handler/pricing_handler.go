package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/mansoorceksport/atomic-funnel/internal/domain"
	"github.com/mansoorceksport/atomic-funnel/internal/middleware"
	"github.com/mansoorceksport/atomic-funnel/internal/pricing"
	"github.com/mansoorceksport/atomic-funnel/internal/service"
	"go.uber.org/zap"
)

// PricingHandler serves the derived plan catalog
type PricingHandler struct {
	catalog *service.CatalogService
	logger  *zap.Logger
}

// NewPricingHandler creates a new PricingHandler
func NewPricingHandler(catalog *service.CatalogService, logger *zap.Logger) *PricingHandler {
	return &PricingHandler{
		catalog: catalog,
		logger:  logger,
	}
}

// PlanResponse is one presented plan card
type PlanResponse struct {
	domain.DerivedPlan
	PriceLabel       string `json:"price_label"`
	MonthlyRateLabel string `json:"monthly_rate_label"`
	AnchorPriceLabel string `json:"anchor_price_label"`
}

// ListPlans handles GET /v1/plans
func (h *PricingHandler) ListPlans(c *fiber.Ctx) error {
	res, err := h.catalog.Load(c.UserContext(), middleware.SessionID(c))
	if err != nil {
		if errors.Is(err, domain.ErrCatalogUnavailable) {
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"success": false,
				"error":   "Failed to load plans",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}

	data := make([]PlanResponse, 0, len(res.Plans))
	for _, p := range res.Plans {
		data = append(data, PlanResponse{
			DerivedPlan:      p,
			PriceLabel:       pricing.FormatIDR(p.PriceIDR),
			MonthlyRateLabel: pricing.FormatIDR(p.MonthlyRate),
			AnchorPriceLabel: pricing.FormatIDR(p.AnchorPrice),
		})
	}

	resp := fiber.Map{
		"success": true,
		"empty":   res.Empty(),
		"data":    data,
	}
	if best, ok := res.BestValue(); ok {
		resp["best_value_id"] = best.ID
	}
	return c.JSON(resp)
}
