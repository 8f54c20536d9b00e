package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/mansoorceksport/atomic-funnel/internal/domain"
	"github.com/mansoorceksport/atomic-funnel/internal/middleware"
	"github.com/mansoorceksport/atomic-funnel/internal/service"
	"github.com/mansoorceksport/atomic-funnel/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// FunnelHandler drives the purchase orchestrator of the caller's session
type FunnelHandler struct {
	catalog  *service.CatalogService
	sessions *service.SessionRegistry
	logger   *zap.Logger
}

// NewFunnelHandler creates a new FunnelHandler
func NewFunnelHandler(catalog *service.CatalogService, sessions *service.SessionRegistry, logger *zap.Logger) *FunnelHandler {
	return &FunnelHandler{
		catalog:  catalog,
		sessions: sessions,
		logger:   logger,
	}
}

// SelectRequest represents the request body for plan selection
type SelectRequest struct {
	PlanID string `json:"plan_id" validate:"required,max=64"`
}

// RegisterRequest represents the register-and-purchase form.
// Empty fields are left to the orchestrator so the failure shows on the form.
type RegisterRequest struct {
	Name     string `json:"name" validate:"max=120"`
	Email    string `json:"email" validate:"max=254"`
	Password string `json:"password" validate:"max=128"`
}

// LoginRequest represents the authenticate-and-purchase form
type LoginRequest struct {
	Email    string `json:"email" validate:"max=254"`
	Password string `json:"password" validate:"max=128"`
}

// Select handles POST /v1/funnel/select
func (h *FunnelHandler) Select(c *fiber.Ctx) error {
	var req SelectRequest
	if ok, err := parseAndValidate(c, h.logger, &req); !ok {
		return err
	}

	sessionID := middleware.SessionID(c)
	sel, err := h.catalog.Resolve(c.UserContext(), sessionID, req.PlanID)
	if err != nil {
		return h.respondError(c, err)
	}

	orch := h.sessions.Get(sessionID)
	if err := orch.Select(c.UserContext(), *sel); err != nil {
		return h.respondError(c, err)
	}
	telemetry.AddSpanEvent(c, "funnel.plan_selected",
		attribute.String("plan_id", sel.PlanID),
		attribute.Int64("price_idr", sel.PriceIDR),
	)

	return c.JSON(fiber.Map{
		"success": true,
		"data":    orch.Snapshot(),
	})
}

// Register handles POST /v1/funnel/register
func (h *FunnelHandler) Register(c *fiber.Ctx) error {
	var req RegisterRequest
	if ok, err := parseAndValidate(c, h.logger, &req); !ok {
		return err
	}

	sessionID := middleware.SessionID(c)
	orch := h.sessions.Get(sessionID)
	out, err := orch.RegisterAndPurchase(c.UserContext(), service.RegisterInput{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		return h.respondError(c, err)
	}
	h.catalog.Forget(c.UserContext(), sessionID)

	return c.JSON(fiber.Map{
		"success": true,
		"data":    out,
	})
}

// Login handles POST /v1/funnel/login
func (h *FunnelHandler) Login(c *fiber.Ctx) error {
	var req LoginRequest
	if ok, err := parseAndValidate(c, h.logger, &req); !ok {
		return err
	}

	sessionID := middleware.SessionID(c)
	orch := h.sessions.Get(sessionID)
	out, err := orch.AuthenticateAndPurchase(c.UserContext(), service.LoginInput{
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		return h.respondError(c, err)
	}
	h.catalog.Forget(c.UserContext(), sessionID)

	return c.JSON(fiber.Map{
		"success": true,
		"data":    out,
	})
}

// Cancel handles POST /v1/funnel/cancel
func (h *FunnelHandler) Cancel(c *fiber.Ctx) error {
	orch := h.sessions.Get(middleware.SessionID(c))
	orch.Cancel(c.UserContext())

	return c.JSON(fiber.Map{
		"success": true,
		"data":    orch.Snapshot(),
	})
}

// State handles GET /v1/funnel/state
// Polling does not create an orchestrator for sessions that never selected a plan.
func (h *FunnelHandler) State(c *fiber.Ctx) error {
	snap := domain.Snapshot{State: domain.StateIdle}
	if orch, ok := h.sessions.Lookup(middleware.SessionID(c)); ok {
		snap = orch.Snapshot()
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    snap,
	})
}

func (h *FunnelHandler) respondError(c *fiber.Ctx, err error) error {
	if fe, ok := domain.AsFlowError(err); ok {
		status := fiber.StatusUnprocessableEntity
		if fe.Kind == domain.KindValidation {
			status = fiber.StatusBadRequest
		}
		return c.Status(status).JSON(fiber.Map{
			"success": false,
			"error":   fe.Message,
			"kind":    fe.Kind,
			"stage":   fe.Stage,
			"form":    fe.Form,
		})
	}

	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrBusy),
		errors.Is(err, domain.ErrSuperseded),
		errors.Is(err, domain.ErrAttemptComplete),
		errors.Is(err, domain.ErrNoSelection),
		errors.Is(err, domain.ErrNoCatalog):
		status = fiber.StatusConflict
	case errors.Is(err, domain.ErrPlanNotFound):
		status = fiber.StatusNotFound
	default:
		h.logger.Error("funnel request failed", zap.String("path", c.Path()), zap.Error(err))
		return c.Status(status).JSON(fiber.Map{
			"success": false,
			"error":   "internal server error",
		})
	}

	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"error":   err.Error(),
	})
}
