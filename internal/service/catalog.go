package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mansoorceksport/atomic-funnel/internal/domain"
	"github.com/mansoorceksport/atomic-funnel/internal/pricing"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// CatalogConfig holds catalog settings
type CatalogConfig struct {
	Segment          string        // Target audience, e.g. "student"
	SnapshotTTL      time.Duration // How long a session can select from what it was shown
	FailureThreshold uint32        // Consecutive fetch failures before the breaker opens
	OpenTimeout      time.Duration // How long the breaker stays open
}

// CatalogService fetches plans from the storefront and derives the pricing page
type CatalogService struct {
	source    domain.PlanSource
	snapshots domain.CatalogSnapshotRepository
	cfg       CatalogConfig
	breaker   *gobreaker.CircuitBreaker[[]domain.Plan]
	group     singleflight.Group
	logger    *zap.Logger
}

// NewCatalogService creates a new catalog service
func NewCatalogService(source domain.PlanSource, snapshots domain.CatalogSnapshotRepository, cfg CatalogConfig, logger *zap.Logger) *CatalogService {
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = 30 * time.Minute
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	threshold := cfg.FailureThreshold
	breaker := gobreaker.NewCircuitBreaker[[]domain.Plan](gobreaker.Settings{
		Name:        "storefront-plans",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &CatalogService{
		source:    source,
		snapshots: snapshots,
		cfg:       cfg,
		breaker:   breaker,
		logger:    logger,
	}
}

// Load fetches a fresh catalog, derives it and remembers it for the session.
// An empty result is not an error.
func (s *CatalogService) Load(ctx context.Context, sessionID string) (pricing.Result, error) {
	// Page loads that arrive together share one upstream call
	v, err, _ := s.group.Do("plans", func() (any, error) {
		return s.breaker.Execute(func() ([]domain.Plan, error) {
			return s.source.ListPlans(ctx)
		})
	})
	if err != nil {
		s.logger.Error("failed to fetch plans", zap.Error(err))
		return pricing.Result{}, fmt.Errorf("%w: %w", domain.ErrCatalogUnavailable, err)
	}

	res := pricing.Derive(v.([]domain.Plan), s.cfg.Segment)

	if sessionID != "" && s.snapshots != nil {
		if err := s.snapshots.SetCatalog(ctx, sessionID, res.Plans, s.cfg.SnapshotTTL); err != nil {
			s.logger.Warn("failed to store catalog snapshot",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
		}
	}

	return res, nil
}

// Resolve builds the selection for planID from the plans the session was shown
func (s *CatalogService) Resolve(ctx context.Context, sessionID, planID string) (*domain.Selection, error) {
	if s.snapshots == nil {
		return nil, domain.ErrNoCatalog
	}

	plans, err := s.snapshots.GetCatalog(ctx, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrNoCatalog
		}
		return nil, fmt.Errorf("failed to read catalog snapshot: %w", err)
	}

	plan, ok := pricing.Result{Plans: plans}.Find(planID)
	if !ok {
		return nil, domain.ErrPlanNotFound
	}
	return pricing.SelectionFor(plan), nil
}

// Forget drops the session's catalog snapshot. A new selection then needs a
// fresh page load, so it is priced from current plans.
func (s *CatalogService) Forget(ctx context.Context, sessionID string) {
	if s.snapshots == nil || sessionID == "" {
		return
	}
	if err := s.snapshots.DeleteCatalog(ctx, sessionID); err != nil {
		s.logger.Warn("failed to drop catalog snapshot",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}

// BreakerState exposes the fetch breaker state for health reporting
func (s *CatalogService) BreakerState() gobreaker.State {
	return s.breaker.State()
}
