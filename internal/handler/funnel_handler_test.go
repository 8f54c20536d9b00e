package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/mansoorceksport/atomic-funnel/internal/domain"
	"github.com/mansoorceksport/atomic-funnel/internal/infrastructure/storefront"
	"github.com/mansoorceksport/atomic-funnel/internal/middleware"
	"github.com/mansoorceksport/atomic-funnel/internal/repository"
	"github.com/mansoorceksport/atomic-funnel/internal/service"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "handler-test-secret"

type stubSource struct {
	mu    sync.Mutex
	plans []domain.Plan
	err   error
}

func (s *stubSource) ListPlans(ctx context.Context) ([]domain.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plans, s.err
}

type stubGateway struct {
	registerErr error
	loginToken  string
	loginErr    error
	checkoutURL string
	checkoutErr error
}

func (g *stubGateway) Register(ctx context.Context, req storefront.RegisterRequest) error {
	return g.registerErr
}

func (g *stubGateway) Login(ctx context.Context, email, password string) (string, error) {
	return g.loginToken, g.loginErr
}

func (g *stubGateway) Checkout(ctx context.Context, accessToken, planID, utmSource string) (string, error) {
	return g.checkoutURL, g.checkoutErr
}

type stubLedger struct {
	mu      sync.Mutex
	records []*domain.AttemptRecord
	since   time.Time
}

func (l *stubLedger) Create(ctx context.Context, record *domain.AttemptRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, record)
	return nil
}

func (l *stubLedger) GetByID(ctx context.Context, id string) (*domain.AttemptRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.records {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (l *stubLedger) GetBySessionID(ctx context.Context, sessionID string) ([]*domain.AttemptRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*domain.AttemptRecord
	for _, r := range l.records {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (l *stubLedger) CountByOutcome(ctx context.Context, utmSource string, since time.Time) (map[string]int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.since = since
	counts := make(map[string]int64)
	for _, r := range l.records {
		if r.UTMSource == utmSource && !r.FinishedAt.Before(since) {
			counts[r.Outcome]++
		}
	}
	return counts, nil
}

type testEnv struct {
	app      *fiber.App
	source   *stubSource
	gateway  *stubGateway
	ledger   *stubLedger
	sessions *service.SessionRegistry
	cookie   *http.Cookie
}

func studentPlans() []domain.Plan {
	return []domain.Plan{
		{ID: "semester", Segment: "student", DurationDays: 180, PriceIDR: 450000},
		{ID: "monthly", Segment: "student", DurationDays: 30, PriceIDR: 100000},
		{ID: "pro", Segment: "general", DurationDays: 30, PriceIDR: 150000},
	}
}

func setupEnv(t *testing.T) *testEnv {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := zap.NewNop()
	source := &stubSource{plans: studentPlans()}
	gateway := &stubGateway{loginToken: "opaque-token", checkoutURL: "https://pay.example.com/inv/1"}
	ledger := &stubLedger{}

	catalog := service.NewCatalogService(source, repository.NewRedisCacheRepository(client), service.CatalogConfig{Segment: "student"}, logger)
	sessions := service.NewSessionRegistry(func(sessionID string) *service.Orchestrator {
		return service.NewOrchestrator(service.OrchestratorConfig{SessionID: sessionID, UTMSource: "student-kimia-v1"}, gateway, ledger, logger)
	}, time.Hour, logger)

	pricingHandler := NewPricingHandler(catalog, logger)
	funnelHandler := NewFunnelHandler(catalog, sessions, logger)
	attemptHandler := NewAttemptHandler(ledger, "student-kimia-v1", logger)

	app := fiber.New()
	app.Use(middleware.FunnelSession(middleware.SessionConfig{Secret: testSecret, TTL: time.Hour}))
	app.Get("/v1/plans", pricingHandler.ListPlans)
	app.Post("/v1/funnel/select", funnelHandler.Select)
	app.Post("/v1/funnel/register", funnelHandler.Register)
	app.Post("/v1/funnel/login", funnelHandler.Login)
	app.Post("/v1/funnel/cancel", funnelHandler.Cancel)
	app.Get("/v1/funnel/state", funnelHandler.State)
	app.Get("/v1/funnel/history", attemptHandler.History)
	app.Get("/v1/campaign/stats", attemptHandler.Stats)

	token, err := middleware.IssueSessionToken(testSecret, "sess-test", "", time.Hour)
	require.NoError(t, err)

	return &testEnv{
		app:      app,
		source:   source,
		gateway:  gateway,
		ledger:   ledger,
		sessions: sessions,
		cookie:   &http.Cookie{Name: middleware.SessionCookieName, Value: token},
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (int, map[string]interface{}) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(e.cookie)

	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestListPlans(t *testing.T) {
	env := setupEnv(t)

	status, body := env.do(t, http.MethodGet, "/v1/plans", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, false, body["empty"])

	data := body["data"].([]interface{})
	require.Len(t, data, 2)

	first := data[0].(map[string]interface{})
	assert.Equal(t, "monthly", first["id"])
	assert.Contains(t, first["price_label"], "Rp")

	second := data[1].(map[string]interface{})
	assert.Equal(t, "semester", second["id"])
	assert.Equal(t, float64(25), second["discount_percent"])
	assert.Equal(t, true, second["is_best_value"])
	assert.Equal(t, "semester", body["best_value_id"])
}

func TestListPlans_Empty(t *testing.T) {
	env := setupEnv(t)
	env.source.plans = nil

	status, body := env.do(t, http.MethodGet, "/v1/plans", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["empty"])
	assert.Empty(t, body["data"])
	assert.NotContains(t, body, "best_value_id")
}

func TestListPlans_Unavailable(t *testing.T) {
	env := setupEnv(t)
	env.source.err = errors.New("connection refused")

	status, body := env.do(t, http.MethodGet, "/v1/plans", nil)
	assert.Equal(t, fiber.StatusBadGateway, status)
	assert.Equal(t, false, body["success"])
}

func TestSelect_RequiresLoadedCatalog(t *testing.T) {
	env := setupEnv(t)

	status, _ := env.do(t, http.MethodPost, "/v1/funnel/select", fiber.Map{"plan_id": "monthly"})
	assert.Equal(t, fiber.StatusConflict, status)
}

func TestSelect_Validation(t *testing.T) {
	env := setupEnv(t)

	status, body := env.do(t, http.MethodPost, "/v1/funnel/select", fiber.Map{})
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Contains(t, body["error"], "plan_id is required")
}

func TestSelect_UnknownPlan(t *testing.T) {
	env := setupEnv(t)
	env.do(t, http.MethodGet, "/v1/plans", nil)

	status, _ := env.do(t, http.MethodPost, "/v1/funnel/select", fiber.Map{"plan_id": "pro"})
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestRegisterFlow(t *testing.T) {
	env := setupEnv(t)
	env.do(t, http.MethodGet, "/v1/plans", nil)

	status, body := env.do(t, http.MethodPost, "/v1/funnel/select", fiber.Map{"plan_id": "semester"})
	require.Equal(t, fiber.StatusOK, status)
	snap := body["data"].(map[string]interface{})
	assert.Equal(t, "register", snap["form"])
	sel := snap["selection"].(map[string]interface{})
	assert.Equal(t, float64(450000), sel["price_idr"])

	status, body = env.do(t, http.MethodPost, "/v1/funnel/register", fiber.Map{
		"name": "Ayu", "email": "ayu@example.com", "password": "secret",
	})
	require.Equal(t, fiber.StatusOK, status)
	out := body["data"].(map[string]interface{})
	assert.Equal(t, "https://pay.example.com/inv/1", out["redirect_url"])
	assert.NotEmpty(t, out["attempt_id"])

	status, body = env.do(t, http.MethodGet, "/v1/funnel/state", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "redirecting", body["data"].(map[string]interface{})["state"])

	// The attempt is complete until a new plan is selected
	status, _ = env.do(t, http.MethodPost, "/v1/funnel/login", fiber.Map{"email": "ayu@example.com", "password": "secret"})
	assert.Equal(t, fiber.StatusConflict, status)
}

func TestRegister_MissingFields(t *testing.T) {
	env := setupEnv(t)
	env.do(t, http.MethodGet, "/v1/plans", nil)
	env.do(t, http.MethodPost, "/v1/funnel/select", fiber.Map{"plan_id": "monthly"})

	status, body := env.do(t, http.MethodPost, "/v1/funnel/register", fiber.Map{"name": "Ayu"})
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "validation", body["kind"])
	assert.Equal(t, "register", body["form"])
}

func TestLogin_UpstreamRejection(t *testing.T) {
	env := setupEnv(t)
	env.gateway.loginErr = &storefront.APIError{StatusCode: 401, Message: "wrong password"}
	env.do(t, http.MethodGet, "/v1/plans", nil)
	env.do(t, http.MethodPost, "/v1/funnel/select", fiber.Map{"plan_id": "monthly"})

	status, body := env.do(t, http.MethodPost, "/v1/funnel/login", fiber.Map{"email": "ayu@example.com", "password": "nope"})
	assert.Equal(t, fiber.StatusUnprocessableEntity, status)
	assert.Equal(t, "wrong password", body["error"])
	assert.Equal(t, "authenticating", body["stage"])
	assert.Equal(t, "login", body["form"])
}

func TestLogin_WithoutSelection(t *testing.T) {
	env := setupEnv(t)

	status, _ := env.do(t, http.MethodPost, "/v1/funnel/login", fiber.Map{"email": "ayu@example.com", "password": "secret"})
	assert.Equal(t, fiber.StatusConflict, status)
}

func TestCancelKeepsSelection(t *testing.T) {
	env := setupEnv(t)
	env.do(t, http.MethodGet, "/v1/plans", nil)
	env.do(t, http.MethodPost, "/v1/funnel/select", fiber.Map{"plan_id": "monthly"})

	status, body := env.do(t, http.MethodPost, "/v1/funnel/cancel", nil)
	require.Equal(t, fiber.StatusOK, status)
	snap := body["data"].(map[string]interface{})
	assert.Equal(t, "idle", snap["state"])
	assert.NotNil(t, snap["selection"])
}

func TestState_UntouchedSessionIsIdle(t *testing.T) {
	env := setupEnv(t)

	status, body := env.do(t, http.MethodGet, "/v1/funnel/state", nil)
	require.Equal(t, fiber.StatusOK, status)
	snap := body["data"].(map[string]interface{})
	assert.Equal(t, "idle", snap["state"])
	assert.Equal(t, false, snap["busy"])
	assert.Nil(t, snap["selection"])

	// Polling alone must not allocate an orchestrator
	assert.Equal(t, 0, env.sessions.Len())
}

func TestRedirectDropsCatalogSnapshot(t *testing.T) {
	env := setupEnv(t)
	env.do(t, http.MethodGet, "/v1/plans", nil)
	env.do(t, http.MethodPost, "/v1/funnel/select", fiber.Map{"plan_id": "monthly"})

	status, _ := env.do(t, http.MethodPost, "/v1/funnel/login", fiber.Map{"email": "ayu@example.com", "password": "secret"})
	require.Equal(t, fiber.StatusOK, status)

	// A new purchase starts from a fresh plan list
	status, _ = env.do(t, http.MethodPost, "/v1/funnel/select", fiber.Map{"plan_id": "semester"})
	assert.Equal(t, fiber.StatusConflict, status)

	env.do(t, http.MethodGet, "/v1/plans", nil)
	status, _ = env.do(t, http.MethodPost, "/v1/funnel/select", fiber.Map{"plan_id": "semester"})
	assert.Equal(t, fiber.StatusOK, status)
}

func TestFailedAttemptKeepsCatalogSnapshot(t *testing.T) {
	env := setupEnv(t)
	env.gateway.loginErr = &storefront.APIError{StatusCode: 401, Message: "wrong password"}
	env.do(t, http.MethodGet, "/v1/plans", nil)
	env.do(t, http.MethodPost, "/v1/funnel/select", fiber.Map{"plan_id": "monthly"})

	status, _ := env.do(t, http.MethodPost, "/v1/funnel/login", fiber.Map{"email": "ayu@example.com", "password": "nope"})
	require.Equal(t, fiber.StatusUnprocessableEntity, status)

	status, _ = env.do(t, http.MethodPost, "/v1/funnel/select", fiber.Map{"plan_id": "semester"})
	assert.Equal(t, fiber.StatusOK, status)
}

func TestHistory(t *testing.T) {
	env := setupEnv(t)

	status, body := env.do(t, http.MethodGet, "/v1/funnel/history", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Empty(t, body["data"])

	env.do(t, http.MethodGet, "/v1/plans", nil)
	env.do(t, http.MethodPost, "/v1/funnel/select", fiber.Map{"plan_id": "semester"})
	env.do(t, http.MethodPost, "/v1/funnel/register", fiber.Map{
		"name": "Ayu", "email": "ayu@example.com", "password": "secret",
	})

	// Another session's attempts stay private
	require.NoError(t, env.ledger.Create(context.Background(), &domain.AttemptRecord{
		ID: "other", SessionID: "sess-other", Outcome: domain.OutcomeFailed,
	}))

	status, body = env.do(t, http.MethodGet, "/v1/funnel/history", nil)
	require.Equal(t, fiber.StatusOK, status)
	data := body["data"].([]interface{})
	require.Len(t, data, 1)
	rec := data[0].(map[string]interface{})
	assert.Equal(t, "sess-test", rec["session_id"])
	assert.Equal(t, "semester", rec["plan_id"])
	assert.Equal(t, "redirected", rec["outcome"])
	assert.Equal(t, "register", rec["path"])
	assert.NotContains(t, rec, "password")
}

func TestCampaignStats(t *testing.T) {
	env := setupEnv(t)
	env.do(t, http.MethodGet, "/v1/plans", nil)
	env.do(t, http.MethodPost, "/v1/funnel/select", fiber.Map{"plan_id": "monthly"})
	env.do(t, http.MethodPost, "/v1/funnel/login", fiber.Map{"email": "ayu@example.com", "password": "secret"})

	require.NoError(t, env.ledger.Create(context.Background(), &domain.AttemptRecord{
		ID: "old", SessionID: "sess-old", Outcome: domain.OutcomeFailed,
		UTMSource: "student-kimia-v1", FinishedAt: time.Now().Add(-48 * time.Hour),
	}))

	status, body := env.do(t, http.MethodGet, "/v1/campaign/stats", nil)
	require.Equal(t, fiber.StatusOK, status)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, "student-kimia-v1", data["utm_source"])
	assert.Equal(t, "24h0m0s", data["window"])
	outcomes := data["outcomes"].(map[string]interface{})
	assert.Equal(t, float64(1), outcomes["redirected"])
	assert.NotContains(t, outcomes, "failed")

	status, body = env.do(t, http.MethodGet, "/v1/campaign/stats?window=72h", nil)
	require.Equal(t, fiber.StatusOK, status)
	outcomes = body["data"].(map[string]interface{})["outcomes"].(map[string]interface{})
	assert.Equal(t, float64(1), outcomes["failed"])
	assert.WithinDuration(t, time.Now().Add(-72*time.Hour), env.ledger.since, time.Minute)
}

func TestCampaignStats_BadWindow(t *testing.T) {
	env := setupEnv(t)

	for _, window := range []string{"soon", "-1h", "0s"} {
		status, body := env.do(t, http.MethodGet, "/v1/campaign/stats?window="+window, nil)
		assert.Equal(t, fiber.StatusBadRequest, status, window)
		assert.Equal(t, false, body["success"])
	}
}

func TestAttemptHandler_WithoutLedger(t *testing.T) {
	h := NewAttemptHandler(nil, "student-kimia-v1", zap.NewNop())
	app := fiber.New()
	app.Use(middleware.FunnelSession(middleware.SessionConfig{Secret: testSecret, TTL: time.Hour}))
	app.Get("/history", h.History)
	app.Get("/stats", h.Stats)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/stats", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/history", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, []interface{}{}, body["data"])
}
