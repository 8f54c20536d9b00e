package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idempotencyApp(t *testing.T, status int) (*fiber.App, *miniredis.Miniredis, *int32) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	var calls int32
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals(SessionIDKey, c.Get("X-Test-Session"))
		return c.Next()
	})
	app.Use(IdempotencyMiddleware(client, time.Minute))
	app.Post("/submit", func(c *fiber.Ctx) error {
		n := atomic.AddInt32(&calls, 1)
		return c.Status(status).JSON(fiber.Map{"call": n})
	})
	return app, mr, &calls
}

func submit(t *testing.T, app *fiber.App, session, correlationID string) *http.Response {
	req := httptest.NewRequest(http.MethodPost, "/submit", nil)
	req.Header.Set("X-Test-Session", session)
	if correlationID != "" {
		req.Header.Set("X-Correlation-ID", correlationID)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func TestIdempotency_ReplaysSuccessfulResponse(t *testing.T) {
	app, mr, calls := idempotencyApp(t, fiber.StatusOK)

	first := submit(t, app, "sess-1", "corr-1")
	assert.Equal(t, fiber.StatusOK, first.StatusCode)

	assert.Eventually(t, func() bool {
		return mr.Exists("idempotency:sess-1:corr-1")
	}, time.Second, 10*time.Millisecond)

	second := submit(t, app, "sess-1", "corr-1")
	assert.Equal(t, "true", second.Header.Get("X-Idempotent-Replay"))
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestIdempotency_ScopedPerSession(t *testing.T) {
	app, mr, calls := idempotencyApp(t, fiber.StatusOK)

	submit(t, app, "sess-1", "corr-1")
	assert.Eventually(t, func() bool {
		return mr.Exists("idempotency:sess-1:corr-1")
	}, time.Second, 10*time.Millisecond)

	resp := submit(t, app, "sess-2", "corr-1")
	assert.Empty(t, resp.Header.Get("X-Idempotent-Replay"))
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
}

func TestIdempotency_FailuresAreNotCached(t *testing.T) {
	app, mr, calls := idempotencyApp(t, fiber.StatusUnprocessableEntity)

	submit(t, app, "sess-1", "corr-1")
	submit(t, app, "sess-1", "corr-1")

	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
	assert.False(t, mr.Exists("idempotency:sess-1:corr-1"))
}

func TestIdempotency_WithoutCorrelationID(t *testing.T) {
	app, _, calls := idempotencyApp(t, fiber.StatusOK)

	submit(t, app, "sess-1", "")
	submit(t, app, "sess-1", "")

	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
}
