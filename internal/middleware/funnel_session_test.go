package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-session-secret"

func sessionApp() *fiber.App {
	app := fiber.New()
	app.Use(FunnelSession(SessionConfig{Secret: testSecret, TTL: time.Hour, UTMSource: "student-kimia-v1"}))
	app.Get("/whoami", func(c *fiber.Ctx) error {
		return c.SendString(SessionID(c))
	})
	return app
}

func sessionCookie(resp *http.Response) *http.Cookie {
	for _, cookie := range resp.Cookies() {
		if cookie.Name == SessionCookieName {
			return cookie
		}
	}
	return nil
}

func readBody(t *testing.T, resp *http.Response) string {
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestFunnelSession_IssuesCookie(t *testing.T) {
	app := sessionApp()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/whoami", nil), -1)
	require.NoError(t, err)

	cookie := sessionCookie(resp)
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)

	claims, err := ParseSessionToken(testSecret, cookie.Value)
	require.NoError(t, err)
	assert.Equal(t, "student-kimia-v1", claims.UTMSource)
	assert.Equal(t, claims.SessionID, readBody(t, resp))
}

func TestFunnelSession_ReusesValidCookie(t *testing.T) {
	app := sessionApp()

	token, err := IssueSessionToken(testSecret, "sess-42", "student-kimia-v1", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: token})
	resp, err := app.Test(req, -1)
	require.NoError(t, err)

	assert.Nil(t, sessionCookie(resp))
	assert.Equal(t, "sess-42", readBody(t, resp))
}

func TestFunnelSession_RejectsForeignSignature(t *testing.T) {
	app := sessionApp()

	token, err := IssueSessionToken("another-secret", "sess-42", "", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: token})
	resp, err := app.Test(req, -1)
	require.NoError(t, err)

	require.NotNil(t, sessionCookie(resp))
	assert.NotEqual(t, "sess-42", readBody(t, resp))
}

func TestFunnelSession_ExpiredCookieStartsNewSession(t *testing.T) {
	app := sessionApp()

	token, err := IssueSessionToken(testSecret, "sess-old", "", -time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: token})
	resp, err := app.Test(req, -1)
	require.NoError(t, err)

	require.NotNil(t, sessionCookie(resp))
	assert.NotEqual(t, "sess-old", readBody(t, resp))
}

func TestParseSessionToken_Garbage(t *testing.T) {
	_, err := ParseSessionToken(testSecret, "not-a-jwt")
	assert.Error(t, err)
}
