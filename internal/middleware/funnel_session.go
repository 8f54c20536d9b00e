package middleware

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/mansoorceksport/atomic-funnel/internal/domain"
	"github.com/oklog/ulid/v2"
)

// Context keys for storing session info
const (
	SessionIDKey = "sessionID"
	UTMSourceKey = "utm_source"
)

// SessionCookieName is the cookie carrying the signed funnel session
const SessionCookieName = "funnel-session"

// SessionConfig configures the funnel session cookie
type SessionConfig struct {
	Secret    string
	TTL       time.Duration
	UTMSource string
	Secure    bool
}

// FunnelSession resolves the browser session from the signed cookie.
// A missing, expired or tampered cookie starts a new session.
func FunnelSession(cfg SessionConfig) fiber.Handler {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}

	return func(c *fiber.Ctx) error {
		if raw := c.Cookies(SessionCookieName); raw != "" {
			if claims, err := ParseSessionToken(cfg.Secret, raw); err == nil {
				c.Locals(SessionIDKey, claims.SessionID)
				c.Locals(UTMSourceKey, claims.UTMSource)
				return c.Next()
			}
		}

		sessionID := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
		token, err := IssueSessionToken(cfg.Secret, sessionID, cfg.UTMSource, cfg.TTL)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"success": false,
				"error":   "Failed to start session",
			})
		}

		c.Cookie(&fiber.Cookie{
			Name:     SessionCookieName,
			Value:    token,
			Path:     "/",
			Expires:  time.Now().Add(cfg.TTL),
			HTTPOnly: true,
			Secure:   cfg.Secure,
			SameSite: fiber.CookieSameSiteLaxMode,
		})
		c.Locals(SessionIDKey, sessionID)
		c.Locals(UTMSourceKey, cfg.UTMSource)

		return c.Next()
	}
}

// IssueSessionToken signs a session token with HS256
func IssueSessionToken(secret, sessionID, utmSource string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := domain.FunnelClaims{
		SessionID: sessionID,
		UTMSource: utmSource,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "atomic-funnel",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// ParseSessionToken validates a session token and returns its claims
func ParseSessionToken(secret, tokenString string) (*domain.FunnelClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &domain.FunnelClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Verify signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*domain.FunnelClaims)
	if !ok || !token.Valid || claims.SessionID == "" {
		return nil, fmt.Errorf("invalid session claims")
	}
	return claims, nil
}

// SessionID returns the session id resolved by FunnelSession
func SessionID(c *fiber.Ctx) string {
	sessionID, _ := c.Locals(SessionIDKey).(string)
	return sessionID
}
