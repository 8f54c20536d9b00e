package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// FunnelClaims are the claims of the signed funnel session cookie
type FunnelClaims struct {
	SessionID string `json:"sid"`
	UTMSource string `json:"utm_source,omitempty"`
	jwt.RegisteredClaims
}
