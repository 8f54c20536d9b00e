package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("STOREFRONT_BASE_URL", "https://api.example.com")
	t.Setenv("SESSION_SECRET", strings.Repeat("s", 32))
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "student-kimia-v1", cfg.Funnel.UTMSource)
	assert.Equal(t, "student", cfg.Funnel.TargetSegment)
	assert.Equal(t, 15*time.Second, cfg.Funnel.CallTimeout)
	assert.Equal(t, 30*time.Minute, cfg.Funnel.SnapshotTTL)
	assert.Equal(t, int64(5), cfg.Funnel.BreakerThreshold)
	assert.True(t, cfg.Session.SecureCookie)
	assert.False(t, cfg.OTEL.Enabled)
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("FUNNEL_CALL_TIMEOUT", "5s")
	t.Setenv("FUNNEL_SESSION_TTL", "120")
	t.Setenv("FUNNEL_UTM_SOURCE", "spring-campaign")
	t.Setenv("SESSION_SECURE_COOKIE", "false")
	t.Setenv("FUNNEL_SNAPSHOT_TTL", "garbage")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Funnel.CallTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Funnel.SessionTTL)
	assert.Equal(t, "spring-campaign", cfg.Funnel.UTMSource)
	assert.False(t, cfg.Session.SecureCookie)
	assert.Equal(t, 30*time.Minute, cfg.Funnel.SnapshotTTL)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"missing storefront", map[string]string{"STOREFRONT_BASE_URL": ""}, "STOREFRONT_BASE_URL"},
		{"missing secret", map[string]string{"SESSION_SECRET": ""}, "SESSION_SECRET is required"},
		{"short secret", map[string]string{"SESSION_SECRET": "short"}, "at least 32"},
		{"otel without endpoint", map[string]string{"OTEL_ENABLED": "true", "OTEL_EXPORTER_OTLP_ENDPOINT": ""}, "OTEL_EXPORTER_OTLP_ENDPOINT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
