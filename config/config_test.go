package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("APP_URL", "https://bridge.example.com/")
	t.Setenv("GHL_CLIENT_ID", "client")
	t.Setenv("GHL_CLIENT_SECRET", "secret")
	t.Setenv("GHL_CONVERSATION_PROVIDER_ID", "provider-1")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "https://bridge.example.com", cfg.AppURL)
	assert.Equal(t, DefaultGHLBaseURL, cfg.GHLBaseURL)
	assert.Equal(t, DefaultGHLAPIVersion, cfg.GHLAPIVersion)
	assert.Equal(t, DefaultGreenAPIBaseURL, cfg.GreenAPIBaseURL)
	assert.Equal(t, 15*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 5, cfg.StatusMaxRetries)
	assert.False(t, cfg.RoutingStrict)
	assert.Equal(t, "https://bridge.example.com/webhooks/green-api", cfg.GreenAPIWebhookURL())
	assert.Equal(t, "https://bridge.example.com/oauth/callback", cfg.OAuthRedirectURL())
}

func TestLoadConfigOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("HTTP_TIMEOUT", "3s")
	t.Setenv("ROUTING_STRICT", "true")
	t.Setenv("AMQP_SPECIFIC_EVENTS", "status.failed, message.inbound ,")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, cfg.HTTPTimeout)
	assert.True(t, cfg.RoutingStrict)
	assert.Equal(t, []string{"status.failed", "message.inbound"}, cfg.Rabbit.SpecificEvents)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing app url", map[string]string{"APP_URL": ""}, "APP_URL"},
		{"bad duration", map[string]string{"HTTP_TIMEOUT": "soon"}, "HTTP_TIMEOUT"},
		{"short secret", map[string]string{"ENCRYPTION_SECRET": "short"}, "ENCRYPTION_SECRET"},
		{"s3 without bucket", map[string]string{"S3_ENABLED": "true"}, "S3_BUCKET"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
