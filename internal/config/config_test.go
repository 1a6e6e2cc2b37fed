package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultNotifyCooldown, cfg.NotifyCooldown)
	assert.Equal(t, DefaultSummaryCacheTTL, cfg.SummaryCacheTTL)
	assert.Equal(t, DefaultExecutesPerMin, cfg.ExecutesPerMin)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "NOTIFY_COOLDOWN", "30m")
	setEnv(t, "EXECUTES_PER_MIN", "5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 30*time.Minute, cfg.NotifyCooldown)
	assert.Equal(t, 5, cfg.ExecutesPerMin)
}

func TestLoad_WebhookRequiresSecret(t *testing.T) {
	setEnv(t, "ALERT_WEBHOOK_URL", "https://hooks.example.com/opsdeck")
	setEnv(t, "ALERT_WEBHOOK_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "ALERT_WEBHOOK_SECRET")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name: "valid",
			config: Config{
				NotifyCooldown: time.Hour,
				ExecutesPerMin: 10,
			},
			wantErr: false,
		},
		{
			name: "zero cooldown",
			config: Config{
				NotifyCooldown: 0,
				ExecutesPerMin: 10,
			},
			wantErr: true,
		},
		{
			name: "zero execute limit",
			config: Config{
				NotifyCooldown: time.Hour,
				ExecutesPerMin: 0,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_EnvHelpers(t *testing.T) {
	setEnv(t, "ENV", "production")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.False(t, cfg.IsDevelopment())
}
