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
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func validConfig() Config {
	return Config{
		Env:                  "development",
		BroadcastChunks:      10,
		RetryTimes:           3,
		TransitionTTL:        time.Minute,
		TransitionWindow:     5 * time.Second,
		MembershipTTL:        time.Minute,
		Workers:              2,
		WorkQueue:            8,
		ActiveNotifyInterval: 5,
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultRegion, cfg.Region)
	assert.Equal(t, int64(DefaultInitialCredits), cfg.InitialCredits)
	assert.Equal(t, DefaultBroadcastChunks, cfg.BroadcastChunks)
	assert.Equal(t, DefaultTransitionTTL, cfg.TransitionTTL)
	assert.True(t, cfg.ChargeBroadcast)
	assert.True(t, cfg.ChargeDuplicateConnections)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "BROADCAST_CHUNKS", "10")
	setEnv(t, "RETRY_DELAY", "100")
	setEnv(t, "TRANSITION_TTL", "90s")
	setEnv(t, "CHARGE_BROADCAST", "false")
	setEnv(t, "MACHINE_IDS_BLACKLIST", "aaa, bbb,,ccc")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.BroadcastChunks)
	assert.Equal(t, 100*time.Millisecond, cfg.RetryDelay)
	assert.Equal(t, 90*time.Second, cfg.TransitionTTL)
	assert.False(t, cfg.ChargeBroadcast)
	assert.Equal(t, []string{"aaa", "bbb", "ccc"}, cfg.BlacklistedDevices)
	assert.True(t, cfg.IsBlacklisted("bbb"))
	assert.False(t, cfg.IsBlacklisted("ddd"))
}

func TestLoad_ProductionRequiresHMACKey(t *testing.T) {
	setEnv(t, "ENV", "production")
	setEnv(t, "HMAC_KEY", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "HMAC_KEY is required")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{
			name:    "zero chunk size",
			mutate:  func(c *Config) { c.BroadcastChunks = 0 },
			wantErr: "BROADCAST_CHUNKS",
		},
		{
			name:    "negative retries",
			mutate:  func(c *Config) { c.RetryTimes = -1 },
			wantErr: "RETRY_TIMES",
		},
		{
			name:    "window longer than ttl",
			mutate:  func(c *Config) { c.TransitionWindow = 2 * time.Minute },
			wantErr: "TRANSITION_WINDOW",
		},
		{
			name:    "no workers",
			mutate:  func(c *Config) { c.Workers = 0 },
			wantErr: "WORKERS",
		},
		{
			name: "production with key",
			mutate: func(c *Config) {
				c.Env = "production"
				c.HMACKey = "secret"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "2s")
	setEnv(t, "TEST_MS", "750")
	setEnv(t, "TEST_BAD_DUR", "soon")

	assert.Equal(t, 2*time.Second, getEnvDuration("TEST_DUR", 0))
	assert.Equal(t, 750*time.Millisecond, getEnvDuration("TEST_MS", 0))
	assert.Equal(t, time.Second, getEnvDuration("TEST_BAD_DUR", time.Second))
}
