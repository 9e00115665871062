// Copyright 2025 AegisGate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10, cfg.RateLimits[ClassQuery].Quota)
	assert.Equal(t, 60, cfg.RateLimits[ClassQuery].WindowSeconds)
	assert.Equal(t, 3, cfg.Session.MaxActivePerUser)
	assert.Equal(t, 30, cfg.Privacy.RetentionDays)
	assert.NotEmpty(t, cfg.Policy.Inbound)
	assert.NotEmpty(t, cfg.Policy.Outbound)
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	content := `
max_request_bytes: 8192
rate_limits:
  query:
    quota: 20
    window_seconds: 30
  auth:
    quota: 5
    window_seconds: 300
session:
  idle_timeout_seconds: 900
  max_lifetime_seconds: 7200
  max_active_per_user: 5
  anomaly_revoke_threshold: 3
privacy:
  retention_days: 14
llm:
  provider: bedrock
  model: anthropic.claude-3-haiku
  timeout_seconds: 10
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 8192, cfg.MaxRequestBytes)
	assert.Equal(t, 20, cfg.RateLimits[ClassQuery].Quota)
	assert.Equal(t, 900, cfg.Session.IdleTimeoutSeconds)
	assert.Equal(t, 3, cfg.Session.AnomalyRevokeThreshold)
	assert.Equal(t, 14, cfg.Privacy.RetentionDays)
	assert.Equal(t, "bedrock", cfg.LLM.Provider)

	// Defaults survive for sections the file omits.
	assert.NotEmpty(t, cfg.Policy.Inbound)
	assert.Equal(t, 1000, cfg.Audit.QueueSize)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/2")
	t.Setenv("PSEUDONYM_KEY", "env-key")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "redis://localhost:6379/2", cfg.Redis.URL)
	assert.Equal(t, "env-key", cfg.Privacy.PseudonymKey)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/gateway.yaml")
	require.Error(t, err)
}

func TestConfigValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max bytes", func(c *Config) { c.MaxRequestBytes = 0 }},
		{"zero quota", func(c *Config) {
			c.RateLimits[ClassQuery] = RateLimitClass{Quota: 0, WindowSeconds: 60}
		}},
		{"zero window", func(c *Config) {
			c.RateLimits[ClassQuery] = RateLimitClass{Quota: 10, WindowSeconds: 0}
		}},
		{"zero idle timeout", func(c *Config) { c.Session.IdleTimeoutSeconds = 0 }},
		{"lifetime below idle", func(c *Config) {
			c.Session.MaxLifetimeSeconds = c.Session.IdleTimeoutSeconds - 1
		}},
		{"zero session cap", func(c *Config) { c.Session.MaxActivePerUser = 0 }},
		{"zero retention", func(c *Config) { c.Privacy.RetentionDays = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestRateLimitClassWindow(t *testing.T) {
	cls := RateLimitClass{Quota: 10, WindowSeconds: 90}
	assert.Equal(t, "1m30s", cls.Window().String())
}
