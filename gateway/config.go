// Copyright 2025 AegisGate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the static configuration for the mediation pipeline.
// All values are fixed at startup; there is no runtime mutation path.
type Config struct {
	// MaxRequestBytes bounds the size of an inbound query payload.
	MaxRequestBytes int `yaml:"max_request_bytes"`

	// RateLimits maps a limit class name to its quota/window pair.
	// Classes are independent counters per identity.
	RateLimits map[string]RateLimitClass `yaml:"rate_limits"`

	Session SessionConfig `yaml:"session"`
	Privacy PrivacyConfig `yaml:"privacy"`
	Policy  PolicyConfig  `yaml:"policy"`
	Redis   RedisConfig   `yaml:"redis"`
	Audit   AuditConfig   `yaml:"audit"`
	LLM     LLMConfig     `yaml:"llm"`
}

// RateLimitClass defines a sliding-window quota.
type RateLimitClass struct {
	Quota         int `yaml:"quota"`
	WindowSeconds int `yaml:"window_seconds"`
}

// Window returns the class window as a duration.
func (c RateLimitClass) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// SessionConfig controls session lifecycle enforcement.
type SessionConfig struct {
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`
	MaxLifetimeSeconds int `yaml:"max_lifetime_seconds"`

	// MaxActivePerUser caps concurrent active sessions per user.
	// Creating one more evicts the least-recently-active session.
	MaxActivePerUser int `yaml:"max_active_per_user"`

	// AnomalyRevokeThreshold revokes a session after this many anomalous
	// validations (e.g. repeated IP drift). 0 disables auto-revoke, which
	// keeps IP drift a soft anomaly flag only.
	AnomalyRevokeThreshold int `yaml:"anomaly_revoke_threshold"`

	// TokenSecret signs session bearer tokens. Required only when the
	// caller carries session ids as signed tokens.
	TokenSecret string `yaml:"token_secret"`
}

// IdleTimeout returns the idle timeout as a duration.
func (c SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// MaxLifetime returns the maximum session lifetime as a duration.
func (c SessionConfig) MaxLifetime() time.Duration {
	return time.Duration(c.MaxLifetimeSeconds) * time.Second
}

// PrivacyConfig controls consent and anonymization behavior.
type PrivacyConfig struct {
	RetentionDays int `yaml:"retention_days"`

	// PseudonymKey keys the one-way transform used to derive stable
	// pseudonyms. The same key must be used across restarts to preserve
	// joinability.
	PseudonymKey string `yaml:"pseudonym_key"`

	// TransparencyNotice, when set, is appended to every released reply
	// so users know the exchange was mediated. Empty disables it.
	TransparencyNotice string `yaml:"transparency_notice"`
}

// PolicyConfig holds the responsible-AI rule sets, one per direction.
type PolicyConfig struct {
	Inbound  []PolicyRuleConfig `yaml:"inbound"`
	Outbound []PolicyRuleConfig `yaml:"outbound"`
}

// PolicyRuleConfig declares a single screening rule. Either Pattern
// (an RE2 regex) or Terms (matched case-insensitively as whole words,
// so "harm" does not flag "harmless") must be set.
type PolicyRuleConfig struct {
	Category string   `yaml:"category"`
	Pattern  string   `yaml:"pattern,omitempty"`
	Terms    []string `yaml:"terms,omitempty"`

	// Advisory rules log their category but never deny.
	Advisory bool `yaml:"advisory,omitempty"`
}

// RedisConfig enables the distributed rate limiter when URL is set.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// AuditConfig sizes the asynchronous audit write path.
type AuditConfig struct {
	// QueueSize is the buffer for async persistence. 0 means synchronous.
	QueueSize int `yaml:"queue_size"`
	Workers   int `yaml:"workers"`
}

// LLMConfig configures the upstream generation collaborator.
type LLMConfig struct {
	Provider       string  `yaml:"provider"` // "bedrock" or "static"
	Region         string  `yaml:"region"`
	Model          string  `yaml:"model"`
	MaxTokens      int     `yaml:"max_tokens"`
	Temperature    float64 `yaml:"temperature"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
}

// Timeout returns the upstream call timeout as a duration.
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// DefaultConfig returns the configuration used when no file is supplied.
func DefaultConfig() *Config {
	return &Config{
		MaxRequestBytes: 4096,
		RateLimits: map[string]RateLimitClass{
			ClassQuery: {Quota: 10, WindowSeconds: 60},
			ClassAuth:  {Quota: 5, WindowSeconds: 300},
		},
		Session: SessionConfig{
			IdleTimeoutSeconds:     1800,
			MaxLifetimeSeconds:     28800,
			MaxActivePerUser:       3,
			AnomalyRevokeThreshold: 0,
		},
		Privacy: PrivacyConfig{
			RetentionDays: 30,
		},
		Policy: PolicyConfig{
			Inbound:  defaultInboundRules(),
			Outbound: defaultOutboundRules(),
		},
		Audit: AuditConfig{
			QueueSize: 1000,
			Workers:   2,
		},
		LLM: LLMConfig{
			Provider:       "static",
			MaxTokens:      1000,
			Temperature:    0.0,
			TimeoutSeconds: 30,
		},
	}
}

// LoadConfig reads a YAML config file, layers it over the defaults, and
// applies environment overrides. An empty path returns defaults plus
// environment overrides only.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies environment variable overrides for values that are
// commonly set per deployment rather than per config file.
func (c *Config) applyEnv() {
	c.Redis.URL = getEnv("REDIS_URL", c.Redis.URL)
	c.Session.TokenSecret = getEnv("SESSION_TOKEN_SECRET", c.Session.TokenSecret)
	c.Privacy.PseudonymKey = getEnv("PSEUDONYM_KEY", c.Privacy.PseudonymKey)
	c.LLM.Region = getEnv("AWS_REGION", c.LLM.Region)
}

// Validate checks invariants that would otherwise surface as runtime bugs.
func (c *Config) Validate() error {
	if c.MaxRequestBytes <= 0 {
		return fmt.Errorf("max_request_bytes must be positive, got %d", c.MaxRequestBytes)
	}
	for name, class := range c.RateLimits {
		if class.Quota <= 0 {
			return fmt.Errorf("rate limit class %q: quota must be positive, got %d", name, class.Quota)
		}
		if class.WindowSeconds <= 0 {
			return fmt.Errorf("rate limit class %q: window_seconds must be positive, got %d", name, class.WindowSeconds)
		}
	}
	if c.Session.IdleTimeoutSeconds <= 0 {
		return fmt.Errorf("session idle_timeout_seconds must be positive, got %d", c.Session.IdleTimeoutSeconds)
	}
	if c.Session.MaxLifetimeSeconds < c.Session.IdleTimeoutSeconds {
		return fmt.Errorf("session max_lifetime_seconds (%d) must be >= idle_timeout_seconds (%d)",
			c.Session.MaxLifetimeSeconds, c.Session.IdleTimeoutSeconds)
	}
	if c.Session.MaxActivePerUser <= 0 {
		return fmt.Errorf("session max_active_per_user must be positive, got %d", c.Session.MaxActivePerUser)
	}
	if c.Privacy.RetentionDays <= 0 {
		return fmt.Errorf("privacy retention_days must be positive, got %d", c.Privacy.RetentionDays)
	}
	return nil
}

// getEnv retrieves an environment variable with a fallback default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
