package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the daemon configuration. It is constructed once at
// startup and treated as immutable afterwards; every component that
// needs a setting receives it explicitly.
type Config struct {
	ServerAddr string `toml:"server_addr"`

	// GitHub App credentials and webhook verification
	WebhookSecret        string `toml:"webhook_secret"`
	GitHubAppID          int64  `toml:"github_app_id"`
	GitHubPrivateKeyPath string `toml:"github_private_key_path"`
	GitHubAPIBase        string `toml:"github_api_base"` // empty = https://api.github.com
	BotLogin             string `toml:"bot_login"`
	StatusContext        string `toml:"status_context"`

	// LLM settings
	AnthropicAPIKey   string `toml:"anthropic_api_key"`
	Model             string `toml:"model"`
	LLMTimeoutSeconds int    `toml:"llm_timeout_seconds"`

	// Gate policy
	PassThreshold     float64 `toml:"pass_threshold"` // fraction, e.g. 0.80
	MaxDiffLines      int     `toml:"max_diff_lines"`
	MaxFilePatchLines int     `toml:"max_file_patch_lines"`

	// Rate limiting of LLM-invoking actions
	RateLimitWindowSeconds int `toml:"rate_limit_window_seconds"`
	RateLimitMaxCalls      int `toml:"rate_limit_max_calls"`

	// Delivery ledger retention
	LedgerRetentionHours int `toml:"ledger_retention_hours"`

	// Outbound status/comment retry policy
	StatusRetries int `toml:"status_retries"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		ServerAddr:             "127.0.0.1:8177",
		StatusContext:          "PR-Comprehension-Check",
		Model:                  "claude-sonnet-4-5",
		LLMTimeoutSeconds:      30,
		PassThreshold:          0.80,
		MaxDiffLines:           1000,
		MaxFilePatchLines:      500,
		RateLimitWindowSeconds: 60,
		RateLimitMaxCalls:      30,
		LedgerRetentionHours:   72,
		StatusRetries:          3,
	}
}

// DataDir returns the gated data directory.
// Uses GATED_DATA_DIR env var if set, otherwise ~/.gated
func DataDir() string {
	if dir := os.Getenv("GATED_DATA_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".gated")
}

// DefaultConfigPath returns the path to the config file
func DefaultConfigPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// LoadFrom loads the configuration from a specific path. A missing file
// yields the defaults; a present file is decoded over them.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail deep inside a
// request path.
func (c *Config) Validate() error {
	if c.PassThreshold <= 0 || c.PassThreshold > 1 {
		return fmt.Errorf("pass_threshold must be in (0, 1], got %v", c.PassThreshold)
	}
	if c.RateLimitWindowSeconds <= 0 {
		return fmt.Errorf("rate_limit_window_seconds must be positive, got %d", c.RateLimitWindowSeconds)
	}
	if c.RateLimitMaxCalls <= 0 {
		return fmt.Errorf("rate_limit_max_calls must be positive, got %d", c.RateLimitMaxCalls)
	}
	if c.LedgerRetentionHours <= 0 {
		return fmt.Errorf("ledger_retention_hours must be positive, got %d", c.LedgerRetentionHours)
	}
	return nil
}

// ThresholdBps returns the pass threshold in basis points (0.80 -> 8000).
// The gate compares scores with integer arithmetic so a score of exactly
// the threshold never flips to fail through float rounding.
func (c *Config) ThresholdBps() int {
	return int(math.Round(c.PassThreshold * 10000))
}

// LLMTimeout returns the per-call timeout for generation/grading calls.
func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutSeconds) * time.Second
}

// RateLimitWindow returns the sliding-window duration for LLM admission.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSeconds) * time.Second
}

// LedgerRetention returns how long processed delivery ids are kept.
func (c *Config) LedgerRetention() time.Duration {
	return time.Duration(c.LedgerRetentionHours) * time.Hour
}

// Save writes the configuration to the given path
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
