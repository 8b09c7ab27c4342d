package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Caps          CapsConfig          `toml:"caps"`
	Models        ModelsConfig        `toml:"models"`
	RateLimits    RateLimitsConfig    `toml:"rate_limits"`
	Repos         map[string]string   `toml:"repos"` // project key -> repo key
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath        string `toml:"database_path"`
	CheckoutDir         string `toml:"checkout_dir"`
	IssuesRepo          string `toml:"issues_repo"` // owner/repo holding the tracked issues
	PollIntervalSeconds int    `toml:"poll_interval_seconds"`
	StaleSweepCron      string `toml:"stale_sweep_cron"`
	BuildCommand        string `toml:"build_command"`
	LintCommand         string `toml:"lint_command"`
}

// CapsConfig holds the safety caps. These are deployment-dependent and are
// therefore configuration, not constants; they can be hot-reloaded.
type CapsConfig struct {
	MaxChildrenPerParent int `toml:"max_children_per_parent"`
	MaxFixAttempts       int `toml:"max_fix_attempts"`
	StaleTimeoutMinutes  int `toml:"stale_timeout_minutes"`
	EscalateAfterAttempt int `toml:"escalate_after_attempt"`
	MaxConcurrentPerRepo int `toml:"max_concurrent_per_repo"`
}

// ModelsConfig holds generation service settings
type ModelsConfig struct {
	Primary         string `toml:"primary"`
	Secondary       string `toml:"secondary"`
	MaxTokens       int    `toml:"max_tokens"`
	AnthropicKeyEnv string `toml:"anthropic_key_env"`
	OpenAIKeyEnv    string `toml:"openai_key_env"`
}

// RateLimitsConfig holds per-service token budgets in tokens per minute
type RateLimitsConfig struct {
	Tracker        int `toml:"tracker"`
	VCSHost        int `toml:"vcs_host"`
	ModelPrimary   int `toml:"model_primary"`
	ModelSecondary int `toml:"model_secondary"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds admin server settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath:        filepath.Join(home, ".issuepilot", "issuepilot.db"),
			CheckoutDir:         filepath.Join(home, ".issuepilot", "checkouts"),
			PollIntervalSeconds: 5,
			StaleSweepCron:      "*/5 * * * *",
			BuildCommand:        "make build",
			LintCommand:         "make lint",
		},
		Caps: CapsConfig{
			MaxChildrenPerParent: 50,
			MaxFixAttempts:       3,
			StaleTimeoutMinutes:  30,
			EscalateAfterAttempt: 2,
			MaxConcurrentPerRepo: 1,
		},
		Models: ModelsConfig{
			Primary:         "claude-sonnet-4-20250514",
			Secondary:       "gpt-4.1",
			MaxTokens:       16000,
			AnthropicKeyEnv: "ANTHROPIC_API_KEY",
			OpenAIKeyEnv:    "OPENAI_API_KEY",
		},
		RateLimits: RateLimitsConfig{
			Tracker:        120,
			VCSHost:        60,
			ModelPrimary:   100000,
			ModelSecondary: 60000,
		},
		Repos: map[string]string{},
		Notifications: NotificationsConfig{
			Desktop: true,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.CheckoutDir = ExpandPath(cfg.General.CheckoutDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects cap settings that would disable the circuit breakers
func (c *Config) Validate() error {
	if c.Caps.MaxChildrenPerParent <= 0 {
		return fmt.Errorf("caps.max_children_per_parent must be positive, got %d", c.Caps.MaxChildrenPerParent)
	}
	if c.Caps.MaxFixAttempts <= 0 {
		return fmt.Errorf("caps.max_fix_attempts must be positive, got %d", c.Caps.MaxFixAttempts)
	}
	if c.Caps.StaleTimeoutMinutes <= 0 {
		return fmt.Errorf("caps.stale_timeout_minutes must be positive, got %d", c.Caps.StaleTimeoutMinutes)
	}
	if c.Caps.EscalateAfterAttempt < 1 || c.Caps.EscalateAfterAttempt > c.Caps.MaxFixAttempts {
		return fmt.Errorf("caps.escalate_after_attempt must be in [1, %d], got %d",
			c.Caps.MaxFixAttempts, c.Caps.EscalateAfterAttempt)
	}
	if c.Caps.MaxConcurrentPerRepo <= 0 {
		return fmt.Errorf("caps.max_concurrent_per_repo must be positive, got %d", c.Caps.MaxConcurrentPerRepo)
	}
	return nil
}

// RepoForProject resolves the repository key for a project. A missing
// mapping is a configuration error: the run must be blocked, not retried.
func (c *Config) RepoForProject(projectKey string) (string, error) {
	repo, ok := c.Repos[projectKey]
	if !ok || repo == "" {
		return "", fmt.Errorf("no repository mapped for project %q", projectKey)
	}
	return repo, nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "issuepilot", "config.toml")
}
