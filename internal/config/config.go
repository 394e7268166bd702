// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or a ".env" file in the working directory, loaded with the same
// defaults-then-validate shape the teacher repo uses.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	Host string
	Port int

	LogLevel string

	// Per-provider secrets, read once at startup as the env-var fallback for
	// the route table — the persisted store (if reachable) takes precedence.
	AnthropicAPIKey string
	GeminiAPIKey    string
	OpenAIAPIKey    string
	AzureAPIKey     string
	AzureResource   string

	Redis    RedisConfig
	Database DatabaseConfig

	EnableCaching   bool
	CacheTTL        time.Duration

	MasterKey string

	JWTSecret      string
	JWTExpiryHours int

	RequireAuth bool

	GitHubClientID     string
	GitHubClientSecret string
	OAuthRedirectURL   string
	FrontendURL        string

	AllowedEmailDomains []string
}

// RedisConfig holds the connection URL for the shared key/value store backing
// the response cache, the rate gate, and the auth cache.
type RedisConfig struct {
	URL string
}

// DatabaseConfig holds the Postgres connection string for the relational store.
type DatabaseConfig struct {
	URL string
}

// Load reads configuration from environment variables and an optional ".env"
// file in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("ENABLE_CACHING", true)
	v.SetDefault("CACHE_TTL_SECONDS", 3600)
	v.SetDefault("JWT_EXPIRY_HOURS", 168)
	v.SetDefault("REQUIRE_AUTH", true)

	cfg := &Config{
		Host:     v.GetString("HOST"),
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		AnthropicAPIKey: v.GetString("ANTHROPIC_API_KEY"),
		GeminiAPIKey:    v.GetString("GEMINI_API_KEY"),
		OpenAIAPIKey:    v.GetString("OPENAI_API_KEY"),
		AzureAPIKey:     v.GetString("AZURE_API_KEY"),
		AzureResource:   v.GetString("AZURE_RESOURCE_NAME"),

		Redis:    RedisConfig{URL: v.GetString("REDIS_URL")},
		Database: DatabaseConfig{URL: v.GetString("DATABASE_URL")},

		EnableCaching: v.GetBool("ENABLE_CACHING"),
		CacheTTL:      time.Duration(v.GetInt("CACHE_TTL_SECONDS")) * time.Second,

		MasterKey: v.GetString("INFERXGATE_MASTER_KEY"),

		JWTSecret:      v.GetString("JWT_SECRET"),
		JWTExpiryHours: v.GetInt("JWT_EXPIRY_HOURS"),

		RequireAuth: v.GetBool("REQUIRE_AUTH"),

		GitHubClientID:     v.GetString("GITHUB_CLIENT_ID"),
		GitHubClientSecret: v.GetString("GITHUB_CLIENT_SECRET"),
		OAuthRedirectURL:   v.GetString("OAUTH_REDIRECT_URL"),
		FrontendURL:        v.GetString("FRONTEND_URL"),

		AllowedEmailDomains: splitCSV(v.GetString("ALLOWED_EMAIL_DOMAINS")),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks the semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.Database.URL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}

	if c.JWTSecret == "" {
		return fmt.Errorf("config: JWT_SECRET is required")
	}
	if len(c.JWTSecret) < 16 {
		return fmt.Errorf("config: JWT_SECRET must be at least 16 bytes")
	}

	if c.MasterKey != "" && !strings.HasPrefix(c.MasterKey, "sk-") {
		return fmt.Errorf("config: INFERXGATE_MASTER_KEY must start with \"sk-\"")
	}

	return nil
}

// splitCSV splits a comma-separated env var into a trimmed, non-empty slice.
func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
