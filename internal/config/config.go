package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config contains server configuration parameters.
type Config struct {
	Addr        string `env:"API_ADDR" envDefault:":8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	// APIKey is the pre-shared secret clients present as a bearer token.
	// APIKeyHash, when set, takes precedence and holds a bcrypt hash of
	// the key so the plaintext never has to live in the environment.
	APIKey     string `env:"API_KEY"`
	APIKeyHash string `env:"API_KEY_HASH"`
	CORSOrigin string `env:"CORS_ORIGIN" envDefault:"*"`
	// RedisURL enables the request rate limiter when non-empty.
	RedisURL        string        `env:"REDIS_URL"`
	RateLimit       int           `env:"RATE_LIMIT" envDefault:"240"`
	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
	LogLevel        int           `env:"LOG_LEVEL" envDefault:"0"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.APIKey == "" && cfg.APIKeyHash == "" {
		return nil, fmt.Errorf("either API_KEY or API_KEY_HASH must be set")
	}
	return &cfg, nil
}
