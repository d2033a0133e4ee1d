// Package config содержит логику чтения конфигурации сервиса сверки.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultRunAddress      = "localhost:8080"
	defaultRefreshCooldown = 5 * time.Minute
	defaultPreviewTTL      = 24 * time.Hour
)

// Config содержит параметры конфигурации сервиса сверки.
type Config struct {
	RunAddress      string        `env:"RUN_ADDRESS"`
	DatabaseURI     string        `env:"DATABASE_URI"`
	RedisAddress    string        `env:"REDIS_ADDRESS"`
	AdminToken      string        `env:"ADMIN_TOKEN"`
	RefreshCooldown time.Duration `env:"REFRESH_COOLDOWN"`
	PreviewTTL      time.Duration `env:"PREVIEW_TTL"`
	CORSOrigins     string        `env:"CORS_ORIGINS"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами: заданная переменная перекрывает
// флаг даже нулевым значением, пустая считается незаданной.
func Parse() (*Config, error) {
	cfg := &Config{}

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, in-memory ledger when empty")
	flag.StringVar(&cfg.RedisAddress, "c", "", "redis address for preview cache, in-memory cache when empty")
	flag.StringVar(&cfg.AdminToken, "t", "", "operator token for administrative routes")
	flag.DurationVar(&cfg.RefreshCooldown, "cooldown", defaultRefreshCooldown, "minimal interval between background commits of one deposit")
	flag.DurationVar(&cfg.PreviewTTL, "ttl", defaultPreviewTTL, "expiry of cached previews in redis")
	flag.StringVar(&cfg.CORSOrigins, "cors", "*", "comma-separated allowed CORS origins")

	flag.Parse()

	// env.Parse трогает только поля с непустой переменной, значения флагов остаются для остальных.
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.RefreshCooldown < 0 {
		return nil, fmt.Errorf("refresh cooldown must not be negative: %s", cfg.RefreshCooldown)
	}
	if cfg.PreviewTTL < 0 {
		return nil, fmt.Errorf("preview ttl must not be negative: %s", cfg.PreviewTTL)
	}

	return cfg, nil
}

// AllowedOrigins возвращает список разрешённых CORS-источников.
func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
