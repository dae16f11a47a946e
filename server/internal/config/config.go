package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/zhaobenny/callcost/internal/model"
	"github.com/zhaobenny/callcost/internal/pricing"
)

// Config holds the server configuration
type Config struct {
	Port          string           `koanf:"port"`
	DBPath        string           `koanf:"db_path"`
	LogLevel      string           `koanf:"log_level"`
	SecureCookies bool             `koanf:"secure_cookies"`
	RateLimit     RateLimit        `koanf:"rate_limit"`
	Retention     Retention        `koanf:"retention"`
	Prices        model.PriceTable `koanf:"prices"`
}

// RateLimit configures per-IP limits on the auth and API routes
type RateLimit struct {
	PerSecond float64 `koanf:"per_second"`
	Burst     int     `koanf:"burst"`
}

// Retention configures scheduled pruning of old calls
type Retention struct {
	Days     int    `koanf:"days"`     // 0 keeps calls forever
	Schedule string `koanf:"schedule"` // cron expression
}

// Default returns the configuration used when no file is present
func Default() Config {
	return Config{
		Port:     "8080",
		DBPath:   "./callcost.db",
		LogLevel: "info",
		RateLimit: RateLimit{
			PerSecond: 5,
			Burst:     20,
		},
		Retention: Retention{
			Schedule: "0 3 * * *",
		},
		Prices: pricing.Default(),
	}
}

// Load reads the YAML config at path over the defaults, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			k := koanf.New(".")
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
			}
			if err := k.Unmarshal("", &cfg); err != nil {
				return cfg, fmt.Errorf("failed to decode config %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later at runtime
func (c Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port must be set")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path must be set")
	}
	if c.Retention.Days < 0 {
		return fmt.Errorf("retention.days must not be negative")
	}
	if c.RateLimit.PerSecond <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate_limit.per_second and rate_limit.burst must be positive")
	}
	if err := pricing.Validate(c.Prices); err != nil {
		return fmt.Errorf("invalid prices: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.DBPath = getEnv("DB_PATH", cfg.DBPath)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	if v := os.Getenv("RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil {
			cfg.Retention.Days = days
		}
	}
	if v := os.Getenv("SECURE_COOKIES"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.SecureCookies = b
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
