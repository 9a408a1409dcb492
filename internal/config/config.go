// Package config loads service configuration from the environment, with
// an optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds everything the server needs at startup.
type Config struct {
	Port        string
	DatabaseURL string // empty → in-memory store
	RedisURL    string // empty → no cache layer
	CacheTTL    time.Duration

	// Capital-gains parameters for the matching engine.
	ShortTermRate     decimal.Decimal
	LongTermRate      decimal.Decimal
	LongTermAfterDays int
}

// Load reads configuration from the environment. A .env file in the
// working directory is loaded first if present; real env vars win.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Port:              getenv("PORT", "8080"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		CacheTTL:          30 * time.Second,
		ShortTermRate:     decimal.NewFromFloat(0.25),
		LongTermRate:      decimal.NewFromFloat(0.125),
		LongTermAfterDays: 365,
	}

	if v := os.Getenv("CACHE_TTL"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid CACHE_TTL %q: %w", v, err)
		}
		cfg.CacheTTL = ttl
	}
	if v := os.Getenv("SHORT_TERM_RATE"); v != "" {
		rate, err := decimal.NewFromString(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid SHORT_TERM_RATE %q: %w", v, err)
		}
		cfg.ShortTermRate = rate
	}
	if v := os.Getenv("LONG_TERM_RATE"); v != "" {
		rate, err := decimal.NewFromString(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid LONG_TERM_RATE %q: %w", v, err)
		}
		cfg.LongTermRate = rate
	}
	if v := os.Getenv("LONG_TERM_AFTER_DAYS"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil || days <= 0 {
			return Config{}, fmt.Errorf("config: invalid LONG_TERM_AFTER_DAYS %q", v)
		}
		cfg.LongTermAfterDays = days
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
