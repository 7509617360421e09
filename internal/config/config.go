package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

// Config is the immutable, process-wide configuration loaded once at
// startup.
type Config struct {
	Port           string
	WebhookSecret  string
	StoreURL       string
	StoreKeyPrefix string
	DownstreamURL  string
	DownstreamKey  string
	DripInterval   int // milliseconds
	MaxBatchSize   int
	ResultTTLSecs  int
	CallbackMaxTry int
	CallbackTimeMs int
	CallbackDelay  int // milliseconds
	LeaseDurationS int
	IngressRPM     int
	LogLevel       string
}

// Load reads every environment variable from spec §6's configuration
// table, applying defaults, and fails fast with a descriptive error on
// the first missing required value, matching the teacher's
// CLAUDEGATE_API_KEYS check.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	cfg.WebhookSecret = getEnv("WEBHOOK_SECRET", "")
	if cfg.WebhookSecret == "" {
		return nil, errors.New("WEBHOOK_SECRET must not be empty")
	}

	cfg.StoreURL = getEnv("STORE_URL", "")
	if cfg.StoreURL == "" {
		return nil, errors.New("STORE_URL must not be empty")
	}
	cfg.StoreKeyPrefix = getEnv("STORE_KEY_PREFIX", "dripgate")

	cfg.DownstreamURL = getEnv("DOWNSTREAM_BASE_URL", "")
	if cfg.DownstreamURL == "" {
		return nil, errors.New("DOWNSTREAM_BASE_URL must not be empty")
	}

	cfg.DownstreamKey = getEnv("DOWNSTREAM_API_KEY", "")

	var err error
	if cfg.DripInterval, err = getEnvInt("DRIP_INTERVAL_MS", 10000); err != nil {
		return nil, fmt.Errorf("DRIP_INTERVAL_MS: %w", err)
	}
	if cfg.DripInterval < 1 {
		return nil, errors.New("DRIP_INTERVAL_MS must be > 0")
	}

	if cfg.MaxBatchSize, err = getEnvInt("MAX_BATCH_SIZE", 2000); err != nil {
		return nil, fmt.Errorf("MAX_BATCH_SIZE: %w", err)
	}
	if cfg.MaxBatchSize < 1 {
		return nil, errors.New("MAX_BATCH_SIZE must be > 0")
	}

	if cfg.ResultTTLSecs, err = getEnvInt("RESULT_TTL_SECONDS", 86400); err != nil {
		return nil, fmt.Errorf("RESULT_TTL_SECONDS: %w", err)
	}

	if cfg.CallbackMaxTry, err = getEnvInt("CALLBACK_MAX_RETRIES", 3); err != nil {
		return nil, fmt.Errorf("CALLBACK_MAX_RETRIES: %w", err)
	}
	if cfg.CallbackMaxTry < 1 {
		return nil, errors.New("CALLBACK_MAX_RETRIES must be > 0")
	}

	if cfg.CallbackTimeMs, err = getEnvInt("CALLBACK_TIMEOUT_MS", 10000); err != nil {
		return nil, fmt.Errorf("CALLBACK_TIMEOUT_MS: %w", err)
	}

	if cfg.CallbackDelay, err = getEnvInt("CALLBACK_RETRY_DELAY_MS", 1000); err != nil {
		return nil, fmt.Errorf("CALLBACK_RETRY_DELAY_MS: %w", err)
	}

	if cfg.LeaseDurationS, err = getEnvInt("LEASE_DURATION_SECONDS", 300); err != nil {
		return nil, fmt.Errorf("LEASE_DURATION_SECONDS: %w", err)
	}
	if cfg.LeaseDurationS < 1 {
		return nil, errors.New("LEASE_DURATION_SECONDS must be > 0")
	}

	if cfg.IngressRPM, err = getEnvInt("INGRESS_RATE_LIMIT_RPM", 100); err != nil {
		return nil, fmt.Errorf("INGRESS_RATE_LIMIT_RPM: %w", err)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}
