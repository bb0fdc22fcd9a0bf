// Package config loads process-level configuration for the scrapecore
// daemon from environment variables, following the teacher's own
// flag/env.Getenv idiom (no config-file or viper-style library is used
// anywhere in the retrieval pack for this concern).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the process-wide configuration for cmd/scrapecored.
type Config struct {
	HTTPAddr string

	PostgresDSN string
	RedisAddr   string
	RedisDB     int

	RodControlURL string

	// Session defaults, overridable per StartSession request per spec.md §6.
	DefaultMaxTowns             int
	DefaultMaxIndustries        int
	DefaultEnableCaptchaDetect  bool
	DefaultBatchSize            int
	DefaultNavigationBaseDelay  time.Duration
	DefaultNavigationMaxRetries int
	DefaultProviderCacheTTLDays int
	DefaultWorkerMemSoftCapMb   int

	AbandonmentSweepInterval time.Duration
}

// Load builds a Config from the environment, applying the spec's documented
// defaults (§6) for anything unset.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:                    getenv("SCRAPECORE_HTTP_ADDR", ":8080"),
		PostgresDSN:                 os.Getenv("SCRAPECORE_POSTGRES_DSN"),
		RedisAddr:                   getenv("SCRAPECORE_REDIS_ADDR", "localhost:6379"),
		RodControlURL:               os.Getenv("SCRAPECORE_ROD_CONTROL_URL"),
		DefaultMaxTowns:             2,
		DefaultMaxIndustries:        2,
		DefaultEnableCaptchaDetect:  false,
		DefaultBatchSize:            5,
		DefaultNavigationBaseDelay:  2 * time.Second,
		DefaultNavigationMaxRetries: 3,
		DefaultProviderCacheTTLDays: 30,
		DefaultWorkerMemSoftCapMb:   512,
		AbandonmentSweepInterval:    time.Hour,
	}

	var err error
	if cfg.RedisDB, err = getenvInt("SCRAPECORE_REDIS_DB", 0); err != nil {
		return cfg, err
	}
	if cfg.DefaultMaxTowns, err = getenvInt("SCRAPECORE_DEFAULT_MAX_TOWNS", cfg.DefaultMaxTowns); err != nil {
		return cfg, err
	}
	if cfg.DefaultMaxIndustries, err = getenvInt("SCRAPECORE_DEFAULT_MAX_INDUSTRIES", cfg.DefaultMaxIndustries); err != nil {
		return cfg, err
	}
	if cfg.DefaultBatchSize, err = getenvInt("SCRAPECORE_DEFAULT_BATCH_SIZE", cfg.DefaultBatchSize); err != nil {
		return cfg, err
	}
	if cfg.DefaultNavigationMaxRetries, err = getenvInt("SCRAPECORE_NAVIGATION_MAX_RETRIES", cfg.DefaultNavigationMaxRetries); err != nil {
		return cfg, err
	}
	if cfg.DefaultProviderCacheTTLDays, err = getenvInt("SCRAPECORE_PROVIDER_CACHE_TTL_DAYS", cfg.DefaultProviderCacheTTLDays); err != nil {
		return cfg, err
	}
	if cfg.DefaultWorkerMemSoftCapMb, err = getenvInt("SCRAPECORE_WORKER_MEM_SOFT_CAP_MB", cfg.DefaultWorkerMemSoftCapMb); err != nil {
		return cfg, err
	}
	if v := os.Getenv("SCRAPECORE_ENABLE_CAPTCHA_DETECTION"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("SCRAPECORE_ENABLE_CAPTCHA_DETECTION: %w", err)
		}
		cfg.DefaultEnableCaptchaDetect = b
	}

	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
