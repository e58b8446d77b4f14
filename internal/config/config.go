// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Analysis operation modes.
const (
	AnalysisModeMock = "mock"
	AnalysisModeHTTP = "http"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	// IdleTimeout is how long a session may sit untouched before the
	// watchdog aborts it. Zero disables the watchdog.
	IdleTimeout time.Duration

	Analysis AnalysisConfig
}

// AnalysisConfig controls how analysis jobs are executed.
type AnalysisConfig struct {
	// Mode selects the backend: "mock" runs the built-in staged service,
	// "http" talks to a real service at BaseURL.
	Mode         string
	BaseURL      string
	PollInterval time.Duration
	Timeout      time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/screening.db"),
		IdleTimeout: time.Duration(getEnvInt("SESSION_IDLE_TIMEOUT_MIN", 15)) * time.Minute,
		Analysis: AnalysisConfig{
			Mode:         strings.ToLower(getEnv("ANALYSIS_MODE", AnalysisModeMock)),
			BaseURL:      getEnv("ANALYSIS_BASE_URL", ""),
			PollInterval: time.Duration(getEnvInt("ANALYSIS_POLL_INTERVAL_MS", 500)) * time.Millisecond,
			Timeout:      time.Duration(getEnvInt("ANALYSIS_TIMEOUT_MS", 10000)) * time.Millisecond,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT_MIN cannot be negative")
	}
	switch c.Analysis.Mode {
	case AnalysisModeMock:
	case AnalysisModeHTTP:
		if c.Analysis.BaseURL == "" {
			return fmt.Errorf("ANALYSIS_BASE_URL is required when ANALYSIS_MODE=http")
		}
	default:
		return fmt.Errorf("ANALYSIS_MODE must be %q or %q", AnalysisModeMock, AnalysisModeHTTP)
	}
	if c.Analysis.PollInterval <= 0 {
		return fmt.Errorf("ANALYSIS_POLL_INTERVAL_MS must be > 0")
	}
	if c.Analysis.Timeout <= 0 {
		return fmt.Errorf("ANALYSIS_TIMEOUT_MS must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}
