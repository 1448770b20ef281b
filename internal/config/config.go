package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// HTTP Server
	Port string

	// Remote API
	APIURL     string
	APITimeout time.Duration

	// Client storage
	StorageBackend string
	StoragePath    string

	// Logging
	LogLevel string

	// Dashboard
	SummaryCacheTTL        time.Duration
	DefaultBudgetLimit     float64
	DefaultBudgetThreshold float64

	// AMQP fallback events (optional)
	AMQPURL        string
	AMQPExchange   string
	AMQPRoutingKey string
}

func Load() *Config {
	return &Config{
		Port: getEnv("PORT", "8081"),

		APIURL:     getEnv("API_URL", ""),
		APITimeout: getEnvDuration("API_TIMEOUT", 0),

		StorageBackend: getEnv("STORAGE_BACKEND", "sqlite"),
		StoragePath:    getEnv("STORAGE_PATH", "./data/fintrack.db"),

		LogLevel: getEnv("LOG_LEVEL", "info"),

		SummaryCacheTTL:        getEnvDuration("SUMMARY_CACHE_TTL", 30*time.Second),
		DefaultBudgetLimit:     getEnvFloat("DEFAULT_BUDGET_LIMIT", 50),
		DefaultBudgetThreshold: getEnvFloat("DEFAULT_BUDGET_THRESHOLD", 90),

		AMQPURL:        getEnv("AMQP_URL", ""),
		AMQPExchange:   getEnv("AMQP_EXCHANGE", "fintrack"),
		AMQPRoutingKey: getEnv("AMQP_ROUTING_KEY", "transactions.fallback"),
	}
}

// APIBase returns the API URL without its trailing slash.
func (c *Config) APIBase() string {
	return strings.TrimRight(c.APIURL, "/")
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	if c.APIURL == "" {
		errors = append(errors, "API_URL is required")
	} else if u, err := url.Parse(c.APIURL); err != nil {
		errors = append(errors, fmt.Sprintf("invalid API URL '%s': %v", c.APIURL, err))
	} else if u.Scheme != "http" && u.Scheme != "https" {
		errors = append(errors, fmt.Sprintf("invalid API URL scheme '%s': must be 'http' or 'https'", u.Scheme))
	} else if u.Host == "" {
		errors = append(errors, fmt.Sprintf("invalid API URL '%s': missing host", c.APIURL))
	}

	if c.APITimeout < 0 {
		errors = append(errors, fmt.Sprintf("invalid API timeout %v: must not be negative", c.APITimeout))
	}

	validBackends := []string{"memory", "sqlite"}
	isValidBackend := false
	for _, backend := range validBackends {
		if c.StorageBackend == backend {
			isValidBackend = true
			break
		}
	}
	if !isValidBackend {
		errors = append(errors, fmt.Sprintf("invalid storage backend '%s': must be one of %v", c.StorageBackend, validBackends))
	}

	if c.StorageBackend == "sqlite" {
		if c.StoragePath == "" {
			errors = append(errors, "storage path cannot be empty when using sqlite backend")
		} else {
			dir := filepath.Dir(c.StoragePath)
			if dir != "." && dir != "" {
				if _, err := os.Stat(dir); os.IsNotExist(err) {
					if err := os.MkdirAll(dir, 0755); err != nil {
						errors = append(errors, fmt.Sprintf("cannot create storage directory '%s': %v", dir, err))
					}
				}
			}
		}
	}

	if c.SummaryCacheTTL < 0 {
		errors = append(errors, fmt.Sprintf("invalid summary cache TTL %v: must not be negative", c.SummaryCacheTTL))
	}
	if c.DefaultBudgetLimit <= 0 {
		errors = append(errors, fmt.Sprintf("invalid default budget limit %v: must be positive", c.DefaultBudgetLimit))
	}
	if c.DefaultBudgetThreshold <= 0 || c.DefaultBudgetThreshold > 100 {
		errors = append(errors, fmt.Sprintf("invalid default budget threshold %v: must be between 0 and 100", c.DefaultBudgetThreshold))
	}

	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPRoutingKey == "" {
			errors = append(errors, "AMQP routing key cannot be empty when AMQP URL is provided")
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
