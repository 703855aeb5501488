/**
 * Configuration for OCRGateway Worker
 *
 * Loads configuration from environment variables matching .env.nexus
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Queue driver names accepted by QUEUE_DRIVER
const (
	QueueDriverRedis = "redis"
	QueueDriverAsynq = "asynq"
)

// Config holds worker configuration
type Config struct {
	// Redis configuration
	RedisURL    string
	QueueDriver string
	QueueName   string

	// PostgreSQL configuration
	DatabaseURL string

	// Qdrant vector database configuration
	QdrantURL        string
	QdrantCollection string

	// API keys
	VoyageAPIKey string

	// OCR provider configuration
	OCRBaseURL string
	OCRAPIKey  string
	OCRModelID string

	// Local admission control (sliding window)
	OCRMaxRequests int
	OCRWindowMs    int64

	// Retry/backoff configuration
	OCRMaxRetries        int
	OCRBaseDelayMs       int64
	OCRBackoffMultiplier float64
	OCRMaxDelayMs        int64

	// User-facing message templates
	RateLimitMessage        string
	GenericUpstreamMessage  string
	RetriesExhaustedMessage string

	// Worker configuration
	WorkerConcurrency  int
	DispatchRatePerSec float64
	JobTimeoutSeconds  int

	// Tesseract fallback tier
	TesseractFallbackEnabled bool
	TesseractLanguages       []string

	// Webhook callback (empty disables the default callback)
	CallbackURL string

	// Log level
	LogLevel string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisURL:         getEnvOrDefault("REDIS_URL", "redis://nexus-redis:6379"),
		QueueDriver:      strings.ToLower(getEnvOrDefault("QUEUE_DRIVER", QueueDriverRedis)),
		QueueName:        getEnvOrDefault("QUEUE_NAME", "ocrgateway:jobs"),
		DatabaseURL:      getEnvOrThrow("DATABASE_URL"),
		QdrantURL:        getEnvOrDefault("QDRANT_URL", "nexus-qdrant:6334"),
		QdrantCollection: getEnvOrDefault("QDRANT_COLLECTION", "ocrgateway_text"),
		VoyageAPIKey:     getEnvOrDefault("VOYAGE_API_KEY", ""),

		OCRBaseURL: getEnvOrThrow("OCR_API_BASE_URL"),
		OCRAPIKey:  getEnvOrDefault("OCR_API_KEY", ""),
		OCRModelID: getEnvOrDefault("OCR_MODEL_ID", "nanonets/Nanonets-OCR2-7B"),

		OCRMaxRequests:       getEnvAsIntOrDefault("OCR_MAX_REQUESTS", 10),
		OCRWindowMs:          getEnvAsInt64OrDefault("OCR_WINDOW_MS", 60000),
		OCRMaxRetries:        getEnvAsIntOrDefault("OCR_MAX_RETRIES", 3),
		OCRBaseDelayMs:       getEnvAsInt64OrDefault("OCR_BASE_DELAY_MS", 1000),
		OCRBackoffMultiplier: getEnvAsFloatOrDefault("OCR_BACKOFF_MULTIPLIER", 2.0),
		OCRMaxDelayMs:        getEnvAsInt64OrDefault("OCR_MAX_DELAY_MS", 10000),

		RateLimitMessage: getEnvOrDefault("OCR_RATE_LIMIT_MESSAGE",
			"OCR rate limit reached. Try again in %d seconds."),
		GenericUpstreamMessage: getEnvOrDefault("OCR_GENERIC_ERROR_MESSAGE",
			"The OCR service returned an error with no details (HTTP %d)."),
		RetriesExhaustedMessage: getEnvOrDefault("OCR_RETRIES_EXHAUSTED_MESSAGE",
			"OCR request failed after %d attempts: max retries exceeded."),

		WorkerConcurrency:  getEnvAsIntOrDefault("WORKER_CONCURRENCY", 5),
		DispatchRatePerSec: getEnvAsFloatOrDefault("WORKER_DISPATCH_RATE", 8),
		JobTimeoutSeconds:  getEnvAsIntOrDefault("JOB_TIMEOUT_SECONDS", 300),

		TesseractFallbackEnabled: getEnvAsBoolOrDefault("TESSERACT_FALLBACK_ENABLED", true),
		TesseractLanguages:       getEnvAsListOrDefault("TESSERACT_LANGUAGES", []string{"eng"}),

		CallbackURL: getEnvOrDefault("CALLBACK_URL", ""),
		LogLevel:    getEnvOrDefault("LOG_LEVEL", "info"),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.OCRBaseURL == "" {
		return fmt.Errorf("OCR_API_BASE_URL is required")
	}

	if c.QueueDriver != QueueDriverRedis && c.QueueDriver != QueueDriverAsynq {
		return fmt.Errorf("QUEUE_DRIVER must be %q or %q, got %q", QueueDriverRedis, QueueDriverAsynq, c.QueueDriver)
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.OCRMaxRequests < 1 {
		return fmt.Errorf("OCR_MAX_REQUESTS must be at least 1, got %d", c.OCRMaxRequests)
	}

	if c.OCRWindowMs < 100 {
		return fmt.Errorf("OCR_WINDOW_MS must be at least 100, got %d", c.OCRWindowMs)
	}

	if c.OCRMaxRetries < 0 || c.OCRMaxRetries > 10 {
		return fmt.Errorf("OCR_MAX_RETRIES must be between 0 and 10, got %d", c.OCRMaxRetries)
	}

	if c.OCRBaseDelayMs < 0 {
		return fmt.Errorf("OCR_BASE_DELAY_MS must not be negative, got %d", c.OCRBaseDelayMs)
	}

	if c.OCRBackoffMultiplier < 1.0 {
		return fmt.Errorf("OCR_BACKOFF_MULTIPLIER must be at least 1.0, got %g", c.OCRBackoffMultiplier)
	}

	if c.OCRMaxDelayMs < c.OCRBaseDelayMs {
		return fmt.Errorf("OCR_MAX_DELAY_MS must be at least OCR_BASE_DELAY_MS, got %d < %d", c.OCRMaxDelayMs, c.OCRBaseDelayMs)
	}

	if c.DispatchRatePerSec < 0 {
		return fmt.Errorf("WORKER_DISPATCH_RATE must not be negative, got %g", c.DispatchRatePerSec)
	}

	if c.JobTimeoutSeconds < 1 || c.JobTimeoutSeconds > 3600 {
		return fmt.Errorf("JOB_TIMEOUT_SECONDS must be between 1 and 3600, got %d", c.JobTimeoutSeconds)
	}

	return nil
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrThrow gets environment variable or panics
func getEnvOrThrow(key string) string {
	value := os.Getenv(key)
	if value == "" {
		panic(fmt.Sprintf("Required environment variable %s is not set", key))
	}
	return value
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsInt64OrDefault gets environment variable as int64 or returns default
func getEnvAsInt64OrDefault(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsFloatOrDefault gets environment variable as float64 or returns default
func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsListOrDefault gets environment variable as a comma-separated list or returns default
func getEnvAsListOrDefault(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	parts := strings.Split(valueStr, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			values = append(values, part)
		}
	}

	if len(values) == 0 {
		return defaultValue
	}

	return values
}

// getEnvAsBoolOrDefault gets environment variable as bool or returns default
func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}
