package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Port         string
	DatabasePath string // SQLite file path (":memory:" allowed for tests)
	SessionDir   string // directory holding the single credential file

	// Encryption key for the session store: 32 bytes, hex-encoded (64 chars).
	// Required whenever a credential is saved encrypted; validated at call
	// time, never silently downgraded to plaintext.
	EncryptionKey string

	// Upstream usage export
	UsageExportURL string
	FetchTimeout   time.Duration

	// Raw blob retention: how many blobs of each kind to keep
	BlobRetentionCount int

	// Interval between scheduled ingestion runs
	IngestInterval time.Duration

	Environment string // "production" enables JSON logging
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	return &Config{
		Port:         getEnv("PORT", "3001"),
		DatabasePath: getEnv("DATABASE_PATH", "./usageledger.db"),
		SessionDir:   getEnv("SESSION_DIR", "./session"),

		EncryptionKey: getEnv("ENCRYPTION_MASTER_KEY", ""),

		UsageExportURL: getEnv("USAGE_EXPORT_URL", ""),
		FetchTimeout:   getDurationEnv("FETCH_TIMEOUT", 60*time.Second),

		BlobRetentionCount: getIntEnv("BLOB_RETENTION_COUNT", 30),
		IngestInterval:     getDurationEnv("INGEST_INTERVAL", 6*time.Hour),

		Environment: getEnv("ENVIRONMENT", "development"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
