// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir        string // Base directory for all databases (always absolute)
	PolicyPath     string // Path to the policy YAML document
	Port           int
	DevMode        bool
	LogLevel       string
	RedisAddr      string // empty = in-memory store
	RedisPassword  string
	RedisDB        int
	DemoMode       bool // suggestions carry demo flag, execution is simulated
	OracleFeedURL  string
	BackupEnabled  bool
	BackupEndpoint string // S3-compatible endpoint for audit-trail archives
	BackupBucket   string
	BackupRegion   string
	BackupKeyID    string
	BackupSecret   string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("AUTOPILOT_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	policyPath := getEnv("AUTOPILOT_POLICY_PATH", "")
	if policyPath == "" {
		policyPath = filepath.Join(absDataDir, "policy.yaml")
	}

	cfg := &Config{
		DataDir:        absDataDir,
		PolicyPath:     policyPath,
		Port:           getEnvAsInt("AUTOPILOT_PORT", 8002),
		DevMode:        getEnvAsBool("DEV_MODE", false),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		RedisAddr:      getEnv("REDIS_ADDR", ""),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:        getEnvAsInt("REDIS_DB", 0),
		DemoMode:       getEnvAsBool("DEMO_MODE", true),
		OracleFeedURL:  getEnv("ORACLE_FEED_URL", ""),
		BackupEnabled:  getEnvAsBool("AUDIT_BACKUP_ENABLED", false),
		BackupEndpoint: getEnv("AUDIT_BACKUP_ENDPOINT", ""),
		BackupBucket:   getEnv("AUDIT_BACKUP_BUCKET", ""),
		BackupRegion:   getEnv("AUDIT_BACKUP_REGION", "auto"),
		BackupKeyID:    getEnv("AUDIT_BACKUP_KEY_ID", ""),
		BackupSecret:   getEnv("AUDIT_BACKUP_SECRET", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.BackupEnabled {
		if c.BackupEndpoint == "" || c.BackupBucket == "" || c.BackupKeyID == "" || c.BackupSecret == "" {
			return fmt.Errorf("audit backup enabled but endpoint, bucket, or credentials missing")
		}
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
