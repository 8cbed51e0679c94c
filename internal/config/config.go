// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for the database and downloads (always absolute)
	LogLevel string
	Port     int
	DevMode  bool

	// Provider credentials
	FinnhubAPIKey    string
	TwelveDataAPIKey string

	// Symbols refreshed by the scheduler and by batch commands without
	// explicit symbol arguments.
	Watchlist []string

	// Ingestion strategy thresholds
	StockIncrementalThresholdDays int // incremental vs bulk cutoff
	FinancialRefreshDays          int // skip financial refresh when data is newer than this
	BatchDelaySeconds             int // inter-symbol delay in batch downloads
	DefaultStartDate              string

	Backup *BackupConfig
}

// BackupConfig holds S3-compatible backup settings.
// Backups are disabled when Bucket is empty.
type BackupConfig struct {
	Bucket        string
	Endpoint      string // S3-compatible endpoint URL (empty for AWS)
	Region        string
	AccessKey     string
	SecretKey     string
	Prefix        string
	RetentionDays int
	MinKeep       int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("FOLIO_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	// Always resolve to absolute path
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Port:     getEnvAsInt("GO_PORT", 8001),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		// FINNHUB_TOKEN is accepted as a legacy alias for FINNHUB_API_KEY.
		FinnhubAPIKey:    getEnv("FINNHUB_API_KEY", getEnv("FINNHUB_TOKEN", "")),
		TwelveDataAPIKey: getEnv("TWELVE_DATA_API_KEY", ""),

		Watchlist: splitSymbols(getEnv("WATCHLIST", "")),

		StockIncrementalThresholdDays: getEnvAsInt("STOCK_INCREMENTAL_THRESHOLD_DAYS", 100),
		FinancialRefreshDays:          getEnvAsInt("FINANCIAL_REFRESH_DAYS", 90),
		BatchDelaySeconds:             getEnvAsInt("BATCH_DELAY_SECONDS", 2),
		DefaultStartDate:              getEnv("DEFAULT_START_DATE", "2000-01-01"),

		Backup: loadBackupConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DatabasePath returns the path of the main database file.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "folio.db")
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.StockIncrementalThresholdDays <= 0 {
		return fmt.Errorf("STOCK_INCREMENTAL_THRESHOLD_DAYS must be positive")
	}
	if c.FinancialRefreshDays <= 0 {
		return fmt.Errorf("FINANCIAL_REFRESH_DAYS must be positive")
	}
	// Provider keys are optional: Stooq needs none, and Finnhub-backed
	// paths fail per-symbol with a clear error when the key is missing.
	return nil
}

// splitSymbols parses a comma-separated symbol list, trimming and
// uppercasing each entry.
func splitSymbols(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	symbols := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p != "" {
			symbols = append(symbols, p)
		}
	}
	return symbols
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

// loadBackupConfig loads backup settings; disabled unless FOLIO_S3_BUCKET is set.
func loadBackupConfig() *BackupConfig {
	return &BackupConfig{
		Bucket:        getEnv("FOLIO_S3_BUCKET", ""),
		Endpoint:      getEnv("FOLIO_S3_ENDPOINT", ""),
		Region:        getEnv("FOLIO_S3_REGION", "auto"),
		AccessKey:     getEnv("FOLIO_S3_ACCESS_KEY", ""),
		SecretKey:     getEnv("FOLIO_S3_SECRET_KEY", ""),
		Prefix:        getEnv("FOLIO_S3_PREFIX", "backups"),
		RetentionDays: getEnvAsInt("FOLIO_S3_RETENTION_DAYS", 30),
		MinKeep:       getEnvAsInt("FOLIO_S3_MIN_KEEP", 3),
	}
}
