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
	ModelName string // Name of the model to index (required)

	// Shared database (infrastructure: models, contracts, tokens, sources,
	// periods, block prices, canonical prices, pricing pool configs)
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string // Shared database name; the model database name comes from the model row

	// Chain access
	AvaxRPC string // HTTP(S) JSON-RPC endpoint for the Avalanche C-chain
	AvaxWS  string // Optional websocket endpoint for newHeads subscriptions

	// Object store holding prebuilt block-with-receipts payloads.
	// The bucket is addressed through the S3 XML API; for GCS the endpoint is
	// the interoperability host and the HMAC key pair comes from the env.
	ObjectStoreBucket    string
	ObjectStoreEndpoint  string
	ObjectStoreRegion    string
	ObjectStoreAccessKey string
	ObjectStoreSecretKey string

	ABIRoot string // Base directory for ABI files referenced by contract rows

	// Chainlink AVAX/USD aggregator used for block reference prices.
	ChainlinkAvaxUSD string

	GCPProjectID string // Enables the external secrets provider; empty = env vars only

	LogLevel string
	LogDir   string
	Port     int // Ops/health HTTP server port
	Workers  int // Worker pool size
	DevMode  bool
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		ModelName:            getEnv("INDEXER_MODEL_NAME", ""),
		DBHost:               getEnv("INDEXER_DB_HOST", "localhost"),
		DBPort:               getEnvAsInt("INDEXER_DB_PORT", 5432),
		DBUser:               getEnv("INDEXER_DB_USER", ""),
		DBPassword:           getEnv("INDEXER_DB_PASSWORD", ""),
		DBName:               getEnv("INDEXER_DB_NAME", "indexer_shared"),
		AvaxRPC:              getEnv("INDEXER_AVAX_RPC", ""),
		AvaxWS:               getEnv("INDEXER_AVAX_WS", ""),
		ObjectStoreBucket:    getEnv("INDEXER_GCS_BUCKET", ""),
		ObjectStoreEndpoint:  getEnv("INDEXER_OBJECT_STORE_ENDPOINT", "https://storage.googleapis.com"),
		ObjectStoreRegion:    getEnv("INDEXER_OBJECT_STORE_REGION", "auto"),
		ObjectStoreAccessKey: getEnv("INDEXER_OBJECT_STORE_ACCESS_KEY", ""),
		ObjectStoreSecretKey: getEnv("INDEXER_OBJECT_STORE_SECRET_KEY", ""),
		ABIRoot:              getEnv("INDEXER_ABI_ROOT", "abis"),
		ChainlinkAvaxUSD:     getEnv("INDEXER_CHAINLINK_AVAX_USD", "0x0A77230d17318075983913bC2145DB16C7366156"),
		GCPProjectID:         getEnv("INDEXER_GCP_PROJECT_ID", ""),
		LogLevel:             getEnv("INDEXER_LOG_LEVEL", "info"),
		LogDir:               getEnv("INDEXER_LOG_DIR", ""),
		Port:                 getEnvAsInt("GO_PORT", 8001),
		Workers:              getEnvAsInt("WORKERS", 3),
		DevMode:              getEnvAsBool("DEV_MODE", false),
	}

	// Resolve ABI root to an absolute path so lookups are independent of cwd
	absRoot, err := filepath.Abs(cfg.ABIRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve ABI root path: %w", err)
	}
	cfg.ABIRoot = absRoot

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.ModelName == "" {
		return fmt.Errorf("INDEXER_MODEL_NAME is required")
	}
	if c.AvaxRPC == "" {
		return fmt.Errorf("INDEXER_AVAX_RPC is required")
	}
	if c.Workers < 1 {
		return fmt.Errorf("WORKERS must be at least 1, got %d", c.Workers)
	}
	return nil
}

// SharedDSN returns the Postgres connection string for the shared database
func (c *Config) SharedDSN() string {
	return c.dsn(c.DBName)
}

// ModelDSN returns the Postgres connection string for a model database
func (c *Config) ModelDSN(modelDBName string) string {
	return c.dsn(modelDBName)
}

func (c *Config) dsn(dbname string) string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, dbname)
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
