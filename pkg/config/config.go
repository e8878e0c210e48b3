// Copyright 2026 The Ceramic Anchor Service Authors

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the anchor service.
type Config struct {
	// Server Configuration
	ListenAddr  string
	MetricsAddr string
	HealthAddr  string

	// Database Configuration (URL-based, legacy)
	DatabaseURL         string
	DatabaseMaxConns    int
	DatabaseMinConns    int
	DatabaseMaxIdleTime int // seconds
	DatabaseMaxLifetime int // seconds
	DatabaseRequired    bool

	// Database Configuration (individual fields, kept for parity with deployment tooling)
	DBHost            string
	DBPort            int
	DBUser            string
	DBPassword        string
	DBName            string
	DBSSLMode         string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// Ethereum Configuration
	EthereumURL           string
	EthChainID            int64
	EthPrivateKey         string
	EthAccountAddress     string
	AnchorContractAddress string
	AnchorGasLimit        uint64

	// Service Configuration
	SchedulerID string
	LogLevel    string

	// Batch selection (spec §4.2)
	BatchMinSize       int
	BatchMaxSize       int
	BatchLingerSeconds int

	// Merkle construction (spec §4.5)
	MerkleDepthLimit int

	// Transaction coordinator (spec §4.8)
	MutexMaxAttempts           int
	MutexDelayMs               int
	TxnMaxSerializationRetries int

	// Blockchain submission (spec §4.7, §7)
	BlockchainSubmitRetries   int
	BlockchainSubmitBackoffMs int

	// Metadata service (spec §4.4)
	MetadataRetentionHours int
	MetadataMaxRetries     int

	// Request expiry sweep (ambient supplement)
	RequestExpiryHours int

	// Already-anchored candidate policy (spec §9 Open Question)
	AnchorAlreadyAnchoredCandidates bool

	// Blockstore (IPLD put/get capability)
	BlockstoreDir string

	// Security / rate limiting (ambient, carried regardless of pipeline Non-goals)
	JWTSecret         string
	CORSOrigins       []string
	RateLimitRequests int
	RateLimitWindow   int
}

// Load reads configuration from environment variables. Call Validate() after
// Load() before starting the service.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:  getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("API_PORT", "8080"),
		MetricsAddr: getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("METRICS_PORT", "9090"),
		HealthAddr:  getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("HEALTH_CHECK_PORT", "8081"),

		DatabaseURL:         getEnv("DATABASE_URL", ""),
		DatabaseMaxConns:    getEnvInt("DATABASE_MAX_CONNS", 25),
		DatabaseMinConns:    getEnvInt("DATABASE_MIN_CONNS", 5),
		DatabaseMaxIdleTime: getEnvInt("DATABASE_MAX_IDLE_TIME", 300),
		DatabaseMaxLifetime: getEnvInt("DATABASE_MAX_LIFETIME", 3600),
		DatabaseRequired:    getEnvBool("DATABASE_REQUIRED", true),

		DBHost:            getEnv("DB_HOST", "localhost"),
		DBPort:            getEnvInt("DB_PORT", 5432),
		DBUser:            getEnv("DB_USER", "cas"),
		DBPassword:        getEnv("DB_PASSWORD", ""),
		DBName:            getEnv("DB_NAME", "cas_anchor"),
		DBSSLMode:         getEnv("DB_SSL_MODE", "require"),
		DBMaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", time.Hour),

		EthereumURL:           getEnv("ETHEREUM_URL", ""),
		EthChainID:            getEnvInt64("ETH_CHAIN_ID", 11155111),
		EthPrivateKey:         getEnv("ETH_PRIVATE_KEY", ""),
		EthAccountAddress:     getEnv("ETH_ACCOUNT_ADDRESS", ""),
		AnchorContractAddress: getEnv("ANCHOR_CONTRACT_ADDRESS", ""),
		AnchorGasLimit:        uint64(getEnvInt("ANCHOR_GAS_LIMIT", 300000)),

		SchedulerID: getEnv("SCHEDULER_ID", "scheduler-default"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		BatchMinSize:       getEnvInt("BATCH_MIN_SIZE", 4),
		BatchMaxSize:       getEnvInt("BATCH_MAX_SIZE", 1024),
		BatchLingerSeconds: getEnvInt("BATCH_LINGER_SECONDS", 300),

		MerkleDepthLimit: getEnvInt("MERKLE_DEPTH_LIMIT", 10),

		MutexMaxAttempts:           getEnvInt("MUTEX_MAX_ATTEMPTS", 5),
		MutexDelayMs:               getEnvInt("MUTEX_DELAY_MS", 200),
		TxnMaxSerializationRetries: getEnvInt("TXN_MAX_SERIALIZATION_RETRIES", 5),

		BlockchainSubmitRetries:   getEnvInt("BLOCKCHAIN_SUBMIT_RETRIES", 3),
		BlockchainSubmitBackoffMs: getEnvInt("BLOCKCHAIN_SUBMIT_BACKOFF_MS", 500),

		MetadataRetentionHours: getEnvInt("METADATA_RETENTION_HOURS", 24*30),
		MetadataMaxRetries:     getEnvInt("METADATA_MAX_RETRIES", 3),

		RequestExpiryHours: getEnvInt("REQUEST_EXPIRY_HOURS", 24*7),

		AnchorAlreadyAnchoredCandidates: getEnvBool("ANCHOR_ALREADY_ANCHORED_CANDIDATES", true),

		BlockstoreDir: getEnv("BLOCKSTORE_DIR", "./data/blocks"),

		JWTSecret:         getEnv("JWT_SECRET", ""),
		CORSOrigins:       strings.Split(getEnv("CORS_ORIGINS", "http://localhost:3000"), ","),
		RateLimitRequests: getEnvInt("RATE_LIMIT_REQUESTS", 100),
		RateLimitWindow:   getEnvInt("RATE_LIMIT_WINDOW", 60),
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and internally
// consistent. It collects every violation before returning, rather than
// failing on the first one, so an operator can fix a misconfigured
// environment in a single pass.
func (c *Config) Validate() error {
	var errs []string

	if c.DatabaseURL == "" {
		errs = append(errs, "DATABASE_URL is required but not set")
	} else if strings.Contains(c.DatabaseURL, "sslmode=disable") && c.DatabaseRequired {
		errs = append(errs, "DATABASE_URL must not use sslmode=disable when DATABASE_REQUIRED is true")
	}

	if c.EthereumURL == "" {
		errs = append(errs, "ETHEREUM_URL is required but not set")
	}
	if c.EthPrivateKey == "" {
		errs = append(errs, "ETH_PRIVATE_KEY is required but not set")
	}
	if c.AnchorContractAddress == "" {
		errs = append(errs, "ANCHOR_CONTRACT_ADDRESS is required but not set")
	}

	if c.BatchMinSize <= 0 {
		errs = append(errs, "BATCH_MIN_SIZE must be positive")
	}
	if c.BatchMaxSize < c.BatchMinSize {
		errs = append(errs, "BATCH_MAX_SIZE must be >= BATCH_MIN_SIZE")
	}
	if c.MerkleDepthLimit < 1 {
		errs = append(errs, "MERKLE_DEPTH_LIMIT must be >= 1")
	}
	if maxLeaves := int64(1) << uint(c.MerkleDepthLimit); int64(c.BatchMaxSize) > maxLeaves {
		errs = append(errs, fmt.Sprintf("BATCH_MAX_SIZE (%d) must be <= 2^MERKLE_DEPTH_LIMIT (%d)", c.BatchMaxSize, maxLeaves))
	}
	if c.BatchLingerSeconds < 0 {
		errs = append(errs, "BATCH_LINGER_SECONDS must be >= 0")
	}

	if c.MutexMaxAttempts < 1 {
		errs = append(errs, "MUTEX_MAX_ATTEMPTS must be >= 1")
	}
	if c.MutexDelayMs < 0 {
		errs = append(errs, "MUTEX_DELAY_MS must be >= 0")
	}
	if c.TxnMaxSerializationRetries < 0 {
		errs = append(errs, "TXN_MAX_SERIALIZATION_RETRIES must be >= 0")
	}
	if c.BlockchainSubmitRetries < 0 {
		errs = append(errs, "BLOCKCHAIN_SUBMIT_RETRIES must be >= 0")
	}
	if c.SchedulerID == "" {
		errs = append(errs, "SCHEDULER_ID must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// ValidateForDevelopment performs relaxed validation suitable for local
// development against a throwaway database and test chain.
func (c *Config) ValidateForDevelopment() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("development configuration validation failed:\n  - DATABASE_URL is required")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
