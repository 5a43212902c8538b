package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mselser95/pool-settler/pkg/types"
)

// Config holds all application configuration.
type Config struct {
	// Application
	LogLevel string
	HTTPPort string

	// Ledger and enclave endpoints
	LedgerRPCURL   string
	EnclaveRPCURL  string
	EnclaveAuthURL string

	// Program identities (base58 handles)
	ProgramID           string
	DelegationProgramID string
	EnclaveValidator    string
	OracleFeed          string
	PayerSecretKey      string

	// RPC client
	RPCCallTimeout time.Duration
	RPCRateLimit   float64
	RPCRateBurst   int

	// Resolution saga
	StepMaxAttempts    int
	StepInitialBackoff time.Duration
	StepMaxBackoff     time.Duration
	BetBatchSize       int
	StaleRunThreshold  time.Duration

	// Enclave session
	SessionMaxAttempts    int
	SessionInitialBackoff time.Duration
	SessionExpirySkew     time.Duration

	// Scheduler
	SchedulerInterval      time.Duration
	SchedulerMaxConcurrent int

	// Storage
	StorageMode  string // "postgres" or "memory"
	PostgresHost string
	PostgresPort string
	PostgresUser string
	PostgresPass string
	PostgresDB   string
	PostgresSSL  string

	// Run lease; empty address selects the in-process locker
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Fee-payer circuit breaker
	BreakerEnabled         bool
	BreakerCheckInterval   time.Duration
	BreakerMinLamports     uint64
	BreakerHysteresisRatio float64
	BreakerSpendMultiplier float64
}

// LoadFromEnv loads configuration from environment variables with defaults.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		// Application defaults
		LogLevel: getEnvOrDefault("LOG_LEVEL", "info"),
		HTTPPort: getEnvOrDefault("HTTP_PORT", "8080"),

		// Endpoint defaults
		LedgerRPCURL:  getEnvOrDefault("LEDGER_RPC_URL", "http://localhost:8899"),
		EnclaveRPCURL: getEnvOrDefault("ENCLAVE_RPC_URL", "http://localhost:7799"),

		ProgramID:           os.Getenv("PROGRAM_ID"),
		DelegationProgramID: os.Getenv("DELEGATION_PROGRAM_ID"),
		EnclaveValidator:    os.Getenv("ENCLAVE_VALIDATOR"),
		OracleFeed:          os.Getenv("ORACLE_FEED"),
		PayerSecretKey:      os.Getenv("PAYER_SECRET_KEY"),

		// RPC defaults
		RPCCallTimeout: getDurationOrDefault("RPC_CALL_TIMEOUT", 15*time.Second),
		RPCRateLimit:   getFloat64OrDefault("RPC_RATE_LIMIT", 20),
		RPCRateBurst:   getIntOrDefault("RPC_RATE_BURST", 5),

		// Saga defaults
		StepMaxAttempts:    getIntOrDefault("STEP_MAX_ATTEMPTS", 5),
		StepInitialBackoff: getDurationOrDefault("STEP_INITIAL_BACKOFF", 500*time.Millisecond),
		StepMaxBackoff:     getDurationOrDefault("STEP_MAX_BACKOFF", 10*time.Second),
		BetBatchSize:       getIntOrDefault("BET_BATCH_SIZE", 10),
		StaleRunThreshold:  getDurationOrDefault("STALE_RUN_THRESHOLD", 10*time.Minute),

		// Session defaults
		SessionMaxAttempts:    getIntOrDefault("SESSION_MAX_ATTEMPTS", 3),
		SessionInitialBackoff: getDurationOrDefault("SESSION_INITIAL_BACKOFF", 500*time.Millisecond),
		SessionExpirySkew:     getDurationOrDefault("SESSION_EXPIRY_SKEW", 30*time.Second),

		// Scheduler defaults
		SchedulerInterval:      getDurationOrDefault("SCHEDULER_INTERVAL", time.Minute),
		SchedulerMaxConcurrent: getIntOrDefault("SCHEDULER_MAX_CONCURRENT", 4),

		// Storage defaults
		StorageMode:  getEnvOrDefault("STORAGE_MODE", "memory"),
		PostgresHost: getEnvOrDefault("POSTGRES_HOST", "localhost"),
		PostgresPort: getEnvOrDefault("POSTGRES_PORT", "5432"),
		PostgresUser: getEnvOrDefault("POSTGRES_USER", "settler"),
		PostgresPass: getEnvOrDefault("POSTGRES_PASSWORD", "settler"),
		PostgresDB:   getEnvOrDefault("POSTGRES_DB", "pool_settler"),
		PostgresSSL:  getEnvOrDefault("POSTGRES_SSLMODE", "disable"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getIntOrDefault("REDIS_DB", 0),

		// Breaker defaults
		BreakerEnabled:         getBoolOrDefault("BREAKER_ENABLED", true),
		BreakerCheckInterval:   getDurationOrDefault("BREAKER_CHECK_INTERVAL", 30*time.Second),
		BreakerMinLamports:     getUint64OrDefault("BREAKER_MIN_LAMPORTS", 50_000_000),
		BreakerHysteresisRatio: getFloat64OrDefault("BREAKER_HYSTERESIS_RATIO", 1.5),
		BreakerSpendMultiplier: getFloat64OrDefault("BREAKER_SPEND_MULTIPLIER", 3.0),
	}

	// Auth endpoint defaults to the enclave RPC host.
	cfg.EnclaveAuthURL = getEnvOrDefault("ENCLAVE_AUTH_URL", cfg.EnclaveRPCURL)

	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks that configuration values are valid. Program handles are
// optional here; commands that need them call RequireChain.
func (c *Config) Validate() error {
	if c.HTTPPort == "" {
		return fmt.Errorf("HTTP_PORT cannot be empty")
	}

	if c.LedgerRPCURL == "" {
		return fmt.Errorf("LEDGER_RPC_URL cannot be empty")
	}

	if c.EnclaveRPCURL == "" {
		return fmt.Errorf("ENCLAVE_RPC_URL cannot be empty")
	}

	for key, value := range map[string]string{
		"PROGRAM_ID":            c.ProgramID,
		"DELEGATION_PROGRAM_ID": c.DelegationProgramID,
		"ENCLAVE_VALIDATOR":     c.EnclaveValidator,
		"ORACLE_FEED":           c.OracleFeed,
	} {
		if value == "" {
			continue
		}
		if _, err := types.ParseHandle(value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}

	if c.RPCCallTimeout <= 0 {
		return fmt.Errorf("RPC_CALL_TIMEOUT must be positive, got %v", c.RPCCallTimeout)
	}

	if c.RPCRateLimit <= 0 {
		return fmt.Errorf("RPC_RATE_LIMIT must be positive, got %f", c.RPCRateLimit)
	}

	if c.RPCRateBurst < 1 {
		return fmt.Errorf("RPC_RATE_BURST must be at least 1, got %d", c.RPCRateBurst)
	}

	if c.StepMaxAttempts < 1 {
		return fmt.Errorf("STEP_MAX_ATTEMPTS must be at least 1, got %d", c.StepMaxAttempts)
	}

	if c.StepMaxBackoff < c.StepInitialBackoff {
		return fmt.Errorf("STEP_MAX_BACKOFF (%v) must not be below STEP_INITIAL_BACKOFF (%v)",
			c.StepMaxBackoff, c.StepInitialBackoff)
	}

	if c.BetBatchSize < 1 {
		return fmt.Errorf("BET_BATCH_SIZE must be at least 1, got %d", c.BetBatchSize)
	}

	if c.StaleRunThreshold <= 0 {
		return fmt.Errorf("STALE_RUN_THRESHOLD must be positive, got %v", c.StaleRunThreshold)
	}

	if c.SessionMaxAttempts < 1 {
		return fmt.Errorf("SESSION_MAX_ATTEMPTS must be at least 1, got %d", c.SessionMaxAttempts)
	}

	if c.SchedulerInterval <= 0 {
		return fmt.Errorf("SCHEDULER_INTERVAL must be positive, got %v", c.SchedulerInterval)
	}

	if c.SchedulerMaxConcurrent < 1 {
		return fmt.Errorf("SCHEDULER_MAX_CONCURRENT must be at least 1, got %d", c.SchedulerMaxConcurrent)
	}

	if c.StorageMode != "memory" && c.StorageMode != "postgres" {
		return fmt.Errorf("STORAGE_MODE must be 'memory' or 'postgres', got %q", c.StorageMode)
	}

	if c.BreakerSpendMultiplier <= 0 {
		return fmt.Errorf("BREAKER_SPEND_MULTIPLIER must be positive, got %f", c.BreakerSpendMultiplier)
	}

	if c.BreakerHysteresisRatio < 1.0 {
		return fmt.Errorf("BREAKER_HYSTERESIS_RATIO must be >= 1.0, got %f", c.BreakerHysteresisRatio)
	}

	return nil
}

// RequireChain checks that every handle needed to drive a resolution is set.
func (c *Config) RequireChain() error {
	for _, kv := range []struct{ key, value string }{
		{"PROGRAM_ID", c.ProgramID},
		{"DELEGATION_PROGRAM_ID", c.DelegationProgramID},
		{"PAYER_SECRET_KEY", c.PayerSecretKey},
	} {
		if kv.value == "" {
			return fmt.Errorf("%s is required", kv.key)
		}
	}
	return nil
}

// PostgresDSN returns the lib/pq connection string.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.PostgresHost, c.PostgresPort, c.PostgresUser, c.PostgresPass, c.PostgresDB, c.PostgresSSL)
}

func getEnvOrDefault(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intVal, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return intVal
}

func getUint64OrDefault(key string, defaultValue uint64) uint64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	uintVal, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return defaultValue
	}

	return uintVal
}

func getFloat64OrDefault(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	floatVal, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}

	return floatVal
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	boolVal, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}

	return boolVal
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}

	return duration
}
