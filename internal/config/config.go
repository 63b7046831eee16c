// Package config handles application configuration from environment variables
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Custody
	VaultKey string // 64 hex chars; seals every escrow secret

	// Operator API
	OperatorJWTSecret string
	CORSOrigins       []string
	RateLimitRPM      int
	RateLimitBurst    int

	// Sessions
	SessionTimeout      time.Duration
	DepositPollInterval time.Duration
	ExpiryInterval      time.Duration
	SettleMaxAttempts   int
	SettleRetryBase     time.Duration
	ReconcileInterval   time.Duration // 0 disables the background reconciler

	// Integrations
	NATSURL      string
	OTLPEndpoint string

	BTC    BTCConfig
	EVM    EVMConfig
	Attest AttestConfig
}

// BTCConfig configures the UTXO chain. Enabled when RPCHost is set.
type BTCConfig struct {
	RPCHost   string
	RPCUser   string
	RPCPass   string
	RPCTLS    bool
	Network   string
	FeeRate   int64 // sat/byte
	DustLimit int64 // sat
	MinConf   int
}

// Enabled reports whether the chain is configured.
func (b BTCConfig) Enabled() bool { return b.RPCHost != "" }

// EVMConfig configures the account chain. Enabled when RPCURL is set.
type EVMConfig struct {
	RPCURL  string
	ChainID int64
}

// Enabled reports whether the chain is configured.
func (e EVMConfig) Enabled() bool { return e.RPCURL != "" }

// AttestConfig configures the claim-contract chain. Enabled when RPCURL is set.
type AttestConfig struct {
	RPCURL    string
	ChainID   int64
	Contract  string
	SignerKey string // hex private key of the trusted attester
}

// Enabled reports whether the chain is configured.
func (a AttestConfig) Enabled() bool { return a.RPCURL != "" }

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultSessionTimeout      = 24 * time.Hour
	DefaultDepositPollInterval = 15 * time.Second
	DefaultExpiryInterval      = 30 * time.Second
	DefaultSettleMaxAttempts   = 4
	DefaultSettleRetryBase     = 500 * time.Millisecond
	DefaultBTCNetwork          = "testnet3"
	DefaultBTCFeeRate          = 10
	DefaultBTCDustLimit        = 546
	DefaultEVMChainID          = 84532 // Base Sepolia
	DefaultRateLimitRPM        = 120
	DefaultRateLimitBurst      = 20
	DefaultReconcileInterval   = 10 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		VaultKey:            os.Getenv("VAULT_KEY"),
		OperatorJWTSecret:   os.Getenv("OPERATOR_JWT_SECRET"),
		CORSOrigins:         getEnvList("CORS_ORIGINS"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:      int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		SessionTimeout:      getEnvDuration("SESSION_TIMEOUT", DefaultSessionTimeout),
		DepositPollInterval: getEnvDuration("DEPOSIT_POLL_INTERVAL", DefaultDepositPollInterval),
		ExpiryInterval:      getEnvDuration("EXPIRY_INTERVAL", DefaultExpiryInterval),
		SettleMaxAttempts:   int(getEnvInt64("SETTLE_MAX_ATTEMPTS", DefaultSettleMaxAttempts)),
		SettleRetryBase:     getEnvDuration("SETTLE_RETRY_BASE", DefaultSettleRetryBase),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		NATSURL:             os.Getenv("NATS_URL"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		BTC: BTCConfig{
			RPCHost:   os.Getenv("BTC_RPC_HOST"),
			RPCUser:   os.Getenv("BTC_RPC_USER"),
			RPCPass:   os.Getenv("BTC_RPC_PASS"),
			RPCTLS:    getEnvBool("BTC_RPC_TLS", false),
			Network:   getEnv("BTC_NETWORK", DefaultBTCNetwork),
			FeeRate:   getEnvInt64("BTC_FEE_RATE", DefaultBTCFeeRate),
			DustLimit: getEnvInt64("BTC_DUST_LIMIT", DefaultBTCDustLimit),
			MinConf:   int(getEnvInt64("BTC_MIN_CONF", 1)),
		},
		EVM: EVMConfig{
			RPCURL:  os.Getenv("EVM_RPC_URL"),
			ChainID: getEnvInt64("EVM_CHAIN_ID", DefaultEVMChainID),
		},
		Attest: AttestConfig{
			RPCURL:    os.Getenv("ATTEST_RPC_URL"),
			ChainID:   getEnvInt64("ATTEST_CHAIN_ID", DefaultEVMChainID),
			Contract:  os.Getenv("ATTEST_CONTRACT"),
			SignerKey: os.Getenv("ATTEST_SIGNER_KEY"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.VaultKey == "" {
		return fmt.Errorf("VAULT_KEY is required")
	}
	if b, err := hex.DecodeString(strings.TrimPrefix(c.VaultKey, "0x")); err != nil || len(b) != 32 {
		return fmt.Errorf("VAULT_KEY must be 64 hex characters (with or without 0x prefix)")
	}
	if c.OperatorJWTSecret == "" && !c.IsDevelopment() {
		return fmt.Errorf("OPERATOR_JWT_SECRET is required outside development")
	}
	if c.OperatorJWTSecret != "" && len(c.OperatorJWTSecret) < 32 {
		return fmt.Errorf("OPERATOR_JWT_SECRET must be at least 32 characters")
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("SESSION_TIMEOUT must be positive")
	}
	if c.DepositPollInterval <= 0 {
		return fmt.Errorf("DEPOSIT_POLL_INTERVAL must be positive")
	}
	if c.RateLimitRPM <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must be positive")
	}
	if c.SettleMaxAttempts < 1 {
		return fmt.Errorf("SETTLE_MAX_ATTEMPTS must be at least 1")
	}
	if c.BTC.Enabled() && (c.BTC.FeeRate <= 0 || c.BTC.DustLimit <= 0) {
		return fmt.Errorf("BTC_FEE_RATE and BTC_DUST_LIMIT must be positive")
	}
	if c.EVM.Enabled() && c.EVM.ChainID <= 0 {
		return fmt.Errorf("EVM_CHAIN_ID must be positive")
	}
	if c.Attest.Enabled() {
		if c.Attest.Contract == "" {
			return fmt.Errorf("ATTEST_CONTRACT is required when ATTEST_RPC_URL is set")
		}
		if c.Attest.SignerKey == "" {
			return fmt.Errorf("ATTEST_SIGNER_KEY is required when ATTEST_RPC_URL is set")
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
