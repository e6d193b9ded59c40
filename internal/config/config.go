// Package config reads all agent and relay configuration from the
// environment. In development a .env file is loaded if present; in
// production, missing required variables panic at startup.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for an agent process or the dev relay.
type Config struct {
	Env string

	// Agent
	RelayURL     string
	KeyDir       string
	Capabilities []string

	// Settlement
	EscrowMode      string // "relay" or "onchain"
	ChainRPCURL     string
	ChainID         string
	ChainKeyHex     string
	TokenAddress    string
	Confirmations   uint64
	AmountTolerance float64

	// Governor
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxConcurrent   int

	// Timeouts
	PollInterval        time.Duration
	OfferTimeout        time.Duration
	DepositTimeout      time.Duration
	DepositPollInterval time.Duration
	ResultTimeout       time.Duration

	// Relay dev server
	Port        string
	DatabaseURL string
	SQLitePath  string
	RedisURL    string

	// Rate limiting (relay server)
	RateLimitWhitelist []string
}

// Load reads configuration from environment variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Env: getEnv("ENV", "development"),

		RelayURL: getEnv("RELAY_URL", "http://localhost:8080"),
		KeyDir:   getEnv("KEY_DIR", defaultKeyDir()),

		EscrowMode:      getEnv("ESCROW_MODE", "relay"),
		ChainRPCURL:     os.Getenv("CHAIN_RPC_URL"),
		ChainID:         os.Getenv("CHAIN_ID"),
		ChainKeyHex:     os.Getenv("CHAIN_PRIVATE_KEY"),
		TokenAddress:    os.Getenv("TOKEN_ADDRESS"),
		Confirmations:   getEnvUint("CONFIRMATIONS", 1),
		AmountTolerance: getEnvFloat("AMOUNT_TOLERANCE", 1e-6),

		RateLimitMax:    getEnvInt("RATE_LIMIT_MAX", 30),
		RateLimitWindow: getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		MaxConcurrent:   getEnvInt("MAX_CONCURRENT", 4),

		PollInterval:        getEnvDuration("POLL_INTERVAL", 2*time.Second),
		OfferTimeout:        getEnvDuration("OFFER_TIMEOUT", 30*time.Second),
		DepositTimeout:      getEnvDuration("DEPOSIT_TIMEOUT", 120*time.Second),
		DepositPollInterval: getEnvDuration("DEPOSIT_POLL_INTERVAL", 3*time.Second),
		ResultTimeout:       getEnvDuration("RESULT_TIMEOUT", 300*time.Second),

		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  os.Getenv("SQLITE_PATH"),
		RedisURL:    os.Getenv("REDIS_URL"),
	}

	if caps := os.Getenv("CAPABILITIES"); caps != "" {
		for _, c := range strings.Split(caps, ",") {
			if c = strings.TrimSpace(c); c != "" {
				cfg.Capabilities = append(cfg.Capabilities, c)
			}
		}
	}
	if whitelist := os.Getenv("RATE_LIMIT_WHITELIST"); whitelist != "" {
		for _, entry := range strings.Split(whitelist, ",") {
			if entry = strings.TrimSpace(entry); entry != "" {
				cfg.RateLimitWhitelist = append(cfg.RateLimitWhitelist, entry)
			}
		}
	}

	if cfg.EscrowMode == "onchain" && cfg.ChainRPCURL == "" {
		panic("CHAIN_RPC_URL is required when ESCROW_MODE=onchain")
	}
	if cfg.Env == "production" && cfg.RelayURL == "" {
		panic("RELAY_URL is required in production")
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func defaultKeyDir() string {
	home, _ := os.UserHomeDir()
	if home == "" {
		return ".pact"
	}
	return home + "/.pact"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvUint(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseUint(value, 10, 64); err == nil {
			return n
		}
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
