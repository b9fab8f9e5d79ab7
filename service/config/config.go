package config

import (
	"fmt"
	"os"
	"time"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Database configuration
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Chain RPC configuration
	SolanaRPCURL   string
	EthereumRPCURL string
	MantleRPCURL   string

	// Social platform configuration
	BotUserID   string
	BotUsername string

	// Platform API credentials. The poller is only started when a bearer
	// token is configured; the HTTP API works without one.
	PlatformAPIURL      string
	PlatformBearerToken string

	// Polling configuration
	PollInterval  time.Duration
	SearchTimeout time.Duration
	DMWindow      time.Duration

	// Pipeline configuration
	DefaultChain string
	AppURL       string
	PromptDocURL string

	// Wallet keystore passphrase (seals private keys at rest)
	WalletPassphrase string

	// Degraded-mode fallback receivers for unresolvable name namespaces.
	// Both are optional; when empty, resolution failures abort the command.
	FallbackEVMAddress    string
	FallbackSolanaAddress string
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Database configuration
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	// NATS configuration
	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	// Chain RPC configuration
	cfg.SolanaRPCURL = os.Getenv("SOLANA_RPC_URL")
	if cfg.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URL is required"))
	}

	cfg.EthereumRPCURL = os.Getenv("ETHEREUM_RPC_URL")
	if cfg.EthereumRPCURL == "" {
		errs = append(errs, fmt.Errorf("ETHEREUM_RPC_URL is required"))
	}

	cfg.MantleRPCURL = os.Getenv("MANTLE_RPC_URL")
	if cfg.MantleRPCURL == "" {
		errs = append(errs, fmt.Errorf("MANTLE_RPC_URL is required"))
	}

	// Social platform configuration
	cfg.BotUserID = os.Getenv("BOT_USER_ID")
	if cfg.BotUserID == "" {
		errs = append(errs, fmt.Errorf("BOT_USER_ID is required"))
	}
	cfg.BotUsername = os.Getenv("BOT_USERNAME")
	if cfg.BotUsername == "" {
		errs = append(errs, fmt.Errorf("BOT_USERNAME is required"))
	}

	// Platform API credentials (optional)
	cfg.PlatformAPIURL = os.Getenv("PLATFORM_API_URL")
	cfg.PlatformBearerToken = os.Getenv("PLATFORM_BEARER_TOKEN")

	// Polling configuration
	pollInterval, err := parseDuration("POLL_INTERVAL", "30s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.PollInterval = pollInterval
	}

	searchTimeout, err := parseDuration("SEARCH_TIMEOUT", "15s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.SearchTimeout = searchTimeout
	}

	dmWindow, err := parseDuration("DM_WINDOW", "5m")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.DMWindow = dmWindow
	}

	// Pipeline configuration
	cfg.DefaultChain = getEnvOrDefault("DEFAULT_CHAIN", "mantle")
	cfg.AppURL = getEnvOrDefault("APP_URL", "https://tipline.bot")
	cfg.PromptDocURL = getEnvOrDefault("PROMPT_DOC_URL", "https://tipline.bot/prompts")

	// Keystore passphrase
	cfg.WalletPassphrase = os.Getenv("WALLET_PASSPHRASE")
	if cfg.WalletPassphrase == "" {
		errs = append(errs, fmt.Errorf("WALLET_PASSPHRASE is required"))
	}

	// Optional fallback receivers
	cfg.FallbackEVMAddress = os.Getenv("FALLBACK_EVM_ADDRESS")
	cfg.FallbackSolanaAddress = os.Getenv("FALLBACK_SOLANA_ADDRESS")

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}

	if c.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SolanaRPCURL is required"))
	}

	if c.EthereumRPCURL == "" {
		errs = append(errs, fmt.Errorf("EthereumRPCURL is required"))
	}

	if c.MantleRPCURL == "" {
		errs = append(errs, fmt.Errorf("MantleRPCURL is required"))
	}

	if c.BotUserID == "" {
		errs = append(errs, fmt.Errorf("BotUserID is required"))
	}

	if c.BotUsername == "" {
		errs = append(errs, fmt.Errorf("BotUsername is required"))
	}

	if c.WalletPassphrase == "" {
		errs = append(errs, fmt.Errorf("WalletPassphrase is required"))
	}

	if c.PollInterval < time.Second {
		errs = append(errs, fmt.Errorf("PollInterval must be at least 1 second"))
	}

	if c.SearchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SearchTimeout must be positive"))
	}

	if c.DMWindow <= 0 {
		errs = append(errs, fmt.Errorf("DMWindow must be positive"))
	}

	switch c.DefaultChain {
	case "solana", "ethereum", "mantle":
	default:
		errs = append(errs, fmt.Errorf("DefaultChain must be one of solana, ethereum, mantle (got %q)", c.DefaultChain))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}
