// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// BrokerCredentials holds one Client Portal credential set.
type BrokerCredentials struct {
	UserID      string // Local user identifier; keys the session registry and NAV snapshots
	ClientID    string
	ClientKeyID string
	PrivateKey  string // PEM-encoded PKCS#8 RSA private key
	Credential  string // Brokerage username embedded in the SSO JWT
	AllowedIP   string // Optional; included in the SSO JWT only when set
	AccountID   string // Optional; selected during the handshake when set
	Environment string // "paper" | "live"
	OAuthScope  string // Defaults to sso-sessions.write when empty
}

// Config holds application configuration
type Config struct {
	DataDir      string
	BaseURL      string // Client Portal API base, e.g. https://api.ibkr.com
	WebSocketURL string // wss://<host>/v1/api/ws
	LogLevel     string
	Port         int
	DevMode      bool
	Underlying   string // Symbol the trade engine writes premium on
	Broker       BrokerCredentials
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("THETAD_DATA_DIR", "")
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

	// Private key may be given inline or as a file path
	privateKey := getEnv("IBKR_PRIVATE_KEY", "")
	if privateKey == "" {
		if keyPath := getEnv("IBKR_PRIVATE_KEY_FILE", ""); keyPath != "" {
			content, err := os.ReadFile(keyPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read private key file: %w", err)
			}
			privateKey = string(content)
		}
	}

	cfg := &Config{
		DataDir:      absDataDir,
		BaseURL:      getEnv("IBKR_BASE_URL", "https://api.ibkr.com"),
		WebSocketURL: getEnv("IBKR_WS_URL", "wss://api.ibkr.com/v1/api/ws"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		Port:         getEnvAsInt("PORT", 8001),
		DevMode:      getEnvAsBool("DEV_MODE", false),
		Underlying:   getEnv("TRADE_UNDERLYING", "SPY"),
		Broker: BrokerCredentials{
			UserID:      getEnv("IBKR_USER_ID", "default"),
			ClientID:    getEnv("IBKR_CLIENT_ID", ""),
			ClientKeyID: getEnv("IBKR_CLIENT_KEY_ID", ""),
			PrivateKey:  privateKey,
			Credential:  getEnv("IBKR_CREDENTIAL", ""),
			AllowedIP:   getEnv("IBKR_ALLOWED_IP", ""),
			AccountID:   getEnv("IBKR_ACCOUNT_ID", ""),
			Environment: getEnv("IBKR_ENVIRONMENT", "paper"),
			OAuthScope:  getEnv("IBKR_OAUTH_SCOPE", "sso-sessions.write"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Broker.Environment != "paper" && c.Broker.Environment != "live" {
		return fmt.Errorf("IBKR_ENVIRONMENT must be 'paper' or 'live', got %q", c.Broker.Environment)
	}

	// Credentials are optional at startup: the server comes up in diagnostics
	// mode and the session manager reports the failure per step.
	return nil
}

// HasCredentials reports whether a full broker credential set is configured.
func (c *Config) HasCredentials() bool {
	b := c.Broker
	return b.ClientID != "" && b.ClientKeyID != "" && b.PrivateKey != "" && b.Credential != ""
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
