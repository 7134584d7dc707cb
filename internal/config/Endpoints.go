package config

import (
	"strconv"

	"github.com/rs/zerolog/log"
)

// Endpoint configuration loaded from environment variables.
// These are populated at startup by the LoadConfig function.
var (
	// NodeRPC is the RPC endpoint for the Elys node.
	NodeRPC string
	// NodeGRPC is the gRPC endpoint for the Elys node.
	NodeGRPC string
	// WebPort is the port the HTTP API listens on.
	WebPort string

	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
)

// loadEndpointConfig loads endpoint configuration from environment variables.
// This function is called by LoadConfig() in General.go.
func loadEndpointConfig() error {
	log.Info().Msg("Loading endpoint configuration from environment variables...")

	var err error

	if VaultMode == VaultModeLive {
		NodeRPC, err = getEnv("NODE_RPC")
		if err != nil {
			return err
		}

		NodeGRPC, err = getEnv("NODE_GRPC")
		if err != nil {
			return err
		}
	}

	WebPort = getEnvOrDefault("WEB_PORT", "8080")

	LoadDatabaseConfig()

	log.Debug().
		Str("NodeRPC", NodeRPC).
		Str("NodeGRPC", NodeGRPC).
		Str("WebPort", WebPort).
		Str("DBHost", DBHost).
		Msg("Endpoint configuration loaded successfully.")

	return nil
}

// LoadDatabaseConfig reads only the DB_* variables. An empty DB_HOST runs without persistence.
func LoadDatabaseConfig() {
	DBHost = getEnvOrDefault("DB_HOST", "")
	DBPort = mustAtoi(getEnvOrDefault("DB_PORT", ""), 5432)
	DBUser = getEnvOrDefault("DB_USER", "")
	DBPassword = getEnvOrDefault("DB_PASSWORD", "")
	DBName = getEnvOrDefault("DB_NAME", "lpbond")
	DBSSLMode = getEnvOrDefault("DB_SSLMODE", "disable")
}

// Helper to convert string to int with a default value
func mustAtoi(s string, defaultValue int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return i
}
