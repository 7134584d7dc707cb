package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	VaultModeLive   = "live"
	VaultModeMemory = "memory"
)

// AppConfig holds all application configuration loaded from environment variables.
// These are populated at startup by the LoadConfig function.
var (
	// LogLevel is passed to logger.Initialize.
	LogLevel string

	// VaultMode selects the custody implementation, "live" for the elys chain or "memory" for a local simulator.
	VaultMode string

	// CustodyAddress holds every bonded LP token.
	CustodyAddress string
	// TreasuryAddress receives price reset proceeds.
	TreasuryAddress string
	// AdminAddresses may run price resets, imports and parameter updates.
	AdminAddresses []string
	// MigratorAddresses may authorize legacy migrations.
	MigratorAddresses []string
	// MigrationEnabled is the initial value of the migration switch.
	MigrationEnabled bool

	// LpDenom is the bank denom of the pool share token.
	LpDenom string
	// PoolID is the AMM pool the LP token belongs to.
	PoolID uint64
	// AssetDenoms lists the pool assets by index.
	AssetDenoms []string

	// AuditInterval is how often the auditor checks the books.
	AuditInterval time.Duration

	// KeyringBackend is the backend for the keyring (e.g., "os", "file", "test").
	KeyringBackend string
	// KeyringDir is the path to the keyring directory.
	KeyringDir string
	// KeyName is the name of the key within the keyring to use for signing.
	KeyName string

	// ChainID is the chain ID of the target network.
	ChainID string

	// DefaultGasLimit is the fallback gas limit if estimation fails.
	DefaultGasLimit uint64
	// GasAdjustment is the multiplier for simulated gas to ensure sufficient fees.
	GasAdjustment float64
	// GasPriceAmount is the amount of the gas fee denomination per unit of gas.
	GasPriceAmount string
	// GasPriceDenom is the denomination for gas fees.
	GasPriceDenom string

	// ExitSlippageTolerance is the fraction of a price reset quote the exit may fall short by.
	ExitSlippageTolerance float64
)

// LoadConfig loads configuration from environment variables and sets the global config vars.
// Chain, keyring and gas settings are only required in live mode.
func LoadConfig() error {
	log.Info().Msg("Loading application configuration from environment variables...")

	var err error

	LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	VaultMode = getEnvOrDefault("VAULT_MODE", VaultModeMemory)
	if VaultMode != VaultModeLive && VaultMode != VaultModeMemory {
		return errors.New("environment variable VAULT_MODE must be 'live' or 'memory', got: " + VaultMode)
	}

	CustodyAddress, err = getEnv("CUSTODY_ADDRESS")
	if err != nil {
		return err
	}

	TreasuryAddress, err = getEnv("TREASURY_ADDRESS")
	if err != nil {
		return err
	}

	AdminAddresses, err = getEnvAsList("ADMIN_ADDRESSES")
	if err != nil {
		return err
	}

	MigratorAddresses = splitList(getEnvOrDefault("MIGRATOR_ADDRESSES", ""))

	MigrationEnabled, err = getEnvAsBool("MIGRATION_ENABLED", false)
	if err != nil {
		return err
	}

	LpDenom, err = getEnv("LP_DENOM")
	if err != nil {
		return err
	}

	PoolID, err = getEnvAsUint64("POOL_ID")
	if err != nil {
		return err
	}

	AssetDenoms, err = getEnvAsList("ASSET_DENOMS")
	if err != nil {
		return err
	}

	AuditInterval, err = getEnvAsDuration("AUDIT_INTERVAL", 5*time.Minute)
	if err != nil {
		return err
	}

	if err := loadEndpointConfig(); err != nil {
		return err
	}

	if VaultMode == VaultModeLive {
		if err := loadSigningConfig(); err != nil {
			return err
		}
	}

	log.Debug().
		Str("VaultMode", VaultMode).
		Str("CustodyAddress", CustodyAddress).
		Str("LpDenom", LpDenom).
		Uint64("PoolID", PoolID).
		Strs("AssetDenoms", AssetDenoms).
		Str("ChainID", ChainID).
		Msg("Configuration loaded successfully.")

	return nil
}

func loadSigningConfig() error {
	var err error

	KeyringBackend, err = getEnv("KEYRING_BACKEND")
	if err != nil {
		return err
	}

	KeyringDir, err = getEnv("KEYRING_DIR")
	if err != nil {
		return err
	}

	KeyName, err = getEnv("KEYRING_KEY_NAME")
	if err != nil {
		return err
	}

	ChainID, err = getEnv("CHAIN_ID")
	if err != nil {
		return err
	}

	DefaultGasLimit, err = getEnvAsUint64("GAS_DEFAULT_LIMIT")
	if err != nil {
		return err
	}

	GasAdjustment, err = getEnvAsFloat64("GAS_ADJUSTMENT")
	if err != nil {
		return err
	}

	GasPriceAmount, err = getEnv("GAS_PRICE_AMOUNT")
	if err != nil {
		return err
	}

	GasPriceDenom, err = getEnv("GAS_PRICE_DENOM")
	if err != nil {
		return err
	}

	ExitSlippageTolerance = 0.01
	if _, ok := os.LookupEnv("EXIT_SLIPPAGE_TOLERANCE"); ok {
		ExitSlippageTolerance, err = getEnvAsFloat64("EXIT_SLIPPAGE_TOLERANCE")
		if err != nil {
			return err
		}
		if ExitSlippageTolerance < 0 || ExitSlippageTolerance >= 1 {
			return errors.New("environment variable EXIT_SLIPPAGE_TOLERANCE must be in [0, 1)")
		}
	}

	// Expand the tilde (~) in the keyring directory path to the user's home directory.
	if strings.HasPrefix(KeyringDir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		KeyringDir = filepath.Join(home, KeyringDir[2:])
	}
	return nil
}

// getEnv retrieves a string environment variable. Returns error if not set.
func getEnv(key string) (string, error) {
	if value, exists := os.LookupEnv(key); exists {
		return value, nil
	}
	return "", errors.New("environment variable " + key + " is required but not set")
}

func getEnvOrDefault(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}

// getEnvAsUint64 retrieves an environment variable as a uint64. Returns error if not set or invalid.
func getEnvAsUint64(key string) (uint64, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseUint(valueStr, 10, 64)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid uint64, got: " + valueStr)
	}
	return value, nil
}

// getEnvAsFloat64 retrieves an environment variable as a float64. Returns error if not set or invalid.
func getEnvAsFloat64(key string) (float64, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid float64, got: " + valueStr)
	}
	return value, nil
}

func getEnvAsBool(key string, fallback bool) (bool, error) {
	valueStr, exists := os.LookupEnv(key)
	if !exists || valueStr == "" {
		return fallback, nil
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return false, errors.New("environment variable " + key + " must be a valid bool, got: " + valueStr)
	}
	return value, nil
}

func getEnvAsDuration(key string, fallback time.Duration) (time.Duration, error) {
	valueStr, exists := os.LookupEnv(key)
	if !exists || valueStr == "" {
		return fallback, nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil || value <= 0 {
		return 0, errors.New("environment variable " + key + " must be a positive duration, got: " + valueStr)
	}
	return value, nil
}

// getEnvAsList retrieves a comma separated list. Returns error if not set or empty.
func getEnvAsList(key string) ([]string, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return nil, err
	}
	list := splitList(valueStr)
	if len(list) == 0 {
		return nil, errors.New("environment variable " + key + " must list at least one value")
	}
	return list, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
