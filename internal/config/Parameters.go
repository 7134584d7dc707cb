/*

This file contains the default bonding parameters.

They are used when no active parameter version is found in the database during initialization,
and can be overridden per deployment with the BONDING_* environment variables.

*/

package config

import (
	"errors"
	"os"

	sdkmath "cosmossdk.io/math"
	"github.com/elys-network/lpbond/internal/types"
	"github.com/elys-network/lpbond/internal/utils"
)

// DefaultBondingParameters provides the baseline lock window and multiplier curve.
var DefaultBondingParameters = types.BondingParameters{
	BlocksPerWeek: 45361, // ~13.3s blocks.

	// A 208 week lock earns 1 + 0.001 * 208^1.5 ≈ 4x the shares of an unlocked deposit.
	MultiplierCoefficient: sdkmath.LegacyNewDecWithPrec(1, 3),

	MinLockWeeks: 1,
	MaxLockWeeks: 208,
}

// LoadBondingParameters applies any BONDING_* overrides to the defaults.
func LoadBondingParameters() (types.BondingParameters, error) {
	params := DefaultBondingParameters

	if _, ok := os.LookupEnv("BONDING_BLOCKS_PER_WEEK"); ok {
		v, err := getEnvAsUint64("BONDING_BLOCKS_PER_WEEK")
		if err != nil {
			return params, err
		}
		params.BlocksPerWeek = int64(v)
	}
	if s, ok := os.LookupEnv("BONDING_MULTIPLIER_COEFFICIENT"); ok {
		coef, err := utils.ParseDec(s)
		if err != nil {
			return params, errors.New("environment variable BONDING_MULTIPLIER_COEFFICIENT must be a decimal, got: " + s)
		}
		params.MultiplierCoefficient = coef
	}
	if _, ok := os.LookupEnv("BONDING_MIN_LOCK_WEEKS"); ok {
		v, err := getEnvAsUint64("BONDING_MIN_LOCK_WEEKS")
		if err != nil {
			return params, err
		}
		params.MinLockWeeks = v
	}
	if _, ok := os.LookupEnv("BONDING_MAX_LOCK_WEEKS"); ok {
		v, err := getEnvAsUint64("BONDING_MAX_LOCK_WEEKS")
		if err != nil {
			return params, err
		}
		params.MaxLockWeeks = v
	}

	return params, params.Validate()
}
