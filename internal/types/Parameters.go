/*

This is a custom type for the tunable bonding parameters. Defaults live in config/Parameters.go and
active versions are stored in the bonding_parameters table.

*/

package types

import (
	"fmt"

	sdkmath "cosmossdk.io/math"
)

type BondingParameters struct {
	BlocksPerWeek         int64             `json:"blocks_per_week"`
	MultiplierCoefficient sdkmath.LegacyDec `json:"multiplier_coefficient"` // 18-decimal fixed point
	MinLockWeeks          uint64            `json:"min_lock_weeks"`
	MaxLockWeeks          uint64            `json:"max_lock_weeks"`
}

// Validate rejects parameter sets the engine cannot run with.
func (p BondingParameters) Validate() error {
	if p.BlocksPerWeek <= 0 {
		return fmt.Errorf("blocks per week must be positive, got %d", p.BlocksPerWeek)
	}
	if p.MultiplierCoefficient.IsNil() || p.MultiplierCoefficient.IsNegative() {
		return fmt.Errorf("multiplier coefficient must be non-negative")
	}
	if p.MaxLockWeeks == 0 {
		return fmt.Errorf("max lock weeks must be positive")
	}
	if p.MinLockWeeks > p.MaxLockWeeks {
		return fmt.Errorf("min lock weeks %d exceeds max lock weeks %d", p.MinLockWeeks, p.MaxLockWeeks)
	}
	return nil
}

// CheckDuration validates a requested lock duration against the configured window.
func (p BondingParameters) CheckDuration(weeks uint64) error {
	if weeks < p.MinLockWeeks || weeks > p.MaxLockWeeks {
		return fmt.Errorf("%w: %d weeks outside [%d, %d]", ErrInvalidDuration, weeks, p.MinLockWeeks, p.MaxLockWeeks)
	}
	return nil
}
