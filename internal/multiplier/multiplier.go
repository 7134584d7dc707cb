/*

This file contains the duration multiplier that turns a locked LP amount into bonding shares:

	shares = lpAmount * (1 + coefficient * weeks^(3/2))

All arithmetic is done in 18-decimal LegacyDec so results are bit-for-bit reproducible off-chain.

*/

package multiplier

import (
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"
)

var (
	ErrNegativeAmount      = errors.New("multiplier: lp amount is negative")
	ErrNegativeCoefficient = errors.New("multiplier: coefficient is negative")
)

// Factor returns 1 + coefficient * weeks^(3/2).
func Factor(weeks uint64, coefficient sdkmath.LegacyDec) (sdkmath.LegacyDec, error) {
	if coefficient.IsNil() || coefficient.IsNegative() {
		return sdkmath.LegacyZeroDec(), ErrNegativeCoefficient
	}
	if weeks == 0 {
		return sdkmath.LegacyOneDec(), nil
	}
	w := sdkmath.LegacyNewDecFromInt(sdkmath.NewIntFromUint64(weeks))
	root, err := w.ApproxSqrt()
	if err != nil {
		return sdkmath.LegacyZeroDec(), fmt.Errorf("multiplier: sqrt of %d weeks: %w", weeks, err)
	}
	return sdkmath.LegacyOneDec().Add(coefficient.Mul(w.Mul(root))), nil
}

// Shares converts lpAmount locked for weeks into a share count, truncating toward zero.
func Shares(lpAmount sdkmath.Int, weeks uint64, coefficient sdkmath.LegacyDec) (sdkmath.Int, error) {
	if lpAmount.IsNil() || lpAmount.IsNegative() {
		return sdkmath.ZeroInt(), ErrNegativeAmount
	}
	factor, err := Factor(weeks, coefficient)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	if factor.Equal(sdkmath.LegacyOneDec()) {
		return lpAmount, nil
	}
	return sdkmath.LegacyNewDecFromInt(lpAmount).Mul(factor).TruncateInt(), nil
}
