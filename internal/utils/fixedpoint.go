package utils

import (
	"errors"
	"fmt"
	"math/big"

	sdkmath "cosmossdk.io/math"
)

const maxBitLen = 256

var (
	// AccScale is the precision of the reward-per-share accumulator.
	AccScale = sdkmath.NewInt(1_000_000_000_000)
	// ValueScale is the precision used for share value snapshots.
	ValueScale = sdkmath.NewInt(1_000_000_000_000_000_000)

	ErrOverflow       = errors.New("fixed point overflow")
	ErrDivisionByZero = errors.New("division by zero")
)

// MulDiv computes a*b/c truncated toward zero without intermediate overflow of the 256-bit Int.
func MulDiv(a, b, c sdkmath.Int) (sdkmath.Int, error) {
	if c.IsZero() {
		return sdkmath.ZeroInt(), ErrDivisionByZero
	}
	prod := new(big.Int).Mul(a.BigInt(), b.BigInt())
	res := prod.Quo(prod, c.BigInt())
	if res.BitLen() > maxBitLen {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %s*%s/%s", ErrOverflow, a, b, c)
	}
	return sdkmath.NewIntFromBigInt(res), nil
}

// CheckedAdd adds two Ints, reporting overflow as an error rather than panicking.
func CheckedAdd(a, b sdkmath.Int) (sdkmath.Int, error) {
	res := new(big.Int).Add(a.BigInt(), b.BigInt())
	if res.BitLen() > maxBitLen {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %s+%s", ErrOverflow, a, b)
	}
	return sdkmath.NewIntFromBigInt(res), nil
}

// PositivePart returns max(a-b, 0).
func PositivePart(a, b sdkmath.Int) sdkmath.Int {
	if a.GT(b) {
		return a.Sub(b)
	}
	return sdkmath.ZeroInt()
}

// OrZero replaces a nil Int with zero.
func OrZero(i sdkmath.Int) sdkmath.Int {
	if i.IsNil() {
		return sdkmath.ZeroInt()
	}
	return i
}
