/*
This file contains the parsers for amounts and decimals arriving as text,
from the HTTP API, environment variables and the database.
*/

package utils

import (
	"errors"
	"fmt"
	"strings"

	sdkmath "cosmossdk.io/math"
)

// Error definitions for zero-tolerance error handling
var (
	ErrAmountNil        = errors.New("amount is nil")
	ErrAmountNegative   = errors.New("amount is negative")
	ErrConversionFailed = errors.New("conversion failed")
)

// ParseAmount parses a non-negative base-unit integer amount as sent over the API.
func ParseAmount(s string) (sdkmath.Int, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return sdkmath.ZeroInt(), ErrAmountNil
	}
	amount, ok := sdkmath.NewIntFromString(trimmed)
	if !ok {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %q is not an integer", ErrConversionFailed, s)
	}
	if amount.IsNegative() {
		return sdkmath.ZeroInt(), ErrAmountNegative
	}
	return amount, nil
}

// ParseDec parses a decimal string into an 18-decimal fixed point value.
func ParseDec(s string) (sdkmath.LegacyDec, error) {
	dec, err := sdkmath.LegacyNewDecFromStr(strings.TrimSpace(s))
	if err != nil {
		return sdkmath.LegacyZeroDec(), fmt.Errorf("%w: %w", ErrConversionFailed, err)
	}
	return dec, nil
}
