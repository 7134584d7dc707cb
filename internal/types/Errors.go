/*

This file contains the error taxonomy shared by every bonding component.
Callers match on these with errors.Is; the wrapped message carries the detail.

*/

package types

import "errors"

var (
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidDuration      = errors.New("invalid lock duration")
	ErrNotOwner             = errors.New("caller does not own the bond")
	ErrStillLocked          = errors.New("bond is still locked")
	ErrNotFound             = errors.New("bond not found")
	ErrBondClosed           = errors.New("bond is closed")
	ErrAlreadyMigrated      = errors.New("position already migrated")
	ErrNotMigrationEligible = errors.New("not eligible for migration")
	ErrNotAuthorized        = errors.New("caller is not authorized")
	ErrArithmeticInvariant  = errors.New("arithmetic invariant violation")
	ErrBondHalted           = errors.New("bond halted after invariant violation")
	ErrNotHalted            = errors.New("bond is not halted")
)

// IsFatal reports whether err signals corrupted accounting rather than a rejected request.
func IsFatal(err error) bool {
	return errors.Is(err, ErrArithmeticInvariant)
}

// Reason returns a stable machine-readable code for err, used by the HTTP API and metrics labels.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrArithmeticInvariant):
		return "arithmetic_invariant_violation"
	case errors.Is(err, ErrBondHalted):
		return "bond_halted"
	case errors.Is(err, ErrNotHalted):
		return "not_halted"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInvalidDuration):
		return "invalid_duration"
	case errors.Is(err, ErrNotOwner):
		return "not_owner"
	case errors.Is(err, ErrStillLocked):
		return "still_locked"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrBondClosed):
		return "bond_closed"
	case errors.Is(err, ErrAlreadyMigrated):
		return "already_migrated"
	case errors.Is(err, ErrNotMigrationEligible):
		return "not_migration_eligible"
	case errors.Is(err, ErrNotAuthorized):
		return "not_authorized"
	default:
		return "external_failure"
	}
}
