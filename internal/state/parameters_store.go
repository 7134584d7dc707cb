package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog/log"

	"github.com/elys-network/lpbond/internal/types"
)

// DefaultConfigName is the parameter set the service runs with unless told otherwise.
const DefaultConfigName = "default"

var ErrNoActiveParameters = errors.New("no active bonding parameters")

// SaveBondingParameters stores params as the next version of configName and returns its params_id and version.
// With makeActive the previous active version is deactivated in the same transaction.
func (s *Store) SaveBondingParameters(ctx context.Context, params types.BondingParameters, configName string, makeActive bool) (paramsID int64, version int, err error) {
	if err := params.Validate(); err != nil {
		return 0, 0, fmt.Errorf("refusing to save invalid parameters: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p) // Re-panic after rollback
		} else if err != nil {
			tx.Rollback() // Rollback if error occurred
		}
	}()

	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM bonding_parameters WHERE config_name = $1;`, configName,
	).Scan(&version)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to determine next version for %s: %w", configName, err)
	}

	if makeActive {
		_, err = tx.ExecContext(ctx,
			`UPDATE bonding_parameters SET is_active = FALSE WHERE config_name = $1 AND is_active = TRUE;`, configName)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to deactivate existing active parameters for %s: %w", configName, err)
		}
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO bonding_parameters (
			version, config_name, is_active,
			blocks_per_week, multiplier_coefficient, min_lock_weeks, max_lock_weeks
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING params_id;`,
		version, configName, makeActive,
		params.BlocksPerWeek, params.MultiplierCoefficient.String(),
		int64(params.MinLockWeeks), int64(params.MaxLockWeeks),
	).Scan(&paramsID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to insert bonding parameters: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	log.Info().
		Int("version", version).
		Str("config", configName).
		Int64("params_id", paramsID).
		Bool("active", makeActive).
		Msg("Saved bonding parameters")
	return paramsID, version, nil
}

// LoadActiveBondingParameters loads the currently active parameters of configName.
func (s *Store) LoadActiveBondingParameters(ctx context.Context, configName string) (*types.BondingParameters, error) {
	var (
		p                types.BondingParameters
		coefficient      string
		minLock, maxLock int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT blocks_per_week, multiplier_coefficient, min_lock_weeks, max_lock_weeks
		FROM bonding_parameters
		WHERE config_name = $1 AND is_active = TRUE
		ORDER BY activated_at DESC
		LIMIT 1;`, configName,
	).Scan(&p.BlocksPerWeek, &coefficient, &minLock, &maxLock)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w for config '%s'", ErrNoActiveParameters, configName)
		}
		return nil, fmt.Errorf("failed to scan active bonding parameters for config '%s': %w", configName, err)
	}

	p.MultiplierCoefficient, err = sdkmath.LegacyNewDecFromStr(coefficient)
	if err != nil {
		return nil, fmt.Errorf("invalid multiplier coefficient %q: %w", coefficient, err)
	}
	p.MinLockWeeks, p.MaxLockWeeks = uint64(minLock), uint64(maxLock)

	log.Info().Str("config", configName).Int64("blocks_per_week", p.BlocksPerWeek).Msg("Loaded active bonding parameters")
	return &p, nil
}

// GetActiveBondingParametersID returns the params_id of the active version, nil when there is none.
func (s *Store) GetActiveBondingParametersID(ctx context.Context, configName string) (*int64, error) {
	var paramsID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT params_id
		FROM bonding_parameters
		WHERE config_name = $1 AND is_active = TRUE
		ORDER BY activated_at DESC
		LIMIT 1;`, configName,
	).Scan(&paramsID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Debug().Str("config", configName).Msg("No active bonding parameters found")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active bonding parameters ID for config '%s': %w", configName, err)
	}
	return &paramsID, nil
}
