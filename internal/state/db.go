package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"
)

// DB is a global database connection pool.
var DB *sql.DB

var ErrDBNotInitialized = errors.New("database not initialized")

// Tables lists every table owned by the store, children first so they can be dropped in order.
var Tables = []string{
	"audit_reports",
	"bond_events",
	"migration_tickets",
	"legacy_positions",
	"bond_shares",
	"bonds",
	"ledger_globals",
	"bonding_parameters",
}

// DBConfig holds database connection parameters.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string // "disable", "require", "verify-full", etc.
}

// DSN renders the lib/pq connection string.
func (c DBConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// InitDB initializes the database connection pool.
func InitDB(cfg DBConfig) error {
	db, err := Open(cfg.DSN())
	if err != nil {
		return err
	}
	DB = db
	log.Info().Str("host", cfg.Host).Str("db", cfg.DBName).Msg("Successfully connected to the PostgreSQL database!")
	return nil
}

// Open opens and pings a pool for dsn without touching the global.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// CloseDB closes the database connection pool.
func CloseDB() {
	if DB != nil {
		log.Info().Msg("Closing database connection...")
		if err := DB.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing database connection")
		}
	}
}

const schemaSQL = `
	CREATE TABLE IF NOT EXISTS bonding_parameters (
		params_id SERIAL PRIMARY KEY,
		version INTEGER NOT NULL DEFAULT 1,
		config_name VARCHAR(255) NOT NULL DEFAULT 'default',
		is_active BOOLEAN NOT NULL DEFAULT FALSE,
		activated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		blocks_per_week BIGINT NOT NULL,
		multiplier_coefficient NUMERIC(40, 18) NOT NULL,
		min_lock_weeks BIGINT NOT NULL,
		max_lock_weeks BIGINT NOT NULL,
		CONSTRAINT uq_bonding_parameters_config_version UNIQUE (config_name, version)
	);
	CREATE INDEX IF NOT EXISTS idx_bonding_parameters_config_active ON bonding_parameters(config_name, is_active, activated_at DESC);

	-- Single row holding the ledger accumulators at the last successful operation.
	CREATE TABLE IF NOT EXISTS ledger_globals (
		id INTEGER PRIMARY KEY DEFAULT 1,
		seq BIGINT NOT NULL DEFAULT 0,
		block BIGINT NOT NULL,
		next_bond_id BIGINT NOT NULL,
		total_shares NUMERIC(78, 0) NOT NULL,
		acc_reward_per_share NUMERIC(78, 0) NOT NULL,
		rewards_outstanding NUMERIC(78, 0) NOT NULL,
		pooled_balance NUMERIC(78, 0) NOT NULL,
		migration_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		params JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CONSTRAINT single_row_check CHECK (id = 1)
	);
	ALTER TABLE ledger_globals ADD COLUMN IF NOT EXISTS seq BIGINT NOT NULL DEFAULT 0;

	CREATE TABLE IF NOT EXISTS bonds (
		bond_id BIGINT PRIMARY KEY,
		owner VARCHAR(128) NOT NULL,
		minter VARCHAR(128) NOT NULL,
		lp_amount NUMERIC(78, 0) NOT NULL,
		lp_first_deposited NUMERIC(78, 0) NOT NULL,
		creation_block BIGINT NOT NULL,
		end_block BIGINT NOT NULL,
		reward_debt NUMERIC(78, 0) NOT NULL,
		partially_withdrawn BOOLEAN NOT NULL DEFAULT FALSE,
		closed BOOLEAN NOT NULL DEFAULT FALSE,
		migrated_from BIGINT NOT NULL DEFAULT 0,
		halted_reason TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_bonds_owner ON bonds(owner);

	CREATE TABLE IF NOT EXISTS bond_shares (
		bond_id BIGINT PRIMARY KEY,
		shares NUMERIC(78, 0) NOT NULL
	);

	CREATE TABLE IF NOT EXISTS legacy_positions (
		legacy_id BIGINT PRIMARY KEY,
		owner VARCHAR(128) NOT NULL,
		lp_amount NUMERIC(78, 0) NOT NULL,
		duration_weeks BIGINT NOT NULL,
		migrated BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE TABLE IF NOT EXISTS migration_tickets (
		owner VARCHAR(128) NOT NULL,
		legacy_id BIGINT NOT NULL,
		lp_amount NUMERIC(78, 0) NOT NULL,
		duration_weeks BIGINT NOT NULL,
		consumed BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (owner, legacy_id)
	);

	CREATE TABLE IF NOT EXISTS bond_events (
		event_id BIGSERIAL PRIMARY KEY,
		event_type VARCHAR(64) NOT NULL,
		block BIGINT NOT NULL,
		operation_id VARCHAR(64) NOT NULL,
		attributes JSONB NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_bond_events_type ON bond_events(event_type, event_id DESC);
	CREATE INDEX IF NOT EXISTS idx_bond_events_bond ON bond_events((attributes->>'id'));

	CREATE TABLE IF NOT EXISTS audit_reports (
		report_id SERIAL PRIMARY KEY,
		block BIGINT NOT NULL,
		audited_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		params_id INTEGER REFERENCES bonding_parameters(params_id),
		ok BOOLEAN NOT NULL,
		balance NUMERIC(78, 0) NOT NULL,
		owed NUMERIC(78, 0) NOT NULL,
		claimable NUMERIC(78, 0) NOT NULL,
		pending_total NUMERIC(78, 0) NOT NULL,
		shortfall NUMERIC(78, 0) NOT NULL,
		coverage NUMERIC(40, 18) NOT NULL,
		bonds_audited INTEGER NOT NULL,
		holders_seen INTEGER NOT NULL,
		halted_present INTEGER NOT NULL,
		violated_checks TEXT[],
		violations JSONB
	);
	CREATE INDEX IF NOT EXISTS idx_audit_reports_audited_at ON audit_reports(audited_at DESC);
`

// EnsureSchema applies the necessary DDL to create tables if they don't exist.
func EnsureSchema() error {
	return EnsureSchemaOn(DB)
}

// EnsureSchemaOn applies the schema to db.
func EnsureSchemaOn(db *sql.DB) error {
	if db == nil {
		return ErrDBNotInitialized
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema DDL: %w", err)
	}
	log.Info().Int("tables", len(Tables)).Msg("Database schema ensured.")
	return nil
}

// DropSchema drops every store table. Only the reset script and tests call it.
func DropSchema(db *sql.DB) error {
	if db == nil {
		return ErrDBNotInitialized
	}
	for _, table := range Tables {
		if _, err := db.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", table)); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", table, err)
		}
		log.Info().Str("table", table).Msg("Dropped table")
	}
	return nil
}

// Ping checks the store's pool with a short timeout.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}
