package main

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/elys-network/lpbond/internal/auditor"
	"github.com/elys-network/lpbond/internal/bonding"
	"github.com/elys-network/lpbond/internal/config"
	"github.com/elys-network/lpbond/internal/logger"
	"github.com/elys-network/lpbond/internal/metrics"
	"github.com/elys-network/lpbond/internal/state"
	"github.com/elys-network/lpbond/internal/types"
	"github.com/elys-network/lpbond/internal/utils"
	"github.com/elys-network/lpbond/internal/vault"
	"github.com/elys-network/lpbond/internal/wallet"
	"github.com/elys-network/lpbond/internal/web"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

const shutdownTimeout = 15 * time.Second

// logEmitter writes every committed event to the log.
type logEmitter struct{}

func (logEmitter) Emit(evt types.Event) {
	log.Debug().
		Str("type", evt.Type).
		Int64("block", evt.Block).
		Str("operationId", evt.OperationID).
		Interface("attributes", evt.Attributes).
		Msg("Bond event")
}

// main is the entry point for the bonding service.
func main() {
	// --- 1. Initialization Phase ---
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("Warning: .env file not found. Relying on OS environment variables.")
	}

	if err := config.LoadConfig(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	initLogging()
	log.Info().Str("mode", config.VaultMode).Msg("LP bonding service starting...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Persistence is optional. Without DB_HOST the books live only in memory.
	var store *state.Store
	if config.DBHost != "" {
		store = openStore()
		defer state.CloseDB()
	} else {
		log.Warn().Msg("DB_HOST not set, running without persistence")
	}

	params := loadParameters(ctx, store)

	// --- 2. Custody Initialization (with Safety Switch) ---
	custody, closeCustody := openCustody()
	defer closeCustody()

	// --- 3. Controller ---
	m := metrics.New(prometheus.DefaultRegisterer)
	opts := []bonding.Option{bonding.WithObserver(m)}
	if store != nil {
		opts = append(opts, bonding.WithCheckpointer(store), bonding.WithEmitter(store.NewEventSink(logEmitter{})))
	} else {
		opts = append(opts, bonding.WithEmitter(logEmitter{}))
	}

	ctrl, err := bonding.New(bonding.Config{
		CustodyAddress:   config.CustodyAddress,
		TreasuryAddress:  config.TreasuryAddress,
		Admins:           config.AdminAddresses,
		Migrators:        config.MigratorAddresses,
		Params:           params,
		MigrationEnabled: config.MigrationEnabled,
	}, custody, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create bonding controller")
	}

	if store != nil {
		restore(ctx, store, ctrl)
	}

	report, err := ctrl.CheckInvariants(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to audit books at startup")
	}
	if !report.OK() {
		log.Error().Interface("violations", report.Violations).Msg("Books are inconsistent at startup")
	}

	// --- 4. Auditor ---
	auditCfg := auditor.Config{Books: ctrl, Metrics: m, ConfigName: state.DefaultConfigName}
	if store != nil {
		auditCfg.Store = store
	}
	aud, err := auditor.NewAuditor(auditCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create auditor")
	}
	go aud.RunLoop(ctx, config.AuditInterval)

	// --- 5. Web Server ---
	webCfg := web.Config{Port: config.WebPort, Books: ctrl, Audits: aud, Gatherer: prometheus.DefaultGatherer}
	if pool, ok := custody.(web.PoolSource); ok {
		webCfg.Pool = pool
	}
	if store != nil {
		webCfg.Store = store
	}
	webServer, err := web.NewWebServer(webCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create web server")
	}
	go func() {
		log.Info().Str("port", config.WebPort).Str("url", "http://localhost:"+config.WebPort).Msg("Starting bonding API")
		if err := webServer.Start(); err != nil {
			log.Error().Err(err).Msg("Web server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := webServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Web server shutdown failed")
	}
	if store != nil {
		if err := store.SaveCheckpoint(shutdownCtx, ctrl.Snapshot()); err != nil {
			log.Error().Err(err).Msg("Failed to save final checkpoint")
		}
	}
}

// initLogging tees console output into LOG_FILE when it is set.
func initLogging() {
	path := os.Getenv("LOG_FILE")
	if path == "" {
		logger.Initialize(config.LogLevel)
		return
	}
	file, err := logger.FileWriter(path)
	if err != nil {
		logger.Initialize(config.LogLevel)
		log.Error().Err(err).Str("path", path).Msg("Failed to open log file, logging to console only")
		return
	}
	console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02 15:04:05"}
	logger.InitializeWithWriter(config.LogLevel, io.MultiWriter(console, file))
}

func openStore() *state.Store {
	dbCfg := state.DBConfig{
		Host: config.DBHost, Port: config.DBPort,
		User: config.DBUser, Password: config.DBPassword,
		DBName: config.DBName, SSLMode: config.DBSSLMode,
	}
	if err := state.InitDB(dbCfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	if err := state.EnsureSchema(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure database schema")
	}
	store, err := state.NewStore(state.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create store")
	}
	return store
}

// loadParameters prefers the active stored version, then the environment. A fresh database gets the
// environment's parameters saved as version 1.
func loadParameters(ctx context.Context, store *state.Store) types.BondingParameters {
	if store != nil {
		params, err := store.LoadActiveBondingParameters(ctx, state.DefaultConfigName)
		if err == nil {
			log.Info().Msg("Bonding parameters loaded from database.")
			return *params
		}
		if !errors.Is(err, state.ErrNoActiveParameters) {
			log.Fatal().Err(err).Msg("Failed to load active bonding parameters")
		}
	}

	params, err := config.LoadBondingParameters()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid bonding parameters")
	}
	if store != nil {
		log.Warn().Msg("No active bonding parameters, saving the configured ones.")
		if _, _, err := store.SaveBondingParameters(ctx, params, state.DefaultConfigName, true); err != nil {
			log.Fatal().Err(err).Msg("Failed to save initial bonding parameters")
		}
	}
	return params
}

func restore(ctx context.Context, store *state.Store, ctrl *bonding.Controller) {
	cp, err := store.LoadCheckpoint(ctx)
	if errors.Is(err, state.ErrNoCheckpoint) {
		log.Info().Msg("No checkpoint stored, starting with empty books")
		return
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load checkpoint")
	}
	if err := ctrl.Restore(ctx, cp); err != nil {
		log.Fatal().Err(err).Msg("Failed to restore checkpoint")
	}
	log.Info().Int64("block", cp.Block).Int("bonds", len(cp.Registry.Bonds)).Msg("Books restored from checkpoint")
}

// openCustody returns the configured custody and its close function.
func openCustody() (vault.Custody, func()) {
	if config.VaultMode != config.VaultModeLive {
		log.Warn().Msg("Initializing in MEMORY mode. No transactions will be broadcast.")
		mv, err := vault.NewMemoryVault(vault.MemoryConfig{
			Custody:     config.CustodyAddress,
			LpDenom:     config.LpDenom,
			AssetDenoms: config.AssetDenoms,
			StartBlock:  1,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize memory vault")
		}
		return mv, func() {}
	}

	log.Warn().Msg("Initializing in LIVE mode. Real transactions will be broadcast.")

	grpcEndpoint := config.NodeGRPC
	var creds grpc.DialOption
	if strings.Contains(grpcEndpoint, ":443") {
		creds = grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{}))
	} else {
		creds = grpc.WithTransportCredentials(insecure.NewCredentials())
	}
	grpcClient, err := grpc.Dial(grpcEndpoint, creds)
	if err != nil {
		log.Fatal().Err(err).Msg("gRPC connection error")
	}
	log.Info().Str("endpoint", grpcEndpoint).Msg("gRPC connected")

	signer, err := wallet.NewSigningClient(wallet.ConfigFromEnv(), grpcClient)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize signing client")
	}
	if signer.Address() != config.CustodyAddress {
		log.Fatal().Str("key", signer.Address()).Str("custody", config.CustodyAddress).Msg("Signing key is not the custody account")
	}

	tolerance, err := utils.ParseDec(strconv.FormatFloat(config.ExitSlippageTolerance, 'f', -1, 64))
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid exit slippage tolerance")
	}
	live, err := vault.NewLiveVault(vault.LiveConfig{
		PoolID:            config.PoolID,
		LpDenom:           config.LpDenom,
		AssetDenoms:       config.AssetDenoms,
		NodeRPC:           config.NodeRPC,
		SlippageTolerance: tolerance,
	}, grpcClient, signer)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize live vault")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool, err := live.PoolInfo(ctx)
	if err != nil {
		log.Fatal().Err(err).Uint64("poolID", config.PoolID).Msg("Failed to fetch pool")
	}
	if err := pool.Check(config.LpDenom, config.AssetDenoms); err != nil {
		log.Fatal().Err(err).Msg("Configured pool does not match the chain")
	}

	return live, func() {
		if err := signer.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close signing client")
		}
		if err := live.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close live vault")
		}
	}
}
