package wallet

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	rpchttp "github.com/cometbft/cometbft/rpc/client/http"
	"github.com/cosmos/cosmos-sdk/client"
	"github.com/cosmos/cosmos-sdk/client/flags"
	"github.com/cosmos/cosmos-sdk/client/tx"
	"github.com/cosmos/cosmos-sdk/crypto/codec"
	"github.com/cosmos/cosmos-sdk/crypto/keyring"
	sdk "github.com/cosmos/cosmos-sdk/types"
	txtypes "github.com/cosmos/cosmos-sdk/types/tx"
	"github.com/cosmos/cosmos-sdk/types/tx/signing"
	authtx "github.com/cosmos/cosmos-sdk/x/auth/tx"
	authtypes "github.com/cosmos/cosmos-sdk/x/auth/types"
	"github.com/cosmos/cosmos-sdk/x/authz"
	banktypes "github.com/cosmos/cosmos-sdk/x/bank/types"
	elysapp "github.com/elys-network/elys/v6/app"
	"github.com/elys-network/elys/v6/app/params"
	ammtypes "github.com/elys-network/elys/v6/x/amm/types"
	"google.golang.org/grpc"

	"github.com/elys-network/lpbond/internal/config"
	"github.com/elys-network/lpbond/internal/logger"
)

// Error definitions for zero-tolerance error handling
var (
	ErrInvalidConfig          = errors.New("invalid configuration")
	ErrKeyringInit            = errors.New("keyring initialization failed")
	ErrKeyNotFound            = errors.New("signing key not found")
	ErrRPCConnectionFailed    = errors.New("RPC connection failed")
	ErrGRPCConnectionInvalid  = errors.New("gRPC connection is invalid")
	ErrTxBuildFailed          = errors.New("transaction build failed")
	ErrTxSignFailed           = errors.New("transaction signing failed")
	ErrTxBroadcastFailed      = errors.New("transaction broadcast failed")
	ErrTxNotIncluded          = errors.New("transaction not included in a block")
	ErrSDKConfigFailed        = errors.New("SDK configuration failed")
	ErrClientContextInvalid   = errors.New("client context is invalid")
	ErrAccountRetrievalFailed = errors.New("account retrieval failed")
)

var walletLogger = logger.GetForComponent("wallet_client")

// Thread-safe SDK configuration using sync.Once
var sdkConfigOnce sync.Once
var sdkConfigError error

// Config is everything a signing client needs to reach the chain and pay for gas.
type Config struct {
	ChainID         string
	KeyName         string
	KeyringDir      string
	KeyringBackend  string
	NodeRPC         string
	DefaultGasLimit uint64
	GasAdjustment   float64
	GasPriceAmount  string
	GasPriceDenom   string
}

// ConfigFromEnv copies the loaded application config.
func ConfigFromEnv() Config {
	return Config{
		ChainID:         config.ChainID,
		KeyName:         config.KeyName,
		KeyringDir:      config.KeyringDir,
		KeyringBackend:  config.KeyringBackend,
		NodeRPC:         config.NodeRPC,
		DefaultGasLimit: config.DefaultGasLimit,
		GasAdjustment:   config.GasAdjustment,
		GasPriceAmount:  config.GasPriceAmount,
		GasPriceDenom:   config.GasPriceDenom,
	}
}

// Validate checks all wallet configuration parameters.
func (c Config) Validate() error {
	if c.ChainID == "" {
		return errors.New("chain ID cannot be empty")
	}
	if c.KeyName == "" {
		return errors.New("key name cannot be empty")
	}
	if c.KeyringDir == "" {
		return errors.New("keyring directory cannot be empty")
	}
	if c.KeyringBackend == "" {
		return errors.New("keyring backend cannot be empty")
	}
	if c.NodeRPC == "" {
		return errors.New("node RPC endpoint cannot be empty")
	}
	if c.DefaultGasLimit == 0 {
		return errors.New("default gas limit cannot be zero")
	}
	if math.IsNaN(c.GasAdjustment) || math.IsInf(c.GasAdjustment, 0) {
		return errors.New("gas adjustment is not finite")
	}
	if c.GasAdjustment <= 0 || c.GasAdjustment > 10 {
		return errors.New("gas adjustment must be between 0 and 10")
	}
	if c.GasPriceAmount == "" {
		return errors.New("gas price amount cannot be empty")
	}
	if c.GasPriceDenom == "" {
		return errors.New("gas price denomination cannot be empty")
	}
	return nil
}

// GasPrice formats the configured gas price as a coin string.
func (c Config) GasPrice() string {
	return c.GasPriceAmount + c.GasPriceDenom
}

// SigningClient signs and broadcasts transactions for the custody account.
type SigningClient struct {
	cfg         Config
	clientCtx   client.Context
	txFactory   tx.Factory
	keyring     keyring.Keyring
	rpcClient   *rpchttp.HTTP
	grpcConn    *grpc.ClientConn
	fromAddress sdk.AccAddress

	// serializes sequence numbers across concurrent broadcasts
	mu sync.Mutex
}

// NewSigningClient creates a new signing client with comprehensive validation
func NewSigningClient(cfg Config, grpcConn *grpc.ClientConn) (*SigningClient, error) {
	if grpcConn == nil {
		return nil, errors.Join(ErrGRPCConnectionInvalid, errors.New("gRPC connection cannot be nil"))
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}

	if err := ConfigureSDK(); err != nil {
		return nil, errors.Join(ErrSDKConfigFailed, err)
	}

	encodingConfig, err := createEncodingConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to create encoding config: %w", err)
	}

	kr, err := initializeKeyring(cfg, encodingConfig)
	if err != nil {
		return nil, errors.Join(ErrKeyringInit, err)
	}

	fromAddress, err := getAndValidateKey(kr, cfg.KeyName)
	if err != nil {
		return nil, errors.Join(ErrKeyNotFound, err)
	}

	rpcClient, err := rpchttp.New(cfg.NodeRPC, "/websocket")
	if err != nil {
		return nil, errors.Join(ErrRPCConnectionFailed, fmt.Errorf("failed to create RPC client: %w", err))
	}

	clientCtx, err := createClientContext(cfg, encodingConfig, kr, grpcConn, rpcClient, fromAddress)
	if err != nil {
		return nil, errors.Join(ErrClientContextInvalid, err)
	}

	txFactory := tx.Factory{}.
		WithChainID(cfg.ChainID).
		WithKeybase(kr).
		WithGas(cfg.DefaultGasLimit).
		WithGasAdjustment(cfg.GasAdjustment).
		WithGasPrices(cfg.GasPrice()).
		WithSignMode(signing.SignMode_SIGN_MODE_DIRECT).
		WithAccountRetriever(clientCtx.AccountRetriever).
		WithTxConfig(clientCtx.TxConfig)

	s := &SigningClient{
		cfg:         cfg,
		clientCtx:   clientCtx,
		txFactory:   txFactory,
		keyring:     kr,
		rpcClient:   rpcClient,
		grpcConn:    grpcConn,
		fromAddress: fromAddress,
	}

	walletLogger.Info().
		Str("address", fromAddress.String()).
		Str("keyName", cfg.KeyName).
		Str("chainID", cfg.ChainID).
		Str("rpcEndpoint", cfg.NodeRPC).
		Msg("Signing client initialized")

	return s, nil
}

// ConfigureSDK sets the Elys bech32 prefixes once per process.
func ConfigureSDK() error {
	sdkConfigOnce.Do(func() {
		sdkConfig := sdk.GetConfig()
		if sdkConfig == nil {
			sdkConfigError = errors.New("failed to get SDK config")
			return
		}

		sdkConfig.SetBech32PrefixForAccount("elys", "elyspub")
		sdkConfig.SetBech32PrefixForValidator("elysvaloper", "elysvaloperpub")
		sdkConfig.SetBech32PrefixForConsensusNode("elysvalcons", "elysvalconspub")
		sdkConfig.Seal()

		walletLogger.Debug().Msg("SDK configuration initialized successfully")
	})
	return sdkConfigError
}

func initializeKeyring(cfg Config, encodingConfig params.EncodingConfig) (keyring.Keyring, error) {
	if err := os.MkdirAll(cfg.KeyringDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create keyring directory: %w", err)
	}

	kr, err := keyring.New("elysd", cfg.KeyringBackend, cfg.KeyringDir, os.Stdin, encodingConfig.Marshaler)
	if err != nil {
		return nil, fmt.Errorf("failed to create keyring: %w", err)
	}
	if kr == nil {
		return nil, errors.New("keyring creation returned nil")
	}
	return kr, nil
}

func getAndValidateKey(kr keyring.Keyring, keyName string) (sdk.AccAddress, error) {
	keyInfo, err := kr.Key(keyName)
	if err != nil {
		return nil, fmt.Errorf("key '%s' not found in keyring: %w", keyName, err)
	}

	fromAddress, err := keyInfo.GetAddress()
	if err != nil {
		return nil, fmt.Errorf("failed to get address from key: %w", err)
	}
	if err := sdk.VerifyAddressFormat(fromAddress); err != nil {
		return nil, fmt.Errorf("invalid address format: %w", err)
	}
	return fromAddress, nil
}

// createEncodingConfig creates and validates encoding configuration
func createEncodingConfig() (params.EncodingConfig, error) {
	encodingConfig := elysapp.MakeEncodingConfig()

	if encodingConfig.Marshaler == nil {
		return encodingConfig, errors.New("marshaler is nil in encoding config")
	}
	if encodingConfig.InterfaceRegistry == nil {
		return encodingConfig, errors.New("interface registry is nil in encoding config")
	}

	authtypes.RegisterInterfaces(encodingConfig.InterfaceRegistry)
	codec.RegisterInterfaces(encodingConfig.InterfaceRegistry)

	// Every message the custody account signs, needed to decode queried transactions.
	banktypes.RegisterInterfaces(encodingConfig.InterfaceRegistry)
	authz.RegisterInterfaces(encodingConfig.InterfaceRegistry)
	ammtypes.RegisterInterfaces(encodingConfig.InterfaceRegistry)

	return encodingConfig, nil
}

func createClientContext(
	cfg Config,
	encodingConfig params.EncodingConfig,
	kr keyring.Keyring,
	grpcConn *grpc.ClientConn,
	rpcClient *rpchttp.HTTP,
	fromAddress sdk.AccAddress,
) (client.Context, error) {
	txConfig := authtx.NewTxConfig(encodingConfig.Marshaler, authtx.DefaultSignModes)
	if txConfig == nil {
		return client.Context{}, errors.New("tx config creation returned nil")
	}

	clientCtx := client.Context{}.
		WithCodec(encodingConfig.Marshaler).
		WithInterfaceRegistry(encodingConfig.InterfaceRegistry).
		WithTxConfig(txConfig).
		WithInput(os.Stdin).
		WithAccountRetriever(authtypes.AccountRetriever{}).
		WithBroadcastMode(flags.BroadcastSync).
		WithHomeDir(cfg.KeyringDir).
		WithKeyring(kr).
		WithChainID(cfg.ChainID).
		WithGRPCClient(grpcConn).
		WithClient(rpcClient).
		WithFromAddress(fromAddress).
		WithFromName(cfg.KeyName)

	if err := validateClientContext(clientCtx); err != nil {
		return client.Context{}, err
	}
	return clientCtx, nil
}

// validateClientContext validates the client context
func validateClientContext(clientCtx client.Context) error {
	if clientCtx.Codec == nil {
		return errors.New("codec is nil in client context")
	}
	if clientCtx.InterfaceRegistry == nil {
		return errors.New("interface registry is nil in client context")
	}
	if clientCtx.TxConfig == nil {
		return errors.New("tx config is nil in client context")
	}
	if clientCtx.Keyring == nil {
		return errors.New("keyring is nil in client context")
	}
	if clientCtx.ChainID == "" {
		return errors.New("chain ID is empty in client context")
	}
	if len(clientCtx.FromAddress) == 0 {
		return errors.New("from address is empty in client context")
	}
	if clientCtx.FromName == "" {
		return errors.New("from name is empty in client context")
	}
	return nil
}

// validateMessages runs ValidateBasic on every message that has one.
func validateMessages(msgs []sdk.Msg) error {
	if len(msgs) == 0 {
		return errors.New("messages cannot be empty")
	}
	for i, msg := range msgs {
		if msg == nil {
			return fmt.Errorf("message %d is nil", i)
		}
		if validator, ok := msg.(interface{ ValidateBasic() error }); ok {
			if err := validator.ValidateBasic(); err != nil {
				return fmt.Errorf("message %d validation failed: %w", i, err)
			}
		}
	}
	return nil
}

// SignAndBroadcastTx signs msgs with the custody key and broadcasts them in sync mode.
func (s *SigningClient) SignAndBroadcastTx(ctx context.Context, msgs ...sdk.Msg) (*sdk.TxResponse, error) {
	if err := validateMessages(msgs); err != nil {
		walletLogger.Error().Err(err).Msg("SignAndBroadcastTx: Message validation failed")
		return nil, errors.Join(ErrTxBuildFailed, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	account, err := s.clientCtx.AccountRetriever.GetAccount(s.clientCtx, s.fromAddress)
	if err != nil {
		walletLogger.Error().Err(err).Msg("SignAndBroadcastTx: Failed to get account info")
		return nil, errors.Join(ErrAccountRetrievalFailed, fmt.Errorf("failed to get account info: %w", err))
	}

	estimatedGas, err := s.CalculateGas(ctx, account, msgs...)
	if err != nil {
		walletLogger.Warn().Err(err).Msg("SignAndBroadcastTx: Gas estimation failed, using default gas limit")
		estimatedGas = s.cfg.DefaultGasLimit
	}

	factory := s.txFactory.
		WithAccountNumber(account.GetAccountNumber()).
		WithSequence(account.GetSequence()).
		WithGas(estimatedGas)

	walletLogger.Debug().
		Uint64("estimatedGas", estimatedGas).
		Str("gasPrice", s.cfg.GasPrice()).
		Uint64("accountNumber", account.GetAccountNumber()).
		Uint64("sequence", account.GetSequence()).
		Msg("SignAndBroadcastTx: Building transaction")

	txBuilder, err := factory.BuildUnsignedTx(msgs...)
	if err != nil {
		return nil, errors.Join(ErrTxBuildFailed, fmt.Errorf("failed to build unsigned tx: %w", err))
	}

	if err := tx.Sign(ctx, factory, s.clientCtx.GetFromName(), txBuilder, true); err != nil {
		return nil, errors.Join(ErrTxSignFailed, fmt.Errorf("failed to sign transaction: %w", err))
	}

	txBytes, err := s.clientCtx.TxConfig.TxEncoder()(txBuilder.GetTx())
	if err != nil {
		return nil, errors.Join(ErrTxBuildFailed, fmt.Errorf("failed to encode transaction: %w", err))
	}

	res, err := s.clientCtx.BroadcastTx(txBytes)
	if err != nil {
		walletLogger.Error().Err(err).Msg("SignAndBroadcastTx: Failed to broadcast transaction")
		return nil, errors.Join(ErrTxBroadcastFailed, fmt.Errorf("failed to broadcast transaction: %w", err))
	}
	if err := validateTxResponse(res); err != nil {
		return nil, errors.Join(ErrTxBroadcastFailed, err)
	}

	walletLogger.Info().
		Str("txHash", res.TxHash).
		Int("messageCount", len(msgs)).
		Msg("SignAndBroadcastTx: Transaction broadcasted successfully")

	return res, nil
}

// CalculateGas simulates msgs to estimate gas usage.
func (s *SigningClient) CalculateGas(ctx context.Context, account client.Account, msgs ...sdk.Msg) (uint64, error) {
	simulationFactory := s.txFactory.
		WithAccountNumber(account.GetAccountNumber()).
		WithSequence(account.GetSequence()).
		WithGas(0)

	txBytes, err := simulationFactory.BuildSimTx(msgs...)
	if err != nil {
		return 0, fmt.Errorf("failed to build simulation transaction: %w", err)
	}

	simRes, err := txtypes.NewServiceClient(s.grpcConn).Simulate(ctx, &txtypes.SimulateRequest{TxBytes: txBytes})
	if err != nil {
		return 0, fmt.Errorf("gas simulation failed: %w", err)
	}
	if simRes == nil || simRes.GasInfo == nil || simRes.GasInfo.GasUsed == 0 {
		return 0, errors.New("simulation returned no gas usage")
	}

	return adjustGas(simRes.GasInfo.GasUsed, s.cfg.GasAdjustment)
}

// adjustGas applies the gas adjustment and a fixed 10k safety buffer.
func adjustGas(simulated uint64, adjustment float64) (uint64, error) {
	if adjustment <= 0 {
		return 0, fmt.Errorf("invalid gas adjustment: %f", adjustment)
	}
	adjusted := uint64(adjustment * float64(simulated))
	if adjusted == 0 {
		return 0, errors.New("adjusted gas calculation resulted in zero")
	}
	return adjusted + 10000, nil
}

// QueryTxByHash queries a transaction by its hash to get complete execution details
func (s *SigningClient) QueryTxByHash(ctx context.Context, txHash string) (*sdk.TxResponse, error) {
	if txHash == "" {
		return nil, errors.New("transaction hash cannot be empty")
	}

	txResponse, err := authtx.QueryTx(s.clientCtx.WithCmdContext(ctx), txHash)
	if err != nil {
		return nil, fmt.Errorf("failed to query transaction %s: %w", txHash, err)
	}
	if txResponse == nil {
		return nil, fmt.Errorf("transaction %s not found", txHash)
	}
	return txResponse, nil
}

// WaitForInclusion polls for txHash with exponential backoff until it lands in a block.
// A transaction included with a non-zero code is returned as an error.
func (s *SigningClient) WaitForInclusion(ctx context.Context, txHash string) (*sdk.TxResponse, error) {
	return waitForInclusion(ctx, txHash, s.QueryTxByHash, inclusionBackoff{
		attempts:  30,
		baseDelay: 2 * time.Second,
		maxDelay:  30 * time.Second,
	})
}

type inclusionBackoff struct {
	attempts  int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func waitForInclusion(
	ctx context.Context,
	txHash string,
	query func(context.Context, string) (*sdk.TxResponse, error),
	backoff inclusionBackoff,
) (*sdk.TxResponse, error) {
	if txHash == "" {
		return nil, errors.New("transaction hash cannot be empty")
	}

	for attempt := 1; attempt <= backoff.attempts; attempt++ {
		delay := time.Duration(float64(backoff.baseDelay) * math.Pow(1.5, float64(attempt-1)))
		if delay > backoff.maxDelay {
			delay = backoff.maxDelay
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		queryCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		txResponse, err := query(queryCtx, txHash)
		cancel()
		if err != nil {
			walletLogger.Debug().
				Err(err).
				Str("txHash", txHash).
				Int("attempt", attempt).
				Msg("Transaction not yet available, will retry")
			continue
		}

		if txResponse.Code != 0 {
			return txResponse, fmt.Errorf("%w: transaction %s failed with code %d: %s",
				ErrTxNotIncluded, txHash, txResponse.Code, txResponse.RawLog)
		}

		walletLogger.Info().
			Str("txHash", txHash).
			Int("attempt", attempt).
			Int64("height", txResponse.Height).
			Int64("gasUsed", txResponse.GasUsed).
			Msg("Transaction included in block")
		return txResponse, nil
	}

	return nil, fmt.Errorf("%w: %s after %d attempts", ErrTxNotIncluded, txHash, backoff.attempts)
}

// LatestHeight returns the node's latest committed block height.
func (s *SigningClient) LatestHeight(ctx context.Context) (int64, error) {
	status, err := s.rpcClient.Status(ctx)
	if err != nil {
		return 0, errors.Join(ErrRPCConnectionFailed, fmt.Errorf("failed to query node status: %w", err))
	}
	return status.SyncInfo.LatestBlockHeight, nil
}

// Address returns the signing address in bech32 form.
func (s *SigningClient) Address() string {
	return s.fromAddress.String()
}

// Close releases the RPC client. The gRPC connection belongs to the caller.
func (s *SigningClient) Close() error {
	if s.rpcClient != nil && s.rpcClient.IsRunning() {
		if err := s.rpcClient.Stop(); err != nil {
			return fmt.Errorf("failed to stop RPC client: %w", err)
		}
	}
	return nil
}

// validateTxResponse validates a broadcast response. Code 0 means the tx passed CheckTx.
func validateTxResponse(res *sdk.TxResponse) error {
	if res == nil {
		return errors.New("transaction response is nil")
	}
	if res.TxHash == "" {
		return errors.New("transaction hash is empty")
	}
	if res.Code != 0 {
		return fmt.Errorf("transaction failed with code %d: %s", res.Code, res.RawLog)
	}
	return nil
}
