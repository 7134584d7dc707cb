/*

This file contains LiveVault, the custody implementation backed by the Elys chain.

Balances come from the bank gRPC query service, quotes from the AMM ExitPoolEstimation ABCI query and
block heights from the node's RPC status. Every mutation is a transaction signed by the custody key:

  - WithdrawTo is an amm MsgExitPool with slippage protection from a fresh quote, followed in the same
    transaction by a bank MsgSend of the guaranteed output
  - TransferLP out of custody is a bank MsgSend
  - TransferLP into custody is an authz MsgExec of a MsgSend the holder granted the custody account

Each call is a single transaction and waits for block inclusion before returning.

*/

package vault

import (
	"context"
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"
	sdk "github.com/cosmos/cosmos-sdk/types"
	banktypes "github.com/cosmos/cosmos-sdk/x/bank/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"

	"github.com/elys-network/lpbond/internal/logger"
	"github.com/elys-network/lpbond/internal/simulations"
	"github.com/elys-network/lpbond/internal/wallet"
)

// Error definitions for zero-tolerance error handling
var (
	ErrInvalidConnection = errors.New("connection is invalid")
	ErrInvalidResponse   = errors.New("response data is invalid")
	ErrNotCustodySigner  = errors.New("account is not the custody signer")
	ErrTransactionFailed = errors.New("transaction execution failed")
)

var vaultLogger = logger.GetForComponent("vault_client")

// ChainSigner is the custody account's view of the chain.
type ChainSigner interface {
	wallet.Broadcaster
	LatestHeight(ctx context.Context) (int64, error)
}

type exitQuoter func(ctx context.Context, rpcEndpoint string, poolID uint64, sharesIn sdkmath.Int, tokenOutDenom string) (simulations.ExitPoolEstimationResult, error)

// LiveConfig configures a LiveVault.
type LiveConfig struct {
	PoolID            uint64
	LpDenom           string
	AssetDenoms       []string
	NodeRPC           string
	SlippageTolerance sdkmath.LegacyDec
}

func (c LiveConfig) validate() error {
	if c.PoolID == 0 {
		return errors.New("pool ID cannot be zero")
	}
	if err := sdk.ValidateDenom(c.LpDenom); err != nil {
		return fmt.Errorf("invalid lp denom: %w", err)
	}
	if len(c.AssetDenoms) == 0 {
		return fmt.Errorf("%w: no pool assets configured", ErrUnknownAsset)
	}
	for _, d := range c.AssetDenoms {
		if err := sdk.ValidateDenom(d); err != nil {
			return fmt.Errorf("invalid asset denom %q: %w", d, err)
		}
	}
	if c.NodeRPC == "" {
		return errors.New("node RPC endpoint cannot be empty")
	}
	if c.SlippageTolerance.IsNil() || c.SlippageTolerance.IsNegative() || c.SlippageTolerance.GTE(sdkmath.LegacyOneDec()) {
		return errors.New("slippage tolerance must be in [0, 1)")
	}
	return nil
}

// LiveVault implements Custody against an Elys node.
type LiveVault struct {
	cfg LiveConfig

	grpcConn *grpc.ClientConn
	bank     banktypes.QueryClient
	signer   ChainSigner
	txs      *wallet.TransactionBuilder
	quote    exitQuoter
}

var _ Custody = (*LiveVault)(nil)

// NewLiveVault creates a live custody client. The signer's key is the custody account.
func NewLiveVault(cfg LiveConfig, grpcConn *grpc.ClientConn, signer ChainSigner) (*LiveVault, error) {
	if grpcConn == nil {
		return nil, errors.Join(ErrInvalidConnection, errors.New("gRPC connection cannot be nil"))
	}
	v, err := newLiveVault(cfg, banktypes.NewQueryClient(grpcConn), signer)
	if err != nil {
		return nil, err
	}
	v.grpcConn = grpcConn
	return v, nil
}

func newLiveVault(cfg LiveConfig, bank banktypes.QueryClient, signer ChainSigner) (*LiveVault, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid live vault config: %w", err)
	}
	if bank == nil || signer == nil {
		return nil, errors.Join(ErrInvalidConnection, errors.New("bank client and signer are required"))
	}

	v := &LiveVault{
		cfg:    cfg,
		bank:   bank,
		signer: signer,
		txs:    wallet.NewTransactionBuilder(signer),
		quote:  simulations.SimulateLeavePool,
	}

	vaultLogger.Info().
		Str("custody", signer.Address()).
		Uint64("poolId", cfg.PoolID).
		Str("lpDenom", cfg.LpDenom).
		Strs("assets", cfg.AssetDenoms).
		Msg("Live vault initialized")

	return v, nil
}

// Custody returns the custody account, the signer's address.
func (v *LiveVault) Custody() string { return v.signer.Address() }

func (v *LiveVault) BalanceOf(ctx context.Context, account string) (sdkmath.Int, error) {
	return v.balance(ctx, account, v.cfg.LpDenom)
}

func (v *LiveVault) balance(ctx context.Context, account, denom string) (sdkmath.Int, error) {
	if account == "" {
		return sdkmath.Int{}, ErrInvalidAccount
	}
	if err := v.ensureConnection(); err != nil {
		return sdkmath.Int{}, err
	}
	res, err := v.bank.Balance(ctx, &banktypes.QueryBalanceRequest{Address: account, Denom: denom})
	if err != nil {
		return sdkmath.Int{}, fmt.Errorf("query %s balance of %s: %w", denom, account, err)
	}
	if res == nil || res.Balance == nil || res.Balance.Amount.IsNil() {
		return sdkmath.ZeroInt(), nil
	}
	if res.Balance.Amount.IsNegative() {
		return sdkmath.Int{}, fmt.Errorf("%w: negative balance %s", ErrInvalidResponse, res.Balance)
	}
	return res.Balance.Amount, nil
}

func (v *LiveVault) AssetDenom(assetIndex int) (string, error) {
	if assetIndex < 0 || assetIndex >= len(v.cfg.AssetDenoms) {
		return "", fmt.Errorf("%w: index %d", ErrUnknownAsset, assetIndex)
	}
	return v.cfg.AssetDenoms[assetIndex], nil
}

func (v *LiveVault) Quote(ctx context.Context, amountIn sdkmath.Int, assetIndex int) (sdkmath.Int, error) {
	denom, err := v.AssetDenom(assetIndex)
	if err != nil {
		return sdkmath.Int{}, err
	}
	if amountIn.IsNil() || !amountIn.IsPositive() {
		return sdkmath.Int{}, ErrInvalidTransferAmount
	}
	est, err := v.quote(ctx, v.cfg.NodeRPC, v.cfg.PoolID, amountIn, denom)
	if err != nil {
		return sdkmath.Int{}, fmt.Errorf("estimate exit of %s lp: %w", amountIn, err)
	}
	return est.AmountOf(denom), nil
}

// WithdrawTo exits amount of custody LP into one pool asset and sends the slippage floor of the quote to
// recipient in the same transaction, so the chain applies both or neither. Output above the floor stays in
// custody as pool asset, outside the LP books.
func (v *LiveVault) WithdrawTo(ctx context.Context, account, recipient string, amount sdkmath.Int, assetIndex int) (sdkmath.Int, error) {
	if err := v.requireSigner(account); err != nil {
		return sdkmath.Int{}, err
	}
	if recipient == "" {
		return sdkmath.Int{}, ErrInvalidAccount
	}
	denom, err := v.AssetDenom(assetIndex)
	if err != nil {
		return sdkmath.Int{}, err
	}

	expected, err := v.Quote(ctx, amount, assetIndex)
	if err != nil {
		return sdkmath.Int{}, err
	}
	minOut, err := wallet.MinimumOut(expected, v.cfg.SlippageTolerance)
	if err != nil {
		return sdkmath.Int{}, err
	}
	exit, err := v.txs.ExitPoolMessage(v.cfg.PoolID, amount, denom, minOut)
	if err != nil {
		return sdkmath.Int{}, err
	}
	msgs := []sdk.Msg{exit}
	if minOut.IsPositive() {
		send, err := v.txs.SendMessage(recipient, denom, minOut)
		if err != nil {
			return sdkmath.Int{}, err
		}
		msgs = append(msgs, send)
	}

	res, err := v.txs.Execute(ctx, msgs...)
	if err != nil {
		return sdkmath.Int{}, errors.Join(ErrTransactionFailed, err)
	}

	vaultLogger.Info().
		Str("txHash", res.TxHash).
		Str("lpBurned", amount.String()).
		Str("expected", expected.String()).
		Str("forwarded", minOut.String()).
		Str("denom", denom).
		Str("recipient", recipient).
		Msg("Exited pool and forwarded proceeds")

	return minOut, nil
}

func (v *LiveVault) TransferLP(ctx context.Context, from, to string, amount sdkmath.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}

	var msg sdk.Msg
	var err error
	if from == v.Custody() {
		msg, err = v.txs.SendMessage(to, v.cfg.LpDenom, amount)
	} else {
		// Pulls rely on a send authorization from the holder; without one MsgExec fails on chain.
		msg, err = v.txs.PullMessage(from, to, v.cfg.LpDenom, amount)
	}
	if err != nil {
		return err
	}

	res, err := v.txs.Execute(ctx, msg)
	if err != nil {
		return errors.Join(ErrTransactionFailed, err)
	}
	vaultLogger.Info().
		Str("txHash", res.TxHash).
		Str("from", from).
		Str("to", to).
		Str("amount", amount.String()).
		Msg("LP transferred")
	return nil
}

func (v *LiveVault) CurrentBlock(ctx context.Context) (int64, error) {
	height, err := v.signer.LatestHeight(ctx)
	if err != nil {
		return 0, err
	}
	if height <= 0 {
		return 0, fmt.Errorf("%w: block height %d", ErrInvalidResponse, height)
	}
	return height, nil
}

// Close closes the gRPC connection.
func (v *LiveVault) Close() error {
	if v.grpcConn == nil {
		return nil
	}
	if err := v.grpcConn.Close(); err != nil {
		vaultLogger.Error().Err(err).Msg("Error closing gRPC connection")
		return fmt.Errorf("failed to close gRPC connection: %w", err)
	}
	vaultLogger.Debug().Msg("Live vault closed")
	return nil
}

func (v *LiveVault) requireSigner(account string) error {
	if account != v.Custody() {
		return fmt.Errorf("%w: %s", ErrNotCustodySigner, account)
	}
	return nil
}

// ensureConnection fails fast when the gRPC connection is known to be down.
func (v *LiveVault) ensureConnection() error {
	if v.grpcConn == nil {
		return nil
	}
	state := v.grpcConn.GetState()
	if state == connectivity.TransientFailure || state == connectivity.Shutdown {
		return errors.Join(ErrInvalidConnection, fmt.Errorf("gRPC connection is %s", state))
	}
	return nil
}

func checkAmount(amount sdkmath.Int) error {
	if amount.IsNil() || !amount.IsPositive() {
		return ErrInvalidTransferAmount
	}
	return nil
}
