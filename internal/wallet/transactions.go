package wallet

import (
	"context"
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"
	codectypes "github.com/cosmos/cosmos-sdk/codec/types"
	sdk "github.com/cosmos/cosmos-sdk/types"
	"github.com/cosmos/cosmos-sdk/x/authz"
	banktypes "github.com/cosmos/cosmos-sdk/x/bank/types"
	ammtypes "github.com/elys-network/elys/v6/x/amm/types"

	"github.com/elys-network/lpbond/internal/logger"
)

// Error definitions for zero-tolerance error handling
var (
	ErrInvalidTokenAmount = errors.New("token amount is invalid")
	ErrInvalidDenom       = errors.New("token denomination is invalid")
	ErrInvalidSlippage    = errors.New("slippage parameters are invalid")
	ErrInvalidPoolID      = errors.New("pool ID is invalid")
	ErrInvalidAddress     = errors.New("address is invalid")
)

var txLogger = logger.GetForComponent("transaction_builder")

// Broadcaster signs, broadcasts and confirms transactions for one account.
type Broadcaster interface {
	Address() string
	SignAndBroadcastTx(ctx context.Context, msgs ...sdk.Msg) (*sdk.TxResponse, error)
	WaitForInclusion(ctx context.Context, txHash string) (*sdk.TxResponse, error)
}

// TransactionBuilder builds the custody account's messages and executes them.
type TransactionBuilder struct {
	signer Broadcaster
}

// NewTransactionBuilder creates a new transaction builder
func NewTransactionBuilder(signer Broadcaster) *TransactionBuilder {
	return &TransactionBuilder{signer: signer}
}

// Sender is the address every built message is signed by.
func (tb *TransactionBuilder) Sender() string {
	return tb.signer.Address()
}

// Execute broadcasts msgs in one transaction and waits until it is included.
func (tb *TransactionBuilder) Execute(ctx context.Context, msgs ...sdk.Msg) (*sdk.TxResponse, error) {
	res, err := tb.signer.SignAndBroadcastTx(ctx, msgs...)
	if err != nil {
		return nil, err
	}
	included, err := tb.signer.WaitForInclusion(ctx, res.TxHash)
	if err != nil {
		txLogger.Error().Err(err).Str("txHash", res.TxHash).Msg("Transaction was not confirmed")
		return nil, err
	}
	txLogger.Info().
		Str("txHash", included.TxHash).
		Int64("height", included.Height).
		Int64("gasUsed", included.GasUsed).
		Int("messageCount", len(msgs)).
		Msg("Transaction executed")
	return included, nil
}

// ExitPoolMessage burns sharesIn LP of poolID into tokenOutDenom, refusing less than minOut.
func (tb *TransactionBuilder) ExitPoolMessage(poolID uint64, sharesIn sdkmath.Int, tokenOutDenom string, minOut sdkmath.Int) (*ammtypes.MsgExitPool, error) {
	if poolID == 0 {
		return nil, errors.Join(ErrInvalidPoolID, errors.New("pool ID cannot be zero"))
	}
	if err := validatePositive(sharesIn, "share amount in"); err != nil {
		return nil, err
	}
	if err := sdk.ValidateDenom(tokenOutDenom); err != nil {
		return nil, errors.Join(ErrInvalidDenom, err)
	}

	var minAmountsOut []sdk.Coin
	if !minOut.IsNil() && minOut.IsPositive() {
		minAmountsOut = []sdk.Coin{sdk.NewCoin(tokenOutDenom, minOut)}
	}

	msg := &ammtypes.MsgExitPool{
		Sender:        tb.Sender(),
		PoolId:        poolID,
		MinAmountsOut: minAmountsOut,
		ShareAmountIn: sharesIn,
		TokenOutDenom: tokenOutDenom,
	}

	txLogger.Info().
		Uint64("poolId", poolID).
		Str("sharesIn", sharesIn.String()).
		Str("tokenOut", tokenOutDenom).
		Str("minOut", minOut.String()).
		Msg("Created exit pool message")

	return msg, nil
}

// SendMessage moves amount of denom from the signer to to.
func (tb *TransactionBuilder) SendMessage(to, denom string, amount sdkmath.Int) (*banktypes.MsgSend, error) {
	return buildSend(tb.Sender(), to, denom, amount)
}

// PullMessage moves amount of denom from granter to to under a bank send authorization granted to the signer.
func (tb *TransactionBuilder) PullMessage(granter, to, denom string, amount sdkmath.Int) (*authz.MsgExec, error) {
	send, err := buildSend(granter, to, denom, amount)
	if err != nil {
		return nil, err
	}
	packed, err := codectypes.NewAnyWithValue(send)
	if err != nil {
		return nil, fmt.Errorf("failed to pack send message: %w", err)
	}

	txLogger.Debug().
		Str("granter", granter).
		Str("grantee", tb.Sender()).
		Str("amount", amount.String()+denom).
		Msg("Created authz pull message")

	return &authz.MsgExec{Grantee: tb.Sender(), Msgs: []*codectypes.Any{packed}}, nil
}

func buildSend(from, to, denom string, amount sdkmath.Int) (*banktypes.MsgSend, error) {
	if from == "" || to == "" {
		return nil, errors.Join(ErrInvalidAddress, errors.New("send addresses cannot be empty"))
	}
	if from == to {
		return nil, errors.Join(ErrInvalidAddress, fmt.Errorf("cannot send from %s to itself", from))
	}
	if err := validatePositive(amount, "send amount"); err != nil {
		return nil, err
	}
	if err := sdk.ValidateDenom(denom); err != nil {
		return nil, errors.Join(ErrInvalidDenom, err)
	}
	return &banktypes.MsgSend{
		FromAddress: from,
		ToAddress:   to,
		Amount:      sdk.NewCoins(sdk.NewCoin(denom, amount)),
	}, nil
}

// MinimumOut applies a slippage tolerance in [0, 1) to an expected payout.
// A positive expectation never yields a zero minimum.
func MinimumOut(expected sdkmath.Int, tolerance sdkmath.LegacyDec) (sdkmath.Int, error) {
	if expected.IsNil() || expected.IsNegative() {
		return sdkmath.Int{}, errors.Join(ErrInvalidTokenAmount, errors.New("expected amount must be non-negative"))
	}
	if tolerance.IsNil() || tolerance.IsNegative() || tolerance.GTE(sdkmath.LegacyOneDec()) {
		return sdkmath.Int{}, errors.Join(ErrInvalidSlippage, fmt.Errorf("tolerance %s outside [0, 1)", tolerance))
	}

	minOut := sdkmath.LegacyNewDecFromInt(expected).Mul(sdkmath.LegacyOneDec().Sub(tolerance)).TruncateInt()
	if minOut.IsZero() && expected.IsPositive() {
		minOut = sdkmath.OneInt()
	}
	return minOut, nil
}

func validatePositive(amount sdkmath.Int, what string) error {
	if amount.IsNil() || !amount.IsPositive() {
		return errors.Join(ErrInvalidTokenAmount, fmt.Errorf("%s must be positive", what))
	}
	return nil
}
