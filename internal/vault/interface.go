package vault

import (
	"context"
	"errors"

	sdkmath "cosmossdk.io/math"
)

// Error definitions shared by every custody implementation
var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrUnknownAsset          = errors.New("unknown pool asset")
	ErrInvalidAccount        = errors.New("account is invalid")
	ErrInvalidTransferAmount = errors.New("transfer amount is invalid")
)

// AMM is the liquidity pool the bonded LP belongs to.
type AMM interface {
	// BalanceOf returns the LP balance held by account.
	BalanceOf(ctx context.Context, account string) (sdkmath.Int, error)

	// WithdrawTo burns amount of LP held by account and pays the single pool asset it exits into to
	// recipient. The exit and the payout apply together or not at all. It returns what recipient received.
	WithdrawTo(ctx context.Context, account, recipient string, amount sdkmath.Int, assetIndex int) (sdkmath.Int, error)

	// Quote prices a withdrawal of amountIn LP into assetIndex without executing it.
	Quote(ctx context.Context, amountIn sdkmath.Int, assetIndex int) (sdkmath.Int, error)

	// AssetDenom names the pool asset at assetIndex.
	AssetDenom(assetIndex int) (string, error)
}

// Transfers moves LP between accounts.
type Transfers interface {
	// TransferLP moves LP. Pulling from an account other than custody requires a prior approval.
	TransferLP(ctx context.Context, from, to string, amount sdkmath.Int) error
}

// BlockSource reports the current block height.
type BlockSource interface {
	CurrentBlock(ctx context.Context) (int64, error)
}

// Custody bundles everything the bonding controller needs from the outside world.
type Custody interface {
	AMM
	Transfers
	BlockSource

	// Close cleans up any resources used by the implementation.
	Close() error
}
