/*

This file contains MemoryVault, an in-process stand-in for the chain. It keeps bank balances per denom,
a single pool that exits at its reserve ratio, a manual block clock, LP allowances for pulls into
custody and one-shot failure injection. Tests and the "memory" run mode use it.

*/

package vault

import (
	"context"
	"fmt"
	"sync"

	sdkmath "cosmossdk.io/math"
	"github.com/elys-network/lpbond/internal/logger"
	"github.com/elys-network/lpbond/internal/utils"
)

// Op names a MemoryVault call that can be made to fail.
type Op string

const (
	OpBalanceOf     Op = "balance_of"
	OpWithdraw      Op = "withdraw"
	OpQuote         Op = "quote"
	OpTransferLP    Op = "transfer_lp"
	OpTransferAsset Op = "transfer_asset" // payout leg of WithdrawTo
	OpCurrentBlock  Op = "current_block"
)

var memoryLogger = logger.GetForComponent("memory_vault")

// MemoryConfig configures a MemoryVault.
type MemoryConfig struct {
	Custody     string
	LpDenom     string
	AssetDenoms []string
	StartBlock  int64
}

// MemoryVault implements Custody in memory. It is safe for concurrent use.
type MemoryVault struct {
	mu sync.Mutex

	custody     string
	lpDenom     string
	assetDenoms []string

	block      int64
	balances   map[string]map[string]sdkmath.Int // denom -> account -> amount
	allowances map[string]sdkmath.Int            // owner -> amount custody may pull
	reserves   []sdkmath.Int
	lpSupply   sdkmath.Int

	failures map[Op]error
}

var _ Custody = (*MemoryVault)(nil)

func NewMemoryVault(cfg MemoryConfig) (*MemoryVault, error) {
	if cfg.Custody == "" {
		return nil, fmt.Errorf("%w: custody account is empty", ErrInvalidAccount)
	}
	if cfg.LpDenom == "" {
		return nil, fmt.Errorf("lp denom is empty")
	}
	if len(cfg.AssetDenoms) == 0 {
		return nil, fmt.Errorf("%w: no pool assets configured", ErrUnknownAsset)
	}
	reserves := make([]sdkmath.Int, len(cfg.AssetDenoms))
	for i := range reserves {
		reserves[i] = sdkmath.ZeroInt()
	}
	return &MemoryVault{
		custody:     cfg.Custody,
		lpDenom:     cfg.LpDenom,
		assetDenoms: append([]string(nil), cfg.AssetDenoms...),
		block:       cfg.StartBlock,
		balances:    make(map[string]map[string]sdkmath.Int),
		allowances:  make(map[string]sdkmath.Int),
		reserves:    reserves,
		lpSupply:    sdkmath.ZeroInt(),
		failures:    make(map[Op]error),
	}, nil
}

// --- simulator controls ---

// MintLP creates LP out of thin air for account and grows the pool supply.
func (m *MemoryVault) MintLP(account string, amount sdkmath.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credit(m.lpDenom, account, amount)
	m.lpSupply = m.lpSupply.Add(amount)
}

// SetReserve sets the pool reserve of an asset.
func (m *MemoryVault) SetReserve(assetIndex int, amount sdkmath.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if assetIndex < 0 || assetIndex >= len(m.reserves) {
		return fmt.Errorf("%w: index %d", ErrUnknownAsset, assetIndex)
	}
	m.reserves[assetIndex] = amount
	return nil
}

// Approve lets custody pull up to amount of owner's LP.
func (m *MemoryVault) Approve(owner string, amount sdkmath.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowances[owner] = amount
}

// Allowance returns what custody may still pull from owner.
func (m *MemoryVault) Allowance(owner string) sdkmath.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return utils.OrZero(m.allowances[owner])
}

// Advance moves the clock forward by n blocks.
func (m *MemoryVault) Advance(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.block += n
}

// SetBlock moves the clock to height.
func (m *MemoryVault) SetBlock(height int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.block = height
}

// FailNext makes the next call of op return err.
func (m *MemoryVault) FailNext(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = err
}

// Balance returns the balance of denom held by account.
func (m *MemoryVault) Balance(denom, account string) sdkmath.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance(denom, account)
}

func (m *MemoryVault) LpDenom() string { return m.lpDenom }
func (m *MemoryVault) Custody() string { return m.custody }

// --- Custody ---

func (m *MemoryVault) BalanceOf(_ context.Context, account string) (sdkmath.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(OpBalanceOf); err != nil {
		return sdkmath.ZeroInt(), err
	}
	return m.balance(m.lpDenom, account), nil
}

// WithdrawTo exits account's LP and pays the proceeds to recipient. OpWithdraw fails the exit and
// OpTransferAsset fails the payout; either way no balance changes.
func (m *MemoryVault) WithdrawTo(_ context.Context, account, recipient string, amount sdkmath.Int, assetIndex int) (sdkmath.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(OpWithdraw); err != nil {
		return sdkmath.ZeroInt(), err
	}
	if err := m.checkTransfer(account, recipient, amount); err != nil {
		return sdkmath.ZeroInt(), err
	}
	proceeds, err := m.quote(amount, assetIndex)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	if held := m.balance(m.lpDenom, account); held.LT(amount) {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %s holds %s %s, exit of %s", ErrInsufficientBalance, account, held, m.lpDenom, amount)
	}
	if err := m.injected(OpTransferAsset); err != nil {
		return sdkmath.ZeroInt(), err
	}

	if err := m.debit(m.lpDenom, account, amount); err != nil {
		return sdkmath.ZeroInt(), err
	}
	m.lpSupply = m.lpSupply.Sub(amount)
	m.reserves[assetIndex] = m.reserves[assetIndex].Sub(proceeds)
	m.credit(m.assetDenoms[assetIndex], recipient, proceeds)

	memoryLogger.Debug().
		Str("account", account).
		Str("recipient", recipient).
		Str("lpAmount", amount.String()).
		Str("proceeds", proceeds.String()).
		Str("asset", m.assetDenoms[assetIndex]).
		Msg("Pool withdrawal executed")
	return proceeds, nil
}

func (m *MemoryVault) Quote(_ context.Context, amountIn sdkmath.Int, assetIndex int) (sdkmath.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(OpQuote); err != nil {
		return sdkmath.ZeroInt(), err
	}
	return m.quote(amountIn, assetIndex)
}

func (m *MemoryVault) AssetDenom(assetIndex int) (string, error) {
	if assetIndex < 0 || assetIndex >= len(m.assetDenoms) {
		return "", fmt.Errorf("%w: index %d", ErrUnknownAsset, assetIndex)
	}
	return m.assetDenoms[assetIndex], nil
}

func (m *MemoryVault) TransferLP(_ context.Context, from, to string, amount sdkmath.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(OpTransferLP); err != nil {
		return err
	}
	if err := m.checkTransfer(from, to, amount); err != nil {
		return err
	}
	if from != m.custody {
		allowed := utils.OrZero(m.allowances[from])
		if allowed.LT(amount) {
			return fmt.Errorf("%w: %s approved %s, pull of %s", ErrInsufficientAllowance, from, allowed, amount)
		}
		if m.balance(m.lpDenom, from).LT(amount) {
			return fmt.Errorf("%w: %s holds %s %s", ErrInsufficientBalance, from, m.balance(m.lpDenom, from), m.lpDenom)
		}
		m.allowances[from] = allowed.Sub(amount)
	}
	if err := m.debit(m.lpDenom, from, amount); err != nil {
		return err
	}
	m.credit(m.lpDenom, to, amount)
	return nil
}

func (m *MemoryVault) CurrentBlock(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(OpCurrentBlock); err != nil {
		return 0, err
	}
	return m.block, nil
}

func (m *MemoryVault) Close() error { return nil }

// --- internals, callers hold mu ---

func (m *MemoryVault) injected(op Op) error {
	if err, ok := m.failures[op]; ok {
		delete(m.failures, op)
		return err
	}
	return nil
}

func (m *MemoryVault) quote(amountIn sdkmath.Int, assetIndex int) (sdkmath.Int, error) {
	if assetIndex < 0 || assetIndex >= len(m.reserves) {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: index %d", ErrUnknownAsset, assetIndex)
	}
	if amountIn.IsNil() || !amountIn.IsPositive() {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %s", ErrInvalidTransferAmount, amountIn)
	}
	if m.lpSupply.IsZero() || amountIn.GT(m.lpSupply) {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: pool supply %s, exit of %s", ErrInsufficientBalance, m.lpSupply, amountIn)
	}
	return utils.MulDiv(amountIn, m.reserves[assetIndex], m.lpSupply)
}

func (m *MemoryVault) checkTransfer(from, to string, amount sdkmath.Int) error {
	if from == "" || to == "" {
		return fmt.Errorf("%w: from %q to %q", ErrInvalidAccount, from, to)
	}
	if amount.IsNil() || amount.IsNegative() {
		return fmt.Errorf("%w: %s", ErrInvalidTransferAmount, amount)
	}
	return nil
}

func (m *MemoryVault) balance(denom, account string) sdkmath.Int {
	if byAccount, ok := m.balances[denom]; ok {
		return utils.OrZero(byAccount[account])
	}
	return sdkmath.ZeroInt()
}

func (m *MemoryVault) credit(denom, account string, amount sdkmath.Int) {
	byAccount, ok := m.balances[denom]
	if !ok {
		byAccount = make(map[string]sdkmath.Int)
		m.balances[denom] = byAccount
	}
	byAccount[account] = utils.OrZero(byAccount[account]).Add(amount)
}

func (m *MemoryVault) debit(denom, account string, amount sdkmath.Int) error {
	held := m.balance(denom, account)
	if held.LT(amount) {
		return fmt.Errorf("%w: %s holds %s %s, needs %s", ErrInsufficientBalance, account, held, denom, amount)
	}
	if amount.IsZero() {
		return nil
	}
	m.balances[denom][account] = held.Sub(amount)
	return nil
}
