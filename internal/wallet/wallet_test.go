package wallet

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	sdk "github.com/cosmos/cosmos-sdk/types"
	banktypes "github.com/cosmos/cosmos-sdk/x/bank/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const custody = "elys1custody"

type fakeBroadcaster struct {
	sent         [][]sdk.Msg
	broadcastErr error
	waitErr      error
}

func (f *fakeBroadcaster) Address() string { return custody }

func (f *fakeBroadcaster) SignAndBroadcastTx(_ context.Context, msgs ...sdk.Msg) (*sdk.TxResponse, error) {
	if f.broadcastErr != nil {
		return nil, f.broadcastErr
	}
	f.sent = append(f.sent, msgs)
	return &sdk.TxResponse{TxHash: "ABCD"}, nil
}

func (f *fakeBroadcaster) WaitForInclusion(_ context.Context, hash string) (*sdk.TxResponse, error) {
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	return &sdk.TxResponse{TxHash: hash, Height: 42, GasUsed: 90_000}, nil
}

func validConfig() Config {
	return Config{
		ChainID:         "elys-1",
		KeyName:         "custody",
		KeyringDir:      "/tmp/keyring",
		KeyringBackend:  "test",
		NodeRPC:         "http://localhost:26657",
		DefaultGasLimit: 400_000,
		GasAdjustment:   1.5,
		GasPriceAmount:  "0.0025",
		GasPriceDenom:   "uelys",
	}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())
	assert.Equal(t, "0.0025uelys", validConfig().GasPrice())

	mutations := map[string]func(*Config){
		"chain id":       func(c *Config) { c.ChainID = "" },
		"key name":       func(c *Config) { c.KeyName = "" },
		"keyring dir":    func(c *Config) { c.KeyringDir = "" },
		"rpc":            func(c *Config) { c.NodeRPC = "" },
		"gas limit":      func(c *Config) { c.DefaultGasLimit = 0 },
		"gas adjustment": func(c *Config) { c.GasAdjustment = 11 },
		"gas denom":      func(c *Config) { c.GasPriceDenom = "" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestNewSigningClientRejectsNilConnection(t *testing.T) {
	_, err := NewSigningClient(validConfig(), nil)
	assert.ErrorIs(t, err, ErrGRPCConnectionInvalid)
}

func TestAdjustGas(t *testing.T) {
	gas, err := adjustGas(100_000, 1.5)
	require.NoError(t, err)
	assert.Equal(t, uint64(160_000), gas)

	_, err = adjustGas(100_000, 0)
	assert.Error(t, err)
}

func TestWaitForInclusion(t *testing.T) {
	fast := inclusionBackoff{attempts: 3, baseDelay: time.Millisecond, maxDelay: time.Millisecond}

	t.Run("retries until found", func(t *testing.T) {
		calls := 0
		res, err := waitForInclusion(context.Background(), "ABCD", func(context.Context, string) (*sdk.TxResponse, error) {
			calls++
			if calls < 2 {
				return nil, errors.New("not found")
			}
			return &sdk.TxResponse{TxHash: "ABCD", Height: 9}, nil
		}, fast)
		require.NoError(t, err)
		assert.Equal(t, int64(9), res.Height)
		assert.Equal(t, 2, calls)
	})

	t.Run("failed execution", func(t *testing.T) {
		_, err := waitForInclusion(context.Background(), "ABCD", func(context.Context, string) (*sdk.TxResponse, error) {
			return &sdk.TxResponse{TxHash: "ABCD", Code: 5, RawLog: "insufficient funds"}, nil
		}, fast)
		assert.ErrorIs(t, err, ErrTxNotIncluded)
		assert.Contains(t, err.Error(), "insufficient funds")
	})

	t.Run("gives up", func(t *testing.T) {
		_, err := waitForInclusion(context.Background(), "ABCD", func(context.Context, string) (*sdk.TxResponse, error) {
			return nil, errors.New("not found")
		}, fast)
		assert.ErrorIs(t, err, ErrTxNotIncluded)
	})

	t.Run("context cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := waitForInclusion(ctx, "ABCD", func(context.Context, string) (*sdk.TxResponse, error) {
			t.Fatal("queried after cancellation")
			return nil, nil
		}, inclusionBackoff{attempts: 3, baseDelay: time.Hour, maxDelay: time.Hour})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestExitPoolMessage(t *testing.T) {
	tb := NewTransactionBuilder(&fakeBroadcaster{})

	msg, err := tb.ExitPoolMessage(3, sdkmath.NewInt(1_000), "uusdc", sdkmath.NewInt(990))
	require.NoError(t, err)
	assert.Equal(t, custody, msg.Sender)
	assert.Equal(t, uint64(3), msg.PoolId)
	assert.Equal(t, "uusdc", msg.TokenOutDenom)
	require.Len(t, msg.MinAmountsOut, 1)
	assert.True(t, msg.MinAmountsOut[0].Amount.Equal(sdkmath.NewInt(990)))

	_, err = tb.ExitPoolMessage(0, sdkmath.NewInt(1), "uusdc", sdkmath.ZeroInt())
	assert.ErrorIs(t, err, ErrInvalidPoolID)
	_, err = tb.ExitPoolMessage(3, sdkmath.ZeroInt(), "uusdc", sdkmath.ZeroInt())
	assert.ErrorIs(t, err, ErrInvalidTokenAmount)
	_, err = tb.ExitPoolMessage(3, sdkmath.NewInt(1), "", sdkmath.ZeroInt())
	assert.ErrorIs(t, err, ErrInvalidDenom)
}

func TestSendAndPullMessages(t *testing.T) {
	tb := NewTransactionBuilder(&fakeBroadcaster{})

	send, err := tb.SendMessage("elys1treasury", "uusdc", sdkmath.NewInt(5))
	require.NoError(t, err)
	assert.Equal(t, custody, send.FromAddress)
	assert.Equal(t, "5uusdc", send.Amount.String())

	_, err = tb.SendMessage(custody, "uusdc", sdkmath.NewInt(5))
	assert.ErrorIs(t, err, ErrInvalidAddress)

	pull, err := tb.PullMessage("elys1alice", custody, "amm/pool/1", sdkmath.NewInt(7))
	require.NoError(t, err)
	assert.Equal(t, custody, pull.Grantee)
	require.Len(t, pull.Msgs, 1)
	inner, ok := pull.Msgs[0].GetCachedValue().(*banktypes.MsgSend)
	require.True(t, ok)
	assert.Equal(t, "elys1alice", inner.FromAddress)
	assert.Equal(t, custody, inner.ToAddress)
	assert.Equal(t, "7amm/pool/1", inner.Amount.String())
}

func TestExecute(t *testing.T) {
	b := &fakeBroadcaster{}
	tb := NewTransactionBuilder(b)
	send, err := tb.SendMessage("elys1treasury", "uusdc", sdkmath.NewInt(5))
	require.NoError(t, err)

	res, err := tb.Execute(context.Background(), send)
	require.NoError(t, err)
	assert.Equal(t, int64(42), res.Height)
	require.Len(t, b.sent, 1)

	b.waitErr = ErrTxNotIncluded
	_, err = tb.Execute(context.Background(), send)
	assert.ErrorIs(t, err, ErrTxNotIncluded)
}

func TestMinimumOut(t *testing.T) {
	minOut, err := MinimumOut(sdkmath.NewInt(1_000), sdkmath.LegacyNewDecWithPrec(1, 2))
	require.NoError(t, err)
	assert.True(t, minOut.Equal(sdkmath.NewInt(990)))

	minOut, err = MinimumOut(sdkmath.NewInt(1), sdkmath.LegacyNewDecWithPrec(5, 1))
	require.NoError(t, err)
	assert.True(t, minOut.Equal(sdkmath.OneInt()))

	_, err = MinimumOut(sdkmath.NewInt(1), sdkmath.LegacyOneDec())
	assert.ErrorIs(t, err, ErrInvalidSlippage)
}
