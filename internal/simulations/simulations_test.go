package simulations

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"cosmossdk.io/math"
	sdk "github.com/cosmos/cosmos-sdk/types"
	amm "github.com/elys-network/elys/v6/x/amm/types"
	"github.com/gogo/protobuf/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// abciServer answers every abci_query with handle's result.
func abciServer(t *testing.T, handle func(req JSONRPCRequest) JSONRPCResponse) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req JSONRPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(handle(req)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func valueResponse(t *testing.T, msg proto.Message) JSONRPCResponse {
	t.Helper()
	bz, err := proto.Marshal(msg)
	require.NoError(t, err)
	var resp JSONRPCResponse
	resp.JSONRPC = "2.0"
	resp.Result.Response.Value = base64.StdEncoding.EncodeToString(bz)
	return resp
}

func TestSimulateLeavePool(t *testing.T) {
	var seen amm.QueryExitPoolEstimationRequest
	srv := abciServer(t, func(req JSONRPCRequest) JSONRPCResponse {
		assert.Equal(t, "abci_query", req.Method)
		assert.Equal(t, exitPoolEstimationPath, req.Params.Path)
		bz, err := hex.DecodeString(req.Params.Data)
		require.NoError(t, err)
		require.NoError(t, proto.Unmarshal(bz, &seen))

		return valueResponse(t, &amm.QueryExitPoolEstimationResponse{
			AmountsOut:                sdk.NewCoins(sdk.NewCoin("uusdc", math.NewInt(4_950))),
			WeightBalanceRatio:        math.LegacyZeroDec(),
			Slippage:                  math.LegacyNewDecWithPrec(1, 2),
			SwapFee:                   math.LegacyZeroDec(),
			TakerFee:                  math.LegacyZeroDec(),
			WeightBalanceRewardAmount: sdk.NewCoin("uusdc", math.ZeroInt()),
		})
	})

	res, err := SimulateLeavePool(context.Background(), srv.URL, 7, math.NewInt(1_000), "uusdc")
	require.NoError(t, err)

	assert.Equal(t, uint64(7), seen.PoolId)
	assert.Equal(t, "uusdc", seen.TokenOutDenom)
	assert.True(t, seen.ShareAmountIn.Equal(math.NewInt(1_000)))

	assert.True(t, res.AmountOf("uusdc").Equal(math.NewInt(4_950)))
	assert.True(t, res.AmountOf("uelys").IsZero())
	assert.InDelta(t, 0.01, res.Slippage, 1e-9)
}

func TestSimulateLeavePoolErrors(t *testing.T) {
	t.Run("rpc error", func(t *testing.T) {
		srv := abciServer(t, func(JSONRPCRequest) JSONRPCResponse {
			return JSONRPCResponse{Error: &JSONRPCError{Code: -32603, Message: "internal"}}
		})
		_, err := SimulateLeavePool(context.Background(), srv.URL, 1, math.NewInt(1), "uusdc")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "internal")
	})

	t.Run("abci error", func(t *testing.T) {
		srv := abciServer(t, func(JSONRPCRequest) JSONRPCResponse {
			var resp JSONRPCResponse
			resp.Result.Response.Code = 18
			resp.Result.Response.Log = "pool not found"
			return resp
		})
		_, err := SimulateLeavePool(context.Background(), srv.URL, 1, math.NewInt(1), "uusdc")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "pool not found")
	})

	t.Run("empty value", func(t *testing.T) {
		srv := abciServer(t, func(JSONRPCRequest) JSONRPCResponse { return JSONRPCResponse{} })
		_, err := SimulateLeavePool(context.Background(), srv.URL, 1, math.NewInt(1), "uusdc")
		assert.ErrorIs(t, err, ErrEmptyResult)
	})

	t.Run("cancelled context", func(t *testing.T) {
		srv := abciServer(t, func(JSONRPCRequest) JSONRPCResponse { return JSONRPCResponse{} })
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := SimulateLeavePool(ctx, srv.URL, 1, math.NewInt(1), "uusdc")
		assert.ErrorIs(t, err, context.Canceled)
	})
}
