package simulations

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"cosmossdk.io/math"
	sdk "github.com/cosmos/cosmos-sdk/types"
	"github.com/elys-network/lpbond/internal/logger"
	amm "github.com/elys-network/elys/v6/x/amm/types"
	"github.com/gogo/protobuf/proto"
	"github.com/rs/zerolog"
)

const (
	rpcTimeout = 20 * time.Second

	exitPoolEstimationPath = "/elys.amm.Query/ExitPoolEstimation"
)

var (
	exitPoolLogger = logger.GetForComponent("exit_pool_simulator")

	ErrEmptyResult = errors.New("empty ABCI query result")
)

// --- Shared JSON-RPC Structures ---

// JSONRPCRequest defines the structure of a JSON-RPC request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Method  string          `json:"method"`
	Params  ABCIQueryParams `json:"params"`
}

// ABCIQueryParams defines the parameters for the "abci_query" method.
type ABCIQueryParams struct {
	Path   string `json:"path"`
	Data   string `json:"data"` // Hex-encoded string
	Height string `json:"height,omitempty"`
	Prove  bool   `json:"prove,omitempty"`
}

// JSONRPCResponse defines the structure of a JSON-RPC response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  ABCIQueryResult `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// ABCIQueryResult defines the structure of the "result" field for "abci_query".
type ABCIQueryResult struct {
	Response struct {
		Log    string `json:"log"`
		Key    string `json:"key"`   // Base64 encoded
		Value  string `json:"value"` // Base64 encoded
		Height string `json:"height"`
		Code   uint32 `json:"code"`
	} `json:"response"`
}

// JSONRPCError defines the structure of a JSON-RPC error.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// ExitPoolEstimationResult contains the result of an exit pool simulation
type ExitPoolEstimationResult struct {
	AmountsOut                []sdk.Coin // Tokens received from exiting
	WeightBalanceRatio        float64
	Slippage                  float64
	SwapFee                   float64
	TakerFee                  float64
	WeightBalanceRewardAmount sdk.Coin
}

// AmountOf returns the estimated payout in denom, zero if the exit pays nothing in it.
func (r ExitPoolEstimationResult) AmountOf(denom string) math.Int {
	total := math.ZeroInt()
	for _, c := range r.AmountsOut {
		if c.Denom == denom && !c.Amount.IsNil() {
			total = total.Add(c.Amount)
		}
	}
	return total
}

// SimulateLeavePool estimates the payout of burning sharesIn LP of poolId into a single tokenOutDenom.
func SimulateLeavePool(
	ctx context.Context,
	rpcEndpoint string,
	poolId uint64,
	sharesIn math.Int,
	tokenOutDenom string,
) (ExitPoolEstimationResult, error) {
	grpcRequest := &amm.QueryExitPoolEstimationRequest{
		PoolId:        poolId,
		ShareAmountIn: sharesIn,
		TokenOutDenom: tokenOutDenom,
	}

	result, err := executeRPCQuery(ctx, rpcEndpoint, exitPoolEstimationPath, grpcRequest, exitPoolLogger, 3)
	if err != nil {
		return ExitPoolEstimationResult{}, err
	}

	var grpcResponse amm.QueryExitPoolEstimationResponse
	if err := proto.Unmarshal(result, &grpcResponse); err != nil {
		exitPoolLogger.Error().Err(err).Msg("Failed to unmarshal exit pool response")
		return ExitPoolEstimationResult{}, fmt.Errorf("failed to unmarshal exit pool response: %w", err)
	}

	// Decimal fields are informational only.
	slippage, _ := strconv.ParseFloat(grpcResponse.Slippage.String(), 64)
	weightBalanceRatio, _ := strconv.ParseFloat(grpcResponse.WeightBalanceRatio.String(), 64)
	swapFee, _ := strconv.ParseFloat(grpcResponse.SwapFee.String(), 64)
	takerFee, _ := strconv.ParseFloat(grpcResponse.TakerFee.String(), 64)

	amountsOut := make([]sdk.Coin, len(grpcResponse.AmountsOut))
	copy(amountsOut, grpcResponse.AmountsOut)

	exitPoolLogger.Info().
		Uint64("poolId", poolId).
		Str("sharesIn", sharesIn.String()).
		Str("tokenOut", tokenOutDenom).
		Float64("slippage", slippage).
		Interface("amountsOut", amountsOut).
		Msg("Exit pool simulation completed")

	return ExitPoolEstimationResult{
		AmountsOut:                amountsOut,
		Slippage:                  slippage,
		WeightBalanceRatio:        weightBalanceRatio,
		SwapFee:                   swapFee,
		TakerFee:                  takerFee,
		WeightBalanceRewardAmount: grpcResponse.WeightBalanceRewardAmount,
	}, nil
}

// executeRPCQuery executes a generic RPC query and returns the decoded result
func executeRPCQuery(
	ctx context.Context,
	rpcEndpoint string,
	abciPath string,
	grpcRequest proto.Message,
	logger zerolog.Logger,
	rpcID int,
) ([]byte, error) {
	protoBytes, err := proto.Marshal(grpcRequest)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to marshal gRPC request")
		return nil, fmt.Errorf("failed to marshal gRPC request: %w", err)
	}

	jsonRPCReq := JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      rpcID,
		Method:  "abci_query",
		Params: ABCIQueryParams{
			Path: abciPath,
			Data: hex.EncodeToString(protoBytes),
		},
	}

	jsonData, err := json.Marshal(jsonRPCReq)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to marshal JSON-RPC request")
		return nil, fmt.Errorf("failed to marshal JSON-RPC request: %w", err)
	}

	logger.Debug().
		Str("endpoint", rpcEndpoint).
		Str("abciPath", abciPath).
		Msg("Executing RPC query")

	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rpcEndpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create HTTP request")
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to send HTTP request")
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to read response body")
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var jsonRPCResp JSONRPCResponse
	if err := json.Unmarshal(respBodyBytes, &jsonRPCResp); err != nil {
		logger.Error().Err(err).Str("body", string(respBodyBytes)).Msg("Failed to unmarshal JSON-RPC response")
		return nil, fmt.Errorf("failed to unmarshal JSON-RPC response: %w", err)
	}

	if jsonRPCResp.Error != nil {
		logger.Error().
			Int("code", jsonRPCResp.Error.Code).
			Str("message", jsonRPCResp.Error.Message).
			Msg("RPC error received")
		return nil, fmt.Errorf("RPC error: %s (code %d)", jsonRPCResp.Error.Message, jsonRPCResp.Error.Code)
	}

	if jsonRPCResp.Result.Response.Code != 0 {
		logger.Error().
			Uint32("code", jsonRPCResp.Result.Response.Code).
			Str("log", jsonRPCResp.Result.Response.Log).
			Msg("ABCI query error")
		return nil, fmt.Errorf("ABCI query error (code %d): %s", jsonRPCResp.Result.Response.Code, jsonRPCResp.Result.Response.Log)
	}

	if jsonRPCResp.Result.Response.Value == "" {
		logger.Warn().Str("log", jsonRPCResp.Result.Response.Log).Msg("Empty ABCI query result")
		return nil, fmt.Errorf("%w: %s", ErrEmptyResult, jsonRPCResp.Result.Response.Log)
	}

	decodedValueBytes, err := base64.StdEncoding.DecodeString(jsonRPCResp.Result.Response.Value)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to decode base64 result")
		return nil, fmt.Errorf("failed to decode base64 result: %w", err)
	}

	return decodedValueBytes, nil
}
