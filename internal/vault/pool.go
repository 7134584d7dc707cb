package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/cosmos/cosmos-sdk/types/query"
	amm "github.com/elys-network/elys/v6/x/amm/types"
	assetprofiletypes "github.com/elys-network/elys/v6/x/assetprofile/types"
	masterchef "github.com/elys-network/elys/v6/x/masterchef/types"
	tier "github.com/elys-network/elys/v6/x/tier/types"
	"google.golang.org/grpc"

	"github.com/elys-network/lpbond/internal/logger"
	"github.com/elys-network/lpbond/internal/utils"
)

var poolLogger = logger.GetForComponent("pool_retriever")

var (
	ErrPoolNotFound    = errors.New("pool not found")
	ErrPoolMismatch    = errors.New("pool does not match configuration")
	ErrInvalidPoolData = errors.New("invalid pool data")
)

const pageLimit = uint64(500)

// PoolAsset is one side of the bonded pool.
type PoolAsset struct {
	Denom    string            `json:"denom"`
	Symbol   string            `json:"symbol"`
	Decimals uint64            `json:"decimals"`
	Reserve  sdkmath.Int       `json:"reserve"`
	PriceUSD sdkmath.LegacyDec `json:"price_usd"`
}

// PoolInfo describes the pool whose LP is bonded. It is informational only: accounting never reads it.
type PoolInfo struct {
	PoolID      uint64            `json:"pool_id"`
	LpDenom     string            `json:"lp_denom"`
	TotalShares sdkmath.Int       `json:"total_shares"`
	SwapFee     sdkmath.LegacyDec `json:"swap_fee"`
	UseOracle   bool              `json:"use_oracle"`
	Assets      []PoolAsset       `json:"assets"`
	EdenAPR     sdkmath.LegacyDec `json:"eden_apr"`
	UsdcDexAPR  sdkmath.LegacyDec `json:"usdc_dex_apr"`
	FetchedAt   time.Time         `json:"fetched_at"`
}

// TVL values the reserves at the fetched prices. Assets without a price count as zero.
func (p PoolInfo) TVL() sdkmath.LegacyDec {
	tvl := sdkmath.LegacyZeroDec()
	for _, a := range p.Assets {
		if a.PriceUSD.IsNil() || a.Reserve.IsNil() || !a.PriceUSD.IsPositive() {
			continue
		}
		human := sdkmath.LegacyNewDecFromInt(a.Reserve)
		if a.Decimals > 0 {
			human = human.QuoInt(sdkmath.NewIntWithDecimal(1, int(a.Decimals)))
		}
		tvl = tvl.Add(human.Mul(a.PriceUSD))
	}
	return tvl
}

// Check verifies the pool is the one the service is configured for: same LP denom and the same assets
// in the same index order, since price resets address assets by index.
func (p PoolInfo) Check(lpDenom string, assetDenoms []string) error {
	if p.LpDenom != lpDenom {
		return fmt.Errorf("%w: pool %d issues %s, configured %s", ErrPoolMismatch, p.PoolID, p.LpDenom, lpDenom)
	}
	if len(p.Assets) != len(assetDenoms) {
		return fmt.Errorf("%w: pool %d has %d assets, configured %d", ErrPoolMismatch, p.PoolID, len(p.Assets), len(assetDenoms))
	}
	for i, a := range p.Assets {
		if a.Denom != assetDenoms[i] {
			return fmt.Errorf("%w: asset %d is %s, configured %s", ErrPoolMismatch, i, a.Denom, assetDenoms[i])
		}
	}
	return nil
}

// poolQueries are the chain query services pool metadata comes from.
type poolQueries struct {
	amm          amm.QueryClient
	assetProfile assetprofiletypes.QueryClient
	masterchef   masterchef.QueryClient
	tier         tier.QueryClient
}

func newPoolQueries(conn *grpc.ClientConn) poolQueries {
	return poolQueries{
		amm:          amm.NewQueryClient(conn),
		assetProfile: assetprofiletypes.NewQueryClient(conn),
		masterchef:   masterchef.NewQueryClient(conn),
		tier:         tier.NewQueryClient(conn),
	}
}

// fetch reads a pool and the metadata of its assets. The pool itself is required; asset profiles,
// prices and APRs are best effort and only logged when missing.
func (q poolQueries) fetch(ctx context.Context, poolID uint64) (PoolInfo, error) {
	pool, err := q.findPool(ctx, poolID)
	if err != nil {
		return PoolInfo{}, err
	}
	info, err := poolInfoFrom(pool)
	if err != nil {
		return PoolInfo{}, err
	}

	if entries, err := q.entries(ctx); err != nil {
		poolLogger.Warn().Err(err).Uint64("poolID", poolID).Msg("Asset profiles unavailable, using raw denoms")
	} else {
		applyEntries(&info, entries)
	}

	if prices, err := q.prices(ctx); err != nil {
		poolLogger.Warn().Err(err).Uint64("poolID", poolID).Msg("Token prices unavailable")
	} else {
		applyPrices(&info, prices)
	}

	if aprs, err := q.masterchef.PoolAprs(ctx, &masterchef.QueryPoolAprsRequest{}); err != nil {
		poolLogger.Warn().Err(err).Uint64("poolID", poolID).Msg("Pool APRs unavailable")
	} else if aprs != nil {
		for _, apr := range aprs.Data {
			if apr.PoolId == poolID {
				info.EdenAPR = apr.EdenApr
				info.UsdcDexAPR = apr.UsdcDexApr
			}
		}
	}

	info.FetchedAt = time.Now().UTC()
	poolLogger.Info().
		Uint64("poolID", poolID).
		Str("lpDenom", info.LpDenom).
		Str("totalShares", info.TotalShares.String()).
		Int("assets", len(info.Assets)).
		Str("tvlUSD", info.TVL().String()).
		Msg("Fetched pool info")
	return info, nil
}

// findPool pages through the AMM pools until poolID turns up.
func (q poolQueries) findPool(ctx context.Context, poolID uint64) (amm.Pool, error) {
	var nextKey []byte
	for {
		res, err := q.amm.PoolAll(ctx, &amm.QueryAllPoolRequest{
			Pagination: &query.PageRequest{Key: nextKey, Limit: pageLimit},
		})
		if err != nil {
			return amm.Pool{}, fmt.Errorf("AMM pool query failed: %w", err)
		}
		if res == nil {
			return amm.Pool{}, fmt.Errorf("%w: nil response from AMM module", ErrInvalidResponse)
		}
		for _, p := range res.Pool {
			if p.PoolId == poolID {
				return p, nil
			}
		}
		if res.Pagination == nil || len(res.Pagination.NextKey) == 0 {
			return amm.Pool{}, fmt.Errorf("%w: %d", ErrPoolNotFound, poolID)
		}
		nextKey = res.Pagination.NextKey
	}
}

func (q poolQueries) entries(ctx context.Context) ([]assetprofiletypes.Entry, error) {
	var (
		all     []assetprofiletypes.Entry
		nextKey []byte
	)
	for {
		res, err := q.assetProfile.EntryAll(ctx, &assetprofiletypes.QueryAllEntryRequest{
			Pagination: &query.PageRequest{Key: nextKey, Limit: pageLimit},
		})
		if err != nil {
			return nil, fmt.Errorf("assetprofile query failed: %w", err)
		}
		if res == nil {
			return nil, fmt.Errorf("%w: nil response from assetprofile module", ErrInvalidResponse)
		}
		all = append(all, res.Entry...)
		if res.Pagination == nil || len(res.Pagination.NextKey) == 0 {
			return all, nil
		}
		nextKey = res.Pagination.NextKey
	}
}

func (q poolQueries) prices(ctx context.Context) ([]*tier.Price, error) {
	var (
		all     []*tier.Price
		nextKey []byte
	)
	for {
		res, err := q.tier.GetAllPrices(ctx, &tier.QueryGetAllPricesRequest{
			Pagination: &query.PageRequest{Key: nextKey, Limit: pageLimit},
		})
		if err != nil {
			return nil, fmt.Errorf("tier module price query failed: %w", err)
		}
		if res == nil {
			return nil, fmt.Errorf("%w: nil response from tier module", ErrInvalidResponse)
		}
		all = append(all, res.Prices...)
		if res.Pagination == nil || len(res.Pagination.NextKey) == 0 {
			return all, nil
		}
		nextKey = res.Pagination.NextKey
	}
}

func poolInfoFrom(pool amm.Pool) (PoolInfo, error) {
	if len(pool.PoolAssets) == 0 {
		return PoolInfo{}, fmt.Errorf("%w: pool %d has no assets", ErrInvalidPoolData, pool.PoolId)
	}
	if pool.TotalShares.Denom == "" || pool.TotalShares.Amount.IsNil() {
		return PoolInfo{}, fmt.Errorf("%w: pool %d has no share denom", ErrInvalidPoolData, pool.PoolId)
	}

	info := PoolInfo{
		PoolID:      pool.PoolId,
		LpDenom:     pool.TotalShares.Denom,
		TotalShares: pool.TotalShares.Amount,
		SwapFee:     pool.PoolParams.SwapFee,
		UseOracle:   pool.PoolParams.UseOracle,
		EdenAPR:     sdkmath.LegacyZeroDec(),
		UsdcDexAPR:  sdkmath.LegacyZeroDec(),
	}
	for _, a := range pool.PoolAssets {
		if a.Token.Denom == "" {
			return PoolInfo{}, fmt.Errorf("%w: pool %d has an asset without denom", ErrInvalidPoolData, pool.PoolId)
		}
		info.Assets = append(info.Assets, PoolAsset{
			Denom:    a.Token.Denom,
			Symbol:   a.Token.Denom,
			Reserve:  a.Token.Amount,
			PriceUSD: sdkmath.LegacyZeroDec(),
		})
	}
	return info, nil
}

// applyEntries fills symbols and decimals. Pool assets are keyed by their on-chain denom, which may be
// either an entry's Denom or its BaseDenom.
func applyEntries(info *PoolInfo, entries []assetprofiletypes.Entry) {
	byDenom := make(map[string]assetprofiletypes.Entry, 2*len(entries))
	for _, e := range entries {
		byDenom[e.Denom] = e
		if e.BaseDenom != "" {
			byDenom[e.BaseDenom] = e
		}
	}
	for i := range info.Assets {
		e, ok := byDenom[info.Assets[i].Denom]
		if !ok {
			continue
		}
		if name := strings.TrimSpace(e.DisplayName); name != "" {
			info.Assets[i].Symbol = strings.ToUpper(name)
		}
		info.Assets[i].Decimals = e.Decimals
	}
}

// applyPrices prefers the oracle price and falls back to the AMM price.
func applyPrices(info *PoolInfo, prices []*tier.Price) {
	byDenom := make(map[string]*tier.Price, len(prices))
	for _, p := range prices {
		if p != nil {
			byDenom[p.Denom] = p
		}
	}
	for i := range info.Assets {
		p, ok := byDenom[info.Assets[i].Denom]
		if !ok {
			continue
		}
		switch {
		case !p.OraclePrice.IsNil() && p.OraclePrice.IsPositive():
			info.Assets[i].PriceUSD = p.OraclePrice
		case !p.AmmPrice.IsNil() && p.AmmPrice.IsPositive():
			info.Assets[i].PriceUSD = p.AmmPrice
		}
	}
}

// PoolInfo fetches the bonded pool from the chain.
func (v *LiveVault) PoolInfo(ctx context.Context) (PoolInfo, error) {
	if err := v.ensureConnection(); err != nil {
		return PoolInfo{}, err
	}
	return newPoolQueries(v.grpcConn).fetch(ctx, v.cfg.PoolID)
}

// PoolInfo describes the simulated pool. Denoms double as symbols and amounts carry no decimals.
func (m *MemoryVault) PoolInfo(context.Context) (PoolInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := PoolInfo{
		LpDenom:     m.lpDenom,
		TotalShares: m.lpSupply,
		SwapFee:     sdkmath.LegacyZeroDec(),
		EdenAPR:     sdkmath.LegacyZeroDec(),
		UsdcDexAPR:  sdkmath.LegacyZeroDec(),
		FetchedAt:   time.Now().UTC(),
	}
	for i, denom := range m.assetDenoms {
		info.Assets = append(info.Assets, PoolAsset{
			Denom:    denom,
			Symbol:   denom,
			Reserve:  utils.OrZero(m.reserves[i]),
			PriceUSD: sdkmath.LegacyZeroDec(),
		})
	}
	return info, nil
}
