package vault

import (
	"context"
	"errors"
	"testing"

	sdkmath "cosmossdk.io/math"
	sdk "github.com/cosmos/cosmos-sdk/types"
	"github.com/cosmos/cosmos-sdk/types/query"
	ammtypes "github.com/elys-network/elys/v6/x/amm/types"
	assetprofiletypes "github.com/elys-network/elys/v6/x/assetprofile/types"
	masterchef "github.com/elys-network/elys/v6/x/masterchef/types"
	tier "github.com/elys-network/elys/v6/x/tier/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

type fakeAMMQueries struct {
	ammtypes.QueryClient
	pages [][]ammtypes.Pool
	calls int
}

func (f *fakeAMMQueries) PoolAll(_ context.Context, in *ammtypes.QueryAllPoolRequest, _ ...grpc.CallOption) (*ammtypes.QueryAllPoolResponse, error) {
	page := f.calls
	f.calls++
	res := &ammtypes.QueryAllPoolResponse{Pool: f.pages[page], Pagination: &query.PageResponse{}}
	if page+1 < len(f.pages) {
		res.Pagination.NextKey = []byte{byte(page + 1)}
	}
	return res, nil
}

type fakeAssetProfiles struct {
	assetprofiletypes.QueryClient
	err error
}

func (f *fakeAssetProfiles) EntryAll(context.Context, *assetprofiletypes.QueryAllEntryRequest, ...grpc.CallOption) (*assetprofiletypes.QueryAllEntryResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &assetprofiletypes.QueryAllEntryResponse{Entry: []assetprofiletypes.Entry{
		{Denom: "ibc/USDC", BaseDenom: "uusdc", DisplayName: "usdc", Decimals: 6},
		{Denom: "uelys", BaseDenom: "uelys", DisplayName: "elys", Decimals: 6},
	}}, nil
}

type fakeMasterchef struct {
	masterchef.QueryClient
}

func (fakeMasterchef) PoolAprs(context.Context, *masterchef.QueryPoolAprsRequest, ...grpc.CallOption) (*masterchef.QueryPoolAprsResponse, error) {
	return &masterchef.QueryPoolAprsResponse{Data: []masterchef.PoolApr{
		{PoolId: 2, EdenApr: sdkmath.LegacyNewDecWithPrec(9, 1)},
		{PoolId: 4, EdenApr: sdkmath.LegacyNewDecWithPrec(12, 2), UsdcDexApr: sdkmath.LegacyNewDecWithPrec(3, 2)},
	}}, nil
}

type fakeTier struct {
	tier.QueryClient
}

func (fakeTier) GetAllPrices(context.Context, *tier.QueryGetAllPricesRequest, ...grpc.CallOption) (*tier.QueryGetAllPricesResponse, error) {
	return &tier.QueryGetAllPricesResponse{Prices: []*tier.Price{
		{Denom: "uusdc", OraclePrice: sdkmath.LegacyOneDec(), AmmPrice: sdkmath.LegacyZeroDec()},
		{Denom: "uelys", OraclePrice: sdkmath.LegacyZeroDec(), AmmPrice: sdkmath.LegacyNewDecWithPrec(5, 1)},
	}}, nil
}

func testPool(id uint64) ammtypes.Pool {
	return ammtypes.Pool{
		PoolId:      id,
		TotalShares: sdk.NewCoin("amm/pool/4", sdkmath.NewInt(1_000_000)),
		PoolAssets: []ammtypes.PoolAsset{
			{Token: sdk.NewCoin("uusdc", sdkmath.NewInt(2_000_000))},
			{Token: sdk.NewCoin("uelys", sdkmath.NewInt(4_000_000))},
		},
	}
}

func newFakePoolQueries() (poolQueries, *fakeAMMQueries, *fakeAssetProfiles) {
	amm := &fakeAMMQueries{pages: [][]ammtypes.Pool{{testPool(1), testPool(2)}, {testPool(4)}}}
	profiles := &fakeAssetProfiles{}
	return poolQueries{amm: amm, assetProfile: profiles, masterchef: fakeMasterchef{}, tier: fakeTier{}}, amm, profiles
}

func TestFetchPoolInfoPagesAndEnriches(t *testing.T) {
	q, amm, _ := newFakePoolQueries()

	info, err := q.fetch(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, 2, amm.calls)
	assert.Equal(t, uint64(4), info.PoolID)
	assert.Equal(t, "amm/pool/4", info.LpDenom)
	require.Len(t, info.Assets, 2)
	assert.Equal(t, "USDC", info.Assets[0].Symbol)
	assert.Equal(t, uint64(6), info.Assets[0].Decimals)
	assert.Equal(t, "ELYS", info.Assets[1].Symbol)
	assert.True(t, info.Assets[0].PriceUSD.Equal(sdkmath.LegacyOneDec()), "oracle price preferred")
	assert.True(t, info.Assets[1].PriceUSD.Equal(sdkmath.LegacyNewDecWithPrec(5, 1)), "AMM price as fallback")
	assert.True(t, info.EdenAPR.Equal(sdkmath.LegacyNewDecWithPrec(12, 2)))
	assert.False(t, info.FetchedAt.IsZero())

	// 2 USDC at $1 plus 4 ELYS at $0.5
	assert.Equal(t, "4.000000000000000000", info.TVL().String())

	assert.NoError(t, info.Check("amm/pool/4", []string{"uusdc", "uelys"}))
	assert.ErrorIs(t, info.Check("amm/pool/5", []string{"uusdc", "uelys"}), ErrPoolMismatch)
	assert.ErrorIs(t, info.Check("amm/pool/4", []string{"uelys", "uusdc"}), ErrPoolMismatch)
	assert.ErrorIs(t, info.Check("amm/pool/4", []string{"uusdc"}), ErrPoolMismatch)
}

func TestFetchPoolInfoMissingPool(t *testing.T) {
	q, _, _ := newFakePoolQueries()
	_, err := q.fetch(context.Background(), 9)
	assert.ErrorIs(t, err, ErrPoolNotFound)
}

func TestFetchPoolInfoToleratesMissingProfiles(t *testing.T) {
	q, _, profiles := newFakePoolQueries()
	profiles.err = errors.New("unimplemented")

	info, err := q.fetch(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, "uusdc", info.Assets[0].Symbol)
	assert.Zero(t, info.Assets[0].Decimals)
}

func TestPoolInfoRejectsEmptyPool(t *testing.T) {
	_, err := poolInfoFrom(ammtypes.Pool{PoolId: 3})
	assert.ErrorIs(t, err, ErrInvalidPoolData)
}

func TestMemoryVaultPoolInfo(t *testing.T) {
	mv, err := NewMemoryVault(MemoryConfig{Custody: "elys1custody", LpDenom: "amm/pool/1", AssetDenoms: []string{"uusdc", "uelys"}})
	require.NoError(t, err)
	mv.MintLP("elys1alice", sdkmath.NewInt(50))
	require.NoError(t, mv.SetReserve(1, sdkmath.NewInt(70)))

	info, err := mv.PoolInfo(context.Background())
	require.NoError(t, err)
	assert.True(t, info.TotalShares.Equal(sdkmath.NewInt(50)))
	assert.True(t, info.Assets[1].Reserve.Equal(sdkmath.NewInt(70)))
	assert.NoError(t, info.Check("amm/pool/1", []string{"uusdc", "uelys"}))
}
