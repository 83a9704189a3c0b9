package routing

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Michael-Nwachukwu/boundless/internal/model"
	"github.com/Michael-Nwachukwu/boundless/internal/registry"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clierr "github.com/Michael-Nwachukwu/boundless/internal/errors"
)

const (
	wallet   = "0x00000000000000000000000000000000000000AA"
	baseUSDC = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	arbUSDC  = "0xaf88d065e77c8cC2239327C5EDb3A432268e5831"
	opUSDC   = "0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85"
	ethUSDC  = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
)

type fakeRouter struct {
	mu     sync.Mutex
	calls  []RouteRequest
	routes func(RouteRequest) ([]model.Path, error)
}

func (f *fakeRouter) Routes(_ context.Context, req RouteRequest) ([]model.Path, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.routes(req)
}

func (f *fakeRouter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeQuotingRouter struct {
	*fakeRouter
	quotes []ContractCallRequest
	quote  func(ContractCallRequest) (model.Path, error)
}

func (f *fakeQuotingRouter) QuoteContractCalls(_ context.Context, req ContractCallRequest) (model.Path, error) {
	f.mu.Lock()
	f.quotes = append(f.quotes, req)
	f.mu.Unlock()
	return f.quote(req)
}

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func balance(symbol, address, chain string, decimals int, amt, usd string) model.Balance {
	return model.NewBalance(model.NewAssetRef(symbol, symbol, address, chain, decimals), d(amt), d(usd), wallet)
}

func quotedPath(id string) model.Path {
	return model.Path{
		ID:              id,
		Provider:        "lifi",
		ToAmount:        "9900000",
		ToAmountMin:     "9850000",
		ToTokenDecimals: 6,
		ToTokenPriceUSD: d("1"),
		GasCostUSD:      d("0.12"),
	}
}

func TestResolveSqueezePartitionsAndKeepsOrder(t *testing.T) {
	router := &fakeRouter{routes: func(req RouteRequest) ([]model.Path, error) {
		switch req.FromChainID {
		case 42161, 1:
			return []model.Path{quotedPath("p"), quotedPath("worse")}, nil
		case 10:
			return nil, nil
		default:
			return nil, errors.New("lifi: status 500")
		}
	}}
	assets := []model.Balance{
		balance("USDC", arbUSDC, "arbitrum", 6, "10", "10"),
		balance("USDC", "0x04068DA6C83AFCFA0e13ba15A6696662335D5B75", "fantom", 6, "10", "10"),
		balance("USDC", "0x06eFdBFf2a14a7c8E15944D1F4A48F9F95F663A4", "scroll", 6, "10", "10"),
		balance("USDC", opUSDC, "optimism", 6, "10", "10"),
		balance("USDC", ethUSDC, "ethereum", 6, "10", "10"),
	}

	plan, err := NewResolver(router).ResolveSqueeze(context.Background(), SqueezeRequest{
		Assets:             assets,
		DestinationChainID: 8453,
		DestinationToken:   "USDC",
		DestinationAddress: wallet,
		RequestedUSD:       d("50"),
	})
	require.NoError(t, err)

	require.Len(t, plan.Routes, 2)
	require.Len(t, plan.SkippedAssets, 3)
	assert.Equal(t, len(assets), len(plan.Routes)+len(plan.SkippedAssets))
	assert.Equal(t, "arbitrum", plan.Routes[0].Asset.Chain)
	assert.Equal(t, "ethereum", plan.Routes[1].Asset.Chain)
	assert.Equal(t, "fantom", plan.SkippedAssets[0].Asset.Chain)
	assert.Equal(t, ReasonUnsupportedChain, plan.SkippedAssets[0].Reason)
	assert.Equal(t, "lifi: status 500", plan.SkippedAssets[1].Reason)
	assert.Equal(t, ReasonNoRoutes, plan.SkippedAssets[2].Reason)
	assert.False(t, plan.IsComplete())

	assert.Equal(t, 4, router.callCount(), "unsupported chain must not reach the router")
	for _, call := range router.calls {
		assert.Equal(t, int64(8453), call.ToChainID)
		assert.Equal(t, baseUSDC, call.ToToken)
		assert.Equal(t, "10000000", call.FromAmount)
		assert.Equal(t, registry.DefaultSlippage, call.Slippage)
	}

	route := plan.Routes[0]
	assert.Equal(t, "p", route.Path.ID)
	assert.False(t, route.IsDirect)
	assert.Equal(t, "9850000", route.EstimatedOutput)
	assert.True(t, route.EstimatedOutputUSD.Equal(d("9.9")), "output=%s", route.EstimatedOutputUSD)
	assert.Equal(t, model.RouteStatusPending, route.Status)
	assert.True(t, plan.TotalInputUSD.Equal(d("20")))
	assert.True(t, plan.TotalEstimatedOutputUSD.Equal(d("19.8")))
	assert.True(t, plan.TotalGasCostUSD.Equal(d("0.24")))
}

func TestResolveSqueezeNativeSourceUsesSentinel(t *testing.T) {
	router := &fakeRouter{routes: func(RouteRequest) ([]model.Path, error) {
		return []model.Path{quotedPath("p")}, nil
	}}
	assets := []model.Balance{balance("ETH", "", "arbitrum", 18, "0.5", "1500")}

	plan, err := NewResolver(router).ResolveSqueeze(context.Background(), SqueezeRequest{
		Flow:               model.FlowRefuel,
		Assets:             assets,
		DestinationChainID: 10,
		DestinationToken:   "ETH",
		DestinationAddress: wallet,
	})
	require.NoError(t, err)
	require.Len(t, plan.Routes, 1)
	assert.Equal(t, model.FlowRefuel, plan.Flow)
	require.Len(t, router.calls, 1)
	assert.Equal(t, registry.NativeTokenAddress(), router.calls[0].FromToken)
	assert.Equal(t, registry.NativeTokenAddress(), router.calls[0].ToToken)
	assert.Equal(t, "500000000000000000", router.calls[0].FromAmount)
}

func TestResolveZapDirectPathSkipsRouter(t *testing.T) {
	router := &fakeRouter{routes: func(RouteRequest) ([]model.Path, error) {
		return []model.Path{quotedPath("p")}, nil
	}}
	market, ok := registry.MarketByID("aave-v3-base-usdc")
	require.True(t, ok)

	plan, err := NewResolver(router).ResolveZap(context.Background(), ZapRequest{
		Assets:             []model.Balance{balance("USDC", baseUSDC, "base", 6, "25", "25")},
		Market:             market,
		DestinationAddress: wallet,
	})
	require.NoError(t, err)
	require.Len(t, plan.Routes, 1)
	assert.Zero(t, router.callCount())

	route := plan.Routes[0]
	assert.True(t, route.IsDirect)
	assert.Nil(t, route.Path)
	require.NotNil(t, route.DirectCall)
	assert.Equal(t, market.Pool, route.DirectCall.Target)
	assert.Equal(t, int64(8453), route.DirectCall.ChainID)
	assert.True(t, strings.HasPrefix(route.DirectCall.Data, "0x617ba037"), "expected supply selector, got %s", route.DirectCall.Data[:10])
	assert.Equal(t, "25000000", route.EstimatedOutput)
	assert.True(t, route.EstimatedOutputUSD.Equal(d("25")))
	assert.True(t, route.EstimatedGasCostUSD.Equal(d("0.10")))
	assert.Equal(t, "aave-v3-base-usdc", plan.MarketID)
}

func TestResolveZapDirectPathNeedsAllConditions(t *testing.T) {
	router := &fakeRouter{routes: func(RouteRequest) ([]model.Path, error) {
		return []model.Path{quotedPath("p")}, nil
	}}
	market, ok := registry.MarketByID("aave-v3-base-usdc")
	require.True(t, ok)
	assets := []model.Balance{
		balance("USDC", arbUSDC, "arbitrum", 6, "10", "10"),
		balance("ETH", "", "base", 18, "0.01", "30"),
		balance("DAI", "0x50c5725949A6F0c72E6C4a641F24049A917DB0Cb", "base", 18, "10", "10"),
	}

	plan, err := NewResolver(router).ResolveZap(context.Background(), ZapRequest{
		Assets:             assets,
		Market:             market,
		DestinationAddress: wallet,
	})
	require.NoError(t, err)
	require.Len(t, plan.Routes, 3)
	for _, route := range plan.Routes {
		assert.False(t, route.IsDirect, "%s on %s should be routed", route.Asset.Asset.Symbol, route.Asset.Chain)
	}
	assert.Equal(t, 3, router.callCount())
}

func TestResolveZapAutoDeposit(t *testing.T) {
	market, ok := registry.MarketByID("aave-v3-base-usdc")
	require.True(t, ok)
	assets := []model.Balance{balance("USDC", arbUSDC, "arbitrum", 6, "10", "10")}
	newRouter := func(quoteErr error) *fakeQuotingRouter {
		return &fakeQuotingRouter{
			fakeRouter: &fakeRouter{routes: func(RouteRequest) ([]model.Path, error) {
				return []model.Path{quotedPath("bridge")}, nil
			}},
			quote: func(ContractCallRequest) (model.Path, error) {
				if quoteErr != nil {
					return model.Path{}, quoteErr
				}
				p := quotedPath("bridge+supply")
				p.GasCostUSD = d("0.31")
				return p, nil
			},
		}
	}

	t.Run("enabled", func(t *testing.T) {
		router := newRouter(nil)
		plan, err := NewResolver(router, WithAutoDeposit(true)).ResolveZap(context.Background(), ZapRequest{
			Assets: assets, Market: market, DestinationAddress: wallet,
		})
		require.NoError(t, err)
		require.Len(t, plan.Routes, 1)
		route := plan.Routes[0]
		assert.True(t, route.HasAutoDeposit)
		assert.Equal(t, "bridge+supply", route.Path.ID)
		assert.True(t, route.EstimatedGasCostUSD.Equal(d("0.31")))
		require.Len(t, router.quotes, 1)
		assert.Equal(t, market.Pool, router.quotes[0].ToContract)
		assert.True(t, strings.HasPrefix(router.quotes[0].ToContractCallData, "0x617ba037"))
		assert.Equal(t, baseUSDC, router.quotes[0].ToToken)
	})

	t.Run("quote failure keeps bridge path", func(t *testing.T) {
		router := newRouter(errors.New("contract calls unavailable"))
		plan, err := NewResolver(router, WithAutoDeposit(true)).ResolveZap(context.Background(), ZapRequest{
			Assets: assets, Market: market, DestinationAddress: wallet,
		})
		require.NoError(t, err)
		require.Len(t, plan.Routes, 1)
		assert.False(t, plan.Routes[0].HasAutoDeposit)
		assert.Equal(t, "bridge", plan.Routes[0].Path.ID)
		assert.Empty(t, plan.SkippedAssets)
	})

	t.Run("disabled never quotes", func(t *testing.T) {
		router := newRouter(nil)
		plan, err := NewResolver(router).ResolveZap(context.Background(), ZapRequest{
			Assets: assets, Market: market, DestinationAddress: wallet,
		})
		require.NoError(t, err)
		assert.False(t, plan.Routes[0].HasAutoDeposit)
		assert.Empty(t, router.quotes)
	})
}

func TestResolveKeepsInputOrderUnderConcurrency(t *testing.T) {
	router := &fakeRouter{routes: func(req RouteRequest) ([]model.Path, error) {
		// Earlier chains answer later.
		delay := map[int64]time.Duration{1: 30 * time.Millisecond, 10: 20 * time.Millisecond, 42161: 10 * time.Millisecond}
		time.Sleep(delay[req.FromChainID])
		return []model.Path{quotedPath("p")}, nil
	}}
	assets := []model.Balance{
		balance("USDC", ethUSDC, "ethereum", 6, "3", "3"),
		balance("USDC", opUSDC, "optimism", 6, "2", "2"),
		balance("USDC", arbUSDC, "arbitrum", 6, "1", "1"),
	}
	plan, err := NewResolver(router, WithConcurrency(3)).ResolveSqueeze(context.Background(), SqueezeRequest{
		Assets: assets, DestinationChainID: 8453, DestinationToken: "USDC", DestinationAddress: wallet,
	})
	require.NoError(t, err)
	require.Len(t, plan.Routes, 3)
	assert.Equal(t, []string{"ethereum", "optimism", "arbitrum"},
		[]string{plan.Routes[0].Asset.Chain, plan.Routes[1].Asset.Chain, plan.Routes[2].Asset.Chain})
}

func TestResolveSkipsAssetWhenRouterPanics(t *testing.T) {
	router := &fakeRouter{routes: func(req RouteRequest) ([]model.Path, error) {
		if req.FromChainID == 10 {
			panic("nil path decoder")
		}
		return []model.Path{quotedPath("p")}, nil
	}}
	assets := []model.Balance{
		balance("USDC", arbUSDC, "arbitrum", 6, "1", "1"),
		balance("USDC", opUSDC, "optimism", 6, "2", "2"),
		balance("USDC", ethUSDC, "ethereum", 6, "3", "3"),
	}
	plan, err := NewResolver(router).ResolveSqueeze(context.Background(), SqueezeRequest{
		Assets: assets, DestinationChainID: 8453, DestinationToken: "USDC", DestinationAddress: wallet,
	})
	require.NoError(t, err)
	require.Len(t, plan.Routes, 2)
	require.Len(t, plan.SkippedAssets, 1)
	assert.Equal(t, len(assets), len(plan.Routes)+len(plan.SkippedAssets))
	assert.Equal(t, "optimism", plan.SkippedAssets[0].Asset.Chain)
	assert.Equal(t, ReasonResolveFailed, plan.SkippedAssets[0].Reason)
	assert.Equal(t, "arbitrum", plan.Routes[0].Asset.Chain)
	assert.Equal(t, "ethereum", plan.Routes[1].Asset.Chain)
}

func TestResolveSkipsZeroAmount(t *testing.T) {
	router := &fakeRouter{routes: func(RouteRequest) ([]model.Path, error) {
		return []model.Path{quotedPath("p")}, nil
	}}
	plan, err := NewResolver(router).ResolveSqueeze(context.Background(), SqueezeRequest{
		Assets:             []model.Balance{balance("USDC", arbUSDC, "arbitrum", 6, "0.0000001", "1")},
		DestinationChainID: 8453,
		DestinationToken:   "USDC",
		DestinationAddress: wallet,
	})
	require.NoError(t, err)
	assert.Empty(t, plan.Routes)
	require.Len(t, plan.SkippedAssets, 1)
	assert.Zero(t, router.callCount())
}

func TestResolveRejectsInvalidDestination(t *testing.T) {
	router := &fakeRouter{routes: func(RouteRequest) ([]model.Path, error) { return nil, nil }}
	r := NewResolver(router)

	_, err := r.ResolveSqueeze(context.Background(), SqueezeRequest{DestinationChainID: 137, DestinationAddress: wallet})
	assert.True(t, clierr.Is(err, clierr.CodeBlocked), "got %v", err)

	_, err = r.ResolveSqueeze(context.Background(), SqueezeRequest{DestinationChainID: 8453, DestinationAddress: "bob"})
	assert.True(t, clierr.Is(err, clierr.CodeUsage), "got %v", err)

	_, err = r.ResolveZap(context.Background(), ZapRequest{DestinationAddress: wallet})
	assert.True(t, clierr.Is(err, clierr.CodeUsage), "got %v", err)
}

func TestEstimateOutputUSD(t *testing.T) {
	cases := []struct {
		name  string
		input string
		path  model.Path
		want  string
	}{
		{"price quote", "10", model.Path{ToAmount: "9950000", ToTokenDecimals: 6, ToTokenPriceUSD: d("1")}, "9.95"},
		{"usd quote", "10", model.Path{ToAmountUSD: d("9.7")}, "9.7"},
		{"no quote falls back", "10", model.Path{}, "9.8"},
		{"mispriced quote clamps to input", "10", model.Path{ToAmountUSD: d("25")}, "10"},
		{"exactly double is kept", "10", model.Path{ToAmountUSD: d("20")}, "20"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := EstimateOutputUSD(d(tc.input), tc.path)
			assert.True(t, got.Equal(d(tc.want)), "got %s want %s", got, tc.want)
		})
	}
}
