package aave

import (
	"context"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Michael-Nwachukwu/boundless/internal/execution/planner"
	"github.com/Michael-Nwachukwu/boundless/internal/metrics"
	"github.com/Michael-Nwachukwu/boundless/internal/model"
	"github.com/Michael-Nwachukwu/boundless/internal/registry"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	clierr "github.com/Michael-Nwachukwu/boundless/internal/errors"
)

const providerName = "aave"

// Dialer opens a read-only contract client for a chain. The returned func
// releases it.
type Dialer func(ctx context.Context, chainID int64) (planner.ContractCaller, func(), error)

// RPCDialer dials the configured or default RPC endpoint of each chain.
func RPCDialer(overrides map[int64]string) Dialer {
	return func(ctx context.Context, chainID int64) (planner.ContractCaller, func(), error) {
		rpcURL, err := registry.ResolveRPCURL(overrides, chainID)
		if err != nil {
			return nil, nil, clierr.Wrap(clierr.CodeUnsupported, "resolve rpc url", err)
		}
		client, err := ethclient.DialContext(ctx, rpcURL)
		if err != nil {
			return nil, nil, clierr.Wrap(clierr.CodeUnavailable, "connect rpc", err)
		}
		return client, client.Close, nil
	}
}

// Client reads supply rates and account data straight from Aave V3 pools.
type Client struct {
	dial    Dialer
	now     func() time.Time
	log     zerolog.Logger
	metrics *metrics.Recorder
}

func New(dial Dialer, log zerolog.Logger, recorder *metrics.Recorder) *Client {
	return &Client{dial: dial, now: time.Now, log: log, metrics: recorder}
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:        providerName,
		Type:        "lending",
		RequiresKey: false,
		Capabilities: []string{
			"markets.apy",
			"positions",
		},
	}
}

var (
	rayPercent  = decimal.New(1, 25)
	baseUnitUSD = decimal.New(1, 8)
	wad         = decimal.New(1, 18)
	// Health factors above this are reported as unbounded.
	healthFactorCap = new(big.Int).Lsh(big.NewInt(1), 255)
)

// SupplyAPYPercent converts currentLiquidityRate (ray) to a percentage with
// two decimals.
func SupplyAPYPercent(rate *big.Int) float64 {
	if rate == nil || rate.Sign() <= 0 {
		return 0
	}
	f, _ := decimal.NewFromBigInt(rate, 0).Div(rayPercent).Round(2).Float64()
	return f
}

// MarketYields reads the live supply rate of each market. A market whose
// read fails is reported with a zero APY; the call fails only when every
// read fails.
func (c *Client) MarketYields(ctx context.Context, markets []registry.Market) ([]model.MarketYield, error) {
	out := make([]model.MarketYield, len(markets))
	failed := make([]bool, len(markets))
	fetchedAt := c.now().UTC().Format(time.RFC3339)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, market := range markets {
		out[i] = model.MarketYield{
			MarketID:   market.ID,
			ChainID:    market.ChainID,
			Chain:      market.Chain,
			Protocol:   market.Protocol,
			Asset:      market.Asset,
			Underlying: market.Underlying,
			AToken:     market.AToken,
			Risk:       market.Risk,
			FetchedAt:  fetchedAt,
		}
		g.Go(func() error {
			rate, err := c.readRate(gctx, market)
			if err != nil {
				failed[i] = true
				c.log.Warn().Err(err).Str("market", market.ID).Msg("supply rate unavailable")
				return nil
			}
			out[i].SupplyAPY = SupplyAPYPercent(rate)
			return nil
		})
	}
	_ = g.Wait()

	for _, f := range failed {
		if !f {
			return out, nil
		}
	}
	if len(markets) == 0 {
		return out, nil
	}
	return nil, clierr.New(clierr.CodeUnavailable, "no aave supply rate could be read")
}

func (c *Client) readRate(ctx context.Context, market registry.Market) (*big.Int, error) {
	caller, release, err := c.dial(ctx, market.ChainID)
	if err != nil {
		c.metrics.ProviderRequest(providerName, "error")
		return nil, err
	}
	defer release()
	rate, err := planner.ReserveLiquidityRate(ctx, caller, market.Pool, market.Underlying)
	c.observe(err)
	return rate, err
}

// LendingPositions reads the account of address on every chain with a known
// pool and returns the non-empty ones ordered by collateral.
func (c *Client) LendingPositions(ctx context.Context, address string) ([]model.LendingPosition, error) {
	if !common.IsHexAddress(strings.TrimSpace(address)) {
		return nil, clierr.New(clierr.CodeUsage, "positions require a valid wallet address")
	}
	var (
		mu        sync.Mutex
		positions []model.LendingPosition
		errs      int
		chains    int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, chain := range registry.SupportedChains() {
		pool, ok := registry.AavePool(chain.ID)
		if !ok {
			continue
		}
		chains++
		g.Go(func() error {
			pos, err := c.readPosition(gctx, chain, pool, address)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs++
				c.log.Warn().Err(err).Str("chain", chain.Slug).Msg("aave account data unavailable")
				return nil
			}
			if pos != nil {
				positions = append(positions, *pos)
			}
			return nil
		})
	}
	_ = g.Wait()
	if chains > 0 && errs == chains {
		return nil, clierr.New(clierr.CodeUnavailable, "no aave account data could be read")
	}
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].TotalCollateralUSD != positions[j].TotalCollateralUSD {
			return positions[i].TotalCollateralUSD > positions[j].TotalCollateralUSD
		}
		return positions[i].ChainID < positions[j].ChainID
	})
	if errs > 0 {
		return positions, clierr.New(clierr.CodePartial, "some chains could not be read")
	}
	return positions, nil
}

func (c *Client) readPosition(ctx context.Context, chain registry.Chain, pool, address string) (*model.LendingPosition, error) {
	caller, release, err := c.dial(ctx, chain.ID)
	if err != nil {
		c.metrics.ProviderRequest(providerName, "error")
		return nil, err
	}
	defer release()
	data, err := planner.UserAccountData(ctx, caller, pool, address)
	c.observe(err)
	if err != nil {
		return nil, err
	}
	if data.TotalCollateralBase.Sign() == 0 && data.TotalDebtBase.Sign() == 0 {
		return nil, nil
	}
	return &model.LendingPosition{
		ChainID:             chain.ID,
		Chain:               chain.Slug,
		Protocol:            "Aave V3",
		Pool:                pool,
		TotalCollateralUSD:  baseToUSD(data.TotalCollateralBase),
		TotalDebtUSD:        baseToUSD(data.TotalDebtBase),
		AvailableBorrowsUSD: baseToUSD(data.AvailableBorrowsBase),
		HealthFactor:        formatHealthFactor(data.HealthFactor, data.TotalDebtBase),
	}, nil
}

func (c *Client) observe(err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.metrics.ProviderRequest(providerName, status)
}

func baseToUSD(v *big.Int) float64 {
	f, _ := decimal.NewFromBigInt(v, 0).Div(baseUnitUSD).Round(2).Float64()
	return f
}

func formatHealthFactor(hf, debt *big.Int) string {
	if debt.Sign() == 0 || hf.Cmp(healthFactorCap) >= 0 {
		return "inf"
	}
	return decimal.NewFromBigInt(hf, 0).Div(wad).StringFixed(2)
}
