package routing

import (
	"context"
	"strings"
	"time"

	"github.com/Michael-Nwachukwu/boundless/internal/amount"
	"github.com/Michael-Nwachukwu/boundless/internal/execution/planner"
	"github.com/Michael-Nwachukwu/boundless/internal/metrics"
	"github.com/Michael-Nwachukwu/boundless/internal/model"
	"github.com/Michael-Nwachukwu/boundless/internal/registry"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	clierr "github.com/Michael-Nwachukwu/boundless/internal/errors"
)

// Skip reasons with fixed wording. Any other reason is the error text of the
// failed lookup.
const (
	ReasonUnsupportedChain = "unsupported chain"
	ReasonNoRoutes         = "no routes found"
	ReasonResolveFailed    = "route resolution failed"
)

const (
	defaultConcurrency   = 8
	supplyCallGasLimit   = "300000"
	kindDirect           = "direct"
	kindRouted           = "routed"
	kindRoutedAndDeposit = "auto_deposit"
)

var (
	directGasEstimateUSD = decimal.RequireFromString("0.10")
	fallbackOutputRatio  = decimal.RequireFromString("0.98")
	outputClampRatio     = decimal.NewFromInt(2)
)

// Resolver resolves every asset independently; one asset failing never
// affects another.
type Resolver struct {
	router      Router
	log         zerolog.Logger
	metrics     *metrics.Recorder
	concurrency int
	autoDeposit bool
	slippage    string
}

type Option func(*Resolver)

func WithLogger(l zerolog.Logger) Option {
	return func(r *Resolver) { r.log = l }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithConcurrency bounds in-flight routing requests. Values below one keep
// the default.
func WithConcurrency(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithAutoDeposit enables bundling the market deposit into the bridge path
// for zaps. Off by default.
func WithAutoDeposit(enabled bool) Option {
	return func(r *Resolver) { r.autoDeposit = enabled }
}

func WithSlippage(slippage string) Option {
	return func(r *Resolver) {
		if strings.TrimSpace(slippage) != "" {
			r.slippage = strings.TrimSpace(slippage)
		}
	}
}

func NewResolver(router Router, opts ...Option) *Resolver {
	r := &Resolver{
		router:      router,
		log:         zerolog.Nop(),
		concurrency: defaultConcurrency,
		slippage:    registry.DefaultSlippage,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SqueezeRequest moves assets onto one destination chain and token. Flow is
// carried into the plan; squeeze, pull and refuel all resolve the same way.
type SqueezeRequest struct {
	Flow               model.Flow
	Assets             []model.Balance
	DestinationChainID int64
	DestinationToken   string
	DestinationAddress string
	RequestedUSD       decimal.Decimal
}

// ZapRequest moves assets into a lending market.
type ZapRequest struct {
	Assets             []model.Balance
	Market             registry.Market
	DestinationAddress string
	RequestedUSD       decimal.Decimal
}

type destination struct {
	flow      model.Flow
	chainID   int64
	token     string
	recipient string
	market    *registry.Market
}

type outcome struct {
	route   *model.ResolvedRoute
	skipped *model.SkippedAsset
}

func (r *Resolver) ResolveSqueeze(ctx context.Context, req SqueezeRequest) (model.Plan, error) {
	flow := req.Flow
	if flow == "" {
		flow = model.FlowSqueeze
	}
	if err := r.validate(req.DestinationChainID, req.DestinationAddress); err != nil {
		return model.Plan{}, err
	}
	dest := destination{
		flow:      flow,
		chainID:   req.DestinationChainID,
		token:     registry.DestinationTokenAddress(req.DestinationChainID, req.DestinationToken),
		recipient: common.HexToAddress(req.DestinationAddress).Hex(),
	}
	plan := model.Plan{
		Flow:               flow,
		DestinationChainID: dest.chainID,
		DestinationToken:   dest.token,
		DestinationAddress: dest.recipient,
		RequestedUSD:       req.RequestedUSD,
	}
	return r.resolve(ctx, plan, req.Assets, dest), nil
}

func (r *Resolver) ResolveZap(ctx context.Context, req ZapRequest) (model.Plan, error) {
	market := req.Market
	if market.ID == "" || !common.IsHexAddress(market.Underlying) {
		return model.Plan{}, clierr.New(clierr.CodeUsage, "zap requires a known market")
	}
	if err := r.validate(market.ChainID, req.DestinationAddress); err != nil {
		return model.Plan{}, err
	}
	dest := destination{
		flow:      model.FlowZap,
		chainID:   market.ChainID,
		token:     common.HexToAddress(market.Underlying).Hex(),
		recipient: common.HexToAddress(req.DestinationAddress).Hex(),
		market:    &market,
	}
	plan := model.Plan{
		Flow:               model.FlowZap,
		DestinationChainID: dest.chainID,
		DestinationToken:   dest.token,
		DestinationAddress: dest.recipient,
		MarketID:           market.ID,
		RequestedUSD:       req.RequestedUSD,
	}
	return r.resolve(ctx, plan, req.Assets, dest), nil
}

func (r *Resolver) validate(chainID int64, recipient string) error {
	if r.router == nil {
		return clierr.New(clierr.CodeInternal, "resolver has no router")
	}
	if !registry.IsAllowedDestination(chainID) {
		return clierr.New(clierr.CodeBlocked, "destination chain is not supported")
	}
	if !common.IsHexAddress(strings.TrimSpace(recipient)) {
		return clierr.New(clierr.CodeUsage, "destination address must be a valid EVM address")
	}
	return nil
}

func (r *Resolver) resolve(ctx context.Context, plan model.Plan, assets []model.Balance, dest destination) model.Plan {
	started := time.Now()
	outcomes := make([]outcome, len(assets))

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, asset := range assets {
		g.Go(func() error {
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Error().
						Str("symbol", asset.Asset.Symbol).
						Str("chain", asset.Chain).
						Interface("panic", rec).
						Msg("route resolution panicked")
					outcomes[i] = r.skip(asset, dest, ReasonResolveFailed)
				}
			}()
			outcomes[i] = r.resolveOne(ctx, asset, dest)
			return nil
		})
	}
	_ = g.Wait()

	plan.Routes = make([]model.ResolvedRoute, 0, len(assets))
	plan.SkippedAssets = make([]model.SkippedAsset, 0)
	for _, out := range outcomes {
		if out.skipped != nil {
			plan.SkippedAssets = append(plan.SkippedAssets, *out.skipped)
			continue
		}
		route := *out.route
		plan.Routes = append(plan.Routes, route)
		plan.TotalInputUSD = plan.TotalInputUSD.Add(route.Asset.USDValue)
		plan.TotalEstimatedOutputUSD = plan.TotalEstimatedOutputUSD.Add(route.EstimatedOutputUSD)
		plan.TotalGasCostUSD = plan.TotalGasCostUSD.Add(route.EstimatedGasCostUSD)
	}
	r.metrics.ObserveResolve(string(dest.flow), time.Since(started))
	r.log.Debug().
		Str("flow", string(dest.flow)).
		Int("routes", len(plan.Routes)).
		Int("skipped", len(plan.SkippedAssets)).
		Dur("elapsed", time.Since(started)).
		Msg("plan resolved")
	return plan
}

func (r *Resolver) resolveOne(ctx context.Context, asset model.Balance, dest destination) outcome {
	chainID, ok := asset.ChainID()
	if !ok {
		return r.skip(asset, dest, ReasonUnsupportedChain)
	}
	baseUnits := asset.BaseUnits()
	if baseUnits.Sign() <= 0 {
		return r.skip(asset, dest, "amount is zero in base units")
	}

	if dest.market != nil && chainID == dest.chainID && asset.Asset.SameToken(dest.market.Underlying) {
		if pool, ok := registry.AavePool(chainID); ok {
			return r.direct(asset, dest, pool, baseUnits.String())
		}
	}

	sender := asset.Wallet
	if !common.IsHexAddress(sender) {
		sender = dest.recipient
	}
	req := RouteRequest{
		FromChainID: chainID,
		ToChainID:   dest.chainID,
		FromToken:   asset.Asset.Token.RouteAddress(),
		ToToken:     dest.token,
		FromAmount:  baseUnits.String(),
		FromAddress: sender,
		ToAddress:   dest.recipient,
		Slippage:    r.slippage,
	}
	paths, err := r.router.Routes(ctx, req)
	if err != nil {
		return r.skip(asset, dest, err.Error())
	}
	if len(paths) == 0 {
		return r.skip(asset, dest, ReasonNoRoutes)
	}

	route := routedRoute(asset, baseUnits.String(), paths[0])
	kind := kindRouted
	if dest.market != nil && r.autoDeposit && r.attachDeposit(ctx, &route, req, dest) {
		kind = kindRoutedAndDeposit
	}
	r.metrics.RouteResolved(string(dest.flow), kind)
	r.log.Debug().
		Str("symbol", asset.Asset.Symbol).
		Str("chain", asset.Chain).
		Str("kind", kind).
		Str("output_usd", route.EstimatedOutputUSD.StringFixed(2)).
		Msg("route resolved")
	return outcome{route: &route}
}

func (r *Resolver) direct(asset model.Balance, dest destination, pool, baseUnits string) outcome {
	amt, _ := amount.ParseBaseUnits(baseUnits)
	call, err := planner.AaveSupplyCall(planner.AaveSupplyRequest{
		ChainID:    dest.chainID,
		Pool:       pool,
		Asset:      dest.market.Underlying,
		Amount:     amt,
		OnBehalfOf: dest.recipient,
	})
	if err != nil {
		return r.skip(asset, dest, err.Error())
	}
	r.metrics.RouteResolved(string(dest.flow), kindDirect)
	r.log.Debug().
		Str("symbol", asset.Asset.Symbol).
		Str("chain", asset.Chain).
		Str("kind", kindDirect).
		Msg("route resolved")
	return outcome{route: &model.ResolvedRoute{
		Asset:               asset,
		AmountBaseUnits:     baseUnits,
		IsDirect:            true,
		DirectCall:          &call,
		EstimatedOutput:     baseUnits,
		EstimatedOutputUSD:  asset.USDValue,
		EstimatedGasCostUSD: directGasEstimateUSD,
		Status:              model.RouteStatusPending,
	}}
}

// attachDeposit swaps the plain path for one that also supplies the bridged
// amount to the market. Failure keeps the plain path.
func (r *Resolver) attachDeposit(ctx context.Context, route *model.ResolvedRoute, req RouteRequest, dest destination) bool {
	quoter, ok := r.router.(ContractCallQuoter)
	if !ok {
		return false
	}
	pool, ok := registry.AavePool(dest.chainID)
	if !ok {
		return false
	}
	minOut, err := amount.ParseBaseUnits(route.EstimatedOutput)
	if err == nil {
		var supply model.DirectCall
		supply, err = planner.AaveSupplyCall(planner.AaveSupplyRequest{
			ChainID:    dest.chainID,
			Pool:       pool,
			Asset:      dest.market.Underlying,
			Amount:     minOut,
			OnBehalfOf: dest.recipient,
		})
		if err == nil {
			var path model.Path
			path, err = quoter.QuoteContractCalls(ctx, ContractCallRequest{
				RouteRequest:       req,
				ToContract:         supply.Target,
				ToContractCallData: supply.Data,
				ToContractAmount:   supply.Amount,
				ToContractGasLimit: supplyCallGasLimit,
				ToApprovalAddress:  supply.Target,
			})
			if err == nil {
				route.Path = &path
				route.HasAutoDeposit = true
				route.EstimatedGasCostUSD = path.GasCostUSD
				return true
			}
		}
	}
	r.log.Warn().
		Err(err).
		Str("symbol", route.Asset.Asset.Symbol).
		Str("chain", route.Asset.Chain).
		Msg("auto-deposit quote failed, keeping bridge-only path")
	return false
}

func (r *Resolver) skip(asset model.Balance, dest destination, reason string) outcome {
	r.metrics.AssetSkipped(string(dest.flow), reason)
	r.log.Info().
		Str("symbol", asset.Asset.Symbol).
		Str("chain", asset.Chain).
		Str("reason", reason).
		Msg("asset skipped")
	return outcome{skipped: &model.SkippedAsset{Asset: asset, Reason: reason}}
}

func routedRoute(asset model.Balance, baseUnits string, path model.Path) model.ResolvedRoute {
	estimated := path.ToAmountMin
	if strings.TrimSpace(estimated) == "" {
		estimated = path.ToAmount
	}
	p := path
	return model.ResolvedRoute{
		Asset:               asset,
		AmountBaseUnits:     baseUnits,
		Path:                &p,
		EstimatedOutput:     estimated,
		EstimatedOutputUSD:  EstimateOutputUSD(asset.USDValue, path),
		EstimatedGasCostUSD: path.GasCostUSD,
		Status:              model.RouteStatusPending,
	}
}

// EstimateOutputUSD values a path's output from its quote, falling back to
// the input less the assumed slippage. A quote worth more than twice the
// input is treated as mispriced and replaced by the input value.
func EstimateOutputUSD(inputUSD decimal.Decimal, path model.Path) decimal.Decimal {
	out, ok := quotedOutputUSD(path)
	if !ok {
		out = inputUSD.Mul(fallbackOutputRatio)
	}
	if inputUSD.Sign() > 0 && out.GreaterThan(inputUSD.Mul(outputClampRatio)) {
		return inputUSD
	}
	return out
}

func quotedOutputUSD(path model.Path) (decimal.Decimal, bool) {
	if path.ToTokenPriceUSD.Sign() > 0 {
		if toAmount, err := amount.ParseBaseUnits(path.ToAmount); err == nil {
			decimals := path.ToTokenDecimals
			if decimals <= 0 {
				decimals = registry.DefaultDecimals
			}
			return amount.FromBaseUnits(toAmount, decimals).Mul(path.ToTokenPriceUSD), true
		}
	}
	if path.ToAmountUSD.Sign() > 0 {
		return path.ToAmountUSD, true
	}
	return decimal.Zero, false
}
