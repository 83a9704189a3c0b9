// Package flows wires balance aggregation, asset selection, route resolution
// and execution into the four user-facing operations: squeeze, pull, refuel
// and zap.
package flows

import (
	"context"
	"fmt"
	"strings"

	"github.com/Michael-Nwachukwu/boundless/internal/balances"
	"github.com/Michael-Nwachukwu/boundless/internal/execution"
	"github.com/Michael-Nwachukwu/boundless/internal/model"
	"github.com/Michael-Nwachukwu/boundless/internal/policy"
	"github.com/Michael-Nwachukwu/boundless/internal/registry"
	"github.com/Michael-Nwachukwu/boundless/internal/routing"
	"github.com/Michael-Nwachukwu/boundless/internal/selector"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	clierr "github.com/Michael-Nwachukwu/boundless/internal/errors"
)

// DefaultDestinationToken is delivered when a squeeze or pull names none.
const DefaultDestinationToken = "USDC"

type BalanceSource interface {
	Fetch(ctx context.Context, address string, opts balances.FetchOptions) (balances.Snapshot, error)
}

type Resolver interface {
	ResolveSqueeze(ctx context.Context, req routing.SqueezeRequest) (model.Plan, error)
	ResolveZap(ctx context.Context, req routing.ZapRequest) (model.Plan, error)
}

type Executor interface {
	Execute(ctx context.Context, routes []model.ResolvedRoute, opts execution.Options, onStatus execution.StatusFunc) (model.ExecutionSummary, error)
}

type RunStore interface {
	Save(run execution.Run) error
}

type Controller struct {
	balances BalanceSource
	resolver Resolver
	runs     RunStore
	log      zerolog.Logger
}

// New builds a Controller. runs may be nil, in which case executions are not
// recorded.
func New(src BalanceSource, resolver Resolver, runs RunStore, log zerolog.Logger) *Controller {
	return &Controller{balances: src, resolver: resolver, runs: runs, log: log}
}

// TransferRequest drives squeeze, pull and refuel.
type TransferRequest struct {
	Flow             model.Flow
	Wallet           string
	AmountUSD        decimal.Decimal
	DestinationChain string
	// DestinationToken is a symbol. Refuel ignores it and delivers the
	// destination chain's gas token.
	DestinationToken string
	// Recipient is required for pull, defaults to Wallet for squeeze and is
	// always Wallet for refuel.
	Recipient string
	Refresh   bool
}

type ZapRequest struct {
	Wallet    string
	MarketID  string
	AmountUSD decimal.Decimal
	Refresh   bool
}

// Prepared is a resolved plan together with how it must be executed.
type Prepared struct {
	Wallet   string
	Plan     model.Plan
	Selected []model.Balance
	Warnings []string
	Cache    model.CacheStatus

	policy  execution.Policy
	deposit *execution.DepositTarget
}

func (p Prepared) Policy() execution.Policy { return p.policy }

func (c *Controller) PlanTransfer(ctx context.Context, req TransferRequest) (Prepared, error) {
	switch req.Flow {
	case model.FlowSqueeze, model.FlowPull, model.FlowRefuel:
	default:
		return Prepared{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("unknown transfer flow %q", req.Flow))
	}
	wallet, err := walletAddress(req.Wallet)
	if err != nil {
		return Prepared{}, err
	}
	if req.AmountUSD.Sign() <= 0 {
		return Prepared{}, clierr.New(clierr.CodeUsage, "amount must be greater than zero")
	}
	chain, ok := registry.LookupChain(req.DestinationChain)
	if !ok {
		return Prepared{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("unsupported destination chain %q", req.DestinationChain))
	}
	if err := policy.CheckDestination(chain.ID); err != nil {
		return Prepared{}, err
	}

	token := strings.TrimSpace(req.DestinationToken)
	recipient := strings.TrimSpace(req.Recipient)
	switch req.Flow {
	case model.FlowRefuel:
		token = chain.NativeSymbol
		recipient = wallet
	case model.FlowPull:
		if !common.IsHexAddress(recipient) {
			return Prepared{}, clierr.New(clierr.CodeUsage, "pull requires a valid --to recipient address")
		}
	default:
		if recipient == "" {
			recipient = wallet
		}
	}
	if token == "" {
		token = DefaultDestinationToken
	}

	snap, err := c.balances.Fetch(ctx, wallet, balances.FetchOptions{Refresh: req.Refresh})
	if err != nil {
		return Prepared{}, err
	}
	selected := selector.SelectAssets(snap.Balances, req.AmountUSD, chain.Slug)
	if len(selected) == 0 {
		return Prepared{}, clierr.New(clierr.CodeInsufficient, fmt.Sprintf("no balances outside %s can fund this %s", chain.Name, req.Flow))
	}

	plan, err := c.resolver.ResolveSqueeze(ctx, routing.SqueezeRequest{
		Flow:               req.Flow,
		Assets:             selected,
		DestinationChainID: chain.ID,
		DestinationToken:   token,
		DestinationAddress: recipient,
		RequestedUSD:       req.AmountUSD,
	})
	if err != nil {
		return Prepared{}, err
	}
	plan.Insufficient = selector.Insufficient(selected, req.AmountUSD)
	c.log.Info().
		Str("flow", string(req.Flow)).
		Str("destination", chain.Slug).
		Int("selected", len(selected)).
		Int("routes", len(plan.Routes)).
		Int("skipped", len(plan.SkippedAssets)).
		Msg("plan resolved")

	return Prepared{
		Wallet:   wallet,
		Plan:     plan,
		Selected: selected,
		Warnings: planWarnings(snap.Warnings, plan, selector.Total(selected)),
		Cache:    snap.Cache,
		policy:   execution.ContinueOnFailure,
	}, nil
}

// PlanZap selects sources for a market deposit. Routed legs are supplied to
// the market after they settle unless the route already deposits, and the
// run halts at the first failed leg.
func (c *Controller) PlanZap(ctx context.Context, req ZapRequest) (Prepared, error) {
	wallet, err := walletAddress(req.Wallet)
	if err != nil {
		return Prepared{}, err
	}
	if req.AmountUSD.Sign() <= 0 {
		return Prepared{}, clierr.New(clierr.CodeUsage, "amount must be greater than zero")
	}
	market, ok := registry.MarketByID(req.MarketID)
	if !ok {
		return Prepared{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("unknown market %q (see `boundless markets`)", req.MarketID))
	}
	if err := policy.CheckDestination(market.ChainID); err != nil {
		return Prepared{}, err
	}

	snap, err := c.balances.Fetch(ctx, wallet, balances.FetchOptions{Refresh: req.Refresh})
	if err != nil {
		return Prepared{}, err
	}
	selected := selector.SelectForDeposit(snap.Balances, req.AmountUSD, selector.TargetFromMarket(market))
	if len(selected) == 0 {
		return Prepared{}, clierr.New(clierr.CodeInsufficient, "no balances can fund this deposit")
	}

	plan, err := c.resolver.ResolveZap(ctx, routing.ZapRequest{
		Assets:             selected,
		Market:             market,
		DestinationAddress: wallet,
		RequestedUSD:       req.AmountUSD,
	})
	if err != nil {
		return Prepared{}, err
	}
	plan.Insufficient = selector.Insufficient(selected, req.AmountUSD)
	c.log.Info().
		Str("market", market.ID).
		Int("selected", len(selected)).
		Int("routes", len(plan.Routes)).
		Int("skipped", len(plan.SkippedAssets)).
		Msg("zap plan resolved")

	return Prepared{
		Wallet:   wallet,
		Plan:     plan,
		Selected: selected,
		Warnings: planWarnings(snap.Warnings, plan, selector.Total(selected)),
		Cache:    snap.Cache,
		policy:   execution.HaltOnFailure,
		deposit: &execution.DepositTarget{
			ChainID:    market.ChainID,
			Pool:       market.Pool,
			Underlying: market.Underlying,
			OnBehalfOf: wallet,
		},
	}, nil
}

// Execute runs a prepared plan and records it. Route failures are reflected
// in the returned run's summary and status, not in the error.
func (c *Controller) Execute(ctx context.Context, exec Executor, prepared Prepared, onStatus execution.StatusFunc) (execution.Run, error) {
	if len(prepared.Plan.Routes) == 0 {
		return execution.Run{}, clierr.New(clierr.CodeNoRoute, "plan has no executable routes")
	}
	if onStatus == nil {
		onStatus = func(int, model.RouteStatus, string) {}
	}
	run := execution.NewRun(execution.NewRunID(), prepared.Plan)
	run.Wallet = prepared.Wallet
	run.Status = execution.RunStatusRunning
	c.save(run)

	routes := prepared.Plan.Routes
	summary, err := exec.Execute(ctx, routes, execution.Options{
		Policy:            prepared.policy,
		PostBridgeDeposit: prepared.deposit,
		Flow:              prepared.Plan.Flow,
	}, onStatus)
	if err != nil {
		run.Status = execution.RunStatusFailed
		run.Touch()
		c.save(run)
		return run, err
	}
	run.Plan.Routes = routes
	run.Finish(summary)
	c.save(run)
	c.log.Info().
		Str("run_id", run.RunID).
		Str("status", string(run.Status)).
		Int("succeeded", summary.SuccessfulRoutes).
		Int("failed", summary.FailedRoutes).
		Msg("run finished")
	return run, nil
}

func (c *Controller) save(run execution.Run) {
	if c.runs == nil {
		return
	}
	if err := c.runs.Save(run); err != nil {
		c.log.Warn().Err(err).Str("run_id", run.RunID).Msg("run record not saved")
	}
}

func walletAddress(v string) (string, error) {
	v = strings.TrimSpace(v)
	if !common.IsHexAddress(v) {
		return "", clierr.New(clierr.CodeUsage, "a valid wallet address is required")
	}
	return common.HexToAddress(v).Hex(), nil
}

func planWarnings(base []string, plan model.Plan, covered decimal.Decimal) []string {
	warnings := append([]string{}, base...)
	if plan.Insufficient {
		warnings = append(warnings, fmt.Sprintf("balances cover only %s of the requested %s USD",
			covered.StringFixed(2), plan.RequestedUSD.StringFixed(2)))
	}
	for _, s := range plan.SkippedAssets {
		warnings = append(warnings, fmt.Sprintf("skipped %s on %s: %s", s.Asset.Asset.Symbol, s.Asset.Chain, s.Reason))
	}
	return warnings
}
