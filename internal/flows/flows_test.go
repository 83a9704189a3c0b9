package flows

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/Michael-Nwachukwu/boundless/internal/balances"
	"github.com/Michael-Nwachukwu/boundless/internal/execution"
	"github.com/Michael-Nwachukwu/boundless/internal/model"
	"github.com/Michael-Nwachukwu/boundless/internal/routing"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	clierr "github.com/Michael-Nwachukwu/boundless/internal/errors"
)

// Addresses come back from the controller in EIP-55 form.
var (
	wallet    = common.HexToAddress("0x00000000000000000000000000000000000000aa").Hex()
	recipient = common.HexToAddress("0x00000000000000000000000000000000000000bb").Hex()
)

const (
	baseUSDC  = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	arbUSDC   = "0xaf88d065e77c8cC2239327C5EDb3A432268e5831"
)

type fakeBalances struct {
	snap balances.Snapshot
	err  error
}

func (f fakeBalances) Fetch(context.Context, string, balances.FetchOptions) (balances.Snapshot, error) {
	return f.snap, f.err
}

// fakeResolver turns every asset into a routed route.
type fakeResolver struct {
	squeeze *routing.SqueezeRequest
	zap     *routing.ZapRequest
}

func (f *fakeResolver) ResolveSqueeze(_ context.Context, req routing.SqueezeRequest) (model.Plan, error) {
	f.squeeze = &req
	return planFor(req.Flow, req.Assets, req.RequestedUSD), nil
}

func (f *fakeResolver) ResolveZap(_ context.Context, req routing.ZapRequest) (model.Plan, error) {
	f.zap = &req
	plan := planFor(model.FlowZap, req.Assets, req.RequestedUSD)
	plan.MarketID = req.Market.ID
	return plan, nil
}

func planFor(flow model.Flow, assets []model.Balance, requested decimal.Decimal) model.Plan {
	plan := model.Plan{Flow: flow, RequestedUSD: requested, SkippedAssets: []model.SkippedAsset{}}
	for i, a := range assets {
		plan.Routes = append(plan.Routes, model.ResolvedRoute{
			Asset:  a,
			Path:   &model.Path{ID: string(rune('a' + i))},
			Status: model.RouteStatusPending,
		})
		plan.TotalInputUSD = plan.TotalInputUSD.Add(a.USDValue)
	}
	return plan
}

type fakeExecutor struct {
	opts    execution.Options
	fail    map[int]bool
	planErr error
}

func (f *fakeExecutor) Execute(_ context.Context, routes []model.ResolvedRoute, opts execution.Options, onStatus execution.StatusFunc) (model.ExecutionSummary, error) {
	f.opts = opts
	if f.planErr != nil {
		return model.ExecutionSummary{}, f.planErr
	}
	sum := model.ExecutionSummary{TotalRoutes: len(routes)}
	for i := range routes {
		onStatus(i, model.RouteStatusExecuting, "")
		if f.fail[i] {
			routes[i].Status = model.RouteStatusFailed
			sum.FailedRoutes++
			sum.FailedIndices = append(sum.FailedIndices, i)
			onStatus(i, model.RouteStatusFailed, "boom")
			continue
		}
		routes[i].Status = model.RouteStatusCompleted
		sum.SuccessfulRoutes++
		sum.SuccessfulIndices = append(sum.SuccessfulIndices, i)
		onStatus(i, model.RouteStatusCompleted, "")
	}
	return sum, nil
}

type memRuns struct {
	saved []execution.Run
	err   error
}

func (m *memRuns) Save(run execution.Run) error {
	m.saved = append(m.saved, run)
	return m.err
}

func balance(symbol, address, chain, usd string) model.Balance {
	asset := model.NewAssetRef(symbol, symbol, address, chain, 0)
	return model.NewBalance(asset, decimal.RequireFromString(usd), decimal.RequireFromString(usd), wallet)
}

func holdings() balances.Snapshot {
	return balances.Snapshot{
		Wallet: wallet,
		Balances: []model.Balance{
			balance("USDC", baseUSDC, "base", "40"),
			balance("USDC", arbUSDC, "arbitrum", "100"),
			balance("ETH", "", "optimism", "30"),
		},
		Cache:    model.CacheStatus{Status: "hit"},
		Warnings: []string{"router token list unavailable; balances are not filtered by routability"},
	}
}

func newController(res *fakeResolver, runs RunStore) *Controller {
	return New(fakeBalances{snap: holdings()}, res, runs, zerolog.Nop())
}

func TestPlanSqueezeExcludesDestinationAndDefaultsRecipient(t *testing.T) {
	res := &fakeResolver{}
	c := newController(res, nil)

	prep, err := c.PlanTransfer(context.Background(), TransferRequest{
		Flow:             model.FlowSqueeze,
		Wallet:           wallet,
		AmountUSD:        decimal.NewFromInt(120),
		DestinationChain: "Base",
	})
	require.NoError(t, err)
	require.Equal(t, execution.ContinueOnFailure, prep.Policy())
	require.Equal(t, "hit", prep.Cache.Status)

	req := res.squeeze
	require.NotNil(t, req)
	require.Equal(t, int64(8453), req.DestinationChainID)
	require.Equal(t, "USDC", req.DestinationToken)
	require.Equal(t, wallet, req.DestinationAddress)
	require.Len(t, req.Assets, 2)
	require.Equal(t, "arbitrum", req.Assets[0].Chain)
	require.Equal(t, "optimism", req.Assets[1].Chain)
	require.Equal(t, "20", req.Assets[1].USDValue.String())
	require.False(t, prep.Plan.Insufficient)
	require.Len(t, prep.Warnings, 1)
}

func TestPlanTransferAcceptsNumericChainAndLowercaseWallet(t *testing.T) {
	res := &fakeResolver{}
	c := newController(res, nil)
	_, err := c.PlanTransfer(context.Background(), TransferRequest{
		Flow:             model.FlowSqueeze,
		Wallet:           strings.ToLower(wallet),
		AmountUSD:        decimal.NewFromInt(50),
		DestinationChain: "8453",
	})
	require.NoError(t, err)
	require.Equal(t, int64(8453), res.squeeze.DestinationChainID)
	require.Equal(t, wallet, res.squeeze.DestinationAddress)

	_, err = c.PlanTransfer(context.Background(), TransferRequest{
		Flow:             model.FlowSqueeze,
		Wallet:           wallet,
		AmountUSD:        decimal.NewFromInt(50),
		DestinationChain: "137",
	})
	require.True(t, clierr.Is(err, clierr.CodeUnsupported))
}

func TestPlanPullRequiresRecipient(t *testing.T) {
	c := newController(&fakeResolver{}, nil)
	_, err := c.PlanTransfer(context.Background(), TransferRequest{
		Flow:             model.FlowPull,
		Wallet:           wallet,
		AmountUSD:        decimal.NewFromInt(10),
		DestinationChain: "arbitrum",
	})
	require.True(t, clierr.Is(err, clierr.CodeUsage))

	res := &fakeResolver{}
	c = newController(res, nil)
	_, err = c.PlanTransfer(context.Background(), TransferRequest{
		Flow:             model.FlowPull,
		Wallet:           wallet,
		AmountUSD:        decimal.NewFromInt(10),
		DestinationChain: "arbitrum",
		DestinationToken: "USDT",
		Recipient:        recipient,
	})
	require.NoError(t, err)
	require.Equal(t, recipient, res.squeeze.DestinationAddress)
	require.Equal(t, "USDT", res.squeeze.DestinationToken)
}

func TestPlanRefuelDeliversGasTokenToWallet(t *testing.T) {
	res := &fakeResolver{}
	c := newController(res, nil)
	prep, err := c.PlanTransfer(context.Background(), TransferRequest{
		Flow:             model.FlowRefuel,
		Wallet:           wallet,
		AmountUSD:        decimal.NewFromInt(500),
		DestinationChain: "bsc",
		DestinationToken: "USDC",
		Recipient:        recipient,
	})
	require.NoError(t, err)
	require.Equal(t, "BNB", res.squeeze.DestinationToken)
	require.Equal(t, wallet, res.squeeze.DestinationAddress)
	require.True(t, prep.Plan.Insufficient)
	require.Contains(t, prep.Warnings[len(prep.Warnings)-1], "170.00 of the requested 500.00")
}

func TestPlanTransferRejectsBadInput(t *testing.T) {
	c := newController(&fakeResolver{}, nil)
	cases := []struct {
		name string
		req  TransferRequest
		code clierr.Code
	}{
		{"unknown flow", TransferRequest{Flow: model.FlowZap, Wallet: wallet, AmountUSD: decimal.NewFromInt(1), DestinationChain: "base"}, clierr.CodeUsage},
		{"bad wallet", TransferRequest{Flow: model.FlowSqueeze, Wallet: "me", AmountUSD: decimal.NewFromInt(1), DestinationChain: "base"}, clierr.CodeUsage},
		{"zero amount", TransferRequest{Flow: model.FlowSqueeze, Wallet: wallet, DestinationChain: "base"}, clierr.CodeUsage},
		{"unknown chain", TransferRequest{Flow: model.FlowSqueeze, Wallet: wallet, AmountUSD: decimal.NewFromInt(1), DestinationChain: "solana"}, clierr.CodeUnsupported},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.PlanTransfer(context.Background(), tc.req)
			require.True(t, clierr.Is(err, tc.code), "got %v", err)
		})
	}
}

func TestPlanTransferNothingToSelect(t *testing.T) {
	src := fakeBalances{snap: balances.Snapshot{Balances: []model.Balance{balance("USDC", baseUSDC, "base", "40")}}}
	c := New(src, &fakeResolver{}, nil, zerolog.Nop())
	_, err := c.PlanTransfer(context.Background(), TransferRequest{
		Flow:             model.FlowSqueeze,
		Wallet:           wallet,
		AmountUSD:        decimal.NewFromInt(10),
		DestinationChain: "base",
	})
	require.True(t, clierr.Is(err, clierr.CodeInsufficient))
}

func TestPlanTransferPropagatesBalanceErrors(t *testing.T) {
	src := fakeBalances{err: clierr.New(clierr.CodeAuth, "missing key")}
	c := New(src, &fakeResolver{}, nil, zerolog.Nop())
	_, err := c.PlanTransfer(context.Background(), TransferRequest{
		Flow:             model.FlowSqueeze,
		Wallet:           wallet,
		AmountUSD:        decimal.NewFromInt(10),
		DestinationChain: "base",
	})
	require.True(t, clierr.Is(err, clierr.CodeAuth))
}

func TestPlanZapPrefersSameChainUnderlying(t *testing.T) {
	res := &fakeResolver{}
	c := newController(res, nil)
	prep, err := c.PlanZap(context.Background(), ZapRequest{
		Wallet:    wallet,
		MarketID:  "aave-v3-base-usdc",
		AmountUSD: decimal.NewFromInt(60),
	})
	require.NoError(t, err)
	require.Equal(t, execution.HaltOnFailure, prep.Policy())
	require.NotNil(t, res.zap)
	require.Equal(t, "aave-v3-base-usdc", res.zap.Market.ID)
	require.Equal(t, wallet, res.zap.DestinationAddress)
	require.Len(t, res.zap.Assets, 2)
	require.Equal(t, "base", res.zap.Assets[0].Chain)
	require.Equal(t, "20", res.zap.Assets[1].USDValue.String())

	_, err = c.PlanZap(context.Background(), ZapRequest{Wallet: wallet, MarketID: "nope", AmountUSD: decimal.NewFromInt(1)})
	require.True(t, clierr.Is(err, clierr.CodeUsage))
}

func TestExecuteRecordsRun(t *testing.T) {
	runs := &memRuns{}
	c := newController(&fakeResolver{}, runs)
	prep, err := c.PlanTransfer(context.Background(), TransferRequest{
		Flow:             model.FlowSqueeze,
		Wallet:           wallet,
		AmountUSD:        decimal.NewFromInt(120),
		DestinationChain: "base",
	})
	require.NoError(t, err)

	exec := &fakeExecutor{fail: map[int]bool{1: true}}
	var events []model.RouteStatus
	run, err := c.Execute(context.Background(), exec, prep, func(_ int, s model.RouteStatus, _ string) {
		events = append(events, s)
	})
	require.NoError(t, err)
	require.Equal(t, execution.ContinueOnFailure, exec.opts.Policy)
	require.Nil(t, exec.opts.PostBridgeDeposit)
	require.Equal(t, model.FlowSqueeze, exec.opts.Flow)
	require.Equal(t, execution.RunStatusPartial, run.Status)
	require.Equal(t, wallet, run.Wallet)
	require.Len(t, events, 4)
	require.Equal(t, model.RouteStatusFailed, run.Plan.Routes[1].Status)

	require.Len(t, runs.saved, 2)
	require.Equal(t, execution.RunStatusRunning, runs.saved[0].Status)
	require.Equal(t, execution.RunStatusPartial, runs.saved[1].Status)
	require.Equal(t, runs.saved[0].RunID, runs.saved[1].RunID)
}

func TestExecuteZapPassesDepositTarget(t *testing.T) {
	c := newController(&fakeResolver{}, nil)
	prep, err := c.PlanZap(context.Background(), ZapRequest{Wallet: wallet, MarketID: "aave-v3-base-usdc", AmountUSD: decimal.NewFromInt(10)})
	require.NoError(t, err)

	exec := &fakeExecutor{}
	run, err := c.Execute(context.Background(), exec, prep, nil)
	require.NoError(t, err)
	require.Equal(t, execution.RunStatusCompleted, run.Status)
	require.Equal(t, execution.HaltOnFailure, exec.opts.Policy)
	require.NotNil(t, exec.opts.PostBridgeDeposit)
	require.Equal(t, int64(8453), exec.opts.PostBridgeDeposit.ChainID)
	require.Equal(t, wallet, exec.opts.PostBridgeDeposit.OnBehalfOf)
}

func TestExecuteFailuresBeforeSubmission(t *testing.T) {
	runs := &memRuns{err: errors.New("disk full")}
	c := newController(&fakeResolver{}, runs)

	_, err := c.Execute(context.Background(), &fakeExecutor{}, Prepared{Plan: model.Plan{Flow: model.FlowSqueeze}}, nil)
	require.True(t, clierr.Is(err, clierr.CodeNoRoute))
	require.Empty(t, runs.saved)

	prep, err := c.PlanTransfer(context.Background(), TransferRequest{
		Flow:             model.FlowSqueeze,
		Wallet:           wallet,
		AmountUSD:        decimal.NewFromInt(10),
		DestinationChain: "base",
	})
	require.NoError(t, err)
	exec := &fakeExecutor{planErr: clierr.New(clierr.CodeActionPlan, "bad plan")}
	run, err := c.Execute(context.Background(), exec, prep, nil)
	require.True(t, clierr.Is(err, clierr.CodeActionPlan))
	require.Equal(t, execution.RunStatusFailed, run.Status)
	require.Len(t, runs.saved, 2, "save failures are logged, not fatal")
}
