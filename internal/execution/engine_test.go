package execution

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"

	"github.com/Michael-Nwachukwu/boundless/internal/execution/planner"
	"github.com/Michael-Nwachukwu/boundless/internal/model"
	"github.com/Michael-Nwachukwu/boundless/internal/registry"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clierr "github.com/Michael-Nwachukwu/boundless/internal/errors"
)

const (
	testWallet = "0x00000000000000000000000000000000000000aA"
	baseUSDC   = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	basePool   = "0xA238Dd80C259a72e81d7e4664a9801593F98d1c5"
)

type fakeWallet struct {
	chainID   int64
	switches  []int64
	sends     []Call
	allowance *big.Int
	balance   *big.Int
	sendErr   map[CallKind]error
	txCounter int
}

func newFakeWallet() *fakeWallet {
	return &fakeWallet{allowance: new(big.Int), balance: new(big.Int), sendErr: map[CallKind]error{}}
}

func (w *fakeWallet) Address() common.Address { return common.HexToAddress(testWallet) }

func (w *fakeWallet) ChainID() int64 { return w.chainID }

func (w *fakeWallet) SwitchTo(_ context.Context, chainID int64) error {
	w.switches = append(w.switches, chainID)
	w.chainID = chainID
	return nil
}

func (w *fakeWallet) Send(_ context.Context, call Call) (string, error) {
	if call.ChainID != w.chainID {
		return "", fmt.Errorf("call for chain %d sent while on %d", call.ChainID, w.chainID)
	}
	if err := validateCallPolicy(call); err != nil {
		return "", err
	}
	w.sends = append(w.sends, call)
	if err := w.sendErr[call.Kind]; err != nil {
		return "", err
	}
	w.txCounter++
	return fmt.Sprintf("0x%064x", w.txCounter), nil
}

func (w *fakeWallet) CallContract(_ context.Context, _ ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	return erc20ABI.Methods["allowance"].Outputs.Pack(w.allowance)
}

func (w *fakeWallet) TokenBalance(context.Context, string, string) (*big.Int, error) {
	return w.balance, nil
}

type fakePaths struct {
	calls  []model.Path
	errFor map[string]error
	result PathResult
}

func (p *fakePaths) ExecutePath(_ context.Context, wallet Wallet, path model.Path) (PathResult, error) {
	p.calls = append(p.calls, path)
	if err := wallet.SwitchTo(context.Background(), path.FromChainID); err != nil {
		return PathResult{}, err
	}
	if err := p.errFor[path.ID]; err != nil {
		return PathResult{}, err
	}
	res := p.result
	res.Transactions = []model.TxRecord{{ChainID: path.FromChainID, Kind: string(CallBridge), Hash: "0xbridge-" + path.ID}}
	return res, nil
}

type statusEvent struct {
	index  int
	status model.RouteStatus
	err    string
}

func routedRoute(id string, chain string, fromChainID int64) model.ResolvedRoute {
	asset := model.NewAssetRef("USDC", "USD Coin", "0xaf88d065e77c8cC2239327C5EDb3A432268e5831", chain, 6)
	return model.ResolvedRoute{
		Asset:           model.NewBalance(asset, decimal.NewFromInt(10), decimal.NewFromInt(10), testWallet),
		AmountBaseUnits: "10000000",
		Path:            &model.Path{ID: id, FromChainID: fromChainID, ToChainID: 8453},
		Status:          model.RouteStatusPending,
	}
}

func directRoute(t *testing.T) model.ResolvedRoute {
	t.Helper()
	call, err := planner.AaveSupplyCall(planner.AaveSupplyRequest{
		ChainID: 8453, Asset: baseUSDC, Amount: big.NewInt(5_000_000), OnBehalfOf: testWallet,
	})
	require.NoError(t, err)
	asset := model.NewAssetRef("USDC", "USD Coin", baseUSDC, "base", 6)
	return model.ResolvedRoute{
		Asset:           model.NewBalance(asset, decimal.NewFromInt(5), decimal.NewFromInt(5), testWallet),
		AmountBaseUnits: "5000000",
		IsDirect:        true,
		DirectCall:      &call,
		Status:          model.RouteStatusPending,
	}
}

func recordStatuses(events *[]statusEvent) StatusFunc {
	return func(index int, status model.RouteStatus, errMsg string) {
		*events = append(*events, statusEvent{index, status, errMsg})
	}
}

func assertSummaryConsistent(t *testing.T, s model.ExecutionSummary) {
	t.Helper()
	assert.Equal(t, s.TotalRoutes, s.SuccessfulRoutes+s.FailedRoutes)
	assert.Len(t, s.SuccessfulIndices, s.SuccessfulRoutes)
	assert.Len(t, s.FailedIndices, s.FailedRoutes)
	assert.Len(t, s.Errors, s.FailedRoutes)
}

func TestEngineContinueOnFailure(t *testing.T) {
	wallet := newFakeWallet()
	paths := &fakePaths{errFor: map[string]error{"b": errors.New("bridge reverted")}}
	routes := []model.ResolvedRoute{
		routedRoute("a", "arbitrum", 42161),
		routedRoute("b", "optimism", 10),
		routedRoute("c", "ethereum", 1),
	}
	var events []statusEvent

	summary, err := NewEngine(wallet, paths, zerolog.Nop(), nil).Execute(context.Background(), routes,
		Options{Policy: ContinueOnFailure}, recordStatuses(&events))
	require.NoError(t, err)

	assertSummaryConsistent(t, summary)
	assert.Equal(t, []int{0, 2}, summary.SuccessfulIndices)
	assert.Equal(t, []int{1}, summary.FailedIndices)
	assert.False(t, summary.Halted)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, "optimism", summary.Errors[0].Chain)
	assert.Equal(t, "USDC", summary.Errors[0].Symbol)
	assert.Equal(t, "bridge reverted", summary.Errors[0].Message)
	assert.Len(t, paths.calls, 3)

	assert.Equal(t, model.RouteStatusCompleted, routes[0].Status)
	assert.Equal(t, model.RouteStatusFailed, routes[1].Status)
	assert.Equal(t, "bridge reverted", routes[1].Error)
	assert.Equal(t, model.RouteStatusCompleted, routes[2].Status)

	want := []statusEvent{
		{0, model.RouteStatusExecuting, ""}, {0, model.RouteStatusCompleted, ""},
		{1, model.RouteStatusExecuting, ""}, {1, model.RouteStatusFailed, "bridge reverted"},
		{2, model.RouteStatusExecuting, ""}, {2, model.RouteStatusCompleted, ""},
	}
	assert.Equal(t, want, events)
	assert.Len(t, summary.Transactions, 2)
	assert.Equal(t, 2, summary.Transactions[1].Index)
}

func TestEngineHaltOnFailure(t *testing.T) {
	wallet := newFakeWallet()
	paths := &fakePaths{errFor: map[string]error{"b": errors.New("bridge reverted")}}
	routes := []model.ResolvedRoute{
		routedRoute("a", "arbitrum", 42161),
		routedRoute("b", "optimism", 10),
		routedRoute("c", "ethereum", 1),
		routedRoute("d", "scroll", 534352),
	}
	var events []statusEvent

	summary, err := NewEngine(wallet, paths, zerolog.Nop(), nil).Execute(context.Background(), routes,
		Options{Policy: HaltOnFailure}, recordStatuses(&events))
	require.NoError(t, err)

	assertSummaryConsistent(t, summary)
	assert.True(t, summary.Halted)
	assert.Equal(t, 1, summary.SuccessfulRoutes)
	assert.Equal(t, []int{1, 2, 3}, summary.FailedIndices)
	assert.Len(t, paths.calls, 2, "routes after the failure must not be attempted")
	assert.Equal(t, "not attempted: halted after route 2 failed", summary.Errors[1].Message)
	assert.Equal(t, model.RouteStatusFailed, routes[3].Status)

	var unattempted []statusEvent
	for _, ev := range events {
		if ev.index >= 2 {
			unattempted = append(unattempted, ev)
		}
	}
	require.Len(t, unattempted, 2, "unattempted routes report a single failed transition")
	for _, ev := range unattempted {
		assert.Equal(t, model.RouteStatusFailed, ev.status, "unattempted routes never execute")
		assert.True(t, strings.HasPrefix(ev.err, "not attempted"), ev.err)
	}
}

func TestEngineDirectRouteSwitchesApprovesAndSupplies(t *testing.T) {
	wallet := newFakeWallet()
	routes := []model.ResolvedRoute{directRoute(t)}

	summary, err := NewEngine(wallet, nil, zerolog.Nop(), nil).Execute(context.Background(), routes,
		Options{Policy: HaltOnFailure}, nil)
	require.NoError(t, err)
	assert.True(t, summary.AllSucceeded())

	assert.Equal(t, []int64{8453}, wallet.switches)
	require.Len(t, wallet.sends, 2)
	assert.Equal(t, CallApproval, wallet.sends[0].Kind)
	assert.True(t, strings.EqualFold(baseUSDC, wallet.sends[0].Target))
	assert.Equal(t, CallSupply, wallet.sends[1].Kind)
	assert.True(t, strings.EqualFold(basePool, wallet.sends[1].Target))
	require.Len(t, summary.Transactions, 2)
	assert.Equal(t, "approval", summary.Transactions[0].Kind)
	assert.Equal(t, "supply", summary.Transactions[1].Kind)
}

func TestEngineDirectRouteSkipsApprovalWithAllowance(t *testing.T) {
	wallet := newFakeWallet()
	wallet.allowance = big.NewInt(10_000_000)
	routes := []model.ResolvedRoute{directRoute(t)}

	summary, err := NewEngine(wallet, nil, zerolog.Nop(), nil).Execute(context.Background(), routes,
		Options{Policy: ContinueOnFailure}, nil)
	require.NoError(t, err)
	assert.True(t, summary.AllSucceeded())
	require.Len(t, wallet.sends, 1)
	assert.Equal(t, CallSupply, wallet.sends[0].Kind)
}

func TestEngineDirectRouteSupplyFailure(t *testing.T) {
	wallet := newFakeWallet()
	wallet.sendErr[CallSupply] = clierr.New(clierr.CodeActionSim, "simulate call (eth_call): reverted: 51")
	routes := []model.ResolvedRoute{directRoute(t), routedRoute("a", "arbitrum", 42161)}

	summary, err := NewEngine(wallet, &fakePaths{}, zerolog.Nop(), nil).Execute(context.Background(), routes,
		Options{Policy: ContinueOnFailure}, nil)
	require.NoError(t, err)
	assertSummaryConsistent(t, summary)
	assert.Equal(t, []int{0}, summary.FailedIndices)
	assert.Contains(t, summary.Errors[0].Message, "reverted: 51")
	assert.Len(t, summary.Transactions, 2, "approval and bridge hashes are still recorded")
}

func TestEnginePostBridgeDeposit(t *testing.T) {
	target := &DepositTarget{ChainID: 8453, Pool: basePool, Underlying: baseUSDC, OnBehalfOf: testWallet}

	t.Run("deposits received amount capped by balance", func(t *testing.T) {
		wallet := newFakeWallet()
		wallet.balance = big.NewInt(12_000_000)
		paths := &fakePaths{result: PathResult{ReceivedAmount: "9850000"}}
		routes := []model.ResolvedRoute{routedRoute("a", "arbitrum", 42161)}

		summary, err := NewEngine(wallet, paths, zerolog.Nop(), nil).Execute(context.Background(), routes,
			Options{Policy: HaltOnFailure, PostBridgeDeposit: target}, nil)
		require.NoError(t, err)
		assert.True(t, summary.AllSucceeded())
		assert.Equal(t, []int64{42161, 8453}, wallet.switches)
		require.Len(t, wallet.sends, 2)
		assert.Equal(t, 0, wallet.sends[0].ApprovalCap.Cmp(big.NewInt(9_850_000)))
		assert.Equal(t, CallSupply, wallet.sends[1].Kind)
		assert.Equal(t, int64(8453), wallet.sends[1].ChainID)
	})

	t.Run("auto-deposit path skips second leg", func(t *testing.T) {
		wallet := newFakeWallet()
		route := routedRoute("a", "arbitrum", 42161)
		route.HasAutoDeposit = true

		summary, err := NewEngine(wallet, &fakePaths{}, zerolog.Nop(), nil).Execute(context.Background(), []model.ResolvedRoute{route},
			Options{Policy: HaltOnFailure, PostBridgeDeposit: target}, nil)
		require.NoError(t, err)
		assert.True(t, summary.AllSucceeded())
		assert.Empty(t, wallet.sends)
	})

	t.Run("empty balance fails route and halts", func(t *testing.T) {
		wallet := newFakeWallet()
		paths := &fakePaths{}
		routes := []model.ResolvedRoute{routedRoute("a", "arbitrum", 42161), routedRoute("b", "optimism", 10)}

		summary, err := NewEngine(wallet, paths, zerolog.Nop(), nil).Execute(context.Background(), routes,
			Options{Policy: HaltOnFailure, PostBridgeDeposit: target}, nil)
		require.NoError(t, err)
		assertSummaryConsistent(t, summary)
		assert.True(t, summary.Halted)
		assert.Equal(t, 0, summary.SuccessfulRoutes)
		assert.Contains(t, summary.Errors[0].Message, "bridge completed but deposit failed")
		assert.Len(t, paths.calls, 1)
	})
}

func TestEngineRejectsMalformedPlanBeforeSubmitting(t *testing.T) {
	wallet := newFakeWallet()
	paths := &fakePaths{}
	broken := routedRoute("x", "base", 8453)
	broken.Path = nil
	routes := []model.ResolvedRoute{routedRoute("a", "arbitrum", 42161), broken}

	_, err := NewEngine(wallet, paths, zerolog.Nop(), nil).Execute(context.Background(), routes,
		Options{Policy: ContinueOnFailure}, nil)
	require.Error(t, err)
	assert.True(t, clierr.Is(err, clierr.CodeActionPlan))
	assert.Empty(t, paths.calls, "nothing may be submitted for a malformed plan")
	assert.Equal(t, model.RouteStatusPending, routes[0].Status)

	_, err = NewEngine(nil, paths, zerolog.Nop(), nil).Execute(context.Background(), nil, Options{Policy: HaltOnFailure}, nil)
	assert.True(t, clierr.Is(err, clierr.CodeActionPlan))

	_, err = NewEngine(wallet, paths, zerolog.Nop(), nil).Execute(context.Background(), nil, Options{Policy: "retry"}, nil)
	assert.True(t, clierr.Is(err, clierr.CodeUsage))

	_, err = NewEngine(wallet, nil, zerolog.Nop(), nil).Execute(context.Background(),
		[]model.ResolvedRoute{routedRoute("a", "arbitrum", 42161)}, Options{Policy: HaltOnFailure}, nil)
	assert.True(t, clierr.Is(err, clierr.CodeActionPlan))
}

func TestEngineCancelledContextFailsRemaining(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	routes := []model.ResolvedRoute{routedRoute("a", "arbitrum", 42161), routedRoute("b", "optimism", 10)}
	paths := &fakePaths{}

	summary, err := NewEngine(newFakeWallet(), paths, zerolog.Nop(), nil).Execute(ctx, routes,
		Options{Policy: ContinueOnFailure}, nil)
	require.NoError(t, err)
	assertSummaryConsistent(t, summary)
	assert.Equal(t, 2, summary.FailedRoutes)
	assert.Empty(t, paths.calls)
}

func TestDirectRouteUsesRegistryPool(t *testing.T) {
	pool, ok := registry.AavePool(8453)
	require.True(t, ok)
	assert.Equal(t, basePool, pool)
}
