package execution

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/Michael-Nwachukwu/boundless/internal/amount"
	"github.com/Michael-Nwachukwu/boundless/internal/execution/planner"
	"github.com/Michael-Nwachukwu/boundless/internal/metrics"
	"github.com/Michael-Nwachukwu/boundless/internal/model"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	clierr "github.com/Michael-Nwachukwu/boundless/internal/errors"
)

// PathExecutor runs an aggregator path to completion: it switches the wallet
// to each leg's chain, signs, and waits for settlement before returning.
type PathExecutor interface {
	ExecutePath(ctx context.Context, wallet Wallet, path model.Path) (PathResult, error)
}

type PathResult struct {
	Transactions []model.TxRecord
	// ReceivedAmount is the destination amount in base units when the
	// aggregator reports it.
	ReceivedAmount string
}

// DepositTarget is the market a routed zap leg is supplied into once the
// bridge settles.
type DepositTarget struct {
	ChainID    int64
	Pool       string
	Underlying string
	OnBehalfOf string
}

type Options struct {
	Policy Policy
	// PostBridgeDeposit, when set, supplies each routed leg's proceeds to the
	// market unless the path already deposits.
	PostBridgeDeposit *DepositTarget
	Flow              model.Flow
}

// StatusFunc observes route status transitions in order. errMsg is set only
// for failed. Attempted routes move pending, executing, then completed or
// failed. After a HaltOnFailure halt the remaining routes go straight from
// pending to failed with a "not attempted" message and never report executing.
type StatusFunc func(index int, status model.RouteStatus, errMsg string)

// Engine executes routes one at a time. It never retries.
type Engine struct {
	wallet  Wallet
	paths   PathExecutor
	log     zerolog.Logger
	metrics *metrics.Recorder
}

func NewEngine(wallet Wallet, paths PathExecutor, log zerolog.Logger, recorder *metrics.Recorder) *Engine {
	return &Engine{wallet: wallet, paths: paths, log: log, metrics: recorder}
}

// Execute runs routes in order and updates their Status and Error in place.
// Route failures are reported in the summary; an error is returned only when
// the plan cannot be executed at all, before anything is submitted.
func (e *Engine) Execute(ctx context.Context, routes []model.ResolvedRoute, opts Options, onStatus StatusFunc) (model.ExecutionSummary, error) {
	if err := e.validate(routes, opts); err != nil {
		return model.ExecutionSummary{}, err
	}
	if onStatus == nil {
		onStatus = func(int, model.RouteStatus, string) {}
	}
	summary := model.ExecutionSummary{
		TotalRoutes:       len(routes),
		SuccessfulIndices: []int{},
		FailedIndices:     []int{},
		Errors:            []model.ExecutionError{},
	}

	for i := range routes {
		route := &routes[i]
		e.transition(route, i, model.RouteStatusExecuting, "", onStatus)
		txs, err := e.executeRoute(ctx, i, *route, opts)
		summary.Transactions = append(summary.Transactions, txs...)
		if err == nil {
			e.transition(route, i, model.RouteStatusCompleted, "", onStatus)
			summary.SuccessfulRoutes++
			summary.SuccessfulIndices = append(summary.SuccessfulIndices, i)
			e.metrics.RouteExecuted(string(opts.Flow), true)
			continue
		}

		e.fail(&summary, route, i, err.Error(), onStatus)
		e.metrics.RouteExecuted(string(opts.Flow), false)
		if opts.Policy == HaltOnFailure {
			summary.Halted = true
			msg := fmt.Sprintf("not attempted: halted after route %d failed", i+1)
			for j := i + 1; j < len(routes); j++ {
				e.fail(&summary, &routes[j], j, msg, onStatus)
			}
			break
		}
	}
	e.log.Info().
		Int("total", summary.TotalRoutes).
		Int("succeeded", summary.SuccessfulRoutes).
		Int("failed", summary.FailedRoutes).
		Bool("halted", summary.Halted).
		Msg("execution finished")
	return summary, nil
}

func (e *Engine) validate(routes []model.ResolvedRoute, opts Options) error {
	if !opts.Policy.Valid() {
		return clierr.New(clierr.CodeUsage, fmt.Sprintf("unknown execution policy %q", opts.Policy))
	}
	if e.wallet == nil {
		return clierr.New(clierr.CodeActionPlan, "execution requires a wallet")
	}
	for i, route := range routes {
		if route.Status != "" && route.Status != model.RouteStatusPending {
			return clierr.New(clierr.CodeActionPlan, fmt.Sprintf("route %d is %s, not pending", i+1, route.Status))
		}
		if route.IsDirect {
			if route.DirectCall == nil || !common.IsHexAddress(route.DirectCall.Target) || !common.IsHexAddress(route.DirectCall.Token) {
				return clierr.New(clierr.CodeActionPlan, fmt.Sprintf("route %d is direct but has no valid deposit call", i+1))
			}
			if _, err := amount.ParseBaseUnits(route.DirectCall.Amount); err != nil {
				return clierr.New(clierr.CodeActionPlan, fmt.Sprintf("route %d has an invalid deposit amount", i+1))
			}
			continue
		}
		if route.Path == nil {
			return clierr.New(clierr.CodeActionPlan, fmt.Sprintf("route %d has neither a path nor a direct call", i+1))
		}
		if e.paths == nil {
			return clierr.New(clierr.CodeActionPlan, "routed execution requires a path executor")
		}
	}
	if dep := opts.PostBridgeDeposit; dep != nil {
		if !common.IsHexAddress(dep.Pool) || !common.IsHexAddress(dep.Underlying) || !common.IsHexAddress(dep.OnBehalfOf) {
			return clierr.New(clierr.CodeActionPlan, "post-bridge deposit target is incomplete")
		}
	}
	return nil
}

func (e *Engine) executeRoute(ctx context.Context, index int, route model.ResolvedRoute, opts Options) ([]model.TxRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if route.IsDirect {
		call := route.DirectCall
		amt, _ := amount.ParseBaseUnits(call.Amount)
		if err := e.wallet.SwitchTo(ctx, call.ChainID); err != nil {
			return nil, err
		}
		return e.supply(ctx, index, call.ChainID, call.Token, call.Target, call.Data, amt)
	}

	result, err := e.paths.ExecutePath(ctx, e.wallet, *route.Path)
	txs := make([]model.TxRecord, 0, len(result.Transactions)+2)
	for _, tx := range result.Transactions {
		tx.Index = index
		txs = append(txs, tx)
	}
	if err != nil {
		return txs, err
	}
	if opts.PostBridgeDeposit == nil || route.HasAutoDeposit {
		return txs, nil
	}
	deposited, err := e.depositBridged(ctx, index, *opts.PostBridgeDeposit, result.ReceivedAmount)
	txs = append(txs, deposited...)
	if err != nil {
		return txs, fmt.Errorf("bridge completed but deposit failed: %w", err)
	}
	return txs, nil
}

// depositBridged supplies the bridged underlying on the destination chain.
// It deposits the reported received amount, capped by the wallet balance.
func (e *Engine) depositBridged(ctx context.Context, index int, target DepositTarget, received string) ([]model.TxRecord, error) {
	if err := e.wallet.SwitchTo(ctx, target.ChainID); err != nil {
		return nil, err
	}
	owner := e.wallet.Address().Hex()
	bal, err := e.wallet.TokenBalance(ctx, target.Underlying, owner)
	if err != nil {
		return nil, err
	}
	amt := bal
	if reported, err := amount.ParseBaseUnits(received); err == nil && reported.Sign() > 0 && reported.Cmp(bal) < 0 {
		amt = reported
	}
	if amt.Sign() <= 0 {
		return nil, clierr.New(clierr.CodeInsufficient, "no bridged balance to deposit")
	}
	supply, err := planner.AaveSupplyCall(planner.AaveSupplyRequest{
		ChainID:    target.ChainID,
		Pool:       target.Pool,
		Asset:      target.Underlying,
		Amount:     amt,
		OnBehalfOf: target.OnBehalfOf,
	})
	if err != nil {
		return nil, err
	}
	return e.supply(ctx, index, target.ChainID, supply.Token, supply.Target, supply.Data, amt)
}

// supply approves pool for amt when needed and sends the supply call. The
// wallet must already be on chainID.
func (e *Engine) supply(ctx context.Context, index int, chainID int64, token, pool, data string, amt *big.Int) ([]model.TxRecord, error) {
	txs := make([]model.TxRecord, 0, 2)
	approval, err := planner.ApprovalIfNeeded(ctx, e.wallet, chainID, token, e.wallet.Address().Hex(), pool, amt)
	if err != nil {
		return txs, err
	}
	if approval != nil {
		hash, err := e.wallet.Send(ctx, Call{
			Kind:        CallApproval,
			ChainID:     chainID,
			Target:      approval.Target,
			Data:        approval.Data,
			ApprovalCap: amt,
		})
		if hash != "" {
			txs = append(txs, model.TxRecord{Index: index, ChainID: chainID, Kind: string(CallApproval), Hash: hash})
		}
		if err != nil {
			return txs, err
		}
	}
	hash, err := e.wallet.Send(ctx, Call{Kind: CallSupply, ChainID: chainID, Target: pool, Data: data})
	if hash != "" {
		txs = append(txs, model.TxRecord{Index: index, ChainID: chainID, Kind: string(CallSupply), Hash: hash})
	}
	return txs, err
}

func (e *Engine) fail(summary *model.ExecutionSummary, route *model.ResolvedRoute, index int, msg string, onStatus StatusFunc) {
	e.transition(route, index, model.RouteStatusFailed, msg, onStatus)
	summary.FailedRoutes++
	summary.FailedIndices = append(summary.FailedIndices, index)
	summary.Errors = append(summary.Errors, model.ExecutionError{
		Index:   index,
		Symbol:  route.Asset.Asset.Symbol,
		Chain:   route.Asset.Chain,
		Message: msg,
	})
}

func (e *Engine) transition(route *model.ResolvedRoute, index int, next model.RouteStatus, msg string, onStatus StatusFunc) {
	current := route.Status
	if current == "" {
		current = model.RouteStatusPending
	}
	if !current.CanTransitionTo(next) {
		e.log.Error().Int("route", index).Str("from", string(current)).Str("to", string(next)).Msg("illegal route status transition")
		return
	}
	route.Status = next
	route.Error = strings.TrimSpace(msg)
	e.log.Debug().Int("route", index).Str("status", string(next)).Str("error", route.Error).Msg("route status")
	onStatus(index, next, route.Error)
}
