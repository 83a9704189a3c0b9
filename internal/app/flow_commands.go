package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Michael-Nwachukwu/boundless/internal/execution"
	"github.com/Michael-Nwachukwu/boundless/internal/flows"
	"github.com/Michael-Nwachukwu/boundless/internal/logging"
	"github.com/Michael-Nwachukwu/boundless/internal/model"
	"github.com/Michael-Nwachukwu/boundless/internal/out"
	"github.com/Michael-Nwachukwu/boundless/internal/policy"
	"github.com/Michael-Nwachukwu/boundless/internal/schema"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	clierr "github.com/Michael-Nwachukwu/boundless/internal/errors"
)

// Planning fans out to one router quote per selected asset, so it gets a
// multiple of the per-request timeout.
const planTimeoutFactor = 3

var transferShort = map[model.Flow]string{
	model.FlowSqueeze: "Consolidate balances from other chains into one token on a destination chain",
	model.FlowPull:    "Send value from every chain to a recipient on a destination chain",
	model.FlowRefuel:  "Top up native gas on a destination chain from other chains",
}

// usdValue is a positive USD amount flag.
type usdValue struct {
	amount decimal.Decimal
	set    bool
}

func (v *usdValue) String() string {
	if !v.set {
		return ""
	}
	return v.amount.String()
}

func (v *usdValue) Set(raw string) error {
	d, err := decimal.NewFromString(strings.TrimPrefix(strings.TrimSpace(raw), "$"))
	if err != nil {
		return fmt.Errorf("invalid USD amount %q", raw)
	}
	if d.Sign() <= 0 {
		return fmt.Errorf("USD amount must be greater than zero")
	}
	v.amount = d
	v.set = true
	return nil
}

func (v *usdValue) Type() string { return "usd" }

type transferFlags struct {
	address   string
	amount    usdValue
	toChain   string
	token     string
	recipient string
	refresh   bool
}

func (f *transferFlags) bind(cmd *cobra.Command, flow model.Flow, requireAddress bool) {
	if requireAddress {
		cmd.Flags().StringVar(&f.address, "address", "", "Wallet whose balances fund the transfer")
		_ = cmd.MarkFlagRequired("address")
	} else {
		cmd.Flags().StringVar(&f.address, "address", "", "Expected signer address (defaults to the signer)")
	}
	cmd.Flags().Var(&f.amount, "amount", "USD value to move")
	cmd.Flags().StringVar(&f.toChain, "to-chain", "", "Destination chain (name or id)")
	cmd.Flags().BoolVar(&f.refresh, "refresh", false, "Bypass the balance cache")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("to-chain")
	switch flow {
	case model.FlowRefuel:
	case model.FlowPull:
		cmd.Flags().StringVar(&f.token, "token", flows.DefaultDestinationToken, "Destination token symbol")
		cmd.Flags().StringVar(&f.recipient, "to", "", "Recipient address on the destination chain")
		_ = cmd.MarkFlagRequired("to")
	default:
		cmd.Flags().StringVar(&f.token, "token", flows.DefaultDestinationToken, "Destination token symbol")
		cmd.Flags().StringVar(&f.recipient, "to", "", "Recipient address (defaults to the wallet)")
	}
}

func (f *transferFlags) request(flow model.Flow, wallet string) flows.TransferRequest {
	return flows.TransferRequest{
		Flow:             flow,
		Wallet:           wallet,
		AmountUSD:        f.amount.amount,
		DestinationChain: f.toChain,
		DestinationToken: f.token,
		Recipient:        f.recipient,
		Refresh:          f.refresh,
	}
}

type signerFlags struct {
	yes                bool
	keySource          string
	privateKey         string
	maxFeeGwei         string
	maxPriorityFeeGwei string
}

func (f *signerFlags) bind(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.yes, "yes", false, "Confirm signing and submitting transactions")
	cmd.Flags().StringVar(&f.keySource, "key-source", "", "Signer key source (auto|env|file|keystore)")
	cmd.Flags().StringVar(&f.privateKey, "private-key", "", "Private key hex (prefer BOUNDLESS_PRIVATE_KEY)")
	cmd.Flags().StringVar(&f.maxFeeGwei, "max-fee-gwei", "", "Cap on the EIP-1559 max fee per gas (gwei)")
	cmd.Flags().StringVar(&f.maxPriorityFeeGwei, "max-priority-fee-gwei", "", "Cap on the EIP-1559 priority fee per gas (gwei)")
}

func (f signerFlags) sendOptions() execution.SendOptions {
	opts := execution.DefaultSendOptions()
	opts.MaxFeeGwei = strings.TrimSpace(f.maxFeeGwei)
	opts.MaxPriorityFeeGwei = strings.TrimSpace(f.maxPriorityFeeGwei)
	return opts
}

// openSigner confirms --yes, checks fee overrides, opens the wallet and
// verifies it matches expected when one is given.
func (s *runtimeState) openSigner(sf signerFlags, expected string) (execution.Wallet, func(), error) {
	if err := policy.CheckExecution(sf.yes); err != nil {
		return nil, nil, err
	}
	opts := sf.sendOptions()
	if err := opts.Validate(); err != nil {
		return nil, nil, err
	}
	wallet, release, err := s.openWallet(sf.keySource, sf.privateKey, opts)
	if err != nil {
		return nil, nil, err
	}
	signerAddress := wallet.Address().Hex()
	if expected = strings.TrimSpace(expected); expected != "" {
		if !common.IsHexAddress(expected) || common.HexToAddress(expected).Hex() != signerAddress {
			release()
			return nil, nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("--address %s does not match signer %s", expected, signerAddress))
		}
	}
	return wallet, release, nil
}

type planView struct {
	Wallet   string           `json:"wallet"`
	Policy   execution.Policy `json:"policy"`
	Selected []model.Balance  `json:"selected"`
	Plan     model.Plan       `json:"plan"`
}

type prepareFn func(ctx context.Context, ctrl *flows.Controller, wallet string) (flows.Prepared, error)

func (s *runtimeState) newTransferCommand(flow model.Flow) *cobra.Command {
	root := &cobra.Command{Use: string(flow), Short: transferShort[flow]}

	var planFlags transferFlags
	plan := &cobra.Command{
		Use:   "plan",
		Short: "Resolve routes without signing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.planFlow(cmd, func(ctx context.Context, ctrl *flows.Controller, _ string) (flows.Prepared, error) {
				return ctrl.PlanTransfer(ctx, planFlags.request(flow, planFlags.address))
			})
		},
	}
	planFlags.bind(plan, flow, true)

	var runFlags transferFlags
	var sf signerFlags
	run := &cobra.Command{
		Use:         "run",
		Short:       "Resolve routes, then sign and submit them",
		Annotations: map[string]string{schema.ExecutesAnnotation: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.runFlow(cmd, sf, runFlags.address, func(ctx context.Context, ctrl *flows.Controller, wallet string) (flows.Prepared, error) {
				return ctrl.PlanTransfer(ctx, runFlags.request(flow, wallet))
			})
		},
	}
	runFlags.bind(run, flow, false)
	sf.bind(run)

	root.AddCommand(plan, run)
	return root
}

type zapFlags struct {
	address string
	market  string
	amount  usdValue
	refresh bool
}

func (f *zapFlags) bind(cmd *cobra.Command, requireAddress bool) {
	if requireAddress {
		cmd.Flags().StringVar(&f.address, "address", "", "Wallet whose balances fund the deposit")
		_ = cmd.MarkFlagRequired("address")
	} else {
		cmd.Flags().StringVar(&f.address, "address", "", "Expected signer address (defaults to the signer)")
	}
	cmd.Flags().StringVar(&f.market, "market", "", "Market id (see `markets`)")
	cmd.Flags().Var(&f.amount, "amount", "USD value to deposit")
	cmd.Flags().BoolVar(&f.refresh, "refresh", false, "Bypass the balance cache")
	_ = cmd.MarkFlagRequired("market")
	_ = cmd.MarkFlagRequired("amount")
}

func (f *zapFlags) request(wallet string) flows.ZapRequest {
	return flows.ZapRequest{
		Wallet:    wallet,
		MarketID:  f.market,
		AmountUSD: f.amount.amount,
		Refresh:   f.refresh,
	}
}

func (s *runtimeState) newZapCommand() *cobra.Command {
	root := &cobra.Command{Use: "zap", Short: "Deposit balances from any chain into a lending market"}

	var planFlags zapFlags
	plan := &cobra.Command{
		Use:   "plan",
		Short: "Resolve deposit routes without signing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.planFlow(cmd, func(ctx context.Context, ctrl *flows.Controller, _ string) (flows.Prepared, error) {
				return ctrl.PlanZap(ctx, planFlags.request(planFlags.address))
			})
		},
	}
	planFlags.bind(plan, true)

	var runFlags zapFlags
	var sf signerFlags
	run := &cobra.Command{
		Use:         "run",
		Short:       "Resolve deposit routes, then sign and submit them",
		Annotations: map[string]string{schema.ExecutesAnnotation: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.runFlow(cmd, sf, runFlags.address, func(ctx context.Context, ctrl *flows.Controller, wallet string) (flows.Prepared, error) {
				return ctrl.PlanZap(ctx, runFlags.request(wallet))
			})
		},
	}
	runFlags.bind(run, false)
	sf.bind(run)

	root.AddCommand(plan, run)
	return root
}

func (s *runtimeState) planContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.settings.Timeout*planTimeoutFactor)
}

func (s *runtimeState) planFlow(cmd *cobra.Command, prepare prepareFn) error {
	s.resetCommandDiagnostics()
	ctrl := flows.New(s.balances, s.resolver, nil, logging.Component(s.log, "flows"))
	ctx, cancel := s.planContext()
	defer cancel()
	prep, err := prepare(ctx, ctrl, "")
	if err != nil {
		return err
	}
	partial := !prep.Plan.IsComplete()
	s.captureCommandDiagnostics(prep.Warnings, nil, partial)
	if partial && s.settings.Strict {
		return clierr.New(clierr.CodePartial, fmt.Sprintf("plan skipped %d assets in strict mode", len(prep.Plan.SkippedAssets)))
	}
	view := planView{
		Wallet:   prep.Wallet,
		Policy:   prep.Policy(),
		Selected: prep.Selected,
		Plan:     prep.Plan,
	}
	return s.emitSuccess(trimRootPath(cmd.CommandPath()), view, prep.Warnings, cacheOrBypass(prep.Cache), nil, partial)
}

// runFlow plans with the signer's address and executes the plan. The run
// envelope is written even when routes fail; the exit code then reports the
// partial outcome.
func (s *runtimeState) runFlow(cmd *cobra.Command, sf signerFlags, expected string, prepare prepareFn) error {
	s.resetCommandDiagnostics()
	wallet, release, err := s.openSigner(sf, expected)
	if err != nil {
		return err
	}
	defer release()
	signerAddress := wallet.Address().Hex()

	store, err := s.runStore()
	if err != nil {
		return err
	}
	ctrl := flows.New(s.balances, s.resolver, store, logging.Component(s.log, "flows"))

	planCtx, cancel := s.planContext()
	prep, err := prepare(planCtx, ctrl, signerAddress)
	cancel()
	if err != nil {
		return err
	}
	if !prep.Plan.IsComplete() && s.settings.Strict {
		s.captureCommandDiagnostics(prep.Warnings, nil, true)
		return clierr.New(clierr.CodePartial, fmt.Sprintf("plan skipped %d assets in strict mode", len(prep.Plan.SkippedAssets)))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	progress := out.NewProgress(s.runner.stderr, prep.Plan.Routes)
	run, err := ctrl.Execute(ctx, s.newExecutor(wallet), prep, progress.Report)
	if err != nil {
		s.captureCommandDiagnostics(prep.Warnings, nil, false)
		return err
	}

	warnings := append([]string{}, prep.Warnings...)
	for _, e := range run.Summary.Errors {
		warnings = append(warnings, fmt.Sprintf("route %d (%s on %s) failed: %s", e.Index+1, e.Symbol, e.Chain, e.Message))
	}
	partial := run.Status != execution.RunStatusCompleted
	s.captureCommandDiagnostics(warnings, nil, partial)
	if err := s.emitSuccess(trimRootPath(cmd.CommandPath()), run, warnings, cacheOrBypass(prep.Cache), nil, partial); err != nil {
		return err
	}
	if partial {
		return reportedError{clierr.New(clierr.CodePartial, fmt.Sprintf("%d of %d routes failed", run.Summary.FailedRoutes, run.Summary.TotalRoutes))}
	}
	return nil
}

func (s *runtimeState) newRunsCommand() *cobra.Command {
	root := &cobra.Command{Use: "runs", Short: "Recorded executions"}

	var filter execution.RunFilter
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := s.runStore()
			if err != nil {
				return err
			}
			runs, err := store.List(filter)
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "list runs", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), runs, nil, cacheMetaBypass(), nil, false)
		},
	}
	list.Flags().StringVar(&filter.Status, "status", "", "Filter by status (running|completed|partial|failed)")
	list.Flags().StringVar(&filter.Flow, "flow", "", "Filter by flow (squeeze|pull|refuel|zap)")
	list.Flags().StringVar(&filter.Wallet, "address", "", "Filter by wallet address")
	list.Flags().IntVar(&filter.Limit, "limit", 20, "Maximum runs to return")

	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run with its plan and per-route outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := s.runStore()
			if err != nil {
				return err
			}
			run, err := store.Get(args[0])
			if errors.Is(err, execution.ErrRunNotFound) {
				return clierr.Wrap(clierr.CodeUsage, "show run", err)
			}
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "show run", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), run, nil, cacheMetaBypass(), nil, false)
		},
	}

	root.AddCommand(list, show)
	return root
}

func cacheOrBypass(status model.CacheStatus) model.CacheStatus {
	if status.Status == "" {
		return cacheMetaBypass()
	}
	return status
}
