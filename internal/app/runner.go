package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Michael-Nwachukwu/boundless/internal/balances"
	"github.com/Michael-Nwachukwu/boundless/internal/cache"
	"github.com/Michael-Nwachukwu/boundless/internal/config"
	"github.com/Michael-Nwachukwu/boundless/internal/execution"
	"github.com/Michael-Nwachukwu/boundless/internal/execution/signer"
	"github.com/Michael-Nwachukwu/boundless/internal/flows"
	"github.com/Michael-Nwachukwu/boundless/internal/httpx"
	"github.com/Michael-Nwachukwu/boundless/internal/logging"
	"github.com/Michael-Nwachukwu/boundless/internal/metrics"
	"github.com/Michael-Nwachukwu/boundless/internal/model"
	"github.com/Michael-Nwachukwu/boundless/internal/out"
	"github.com/Michael-Nwachukwu/boundless/internal/policy"
	"github.com/Michael-Nwachukwu/boundless/internal/providers"
	"github.com/Michael-Nwachukwu/boundless/internal/providers/aave"
	"github.com/Michael-Nwachukwu/boundless/internal/providers/lifi"
	"github.com/Michael-Nwachukwu/boundless/internal/providers/zerion"
	"github.com/Michael-Nwachukwu/boundless/internal/routing"
	"github.com/Michael-Nwachukwu/boundless/internal/schema"
	"github.com/Michael-Nwachukwu/boundless/internal/version"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	clierr "github.com/Michael-Nwachukwu/boundless/internal/errors"
)

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout: stdout,
		stderr: stderr,
		now:    time.Now,
	}
}

// walletOpener loads the signer and binds it to an active chain. The returned
// func releases RPC connections.
type walletOpener func(keySource, privateKey string, opts execution.SendOptions) (execution.Wallet, func(), error)

type runtimeState struct {
	runner        *Runner
	flags         config.GlobalFlags
	settings      config.Settings
	log           zerolog.Logger
	metrics       *metrics.Recorder
	cache         *cache.Store
	runs          *execution.Store
	root          *cobra.Command
	lastCommand   string
	lastWarnings  []string
	lastProviders []model.ProviderStatus
	lastPartial   bool

	balances      flows.BalanceSource
	resolver      flows.Resolver
	yields        providers.YieldProvider
	positions     providers.LendingPositionsProvider
	paths         execution.PathExecutor
	openWallet    walletOpener
	newExecutor   func(wallet execution.Wallet) flows.Executor
	providerInfos []model.ProviderInfo
}

// reportedError carries an exit code for a result whose envelope has already
// been written to stdout.
type reportedError struct{ err error }

func (e reportedError) Error() string { return e.err.Error() }
func (e reportedError) Unwrap() error { return e.err }

func (r *Runner) Run(args []string) int {
	return r.execute(&runtimeState{runner: r}, args)
}

func (r *Runner) execute(state *runtimeState, args []string) int {
	root := state.newRootCommand()
	state.root = root
	state.resetCommandDiagnostics()
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.Execute()
	err = normalizeRunError(err)
	defer state.close()
	if err == nil {
		return 0
	}
	var reported reportedError
	if errors.As(err, &reported) {
		return clierr.ExitCode(err)
	}

	state.renderError("", err, state.lastWarnings, state.lastProviders, state.lastPartial)
	return clierr.ExitCode(err)
}

func (s *runtimeState) close() {
	if err := s.metrics.WriteTextfile(s.settings.MetricsTextfile); err != nil {
		s.log.Warn().Err(err).Str("path", s.settings.MetricsTextfile).Msg("metrics textfile not written")
	}
	if s.cache != nil {
		_ = s.cache.Close()
	}
	if s.runs != nil {
		_ = s.runs.Close()
	}
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Consolidate multichain wallet liquidity into one chain, token or market",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings

			log, err := logging.New(s.runner.stderr, settings.LogLevel, settings.LogFormat != "json")
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "configure logging", err)
			}
			s.log = log

			path := trimRootPath(cmd.CommandPath())
			s.lastCommand = path
			if err := policy.CheckCommandAllowed(settings.EnableCommands, path); err != nil {
				return err
			}
			if s.metrics == nil {
				s.metrics = metrics.New()
			}

			if settings.CacheEnabled && shouldOpenCache(path) && s.cache == nil {
				cacheStore, err := cache.Open(settings.CachePath, settings.CacheLockPath)
				if err != nil {
					return clierr.Wrap(clierr.CodeInternal, "open cache", err)
				}
				s.cache = cacheStore
			}

			if s.balances == nil {
				s.wireProviders()
			}
			if s.openWallet == nil {
				s.openWallet = s.localWallet
			}
			if s.newExecutor == nil {
				s.newExecutor = func(wallet execution.Wallet) flows.Executor {
					return execution.NewEngine(wallet, s.paths, logging.Component(s.log, "engine"), s.metrics)
				}
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	cmd.PersistentFlags().BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	cmd.PersistentFlags().BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	cmd.PersistentFlags().StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated, dotted paths allowed)")
	cmd.PersistentFlags().BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	cmd.PersistentFlags().StringVar(&s.flags.EnableCommands, "enable-commands", "", "Allowlist command paths (comma-separated)")
	cmd.PersistentFlags().BoolVar(&s.flags.Strict, "strict", false, "Fail when a plan skips assets or results are partial")
	cmd.PersistentFlags().StringVar(&s.flags.Timeout, "timeout", "", "Provider request timeout")
	cmd.PersistentFlags().IntVar(&s.flags.Retries, "retries", -1, "Retries per provider request")
	cmd.PersistentFlags().StringVar(&s.flags.MaxStale, "max-stale", "", "Maximum stale fallback window after TTL expiry")
	cmd.PersistentFlags().BoolVar(&s.flags.NoStale, "no-stale", false, "Reject stale cache entries")
	cmd.PersistentFlags().BoolVar(&s.flags.NoCache, "no-cache", false, "Disable cache reads and writes")
	cmd.PersistentFlags().StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")
	cmd.PersistentFlags().StringVar(&s.flags.LogLevel, "log-level", "", "Log level (debug|info|warn|error)")
	cmd.PersistentFlags().BoolVar(&s.flags.AutoDeposit, "auto-deposit", false, "Let the router deposit into the market in the same transaction when it can")

	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(s.newProvidersCommand())
	cmd.AddCommand(s.newChainsCommand())
	cmd.AddCommand(s.newBalancesCommand())
	cmd.AddCommand(s.newMarketsCommand())
	cmd.AddCommand(s.newPositionsCommand())
	cmd.AddCommand(s.newTransferCommand(model.FlowSqueeze))
	cmd.AddCommand(s.newTransferCommand(model.FlowPull))
	cmd.AddCommand(s.newTransferCommand(model.FlowRefuel))
	cmd.AddCommand(s.newZapCommand())
	cmd.AddCommand(s.newRunsCommand())
	cmd.AddCommand(s.newCacheCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// wireProviders builds the HTTP and RPC clients once per invocation. Tests
// inject fakes instead.
func (s *runtimeState) wireProviders() {
	settings := s.settings
	httpClient := httpx.New(settings.Timeout, settings.Retries,
		httpx.WithLogger(logging.Component(s.log, "http")),
		httpx.WithUserAgent(version.UserAgent()),
	)
	zerionClient := zerion.New(httpClient, settings.ZerionAPIKey, logging.Component(s.log, "zerion"), s.metrics)
	lifiClient := lifi.New(httpClient,
		lifi.WithAPIKey(settings.LiFiAPIKey),
		lifi.WithIntegrator(settings.Integrator),
		lifi.WithLogger(logging.Component(s.log, "lifi")),
		lifi.WithMetrics(s.metrics),
	)
	aaveClient := aave.New(aave.RPCDialer(settings.RPCOverrides), logging.Component(s.log, "aave"), s.metrics)

	var store balances.Cache
	if s.cache != nil {
		store = s.cache
	}
	s.balances = balances.New(zerionClient, lifiClient, store, balances.Config{
		BalanceTTL: settings.BalanceTTL,
		MaxStale:   settings.MaxStale,
		NoStale:    settings.NoStale,
	}, logging.Component(s.log, "balances"))
	s.resolver = routing.NewResolver(lifiClient,
		routing.WithLogger(logging.Component(s.log, "resolver")),
		routing.WithMetrics(s.metrics),
		routing.WithAutoDeposit(settings.AutoDeposit),
	)
	s.yields = aaveClient
	s.positions = aaveClient
	s.paths = lifiClient
	s.providerInfos = []model.ProviderInfo{
		zerionClient.Info(),
		lifiClient.Info(),
		aaveClient.Info(),
	}
}

func (s *runtimeState) localWallet(keySource, privateKey string, opts execution.SendOptions) (execution.Wallet, func(), error) {
	txSigner, err := signer.NewLocalSignerFromInputs(keySource, privateKey)
	if err != nil {
		return nil, nil, clierr.Wrap(clierr.CodeSigner, "load signer", err)
	}
	chain := execution.NewActiveChainContext(txSigner, s.settings.RPCOverrides, opts, logging.Component(s.log, "wallet"))
	return chain, chain.Close, nil
}

// runStore opens the run record database on first use.
func (s *runtimeState) runStore() (*execution.Store, error) {
	if s.runs != nil {
		return s.runs, nil
	}
	store, err := execution.OpenStore(s.settings.RunStorePath, s.settings.RunLockPath)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "open run store", err)
	}
	s.runs = store
	return store, nil
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Long())
				return
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := schema.Build(s.root, strings.Join(args, " "))
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, cacheMetaBypass(), nil, false)
		},
	}
}

func (s *runtimeState) newProvidersCommand() *cobra.Command {
	root := &cobra.Command{Use: "providers", Short: "Provider commands"}
	list := &cobra.Command{
		Use:   "list",
		Short: "List data and routing providers with API key metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), s.providerInfos, nil, cacheMetaBypass(), nil, false)
		},
	}
	root.AddCommand(list)
	return root
}

func (s *runtimeState) newCacheCommand() *cobra.Command {
	root := &cobra.Command{Use: "cache", Short: "Local cache maintenance"}
	purge := &cobra.Command{
		Use:   "purge <namespace>",
		Short: "Drop cached entries of one namespace (balances, tokens, markets, positions)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if s.cache == nil {
				return clierr.New(clierr.CodeUsage, "cache is disabled")
			}
			namespace := strings.ToLower(strings.TrimSpace(args[0]))
			if err := s.cache.Purge(namespace); err != nil {
				return clierr.Wrap(clierr.CodeInternal, "purge cache", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), map[string]string{"purged": namespace}, nil, cacheMetaBypass(), nil, false)
		},
	}
	root.AddCommand(purge)
	return root
}

type fetchFn func(ctx context.Context) (data any, providerStatus []model.ProviderStatus, warnings []string, partial bool, err error)

// runCachedCommand serves a fresh cache hit, otherwise fetches. When the
// fetch fails with a transient provider error a stale entry within the
// max-stale budget is served with a warning.
func (s *runtimeState) runCachedCommand(commandPath, key string, ttl time.Duration, fetch fetchFn) error {
	s.resetCommandDiagnostics()
	cacheStatus := cacheMetaMiss()
	warnings := []string{}
	var staleData any
	staleAvailable := false
	staleTooOld := false
	staleCacheStatus := cacheMetaMiss()

	if s.settings.CacheEnabled && s.cache != nil {
		cached, err := s.cache.Get(key, s.settings.MaxStale)
		if err == nil && cached.Hit {
			entryStatus := model.CacheStatus{Status: "hit", AgeMS: cached.Age.Milliseconds(), Stale: cached.Stale}
			var data any
			if err := json.Unmarshal(cached.Value, &data); err == nil {
				if !cached.Stale {
					s.captureCommandDiagnostics(warnings, nil, false)
					return s.emitSuccess(commandPath, data, warnings, entryStatus, nil, false)
				}
				staleData = data
				staleAvailable = true
				staleTooOld = cached.TooStale
				staleCacheStatus = entryStatus
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
	defer cancel()
	data, providerStatus, providerWarnings, partial, err := fetch(ctx)
	warnings = append(warnings, providerWarnings...)
	s.captureCommandDiagnostics(warnings, providerStatus, partial)
	if err != nil {
		if staleAvailable {
			if !staleFallbackAllowed(err) {
				return err
			}
			if s.settings.NoStale {
				return clierr.Wrap(clierr.CodeStale, "fresh provider fetch failed and stale fallback is disabled (--no-stale)", err)
			}
			if staleTooOld {
				return clierr.Wrap(clierr.CodeStale, "fresh provider fetch failed and cached data exceeded stale budget", err)
			}
			warnings = append(warnings, "provider fetch failed; serving stale data within max-stale budget")
			s.captureCommandDiagnostics(warnings, providerStatus, false)
			return s.emitSuccess(commandPath, staleData, warnings, staleCacheStatus, providerStatus, false)
		}
		return err
	}

	if partial && s.settings.Strict {
		s.captureCommandDiagnostics(warnings, providerStatus, true)
		return clierr.New(clierr.CodePartial, "partial results returned in strict mode")
	}

	// Partial results are not cached so the next call retries the missing part.
	if s.settings.CacheEnabled && s.cache != nil && !partial {
		if payload, err := json.Marshal(data); err == nil {
			if err := s.cache.Set(key, payload, ttl); err == nil {
				cacheStatus = model.CacheStatus{Status: "write"}
			}
		}
	}

	s.captureCommandDiagnostics(warnings, providerStatus, partial)
	return s.emitSuccess(commandPath, data, warnings, cacheStatus, providerStatus, partial)
}

func (s *runtimeState) outputOptions() out.Options {
	return out.Options{
		Mode:        s.settings.OutputMode,
		Select:      s.settings.SelectFields,
		ResultsOnly: s.settings.ResultsOnly,
	}
}

func (s *runtimeState) emitSuccess(commandPath string, data any, warnings []string, cacheStatus model.CacheStatus, providers []model.ProviderStatus, partial bool) error {
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  true,
		Data:     data,
		Error:    nil,
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Providers: providers,
			Cache:     cacheStatus,
			Partial:   partial,
		},
	}
	return out.Render(s.runner.stdout, env, s.outputOptions())
}

func (s *runtimeState) renderError(commandPath string, err error, warnings []string, providers []model.ProviderStatus, partial bool) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}
	code := clierr.ExitCode(err)
	typ := "internal_error"
	message := err.Error()
	if cErr, ok := clierr.As(err); ok {
		message = cErr.Message
		if cErr.Cause != nil {
			message = fmt.Sprintf("%s: %v", cErr.Message, cErr.Cause)
		}
		typ = clierr.TypeName(cErr.Code)
	}

	opts := out.Options{Mode: s.settings.OutputMode}
	if opts.Mode == "" {
		opts.Mode = "json"
	}
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: false,
		Data:    []any{},
		Error: &model.ErrorBody{
			Code:    code,
			Type:    typ,
			Message: message,
		},
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Providers: providers,
			Cache:     cacheMetaBypass(),
			Partial:   partial,
		},
	}
	_ = out.Render(s.runner.stderr, env, opts)
}

func newRequestID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func statusFromErr(err error) string {
	if err == nil {
		return "ok"
	}
	if cErr, ok := clierr.As(err); ok {
		switch cErr.Code {
		case clierr.CodeAuth:
			return "auth_error"
		case clierr.CodeRateLimited:
			return "rate_limited"
		case clierr.CodeUnavailable:
			return "unavailable"
		case clierr.CodePartial:
			return "partial"
		default:
			return "error"
		}
	}
	return "error"
}

func providerStatus(name string, start time.Time, err error) []model.ProviderStatus {
	return []model.ProviderStatus{{Name: name, Status: statusFromErr(err), LatencyMS: time.Since(start).Milliseconds()}}
}

func cacheMetaBypass() model.CacheStatus {
	return model.CacheStatus{Status: "bypass", AgeMS: 0, Stale: false}
}

func cacheMetaMiss() model.CacheStatus {
	return model.CacheStatus{Status: "miss", AgeMS: 0, Stale: false}
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func staleFallbackAllowed(err error) bool {
	cErr, ok := clierr.As(err)
	if !ok {
		return false
	}
	return cErr.Code == clierr.CodeUnavailable || cErr.Code == clierr.CodeRateLimited
}

// shouldOpenCache reports whether a command reads provider data. Signing
// commands still open it because planning reads balances.
func shouldOpenCache(commandPath string) bool {
	switch normalizeCommandPath(commandPath) {
	case "", "version", "schema", "providers", "providers list", "chains", "runs", "runs list", "runs show", "positions withdraw":
		return false
	default:
		return true
	}
}

func normalizeCommandPath(commandPath string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(commandPath))), " ")
}

func (s *runtimeState) resetCommandDiagnostics() {
	s.lastWarnings = nil
	s.lastProviders = nil
	s.lastPartial = false
}

func (s *runtimeState) captureCommandDiagnostics(warnings []string, providers []model.ProviderStatus, partial bool) {
	if len(warnings) == 0 {
		s.lastWarnings = nil
	} else {
		s.lastWarnings = append([]string(nil), warnings...)
	}
	if len(providers) == 0 {
		s.lastProviders = nil
	} else {
		s.lastProviders = append([]model.ProviderStatus(nil), providers...)
	}
	s.lastPartial = partial
}
