package app

import (
	"context"
	"time"

	"github.com/Michael-Nwachukwu/boundless/internal/balances"
	"github.com/Michael-Nwachukwu/boundless/internal/cache"
	"github.com/Michael-Nwachukwu/boundless/internal/model"
	"github.com/Michael-Nwachukwu/boundless/internal/registry"
	"github.com/spf13/cobra"

	clierr "github.com/Michael-Nwachukwu/boundless/internal/errors"
)

const (
	balanceProviderName = "zerion"
	marketsTTL          = 5 * time.Minute
	positionsTTL        = time.Minute
)

type chainView struct {
	ChainID      int64  `json:"chain_id"`
	Slug         string `json:"slug"`
	Name         string `json:"name"`
	NativeSymbol string `json:"native_symbol"`
	Destination  bool   `json:"destination"`
	AavePool     string `json:"aave_pool,omitempty"`
}

func (s *runtimeState) newChainsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "chains",
		Short: "List supported chains and whether they can receive funds",
		RunE: func(cmd *cobra.Command, args []string) error {
			chains := registry.SupportedChains()
			items := make([]chainView, 0, len(chains))
			for _, c := range chains {
				pool, _ := registry.AavePool(c.ID)
				items = append(items, chainView{
					ChainID:      c.ID,
					Slug:         c.Slug,
					Name:         c.Name,
					NativeSymbol: c.NativeSymbol,
					Destination:  registry.IsAllowedDestination(c.ID),
					AavePool:     pool,
				})
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), items, nil, cacheMetaBypass(), nil, false)
		},
	}
}

func (s *runtimeState) newBalancesCommand() *cobra.Command {
	var address, chain string
	var refresh bool
	cmd := &cobra.Command{
		Use:   "balances",
		Short: "Routable token balances of a wallet across supported chains",
		RunE: func(cmd *cobra.Command, args []string) error {
			s.resetCommandDiagnostics()
			ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
			defer cancel()

			start := time.Now()
			snap, err := s.balances.Fetch(ctx, address, balances.FetchOptions{Refresh: refresh, Chain: chain})
			status := providerStatus(balanceProviderName, start, err)
			if err != nil {
				s.captureCommandDiagnostics(nil, status, false)
				return err
			}
			s.captureCommandDiagnostics(snap.Warnings, status, false)
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), snap, snap.Warnings, cacheOrBypass(snap.Cache), status, false)
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "Wallet address")
	cmd.Flags().StringVar(&chain, "chain", "", "Only show balances on this chain")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Bypass the balance cache")
	_ = cmd.MarkFlagRequired("address")
	return cmd
}

func (s *runtimeState) newMarketsCommand() *cobra.Command {
	var withAPY bool
	cmd := &cobra.Command{
		Use:   "markets",
		Short: "Deposit markets available to zap",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := trimRootPath(cmd.CommandPath())
			markets := registry.EarnMarkets()
			if !withAPY {
				return s.emitSuccess(path, markets, nil, cacheMetaBypass(), nil, false)
			}
			key := cache.Key("markets", map[string]any{"apy": true, "count": len(markets)})
			return s.runCachedCommand(path, key, marketsTTL, func(ctx context.Context) (any, []model.ProviderStatus, []string, bool, error) {
				start := time.Now()
				data, err := s.yields.MarketYields(ctx, markets)
				return data, providerStatus(s.yields.Info().Name, start, err), nil, false, err
			})
		},
	}
	cmd.Flags().BoolVar(&withAPY, "apy", false, "Read live supply APY on chain")
	return cmd
}

func (s *runtimeState) newPositionsCommand() *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "positions",
		Short: "Aave V3 account positions of a wallet on every supported chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			key := cache.Key("positions", map[string]string{"address": address})
			return s.runCachedCommand(trimRootPath(cmd.CommandPath()), key, positionsTTL, func(ctx context.Context) (any, []model.ProviderStatus, []string, bool, error) {
				start := time.Now()
				data, err := s.positions.LendingPositions(ctx, address)
				status := providerStatus(s.positions.Info().Name, start, err)
				if clierr.Is(err, clierr.CodePartial) {
					return data, status, []string{"some chains could not be read; positions are incomplete"}, true, nil
				}
				return data, status, nil, false, err
			})
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "Wallet address")
	_ = cmd.MarkFlagRequired("address")
	cmd.AddCommand(s.newWithdrawCommand())
	return cmd
}
