package providers

import (
	"context"

	"github.com/Michael-Nwachukwu/boundless/internal/model"
	"github.com/Michael-Nwachukwu/boundless/internal/registry"
)

type Provider interface {
	Info() model.ProviderInfo
}

// BalanceProvider lists the fungible holdings of a wallet across the
// supported chains.
type BalanceProvider interface {
	Provider
	WalletBalances(ctx context.Context, address string) ([]model.Balance, error)
}

// TokenLister reports which tokens the routing service can move, keyed by
// chain id.
type TokenLister interface {
	Provider
	SupportedTokens(ctx context.Context, chainIDs []int64) (map[int64][]model.SupportedToken, error)
}

type YieldProvider interface {
	Provider
	MarketYields(ctx context.Context, markets []registry.Market) ([]model.MarketYield, error)
}

type LendingPositionsProvider interface {
	Provider
	LendingPositions(ctx context.Context, account string) ([]model.LendingPosition, error)
}
