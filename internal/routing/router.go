// Package routing turns selected balances into executable routes: a direct
// deposit when the asset already sits in the target market, otherwise a path
// quoted by an aggregator.
package routing

import (
	"context"

	"github.com/Michael-Nwachukwu/boundless/internal/model"
)

// RouteRequest asks an aggregator for paths moving FromAmount of FromToken on
// FromChainID into ToToken on ToChainID.
type RouteRequest struct {
	FromChainID int64
	ToChainID   int64
	FromToken   string
	ToToken     string
	FromAmount  string
	FromAddress string
	ToAddress   string
	Slippage    string
}

// ContractCallRequest extends a route with a call the aggregator runs on the
// destination chain once funds arrive.
type ContractCallRequest struct {
	RouteRequest
	ToContract         string
	ToContractCallData string
	// ToContractAmount is the amount, in destination base units, the call
	// consumes.
	ToContractAmount   string
	ToContractGasLimit string
	ToApprovalAddress  string
}

// Router quotes paths. Paths are returned best first.
type Router interface {
	Routes(ctx context.Context, req RouteRequest) ([]model.Path, error)
}

// ContractCallQuoter is implemented by routers that can bundle a destination
// call into a single path.
type ContractCallQuoter interface {
	QuoteContractCalls(ctx context.Context, req ContractCallRequest) (model.Path, error)
}
