package model

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

type Flow string

const (
	FlowSqueeze Flow = "squeeze"
	FlowPull    Flow = "pull"
	FlowRefuel  Flow = "refuel"
	FlowZap     Flow = "zap"
)

type RouteStatus string

const (
	RouteStatusPending   RouteStatus = "pending"
	RouteStatusExecuting RouteStatus = "executing"
	RouteStatusCompleted RouteStatus = "completed"
	RouteStatusFailed    RouteStatus = "failed"
)

// CanTransitionTo enforces pending -> executing -> completed|failed.
func (s RouteStatus) CanTransitionTo(next RouteStatus) bool {
	switch s {
	case RouteStatusPending:
		return next == RouteStatusExecuting || next == RouteStatusFailed
	case RouteStatusExecuting:
		return next == RouteStatusCompleted || next == RouteStatusFailed
	default:
		return false
	}
}

// Path is a routing-service path. Raw carries the provider payload and is
// only interpreted by that provider's executor.
type Path struct {
	ID              string          `json:"id"`
	Provider        string          `json:"provider"`
	FromChainID     int64           `json:"from_chain_id"`
	ToChainID       int64           `json:"to_chain_id"`
	FromToken       string          `json:"from_token"`
	ToToken         string          `json:"to_token"`
	FromAmount      string          `json:"from_amount"`
	ToAmount        string          `json:"to_amount"`
	ToAmountMin     string          `json:"to_amount_min,omitempty"`
	ToAmountUSD     decimal.Decimal `json:"to_amount_usd"`
	GasCostUSD      decimal.Decimal `json:"gas_cost_usd"`
	ToTokenDecimals int             `json:"to_token_decimals"`
	ToTokenPriceUSD decimal.Decimal `json:"to_token_price_usd"`
	Tools           []string        `json:"tools,omitempty"`
	Steps           int             `json:"steps"`
	Raw             json.RawMessage `json:"raw,omitempty"`
}

// DirectCall is a same-chain deposit that bypasses the routing service.
type DirectCall struct {
	ChainID int64  `json:"chain_id"`
	Target  string `json:"target"`
	Data    string `json:"data"`
	Amount  string `json:"amount"`
	Token   string `json:"token"`
}

type ResolvedRoute struct {
	Asset               Balance         `json:"asset"`
	AmountBaseUnits     string          `json:"amount_base_units"`
	IsDirect            bool            `json:"is_direct"`
	HasAutoDeposit      bool            `json:"has_auto_deposit"`
	DirectCall          *DirectCall     `json:"direct_call,omitempty"`
	Path                *Path           `json:"path,omitempty"`
	EstimatedOutput     string          `json:"estimated_output"`
	EstimatedOutputUSD  decimal.Decimal `json:"estimated_output_usd"`
	EstimatedGasCostUSD decimal.Decimal `json:"estimated_gas_cost_usd"`
	Status              RouteStatus     `json:"status"`
	Error               string          `json:"error,omitempty"`
}

type SkippedAsset struct {
	Asset  Balance `json:"asset"`
	Reason string  `json:"reason"`
}

// Plan is the output of route resolution.
type Plan struct {
	Flow                    Flow            `json:"flow"`
	DestinationChainID      int64           `json:"destination_chain_id"`
	DestinationToken        string          `json:"destination_token"`
	DestinationAddress      string          `json:"destination_address"`
	MarketID                string          `json:"market_id,omitempty"`
	RequestedUSD            decimal.Decimal `json:"requested_usd"`
	Routes                  []ResolvedRoute `json:"routes"`
	SkippedAssets           []SkippedAsset  `json:"skipped_assets"`
	TotalInputUSD           decimal.Decimal `json:"total_input_usd"`
	TotalEstimatedOutputUSD decimal.Decimal `json:"total_estimated_output_usd"`
	TotalGasCostUSD         decimal.Decimal `json:"total_gas_cost_usd"`
	Insufficient            bool            `json:"insufficient"`
}

// IsComplete reports whether every input asset produced a route.
func (p Plan) IsComplete() bool {
	return len(p.SkippedAssets) == 0
}

type ExecutionError struct {
	Index   int    `json:"index"`
	Symbol  string `json:"symbol"`
	Chain   string `json:"chain"`
	Message string `json:"message"`
}

// ExecutionSummary is the outcome of one engine run. Successful+Failed
// always equals Total.
type ExecutionSummary struct {
	TotalRoutes       int              `json:"total_routes"`
	SuccessfulRoutes  int              `json:"successful_routes"`
	FailedRoutes      int              `json:"failed_routes"`
	SuccessfulIndices []int            `json:"successful_indices"`
	FailedIndices     []int            `json:"failed_indices"`
	Errors            []ExecutionError `json:"errors"`
	Transactions      []TxRecord       `json:"transactions,omitempty"`
	Halted            bool             `json:"halted"`
}

// TxRecord is one confirmed or submitted transaction of a route.
type TxRecord struct {
	Index   int    `json:"index"`
	ChainID int64  `json:"chain_id"`
	Kind    string `json:"kind"`
	Hash    string `json:"hash"`
}

func (s ExecutionSummary) AllSucceeded() bool {
	return s.TotalRoutes > 0 && s.SuccessfulRoutes == s.TotalRoutes
}
