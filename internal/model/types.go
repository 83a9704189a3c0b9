package model

import "time"

const EnvelopeVersion = "v1"

type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type EnvelopeMeta struct {
	RequestID string           `json:"request_id"`
	Timestamp time.Time        `json:"timestamp"`
	Command   string           `json:"command"`
	Providers []ProviderStatus `json:"providers,omitempty"`
	Cache     CacheStatus      `json:"cache"`
	Partial   bool             `json:"partial"`
}

type ProviderStatus struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
}

type CacheStatus struct {
	Status string `json:"status"`
	AgeMS  int64  `json:"age_ms"`
	Stale  bool   `json:"stale"`
}

// MarketYield is a deposit market with its live supply rate.
type MarketYield struct {
	MarketID   string  `json:"market_id"`
	ChainID    int64   `json:"chain_id"`
	Chain      string  `json:"chain"`
	Protocol   string  `json:"protocol"`
	Asset      string  `json:"asset"`
	Underlying string  `json:"underlying"`
	AToken     string  `json:"a_token"`
	SupplyAPY  float64 `json:"supply_apy"`
	Risk       string  `json:"risk"`
	FetchedAt  string  `json:"fetched_at"`
}

// LendingPosition is a wallet's aggregate account on one lending pool.
type LendingPosition struct {
	ChainID             int64   `json:"chain_id"`
	Chain               string  `json:"chain"`
	Protocol            string  `json:"protocol"`
	Pool                string  `json:"pool"`
	TotalCollateralUSD  float64 `json:"total_collateral_usd"`
	TotalDebtUSD        float64 `json:"total_debt_usd"`
	AvailableBorrowsUSD float64 `json:"available_borrows_usd"`
	HealthFactor        string  `json:"health_factor"`
}

type ProviderInfo struct {
	Name          string   `json:"name"`
	Type          string   `json:"type"`
	RequiresKey   bool     `json:"requires_key"`
	Capabilities  []string `json:"capabilities"`
	KeyEnvVarName string   `json:"key_env_var_name,omitempty"`
}

// SupportedToken is a token the routing service can move.
type SupportedToken struct {
	ChainID  int64  `json:"chain_id"`
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name,omitempty"`
	Decimals int    `json:"decimals"`
	PriceUSD string `json:"price_usd,omitempty"`
}
