// Package selector decides which balances fund a requested USD amount.
// Every function here is pure: inputs are never mutated and identical inputs
// always produce identical output.
package selector

import (
	"sort"
	"strings"

	"github.com/Michael-Nwachukwu/boundless/internal/amount"
	"github.com/Michael-Nwachukwu/boundless/internal/model"
	"github.com/Michael-Nwachukwu/boundless/internal/registry"
	"github.com/shopspring/decimal"
)

// DustThresholdUSD is the value at or below which a balance is ignored.
var DustThresholdUSD = decimal.RequireFromString("0.01")

const mainnetChainID = 1

// SelectAssets greedily covers requestedUSD from the largest balances first,
// skipping excludeChain and dust. The last balance taken may be split so the
// selection sums to exactly requestedUSD. When eligible balances cannot cover
// the request all of them are returned.
func SelectAssets(balances []model.Balance, requestedUSD decimal.Decimal, excludeChain string) []model.Balance {
	if requestedUSD.Sign() <= 0 {
		return []model.Balance{}
	}
	eligible := make([]model.Balance, 0, len(balances))
	for _, bal := range balances {
		if isDust(bal) {
			continue
		}
		if strings.TrimSpace(excludeChain) != "" && SameChain(bal.Chain, excludeChain) {
			continue
		}
		eligible = append(eligible, bal)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].USDValue.GreaterThan(eligible[j].USDValue)
	})
	return consume(eligible, requestedUSD)
}

// DepositTarget describes the market a zap deposits into.
type DepositTarget struct {
	ChainID    int64
	Underlying string
	AToken     string
}

// TargetFromMarket adapts a registry market.
func TargetFromMarket(m registry.Market) DepositTarget {
	return DepositTarget{ChainID: m.ChainID, Underlying: m.Underlying, AToken: m.AToken}
}

// SelectForDeposit orders sources for a zap: the market's underlying on its
// own chain first, then anything on that chain, then other chains with
// Ethereum mainnet last, each tier by USD descending. The market's own
// receipt token is never a source.
func SelectForDeposit(balances []model.Balance, requestedUSD decimal.Decimal, target DepositTarget) []model.Balance {
	if requestedUSD.Sign() <= 0 {
		return []model.Balance{}
	}
	eligible := make([]model.Balance, 0, len(balances))
	for _, bal := range balances {
		if isDust(bal) {
			continue
		}
		if target.AToken != "" && strings.EqualFold(bal.Asset.Address, target.AToken) {
			continue
		}
		eligible = append(eligible, bal)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		ti, tj := depositTier(eligible[i], target), depositTier(eligible[j], target)
		if ti != tj {
			return ti < tj
		}
		return eligible[i].USDValue.GreaterThan(eligible[j].USDValue)
	})
	return consume(eligible, requestedUSD)
}

func depositTier(bal model.Balance, target DepositTarget) int {
	chainID, _ := registry.ChainNameToID(bal.Chain)
	sameChain := chainID != 0 && chainID == target.ChainID
	switch {
	case sameChain && target.Underlying != "" && bal.Asset.SameToken(target.Underlying):
		return 0
	case sameChain:
		return 1
	case chainID == mainnetChainID:
		return 3
	default:
		return 2
	}
}

func consume(ordered []model.Balance, requestedUSD decimal.Decimal) []model.Balance {
	out := make([]model.Balance, 0, len(ordered))
	remaining := requestedUSD
	for _, bal := range ordered {
		if remaining.Sign() <= 0 {
			break
		}
		if bal.USDValue.LessThanOrEqual(remaining) {
			out = append(out, bal)
			remaining = remaining.Sub(bal.USDValue)
			continue
		}
		out = append(out, split(bal, remaining))
		remaining = decimal.Zero
	}
	return out
}

// split returns a new balance worth usd, scaling the amount in base units.
func split(bal model.Balance, usd decimal.Decimal) model.Balance {
	scaled := amount.Scale(bal.BaseUnits(), usd, bal.USDValue)
	part := bal
	part.Amount = amount.FromBaseUnits(scaled, bal.Asset.Decimals)
	part.USDValue = usd
	return part
}

func isDust(bal model.Balance) bool {
	return bal.USDValue.LessThanOrEqual(DustThresholdUSD)
}

// SameChain compares chain names by registry id when both resolve, and by
// normalized spelling otherwise.
func SameChain(a, b string) bool {
	idA, okA := registry.ChainNameToID(a)
	idB, okB := registry.ChainNameToID(b)
	if okA && okB {
		return idA == idB
	}
	return registry.NormalizeChainName(a) == registry.NormalizeChainName(b)
}

// Total sums the USD value of balances.
func Total(balances []model.Balance) decimal.Decimal {
	sum := decimal.Zero
	for _, bal := range balances {
		sum = sum.Add(bal.USDValue)
	}
	return sum
}

// Insufficient reports whether selected falls short of requestedUSD.
func Insufficient(selected []model.Balance, requestedUSD decimal.Decimal) bool {
	return Total(selected).LessThan(requestedUSD)
}
