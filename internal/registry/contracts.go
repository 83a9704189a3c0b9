package registry

import (
	"sort"
	"strings"
)

// Canonical Aave V3 Pool contracts, the deposit target for zaps.
var aavePoolByChainID = map[int64]string{
	1:     "0x87870Bca3F3f638F132C14298e9b39d798077922", // Ethereum
	10:    "0x794a61358D6845594F94dc1DB02A252b5b4814aD", // Optimism
	8453:  "0xA238Dd80C259a72e81d7e4664a9801593F98d1c5", // Base
	42161: "0x794a61358D6845594F94dc1DB02A252b5b4814aD", // Arbitrum
}

// AavePool returns the V3 pool for chainID. BSC has no V3 deployment.
func AavePool(chainID int64) (string, bool) {
	value, ok := aavePoolByChainID[chainID]
	return value, ok
}

// Market is a yield market a zap can deposit into.
type Market struct {
	ID          string `json:"market_id"`
	ChainID     int64  `json:"chain_id"`
	Chain       string `json:"chain"`
	Protocol    string `json:"protocol"`
	Asset       string `json:"asset"`
	Description string `json:"description"`
	YieldType   string `json:"yield_type"`
	Risk        string `json:"risk"`
	Pool        string `json:"pool"`
	AToken      string `json:"a_token"`
	Underlying  string `json:"underlying"`
	Decimals    int    `json:"decimals"`
}

var earnMarkets = []Market{
	{
		ID:          "aave-v3-base-usdc",
		ChainID:     8453,
		Chain:       "Base",
		Protocol:    "Aave V3",
		Asset:       "USDC",
		Description: "Supply USDC on Base",
		YieldType:   "Lending",
		Risk:        "Low",
		Pool:        "0xA238Dd80C259a72e81d7e4664a9801593F98d1c5",
		AToken:      "0x4e65fE4DbA92790696d040ac24Aa414708F5c0AB",
		Underlying:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Decimals:    6,
	},
	{
		ID:          "aave-v3-base-eth",
		ChainID:     8453,
		Chain:       "Base",
		Protocol:    "Aave V3",
		Asset:       "ETH",
		Description: "Supply ETH on Base",
		YieldType:   "Lending",
		Risk:        "Low",
		Pool:        "0xA238Dd80C259a72e81d7e4664a9801593F98d1c5",
		AToken:      "0xD4a0e0b9149BCee3C920d2E00b5dE09138fd8bb7",
		Underlying:  "0x4200000000000000000000000000000000000006",
		Decimals:    18,
	},
	{
		ID:          "aave-v3-arbitrum-usdc",
		ChainID:     42161,
		Chain:       "Arbitrum",
		Protocol:    "Aave V3",
		Asset:       "USDC",
		Description: "Supply USDC on Arbitrum",
		YieldType:   "Lending",
		Risk:        "Low",
		Pool:        "0x794a61358D6845594F94dc1DB02A252b5b4814aD",
		AToken:      "0x625E7708f30cA75bfd92586e17077590C60eb4cD",
		Underlying:  "0xaf88d065e77c8cC2239327C5EDb3A432268e5831",
		Decimals:    6,
	},
	{
		ID:          "aave-v3-optimism-usdc",
		ChainID:     10,
		Chain:       "Optimism",
		Protocol:    "Aave V3",
		Asset:       "USDC",
		Description: "Supply USDC on Optimism",
		YieldType:   "Lending",
		Risk:        "Low",
		Pool:        "0x794a61358D6845594F94dc1DB02A252b5b4814aD",
		AToken:      "0x625E7708f30cA75bfd92586e17077590C60eb4cD",
		Underlying:  "0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85",
		Decimals:    6,
	},
}

// EarnMarkets lists the supported deposit markets ordered by id.
func EarnMarkets() []Market {
	out := append([]Market(nil), earnMarkets...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MarketByID resolves a market id, case-insensitively.
func MarketByID(id string) (Market, bool) {
	want := strings.ToLower(strings.TrimSpace(id))
	for _, market := range earnMarkets {
		if market.ID == want {
			return market, true
		}
	}
	return Market{}, false
}

// FindMarket resolves a market by chain and asset symbol.
func FindMarket(chainID int64, asset string) (Market, bool) {
	want := strings.ToUpper(strings.TrimSpace(asset))
	if want == "WETH" {
		want = "ETH"
	}
	for _, market := range earnMarkets {
		if market.ChainID == chainID && market.Asset == want {
			return market, true
		}
	}
	return Market{}, false
}
