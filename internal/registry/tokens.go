package registry

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const nativeTokenAddress = "0x0000000000000000000000000000000000000000"

// NativeTokenAddress is the sentinel the routing service uses for a chain's
// gas token.
func NativeTokenAddress() string {
	return nativeTokenAddress
}

// IsNativeAddress accepts both sentinels seen in routing payloads.
func IsNativeAddress(addr string) bool {
	clean := strings.TrimSpace(addr)
	return strings.EqualFold(clean, nativeTokenAddress) ||
		strings.EqualFold(clean, "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee")
}

var nativeSymbols = map[string]struct{}{
	"ETH":   {},
	"BNB":   {},
	"MATIC": {},
	"POL":   {},
	"AVAX":  {},
}

func IsNativeSymbol(symbol string) bool {
	_, ok := nativeSymbols[strings.ToUpper(strings.TrimSpace(symbol))]
	return ok
}

// Fallback decimals for tokens whose indexer payload omits them.
var knownDecimals = map[string]int{
	"USDC":  6,
	"USDT":  6,
	"USDT0": 6,
	"DAI":   18,
	"ETH":   18,
	"WETH":  18,
	"BNB":   18,
	"MATIC": 18,
}

const DefaultDecimals = 18

// KnownDecimals returns the table value for symbol, or DefaultDecimals.
func KnownDecimals(symbol string) int {
	if v, ok := knownDecimals[strings.ToUpper(strings.TrimSpace(symbol))]; ok {
		return v
	}
	return DefaultDecimals
}

// HasKnownDecimals reports whether symbol has an explicit table entry.
func HasKnownDecimals(symbol string) bool {
	_, ok := knownDecimals[strings.ToUpper(strings.TrimSpace(symbol))]
	return ok
}

// Token is a well-known ERC20 deployment.
type Token struct {
	ChainID  int64  `json:"chain_id"`
	Symbol   string `json:"symbol"`
	Address  string `json:"address"`
	Decimals int    `json:"decimals"`
}

var tokensByChainID = map[int64][]Token{
	1: {
		{ChainID: 1, Symbol: "USDC", Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: 6},
		{ChainID: 1, Symbol: "USDT", Address: "0xdAC17F958D2ee523a2206206994597C13D831ec7", Decimals: 6},
		{ChainID: 1, Symbol: "WETH", Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Decimals: 18},
		{ChainID: 1, Symbol: "DAI", Address: "0x6B175474E89094C44Da98b954EedeAC495271d0F", Decimals: 18},
	},
	10: {
		{ChainID: 10, Symbol: "USDC", Address: "0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85", Decimals: 6},
		{ChainID: 10, Symbol: "USDT", Address: "0x94b008aA00579c1307B0EF2c499aD98a8ce58e58", Decimals: 6},
		{ChainID: 10, Symbol: "WETH", Address: "0x4200000000000000000000000000000000000006", Decimals: 18},
	},
	8453: {
		{ChainID: 8453, Symbol: "USDC", Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Decimals: 6},
		{ChainID: 8453, Symbol: "WETH", Address: "0x4200000000000000000000000000000000000006", Decimals: 18},
	},
	42161: {
		{ChainID: 42161, Symbol: "USDC", Address: "0xaf88d065e77c8cC2239327C5EDb3A432268e5831", Decimals: 6},
		{ChainID: 42161, Symbol: "USDT", Address: "0xFd086bC7CD5C481DCC9C85ebE478A1C0b69FCbb9", Decimals: 6},
		{ChainID: 42161, Symbol: "WETH", Address: "0x82aF49447D8a07e3bd95BD0d56f35241523fBab1", Decimals: 18},
	},
}

// TokenBySymbol looks up a well-known token on a chain.
func TokenBySymbol(chainID int64, symbol string) (Token, bool) {
	want := strings.ToUpper(strings.TrimSpace(symbol))
	for _, token := range tokensByChainID[chainID] {
		if token.Symbol == want {
			return token, true
		}
	}
	return Token{}, false
}

// TokenByAddress looks up a well-known token by contract address.
func TokenByAddress(chainID int64, address string) (Token, bool) {
	if !common.IsHexAddress(address) {
		return Token{}, false
	}
	for _, token := range tokensByChainID[chainID] {
		if strings.EqualFold(token.Address, address) {
			return token, true
		}
	}
	return Token{}, false
}

// DestinationTokenAddress resolves the address a route should deliver for a
// destination symbol. The native symbol of the chain, and any symbol without
// a known deployment, resolve to the native sentinel.
func DestinationTokenAddress(chainID int64, symbol string) string {
	if IsNativeSymbol(symbol) {
		return nativeTokenAddress
	}
	if token, ok := TokenBySymbol(chainID, symbol); ok {
		return token.Address
	}
	return nativeTokenAddress
}
