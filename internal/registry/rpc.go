package registry

import (
	"fmt"
	"strings"
)

// Public RPC endpoints used when no override is configured for a chain.
var defaultRPCByChainID = map[int64]string{
	1:      "https://eth.llamarpc.com",
	10:     "https://mainnet.optimism.io",
	56:     "https://bsc-dataseed.binance.org",
	324:    "https://mainnet.era.zksync.io",
	8453:   "https://mainnet.base.org",
	42161:  "https://arb1.arbitrum.io/rpc",
	534352: "https://rpc.scroll.io",
}

func DefaultRPCURL(chainID int64) (string, bool) {
	value, ok := defaultRPCByChainID[chainID]
	return value, ok
}

// ResolveRPCURL prefers a configured override, then the public default.
func ResolveRPCURL(overrides map[int64]string, chainID int64) (string, error) {
	if v := strings.TrimSpace(overrides[chainID]); v != "" {
		return v, nil
	}
	if v, ok := DefaultRPCURL(chainID); ok {
		return v, nil
	}
	return "", fmt.Errorf("no rpc configured for chain id %d; set rpc.%d in config", chainID, chainID)
}
