package registry

import (
	"sort"
	"strconv"
	"strings"
)

// Chain describes an EVM network the orchestrator can read balances from and
// route liquidity to.
type Chain struct {
	ID           int64  `json:"chain_id"`
	Slug         string `json:"slug"`
	Name         string `json:"name"`
	NativeSymbol string `json:"native_symbol"`
	ZerionID     string `json:"zerion_id"`
}

var chainsByID = map[int64]Chain{
	1:      {ID: 1, Slug: "ethereum", Name: "Ethereum", NativeSymbol: "ETH", ZerionID: "ethereum"},
	10:     {ID: 10, Slug: "optimism", Name: "Optimism", NativeSymbol: "ETH", ZerionID: "optimism"},
	56:     {ID: 56, Slug: "bsc", Name: "BNB Smart Chain", NativeSymbol: "BNB", ZerionID: "binance-smart-chain"},
	324:    {ID: 324, Slug: "zksync", Name: "zkSync Era", NativeSymbol: "ETH", ZerionID: "zksync-era"},
	8453:   {ID: 8453, Slug: "base", Name: "Base", NativeSymbol: "ETH", ZerionID: "base"},
	42161:  {ID: 42161, Slug: "arbitrum", Name: "Arbitrum One", NativeSymbol: "ETH", ZerionID: "arbitrum"},
	534352: {ID: 534352, Slug: "scroll", Name: "Scroll", NativeSymbol: "ETH", ZerionID: "scroll"},
}

// Keys are normalized: lowercase with spaces, dashes and underscores removed.
var chainAliases = map[string]int64{
	"ethereum":          1,
	"eth":               1,
	"mainnet":           1,
	"ethereummainnet":   1,
	"optimism":          10,
	"op":                10,
	"optimismmainnet":   10,
	"arbitrum":          42161,
	"arb":               42161,
	"arbitrumone":       42161,
	"arbitrummainnet":   42161,
	"base":              8453,
	"basemainnet":       8453,
	"bsc":               56,
	"bnb":               56,
	"bnbchain":          56,
	"bnbsmartchain":     56,
	"binancesmartchain": 56,
	"scroll":            534352,
	"scrollmainnet":     534352,
	"zksync":            324,
	"zksyncera":         324,
	"zksyncmainnet":     324,
}

// NormalizeChainName folds the spelling variants indexers and users produce
// for the same network into one lookup key.
func NormalizeChainName(name string) string {
	clean := strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer(" ", "", "-", "", "_", "").Replace(clean)
}

// ChainNameToID maps a human chain name to its numeric chain id. It never
// fails: unknown names report ok=false.
func ChainNameToID(name string) (int64, bool) {
	key := NormalizeChainName(name)
	if key == "" {
		return 0, false
	}
	id, ok := chainAliases[key]
	return id, ok
}

func ChainByID(chainID int64) (Chain, bool) {
	chain, ok := chainsByID[chainID]
	return chain, ok
}

// ChainByName resolves any accepted spelling to the canonical Chain.
func ChainByName(name string) (Chain, bool) {
	id, ok := ChainNameToID(name)
	if !ok {
		return Chain{}, false
	}
	return ChainByID(id)
}

// LookupChain accepts either a chain name in any accepted spelling or a
// decimal chain id, as typed on the command line.
func LookupChain(nameOrID string) (Chain, bool) {
	if id, err := strconv.ParseInt(strings.TrimSpace(nameOrID), 10, 64); err == nil {
		return ChainByID(id)
	}
	return ChainByName(nameOrID)
}

// SupportedChains returns every known chain ordered by chain id.
func SupportedChains() []Chain {
	out := make([]Chain, 0, len(chainsByID))
	for _, chain := range chainsByID {
		out = append(out, chain)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ZerionChainIDs lists the indexer chain identifiers for the supported set.
func ZerionChainIDs() []string {
	chains := SupportedChains()
	out := make([]string, 0, len(chains))
	for _, chain := range chains {
		out = append(out, chain.ZerionID)
	}
	return out
}

// Destination chains a user may move liquidity to.
var destinationChainIDs = map[int64]struct{}{
	1:      {},
	10:     {},
	56:     {},
	324:    {},
	8453:   {},
	42161:  {},
	534352: {},
}

func IsAllowedDestination(chainID int64) bool {
	_, ok := destinationChainIDs[chainID]
	return ok
}
