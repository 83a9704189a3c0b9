package model

import (
	"math/big"
	"strings"

	"github.com/Michael-Nwachukwu/boundless/internal/amount"
	"github.com/Michael-Nwachukwu/boundless/internal/registry"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

type TokenKindTag string

const (
	TokenNative TokenKindTag = "native"
	TokenERC20  TokenKindTag = "erc20"
)

// TokenKind says how a token moves on-chain. It is resolved once when an
// AssetRef is built; nothing downstream inspects symbols again.
type TokenKind struct {
	Kind     TokenKindTag `json:"kind"`
	Address  string       `json:"address,omitempty"`
	Decimals int          `json:"decimals"`
}

func NativeToken(decimals int) TokenKind {
	return TokenKind{Kind: TokenNative, Decimals: decimals}
}

func ERC20Token(address string, decimals int) TokenKind {
	return TokenKind{Kind: TokenERC20, Address: common.HexToAddress(address).Hex(), Decimals: decimals}
}

func (k TokenKind) IsNative() bool { return k.Kind == TokenNative }

// RouteAddress is the token address a routing request uses: the native
// sentinel for gas tokens, the contract otherwise.
func (k TokenKind) RouteAddress() string {
	if k.IsNative() {
		return registry.NativeTokenAddress()
	}
	return k.Address
}

// AssetRef identifies a fungible token on a chain.
type AssetRef struct {
	Symbol   string    `json:"symbol"`
	Name     string    `json:"name,omitempty"`
	Address  string    `json:"address"`
	Chain    string    `json:"chain"`
	Decimals int       `json:"decimals"`
	Token    TokenKind `json:"token"`
}

// NewAssetRef normalizes indexer data into an AssetRef. A zero decimals value
// is treated as missing and replaced from the well-known table.
func NewAssetRef(symbol, name, address, chain string, decimals int) AssetRef {
	symbol = strings.TrimSpace(symbol)
	if decimals <= 0 {
		decimals = registry.KnownDecimals(symbol)
	}
	ref := AssetRef{
		Symbol:   symbol,
		Name:     strings.TrimSpace(name),
		Address:  strings.TrimSpace(address),
		Chain:    strings.TrimSpace(chain),
		Decimals: decimals,
	}
	if registry.IsNativeSymbol(symbol) || !wellFormedAddress(ref.Address) || registry.IsNativeAddress(ref.Address) {
		ref.Token = NativeToken(decimals)
		ref.Address = registry.NativeTokenAddress()
		return ref
	}
	ref.Token = ERC20Token(ref.Address, decimals)
	return ref
}

// SameToken compares the contract address of two tokens.
func (a AssetRef) SameToken(address string) bool {
	return !a.Token.IsNative() && strings.EqualFold(a.Token.Address, strings.TrimSpace(address))
}

func wellFormedAddress(addr string) bool {
	return len(addr) == 42 && strings.HasPrefix(strings.ToLower(addr), "0x") && common.IsHexAddress(addr)
}

// Balance is a held amount of an asset. Amount is in human units; use
// BaseUnits for anything that goes on-chain.
type Balance struct {
	Asset    AssetRef        `json:"asset"`
	Amount   decimal.Decimal `json:"amount"`
	USDValue decimal.Decimal `json:"usd_value"`
	Wallet   string          `json:"wallet"`
	Chain    string          `json:"chain"`
}

func NewBalance(asset AssetRef, amt, usd decimal.Decimal, wallet string) Balance {
	return Balance{
		Asset:    asset,
		Amount:   amt,
		USDValue: usd,
		Wallet:   strings.TrimSpace(wallet),
		Chain:    asset.Chain,
	}
}

// BaseUnits converts Amount to the token's smallest unit, truncating.
func (b Balance) BaseUnits() *big.Int {
	return amount.ToBaseUnits(b.Amount, b.Asset.Decimals)
}

// ChainID resolves the balance's chain through the registry.
func (b Balance) ChainID() (int64, bool) {
	return registry.ChainNameToID(b.Chain)
}
