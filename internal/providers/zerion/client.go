// Package zerion reads wallet holdings from the Zerion indexing API and
// normalizes them into balances.
package zerion

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"

	"github.com/Michael-Nwachukwu/boundless/internal/httpx"
	"github.com/Michael-Nwachukwu/boundless/internal/metrics"
	"github.com/Michael-Nwachukwu/boundless/internal/model"
	"github.com/Michael-Nwachukwu/boundless/internal/registry"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	clierr "github.com/Michael-Nwachukwu/boundless/internal/errors"
)

const (
	providerName = "zerion"
	maxPages     = 10
)

type Client struct {
	http    *httpx.Client
	baseURL string
	apiKey  string
	log     zerolog.Logger
	metrics *metrics.Recorder
}

func New(httpClient *httpx.Client, apiKey string, log zerolog.Logger, recorder *metrics.Recorder) *Client {
	return &Client{
		http:    httpClient,
		baseURL: registry.ZerionBaseURL,
		apiKey:  strings.TrimSpace(apiKey),
		log:     log,
		metrics: recorder,
	}
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:          providerName,
		Type:          "balances",
		RequiresKey:   true,
		Capabilities:  []string{"wallet.positions"},
		KeyEnvVarName: "BOUNDLESS_ZERION_API_KEY",
	}
}

type positionsResponse struct {
	Data  []position `json:"data"`
	Links struct {
		Next string `json:"next"`
	} `json:"links"`
}

type position struct {
	ID         string `json:"id"`
	Attributes struct {
		Quantity struct {
			Numeric string `json:"numeric"`
		} `json:"quantity"`
		Value        *float64      `json:"value"`
		FungibleInfo *fungibleInfo `json:"fungible_info"`
	} `json:"attributes"`
	Relationships struct {
		Chain struct {
			Data struct {
				ID string `json:"id"`
			} `json:"data"`
		} `json:"chain"`
	} `json:"relationships"`
}

type fungibleInfo struct {
	Name            string           `json:"name"`
	Symbol          string           `json:"symbol"`
	Implementations []implementation `json:"implementations"`
}

type implementation struct {
	ChainID  string `json:"chain_id"`
	Address  string `json:"address"`
	Decimals *int   `json:"decimals"`
}

// WalletBalances returns the wallet's simple (non-protocol) positions on the
// supported chains, ordered by USD value as the indexer sorts them.
func (c *Client) WalletBalances(ctx context.Context, address string) ([]model.Balance, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return nil, clierr.New(clierr.CodeUsage, "balances require a valid wallet address")
	}
	if c.apiKey == "" {
		return nil, clierr.New(clierr.CodeAuth, "missing zerion api key (set BOUNDLESS_ZERION_API_KEY)")
	}

	vals := url.Values{}
	vals.Set("filter[chain_ids]", strings.Join(registry.ZerionChainIDs(), ","))
	vals.Set("filter[trash]", "only_non_trash")
	vals.Set("filter[positions]", "only_simple")
	vals.Set("currency", "usd")
	vals.Set("sort", "-value")
	next := c.baseURL + "/wallets/" + url.PathEscape(address) + "/positions/?" + vals.Encode()

	var out []model.Balance
	for page := 0; next != "" && page < maxPages; page++ {
		resp, err := c.fetch(ctx, next)
		if err != nil {
			return nil, err
		}
		for _, pos := range resp.Data {
			bal, ok := normalize(pos, address)
			if !ok {
				c.log.Debug().Str("position", pos.ID).Msg("skipping position")
				continue
			}
			out = append(out, bal)
		}
		next = resp.Links.Next
	}
	c.log.Debug().Str("wallet", address).Int("balances", len(out)).Msg("zerion positions")
	return out, nil
}

func (c *Client) fetch(ctx context.Context, u string) (positionsResponse, error) {
	hReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return positionsResponse{}, clierr.Wrap(clierr.CodeInternal, "build zerion request", err)
	}
	hReq.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(c.apiKey+":")))
	var resp positionsResponse
	_, err = c.http.DoJSON(ctx, hReq, &resp)
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.metrics.ProviderRequest(providerName, status)
	return resp, err
}

// normalize maps one indexer position to a Balance. Positions without chain
// or token info, or on unsupported chains, are dropped.
func normalize(pos position, wallet string) (model.Balance, bool) {
	chainName := strings.TrimSpace(pos.Relationships.Chain.Data.ID)
	chain, ok := registry.ChainByName(chainName)
	if chainName == "" || !ok {
		return model.Balance{}, false
	}
	info := pos.Attributes.FungibleInfo
	if info == nil {
		return model.Balance{}, false
	}

	symbol := strings.TrimSpace(info.Symbol)
	if symbol == "" {
		symbol = "UNKNOWN"
	}
	name := strings.TrimSpace(info.Name)
	if name == "" {
		name = symbol
	}

	decimals := registry.DefaultDecimals
	address := ""
	for _, impl := range info.Implementations {
		if registry.NormalizeChainName(impl.ChainID) != registry.NormalizeChainName(chainName) {
			continue
		}
		address = impl.Address
		if impl.Decimals != nil {
			decimals = *impl.Decimals
		}
		break
	}
	if address == "" {
		address, _, _ = strings.Cut(pos.ID, "-")
	}
	// The indexer has reported 18 decimals for bridged stablecoins.
	switch strings.ToUpper(symbol) {
	case "USDC", "USDT":
		decimals = 6
	}

	amt, err := decimal.NewFromString(strings.TrimSpace(pos.Attributes.Quantity.Numeric))
	if err != nil {
		amt = decimal.Zero
	}
	usd := decimal.Zero
	if pos.Attributes.Value != nil {
		usd = decimal.NewFromFloat(*pos.Attributes.Value)
	}
	asset := model.NewAssetRef(symbol, name, address, chain.Slug, decimals)
	return model.NewBalance(asset, amt, usd, wallet), true
}
