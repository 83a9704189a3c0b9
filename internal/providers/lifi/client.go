package lifi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Michael-Nwachukwu/boundless/internal/httpx"
	"github.com/Michael-Nwachukwu/boundless/internal/metrics"
	"github.com/Michael-Nwachukwu/boundless/internal/model"
	"github.com/Michael-Nwachukwu/boundless/internal/registry"
	"github.com/Michael-Nwachukwu/boundless/internal/routing"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	clierr "github.com/Michael-Nwachukwu/boundless/internal/errors"
)

const providerName = "lifi"

type Client struct {
	http       *httpx.Client
	baseURL    string
	apiKey     string
	integrator string
	fee        string
	log        zerolog.Logger
	metrics    *metrics.Recorder

	pollInterval  time.Duration
	settleTimeout time.Duration
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(strings.TrimSpace(u), "/") }
}

func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = strings.TrimSpace(key) }
}

func WithIntegrator(id string) Option {
	return func(c *Client) {
		if strings.TrimSpace(id) != "" {
			c.integrator = strings.TrimSpace(id)
		}
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

func WithMetrics(rec *metrics.Recorder) Option {
	return func(c *Client) { c.metrics = rec }
}

// WithSettlementPolling sets how often and how long bridge status is polled
// after a cross-chain transaction confirms on the source chain.
func WithSettlementPolling(interval, timeout time.Duration) Option {
	return func(c *Client) {
		if interval > 0 {
			c.pollInterval = interval
		}
		if timeout > 0 {
			c.settleTimeout = timeout
		}
	}
}

func New(httpClient *httpx.Client, opts ...Option) *Client {
	c := &Client{
		http:          httpClient,
		baseURL:       registry.LiFiBaseURL,
		integrator:    registry.DefaultIntegrator,
		fee:           registry.IntegratorFee,
		log:           zerolog.Nop(),
		pollInterval:  10 * time.Second,
		settleTimeout: 30 * time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:        providerName,
		Type:        "router",
		RequiresKey: false,
		Capabilities: []string{
			"routes",
			"routes.contract_calls",
			"routes.execute",
			"tokens",
		},
		KeyEnvVarName: "BOUNDLESS_LIFI_API_KEY",
	}
}

type tokenJSON struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals int    `json:"decimals"`
	ChainID  int64  `json:"chainId"`
	PriceUSD string `json:"priceUSD"`
}

type routeJSON struct {
	ID          string            `json:"id"`
	FromChainID int64             `json:"fromChainId"`
	ToChainID   int64             `json:"toChainId"`
	FromAmount  string            `json:"fromAmount"`
	ToAmount    string            `json:"toAmount"`
	ToAmountMin string            `json:"toAmountMin"`
	ToAmountUSD string            `json:"toAmountUSD"`
	GasCostUSD  string            `json:"gasCostUSD"`
	FromToken   tokenJSON         `json:"fromToken"`
	ToToken     tokenJSON         `json:"toToken"`
	Steps       []json.RawMessage `json:"steps"`
}

type routesRequest struct {
	FromChainID      int64         `json:"fromChainId"`
	ToChainID        int64         `json:"toChainId"`
	FromTokenAddress string        `json:"fromTokenAddress"`
	ToTokenAddress   string        `json:"toTokenAddress"`
	FromAmount       string        `json:"fromAmount"`
	FromAddress      string        `json:"fromAddress"`
	ToAddress        string        `json:"toAddress"`
	Options          routesOptions `json:"options"`
}

type routesOptions struct {
	Slippage         float64 `json:"slippage"`
	Order            string  `json:"order"`
	AllowSwitchChain bool    `json:"allowSwitchChain"`
	Integrator       string  `json:"integrator"`
	Fee              float64 `json:"fee,omitempty"`
}

// Routes asks the advanced routes endpoint for paths, best first.
func (c *Client) Routes(ctx context.Context, req routing.RouteRequest) ([]model.Path, error) {
	if err := validateRouteRequest(req); err != nil {
		return nil, err
	}
	slippage, err := parseFraction(req.Slippage, registry.DefaultSlippage)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "parse slippage", err)
	}
	fee, _ := strconv.ParseFloat(c.fee, 64)
	body := routesRequest{
		FromChainID:      req.FromChainID,
		ToChainID:        req.ToChainID,
		FromTokenAddress: req.FromToken,
		ToTokenAddress:   req.ToToken,
		FromAmount:       req.FromAmount,
		FromAddress:      req.FromAddress,
		ToAddress:        firstNonEmpty(req.ToAddress, req.FromAddress),
		Options: routesOptions{
			Slippage:         slippage,
			Order:            registry.RouteOrder,
			AllowSwitchChain: true,
			Integrator:       c.integrator,
			Fee:              fee,
		},
	}
	var resp struct {
		Routes []json.RawMessage `json:"routes"`
	}
	if err := c.postJSON(ctx, "/advanced/routes", body, &resp); err != nil {
		return nil, err
	}

	paths := make([]model.Path, 0, len(resp.Routes))
	for _, raw := range resp.Routes {
		var route routeJSON
		if err := json.Unmarshal(raw, &route); err != nil {
			return nil, clierr.Wrap(clierr.CodeUnavailable, "decode lifi route", err)
		}
		path, err := routeToPath(route, raw)
		if err != nil {
			c.log.Debug().Err(err).Str("route", route.ID).Msg("dropping malformed route")
			continue
		}
		paths = append(paths, path)
	}
	c.log.Debug().
		Int64("from_chain", req.FromChainID).
		Int64("to_chain", req.ToChainID).
		Int("routes", len(paths)).
		Msg("lifi routes")
	return paths, nil
}

type contractCallsRequest struct {
	FromChain     int64              `json:"fromChain"`
	FromToken     string             `json:"fromToken"`
	FromAddress   string             `json:"fromAddress"`
	FromAmount    string             `json:"fromAmount"`
	ToChain       int64              `json:"toChain"`
	ToToken       string             `json:"toToken"`
	ContractCalls []contractCallJSON `json:"contractCalls"`
	Integrator    string             `json:"integrator"`
	Fee           float64            `json:"fee,omitempty"`
	Slippage      float64            `json:"slippage"`
}

type contractCallJSON struct {
	FromAmount         string `json:"fromAmount"`
	FromTokenAddress   string `json:"fromTokenAddress"`
	ToContractAddress  string `json:"toContractAddress"`
	ToContractCallData string `json:"toContractCallData"`
	ToContractGasLimit string `json:"toContractGasLimit"`
	ToApprovalAddress  string `json:"toApprovalAddress,omitempty"`
}

// QuoteContractCalls quotes a single step that bridges and then runs the
// requested destination call.
func (c *Client) QuoteContractCalls(ctx context.Context, req routing.ContractCallRequest) (model.Path, error) {
	if err := validateRouteRequest(req.RouteRequest); err != nil {
		return model.Path{}, err
	}
	if !common.IsHexAddress(req.ToContract) || strings.TrimSpace(req.ToContractCallData) == "" {
		return model.Path{}, clierr.New(clierr.CodeUsage, "contract call requires a target and calldata")
	}
	slippage, err := parseFraction(req.Slippage, registry.DefaultSlippage)
	if err != nil {
		return model.Path{}, clierr.Wrap(clierr.CodeUsage, "parse slippage", err)
	}
	fee, _ := strconv.ParseFloat(c.fee, 64)
	body := contractCallsRequest{
		FromChain:   req.FromChainID,
		FromToken:   req.FromToken,
		FromAddress: req.FromAddress,
		FromAmount:  req.FromAmount,
		ToChain:     req.ToChainID,
		ToToken:     req.ToToken,
		ContractCalls: []contractCallJSON{{
			FromAmount:         req.ToContractAmount,
			FromTokenAddress:   req.ToToken,
			ToContractAddress:  req.ToContract,
			ToContractCallData: req.ToContractCallData,
			ToContractGasLimit: req.ToContractGasLimit,
			ToApprovalAddress:  req.ToApprovalAddress,
		}},
		Integrator: c.integrator,
		Fee:        fee,
		Slippage:   slippage,
	}
	var raw json.RawMessage
	if err := c.postJSON(ctx, "/quote/contractCalls", body, &raw); err != nil {
		return model.Path{}, err
	}
	var step stepJSON
	if err := json.Unmarshal(raw, &step); err != nil {
		return model.Path{}, clierr.Wrap(clierr.CodeUnavailable, "decode lifi contract call quote", err)
	}
	if step.TransactionRequest == nil || strings.TrimSpace(step.TransactionRequest.Data) == "" {
		return model.Path{}, clierr.New(clierr.CodeUnavailable, "lifi contract call quote missing transaction payload")
	}
	wrapped, err := json.Marshal(struct {
		ID    string            `json:"id"`
		Steps []json.RawMessage `json:"steps"`
	}{ID: step.ID, Steps: []json.RawMessage{raw}})
	if err != nil {
		return model.Path{}, clierr.Wrap(clierr.CodeInternal, "encode contract call path", err)
	}
	return model.Path{
		ID:              step.ID,
		Provider:        providerName,
		FromChainID:     step.Action.FromChainID,
		ToChainID:       step.Action.ToChainID,
		FromToken:       step.Action.FromToken.Address,
		ToToken:         step.Action.ToToken.Address,
		FromAmount:      step.Action.FromAmount,
		ToAmount:        step.Estimate.ToAmount,
		ToAmountMin:     step.Estimate.ToAmountMin,
		ToAmountUSD:     parseUSD(step.Estimate.ToAmountUSD),
		GasCostUSD:      step.Estimate.gasUSD(),
		ToTokenDecimals: step.Action.ToToken.Decimals,
		ToTokenPriceUSD: parseUSD(step.Action.ToToken.PriceUSD),
		Tools:           []string{firstNonEmpty(step.ToolDetails.Key, step.Tool)},
		Steps:           1,
		Raw:             wrapped,
	}, nil
}

// SupportedTokens lists the tokens the router can move on each chain.
func (c *Client) SupportedTokens(ctx context.Context, chainIDs []int64) (map[int64][]model.SupportedToken, error) {
	if len(chainIDs) == 0 {
		return map[int64][]model.SupportedToken{}, nil
	}
	ids := make([]string, 0, len(chainIDs))
	for _, id := range chainIDs {
		ids = append(ids, strconv.FormatInt(id, 10))
	}
	vals := url.Values{}
	vals.Set("chains", strings.Join(ids, ","))
	hReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tokens?"+vals.Encode(), nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "build lifi tokens request", err)
	}
	c.setHeaders(hReq.Header)
	var resp struct {
		Tokens map[string][]tokenJSON `json:"tokens"`
	}
	_, err = c.http.DoJSON(ctx, hReq, &resp)
	c.observe(err)
	if err != nil {
		return nil, err
	}

	out := make(map[int64][]model.SupportedToken, len(resp.Tokens))
	for key, tokens := range resp.Tokens {
		chainID, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		list := make([]model.SupportedToken, 0, len(tokens))
		for _, tok := range tokens {
			list = append(list, model.SupportedToken{
				ChainID:  chainID,
				Address:  tok.Address,
				Symbol:   tok.Symbol,
				Name:     tok.Name,
				Decimals: tok.Decimals,
				PriceUSD: tok.PriceUSD,
			})
		}
		sort.Slice(list, func(i, j int) bool { return strings.ToLower(list[i].Address) < strings.ToLower(list[j].Address) })
		out[chainID] = list
	}
	return out, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "encode lifi request", err)
	}
	headers := map[string]string{"x-lifi-api-key": c.apiKey}
	_, err = c.http.SendJSON(ctx, http.MethodPost, c.baseURL+path, buf, headers, out)
	c.observe(err)
	return err
}

func (c *Client) setHeaders(h http.Header) {
	if c.apiKey != "" {
		h.Set("x-lifi-api-key", c.apiKey)
	}
}

func (c *Client) observe(err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.metrics.ProviderRequest(providerName, status)
}

func routeToPath(route routeJSON, raw json.RawMessage) (model.Path, error) {
	if strings.TrimSpace(route.ToAmount) == "" {
		return model.Path{}, clierr.New(clierr.CodeUnavailable, "route missing output amount")
	}
	if len(route.Steps) == 0 {
		return model.Path{}, clierr.New(clierr.CodeUnavailable, "route has no steps")
	}
	tools := make([]string, 0, len(route.Steps))
	for _, rawStep := range route.Steps {
		var step stepJSON
		if err := json.Unmarshal(rawStep, &step); err != nil {
			return model.Path{}, err
		}
		tools = append(tools, firstNonEmpty(step.ToolDetails.Key, step.Tool))
	}
	return model.Path{
		ID:              route.ID,
		Provider:        providerName,
		FromChainID:     route.FromChainID,
		ToChainID:       route.ToChainID,
		FromToken:       route.FromToken.Address,
		ToToken:         route.ToToken.Address,
		FromAmount:      route.FromAmount,
		ToAmount:        route.ToAmount,
		ToAmountMin:     route.ToAmountMin,
		ToAmountUSD:     parseUSD(route.ToAmountUSD),
		GasCostUSD:      parseUSD(route.GasCostUSD),
		ToTokenDecimals: route.ToToken.Decimals,
		ToTokenPriceUSD: parseUSD(route.ToToken.PriceUSD),
		Tools:           tools,
		Steps:           len(route.Steps),
		Raw:             raw,
	}, nil
}

func validateRouteRequest(req routing.RouteRequest) error {
	if req.FromChainID <= 0 || req.ToChainID <= 0 {
		return clierr.New(clierr.CodeUsage, "route request requires source and destination chains")
	}
	if !common.IsHexAddress(req.FromToken) || !common.IsHexAddress(req.ToToken) {
		return clierr.New(clierr.CodeUsage, "route request requires token addresses")
	}
	if !common.IsHexAddress(req.FromAddress) {
		return clierr.New(clierr.CodeUsage, "route request requires a valid sender address")
	}
	if req.ToAddress != "" && !common.IsHexAddress(req.ToAddress) {
		return clierr.New(clierr.CodeUsage, "route request recipient must be a valid address")
	}
	amt, err := decimal.NewFromString(strings.TrimSpace(req.FromAmount))
	if err != nil || !amt.IsInteger() || !amt.IsPositive() {
		return clierr.New(clierr.CodeUsage, "route request amount must be a positive base-unit integer")
	}
	return nil
}

func parseFraction(v, fallback string) (float64, error) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		clean = fallback
	}
	f, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return 0, err
	}
	if f <= 0 || f >= 1 {
		return 0, strconv.ErrRange
	}
	return f, nil
}

func parseUSD(v string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
