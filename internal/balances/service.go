// Package balances aggregates a wallet's holdings across the supported chains
// and narrows them to tokens the router can move.
package balances

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/Michael-Nwachukwu/boundless/internal/cache"
	"github.com/Michael-Nwachukwu/boundless/internal/model"
	"github.com/Michael-Nwachukwu/boundless/internal/providers"
	"github.com/Michael-Nwachukwu/boundless/internal/registry"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	clierr "github.com/Michael-Nwachukwu/boundless/internal/errors"
)

const (
	DefaultBalanceTTL = 60 * time.Second
	DefaultTokenTTL   = 5 * time.Minute

	balancesNamespace = "balances"
	tokensNamespace   = "tokens"
)

// Cache is the subset of the sqlite store the service needs.
type Cache interface {
	GetJSON(key string, maxStale time.Duration, out any) (cache.Result, error)
	SetJSON(key string, value any, ttl time.Duration) error
}

type Config struct {
	BalanceTTL time.Duration
	TokenTTL   time.Duration
	// MaxStale bounds how old a cached snapshot may be when the indexer
	// fails. Negative means unbounded.
	MaxStale time.Duration
	NoStale  bool
}

type Service struct {
	indexer providers.BalanceProvider
	tokens  providers.TokenLister
	cache   Cache
	cfg     Config
	log     zerolog.Logger
}

// New builds a Service. tokens and store may be nil: without a lister no
// routability filter is applied, without a store every call goes upstream.
func New(indexer providers.BalanceProvider, tokens providers.TokenLister, store Cache, cfg Config, log zerolog.Logger) *Service {
	if cfg.BalanceTTL <= 0 {
		cfg.BalanceTTL = DefaultBalanceTTL
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	return &Service{indexer: indexer, tokens: tokens, cache: store, cfg: cfg, log: log}
}

type FetchOptions struct {
	// Refresh skips the cached snapshot but still writes the fresh one.
	Refresh bool
	// Chain limits the result to one chain when set.
	Chain string
}

type ChainTotal struct {
	ChainID  int64           `json:"chain_id"`
	Chain    string          `json:"chain"`
	USDValue decimal.Decimal `json:"usd_value"`
	Assets   int             `json:"assets"`
}

type Snapshot struct {
	Wallet   string            `json:"wallet"`
	Balances []model.Balance   `json:"balances"`
	TotalUSD decimal.Decimal   `json:"total_usd"`
	ByChain  []ChainTotal      `json:"by_chain"`
	Cache    model.CacheStatus `json:"-"`
	Warnings []string          `json:"-"`
}

// Fetch returns the wallet's routable balances. A fresh cached snapshot is
// served without calling the indexer; when the indexer is unavailable or
// rate limited a stale snapshot within MaxStale is served with a warning.
func (s *Service) Fetch(ctx context.Context, address string, opts FetchOptions) (Snapshot, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return Snapshot{}, clierr.New(clierr.CodeUsage, "balances require a valid wallet address")
	}
	filterChain := int64(0)
	if strings.TrimSpace(opts.Chain) != "" {
		chain, ok := registry.LookupChain(opts.Chain)
		if !ok {
			return Snapshot{}, clierr.New(clierr.CodeUnsupported, "unsupported chain "+opts.Chain)
		}
		filterChain = chain.ID
	}

	raw, status, warnings, err := s.walletBalances(ctx, address, opts.Refresh)
	if err != nil {
		return Snapshot{}, err
	}

	chainIDs := chainsOf(raw)
	supported, err := s.supportedTokens(ctx, chainIDs)
	if err != nil {
		s.log.Warn().Err(err).Msg("supported token list unavailable")
		warnings = append(warnings, "router token list unavailable; balances are not filtered by routability")
	}

	kept := make([]model.Balance, 0, len(raw))
	for _, bal := range raw {
		id, ok := bal.ChainID()
		if !ok {
			continue
		}
		if filterChain != 0 && id != filterChain {
			continue
		}
		if supported != nil && !routable(bal, id, supported) {
			s.log.Debug().Str("symbol", bal.Asset.Symbol).Str("chain", bal.Chain).Msg("dropping unroutable token")
			continue
		}
		kept = append(kept, bal)
	}

	snap := summarize(address, kept)
	snap.Cache = status
	snap.Warnings = warnings
	return snap, nil
}

func (s *Service) walletBalances(ctx context.Context, address string, refresh bool) ([]model.Balance, model.CacheStatus, []string, error) {
	status := model.CacheStatus{Status: "miss"}
	if s.cache == nil {
		status.Status = "bypass"
	}
	key := cache.Key(balancesNamespace, strings.ToLower(address))

	var stale []model.Balance
	var staleStatus model.CacheStatus
	haveStale := false
	if s.cache != nil {
		var cached []model.Balance
		res, err := s.cache.GetJSON(key, s.cfg.MaxStale, &cached)
		if err == nil && res.Hit {
			entry := model.CacheStatus{Status: "hit", AgeMS: res.Age.Milliseconds(), Stale: res.Stale}
			switch {
			case !res.Stale && !refresh:
				return cached, entry, nil, nil
			case !res.TooStale:
				stale, staleStatus, haveStale = cached, entry, true
			}
		}
	}

	fresh, err := s.indexer.WalletBalances(ctx, address)
	if err != nil {
		if haveStale && staleFallbackAllowed(err) {
			if s.cfg.NoStale {
				return nil, status, nil, clierr.Wrap(clierr.CodeStale, "fresh balance fetch failed and stale fallback is disabled", err)
			}
			s.log.Warn().Err(err).Int64("age_ms", staleStatus.AgeMS).Msg("serving stale balances")
			return stale, staleStatus, []string{"balance indexer failed; serving stale data within max-stale budget"}, nil
		}
		return nil, status, nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetJSON(key, fresh, s.cfg.BalanceTTL); err != nil {
			s.log.Debug().Err(err).Msg("balance cache write failed")
		} else {
			status = model.CacheStatus{Status: "write"}
		}
	}
	return fresh, status, nil, nil
}

// supportedTokens returns the router's token list keyed by chain id and
// lower-cased address. A nil map means no filter should be applied.
func (s *Service) supportedTokens(ctx context.Context, chainIDs []int64) (map[int64]map[string]struct{}, error) {
	if s.tokens == nil || len(chainIDs) == 0 {
		return nil, nil
	}
	key := cache.Key(tokensNamespace, chainIDs)
	var lists map[int64][]model.SupportedToken
	fromCache := false
	if s.cache != nil {
		res, err := s.cache.GetJSON(key, 0, &lists)
		fromCache = err == nil && res.Hit && !res.Stale
	}
	if !fromCache {
		fetched, err := s.tokens.SupportedTokens(ctx, chainIDs)
		if err != nil {
			return nil, err
		}
		lists = fetched
		if s.cache != nil {
			_ = s.cache.SetJSON(key, lists, s.cfg.TokenTTL)
		}
	}

	out := make(map[int64]map[string]struct{}, len(lists))
	for chainID, tokens := range lists {
		set := make(map[string]struct{}, len(tokens))
		for _, tok := range tokens {
			set[strings.ToLower(tok.Address)] = struct{}{}
		}
		out[chainID] = set
	}
	return out, nil
}

// routable keeps native gas tokens, balances on chains the list does not
// cover, and tokens the list names.
func routable(bal model.Balance, chainID int64, supported map[int64]map[string]struct{}) bool {
	if bal.Asset.Token.IsNative() {
		return true
	}
	set, ok := supported[chainID]
	if !ok {
		return true
	}
	_, ok = set[strings.ToLower(bal.Asset.Token.Address)]
	return ok
}

func chainsOf(bals []model.Balance) []int64 {
	seen := map[int64]struct{}{}
	var ids []int64
	for _, bal := range bals {
		id, ok := bal.ChainID()
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func summarize(wallet string, bals []model.Balance) Snapshot {
	snap := Snapshot{Wallet: wallet, Balances: bals, TotalUSD: decimal.Zero}
	byChain := map[int64]*ChainTotal{}
	for _, bal := range bals {
		snap.TotalUSD = snap.TotalUSD.Add(bal.USDValue)
		id, _ := bal.ChainID()
		ct, ok := byChain[id]
		if !ok {
			slug := bal.Chain
			if chain, found := registry.ChainByID(id); found {
				slug = chain.Slug
			}
			ct = &ChainTotal{ChainID: id, Chain: slug, USDValue: decimal.Zero}
			byChain[id] = ct
		}
		ct.USDValue = ct.USDValue.Add(bal.USDValue)
		ct.Assets++
	}
	for _, ct := range byChain {
		snap.ByChain = append(snap.ByChain, *ct)
	}
	sort.Slice(snap.ByChain, func(i, j int) bool {
		if c := snap.ByChain[i].USDValue.Cmp(snap.ByChain[j].USDValue); c != 0 {
			return c > 0
		}
		return snap.ByChain[i].ChainID < snap.ByChain[j].ChainID
	})
	if snap.Balances == nil {
		snap.Balances = []model.Balance{}
	}
	return snap
}

func staleFallbackAllowed(err error) bool {
	cErr, ok := clierr.As(err)
	if !ok {
		return false
	}
	return cErr.Code == clierr.CodeUnavailable || cErr.Code == clierr.CodeRateLimited
}
