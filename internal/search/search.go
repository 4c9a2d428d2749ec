// Package search issues the single shopping-search call a request gets,
// merging, filtering, sorting, and truncating the response into a
// candidate list. The raw response is returned alongside so callers can
// persist it for diagnostics and resumption.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/andresfleao/revaluation-quote-pipeline/internal/domainpolicy"
	"github.com/andresfleao/revaluation-quote-pipeline/internal/models"
	"github.com/andresfleao/revaluation-quote-pipeline/internal/priceparse"
	"github.com/andresfleao/revaluation-quote-pipeline/pkg/httpx"
)

// ResponseCache is the raw-response cache seam (internal/cache.SearchResponseCache
// satisfies it); nil disables caching.
type ResponseCache interface {
	Get(ctx context.Context, query string) ([]byte, error)
	Set(ctx context.Context, query string, raw []byte) error
}

// Item is one raw shopping-search result.
type Item struct {
	Title            string `json:"title"`
	Price            string `json:"price"`
	ExtractedPrice   float64 `json:"extracted_price"`
	Source           string `json:"source"`
	DeepLookupHandle string `json:"product_id,omitempty"`
	ProductLink      string `json:"product_link,omitempty"`
	Link             string `json:"link,omitempty"`
}

// Response is the fixed two-array shape the shopping-search engine returns.
type Response struct {
	ShoppingResults       []Item `json:"shopping_results"`
	InlineShoppingResults []Item `json:"inline_shopping_results"`
}

// Transport performs the single outbound HTTP call; implementations live
// outside this module (e.g. a SerpAPI-compatible client). Kept narrow so
// tests can substitute a fake.
type Transport interface {
	Search(ctx context.Context, query, location, locale string) (raw []byte, err error)
}

// Provider is SearchProvider.
type Provider struct {
	transport Transport
	policy    *domainpolicy.BlockedSet
	limiter   *httpx.Limiter
	breakers  *httpx.BreakerRegistry
	cache     ResponseCache
}

// New builds a Provider. In cmd/worker the breaker registry is shared with
// DeepLookupProvider, while each provider gets its own limiter.
func New(transport Transport, blocked *domainpolicy.BlockedSet, limiter *httpx.Limiter, breakers *httpx.BreakerRegistry) *Provider {
	return &Provider{transport: transport, policy: blocked, limiter: limiter, breakers: breakers}
}

// WithCache attaches a raw-response cache, checked before every outbound
// call and populated after a successful one — repeated identical queries
// within the cache's TTL skip the external call entirely.
func (p *Provider) WithCache(cache ResponseCache) *Provider {
	p.cache = cache
	return p
}

// Search issues the single call for cfg.Location/cfg.Locale, retries
// 429/5xx with backoff up to retries times, and returns the raw response
// plus the derived, filtered candidate list.
func (p *Provider) Search(ctx context.Context, query, location, locale string, maxValidProducts, retries int) ([]byte, []models.Candidate, error) {
	cacheKey := location + "|" + locale + "|" + query

	if p.cache != nil {
		if cached, err := p.cache.Get(ctx, cacheKey); err == nil {
			var resp Response
			if err := json.Unmarshal(cached, &resp); err == nil {
				return cached, p.deriveCandidates(resp, maxValidProducts), nil
			}
		}
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, nil, fmt.Errorf("search: rate limiter: %w", err)
	}

	var raw []byte
	cfg := httpx.DefaultRetryConfig(retries)
	err := httpx.WithBackoff(ctx, cfg, func() error {
		result, err := p.breakers.Execute("search", func() (any, error) {
			return p.transport.Search(ctx, query, location, locale)
		})
		if err != nil {
			return err
		}
		raw = result.([]byte)
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("search: exhausted: %w", err)
	}

	if p.cache != nil {
		if err := p.cache.Set(ctx, cacheKey, raw); err != nil {
			// cache population failure never fails the search itself.
			_ = err
		}
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return raw, nil, fmt.Errorf("search: decode response: %w", err)
	}

	candidates := p.deriveCandidates(resp, maxValidProducts)
	return raw, candidates, nil
}

// CandidatesFromRaw re-derives the candidate list from a previously
// persisted raw response — used on resume when the stashed candidate list
// is missing but the response survived. Deterministic for a fixed raw
// response and blocked set, so a resumed run sees the same list and
// ordering the original run derived.
func (p *Provider) CandidatesFromRaw(raw []byte, maxValidProducts int) ([]models.Candidate, error) {
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("search: decode persisted response: %w", err)
	}
	return p.deriveCandidates(resp, maxValidProducts), nil
}

var listingPathMarkers = []string{"/busca/", "/search/", "/categoria/", "/colecao/"}

func (p *Provider) deriveCandidates(resp Response, maxValidProducts int) []models.Candidate {
	merged := append(append([]Item{}, resp.ShoppingResults...), resp.InlineShoppingResults...)

	filtered := make([]models.Candidate, 0, len(merged))
	for i, item := range merged {
		price, err := resolvePrice(item)
		if err != nil {
			continue
		}

		link := item.ProductLink
		if link == "" {
			link = item.Link
		}
		if link == "" {
			continue
		}

		host := hostOf(link)
		if host != "" && p.policy.IsBlocked(host) {
			continue
		}
		if isListingOnly(link) {
			continue
		}

		filtered = append(filtered, models.Candidate{
			ID:               fmt.Sprintf("cand-%d", i),
			Title:            item.Title,
			ListingPrice:     price,
			SourceName:       item.Source,
			DeepLookupHandle: item.DeepLookupHandle,
			ProductLink:      link,
			Position:         i,
		})
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].ListingPrice.LessThan(filtered[j].ListingPrice)
	})

	if len(filtered) > maxValidProducts {
		filtered = filtered[:maxValidProducts]
	}
	return filtered
}

func resolvePrice(item Item) (decimal.Decimal, error) {
	if item.ExtractedPrice > 0 {
		return decimal.NewFromFloat(item.ExtractedPrice), nil
	}
	if item.Price == "" {
		return decimal.Zero, fmt.Errorf("search: item %q has no price", item.Title)
	}
	return priceparse.Parse(item.Price)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func isListingOnly(link string) bool {
	for _, marker := range listingPathMarkers {
		if strings.Contains(link, marker) {
			return true
		}
	}
	return strings.Contains(link, "?q=")
}
