// Package deeplookup resolves a shopping-search candidate to concrete
// store offers via a per-candidate API call, validating each offer against
// the candidate's listing price with a 15% tolerance.
package deeplookup

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/andresfleao/revaluation-quote-pipeline/internal/domainpolicy"
	"github.com/andresfleao/revaluation-quote-pipeline/internal/models"
	"github.com/andresfleao/revaluation-quote-pipeline/pkg/httpx"
)

// tolerance is the maximum fractional deviation between an offer price and
// the candidate's listing price before the offer is discarded.
var tolerance = decimal.NewFromFloat(0.15)

// Offer is one store offer returned by the deep-lookup API.
type Offer struct {
	Name           string  `json:"name"`
	Link           string  `json:"link"`
	ExtractedPrice float64 `json:"extracted_price"`
}

// apiResponse mirrors the lookup endpoint's response shape.
type apiResponse struct {
	ProductResults struct {
		Stores []Offer `json:"stores"`
	} `json:"product_results"`
	OnlineSellers []Offer `json:"online_sellers"`
}

// Transport performs the outbound per-candidate call.
type Transport interface {
	Lookup(ctx context.Context, handle string) (raw []byte, err error)
}

// Provider is DeepLookupProvider.
type Provider struct {
	transport Transport
	limiter   *httpx.Limiter
	breakers  *httpx.BreakerRegistry
}

// New builds a Provider.
func New(transport Transport, limiter *httpx.Limiter, breakers *httpx.BreakerRegistry) *Provider {
	return &Provider{transport: transport, limiter: limiter, breakers: breakers}
}

// BestOffer returns the first validated, domain-acceptable offer for the
// candidate. If the candidate carries no deep-lookup handle, its
// ProductLink is treated as a single-offer result.
func (p *Provider) BestOffer(ctx context.Context, candidate models.Candidate, policy *domainpolicy.Policy, retries int) (string, error) {
	if candidate.DeepLookupHandle == "" {
		if candidate.ProductLink == "" {
			return "", fmt.Errorf("deeplookup: %w", ErrNoStoreLink)
		}
		if policy.Check(candidate.ProductLink) == "" {
			return candidate.ProductLink, nil
		}
		return "", fmt.Errorf("deeplookup: %w", ErrNoStoreLink)
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("deeplookup: rate limiter: %w", err)
	}

	var raw []byte
	cfg := httpx.DefaultRetryConfig(retries)
	err := httpx.WithBackoff(ctx, cfg, func() error {
		result, err := p.breakers.Execute("deeplookup", func() (any, error) {
			return p.transport.Lookup(ctx, candidate.DeepLookupHandle)
		})
		if err != nil {
			return err
		}
		raw = result.([]byte)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("deeplookup: exhausted: %w", err)
	}

	var resp apiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("deeplookup: decode: %w", err)
	}

	offers := append(append([]Offer{}, resp.ProductResults.Stores...), resp.OnlineSellers...)
	for _, offer := range offers {
		if !withinTolerance(candidate.ListingPrice, decimal.NewFromFloat(offer.ExtractedPrice)) {
			continue
		}
		if policy.Check(offer.Link) == "" {
			return offer.Link, nil
		}
	}

	return "", fmt.Errorf("deeplookup: %w", ErrNoStoreLink)
}

func withinTolerance(listing, offer decimal.Decimal) bool {
	if listing.IsZero() {
		return false
	}
	diff := offer.Sub(listing).Abs()
	ratio := diff.Div(listing)
	return ratio.LessThanOrEqual(tolerance)
}

// ErrNoStoreLink is returned when no acceptable offer exists for a
// candidate, mapping to FailureReason NO_STORE_LINK in the acquisition
// path.
var ErrNoStoreLink = fmt.Errorf("no acceptable store offer")
