package deeplookup

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresfleao/revaluation-quote-pipeline/internal/domainpolicy"
	"github.com/andresfleao/revaluation-quote-pipeline/internal/models"
	"github.com/andresfleao/revaluation-quote-pipeline/pkg/httpx"
)

type fakeTransport struct {
	raw []byte
	err error
}

func (f *fakeTransport) Lookup(ctx context.Context, handle string) ([]byte, error) {
	return f.raw, f.err
}

func newProvider(raw []byte, err error) *Provider {
	transport := &fakeTransport{raw: raw, err: err}
	return New(transport, httpx.NewLimiter(100, 10), httpx.NewBreakerRegistry(nil))
}

func newPolicy() *domainpolicy.Policy {
	return domainpolicy.New(domainpolicy.NewBlockedSet())
}

func candidate(handle, link string, listing int64) models.Candidate {
	return models.Candidate{
		ID:               "cand-0",
		DeepLookupHandle: handle,
		ProductLink:      link,
		ListingPrice:     decimal.NewFromInt(listing),
	}
}

func TestBestOfferWithoutHandleUsesProductLink(t *testing.T) {
	p := newProvider(nil, nil)

	url, err := p.BestOffer(context.Background(), candidate("", "https://lojaboa.com.br/produto/1", 100), newPolicy(), 3)
	require.NoError(t, err)
	assert.Equal(t, "https://lojaboa.com.br/produto/1", url)
}

func TestBestOfferWithoutHandleOrLink(t *testing.T) {
	p := newProvider(nil, nil)

	_, err := p.BestOffer(context.Background(), candidate("", "", 100), newPolicy(), 3)
	assert.ErrorIs(t, err, ErrNoStoreLink)
}

func TestBestOfferWithoutHandleRejectedLink(t *testing.T) {
	p := newProvider(nil, nil)

	_, err := p.BestOffer(context.Background(), candidate("", "https://www.amazon.com.br/dp/B0", 100), newPolicy(), 3)
	assert.ErrorIs(t, err, ErrNoStoreLink)
}

func TestBestOfferPicksFirstValidatedAcceptableOffer(t *testing.T) {
	raw := []byte(`{
		"product_results": {
			"stores": [
				{"name": "Loja Cara", "link": "https://lojacara.com.br/p/1", "extracted_price": 180},
				{"name": "Loja Bloqueada", "link": "https://loja.amazon.com.br/p/2", "extracted_price": 102},
				{"name": "Loja Boa", "link": "https://lojaboa.com.br/p/3", "extracted_price": 105}
			]
		},
		"online_sellers": []
	}`)
	p := newProvider(raw, nil)

	url, err := p.BestOffer(context.Background(), candidate("h1", "", 100), newPolicy(), 3)
	require.NoError(t, err)
	// 180 is out of the 15% tolerance band around 100; the blocked domain is
	// skipped even though its price validates.
	assert.Equal(t, "https://lojaboa.com.br/p/3", url)
}

func TestBestOfferFallsThroughToOnlineSellers(t *testing.T) {
	raw := []byte(`{
		"product_results": {"stores": []},
		"online_sellers": [
			{"name": "Vendedor", "link": "https://vendedor.com.br/p/9", "extracted_price": 95}
		]
	}`)
	p := newProvider(raw, nil)

	url, err := p.BestOffer(context.Background(), candidate("h1", "", 100), newPolicy(), 3)
	require.NoError(t, err)
	assert.Equal(t, "https://vendedor.com.br/p/9", url)
}

func TestBestOfferAllOffersOutOfTolerance(t *testing.T) {
	raw := []byte(`{
		"product_results": {
			"stores": [
				{"name": "A", "link": "https://a.com.br/p", "extracted_price": 300},
				{"name": "B", "link": "https://b.com.br/p", "extracted_price": 50}
			]
		},
		"online_sellers": []
	}`)
	p := newProvider(raw, nil)

	_, err := p.BestOffer(context.Background(), candidate("h1", "", 100), newPolicy(), 3)
	assert.ErrorIs(t, err, ErrNoStoreLink)
}

func TestBestOfferTransportError(t *testing.T) {
	p := newProvider(nil, errors.New("connection refused"))

	_, err := p.BestOffer(context.Background(), candidate("h1", "", 100), newPolicy(), 3)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoStoreLink)
}

func TestWithinTolerance(t *testing.T) {
	listing := decimal.NewFromInt(100)

	assert.True(t, withinTolerance(listing, decimal.NewFromInt(115)))
	assert.True(t, withinTolerance(listing, decimal.NewFromInt(85)))
	assert.False(t, withinTolerance(listing, decimal.NewFromFloat(115.01)))
	assert.False(t, withinTolerance(decimal.Zero, decimal.NewFromInt(10)))
}
