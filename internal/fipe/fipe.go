// Package fipe defines the integration seam for the vehicle price-lookup
// path. The pipeline treats a FIPE result as a single direct observation
// bypassing the block engine entirely.
package fipe

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/andresfleao/revaluation-quote-pipeline/internal/models"
)

// Result is the single price point FIPE returns for a vehicle query.
type Result struct {
	Price     decimal.Decimal
	Reference string // FIPE code / table reference, opaque to the core
}

// Lookup is consumed by RequestOrchestrator when Natureza.IsVeiculo().
type Lookup interface {
	Lookup(ctx context.Context, query string, natureza models.Natureza) (Result, error)
}

// ToQuoteSource converts a FIPE result into the single accepted
// observation for a vehicle request.
func ToQuoteSource(r Result) models.QuoteSource {
	return models.QuoteSource{
		URL:              "fipe:" + r.Reference,
		Domain:           "fipe.org.br",
		PriceValue:       r.Price,
		Currency:         "BRL",
		ExtractionMethod: models.MethodAPIFipe,
		IsAccepted:       true,
	}
}
