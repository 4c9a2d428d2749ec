// Package acquisition processes a single candidate end to end: clean the
// URL, enforce domain policy, resolve a concrete store offer, render the
// store page, extract and cross-validate the price, and produce either an
// accepted observation or a classified failure.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"github.com/andresfleao/revaluation-quote-pipeline/internal/domainpolicy"
	"github.com/andresfleao/revaluation-quote-pipeline/internal/extract"
	"github.com/andresfleao/revaluation-quote-pipeline/internal/models"
	"github.com/andresfleao/revaluation-quote-pipeline/internal/render"
	"github.com/andresfleao/revaluation-quote-pipeline/internal/urlclean"
	"github.com/andresfleao/revaluation-quote-pipeline/pkg/logger"
)

var priceMismatchTolerance = decimal.NewFromFloat(0.15)

// Outcome is the result of processing one candidate: exactly one of Source
// or Failure is populated. A Worker writes at most one QuoteSource and at
// most one QuoteSourceFailure per invocation.
type Outcome struct {
	Source  *models.QuoteSource
	Failure *models.QuoteSourceFailure
}

// OfferFinder resolves a candidate to a concrete, policy-acceptable store
// offer URL. *deeplookup.Provider is the production implementation.
type OfferFinder interface {
	BestOffer(ctx context.Context, candidate models.Candidate, policy *domainpolicy.Policy, retries int) (string, error)
}

// Renderer loads a store page and writes its screenshot.
// *render.Engine is the production implementation.
type Renderer interface {
	Render(ctx context.Context, url, screenshotPath string) (*render.RenderedPage, error)
}

// Worker is AcquisitionWorker.
type Worker struct {
	deepLookup    OfferFinder
	renderEngine  Renderer
	screenshotDir string
	log           *logger.Logger
}

// New builds a Worker.
func New(deepLookup OfferFinder, renderEngine Renderer, screenshotDir string, log *logger.Logger) *Worker {
	return &Worker{deepLookup: deepLookup, renderEngine: renderEngine, screenshotDir: screenshotDir, log: log}
}

// Process runs the full per-candidate path for one candidate against the
// given request config and domain policy (shared across a request's
// candidates so the duplicate-domain and accepted-url invariants hold).
func (w *Worker) Process(ctx context.Context, requestID string, candidate models.Candidate, policy *domainpolicy.Policy, cfg models.Config, retries int) Outcome {
	now := time.Now()

	// Step 1: URL clean.
	cleanedURL := candidate.ProductLink
	if cleanedURL != "" {
		cleanedURL = urlclean.Clean(cleanedURL)
	}

	// Step 2: domain policy pre-check (skipped for deep-lookup-driven
	// candidates without a direct link yet; deep-lookup re-checks policy
	// on whichever offer link it returns).
	if cleanedURL != "" {
		if reason := policy.Check(cleanedURL); reason != "" {
			return failureOutcome(cleanedURL, reason, "", now)
		}
	}

	// Step 3: deep-lookup.
	offerURL, err := w.deepLookup.BestOffer(ctx, candidate, policy, retries)
	if err != nil {
		return failureOutcome(cleanedURL, models.FailureNoStoreLink, err.Error(), now)
	}
	offerURL = urlclean.Clean(offerURL)
	domain := hostOf(offerURL)

	if !cfg.EnablePriceMismatchValidation {
		// Accept the listing price directly, skip render+extract.
		src := &models.QuoteSource{
			URL:              offerURL,
			Domain:           domain,
			PriceValue:       candidate.ListingPrice,
			Currency:         "BRL",
			ExtractionMethod: models.MethodGoogleShopping,
			CapturedAt:       now,
			IsAccepted:       true,
		}
		policy.MarkAccepted(offerURL)
		return Outcome{Source: src}
	}

	// Step 4: render.
	screenshotPath := filepath.Join(w.screenshotDir, fmt.Sprintf("%s-%s.png", requestID, candidate.ID))
	page, err := w.renderEngine.Render(ctx, offerURL, screenshotPath)
	if err != nil {
		var rerr *render.RenderError
		if errors.As(err, &rerr) {
			switch rerr.Kind {
			case render.ErrLoadTimeout:
				return failureOutcome(offerURL, models.FailureTimeout, err.Error(), now)
			case render.ErrBlockedBySite:
				return failureOutcome(offerURL, models.FailureBlockedBySite, err.Error(), now)
			default:
				return failureOutcome(offerURL, models.FailurePageLoadError, err.Error(), now)
			}
		}
		return failureOutcome(offerURL, models.FailureNetworkError, err.Error(), now)
	}

	// Step 5: extract price.
	result, ok := extract.FromPage(page)
	if !ok {
		return failureOutcome(offerURL, models.FailurePriceExtractionFailed, "no layer produced a price", now)
	}
	if result.Price.LessThanOrEqual(decimal.Zero) {
		return failureOutcome(offerURL, models.FailureInvalidPrice, result.Price.String(), now)
	}

	// Step 6: cross-validate.
	if mismatch(candidate.ListingPrice, result.Price) {
		listing := candidate.ListingPrice
		extracted := result.Price
		return Outcome{Failure: &models.QuoteSourceFailure{
			URL:            offerURL,
			Domain:         domain,
			GooglePrice:    &listing,
			ExtractedPrice: &extracted,
			FailureReason:  models.FailurePriceMismatch,
			AttemptedAt:    now,
		}}
	}

	// Step 7: persist.
	policy.MarkAccepted(offerURL)
	return Outcome{Source: &models.QuoteSource{
		URL:              offerURL,
		Domain:           domain,
		PageTitle:        candidate.Title,
		PriceValue:       result.Price,
		Currency:         "BRL",
		ExtractionMethod: result.Method,
		ScreenshotFileID: screenshotPath,
		CapturedAt:       now,
		IsAccepted:       true,
	}}
}

func mismatch(listing, extracted decimal.Decimal) bool {
	if listing.IsZero() {
		return true
	}
	diff := extracted.Sub(listing).Abs()
	ratio := diff.Div(listing)
	return ratio.GreaterThan(priceMismatchTolerance)
}

func failureOutcome(url string, reason models.FailureReason, message string, at time.Time) Outcome {
	return Outcome{Failure: &models.QuoteSourceFailure{
		URL:           url,
		Domain:        hostOf(url),
		FailureReason: reason,
		ErrorMessage:  message,
		AttemptedAt:   at,
	}}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
