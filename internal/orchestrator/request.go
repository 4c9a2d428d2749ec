// Package orchestrator wires the leaf subsystems (checkpoint, search,
// deep-lookup, block engine, acquisition) into the two top-level drivers:
// RequestOrchestrator, which takes one request from claim to a terminal
// status, and BatchOrchestrator, which fans out over a batch's requests
// with bounded concurrency.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/andresfleao/revaluation-quote-pipeline/internal/acquisition"
	"github.com/andresfleao/revaluation-quote-pipeline/internal/blockengine"
	"github.com/andresfleao/revaluation-quote-pipeline/internal/checkpoint"
	"github.com/andresfleao/revaluation-quote-pipeline/internal/domainpolicy"
	"github.com/andresfleao/revaluation-quote-pipeline/internal/fipe"
	"github.com/andresfleao/revaluation-quote-pipeline/internal/metrics"
	"github.com/andresfleao/revaluation-quote-pipeline/internal/models"
	"github.com/andresfleao/revaluation-quote-pipeline/internal/queryanalyzer"
	"github.com/andresfleao/revaluation-quote-pipeline/internal/search"
	"github.com/andresfleao/revaluation-quote-pipeline/pkg/logger"
)

// Dispatcher processes one candidate end to end. *acquisition.Worker is the
// production implementation; tests substitute a fake.
type Dispatcher interface {
	Process(ctx context.Context, requestID string, candidate models.Candidate, policy *domainpolicy.Policy, cfg models.Config, retries int) acquisition.Outcome
}

// SourceWriter persists rejected attempts as the engine produces them —
// RequestOrchestrator writes through this on every dispatch rather than
// buffering until finalization, so diagnostics survive a crash mid-run.
type SourceWriter interface {
	SaveFailure(ctx context.Context, requestID string, f models.QuoteSourceFailure) error
}

// RequestOrchestrator is the top-level per-request driver.
type RequestOrchestrator struct {
	checkpoints *checkpoint.Manager
	analyzer    queryanalyzer.Analyzer
	searchSvc   *search.Provider
	fipeSvc     fipe.Lookup
	blocked     *domainpolicy.BlockedSet
	engine      *blockengine.Engine
	dispatcher  Dispatcher
	sources     SourceWriter
	log         *logger.Logger
}

// New builds a RequestOrchestrator.
func New(
	checkpoints *checkpoint.Manager,
	analyzer queryanalyzer.Analyzer,
	searchSvc *search.Provider,
	fipeSvc fipe.Lookup,
	blocked *domainpolicy.BlockedSet,
	engine *blockengine.Engine,
	dispatcher Dispatcher,
	sources SourceWriter,
	log *logger.Logger,
) *RequestOrchestrator {
	return &RequestOrchestrator{
		checkpoints: checkpoints,
		analyzer:    analyzer,
		searchSvc:   searchSvc,
		fipeSvc:     fipeSvc,
		blocked:     blocked,
		engine:      engine,
		dispatcher:  dispatcher,
		sources:     sources,
		log:         log,
	}
}

// Run drives req from its persisted state to a terminal status. The entry
// stage is re-derived via checkpoint.ResumePoint after the claim, so a
// crashed request resumes correctly no matter which path re-enqueued it.
func (o *RequestOrchestrator) Run(ctx context.Context, req *models.QuoteRequest) error {
	switch req.Status {
	case models.StatusDone, models.StatusAwaitingReview, models.StatusError, models.StatusCancelled:
		return nil
	}

	claimed, err := o.checkpoints.Claim(ctx, req)
	if err != nil {
		return fmt.Errorf("orchestrator: claim: %w", err)
	}
	if !claimed {
		o.log.Debug("request already claimed by another worker", "request_id", req.ID)
		return nil
	}

	if req.Checkpoint == "" || req.Checkpoint == models.CheckpointInit {
		if err := o.checkpoints.Start(ctx, req); err != nil {
			return fmt.Errorf("orchestrator: start: %w", err)
		}
	}

	// The stored checkpoint is the last write, which may sit mid-stage
	// (a crash between AI_ANALYSIS_START and AI_ANALYSIS_DONE, or between
	// SHOPPING_SEARCH_START and the response being persisted). Re-derive
	// the entry point from what actually survived, so an interrupted stage
	// re-runs instead of being skipped over.
	req.Checkpoint = checkpoint.ResumePoint(req)

	if req.Checkpoint == models.CheckpointInit {
		if err := o.runAnalysis(ctx, req); err != nil {
			return o.stageFailed(ctx, req, err)
		}
	}

	if req.Natureza.IsVeiculo() {
		if err := o.runFIPE(ctx, req); err != nil {
			return o.stageFailed(ctx, req, err)
		}
	} else {
		// The search stage is complete exactly when its raw response was
		// persisted; anything less re-issues the single search call.
		if len(req.SearchResponseRaw) == 0 {
			if err := o.runSearch(ctx, req); err != nil {
				return o.stageFailed(ctx, req, err)
			}
		}
		if err := o.runExtraction(ctx, req); err != nil {
			return o.stageFailed(ctx, req, err)
		}
	}

	if err := o.finalize(ctx, req); err != nil {
		return o.stageFailed(ctx, req, err)
	}
	return nil
}

// runAnalysis is checkpoint AI_ANALYSIS_START → AI_ANALYSIS_DONE: invoke
// QueryAnalyzer and persist its payload verbatim.
func (o *RequestOrchestrator) runAnalysis(ctx context.Context, req *models.QuoteRequest) error {
	if err := o.checkpoints.Save(ctx, req, models.CheckpointAIAnalysisStart, nil); err != nil {
		return fmt.Errorf("query analysis: save checkpoint: %w", err)
	}

	result, err := o.analyzer.Analyze(ctx, req.InputText, req.InputImage)
	if err != nil {
		return fmt.Errorf("query analysis: %w", err)
	}

	req.Natureza = models.Natureza(result.Natureza)
	payload, err := marshalExtra(result)
	if err != nil {
		return fmt.Errorf("query analysis: marshal payload: %w", err)
	}
	req.ClaudePayloadJSON = payload

	return o.checkpoints.Save(ctx, req, models.CheckpointAIAnalysisDone, nil)
}

// runFIPE is the vehicle path: a single direct observation from the FIPE
// table, bypassing the block engine entirely.
func (o *RequestOrchestrator) runFIPE(ctx context.Context, req *models.QuoteRequest) error {
	if err := o.checkpoints.Save(ctx, req, models.CheckpointFIPESearch, nil); err != nil {
		return fmt.Errorf("fipe: save checkpoint: %w", err)
	}

	result, err := o.fipeSvc.Lookup(ctx, req.InputText, req.Natureza)
	if err != nil {
		return fmt.Errorf("fipe: lookup: %w", err)
	}

	req.Accepted = []models.QuoteSource{fipe.ToQuoteSource(result)}
	return o.checkpoints.Save(ctx, req, models.CheckpointFIPEDone, nil)
}

// runSearch is SHOPPING_SEARCH_START → SHOPPING_SEARCH_DONE: one shopping
// search call, raw response persisted for resumption, candidate list
// derived and stashed in resume_data for crash recovery.
func (o *RequestOrchestrator) runSearch(ctx context.Context, req *models.QuoteRequest) error {
	if err := o.checkpoints.Save(ctx, req, models.CheckpointShoppingSearchStart, nil); err != nil {
		return fmt.Errorf("shopping search: save checkpoint: %w", err)
	}

	query, err := queryFromPayload(req)
	if err != nil {
		return fmt.Errorf("shopping search: %w", err)
	}
	raw, candidates, err := o.searchSvc.Search(ctx, query, req.Config.Location, req.Config.Locale,
		req.Config.MaxValidProducts, req.Config.DeepLookupRetries)
	if err != nil {
		metrics.SearchRequestsTotal.WithLabelValues("exhausted").Inc()
		return fmt.Errorf("shopping search: %w", err)
	}
	metrics.SearchRequestsTotal.WithLabelValues("ok").Inc()

	req.SearchResponseRaw = raw
	candidatesJSON, err := marshalExtra(candidates)
	if err != nil {
		return fmt.Errorf("shopping search: marshal candidates: %w", err)
	}

	return o.checkpoints.Save(ctx, req, models.CheckpointShoppingSearchDone, map[string]any{
		"candidates": string(candidatesJSON),
	})
}

// runExtraction is PRICE_EXTRACTION_START → PRICE_EXTRACTION_DONE: drives
// VariationBlockEngine with a heartbeat and progress update on every
// dispatch.
func (o *RequestOrchestrator) runExtraction(ctx context.Context, req *models.QuoteRequest) error {
	if err := o.checkpoints.Save(ctx, req, models.CheckpointPriceExtractionStart, nil); err != nil {
		return fmt.Errorf("price extraction: save checkpoint: %w", err)
	}

	candidates, err := decodeCandidates(req)
	if err != nil && len(req.SearchResponseRaw) > 0 {
		// resume_data can lag the persisted raw response; re-derive the
		// list from the response itself so the resumed run sees the same
		// candidates (and ordering) the original run derived.
		candidates, err = o.searchSvc.CandidatesFromRaw(req.SearchResponseRaw, req.Config.MaxValidProducts)
	}
	if err != nil {
		return fmt.Errorf("price extraction: decode candidates: %w", err)
	}
	if len(candidates) == 0 {
		return fmt.Errorf("price extraction: no acceptable offers")
	}

	policy := domainpolicy.New(o.blocked)
	validatedCount := 0

	dispatch := func(ctx context.Context, c models.Candidate) blockengine.Outcome {
		outcome := o.dispatcher.Process(ctx, req.ID, c, policy, req.Config, req.Config.DeepLookupRetries)

		_ = o.checkpoints.Heartbeat(ctx, req)

		if outcome.Source != nil {
			validatedCount++
			metrics.CandidateDispatchTotal.WithLabelValues("accepted").Inc()
		}
		if outcome.Failure != nil {
			metrics.CandidateDispatchTotal.WithLabelValues(string(outcome.Failure.FailureReason)).Inc()
			if err := o.sources.SaveFailure(ctx, req.ID, *outcome.Failure); err != nil {
				o.log.Warn("failed to persist failure diagnostic", "request_id", req.ID, "error", err)
			}
		}

		progressPct := math.Min(95, 20+75*float64(validatedCount)/float64(req.Config.N))
		_ = o.checkpoints.Save(ctx, req, models.CheckpointPriceExtractionProg, map[string]any{
			"progress_pct":    progressPct,
			"tested_products": validatedCount,
		})

		return blockengine.Outcome{Source: outcome.Source, Failure: outcome.Failure}
	}

	result := o.engine.Run(ctx, candidates, req.Config, dispatch)
	metrics.BlockIterations.Observe(float64(result.Iterations))

	req.Accepted = make([]models.QuoteSource, 0, len(result.Validated))
	for _, s := range result.Validated {
		req.Accepted = append(req.Accepted, s)
	}

	if result.Status == models.StatusError && len(req.Accepted) == 0 {
		return fmt.Errorf("price extraction: no acceptable offers")
	}

	return o.checkpoints.Save(ctx, req, models.CheckpointPriceExtractionDone, nil)
}

// finalize is FINALIZATION: compute aggregates and the terminal status,
// then mark the request COMPLETED.
func (o *RequestOrchestrator) finalize(ctx context.Context, req *models.QuoteRequest) error {
	if err := o.checkpoints.Save(ctx, req, models.CheckpointFinalization, nil); err != nil {
		return fmt.Errorf("finalization: save checkpoint: %w", err)
	}

	status := computeAggregates(req)

	metrics.RequestsTotal.WithLabelValues(string(status)).Inc()
	return o.checkpoints.Complete(ctx, req, status)
}

// computeAggregates fills valor_min/max/avg and variation_pct from
// req.Accepted and returns the terminal status: DONE only when at least N
// observations landed within the variation tolerance, AWAITING_REVIEW for
// any non-empty shortfall.
func computeAggregates(req *models.QuoteRequest) models.Status {
	if len(req.Accepted) == 0 {
		return models.StatusError
	}

	min, max, sum := req.Accepted[0].PriceValue, req.Accepted[0].PriceValue, decimal.Zero
	for _, s := range req.Accepted {
		if s.PriceValue.LessThan(min) {
			min = s.PriceValue
		}
		if s.PriceValue.GreaterThan(max) {
			max = s.PriceValue
		}
		sum = sum.Add(s.PriceValue)
	}

	req.ValorMin = min
	req.ValorMax = max
	req.ValorAvg = sum.Div(decimal.NewFromInt(int64(len(req.Accepted))))

	if min.IsZero() {
		req.VariationPct = decimal.Zero
	} else {
		req.VariationPct = max.Div(min).Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(100))
	}

	// A FIPE table value is definitive on its own; the N-observation rule
	// only applies to the shopping path.
	if req.Natureza.IsVeiculo() {
		return models.StatusDone
	}

	switch {
	case len(req.Accepted) >= req.Config.N && req.VariationPct.LessThanOrEqual(req.Config.VariationMaxPct):
		return models.StatusDone
	default:
		return models.StatusAwaitingReview
	}
}

// stageFailed routes a stage error: operator cancellation stops the run
// without writing further state; anything else is a fatal abort.
func (o *RequestOrchestrator) stageFailed(ctx context.Context, req *models.QuoteRequest, cause error) error {
	if errors.Is(cause, checkpoint.ErrCancelled) {
		o.log.Info("request cancelled by operator", "request_id", req.ID)
		req.Status = models.StatusCancelled
		metrics.RequestsTotal.WithLabelValues(string(models.StatusCancelled)).Inc()
		return nil
	}
	return o.abort(ctx, req, cause)
}

// abort handles a fatal, per-request error (analyzer failure, search
// exhaustion, 100% candidate rejection) by marking the request ERROR.
func (o *RequestOrchestrator) abort(ctx context.Context, req *models.QuoteRequest, cause error) error {
	o.log.Error("request aborted", "request_id", req.ID, "error", cause)
	if err := o.checkpoints.Fail(ctx, req, cause.Error()); err != nil {
		return fmt.Errorf("orchestrator: fail: %w", err)
	}
	metrics.RequestsTotal.WithLabelValues(string(models.StatusError)).Inc()
	return nil
}

