// Package blockengine implements VariationBlockEngine: block formation by
// sliding price window, block prioritization, and the iterative C1/C2/C3
// selection loop with its reserve policy for exhausted neighborhoods.
//
// A Block does not own Candidates; it only holds a contiguous, price-sorted
// subsequence of the canonical candidate list owned by the request. Callers
// pass candidates already filtered and sorted ascending by listing price.
package blockengine

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/andresfleao/revaluation-quote-pipeline/internal/models"
	"github.com/andresfleao/revaluation-quote-pipeline/pkg/logger"
)

// Block is a contiguous, price-consistent window of candidates.
type Block struct {
	Candidates []models.Candidate
}

// Category classifies a block relative to the current validated set: C1
// contains every validated member and enough untried ones to reach the
// target, C2 contains every validated member but not enough untried ones,
// C3 is an alternative neighborhood of at least target size.
type Category int

const (
	CategoryNone Category = iota
	CategoryC1
	CategoryC2
	CategoryC3
)

// DispatchFunc processes one candidate, returning an acquisition outcome.
// Defined structurally here (rather than importing internal/acquisition)
// to keep the engine decoupled from the acquisition worker's concrete
// dependencies — see internal/orchestrator for the wiring that supplies a
// real acquisition.Worker-backed DispatchFunc.
type DispatchFunc func(ctx context.Context, c models.Candidate) Outcome

// Outcome mirrors acquisition.Outcome's shape without importing that
// package (avoids an import cycle: acquisition needs render/deeplookup,
// blockengine only needs the result shape).
type Outcome struct {
	Source  *models.QuoteSource
	Failure *models.QuoteSourceFailure
}

// RunResult is what the engine's iteration loop converges to.
type RunResult struct {
	Validated  map[string]models.QuoteSource // keyed by candidate ID
	Failures   []models.QuoteSourceFailure
	Status     models.Status
	Iterations int
}

// Engine is VariationBlockEngine.
type Engine struct {
	log *logger.Logger
}

// New builds an Engine.
func New(log *logger.Logger) *Engine {
	return &Engine{log: log}
}

// Run drives the iteration loop to convergence or exhaustion. candidates
// must already be filtered (price > 0, domain acceptable at the search
// layer) and sorted ascending by listing price.
func (e *Engine) Run(ctx context.Context, candidates []models.Candidate, cfg models.Config, dispatch DispatchFunc) RunResult {
	if len(candidates) == 0 {
		return RunResult{Status: models.StatusError}
	}

	validated := map[string]models.QuoteSource{}
	failed := map[string]models.FailureReason{}
	var failures []models.QuoteSourceFailure

	p := cfg.VariationMaxPct.Div(decimal.NewFromInt(100))

	iteration := 0
	for ; iteration < cfg.MaxBlockIterations; iteration++ {
		remaining := excludeFailed(candidates, failed)
		if len(remaining) == 0 {
			break
		}

		blocks := formBlocks(remaining, p)
		chosen, category := pickBlock(blocks, validated, cfg.N)
		if chosen == nil {
			break
		}

		e.dispatchBlock(ctx, *chosen, cfg.N, validated, failed, &failures, dispatch)

		if len(validated) >= cfg.N && spreadWithinTolerance(validated, cfg.VariationMaxPct) {
			return RunResult{Validated: validated, Failures: failures, Status: models.StatusDone, Iterations: iteration + 1}
		}

		if category == CategoryC2 {
			e.applyReservePolicy(ctx, blocks, &validated, cfg.N, failed, &failures, dispatch)
			if len(validated) >= cfg.N && spreadWithinTolerance(validated, cfg.VariationMaxPct) {
				return RunResult{Validated: validated, Failures: failures, Status: models.StatusDone, Iterations: iteration + 1}
			}
			// Reserve policy is a one-shot last resort: once tried, stop.
			iteration++
			break
		}
	}

	status := models.StatusError
	if len(validated) > 0 {
		status = models.StatusAwaitingReview
	}
	return RunResult{Validated: validated, Failures: failures, Status: status, Iterations: iteration}
}

// applyReservePolicy handles a stuck C2 selection: snapshot validated,
// clear it, try the best C3 block (an entirely alternative neighborhood
// that excludes every already-validated candidate), and restore the
// snapshot if the alternative does not reach N.
func (e *Engine) applyReservePolicy(ctx context.Context, blocks []Block, validated *map[string]models.QuoteSource, n int, failed map[string]models.FailureReason, failures *[]models.QuoteSourceFailure, dispatch DispatchFunc) {
	reserve := cloneValidated(*validated)

	c3 := selectCategory(blocks, CategoryC3, reserve, n)
	prioritize(c3)
	if len(c3) == 0 {
		e.log.Debug("reserve policy: no alternative C3 block available")
		return
	}

	alt := c3[0]
	*validated = map[string]models.QuoteSource{}
	e.dispatchBlock(ctx, alt, n, *validated, failed, failures, dispatch)

	if len(*validated) < n {
		e.log.Debug("reserve policy: alternative neighborhood insufficient, restoring", "alt_validated", len(*validated))
		*validated = reserve
	}
}

// dispatchBlock iterates block's candidates in ascending price order,
// keeping already-validated members, skipping already-failed ones, and
// dispatching the rest until either n observations are validated or a
// dispatch fails (in which case it stops immediately so the caller
// recomputes blocks against the new failed set).
func (e *Engine) dispatchBlock(ctx context.Context, block Block, n int, validated map[string]models.QuoteSource, failed map[string]models.FailureReason, failures *[]models.QuoteSourceFailure, dispatch DispatchFunc) {
	for _, c := range block.Candidates {
		if len(validated) >= n {
			return
		}
		if _, ok := validated[c.ID]; ok {
			continue
		}
		if _, ok := failed[c.ID]; ok {
			continue
		}

		outcome := dispatch(ctx, c)
		switch {
		case outcome.Source != nil:
			validated[c.ID] = *outcome.Source
		case outcome.Failure != nil:
			failed[c.ID] = outcome.Failure.FailureReason
			*failures = append(*failures, *outcome.Failure)
			return
		}
	}
}

// formBlocks forms every contiguous sliding-window block satisfying the
// price-ratio invariant. Windows shorter than N are kept: the C2 category
// is only meaningful over blocks that may have shrunk below N after
// failures removed members.
func formBlocks(candidates []models.Candidate, p decimal.Decimal) []Block {
	one := decimal.NewFromInt(1)
	multiplier := one.Add(p)

	blocks := make([]Block, 0, len(candidates))
	for i := range candidates {
		limit := candidates[i].ListingPrice.Mul(multiplier)
		j := i
		for j+1 < len(candidates) && candidates[j+1].ListingPrice.LessThanOrEqual(limit) {
			j++
		}
		window := make([]models.Candidate, j-i+1)
		copy(window, candidates[i:j+1])
		blocks = append(blocks, Block{Candidates: window})
	}
	return blocks
}

func excludeFailed(candidates []models.Candidate, failed map[string]models.FailureReason) []models.Candidate {
	out := make([]models.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := failed[c.ID]; ok {
			continue
		}
		out = append(out, c)
	}
	return out
}

// categorize classifies b against the current validated set.
func categorize(b Block, validated map[string]models.QuoteSource, n int) Category {
	members := make(map[string]struct{}, len(b.Candidates))
	for _, c := range b.Candidates {
		members[c.ID] = struct{}{}
	}

	containsAllValidated := true
	for id := range validated {
		if _, ok := members[id]; !ok {
			containsAllValidated = false
			break
		}
	}

	if containsAllValidated {
		untried := 0
		for _, c := range b.Candidates {
			if _, ok := validated[c.ID]; !ok {
				untried++
			}
		}
		needed := n - len(validated)
		if needed <= 0 || untried >= needed {
			return CategoryC1
		}
		return CategoryC2
	}

	if len(b.Candidates) >= n {
		return CategoryC3
	}
	return CategoryNone
}

func selectCategory(blocks []Block, cat Category, validated map[string]models.QuoteSource, n int) []Block {
	var out []Block
	for _, b := range blocks {
		if categorize(b, validated, n) == cat {
			out = append(out, b)
		}
	}
	return out
}

// prioritize sorts blocks largest first, breaking ties by lowest starting
// price.
func prioritize(blocks []Block) {
	sort.SliceStable(blocks, func(i, j int) bool {
		if len(blocks[i].Candidates) != len(blocks[j].Candidates) {
			return len(blocks[i].Candidates) > len(blocks[j].Candidates)
		}
		return blocks[i].Candidates[0].ListingPrice.LessThan(blocks[j].Candidates[0].ListingPrice)
	})
}

// pickBlock selects the highest-priority block across categories C1, C2,
// C3 in that order.
func pickBlock(blocks []Block, validated map[string]models.QuoteSource, n int) (*Block, Category) {
	for _, cat := range []Category{CategoryC1, CategoryC2, CategoryC3} {
		candidates := selectCategory(blocks, cat, validated, n)
		if len(candidates) == 0 {
			continue
		}
		prioritize(candidates)
		chosen := candidates[0]
		return &chosen, cat
	}
	return nil, CategoryNone
}

func cloneValidated(v map[string]models.QuoteSource) map[string]models.QuoteSource {
	out := make(map[string]models.QuoteSource, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

func spreadWithinTolerance(validated map[string]models.QuoteSource, maxPct decimal.Decimal) bool {
	if len(validated) == 0 {
		return true
	}
	var min, max decimal.Decimal
	first := true
	for _, qs := range validated {
		if first {
			min, max = qs.PriceValue, qs.PriceValue
			first = false
			continue
		}
		if qs.PriceValue.LessThan(min) {
			min = qs.PriceValue
		}
		if qs.PriceValue.GreaterThan(max) {
			max = qs.PriceValue
		}
	}
	if min.IsZero() {
		return false
	}
	ratio := max.Div(min).Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(100))
	return ratio.LessThanOrEqual(maxPct)
}
