package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresfleao/revaluation-quote-pipeline/internal/acquisition"
	"github.com/andresfleao/revaluation-quote-pipeline/internal/blockengine"
	"github.com/andresfleao/revaluation-quote-pipeline/internal/checkpoint"
	"github.com/andresfleao/revaluation-quote-pipeline/internal/domainpolicy"
	"github.com/andresfleao/revaluation-quote-pipeline/internal/fipe"
	"github.com/andresfleao/revaluation-quote-pipeline/internal/models"
	"github.com/andresfleao/revaluation-quote-pipeline/internal/queryanalyzer"
	"github.com/andresfleao/revaluation-quote-pipeline/internal/search"
	"github.com/andresfleao/revaluation-quote-pipeline/pkg/httpx"
	"github.com/andresfleao/revaluation-quote-pipeline/pkg/logger"
)

// memStore is an in-memory checkpoint.Store for driving the orchestrator
// without a database.
type memStore struct {
	mu   sync.Mutex
	data map[string]*models.QuoteRequest
}

func newMemStore() *memStore {
	return &memStore{data: map[string]*models.QuoteRequest{}}
}

func (s *memStore) Save(ctx context.Context, req *models.QuoteRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *req
	s.data[req.ID] = &copied
	return nil
}

func (s *memStore) Load(ctx context.Context, id string) (*models.QuoteRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.data[id]
	if !ok {
		return nil, fmt.Errorf("not found: %s", id)
	}
	copied := *req
	return &copied, nil
}

func (s *memStore) FindStuck(ctx context.Context, heartbeatTimeout time.Duration) ([]*models.QuoteRequest, error) {
	return nil, nil
}

func (s *memStore) FindOverCeiling(ctx context.Context, ceiling time.Duration) ([]*models.QuoteRequest, error) {
	return nil, nil
}

type fakeAnalyzer struct {
	mu        sync.Mutex
	result    queryanalyzer.Result
	err       error
	calls     int
	onAnalyze func()
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, inputText string, inputImage []byte) (queryanalyzer.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.onAnalyze != nil {
		f.onAnalyze()
	}
	return f.result, f.err
}

type fakeSearchTransport struct {
	mu    sync.Mutex
	raw   []byte
	err   error
	calls int
}

func (f *fakeSearchTransport) Search(ctx context.Context, query, location, locale string) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.raw, f.err
}

type fakeFIPE struct {
	result fipe.Result
	err    error
}

func (f *fakeFIPE) Lookup(ctx context.Context, query string, natureza models.Natureza) (fipe.Result, error) {
	return f.result, f.err
}

// fakeDispatcher accepts every candidate at its listing price, except the
// IDs listed in failWith.
type fakeDispatcher struct {
	mu       sync.Mutex
	failWith map[string]models.FailureReason
	calls    int
}

func (f *fakeDispatcher) Process(ctx context.Context, requestID string, c models.Candidate, policy *domainpolicy.Policy, cfg models.Config, retries int) acquisition.Outcome {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if reason, ok := f.failWith[c.ID]; ok {
		return acquisition.Outcome{Failure: &models.QuoteSourceFailure{
			URL:           c.ProductLink,
			FailureReason: reason,
			AttemptedAt:   time.Now(),
		}}
	}
	u, _ := url.Parse(c.ProductLink)
	return acquisition.Outcome{Source: &models.QuoteSource{
		URL:        c.ProductLink,
		Domain:     u.Hostname(),
		PriceValue: c.ListingPrice,
		Currency:   "BRL",
		IsAccepted: true,
	}}
}

type fakeSourceWriter struct {
	mu       sync.Mutex
	failures []models.QuoteSourceFailure
}

func (f *fakeSourceWriter) SaveFailure(ctx context.Context, requestID string, failure models.QuoteSourceFailure) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, failure)
	return nil
}

func searchResponse(prices ...int) []byte {
	out := `{"shopping_results": [`
	for i, p := range prices {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf(
			`{"title": "Item %d", "extracted_price": %d, "source": "Loja %d", "product_link": "https://loja%d.com.br/produto/%d"}`,
			i, p, i, i, i)
	}
	return []byte(out + `], "inline_shopping_results": []}`)
}

type orchestratorFixture struct {
	orch       *RequestOrchestrator
	store      *memStore
	analyzer   *fakeAnalyzer
	transport  *fakeSearchTransport
	dispatcher *fakeDispatcher
	writer     *fakeSourceWriter
}

func newFixture(analyzer *fakeAnalyzer, transport *fakeSearchTransport, dispatcher *fakeDispatcher, fipeSvc fipe.Lookup) *orchestratorFixture {
	log := logger.NewNoop()
	store := newMemStore()
	blocked := domainpolicy.NewBlockedSet()
	searchSvc := search.New(transport, blocked, httpx.NewLimiter(100, 10), httpx.NewBreakerRegistry(nil))
	writer := &fakeSourceWriter{}

	orch := New(
		checkpoint.New(store, log),
		analyzer,
		searchSvc,
		fipeSvc,
		blocked,
		blockengine.New(log),
		dispatcher,
		writer,
		log,
	)
	return &orchestratorFixture{orch: orch, store: store, analyzer: analyzer, transport: transport, dispatcher: dispatcher, writer: writer}
}

func newRequest() *models.QuoteRequest {
	return &models.QuoteRequest{
		ID:        "req-1",
		InputText: "notebook dell inspiron",
		Config:    models.DefaultConfig(),
		Status:    models.StatusProcessing,
	}
}

func TestRunFullShoppingPath(t *testing.T) {
	analyzer := &fakeAnalyzer{result: queryanalyzer.Result{QueryString: "notebook dell", Natureza: "produto"}}
	transport := &fakeSearchTransport{raw: searchResponse(100, 102, 104, 110, 125, 130, 140)}
	f := newFixture(analyzer, transport, &fakeDispatcher{}, &fakeFIPE{})

	req := newRequest()
	require.NoError(t, f.orch.Run(context.Background(), req))

	assert.Equal(t, models.StatusDone, req.Status)
	assert.Equal(t, models.CheckpointCompleted, req.Checkpoint)
	assert.Len(t, req.Accepted, 3)
	assert.Equal(t, "100", req.ValorMin.String())
	assert.Equal(t, "104", req.ValorMax.String())
	assert.Equal(t, "102", req.ValorAvg.String())
	assert.Equal(t, "4", req.VariationPct.String())
	assert.Empty(t, req.WorkerID)
	assert.Equal(t, 1, f.analyzer.calls)
	assert.Equal(t, 1, f.transport.calls)
	assert.Equal(t, 3, f.dispatcher.calls)
}

func TestRunPersistsFailureDiagnostics(t *testing.T) {
	analyzer := &fakeAnalyzer{result: queryanalyzer.Result{QueryString: "notebook", Natureza: "produto"}}
	transport := &fakeSearchTransport{raw: searchResponse(100, 102, 104, 110, 125)}
	dispatcher := &fakeDispatcher{failWith: map[string]models.FailureReason{
		"cand-1": models.FailurePriceMismatch,
	}}
	f := newFixture(analyzer, transport, dispatcher, &fakeFIPE{})

	req := newRequest()
	require.NoError(t, f.orch.Run(context.Background(), req))

	assert.Equal(t, models.StatusDone, req.Status)
	assert.Len(t, req.Accepted, 3)
	require.Len(t, f.writer.failures, 1)
	assert.Equal(t, models.FailurePriceMismatch, f.writer.failures[0].FailureReason)
}

func TestRunAnalyzerFailureAborts(t *testing.T) {
	analyzer := &fakeAnalyzer{err: errors.New("analysis service unavailable")}
	f := newFixture(analyzer, &fakeSearchTransport{}, &fakeDispatcher{}, &fakeFIPE{})

	req := newRequest()
	require.NoError(t, f.orch.Run(context.Background(), req))

	assert.Equal(t, models.StatusError, req.Status)
	assert.Equal(t, models.CheckpointCompleted, req.Checkpoint)
	assert.Contains(t, req.ErrorMessage, "analysis service unavailable")
	assert.Equal(t, 0, f.transport.calls)
}

func TestRunEmptyCandidateListAborts(t *testing.T) {
	analyzer := &fakeAnalyzer{result: queryanalyzer.Result{QueryString: "item obscuro", Natureza: "produto"}}
	transport := &fakeSearchTransport{raw: []byte(`{"shopping_results": [], "inline_shopping_results": []}`)}
	f := newFixture(analyzer, transport, &fakeDispatcher{}, &fakeFIPE{})

	req := newRequest()
	require.NoError(t, f.orch.Run(context.Background(), req))

	assert.Equal(t, models.StatusError, req.Status)
	assert.Contains(t, req.ErrorMessage, "no acceptable offers")
	assert.Equal(t, 0, f.dispatcher.calls)
}

func TestRunAllCandidatesRejectedAwaitsNothing(t *testing.T) {
	analyzer := &fakeAnalyzer{result: queryanalyzer.Result{QueryString: "notebook", Natureza: "produto"}}
	transport := &fakeSearchTransport{raw: searchResponse(100, 102, 104)}
	dispatcher := &fakeDispatcher{failWith: map[string]models.FailureReason{
		"cand-0": models.FailureTimeout,
		"cand-1": models.FailureBlockedBySite,
		"cand-2": models.FailurePageLoadError,
	}}
	f := newFixture(analyzer, transport, dispatcher, &fakeFIPE{})

	req := newRequest()
	require.NoError(t, f.orch.Run(context.Background(), req))

	assert.Equal(t, models.StatusError, req.Status)
	// The engine stops after its reserve attempt finds no alternative
	// neighborhood, so not every candidate is necessarily dispatched.
	assert.NotEmpty(t, f.writer.failures)
	assert.Contains(t, req.ErrorMessage, "no acceptable offers")
}

func TestRunVehiclePathUsesFIPE(t *testing.T) {
	analyzer := &fakeAnalyzer{result: queryanalyzer.Result{QueryString: "fiat uno 2015", Natureza: "veiculo_carro"}}
	fipeSvc := &fakeFIPE{result: fipe.Result{Price: decimal.NewFromInt(45231), Reference: "001234-5"}}
	f := newFixture(analyzer, &fakeSearchTransport{}, &fakeDispatcher{}, fipeSvc)

	req := newRequest()
	req.InputText = "fiat uno 2015"
	require.NoError(t, f.orch.Run(context.Background(), req))

	assert.Equal(t, models.StatusDone, req.Status)
	require.Len(t, req.Accepted, 1)
	assert.Equal(t, models.MethodAPIFipe, req.Accepted[0].ExtractionMethod)
	assert.Equal(t, "45231", req.Accepted[0].PriceValue.String())
	assert.Equal(t, 0, f.transport.calls)
	assert.Equal(t, 0, f.dispatcher.calls)
}

func TestRunResumeSkipsCompletedStages(t *testing.T) {
	analyzer := &fakeAnalyzer{result: queryanalyzer.Result{QueryString: "notebook", Natureza: "produto"}}
	transport := &fakeSearchTransport{raw: searchResponse(100, 102, 104)}
	f := newFixture(analyzer, transport, &fakeDispatcher{}, &fakeFIPE{})

	// A request that crashed after the shopping search persisted its
	// response and derived candidates.
	candidatesJSON, err := marshalExtra([]models.Candidate{
		{ID: "cand-0", Title: "Item 0", ListingPrice: decimal.NewFromInt(100), ProductLink: "https://loja0.com.br/produto/0"},
		{ID: "cand-1", Title: "Item 1", ListingPrice: decimal.NewFromInt(102), ProductLink: "https://loja1.com.br/produto/1"},
		{ID: "cand-2", Title: "Item 2", ListingPrice: decimal.NewFromInt(104), ProductLink: "https://loja2.com.br/produto/2"},
	})
	require.NoError(t, err)

	req := newRequest()
	req.Natureza = models.NaturezaProduto
	req.ClaudePayloadJSON = []byte(`{"query_string": "notebook", "natureza": "produto"}`)
	req.SearchResponseRaw = searchResponse(100, 102, 104)
	req.ResumeData = map[string]any{"candidates": string(candidatesJSON)}
	req.Checkpoint = checkpoint.ResumePoint(req)
	require.Equal(t, models.CheckpointPriceExtractionStart, req.Checkpoint)

	require.NoError(t, f.orch.Run(context.Background(), req))

	assert.Equal(t, models.StatusDone, req.Status)
	assert.Equal(t, 0, f.analyzer.calls)
	assert.Equal(t, 0, f.transport.calls)
	assert.Equal(t, 3, f.dispatcher.calls)
}

func TestRunResumesAnalysisInterruptedMidStage(t *testing.T) {
	analyzer := &fakeAnalyzer{result: queryanalyzer.Result{QueryString: "notebook", Natureza: "produto"}}
	transport := &fakeSearchTransport{raw: searchResponse(100, 102, 104)}
	f := newFixture(analyzer, transport, &fakeDispatcher{}, &fakeFIPE{})

	// A crash between AI_ANALYSIS_START and AI_ANALYSIS_DONE leaves the
	// start marker persisted but no payload; the stage must re-run, not be
	// skipped.
	req := newRequest()
	req.Checkpoint = models.CheckpointAIAnalysisStart

	require.NoError(t, f.orch.Run(context.Background(), req))

	assert.Equal(t, models.StatusDone, req.Status)
	assert.Equal(t, 1, f.analyzer.calls)
	assert.Equal(t, 1, f.transport.calls)
	assert.Equal(t, 3, f.dispatcher.calls)
}

func TestRunResumesSearchInterruptedMidStage(t *testing.T) {
	analyzer := &fakeAnalyzer{result: queryanalyzer.Result{QueryString: "notebook", Natureza: "produto"}}
	transport := &fakeSearchTransport{raw: searchResponse(100, 102, 104)}
	f := newFixture(analyzer, transport, &fakeDispatcher{}, &fakeFIPE{})

	// A crash between SHOPPING_SEARCH_START and the response being
	// persisted: the analysis payload survived, so only the search re-runs.
	req := newRequest()
	req.Checkpoint = models.CheckpointShoppingSearchStart
	req.Natureza = models.NaturezaProduto
	req.ClaudePayloadJSON = []byte(`{"query_string": "notebook", "natureza": "produto"}`)

	require.NoError(t, f.orch.Run(context.Background(), req))

	assert.Equal(t, models.StatusDone, req.Status)
	assert.Equal(t, 0, f.analyzer.calls)
	assert.Equal(t, 1, f.transport.calls)
	assert.Equal(t, 3, f.dispatcher.calls)
}

func TestRunResumeDerivesCandidatesFromRawResponse(t *testing.T) {
	analyzer := &fakeAnalyzer{}
	transport := &fakeSearchTransport{}
	f := newFixture(analyzer, transport, &fakeDispatcher{}, &fakeFIPE{})

	// The raw search response survived but the stashed candidate list did
	// not: extraction re-derives the list from the response instead of
	// re-issuing the search.
	req := newRequest()
	req.Checkpoint = models.CheckpointShoppingSearchDone
	req.Natureza = models.NaturezaProduto
	req.ClaudePayloadJSON = []byte(`{"query_string": "notebook", "natureza": "produto"}`)
	req.SearchResponseRaw = searchResponse(100, 102, 104)

	require.NoError(t, f.orch.Run(context.Background(), req))

	assert.Equal(t, models.StatusDone, req.Status)
	assert.Equal(t, 0, f.analyzer.calls)
	assert.Equal(t, 0, f.transport.calls)
	assert.Equal(t, 3, f.dispatcher.calls)
}

func TestRunHonorsCancellationAtStageBoundary(t *testing.T) {
	analyzer := &fakeAnalyzer{result: queryanalyzer.Result{QueryString: "notebook", Natureza: "produto"}}
	transport := &fakeSearchTransport{raw: searchResponse(100, 102, 104)}
	f := newFixture(analyzer, transport, &fakeDispatcher{}, &fakeFIPE{})

	req := newRequest()
	// The operator cancels while the analysis call is in flight; the run
	// must stop at the next checkpoint write instead of proceeding to the
	// shopping search.
	analyzer.onAnalyze = func() {
		stored, err := f.store.Load(context.Background(), req.ID)
		require.NoError(t, err)
		stored.Status = models.StatusCancelled
		require.NoError(t, f.store.Save(context.Background(), stored))
	}

	require.NoError(t, f.orch.Run(context.Background(), req))

	assert.Equal(t, models.StatusCancelled, req.Status)
	assert.Equal(t, 0, f.transport.calls)

	stored, err := f.store.Load(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, stored.Status)
}

func TestRunRefusesFreshlyClaimedRequest(t *testing.T) {
	f := newFixture(&fakeAnalyzer{}, &fakeSearchTransport{}, &fakeDispatcher{}, &fakeFIPE{})

	req := newRequest()
	req.WorkerID = "other-host-999"
	req.LastHeartbeat = time.Now()
	require.NoError(t, f.store.Save(context.Background(), req))

	require.NoError(t, f.orch.Run(context.Background(), req))

	assert.Equal(t, 0, f.analyzer.calls)
	assert.NotEqual(t, models.CheckpointCompleted, req.Checkpoint)
}

func TestComputeAggregatesShortfallAwaitsReview(t *testing.T) {
	req := newRequest()
	req.Natureza = models.NaturezaProduto
	req.Accepted = []models.QuoteSource{
		{PriceValue: decimal.NewFromInt(100)},
		{PriceValue: decimal.NewFromInt(105)},
	}

	status := computeAggregates(req)

	assert.Equal(t, models.StatusAwaitingReview, status)
	assert.Equal(t, "100", req.ValorMin.String())
	assert.Equal(t, "105", req.ValorMax.String())
	assert.Equal(t, "5", req.VariationPct.String())
}

func TestComputeAggregatesSpreadOverTolerance(t *testing.T) {
	req := newRequest()
	req.Natureza = models.NaturezaProduto
	req.Accepted = []models.QuoteSource{
		{PriceValue: decimal.NewFromInt(100)},
		{PriceValue: decimal.NewFromInt(110)},
		{PriceValue: decimal.NewFromInt(130)},
	}

	assert.Equal(t, models.StatusAwaitingReview, computeAggregates(req))
	assert.Equal(t, "30", req.VariationPct.String())
}
