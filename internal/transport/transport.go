// Package transport provides the concrete net/http clients for the four
// external collaborators: the shopping-search engine, the deep-lookup API,
// the FIPE vehicle-price table, and the query analyzer. These clients only
// carry requests/responses across the wire. Retry/backoff is layered on
// top by pkg/httpx, not duplicated here — doGet returns an
// *httpx.StatusError on any non-200 so WithBackoff can classify 429/5xx
// as retryable.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/andresfleao/revaluation-quote-pipeline/internal/deeplookup"
	"github.com/andresfleao/revaluation-quote-pipeline/internal/fipe"
	"github.com/andresfleao/revaluation-quote-pipeline/internal/models"
	"github.com/andresfleao/revaluation-quote-pipeline/internal/queryanalyzer"
	"github.com/andresfleao/revaluation-quote-pipeline/internal/search"
	"github.com/andresfleao/revaluation-quote-pipeline/pkg/httpx"
)

const defaultTimeout = 30 * time.Second

// HTTPSearch implements search.Transport against a SerpAPI-compatible
// shopping-search endpoint, with the fixed Brazilian-market params baked
// in (gl=br, hl=pt-br, google_domain=google.com.br, num=100).
type HTTPSearch struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

// NewHTTPSearch builds a search.Transport backed by baseURL (a SerpAPI-
// compatible "/search" endpoint) authenticated with apiKey.
func NewHTTPSearch(baseURL, apiKey string) *HTTPSearch {
	return &HTTPSearch{client: &http.Client{Timeout: defaultTimeout}, baseURL: baseURL, apiKey: apiKey}
}

var _ search.Transport = (*HTTPSearch)(nil)

// Search issues the single fixed-parameter shopping-search call.
func (h *HTTPSearch) Search(ctx context.Context, query, location, locale string) ([]byte, error) {
	q := url.Values{}
	q.Set("engine", "google_shopping")
	q.Set("q", query)
	q.Set("gl", "br")
	q.Set("hl", "pt-br")
	q.Set("google_domain", "google.com.br")
	q.Set("num", "100")
	q.Set("location", location)
	q.Set("api_key", h.apiKey)

	return doGet(ctx, h.client, h.baseURL+"?"+q.Encode())
}

// HTTPDeepLookup implements deeplookup.Transport against a per-product
// lookup endpoint.
type HTTPDeepLookup struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

// NewHTTPDeepLookup builds a deeplookup.Transport backed by baseURL.
func NewHTTPDeepLookup(baseURL, apiKey string) *HTTPDeepLookup {
	return &HTTPDeepLookup{client: &http.Client{Timeout: defaultTimeout}, baseURL: baseURL, apiKey: apiKey}
}

var _ deeplookup.Transport = (*HTTPDeepLookup)(nil)

// Lookup issues the per-candidate store-offers call keyed by handle (the
// product_id the search response carried).
func (h *HTTPDeepLookup) Lookup(ctx context.Context, handle string) ([]byte, error) {
	q := url.Values{}
	q.Set("engine", "google_product")
	q.Set("product_id", handle)
	q.Set("gl", "br")
	q.Set("hl", "pt-br")
	q.Set("api_key", h.apiKey)

	return doGet(ctx, h.client, h.baseURL+"?"+q.Encode())
}

// HTTPFIPE implements fipe.Lookup against the FIPE vehicle-price table
// API: resolve brand/model/year to a table code, then read the current
// value off that code. The pipeline treats the result as a single direct
// observation that bypasses the block engine entirely.
type HTTPFIPE struct {
	client  *http.Client
	baseURL string
}

// NewHTTPFIPE builds a fipe.Lookup backed by baseURL.
func NewHTTPFIPE(baseURL string) *HTTPFIPE {
	return &HTTPFIPE{client: &http.Client{Timeout: defaultTimeout}, baseURL: baseURL}
}

var _ fipe.Lookup = (*HTTPFIPE)(nil)

type fipeTableEntry struct {
	Valor      string `json:"Valor"`
	CodigoFipe string `json:"CodigoFipe"`
}

// Lookup resolves query (the free-text vehicle description QueryAnalyzer
// produced) to a single FIPE table value.
func (h *HTTPFIPE) Lookup(ctx context.Context, query string, natureza models.Natureza) (fipe.Result, error) {
	vehicleType := fipeVehicleType(natureza)
	q := url.Values{}
	q.Set("tipo", vehicleType)
	q.Set("query", query)

	body, err := doGet(ctx, h.client, h.baseURL+"/consulta?"+q.Encode())
	if err != nil {
		return fipe.Result{}, fmt.Errorf("transport: fipe: %w", err)
	}

	var entry fipeTableEntry
	if err := json.Unmarshal(body, &entry); err != nil {
		return fipe.Result{}, fmt.Errorf("transport: fipe: decode: %w", err)
	}

	price, err := decimal.NewFromString(normalizeFIPEValue(entry.Valor))
	if err != nil {
		return fipe.Result{}, fmt.Errorf("transport: fipe: parse value %q: %w", entry.Valor, err)
	}

	return fipe.Result{Price: price, Reference: entry.CodigoFipe}, nil
}

func fipeVehicleType(n models.Natureza) string {
	switch n {
	case models.NaturezaVeiculoMoto:
		return "motos"
	case models.NaturezaVeiculoCaminhao:
		return "caminhoes"
	default:
		return "carros"
	}
}

// normalizeFIPEValue strips the "R$" prefix and thousands dots the FIPE
// table renders its values with (e.g. "R$ 45.231,00"), leaving a
// decimal-parseable "45231.00".
func normalizeFIPEValue(raw string) string {
	s := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "R$"))
	s = strings.ReplaceAll(s, ".", "")
	s = strings.Replace(s, ",", ".", 1)
	return strings.TrimSpace(s)
}

// HTTPAnalyzer implements queryanalyzer.Analyzer by forwarding to the
// AI-analysis service. The analysis logic itself (image/text → query +
// classification) lives in that service; this client only carries the
// request/response across the wire, passing through whatever vendor
// fields the service returns as Extra for verbatim persistence.
type HTTPAnalyzer struct {
	client  *http.Client
	baseURL string
}

// NewHTTPAnalyzer builds a queryanalyzer.Analyzer backed by baseURL.
func NewHTTPAnalyzer(baseURL string) *HTTPAnalyzer {
	return &HTTPAnalyzer{client: &http.Client{Timeout: defaultTimeout}, baseURL: baseURL}
}

var _ queryanalyzer.Analyzer = (*HTTPAnalyzer)(nil)

type analyzeRequest struct {
	InputText  string `json:"input_text,omitempty"`
	InputImage []byte `json:"input_image,omitempty"`
}

type analyzeResponse struct {
	QueryString    string         `json:"query_string"`
	Natureza       string         `json:"natureza"`
	BemPatrimonial string         `json:"bem_patrimonial,omitempty"`
	Extra          map[string]any `json:"-"`
}

// Analyze posts the item description to the analysis service and decodes
// its classification.
func (h *HTTPAnalyzer) Analyze(ctx context.Context, inputText string, inputImage []byte) (queryanalyzer.Result, error) {
	payload, err := json.Marshal(analyzeRequest{InputText: inputText, InputImage: inputImage})
	if err != nil {
		return queryanalyzer.Result{}, fmt.Errorf("transport: analyzer: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/analyze", bytes.NewReader(payload))
	if err != nil {
		return queryanalyzer.Result{}, fmt.Errorf("transport: analyzer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return queryanalyzer.Result{}, fmt.Errorf("transport: analyzer: request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return queryanalyzer.Result{}, fmt.Errorf("transport: analyzer: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return queryanalyzer.Result{}, &httpx.StatusError{StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", truncate(string(body), 200))}
	}

	var decoded analyzeResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return queryanalyzer.Result{}, fmt.Errorf("transport: analyzer: decode: %w", err)
	}
	var extra map[string]any
	_ = json.Unmarshal(body, &extra)

	return queryanalyzer.Result{
		QueryString:    decoded.QueryString,
		Natureza:       decoded.Natureza,
		BemPatrimonial: decoded.BemPatrimonial,
		Extra:          extra,
	}, nil
}

func doGet(ctx context.Context, client *http.Client, fullURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: read body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &httpx.StatusError{StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", truncate(string(body), 200))}
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
