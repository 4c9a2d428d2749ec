// Package models defines the entity contracts the quotation pipeline operates
// over: requests, accepted sources, rejected attempts, and batch jobs. No
// storage schema is implied here — see internal/repository for persistence.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the execution state of a QuoteRequest.
type Status string

const (
	StatusProcessing     Status = "PROCESSING"
	StatusAwaitingReview Status = "AWAITING_REVIEW"
	StatusDone           Status = "DONE"
	StatusError          Status = "ERROR"
	StatusCancelled      Status = "CANCELLED"
)

// Checkpoint is a named progress marker stored alongside a request.
type Checkpoint string

const (
	CheckpointInit                 Checkpoint = "INIT"
	CheckpointAIAnalysisStart      Checkpoint = "AI_ANALYSIS_START"
	CheckpointAIAnalysisDone       Checkpoint = "AI_ANALYSIS_DONE"
	CheckpointFIPESearch           Checkpoint = "FIPE_SEARCH"
	CheckpointFIPEDone             Checkpoint = "FIPE_DONE"
	CheckpointShoppingSearchStart  Checkpoint = "SHOPPING_SEARCH_START"
	CheckpointShoppingSearchDone   Checkpoint = "SHOPPING_SEARCH_DONE"
	CheckpointPriceExtractionStart Checkpoint = "PRICE_EXTRACTION_START"
	CheckpointPriceExtractionProg  Checkpoint = "PRICE_EXTRACTION_PROGRESS"
	CheckpointPriceExtractionDone  Checkpoint = "PRICE_EXTRACTION_DONE"
	CheckpointFinalization         Checkpoint = "FINALIZATION"
	CheckpointCompleted            Checkpoint = "COMPLETED"
)

// CheckpointFlow is the canonical forward order of checkpoints. No package
// currently reads it; transitions are not validated against it.
var CheckpointFlow = []Checkpoint{
	CheckpointInit,
	CheckpointAIAnalysisStart,
	CheckpointAIAnalysisDone,
	CheckpointFIPESearch,
	CheckpointFIPEDone,
	CheckpointShoppingSearchStart,
	CheckpointShoppingSearchDone,
	CheckpointPriceExtractionStart,
	CheckpointPriceExtractionProg,
	CheckpointPriceExtractionDone,
	CheckpointFinalization,
	CheckpointCompleted,
}

// Natureza is the item classification returned by QueryAnalyzer.
type Natureza string

const (
	NaturezaProduto         Natureza = "produto"
	NaturezaVeiculoCarro    Natureza = "veiculo_carro"
	NaturezaVeiculoMoto     Natureza = "veiculo_moto"
	NaturezaVeiculoCaminhao Natureza = "veiculo_caminhao"
)

// IsVeiculo reports whether this natureza routes to the FIPE path instead of
// the shopping-search path.
func (n Natureza) IsVeiculo() bool {
	switch n {
	case NaturezaVeiculoCarro, NaturezaVeiculoMoto, NaturezaVeiculoCaminhao:
		return true
	default:
		return false
	}
}

// Config is the per-request configuration, resolved once at start and frozen
// for the lifetime of the request.
type Config struct {
	N                             int
	VariationMaxPct               decimal.Decimal
	MaxValidProducts              int
	MaxBlockIterations            int
	DeepLookupRetries             int
	EnablePriceMismatchValidation bool
	Location                      string
	Locale                        string
}

// DefaultConfig mirrors the typical values named in the data model: N=3,
// variation_max_pct=25, max_valid_products=150, max_block_iterations=15,
// deep_lookup_retries=3.
func DefaultConfig() Config {
	return Config{
		N:                             3,
		VariationMaxPct:               decimal.NewFromInt(25),
		MaxValidProducts:              150,
		MaxBlockIterations:            15,
		DeepLookupRetries:             3,
		EnablePriceMismatchValidation: true,
		Location:                      "Brazil",
		Locale:                        "pt-BR",
	}
}

// QuoteRequest is the top-level unit of work the pipeline drives to
// completion.
type QuoteRequest struct {
	ID        string
	CreatedAt time.Time

	InputText  string
	InputImage []byte
	Code       string
	ProjectID  string

	Config Config

	Status        Status
	Checkpoint    Checkpoint
	LastHeartbeat time.Time
	WorkerID      string
	AttemptNumber int
	ResumeData    map[string]any

	Natureza          Natureza
	ClaudePayloadJSON []byte
	SearchResponseRaw []byte

	Accepted     []QuoteSource
	ValorMin     decimal.Decimal
	ValorMax     decimal.Decimal
	ValorAvg     decimal.Decimal
	VariationPct decimal.Decimal
	ErrorMessage string
	PDFFileID    string

	StartedAt   time.Time
	CompletedAt time.Time

	BatchID    string
	BatchIndex int
}

// ExtractionMethod records how a QuoteSource's price was obtained.
type ExtractionMethod string

const (
	MethodJSONLD         ExtractionMethod = "JSONLD"
	MethodMeta           ExtractionMethod = "META"
	MethodDOM            ExtractionMethod = "DOM"
	MethodLLM            ExtractionMethod = "LLM"
	MethodGoogleShopping ExtractionMethod = "GOOGLE_SHOPPING"
	MethodAPIFipe        ExtractionMethod = "API_FIPE"
)

// QuoteSource is one accepted price observation.
type QuoteSource struct {
	URL              string
	Domain           string
	PageTitle        string
	PriceValue       decimal.Decimal
	Currency         string
	ExtractionMethod ExtractionMethod
	ScreenshotFileID string
	CapturedAt       time.Time
	IsAccepted       bool
	FailureReason    FailureReason
}

// FailureReason is the closed enumeration of per-candidate rejection causes.
type FailureReason string

const (
	FailureNoStoreLink           FailureReason = "NO_STORE_LINK"
	FailureBlockedDomain         FailureReason = "BLOCKED_DOMAIN"
	FailureForeignDomain         FailureReason = "FOREIGN_DOMAIN"
	FailureListingURL            FailureReason = "LISTING_URL"
	FailureDuplicateURL          FailureReason = "DUPLICATE_URL"
	FailureTimeout               FailureReason = "TIMEOUT"
	FailurePageLoadError         FailureReason = "PAGE_LOAD_ERROR"
	FailureScreenshotError       FailureReason = "SCREENSHOT_ERROR"
	FailureBlockedBySite         FailureReason = "BLOCKED_BY_SITE"
	FailureNetworkError          FailureReason = "NETWORK_ERROR"
	FailurePriceExtractionFailed FailureReason = "PRICE_EXTRACTION_FAILED"
	FailureInvalidPrice          FailureReason = "INVALID_PRICE"
	FailurePriceMismatch         FailureReason = "PRICE_MISMATCH"
	FailureOther                 FailureReason = "OTHER"
)

// QuoteSourceFailure is a rejected attempt, retained for diagnostics.
type QuoteSourceFailure struct {
	URL            string
	Domain         string
	GooglePrice    *decimal.Decimal
	ExtractedPrice *decimal.Decimal
	FailureReason  FailureReason
	ErrorMessage   string
	AttemptedAt    time.Time
}

// Candidate is an in-memory, transient product surfaced by the shopping
// search, before rendering.
type Candidate struct {
	ID               string
	Title            string
	ListingPrice     decimal.Decimal
	SourceName       string
	DeepLookupHandle string
	ProductLink      string
	Position         int
}
