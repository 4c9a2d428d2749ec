package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/andresfleao/revaluation-quote-pipeline/internal/checkpoint"
	"github.com/andresfleao/revaluation-quote-pipeline/internal/models"
)

// RequestRepository persists QuoteRequest (and its owned QuoteSources /
// QuoteSourceFailures) to Postgres, satisfying checkpoint.Store so
// CheckpointManager can drive the same pool the rest of the pipeline uses.
type RequestRepository struct {
	db DBPool
}

// NewRequestRepository builds a RequestRepository.
func NewRequestRepository(db DBPool) *RequestRepository {
	return &RequestRepository{db: db}
}

var _ checkpoint.Store = (*RequestRepository)(nil)

// Save upserts the request row plus its accepted sources inside one
// transaction.
func (r *RequestRepository) Save(ctx context.Context, req *models.QuoteRequest) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("repository: save: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	resumeData, err := json.Marshal(req.ResumeData)
	if err != nil {
		return fmt.Errorf("repository: save: marshal resume_data: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO quote_requests (
			id, created_at, input_text, input_image, code, project_id,
			config_n, config_variation_max_pct, config_max_valid_products,
			config_max_block_iterations, config_deep_lookup_retries,
			config_enable_price_mismatch_validation, config_location, config_locale,
			status, checkpoint, last_heartbeat, worker_id, attempt_number, resume_data,
			natureza, claude_payload_json, search_response_raw,
			valor_min, valor_max, valor_avg, variation_pct, error_message, pdf_file_id,
			started_at, completed_at, batch_id, batch_index
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29,
			$30, $31, $32, $33
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			checkpoint = EXCLUDED.checkpoint,
			last_heartbeat = EXCLUDED.last_heartbeat,
			worker_id = EXCLUDED.worker_id,
			attempt_number = EXCLUDED.attempt_number,
			resume_data = EXCLUDED.resume_data,
			natureza = EXCLUDED.natureza,
			claude_payload_json = EXCLUDED.claude_payload_json,
			search_response_raw = EXCLUDED.search_response_raw,
			valor_min = EXCLUDED.valor_min,
			valor_max = EXCLUDED.valor_max,
			valor_avg = EXCLUDED.valor_avg,
			variation_pct = EXCLUDED.variation_pct,
			error_message = EXCLUDED.error_message,
			pdf_file_id = EXCLUDED.pdf_file_id,
			completed_at = EXCLUDED.completed_at,
			batch_id = EXCLUDED.batch_id,
			batch_index = EXCLUDED.batch_index
	`,
		req.ID, req.CreatedAt, req.InputText, req.InputImage, req.Code, req.ProjectID,
		req.Config.N, req.Config.VariationMaxPct.String(), req.Config.MaxValidProducts,
		req.Config.MaxBlockIterations, req.Config.DeepLookupRetries,
		req.Config.EnablePriceMismatchValidation, req.Config.Location, req.Config.Locale,
		req.Status, req.Checkpoint, req.LastHeartbeat, req.WorkerID, req.AttemptNumber, resumeData,
		req.Natureza, req.ClaudePayloadJSON, req.SearchResponseRaw,
		req.ValorMin.String(), req.ValorMax.String(), req.ValorAvg.String(),
		req.VariationPct.String(), req.ErrorMessage, req.PDFFileID,
		timeOrNil(req.StartedAt), timeOrNil(req.CompletedAt), req.BatchID, req.BatchIndex,
	)
	if err != nil {
		return fmt.Errorf("repository: save: upsert request: %w", err)
	}

	if err := r.replaceSources(ctx, tx, req.ID, req.Accepted); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("repository: save: commit: %w", err)
	}
	return nil
}

// replaceSources deletes and reinserts the request's accepted sources: a
// QuoteRequest owns them exclusively, so a full rewrite on every Save
// keeps them consistent without a separate diffing path.
func (r *RequestRepository) replaceSources(ctx context.Context, tx pgx.Tx, requestID string, sources []models.QuoteSource) error {
	if _, err := tx.Exec(ctx, `DELETE FROM quote_sources WHERE request_id = $1`, requestID); err != nil {
		return fmt.Errorf("repository: save: clear sources: %w", err)
	}
	if len(sources) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const q = `
		INSERT INTO quote_sources (
			request_id, url, domain, page_title, price_value, currency,
			extraction_method, screenshot_file_id, captured_at, is_accepted
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	for _, s := range sources {
		batch.Queue(q, requestID, s.URL, s.Domain, s.PageTitle, s.PriceValue.String(),
			s.Currency, s.ExtractionMethod, s.ScreenshotFileID, s.CapturedAt, s.IsAccepted)
	}
	results := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("repository: save: insert source %d: %w", i, err)
		}
	}
	return results.Close()
}

// SaveFailure appends one QuoteSourceFailure row. Failure rows are never
// overwritten or deleted, unlike accepted sources.
func (r *RequestRepository) SaveFailure(ctx context.Context, requestID string, f models.QuoteSourceFailure) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO quote_source_failures (
			request_id, url, domain, google_price, extracted_price,
			failure_reason, error_message, attempted_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, requestID, f.URL, f.Domain, decimalPtrString(f.GooglePrice), decimalPtrString(f.ExtractedPrice),
		f.FailureReason, f.ErrorMessage, f.AttemptedAt)
	if err != nil {
		return fmt.Errorf("repository: save failure: %w", err)
	}
	return nil
}

// Load retrieves a request's full resumable state: CheckpointManager.Claim
// uses it as a post-write confirmation read, and RequestOrchestrator.Run
// uses it to rebuild the in-memory QuoteRequest a crashed worker left off
// at — resume_data, natureza, and search_response_raw all drive
// checkpoint.ResumePoint and the resume branches in Run.
func (r *RequestRepository) Load(ctx context.Context, id string) (*models.QuoteRequest, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, created_at, input_text, code, project_id,
			config_n, config_variation_max_pct, config_max_valid_products,
			config_max_block_iterations, config_deep_lookup_retries,
			config_enable_price_mismatch_validation, config_location, config_locale,
			status, checkpoint, last_heartbeat, worker_id, attempt_number, resume_data,
			natureza, claude_payload_json, search_response_raw,
			valor_min, valor_max, valor_avg, variation_pct, error_message, pdf_file_id,
			started_at, completed_at, batch_id, batch_index
		FROM quote_requests WHERE id = $1
	`, id)

	req := &models.QuoteRequest{ID: id}
	var status, cp, natureza, variationMaxPct, valorMin, valorMax, valorAvg, variationPct string
	var resumeData []byte
	var startedAt, completedAt *time.Time

	err := row.Scan(
		&req.ID, &req.CreatedAt, &req.InputText, &req.Code, &req.ProjectID,
		&req.Config.N, &variationMaxPct, &req.Config.MaxValidProducts,
		&req.Config.MaxBlockIterations, &req.Config.DeepLookupRetries,
		&req.Config.EnablePriceMismatchValidation, &req.Config.Location, &req.Config.Locale,
		&status, &cp, &req.LastHeartbeat, &req.WorkerID, &req.AttemptNumber, &resumeData,
		&natureza, &req.ClaudePayloadJSON, &req.SearchResponseRaw,
		&valorMin, &valorMax, &valorAvg, &variationPct, &req.ErrorMessage, &req.PDFFileID,
		&startedAt, &completedAt, &req.BatchID, &req.BatchIndex,
	)
	if err != nil {
		return nil, fmt.Errorf("repository: load %s: %w", id, err)
	}

	req.Status = models.Status(status)
	req.Checkpoint = models.Checkpoint(cp)
	req.Natureza = models.Natureza(natureza)
	req.Config.VariationMaxPct = mustDecimal(variationMaxPct)
	req.ValorMin = mustDecimal(valorMin)
	req.ValorMax = mustDecimal(valorMax)
	req.ValorAvg = mustDecimal(valorAvg)
	req.VariationPct = mustDecimal(variationPct)
	if startedAt != nil {
		req.StartedAt = *startedAt
	}
	if completedAt != nil {
		req.CompletedAt = *completedAt
	}

	if len(resumeData) > 0 {
		if err := json.Unmarshal(resumeData, &req.ResumeData); err != nil {
			return nil, fmt.Errorf("repository: load %s: decode resume_data: %w", id, err)
		}
	}

	sources, err := r.loadSources(ctx, id)
	if err != nil {
		return nil, err
	}
	req.Accepted = sources

	return req, nil
}

// ListByBatch returns every request belonging to batchID in batch_index
// order, hydrated the same way Load hydrates a single request — satisfies
// orchestrator.RequestLister for BatchOrchestrator's fan-out.
func (r *RequestRepository) ListByBatch(ctx context.Context, batchID string) ([]*models.QuoteRequest, error) {
	ids, err := r.listIDs(ctx, `
		SELECT id FROM quote_requests WHERE batch_id = $1 ORDER BY batch_index ASC
	`, "list by batch", batchID)
	if err != nil {
		return nil, err
	}
	return r.loadAll(ctx, ids)
}

// loadSources hydrates a request's accepted QuoteSources.
func (r *RequestRepository) loadSources(ctx context.Context, requestID string) ([]models.QuoteSource, error) {
	rows, err := r.db.Query(ctx, `
		SELECT url, domain, page_title, price_value, currency, extraction_method,
			screenshot_file_id, captured_at, is_accepted
		FROM quote_sources WHERE request_id = $1
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("repository: load sources: %w", err)
	}
	defer rows.Close()

	var out []models.QuoteSource
	for rows.Next() {
		var s models.QuoteSource
		var priceValue, method string
		if err := rows.Scan(&s.URL, &s.Domain, &s.PageTitle, &priceValue, &s.Currency, &method,
			&s.ScreenshotFileID, &s.CapturedAt, &s.IsAccepted); err != nil {
			return nil, fmt.Errorf("repository: load sources: scan: %w", err)
		}
		s.PriceValue = mustDecimal(priceValue)
		s.ExtractionMethod = models.ExtractionMethod(method)
		out = append(out, s)
	}
	return out, rows.Err()
}

// FindUnclaimed lists freshly-enqueued PROCESSING requests with no
// worker_id yet, oldest first, for cmd/worker's claim loop to pick up —
// distinct from FindStuck, which targets requests a worker abandoned
// mid-flight.
func (r *RequestRepository) FindUnclaimed(ctx context.Context, limit int) ([]*models.QuoteRequest, error) {
	ids, err := r.listIDs(ctx, `
		SELECT id FROM quote_requests
		WHERE status = $1 AND (worker_id IS NULL OR worker_id = '')
		ORDER BY created_at ASC
		LIMIT $2
	`, "find unclaimed", models.StatusProcessing, limit)
	if err != nil {
		return nil, err
	}
	return r.loadAll(ctx, ids)
}

// FindStuck lists PROCESSING requests whose heartbeat is older than
// heartbeatTimeout, fully hydrated — the recovery sweep writes them back
// through Save, so a partial row here would clobber the stored state.
func (r *RequestRepository) FindStuck(ctx context.Context, heartbeatTimeout time.Duration) ([]*models.QuoteRequest, error) {
	cutoff := time.Now().Add(-heartbeatTimeout)
	ids, err := r.listIDs(ctx, `
		SELECT id FROM quote_requests WHERE status = $1 AND last_heartbeat < $2
	`, "find stuck", models.StatusProcessing, cutoff)
	if err != nil {
		return nil, err
	}
	return r.loadAll(ctx, ids)
}

// FindOverCeiling lists PROCESSING requests older than ceiling regardless
// of heartbeat freshness, fully hydrated for the same reason as FindStuck.
func (r *RequestRepository) FindOverCeiling(ctx context.Context, ceiling time.Duration) ([]*models.QuoteRequest, error) {
	cutoff := time.Now().Add(-ceiling)
	ids, err := r.listIDs(ctx, `
		SELECT id FROM quote_requests WHERE status = $1 AND started_at < $2
	`, "find over ceiling", models.StatusProcessing, cutoff)
	if err != nil {
		return nil, err
	}
	return r.loadAll(ctx, ids)
}

func (r *RequestRepository) listIDs(ctx context.Context, query, op string, args ...any) ([]string, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("repository: %s: %w", op, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("repository: %s: scan: %w", op, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *RequestRepository) loadAll(ctx context.Context, ids []string) ([]*models.QuoteRequest, error) {
	out := make([]*models.QuoteRequest, 0, len(ids))
	for _, id := range ids {
		req, err := r.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

// mustDecimal parses a stored decimal column, falling back to zero on an
// empty string (columns written before a value was ever computed).
func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func decimalPtrString[T interface{ String() string }](p *T) string {
	if p == nil {
		return ""
	}
	return (*p).String()
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
