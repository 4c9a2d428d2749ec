package repository

import (
	"context"
	"fmt"

	"github.com/andresfleao/revaluation-quote-pipeline/internal/models"
)

// BatchRepository persists BatchJob state. Completed/failed counters are
// always recalculated from child rows, never mutated directly, so they
// converge after partial runs.
type BatchRepository struct {
	db DBPool
}

// NewBatchRepository builds a BatchRepository.
func NewBatchRepository(db DBPool) *BatchRepository {
	return &BatchRepository{db: db}
}

// Create inserts a new BatchJob row.
func (r *BatchRepository) Create(ctx context.Context, job *models.BatchJob) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO batch_jobs (id, project_id, status, total_items, completed_items,
			failed_items, last_processed_index, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, job.ID, job.ProjectID, job.Status, job.TotalItems, job.CompletedItems,
		job.FailedItems, job.LastProcessedIndex, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("repository: create batch: %w", err)
	}
	return nil
}

// AdvanceIndex persists last_processed_index after each item completes, so
// a crashed batch resumes past everything already attempted.
// The GREATEST guard makes the write monotonic even if two
// concurrent calls for the same batch arrive out of order at the
// database — last_processed_index only ever moves forward.
func (r *BatchRepository) AdvanceIndex(ctx context.Context, batchID string, index int) error {
	_, err := r.db.Exec(ctx, `
		UPDATE batch_jobs SET last_processed_index = GREATEST(last_processed_index, $2) WHERE id = $1
	`, batchID, index)
	if err != nil {
		return fmt.Errorf("repository: advance batch index: %w", err)
	}
	return nil
}

// Recompute derives completed_items/failed_items from the batch's child
// QuoteRequests and writes the implied status: PROCESSING while fewer than
// total_items have finished, then COMPLETED if none failed,
// PARTIALLY_COMPLETED if some succeeded and some failed, ERROR if all failed.
func (r *BatchRepository) Recompute(ctx context.Context, batchID string) (models.BatchJob, error) {
	var job models.BatchJob
	job.ID = batchID

	row := r.db.QueryRow(ctx, `SELECT total_items FROM batch_jobs WHERE id = $1`, batchID)
	if err := row.Scan(&job.TotalItems); err != nil {
		return job, fmt.Errorf("repository: recompute: load total: %w", err)
	}

	countRow := r.db.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status IN ('DONE', 'AWAITING_REVIEW')),
			COUNT(*) FILTER (WHERE status = 'ERROR')
		FROM quote_requests WHERE batch_id = $1
	`, batchID)
	if err := countRow.Scan(&job.CompletedItems, &job.FailedItems); err != nil {
		return job, fmt.Errorf("repository: recompute: count children: %w", err)
	}

	finished := job.CompletedItems + job.FailedItems
	switch {
	case finished < job.TotalItems:
		job.Status = models.BatchStatusProcessing
	case job.FailedItems == 0:
		job.Status = models.BatchStatusCompleted
	case job.CompletedItems == 0:
		job.Status = models.BatchStatusError
	default:
		job.Status = models.BatchStatusPartiallyCompleted
	}

	_, err := r.db.Exec(ctx, `
		UPDATE batch_jobs SET completed_items = $2, failed_items = $3, status = $4
		WHERE id = $1
	`, batchID, job.CompletedItems, job.FailedItems, job.Status)
	if err != nil {
		return job, fmt.Errorf("repository: recompute: write: %w", err)
	}
	return job, nil
}

// FindProcessing lists batches still in PROCESSING, oldest first, so a
// restarted worker resumes them from their last_processed_index.
func (r *BatchRepository) FindProcessing(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id FROM batch_jobs WHERE status = 'PROCESSING' ORDER BY created_at LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: find processing batches: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("repository: scan batch id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Cancel sets a batch's status to CANCELLED (operator abort).
func (r *BatchRepository) Cancel(ctx context.Context, batchID string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE batch_jobs SET status = $2 WHERE id = $1
	`, batchID, models.BatchStatusCancelled)
	if err != nil {
		return fmt.Errorf("repository: cancel batch: %w", err)
	}
	return nil
}

// Load retrieves a BatchJob's resumable state (id, last_processed_index,
// total_items), enough to drive BatchOrchestrator.Run.
func (r *BatchRepository) Load(ctx context.Context, batchID string) (models.BatchJob, error) {
	var job models.BatchJob
	job.ID = batchID
	row := r.db.QueryRow(ctx, `
		SELECT project_id, status, total_items, completed_items, failed_items, last_processed_index
		FROM batch_jobs WHERE id = $1
	`, batchID)
	var status string
	if err := row.Scan(&job.ProjectID, &status, &job.TotalItems, &job.CompletedItems, &job.FailedItems, &job.LastProcessedIndex); err != nil {
		return job, fmt.Errorf("repository: load batch %s: %w", batchID, err)
	}
	job.Status = models.BatchStatus(status)
	return job, nil
}
