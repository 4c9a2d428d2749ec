package repository

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresfleao/revaluation-quote-pipeline/internal/models"
)

func TestBatchCreate_InsertsJobRow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewBatchRepository(mock)

	mock.ExpectExec(`INSERT INTO batch_jobs`).
		WithArgs("batch-1", "proj-1", models.BatchStatusProcessing, 5, 0, 0, 0, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	job := &models.BatchJob{
		ID:         "batch-1",
		ProjectID:  "proj-1",
		Status:     models.BatchStatusProcessing,
		TotalItems: 5,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, repo.Create(context.Background(), job))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchAdvanceIndex_UpdatesLastProcessed(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewBatchRepository(mock)

	mock.ExpectExec(`UPDATE batch_jobs SET last_processed_index`).
		WithArgs("batch-1", 3).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.AdvanceIndex(context.Background(), "batch-1", 3))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchCancel_SetsCancelledStatus(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewBatchRepository(mock)

	mock.ExpectExec(`UPDATE batch_jobs SET status`).
		WithArgs("batch-1", models.BatchStatusCancelled).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.Cancel(context.Background(), "batch-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchLoad_HydratesJob(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewBatchRepository(mock)

	rows := pgxmock.NewRows([]string{"project_id", "status", "total_items", "completed_items", "failed_items", "last_processed_index"}).
		AddRow("proj-1", "PROCESSING", 5, 2, 1, 3)

	mock.ExpectQuery(`SELECT project_id, status, total_items, completed_items, failed_items, last_processed_index FROM batch_jobs`).
		WithArgs("batch-1").
		WillReturnRows(rows)

	job, err := repo.Load(context.Background(), "batch-1")
	require.NoError(t, err)
	assert.Equal(t, "proj-1", job.ProjectID)
	assert.Equal(t, models.BatchStatusProcessing, job.Status)
	assert.Equal(t, 5, job.TotalItems)
	assert.Equal(t, 3, job.LastProcessedIndex)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchFindProcessing_ListsResumableBatches(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewBatchRepository(mock)

	mock.ExpectQuery(`SELECT id FROM batch_jobs WHERE status = 'PROCESSING'`).
		WithArgs(5).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("batch-1").AddRow("batch-2"))

	ids, err := repo.FindProcessing(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"batch-1", "batch-2"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchRecompute_AllSucceeded(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewBatchRepository(mock)

	mock.ExpectQuery(`SELECT total_items FROM batch_jobs WHERE id = \$1`).
		WithArgs("batch-1").
		WillReturnRows(pgxmock.NewRows([]string{"total_items"}).AddRow(3))

	mock.ExpectQuery(`FROM quote_requests WHERE batch_id = \$1`).
		WithArgs("batch-1").
		WillReturnRows(pgxmock.NewRows([]string{"count", "count"}).AddRow(3, 0))

	mock.ExpectExec(`UPDATE batch_jobs SET completed_items`).
		WithArgs("batch-1", 3, 0, models.BatchStatusCompleted).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	job, err := repo.Recompute(context.Background(), "batch-1")
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCompleted, job.Status)
	assert.Equal(t, 3, job.CompletedItems)
	assert.Equal(t, 0, job.FailedItems)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchRecompute_PartiallyCompleted(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewBatchRepository(mock)

	mock.ExpectQuery(`SELECT total_items FROM batch_jobs WHERE id = \$1`).
		WithArgs("batch-2").
		WillReturnRows(pgxmock.NewRows([]string{"total_items"}).AddRow(4))

	mock.ExpectQuery(`FROM quote_requests WHERE batch_id = \$1`).
		WithArgs("batch-2").
		WillReturnRows(pgxmock.NewRows([]string{"count", "count"}).AddRow(2, 2))

	mock.ExpectExec(`UPDATE batch_jobs SET completed_items`).
		WithArgs("batch-2", 2, 2, models.BatchStatusPartiallyCompleted).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	job, err := repo.Recompute(context.Background(), "batch-2")
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusPartiallyCompleted, job.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
