//go:build integration

package repository

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresfleao/revaluation-quote-pipeline/internal/models"
)

func TestRequestRepository_SaveLoadRoundTrip(t *testing.T) {
	tc := setupTestPostgres(t)
	repo := NewRequestRepository(tc.pool)
	ctx := context.Background()

	req := &models.QuoteRequest{
		ID:           "req-int-1",
		CreatedAt:    time.Now().Truncate(time.Second),
		InputText:    "notebook dell inspiron 14",
		Config:       models.DefaultConfig(),
		Status:       models.StatusProcessing,
		Checkpoint:   models.CheckpointShoppingSearchDone,
		Natureza:     models.NaturezaProduto,
		ValorMin:     decimal.NewFromFloat(999.90),
		ValorMax:     decimal.NewFromFloat(1099.90),
		ValorAvg:     decimal.NewFromFloat(1049.90),
		VariationPct: decimal.NewFromInt(9),
		Accepted: []models.QuoteSource{
			{
				URL:              "https://loja.com.br/produto/1",
				Domain:           "loja.com.br",
				PageTitle:        "Notebook Dell Inspiron 14",
				PriceValue:       decimal.NewFromFloat(999.90),
				Currency:         "BRL",
				ExtractionMethod: models.MethodJSONLD,
				CapturedAt:       time.Now().Truncate(time.Second),
				IsAccepted:       true,
			},
		},
	}

	require.NoError(t, repo.Save(ctx, req))

	loaded, err := repo.Load(ctx, req.ID)
	require.NoError(t, err)

	assert.Equal(t, req.InputText, loaded.InputText)
	assert.Equal(t, req.Status, loaded.Status)
	assert.Equal(t, req.Checkpoint, loaded.Checkpoint)
	assert.True(t, req.ValorAvg.Equal(loaded.ValorAvg))
	require.Len(t, loaded.Accepted, 1)
	assert.Equal(t, "loja.com.br", loaded.Accepted[0].Domain)
	assert.True(t, req.Accepted[0].PriceValue.Equal(loaded.Accepted[0].PriceValue))
}

func TestRequestRepository_SaveReplacesSourcesOnResave(t *testing.T) {
	tc := setupTestPostgres(t)
	repo := NewRequestRepository(tc.pool)
	ctx := context.Background()

	base := &models.QuoteRequest{
		ID:        "req-int-2",
		CreatedAt: time.Now().Truncate(time.Second),
		Config:    models.DefaultConfig(),
		Status:    models.StatusProcessing,
		Accepted: []models.QuoteSource{
			{URL: "https://loja.com.br/a", Domain: "loja.com.br", PriceValue: decimal.NewFromInt(100),
				Currency: "BRL", ExtractionMethod: models.MethodDOM, CapturedAt: time.Now()},
			{URL: "https://loja.com.br/b", Domain: "loja.com.br", PriceValue: decimal.NewFromInt(200),
				Currency: "BRL", ExtractionMethod: models.MethodDOM, CapturedAt: time.Now()},
		},
	}
	require.NoError(t, repo.Save(ctx, base))

	base.Status = models.StatusDone
	base.Accepted = []models.QuoteSource{
		{URL: "https://loja.com.br/c", Domain: "loja.com.br", PriceValue: decimal.NewFromInt(300),
			Currency: "BRL", ExtractionMethod: models.MethodMeta, CapturedAt: time.Now()},
	}
	require.NoError(t, repo.Save(ctx, base))

	loaded, err := repo.Load(ctx, base.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Accepted, 1)
	assert.Equal(t, "https://loja.com.br/c", loaded.Accepted[0].URL)
}

func TestRequestRepository_FindUnclaimedAndFindStuck(t *testing.T) {
	tc := setupTestPostgres(t)
	repo := NewRequestRepository(tc.pool)
	ctx := context.Background()

	fresh := &models.QuoteRequest{
		ID: "req-int-3", CreatedAt: time.Now(), Config: models.DefaultConfig(),
		Status: models.StatusProcessing,
	}
	require.NoError(t, repo.Save(ctx, fresh))

	unclaimed, err := repo.FindUnclaimed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unclaimed, 1)
	assert.Equal(t, "req-int-3", unclaimed[0].ID)

	fresh.WorkerID = "worker-1"
	fresh.LastHeartbeat = time.Now().Add(-20 * time.Minute)
	require.NoError(t, repo.Save(ctx, fresh))

	stuck, err := repo.FindStuck(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "worker-1", stuck[0].WorkerID)
}

func TestRequestRepository_SaveFailureIsAppendOnly(t *testing.T) {
	tc := setupTestPostgres(t)
	repo := NewRequestRepository(tc.pool)
	ctx := context.Background()

	require.NoError(t, repo.SaveFailure(ctx, "req-int-4", models.QuoteSourceFailure{
		URL: "https://loja.com.br/x", Domain: "loja.com.br",
		FailureReason: models.FailureListingURL, AttemptedAt: time.Now(),
	}))
	require.NoError(t, repo.SaveFailure(ctx, "req-int-4", models.QuoteSourceFailure{
		URL: "https://loja.com.br/x", Domain: "loja.com.br",
		FailureReason: models.FailureListingURL, AttemptedAt: time.Now(),
	}))

	var count int
	err := tc.pool.QueryRow(ctx, `SELECT COUNT(*) FROM quote_source_failures WHERE request_id = $1`, "req-int-4").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestBatchRepository_CreateAndRecompute(t *testing.T) {
	tc := setupTestPostgres(t)
	requests := NewRequestRepository(tc.pool)
	batches := NewBatchRepository(tc.pool)
	ctx := context.Background()

	job := &models.BatchJob{ID: "batch-int-1", ProjectID: "proj-1", Status: models.BatchStatusProcessing,
		TotalItems: 2, CreatedAt: time.Now()}
	require.NoError(t, batches.Create(ctx, job))

	require.NoError(t, requests.Save(ctx, &models.QuoteRequest{
		ID: "req-int-5", CreatedAt: time.Now(), Config: models.DefaultConfig(),
		Status: models.StatusDone, BatchID: job.ID, BatchIndex: 0,
	}))
	require.NoError(t, requests.Save(ctx, &models.QuoteRequest{
		ID: "req-int-6", CreatedAt: time.Now(), Config: models.DefaultConfig(),
		Status: models.StatusError, BatchID: job.ID, BatchIndex: 1,
	}))

	recomputed, err := batches.Recompute(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, recomputed.CompletedItems)
	assert.Equal(t, 1, recomputed.FailedItems)
	assert.Equal(t, models.BatchStatusPartiallyCompleted, recomputed.Status)
}

func TestDomainRepository_ListBlockedDomains(t *testing.T) {
	tc := setupTestPostgres(t)
	repo := NewDomainRepository(tc.pool)
	ctx := context.Background()

	_, err := tc.pool.Exec(ctx, `INSERT INTO blocked_domains (domain, active) VALUES ($1, true), ($2, false)`,
		"mercadolivre.com.br", "inactive-example.com.br")
	require.NoError(t, err)

	blocked, err := repo.ListBlockedDomains(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"mercadolivre.com.br"}, blocked)
}
