package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/andresfleao/revaluation-quote-pipeline/internal/metrics"
	"github.com/andresfleao/revaluation-quote-pipeline/internal/models"
	"github.com/andresfleao/revaluation-quote-pipeline/pkg/logger"
)

// BatchStore is the persistence seam BatchOrchestrator writes through.
type BatchStore interface {
	AdvanceIndex(ctx context.Context, batchID string, index int) error
	Recompute(ctx context.Context, batchID string) (models.BatchJob, error)
	Cancel(ctx context.Context, batchID string) error
	Load(ctx context.Context, batchID string) (models.BatchJob, error)
}

// RequestLister retrieves a batch's member requests in batch_index order,
// a query specific enough to the batch/request relationship that it lives
// outside BatchStore's narrower per-job contract.
type RequestLister interface {
	ListByBatch(ctx context.Context, batchID string) ([]*models.QuoteRequest, error)
}

// BatchOrchestrator fans out over a batch's QuoteRequests: a work-queue
// channel drained by a fixed goroutine pool. No per-worker error channel —
// each item's outcome is already persisted by RequestOrchestrator itself.
type BatchOrchestrator struct {
	workers  int
	store    BatchStore
	requests RequestLister
	driver   *RequestOrchestrator
	log      *logger.Logger
}

// NewBatchOrchestrator builds a BatchOrchestrator with the given worker
// count (typically 2-4).
func NewBatchOrchestrator(workers int, store BatchStore, requests RequestLister, driver *RequestOrchestrator, log *logger.Logger) *BatchOrchestrator {
	if workers < 1 {
		workers = 1
	}
	return &BatchOrchestrator{workers: workers, store: store, requests: requests, driver: driver, log: log}
}

// Run drives every member of batchID to a terminal status, skipping
// anything with a batch_index below last_processed_index (resume semantics), and
// leaves the batch at its recomputed terminal status.
func (b *BatchOrchestrator) Run(ctx context.Context, batchID string) (models.BatchJob, error) {
	job, err := b.store.Load(ctx, batchID)
	if err != nil {
		return job, fmt.Errorf("batch orchestrator: load: %w", err)
	}
	if job.Status == models.BatchStatusCancelled {
		return job, nil
	}

	all, err := b.requests.ListByBatch(ctx, batchID)
	if err != nil {
		return job, fmt.Errorf("batch orchestrator: list members: %w", err)
	}

	pending := make([]*models.QuoteRequest, 0, len(all))
	for _, req := range all {
		if req.BatchIndex < job.LastProcessedIndex {
			continue
		}
		pending = append(pending, req)
	}
	metrics.BatchQueueSize.WithLabelValues(batchID).Set(float64(len(pending)))

	queue := make(chan *models.QuoteRequest, len(pending))
	for _, req := range pending {
		queue <- req
	}
	close(queue)

	// last_processed_index must only ever advance to a point past which
	// every lower index has actually completed — workers finish out of
	// batch_index order, so a naive "persist my own index" would let a
	// fast high-index item mark a still-in-flight lower-index item as
	// done, and a crash right after would drop that item on resume.
	// completed/contiguous tracks the gap-free prefix and only that
	// prefix is ever persisted.
	var mu sync.Mutex
	completed := make(map[int]struct{})
	contiguous := job.LastProcessedIndex

	markComplete := func(index int) (next int, advanced bool) {
		mu.Lock()
		defer mu.Unlock()
		completed[index] = struct{}{}
		for {
			if _, ok := completed[contiguous]; !ok {
				break
			}
			delete(completed, contiguous)
			contiguous++
			advanced = true
		}
		return contiguous, advanced
	}

	var wg sync.WaitGroup
	for i := 0; i < b.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for req := range queue {
				if cancelled(ctx, b.store, batchID) {
					return
				}

				if err := b.driver.Run(ctx, req); err != nil {
					b.log.Error("batch member failed", "batch_id", batchID, "request_id", req.ID, "error", err)
				}

				next, advanced := markComplete(req.BatchIndex)
				if !advanced {
					continue
				}
				if err := b.store.AdvanceIndex(ctx, batchID, next); err != nil {
					b.log.Warn("failed to advance batch index", "batch_id", batchID, "error", err)
				}
			}
		}()
	}
	wg.Wait()

	metrics.BatchQueueSize.WithLabelValues(batchID).Set(0)
	return b.store.Recompute(ctx, batchID)
}

// cancelled checks whether an operator has requested CANCELLED for this
// batch since the last item started. Cancellation is honored between
// batch members, never mid-member.
func cancelled(ctx context.Context, store BatchStore, batchID string) bool {
	job, err := store.Load(ctx, batchID)
	if err != nil {
		return false
	}
	return job.Status == models.BatchStatusCancelled
}
