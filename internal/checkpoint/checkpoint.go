// Package checkpoint tracks per-request progress durably: checkpoints,
// heartbeats, optimistic worker claims, resumable restart, and
// stuck-request detection.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/andresfleao/revaluation-quote-pipeline/internal/metrics"
	"github.com/andresfleao/revaluation-quote-pipeline/internal/models"
	"github.com/andresfleao/revaluation-quote-pipeline/pkg/logger"
)

const (
	// HeartbeatTimeout is the staleness threshold past which a PROCESSING
	// request is considered stuck.
	HeartbeatTimeout = 10 * time.Minute
	// MaxProcessingTime is the hard ceiling past which a PROCESSING request
	// is force-errored regardless of heartbeat freshness.
	MaxProcessingTime = 24 * time.Hour
	// maxErrorMessageLen caps stored error messages.
	maxErrorMessageLen = 1000
)

// Store is the persistence seam the manager writes through. No storage
// schema is implied; implementations only need optimistic single-row
// updates of worker_id, heartbeat, and checkpoint.
type Store interface {
	Save(ctx context.Context, req *models.QuoteRequest) error
	Load(ctx context.Context, id string) (*models.QuoteRequest, error)
	FindStuck(ctx context.Context, heartbeatTimeout time.Duration) ([]*models.QuoteRequest, error)
	FindOverCeiling(ctx context.Context, ceiling time.Duration) ([]*models.QuoteRequest, error)
}

// Manager is CheckpointManager.
type Manager struct {
	store Store
	log   *logger.Logger
}

// New builds a Manager.
func New(store Store, log *logger.Logger) *Manager {
	return &Manager{store: store, log: log}
}

// WorkerID returns a stable identifier for this process, combining
// hostname and PID.
func WorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Start initializes a freshly-created request: checkpoint=INIT,
// worker_id=current, heartbeat=now, started_at=now.
func (m *Manager) Start(ctx context.Context, req *models.QuoteRequest) error {
	now := time.Now()
	req.Checkpoint = models.CheckpointInit
	req.WorkerID = WorkerID()
	req.LastHeartbeat = now
	req.StartedAt = now
	req.Status = models.StatusProcessing
	if req.AttemptNumber == 0 {
		req.AttemptNumber = 1
	}
	return m.store.Save(ctx, req)
}

// ErrCancelled reports that an operator cancelled the request since it was
// loaded; callers must stop advancing its state.
var ErrCancelled = errors.New("checkpoint: request cancelled")

// Save merges resumeData into the request's existing resume dictionary,
// advances the checkpoint, and refreshes the heartbeat. It re-reads the
// stored row first and returns ErrCancelled instead of writing if an
// operator cancelled the request in the meantime, so a checkpoint write
// never resurrects a cancelled request.
func (m *Manager) Save(ctx context.Context, req *models.QuoteRequest, cp models.Checkpoint, resumeData map[string]any) error {
	stored, err := m.store.Load(ctx, req.ID)
	if err == nil && stored.Status == models.StatusCancelled {
		return ErrCancelled
	}

	if req.ResumeData == nil {
		req.ResumeData = map[string]any{}
	}
	for k, v := range resumeData {
		req.ResumeData[k] = v
	}
	req.Checkpoint = cp
	req.LastHeartbeat = time.Now()
	return m.store.Save(ctx, req)
}

// Heartbeat updates last_heartbeat without changing checkpoint state.
func (m *Manager) Heartbeat(ctx context.Context, req *models.QuoteRequest) error {
	req.LastHeartbeat = time.Now()
	return m.store.Save(ctx, req)
}

// Complete marks the request COMPLETED with the given terminal status,
// clearing worker_id.
func (m *Manager) Complete(ctx context.Context, req *models.QuoteRequest, status models.Status) error {
	req.Checkpoint = models.CheckpointCompleted
	req.Status = status
	req.CompletedAt = time.Now()
	req.WorkerID = ""
	return m.store.Save(ctx, req)
}

// Fail marks the request ERROR, truncating the message to 1000 chars.
func (m *Manager) Fail(ctx context.Context, req *models.QuoteRequest, message string) error {
	if len(message) > maxErrorMessageLen {
		message = message[:maxErrorMessageLen]
	}
	req.Status = models.StatusError
	req.ErrorMessage = message
	req.Checkpoint = models.CheckpointCompleted
	req.CompletedAt = time.Now()
	req.WorkerID = ""
	return m.store.Save(ctx, req)
}

// Claim performs an optimistic claim: refuses if another worker's
// heartbeat is younger than HeartbeatTimeout, otherwise writes worker_id
// and re-reads to confirm no concurrent claim won the race.
func (m *Manager) Claim(ctx context.Context, req *models.QuoteRequest) (bool, error) {
	if req.WorkerID != "" && time.Since(req.LastHeartbeat) < HeartbeatTimeout {
		return false, nil
	}

	if stored, err := m.store.Load(ctx, req.ID); err == nil && stored.Status == models.StatusCancelled {
		return false, nil
	}

	req.WorkerID = WorkerID()
	req.LastHeartbeat = time.Now()
	if err := m.store.Save(ctx, req); err != nil {
		return false, fmt.Errorf("checkpoint: claim: %w", err)
	}

	confirmed, err := m.store.Load(ctx, req.ID)
	if err != nil {
		return false, fmt.Errorf("checkpoint: claim confirm: %w", err)
	}
	if confirmed.WorkerID != req.WorkerID {
		return false, nil
	}
	return true, nil
}

// ResumePoint chooses the checkpoint to resume from given the request's
// persisted state: a persisted analysis payload skips re-analysis (and
// routes vehicles straight to the FIPE path), a persisted shopping
// response skips re-searching, and recorded tested-product progress
// continues mid-extraction.
func ResumePoint(req *models.QuoteRequest) models.Checkpoint {
	if len(req.ClaudePayloadJSON) > 0 {
		if req.Natureza.IsVeiculo() {
			return models.CheckpointFIPESearch
		}
		if len(req.SearchResponseRaw) > 0 {
			if _, ok := req.ResumeData["tested_products"]; ok {
				return models.CheckpointPriceExtractionProg
			}
			return models.CheckpointPriceExtractionStart
		}
		return models.CheckpointShoppingSearchStart
	}
	return models.CheckpointInit
}

// FindStuck lists PROCESSING requests whose heartbeat is older than
// HeartbeatTimeout, resets their claim, and increments attempt_number so
// the claim loop picks them up again. Runs as its own recovery sweep,
// distinct from the claim loop.
func (m *Manager) FindStuck(ctx context.Context) ([]*models.QuoteRequest, error) {
	stuck, err := m.store.FindStuck(ctx, HeartbeatTimeout)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: find stuck: %w", err)
	}
	for _, req := range stuck {
		req.WorkerID = ""
		req.LastHeartbeat = time.Now()
		req.AttemptNumber++
		req.Checkpoint = ResumePoint(req)
		if err := m.store.Save(ctx, req); err != nil {
			m.log.Warn("failed to reset stuck request", "request_id", req.ID, "error", err)
			continue
		}
		metrics.StuckRequestsRecovered.Inc()
	}
	return stuck, nil
}

// SweepHardCeiling moves any request older than MaxProcessingTime in
// PROCESSING to ERROR, independent of heartbeat freshness.
func (m *Manager) SweepHardCeiling(ctx context.Context) (int, error) {
	overdue, err := m.store.FindOverCeiling(ctx, MaxProcessingTime)
	if err != nil {
		return 0, fmt.Errorf("checkpoint: sweep ceiling: %w", err)
	}
	for _, req := range overdue {
		if err := m.Fail(ctx, req, "timeout: processing exceeded 24 hours"); err != nil {
			m.log.Warn("failed to fail overdue request", "request_id", req.ID, "error", err)
		}
	}
	return len(overdue), nil
}
