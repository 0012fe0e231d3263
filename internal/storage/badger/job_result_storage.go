package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/lbds137/tzurot/internal/interfaces"
	"github.com/lbds137/tzurot/internal/models"
)

// JobResultStorage persists terminal job results keyed by job ID.
type JobResultStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobResultStorage creates a JobResultStorage instance.
func NewJobResultStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobResultStorage {
	return &JobResultStorage{
		db:     db,
		logger: logger,
	}
}

// SaveResult inserts or idempotently upserts the row for the job. CreatedAt
// is preserved across upserts.
func (s *JobResultStorage) SaveResult(ctx context.Context, result *models.JobResult) error {
	if result.JobID == "" {
		return fmt.Errorf("job result requires a job ID")
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now()
	}
	if result.CompletedAt.IsZero() {
		result.CompletedAt = time.Now()
	}
	if result.Status == "" {
		result.Status = models.DeliveryStatusPending
	}

	var existing models.JobResult
	if err := s.db.Store().Get(result.JobID, &existing); err == nil {
		result.CreatedAt = existing.CreatedAt
	}

	if err := s.db.Store().Upsert(result.JobID, result); err != nil {
		return fmt.Errorf("failed to save job result %s: %w", result.JobID, err)
	}

	s.logger.Debug().
		Str("job_id", result.JobID).
		Str("request_id", result.RequestID).
		Str("status", string(result.Status)).
		Msg("Job result persisted")
	return nil
}

// GetResult loads the row for a job ID.
func (s *JobResultStorage) GetResult(ctx context.Context, jobID string) (*models.JobResult, error) {
	var result models.JobResult
	err := s.db.Store().Get(jobID, &result)
	if err == badgerhold.ErrNotFound {
		return nil, interfaces.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job result %s: %w", jobID, err)
	}
	return &result, nil
}

// MarkDelivered flips pending_delivery to delivered. The transition is an
// implicit CAS on status; double delivery is benign.
func (s *JobResultStorage) MarkDelivered(ctx context.Context, jobID string) error {
	var result models.JobResult
	err := s.db.Store().Get(jobID, &result)
	if err == badgerhold.ErrNotFound {
		return interfaces.ErrKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get job result %s: %w", jobID, err)
	}

	if result.Status == models.DeliveryStatusDelivered {
		return nil
	}

	now := time.Now()
	result.Status = models.DeliveryStatusDelivered
	result.DeliveredAt = &now

	if err := s.db.Store().Upsert(jobID, &result); err != nil {
		return fmt.Errorf("failed to mark job result %s delivered: %w", jobID, err)
	}
	return nil
}

// ListByRequest returns every result row for a request.
func (s *JobResultStorage) ListByRequest(ctx context.Context, requestID string) ([]*models.JobResult, error) {
	var rows []models.JobResult
	if err := s.db.Store().Find(&rows, badgerhold.Where("RequestID").Eq(requestID)); err != nil {
		return nil, fmt.Errorf("failed to list results for request %s: %w", requestID, err)
	}
	out := make([]*models.JobResult, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}
