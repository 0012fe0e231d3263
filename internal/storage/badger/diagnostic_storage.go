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

// DiagnosticStorage is the write-mostly flight-recorder table, retained 24
// hours via the scheduled cleanup.
type DiagnosticStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewDiagnosticStorage creates a DiagnosticStorage instance.
func NewDiagnosticStorage(db *BadgerDB, logger arbor.ILogger) interfaces.DiagnosticStorage {
	return &DiagnosticStorage{
		db:     db,
		logger: logger,
	}
}

// Save upserts the diagnostic row for a request.
func (s *DiagnosticStorage) Save(ctx context.Context, rec *models.DiagnosticRecord) error {
	if rec.RequestID == "" {
		return fmt.Errorf("diagnostic record requires a request ID")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if err := s.db.Store().Upsert(rec.RequestID, rec); err != nil {
		return fmt.Errorf("failed to save diagnostic record %s: %w", rec.RequestID, err)
	}
	return nil
}

// Get loads the diagnostic row for a request.
func (s *DiagnosticStorage) Get(ctx context.Context, requestID string) (*models.DiagnosticRecord, error) {
	var rec models.DiagnosticRecord
	err := s.db.Store().Get(requestID, &rec)
	if err == badgerhold.ErrNotFound {
		return nil, interfaces.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get diagnostic record %s: %w", requestID, err)
	}
	return &rec, nil
}

// DeleteOlderThan purges rows past the retention window.
func (s *DiagnosticStorage) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	var rows []models.DiagnosticRecord
	if err := s.db.Store().Find(&rows, badgerhold.Where("CreatedAt").Lt(cutoff)); err != nil {
		return 0, fmt.Errorf("failed to list expired diagnostic records: %w", err)
	}

	deleted := 0
	for _, row := range rows {
		if err := s.db.Store().Delete(row.RequestID, &models.DiagnosticRecord{}); err != nil && err != badgerhold.ErrNotFound {
			s.logger.Warn().Err(err).Str("request_id", row.RequestID).Msg("Failed to delete diagnostic record")
			continue
		}
		deleted++
	}

	if deleted > 0 {
		s.logger.Info().Int("deleted_count", deleted).Msg("Purged expired diagnostic records")
	}
	return deleted, nil
}
