package badger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/lbds137/tzurot/internal/interfaces"
	"github.com/lbds137/tzurot/internal/models"
)

// PendingMemoryStorage is the persistent retry queue for failed memory
// stores.
type PendingMemoryStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewPendingMemoryStorage creates a PendingMemoryStorage instance.
func NewPendingMemoryStorage(db *BadgerDB, logger arbor.ILogger) interfaces.PendingMemoryStorage {
	return &PendingMemoryStorage{
		db:     db,
		logger: logger,
	}
}

// Save inserts a new pending row.
func (s *PendingMemoryStorage) Save(ctx context.Context, pm *models.PendingMemory) error {
	if pm.ID == "" {
		return fmt.Errorf("pending memory requires an ID")
	}
	if pm.CreatedAt.IsZero() {
		pm.CreatedAt = time.Now()
	}
	if err := s.db.Store().Upsert(pm.ID, pm); err != nil {
		return fmt.Errorf("failed to save pending memory %s: %w", pm.ID, err)
	}
	s.logger.Debug().
		Str("pending_memory_id", pm.ID).
		Str("request_id", pm.Metadata.RequestID).
		Msg("Pending memory queued")
	return nil
}

// ListRetryable returns up to limit rows with attempts < cap, oldest first.
func (s *PendingMemoryStorage) ListRetryable(ctx context.Context, cap, limit int) ([]*models.PendingMemory, error) {
	var rows []models.PendingMemory
	if err := s.db.Store().Find(&rows, badgerhold.Where("Attempts").Lt(cap)); err != nil {
		return nil, fmt.Errorf("failed to list retryable pending memories: %w", err)
	}

	sort.Slice(rows, func(i, j int) bool {
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	out := make([]*models.PendingMemory, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}

// Update persists attempt counters after a retry. Attempts never decrease.
func (s *PendingMemoryStorage) Update(ctx context.Context, pm *models.PendingMemory) error {
	var existing models.PendingMemory
	if err := s.db.Store().Get(pm.ID, &existing); err == nil {
		if pm.Attempts < existing.Attempts {
			return fmt.Errorf("pending memory %s attempts may not decrease (%d -> %d)",
				pm.ID, existing.Attempts, pm.Attempts)
		}
	}
	if err := s.db.Store().Upsert(pm.ID, pm); err != nil {
		return fmt.Errorf("failed to update pending memory %s: %w", pm.ID, err)
	}
	return nil
}

// Delete removes a row after successful storage.
func (s *PendingMemoryStorage) Delete(ctx context.Context, id string) error {
	err := s.db.Store().Delete(id, &models.PendingMemory{})
	if err == badgerhold.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete pending memory %s: %w", id, err)
	}
	return nil
}

// Stats returns the total count and a by-attempt histogram.
func (s *PendingMemoryStorage) Stats(ctx context.Context) (*models.PendingMemoryStats, error) {
	var rows []models.PendingMemory
	if err := s.db.Store().Find(&rows, nil); err != nil {
		return nil, fmt.Errorf("failed to collect pending memory stats: %w", err)
	}

	stats := &models.PendingMemoryStats{
		Total:      len(rows),
		ByAttempts: make(map[int]int),
	}
	for _, row := range rows {
		stats.ByAttempts[row.Attempts]++
	}
	return stats, nil
}
