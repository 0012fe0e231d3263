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

// ShapesStorage holds import/export job rows and encrypted session
// credentials.
type ShapesStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewShapesStorage creates a ShapesStorage instance.
func NewShapesStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ShapesStorage {
	return &ShapesStorage{
		db:     db,
		logger: logger,
	}
}

// SaveJob upserts an import/export job row, preserving CreatedAt.
func (s *ShapesStorage) SaveJob(ctx context.Context, row *models.ShapesJobRow) error {
	if row.ID == "" {
		return fmt.Errorf("shapes job row requires an ID")
	}
	now := time.Now()
	row.UpdatedAt = now
	var existing models.ShapesJobRow
	if err := s.db.Store().Get(row.ID, &existing); err == nil {
		row.CreatedAt = existing.CreatedAt
	} else if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	if err := s.db.Store().Upsert(row.ID, row); err != nil {
		return fmt.Errorf("failed to save shapes job %s: %w", row.ID, err)
	}
	return nil
}

// GetJob loads an import/export job row.
func (s *ShapesStorage) GetJob(ctx context.Context, id string) (*models.ShapesJobRow, error) {
	var row models.ShapesJobRow
	err := s.db.Store().Get(id, &row)
	if err == badgerhold.ErrNotFound {
		return nil, interfaces.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get shapes job %s: %w", id, err)
	}
	return &row, nil
}

// GetCredential loads a user's encrypted session credential.
func (s *ShapesStorage) GetCredential(ctx context.Context, userID string) (*models.ShapesCredential, error) {
	var cred models.ShapesCredential
	err := s.db.Store().Get(userID, &cred)
	if err == badgerhold.ErrNotFound {
		return nil, interfaces.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get shapes credential for %s: %w", userID, err)
	}
	return &cred, nil
}

// SaveCredential persists a (rotated) session credential.
func (s *ShapesStorage) SaveCredential(ctx context.Context, cred *models.ShapesCredential) error {
	cred.UpdatedAt = time.Now()
	if err := s.db.Store().Upsert(cred.UserID, cred); err != nil {
		return fmt.Errorf("failed to save shapes credential for %s: %w", cred.UserID, err)
	}
	return nil
}
