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

// PersonalityStorage holds personality records and the user configuration
// hierarchy.
type PersonalityStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewPersonalityStorage creates a PersonalityStorage instance.
func NewPersonalityStorage(db *BadgerDB, logger arbor.ILogger) interfaces.PersonalityStorage {
	return &PersonalityStorage{
		db:     db,
		logger: logger,
	}
}

// GetBySlug resolves a personality by its stable external identifier.
// Resolving the same slug twice yields the same row.
func (s *PersonalityStorage) GetBySlug(ctx context.Context, slug string) (*models.Personality, error) {
	var rows []models.Personality
	if err := s.db.Store().Find(&rows, badgerhold.Where("Slug").Eq(slug)); err != nil {
		return nil, fmt.Errorf("failed to find personality by slug %s: %w", slug, err)
	}
	if len(rows) == 0 {
		return nil, interfaces.ErrKeyNotFound
	}
	return &rows[0], nil
}

// GetByID loads a personality by internal ID.
func (s *PersonalityStorage) GetByID(ctx context.Context, id string) (*models.Personality, error) {
	var p models.Personality
	err := s.db.Store().Get(id, &p)
	if err == badgerhold.ErrNotFound {
		return nil, interfaces.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get personality %s: %w", id, err)
	}
	return &p, nil
}

// Upsert writes a personality record, preserving CreatedAt on updates.
func (s *PersonalityStorage) Upsert(ctx context.Context, p *models.Personality) error {
	if p.ID == "" {
		return fmt.Errorf("personality requires an ID")
	}
	now := time.Now()
	p.UpdatedAt = now
	var existing models.Personality
	if err := s.db.Store().Get(p.ID, &existing); err == nil {
		p.CreatedAt = existing.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if err := s.db.Store().Upsert(p.ID, p); err != nil {
		return fmt.Errorf("failed to upsert personality %s: %w", p.Slug, err)
	}
	return nil
}

// GetUserConfig loads a user's default override.
func (s *PersonalityStorage) GetUserConfig(ctx context.Context, userID string) (*models.UserConfig, error) {
	var cfg models.UserConfig
	err := s.db.Store().Get(userID, &cfg)
	if err == badgerhold.ErrNotFound {
		return nil, interfaces.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user config %s: %w", userID, err)
	}
	return &cfg, nil
}

// GetUserPersonalityConfig loads a user's per-personality override.
func (s *PersonalityStorage) GetUserPersonalityConfig(ctx context.Context, userID, personalityID string) (*models.UserPersonalityConfig, error) {
	var cfg models.UserPersonalityConfig
	err := s.db.Store().Get(models.UserPersonalityConfigKey(userID, personalityID), &cfg)
	if err == badgerhold.ErrNotFound {
		return nil, interfaces.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user personality config %s/%s: %w", userID, personalityID, err)
	}
	return &cfg, nil
}

// SaveUserConfig writes a user's default override.
func (s *PersonalityStorage) SaveUserConfig(ctx context.Context, cfg *models.UserConfig) error {
	cfg.UpdatedAt = time.Now()
	if err := s.db.Store().Upsert(cfg.UserID, cfg); err != nil {
		return fmt.Errorf("failed to save user config %s: %w", cfg.UserID, err)
	}
	return nil
}

// SaveUserPersonalityConfig writes a user's per-personality override.
func (s *PersonalityStorage) SaveUserPersonalityConfig(ctx context.Context, cfg *models.UserPersonalityConfig) error {
	cfg.Key = models.UserPersonalityConfigKey(cfg.UserID, cfg.PersonalityID)
	cfg.UpdatedAt = time.Now()
	if err := s.db.Store().Upsert(cfg.Key, cfg); err != nil {
		return fmt.Errorf("failed to save user personality config %s: %w", cfg.Key, err)
	}
	return nil
}

// GetOwner returns the ownership record for an imported slug.
func (s *PersonalityStorage) GetOwner(ctx context.Context, slug string) (*models.PersonalityOwner, error) {
	var owner models.PersonalityOwner
	err := s.db.Store().Get(slug, &owner)
	if err == badgerhold.ErrNotFound {
		return nil, interfaces.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get personality owner %s: %w", slug, err)
	}
	return &owner, nil
}

// SaveOwner records ownership of an imported slug.
func (s *PersonalityStorage) SaveOwner(ctx context.Context, owner *models.PersonalityOwner) error {
	if owner.CreatedAt.IsZero() {
		owner.CreatedAt = time.Now()
	}
	if err := s.db.Store().Upsert(owner.Slug, owner); err != nil {
		return fmt.Errorf("failed to save personality owner %s: %w", owner.Slug, err)
	}
	return nil
}
