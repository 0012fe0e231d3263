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

// LTMStorage persists long-term memory rows.
type LTMStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewLTMStorage creates an LTMStorage instance.
func NewLTMStorage(db *BadgerDB, logger arbor.ILogger) interfaces.LTMStorage {
	return &LTMStorage{
		db:     db,
		logger: logger,
	}
}

// Save writes one memory row. The at-most-once-per-request guard lives in
// ExistsForRequest; callers check before writing.
func (s *LTMStorage) Save(ctx context.Context, rec *models.LTMRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("LTM record requires an ID")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if err := s.db.Store().Insert(rec.ID, rec); err != nil {
		if err == badgerhold.ErrKeyExists {
			return nil
		}
		return fmt.Errorf("failed to save LTM record %s: %w", rec.ID, err)
	}
	s.logger.Debug().
		Str("ltm_id", rec.ID).
		Str("request_id", rec.RequestID).
		Str("personality_id", rec.PersonalityID).
		Msg("LTM record stored")
	return nil
}

// ExistsForRequest reports whether a memory was already stored for the
// request.
func (s *LTMStorage) ExistsForRequest(ctx context.Context, requestID string) (bool, error) {
	count, err := s.db.Store().Count(&models.LTMRecord{}, badgerhold.Where("RequestID").Eq(requestID))
	if err != nil {
		return false, fmt.Errorf("failed to count LTM records for request %s: %w", requestID, err)
	}
	return count > 0, nil
}

// ExistsWithText reports whether the persona already holds a memory with
// this exact text.
func (s *LTMStorage) ExistsWithText(ctx context.Context, personaID, text string) (bool, error) {
	var rows []models.LTMRecord
	if err := s.db.Store().Find(&rows, badgerhold.Where("PersonaID").Eq(personaID)); err != nil {
		return false, fmt.Errorf("failed to list LTM records for persona %s: %w", personaID, err)
	}
	for _, row := range rows {
		if row.Text == text {
			return true, nil
		}
	}
	return false, nil
}

// Query returns candidate records for a persona, newest first. With
// sharedScope false the results are filtered to one personality; a memory
// created under personality P is retrievable for personality Q only when
// the owning persona shares LTM across personalities. A non-nil before
// excludes records created at or after that instant.
func (s *LTMStorage) Query(ctx context.Context, personaID, personalityID string, sharedScope bool, before *time.Time, limit int) ([]*models.LTMRecord, error) {
	var rows []models.LTMRecord
	if err := s.db.Store().Find(&rows, badgerhold.Where("PersonaID").Eq(personaID)); err != nil {
		return nil, fmt.Errorf("failed to query LTM records for persona %s: %w", personaID, err)
	}

	out := make([]*models.LTMRecord, 0, len(rows))
	for i := range rows {
		if !sharedScope && rows[i].PersonalityID != personalityID {
			continue
		}
		if before != nil && !rows[i].CreatedAt.Before(*before) {
			continue
		}
		out = append(out, &rows[i])
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// QueryByChannel returns the persona's memories scoped to one channel,
// newest first, honoring the same creation-time cutoff as Query.
func (s *LTMStorage) QueryByChannel(ctx context.Context, personaID, channelID string, before *time.Time, limit int) ([]*models.LTMRecord, error) {
	var rows []models.LTMRecord
	if err := s.db.Store().Find(&rows, badgerhold.Where("PersonaID").Eq(personaID)); err != nil {
		return nil, fmt.Errorf("failed to query LTM records for persona %s: %w", personaID, err)
	}

	out := make([]*models.LTMRecord, 0, len(rows))
	for i := range rows {
		if rows[i].ChannelID != channelID {
			continue
		}
		if before != nil && !rows[i].CreatedAt.Before(*before) {
			continue
		}
		out = append(out, &rows[i])
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
