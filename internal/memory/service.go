package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/lbds137/tzurot/internal/common"
	"github.com/lbds137/tzurot/internal/interfaces"
	"github.com/lbds137/tzurot/internal/models"
)

// Service is the vector memory store. Storage enforces the at-most-once
// per-request guard; retrieval scopes by the owning persona's share flag
// and splits the budget between channel-scoped and general memories.
type Service struct {
	ltm           interfaces.LTMStorage
	personalities interfaces.PersonalityStorage
	embedder      interfaces.EmbeddingService
	cfg           common.MemoryConfig
	logger        arbor.ILogger
	validate      *validator.Validate
}

// NewService creates the memory service. embedder may be nil; records are
// then stored without embeddings.
func NewService(ltm interfaces.LTMStorage, personalities interfaces.PersonalityStorage, embedder interfaces.EmbeddingService, cfg common.MemoryConfig, logger arbor.ILogger) *Service {
	return &Service{
		ltm:           ltm,
		personalities: personalities,
		embedder:      embedder,
		cfg:           cfg,
		logger:        logger,
		validate:      validator.New(),
	}
}

// Store embeds and persists one memory record. A record already stored for
// the same request is silently skipped, so N generation retries still
// produce at most one LTM row.
func (s *Service) Store(ctx context.Context, rec *models.DeferredMemoryRecord) error {
	if err := s.validate.Struct(&rec.Metadata); err != nil {
		return fmt.Errorf("invalid memory metadata: %w", err)
	}

	exists, err := s.ltm.ExistsForRequest(ctx, rec.Metadata.RequestID)
	if err != nil {
		return fmt.Errorf("failed to check memory for request %s: %w", rec.Metadata.RequestID, err)
	}
	if exists {
		s.logger.Debug().
			Str("request_id", rec.Metadata.RequestID).
			Msg("Memory already stored for request; skipping")
		return nil
	}

	embedding := rec.Embedding
	if embedding == nil && s.embedder != nil && s.embedder.Ready(ctx) {
		embedding, err = s.embedder.Embed(ctx, rec.Text)
		if err != nil {
			return fmt.Errorf("failed to embed memory for request %s: %w", rec.Metadata.RequestID, err)
		}
	}

	row := &models.LTMRecord{
		ID:            common.NewID(),
		Text:          rec.Text,
		Embedding:     embedding,
		RequestID:     rec.Metadata.RequestID,
		PersonaID:     rec.Metadata.PersonaID,
		PersonalityID: rec.Metadata.PersonalityID,
		UserID:        rec.Metadata.UserID,
		ChannelID:     rec.Metadata.ChannelID,
		CreatedAt:     time.Now(),
	}
	if err := s.ltm.Save(ctx, row); err != nil {
		return fmt.Errorf("failed to save memory for request %s: %w", rec.Metadata.RequestID, err)
	}
	return nil
}

// ExistsWithText reports whether the persona already holds a memory with
// this exact text. Import dedup keys on text content, not request ID.
func (s *Service) ExistsWithText(ctx context.Context, personaID, text string) (bool, error) {
	return s.ltm.ExistsWithText(ctx, personaID, text)
}

// Retrieve returns up to limit memories. When channelID is set, the
// channel-scoped share of the budget is at least one slot so a single-slot
// retrieval still surfaces channel context. A non-nil before is the
// conversation's oldest history timestamp: memories created at or after it
// are already in the history and are excluded.
func (s *Service) Retrieve(ctx context.Context, personaID, personalityID, channelID string, before *time.Time, limit int) ([]*models.LTMRecord, error) {
	if limit <= 0 {
		return nil, nil
	}

	shared := s.sharedScope(ctx, personalityID)

	var out []*models.LTMRecord
	seen := make(map[string]struct{})

	if channelID != "" && s.cfg.ChannelBudgetRatio > 0 {
		channelBudget := int(float64(limit) * s.cfg.ChannelBudgetRatio)
		if channelBudget < 1 {
			channelBudget = 1
		}
		channelRows, err := s.ltm.QueryByChannel(ctx, personaID, channelID, before, channelBudget)
		if err != nil {
			return nil, fmt.Errorf("failed channel-scoped memory query: %w", err)
		}
		for _, row := range channelRows {
			if !shared && row.PersonalityID != personalityID {
				continue
			}
			out = append(out, row)
			seen[row.ID] = struct{}{}
		}
	}

	general, err := s.ltm.Query(ctx, personaID, personalityID, shared, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed memory query: %w", err)
	}
	for _, row := range general {
		if len(out) >= limit {
			break
		}
		if _, ok := seen[row.ID]; ok {
			continue
		}
		out = append(out, row)
		seen[row.ID] = struct{}{}
	}

	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// sharedScope looks up the owning persona's share flag. Lookup failure
// defaults to the narrow scope.
func (s *Service) sharedScope(ctx context.Context, personalityID string) bool {
	p, err := s.personalities.GetByID(ctx, personalityID)
	if err != nil {
		if err != interfaces.ErrKeyNotFound {
			s.logger.Warn().Err(err).Str("personality_id", personalityID).Msg("Personality lookup failed; using narrow memory scope")
		}
		return false
	}
	return p.ShareLtmAcrossPersonalities
}
