package pipeline

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/lbds137/tzurot/internal/common"
	"github.com/lbds137/tzurot/internal/interfaces"
	"github.com/lbds137/tzurot/internal/models"
)

// ConfigResolver produces the effective personality for a (user,
// personality) pair by layering the configuration hierarchy:
// user-override-for-this-personality > user-default > personality-default.
type ConfigResolver struct {
	personalities interfaces.PersonalityStorage
	generation    common.GenerationConfig
	logger        arbor.ILogger
}

// NewConfigResolver creates a ConfigResolver.
func NewConfigResolver(personalities interfaces.PersonalityStorage, generation common.GenerationConfig, logger arbor.ILogger) *ConfigResolver {
	return &ConfigResolver{
		personalities: personalities,
		generation:    generation,
		logger:        logger,
	}
}

// Resolve returns a copy of the personality with overrides applied. The
// stored record is never mutated. isGuestMode swaps non-free-tier models
// for the configured free defaults.
func (r *ConfigResolver) Resolve(ctx context.Context, slug, userID string, isGuestMode bool) (*models.EffectivePersonality, error) {
	p, err := r.personalities.GetBySlug(ctx, slug)
	if err != nil {
		if err == interfaces.ErrKeyNotFound {
			return nil, NewPipelineError(CategoryPermanent,
				fmt.Sprintf("Personality %q was not found.", slug), false,
				fmt.Errorf("personality %s not found", slug))
		}
		return nil, fmt.Errorf("failed to resolve personality %s: %w", slug, err)
	}

	effective := &models.EffectivePersonality{
		Personality:  *p,
		ConfigSource: models.ConfigSourcePersonality,
	}

	// Most specific level wins outright; levels do not stack.
	if upc, err := r.personalities.GetUserPersonalityConfig(ctx, userID, p.ID); err == nil {
		effective.Apply(upc.Override)
		effective.ConfigSource = models.ConfigSourceUserPersonality
	} else if err != interfaces.ErrKeyNotFound {
		r.logger.Warn().Err(err).Str("user_id", userID).Msg("User personality config lookup failed; using lower level")
	} else if uc, err := r.personalities.GetUserConfig(ctx, userID); err == nil {
		effective.Apply(uc.Override)
		effective.ConfigSource = models.ConfigSourceUserDefault
	} else if err != interfaces.ErrKeyNotFound {
		r.logger.Warn().Err(err).Str("user_id", userID).Msg("User config lookup failed; using personality defaults")
	}

	if isGuestMode {
		r.applyGuestMode(effective)
	}

	return effective, nil
}

// applyGuestMode forces free-tier model selection for users without their
// own API key.
func (r *ConfigResolver) applyGuestMode(e *models.EffectivePersonality) {
	if e.FreeTier {
		return
	}
	if r.generation.GuestDefaultModel != "" {
		e.Model = r.generation.GuestDefaultModel
	}
	if r.generation.GuestVisionModel != "" {
		e.VisionModel = r.generation.GuestVisionModel
	}
}
