package describers

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"

	"github.com/lbds137/tzurot/internal/common"
	"github.com/lbds137/tzurot/internal/interfaces"
	"github.com/lbds137/tzurot/internal/models"
)

const (
	maxParallelDescriptions = 3
	describeTriesPerImage   = 2
)

// ImageDescriber handles image_description child jobs. One job carries the
// whole batch for its source message; images are described in parallel and
// a per-image failure degrades to a fallback caption rather than failing
// the batch.
type ImageDescriber struct {
	resultStore   interfaces.ResultStore
	vision        interfaces.VisionService
	personalities interfaces.PersonalityStorage
	cfg           *common.Config
	logger        arbor.ILogger
	validate      *validator.Validate
}

// NewImageDescriber creates the image handler.
func NewImageDescriber(resultStore interfaces.ResultStore, vision interfaces.VisionService, personalities interfaces.PersonalityStorage, cfg *common.Config, logger arbor.ILogger) *ImageDescriber {
	return &ImageDescriber{
		resultStore:   resultStore,
		vision:        vision,
		personalities: personalities,
		cfg:           cfg,
		logger:        logger,
		validate:      validator.New(),
	}
}

// Handle describes every image in the batch and writes the aggregate to the
// intermediate result store. Success means at least one real description
// was produced; a batch where every image failed is written as a soft
// failure with fallback captions so the parent can still reference them.
func (d *ImageDescriber) Handle(ctx context.Context, job *models.Job) error {
	payload := &models.ImageJobPayload{}
	if err := job.UnmarshalPayload(payload); err != nil {
		return err
	}
	if err := d.validate.Struct(payload); err != nil {
		return fmt.Errorf("invalid image payload for job %s: %w", job.ID, err)
	}

	model, systemPrompt := d.visionSettings(ctx, payload.Personality)

	entries := make([]models.ImageDescriptionEntry, len(payload.Attachments))
	failures := make([]bool, len(payload.Attachments))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelDescriptions)

	for i, att := range payload.Attachments {
		i, att := i, att
		g.Go(func() error {
			description, err := d.describeWithRetry(gctx, att, model, systemPrompt)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				d.logger.Warn().Err(err).
					Str("job_id", job.ID).
					Str("url", att.URL).
					Msg("Image description failed; using fallback caption")
				entries[i] = models.ImageDescriptionEntry{
					URL:         originalURL(att),
					Description: fallbackDescription(att),
				}
				failures[i] = true
				return nil
			}
			entries[i] = models.ImageDescriptionEntry{
				URL:         originalURL(att),
				Description: description,
			}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, f := range failures {
		if f {
			failed++
		}
	}

	result := &models.ImageJobResult{
		Success:               failed < len(payload.Attachments),
		Descriptions:          entries,
		SourceReferenceNumber: payload.SourceReferenceNumber,
	}
	if failed > 0 {
		result.Error = fmt.Sprintf("%d of %d images could not be described", failed, len(payload.Attachments))
	}

	key := models.ResultKeyFor(payload.JobID)
	ttl := common.Duration(d.cfg.Storage.ResultTTL)
	if err := d.resultStore.Put(ctx, key, result, ttl); err != nil {
		return fmt.Errorf("failed to store image result for job %s: %w", payload.JobID, err)
	}
	return nil
}

func (d *ImageDescriber) describeWithRetry(ctx context.Context, att models.Attachment, model, systemPrompt string) (string, error) {
	var lastErr error
	for try := 0; try < describeTriesPerImage; try++ {
		timeout := common.Duration(d.cfg.LLM.Timeout)
		tctx, cancel := context.WithTimeout(ctx, timeout)
		description, err := d.vision.Describe(tctx, att.URL, att.ContentType, model, systemPrompt, "")
		cancel()
		if err == nil {
			return description, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return "", lastErr
}

// visionSettings resolves the vision model and system prompt from the
// requested personality. Lookup failure falls back to the configured vision
// model; descriptions should never be blocked on a personality read.
func (d *ImageDescriber) visionSettings(ctx context.Context, slug string) (string, string) {
	fallback := d.cfg.Generation.FallbackVisionModel
	if slug == "" {
		return fallback, ""
	}
	p, err := d.personalities.GetBySlug(ctx, slug)
	if err != nil {
		d.logger.Warn().Err(err).
			Str("slug", slug).
			Msg("Personality unavailable for vision settings; using fallback model")
		return fallback, ""
	}
	effective := &models.EffectivePersonality{Personality: *p}
	return effective.ResolveVisionModel(fallback), p.SystemPrompt
}

func originalURL(att models.Attachment) string {
	if att.OriginalURL != "" {
		return att.OriginalURL
	}
	return att.URL
}

func fallbackDescription(att models.Attachment) string {
	if att.Name != "" {
		return fmt.Sprintf("[Image: %s (description unavailable)]", att.Name)
	}
	return "[Image (description unavailable)]"
}
