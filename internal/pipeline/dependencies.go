package pipeline

import (
	"context"
	"sync"

	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"

	"github.com/lbds137/tzurot/internal/interfaces"
	"github.com/lbds137/tzurot/internal/models"
)

// maxDependencyFetches bounds parallel result-store reads per job.
const maxDependencyFetches = 4

// DependencyResolver reads preprocessing child outputs from the
// intermediate result store and converts them to processed attachments.
// It never fails the pipeline: a missing or failed dependency is logged
// and skipped, and generation proceeds with whatever is available.
type DependencyResolver struct {
	resultStore interfaces.ResultStore
	vision      interfaces.VisionService
	logger      arbor.ILogger
}

// NewDependencyResolver creates a resolver.
func NewDependencyResolver(resultStore interfaces.ResultStore, vision interfaces.VisionService, logger arbor.ILogger) *DependencyResolver {
	return &DependencyResolver{
		resultStore: resultStore,
		vision:      vision,
		logger:      logger,
	}
}

// Resolve fetches every declared dependency in parallel and aggregates the
// outputs. Fetches for distinct children are independent.
func (r *DependencyResolver) Resolve(ctx context.Context, deps []models.JobDependency) *models.PreprocessingResults {
	results := models.NewPreprocessingResults()
	if len(deps) == 0 {
		return results
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxDependencyFetches)

	for _, dep := range deps {
		dep := dep
		g.Go(func() error {
			attachments := r.fetchOne(gctx, dep)
			if len(attachments) == 0 {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			for _, att := range attachments {
				results.Add(att)
			}
			return nil
		})
	}
	// Workers never return errors; they log and skip.
	_ = g.Wait()

	return results
}

// fetchOne reads a single child output and converts it. Returns nil on any
// failure.
func (r *DependencyResolver) fetchOne(ctx context.Context, dep models.JobDependency) []models.ProcessedAttachment {
	key := dep.ResultKey
	if key == "" {
		key = models.ResultKeyFor(dep.ChildJobID)
	}

	switch dep.ChildType {
	case models.JobTypeAudioTranscription:
		var result models.AudioJobResult
		if err := r.resultStore.Get(ctx, key, &result); err != nil {
			r.logger.Warn().Err(err).
				Str("child_job_id", dep.ChildJobID).
				Str("result_key", key).
				Msg("Audio dependency unavailable; continuing without it")
			return nil
		}
		if !result.Success || result.Content == "" {
			r.logger.Warn().
				Str("child_job_id", dep.ChildJobID).
				Str("error", result.Error).
				Msg("Audio dependency failed; continuing without it")
			return nil
		}
		meta := map[string]interface{}{}
		if result.AttachmentName != "" {
			meta["attachment_name"] = result.AttachmentName
		}
		return []models.ProcessedAttachment{{
			Kind:                  models.ProcessedKindAudio,
			Description:           result.Content,
			OriginalURL:           result.AttachmentURL,
			Metadata:              meta,
			SourceReferenceNumber: result.SourceReferenceNumber,
		}}

	case models.JobTypeImageDescription:
		var result models.ImageJobResult
		if err := r.resultStore.Get(ctx, key, &result); err != nil {
			r.logger.Warn().Err(err).
				Str("child_job_id", dep.ChildJobID).
				Str("result_key", key).
				Msg("Image dependency unavailable; continuing without it")
			return nil
		}
		if !result.Success || len(result.Descriptions) == 0 {
			r.logger.Warn().
				Str("child_job_id", dep.ChildJobID).
				Str("error", result.Error).
				Msg("Image dependency failed; continuing without it")
			return nil
		}
		out := make([]models.ProcessedAttachment, 0, len(result.Descriptions))
		for _, desc := range result.Descriptions {
			out = append(out, models.ProcessedAttachment{
				Kind:                  models.ProcessedKindImage,
				Description:           desc.Description,
				OriginalURL:           desc.URL,
				SourceReferenceNumber: result.SourceReferenceNumber,
			})
		}
		return out

	default:
		r.logger.Warn().
			Str("child_job_id", dep.ChildJobID).
			Str("child_type", string(dep.ChildType)).
			Msg("Unknown dependency type; skipping")
		return nil
	}
}

// ResolveExtendedContext inline-processes extended-context image
// attachments through the vision service without traversing the queue. It
// runs after config and auth resolution so guest users get the free vision
// model and bring-your-own keys flow through. Failures are logged and the
// attachment skipped.
func (r *DependencyResolver) ResolveExtendedContext(ctx context.Context, results *models.PreprocessingResults, attachments []models.Attachment, personality *models.EffectivePersonality, apiKey string, fallbackVisionModel string) {
	if r.vision == nil || len(attachments) == 0 {
		return
	}

	model := personality.ResolveVisionModel(fallbackVisionModel)

	for _, att := range attachments {
		if !att.IsImage() {
			continue
		}
		description, err := r.vision.Describe(ctx, att.URL, att.ContentType, model, personality.SystemPrompt, apiKey)
		if err != nil {
			r.logger.Warn().Err(err).
				Str("url", att.URL).
				Msg("Extended context image description failed; skipping")
			continue
		}
		results.ExtendedContextAttachments = append(results.ExtendedContextAttachments, models.ProcessedAttachment{
			Kind:        models.ProcessedKindImage,
			Description: description,
			OriginalURL: att.OriginalURL,
		})
	}
}
