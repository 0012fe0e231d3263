package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/lbds137/tzurot/internal/common"
	"github.com/lbds137/tzurot/internal/interfaces"
	"github.com/lbds137/tzurot/internal/models"
)

// stageOrder is the fixed pipeline sequence after validation.
var stageOrder = []Stage{
	StageDependencyResolution,
	StageConfigResolution,
	StageAuthResolution,
	StageContextPreparation,
	StageGeneration,
}

// Pipeline is the LLM generation job handler. Stage 1 (validation) throws
// to the queue; stages 2-6 run under one recover/classify wrapper that
// converts any failure into a soft-failure result delivered normally.
type Pipeline struct {
	validate    *validator.Validate
	resolver    *DependencyResolver
	configs     *ConfigResolver
	generator   *Generator
	results     interfaces.JobResultStorage
	notifier    interfaces.DeliveryNotifier
	diagnostics interfaces.DiagnosticStorage
	provider    string
	cfg         *common.Config
	logger      arbor.ILogger
}

// New creates the pipeline handler.
func New(
	resolver *DependencyResolver,
	configs *ConfigResolver,
	generator *Generator,
	results interfaces.JobResultStorage,
	notifier interfaces.DeliveryNotifier,
	diagnostics interfaces.DiagnosticStorage,
	provider string,
	cfg *common.Config,
	logger arbor.ILogger,
) *Pipeline {
	return &Pipeline{
		validate:    validator.New(),
		resolver:    resolver,
		configs:     configs,
		generator:   generator,
		results:     results,
		notifier:    notifier,
		diagnostics: diagnostics,
		provider:    provider,
		cfg:         cfg,
		logger:      logger,
	}
}

// Handle processes one llm_generation job.
func (p *Pipeline) Handle(ctx context.Context, job *models.Job) error {
	// Stage 1: validation. A schema failure is a programmer error; the
	// queue records the failed attempt and no soft result is written.
	payload := &models.GenerationJobPayload{}
	if err := job.UnmarshalPayload(payload); err != nil {
		return err
	}
	if err := p.validate.Struct(payload); err != nil {
		return fmt.Errorf("invalid generation payload for job %s: %w", job.ID, err)
	}

	gctx := &GenerationContext{
		Job:       job,
		Payload:   payload,
		StartTime: time.Now(),
	}
	recorder := NewFlightRecorder(payload.RequestID)
	recorder.SetIdentity("", payload.Context.UserID, payload.Context.ServerID, payload.Context.ChannelID)

	result := p.runStages(ctx, gctx, recorder)

	go recorder.Flush(context.WithoutCancel(ctx), p.diagnostics, p.logger)

	if err := p.persistAndNotify(ctx, job.ID, payload, result); err != nil {
		return err
	}
	return nil
}

// runStages executes stages 2-6 under one recover/classify wrapper. It
// always returns a result; a failure mid-sequence yields a soft failure
// annotated with the failed and last successful stage.
func (p *Pipeline) runStages(ctx context.Context, gctx *GenerationContext, recorder *FlightRecorder) (result *models.GenerationResult) {
	lastSuccessful := StageValidation
	current := StageValidation

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic in stage %s: %v", current, r)
			result = p.softFailure(gctx, current, lastSuccessful, err, recorder)
		}
	}()

	for _, stage := range stageOrder {
		current = stage
		if err := p.runStage(ctx, stage, gctx, recorder); err != nil {
			return p.softFailure(gctx, stage, lastSuccessful, err, recorder)
		}
		lastSuccessful = stage
	}
	return gctx.Result
}

func (p *Pipeline) runStage(ctx context.Context, stage Stage, gctx *GenerationContext, recorder *FlightRecorder) error {
	payload := gctx.Payload

	switch stage {
	case StageDependencyResolution:
		// Missing or failed children never fail the pipeline.
		gctx.Preprocessing = p.resolver.Resolve(ctx, payload.Dependencies)
		return nil

	case StageConfigResolution:
		isGuest := payload.UserAPIKey == ""
		effective, err := p.configs.Resolve(ctx, payload.Personality, payload.Context.UserID, isGuest)
		if err != nil {
			return err
		}
		gctx.Config = effective
		recorder.SetIdentity(effective.ID, payload.Context.UserID, payload.Context.ServerID, payload.Context.ChannelID)
		return nil

	case StageAuthResolution:
		auth := &AuthInfo{
			APIKey:      payload.UserAPIKey,
			Provider:    p.provider,
			IsGuestMode: payload.UserAPIKey == "",
		}
		if auth.APIKey == "" {
			auth.APIKey = p.cfg.LLM.AnthropicAPIKey
		}
		gctx.Auth = auth
		recorder.SetModel(gctx.Config.Model, auth.Provider)

		// Extended-context images are described inline, not via the queue.
		// This needs the resolved config and key, so it runs here.
		p.resolver.ResolveExtendedContext(ctx, gctx.Preprocessing,
			payload.Context.ExtendedContextAttachments, gctx.Config,
			auth.APIKey, p.cfg.Generation.FallbackVisionModel)
		return nil

	case StageContextPreparation:
		gctx.Prepared = prepareContext(payload, gctx.Config, p.cfg.Duplicate.RecentWindow)
		return nil

	case StageGeneration:
		result, err := p.generator.Run(ctx, gctx, recorder)
		if err != nil {
			return err
		}
		gctx.Result = result
		return nil

	default:
		return fmt.Errorf("unknown pipeline stage %s", stage)
	}
}

// softFailure classifies err and builds the result the delivery layer
// treats like any other.
func (p *Pipeline) softFailure(gctx *GenerationContext, failed, lastSuccessful Stage, err error, recorder *FlightRecorder) *models.GenerationResult {
	info := Classify(err)
	recorder.RecordFailure(failed, err)

	p.logger.Error().Err(err).
		Str("request_id", gctx.Payload.RequestID).
		Str("failed_step", string(failed)).
		Str("last_successful_step", string(lastSuccessful)).
		Str("category", info.Category).
		Str("reference_id", info.ReferenceID).
		Msg("Generation pipeline failed")

	metadata := models.GenerationMetadata{
		ProcessingTimeMs: time.Since(gctx.StartTime).Milliseconds(),
	}
	if gctx.Config != nil {
		metadata.ModelUsed = gctx.Config.Model
		metadata.ConfigSource = string(gctx.Config.ConfigSource)
	}
	if gctx.Auth != nil {
		metadata.IsGuestMode = gctx.Auth.IsGuestMode
		metadata.ProviderUsed = gctx.Auth.Provider
	}

	return &models.GenerationResult{
		RequestID:          gctx.Payload.RequestID,
		Success:            false,
		Metadata:           metadata,
		Error:              err.Error(),
		ErrorInfo:          info,
		FailedStep:         string(failed),
		LastSuccessfulStep: string(lastSuccessful),
	}
}

// persistAndNotify writes the job result row and publishes the delivery
// notification. Persistence failure propagates so the queue retries the
// attempt; a publish failure is logged only, results stay queryable.
func (p *Pipeline) persistAndNotify(ctx context.Context, jobID string, payload *models.GenerationJobPayload, result *models.GenerationResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result for job %s: %w", jobID, err)
	}

	row := &models.JobResult{
		JobID:       jobID,
		RequestID:   payload.RequestID,
		Result:      data,
		Status:      models.DeliveryStatusPending,
		CompletedAt: time.Now(),
	}
	if err := p.results.SaveResult(ctx, row); err != nil {
		return fmt.Errorf("failed to persist result for job %s: %w", jobID, err)
	}

	notification := models.DeliveryNotification{
		JobID:     jobID,
		RequestID: payload.RequestID,
	}
	if err := p.notifier.Publish(ctx, payload.ResponseDestination.Type, notification); err != nil {
		p.logger.Error().Err(err).
			Str("job_id", jobID).
			Msg("Failed to publish delivery notification")
	}
	return nil
}
