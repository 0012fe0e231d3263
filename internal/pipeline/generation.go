package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/lbds137/tzurot/internal/common"
	"github.com/lbds137/tzurot/internal/interfaces"
	"github.com/lbds137/tzurot/internal/models"
)

// Escalation schedule for retry attempts. Temperature and frequency
// penalty are strictly monotone from attempt 2; history reduction drops
// the oldest share of the conversation.
const (
	temperatureStep        = 0.15
	maxTemperature         = 1.0
	defaultTemperature     = 1.0
	frequencyPenaltyStep   = 0.2
	historyReductionStep   = 25
	maxHistoryReductionPct = 75
)

// Generator runs the generation stage: invoke the response generator,
// detect cross-turn duplicates, retry with escalated parameters, store
// deferred memory once after the loop converges.
type Generator struct {
	generator interfaces.ResponseGenerator
	detector  *DuplicateDetector
	pending   interfaces.PendingMemoryStorage
	cfg       common.GenerationConfig
	logger    arbor.ILogger
}

// NewGenerator creates the generation stage.
func NewGenerator(generator interfaces.ResponseGenerator, detector *DuplicateDetector, pending interfaces.PendingMemoryStorage, cfg common.GenerationConfig, logger arbor.ILogger) *Generator {
	return &Generator{
		generator: generator,
		detector:  detector,
		pending:   pending,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run executes the duplicate-retry loop and returns the structured result.
// An error return means the generator itself failed and the caller's
// classify wrapper takes over.
func (g *Generator) Run(ctx context.Context, gctx *GenerationContext, recorder *FlightRecorder) (*models.GenerationResult, error) {
	payload := gctx.Payload
	personality := gctx.Config
	prepared := gctx.Prepared

	maxAttempts := g.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var resp *interfaces.GeneratorResponse
	duplicateSeen := false
	attempts := 0

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		params := g.paramsForAttempt(personality, attempt)

		// The generator may mutate history and its metadata during a
		// call; every attempt gets its own deep copy.
		history := models.CloneHistory(prepared.RawConversationHistory)
		history = reduceHistory(history, params.HistoryReductionPercent)

		req := &interfaces.GeneratorRequest{
			RequestID:         payload.RequestID,
			Personality:       *personality,
			Message:           payload.Message,
			History:           history,
			Preprocessing:     gctx.Preprocessing,
			Participants:      prepared.Participants,
			UserID:            payload.Context.UserID,
			ChannelID:         payload.Context.ChannelID,
			APIKey:            gctx.Auth.APIKey,
			Params:            params,
			OldestHistoryTime: prepared.OldestHistoryTimestamp,
		}

		attemptStart := time.Now()
		var err error
		resp, err = g.generator.Generate(ctx, req)
		if err != nil {
			recorder.RecordAttempt(attemptRecord{
				Attempt:          attempt,
				Model:            params.Model,
				Temperature:      params.Temperature,
				FrequencyPenalty: params.FrequencyPenalty,
				HistoryReduction: params.HistoryReductionPercent,
				DurationMs:       time.Since(attemptStart).Milliseconds(),
				Error:            err.Error(),
			})
			return nil, fmt.Errorf("generation attempt %d failed: %w", attempt, err)
		}

		verdict := g.detector.Check(ctx, resp.Content, prepared.RecentAssistantMessages)
		recorder.RecordAttempt(attemptRecord{
			Attempt:          attempt,
			Model:            params.Model,
			Temperature:      params.Temperature,
			FrequencyPenalty: params.FrequencyPenalty,
			HistoryReduction: params.HistoryReductionPercent,
			DurationMs:       time.Since(attemptStart).Milliseconds(),
			Duplicate:        verdict.IsDuplicate,
			DuplicateLayer:   verdict.Layer,
			TokensIn:         resp.TokensIn,
			TokensOut:        resp.TokensOut,
		})

		if !verdict.IsDuplicate {
			break
		}
		duplicateSeen = true

		if attempt == maxAttempts {
			g.logger.Error().
				Str("request_id", payload.RequestID).
				Str("layer", verdict.Layer).
				Int("attempts", attempt).
				Msg("Duplicate response persisted through all retries; returning it anyway")
			break
		}
		g.logger.Warn().
			Str("request_id", payload.RequestID).
			Str("layer", verdict.Layer).
			Int("attempt", attempt).
			Msg("Cross-turn duplicate detected; retrying with escalated parameters")
	}

	metadata := models.GenerationMetadata{
		RetrievedMemories:          resp.RetrievedMemories,
		TokensIn:                   resp.TokensIn,
		TokensOut:                  resp.TokensOut,
		ProcessingTimeMs:           time.Since(gctx.StartTime).Milliseconds(),
		ModelUsed:                  personality.Model,
		ProviderUsed:               gctx.Auth.Provider,
		ConfigSource:               string(personality.ConfigSource),
		IsGuestMode:                gctx.Auth.IsGuestMode,
		CrossTurnDuplicateDetected: duplicateSeen,
		Attempts:                   attempts,
	}

	// Reasoning models sometimes emit only thinking tags; an empty visible
	// response is a soft failure, not a retryable error.
	if strings.TrimSpace(resp.Content) == "" {
		metadata.ThinkingContent = resp.ThinkingContent
		return &models.GenerationResult{
			RequestID: payload.RequestID,
			Success:   false,
			Metadata:  metadata,
			Error:     "generator returned empty content",
			ErrorInfo: &models.ErrorInfo{
				Type:        "EmptyResponse",
				Category:    CategoryEmptyResponse,
				UserMessage: defaultUserMessage(CategoryEmptyResponse),
				ReferenceID: common.NewReferenceID(),
				ShouldRetry: false,
			},
		}, nil
	}

	g.storeDeferredMemory(ctx, payload, resp)

	result := &models.GenerationResult{
		RequestID: payload.RequestID,
		Success:   true,
		Content:   resp.Content,
		Metadata:  metadata,
	}
	fillAttachmentDescriptions(result, gctx.Preprocessing)
	return result, nil
}

// storeDeferredMemory persists deferred memory exactly once, after the
// retry loop, using the response that is actually returned. Failure never
// fails the job; the record lands in the pending retry queue instead.
func (g *Generator) storeDeferredMemory(ctx context.Context, payload *models.GenerationJobPayload, resp *interfaces.GeneratorResponse) {
	if resp.DeferredMemory == nil {
		return
	}
	if resp.Incognito || payload.Context.Incognito {
		return
	}

	if err := g.generator.StoreDeferredMemory(ctx, resp.DeferredMemory); err != nil {
		g.logger.Warn().Err(err).
			Str("request_id", payload.RequestID).
			Msg("Deferred memory storage failed; queueing for retry")

		pm := &models.PendingMemory{
			ID:        common.NewID(),
			Text:      resp.DeferredMemory.Text,
			Metadata:  resp.DeferredMemory.Metadata,
			Attempts:  0,
			Error:     err.Error(),
			CreatedAt: time.Now(),
		}
		if saveErr := g.pending.Save(ctx, pm); saveErr != nil {
			g.logger.Error().Err(saveErr).
				Str("request_id", payload.RequestID).
				Msg("Failed to queue pending memory; memory lost")
		}
	}
}

// paramsForAttempt applies the escalation schedule. The temperature base
// resolves to the provider default when unset, so escalation is monotone
// from the value attempt 1 actually ran at, and the result is clamped to
// the provider's valid range.
func (g *Generator) paramsForAttempt(p *models.EffectivePersonality, attempt int) interfaces.GenerateParams {
	params := interfaces.GenerateParams{
		Model:            p.Model,
		Temperature:      p.Temperature,
		FrequencyPenalty: p.FrequencyPenalty,
		MaxTokens:        p.MaxTokens,
		DeferMemory:      true,
	}
	if params.Temperature <= 0 {
		params.Temperature = defaultTemperature
	}
	if attempt <= 1 {
		return params
	}

	step := float64(attempt - 1)
	params.Temperature += temperatureStep * step
	if params.Temperature > maxTemperature {
		params.Temperature = maxTemperature
	}
	params.FrequencyPenalty += frequencyPenaltyStep * step

	reduction := historyReductionStep * (attempt - 1)
	if reduction > maxHistoryReductionPct {
		reduction = maxHistoryReductionPct
	}
	params.HistoryReductionPercent = reduction
	return params
}

// reduceHistory drops the oldest pct percent of entries.
func reduceHistory(history []models.HistoryEntry, pct int) []models.HistoryEntry {
	if pct <= 0 || len(history) == 0 {
		return history
	}
	drop := len(history) * pct / 100
	if drop >= len(history) {
		drop = len(history) - 1
	}
	return history[drop:]
}

// fillAttachmentDescriptions surfaces preprocessing text on the result for
// the delivery layer.
func fillAttachmentDescriptions(result *models.GenerationResult, pre *models.PreprocessingResults) {
	if pre == nil {
		return
	}
	for _, att := range pre.ProcessedAttachments {
		result.AttachmentDescriptions = append(result.AttachmentDescriptions, att.Description)
	}
	if len(pre.ReferenceAttachments) > 0 {
		result.ReferencedMessagesDescriptions = make(map[int][]string, len(pre.ReferenceAttachments))
		for n, atts := range pre.ReferenceAttachments {
			for _, att := range atts {
				result.ReferencedMessagesDescriptions[n] = append(result.ReferencedMessagesDescriptions[n], att.Description)
			}
		}
	}
}
