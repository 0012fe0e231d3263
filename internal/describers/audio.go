package describers

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/lbds137/tzurot/internal/common"
	"github.com/lbds137/tzurot/internal/interfaces"
	"github.com/lbds137/tzurot/internal/models"
)

const transcriptKeyPrefix = "transcript:"
const maxAudioBytes = 32 * 1024 * 1024

// AudioDescriber handles audio_transcription child jobs: fetch the audio
// bytes under a hard timeout, transcribe, and publish the transcript to
// the intermediate result store. Transcripts are cached by original URL,
// which is stable across CDN re-signs.
type AudioDescriber struct {
	resultStore interfaces.ResultStore
	transcriber interfaces.TranscriptionService
	httpClient  *http.Client
	cfg         *common.Config
	logger      arbor.ILogger
	validate    *validator.Validate
}

// NewAudioDescriber creates the audio handler.
func NewAudioDescriber(resultStore interfaces.ResultStore, transcriber interfaces.TranscriptionService, cfg *common.Config, logger arbor.ILogger) *AudioDescriber {
	return &AudioDescriber{
		resultStore: resultStore,
		transcriber: transcriber,
		httpClient: &http.Client{
			Timeout: common.Duration(cfg.LLM.DownloadTimeout),
		},
		cfg:      cfg,
		logger:   logger,
		validate: validator.New(),
	}
}

// Handle processes one audio transcription job. Retryable failures re-throw
// while attempts remain; the final attempt writes a soft-failure result so
// the parent can proceed with whatever preprocessing succeeded.
func (d *AudioDescriber) Handle(ctx context.Context, job *models.Job) error {
	payload := &models.AudioJobPayload{}
	if err := job.UnmarshalPayload(payload); err != nil {
		return err
	}
	if err := d.validate.Struct(payload); err != nil {
		return fmt.Errorf("invalid audio payload for job %s: %w", job.ID, err)
	}

	att := payload.Attachment

	if transcript, ok := d.cachedTranscript(ctx, att); ok {
		d.logger.Debug().
			Str("job_id", job.ID).
			Str("original_url", att.OriginalURL).
			Msg("Transcript cache hit")
		return d.writeResult(ctx, payload, &models.AudioJobResult{
			Success:               true,
			Content:               transcript,
			AttachmentURL:         attachmentURL(att),
			AttachmentName:        att.Name,
			SourceReferenceNumber: payload.SourceReferenceNumber,
		})
	}

	transcript, err := d.transcribe(ctx, att)
	if err != nil {
		if job.Attempts < job.MaxAttempts {
			return fmt.Errorf("transcription failed for job %s: %w", job.ID, err)
		}
		// Final attempt: complete with a soft failure instead of killing
		// the whole flow.
		d.logger.Error().Err(err).
			Str("job_id", job.ID).
			Int("attempts", job.Attempts).
			Msg("Transcription exhausted retries; writing soft failure")
		return d.writeResult(ctx, payload, &models.AudioJobResult{
			Success:               false,
			AttachmentURL:         attachmentURL(att),
			AttachmentName:        att.Name,
			SourceReferenceNumber: payload.SourceReferenceNumber,
			Error:                 err.Error(),
		})
	}

	d.cacheTranscript(ctx, att, transcript)

	return d.writeResult(ctx, payload, &models.AudioJobResult{
		Success:               true,
		Content:               transcript,
		AttachmentURL:         attachmentURL(att),
		AttachmentName:        att.Name,
		SourceReferenceNumber: payload.SourceReferenceNumber,
	})
}

// attachmentURL prefers the stable original URL on result records, falling
// back to the delivery URL when no original is known.
func attachmentURL(att models.Attachment) string {
	if att.OriginalURL != "" {
		return att.OriginalURL
	}
	return att.URL
}

func (d *AudioDescriber) transcribe(ctx context.Context, att models.Attachment) (string, error) {
	if d.transcriber == nil {
		return "", fmt.Errorf("no transcription service configured")
	}

	audio, err := d.download(ctx, att.URL)
	if err != nil {
		return "", err
	}

	timeout := common.Duration(d.cfg.LLM.Timeout)
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	transcript, err := d.transcriber.Transcribe(tctx, audio, att.ContentType)
	if err != nil {
		return "", fmt.Errorf("transcription service failed: %w", err)
	}
	return transcript, nil
}

func (d *AudioDescriber) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build audio request: %w", err)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download audio: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("audio download returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read audio body: %w", err)
	}
	if len(data) > maxAudioBytes {
		return nil, fmt.Errorf("audio exceeds %d byte limit", maxAudioBytes)
	}
	return data, nil
}

func (d *AudioDescriber) cachedTranscript(ctx context.Context, att models.Attachment) (string, bool) {
	key := att.CacheKey()
	if key == "" {
		return "", false
	}
	var transcript string
	if err := d.resultStore.Get(ctx, transcriptKeyPrefix+key, &transcript); err != nil {
		return "", false
	}
	return transcript, true
}

func (d *AudioDescriber) cacheTranscript(ctx context.Context, att models.Attachment, transcript string) {
	key := att.CacheKey()
	if key == "" {
		return
	}
	ttl := common.Duration(d.cfg.Storage.TranscriptTTL)
	if err := d.resultStore.Put(ctx, transcriptKeyPrefix+key, transcript, ttl); err != nil {
		d.logger.Warn().Err(err).Str("original_url", key).Msg("Failed to cache transcript")
	}
}

func (d *AudioDescriber) writeResult(ctx context.Context, payload *models.AudioJobPayload, result *models.AudioJobResult) error {
	key := models.ResultKeyFor(payload.JobID)
	ttl := common.Duration(d.cfg.Storage.ResultTTL)
	if err := d.resultStore.Put(ctx, key, result, ttl); err != nil {
		return fmt.Errorf("failed to store audio result for job %s: %w", payload.JobID, err)
	}
	return nil
}
