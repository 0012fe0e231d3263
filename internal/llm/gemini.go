package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"google.golang.org/genai"

	"github.com/lbds137/tzurot/internal/common"
)

const transcriptionPrompt = "Transcribe this audio verbatim. Output only the spoken words, no commentary."

// GeminiService provides audio transcription and text embeddings through
// the Gemini API. Both are optional capabilities: when no Gemini key is
// configured the constructor fails and callers run without semantic
// duplicate detection and without transcription.
type GeminiService struct {
	cfg     *common.LLMConfig
	logger  arbor.ILogger
	client  *genai.Client
	timeout time.Duration
}

// NewGeminiService creates the Gemini service.
func NewGeminiService(cfg *common.Config, logger arbor.ILogger) (*GeminiService, error) {
	if cfg.LLM.GeminiAPIKey == "" {
		return nil, fmt.Errorf("Gemini API key is required (set via GEMINI_API_KEY or llm.gemini_api_key in config)")
	}

	timeout, err := time.ParseDuration(cfg.LLM.Timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid timeout duration '%s': %w", cfg.LLM.Timeout, err)
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.LLM.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize genai client: %w", err)
	}

	service := &GeminiService{
		cfg:     &cfg.LLM,
		logger:  logger,
		client:  client,
		timeout: timeout,
	}

	logger.Debug().
		Str("embedding_model", cfg.LLM.EmbeddingModel).
		Int("embedding_dim", cfg.LLM.EmbeddingDim).
		Dur("timeout", timeout).
		Msg("Gemini service initialized")

	return service, nil
}

// Transcribe converts audio bytes to text.
func (s *GeminiService) Transcribe(ctx context.Context, audio []byte, contentType string) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("audio cannot be empty for transcription")
	}
	if contentType == "" {
		contentType = "audio/ogg"
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	startTime := time.Now()
	contents := []*genai.Content{{
		Role: genai.RoleUser,
		Parts: []*genai.Part{
			genai.NewPartFromBytes(audio, contentType),
			genai.NewPartFromText(transcriptionPrompt),
		},
	}}

	resp, err := s.client.Models.GenerateContent(timeoutCtx, s.cfg.Model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("transcription failed: %w", err)
	}

	var transcript strings.Builder
	if resp != nil {
		for _, candidate := range resp.Candidates {
			if candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part.Text != "" {
					transcript.WriteString(part.Text)
				}
			}
			if transcript.Len() > 0 {
				break
			}
		}
	}
	if transcript.Len() == 0 {
		return "", fmt.Errorf("no transcript returned from API")
	}

	s.logger.Debug().
		Int("audio_bytes", len(audio)).
		Int("transcript_length", transcript.Len()).
		Dur("duration", time.Since(startTime)).
		Msg("Audio transcription completed")

	return strings.TrimSpace(transcript.String()), nil
}

// Embed generates an embedding vector with the configured dimensionality.
func (s *GeminiService) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("text cannot be empty for embedding generation")
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	outputDim := int32(s.cfg.EmbeddingDim)
	config := &genai.EmbedContentConfig{
		OutputDimensionality: &outputDim,
	}

	result, err := s.client.Models.EmbedContent(timeoutCtx, s.cfg.EmbeddingModel, []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}, config)
	if err != nil {
		return nil, fmt.Errorf("embedding generation failed: %w", err)
	}

	var embedding []float32
	if result != nil && len(result.Embeddings) > 0 {
		embedding = result.Embeddings[0].Values
	}
	if embedding == nil {
		return nil, fmt.Errorf("no embedding returned from API")
	}
	if len(embedding) != s.cfg.EmbeddingDim {
		return nil, fmt.Errorf("embedding dimension mismatch: expected %d, got %d", s.cfg.EmbeddingDim, len(embedding))
	}
	return embedding, nil
}

// Ready reports whether the embedding capability is usable. The semantic
// duplicate layer is skipped when this returns false.
func (s *GeminiService) Ready(ctx context.Context) bool {
	return s.client != nil && s.cfg.EmbeddingModel != ""
}

// Dimension returns the configured embedding dimensionality.
func (s *GeminiService) Dimension() int {
	return s.cfg.EmbeddingDim
}

// Close releases the client reference. The genai client needs no explicit
// cleanup.
func (s *GeminiService) Close() error {
	s.client = nil
	return nil
}
