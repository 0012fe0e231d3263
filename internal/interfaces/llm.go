package interfaces

import (
	"context"
	"time"

	"github.com/lbds137/tzurot/internal/models"
)

// Message is one turn in the form consumed by the response generator.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// GenerateParams are the per-attempt sampling parameters. The retry loop
// escalates them between attempts.
type GenerateParams struct {
	Model            string
	Temperature      float64
	FrequencyPenalty float64
	MaxTokens        int

	// HistoryReductionPercent drops the oldest share of conversation
	// history before the call. Zero on the first attempt.
	HistoryReductionPercent int

	// DeferMemory asks the generator not to store memory itself; the
	// caller stores once after retries converge.
	DeferMemory bool
}

// GeneratorRequest is the black-box response generator input.
type GeneratorRequest struct {
	RequestID     string
	Personality   models.EffectivePersonality
	Message       string
	History       []models.HistoryEntry
	Preprocessing *models.PreprocessingResults
	Participants  []string
	UserID        string
	ChannelID     string
	APIKey        string
	Params        GenerateParams

	// OldestHistoryTime bounds memory retrieval: memories created at or
	// after this instant already appear in the conversation history and
	// must not be retrieved back into the same conversation. Nil when no
	// history entry carries a timestamp.
	OldestHistoryTime *time.Time
}

// GeneratorResponse is the black-box response generator output.
type GeneratorResponse struct {
	Content         string
	ThinkingContent string
	TokensIn        int
	TokensOut       int
	RetrievedMemories int

	// DeferredMemory is present when the generator produced memory data
	// under DeferMemory; the caller decides when (and whether) to store.
	DeferredMemory *models.DeferredMemoryRecord

	Incognito bool
}

// ResponseGenerator is the external conversational generator consumed by
// the pipeline. Prompt assembly is its concern, not ours.
type ResponseGenerator interface {
	Generate(ctx context.Context, req *GeneratorRequest) (*GeneratorResponse, error)
	// StoreDeferredMemory persists the memory produced during generation.
	StoreDeferredMemory(ctx context.Context, rec *models.DeferredMemoryRecord) error
	Provider() string
}

// VisionService describes images.
type VisionService interface {
	// Describe returns an objective description of the image at url.
	// systemPrompt may be empty.
	Describe(ctx context.Context, url, contentType, model, systemPrompt, apiKey string) (string, error)
}

// TranscriptionService converts audio bytes to text.
type TranscriptionService interface {
	Transcribe(ctx context.Context, audio []byte, contentType string) (string, error)
}

// EmbeddingService produces vector embeddings. Ready gates the duplicate
// detector's semantic layer.
type EmbeddingService interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Ready(ctx context.Context) bool
	Dimension() int
}
