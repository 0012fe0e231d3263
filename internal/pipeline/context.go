package pipeline

import (
	"time"

	"github.com/lbds137/tzurot/internal/interfaces"
	"github.com/lbds137/tzurot/internal/models"
)

// Stage tags one step of the generation pipeline. Stages run in fixed
// order; each populates exactly one context field.
type Stage string

const (
	StageValidation           Stage = "validation"
	StageDependencyResolution Stage = "dependency_resolution"
	StageConfigResolution     Stage = "config_resolution"
	StageAuthResolution       Stage = "auth_resolution"
	StageContextPreparation   Stage = "context_preparation"
	StageGeneration           Stage = "generation"
)

// AuthInfo is the output of the auth resolution stage.
type AuthInfo struct {
	APIKey      string
	Provider    string
	IsGuestMode bool
}

// PreparedContext is the output of the context preparation stage.
type PreparedContext struct {
	ConversationHistory    []interfaces.Message
	RawConversationHistory []models.HistoryEntry

	// OldestHistoryTimestamp is nil when no history entry carries a
	// timestamp; no LTM-exclusion window applies then.
	OldestHistoryTimestamp *time.Time

	Participants []string

	// RecentAssistantMessages holds the last up-to-N assistant entries in
	// reverse chronological order, feeding duplicate detection. Extracted
	// once here; retries never re-read history.
	RecentAssistantMessages []string
}

// GenerationContext is the record each stage enriches. Later stages may
// read earlier fields; earlier stages must not read later fields. Field
// presence marks stage completion; absence where required is a programmer
// error.
type GenerationContext struct {
	Job       *models.Job
	Payload   *models.GenerationJobPayload
	StartTime time.Time

	Preprocessing *models.PreprocessingResults
	Config        *models.EffectivePersonality
	Auth          *AuthInfo
	Prepared      *PreparedContext
	Result        *models.GenerationResult
}
