package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/lbds137/tzurot/internal/common"
	"github.com/lbds137/tzurot/internal/interfaces"
	"github.com/lbds137/tzurot/internal/models"
)

// attemptRecord is one generation attempt's timing and outcome detail.
type attemptRecord struct {
	Attempt          int     `json:"attempt"`
	Model            string  `json:"model"`
	Temperature      float64 `json:"temperature"`
	FrequencyPenalty float64 `json:"frequency_penalty"`
	HistoryReduction int     `json:"history_reduction_percent"`
	DurationMs       int64   `json:"duration_ms"`
	Duplicate        bool    `json:"duplicate"`
	DuplicateLayer   string  `json:"duplicate_layer,omitempty"`
	Error            string  `json:"error,omitempty"`
	TokensIn         int     `json:"tokens_in,omitempty"`
	TokensOut        int     `json:"tokens_out,omitempty"`
}

// FlightRecorder accumulates diagnostic detail across every generation
// attempt of one request. Its payload is sanitized and written
// fire-and-forget; a write failure never affects the result.
type FlightRecorder struct {
	requestID        string
	triggerMessageID string
	personalityID    string
	userID           string
	guildID          string
	channelID        string
	model            string
	provider         string
	startTime        time.Time

	attempts   []attemptRecord
	failedStep string
	finalError string
}

// NewFlightRecorder starts a recorder for one request.
func NewFlightRecorder(requestID string) *FlightRecorder {
	return &FlightRecorder{
		requestID: requestID,
		startTime: time.Now(),
	}
}

// SetIdentity fills the scoping columns once the request context is known.
func (r *FlightRecorder) SetIdentity(personalityID, userID, guildID, channelID string) {
	r.personalityID = personalityID
	r.userID = userID
	r.guildID = guildID
	r.channelID = channelID
}

// SetModel records the effective model and provider.
func (r *FlightRecorder) SetModel(model, provider string) {
	r.model = model
	r.provider = provider
}

// RecordAttempt appends one attempt's detail.
func (r *FlightRecorder) RecordAttempt(rec attemptRecord) {
	rec.Error = common.SanitizeForJSON(rec.Error)
	r.attempts = append(r.attempts, rec)
}

// RecordFailure notes the step that failed and the final error.
func (r *FlightRecorder) RecordFailure(step Stage, err error) {
	r.failedStep = string(step)
	if err != nil {
		r.finalError = common.SanitizeForJSON(err.Error())
	}
}

// Flush writes the accumulated record to diagnostic storage. Errors are
// logged and swallowed.
func (r *FlightRecorder) Flush(ctx context.Context, storage interfaces.DiagnosticStorage, logger arbor.ILogger) {
	if storage == nil {
		return
	}

	data, err := json.Marshal(map[string]interface{}{
		"attempts":    r.attempts,
		"failed_step": r.failedStep,
		"final_error": r.finalError,
	})
	if err != nil {
		logger.Warn().Err(err).Str("request_id", r.requestID).Msg("Failed to marshal flight record")
		return
	}

	rec := &models.DiagnosticRecord{
		RequestID:        r.requestID,
		TriggerMessageID: r.triggerMessageID,
		PersonalityID:    r.personalityID,
		UserID:           r.userID,
		GuildID:          r.guildID,
		ChannelID:        r.channelID,
		Model:            r.model,
		Provider:         r.provider,
		DurationMs:       time.Since(r.startTime).Milliseconds(),
		Data:             data,
		CreatedAt:        time.Now(),
	}
	if err := storage.Save(ctx, rec); err != nil {
		logger.Warn().Err(err).Str("request_id", r.requestID).Msg("Failed to write flight record")
	}
}
