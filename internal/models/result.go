package models

import (
	"encoding/json"
	"time"
)

// DeliveryStatus is the persistence-side state of a job result row.
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending_delivery"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
)

// JobResult is the persistent row written once per completed job, keyed by
// job ID. Written by exactly one worker; read by at most one delivery
// subscriber.
type JobResult struct {
	JobID       string          `json:"job_id" badgerhold:"key"`
	RequestID   string          `json:"request_id" badgerhold:"index"`
	Result      json.RawMessage `json:"result"`
	Status      DeliveryStatus  `json:"status" badgerhold:"index"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt time.Time       `json:"completed_at"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty"`
}

// ErrorInfo is the classified, user-presentable failure detail attached to
// soft-failure results.
type ErrorInfo struct {
	Type        string `json:"type"`
	Category    string `json:"category"`
	UserMessage string `json:"user_message"`
	ReferenceID string `json:"reference_id"`
	ShouldRetry bool   `json:"should_retry"`
}

// GenerationMetadata is the metadata block of a generation result.
type GenerationMetadata struct {
	RetrievedMemories          int    `json:"retrieved_memories"`
	TokensIn                   int    `json:"tokens_in"`
	TokensOut                  int    `json:"tokens_out"`
	ProcessingTimeMs           int64  `json:"processing_time_ms"`
	ModelUsed                  string `json:"model_used"`
	ProviderUsed               string `json:"provider_used"`
	ConfigSource               string `json:"config_source"`
	IsGuestMode                bool   `json:"is_guest_mode"`
	CrossTurnDuplicateDetected bool   `json:"cross_turn_duplicate_detected"`
	Attempts                   int    `json:"attempts"`
	ThinkingContent            string `json:"thinking_content,omitempty"`
}

// GenerationResult is the terminal output of the LLM pipeline, persisted as
// the job result payload for both successes and soft failures.
type GenerationResult struct {
	RequestID                      string              `json:"request_id"`
	Success                        bool                `json:"success"`
	Content                        string              `json:"content,omitempty"`
	AttachmentDescriptions         []string            `json:"attachment_descriptions,omitempty"`
	ReferencedMessagesDescriptions map[int][]string    `json:"referenced_messages_descriptions,omitempty"`
	Metadata                       GenerationMetadata  `json:"metadata"`
	Error                          string              `json:"error,omitempty"`
	ErrorInfo                      *ErrorInfo          `json:"error_info,omitempty"`
	FailedStep                     string              `json:"failed_step,omitempty"`
	LastSuccessfulStep             string              `json:"last_successful_step,omitempty"`
}

// DeliveryNotification is the pub/sub message published after result
// persistence. The subscriber fetches the full result by job ID.
type DeliveryNotification struct {
	JobID     string `json:"job_id"`
	RequestID string `json:"request_id"`
}

// DiagnosticRecord is the flight-recorder row written fire-and-forget once
// per generation attempt sequence. Retained 24 hours.
type DiagnosticRecord struct {
	RequestID        string          `json:"request_id" badgerhold:"key"`
	TriggerMessageID string          `json:"trigger_message_id,omitempty"`
	PersonalityID    string          `json:"personality_id"`
	UserID           string          `json:"user_id"`
	GuildID          string          `json:"guild_id,omitempty"`
	ChannelID        string          `json:"channel_id"`
	Model            string          `json:"model"`
	Provider         string          `json:"provider"`
	DurationMs       int64           `json:"duration_ms"`
	Data             json.RawMessage `json:"data"`
	CreatedAt        time.Time       `json:"created_at" badgerhold:"index"`
}
