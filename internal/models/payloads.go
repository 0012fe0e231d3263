package models

import "time"

// ResponseDestination identifies the external channel the final result is
// delivered to by the pub/sub notifier.
type ResponseDestination struct {
	Type      string `json:"type" validate:"required"`
	ChannelID string `json:"channel_id" validate:"required"`
}

// HistoryMessageMetadata is per-history-entry metadata the generator is
// permitted to mutate during a call. Retry attempts must deep-clone it.
type HistoryMessageMetadata struct {
	ReferencedMessages []string `json:"referenced_messages,omitempty"`
	ImageDescriptions  []string `json:"image_descriptions,omitempty"`
}

// HistoryEntry is one turn of raw conversation history.
type HistoryEntry struct {
	Role            string                  `json:"role"`
	Content         string                  `json:"content"`
	PersonalityName string                  `json:"personality_name,omitempty"`
	Timestamp       *time.Time              `json:"timestamp,omitempty"`
	MessageMetadata *HistoryMessageMetadata `json:"message_metadata,omitempty"`
}

// Clone returns a deep copy of the entry, including the mutable metadata
// arrays.
func (h HistoryEntry) Clone() HistoryEntry {
	out := h
	if h.Timestamp != nil {
		ts := *h.Timestamp
		out.Timestamp = &ts
	}
	if h.MessageMetadata != nil {
		meta := &HistoryMessageMetadata{}
		if h.MessageMetadata.ReferencedMessages != nil {
			meta.ReferencedMessages = append([]string(nil), h.MessageMetadata.ReferencedMessages...)
		}
		if h.MessageMetadata.ImageDescriptions != nil {
			meta.ImageDescriptions = append([]string(nil), h.MessageMetadata.ImageDescriptions...)
		}
		out.MessageMetadata = meta
	}
	return out
}

// CloneHistory deep-clones a raw history slice.
func CloneHistory(history []HistoryEntry) []HistoryEntry {
	if history == nil {
		return nil
	}
	out := make([]HistoryEntry, len(history))
	for i, h := range history {
		out[i] = h.Clone()
	}
	return out
}

// ReferencedMessage is a message the user quoted. Its attachments are
// preprocessed under a 1-based source reference number and never merge with
// direct-message preprocessing.
type ReferencedMessage struct {
	ReferenceNumber int          `json:"reference_number"`
	Author          string       `json:"author,omitempty"`
	Content         string       `json:"content,omitempty"`
	Attachments     []Attachment `json:"attachments,omitempty"`
}

// RequestContext is the conversational context attached to an AI request.
type RequestContext struct {
	UserID                     string              `json:"user_id" validate:"required"`
	UserName                   string              `json:"user_name,omitempty"`
	ChannelID                  string              `json:"channel_id,omitempty"`
	ServerID                   string              `json:"server_id,omitempty"`
	ConversationHistory        []HistoryEntry      `json:"conversation_history,omitempty"`
	Attachments                []Attachment        `json:"attachments,omitempty"`
	ReferencedMessages         []ReferencedMessage `json:"referenced_messages,omitempty"`
	ExtendedContextAttachments []Attachment        `json:"extended_context_attachments,omitempty"`
	MentionedPersonalities     []string            `json:"mentioned_personalities,omitempty"`
	Incognito                  bool                `json:"incognito,omitempty"`
}

// AIRequest is the ingress request the orchestrator fans out into a flow.
type AIRequest struct {
	RequestID           string              `json:"request_id" validate:"required"`
	Personality         string              `json:"personality" validate:"required"`
	Message             string              `json:"message"`
	Context             RequestContext      `json:"context"`
	ResponseDestination ResponseDestination `json:"response_destination"`
	UserAPIKey          string              `json:"user_api_key,omitempty"`
}

// GenerationJobPayload is the parent LLM job payload. Dependencies carry
// everything the worker needs to read child outputs without re-enumerating
// the queue.
type GenerationJobPayload struct {
	RequestID           string              `json:"request_id" validate:"required"`
	JobType             JobType             `json:"job_type" validate:"required"`
	Personality         string              `json:"personality" validate:"required"`
	Message             string              `json:"message"`
	Context             RequestContext      `json:"context"`
	ResponseDestination ResponseDestination `json:"response_destination"`
	UserAPIKey          string              `json:"user_api_key,omitempty"`
	Dependencies        []JobDependency     `json:"dependencies,omitempty"`
}

// AudioJobPayload is the audio transcription child payload.
type AudioJobPayload struct {
	JobID                 string     `json:"job_id" validate:"required"`
	RequestID             string     `json:"request_id" validate:"required"`
	Attachment            Attachment `json:"attachment" validate:"required"`
	UserID                string     `json:"user_id"`
	ChannelID             string     `json:"channel_id,omitempty"`
	SourceReferenceNumber *int       `json:"source_reference_number,omitempty"`
}

// ImageJobPayload is the batched image description child payload.
type ImageJobPayload struct {
	JobID                 string       `json:"job_id" validate:"required"`
	RequestID             string       `json:"request_id" validate:"required"`
	Attachments           []Attachment `json:"attachments" validate:"required,min=1,dive"`
	Personality           string       `json:"personality"`
	UserID                string       `json:"user_id"`
	SourceReferenceNumber *int         `json:"source_reference_number,omitempty"`
}

// AudioJobResult is the audio child's intermediate-store output.
type AudioJobResult struct {
	Success               bool   `json:"success"`
	Content               string `json:"content,omitempty"`
	AttachmentURL         string `json:"attachment_url,omitempty"`
	AttachmentName        string `json:"attachment_name,omitempty"`
	SourceReferenceNumber *int   `json:"source_reference_number,omitempty"`
	Error                 string `json:"error,omitempty"`
}

// ImageDescriptionEntry pairs one image URL with its generated caption.
type ImageDescriptionEntry struct {
	URL         string `json:"url"`
	Description string `json:"description"`
}

// ImageJobResult is the image child's intermediate-store output.
type ImageJobResult struct {
	Success               bool                    `json:"success"`
	Descriptions          []ImageDescriptionEntry `json:"descriptions,omitempty"`
	SourceReferenceNumber *int                    `json:"source_reference_number,omitempty"`
	Error                 string                  `json:"error,omitempty"`
}

// ShapesJobPayload drives both import and export jobs.
type ShapesJobPayload struct {
	JobID      string `json:"job_id" validate:"required"`
	UserID     string `json:"user_id" validate:"required"`
	Slug       string `json:"slug" validate:"required"`
	ImportType string `json:"import_type,omitempty" validate:"omitempty,oneof=full memory_only"`
	Format     string `json:"format,omitempty" validate:"omitempty,oneof=json markdown"`
	IsBotAdmin bool   `json:"is_bot_admin,omitempty"`
}

// PendingMemoryRetryPayload triggers one sweep of the pending-memory queue.
type PendingMemoryRetryPayload struct {
	BatchSize int `json:"batch_size,omitempty"`
}
