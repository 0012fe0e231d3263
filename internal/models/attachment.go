package models

import "strings"

// Attachment is a raw message attachment as received at ingress.
type Attachment struct {
	URL             string `json:"url" validate:"required,url"`
	OriginalURL     string `json:"original_url,omitempty"`
	ContentType     string `json:"content_type"`
	Name            string `json:"name,omitempty"`
	Size            int64  `json:"size,omitempty"`
	IsVoiceMessage  bool   `json:"is_voice_message,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

// IsAudio reports whether the attachment should be routed to the audio
// transcriber. Voice messages are audio regardless of declared content type.
func (a Attachment) IsAudio() bool {
	return a.IsVoiceMessage || strings.HasPrefix(a.ContentType, "audio/")
}

// IsImage reports whether the attachment should be routed to the image
// describer.
func (a Attachment) IsImage() bool {
	return !a.IsVoiceMessage && strings.HasPrefix(a.ContentType, "image/")
}

// CacheKey returns the transcript-cache key source for audio attachments.
// The original URL is stable across CDN re-signs; the delivery URL is not.
func (a Attachment) CacheKey() string {
	if a.OriginalURL != "" {
		return a.OriginalURL
	}
	return ""
}

// ProcessedAttachmentKind distinguishes vision output from transcription
// output in preprocessing results.
type ProcessedAttachmentKind string

const (
	ProcessedKindImage ProcessedAttachmentKind = "image"
	ProcessedKindAudio ProcessedAttachmentKind = "audio"
)

// ProcessedAttachment carries the text derived from vision or transcription
// so downstream generation consumes a text-only view.
type ProcessedAttachment struct {
	Kind        ProcessedAttachmentKind `json:"kind"`
	Description string                  `json:"description"`
	OriginalURL string                  `json:"original_url,omitempty"`
	Metadata    map[string]interface{}  `json:"metadata,omitempty"`

	// SourceReferenceNumber is the 1-based referenced-message index this
	// attachment came from; nil for direct-message attachments.
	SourceReferenceNumber *int `json:"source_reference_number,omitempty"`
}

// PreprocessingResults aggregates every child-job output visible to the
// generation stage. Attachments with a source reference number are routed
// into the per-reference map, never the flat list.
type PreprocessingResults struct {
	ProcessedAttachments       []ProcessedAttachment         `json:"processed_attachments"`
	Transcriptions             []string                      `json:"transcriptions"`
	ReferenceAttachments       map[int][]ProcessedAttachment `json:"reference_attachments"`
	ExtendedContextAttachments []ProcessedAttachment         `json:"extended_context_attachments,omitempty"`
}

// NewPreprocessingResults returns an empty, fully initialized result set.
func NewPreprocessingResults() *PreprocessingResults {
	return &PreprocessingResults{
		ProcessedAttachments: []ProcessedAttachment{},
		Transcriptions:       []string{},
		ReferenceAttachments: map[int][]ProcessedAttachment{},
	}
}

// Add routes a processed attachment by its source reference number.
func (p *PreprocessingResults) Add(att ProcessedAttachment) {
	if att.SourceReferenceNumber != nil {
		n := *att.SourceReferenceNumber
		p.ReferenceAttachments[n] = append(p.ReferenceAttachments[n], att)
		return
	}
	p.ProcessedAttachments = append(p.ProcessedAttachments, att)
	if att.Kind == ProcessedKindAudio {
		p.Transcriptions = append(p.Transcriptions, att.Description)
	}
}
