package common

import (
	"fmt"

	"github.com/google/uuid"
)

// Job identifiers for one request share the request ID as a prefix so an
// observer can filter a request's event stream deterministically.

// GenerationJobID returns the parent LLM job ID for a request.
func GenerationJobID(requestID string) string {
	return "gen:" + requestID
}

// AudioJobID returns the Nth audio transcription child ID for a request.
// Referenced-message audio carries the reference number in the index space
// via the refTag (empty for direct attachments).
func AudioJobID(requestID, refTag string, index int) string {
	if refTag != "" {
		return fmt.Sprintf("%s-ref%s-audio-%d", requestID, refTag, index)
	}
	return fmt.Sprintf("%s-audio-%d", requestID, index)
}

// ImageJobID returns the batched image description child ID for a request.
func ImageJobID(requestID, refTag string) string {
	if refTag != "" {
		return fmt.Sprintf("%s-ref%s-image", requestID, refTag)
	}
	return requestID + "-image"
}

// NewReferenceID returns a short ID suitable for support lookup on user
// facing error messages.
func NewReferenceID() string {
	return uuid.New().String()[:8]
}

// NewID returns a new UUID string.
func NewID() string {
	return uuid.New().String()
}
