package models

import "time"

// PendingMemoryAttemptCap is the default bound on storage retries.
const PendingMemoryAttemptCap = 3

// PendingMemoryShelved is the sentinel marking a record whose metadata
// failed validation and which must never be retried.
const PendingMemoryShelved = 999

// MemoryMetadata scopes a long-term memory record. Validated before any
// retry attempt; invalid rows are permanently shelved.
type MemoryMetadata struct {
	RequestID     string `json:"request_id" validate:"required"`
	PersonaID     string `json:"persona_id" validate:"required"`
	PersonalityID string `json:"personality_id" validate:"required"`
	UserID        string `json:"user_id" validate:"required"`
	ChannelID     string `json:"channel_id,omitempty"`
}

// DeferredMemoryRecord is produced by the generation step and stored to the
// vector memory once per request after retries converge.
type DeferredMemoryRecord struct {
	Text      string         `json:"text"`
	Metadata  MemoryMetadata `json:"metadata"`
	Embedding []float32      `json:"embedding,omitempty"`
}

// PendingMemory is a deferred memory whose storage attempt failed and which
// is scheduled for bounded retry.
type PendingMemory struct {
	ID            string         `json:"id" badgerhold:"key"`
	Text          string         `json:"text"`
	Metadata      MemoryMetadata `json:"metadata"`
	Attempts      int            `json:"attempts" badgerhold:"index"`
	LastAttemptAt *time.Time     `json:"last_attempt_at,omitempty"`
	Error         string         `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"created_at" badgerhold:"index"`
}

// LTMRecord is a stored long-term memory: a text chunk, its embedding, and
// scoping metadata.
type LTMRecord struct {
	ID            string    `json:"id" badgerhold:"key"`
	Text          string    `json:"text"`
	Embedding     []float32 `json:"embedding"`
	RequestID     string    `json:"request_id" badgerhold:"index"`
	PersonaID     string    `json:"persona_id" badgerhold:"index"`
	PersonalityID string    `json:"personality_id" badgerhold:"index"`
	UserID        string    `json:"user_id"`
	ChannelID     string    `json:"channel_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// PendingMemoryStats is the retrier's statistics surface.
type PendingMemoryStats struct {
	Total      int         `json:"total"`
	ByAttempts map[int]int `json:"by_attempts"`
}
