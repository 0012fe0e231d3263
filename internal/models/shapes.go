package models

import "time"

// ShapesJobKind distinguishes the two external-data directions.
type ShapesJobKind string

const (
	ShapesJobImport ShapesJobKind = "import"
	ShapesJobExport ShapesJobKind = "export"
)

// ShapesJobStatus is the persistent row state of an import/export job.
type ShapesJobStatus string

const (
	ShapesJobPending    ShapesJobStatus = "pending"
	ShapesJobInProgress ShapesJobStatus = "in_progress"
	ShapesJobCompleted  ShapesJobStatus = "completed"
	ShapesJobFailed     ShapesJobStatus = "failed"
)

// ShapesJobRow is the persistent import/export job record. The queue job
// references it by ID; retryable failures leave the row in_progress until
// the final attempt.
type ShapesJobRow struct {
	ID         string          `json:"id" badgerhold:"key"`
	UserID     string          `json:"user_id" badgerhold:"index"`
	Slug       string          `json:"slug" badgerhold:"index"`
	Kind       ShapesJobKind   `json:"kind"`
	ImportType string          `json:"import_type,omitempty"`
	Format     string          `json:"format,omitempty"`
	Status     ShapesJobStatus `json:"status" badgerhold:"index"`
	Error      string          `json:"error,omitempty"`

	// Export outputs.
	FileName  string                 `json:"file_name,omitempty"`
	FileSize  int64                  `json:"file_size,omitempty"`
	FileBody  []byte                 `json:"file_body,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`

	// Import counters.
	Imported int `json:"imported,omitempty"`
	Skipped  int `json:"skipped,omitempty"`
	Failed   int `json:"failed,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ShapesCredential is the encrypted session credential for the external
// service, one per user. Cookies rotate on every fetch and the rotated
// value must be persisted before the job returns.
type ShapesCredential struct {
	UserID           string    `json:"user_id" badgerhold:"key"`
	EncryptedSession []byte    `json:"encrypted_session"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ShapesMemory is one remembered exchange fetched from the external service.
type ShapesMemory struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// ShapesStory is a long-form story entry from the external service.
type ShapesStory struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body"`
}

// ShapesConfig is the personality configuration page of the external
// service, mapped to local fields.
type ShapesConfig struct {
	Slug         string `json:"slug"`
	Name         string `json:"name"`
	Model        string `json:"model,omitempty"`
	VisionModel  string `json:"vision_model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	AvatarURL    string `json:"avatar_url,omitempty"`
}

// ShapesData is the full paged data set pulled during import/export.
type ShapesData struct {
	Config              ShapesConfig           `json:"config"`
	Memories            []ShapesMemory         `json:"memories"`
	Stories             []ShapesStory          `json:"stories"`
	UserPersonalization map[string]string      `json:"user_personalization,omitempty"`
}
