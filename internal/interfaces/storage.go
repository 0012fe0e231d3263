package interfaces

import (
	"context"
	"time"

	"github.com/lbds137/tzurot/internal/models"
)

// ResultStore is the keyed intermediate blob store with TTL. The
// "job-result:" prefix is reserved for preprocessing outputs and
// "transcript:" for the voice transcription cache.
type ResultStore interface {
	Put(ctx context.Context, key string, payload interface{}, ttl time.Duration) error
	// Get decodes the stored payload into target. Returns ErrKeyNotFound
	// when the key is absent or expired.
	Get(ctx context.Context, key string, target interface{}) error
	Delete(ctx context.Context, key string) error
}

// JobResultStorage persists terminal job results and drives the delivery
// status transition.
type JobResultStorage interface {
	// SaveResult inserts or idempotently upserts the row for jobID.
	SaveResult(ctx context.Context, result *models.JobResult) error
	GetResult(ctx context.Context, jobID string) (*models.JobResult, error)
	// MarkDelivered flips pending_delivery to delivered. Idempotent;
	// double delivery is benign.
	MarkDelivered(ctx context.Context, jobID string) error
	ListByRequest(ctx context.Context, requestID string) ([]*models.JobResult, error)
}

// PendingMemoryStorage is the persistent retry queue for failed memory
// stores.
type PendingMemoryStorage interface {
	Save(ctx context.Context, pm *models.PendingMemory) error
	// ListRetryable returns up to limit rows with attempts < cap, oldest
	// first.
	ListRetryable(ctx context.Context, cap, limit int) ([]*models.PendingMemory, error)
	Update(ctx context.Context, pm *models.PendingMemory) error
	Delete(ctx context.Context, id string) error
	Stats(ctx context.Context) (*models.PendingMemoryStats, error)
}

// PersonalityStorage holds personality records and the user config
// hierarchy.
type PersonalityStorage interface {
	GetBySlug(ctx context.Context, slug string) (*models.Personality, error)
	GetByID(ctx context.Context, id string) (*models.Personality, error)
	Upsert(ctx context.Context, p *models.Personality) error

	GetUserConfig(ctx context.Context, userID string) (*models.UserConfig, error)
	GetUserPersonalityConfig(ctx context.Context, userID, personalityID string) (*models.UserPersonalityConfig, error)
	SaveUserConfig(ctx context.Context, cfg *models.UserConfig) error
	SaveUserPersonalityConfig(ctx context.Context, cfg *models.UserPersonalityConfig) error

	GetOwner(ctx context.Context, slug string) (*models.PersonalityOwner, error)
	SaveOwner(ctx context.Context, owner *models.PersonalityOwner) error
}

// DiagnosticStorage is the write-mostly flight-recorder table.
type DiagnosticStorage interface {
	Save(ctx context.Context, rec *models.DiagnosticRecord) error
	Get(ctx context.Context, requestID string) (*models.DiagnosticRecord, error)
	// DeleteOlderThan purges rows past the retention window and returns
	// the number removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// ShapesStorage holds import/export job rows and encrypted credentials.
type ShapesStorage interface {
	SaveJob(ctx context.Context, row *models.ShapesJobRow) error
	GetJob(ctx context.Context, id string) (*models.ShapesJobRow, error)
	GetCredential(ctx context.Context, userID string) (*models.ShapesCredential, error)
	SaveCredential(ctx context.Context, cred *models.ShapesCredential) error
}

// StorageManager aggregates every badger-backed storage behind one
// lifecycle.
type StorageManager interface {
	ResultStore() ResultStore
	JobResultStorage() JobResultStorage
	PendingMemoryStorage() PendingMemoryStorage
	PersonalityStorage() PersonalityStorage
	DiagnosticStorage() DiagnosticStorage
	ShapesStorage() ShapesStorage
	LTMStorage() LTMStorage
	Close() error
}

// LTMStorage persists long-term memory rows. Retrieval scoping follows the
// owning persona's share flag.
type LTMStorage interface {
	Save(ctx context.Context, rec *models.LTMRecord) error
	// ExistsForRequest reports whether a memory was already stored for
	// the request (at-most-once guard).
	ExistsForRequest(ctx context.Context, requestID string) (bool, error)
	// ExistsWithText reports whether the persona already holds a memory
	// with this exact text (import dedup).
	ExistsWithText(ctx context.Context, personaID, text string) (bool, error)
	// Query returns candidate records for a persona, filtered to one
	// personality unless the share flag widens the scope. A non-nil
	// before excludes records created at or after that instant.
	Query(ctx context.Context, personaID, personalityID string, sharedScope bool, before *time.Time, limit int) ([]*models.LTMRecord, error)
	QueryByChannel(ctx context.Context, personaID, channelID string, before *time.Time, limit int) ([]*models.LTMRecord, error)
}
