package shapes

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/lbds137/tzurot/internal/common"
	"github.com/lbds137/tzurot/internal/interfaces"
	"github.com/lbds137/tzurot/internal/memory"
	"github.com/lbds137/tzurot/internal/models"
)

// ImportHandler processes shapes_import jobs: pull the external data set,
// upsert personality rows (full imports), and ingest new memories.
type ImportHandler struct {
	storage       interfaces.ShapesStorage
	personalities interfaces.PersonalityStorage
	memories      *memory.Service
	cipher        *CredentialCipher
	factory       FetcherFactory
	avatarClient  *http.Client
	cfg           *common.Config
	logger        arbor.ILogger
	validate      *validator.Validate
}

// NewImportHandler creates the import handler.
func NewImportHandler(storage interfaces.ShapesStorage, personalities interfaces.PersonalityStorage, memories *memory.Service, cipher *CredentialCipher, factory FetcherFactory, cfg *common.Config, logger arbor.ILogger) *ImportHandler {
	return &ImportHandler{
		storage:       storage,
		personalities: personalities,
		memories:      memories,
		cipher:        cipher,
		factory:       factory,
		avatarClient: &http.Client{
			Timeout: common.Duration(cfg.Shapes.AvatarTimeout),
		},
		cfg:      cfg,
		logger:   logger,
		validate: validator.New(),
	}
}

// Handle runs one import. Retryable fetch errors re-throw to the queue
// while attempts remain, leaving the row in_progress; everything else
// terminally resolves the row.
func (h *ImportHandler) Handle(ctx context.Context, job *models.Job) error {
	payload := &models.ShapesJobPayload{}
	if err := job.UnmarshalPayload(payload); err != nil {
		return err
	}
	if err := h.validate.Struct(payload); err != nil {
		return fmt.Errorf("invalid import payload for job %s: %w", job.ID, err)
	}

	row, err := h.storage.GetJob(ctx, payload.JobID)
	if err != nil {
		return fmt.Errorf("failed to load import row %s: %w", payload.JobID, err)
	}
	row.Status = models.ShapesJobInProgress
	row.UpdatedAt = time.Now()
	if err := h.storage.SaveJob(ctx, row); err != nil {
		return fmt.Errorf("failed to mark import row in progress: %w", err)
	}

	session, authErr := h.decryptSession(ctx, payload.UserID)
	if authErr != nil {
		return h.failRow(ctx, row, authErr)
	}

	fetcher := h.factory(session)
	// Cookie rotation survives every exit path, including panics in the
	// ingest loop.
	defer h.persistSession(payload.UserID, session, fetcher)

	data, err := fetcher.FetchAll(ctx, payload.Slug)
	if err != nil {
		return h.resolveFetchError(ctx, job, row, err)
	}

	var personality *models.Personality
	switch payload.ImportType {
	case "memory_only":
		personality, err = h.personalities.GetBySlug(ctx, payload.Slug)
		if err != nil {
			return h.failRow(ctx, row, fmt.Errorf("memory_only import requires existing personality %q: %w", payload.Slug, err))
		}
	default:
		personality, err = h.upsertPersonality(ctx, payload, &data.Config)
		if err != nil {
			return h.failRow(ctx, row, err)
		}
		h.downloadAvatar(ctx, payload.Slug, data.Config.AvatarURL)
	}

	imported, skipped, failed := h.ingestMemories(ctx, payload, personality, data.Memories)

	row.Imported = imported
	row.Skipped = skipped
	row.Failed = failed
	row.Status = models.ShapesJobCompleted
	row.UpdatedAt = time.Now()
	if err := h.storage.SaveJob(ctx, row); err != nil {
		return fmt.Errorf("failed to complete import row: %w", err)
	}

	h.logger.Info().
		Str("job_id", payload.JobID).
		Str("slug", payload.Slug).
		Int("imported", imported).
		Int("skipped", skipped).
		Int("failed", failed).
		Msg("Shapes import completed")
	return nil
}

func (h *ImportHandler) decryptSession(ctx context.Context, userID string) (string, error) {
	cred, err := h.storage.GetCredential(ctx, userID)
	if err != nil {
		return "", &AuthError{Reason: fmt.Sprintf("no stored credential for user %s", userID)}
	}
	session, err := h.cipher.Decrypt(cred.EncryptedSession)
	if err != nil {
		return "", &AuthError{Reason: "stored credential could not be decrypted"}
	}
	return session, nil
}

// persistSession writes the rotated cookie back whenever it changed. Runs
// deferred; failures are logged, not returned, since the import outcome is
// already decided by then.
func (h *ImportHandler) persistSession(userID, original string, fetcher Fetcher) {
	rotated := fetcher.Session()
	if rotated == "" || rotated == original {
		return
	}
	sealed, err := h.cipher.Encrypt(rotated)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to encrypt rotated session")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.storage.SaveCredential(ctx, &models.ShapesCredential{
		UserID:           userID,
		EncryptedSession: sealed,
		UpdatedAt:        time.Now(),
	}); err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to persist rotated session")
	}
}

// resolveFetchError applies the retry classification: retryable errors
// re-throw while attempts remain and mark the row failed only on the final
// attempt; everything else fails the row immediately.
func (h *ImportHandler) resolveFetchError(ctx context.Context, job *models.Job, row *models.ShapesJobRow, err error) error {
	if IsRetryable(err) {
		if job.Attempts < job.MaxAttempts {
			h.logger.Warn().Err(err).
				Str("job_id", job.ID).
				Int("attempt", job.Attempts).
				Msg("Retryable shapes fetch failure; re-queueing")
			return err
		}
		h.logger.Error().Err(err).
			Str("job_id", job.ID).
			Msg("Shapes fetch exhausted retries")
		if failErr := h.failRow(ctx, row, err); failErr != nil {
			return failErr
		}
		return err
	}
	return h.failRow(ctx, row, err)
}

func (h *ImportHandler) failRow(ctx context.Context, row *models.ShapesJobRow, cause error) error {
	row.Status = models.ShapesJobFailed
	row.Error = cause.Error()
	row.UpdatedAt = time.Now()
	if err := h.storage.SaveJob(ctx, row); err != nil {
		return fmt.Errorf("failed to mark row failed after %v: %w", cause, err)
	}
	h.logger.Warn().
		Str("job_id", row.ID).
		Str("error", cause.Error()).
		Msg("Shapes job failed")
	return nil
}

// upsertPersonality maps the fetched config onto the local personality
// record, enforcing slug ownership for non-admin callers.
func (h *ImportHandler) upsertPersonality(ctx context.Context, payload *models.ShapesJobPayload, config *models.ShapesConfig) (*models.Personality, error) {
	owner, err := h.personalities.GetOwner(ctx, payload.Slug)
	if err == nil && owner.UserID != payload.UserID && !payload.IsBotAdmin {
		return nil, fmt.Errorf("personality %q is owned by another user", payload.Slug)
	}
	if err != nil && err != interfaces.ErrKeyNotFound {
		return nil, fmt.Errorf("failed ownership check for %q: %w", payload.Slug, err)
	}

	existing, err := h.personalities.GetBySlug(ctx, payload.Slug)
	now := time.Now()
	p := &models.Personality{}
	if err == nil {
		*p = *existing
	} else if err == interfaces.ErrKeyNotFound {
		p.ID = common.NewID()
		p.Slug = payload.Slug
		p.PersonaID = common.NewID()
		p.CreatedAt = now
	} else {
		return nil, fmt.Errorf("failed to look up personality %q: %w", payload.Slug, err)
	}

	p.Name = config.Name
	if config.Model != "" {
		p.Model = config.Model
	}
	p.VisionModel = config.VisionModel
	p.SystemPrompt = config.SystemPrompt
	p.ErrorMessage = config.ErrorMessage
	p.AvatarURL = config.AvatarURL
	p.UpdatedAt = now

	if err := h.personalities.Upsert(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to upsert personality %q: %w", payload.Slug, err)
	}
	if err := h.personalities.SaveOwner(ctx, &models.PersonalityOwner{
		Slug:      payload.Slug,
		UserID:    payload.UserID,
		CreatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("failed to save ownership for %q: %w", payload.Slug, err)
	}
	return p, nil
}

// downloadAvatar stores the avatar under the data directory. Bounded size
// and timeout; any failure is non-fatal.
func (h *ImportHandler) downloadAvatar(ctx context.Context, slug, url string) {
	if url == "" {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("slug", slug).Msg("Avatar download skipped")
		return
	}
	resp, err := h.avatarClient.Do(req)
	if err != nil {
		h.logger.Warn().Err(err).Str("slug", slug).Msg("Avatar download failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		h.logger.Warn().Int("status", resp.StatusCode).Str("slug", slug).Msg("Avatar download failed")
		return
	}

	maxBytes := h.cfg.Shapes.AvatarMaxBytes
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil || int64(len(data)) > maxBytes {
		h.logger.Warn().Str("slug", slug).Msg("Avatar exceeds size bound or read failed; skipping")
		return
	}

	dir := filepath.Join(h.cfg.Storage.Path, "avatars")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		h.logger.Warn().Err(err).Str("slug", slug).Msg("Avatar directory creation failed")
		return
	}
	if err := os.WriteFile(filepath.Join(dir, slug), data, 0o644); err != nil {
		h.logger.Warn().Err(err).Str("slug", slug).Msg("Avatar write failed")
	}
}

// ingestMemories diffs fetched memories against stored ones by text and
// imports only the new entries. A single storage failure advances the
// failed counter, never the job outcome.
func (h *ImportHandler) ingestMemories(ctx context.Context, payload *models.ShapesJobPayload, personality *models.Personality, fetched []models.ShapesMemory) (imported, skipped, failed int) {
	for i, mem := range fetched {
		exists, err := h.memories.ExistsWithText(ctx, personality.PersonaID, mem.Text)
		if err != nil {
			h.logger.Warn().Err(err).Str("slug", payload.Slug).Msg("Memory dedup check failed; counting as failed")
			failed++
			continue
		}
		if exists {
			skipped++
			continue
		}

		rec := &models.DeferredMemoryRecord{
			Text: mem.Text,
			Metadata: models.MemoryMetadata{
				RequestID:     fmt.Sprintf("import-%s-%d", payload.JobID, i),
				PersonaID:     personality.PersonaID,
				PersonalityID: personality.ID,
				UserID:        payload.UserID,
			},
		}
		if err := h.memories.Store(ctx, rec); err != nil {
			h.logger.Warn().Err(err).Str("slug", payload.Slug).Msg("Memory import failed; continuing")
			failed++
			continue
		}
		imported++
	}
	return imported, skipped, failed
}
