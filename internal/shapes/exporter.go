package shapes

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/lbds137/tzurot/internal/common"
	"github.com/lbds137/tzurot/internal/interfaces"
	"github.com/lbds137/tzurot/internal/models"
)

// ExportHandler processes shapes_export jobs: pull the external data set
// and write the formatted file into the job row.
type ExportHandler struct {
	storage  interfaces.ShapesStorage
	cipher   *CredentialCipher
	factory  FetcherFactory
	cfg      *common.Config
	logger   arbor.ILogger
	validate *validator.Validate
}

// NewExportHandler creates the export handler.
func NewExportHandler(storage interfaces.ShapesStorage, cipher *CredentialCipher, factory FetcherFactory, cfg *common.Config, logger arbor.ILogger) *ExportHandler {
	return &ExportHandler{
		storage:  storage,
		cipher:   cipher,
		factory:  factory,
		cfg:      cfg,
		logger:   logger,
		validate: validator.New(),
	}
}

// Handle runs one export with the same retry classification as imports.
func (h *ExportHandler) Handle(ctx context.Context, job *models.Job) error {
	payload := &models.ShapesJobPayload{}
	if err := job.UnmarshalPayload(payload); err != nil {
		return err
	}
	if err := h.validate.Struct(payload); err != nil {
		return fmt.Errorf("invalid export payload for job %s: %w", job.ID, err)
	}

	row, err := h.storage.GetJob(ctx, payload.JobID)
	if err != nil {
		return fmt.Errorf("failed to load export row %s: %w", payload.JobID, err)
	}
	row.Status = models.ShapesJobInProgress
	row.UpdatedAt = time.Now()
	if err := h.storage.SaveJob(ctx, row); err != nil {
		return fmt.Errorf("failed to mark export row in progress: %w", err)
	}

	cred, err := h.storage.GetCredential(ctx, payload.UserID)
	if err != nil {
		return h.failRow(ctx, row, &AuthError{Reason: fmt.Sprintf("no stored credential for user %s", payload.UserID)})
	}
	session, err := h.cipher.Decrypt(cred.EncryptedSession)
	if err != nil {
		return h.failRow(ctx, row, &AuthError{Reason: "stored credential could not be decrypted"})
	}

	fetcher := h.factory(session)
	defer h.persistSession(payload.UserID, session, fetcher)

	data, err := fetcher.FetchAll(ctx, payload.Slug)
	if err != nil {
		if IsRetryable(err) {
			if job.Attempts < job.MaxAttempts {
				h.logger.Warn().Err(err).
					Str("job_id", job.ID).
					Int("attempt", job.Attempts).
					Msg("Retryable shapes fetch failure; re-queueing export")
				return err
			}
			if failErr := h.failRow(ctx, row, err); failErr != nil {
				return failErr
			}
			return err
		}
		return h.failRow(ctx, row, err)
	}

	file, err := Format(data, payload.Format)
	if err != nil {
		return h.failRow(ctx, row, err)
	}

	row.FileName = file.Name
	row.FileBody = file.Body
	row.FileSize = int64(len(file.Body))
	row.Metadata = file.Metadata
	row.Status = models.ShapesJobCompleted
	row.UpdatedAt = time.Now()
	if err := h.storage.SaveJob(ctx, row); err != nil {
		return fmt.Errorf("failed to complete export row: %w", err)
	}

	h.logger.Info().
		Str("job_id", payload.JobID).
		Str("slug", payload.Slug).
		Str("file", file.Name).
		Int64("bytes", row.FileSize).
		Msg("Shapes export completed")
	return nil
}

func (h *ExportHandler) persistSession(userID, original string, fetcher Fetcher) {
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

func (h *ExportHandler) failRow(ctx context.Context, row *models.ShapesJobRow, cause error) error {
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
