package memory

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/lbds137/tzurot/internal/common"
	"github.com/lbds137/tzurot/internal/interfaces"
	"github.com/lbds137/tzurot/internal/models"
)

// SweepResult summarizes one retrier pass.
type SweepResult struct {
	Processed int
	Stored    int
	Failed    int
	Shelved   int
}

// PendingMemoryRetrier drains the pending-memory queue: rows whose storage
// failed earlier are retried oldest first with a bounded attempts budget.
// Rows with invalid metadata are permanently shelved with the sentinel
// attempts value.
type PendingMemoryRetrier struct {
	pending  interfaces.PendingMemoryStorage
	memory   interfaces.MemoryService
	cfg      common.MemoryConfig
	logger   arbor.ILogger
	validate *validator.Validate
}

// NewPendingMemoryRetrier creates the retrier.
func NewPendingMemoryRetrier(pending interfaces.PendingMemoryStorage, memory interfaces.MemoryService, cfg common.MemoryConfig, logger arbor.ILogger) *PendingMemoryRetrier {
	return &PendingMemoryRetrier{
		pending:  pending,
		memory:   memory,
		cfg:      cfg,
		logger:   logger,
		validate: validator.New(),
	}
}

// Handle processes one pending_memory_retry job.
func (r *PendingMemoryRetrier) Handle(ctx context.Context, job *models.Job) error {
	payload := &models.PendingMemoryRetryPayload{}
	if len(job.Payload) > 0 {
		if err := job.UnmarshalPayload(payload); err != nil {
			return err
		}
	}
	batch := payload.BatchSize
	if batch <= 0 {
		batch = r.cfg.RetryBatchSize
	}
	_, err := r.Sweep(ctx, batch)
	return err
}

// Sweep runs one pass. Running it twice on the same state is equivalent to
// running it once: stored rows are deleted, failed rows advance attempts
// exactly once per pass.
func (r *PendingMemoryRetrier) Sweep(ctx context.Context, batch int) (*SweepResult, error) {
	cap := r.cfg.PendingAttemptCap
	if cap <= 0 {
		cap = models.PendingMemoryAttemptCap
	}
	if batch <= 0 {
		batch = 100
	}

	rows, err := r.pending.ListRetryable(ctx, cap, batch)
	if err != nil {
		return nil, err
	}

	result := &SweepResult{}
	for _, pm := range rows {
		result.Processed++
		r.processOne(ctx, pm, cap, result)
	}

	if result.Processed > 0 {
		r.logger.Info().
			Int("processed", result.Processed).
			Int("stored", result.Stored).
			Int("failed", result.Failed).
			Int("shelved", result.Shelved).
			Msg("Pending memory sweep finished")
	}
	return result, nil
}

func (r *PendingMemoryRetrier) processOne(ctx context.Context, pm *models.PendingMemory, cap int, result *SweepResult) {
	// Invalid metadata can never succeed; shelve permanently.
	if err := r.validate.Struct(&pm.Metadata); err != nil {
		pm.Attempts = models.PendingMemoryShelved
		pm.Error = err.Error()
		now := time.Now()
		pm.LastAttemptAt = &now
		if updateErr := r.pending.Update(ctx, pm); updateErr != nil {
			r.logger.Error().Err(updateErr).Str("pending_memory_id", pm.ID).Msg("Failed to shelve pending memory")
			return
		}
		r.logger.Warn().
			Str("pending_memory_id", pm.ID).
			Str("validation_error", err.Error()).
			Msg("Pending memory metadata invalid; permanently shelved")
		result.Shelved++
		return
	}

	rec := &models.DeferredMemoryRecord{
		Text:     pm.Text,
		Metadata: pm.Metadata,
	}
	if err := r.memory.Store(ctx, rec); err != nil {
		pm.Attempts++
		pm.Error = err.Error()
		now := time.Now()
		pm.LastAttemptAt = &now
		if updateErr := r.pending.Update(ctx, pm); updateErr != nil {
			r.logger.Error().Err(updateErr).Str("pending_memory_id", pm.ID).Msg("Failed to update pending memory after retry")
			return
		}
		if pm.Attempts >= cap {
			r.logger.Error().
				Str("pending_memory_id", pm.ID).
				Int("attempts", pm.Attempts).
				Str("error", pm.Error).
				Msg("Pending memory exhausted retry budget; giving up")
		} else {
			r.logger.Warn().
				Str("pending_memory_id", pm.ID).
				Int("attempts", pm.Attempts).
				Msg("Pending memory storage failed; will retry")
		}
		result.Failed++
		return
	}

	if err := r.pending.Delete(ctx, pm.ID); err != nil {
		r.logger.Error().Err(err).Str("pending_memory_id", pm.ID).Msg("Failed to delete stored pending memory")
		return
	}
	result.Stored++
}

// Stats exposes the retrier's statistics surface.
func (r *PendingMemoryRetrier) Stats(ctx context.Context) (*models.PendingMemoryStats, error) {
	return r.pending.Stats(ctx)
}
