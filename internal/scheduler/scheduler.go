package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/lbds137/tzurot/internal/common"
	"github.com/lbds137/tzurot/internal/interfaces"
	"github.com/lbds137/tzurot/internal/memory"
)

const sweepTimeout = 5 * time.Minute

// Scheduler drives the periodic maintenance work: pending-memory sweeps
// and diagnostic retention cleanup.
type Scheduler struct {
	retrier     *memory.PendingMemoryRetrier
	diagnostics interfaces.DiagnosticStorage
	cfg         *common.Config
	cron        *cron.Cron
	logger      arbor.ILogger
}

// New creates the scheduler.
func New(retrier *memory.PendingMemoryRetrier, diagnostics interfaces.DiagnosticStorage, cfg *common.Config, logger arbor.ILogger) *Scheduler {
	return &Scheduler{
		retrier:     retrier,
		diagnostics: diagnostics,
		cfg:         cfg,
		cron:        cron.New(),
		logger:      logger,
	}
}

// Start registers the cron entries and begins scheduling.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.Scheduler.PendingMemorySchedule, s.runPendingMemorySweep); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.cfg.Scheduler.DiagnosticCleanupSchedule, s.runDiagnosticCleanup); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info().
		Str("pending_memory", s.cfg.Scheduler.PendingMemorySchedule).
		Str("diagnostic_cleanup", s.cfg.Scheduler.DiagnosticCleanupSchedule).
		Msg("Maintenance scheduler started")
	return nil
}

// Stop halts scheduling and waits for running entries.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("Maintenance scheduler stopped")
}

func (s *Scheduler) runPendingMemorySweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	result, err := s.retrier.Sweep(ctx, s.cfg.Memory.RetryBatchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("Scheduled pending-memory sweep failed")
		return
	}
	if result.Processed > 0 {
		s.logger.Info().
			Int("processed", result.Processed).
			Int("stored", result.Stored).
			Int("failed", result.Failed).
			Int("shelved", result.Shelved).
			Msg("Scheduled pending-memory sweep completed")
	}
}

func (s *Scheduler) runDiagnosticCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	retention := common.Duration(s.cfg.Storage.DiagnosticRetention)
	cutoff := time.Now().Add(-retention)
	removed, err := s.diagnostics.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("Diagnostic cleanup failed")
		return
	}
	if removed > 0 {
		s.logger.Info().
			Int("removed", removed).
			Str("cutoff", cutoff.Format(time.RFC3339)).
			Msg("Diagnostic records purged")
	}
}
