package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/lbds137/tzurot/internal/common"
	"github.com/lbds137/tzurot/internal/interfaces"
	"github.com/lbds137/tzurot/internal/models"
)

// WorkerPool pulls jobs from the queue and dispatches by type tag. Each
// registered type gets its own set of poll goroutines, which is what
// enforces the per-type concurrency caps.
type WorkerPool struct {
	queueMgr *Manager
	config   *common.QueueConfig
	handlers map[models.JobType]interfaces.JobHandler
	logger   arbor.ILogger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	mu       sync.Mutex
}

// NewWorkerPool creates a worker pool over the queue manager.
func NewWorkerPool(queueMgr *Manager, config *common.QueueConfig, logger arbor.ILogger) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		queueMgr: queueMgr,
		config:   config,
		handlers: make(map[models.JobType]interfaces.JobHandler),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// RegisterHandler registers a job type handler. Must be called before
// Start.
func (wp *WorkerPool) RegisterHandler(jobType models.JobType, handler interfaces.JobHandler) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	wp.handlers[jobType] = handler
	wp.logger.Debug().
		Str("job_type", string(jobType)).
		Msg("Job handler registered")
}

// Start launches the per-type worker goroutines.
func (wp *WorkerPool) Start() error {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.started {
		return fmt.Errorf("worker pool already started")
	}
	wp.started = true

	pollInterval := common.Duration(wp.config.PollInterval)
	total := 0
	for jobType := range wp.handlers {
		concurrency := wp.config.ConcurrencyFor(string(jobType))
		for i := 0; i < concurrency; i++ {
			wp.wg.Add(1)
			go wp.worker(jobType, i, pollInterval)
		}
		total += concurrency
	}

	wp.logger.Info().
		Int("worker_count", total).
		Int("job_types", len(wp.handlers)).
		Msg("Worker pool started")
	return nil
}

// Stop cancels all workers and waits for in-flight jobs to settle.
func (wp *WorkerPool) Stop() {
	wp.logger.Info().Msg("Stopping worker pool")
	wp.cancel()
	wp.wg.Wait()
	wp.logger.Info().Msg("Worker pool stopped")
}

// worker is the poll loop for one job type slot.
func (wp *WorkerPool) worker(jobType models.JobType, workerID int, pollInterval time.Duration) {
	defer wp.wg.Done()

	// Stagger starts to spread claim contention across the poll interval.
	stagger := pollInterval / time.Duration(workerID+1)
	select {
	case <-wp.ctx.Done():
		return
	case <-time.After(stagger):
	}

	wp.logger.Debug().
		Str("job_type", string(jobType)).
		Int("worker_id", workerID).
		Msg("Worker started")

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wp.ctx.Done():
			wp.logger.Debug().
				Str("job_type", string(jobType)).
				Int("worker_id", workerID).
				Msg("Worker stopped")
			return
		case <-ticker.C:
			if err := wp.processOne(jobType, workerID); err != nil {
				if !errors.Is(err, interfaces.ErrNoMessage) {
					wp.logger.Warn().
						Err(err).
						Str("job_type", string(jobType)).
						Int("worker_id", workerID).
						Msg("Error processing job")
				}
			}
		}
	}
}

// processOne claims and dispatches a single job.
func (wp *WorkerPool) processOne(jobType models.JobType, workerID int) error {
	job, complete, fail, err := wp.queueMgr.Receive(wp.ctx, []models.JobType{jobType})
	if err != nil {
		return err
	}

	wp.mu.Lock()
	handler, ok := wp.handlers[job.Type]
	wp.mu.Unlock()
	if !ok {
		// Unknown type is a fatal job failure: the queue records the
		// terminal failure and no result is written.
		err := fmt.Errorf("no handler for job type: %s", job.Type)
		wp.logger.Error().
			Str("job_id", job.ID).
			Str("job_type", string(job.Type)).
			Msg("No handler registered for job type")
		if failErr := fail(err); failErr != nil {
			wp.logger.Warn().Err(failErr).Str("job_id", job.ID).Msg("Failed to record job failure")
		}
		return err
	}

	wp.logger.Info().
		Str("job_id", job.ID).
		Str("job_type", string(job.Type)).
		Int("attempt", job.Attempts).
		Int("worker_id", workerID).
		Msg("Processing job")

	start := time.Now()
	handlerErr := handler(wp.ctx, job)
	duration := time.Since(start)

	if handlerErr != nil {
		wp.logger.Error().
			Err(handlerErr).
			Str("job_id", job.ID).
			Str("job_type", string(job.Type)).
			Dur("duration", duration).
			Msg("Job handler failed")
		if err := fail(handlerErr); err != nil {
			wp.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to record job failure")
			return err
		}
		return handlerErr
	}

	wp.logger.Info().
		Str("job_id", job.ID).
		Str("job_type", string(job.Type)).
		Dur("duration", duration).
		Msg("Job completed")
	if err := complete(); err != nil {
		wp.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to mark job complete")
		return err
	}
	return nil
}
