package interfaces

import (
	"context"
	"time"

	"github.com/lbds137/tzurot/internal/models"
)

// JobHandler processes one dequeued job. A returned error counts the
// attempt as failed; the queue re-delivers until the attempts budget is
// exhausted, then terminally fails the job.
type JobHandler func(ctx context.Context, job *models.Job) error

// QueueManager is the durable, at-least-once queue with flow support.
// A parent job becomes visible only after every child completed; if any
// child terminally fails, the parent is never dispatched.
type QueueManager interface {
	// SubmitFlow atomically enqueues a parent and its children.
	// Returns ErrDuplicateJob when the parent ID already exists.
	SubmitFlow(ctx context.Context, flow *models.Flow) error

	// Enqueue adds a single root-level job.
	Enqueue(ctx context.Context, job *models.Job) error

	// Receive claims the next visible job of one of the given types.
	// The returned functions settle the claim: complete marks the job
	// done, fail records a failed attempt (re-deliverable until the
	// attempts budget runs out). Returns ErrNoMessage when idle.
	Receive(ctx context.Context, types []models.JobType) (*models.Job, func() error, func(error) error, error)

	// Extend pushes out the visibility deadline for a long-running job.
	Extend(ctx context.Context, jobID string, d time.Duration) error

	// JobStatus reports the queue-side status of a job.
	JobStatus(ctx context.Context, jobID string) (models.JobStatus, error)

	// Stats returns queue depth by status.
	Stats(ctx context.Context) (map[models.JobStatus]int, error)

	Close() error
}

// WorkerPool pulls jobs of configured types and dispatches by type tag
// with per-type concurrency caps.
type WorkerPool interface {
	RegisterHandler(jobType models.JobType, handler JobHandler)
	Start() error
	Stop()
}
