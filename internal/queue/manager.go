package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"

	"github.com/lbds137/tzurot/internal/interfaces"
	"github.com/lbds137/tzurot/internal/models"
)

// jobRecord wraps the immutable job with the queue's mutable runtime state.
// Key format: q:{queueName}:job:{jobID}
type jobRecord struct {
	Job          models.Job        `json:"job"`
	Status       models.JobStatus  `json:"status"`
	ReceiveCount int               `json:"receive_count"`
	VisibleAt    time.Time         `json:"visible_at"`
	EnqueuedAt   time.Time         `json:"enqueued_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	Error        string            `json:"error,omitempty"`

	// PendingChildren counts children not yet completed. A parent is
	// admitted to the ready index only when this reaches zero.
	PendingChildren int `json:"pending_children,omitempty"`
}

// Manager implements a durable at-least-once queue with flow semantics on
// BadgerDB. Dispatchable jobs live in a timestamp-ordered ready index;
// parents are withheld from the index until every child completed.
type Manager struct {
	db                *badger.DB
	queueName         string
	visibilityTimeout time.Duration
	maxAttempts       int
	logger            arbor.ILogger
}

// NewManager creates a Badger-backed queue manager.
func NewManager(db *badger.DB, queueName string, visibilityTimeout time.Duration, maxAttempts int, logger arbor.ILogger) (*Manager, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if queueName == "" {
		return nil, errors.New("queue name is required")
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 5 * time.Minute
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	return &Manager{
		db:                db,
		queueName:         queueName,
		visibilityTimeout: visibilityTimeout,
		maxAttempts:       maxAttempts,
		logger:            logger,
	}, nil
}

// SubmitFlow atomically enqueues a parent and its children. The parent
// enters the ready index immediately only when the flow has no children.
// Re-submitting an existing parent ID returns ErrDuplicateJob.
func (m *Manager) SubmitFlow(ctx context.Context, flow *models.Flow) error {
	if err := flow.Validate(); err != nil {
		return fmt.Errorf("invalid flow: %w", err)
	}

	err := m.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(m.jobKey(flow.Parent.ID)); err == nil {
			return interfaces.ErrDuplicateJob
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		now := time.Now()
		parentRec := jobRecord{
			Job:             *flow.Parent,
			Status:          models.JobStatusQueued,
			EnqueuedAt:      now,
			VisibleAt:       now,
			PendingChildren: len(flow.Children),
		}
		if err := m.putRecord(txn, &parentRec); err != nil {
			return err
		}
		if len(flow.Children) == 0 {
			if err := txn.Set(m.readyKey(now, flow.Parent.ID), nil); err != nil {
				return err
			}
		}

		for _, child := range flow.Children {
			childRec := jobRecord{
				Job:        *child,
				Status:     models.JobStatusQueued,
				EnqueuedAt: now,
				VisibleAt:  now,
			}
			if err := m.putRecord(txn, &childRec); err != nil {
				return err
			}
			if err := txn.Set(m.readyKey(now, child.ID), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.logger.Info().
		Str("parent_job_id", flow.Parent.ID).
		Int("child_count", len(flow.Children)).
		Msg("Flow submitted")
	return nil
}

// Enqueue adds a single root-level job.
func (m *Manager) Enqueue(ctx context.Context, job *models.Job) error {
	return m.SubmitFlow(ctx, &models.Flow{Parent: job})
}

// Receive claims the next visible job whose type is in types. The returned
// complete/fail functions settle the claim. Returns ErrNoMessage when no
// job is dispatchable.
func (m *Manager) Receive(ctx context.Context, types []models.JobType) (*models.Job, func() error, func(error) error, error) {
	wanted := make(map[models.JobType]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}

	var claimed jobRecord

	err := m.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(fmt.Sprintf("q:%s:ready:", m.queueName))
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			ts, jobID, err := m.parseReadyKey(key)
			if err != nil {
				continue
			}
			if ts.After(now) {
				// Index keys are timestamp ordered; nothing further
				// is visible yet.
				break
			}

			rec, err := m.getRecord(txn, jobID)
			if err != nil {
				if errors.Is(err, interfaces.ErrJobNotFound) {
					// Orphaned index entry.
					if err := txn.Delete(key); err != nil {
						return err
					}
					continue
				}
				return err
			}

			if len(wanted) > 0 && !wanted[rec.Job.Type] {
				continue
			}

			// Dead-letter: attempts budget exhausted on a job that was
			// redelivered after a visibility timeout.
			if rec.ReceiveCount >= m.effectiveMaxAttempts(rec) {
				if err := m.failTerminal(txn, rec, "attempts budget exhausted"); err != nil {
					return err
				}
				if err := txn.Delete(key); err != nil {
					return err
				}
				continue
			}

			// Claim: bump the receive count and push visibility out.
			rec.ReceiveCount++
			rec.Status = models.JobStatusActive
			rec.Job.Attempts = rec.ReceiveCount
			started := now
			rec.StartedAt = &started
			oldVisible := rec.VisibleAt
			rec.VisibleAt = now.Add(m.visibilityTimeout)

			if err := m.putRecord(txn, rec); err != nil {
				return err
			}
			if err := txn.Delete(m.readyKey(oldVisible, jobID)); err != nil && err != badger.ErrKeyNotFound {
				return err
			}
			if err := txn.Set(m.readyKey(rec.VisibleAt, jobID), nil); err != nil {
				return err
			}

			claimed = *rec
			return nil
		}
		return interfaces.ErrNoMessage
	})
	if err != nil {
		return nil, nil, nil, err
	}

	jobID := claimed.Job.ID
	completeFn := func() error { return m.complete(jobID) }
	failFn := func(jobErr error) error { return m.fail(jobID, jobErr) }

	job := claimed.Job
	return &job, completeFn, failFn, nil
}

// complete marks the job done, removes it from the ready index, and admits
// the parent when this was the last outstanding child.
func (m *Manager) complete(jobID string) error {
	var admittedParent string

	err := m.db.Update(func(txn *badger.Txn) error {
		rec, err := m.getRecord(txn, jobID)
		if err != nil {
			return err
		}

		now := time.Now()
		rec.Status = models.JobStatusCompleted
		rec.CompletedAt = &now
		if err := m.putRecord(txn, rec); err != nil {
			return err
		}
		if err := txn.Delete(m.readyKey(rec.VisibleAt, jobID)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}

		if rec.Job.ParentID == nil {
			return nil
		}

		parent, err := m.getRecord(txn, *rec.Job.ParentID)
		if err != nil {
			return err
		}
		if parent.Status == models.JobStatusFailed {
			// A sibling already failed terminally; the parent stays
			// undispatched.
			return nil
		}
		parent.PendingChildren--
		if err := m.putRecord(txn, parent); err != nil {
			return err
		}
		if parent.PendingChildren <= 0 && parent.Status == models.JobStatusQueued {
			parent.VisibleAt = now
			if err := m.putRecord(txn, parent); err != nil {
				return err
			}
			if err := txn.Set(m.readyKey(now, parent.Job.ID), nil); err != nil {
				return err
			}
			admittedParent = parent.Job.ID
		}
		return nil
	})
	if err != nil {
		return err
	}

	if admittedParent != "" {
		m.logger.Debug().
			Str("parent_job_id", admittedParent).
			Str("child_job_id", jobID).
			Msg("All children completed, parent admitted")
	}
	return nil
}

// fail records a failed attempt. The job is redelivered until the attempts
// budget runs out, then terminally failed; a terminal child failure also
// terminally fails the parent so it is never dispatched.
func (m *Manager) fail(jobID string, jobErr error) error {
	errMsg := ""
	if jobErr != nil {
		errMsg = jobErr.Error()
	}

	return m.db.Update(func(txn *badger.Txn) error {
		rec, err := m.getRecord(txn, jobID)
		if err != nil {
			return err
		}

		if rec.ReceiveCount >= m.effectiveMaxAttempts(rec) {
			if err := txn.Delete(m.readyKey(rec.VisibleAt, jobID)); err != nil && err != badger.ErrKeyNotFound {
				return err
			}
			return m.failTerminal(txn, rec, errMsg)
		}

		// Re-deliver immediately: move the index entry back to now.
		now := time.Now()
		oldVisible := rec.VisibleAt
		rec.Status = models.JobStatusRetrying
		rec.VisibleAt = now
		rec.Error = errMsg
		if err := m.putRecord(txn, rec); err != nil {
			return err
		}
		if err := txn.Delete(m.readyKey(oldVisible, jobID)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(m.readyKey(now, jobID), nil)
	})
}

// failTerminal marks a job terminally failed and cascades to the parent.
func (m *Manager) failTerminal(txn *badger.Txn, rec *jobRecord, errMsg string) error {
	now := time.Now()
	rec.Status = models.JobStatusFailed
	rec.CompletedAt = &now
	rec.Error = errMsg
	if err := m.putRecord(txn, rec); err != nil {
		return err
	}

	m.logger.Error().
		Str("job_id", rec.Job.ID).
		Str("job_type", string(rec.Job.Type)).
		Int("attempts", rec.ReceiveCount).
		Str("error", errMsg).
		Msg("Job terminally failed")

	if rec.Job.ParentID == nil {
		return nil
	}
	parent, err := m.getRecord(txn, *rec.Job.ParentID)
	if err != nil {
		if errors.Is(err, interfaces.ErrJobNotFound) {
			return nil
		}
		return err
	}
	if parent.Status == models.JobStatusFailed || parent.Status == models.JobStatusCompleted {
		return nil
	}
	parent.Status = models.JobStatusFailed
	parent.CompletedAt = &now
	parent.Error = fmt.Sprintf("child job %s failed terminally: %s", rec.Job.ID, errMsg)
	if err := m.putRecord(txn, parent); err != nil {
		return err
	}
	// Parent was never admitted while children were pending; drop any
	// index entry defensively for childless edge states.
	if err := txn.Delete(m.readyKey(parent.VisibleAt, parent.Job.ID)); err != nil && err != badger.ErrKeyNotFound {
		return err
	}
	return nil
}

// Extend pushes out the visibility deadline for a long-running job.
func (m *Manager) Extend(ctx context.Context, jobID string, d time.Duration) error {
	return m.db.Update(func(txn *badger.Txn) error {
		rec, err := m.getRecord(txn, jobID)
		if err != nil {
			return err
		}
		oldVisible := rec.VisibleAt
		rec.VisibleAt = time.Now().Add(d)
		if err := m.putRecord(txn, rec); err != nil {
			return err
		}
		if err := txn.Delete(m.readyKey(oldVisible, jobID)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(m.readyKey(rec.VisibleAt, jobID), nil)
	})
}

// JobStatus reports the queue-side status of a job.
func (m *Manager) JobStatus(ctx context.Context, jobID string) (models.JobStatus, error) {
	var status models.JobStatus
	err := m.db.View(func(txn *badger.Txn) error {
		rec, err := m.getRecord(txn, jobID)
		if err != nil {
			return err
		}
		status = rec.Status
		return nil
	})
	return status, err
}

// Stats returns queue depth by status.
func (m *Manager) Stats(ctx context.Context) (map[models.JobStatus]int, error) {
	stats := make(map[models.JobStatus]int)
	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := []byte(fmt.Sprintf("q:%s:job:", m.queueName))
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec jobRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				continue
			}
			stats[rec.Status]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Close is a no-op; the Badger handle is managed by the storage layer.
func (m *Manager) Close() error {
	return nil
}

func (m *Manager) effectiveMaxAttempts(rec *jobRecord) int {
	if rec.Job.MaxAttempts > 0 {
		return rec.Job.MaxAttempts
	}
	return m.maxAttempts
}

func (m *Manager) putRecord(txn *badger.Txn, rec *jobRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal job record: %w", err)
	}
	return txn.Set(m.jobKey(rec.Job.ID), data)
}

func (m *Manager) getRecord(txn *badger.Txn, jobID string) (*jobRecord, error) {
	item, err := txn.Get(m.jobKey(jobID))
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, interfaces.ErrJobNotFound
		}
		return nil, err
	}
	var rec jobRecord
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job record: %w", err)
	}
	return &rec, nil
}

func (m *Manager) jobKey(id string) []byte {
	return []byte(fmt.Sprintf("q:%s:job:%s", m.queueName, id))
}

func (m *Manager) readyKey(visibleAt time.Time, id string) []byte {
	// Zero pad to 20 digits so string ordering matches numeric ordering.
	return []byte(fmt.Sprintf("q:%s:ready:%020d:%s", m.queueName, visibleAt.UnixNano(), id))
}

func (m *Manager) parseReadyKey(key []byte) (time.Time, string, error) {
	prefix := fmt.Sprintf("q:%s:ready:", m.queueName)
	if len(key) <= len(prefix)+21 {
		return time.Time{}, "", fmt.Errorf("invalid ready key")
	}
	suffix := string(key[len(prefix):])
	tsStr := suffix[:20]
	id := suffix[21:]

	var ts int64
	if _, err := fmt.Sscanf(tsStr, "%d", &ts); err != nil {
		return time.Time{}, "", err
	}
	return time.Unix(0, ts), id, nil
}
