package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/lbds137/tzurot/internal/common"
	"github.com/lbds137/tzurot/internal/interfaces"
	"github.com/lbds137/tzurot/internal/models"
)

func openTestManager(t *testing.T) *Manager {
	t.Helper()
	opts := badger.DefaultOptions(t.TempDir()).WithLogger(nil)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mgr, err := NewManager(db, "testq", 5*time.Minute, 3, arbor.NewLogger())
	require.NoError(t, err)
	return mgr
}

func testFlow(t *testing.T, requestID string, childCount int) *models.Flow {
	t.Helper()
	parentID := common.GenerationJobID(requestID)
	parent, err := models.NewJob(parentID, models.JobTypeLLMGeneration, map[string]string{"request_id": requestID}, 3)
	require.NoError(t, err)

	var children []*models.Job
	for i := 0; i < childCount; i++ {
		childID := common.AudioJobID(requestID, "", i)
		child, err := models.NewChildJob(parentID, childID, models.JobTypeAudioTranscription, map[string]string{"n": childID}, 3)
		require.NoError(t, err)
		children = append(children, child)
		parent.Dependencies = append(parent.Dependencies, models.JobDependency{
			ChildJobID: childID,
			ChildType:  models.JobTypeAudioTranscription,
			ResultKey:  models.ResultKeyFor(childID),
		})
	}
	return &models.Flow{Parent: parent, Children: children}
}

func TestParentHeldUntilChildrenComplete(t *testing.T) {
	mgr := openTestManager(t)
	ctx := context.Background()

	require.NoError(t, mgr.SubmitFlow(ctx, testFlow(t, "r1", 2)))

	// Parent is not dispatchable while children are outstanding.
	_, _, _, err := mgr.Receive(ctx, []models.JobType{models.JobTypeLLMGeneration})
	assert.ErrorIs(t, err, interfaces.ErrNoMessage)

	for i := 0; i < 2; i++ {
		job, complete, _, err := mgr.Receive(ctx, []models.JobType{models.JobTypeAudioTranscription})
		require.NoError(t, err)
		assert.Equal(t, models.JobTypeAudioTranscription, job.Type)
		require.NoError(t, complete())
	}

	parent, complete, _, err := mgr.Receive(ctx, []models.JobType{models.JobTypeLLMGeneration})
	require.NoError(t, err)
	assert.Equal(t, common.GenerationJobID("r1"), parent.ID)
	require.NoError(t, complete())

	status, err := mgr.JobStatus(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, status)
}

func TestParentWithoutChildrenImmediatelyVisible(t *testing.T) {
	mgr := openTestManager(t)
	ctx := context.Background()

	require.NoError(t, mgr.SubmitFlow(ctx, testFlow(t, "r2", 0)))

	job, complete, _, err := mgr.Receive(ctx, []models.JobType{models.JobTypeLLMGeneration})
	require.NoError(t, err)
	assert.Equal(t, common.GenerationJobID("r2"), job.ID)
	require.NoError(t, complete())
}

func TestDuplicateSubmissionRejected(t *testing.T) {
	mgr := openTestManager(t)
	ctx := context.Background()

	require.NoError(t, mgr.SubmitFlow(ctx, testFlow(t, "r3", 1)))
	err := mgr.SubmitFlow(ctx, testFlow(t, "r3", 1))
	assert.ErrorIs(t, err, interfaces.ErrDuplicateJob)
}

func TestReceivePopulatesAttempts(t *testing.T) {
	mgr := openTestManager(t)
	ctx := context.Background()

	require.NoError(t, mgr.SubmitFlow(ctx, testFlow(t, "r4", 1)))

	job, _, fail, err := mgr.Receive(ctx, []models.JobType{models.JobTypeAudioTranscription})
	require.NoError(t, err)
	assert.Equal(t, 1, job.Attempts)
	require.NoError(t, fail(errors.New("transient")))

	job, _, _, err = mgr.Receive(ctx, []models.JobType{models.JobTypeAudioTranscription})
	require.NoError(t, err)
	assert.Equal(t, 2, job.Attempts)
}

func TestTerminalChildFailureCascadesToParent(t *testing.T) {
	mgr := openTestManager(t)
	ctx := context.Background()

	require.NoError(t, mgr.SubmitFlow(ctx, testFlow(t, "r5", 1)))
	childID := common.AudioJobID("r5", "", 0)

	for attempt := 1; attempt <= 3; attempt++ {
		job, _, fail, err := mgr.Receive(ctx, []models.JobType{models.JobTypeAudioTranscription})
		require.NoError(t, err)
		assert.Equal(t, attempt, job.Attempts)
		require.NoError(t, fail(errors.New("boom")))
	}

	childStatus, err := mgr.JobStatus(ctx, childID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, childStatus)

	parentStatus, err := mgr.JobStatus(ctx, common.GenerationJobID("r5"))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, parentStatus)

	// The parent is never dispatched.
	_, _, _, err = mgr.Receive(ctx, []models.JobType{models.JobTypeLLMGeneration})
	assert.ErrorIs(t, err, interfaces.ErrNoMessage)
}

func TestFailedSiblingLeavesCompletedChildAlone(t *testing.T) {
	mgr := openTestManager(t)
	ctx := context.Background()

	require.NoError(t, mgr.SubmitFlow(ctx, testFlow(t, "r6", 2)))

	// First child completes.
	job, complete, _, err := mgr.Receive(ctx, []models.JobType{models.JobTypeAudioTranscription})
	require.NoError(t, err)
	require.NoError(t, complete())
	completedID := job.ID

	// Second child exhausts its budget.
	for attempt := 1; attempt <= 3; attempt++ {
		_, _, fail, err := mgr.Receive(ctx, []models.JobType{models.JobTypeAudioTranscription})
		require.NoError(t, err)
		require.NoError(t, fail(errors.New("boom")))
	}

	status, err := mgr.JobStatus(ctx, completedID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, status)

	parentStatus, err := mgr.JobStatus(ctx, common.GenerationJobID("r6"))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, parentStatus)
}

func TestStatsCountsByStatus(t *testing.T) {
	mgr := openTestManager(t)
	ctx := context.Background()

	require.NoError(t, mgr.SubmitFlow(ctx, testFlow(t, "r7", 1)))

	job, complete, _, err := mgr.Receive(ctx, []models.JobType{models.JobTypeAudioTranscription})
	require.NoError(t, err)
	require.NoError(t, complete())
	_ = job

	stats, err := mgr.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[models.JobStatusCompleted])
	assert.Equal(t, 1, stats[models.JobStatusQueued])
}

func TestWorkerPoolDispatchesByType(t *testing.T) {
	mgr := openTestManager(t)
	ctx := context.Background()

	cfg := common.NewDefaultConfig()
	cfg.Queue.PollInterval = "10ms"

	var handled atomic.Int32
	pool := NewWorkerPool(mgr, &cfg.Queue, arbor.NewLogger())
	pool.RegisterHandler(models.JobTypeAudioTranscription, func(ctx context.Context, job *models.Job) error {
		handled.Add(1)
		return nil
	})
	pool.RegisterHandler(models.JobTypeLLMGeneration, func(ctx context.Context, job *models.Job) error {
		handled.Add(1)
		return nil
	})

	require.NoError(t, mgr.SubmitFlow(ctx, testFlow(t, "r8", 1)))
	require.NoError(t, pool.Start())
	defer pool.Stop()

	deadline := time.After(5 * time.Second)
	for handled.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected 2 handled jobs, got %d", handled.Load())
		case <-time.After(20 * time.Millisecond):
		}
	}

	require.Eventually(t, func() bool {
		status, err := mgr.JobStatus(ctx, common.GenerationJobID("r8"))
		return err == nil && status == models.JobStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWorkerPoolRetriesFailedHandler(t *testing.T) {
	mgr := openTestManager(t)
	ctx := context.Background()

	cfg := common.NewDefaultConfig()
	cfg.Queue.PollInterval = "10ms"

	var calls atomic.Int32
	pool := NewWorkerPool(mgr, &cfg.Queue, arbor.NewLogger())
	pool.RegisterHandler(models.JobTypeAudioTranscription, func(ctx context.Context, job *models.Job) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	})

	child, err := models.NewJob("solo-audio", models.JobTypeAudioTranscription, map[string]string{}, 3)
	require.NoError(t, err)
	require.NoError(t, mgr.Enqueue(ctx, child))

	require.NoError(t, pool.Start())
	defer pool.Stop()

	require.Eventually(t, func() bool {
		status, statusErr := mgr.JobStatus(ctx, "solo-audio")
		return statusErr == nil && status == models.JobStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}
