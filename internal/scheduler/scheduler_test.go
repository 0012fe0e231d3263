package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/lbds137/tzurot/internal/common"
	"github.com/lbds137/tzurot/internal/memory"
	"github.com/lbds137/tzurot/internal/models"
)

type fakePending struct {
	mu   sync.Mutex
	rows []*models.PendingMemory
}

func (f *fakePending) Save(ctx context.Context, pm *models.PendingMemory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, pm)
	return nil
}

func (f *fakePending) ListRetryable(ctx context.Context, cap, limit int) ([]*models.PendingMemory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.PendingMemory
	for _, pm := range f.rows {
		if pm.Attempts < cap && len(out) < limit {
			out = append(out, pm)
		}
	}
	return out, nil
}

func (f *fakePending) Update(ctx context.Context, pm *models.PendingMemory) error { return nil }

func (f *fakePending) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, pm := range f.rows {
		if pm.ID == id {
			f.rows = append(f.rows[:i], f.rows[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakePending) Stats(ctx context.Context) (*models.PendingMemoryStats, error) {
	return &models.PendingMemoryStats{}, nil
}

func (f *fakePending) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

type fakeMemories struct{ stored atomic.Int32 }

func (f *fakeMemories) Store(ctx context.Context, rec *models.DeferredMemoryRecord) error {
	f.stored.Add(1)
	return nil
}

func (f *fakeMemories) Retrieve(ctx context.Context, personaID, personalityID, channelID string, before *time.Time, limit int) ([]*models.LTMRecord, error) {
	return nil, nil
}

type fakeDiagnostics struct{ purges atomic.Int32 }

func (f *fakeDiagnostics) Save(ctx context.Context, rec *models.DiagnosticRecord) error { return nil }

func (f *fakeDiagnostics) Get(ctx context.Context, requestID string) (*models.DiagnosticRecord, error) {
	return nil, nil
}

func (f *fakeDiagnostics) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	f.purges.Add(1)
	return 1, nil
}

func TestScheduledEntriesRun(t *testing.T) {
	cfg := common.NewDefaultConfig()
	cfg.Scheduler.PendingMemorySchedule = "@every 1s"
	cfg.Scheduler.DiagnosticCleanupSchedule = "@every 1s"

	pending := &fakePending{}
	require.NoError(t, pending.Save(context.Background(), &models.PendingMemory{
		ID:   "pm-1",
		Text: "User: hi\nLilith: hello",
		Metadata: models.MemoryMetadata{
			RequestID:     "req-1",
			PersonaID:     "persona-1",
			PersonalityID: "p-1",
			UserID:        "u-1",
		},
		CreatedAt: time.Now(),
	}))

	memories := &fakeMemories{}
	diagnostics := &fakeDiagnostics{}
	retrier := memory.NewPendingMemoryRetrier(pending, memories, cfg.Memory, arbor.NewLogger())

	sched := New(retrier, diagnostics, cfg, arbor.NewLogger())
	require.NoError(t, sched.Start())
	defer sched.Stop()

	require.Eventually(t, func() bool {
		return memories.stored.Load() >= 1 && diagnostics.purges.Load() >= 1
	}, 5*time.Second, 50*time.Millisecond)
	require.Eventually(t, func() bool { return pending.count() == 0 }, 5*time.Second, 50*time.Millisecond)
}

func TestInvalidScheduleRejected(t *testing.T) {
	cfg := common.NewDefaultConfig()
	cfg.Scheduler.PendingMemorySchedule = "not a schedule"

	retrier := memory.NewPendingMemoryRetrier(&fakePending{}, &fakeMemories{}, cfg.Memory, arbor.NewLogger())
	sched := New(retrier, &fakeDiagnostics{}, cfg, arbor.NewLogger())
	require.Error(t, sched.Start())
}
