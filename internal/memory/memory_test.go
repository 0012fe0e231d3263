package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/lbds137/tzurot/internal/common"
	"github.com/lbds137/tzurot/internal/interfaces"
	"github.com/lbds137/tzurot/internal/models"
)

type memLTM struct {
	mu   sync.Mutex
	rows map[string]*models.LTMRecord
}

func newMemLTM() *memLTM {
	return &memLTM{rows: map[string]*models.LTMRecord{}}
}

func (m *memLTM) Save(ctx context.Context, rec *models.LTMRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[rec.ID] = rec
	return nil
}

func (m *memLTM) ExistsForRequest(ctx context.Context, requestID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.RequestID == requestID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memLTM) ExistsWithText(ctx context.Context, personaID, text string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.PersonaID == personaID && r.Text == text {
			return true, nil
		}
	}
	return false, nil
}

func (m *memLTM) Query(ctx context.Context, personaID, personalityID string, sharedScope bool, before *time.Time, limit int) ([]*models.LTMRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.LTMRecord
	for _, r := range m.rows {
		if r.PersonaID != personaID {
			continue
		}
		if !sharedScope && r.PersonalityID != personalityID {
			continue
		}
		if before != nil && !r.CreatedAt.Before(*before) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memLTM) QueryByChannel(ctx context.Context, personaID, channelID string, before *time.Time, limit int) ([]*models.LTMRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.LTMRecord
	for _, r := range m.rows {
		if r.PersonaID != personaID || r.ChannelID != channelID {
			continue
		}
		if before != nil && !r.CreatedAt.Before(*before) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memPersonalities struct {
	byID map[string]*models.Personality
}

func (m *memPersonalities) GetBySlug(ctx context.Context, slug string) (*models.Personality, error) {
	return nil, interfaces.ErrKeyNotFound
}

func (m *memPersonalities) GetByID(ctx context.Context, id string) (*models.Personality, error) {
	if p, ok := m.byID[id]; ok {
		return p, nil
	}
	return nil, interfaces.ErrKeyNotFound
}

func (m *memPersonalities) Upsert(ctx context.Context, p *models.Personality) error { return nil }

func (m *memPersonalities) GetUserConfig(ctx context.Context, userID string) (*models.UserConfig, error) {
	return nil, interfaces.ErrKeyNotFound
}

func (m *memPersonalities) GetUserPersonalityConfig(ctx context.Context, userID, personalityID string) (*models.UserPersonalityConfig, error) {
	return nil, interfaces.ErrKeyNotFound
}

func (m *memPersonalities) SaveUserConfig(ctx context.Context, cfg *models.UserConfig) error {
	return nil
}

func (m *memPersonalities) SaveUserPersonalityConfig(ctx context.Context, cfg *models.UserPersonalityConfig) error {
	return nil
}

func (m *memPersonalities) GetOwner(ctx context.Context, slug string) (*models.PersonalityOwner, error) {
	return nil, interfaces.ErrKeyNotFound
}

func (m *memPersonalities) SaveOwner(ctx context.Context, owner *models.PersonalityOwner) error {
	return nil
}

type memPending struct {
	mu   sync.Mutex
	rows map[string]*models.PendingMemory
}

func newMemPending() *memPending {
	return &memPending{rows: map[string]*models.PendingMemory{}}
}

func (m *memPending) Save(ctx context.Context, pm *models.PendingMemory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy := *pm
	m.rows[pm.ID] = &copy
	return nil
}

func (m *memPending) ListRetryable(ctx context.Context, cap, limit int) ([]*models.PendingMemory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.PendingMemory
	for _, r := range m.rows {
		if r.Attempts < cap {
			copy := *r
			out = append(out, &copy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memPending) Update(ctx context.Context, pm *models.PendingMemory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy := *pm
	m.rows[pm.ID] = &copy
	return nil
}

func (m *memPending) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

func (m *memPending) Stats(ctx context.Context) (*models.PendingMemoryStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &models.PendingMemoryStats{Total: len(m.rows), ByAttempts: map[int]int{}}
	for _, r := range m.rows {
		stats.ByAttempts[r.Attempts]++
	}
	return stats, nil
}

// failingMemory always fails storage.
type failingMemory struct{ err error }

func (f *failingMemory) Store(ctx context.Context, rec *models.DeferredMemoryRecord) error {
	return f.err
}

func (f *failingMemory) Retrieve(ctx context.Context, personaID, personalityID, channelID string, before *time.Time, limit int) ([]*models.LTMRecord, error) {
	return nil, nil
}

func validMetadata(requestID string) models.MemoryMetadata {
	return models.MemoryMetadata{
		RequestID:     requestID,
		PersonaID:     "persona-1",
		PersonalityID: "pid-1",
		UserID:        "user-1",
	}
}

func newService(ltm *memLTM, personalities *memPersonalities) *Service {
	if personalities == nil {
		personalities = &memPersonalities{byID: map[string]*models.Personality{}}
	}
	return NewService(ltm, personalities, nil, common.NewDefaultConfig().Memory, arbor.NewLogger())
}

func TestStoreOncePerRequest(t *testing.T) {
	ltm := newMemLTM()
	svc := newService(ltm, nil)
	ctx := context.Background()

	rec := &models.DeferredMemoryRecord{Text: "remember this", Metadata: validMetadata("req-1")}
	require.NoError(t, svc.Store(ctx, rec))
	require.NoError(t, svc.Store(ctx, rec))
	require.NoError(t, svc.Store(ctx, rec))

	assert.Len(t, ltm.rows, 1)
}

func TestStoreRejectsInvalidMetadata(t *testing.T) {
	ltm := newMemLTM()
	svc := newService(ltm, nil)

	rec := &models.DeferredMemoryRecord{Text: "x", Metadata: models.MemoryMetadata{RequestID: "r"}}
	assert.Error(t, svc.Store(context.Background(), rec))
	assert.Empty(t, ltm.rows)
}

func TestRetrieveChannelBudgetAtLeastOne(t *testing.T) {
	ltm := newMemLTM()
	now := time.Now()
	// One channel-scoped row and one general row, channel row older so the
	// general row would win a pure recency sort.
	ltm.rows["chan"] = &models.LTMRecord{
		ID: "chan", PersonaID: "persona-1", PersonalityID: "pid-1",
		ChannelID: "chan-1", Text: "channel memory", CreatedAt: now.Add(-time.Hour),
	}
	ltm.rows["gen"] = &models.LTMRecord{
		ID: "gen", PersonaID: "persona-1", PersonalityID: "pid-1",
		Text: "general memory", CreatedAt: now,
	}

	svc := newService(ltm, nil)
	out, err := svc.Retrieve(context.Background(), "persona-1", "pid-1", "chan-1", nil, 1)
	require.NoError(t, err)
	require.Len(t, out, 1)
	// channelBudgetRatio 0.5 with limit 1 still allocates one channel slot.
	assert.Equal(t, "chan", out[0].ID)
}

func TestRetrieveShareScope(t *testing.T) {
	ltm := newMemLTM()
	now := time.Now()
	ltm.rows["other"] = &models.LTMRecord{
		ID: "other", PersonaID: "persona-1", PersonalityID: "pid-other",
		Text: "cross personality", CreatedAt: now,
	}

	personalities := &memPersonalities{byID: map[string]*models.Personality{
		"pid-narrow": {ID: "pid-narrow", ShareLtmAcrossPersonalities: false},
		"pid-shared": {ID: "pid-shared", ShareLtmAcrossPersonalities: true},
	}}
	svc := newService(ltm, personalities)
	ctx := context.Background()

	narrow, err := svc.Retrieve(ctx, "persona-1", "pid-narrow", "", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, narrow)

	shared, err := svc.Retrieve(ctx, "persona-1", "pid-shared", "", nil, 10)
	require.NoError(t, err)
	assert.Len(t, shared, 1)
}

func TestRetrieveExcludesConversationWindow(t *testing.T) {
	ltm := newMemLTM()
	now := time.Now()
	windowStart := now.Add(-10 * time.Minute)

	// A memory stored during the current conversation must not be fed
	// back into it; one from before the window still qualifies.
	ltm.rows["old"] = &models.LTMRecord{
		ID: "old", PersonaID: "persona-1", PersonalityID: "pid-1",
		ChannelID: "chan-1", Text: "earlier conversation", CreatedAt: now.Add(-2 * time.Hour),
	}
	ltm.rows["fresh"] = &models.LTMRecord{
		ID: "fresh", PersonaID: "persona-1", PersonalityID: "pid-1",
		ChannelID: "chan-1", Text: "stored this conversation", CreatedAt: now.Add(-5 * time.Minute),
	}

	svc := newService(ltm, nil)
	ctx := context.Background()

	bounded, err := svc.Retrieve(ctx, "persona-1", "pid-1", "chan-1", &windowStart, 10)
	require.NoError(t, err)
	require.Len(t, bounded, 1)
	assert.Equal(t, "old", bounded[0].ID)

	// Without a window both are eligible.
	all, err := svc.Retrieve(ctx, "persona-1", "pid-1", "chan-1", nil, 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRetrierStoresAndDeletes(t *testing.T) {
	ltm := newMemLTM()
	pending := newMemPending()
	svc := newService(ltm, nil)
	retrier := NewPendingMemoryRetrier(pending, svc, common.NewDefaultConfig().Memory, arbor.NewLogger())

	require.NoError(t, pending.Save(context.Background(), &models.PendingMemory{
		ID: "pm-1", Text: "saved later", Metadata: validMetadata("req-a"), CreatedAt: time.Now(),
	}))

	result, err := retrier.Sweep(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Stored)
	assert.Empty(t, pending.rows)
	assert.Len(t, ltm.rows, 1)
}

func TestRetrierExhaustion(t *testing.T) {
	pending := newMemPending()
	retrier := NewPendingMemoryRetrier(pending, &failingMemory{err: errors.New("vector store down")},
		common.NewDefaultConfig().Memory, arbor.NewLogger())
	ctx := context.Background()

	require.NoError(t, pending.Save(ctx, &models.PendingMemory{
		ID: "pm-1", Text: "stuck", Metadata: validMetadata("req-b"),
		Attempts: 2, CreatedAt: time.Now(),
	}))

	result, err := retrier.Sweep(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	row := pending.rows["pm-1"]
	require.NotNil(t, row)
	assert.Equal(t, 3, row.Attempts)
	assert.Equal(t, "vector store down", row.Error)
	require.NotNil(t, row.LastAttemptAt)

	// At the cap the row is no longer retryable; further sweeps are no-ops.
	result, err = retrier.Sweep(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)
	assert.Equal(t, 3, pending.rows["pm-1"].Attempts)
}

func TestRetrierShelvesInvalidMetadata(t *testing.T) {
	pending := newMemPending()
	retrier := NewPendingMemoryRetrier(pending, &failingMemory{err: errors.New("unused")},
		common.NewDefaultConfig().Memory, arbor.NewLogger())
	ctx := context.Background()

	require.NoError(t, pending.Save(ctx, &models.PendingMemory{
		ID: "pm-bad", Text: "orphan",
		Metadata:  models.MemoryMetadata{RequestID: "req-c"},
		CreatedAt: time.Now(),
	}))

	result, err := retrier.Sweep(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Shelved)
	assert.Equal(t, models.PendingMemoryShelved, pending.rows["pm-bad"].Attempts)

	// Shelved rows never come back.
	result, err = retrier.Sweep(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)
}

func TestRetrierOldestFirstBatchLimit(t *testing.T) {
	pending := newMemPending()
	stored := newMemLTM()
	svc := newService(stored, nil)
	retrier := NewPendingMemoryRetrier(pending, svc, common.NewDefaultConfig().Memory, arbor.NewLogger())
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	require.NoError(t, pending.Save(ctx, &models.PendingMemory{
		ID: "new", Text: "newer", Metadata: validMetadata("req-new"), CreatedAt: base.Add(time.Minute),
	}))
	require.NoError(t, pending.Save(ctx, &models.PendingMemory{
		ID: "old", Text: "older", Metadata: validMetadata("req-old"), CreatedAt: base,
	}))

	result, err := retrier.Sweep(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	// The oldest row went first.
	_, stillThere := pending.rows["new"]
	assert.True(t, stillThere)
	_, gone := pending.rows["old"]
	assert.False(t, gone)
}
