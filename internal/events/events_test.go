package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/lbds137/tzurot/internal/interfaces"
	"github.com/lbds137/tzurot/internal/models"
)

func TestNotifierDeliversToSubscriber(t *testing.T) {
	n := NewNotifier(arbor.NewLogger())
	defer n.Close()

	var mu sync.Mutex
	var received []models.DeliveryNotification
	done := make(chan struct{}, 1)

	require.NoError(t, n.Subscribe("discord", func(ctx context.Context, notification models.DeliveryNotification) error {
		mu.Lock()
		received = append(received, notification)
		mu.Unlock()
		done <- struct{}{}
		return nil
	}))

	require.NoError(t, n.Publish(context.Background(), "discord", models.DeliveryNotification{
		JobID:     "gen:r1",
		RequestID: "r1",
	}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "gen:r1", received[0].JobID)
}

func TestPublishWithoutSubscriberFails(t *testing.T) {
	n := NewNotifier(arbor.NewLogger())
	defer n.Close()

	err := n.Publish(context.Background(), "nowhere", models.DeliveryNotification{JobID: "j"})
	assert.Error(t, err)
}

func TestPublishAfterCloseFails(t *testing.T) {
	n := NewNotifier(arbor.NewLogger())
	require.NoError(t, n.Close())
	err := n.Publish(context.Background(), "discord", models.DeliveryNotification{JobID: "j"})
	assert.Error(t, err)
}

func TestPublishRacingCloseNeverPanics(t *testing.T) {
	n := NewNotifier(arbor.NewLogger())
	require.NoError(t, n.Subscribe("discord", func(ctx context.Context, notification models.DeliveryNotification) error {
		return nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				// Errors after close are expected; a send on a closed
				// channel would panic and fail the test.
				_ = n.Publish(context.Background(), "discord", models.DeliveryNotification{JobID: "j"})
			}
		}()
	}

	time.Sleep(time.Millisecond)
	require.NoError(t, n.Close())
	wg.Wait()

	err := n.Publish(context.Background(), "discord", models.DeliveryNotification{JobID: "late"})
	assert.Error(t, err)
}

type fakeResults struct {
	mu        sync.Mutex
	rows      map[string]*models.JobResult
	delivered []string
}

func (f *fakeResults) SaveResult(ctx context.Context, result *models.JobResult) error { return nil }

func (f *fakeResults) GetResult(ctx context.Context, jobID string) (*models.JobResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.rows[jobID]; ok {
		return r, nil
	}
	return nil, interfaces.ErrKeyNotFound
}

func (f *fakeResults) MarkDelivered(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, jobID)
	return nil
}

func (f *fakeResults) ListByRequest(ctx context.Context, requestID string) ([]*models.JobResult, error) {
	return nil, nil
}

func TestDeliverySubscriberFetchesSendsAndMarks(t *testing.T) {
	resultJSON, err := json.Marshal(&models.GenerationResult{
		RequestID: "r1",
		Success:   true,
		Content:   "hello",
	})
	require.NoError(t, err)

	results := &fakeResults{rows: map[string]*models.JobResult{
		"gen:r1": {JobID: "gen:r1", RequestID: "r1", Result: resultJSON, Status: models.DeliveryStatusPending},
	}}

	var sent []*models.GenerationResult
	sub := NewDeliverySubscriber(results, func(ctx context.Context, result *models.GenerationResult) error {
		sent = append(sent, result)
		return nil
	}, arbor.NewLogger())

	require.NoError(t, sub.Handle(context.Background(), models.DeliveryNotification{JobID: "gen:r1", RequestID: "r1"}))

	require.Len(t, sent, 1)
	assert.Equal(t, "hello", sent[0].Content)
	assert.Equal(t, []string{"gen:r1"}, results.delivered)
}

func TestDeliverySubscriberMissingResult(t *testing.T) {
	results := &fakeResults{rows: map[string]*models.JobResult{}}
	sub := NewDeliverySubscriber(results, nil, arbor.NewLogger())

	err := sub.Handle(context.Background(), models.DeliveryNotification{JobID: "gen:absent"})
	assert.Error(t, err)
	assert.Empty(t, results.delivered)
}
