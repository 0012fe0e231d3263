package describers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
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

type memResultStore struct {
	mu   sync.Mutex
	rows map[string][]byte
}

func newMemResultStore() *memResultStore {
	return &memResultStore{rows: map[string][]byte{}}
}

func (m *memResultStore) Put(ctx context.Context, key string, payload interface{}, ttl time.Duration) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[key] = data
	return nil
}

func (m *memResultStore) Get(ctx context.Context, key string, target interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.rows[key]
	if !ok {
		return interfaces.ErrKeyNotFound
	}
	return json.Unmarshal(data, target)
}

func (m *memResultStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, key)
	return nil
}

type fakeTranscriber struct {
	mu         sync.Mutex
	calls      int
	transcript string
	err        error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio []byte, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.transcript, nil
}

type fakeVision struct {
	mu     sync.Mutex
	models []string
	failOn map[string]error
}

func (f *fakeVision) Describe(ctx context.Context, url, contentType, model, systemPrompt, apiKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.models = append(f.models, model)
	if err, ok := f.failOn[url]; ok {
		return "", err
	}
	return "a description of " + url, nil
}

type fakePersonalities struct {
	bySlug map[string]*models.Personality
}

func (f *fakePersonalities) GetBySlug(ctx context.Context, slug string) (*models.Personality, error) {
	if p, ok := f.bySlug[slug]; ok {
		return p, nil
	}
	return nil, interfaces.ErrKeyNotFound
}

func (f *fakePersonalities) GetByID(ctx context.Context, id string) (*models.Personality, error) {
	return nil, interfaces.ErrKeyNotFound
}

func (f *fakePersonalities) Upsert(ctx context.Context, p *models.Personality) error { return nil }

func (f *fakePersonalities) GetUserConfig(ctx context.Context, userID string) (*models.UserConfig, error) {
	return nil, interfaces.ErrKeyNotFound
}

func (f *fakePersonalities) GetUserPersonalityConfig(ctx context.Context, userID, personalityID string) (*models.UserPersonalityConfig, error) {
	return nil, interfaces.ErrKeyNotFound
}

func (f *fakePersonalities) SaveUserConfig(ctx context.Context, cfg *models.UserConfig) error {
	return nil
}

func (f *fakePersonalities) SaveUserPersonalityConfig(ctx context.Context, cfg *models.UserPersonalityConfig) error {
	return nil
}

func (f *fakePersonalities) GetOwner(ctx context.Context, slug string) (*models.PersonalityOwner, error) {
	return nil, interfaces.ErrKeyNotFound
}

func (f *fakePersonalities) SaveOwner(ctx context.Context, owner *models.PersonalityOwner) error {
	return nil
}

func audioJob(t *testing.T, payload *models.AudioJobPayload, attempts int) *models.Job {
	t.Helper()
	job, err := models.NewJob(payload.JobID, models.JobTypeAudioTranscription, payload, 3)
	require.NoError(t, err)
	job.Attempts = attempts
	return job
}

func imageJob(t *testing.T, payload *models.ImageJobPayload) *models.Job {
	t.Helper()
	job, err := models.NewJob(payload.JobID, models.JobTypeImageDescription, payload, 3)
	require.NoError(t, err)
	job.Attempts = 1
	return job
}

func TestAudioDescriberTranscribesAndCaches(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ogg-bytes"))
	}))
	defer server.Close()

	store := newMemResultStore()
	transcriber := &fakeTranscriber{transcript: "hello from voice"}
	d := NewAudioDescriber(store, transcriber, common.NewDefaultConfig(), arbor.NewLogger())

	payload := &models.AudioJobPayload{
		JobID:     "r1-audio-0",
		RequestID: "r1",
		Attachment: models.Attachment{
			URL:         server.URL + "/voice.ogg",
			OriginalURL: "https://cdn.example/voice.ogg",
			ContentType: "audio/ogg",
			Name:        "voice.ogg",
		},
	}

	require.NoError(t, d.Handle(context.Background(), audioJob(t, payload, 1)))

	var result models.AudioJobResult
	require.NoError(t, store.Get(context.Background(), models.ResultKeyFor("r1-audio-0"), &result))
	assert.True(t, result.Success)
	assert.Equal(t, "hello from voice", result.Content)
	assert.Equal(t, "https://cdn.example/voice.ogg", result.AttachmentURL)

	var cached string
	require.NoError(t, store.Get(context.Background(), "transcript:https://cdn.example/voice.ogg", &cached))
	assert.Equal(t, "hello from voice", cached)
}

func TestAudioDescriberFallsBackToDeliveryURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ogg-bytes"))
	}))
	defer server.Close()

	store := newMemResultStore()
	transcriber := &fakeTranscriber{transcript: "no original url"}
	d := NewAudioDescriber(store, transcriber, common.NewDefaultConfig(), arbor.NewLogger())

	payload := &models.AudioJobPayload{
		JobID:     "r1b-audio-0",
		RequestID: "r1b",
		Attachment: models.Attachment{
			URL:         server.URL + "/voice.ogg",
			ContentType: "audio/ogg",
			Name:        "voice.ogg",
		},
	}

	require.NoError(t, d.Handle(context.Background(), audioJob(t, payload, 1)))

	var result models.AudioJobResult
	require.NoError(t, store.Get(context.Background(), models.ResultKeyFor("r1b-audio-0"), &result))
	assert.True(t, result.Success)
	assert.Equal(t, server.URL+"/voice.ogg", result.AttachmentURL)
}

func TestAudioDescriberCacheHitSkipsTranscription(t *testing.T) {
	store := newMemResultStore()
	require.NoError(t, store.Put(context.Background(), "transcript:https://cdn.example/v.ogg", "cached words", time.Hour))

	transcriber := &fakeTranscriber{transcript: "should not run"}
	d := NewAudioDescriber(store, transcriber, common.NewDefaultConfig(), arbor.NewLogger())

	payload := &models.AudioJobPayload{
		JobID:     "r2-audio-0",
		RequestID: "r2",
		Attachment: models.Attachment{
			URL:         "http://127.0.0.1:1/unreachable.ogg",
			OriginalURL: "https://cdn.example/v.ogg",
			ContentType: "audio/ogg",
		},
	}

	require.NoError(t, d.Handle(context.Background(), audioJob(t, payload, 1)))
	assert.Equal(t, 0, transcriber.calls)

	var result models.AudioJobResult
	require.NoError(t, store.Get(context.Background(), models.ResultKeyFor("r2-audio-0"), &result))
	assert.True(t, result.Success)
	assert.Equal(t, "cached words", result.Content)
}

func TestAudioDescriberRethrowsWhileAttemptsRemain(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ogg-bytes"))
	}))
	defer server.Close()

	store := newMemResultStore()
	transcriber := &fakeTranscriber{err: errors.New("gemini unavailable")}
	d := NewAudioDescriber(store, transcriber, common.NewDefaultConfig(), arbor.NewLogger())

	payload := &models.AudioJobPayload{
		JobID:     "r3-audio-0",
		RequestID: "r3",
		Attachment: models.Attachment{
			URL:         server.URL + "/voice.ogg",
			ContentType: "audio/ogg",
		},
	}

	err := d.Handle(context.Background(), audioJob(t, payload, 1))
	require.Error(t, err)

	var result models.AudioJobResult
	assert.ErrorIs(t, store.Get(context.Background(), models.ResultKeyFor("r3-audio-0"), &result), interfaces.ErrKeyNotFound)
}

func TestAudioDescriberFinalAttemptWritesSoftFailure(t *testing.T) {
	store := newMemResultStore()
	transcriber := &fakeTranscriber{err: errors.New("gemini unavailable")}
	d := NewAudioDescriber(store, transcriber, common.NewDefaultConfig(), arbor.NewLogger())

	payload := &models.AudioJobPayload{
		JobID:     "r4-audio-0",
		RequestID: "r4",
		Attachment: models.Attachment{
			URL:         "http://127.0.0.1:1/unreachable.ogg",
			ContentType: "audio/ogg",
			Name:        "voice.ogg",
		},
	}

	require.NoError(t, d.Handle(context.Background(), audioJob(t, payload, 3)))

	var result models.AudioJobResult
	require.NoError(t, store.Get(context.Background(), models.ResultKeyFor("r4-audio-0"), &result))
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
	assert.Equal(t, "voice.ogg", result.AttachmentName)
}

func TestImageDescriberBatchUsesPersonalityVisionModel(t *testing.T) {
	store := newMemResultStore()
	vision := &fakeVision{}
	personalities := &fakePersonalities{bySlug: map[string]*models.Personality{
		"artbot": {ID: "p1", Slug: "artbot", Model: "mistral-small", VisionModel: "pixtral-large"},
	}}
	d := NewImageDescriber(store, vision, personalities, common.NewDefaultConfig(), arbor.NewLogger())

	payload := &models.ImageJobPayload{
		JobID:       "r5-image",
		RequestID:   "r5",
		Personality: "artbot",
		Attachments: []models.Attachment{
			{URL: "https://cdn/a.png", OriginalURL: "https://orig/a.png", ContentType: "image/png"},
			{URL: "https://cdn/b.png", ContentType: "image/png"},
		},
	}

	require.NoError(t, d.Handle(context.Background(), imageJob(t, payload)))

	var result models.ImageJobResult
	require.NoError(t, store.Get(context.Background(), models.ResultKeyFor("r5-image"), &result))
	assert.True(t, result.Success)
	require.Len(t, result.Descriptions, 2)
	assert.Equal(t, "https://orig/a.png", result.Descriptions[0].URL)
	assert.Equal(t, "a description of https://cdn/a.png", result.Descriptions[0].Description)
	assert.Equal(t, "https://cdn/b.png", result.Descriptions[1].URL)

	for _, m := range vision.models {
		assert.Equal(t, "pixtral-large", m)
	}
}

func TestImageDescriberPartialFailureUsesFallbackCaption(t *testing.T) {
	store := newMemResultStore()
	vision := &fakeVision{failOn: map[string]error{
		"https://cdn/broken.png": errors.New("vision timeout"),
	}}
	d := NewImageDescriber(store, vision, &fakePersonalities{}, common.NewDefaultConfig(), arbor.NewLogger())

	payload := &models.ImageJobPayload{
		JobID:     "r6-image",
		RequestID: "r6",
		Attachments: []models.Attachment{
			{URL: "https://cdn/ok.png", ContentType: "image/png"},
			{URL: "https://cdn/broken.png", ContentType: "image/png", Name: "broken.png"},
		},
	}

	require.NoError(t, d.Handle(context.Background(), imageJob(t, payload)))

	var result models.ImageJobResult
	require.NoError(t, store.Get(context.Background(), models.ResultKeyFor("r6-image"), &result))
	assert.True(t, result.Success)
	require.Len(t, result.Descriptions, 2)
	assert.Equal(t, "a description of https://cdn/ok.png", result.Descriptions[0].Description)
	assert.Equal(t, "[Image: broken.png (description unavailable)]", result.Descriptions[1].Description)
	assert.Contains(t, result.Error, "1 of 2")
}

func TestImageDescriberAllFailedIsSoftFailure(t *testing.T) {
	store := newMemResultStore()
	vision := &fakeVision{failOn: map[string]error{
		"https://cdn/x.png": errors.New("vision timeout"),
	}}
	d := NewImageDescriber(store, vision, &fakePersonalities{}, common.NewDefaultConfig(), arbor.NewLogger())

	payload := &models.ImageJobPayload{
		JobID:     "r7-image",
		RequestID: "r7",
		Attachments: []models.Attachment{
			{URL: "https://cdn/x.png", ContentType: "image/png"},
		},
	}

	require.NoError(t, d.Handle(context.Background(), imageJob(t, payload)))

	var result models.ImageJobResult
	require.NoError(t, store.Get(context.Background(), models.ResultKeyFor("r7-image"), &result))
	assert.False(t, result.Success)
	require.Len(t, result.Descriptions, 1)
	assert.Equal(t, "[Image (description unavailable)]", result.Descriptions[0].Description)
}

func TestImageDescriberUnknownPersonalityFallsBack(t *testing.T) {
	store := newMemResultStore()
	vision := &fakeVision{}
	cfg := common.NewDefaultConfig()
	d := NewImageDescriber(store, vision, &fakePersonalities{}, cfg, arbor.NewLogger())

	payload := &models.ImageJobPayload{
		JobID:       "r8-image",
		RequestID:   "r8",
		Personality: "ghost",
		Attachments: []models.Attachment{
			{URL: "https://cdn/y.png", ContentType: "image/png"},
		},
	}

	require.NoError(t, d.Handle(context.Background(), imageJob(t, payload)))
	require.Len(t, vision.models, 1)
	assert.Equal(t, cfg.Generation.FallbackVisionModel, vision.models[0])
}

func TestImageDescriberInvalidPayloadRethrows(t *testing.T) {
	d := NewImageDescriber(newMemResultStore(), &fakeVision{}, &fakePersonalities{}, common.NewDefaultConfig(), arbor.NewLogger())

	job, err := models.NewJob("bad", models.JobTypeImageDescription, &models.ImageJobPayload{JobID: "bad"}, 3)
	require.NoError(t, err)

	handleErr := d.Handle(context.Background(), job)
	require.Error(t, handleErr)
	assert.Contains(t, handleErr.Error(), "invalid image payload")
}
