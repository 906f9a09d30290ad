package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/driftwell/stillmind/internal/db"
	"github.com/driftwell/stillmind/internal/models"
	"github.com/driftwell/stillmind/internal/queue"
	"github.com/driftwell/stillmind/internal/services"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type stageUpdate struct {
	status   models.RequestStatus
	progress int
}

type fakeStore struct {
	mu       sync.Mutex
	requests map[uuid.UUID]*models.GenerationRequest
	assets   map[uuid.UUID]*models.MediaAsset

	stages    []stageUpdate
	script    string
	video     *models.Video
	completed bool
	failed    bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		requests: map[uuid.UUID]*models.GenerationRequest{},
		assets:   map[uuid.UUID]*models.MediaAsset{},
	}
}

func (s *fakeStore) GetGenerationRequest(ctx context.Context, id uuid.UUID) (*models.GenerationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *req
	return &cp, nil
}

func (s *fakeStore) UpdateGenerationRequestStage(ctx context.Context, id uuid.UUID, status models.RequestStatus, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req := s.requests[id]
	req.Status = status
	if progress > req.Progress {
		req.Progress = progress
	}
	s.stages = append(s.stages, stageUpdate{status, req.Progress})
	return nil
}

func (s *fakeStore) SetGenerationRequestScript(ctx context.Context, id uuid.UUID, script string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = script
	s.requests[id].ScriptContent = &script
	return nil
}

func (s *fakeStore) CompleteGenerationRequest(ctx context.Context, id, videoID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req := s.requests[id]
	req.Status = models.RequestStatusCompleted
	req.Progress = 100
	req.VideoID = &videoID
	s.completed = true
	s.stages = append(s.stages, stageUpdate{models.RequestStatusCompleted, 100})
	return nil
}

func (s *fakeStore) FailGenerationRequest(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[id].Status = models.RequestStatusFailed
	s.failed = true
	return nil
}

func (s *fakeStore) GetMediaAsset(ctx context.Context, id uuid.UUID) (*models.MediaAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	asset, ok := s.assets[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return asset, nil
}

func (s *fakeStore) CreateVideo(ctx context.Context, video *models.Video) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.video = video
	return nil
}

type upload struct {
	key         string
	contentType string
	body        string
}

type fakeObjects struct {
	mu          sync.Mutex
	uploads     []upload
	fileUploads []upload
	blobs       map[string]string
	uploadErr   error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{blobs: map[string]string{}}
}

func (o *fakeObjects) Upload(ctx context.Context, key string, r io.Reader, contentType string) error {
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.uploads = append(o.uploads, upload{key, contentType, string(body)})
	o.blobs[key] = string(body)
	return nil
}

func (o *fakeObjects) UploadFile(ctx context.Context, key, localPath, contentType string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.uploadErr != nil {
		return o.uploadErr
	}
	o.fileUploads = append(o.fileUploads, upload{key, contentType, localPath})
	return nil
}

func (o *fakeObjects) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	body, ok := o.blobs[key]
	if !ok {
		return nil, fmt.Errorf("no blob at %s", key)
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

type fakeScript struct {
	calls int
	text  string
	err   error
}

func (f *fakeScript) GenerateScript(ctx context.Context, scriptType models.ScriptType, durationSeconds int, theme string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

type fakeVoice struct {
	calls    int
	lastText string
}

func (f *fakeVoice) Synthesize(ctx context.Context, text, voiceID string) (io.ReadCloser, error) {
	f.calls++
	f.lastText = text
	return io.NopCloser(bytes.NewReader([]byte("mp3-bytes"))), nil
}

type fakeVideo struct {
	polls      []services.VideoPoll
	pollCount  int
	startErr   error
	fetchBytes string
}

func (f *fakeVideo) Start(ctx context.Context, prompt string, durationSeconds int) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	return "veo-job-1", nil
}

func (f *fakeVideo) Poll(ctx context.Context, jobID string) (*services.VideoPoll, error) {
	var poll services.VideoPoll
	if f.pollCount < len(f.polls) {
		poll = f.polls[f.pollCount]
	} else if len(f.polls) > 0 {
		poll = f.polls[len(f.polls)-1]
	} else {
		poll = services.VideoPoll{State: services.VideoJobProcessing}
	}
	f.pollCount++
	return &poll, nil
}

func (f *fakeVideo) Fetch(ctx context.Context, jobID string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.fetchBytes)), nil
}

type fakeComposer struct {
	calls     int
	cleanedUp bool
	err       error
	gotInput  services.ComposeInput
}

func (f *fakeComposer) Compose(ctx context.Context, in services.ComposeInput) (*services.ComposeResult, error) {
	f.calls++
	f.gotInput = in
	if f.err != nil {
		return nil, f.err
	}
	return &services.ComposeResult{
		VideoPath:       "/scratch/final.mp4",
		ThumbnailPath:   "/scratch/thumbnail.jpg",
		DurationSeconds: 61,
		Cleanup:         func() { f.cleanedUp = true },
	}, nil
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	store    *fakeStore
	objects  *fakeObjects
	script   *fakeScript
	voice    *fakeVoice
	video    *fakeVideo
	composer *fakeComposer
	worker   *Worker
	req      *models.GenerationRequest
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		store:    newFakeStore(),
		objects:  newFakeObjects(),
		script:   &fakeScript{text: "Close your eyes. Breathe in slowly."},
		voice:    &fakeVoice{},
		video:    &fakeVideo{polls: []services.VideoPoll{{State: services.VideoJobCompleted, DownloadURI: "https://veo/video"}}, fetchBytes: "mp4-bytes"},
		composer: &fakeComposer{},
	}

	h.req = &models.GenerationRequest{
		ID:              uuid.New(),
		UserID:          uuid.New(),
		VisualPrompt:    "A peaceful mountain scene",
		ScriptType:      models.ScriptTypeAIGenerated,
		DurationSeconds: 60,
		Visibility:      models.VisibilityPublic,
		CreditsCharged:  5,
		Status:          models.RequestStatusPending,
	}
	h.store.requests[h.req.ID] = h.req

	h.worker = New(h.store, h.objects, h.script, h.voice, h.video, h.composer, "", nil, zerolog.Nop())
	h.worker.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	return h
}

func (h *harness) job() *queue.Job {
	return &queue.Job{GenerationRequestID: h.req.ID, AttemptsMade: 0, MaxAttempts: 3}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestPipelineHappyPath(t *testing.T) {
	h := newHarness(t)

	err := h.worker.Handle(context.Background(), h.job())
	require.NoError(t, err)

	// Terminal state
	assert.True(t, h.store.completed)
	assert.False(t, h.store.failed)
	assert.Equal(t, models.RequestStatusCompleted, h.req.Status)
	assert.Equal(t, 100, h.req.Progress)
	require.NotNil(t, h.req.VideoID)

	// Script generated and persisted
	assert.Equal(t, 1, h.script.calls)
	assert.Equal(t, "Close your eyes. Breathe in slowly.", h.store.script)

	// Voiceover streamed to the request-scoped key
	require.Len(t, h.objects.uploads, 1)
	assert.Equal(t, "generations/"+h.req.ID.String()+"/voiceover.mp3", h.objects.uploads[0].key)
	assert.Equal(t, "audio/mpeg", h.objects.uploads[0].contentType)
	assert.Equal(t, "mp3-bytes", h.objects.uploads[0].body)

	// Final artifacts uploaded with the right keys and content types
	require.Len(t, h.objects.fileUploads, 2)
	keys := map[string]string{}
	for _, u := range h.objects.fileUploads {
		keys[u.key] = u.contentType
	}
	assert.Equal(t, "video/mp4", keys["videos/"+h.req.ID.String()+"/final.mp4"])
	assert.Equal(t, "image/jpeg", keys["videos/"+h.req.ID.String()+"/thumbnail.jpg"])

	// Video row starts in review
	require.NotNil(t, h.store.video)
	assert.Equal(t, models.VisibilityPendingReview, h.store.video.Visibility)
	assert.Equal(t, models.ModerationStatusPending, h.store.video.ModerationStatus)
	assert.Equal(t, "A peaceful mountain scene", h.store.video.Title)
	assert.Equal(t, 61, h.store.video.DurationSeconds)
	assert.Equal(t, *h.req.VideoID, h.store.video.ID)

	// Scratch dir released
	assert.True(t, h.composer.cleanedUp)
}

func TestPipelineProgressMonotone(t *testing.T) {
	h := newHarness(t)
	// A few processing polls before completion to exercise interpolation.
	h.video.polls = []services.VideoPoll{
		{State: services.VideoJobProcessing},
		{State: services.VideoJobProcessing},
		{State: services.VideoJobProcessing},
		{State: services.VideoJobCompleted, DownloadURI: "https://veo/video"},
	}

	require.NoError(t, h.worker.Handle(context.Background(), h.job()))

	last := 0
	for _, s := range h.store.stages {
		assert.GreaterOrEqual(t, s.progress, last, "progress must never decrease")
		last = s.progress
	}
	assert.Equal(t, 100, last)
}

func TestPipelineUsesProvidedScript(t *testing.T) {
	h := newHarness(t)
	content := "You wrote this narration yourself."
	h.req.ScriptType = models.ScriptTypeUserProvided
	h.req.ScriptContent = &content

	require.NoError(t, h.worker.Handle(context.Background(), h.job()))

	assert.Equal(t, 0, h.script.calls, "provided scripts must not be regenerated")
	assert.Equal(t, content, h.voice.lastText)
}

func TestPipelineRegeneratesWhenProvidedScriptEmpty(t *testing.T) {
	h := newHarness(t)
	empty := ""
	h.req.ScriptType = models.ScriptTypeTemplate
	h.req.ScriptContent = &empty

	require.NoError(t, h.worker.Handle(context.Background(), h.job()))

	assert.Equal(t, 1, h.script.calls)
}

func TestPipelineVideoTimeout(t *testing.T) {
	h := newHarness(t)
	h.video.polls = []services.VideoPoll{{State: services.VideoJobProcessing}}

	sleeps := 0
	h.worker.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps++
		assert.Equal(t, 10*time.Second, d)
		return nil
	}

	err := h.worker.Handle(context.Background(), h.job())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out after 8 minutes")

	assert.Equal(t, 48, h.video.pollCount, "poll loop is capped at 48 polls")
	assert.Equal(t, 48, sleeps)

	// The worker never marks the request failed — the queue does, after
	// retries are exhausted.
	assert.False(t, h.store.failed)
	assert.False(t, h.store.completed)
	assert.Nil(t, h.req.VideoID)
}

func TestPipelineVideoProviderFailure(t *testing.T) {
	h := newHarness(t)
	h.video.polls = []services.VideoPoll{
		{State: services.VideoJobProcessing},
		{State: services.VideoJobFailed, Error: "content policy violation"},
	}

	err := h.worker.Handle(context.Background(), h.job())
	require.Error(t, err)

	var provErr *services.ProviderError
	require.True(t, errors.As(err, &provErr))
	assert.Contains(t, provErr.Message, "content policy violation")
	assert.False(t, provErr.Transient)

	assert.False(t, h.store.failed)
	assert.Equal(t, 0, h.composer.calls)
}

func TestPipelineScriptFailurePropagates(t *testing.T) {
	h := newHarness(t)
	h.script.err = &services.ProviderError{Provider: "openai", Transient: true, Message: "rate limited"}

	err := h.worker.Handle(context.Background(), h.job())
	require.Error(t, err)

	assert.Equal(t, 0, h.voice.calls, "later stages must not run after a failure")
	assert.False(t, h.store.failed)
}

func TestPipelineCleanupRunsWhenUploadFails(t *testing.T) {
	h := newHarness(t)
	h.objects.uploadErr = errors.New("storage unavailable")

	err := h.worker.Handle(context.Background(), h.job())
	require.Error(t, err)

	assert.True(t, h.composer.cleanedUp, "scratch dir must be released on failure too")
	assert.False(t, h.store.completed)
}

func TestPipelineResolvesAmbientAndMusic(t *testing.T) {
	h := newHarness(t)

	ambientID := uuid.New()
	musicID := uuid.New()
	h.store.assets[ambientID] = &models.MediaAsset{ID: ambientID, Kind: models.MediaAssetKindAmbientSound, StorageKey: "catalog/rain.mp3"}
	h.store.assets[musicID] = &models.MediaAsset{ID: musicID, Kind: models.MediaAssetKindMusicTrack, StorageKey: "catalog/piano.mp3"}
	h.objects.blobs["catalog/rain.mp3"] = "rain"
	h.objects.blobs["catalog/piano.mp3"] = "piano"
	h.req.AmbientSoundID = &ambientID
	h.req.MusicTrackID = &musicID

	require.NoError(t, h.worker.Handle(context.Background(), h.job()))

	assert.NotNil(t, h.composer.gotInput.Ambient)
	assert.NotNil(t, h.composer.gotInput.Music)
}

func TestPipelineSkipsTerminalRequest(t *testing.T) {
	h := newHarness(t)
	h.req.Status = models.RequestStatusFailed

	require.NoError(t, h.worker.Handle(context.Background(), h.job()))

	assert.Equal(t, 0, h.script.calls)
	assert.Equal(t, 0, h.voice.calls)
	assert.Equal(t, 0, h.composer.calls)
}

func TestPipelineRequestNotFound(t *testing.T) {
	h := newHarness(t)

	err := h.worker.Handle(context.Background(), &queue.Job{GenerationRequestID: uuid.New(), MaxAttempts: 3})
	require.Error(t, err)
	assert.True(t, errors.Is(err, db.ErrNotFound))
}

func TestOnExhaustedMarksRequestFailed(t *testing.T) {
	h := newHarness(t)
	h.req.Status = models.RequestStatusGeneratingVideo
	h.req.Progress = 55

	h.worker.OnExhausted(context.Background(), h.req.ID, errors.New("veo kept timing out"))

	assert.True(t, h.store.failed)
	assert.Equal(t, models.RequestStatusFailed, h.req.Status)
	// Progress stays frozen where the last attempt left it.
	assert.Equal(t, 55, h.req.Progress)
	assert.Nil(t, h.req.VideoID)
}

func TestSweeperReenqueuesStaleRequests(t *testing.T) {
	stale := []uuid.UUID{uuid.New(), uuid.New()}
	store := &staleStore{ids: stale}
	q := &captureEnqueuer{}

	s := NewSweeper(store, q, 10*time.Minute, zerolog.Nop())
	s.sweep(context.Background())

	assert.Equal(t, stale, q.enqueued)
}

type staleStore struct {
	ids []uuid.UUID
}

func (s *staleStore) ListStalePendingRequests(ctx context.Context, grace time.Duration) ([]uuid.UUID, error) {
	return s.ids, nil
}

type captureEnqueuer struct {
	enqueued []uuid.UUID
}

func (c *captureEnqueuer) Enqueue(ctx context.Context, id uuid.UUID) error {
	c.enqueued = append(c.enqueued, id)
	return nil
}
