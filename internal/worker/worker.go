package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/driftwell/stillmind/internal/db"
	"github.com/driftwell/stillmind/internal/metrics"
	"github.com/driftwell/stillmind/internal/models"
	"github.com/driftwell/stillmind/internal/queue"
	"github.com/driftwell/stillmind/internal/services"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Veo poll loop bounds: 48 polls at 10s ≈ 8 minutes per attempt.
const (
	veoPollInterval = 10 * time.Second
	veoMaxPolls     = 48
)

// Progress boundaries per pipeline stage. Progress only moves forward — the
// store clamps with GREATEST so a replayed attempt can never walk it back.
const (
	progressScriptStart = 5
	progressScriptDone  = 15
	progressVoiceStart  = 20
	progressVoiceDone   = 35
	progressVideoStart  = 40
	progressVideoCap    = 75
	progressCompositing = 78
	progressComposed    = 95
)

// Store is the slice of the request database the pipeline needs.
type Store interface {
	GetGenerationRequest(ctx context.Context, id uuid.UUID) (*models.GenerationRequest, error)
	UpdateGenerationRequestStage(ctx context.Context, id uuid.UUID, status models.RequestStatus, progress int) error
	SetGenerationRequestScript(ctx context.Context, id uuid.UUID, script string) error
	CompleteGenerationRequest(ctx context.Context, id, videoID uuid.UUID) error
	FailGenerationRequest(ctx context.Context, id uuid.UUID) error
	GetMediaAsset(ctx context.Context, id uuid.UUID) (*models.MediaAsset, error)
	CreateVideo(ctx context.Context, video *models.Video) error
}

// ObjectStore is the slice of object storage the pipeline needs.
type ObjectStore interface {
	Upload(ctx context.Context, key string, r io.Reader, contentType string) error
	UploadFile(ctx context.Context, key, localPath, contentType string) error
	Download(ctx context.Context, key string) (io.ReadCloser, error)
}

// Worker drives one generation request through the five pipeline stages:
// script → voice → video → compose → publish. It implements queue.Handler;
// the queue owns retries and only OnExhausted moves a request to failed.
type Worker struct {
	store    Store
	objects  ObjectStore
	script   services.ScriptService
	voice    services.VoiceService
	video    services.VideoService
	composer services.Composer
	voiceID  string
	metrics  *metrics.Metrics
	log      zerolog.Logger

	// sleep is swapped out in tests so the poll loop runs instantly.
	sleep func(ctx context.Context, d time.Duration) error
}

var _ queue.Handler = (*Worker)(nil)

func New(
	store Store,
	objects ObjectStore,
	script services.ScriptService,
	voice services.VoiceService,
	video services.VideoService,
	composer services.Composer,
	voiceID string,
	m *metrics.Metrics,
	log zerolog.Logger,
) *Worker {
	if voiceID == "" {
		voiceID = services.DefaultVoiceID
	}
	return &Worker{
		store:    store,
		objects:  objects,
		script:   script,
		voice:    voice,
		video:    video,
		composer: composer,
		voiceID:  voiceID,
		metrics:  m,
		log:      log.With().Str("component", "worker").Logger(),
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func voiceoverKey(requestID uuid.UUID) string {
	return fmt.Sprintf("generations/%s/voiceover.mp3", requestID)
}

func finalVideoKey(requestID uuid.UUID) string {
	return fmt.Sprintf("videos/%s/final.mp4", requestID)
}

func thumbnailKey(requestID uuid.UUID) string {
	return fmt.Sprintf("videos/%s/thumbnail.jpg", requestID)
}

// Handle runs one attempt of the pipeline. Errors propagate to the queue,
// which retries with backoff; the request is never marked failed here.
func (w *Worker) Handle(ctx context.Context, job *queue.Job) error {
	id := job.GenerationRequestID
	log := w.log.With().Str("request_id", id.String()).Int("attempt", job.AttemptsMade+1).Logger()

	req, err := w.store.GetGenerationRequest(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("request %s not found: %w", id, err)
		}
		return fmt.Errorf("failed to load request: %w", err)
	}

	if req.Status.Terminal() {
		// A redelivered job for a finished request: nothing to do.
		log.Info().Str("status", string(req.Status)).Msg("request already terminal, skipping")
		return nil
	}

	script, err := w.runScriptStage(ctx, log, job, req)
	if err != nil {
		w.countAttempt(job, err)
		return err
	}

	if err := w.runVoiceStage(ctx, log, job, req, script); err != nil {
		w.countAttempt(job, err)
		return err
	}

	videoJobID, err := w.runVideoStage(ctx, log, job, req)
	if err != nil {
		w.countAttempt(job, err)
		return err
	}

	if err := w.runComposeStage(ctx, log, job, req, videoJobID); err != nil {
		w.countAttempt(job, err)
		return err
	}

	if w.metrics != nil {
		w.metrics.JobsProcessed.WithLabelValues("completed").Inc()
	}
	log.Info().Msg("pipeline completed")
	return nil
}

// OnExhausted is the queue's terminal-failure hook — the only place the
// pipeline moves a request to failed. Progress stays frozen and credits stay
// spent.
func (w *Worker) OnExhausted(ctx context.Context, generationRequestID uuid.UUID, finalErr error) {
	w.log.Error().Err(finalErr).
		Str("request_id", generationRequestID.String()).
		Msg("retries exhausted, marking request failed")

	if err := w.store.FailGenerationRequest(ctx, generationRequestID); err != nil {
		w.log.Error().Err(err).
			Str("request_id", generationRequestID.String()).
			Msg("failed to mark request failed")
	}
}

func (w *Worker) countAttempt(job *queue.Job, err error) {
	if w.metrics == nil {
		return
	}
	if job.AttemptsMade+1 >= job.MaxAttempts {
		w.metrics.JobsProcessed.WithLabelValues("exhausted").Inc()
	} else {
		w.metrics.JobsProcessed.WithLabelValues("retried").Inc()
	}
}

// runScriptStage resolves the narration text: non-empty user_provided or
// template content is used as-is; ai_generated requests and empty content are
// generated on every attempt and the result is persisted on the request.
func (w *Worker) runScriptStage(ctx context.Context, log zerolog.Logger, job *queue.Job, req *models.GenerationRequest) (string, error) {
	defer w.observeStage("script")()

	w.setStage(ctx, job, req.ID, models.RequestStatusGeneratingScript, progressScriptStart)

	if req.ScriptType != models.ScriptTypeAIGenerated && req.ScriptContent != nil && *req.ScriptContent != "" {
		w.setStage(ctx, job, req.ID, models.RequestStatusGeneratingScript, progressScriptDone)
		return *req.ScriptContent, nil
	}

	log.Info().Msg("generating script")

	script, err := w.script.GenerateScript(ctx, req.ScriptType, req.DurationSeconds, req.VisualPrompt)
	if err != nil {
		return "", fmt.Errorf("script stage: %w", err)
	}

	if err := w.store.SetGenerationRequestScript(ctx, req.ID, script); err != nil {
		return "", fmt.Errorf("script stage: %w", err)
	}

	w.setStage(ctx, job, req.ID, models.RequestStatusGeneratingScript, progressScriptDone)
	return script, nil
}

// runVoiceStage synthesizes the narration and streams it straight into
// object storage. The key is derived from the request id, so a replayed
// attempt overwrites rather than duplicates.
func (w *Worker) runVoiceStage(ctx context.Context, log zerolog.Logger, job *queue.Job, req *models.GenerationRequest, script string) error {
	defer w.observeStage("voice")()

	w.setStage(ctx, job, req.ID, models.RequestStatusGeneratingVoice, progressVoiceStart)

	log.Info().Msg("synthesizing voiceover")

	audio, err := w.voice.Synthesize(ctx, script, w.voiceID)
	if err != nil {
		return fmt.Errorf("voice stage: %w", err)
	}
	defer audio.Close()

	if err := w.objects.Upload(ctx, voiceoverKey(req.ID), audio, "audio/mpeg"); err != nil {
		return fmt.Errorf("voice stage: %w", err)
	}

	w.setStage(ctx, job, req.ID, models.RequestStatusGeneratingVoice, progressVoiceDone)
	return nil
}

// runVideoStage starts the long-running Veo job and polls it to completion,
// interpolating progress from 40 to 75 across the poll budget.
func (w *Worker) runVideoStage(ctx context.Context, log zerolog.Logger, job *queue.Job, req *models.GenerationRequest) (string, error) {
	defer w.observeStage("video")()

	w.setStage(ctx, job, req.ID, models.RequestStatusGeneratingVideo, progressVideoStart)

	videoJobID, err := w.video.Start(ctx, req.VisualPrompt, req.DurationSeconds)
	if err != nil {
		return "", fmt.Errorf("video stage: %w", err)
	}

	log.Info().Str("video_job_id", videoJobID).Msg("video generation started")

	for polls := 0; polls < veoMaxPolls; polls++ {
		poll, err := w.video.Poll(ctx, videoJobID)
		if err != nil {
			return "", fmt.Errorf("video stage: %w", err)
		}

		switch poll.State {
		case services.VideoJobCompleted:
			w.setStage(ctx, job, req.ID, models.RequestStatusGeneratingVideo, progressVideoCap)
			return videoJobID, nil

		case services.VideoJobFailed:
			return "", &services.ProviderError{
				Provider: "veo",
				Message:  poll.Error,
			}

		case services.VideoJobProcessing:
			progress := progressVideoStart + int(math.Round(float64(polls)/float64(veoMaxPolls)*35))
			if progress > progressVideoCap {
				progress = progressVideoCap
			}
			w.setStage(ctx, job, req.ID, models.RequestStatusGeneratingVideo, progress)

			if err := w.sleep(ctx, veoPollInterval); err != nil {
				return "", fmt.Errorf("video stage: %w", err)
			}

		default:
			return "", fmt.Errorf("video stage: unknown poll state %q", poll.State)
		}
	}

	return "", fmt.Errorf("video stage: Veo generation timed out after 8 minutes")
}

// runComposeStage mixes the generated footage with the voiceover and the
// optional beds, publishes the artifacts, and completes the request.
func (w *Worker) runComposeStage(ctx context.Context, log zerolog.Logger, job *queue.Job, req *models.GenerationRequest, videoJobID string) error {
	defer w.observeStage("compose")()

	w.setStage(ctx, job, req.ID, models.RequestStatusCompositing, progressCompositing)

	in := services.ComposeInput{}
	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()

	if req.AmbientSoundID != nil {
		stream, err := w.openMediaAsset(ctx, *req.AmbientSoundID)
		if err != nil {
			return fmt.Errorf("compose stage: ambient sound: %w", err)
		}
		closers = append(closers, stream)
		in.Ambient = stream
	}

	if req.MusicTrackID != nil {
		stream, err := w.openMediaAsset(ctx, *req.MusicTrackID)
		if err != nil {
			return fmt.Errorf("compose stage: music track: %w", err)
		}
		closers = append(closers, stream)
		in.Music = stream
	}

	videoStream, err := w.video.Fetch(ctx, videoJobID)
	if err != nil {
		return fmt.Errorf("compose stage: %w", err)
	}
	closers = append(closers, videoStream)
	in.Video = videoStream

	voiceStream, err := w.objects.Download(ctx, voiceoverKey(req.ID))
	if err != nil {
		return fmt.Errorf("compose stage: voiceover: %w", err)
	}
	closers = append(closers, voiceStream)
	in.Voiceover = voiceStream

	log.Info().Msg("composing final video")

	result, err := w.composer.Compose(ctx, in)
	if err != nil {
		return fmt.Errorf("compose stage: %w", err)
	}
	defer result.Cleanup()

	w.setStage(ctx, job, req.ID, models.RequestStatusCompositing, progressComposed)

	// The two uploads have no ordering dependency.
	storageKey := finalVideoKey(req.ID)
	thumbKey := thumbnailKey(req.ID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.objects.UploadFile(gctx, storageKey, result.VideoPath, "video/mp4")
	})
	g.Go(func() error {
		return w.objects.UploadFile(gctx, thumbKey, result.ThumbnailPath, "image/jpeg")
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("compose stage: upload: %w", err)
	}

	video := &models.Video{
		ID:               uuid.New(),
		UserID:           req.UserID,
		Title:            truncate(req.VisualPrompt, 200),
		StorageKey:       storageKey,
		ThumbnailKey:     thumbKey,
		DurationSeconds:  result.DurationSeconds,
		Visibility:       models.VisibilityPendingReview,
		ModerationStatus: models.ModerationStatusPending,
		VisualPrompt:     req.VisualPrompt,
	}

	if err := w.store.CreateVideo(ctx, video); err != nil {
		return fmt.Errorf("compose stage: insert video: %w", err)
	}

	if err := w.store.CompleteGenerationRequest(ctx, req.ID, video.ID); err != nil {
		return fmt.Errorf("compose stage: complete request: %w", err)
	}

	job.UpdateProgress(ctx, 100)

	log.Info().Str("video_id", video.ID.String()).Msg("video published")
	return nil
}

func (w *Worker) openMediaAsset(ctx context.Context, id uuid.UUID) (io.ReadCloser, error) {
	asset, err := w.store.GetMediaAsset(ctx, id)
	if err != nil {
		return nil, err
	}
	return w.objects.Download(ctx, asset.StorageKey)
}

// setStage advances the request's visible status and progress. Failures are
// logged but never abort the pipeline — progress reporting is best-effort.
func (w *Worker) setStage(ctx context.Context, job *queue.Job, id uuid.UUID, status models.RequestStatus, progress int) {
	if err := w.store.UpdateGenerationRequestStage(ctx, id, status, progress); err != nil {
		w.log.Warn().Err(err).
			Str("request_id", id.String()).
			Str("status", string(status)).
			Int("progress", progress).
			Msg("failed to update request stage")
	}
	job.UpdateProgress(ctx, progress)
}

func (w *Worker) observeStage(stage string) func() {
	if w.metrics == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		w.metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
