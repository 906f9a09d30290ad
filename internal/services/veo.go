package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

// ---------------------------------------------------------------------------
// Veo video generation service
// Uses the Google Gen AI SDK to run long-running text-to-video jobs. Unlike
// the script and voice adapters this one is split into Start / Poll / Fetch:
// the pipeline worker owns the poll loop, its cadence, and its cap, so the
// adapter only translates one observation at a time.
// ---------------------------------------------------------------------------

const (
	defaultVeoModel = "veo-3.1-generate-preview"

	veoStartTimeout = 60 * time.Second
	veoPollTimeout  = 30 * time.Second
	veoFetchTimeout = 120 * time.Second
)

// VeoService drives video generation jobs against Google's Veo models.
// Poll and Fetch work on jobs started by the same process: the SDK requires
// the full operation handle to poll, so Start records it per job id.
type VeoService struct {
	apiKey string
	model  string
	log    zerolog.Logger

	mu  sync.Mutex
	ops map[string]*genai.GenerateVideosOperation
}

var _ VideoService = (*VeoService)(nil)

func NewVeoService(apiKey, model string, log zerolog.Logger) *VeoService {
	if model == "" {
		model = defaultVeoModel
	}
	return &VeoService{
		apiKey: apiKey,
		model:  model,
		log:    log.With().Str("component", "veo").Logger(),
		ops:    map[string]*genai.GenerateVideosOperation{},
	}
}

func (s *VeoService) newClient(ctx context.Context) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  s.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return client, nil
}

// buildVeoPrompt wraps the user's visual prompt with direction suited to
// meditation footage: slow, ambient, loopable motion with no hard cuts.
func buildVeoPrompt(visualPrompt string, durationSeconds int) string {
	return fmt.Sprintf(`%s

Visual direction: a serene, meditative scene rendered with cinematic realism. Soft natural light, muted calming palette, gentle atmospheric depth.

Motion direction: extremely slow, continuous, ambient movement — drifting clouds, rippling water, swaying foliage, a barely perceptible camera drift. No cuts, no sudden movement, no people in motion. The footage will play under a %d-second guided meditation and may be looped, so the scene should feel continuous and unhurried.

No generated audio or dialogue. Silent video only.`, visualPrompt, durationSeconds)
}

// Start submits a long-running generation and returns the provider's job id.
func (s *VeoService) Start(ctx context.Context, prompt string, durationSeconds int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, veoStartTimeout)
	defer cancel()

	client, err := s.newClient(ctx)
	if err != nil {
		return "", &ProviderError{Provider: "veo", Transient: true, Message: err.Error(), Err: err}
	}

	config := &genai.GenerateVideosConfig{
		AspectRatio:      "16:9",
		Resolution:       "1080p",
		PersonGeneration: "allow_adult",
		NumberOfVideos:   1,
	}

	enhancedPrompt := buildVeoPrompt(prompt, durationSeconds)

	s.log.Info().
		Str("model", s.model).
		Int("prompt_len", len(prompt)).
		Msg("starting video generation")

	operation, err := client.Models.GenerateVideos(ctx, s.model, enhancedPrompt, nil, config)
	if err != nil {
		return "", classifyVeoError(err)
	}

	s.mu.Lock()
	s.ops[operation.Name] = operation
	s.mu.Unlock()

	s.log.Info().Str("job_id", operation.Name).Msg("video generation started")

	return operation.Name, nil
}

// Poll reports the job's current state without blocking on it.
func (s *VeoService) Poll(ctx context.Context, jobID string) (*VideoPoll, error) {
	ctx, cancel := context.WithTimeout(ctx, veoPollTimeout)
	defer cancel()

	s.mu.Lock()
	operation, ok := s.ops[jobID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown video job %q", jobID)
	}

	if !operation.Done {
		client, err := s.newClient(ctx)
		if err != nil {
			return nil, &ProviderError{Provider: "veo", Transient: true, Message: err.Error(), Err: err}
		}

		operation, err = client.Operations.GetVideosOperation(ctx, operation, nil)
		if err != nil {
			return nil, classifyVeoError(err)
		}

		s.mu.Lock()
		s.ops[jobID] = operation
		s.mu.Unlock()
	}

	if !operation.Done {
		return &VideoPoll{State: VideoJobProcessing}, nil
	}

	if len(operation.Error) > 0 {
		errJSON, _ := json.Marshal(operation.Error)
		return &VideoPoll{State: VideoJobFailed, Error: string(errJSON)}, nil
	}

	if operation.Response == nil {
		return &VideoPoll{State: VideoJobFailed, Error: "no response in completed operation"}, nil
	}

	if operation.Response.RAIMediaFilteredCount > 0 {
		reasons := "unknown"
		if len(operation.Response.RAIMediaFilteredReasons) > 0 {
			reasons = strings.Join(operation.Response.RAIMediaFilteredReasons, ", ")
		}
		return &VideoPoll{State: VideoJobFailed, Error: "blocked by safety filters: " + reasons}, nil
	}

	if len(operation.Response.GeneratedVideos) == 0 || operation.Response.GeneratedVideos[0].Video == nil {
		return &VideoPoll{State: VideoJobFailed, Error: "no videos in completed operation"}, nil
	}

	video := operation.Response.GeneratedVideos[0].Video
	return &VideoPoll{
		State:       VideoJobCompleted,
		DownloadURI: video.URI,
	}, nil
}

// Fetch downloads the finished video. The job must have been observed
// completed by a prior Poll. The SDK download returns the whole file, so the
// returned stream reads from an in-memory copy.
func (s *VeoService) Fetch(ctx context.Context, jobID string) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, veoFetchTimeout)
	defer cancel()

	s.mu.Lock()
	operation, ok := s.ops[jobID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown video job %q", jobID)
	}

	if !operation.Done || operation.Response == nil || len(operation.Response.GeneratedVideos) == 0 {
		return nil, fmt.Errorf("video job %q is not completed", jobID)
	}

	video := operation.Response.GeneratedVideos[0].Video
	if video == nil {
		return nil, fmt.Errorf("video job %q has no video object", jobID)
	}

	client, err := s.newClient(ctx)
	if err != nil {
		return nil, &ProviderError{Provider: "veo", Transient: true, Message: err.Error(), Err: err}
	}

	s.log.Info().Str("job_id", jobID).Msg("downloading generated video")

	videoBytes, err := client.Files.Download(ctx, genai.NewDownloadURIFromVideo(video), nil)
	if err != nil {
		return nil, classifyVeoError(err)
	}

	if len(videoBytes) == 0 {
		return nil, &ProviderError{Provider: "veo", Transient: true, Message: "downloaded video is empty"}
	}

	// Finished jobs are never polled again; drop the handle.
	s.mu.Lock()
	delete(s.ops, jobID)
	s.mu.Unlock()

	return io.NopCloser(bytes.NewReader(videoBytes)), nil
}

func classifyVeoError(err error) error {
	msg := err.Error()
	// The SDK surfaces HTTP errors as formatted strings; invalid-argument and
	// permission failures repeat on every attempt, everything else is worth
	// a retry.
	permanent := strings.Contains(msg, "INVALID_ARGUMENT") ||
		strings.Contains(msg, "PERMISSION_DENIED") ||
		strings.Contains(msg, "Error 400") ||
		strings.Contains(msg, "Error 403")
	return &ProviderError{Provider: "veo", Transient: !permanent, Message: msg, Err: err}
}
