package services

import (
	"context"
	"fmt"
	"io"

	"github.com/driftwell/stillmind/internal/models"
)

// ---------------------------------------------------------------------------
// Provider ports — narrow interfaces over the three external AI providers
// plus the local media composer. The worker depends only on these; each
// adapter lives in its own file and owns its HTTP/SDK details.
// ---------------------------------------------------------------------------

// ProviderError wraps a failure from an external provider. Transient errors
// (rate limits, 5xx, network) are worth retrying via the queue; permanent
// errors (content policy, invalid input) will fail the same way every time.
type ProviderError struct {
	Provider  string
	Transient bool
	Message   string
	Err       error
}

func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s provider error (%s): %s", e.Provider, kind, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ScriptService generates meditation narration text. The returned script
// length is proportional to the requested duration (~130 words per minute).
type ScriptService interface {
	GenerateScript(ctx context.Context, scriptType models.ScriptType, durationSeconds int, theme string) (string, error)
}

// VoiceService converts narration text to speech. The returned stream is
// MP3-compatible audio; callers must close it.
type VoiceService interface {
	Synthesize(ctx context.Context, text, voiceID string) (io.ReadCloser, error)
}

// VideoJobState is the observable state of a long-running video generation job.
type VideoJobState string

const (
	VideoJobProcessing VideoJobState = "processing"
	VideoJobCompleted  VideoJobState = "completed"
	VideoJobFailed     VideoJobState = "failed"
)

// VideoPoll is one observation of a long-running video job.
type VideoPoll struct {
	State VideoJobState

	// DownloadURI is set when State is completed.
	DownloadURI string

	// Error is the provider's failure message when State is failed.
	Error string
}

// VideoService drives a long-running video generation job: submit, poll
// until terminal, then fetch the result bytes.
type VideoService interface {
	Start(ctx context.Context, prompt string, durationSeconds int) (jobID string, err error)
	Poll(ctx context.Context, jobID string) (*VideoPoll, error)

	// Fetch streams the generated video. It fails unless the job has been
	// observed completed.
	Fetch(ctx context.Context, jobID string) (io.ReadCloser, error)
}

// ComposeInput carries the media streams mixed into the final video.
// Ambient and Music are optional (nil = not requested).
type ComposeInput struct {
	Video     io.Reader
	Voiceover io.Reader
	Ambient   io.Reader
	Music     io.Reader
}

// ComposeResult points at the rendered artifacts in a scratch directory.
// Cleanup releases the scratch directory and must always be called,
// including on downstream failure.
type ComposeResult struct {
	VideoPath       string
	ThumbnailPath   string
	DurationSeconds int
	Cleanup         func()
}

// Composer produces the final video and thumbnail from the pipeline's
// intermediate streams.
type Composer interface {
	Compose(ctx context.Context, in ComposeInput) (*ComposeResult, error)
}
