package services

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// FFmpeg media composer
// Mixes the generated video with the voiceover and the optional ambient and
// music beds, renders the final MP4 plus a thumbnail, and reports the real
// duration. All intermediates live in a per-compose scratch directory that
// the caller releases via ComposeResult.Cleanup.
// ---------------------------------------------------------------------------

// Audio mix gains: narration carries the video, beds sit underneath it.
const (
	voiceoverGain = 1.0
	ambientGain   = 0.3
	musicGain     = 0.2
)

// Output encoding: 720p H.264 with high-bitrate AAC.
const (
	outputWidth    = 1280
	outputHeight   = 720
	videoCRF       = "23"
	audioBitrate   = "192k"
	thumbnailAtSec = "00:00:02"
)

type FFmpegService struct {
	tempDir string
	log     zerolog.Logger
}

var _ Composer = (*FFmpegService)(nil)

func NewFFmpegService(tempDir string, log zerolog.Logger) (*FFmpegService, error) {
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	return &FFmpegService{
		tempDir: tempDir,
		log:     log.With().Str("component", "ffmpeg").Logger(),
	}, nil
}

// Compose renders the final meditation video. The source video is looped to
// cover the narration; the mix ends with the narration (-shortest). Input
// streams are spooled to scratch files, never held in memory.
func (s *FFmpegService) Compose(ctx context.Context, in ComposeInput) (*ComposeResult, error) {
	scratch, err := os.MkdirTemp(s.tempDir, "compose-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	cleanup := func() {
		if err := os.RemoveAll(scratch); err != nil {
			s.log.Warn().Err(err).Str("dir", scratch).Msg("failed to remove scratch dir")
		}
	}

	fail := func(err error) (*ComposeResult, error) {
		cleanup()
		return nil, err
	}

	videoPath := filepath.Join(scratch, "source.mp4")
	if err := spool(videoPath, in.Video); err != nil {
		return fail(fmt.Errorf("failed to spool video stream: %w", err))
	}

	voicePath := filepath.Join(scratch, "voiceover.mp3")
	if err := spool(voicePath, in.Voiceover); err != nil {
		return fail(fmt.Errorf("failed to spool voiceover stream: %w", err))
	}

	// ffmpeg input order: 0=video, 1=voiceover, then the optional beds in a
	// fixed order so the filter graph indices line up.
	args := []string{
		"-stream_loop", "-1", "-i", videoPath,
		"-i", voicePath,
	}

	hasAmbient := in.Ambient != nil
	if hasAmbient {
		ambientPath := filepath.Join(scratch, "ambient.mp3")
		if err := spool(ambientPath, in.Ambient); err != nil {
			return fail(fmt.Errorf("failed to spool ambient stream: %w", err))
		}
		args = append(args, "-stream_loop", "-1", "-i", ambientPath)
	}

	hasMusic := in.Music != nil
	if hasMusic {
		musicPath := filepath.Join(scratch, "music.mp3")
		if err := spool(musicPath, in.Music); err != nil {
			return fail(fmt.Errorf("failed to spool music stream: %w", err))
		}
		args = append(args, "-stream_loop", "-1", "-i", musicPath)
	}

	outputPath := filepath.Join(scratch, "final.mp4")
	args = append(args,
		"-filter_complex", buildComposeFilter(hasAmbient, hasMusic),
		"-map", "[vout]",
		"-map", "[aout]",
		"-c:v", "libx264",
		"-crf", videoCRF,
		"-preset", "medium",
		"-c:a", "aac",
		"-b:a", audioBitrate,
		"-shortest",
		"-y",
		outputPath,
	)

	s.log.Info().Bool("ambient", hasAmbient).Bool("music", hasMusic).Msg("composing final video")

	if err := s.run(ctx, args); err != nil {
		return fail(fmt.Errorf("ffmpeg compose failed: %w", err))
	}

	thumbnailPath := filepath.Join(scratch, "thumbnail.jpg")
	thumbArgs := []string{
		"-ss", thumbnailAtSec,
		"-i", outputPath,
		"-vframes", "1",
		"-q:v", "2",
		"-y",
		thumbnailPath,
	}
	if err := s.run(ctx, thumbArgs); err != nil {
		return fail(fmt.Errorf("ffmpeg thumbnail failed: %w", err))
	}

	duration, err := s.probeDuration(ctx, outputPath)
	if err != nil {
		return fail(err)
	}

	s.log.Info().Int("duration_seconds", duration).Msg("compose finished")

	return &ComposeResult{
		VideoPath:       outputPath,
		ThumbnailPath:   thumbnailPath,
		DurationSeconds: duration,
		Cleanup:         cleanup,
	}, nil
}

// buildComposeFilter assembles the filter graph: scale the looped video and
// mix narration with whichever beds are present. amix duration=first keys
// the mix length to the narration.
func buildComposeFilter(hasAmbient, hasMusic bool) string {
	parts := []string{
		fmt.Sprintf("[0:v]scale=%d:%d[vout]", outputWidth, outputHeight),
	}

	audioInputs := []string{"[vo]"}
	parts = append(parts, fmt.Sprintf("[1:a]volume=%.1f[vo]", voiceoverGain))

	next := 2
	if hasAmbient {
		parts = append(parts, fmt.Sprintf("[%d:a]volume=%.1f[amb]", next, ambientGain))
		audioInputs = append(audioInputs, "[amb]")
		next++
	}
	if hasMusic {
		parts = append(parts, fmt.Sprintf("[%d:a]volume=%.1f[mus]", next, musicGain))
		audioInputs = append(audioInputs, "[mus]")
	}

	if len(audioInputs) == 1 {
		parts = append(parts, "[vo]anull[aout]")
	} else {
		parts = append(parts, fmt.Sprintf("%samix=inputs=%d:duration=first:normalize=0[aout]",
			strings.Join(audioInputs, ""), len(audioInputs)))
	}

	return strings.Join(parts, ";")
}

func (s *FFmpegService) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s", err, lastLines(stderr.String(), 10))
	}
	return nil
}

// probeDuration reads the container duration via ffprobe and rounds to whole
// seconds.
func (s *FFmpegService) probeDuration(ctx context.Context, path string) (int, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)

	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}

	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse ffprobe duration %q: %w", strings.TrimSpace(string(out)), err)
	}

	return int(math.Round(seconds)), nil
}

func spool(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}

	return f.Close()
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
