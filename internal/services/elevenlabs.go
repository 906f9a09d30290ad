package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// ElevenLabs Text-to-Speech Service
// Uses the ElevenLabs REST API to convert narration text into speech audio.
// Model: eleven_flash_v2_5 (Flash v2.5 — fast, 32 languages, ~75ms latency)
// ---------------------------------------------------------------------------

const (
	elevenLabsBaseURL      = "https://api.elevenlabs.io"
	elevenLabsDefaultModel = "eleven_flash_v2_5"
	elevenLabsOutputFormat = "mp3_44100_128"
	elevenLabsTimeout      = 90 * time.Second

	// DefaultVoiceID is the narration voice used when a request carries no
	// voice override.
	DefaultVoiceID = "pNInz6obpgDQGcFmaJgB"
)

// ElevenLabsService handles text-to-speech via the ElevenLabs API.
type ElevenLabsService struct {
	apiKey  string
	voiceID string
	modelID string
	client  *http.Client
	log     zerolog.Logger
}

var _ VoiceService = (*ElevenLabsService)(nil)

// NewElevenLabsService creates an ElevenLabs voice service. voiceID overrides
// the default narration voice when non-empty.
func NewElevenLabsService(apiKey, voiceID string, log zerolog.Logger) *ElevenLabsService {
	if voiceID == "" {
		voiceID = DefaultVoiceID
	}
	return &ElevenLabsService{
		apiKey:  apiKey,
		voiceID: voiceID,
		modelID: elevenLabsDefaultModel,
		client:  &http.Client{Timeout: elevenLabsTimeout},
		log:     log.With().Str("component", "elevenlabs").Logger(),
	}
}

type elevenLabsRequest struct {
	Text          string                   `json:"text"`
	ModelID       string                   `json:"model_id"`
	VoiceSettings *elevenLabsVoiceSettings `json:"voice_settings,omitempty"`
	Speed         *float64                 `json:"speed,omitempty"`
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style,omitempty"`
	UseSpeakerBoost bool    `json:"use_speaker_boost,omitempty"`
}

// Synthesize converts narration text to an MP3 stream. The response body is
// returned unread so multi-megabyte audio flows straight into object storage
// without being buffered in memory. The caller closes the stream.
func (s *ElevenLabsService) Synthesize(ctx context.Context, text, voiceID string) (io.ReadCloser, error) {
	effectiveVoice := s.voiceID
	if voiceID != "" {
		effectiveVoice = voiceID
	}

	// Slow delivery suits meditation narration
	speed := 0.85
	reqBody := elevenLabsRequest{
		Text:    text,
		ModelID: s.modelID,
		Speed:   &speed,
		VoiceSettings: &elevenLabsVoiceSettings{
			Stability:       0.60,
			SimilarityBoost: 0.80,
			Style:           0.20,
			UseSpeakerBoost: true,
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ElevenLabs request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s",
		elevenLabsBaseURL, effectiveVoice, elevenLabsOutputFormat)

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create ElevenLabs request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", s.apiKey)

	s.log.Info().
		Str("voice_id", effectiveVoice).
		Str("model", s.modelID).
		Int("text_len", len(text)).
		Msg("synthesizing speech")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &ProviderError{Provider: "elevenlabs", Transient: true, Message: err.Error(), Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		transient := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, &ProviderError{
			Provider:  "elevenlabs",
			Transient: transient,
			Message:   fmt.Sprintf("status %d: %s", resp.StatusCode, string(body)),
		}
	}

	return resp.Body, nil
}
