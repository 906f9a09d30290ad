package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/driftwell/stillmind/internal/models"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

// ---------------------------------------------------------------------------
// OpenAI script generation service
// Produces meditation narration scripts sized to the requested video
// duration at a spoken pace of ~130 words per minute.
// ---------------------------------------------------------------------------

const (
	scriptModel    = "gpt-5-mini"
	scriptTimeout  = 60 * time.Second
	wordsPerMinute = 130
)

type OpenAIService struct {
	client *openai.Client
	log    zerolog.Logger
}

var _ ScriptService = (*OpenAIService)(nil)

func NewOpenAIService(apiKey string, log zerolog.Logger) *OpenAIService {
	return &OpenAIService{
		client: openai.NewClient(apiKey),
		log:    log.With().Str("component", "openai").Logger(),
	}
}

func buildScriptSystemPrompt(durationSeconds int) string {
	targetWords := durationSeconds * wordsPerMinute / 60
	return fmt.Sprintf(`You are a meditation guide writing narration for a guided meditation video.

Write a calm, slow-paced meditation script of roughly %d words (the narration will be read at about %d words per minute over %d seconds).

Guidelines:
- Second person, present tense ("you notice", "let your breath...").
- Gentle pacing: short sentences, natural pauses implied by sentence breaks.
- Ground the imagery in the listener's theme.
- No headings, stage directions, or markdown — plain narration text only.`, targetWords, wordsPerMinute, durationSeconds)
}

func buildScriptUserPrompt(scriptType models.ScriptType, theme string) string {
	if scriptType == models.ScriptTypeTemplate {
		return fmt.Sprintf("Write a meditation following a classic body-scan structure, themed around: %s", theme)
	}
	return fmt.Sprintf("Write a meditation themed around: %s", theme)
}

// GenerateScript produces the narration text for one generation request.
// The theme is the request's visual prompt — it doubles as the thematic hint.
func (s *OpenAIService) GenerateScript(ctx context.Context, scriptType models.ScriptType, durationSeconds int, theme string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, scriptTimeout)
	defer cancel()

	s.log.Info().
		Str("script_type", string(scriptType)).
		Int("duration_seconds", durationSeconds).
		Int("theme_len", len(theme)).
		Msg("generating script")

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: scriptModel,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: buildScriptSystemPrompt(durationSeconds),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: buildScriptUserPrompt(scriptType, theme),
			},
		},
		Temperature: 1.0,
	})
	if err != nil {
		return "", classifyOpenAIError(err)
	}

	if len(resp.Choices) == 0 {
		return "", &ProviderError{Provider: "openai", Transient: true, Message: "no choices in response"}
	}

	script := strings.TrimSpace(resp.Choices[0].Message.Content)
	if script == "" {
		return "", &ProviderError{Provider: "openai", Transient: true, Message: "empty script in response"}
	}

	s.log.Info().Int("script_len", len(script)).Msg("script generated")

	return script, nil
}

// classifyOpenAIError maps SDK errors onto the transient/permanent split the
// queue's retry policy cares about.
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		transient := apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
		return &ProviderError{Provider: "openai", Transient: transient, Message: apiErr.Message, Err: err}
	}
	// Network-level failures (timeouts, resets) are transient.
	return &ProviderError{Provider: "openai", Transient: true, Message: err.Error(), Err: err}
}
