package correction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/skypro1111/stt-stream-service/internal/config"
	"github.com/skypro1111/stt-stream-service/internal/metrics"
)

// DefaultPrompt instructs the model to fix recognition errors without rewriting content
const DefaultPrompt = "You correct speech-recognition output. Fix misheard words, punctuation and " +
	"capitalization. Keep the original language and meaning. Do not add commentary. " +
	"Reply with the corrected text only."

// ErrEmptyCompletion is returned when the model produced no choices.
var ErrEmptyCompletion = errors.New("correction returned no text")

// Corrector cleans up raw transcript text
type Corrector interface {
	Correct(ctx context.Context, text string) (string, error)
}

// Passthrough returns text unchanged
type Passthrough struct{}

// Correct implements Corrector
func (Passthrough) Correct(_ context.Context, text string) (string, error) {
	return text, nil
}

// OpenAICorrector runs a chat completion over each transcript segment
type OpenAICorrector struct {
	client      openai.Client
	model       string
	prompt      string
	temperature float64
	timeout     time.Duration
}

// NewOpenAICorrector creates a corrector from configuration
func NewOpenAICorrector(cfg config.CorrectionConfig) *OpenAICorrector {
	opts := []option.RequestOption{
		option.WithBaseURL(cfg.Endpoint),
		option.WithMaxRetries(1),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}

	prompt := cfg.Prompt
	if strings.TrimSpace(prompt) == "" {
		prompt = DefaultPrompt
	}

	return &OpenAICorrector{
		client:      openai.NewClient(opts...),
		model:       cfg.Model,
		prompt:      prompt,
		temperature: cfg.Temperature,
		timeout:     cfg.GetTimeoutDuration(),
	}
}

// Correct implements Corrector
func (c *OpenAICorrector) Correct(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return text, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(c.prompt),
			openai.UserMessage(text),
		},
		Temperature: openai.Float(c.temperature),
	})
	if err != nil {
		return "", fmt.Errorf("openai chat: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}

	corrected := strings.TrimSpace(resp.Choices[0].Message.Content)
	if corrected == "" {
		return "", ErrEmptyCompletion
	}
	return corrected, nil
}

// Fallback wraps a Corrector and returns the raw text whenever it fails
type Fallback struct {
	inner   Corrector
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewFallback wraps inner
func NewFallback(inner Corrector, logger *slog.Logger, m *metrics.Metrics) *Fallback {
	return &Fallback{
		inner:   inner,
		logger:  logger.With("component", "correction"),
		metrics: m,
	}
}

// Correct never returns an error; failures yield the uncorrected text.
func (f *Fallback) Correct(ctx context.Context, text string) (string, error) {
	start := time.Now()
	corrected, err := f.inner.Correct(ctx, text)
	elapsed := time.Since(start)

	if err != nil {
		f.metrics.RecordCorrection("fallback", elapsed.Seconds())
		f.logger.Warn("Correction failed, using raw transcript",
			slog.String("error", err.Error()),
			slog.Duration("elapsed", elapsed),
		)
		return text, nil
	}

	f.metrics.RecordCorrection("success", elapsed.Seconds())
	return corrected, nil
}

// New builds the corrector selected by configuration
func New(cfg config.CorrectionConfig, logger *slog.Logger, m *metrics.Metrics) Corrector {
	if !cfg.Enabled {
		logger.Info("Transcript correction disabled")
		return Passthrough{}
	}

	logger.Info("Transcript correction enabled",
		slog.String("endpoint", cfg.Endpoint),
		slog.String("model", cfg.Model),
	)
	return NewFallback(NewOpenAICorrector(cfg), logger, m)
}
