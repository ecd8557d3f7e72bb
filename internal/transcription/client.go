package transcription

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/skypro1111/stt-stream-service/internal/config"
	"github.com/skypro1111/stt-stream-service/internal/metrics"
)

// OpenAIEngine transcribes files through an OpenAI-compatible
// /audio/transcriptions endpoint (OpenAI, faster-whisper-server, LocalAI).
type OpenAIEngine struct {
	client   openai.Client
	model    string
	language string
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	totalSegments   uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// verboseTranscription is the verbose_json response body
type verboseTranscription struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		ID    int     `json:"id"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

// NewOpenAIEngine creates an engine from configuration
func NewOpenAIEngine(cfg config.TranscriptionConfig, logger *slog.Logger, m *metrics.Metrics) (*OpenAIEngine, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model cannot be empty")
	}

	e := &OpenAIEngine{
		model:    cfg.Model,
		language: cfg.Language,
		logger:   logger.With("component", "engine.openai"),
		metrics:  m,
	}

	opts := []option.RequestOption{
		option.WithBaseURL(cfg.Endpoint),
		option.WithMaxRetries(cfg.MaxRetries),
		option.WithRequestTimeout(cfg.GetTimeoutDuration()),
		option.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		}),
		option.WithMiddleware(e.countRetries),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	e.client = openai.NewClient(opts...)

	return e, nil
}

// Name implements Engine
func (e *OpenAIEngine) Name() string {
	return "openai"
}

// TranscribeFile uploads the WAV file and returns its segments
func (e *OpenAIEngine) TranscribeFile(ctx context.Context, path string) (SegmentIterator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio file: %w", err)
	}
	defer f.Close()

	params := openai.AudioTranscriptionNewParams{
		File:           openai.File(f, filepath.Base(path), "audio/wav"),
		Model:          openai.AudioModel(e.model),
		ResponseFormat: openai.AudioResponseFormatVerboseJSON,
	}
	if e.language != "" {
		params.Language = openai.String(e.language)
	}

	e.incrementTotalRequests()
	e.metrics.RecordTranscriptionRequest()
	startTime := time.Now()

	resp, err := e.client.Audio.Transcriptions.New(ctx, params)
	elapsed := time.Since(startTime)
	if err != nil {
		e.incrementFailedRequests()
		e.metrics.RecordTranscriptionFailure(elapsed.Seconds())
		return nil, fmt.Errorf("transcription request failed: %w", err)
	}

	segments, err := e.parseSegments(resp.RawJSON(), resp.Text)
	if err != nil {
		e.incrementFailedRequests()
		e.metrics.RecordTranscriptionFailure(elapsed.Seconds())
		return nil, err
	}

	e.incrementSuccessRequests(len(segments))
	e.updateAvgResponseTime(elapsed)
	e.metrics.RecordTranscriptionSuccess(elapsed.Seconds())

	e.logger.Debug("Transcription completed",
		slog.String("path", path),
		slog.Int("segments", len(segments)),
		slog.Duration("elapsed", elapsed),
	)

	return NewSliceIterator(segments), nil
}

// parseSegments extracts segments from a verbose_json body. Servers that
// ignore the response format still return text, which becomes one segment.
func (e *OpenAIEngine) parseSegments(raw, text string) ([]Segment, error) {
	var verbose verboseTranscription
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &verbose); err != nil {
			return nil, fmt.Errorf("failed to parse transcription response: %w", err)
		}
	}

	language := verbose.Language
	if language == "" {
		language = e.language
	}

	if len(verbose.Segments) == 0 {
		text = strings.TrimSpace(text)
		if text == "" {
			return nil, nil
		}
		return []Segment{{Start: 0, End: verbose.Duration, Text: text, Language: language}}, nil
	}

	segments := make([]Segment, 0, len(verbose.Segments))
	for _, s := range verbose.Segments {
		segments = append(segments, Segment{
			Start:    s.Start,
			End:      s.End,
			Text:     strings.TrimSpace(s.Text),
			Language: language,
		})
	}
	return segments, nil
}

// Warmup sends one second of silence so the backend loads its model
func (e *OpenAIEngine) Warmup(ctx context.Context) error {
	return warmupWithSilence(ctx, e)
}

// countRetries observes every attempt the SDK makes
func (e *OpenAIEngine) countRetries(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
	if retry := req.Header.Get("X-Stainless-Retry-Count"); retry != "" && retry != "0" {
		e.mu.Lock()
		e.totalRetries++
		e.mu.Unlock()
		e.metrics.RecordTranscriptionRetry()
	}
	return next(req)
}

// GetStats returns current engine statistics
func (e *OpenAIEngine) GetStats() ClientStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var successRate float64
	if e.totalRequests > 0 {
		successRate = float64(e.successRequests) / float64(e.totalRequests) * 100
	}

	return ClientStats{
		Engine:          e.Name(),
		TotalRequests:   e.totalRequests,
		SuccessRequests: e.successRequests,
		FailedRequests:  e.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    e.totalRetries,
		TotalSegments:   e.totalSegments,
		AvgResponseTime: e.avgResponseTime,
	}
}

func (e *OpenAIEngine) incrementTotalRequests() {
	e.mu.Lock()
	e.totalRequests++
	e.mu.Unlock()
}

func (e *OpenAIEngine) incrementSuccessRequests(segments int) {
	e.mu.Lock()
	e.successRequests++
	e.totalSegments += uint64(segments)
	e.mu.Unlock()
}

func (e *OpenAIEngine) incrementFailedRequests() {
	e.mu.Lock()
	e.failedRequests++
	e.mu.Unlock()
}

// updateAvgResponseTime keeps an exponential moving average
func (e *OpenAIEngine) updateAvgResponseTime(responseTime time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.avgResponseTime == 0 {
		e.avgResponseTime = responseTime
	} else {
		alpha := 0.1
		e.avgResponseTime = time.Duration(float64(e.avgResponseTime)*(1-alpha) + float64(responseTime)*alpha)
	}
}
