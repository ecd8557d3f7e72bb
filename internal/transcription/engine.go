package transcription

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/skypro1111/stt-stream-service/internal/audio"
	"github.com/skypro1111/stt-stream-service/internal/config"
	"github.com/skypro1111/stt-stream-service/internal/metrics"
)

// Segment is a time-bounded span of recognized speech within one audio file.
// Start and End are seconds from the beginning of the file.
type Segment struct {
	Start    float64 `json:"start"`
	End      float64 `json:"end"`
	Text     string  `json:"text"`
	Language string  `json:"language"`
}

// Engine turns a fixed-format PCM WAV file into recognized segments
type Engine interface {
	// TranscribeFile runs recognition on the file at path. Segments are returned
	// in chronological order; the iterator ends with iterator.Done.
	TranscribeFile(ctx context.Context, path string) (SegmentIterator, error)
	// Warmup primes the engine so the first real chunk is not slowed by model loading.
	Warmup(ctx context.Context) error
	// Name identifies the engine in logs and monitoring.
	Name() string
}

// ClientStats contains engine request statistics
type ClientStats struct {
	Engine          string        `json:"engine"`
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	TotalSegments   uint64        `json:"total_segments"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
}

// StatsProvider is implemented by engines that track request statistics
type StatsProvider interface {
	GetStats() ClientStats
}

// New builds the engine selected by configuration
func New(cfg config.TranscriptionConfig, logger *slog.Logger, m *metrics.Metrics) (Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Engine {
	case config.EngineStub:
		logger.Warn("stub transcription engine selected; transcripts are placeholders")
		return NewStubEngine(logger, cfg.Language), nil
	case config.EngineOpenAI:
		engine, err := NewOpenAIEngine(cfg, logger, m)
		if err != nil {
			return nil, fmt.Errorf("failed to create openai engine: %w", err)
		}
		return engine, nil
	default:
		return nil, fmt.Errorf("unknown transcription engine %q", cfg.Engine)
	}
}

// warmupWithSilence transcribes a short silent clip and discards the result
func warmupWithSilence(ctx context.Context, e Engine) error {
	dir, err := os.MkdirTemp("", "stt-warmup-*")
	if err != nil {
		return fmt.Errorf("failed to create warmup dir: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "silence.wav")
	format := audio.Format{
		SampleRate: config.RequiredSampleRate,
		Channels:   config.RequiredChannels,
		BitDepth:   config.RequiredBitDepth,
	}
	if err := audio.WriteSilence(path, time.Second, format); err != nil {
		return fmt.Errorf("failed to write warmup clip: %w", err)
	}

	it, err := e.TranscribeFile(ctx, path)
	if err != nil {
		return fmt.Errorf("warmup transcription failed: %w", err)
	}
	defer it.Close()

	if _, err := Collect(it); err != nil {
		return fmt.Errorf("warmup transcription failed: %w", err)
	}
	return nil
}
