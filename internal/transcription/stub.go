package transcription

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/skypro1111/stt-stream-service/internal/audio"
)

// stubSegmentSeconds is the length of each placeholder segment
const stubSegmentSeconds = 5.0

// StubEngine produces deterministic segments from the WAV duration without
// running any recognition.
type StubEngine struct {
	log      *slog.Logger
	language string

	requests atomic.Uint64
	segments atomic.Uint64
}

// NewStubEngine returns an Engine that generates placeholder transcripts
func NewStubEngine(logger *slog.Logger, language string) *StubEngine {
	if language == "" {
		language = "en"
	}
	return &StubEngine{
		log:      logger.With("component", "engine.stub"),
		language: language,
	}
}

// Name implements Engine
func (e *StubEngine) Name() string {
	return "stub"
}

// TranscribeFile implements Engine
func (e *StubEngine) TranscribeFile(ctx context.Context, path string) (SegmentIterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := audio.Inspect(path)
	if err != nil {
		return nil, fmt.Errorf("stub engine: %w", err)
	}
	e.requests.Add(1)

	total := info.Duration.Seconds()
	var segments []Segment
	for start := 0.0; start < total; start += stubSegmentSeconds {
		end := math.Min(start+stubSegmentSeconds, total)
		segments = append(segments, Segment{
			Start:    start,
			End:      end,
			Text:     fmt.Sprintf("[stub] %.2fs-%.2fs", start, end),
			Language: e.language,
		})
	}
	e.segments.Add(uint64(len(segments)))

	e.log.Debug("stub transcript", slog.String("path", path), slog.Int("segments", len(segments)))
	return NewSliceIterator(segments), nil
}

// Warmup implements Engine
func (e *StubEngine) Warmup(ctx context.Context) error {
	return warmupWithSilence(ctx, e)
}

// GetStats implements StatsProvider
func (e *StubEngine) GetStats() ClientStats {
	requests := e.requests.Load()
	stats := ClientStats{
		Engine:          e.Name(),
		TotalRequests:   requests,
		SuccessRequests: requests,
		TotalSegments:   e.segments.Load(),
	}
	if requests > 0 {
		stats.SuccessRate = 100
	}
	return stats
}
