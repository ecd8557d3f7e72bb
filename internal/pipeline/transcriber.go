package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"google.golang.org/api/iterator"

	"github.com/skypro1111/stt-stream-service/internal/chunk"
	"github.com/skypro1111/stt-stream-service/internal/correction"
	"github.com/skypro1111/stt-stream-service/internal/metrics"
	"github.com/skypro1111/stt-stream-service/internal/stream"
	"github.com/skypro1111/stt-stream-service/internal/transcription"
)

// Notifier delivers transcript updates to the owning connection.
// stream.Registry satisfies it.
type Notifier interface {
	Send(connectionID string, update stream.TranscriptUpdate) bool
}

// TranscriptionWorker runs recognition and correction over converted chunks
type TranscriptionWorker struct {
	store     *chunk.Store
	engine    transcription.Engine
	corrector correction.Corrector
	notifier  Notifier
	logger    *slog.Logger
	metrics   *metrics.Metrics
	stats     workerCounters
}

// NewTranscriptionWorker creates a transcription worker
func NewTranscriptionWorker(store *chunk.Store, engine transcription.Engine, corrector correction.Corrector, notifier Notifier, logger *slog.Logger, m *metrics.Metrics) *TranscriptionWorker {
	if corrector == nil {
		corrector = correction.Passthrough{}
	}
	return &TranscriptionWorker{
		store:     store,
		engine:    engine,
		corrector: corrector,
		notifier:  notifier,
		logger:    logger.With("component", "transcription_worker"),
		metrics:   m,
	}
}

// Run consumes the converted queue until ctx is cancelled or the store is closed
func (w *TranscriptionWorker) Run(ctx context.Context) error {
	w.logger.Info("Transcription worker started", slog.String("engine", w.engine.Name()))

	for {
		c, err := w.store.WaitConverted(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, chunk.ErrQueueClosed) {
				w.logger.Info("Transcription worker stopping", w.stats.attrs()...)
				return nil
			}
			return fmt.Errorf("wait for converted chunk: %w", err)
		}

		w.process(ctx, c)
	}
}

// Stats returns worker counters
func (w *TranscriptionWorker) Stats() WorkerStats {
	return w.stats.snapshot()
}

func (w *TranscriptionWorker) process(ctx context.Context, c chunk.ConvertedChunk) {
	logger := w.logger.With(
		slog.String("chunk_id", c.ID),
		slog.String("connection_id", c.ConnectionID),
	)
	delivered := false

	defer func() {
		if r := recover(); r != nil {
			w.stats.panics.Add(1)
			w.metrics.RecordWorkerPanic("transcription")
			logger.Error("Recovered panic while transcribing chunk",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}

		// the client waits for isStopped, so a final chunk always answers
		if c.IsLast && !delivered {
			w.deliver(c.ConnectionID, stream.TranscriptUpdate{IsStopped: true})
		}

		chunk.RemoveFile(logger, c.FilePath)
	}()

	workCtx := context.WithoutCancel(ctx)
	start := time.Now()

	it, err := w.engine.TranscribeFile(workCtx, c.FilePath)
	if err != nil {
		w.stats.failed.Add(1)
		logger.Error("Transcription failed, dropping chunk",
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		return
	}
	defer it.Close()

	segments := 0
	for {
		seg, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			w.stats.failed.Add(1)
			logger.Error("Reading segments failed",
				slog.String("error", err.Error()),
				slog.Int("segments", segments),
			)
			return
		}
		segments++
		w.stats.segments.Add(1)
		w.metrics.RecordSegment()

		text, err := w.corrector.Correct(workCtx, seg.Text)
		if err != nil {
			logger.Warn("Correction failed, sending raw text", slog.String("error", err.Error()))
			text = seg.Text
		}

		update := stream.TranscriptUpdate{
			Start:     seg.Start,
			End:       seg.End,
			Text:      text,
			IsStopped: c.IsLast,
			Language:  seg.Language,
		}
		if w.deliver(c.ConnectionID, update) {
			delivered = true
		}
	}

	w.stats.processed.Add(1)
	logger.Debug("Chunk transcribed",
		slog.Int("segments", segments),
		slog.Bool("is_last", c.IsLast),
		slog.Duration("elapsed", time.Since(start)),
	)
}

func (w *TranscriptionWorker) deliver(connectionID string, update stream.TranscriptUpdate) bool {
	if !w.notifier.Send(connectionID, update) {
		return false
	}
	w.stats.delivered.Add(1)
	return true
}
