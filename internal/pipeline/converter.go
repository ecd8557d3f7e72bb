package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/skypro1111/stt-stream-service/internal/audio"
	"github.com/skypro1111/stt-stream-service/internal/chunk"
	"github.com/skypro1111/stt-stream-service/internal/metrics"
	"github.com/skypro1111/stt-stream-service/internal/transcode"
)

// ConverterWorker turns raw chunks into fixed-format PCM chunks
type ConverterWorker struct {
	store      *chunk.Store
	transcoder transcode.Transcoder
	outputDir  string
	format     audio.Format
	logger     *slog.Logger
	metrics    *metrics.Metrics
	stats      workerCounters
}

// NewConverterWorker creates a converter worker writing into outputDir
func NewConverterWorker(store *chunk.Store, transcoder transcode.Transcoder, outputDir string, format audio.Format, logger *slog.Logger, m *metrics.Metrics) *ConverterWorker {
	return &ConverterWorker{
		store:      store,
		transcoder: transcoder,
		outputDir:  outputDir,
		format:     format,
		logger:     logger.With("component", "converter_worker"),
		metrics:    m,
	}
}

// Run consumes the raw queue until ctx is cancelled or the store is closed.
// A chunk already being converted when ctx ends is finished first.
func (w *ConverterWorker) Run(ctx context.Context) error {
	w.logger.Info("Converter worker started",
		slog.String("output_dir", w.outputDir),
		slog.String("format", w.format.String()),
	)

	for {
		raw, err := w.store.WaitRaw(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, chunk.ErrQueueClosed) {
				w.logger.Info("Converter worker stopping", w.stats.attrs()...)
				return nil
			}
			return fmt.Errorf("wait for raw chunk: %w", err)
		}

		w.process(ctx, raw)
	}
}

// Stats returns worker counters
func (w *ConverterWorker) Stats() WorkerStats {
	return w.stats.snapshot()
}

func (w *ConverterWorker) process(ctx context.Context, raw chunk.RawChunk) {
	logger := w.logger.With(
		slog.String("chunk_id", raw.ID),
		slog.String("connection_id", raw.ConnectionID),
	)
	dst := filepath.Join(w.outputDir, raw.ID+".wav")

	defer func() {
		if r := recover(); r != nil {
			w.stats.panics.Add(1)
			w.metrics.RecordWorkerPanic("converter")
			logger.Error("Recovered panic while converting chunk",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			chunk.RemoveFile(logger, raw.FilePath)
			chunk.RemoveFile(logger, dst)
		}
	}()

	// the current chunk is always finished, even after shutdown began
	workCtx := context.WithoutCancel(ctx)

	start := time.Now()
	err := w.transcoder.Convert(workCtx, raw.FilePath, dst)
	elapsed := time.Since(start)

	switch {
	case errors.Is(err, transcode.ErrSourceMissing):
		w.stats.dropped.Add(1)
		w.metrics.RecordConversion("source_missing", elapsed.Seconds())
		logger.Warn("Raw chunk file missing, dropping chunk", slog.String("path", raw.FilePath))
		return

	case err != nil:
		w.stats.failed.Add(1)
		w.metrics.RecordConversion("failure", elapsed.Seconds())
		logger.Error("Conversion failed, dropping chunk",
			slog.String("error", err.Error()),
			slog.Duration("elapsed", elapsed),
		)
		chunk.RemoveFile(logger, raw.FilePath)
		return
	}

	info, err := audio.Verify(dst, w.format)
	if err != nil {
		w.stats.failed.Add(1)
		w.metrics.RecordConversion("bad_output", elapsed.Seconds())
		logger.Error("Converted file has unexpected format, dropping chunk", slog.String("error", err.Error()))
		chunk.RemoveFile(logger, raw.FilePath)
		chunk.RemoveFile(logger, dst)
		return
	}

	w.metrics.RecordConversion("success", elapsed.Seconds())
	chunk.RemoveFile(logger, raw.FilePath)

	converted := raw.Converted(dst)
	if err := w.store.EnqueueConverted(ctx, converted); err != nil {
		w.stats.dropped.Add(1)
		logger.Warn("Could not hand off converted chunk, dropping it", slog.String("error", err.Error()))
		chunk.RemoveFile(logger, dst)
		return
	}

	w.stats.processed.Add(1)
	logger.Debug("Chunk converted",
		slog.Bool("is_last", raw.IsLast),
		slog.Duration("audio_duration", info.Duration),
		slog.Duration("elapsed", elapsed),
	)
}
