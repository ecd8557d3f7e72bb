package chunk

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/skypro1111/stt-stream-service/internal/metrics"
)

const (
	queueRaw       = "raw"
	queueConverted = "converted"
)

// StoreConfig contains queue sizing for the Store
type StoreConfig struct {
	Capacity       int
	OverflowPolicy OverflowPolicy
}

// Store holds the two hand-off queues between the gateway and the workers.
// Chunks the store discards have their scratch files deleted.
type Store struct {
	raw       *Queue[RawChunk]
	converted *Queue[ConvertedChunk]
	logger    *slog.Logger
	metrics   *metrics.Metrics

	discarded atomic.Uint64
}

// StoreStats is a monitoring snapshot of the Store
type StoreStats struct {
	RawDepth        int    `json:"raw_depth"`
	ConvertedDepth  int    `json:"converted_depth"`
	Capacity        int    `json:"capacity"`
	OverflowPolicy  string `json:"overflow_policy"`
	DiscardedChunks uint64 `json:"discarded_chunks"`
}

// NewStore creates a Store. The converted queue always applies backpressure so
// converted work is never thrown away while the transcription worker is busy.
func NewStore(cfg StoreConfig, logger *slog.Logger, m *metrics.Metrics) *Store {
	s := &Store{
		logger:  logger.With("component", "chunk_store"),
		metrics: m,
	}

	s.raw = NewQueue(cfg.Capacity, cfg.OverflowPolicy, func(c RawChunk, reason string) {
		s.discardFile(queueRaw, c.ID, c.ConnectionID, c.FilePath, reason)
	})
	s.converted = NewQueue(cfg.Capacity, PolicyBlock, func(c ConvertedChunk, reason string) {
		s.discardFile(queueConverted, c.ID, c.ConnectionID, c.FilePath, reason)
	})

	return s
}

// EnqueueRaw appends a raw chunk to the raw queue
func (s *Store) EnqueueRaw(ctx context.Context, c RawChunk) error {
	if err := s.raw.Enqueue(ctx, c); err != nil {
		return err
	}
	s.metrics.RecordEnqueued(queueRaw)
	s.metrics.SetQueueDepth(queueRaw, s.raw.Len())
	return nil
}

// DequeueRaw removes the oldest raw chunk without blocking
func (s *Store) DequeueRaw() (RawChunk, bool) {
	c, ok := s.raw.TryDequeue()
	if ok {
		s.metrics.SetQueueDepth(queueRaw, s.raw.Len())
	}
	return c, ok
}

// WaitRaw blocks until a raw chunk is available
func (s *Store) WaitRaw(ctx context.Context) (RawChunk, error) {
	c, err := s.raw.Wait(ctx)
	if err == nil {
		s.metrics.SetQueueDepth(queueRaw, s.raw.Len())
	}
	return c, err
}

// EnqueueConverted appends a converted chunk, waiting for room if necessary
func (s *Store) EnqueueConverted(ctx context.Context, c ConvertedChunk) error {
	if err := s.converted.Enqueue(ctx, c); err != nil {
		return err
	}
	s.metrics.RecordEnqueued(queueConverted)
	s.metrics.SetQueueDepth(queueConverted, s.converted.Len())
	return nil
}

// DequeueConverted removes the oldest converted chunk without blocking
func (s *Store) DequeueConverted() (ConvertedChunk, bool) {
	c, ok := s.converted.TryDequeue()
	if ok {
		s.metrics.SetQueueDepth(queueConverted, s.converted.Len())
	}
	return c, ok
}

// WaitConverted blocks until a converted chunk is available
func (s *Store) WaitConverted(ctx context.Context) (ConvertedChunk, error) {
	c, err := s.converted.Wait(ctx)
	if err == nil {
		s.metrics.SetQueueDepth(queueConverted, s.converted.Len())
	}
	return c, err
}

// Close stops both queues from accepting new chunks
func (s *Store) Close() {
	s.raw.Close()
	s.converted.Close()
}

// Drain closes the store and deletes the files of every chunk still queued.
func (s *Store) Drain() int {
	s.Close()

	drained := s.raw.Drain() + s.converted.Drain()
	s.metrics.SetQueueDepth(queueRaw, 0)
	s.metrics.SetQueueDepth(queueConverted, 0)

	if drained > 0 {
		s.logger.Info("Drained pending chunks", slog.Int("count", drained))
	}
	return drained
}

// Stats returns current queue statistics
func (s *Store) Stats() StoreStats {
	return StoreStats{
		RawDepth:        s.raw.Len(),
		ConvertedDepth:  s.converted.Len(),
		Capacity:        s.raw.Cap(),
		OverflowPolicy:  string(s.raw.Policy()),
		DiscardedChunks: s.discarded.Load(),
	}
}

func (s *Store) discardFile(queue, chunkID, connectionID, path, reason string) {
	s.discarded.Add(1)
	s.metrics.RecordDiscarded(queue, reason)

	s.logger.Warn("Discarding chunk",
		slog.String("queue", queue),
		slog.String("chunk_id", chunkID),
		slog.String("connection_id", connectionID),
		slog.String("reason", reason),
	)

	RemoveFile(s.logger, path)
}

// RemoveFile deletes a scratch file, ignoring files that are already gone.
func RemoveFile(logger *slog.Logger, path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("Failed to remove scratch file",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}
