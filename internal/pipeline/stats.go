package pipeline

import (
	"log/slog"
	"sync/atomic"
)

// WorkerStats contains per-worker chunk counters
type WorkerStats struct {
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Panics    uint64 `json:"panics"`
	Segments  uint64 `json:"segments"`
	Delivered uint64 `json:"delivered"`
}

type workerCounters struct {
	processed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
	panics    atomic.Uint64
	segments  atomic.Uint64
	delivered atomic.Uint64
}

func (c *workerCounters) snapshot() WorkerStats {
	return WorkerStats{
		Processed: c.processed.Load(),
		Failed:    c.failed.Load(),
		Dropped:   c.dropped.Load(),
		Panics:    c.panics.Load(),
		Segments:  c.segments.Load(),
		Delivered: c.delivered.Load(),
	}
}

func (c *workerCounters) attrs() []any {
	s := c.snapshot()
	return []any{
		slog.Uint64("processed", s.Processed),
		slog.Uint64("failed", s.Failed),
		slog.Uint64("dropped", s.Dropped),
		slog.Uint64("panics", s.Panics),
	}
}
