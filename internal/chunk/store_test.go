package chunk

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/stt-stream-service/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func scratchFile(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("audio"), 0o644))
	return path
}

func TestStoreRoundTrip(t *testing.T) {
	store := NewStore(StoreConfig{Capacity: 4, OverflowPolicy: PolicyBlock}, testLogger(), nil)
	ctx := context.Background()

	raw := NewRawChunk("conn-1", "/tmp/a.webm", 5, true)
	require.NoError(t, store.EnqueueRaw(ctx, raw))

	got, ok := store.DequeueRaw()
	require.True(t, ok)
	assert.Equal(t, raw, got)

	converted := got.Converted("/tmp/a.wav")
	assert.Equal(t, raw.ID, converted.ID)
	assert.Equal(t, raw.ConnectionID, converted.ConnectionID)
	assert.True(t, converted.IsLast)

	require.NoError(t, store.EnqueueConverted(ctx, converted))
	gotConverted, err := store.WaitConverted(ctx)
	require.NoError(t, err)
	assert.Equal(t, converted, gotConverted)

	_, ok = store.DequeueConverted()
	assert.False(t, ok)
}

func TestStoreRejectDeletesFile(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(StoreConfig{Capacity: 1, OverflowPolicy: PolicyReject}, testLogger(), nil)
	ctx := context.Background()

	kept := scratchFile(t, dir, "kept.webm")
	rejected := scratchFile(t, dir, "rejected.webm")

	require.NoError(t, store.EnqueueRaw(ctx, NewRawChunk("c", kept, 5, false)))
	err := store.EnqueueRaw(ctx, NewRawChunk("c", rejected, 5, false))
	assert.ErrorIs(t, err, ErrQueueFull)

	assert.FileExists(t, kept)
	assert.NoFileExists(t, rejected)
	assert.Equal(t, uint64(1), store.Stats().DiscardedChunks)
}

func TestStoreDropOldestDeletesEvictedFile(t *testing.T) {
	dir := t.TempDir()
	reg := prometheus.NewRegistry()
	store := NewStore(StoreConfig{Capacity: 1, OverflowPolicy: PolicyDropOldest}, testLogger(), metrics.NewMetrics(reg))
	ctx := context.Background()

	oldest := scratchFile(t, dir, "oldest.webm")
	newest := scratchFile(t, dir, "newest.webm")

	require.NoError(t, store.EnqueueRaw(ctx, NewRawChunk("c", oldest, 5, false)))
	require.NoError(t, store.EnqueueRaw(ctx, NewRawChunk("c", newest, 5, false)))

	assert.NoFileExists(t, oldest)
	assert.FileExists(t, newest)

	got, ok := store.DequeueRaw()
	require.True(t, ok)
	assert.Equal(t, newest, got.FilePath)
}

func TestStoreDrainDeletesPendingFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(StoreConfig{Capacity: 4, OverflowPolicy: PolicyBlock}, testLogger(), nil)
	ctx := context.Background()

	rawPath := scratchFile(t, dir, "pending.webm")
	convertedPath := scratchFile(t, dir, "pending.wav")

	raw := NewRawChunk("c", rawPath, 5, false)
	require.NoError(t, store.EnqueueRaw(ctx, raw))
	require.NoError(t, store.EnqueueConverted(ctx, NewRawChunk("c", "", 0, false).Converted(convertedPath)))

	assert.Equal(t, 2, store.Drain())
	assert.NoFileExists(t, rawPath)
	assert.NoFileExists(t, convertedPath)

	assert.ErrorIs(t, store.EnqueueRaw(ctx, raw), ErrQueueClosed)
	_, err := store.WaitRaw(ctx)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestStoreStats(t *testing.T) {
	store := NewStore(StoreConfig{Capacity: 3, OverflowPolicy: PolicyDropOldest}, testLogger(), nil)
	require.NoError(t, store.EnqueueRaw(context.Background(), NewRawChunk("c", "", 1, false)))

	stats := store.Stats()
	assert.Equal(t, 1, stats.RawDepth)
	assert.Equal(t, 0, stats.ConvertedDepth)
	assert.Equal(t, 3, stats.Capacity)
	assert.Equal(t, "drop_oldest", stats.OverflowPolicy)
}
