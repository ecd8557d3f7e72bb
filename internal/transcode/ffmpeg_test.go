package transcode

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/stt-stream-service/internal/audio"
	"github.com/skypro1111/stt-stream-service/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBinary writes an executable shell script standing in for ffmpeg.
func fakeBinary(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script transcoder requires a POSIX shell")
	}

	path := filepath.Join(t.TempDir(), "fake-ffmpeg")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestFFmpeg(binary string, timeout int) *FFmpeg {
	cfg := config.Default().Converter
	cfg.Binary = binary
	cfg.Timeout = timeout
	return NewFFmpeg(cfg, testLogger())
}

func writeSource(t *testing.T) string {
	t.Helper()
	src := filepath.Join(t.TempDir(), "chunk.webm")
	require.NoError(t, os.WriteFile(src, []byte("\x1aE\xdf\xa3 webm payload"), 0o644))
	return src
}

func TestArgs(t *testing.T) {
	f := newTestFFmpeg("ffmpeg", 30)

	args := f.Args("/scratch/in.webm", "/scratch/out.wav")
	assert.Equal(t, []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", "/scratch/in.webm",
		"-ac", "1", "-ar", "16000", "-acodec", "pcm_s16le",
		"-f", "wav", "/scratch/out.wav",
	}, args)
}

func TestConvertSuccess(t *testing.T) {
	fixture := filepath.Join(t.TempDir(), "fixture.wav")
	require.NoError(t, audio.WriteSilence(fixture, 200*time.Millisecond, audio.Format{SampleRate: 16000, Channels: 1, BitDepth: 16}))

	binary := fakeBinary(t, `for last; do :; done
cp '`+fixture+`' "$last"`)
	f := newTestFFmpeg(binary, 5)

	src := writeSource(t)
	dst := filepath.Join(t.TempDir(), "chunk.wav")

	require.NoError(t, f.Convert(context.Background(), src, dst))

	info, err := audio.Verify(dst, f.Format())
	require.NoError(t, err)
	assert.Equal(t, 200*time.Millisecond, info.Duration)

	stats := f.GetStats()
	assert.Equal(t, uint64(1), stats.Runs)
	assert.Equal(t, uint64(0), stats.Failures)
	assert.Equal(t, 0, stats.ActiveProcesses)
}

func TestConvertNonZeroExit(t *testing.T) {
	binary := fakeBinary(t, `echo "Invalid data found when processing input" >&2
exit 1`)
	f := newTestFFmpeg(binary, 5)

	dst := filepath.Join(t.TempDir(), "chunk.wav")
	err := f.Convert(context.Background(), writeSource(t), dst)
	require.Error(t, err)

	var procErr *ProcessError
	require.True(t, errors.As(err, &procErr))
	assert.Equal(t, 1, procErr.ExitCode)
	assert.Contains(t, procErr.Stderr, "Invalid data found")
	assert.NoFileExists(t, dst)
	assert.Equal(t, uint64(1), f.GetStats().Failures)
}

func TestConvertMissingSource(t *testing.T) {
	f := newTestFFmpeg("ffmpeg", 5)

	err := f.Convert(context.Background(), filepath.Join(t.TempDir(), "gone.webm"), filepath.Join(t.TempDir(), "out.wav"))
	assert.ErrorIs(t, err, ErrSourceMissing)
	assert.Equal(t, uint64(0), f.GetStats().Runs)
}

func TestConvertKilledAtDeadline(t *testing.T) {
	binary := fakeBinary(t, "exec sleep 5")
	f := newTestFFmpeg(binary, 1)

	start := time.Now()
	err := f.Convert(context.Background(), writeSource(t), filepath.Join(t.TempDir(), "out.wav"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestConvertRespectsPoolLimit(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "running")
	overlap := filepath.Join(dir, "overlap")

	// a second concurrent run would find the marker left by the first
	binary := fakeBinary(t, `if [ -e '`+marker+`' ]; then touch '`+overlap+`'; fi
touch '`+marker+`'
sleep 0.2
rm -f '`+marker+`'
for last; do :; done
: > "$last"`)
	f := newTestFFmpeg(binary, 5)
	require.Equal(t, 1, f.GetStats().MaxProcesses)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dst := filepath.Join(dir, "out-"+strings.Repeat("x", i+1)+".wav")
			assert.NoError(t, f.Convert(context.Background(), writeSource(t), dst))
		}(i)
	}
	wg.Wait()

	assert.NoFileExists(t, overlap, "transcoder processes overlapped")
}

func TestPoolAcquireCancelled(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Acquire(context.Background()))
	assert.Equal(t, 1, pool.Active())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.Acquire(ctx), context.DeadlineExceeded)

	pool.Release()
	assert.Equal(t, 0, pool.Active())
}

func TestCheckInstalledMissingBinary(t *testing.T) {
	_, err := CheckInstalled(context.Background(), "definitely-not-a-transcoder-binary")
	assert.Error(t, err)
}

func TestCheckInstalledFakeBinary(t *testing.T) {
	binary := fakeBinary(t, `echo "ffmpeg version 6.1 Copyright (c) 2000-2023"
echo "built with gcc"`)

	version, err := CheckInstalled(context.Background(), binary)
	require.NoError(t, err)
	assert.Equal(t, "ffmpeg version 6.1 Copyright (c) 2000-2023", version)
}
