package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/skypro1111/stt-stream-service/internal/audio"
	"github.com/skypro1111/stt-stream-service/internal/config"
)

// ErrSourceMissing is returned when the input file does not exist.
var ErrSourceMissing = errors.New("transcoder source file missing")

// maximum stderr bytes kept on a failed run
const stderrLimit = 4096

// Transcoder converts an audio file into the fixed speech format
type Transcoder interface {
	Convert(ctx context.Context, src, dst string) error
}

// ProcessError describes a transcoder run that exited unsuccessfully
type ProcessError struct {
	Binary   string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d: %v", e.Binary, e.ExitCode, e.Err)
	if e.Stderr != "" {
		msg += "\nstderr: " + e.Stderr
	}
	return msg
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// FFmpeg runs the ffmpeg binary once per conversion
type FFmpeg struct {
	binary  string
	format  audio.Format
	timeout time.Duration
	pool    *Pool
	logger  *slog.Logger

	runs     atomic.Uint64
	failures atomic.Uint64
}

// Stats contains transcoder run counters
type Stats struct {
	Runs            uint64 `json:"runs"`
	Failures        uint64 `json:"failures"`
	ActiveProcesses int    `json:"active_processes"`
	MaxProcesses    int    `json:"max_processes"`
}

// NewFFmpeg creates an ffmpeg transcoder from configuration
func NewFFmpeg(cfg config.ConverterConfig, logger *slog.Logger) *FFmpeg {
	return &FFmpeg{
		binary: cfg.Binary,
		format: audio.Format{
			SampleRate: cfg.SampleRate,
			Channels:   cfg.Channels,
			BitDepth:   cfg.BitDepth,
		},
		timeout: cfg.GetTimeoutDuration(),
		pool:    NewPool(cfg.MaxProcesses),
		logger:  logger.With("component", "ffmpeg"),
	}
}

// Format returns the output format this transcoder produces
func (f *FFmpeg) Format() audio.Format {
	return f.format
}

// Args returns the deterministic argument list for converting src into dst
func (f *FFmpeg) Args(src, dst string) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-i", src,
		"-ac", strconv.Itoa(f.format.Channels),
		"-ar", strconv.Itoa(f.format.SampleRate),
		"-acodec", pcmCodec(f.format.BitDepth),
		"-f", "wav",
		dst,
	}
}

// Convert transcodes src into dst, waiting for a pool slot first. A process
// still running when the per-run deadline expires is killed.
func (f *FFmpeg) Convert(ctx context.Context, src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrSourceMissing, src)
		}
		return fmt.Errorf("failed to stat source: %w", err)
	}

	if err := f.pool.Acquire(ctx); err != nil {
		return err
	}
	defer f.pool.Release()

	runCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, f.binary, f.Args(src, dst)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	f.runs.Add(1)
	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		f.failures.Add(1)
		// partial output must not reach the next stage
		_ = os.Remove(dst)

		procErr := &ProcessError{
			Binary:   f.binary,
			ExitCode: -1,
			Stderr:   truncate(strings.TrimSpace(stderr.String()), stderrLimit),
			Err:      err,
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			procErr.ExitCode = exitErr.ExitCode()
		}
		if runCtx.Err() == context.DeadlineExceeded {
			procErr.Err = fmt.Errorf("killed after %v: %w", f.timeout, context.DeadlineExceeded)
		}

		f.logger.Debug("Transcoder run failed",
			slog.String("src", src),
			slog.Int("exit_code", procErr.ExitCode),
			slog.Duration("elapsed", elapsed),
		)
		return procErr
	}

	f.logger.Debug("Transcoder run completed",
		slog.String("src", src),
		slog.String("dst", dst),
		slog.Duration("elapsed", elapsed),
		slog.Int("stdout_bytes", stdout.Len()),
	)

	return nil
}

// GetStats returns transcoder statistics
func (f *FFmpeg) GetStats() Stats {
	return Stats{
		Runs:            f.runs.Load(),
		Failures:        f.failures.Load(),
		ActiveProcesses: f.pool.Active(),
		MaxProcesses:    f.pool.Max(),
	}
}

// CheckInstalled verifies that the transcoder binary can be executed
func CheckInstalled(ctx context.Context, binary string) (string, error) {
	path, err := exec.LookPath(binary)
	if err != nil {
		return "", fmt.Errorf("%s not found: %w", binary, err)
	}

	out, err := exec.CommandContext(ctx, path, "-version").Output()
	if err != nil {
		return "", fmt.Errorf("%s -version failed: %w", binary, err)
	}

	firstLine, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(firstLine), nil
}

func pcmCodec(bitDepth int) string {
	switch bitDepth {
	case 8:
		return "pcm_u8"
	case 24:
		return "pcm_s24le"
	case 32:
		return "pcm_s32le"
	default:
		return "pcm_s16le"
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
