package audio

import (
	"errors"
	"fmt"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrFormatMismatch is returned when a WAV file does not have the expected format.
var ErrFormatMismatch = errors.New("audio format mismatch")

const pcmFormat = 1

// Format describes uncompressed PCM audio
type Format struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
	BitDepth   int `json:"bit_depth"`
}

// String returns a compact human readable format description
func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%dbit", f.SampleRate, f.Channels, f.BitDepth)
}

// WAVInfo contains metadata about a WAV file
type WAVInfo struct {
	Format   Format        `json:"format"`
	Duration time.Duration `json:"duration"`
	DataSize int64         `json:"data_size_bytes"`
}

// Inspect reads the header of the WAV file at path
func Inspect(path string) (*WAVInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAV file: %w", err)
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		return nil, fmt.Errorf("invalid WAV file %s", path)
	}

	decoder.ReadInfo()
	if err := decoder.Err(); err != nil {
		return nil, fmt.Errorf("failed to read WAV header: %w", err)
	}

	if decoder.WavAudioFormat != pcmFormat {
		return nil, fmt.Errorf("%w: unsupported audio format %d (only PCM is supported)", ErrFormatMismatch, decoder.WavAudioFormat)
	}

	if err := decoder.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("failed to locate WAV data chunk: %w", err)
	}

	format := Format{
		SampleRate: int(decoder.SampleRate),
		Channels:   int(decoder.NumChans),
		BitDepth:   int(decoder.BitDepth),
	}

	// the container's own duration includes header bytes, so derive it from the PCM size
	var duration time.Duration
	bytesPerSecond := int64(format.SampleRate) * int64(format.Channels) * int64(format.BitDepth/8)
	if bytesPerSecond > 0 {
		duration = time.Duration(decoder.PCMLen() * int64(time.Second) / bytesPerSecond)
	}

	return &WAVInfo{
		Format:   format,
		Duration: duration,
		DataSize: decoder.PCMLen(),
	}, nil
}

// Verify checks that the WAV file at path has exactly the wanted format
func Verify(path string, want Format) (*WAVInfo, error) {
	info, err := Inspect(path)
	if err != nil {
		return nil, err
	}

	if info.Format != want {
		return info, fmt.Errorf("%w: got %s, want %s", ErrFormatMismatch, info.Format, want)
	}

	return info, nil
}

// WritePCM encodes samples as a WAV file at path
func WritePCM(path string, samples []int, format Format) error {
	if format.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", format.SampleRate)
	}
	if format.Channels <= 0 {
		return fmt.Errorf("channel count must be positive, got %d", format.Channels)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create WAV file: %w", err)
	}

	encoder := wav.NewEncoder(f, format.SampleRate, format.BitDepth, format.Channels, pcmFormat)
	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: format.Channels,
			SampleRate:  format.SampleRate,
		},
		Data:           samples,
		SourceBitDepth: format.BitDepth,
	}

	if err := encoder.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("failed to write audio data: %w", err)
	}

	if err := encoder.Close(); err != nil {
		f.Close()
		return fmt.Errorf("failed to finalize WAV header: %w", err)
	}

	return f.Close()
}

// WriteSilence writes a silent WAV file of the given duration
func WriteSilence(path string, duration time.Duration, format Format) error {
	frames := int(duration.Seconds() * float64(format.SampleRate))
	if frames <= 0 {
		return fmt.Errorf("silence duration must cover at least one frame, got %v", duration)
	}

	return WritePCM(path, make([]int, frames*format.Channels), format)
}
