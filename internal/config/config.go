package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Fixed output format the transcription engine expects.
const (
	RequiredSampleRate = 16000
	RequiredChannels   = 1
	RequiredBitDepth   = 16
)

// Overflow policies for the raw chunk queue
const (
	OverflowBlock      = "block"
	OverflowReject     = "reject"
	OverflowDropOldest = "drop_oldest"
)

// Transcription engine kinds
const (
	EngineOpenAI = "openai"
	EngineStub   = "stub"
)

// Config represents the complete service configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Scratch       ScratchConfig       `yaml:"scratch"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Converter     ConverterConfig     `yaml:"converter"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Correction    CorrectionConfig    `yaml:"correction"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig contains the WebSocket gateway and monitoring API configuration
type ServerConfig struct {
	Port              int    `yaml:"port"`
	BindAddress       string `yaml:"bind_address"`
	StreamPath        string `yaml:"stream_path"`
	MaxFrameBytes     int64  `yaml:"max_frame_bytes"`
	IdleTimeout       int    `yaml:"idle_timeout"`     // seconds, 0 disables
	ShutdownTimeout   int    `yaml:"shutdown_timeout"` // seconds
	MonitoringEnabled bool   `yaml:"monitoring_enabled"`
}

// ScratchConfig contains hand-off directories between pipeline stages
type ScratchConfig struct {
	RawDir       string `yaml:"raw_dir"`
	ConvertedDir string `yaml:"converted_dir"`
}

// PipelineConfig contains chunk queue parameters
type PipelineConfig struct {
	QueueCapacity  int    `yaml:"queue_capacity"`
	OverflowPolicy string `yaml:"overflow_policy"`
}

// ConverterConfig contains the external transcoder configuration
type ConverterConfig struct {
	Binary       string `yaml:"binary"`
	SampleRate   int    `yaml:"sample_rate"`
	Channels     int    `yaml:"channels"`
	BitDepth     int    `yaml:"bit_depth"`
	Timeout      int    `yaml:"timeout"` // seconds
	MaxProcesses int    `yaml:"max_processes"`
}

// TranscriptionConfig contains speech recognition engine configuration
type TranscriptionConfig struct {
	Engine     string `yaml:"engine"`
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	Language   string `yaml:"language"`
	Timeout    int    `yaml:"timeout"` // seconds
	MaxRetries int    `yaml:"max_retries"`
	Warmup     bool   `yaml:"warmup"`
}

// CorrectionConfig contains the transcript correction collaborator configuration
type CorrectionConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Prompt      string  `yaml:"prompt"`
	Temperature float64 `yaml:"temperature"`
	Timeout     int     `yaml:"timeout"` // seconds
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used when a field is absent from the file
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:              8080,
			BindAddress:       "0.0.0.0",
			StreamPath:        "/ws/transcribe",
			MaxFrameBytes:     16 << 20,
			IdleTimeout:       300,
			ShutdownTimeout:   10,
			MonitoringEnabled: true,
		},
		Scratch: ScratchConfig{
			RawDir:       "/tmp/stt-stream/raw",
			ConvertedDir: "/tmp/stt-stream/converted",
		},
		Pipeline: PipelineConfig{
			QueueCapacity:  256,
			OverflowPolicy: OverflowBlock,
		},
		Converter: ConverterConfig{
			Binary:       "ffmpeg",
			SampleRate:   RequiredSampleRate,
			Channels:     RequiredChannels,
			BitDepth:     RequiredBitDepth,
			Timeout:      30,
			MaxProcesses: 1,
		},
		Transcription: TranscriptionConfig{
			Engine:     EngineOpenAI,
			Endpoint:   "http://127.0.0.1:8000/v1",
			Model:      "whisper-1",
			Timeout:    60,
			MaxRetries: 2,
			Warmup:     true,
		},
		Correction: CorrectionConfig{
			Enabled:     false,
			Endpoint:    "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Temperature: 0,
			Timeout:     15,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file, applying environment overrides
func Load(path string) (*Config, error) {
	return LoadWithLookup(path, os.LookupEnv)
}

// LoadWithLookup is Load with an injectable environment lookup. An empty path
// skips the file and yields defaults plus overrides.
func LoadWithLookup(path string, lookup func(string) (string, bool)) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := config.applyEnv(lookup); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		return nil
	}

	overrideString(lookup, "STT_BIND_ADDRESS", &c.Server.BindAddress)
	overrideString(lookup, "STT_LOG_LEVEL", &c.Logging.Level)
	overrideString(lookup, "STT_LOG_FORMAT", &c.Logging.Format)
	overrideString(lookup, "STT_SCRATCH_RAW_DIR", &c.Scratch.RawDir)
	overrideString(lookup, "STT_SCRATCH_CONVERTED_DIR", &c.Scratch.ConvertedDir)
	overrideString(lookup, "STT_FFMPEG_BINARY", &c.Converter.Binary)
	overrideString(lookup, "STT_TRANSCRIPTION_ENGINE", &c.Transcription.Engine)
	overrideString(lookup, "STT_TRANSCRIPTION_ENDPOINT", &c.Transcription.Endpoint)
	overrideString(lookup, "STT_TRANSCRIPTION_MODEL", &c.Transcription.Model)
	overrideString(lookup, "STT_TRANSCRIPTION_LANGUAGE", &c.Transcription.Language)
	overrideString(lookup, "STT_CORRECTION_ENDPOINT", &c.Correction.Endpoint)
	overrideString(lookup, "STT_CORRECTION_MODEL", &c.Correction.Model)

	// OPENAI_API_KEY is the fallback for both collaborators
	overrideString(lookup, "OPENAI_API_KEY", &c.Transcription.APIKey)
	overrideString(lookup, "OPENAI_API_KEY", &c.Correction.APIKey)
	overrideString(lookup, "STT_TRANSCRIPTION_API_KEY", &c.Transcription.APIKey)
	overrideString(lookup, "STT_CORRECTION_API_KEY", &c.Correction.APIKey)

	if value, ok := lookup("STT_PORT"); ok && strings.TrimSpace(value) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("STT_PORT: %w", err)
		}
		c.Server.Port = port
	}

	if value, ok := lookup("STT_CORRECTION_ENABLED"); ok && strings.TrimSpace(value) != "" {
		enabled, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("STT_CORRECTION_ENABLED: %w", err)
		}
		c.Correction.Enabled = enabled
	}

	return nil
}

func overrideString(lookup func(string) (string, bool), key string, target *string) {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Scratch.Validate(); err != nil {
		return fmt.Errorf("scratch config: %w", err)
	}

	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline config: %w", err)
	}

	if err := c.Converter.Validate(); err != nil {
		return fmt.Errorf("converter config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Correction.Validate(); err != nil {
		return fmt.Errorf("correction config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if !strings.HasPrefix(s.StreamPath, "/") {
		return fmt.Errorf("stream_path must start with '/', got '%s'", s.StreamPath)
	}

	if s.StreamPath == "/" {
		return fmt.Errorf("stream_path cannot be the root path")
	}

	if s.MaxFrameBytes < 1024 {
		return fmt.Errorf("max_frame_bytes must be at least 1024 bytes, got %d", s.MaxFrameBytes)
	}

	if s.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout cannot be negative, got %d", s.IdleTimeout)
	}

	if s.ShutdownTimeout < 1 {
		return fmt.Errorf("shutdown_timeout must be at least 1 second, got %d", s.ShutdownTimeout)
	}

	return nil
}

// Validate validates scratch directory configuration
func (s *ScratchConfig) Validate() error {
	if s.RawDir == "" {
		return fmt.Errorf("raw_dir cannot be empty")
	}

	if s.ConvertedDir == "" {
		return fmt.Errorf("converted_dir cannot be empty")
	}

	return nil
}

// Validate validates pipeline configuration
func (p *PipelineConfig) Validate() error {
	if p.QueueCapacity < 1 {
		return fmt.Errorf("queue_capacity must be at least 1, got %d", p.QueueCapacity)
	}

	switch p.OverflowPolicy {
	case OverflowBlock, OverflowReject, OverflowDropOldest:
	default:
		return fmt.Errorf("overflow_policy must be one of [block, reject, drop_oldest], got '%s'", p.OverflowPolicy)
	}

	return nil
}

// Validate validates converter configuration
func (c *ConverterConfig) Validate() error {
	if c.Binary == "" {
		return fmt.Errorf("binary cannot be empty")
	}

	if c.SampleRate != RequiredSampleRate {
		return fmt.Errorf("sample_rate must be %d Hz for the transcription engine, got %d", RequiredSampleRate, c.SampleRate)
	}

	if c.Channels != RequiredChannels {
		return fmt.Errorf("channels must be %d (mono) for the transcription engine, got %d", RequiredChannels, c.Channels)
	}

	if c.BitDepth != RequiredBitDepth {
		return fmt.Errorf("bit_depth must be %d for the transcription engine, got %d", RequiredBitDepth, c.BitDepth)
	}

	if c.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", c.Timeout)
	}

	if c.MaxProcesses < 1 {
		return fmt.Errorf("max_processes must be at least 1, got %d", c.MaxProcesses)
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	switch t.Engine {
	case EngineOpenAI:
		if t.Endpoint == "" {
			return fmt.Errorf("endpoint cannot be empty for the openai engine")
		}
		if t.Model == "" {
			return fmt.Errorf("model cannot be empty for the openai engine")
		}
	case EngineStub:
	default:
		return fmt.Errorf("engine must be 'openai' or 'stub', got '%s'", t.Engine)
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries)
	}

	return nil
}

// Validate validates correction configuration
func (c *CorrectionConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty when correction is enabled")
	}

	if c.Model == "" {
		return fmt.Errorf("model cannot be empty when correction is enabled")
	}

	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", c.Temperature)
	}

	if c.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", c.Timeout)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetIdleTimeoutDuration returns the connection idle timeout as a time.Duration
func (s *ServerConfig) GetIdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// GetShutdownTimeoutDuration returns the graceful shutdown budget
func (s *ServerConfig) GetShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// GetTimeoutDuration returns the per-process transcoder deadline
func (c *ConverterConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// GetTimeoutDuration returns the transcription request timeout
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetTimeoutDuration returns the correction request timeout
func (c *CorrectionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}
