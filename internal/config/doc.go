// Package config provides configuration loading and validation for the streaming transcription service.
// It decodes a YAML file over built-in defaults, applies STT_* environment overrides,
// and validates every section before the service starts.
package config
