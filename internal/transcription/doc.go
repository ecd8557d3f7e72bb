// Package transcription provides speech recognition engines.
//
// An Engine reads one fixed-format PCM WAV file and returns a lazy, finite
// sequence of timestamped segments. The OpenAI engine talks to any
// OpenAI-compatible /audio/transcriptions endpoint; the stub engine derives
// placeholder segments from the clip duration for offline runs.
package transcription
