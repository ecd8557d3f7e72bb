// Package audio reads and writes PCM WAV files.
// It verifies transcoder output against the fixed speech format and generates
// silent clips used to warm up the transcription engine.
package audio
