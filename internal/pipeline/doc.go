// Package pipeline contains the two background workers that move chunks
// through the store.
//
// The converter worker takes raw chunks, normalizes them with the
// transcoder into 16 kHz mono 16-bit PCM WAV and hands them to the
// converted queue. The transcription worker runs recognition on converted
// chunks, corrects each segment and pushes one TranscriptUpdate per segment
// to the owning connection.
//
// Each stage deletes the file it finished consuming. A failure in one chunk
// is logged and the worker moves on to the next one.
package pipeline
