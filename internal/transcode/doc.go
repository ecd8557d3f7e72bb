// Package transcode runs the external transcoder that normalizes browser audio
// into mono 16-bit 16 kHz WAV.
package transcode
