// Package server implements the WebSocket gateway that receives client audio
// streams and the HTTP server hosting it next to the monitoring endpoints.
//
// Each accepted connection runs one read loop. Binary frames are persisted to
// the raw scratch directory and queued as raw chunks; text frames "stop" and
// "pause" update the connection flags. Transcript updates flow back through
// the stream registry.
package server
