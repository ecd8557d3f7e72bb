package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/skypro1111/stt-stream-service/internal/chunk"
	"github.com/skypro1111/stt-stream-service/internal/metrics"
	"github.com/skypro1111/stt-stream-service/internal/stream"
)

const (
	// ConnectionIDHeader carries the connection id on the upgrade request and response
	ConnectionIDHeader = "X-Connection-Id"
	connectionIDQuery  = "connection_id"

	commandStop  = "stop"
	commandPause = "pause"

	writeWait       = 10 * time.Second
	rawChunkExt     = ".webm"
	maxConnectionID = 128
)

var errSocketClosed = errors.New("socket closed")

// GatewayConfig contains WebSocket gateway configuration
type GatewayConfig struct {
	RawDir        string
	MaxFrameBytes int64
}

// Gateway accepts audio streams over WebSocket and feeds the raw queue
type Gateway struct {
	config   GatewayConfig
	store    *chunk.Store
	registry *stream.Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	// Concurrency management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Counters
	connectionsAccepted atomic.Uint64
	framesReceived      atomic.Uint64
	chunksQueued        atomic.Uint64
	chunksDropped       atomic.Uint64
	emptyFrames         atomic.Uint64
	controlMessages     atomic.Uint64
}

// GatewayStatistics represents gateway counters
type GatewayStatistics struct {
	ConnectionsAccepted uint64 `json:"connections_accepted"`
	ActiveConnections   uint64 `json:"active_connections"`
	FramesReceived      uint64 `json:"frames_received"`
	ChunksQueued        uint64 `json:"chunks_queued"`
	ChunksDropped       uint64 `json:"chunks_dropped"`
	EmptyFrames         uint64 `json:"empty_frames"`
	ControlMessages     uint64 `json:"control_messages"`
}

// NewGateway creates a new WebSocket gateway
func NewGateway(cfg GatewayConfig, store *chunk.Store, registry *stream.Registry, logger *slog.Logger, m *metrics.Metrics) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())

	return &Gateway{
		config:   cfg,
		store:    store,
		registry: registry,
		logger:   logger.With("component", "gateway"),
		metrics:  m,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// ServeHTTP upgrades the request and runs the connection read loop
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.ctx.Err() != nil {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}

	id := connectionID(r)
	header := http.Header{}
	header.Set(ConnectionIDHeader, id)

	ws, err := g.upgrader.Upgrade(w, r, header)
	if err != nil {
		// Upgrade already wrote the HTTP error response
		g.logger.Warn("WebSocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	g.wg.Add(1)
	defer g.wg.Done()

	g.serve(ws, id, r.RemoteAddr)
}

// Close cancels pending chunk hand-offs and waits for read loops to exit.
// Sockets are closed separately through the registry.
func (g *Gateway) Close(ctx context.Context) error {
	g.cancel()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for connections to finish: %w", ctx.Err())
	}
}

// GetStatistics returns current gateway statistics
func (g *Gateway) GetStatistics() GatewayStatistics {
	return GatewayStatistics{
		ConnectionsAccepted: g.connectionsAccepted.Load(),
		ActiveConnections:   uint64(g.registry.Count()),
		FramesReceived:      g.framesReceived.Load(),
		ChunksQueued:        g.chunksQueued.Load(),
		ChunksDropped:       g.chunksDropped.Load(),
		EmptyFrames:         g.emptyFrames.Load(),
		ControlMessages:     g.controlMessages.Load(),
	}
}

// serve is the per-connection read loop
func (g *Gateway) serve(ws *websocket.Conn, id, remoteAddr string) {
	socket := newWSSocket(ws)
	conn := g.registry.Register(id, socket, remoteAddr)

	g.connectionsAccepted.Add(1)
	g.metrics.RecordConnectionOpened()

	logger := g.logger.With(
		slog.String("connection_id", id),
		slog.String("remote_addr", remoteAddr),
	)
	logger.Info("Connection opened")

	defer g.teardown(conn, socket, logger)

	if g.config.MaxFrameBytes > 0 {
		ws.SetReadLimit(g.config.MaxFrameBytes)
	}

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			switch {
			case socket.Closed():
				logger.Debug("Read loop ended after server-side close")
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				logger.Debug("Client closed connection", slog.String("reason", err.Error()))
			default:
				logger.Warn("Connection read failed", slog.String("error", err.Error()))
			}
			return
		}

		conn.Touch()
		g.framesReceived.Add(1)

		switch messageType {
		case websocket.BinaryMessage:
			g.handleAudio(conn, data, logger)
		case websocket.TextMessage:
			g.handleControl(conn, string(data), logger)
		}
	}
}

// handleAudio persists one binary frame and queues it as a raw chunk
func (g *Gateway) handleAudio(conn *stream.Connection, data []byte, logger *slog.Logger) {
	if len(data) == 0 {
		g.emptyFrames.Add(1)
		g.metrics.RecordFrame("empty")
		logger.Debug("Ignoring empty audio frame")
		return
	}
	g.metrics.RecordFrame("binary")

	raw := chunk.NewRawChunk(conn.ID, "", len(data), conn.IsStopped())
	raw.FilePath = filepath.Join(g.config.RawDir, raw.ID+rawChunkExt)

	if err := os.WriteFile(raw.FilePath, data, 0o600); err != nil {
		g.chunksDropped.Add(1)
		logger.Error("Failed to persist audio frame",
			slog.String("path", raw.FilePath),
			slog.String("error", err.Error()),
		)
		chunk.RemoveFile(logger, raw.FilePath)
		return
	}

	err := g.store.EnqueueRaw(g.ctx, raw)
	switch {
	case err == nil:
	case errors.Is(err, chunk.ErrQueueFull):
		// the store already removed the file
		g.chunksDropped.Add(1)
		logger.Warn("Raw queue full, audio chunk rejected", slog.String("chunk_id", raw.ID))
		return
	default:
		g.chunksDropped.Add(1)
		logger.Warn("Audio chunk not queued",
			slog.String("chunk_id", raw.ID),
			slog.String("error", err.Error()),
		)
		chunk.RemoveFile(logger, raw.FilePath)
		return
	}

	conn.RecordChunk()
	g.chunksQueued.Add(1)
	g.metrics.RecordChunkReceived(len(data))

	logger.Debug("Audio chunk queued",
		slog.String("chunk_id", raw.ID),
		slog.Int("size", len(data)),
		slog.Bool("is_last", raw.IsLast),
	)
}

// handleControl applies a text control message to the connection flags
func (g *Gateway) handleControl(conn *stream.Connection, text string, logger *slog.Logger) {
	g.controlMessages.Add(1)

	switch text {
	case commandStop:
		conn.Stop()
		g.metrics.RecordControlCommand(commandStop)
		logger.Info("Stop requested, next audio chunk is final")
	case commandPause:
		conn.Pause()
		g.metrics.RecordControlCommand(commandPause)
		logger.Info("Pause requested")
	default:
		g.metrics.RecordControlCommand("unknown")
		logger.Warn("Ignoring unknown control message", slog.String("message", truncate(text, 64)))
	}
}

func (g *Gateway) teardown(conn *stream.Connection, socket *wsSocket, logger *slog.Logger) {
	g.registry.Unregister(conn.ID, socket)

	if !socket.Closed() {
		if err := socket.Close(websocket.CloseNormalClosure, "stream ended"); err != nil {
			logger.Debug("Error closing socket", slog.String("error", err.Error()))
		}
	}

	info := conn.Info()
	g.metrics.RecordConnectionClosed(time.Since(conn.StartTime).Seconds())
	logger.Info("Connection closed",
		slog.Uint64("chunks_received", info.ChunksReceived),
		slog.Uint64("updates_sent", info.UpdatesSent),
		slog.Duration("duration", time.Since(conn.StartTime)),
	)
}

// connectionID picks the client supplied id or generates a new one
func connectionID(r *http.Request) string {
	id := r.URL.Query().Get(connectionIDQuery)
	if id == "" {
		id = r.Header.Get(ConnectionIDHeader)
	}
	if id == "" || len(id) > maxConnectionID {
		return uuid.NewString()
	}
	return id
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}

// wsSocket adapts a gorilla connection to stream.Socket. gorilla allows one
// concurrent writer, so writes are serialized.
type wsSocket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
}

func newWSSocket(conn *websocket.Conn) *wsSocket {
	return &wsSocket{conn: conn}
}

// WriteText sends one text frame
func (s *wsSocket) WriteText(data []byte) error {
	if s.closed.Load() {
		return errSocketClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame with code and reason, then closes the connection.
// Only the first call has an effect.
func (s *wsSocket) Close(code int, reason string) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	writeErr := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	closeErr := s.conn.Close()

	return errors.Join(writeErr, closeErr)
}

// Closed reports whether Close has been called
func (s *wsSocket) Closed() bool {
	return s.closed.Load()
}
