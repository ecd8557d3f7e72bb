package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/stt-stream-service/internal/metrics"
)

// sweepInterval is how often idle connections are checked
const sweepInterval = 30 * time.Second

// Socket is the write side of a client connection
type Socket interface {
	// WriteText sends one text frame.
	WriteText(data []byte) error
	// Close sends a close frame with code and reason, then closes the transport.
	Close(code int, reason string) error
	// Closed reports whether the socket can no longer be written to.
	Closed() bool
}

// TranscriptUpdate is the JSON message pushed to clients
type TranscriptUpdate struct {
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	Text      string  `json:"text"`
	IsStopped bool    `json:"isStopped"`
	Language  string  `json:"language"`
}

// Connection is one logical client audio stream
type Connection struct {
	ID         string
	RemoteAddr string
	StartTime  time.Time

	socket Socket

	paused  atomic.Bool
	stopped atomic.Bool

	lastActivity   atomic.Int64 // unix nanoseconds
	chunksReceived atomic.Uint64
	updatesSent    atomic.Uint64
}

// ConnectionInfo represents connection information for monitoring APIs
type ConnectionInfo struct {
	ID             string        `json:"id"`
	RemoteAddr     string        `json:"remote_addr"`
	StartTime      time.Time     `json:"start_time"`
	LastActivity   time.Time     `json:"last_activity"`
	Duration       time.Duration `json:"duration"`
	Paused         bool          `json:"paused"`
	Stopped        bool          `json:"stopped"`
	ChunksReceived uint64        `json:"chunks_received"`
	UpdatesSent    uint64        `json:"updates_sent"`
}

func newConnection(id string, socket Socket, remoteAddr string) *Connection {
	now := time.Now()
	c := &Connection{
		ID:         id,
		RemoteAddr: remoteAddr,
		StartTime:  now,
		socket:     socket,
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

// Socket returns the socket registered for the connection
func (c *Connection) Socket() Socket {
	return c.socket
}

// Pause marks the stream paused. Ingestion is not affected.
func (c *Connection) Pause() {
	c.paused.Store(true)
}

// Stop marks the stream stopped; chunks received from now on are flagged last.
func (c *Connection) Stop() {
	c.stopped.Store(true)
	c.paused.Store(true)
}

// IsPaused reports whether the client sent "pause" or "stop"
func (c *Connection) IsPaused() bool {
	return c.paused.Load()
}

// IsStopped reports whether the client sent "stop"
func (c *Connection) IsStopped() bool {
	return c.stopped.Load()
}

// Touch records client activity
func (c *Connection) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// RecordChunk counts an accepted audio chunk and records activity
func (c *Connection) RecordChunk() {
	c.chunksReceived.Add(1)
	c.Touch()
}

// LastActivity returns the time of the last client frame
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Info returns a monitoring snapshot of the connection
func (c *Connection) Info() ConnectionInfo {
	return ConnectionInfo{
		ID:             c.ID,
		RemoteAddr:     c.RemoteAddr,
		StartTime:      c.StartTime,
		LastActivity:   c.LastActivity(),
		Duration:       time.Since(c.StartTime),
		Paused:         c.IsPaused(),
		Stopped:        c.IsStopped(),
		ChunksReceived: c.chunksReceived.Load(),
		UpdatesSent:    c.updatesSent.Load(),
	}
}

// Registry maps connection ids to their open sockets
type Registry struct {
	connections map[string]*Connection
	mu          sync.RWMutex
	logger      *slog.Logger
	metrics     *metrics.Metrics
	idleTimeout time.Duration

	// Sweep management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewRegistry creates a registry. A positive idleTimeout starts a background
// sweep that closes connections without client activity for that long.
func NewRegistry(logger *slog.Logger, idleTimeout time.Duration, m *metrics.Metrics) *Registry {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Registry{
		connections: make(map[string]*Connection),
		logger:      logger.With("component", "registry"),
		metrics:     m,
		idleTimeout: idleTimeout,
		ctx:         ctx,
		cancel:      cancel,
		cleanup:     make(chan struct{}),
	}

	if idleTimeout > 0 {
		go r.startSweepRoutine()
	} else {
		close(r.cleanup)
	}

	return r
}

// Register stores socket under id, replacing any previous entry
func (r *Registry) Register(id string, socket Socket, remoteAddr string) *Connection {
	conn := newConnection(id, socket, remoteAddr)

	r.mu.Lock()
	_, replaced := r.connections[id]
	r.connections[id] = conn
	r.mu.Unlock()

	if replaced {
		r.logger.Warn("Connection id re-registered, previous socket no longer receives updates",
			slog.String("connection_id", id),
			slog.String("remote_addr", remoteAddr),
		)
	}

	r.logger.Info("Registered connection",
		slog.String("connection_id", id),
		slog.String("remote_addr", remoteAddr),
	)

	return conn
}

// Get retrieves a registered connection
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.connections[id]
	return conn, exists
}

// Send pushes update to the socket registered under id as a compact JSON text
// frame. It is a silent no-op when the id is unknown or the socket is closed.
func (r *Registry) Send(id string, update TranscriptUpdate) bool {
	conn, exists := r.Get(id)
	if !exists {
		r.metrics.RecordUpdateDropped("no_connection")
		return false
	}

	if conn.socket.Closed() {
		r.metrics.RecordUpdateDropped("closed")
		return false
	}

	data, err := json.Marshal(update)
	if err != nil {
		r.metrics.RecordUpdateDropped("encode_error")
		r.logger.Error("Failed to encode transcript update",
			slog.String("connection_id", id),
			slog.String("error", err.Error()),
		)
		return false
	}

	if err := conn.socket.WriteText(data); err != nil {
		r.metrics.RecordUpdateDropped("write_error")
		r.logger.Debug("Failed to deliver transcript update",
			slog.String("connection_id", id),
			slog.String("error", err.Error()),
		)
		return false
	}

	conn.updatesSent.Add(1)
	conn.Touch()
	r.metrics.RecordUpdateDelivered()
	return true
}

// Remove deletes the entry for id and closes its socket with a normal closure
func (r *Registry) Remove(id string, reason string) bool {
	r.mu.Lock()
	conn, exists := r.connections[id]
	if exists {
		delete(r.connections, id)
	}
	r.mu.Unlock()

	if !exists {
		return false
	}

	r.closeSocket(conn, websocket.CloseNormalClosure, reason)

	r.logger.Info("Connection removed",
		slog.String("connection_id", id),
		slog.String("reason", reason),
		slog.Duration("duration", time.Since(conn.StartTime)),
	)

	return true
}

// Unregister deletes the entry for id only while it still refers to socket
func (r *Registry) Unregister(id string, socket Socket) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.connections[id]
	if !exists || conn.socket != socket {
		return false
	}

	delete(r.connections, id)
	return true
}

// Count returns the number of registered connections
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// All returns a snapshot of all registered connections (for monitoring)
func (r *Registry) All() []ConnectionInfo {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	infos := make([]ConnectionInfo, 0, len(conns))
	for _, conn := range conns {
		infos = append(infos, conn.Info())
	}
	return infos
}

// CloseAll closes every registered socket with a going-away closure
func (r *Registry) CloseAll(reason string) int {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.connections))
	for id, conn := range r.connections {
		conns = append(conns, conn)
		delete(r.connections, id)
	}
	r.mu.Unlock()

	for _, conn := range conns {
		r.closeSocket(conn, websocket.CloseGoingAway, reason)
	}

	if len(conns) > 0 {
		r.logger.Info("Closed all connections",
			slog.Int("count", len(conns)),
			slog.String("reason", reason),
		)
	}
	return len(conns)
}

// Stop halts the idle sweep
func (r *Registry) Stop() {
	r.cancel()
	<-r.cleanup
}

func (r *Registry) closeSocket(conn *Connection, code int, reason string) {
	if conn.socket.Closed() {
		return
	}
	if err := conn.socket.Close(code, reason); err != nil {
		r.logger.Debug("Error closing socket",
			slog.String("connection_id", conn.ID),
			slog.String("error", err.Error()),
		)
	}
}

// startSweepRoutine runs in a separate goroutine to close idle connections
func (r *Registry) startSweepRoutine() {
	defer close(r.cleanup)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	r.logger.Info("Idle connection sweep started",
		slog.Duration("timeout", r.idleTimeout),
		slog.Duration("check_interval", sweepInterval),
	)

	for {
		select {
		case <-r.ctx.Done():
			r.logger.Info("Idle connection sweep stopping")
			return

		case <-ticker.C:
			r.sweepIdle(time.Now())
		}
	}
}

// sweepIdle removes connections that have been inactive for longer than the idle timeout
func (r *Registry) sweepIdle(now time.Time) int {
	expired := r.idleConnections(now)
	if len(expired) == 0 {
		return 0
	}

	removed := 0
	for id, conn := range expired {
		if r.removeIfIdle(id, conn, now) {
			removed++
		}
	}

	r.logger.Info("Closed idle connections",
		slog.Int("expired_count", len(expired)),
		slog.Int("removed_count", removed),
	)
	return removed
}

func (r *Registry) idleConnections(now time.Time) map[string]*Connection {
	expired := make(map[string]*Connection)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, conn := range r.connections {
		if now.Sub(conn.LastActivity()) > r.idleTimeout {
			expired[id] = conn
		}
	}
	return expired
}

// removeIfIdle removes id only while it still maps to conn and conn is still idle.
// A reconnect or fresh activity after the scan keeps the entry.
func (r *Registry) removeIfIdle(id string, conn *Connection, now time.Time) bool {
	r.mu.Lock()
	current, exists := r.connections[id]
	if !exists || current != conn || now.Sub(conn.LastActivity()) <= r.idleTimeout {
		r.mu.Unlock()
		return false
	}
	delete(r.connections, id)
	r.mu.Unlock()

	r.closeSocket(conn, websocket.CloseNormalClosure, "idle timeout")
	r.logger.Info("Connection removed",
		slog.String("connection_id", id),
		slog.String("reason", "idle timeout"),
		slog.Duration("duration", time.Since(conn.StartTime)),
	)
	return true
}
