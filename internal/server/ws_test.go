package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/stt-stream-service/internal/audio"
	"github.com/skypro1111/stt-stream-service/internal/chunk"
	"github.com/skypro1111/stt-stream-service/internal/config"
	"github.com/skypro1111/stt-stream-service/internal/correction"
	"github.com/skypro1111/stt-stream-service/internal/metrics"
	"github.com/skypro1111/stt-stream-service/internal/pipeline"
	"github.com/skypro1111/stt-stream-service/internal/stream"
	"github.com/skypro1111/stt-stream-service/internal/transcription"
)

const waitFor = 5 * time.Second

// silenceTranscoder ignores the input container and writes one second of silence.
type silenceTranscoder struct{}

func (silenceTranscoder) Convert(_ context.Context, _, dst string) error {
	return audio.WriteSilence(dst, time.Second, audio.Format{SampleRate: 16000, Channels: 1, BitDepth: 16})
}

type harness struct {
	cfg      *config.Config
	store    *chunk.Store
	registry *stream.Registry
	gateway  *Gateway
	promReg  *prometheus.Registry
	ts       *httptest.Server
	wsURL    string
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newHarness serves a gateway on httptest. With withPipeline set, both workers
// run using a silence transcoder and the stub engine.
func newHarness(t *testing.T, withPipeline bool, mutate func(*config.Config)) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.Scratch.RawDir = t.TempDir()
	cfg.Scratch.ConvertedDir = t.TempDir()
	cfg.Server.IdleTimeout = 0
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())

	logger := testLogger()
	promReg := prometheus.NewRegistry()
	m := metrics.NewMetrics(promReg)

	policy, err := chunk.ParsePolicy(cfg.Pipeline.OverflowPolicy)
	require.NoError(t, err)

	store := chunk.NewStore(chunk.StoreConfig{Capacity: cfg.Pipeline.QueueCapacity, OverflowPolicy: policy}, logger, m)
	registry := stream.NewRegistry(logger, cfg.Server.GetIdleTimeoutDuration(), m)
	gateway := NewGateway(GatewayConfig{RawDir: cfg.Scratch.RawDir, MaxFrameBytes: cfg.Server.MaxFrameBytes}, store, registry, logger, m)

	components := Components{Gateway: gateway, Registry: registry, Store: store}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 2)

	if withPipeline {
		engine := transcription.NewStubEngine(logger, "en")
		components.Converter = pipeline.NewConverterWorker(store, silenceTranscoder{}, cfg.Scratch.ConvertedDir,
			audio.Format{SampleRate: 16000, Channels: 1, BitDepth: 16}, logger, m)
		components.Transcriber = pipeline.NewTranscriptionWorker(store, engine, correction.Passthrough{}, registry, logger, m)
		components.Engine = engine

		for _, run := range []func(context.Context) error{components.Converter.Run, components.Transcriber.Run} {
			go func(run func(context.Context) error) {
				_ = run(ctx)
				done <- struct{}{}
			}(run)
		}
	}

	srv := NewHTTPServer(&cfg, components, logger, m, promReg)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		registry.CloseAll("test finished")

		closeCtx, closeCancel := context.WithTimeout(context.Background(), waitFor)
		defer closeCancel()
		assert.NoError(t, gateway.Close(closeCtx))

		cancel()
		if withPipeline {
			<-done
			<-done
		}

		ts.Close()
		store.Drain()
		registry.Stop()
	})

	return &harness{
		cfg:      &cfg,
		store:    store,
		registry: registry,
		gateway:  gateway,
		promReg:  promReg,
		ts:       ts,
		wsURL:    "ws" + strings.TrimPrefix(ts.URL, "http") + cfg.Server.StreamPath,
	}
}

func (h *harness) dial(t *testing.T, query string, header http.Header) (*websocket.Conn, *http.Response) {
	t.Helper()

	url := h.wsURL
	if query != "" {
		url += "?" + query
	}

	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, resp
}

func (h *harness) waitRaw(t *testing.T) chunk.RawChunk {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	raw, err := h.store.WaitRaw(ctx)
	require.NoError(t, err)
	return raw
}

func (h *harness) waitStats(t *testing.T, cond func(GatewayStatistics) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		return cond(h.gateway.GetStatistics())
	}, waitFor, 10*time.Millisecond)
}

func readUpdate(t *testing.T, conn *websocket.Conn) stream.TranscriptUpdate {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	var update stream.TranscriptUpdate
	require.NoError(t, conn.ReadJSON(&update))
	return update
}

func TestGatewayConnectionID(t *testing.T) {
	h := newHarness(t, false, nil)

	_, resp := h.dial(t, "connection_id=from-query", nil)
	assert.Equal(t, "from-query", resp.Header.Get(ConnectionIDHeader))

	header := http.Header{}
	header.Set(ConnectionIDHeader, "from-header")
	_, resp = h.dial(t, "", header)
	assert.Equal(t, "from-header", resp.Header.Get(ConnectionIDHeader))

	_, resp = h.dial(t, "", nil)
	generated := resp.Header.Get(ConnectionIDHeader)
	_, err := uuid.Parse(generated)
	assert.NoError(t, err, "expected a generated UUID, got %q", generated)

	require.Eventually(t, func() bool { return h.registry.Count() == 3 }, waitFor, 10*time.Millisecond)
	for _, id := range []string{"from-query", "from-header", generated} {
		_, exists := h.registry.Get(id)
		assert.True(t, exists, "connection %s should be registered", id)
	}
}

func TestGatewayStopMarksNextChunkLast(t *testing.T) {
	h := newHarness(t, false, nil)
	conn, _ := h.dial(t, "connection_id=c1", nil)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("chunk-a")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("stop")))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("chunk-b")))

	a := h.waitRaw(t)
	b := h.waitRaw(t)

	assert.Equal(t, "c1", a.ConnectionID)
	assert.False(t, a.IsLast)
	assert.True(t, b.IsLast)

	data, err := os.ReadFile(a.FilePath)
	require.NoError(t, err)
	assert.Equal(t, "chunk-a", string(data))
	assert.Equal(t, len("chunk-a"), a.Size)

	data, err = os.ReadFile(b.FilePath)
	require.NoError(t, err)
	assert.Equal(t, "chunk-b", string(data))

	c, exists := h.registry.Get("c1")
	require.True(t, exists)
	assert.True(t, c.IsStopped())
	assert.True(t, c.IsPaused())
}

func TestGatewayIgnoresEmptyAndUnknownFrames(t *testing.T) {
	h := newHarness(t, false, nil)
	conn, _ := h.dial(t, "connection_id=c1", nil)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, nil))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("STOP")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	h.waitStats(t, func(s GatewayStatistics) bool { return s.ControlMessages == 2 })

	_, ok := h.store.DequeueRaw()
	assert.False(t, ok, "no chunk expected for empty frames")

	c, exists := h.registry.Get("c1")
	require.True(t, exists)
	assert.False(t, c.IsStopped(), "control messages are case-sensitive")

	stats := h.gateway.GetStatistics()
	assert.Equal(t, uint64(1), stats.EmptyFrames)
	assert.Equal(t, uint64(2), stats.ControlMessages)
	assert.Equal(t, uint64(0), stats.ChunksQueued)
}

func TestGatewayPauseKeepsIngesting(t *testing.T) {
	h := newHarness(t, false, nil)
	conn, _ := h.dial(t, "connection_id=c1", nil)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("pause")))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("still recording")))

	raw := h.waitRaw(t)
	assert.False(t, raw.IsLast)

	c, exists := h.registry.Get("c1")
	require.True(t, exists)
	assert.True(t, c.IsPaused())
	assert.False(t, c.IsStopped())
}

func TestGatewayRejectsWhenQueueFull(t *testing.T) {
	h := newHarness(t, false, func(c *config.Config) {
		c.Pipeline.QueueCapacity = 1
		c.Pipeline.OverflowPolicy = config.OverflowReject
	})
	conn, _ := h.dial(t, "connection_id=c1", nil)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("kept")))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("rejected")))
	h.waitStats(t, func(s GatewayStatistics) bool { return s.ChunksDropped == 1 })

	stats := h.gateway.GetStatistics()
	assert.Equal(t, uint64(1), stats.ChunksQueued)
	assert.Equal(t, uint64(1), stats.ChunksDropped)

	raw := h.waitRaw(t)
	data, err := os.ReadFile(raw.FilePath)
	require.NoError(t, err)
	assert.Equal(t, "kept", string(data))

	entries, err := os.ReadDir(h.cfg.Scratch.RawDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "rejected chunk file must be removed")
}

func TestGatewayOversizedFrameClosesConnection(t *testing.T) {
	h := newHarness(t, false, func(c *config.Config) {
		c.Server.MaxFrameBytes = 1024
	})
	conn, _ := h.dial(t, "connection_id=c1", nil)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, make([]byte, 4096)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseMessageTooBig), "unexpected error: %v", err)

	require.Eventually(t, func() bool { return h.registry.Count() == 0 }, waitFor, 10*time.Millisecond)
}

func TestGatewayUnregistersOnClientClose(t *testing.T) {
	h := newHarness(t, false, nil)
	conn, _ := h.dial(t, "connection_id=c1", nil)

	require.Eventually(t, func() bool { return h.registry.Count() == 1 }, waitFor, 10*time.Millisecond)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	require.NoError(t, conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	require.Eventually(t, func() bool { return h.registry.Count() == 0 }, waitFor, 10*time.Millisecond)
	assert.False(t, h.registry.Send("c1", stream.TranscriptUpdate{Text: "late"}))
}

func TestRegistryRemoveClosesClient(t *testing.T) {
	h := newHarness(t, false, nil)
	conn, _ := h.dial(t, "connection_id=c1", nil)

	require.Eventually(t, func() bool {
		_, exists := h.registry.Get("c1")
		return exists
	}, waitFor, 10*time.Millisecond)

	require.True(t, h.registry.Remove("c1", "session over"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, "session over", closeErr.Text)
}

func TestReconnectReplacesDeliveryTarget(t *testing.T) {
	h := newHarness(t, false, nil)
	first, _ := h.dial(t, "connection_id=same", nil)
	require.Eventually(t, func() bool { return h.registry.Count() == 1 }, waitFor, 10*time.Millisecond)

	second, _ := h.dial(t, "connection_id=same", nil)
	h.waitStats(t, func(s GatewayStatistics) bool { return s.ConnectionsAccepted == 2 })
	assert.Equal(t, 1, h.registry.Count())

	require.True(t, h.registry.Send("same", stream.TranscriptUpdate{Text: "fresh"}))
	assert.Equal(t, "fresh", readUpdate(t, second).Text)

	// the old socket stays open but receives nothing
	require.NoError(t, first.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := first.ReadMessage()
	var netErr interface{ Timeout() bool }
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func TestEndToEndTranscription(t *testing.T) {
	h := newHarness(t, true, nil)
	c1, _ := h.dial(t, "connection_id=c1", nil)
	c2, _ := h.dial(t, "connection_id=c2", nil)

	require.NoError(t, c1.WriteMessage(websocket.BinaryMessage, []byte("A")))
	require.NoError(t, c2.WriteMessage(websocket.TextMessage, []byte("stop")))
	require.NoError(t, c2.WriteMessage(websocket.BinaryMessage, []byte("X")))
	require.NoError(t, c1.WriteMessage(websocket.TextMessage, []byte("stop")))
	require.NoError(t, c1.WriteMessage(websocket.BinaryMessage, []byte("B")))

	first := readUpdate(t, c1)
	assert.Equal(t, "[stub] 0.00s-1.00s", first.Text)
	assert.Equal(t, 0.0, first.Start)
	assert.Equal(t, 1.0, first.End)
	assert.Equal(t, "en", first.Language)
	assert.False(t, first.IsStopped)

	last := readUpdate(t, c1)
	assert.True(t, last.IsStopped)

	other := readUpdate(t, c2)
	assert.True(t, other.IsStopped)

	// nothing else arrives for c2
	require.NoError(t, c2.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := c2.ReadMessage()
	assert.Error(t, err)

	require.Eventually(t, func() bool {
		raw, _ := os.ReadDir(h.cfg.Scratch.RawDir)
		converted, _ := os.ReadDir(h.cfg.Scratch.ConvertedDir)
		return len(raw) == 0 && len(converted) == 0
	}, waitFor, 10*time.Millisecond)
}
