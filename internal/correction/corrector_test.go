package correction

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/stt-stream-service/internal/config"
	"github.com/skypro1111/stt-stream-service/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func chatServer(t *testing.T, reply string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}

		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o-mini", body.Model)
		if assert.Len(t, body.Messages, 2) {
			assert.Equal(t, "system", body.Messages[0].Role)
			assert.Equal(t, "user", body.Messages[1].Role)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1700000000,
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": reply},
			}},
		})
	}))
}

func enabledConfig(endpoint string) config.CorrectionConfig {
	cfg := config.Default().Correction
	cfg.Enabled = true
	cfg.Endpoint = endpoint
	cfg.APIKey = "test-key"
	return cfg
}

type failingCorrector struct{}

func (failingCorrector) Correct(context.Context, string) (string, error) {
	return "", errors.New("upstream unavailable")
}

func TestPassthrough(t *testing.T) {
	out, err := Passthrough{}.Correct(context.Background(), "as spoken")
	require.NoError(t, err)
	assert.Equal(t, "as spoken", out)
}

func TestOpenAICorrector(t *testing.T) {
	var calls atomic.Int32
	srv := chatServer(t, "  Hello, world.  ", &calls)
	defer srv.Close()

	corrector := NewOpenAICorrector(enabledConfig(srv.URL + "/v1/"))

	out, err := corrector.Correct(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, "Hello, world.", out)
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenAICorrectorSkipsBlankText(t *testing.T) {
	var calls atomic.Int32
	srv := chatServer(t, "unused", &calls)
	defer srv.Close()

	corrector := NewOpenAICorrector(enabledConfig(srv.URL + "/v1/"))

	out, err := corrector.Correct(context.Background(), "   ")
	require.NoError(t, err)
	assert.Equal(t, "   ", out)
	assert.Equal(t, int32(0), calls.Load())
}

func TestOpenAICorrectorEmptyReply(t *testing.T) {
	var calls atomic.Int32
	srv := chatServer(t, "", &calls)
	defer srv.Close()

	corrector := NewOpenAICorrector(enabledConfig(srv.URL + "/v1/"))

	_, err := corrector.Correct(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

func TestFallbackReturnsRawText(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	fallback := NewFallback(failingCorrector{}, testLogger(), m)

	out, err := fallback.Correct(context.Background(), "raw words")
	require.NoError(t, err)
	assert.Equal(t, "raw words", out)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Corrections.WithLabelValues("fallback")))
}

func TestFallbackPassesCorrection(t *testing.T) {
	fallback := NewFallback(Passthrough{}, testLogger(), nil)

	out, err := fallback.Correct(context.Background(), "fine")
	require.NoError(t, err)
	assert.Equal(t, "fine", out)
}

func TestNewDisabled(t *testing.T) {
	corrector := New(config.Default().Correction, testLogger(), nil)
	assert.IsType(t, Passthrough{}, corrector)
}

func TestNewEnabledFallsBackOnUnreachableEndpoint(t *testing.T) {
	cfg := enabledConfig("http://127.0.0.1:1/v1/")
	cfg.Timeout = 1
	corrector := New(cfg, testLogger(), nil)

	out, err := corrector.Correct(context.Background(), "keep me")
	require.NoError(t, err)
	assert.Equal(t, "keep me", out)
}
