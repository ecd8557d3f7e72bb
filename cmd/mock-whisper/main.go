// Command mock-whisper is a local stand-in for an OpenAI-compatible
// transcription server. It answers /v1/audio/transcriptions with fake
// segments sized from the uploaded WAV and echoes /v1/chat/completions, so the
// service can run end to end without a recognition backend.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/skypro1111/stt-stream-service/internal/audio"
)

type transcriptionSegment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type transcriptionResponse struct {
	Task     string                 `json:"task"`
	Language string                 `json:"language"`
	Duration float64                `json:"duration"`
	Text     string                 `json:"text"`
	Segments []transcriptionSegment `json:"segments"`
}

var (
	listenAddr    string
	segmentLength float64
	language      string
	latency       time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "mock-whisper",
	Short: "Fake OpenAI-compatible transcription server for local testing",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

		mux := http.NewServeMux()
		mux.HandleFunc("/v1/audio/transcriptions", transcribeHandler(logger))
		mux.HandleFunc("/v1/chat/completions", chatHandler(logger))

		logger.Info("Mock transcription server starting",
			slog.String("address", listenAddr),
			slog.String("endpoint", fmt.Sprintf("http://%s/v1", listenAddr)),
		)
		return http.ListenAndServe(listenAddr, mux)
	},
}

func init() {
	rootCmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:8000", "Listen address")
	rootCmd.Flags().Float64Var(&segmentLength, "segment-seconds", 2.5, "Length of each fake segment")
	rootCmd.Flags().StringVar(&language, "language", "uk", "Language reported in responses")
	rootCmd.Flags().DurationVar(&latency, "latency", 200*time.Millisecond, "Simulated processing time")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func transcribeHandler(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if err := r.ParseMultipartForm(10 << 20); err != nil {
			http.Error(w, "Error parsing form", http.StatusBadRequest)
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "Error getting audio file", http.StatusBadRequest)
			return
		}
		defer file.Close()

		duration, err := wavDuration(file)
		if err != nil {
			http.Error(w, fmt.Sprintf("Unsupported audio: %v", err), http.StatusBadRequest)
			return
		}

		logger.Info("Transcription request received",
			slog.String("filename", header.Filename),
			slog.Int64("size", header.Size),
			slog.String("model", r.FormValue("model")),
			slog.String("response_format", r.FormValue("response_format")),
			slog.Duration("audio_duration", duration),
		)

		time.Sleep(latency)

		resp := transcriptionResponse{
			Task:     "transcribe",
			Language: language,
			Duration: duration.Seconds(),
		}
		total := duration.Seconds()
		for start := 0.0; start < total; start += segmentLength {
			end := math.Min(start+segmentLength, total)
			resp.Segments = append(resp.Segments, transcriptionSegment{
				ID:    len(resp.Segments),
				Start: start,
				End:   end,
				Text:  fmt.Sprintf("Це тестова транскрипція фрагменту %.1f-%.1f", start, end),
			})
		}
		for _, seg := range resp.Segments {
			resp.Text += seg.Text + " "
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

// chatHandler returns the last user message unchanged
func chatHandler(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}

		reply := ""
		for _, m := range req.Messages {
			if m.Role == "user" {
				reply = m.Content
			}
		}
		logger.Info("Correction request received", slog.String("model", req.Model), slog.Int("chars", len(reply)))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-mock",
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   req.Model,
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": reply},
			}},
		})
	}
}

// wavDuration spools the upload to disk and reads its PCM duration
func wavDuration(r io.Reader) (time.Duration, error) {
	tmp, err := os.CreateTemp("", "mock-whisper-*.wav")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}

	info, err := audio.Inspect(tmp.Name())
	if err != nil {
		return 0, err
	}
	return info.Duration, nil
}
