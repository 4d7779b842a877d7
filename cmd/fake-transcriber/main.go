// Command fake-transcriber serves a stand-in for an OpenAI-compatible
// transcription endpoint, for exercising the ingestion service without a
// speech model.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/benvonhandorf/esp32-audio-stream/internal/audio"
	"github.com/benvonhandorf/esp32-audio-stream/internal/transcription"
)

type fakeConfig struct {
	text   string
	delay  time.Duration
	status int
}

func main() {
	addr := flag.String("addr", ":8000", "listen address")
	text := flag.String("text", "This is a test transcription.", "text returned for every request")
	delay := flag.Duration("delay", 200*time.Millisecond, "simulated processing time")
	status := flag.Int("status", http.StatusOK, "HTTP status to answer with")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	mux := http.NewServeMux()
	mux.Handle("/v1/audio/transcriptions", transcribeHandler(fakeConfig{
		text:   *text,
		delay:  *delay,
		status: *status,
	}, logger))

	logger.Info("Fake transcription server starting",
		slog.String("address", *addr),
		slog.String("endpoint", "/v1/audio/transcriptions"),
	)

	server := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func transcribeHandler(cfg fakeConfig, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if err := r.ParseMultipartForm(32 << 20); err != nil {
			http.Error(w, "Error parsing form", http.StatusBadRequest)
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "Error getting audio file", http.StatusBadRequest)
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			http.Error(w, "Error reading audio file", http.StatusInternalServerError)
			return
		}

		attrs := []any{
			slog.String("request_id", r.Header.Get("X-Request-ID")),
			slog.String("filename", header.Filename),
			slog.Int("size", len(data)),
			slog.String("model", r.FormValue("model")),
			slog.String("language", r.FormValue("language")),
			slog.String("response_format", r.FormValue("response_format")),
		}

		var duration float64
		if strings.EqualFold(filepath.Ext(header.Filename), ".wav") {
			if info, err := audio.GetWAVInfo(data); err == nil {
				duration = info.Duration
				attrs = append(attrs,
					slog.Uint64("sample_rate", uint64(info.SampleRate)),
					slog.Float64("duration", info.Duration),
				)
			}
		}
		logger.Info("Transcription request received", attrs...)

		time.Sleep(cfg.delay)

		if cfg.status != http.StatusOK {
			http.Error(w, http.StatusText(cfg.status), cfg.status)
			return
		}

		if r.FormValue("response_format") == "text" {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = io.WriteString(w, cfg.text)
			return
		}

		language := r.FormValue("language")
		if language == "" {
			language = "en"
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(transcription.Result{
			Text:     cfg.text,
			Language: language,
			Duration: duration,
			Segments: []transcription.Segment{{ID: 0, Start: 0, End: duration, Text: cfg.text}},
		})
	}
}
