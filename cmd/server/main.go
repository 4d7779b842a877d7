package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/benvonhandorf/esp32-audio-stream/internal/audio"
	"github.com/benvonhandorf/esp32-audio-stream/internal/config"
	"github.com/benvonhandorf/esp32-audio-stream/internal/metrics"
	"github.com/benvonhandorf/esp32-audio-stream/internal/pipeline"
	"github.com/benvonhandorf/esp32-audio-stream/internal/publish"
	"github.com/benvonhandorf/esp32-audio-stream/internal/server"
	"github.com/benvonhandorf/esp32-audio-stream/internal/session"
	"github.com/benvonhandorf/esp32-audio-stream/internal/transcription"
	"github.com/benvonhandorf/esp32-audio-stream/internal/worker"
)

const (
	serviceName    = "esp32-audio-stream"
	serviceVersion = "1.0.0"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	overrides, err := config.ParseFlags(serviceName, args, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	// Used until the configured logger exists.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Load(overrides.ConfigPath, bootLogger)
	if err != nil {
		bootLogger.Error("Failed to load configuration", slog.String("error", err.Error()))
		return 1
	}
	overrides.Apply(cfg)

	if err := cfg.Validate(); err != nil {
		bootLogger.Error("Invalid configuration", slog.String("error", err.Error()))
		return 1
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", overrides.ConfigPath),
	)

	if err := os.MkdirAll(cfg.Recording.DataDir, 0o755); err != nil {
		logger.Error("Failed to create data directory",
			slog.String("data_dir", cfg.Recording.DataDir),
			slog.String("error", err.Error()),
		)
		return 1
	}

	// Prometheus metrics on a private registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(registry)

	format := cfg.Audio.Format()
	encoder := newEncoder(cfg.Recording, format)

	transcriber, err := transcription.NewClient(transcription.Config{
		Endpoint:       cfg.Transcription.Endpoint,
		APIKey:         cfg.Transcription.APIKey,
		Model:          cfg.Transcription.Model,
		Language:       cfg.Transcription.Language,
		Timeout:        cfg.Transcription.GetTimeoutDuration(),
		MaxRetries:     cfg.Transcription.MaxRetries,
		MaxConcurrent:  cfg.Transcription.MaxConcurrent,
		ResponseFormat: cfg.Transcription.ResponseFormat,
		UserAgent:      serviceName + "/" + serviceVersion,
	})
	if err != nil {
		logger.Error("Failed to create transcription client", slog.String("error", err.Error()))
		return 1
	}
	defer transcriber.Close()

	publisher := connectPublisher(cfg.MQTT, appMetrics, logger)

	// Interface values stay nil when publishing is off.
	var (
		eventPublisher pipeline.EventPublisher
		publisherStats server.PublisherStats
		publisherClose server.Closer
	)
	if publisher != nil {
		eventPublisher = publisher
		publisherStats = publisher
		publisherClose = publisher
	}

	caps := pipeline.ResolveCapabilities(cfg.Recording.EncodingEnabled, encoder, eventPublisher, logger)

	pipe := pipeline.New(pipeline.Config{
		ChunkSize:        cfg.Server.ChunkSize,
		ReadTimeout:      cfg.Server.GetReadTimeoutDuration(),
		ProgressInterval: cfg.Server.GetProgressIntervalDuration(),
		KeepRaw:          cfg.Recording.KeepRaw,
		Format:           format,
		Language:         cfg.Transcription.Language,
		Topic:            cfg.MQTT.Topic,
	}, caps, pipeline.Deps{
		Encoder:     encoder,
		Transcriber: transcriber,
		Publisher:   eventPublisher,
		Metrics:     appMetrics,
	}, logger)

	pool := worker.NewPool(worker.Config{
		Workers:    cfg.Server.MaxWorkers,
		MaxPending: cfg.Server.MaxPending,
	}, logger)
	pool.OnStateChange(appMetrics.SetPoolState)

	sessions := session.NewRegistry()

	tcpServer := server.NewTCPServer(server.TCPConfig{
		Host:             cfg.Server.Host,
		Port:             cfg.Server.Port,
		Backlog:          cfg.Server.Backlog,
		SingleConnection: cfg.Recording.SingleConnection,
	}, server.TCPDeps{
		Sequencer: session.NewSequencer(),
		Naming:    session.ParsePattern(cfg.Recording.DataDir, cfg.Recording.OutputPattern),
		Registry:  sessions,
		Pool:      pool,
		Handler:   pipe.Run,
		Metrics:   appMetrics,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := tcpServer.Start(ctx); err != nil {
		logger.Error("Failed to start TCP server", slog.String("error", err.Error()))
		pool.Stop()
		if publisherClose != nil {
			publisherClose.Close()
		}
		return 1
	}

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, server.HTTPDeps{
			Config:        cfg,
			Registry:      sessions,
			TCP:           tcpServer,
			Transcription: transcriber,
			Publisher:     publisherStats,
			Capabilities:  caps,
			Metrics:       appMetrics,
			Gatherer:      registry,
		}, logger)

		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			tcpServer.Stop()
			pool.Stop()
			if publisherClose != nil {
				publisherClose.Close()
			}
			return 1
		}
	}

	logBanner(logger, cfg, tcpServer, caps)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-tcpServer.Done():
		logger.Info("Single connection finished")
	}

	coordinator := &server.ShutdownCoordinator{
		TCP:          tcpServer,
		Pool:         pool,
		Registry:     sessions,
		HTTP:         httpServer,
		Publisher:    publisherClose,
		DrainTimeout: cfg.Shutdown.GetDrainTimeoutDuration(),
		Logger:       logger,
	}

	// A second signal skips the drain.
	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()
	go func() {
		select {
		case <-sigChan:
			logger.Warn("Second signal received, aborting sessions")
			shutdownCancel()
		case <-shutdownCtx.Done():
		}
	}()

	coordinator.Shutdown(shutdownCtx)

	logger.Info("Service stopped")
	return 0
}

func newEncoder(cfg config.RecordingConfig, format audio.Format) audio.Encoder {
	if cfg.Encoder == "wav" {
		return audio.NewWAVEncoder(format)
	}
	return audio.NewFFmpegEncoder(audio.FFmpegConfig{
		Path:    cfg.FFmpegPath,
		Bitrate: cfg.Bitrate,
		Format:  format,
	})
}

// connectPublisher returns a connected publisher, or nil when MQTT is not
// configured or the broker cannot be reached at startup.
func connectPublisher(cfg config.MQTTConfig, m *metrics.Metrics, logger *slog.Logger) *publish.Publisher {
	if !cfg.Enabled() {
		logger.Info("MQTT broker not configured, publishing disabled")
		return nil
	}

	broker := publish.NewMQTTBroker(publish.MQTTConfig{
		Host:     cfg.Broker,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		ClientID: cfg.ClientID,
	})
	publisher := publish.NewPublisher(broker, publish.Config{
		Topic: cfg.Topic,
		QoS:   byte(cfg.QoS),
	}, logger)
	publisher.OnConnectionChange(m.SetBrokerConnected)

	logger.Info("Connecting to MQTT broker",
		slog.String("broker", cfg.Broker),
		slog.Int("port", cfg.Port),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := publisher.Connect(ctx); err != nil {
		logger.Warn("MQTT publishing disabled", slog.String("error", err.Error()))
		broker.Close()
		return nil
	}
	return publisher
}

func logBanner(logger *slog.Logger, cfg *config.Config, tcpServer *server.TCPServer, caps pipeline.Capabilities) {
	mode := "continuous"
	if cfg.Recording.SingleConnection {
		mode = "single connection"
	}

	dataDir, err := filepath.Abs(cfg.Recording.DataDir)
	if err != nil {
		dataDir = cfg.Recording.DataDir
	}

	mqttStatus := "disabled"
	if caps.Publish {
		mqttStatus = fmt.Sprintf("%s:%d", cfg.MQTT.Broker, cfg.MQTT.Port)
	}

	logger.Info("Ready to accept connections",
		slog.String("address", tcpServer.Addr().String()),
		slog.String("mode", mode),
		slog.Int("max_workers", cfg.Server.MaxWorkers),
		slog.Bool("encoding", caps.Encoding),
		slog.String("encoder", cfg.Recording.Encoder),
		slog.Bool("keep_raw", cfg.Recording.KeepRaw),
		slog.String("mqtt", mqttStatus),
		slog.String("mqtt_topic", cfg.MQTT.Topic),
		slog.String("data_dir", dataDir),
		slog.Duration("read_timeout", cfg.Server.GetReadTimeoutDuration()),
	)
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
