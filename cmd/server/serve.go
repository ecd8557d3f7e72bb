package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/skypro1111/stt-stream-service/internal/audio"
	"github.com/skypro1111/stt-stream-service/internal/chunk"
	"github.com/skypro1111/stt-stream-service/internal/config"
	"github.com/skypro1111/stt-stream-service/internal/correction"
	"github.com/skypro1111/stt-stream-service/internal/metrics"
	"github.com/skypro1111/stt-stream-service/internal/pipeline"
	"github.com/skypro1111/stt-stream-service/internal/server"
	"github.com/skypro1111/stt-stream-service/internal/stream"
	"github.com/skypro1111/stt-stream-service/internal/transcode"
	"github.com/skypro1111/stt-stream-service/internal/transcription"
)

// runServe wires all components and blocks until a shutdown signal arrives
func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("port", cfg.Server.Port),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.String("stream_path", cfg.Server.StreamPath),
		slog.Int("queue_capacity", cfg.Pipeline.QueueCapacity),
		slog.String("overflow_policy", cfg.Pipeline.OverflowPolicy),
		slog.String("transcoder", cfg.Converter.Binary),
		slog.String("transcription_engine", cfg.Transcription.Engine),
		slog.String("transcription_endpoint", cfg.Transcription.Endpoint),
		slog.Bool("correction_enabled", cfg.Correction.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	for _, dir := range []string{cfg.Scratch.RawDir, cfg.Scratch.ConvertedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create scratch directory %s: %w", dir, err)
		}
	}

	transcoderVersion, err := transcode.CheckInstalled(ctx, cfg.Converter.Binary)
	if err != nil {
		return fmt.Errorf("transcoder unavailable: %w", err)
	}
	logger.Info("Transcoder found", slog.String("version", transcoderVersion))

	appMetrics := metrics.NewMetrics(nil)
	logger.Info("Prometheus metrics initialized")

	policy, err := chunk.ParsePolicy(cfg.Pipeline.OverflowPolicy)
	if err != nil {
		return err
	}
	store := chunk.NewStore(chunk.StoreConfig{
		Capacity:       cfg.Pipeline.QueueCapacity,
		OverflowPolicy: policy,
	}, logger, appMetrics)

	registry := stream.NewRegistry(logger, cfg.Server.GetIdleTimeoutDuration(), appMetrics)

	ffmpeg := transcode.NewFFmpeg(cfg.Converter, logger)

	engine, err := transcription.New(cfg.Transcription, logger, appMetrics)
	if err != nil {
		return fmt.Errorf("failed to create transcription engine: %w", err)
	}
	if cfg.Transcription.Warmup {
		warmupCtx, cancel := context.WithTimeout(ctx, cfg.Transcription.GetTimeoutDuration())
		if err := engine.Warmup(warmupCtx); err != nil {
			logger.Warn("Transcription engine warm-up failed", slog.String("error", err.Error()))
		} else {
			logger.Info("Transcription engine warmed up", slog.String("engine", engine.Name()))
		}
		cancel()
	}

	corrector := correction.New(cfg.Correction, logger, appMetrics)

	format := audio.Format{
		SampleRate: cfg.Converter.SampleRate,
		Channels:   cfg.Converter.Channels,
		BitDepth:   cfg.Converter.BitDepth,
	}
	converter := pipeline.NewConverterWorker(store, ffmpeg, cfg.Scratch.ConvertedDir, format, logger, appMetrics)
	transcriber := pipeline.NewTranscriptionWorker(store, engine, corrector, registry, logger, appMetrics)

	gateway := server.NewGateway(server.GatewayConfig{
		RawDir:        cfg.Scratch.RawDir,
		MaxFrameBytes: cfg.Server.MaxFrameBytes,
	}, store, registry, logger, appMetrics)

	components := server.Components{
		Gateway:     gateway,
		Registry:    registry,
		Store:       store,
		Converter:   converter,
		Transcriber: transcriber,
		Transcoder:  ffmpeg,
	}
	if sp, ok := engine.(transcription.StatsProvider); ok {
		components.Engine = sp
	}
	httpServer := server.NewHTTPServer(cfg, components, logger, appMetrics, nil)

	// Workers get their own context so they outlive the HTTP server during shutdown
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	var workers sync.WaitGroup
	for name, run := range map[string]func(context.Context) error{
		"converter":     converter.Run,
		"transcription": transcriber.Run,
	} {
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := run(workerCtx); err != nil {
				logger.Error("Worker exited with error", slog.String("worker", name), slog.String("error", err.Error()))
			}
		}()
	}

	if err := httpServer.Start(); err != nil {
		cancelWorkers()
		workers.Wait()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("address", httpServer.Addr()),
	)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.GetShutdownTimeoutDuration())
	defer shutdownCancel()

	// Stop accepting new connections and monitoring requests
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	closed := registry.CloseAll("server shutdown")
	logger.Info("Closed client connections", slog.Int("count", closed))

	if err := gateway.Close(shutdownCtx); err != nil {
		logger.Warn("Connections did not finish in time", slog.String("error", err.Error()))
	}

	// Workers finish their current chunk before exiting
	cancelWorkers()
	workersDone := make(chan struct{})
	go func() {
		workers.Wait()
		close(workersDone)
	}()
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		logger.Warn("Workers did not finish their current chunk in time",
			slog.String("error", shutdownCtx.Err().Error()),
		)
	}

	drained := store.Drain()
	registry.Stop()

	gatewayStats := gateway.GetStatistics()
	converterStats := converter.Stats()
	transcriberStats := transcriber.Stats()
	logger.Info("Final service statistics",
		slog.Uint64("connections_accepted", gatewayStats.ConnectionsAccepted),
		slog.Uint64("chunks_queued", gatewayStats.ChunksQueued),
		slog.Uint64("chunks_converted", converterStats.Processed),
		slog.Uint64("chunks_transcribed", transcriberStats.Processed),
		slog.Uint64("updates_delivered", transcriberStats.Delivered),
		slog.Int("chunks_drained", drained),
	)

	logger.Info("Service stopped")
	return nil
}

// runCheck validates the configuration and reports on external dependencies
func runCheck(ctx context.Context, cmd *cobra.Command) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cmd.Printf("Configuration %s is valid\n", configPath)

	version, err := transcode.CheckInstalled(ctx, cfg.Converter.Binary)
	if err != nil {
		return fmt.Errorf("transcoder check failed: %w", err)
	}
	cmd.Printf("Transcoder: %s\n", version)

	cmd.Printf("Transcription engine: %s (%s, model %s)\n",
		cfg.Transcription.Engine, cfg.Transcription.Endpoint, cfg.Transcription.Model)
	if cfg.Correction.Enabled {
		cmd.Printf("Correction: enabled (%s, model %s)\n", cfg.Correction.Endpoint, cfg.Correction.Model)
	} else {
		cmd.Println("Correction: disabled")
	}

	return nil
}
