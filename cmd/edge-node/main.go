// Command edge-node is the surveillance node's process entry point: it
// wires together config, the embedded lifecycle bus, the capture loop,
// the local-inference and cloud-staging queues, the sqlite event index,
// and the HTTP surface, then runs until SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sentineledge/node/internal/analysisq"
	"github.com/sentineledge/node/internal/bus"
	"github.com/sentineledge/node/internal/capture"
	"github.com/sentineledge/node/internal/cloudq"
	"github.com/sentineledge/node/internal/config"
	"github.com/sentineledge/node/internal/eventindex"
	"github.com/sentineledge/node/internal/httpapi"
	"github.com/sentineledge/node/internal/logging"
	"github.com/sentineledge/node/internal/metrics"
	"github.com/sentineledge/node/internal/segwriter"
)

const defaultConfigPath = "/data/config.yaml"

func main() {
	logBuffer := logging.GetLogBuffer()
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(logging.NewStreamHandler(logBuffer, os.Stdout, logLevel))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("edge-node exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	configPath := getEnv("CONFIG_PATH", defaultConfigPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Watch(); err != nil {
		logger.Warn("config file watch disabled", "error", err)
	}
	logger.Info("loaded config", "path", configPath, "camera_id", cfg.CameraID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snap := cfg.Snapshot()
	if err := os.MkdirAll(snap.Storage.RecordDir, 0755); err != nil {
		return fmt.Errorf("failed to create record dir: %w", err)
	}

	eb, err := bus.Start(bus.Config{Host: snap.Bus.Host, Port: snap.Bus.Port}, logger)
	if err != nil {
		return fmt.Errorf("failed to start event bus: %w", err)
	}
	defer eb.Close()

	idx, err := eventindex.Open(eventindex.Config{Path: snap.Storage.EventIndexDB}, logger)
	if err != nil {
		return fmt.Errorf("failed to open event index: %w", err)
	}
	defer idx.Close()

	for _, bucket := range []string{"final", "uploaded"} {
		bucketDir := filepath.Join(snap.Storage.RecordDir, bucket)
		count, err := idx.RebuildFromDisk(ctx, bucketDir, bucket)
		if err != nil {
			logger.Warn("failed to rebuild event index from disk", "bucket", bucket, "error", err)
			continue
		}
		logger.Info("rebuilt event index bucket from disk", "bucket", bucket, "events", count)
	}

	finalDir := filepath.Join(snap.Storage.RecordDir, "final")
	if err := idx.SubscribeBus(eb, finalDir, "final"); err != nil {
		return fmt.Errorf("failed to subscribe event index to bus: %w", err)
	}

	segDir := filepath.Join(snap.Storage.RecordDir, "segments")
	segWriter := segwriter.New(segDir, snap.Camera.FrameW, snap.Camera.FrameH, snap.Camera.RecordFPS,
		time.Duration(snap.Recording.SegmentSeconds*float64(time.Second)), logger)

	cam, err := capture.OpenFFmpegCamera(ctx, snap.Camera.Device, snap.Camera.FrameW, snap.Camera.FrameH, snap.Camera.TargetFPS, logger)
	if err != nil {
		return fmt.Errorf("failed to open camera: %w", err)
	}
	defer cam.Close()

	cloudDir := filepath.Join(snap.Storage.RecordDir, "cloud_pending")
	stager := cloudq.New(cloudDir, snap.Analysis.CloudQueueCapacity, logger)
	go stager.Run(ctx.Done())

	analysisWorker := analysisq.New(snap.Analysis.QueueCapacity, stager, eb, analysisq.RunnerConfig{
		Path:                     snap.Analysis.RunnerPath,
		Frames:                   snap.Analysis.LocalInferFrames,
		Threshold:                snap.Analysis.LocalInferThresh,
		Timeout:                  snap.Analysis.LocalInferTimeout,
		CompleteConfidenceThresh: snap.Analysis.CompleteConfidenceThresh,
		CloudPlaceholderLabels:   snap.Analysis.CloudPlaceholderLabels,
	}, logger)
	go analysisWorker.Run(ctx)

	loop := capture.New(cfg, cam, segWriter, analysisWorker, eb, logger)
	loop.SetCloudPendingSource(stager.Pending)
	analysisWorker.OnProcessed(loop.OnAnalysisProcessed)

	m := metrics.New()

	httpServer := httpapi.New(httpapi.Config{
		Live:      loop,
		Frames:    loop,
		Index:     idx,
		Logs:      logging.GetLogBuffer(),
		RecordDir: snap.Storage.RecordDir,
		TargetFPS: snap.Camera.TargetFPS,
		Metrics:   m,
		Bus:       eb,
	}, logger)

	addr := fmt.Sprintf("%s:%d", snap.Host, snap.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // /video.mjpg and /events/<id>.mp4 stream indefinitely
		IdleTimeout:  60 * time.Second,
	}

	captureErrCh := make(chan error, 1)
	go func() {
		captureErrCh <- loop.Run(ctx)
	}()

	go func() {
		logger.Info("http server starting", "address", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	case err := <-captureErrCh:
		if err != nil {
			logger.Error("capture loop exited", "error", err)
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	logger.Info("edge-node stopped")
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
