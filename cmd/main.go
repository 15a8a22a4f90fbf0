package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Capitan-Parrot/video-event-pipeline/internal/api"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/config"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/database"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/detector/onnx"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/kafka"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/logger"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/metrics"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/mqtt"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/pipeline"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/runner"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/s3"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/services/vision"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/snapshot"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/store"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("CONFIG_PATH"))
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, "video-event-pipeline")
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	db, err := database.New(cfg.Postgres.DSN, log)
	if err != nil {
		log.Fatal("Failed to connect to Postgres", zap.Error(err))
	}
	defer db.Close()
	if err := db.Init(ctx); err != nil {
		log.Fatal("Failed to init schema", zap.Error(err))
	}

	s3Client, err := s3.NewMinioClient(cfg.Minio.Endpoint, cfg.Minio.AccessKey, cfg.Minio.SecretKey, cfg.Minio.EventsBucket)
	if err != nil {
		log.Fatal("Failed to connect to MinIO", zap.Error(err))
	}

	producer, err := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.EventTopic, cfg.Kafka.HeartbeatTopic)
	if err != nil {
		log.Fatal("Failed to create Kafka producer", zap.Error(err))
	}
	defer producer.Close()

	sinks := runner.Sinks{
		Publishers: []runner.Sink{producer},
		Mirrors:    []runner.Sink{runner.SinkFunc(s3Client.SaveEvents)},
	}

	var eventCache *store.Store
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		eventCache = store.New(redisClient, cfg.Redis.KeyPrefix, cfg.Redis.TTL, log)
		sinks.Mirrors = append(sinks.Mirrors, eventCache)
	}

	if cfg.MQTT.Broker != "" {
		emitter := mqtt.NewEmitter(mqtt.Options{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
		}, log)
		if err := emitter.Connect(ctx); err != nil {
			log.Fatal("Failed to connect to MQTT", zap.Error(err))
		}
		defer emitter.Disconnect()
		sinks.Publishers = append(sinks.Publishers, emitter)
	}

	backends, closeBackends, err := newBackends(cfg, log)
	if err != nil {
		log.Fatal("Failed to set up backends", zap.Error(err))
	}
	defer closeBackends()

	r := runner.New(runner.Config{
		FrameInterval:     cfg.Pipeline.FrameInterval,
		HeartbeatInterval: cfg.Pipeline.HeartbeatInterval,
		StaleAfter:        cfg.Pipeline.StaleAfter,
		Pipeline:          pipelineConfig(cfg.Pipeline),
	}, db, s3Client, producer, backends, sinks, cfg.FeedOptions, log, m)

	consumer, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.CommandTopic, log)
	if err != nil {
		log.Fatal("Failed to create Kafka consumer", zap.Error(err))
	}
	defer consumer.Close()
	consumer.StartListening(ctx)

	go r.ListenAndRun(ctx, consumer)
	go r.ProcessStopEvents(ctx)
	go r.Watch(ctx, cfg.Pipeline.WatchInterval)

	var archive api.EventArchive = s3Client
	var cache api.EventCache
	if eventCache != nil {
		cache = eventCache
	}
	handlers := api.NewHandlers(db, r, cache, archive, m.Handler(), log)
	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handlers.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("Starting API server", zap.String("addr", cfg.HTTP.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("API server failed", zap.Error(err))
			cancel()
		}
	}()

	// Wait for shutdown signal
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
	case <-ctx.Done():
	}
	log.Info("Shutting down")
	cancel()
	r.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("API server shutdown", zap.Error(err))
	}
}

// newBackends wires the remote vision services that are configured. An ONNX
// model, when set, replaces the remote detector.
func newBackends(cfg *config.Config, log *zap.Logger) (pipeline.Backends, func(), error) {
	var b pipeline.Backends
	closeFn := func() {}

	encoder := snapshot.NewEncoder(cfg.Pipeline.SnapshotMaxWidth, cfg.Pipeline.SnapshotQuality)
	opts := vision.Options{Timeout: cfg.Backends.Timeout, RetryCount: cfg.Backends.RetryCount}
	client := func(url string) *vision.Client {
		return vision.NewClient(url, opts, encoder, log)
	}

	switch {
	case cfg.Backends.ONNX.ModelPath != "":
		det, err := onnx.New(onnx.Config{
			LibraryPath:   cfg.Backends.ONNX.LibraryPath,
			ModelPath:     cfg.Backends.ONNX.ModelPath,
			ConfThreshold: cfg.Backends.ONNX.ConfThreshold,
		})
		if err != nil {
			return b, closeFn, err
		}
		b.Detector = det
		closeFn = det.Close
		log.Info("Using in-process ONNX detector", zap.String("model", cfg.Backends.ONNX.ModelPath))
	case cfg.Backends.DetectionURL != "":
		b.Detector = client(cfg.Backends.DetectionURL)
	}

	if cfg.Backends.EmbeddingURL != "" {
		b.Identity = client(cfg.Backends.EmbeddingURL)
	}
	if cfg.Backends.AnalyzeURL != "" {
		b.Analyze = client(cfg.Backends.AnalyzeURL)
	}
	if cfg.Backends.NarrativeURL != "" {
		b.Narrative = client(cfg.Backends.NarrativeURL)
	}
	return b, closeFn, nil
}

func pipelineConfig(p config.Pipeline) pipeline.Config {
	return pipeline.Config{
		DetectionInterval: p.DetectionInterval,
		NarrativeInterval: p.NarrativeInterval,
		RequestTimeout:    p.RequestTimeout,
		QueueSize:         p.QueueSize,
		IdentityThreshold: p.IdentityThreshold,
		IdentityTolerance: p.IdentityTolerance,
		BypassThreshold:   p.BypassThreshold,
		SnapshotMaxWidth:  p.SnapshotMaxWidth,
		SnapshotQuality:   p.SnapshotQuality,
		Motion:            p.Motion,
	}
}
