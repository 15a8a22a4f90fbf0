package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Capitan-Parrot/video-event-pipeline/internal/models"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/motion"
	"github.com/caarlos0/env/v11"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "internal/config/local.yaml"

type Config struct {
	Postgres struct {
		DSN string `yaml:"dsn" env:"DATABASE_DSN"`
	} `yaml:"postgres"`

	Minio struct {
		Endpoint     string `yaml:"endpoint" env:"MINIO_ENDPOINT"`
		AccessKey    string `yaml:"access_key" env:"MINIO_ACCESS_KEY"`
		SecretKey    string `yaml:"secret_key" env:"MINIO_SECRET_KEY"`
		FramesBucket string `yaml:"frames_bucket" env:"MINIO_FRAMES_BUCKET"`
		EventsBucket string `yaml:"events_bucket" env:"MINIO_EVENTS_BUCKET"`
	} `yaml:"minio"`

	Kafka struct {
		Brokers        []string `yaml:"brokers" env:"KAFKA_BROKERS" envSeparator:","`
		GroupID        string   `yaml:"group_id" env:"KAFKA_GROUP_ID"`
		CommandTopic   string   `yaml:"command_topic" env:"COMMAND_TOPIC"`
		EventTopic     string   `yaml:"event_topic" env:"EVENT_TOPIC"`
		HeartbeatTopic string   `yaml:"heartbeat_topic" env:"HEARTBEAT_TOPIC"`
	} `yaml:"kafka"`

	Redis struct {
		Addr      string        `yaml:"addr" env:"REDIS_ADDR"`
		Password  string        `yaml:"password" env:"REDIS_PASSWORD"`
		DB        int           `yaml:"db" env:"REDIS_DB"`
		KeyPrefix string        `yaml:"key_prefix" env:"REDIS_KEY_PREFIX"`
		TTL       time.Duration `yaml:"ttl" env:"REDIS_TTL"`
	} `yaml:"redis"`

	MQTT struct {
		Broker      string `yaml:"broker" env:"MQTT_BROKER"`
		ClientID    string `yaml:"client_id" env:"MQTT_CLIENT_ID"`
		Username    string `yaml:"username" env:"MQTT_USERNAME"`
		Password    string `yaml:"password" env:"MQTT_PASSWORD"`
		TopicPrefix string `yaml:"topic_prefix" env:"MQTT_TOPIC_PREFIX"`
		QoS         byte   `yaml:"qos" env:"MQTT_QOS"`
	} `yaml:"mqtt"`

	HTTP struct {
		Addr string `yaml:"addr" env:"HTTP_ADDR"`
	} `yaml:"http"`

	Backends struct {
		DetectionURL string        `yaml:"detection_url" env:"DETECTION_ENDPOINT"`
		EmbeddingURL string        `yaml:"embedding_url" env:"EMBEDDING_ENDPOINT"`
		AnalyzeURL   string        `yaml:"analyze_url" env:"ANALYZE_ENDPOINT"`
		NarrativeURL string        `yaml:"narrative_url" env:"NARRATIVE_ENDPOINT"`
		Timeout      time.Duration `yaml:"timeout" env:"BACKEND_TIMEOUT"`
		RetryCount   int           `yaml:"retry_count" env:"BACKEND_RETRY_COUNT"`

		ONNX struct {
			LibraryPath   string  `yaml:"library_path" env:"ONNX_LIBRARY_PATH"`
			ModelPath     string  `yaml:"model_path" env:"ONNX_MODEL_PATH"`
			ConfThreshold float64 `yaml:"conf_threshold" env:"ONNX_CONF_THRESHOLD"`
		} `yaml:"onnx"`
	} `yaml:"backends"`

	Pipeline Pipeline `yaml:"pipeline"`

	Feeds []Feed `yaml:"feeds"`

	Log struct {
		Level  string `yaml:"level" env:"LOG_LEVEL"`
		Format string `yaml:"format" env:"LOG_FORMAT"`
	} `yaml:"log"`
}

type Pipeline struct {
	FrameInterval     time.Duration `yaml:"frame_interval" env:"FRAME_INTERVAL"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	WatchInterval     time.Duration `yaml:"watch_interval" env:"WATCH_INTERVAL"`
	StaleAfter        time.Duration `yaml:"stale_after" env:"STALE_AFTER"`
	DetectionInterval time.Duration `yaml:"detection_interval" env:"DETECTION_INTERVAL"`
	NarrativeInterval time.Duration `yaml:"narrative_interval" env:"NARRATIVE_INTERVAL"`
	RequestTimeout    time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	QueueSize         int           `yaml:"queue_size" env:"QUEUE_SIZE"`
	IdentityThreshold float64       `yaml:"identity_threshold" env:"IDENTITY_THRESHOLD"`
	IdentityTolerance float64       `yaml:"identity_tolerance" env:"IDENTITY_TOLERANCE"`
	BypassThreshold   float64       `yaml:"bypass_threshold" env:"BYPASS_THRESHOLD"`
	SnapshotMaxWidth  int           `yaml:"snapshot_max_width" env:"SNAPSHOT_MAX_WIDTH"`
	SnapshotQuality   int           `yaml:"snapshot_quality" env:"SNAPSHOT_QUALITY"`
	Motion            motion.Config `yaml:"motion"`
}

// Feed holds per-camera defaults applied on top of a start command.
type Feed struct {
	ID                    string               `yaml:"id"`
	AllowList             []string             `yaml:"allow_list"`
	EnableObjectDetection *bool                `yaml:"enable_object_detection"`
	EnableMotionOverlay   *bool                `yaml:"enable_motion_overlay"`
	EnableFaceRecognition *bool                `yaml:"enable_face_recognition"`
	PrivacyMode           *bool                `yaml:"privacy_mode"`
	AnalyzeNodes          []models.AnalyzeNode `yaml:"analyze_nodes"`
}

func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	// environment wins over the file
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	setDefault(&c.Minio.FramesBucket, "frames")
	setDefault(&c.Minio.EventsBucket, "events")
	setDefault(&c.Redis.KeyPrefix, "vep")
	setDefault(&c.Redis.TTL, 24*time.Hour)
	setDefault(&c.MQTT.ClientID, "video-event-pipeline")
	setDefault(&c.MQTT.TopicPrefix, "feeds")
	setDefault(&c.HTTP.Addr, ":8080")
	setDefault(&c.Backends.Timeout, 10*time.Second)
	setDefault(&c.Log.Level, "info")
	setDefault(&c.Log.Format, "json")

	p := &c.Pipeline
	setDefault(&p.FrameInterval, 200*time.Millisecond)
	setDefault(&p.HeartbeatInterval, 5*time.Second)
	setDefault(&p.WatchInterval, 30*time.Second)
	setDefault(&p.StaleAfter, 3*p.HeartbeatInterval)
	setDefault(&p.DetectionInterval, 1200*time.Millisecond)
	setDefault(&p.NarrativeInterval, 5*time.Second)
	setDefault(&p.RequestTimeout, 30*time.Second)
	setDefault(&p.QueueSize, 64)
	setDefault(&p.IdentityThreshold, 0.6)
	setDefault(&p.IdentityTolerance, 32)
	setDefault(&p.BypassThreshold, 0.9)
	setDefault(&p.SnapshotMaxWidth, 640)
	setDefault(&p.SnapshotQuality, 80)
	setDefault(&p.Motion, motion.DefaultConfig())
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.dsn is required"))
	}
	if c.Minio.Endpoint == "" {
		errs = append(errs, errors.New("minio.endpoint is required"))
	}
	if len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is required"))
	}
	if c.Kafka.CommandTopic == "" {
		errs = append(errs, errors.New("kafka.command_topic is required"))
	}
	if c.Pipeline.BypassThreshold < 0 || c.Pipeline.BypassThreshold > 1 {
		errs = append(errs, fmt.Errorf("pipeline.bypass_threshold %v out of [0,1]", c.Pipeline.BypassThreshold))
	}
	if c.Pipeline.IdentityThreshold < 0 || c.Pipeline.IdentityThreshold > 1 {
		errs = append(errs, fmt.Errorf("pipeline.identity_threshold %v out of [0,1]", c.Pipeline.IdentityThreshold))
	}
	for _, f := range c.Feeds {
		if f.ID == "" {
			errs = append(errs, errors.New("feeds: entry without id"))
		}
	}
	if dup := lo.FindDuplicatesBy(c.Feeds, func(f Feed) string { return f.ID }); len(dup) > 0 {
		errs = append(errs, fmt.Errorf("feeds: duplicate id %q", dup[0].ID))
	}
	return errors.Join(errs...)
}

// FeedOptions merges the configured defaults for feedID under the options
// carried by a start command. Command values win except where the command
// leaves a list empty.
func (c *Config) FeedOptions(feedID string, cmd models.ProcessOptions) models.ProcessOptions {
	feed, ok := lo.Find(c.Feeds, func(f Feed) bool { return f.ID == feedID })
	if !ok {
		return cmd
	}

	opts := cmd
	if len(opts.AllowList) == 0 {
		opts.AllowList = feed.AllowList
	}
	if len(opts.AnalyzeNodes) == 0 {
		opts.AnalyzeNodes = feed.AnalyzeNodes
	}
	opts.EnableObjectDetection = opts.EnableObjectDetection || lo.FromPtr(feed.EnableObjectDetection)
	opts.EnableMotionOverlay = opts.EnableMotionOverlay || lo.FromPtr(feed.EnableMotionOverlay)
	opts.EnableFaceRecognition = opts.EnableFaceRecognition || lo.FromPtr(feed.EnableFaceRecognition)
	opts.PrivacyMode = opts.PrivacyMode || lo.FromPtr(feed.PrivacyMode)
	return opts
}
