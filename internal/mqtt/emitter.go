// Package mqtt fans timeline events out to per-feed MQTT topics.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Capitan-Parrot/video-event-pipeline/internal/events"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/models"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("mqtt not connected")

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

type Options struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// Message is the payload published for one tick of a feed.
type Message struct {
	FeedID string              `json:"feed_id"`
	Second int64               `json:"second"`
	Events []models.VideoEvent `json:"events"`
}

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// Emitter publishes events to <prefix>/<feed_id>/events.
type Emitter struct {
	opts   Options
	client paho.Client
	pub    publisher
	logger *zap.Logger

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64
}

func NewEmitter(opts Options, logger *zap.Logger) *Emitter {
	e := &Emitter{opts: opts, logger: logger}

	clientOpts := paho.NewClientOptions()
	broker := opts.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	clientOpts.AddBroker(broker)
	clientOpts.SetClientID(opts.ClientID)
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetConnectRetry(true)
	clientOpts.SetConnectRetryInterval(2 * time.Second)
	clientOpts.SetMaxReconnectInterval(30 * time.Second)

	clientOpts.OnConnect = func(paho.Client) {
		e.setConnected(true)
		logger.Info("MQTT connection established",
			zap.String("broker", opts.Broker),
			zap.String("client_id", opts.ClientID),
		)
	}
	clientOpts.OnConnectionLost = func(_ paho.Client, err error) {
		e.setConnected(false)
		logger.Warn("MQTT connection lost, will auto-reconnect",
			zap.String("broker", opts.Broker),
			zap.Error(err),
		)
	}

	e.client = paho.NewClient(clientOpts)
	e.pub = e.client
	return e
}

func (e *Emitter) Connect(ctx context.Context) error {
	e.logger.Info("Connecting to MQTT broker", zap.String("broker", e.opts.Broker))

	token := e.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(connectTimeout):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

func Topic(prefix, feedID string) string {
	return fmt.Sprintf("%s/%s/events", prefix, feedID)
}

// PublishEvents sends the timeline events of one tick as a single message.
// Overlay-only markers are never published.
func (e *Emitter) PublishEvents(_ context.Context, feedID string, second int64, evts []models.VideoEvent) error {
	timeline := events.Timeline(evts)
	if len(timeline) == 0 {
		return nil
	}
	if !e.isConnected() {
		e.countError()
		return ErrNotConnected
	}

	payload, err := json.Marshal(Message{FeedID: feedID, Second: second, Events: timeline})
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal events: %w", err)
	}

	topic := Topic(e.opts.TopicPrefix, feedID)
	token := e.pub.Publish(topic, e.opts.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published++
	e.mu.Unlock()

	e.logger.Debug("Events published",
		zap.String("topic", topic),
		zap.Int("events", len(timeline)),
		zap.Int("size", len(payload)),
	)
	return nil
}

func (e *Emitter) Disconnect() {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		e.logger.Info("MQTT disconnected")
	}
	e.setConnected(false)
}

type Stats struct {
	Connected bool
	Published uint64
	Errors    uint64
}

func (e *Emitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{Connected: e.connected, Published: e.published, Errors: e.errors}
}

func (e *Emitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *Emitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *Emitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
