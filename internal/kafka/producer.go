package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/Capitan-Parrot/video-event-pipeline/internal/events"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/models"
	"github.com/IBM/sarama"
	"github.com/goccy/go-json"
)

type Producer struct {
	producer       sarama.SyncProducer
	eventTopic     string
	heartbeatTopic string
}

func NewProducer(brokers []string, eventTopic, heartbeatTopic string) (*Producer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return NewProducerFromSync(producer, eventTopic, heartbeatTopic), nil
}

func NewProducerFromSync(producer sarama.SyncProducer, eventTopic, heartbeatTopic string) *Producer {
	return &Producer{
		producer:       producer,
		eventTopic:     eventTopic,
		heartbeatTopic: heartbeatTopic,
	}
}

func (p *Producer) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka producer: %w", err)
	}
	return nil
}

func (p *Producer) SendHeartbeat(msg models.Heartbeat) error {
	if p.heartbeatTopic == "" {
		return nil
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.heartbeatTopic,
		Key:   sarama.StringEncoder(msg.FeedID),
		Value: sarama.ByteEncoder(payload),
	})
	return err
}

// PublishEvents sends the timeline events of one tick as a single batch,
// keyed by feed so a feed's events stay ordered within its partition.
func (p *Producer) PublishEvents(_ context.Context, feedID string, second int64, evts []models.VideoEvent) error {
	timeline := events.Timeline(evts)
	if p.eventTopic == "" || len(timeline) == 0 {
		return nil
	}

	messages := make([]*sarama.ProducerMessage, 0, len(timeline))
	for _, e := range timeline {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", e.ID, err)
		}
		messages = append(messages, &sarama.ProducerMessage{
			Topic: p.eventTopic,
			Key:   sarama.StringEncoder(feedID),
			Value: sarama.ByteEncoder(payload),
			Headers: []sarama.RecordHeader{
				{Key: []byte("second"), Value: []byte(strconv.FormatInt(second, 10))},
				{Key: []byte("type"), Value: []byte(e.Type)},
			},
		})
	}

	if err := p.producer.SendMessages(messages); err != nil {
		var perrs sarama.ProducerErrors
		if errors.As(err, &perrs) && len(perrs) > 0 {
			return fmt.Errorf("publish %d of %d events: %w", len(perrs), len(messages), perrs[0].Err)
		}
		return fmt.Errorf("publish events: %w", err)
	}
	return nil
}
