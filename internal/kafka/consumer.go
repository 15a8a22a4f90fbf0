package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/Capitan-Parrot/video-event-pipeline/internal/models"
	"github.com/IBM/sarama"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Consumer wraps a sarama ConsumerGroup reading feed commands.
type Consumer struct {
	group    sarama.ConsumerGroup
	topic    string
	messages chan Message
	closed   chan struct{}
	logger   *zap.Logger
}

// Message is a consumed record; MarkDone commits it after processing.
type Message struct {
	Value   []byte
	Session sarama.ConsumerGroupSession
	Message *sarama.ConsumerMessage
}

func (m Message) MarkDone() {
	if m.Session != nil {
		m.Session.MarkMessage(m.Message, "")
	}
}

func NewConsumer(brokers []string, groupID, topic string, logger *zap.Logger) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_6_0_0
	config.Consumer.Offsets.Initial = sarama.OffsetOldest

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	return &Consumer{
		group:    group,
		topic:    topic,
		messages: make(chan Message),
		closed:   make(chan struct{}),
		logger:   logger,
	}, nil
}

// StartListening consumes in the background, rejoining the group after
// errors until ctx is done.
func (c *Consumer) StartListening(ctx context.Context) {
	handler := &consumerGroupHandler{
		messages: c.messages,
		closed:   c.closed,
	}

	go func() {
		defer close(c.messages)

		retryDelay := 5 * time.Second
		for {
			select {
			case <-ctx.Done():
				c.logger.Info("Consumer: context cancelled, stopping")
				return
			default:
				c.logger.Debug("Consumer: starting consumption cycle", zap.String("topic", c.topic))
				if err := c.group.Consume(ctx, []string{c.topic}, handler); err != nil {
					c.logger.Warn("Consume error, retrying",
						zap.Error(err),
						zap.Duration("retry_in", retryDelay),
					)
					select {
					case <-ctx.Done():
						return
					case <-time.After(retryDelay):
					}
					continue
				}

				if ctx.Err() != nil {
					return
				}
			}
		}
	}()
}

func (c *Consumer) Close() error {
	close(c.closed)
	return c.group.Close()
}

func (c *Consumer) Messages() <-chan Message {
	return c.messages
}

// DecodeCommand parses and checks a feed command payload.
func DecodeCommand(value []byte) (models.FeedCommand, error) {
	var cmd models.FeedCommand
	if err := json.Unmarshal(value, &cmd); err != nil {
		return cmd, fmt.Errorf("invalid command payload: %w", err)
	}
	if cmd.FeedID == "" {
		return cmd, fmt.Errorf("invalid command: empty feed_id")
	}
	switch cmd.Action {
	case models.CommandStart:
		if cmd.VideoSource == "" {
			return cmd, fmt.Errorf("invalid command: start %s without video_source", cmd.FeedID)
		}
	case models.CommandStop, models.CommandPause, models.CommandResume:
	default:
		return cmd, fmt.Errorf("invalid command: unknown action %q", cmd.Action)
	}
	return cmd, nil
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	messages chan<- Message
	closed   <-chan struct{}
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			select {
			case h.messages <- Message{
				Value:   msg.Value,
				Session: sess,
				Message: msg,
			}:
				// marked by the reader once processed
			case <-sess.Context().Done():
				return nil
			case <-h.closed:
				return nil
			}
		case <-sess.Context().Done():
			return nil
		case <-h.closed:
			return nil
		}
	}
}
