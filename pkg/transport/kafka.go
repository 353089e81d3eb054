package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
)

// Kafka publishes with a shared writer and subscribes through a consumer group.
type Kafka struct {
	brokers []string
	groupID string
	dialer  *kafka.Dialer
	writer  *kafka.Writer
	logger  *slog.Logger
}

// NewKafka creates a Kafka transport. No connection is made until the first
// publish or subscribe.
func NewKafka(cfg Config, logger *slog.Logger) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "forecastd-" + uuid.NewString()
	}
	groupID := cfg.GroupID
	if groupID == "" {
		groupID = clientID
	}

	var mechanism sasl.Mechanism
	if cfg.Username != "" {
		mechanism = plain.Mechanism{Username: cfg.Username, Password: cfg.Password}
	}

	dialer := &kafka.Dialer{
		ClientID:      clientID,
		Timeout:       cfg.ConnectTimeout,
		DualStack:     true,
		TLS:           cfg.TLS,
		SASLMechanism: mechanism,
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		WriteTimeout:           cfg.ConnectTimeout,
		Transport: &kafka.Transport{
			ClientID:    clientID,
			DialTimeout: cfg.ConnectTimeout,
			TLS:         cfg.TLS,
			SASL:        mechanism,
		},
	}

	return &Kafka{
		brokers: cfg.Brokers,
		groupID: groupID,
		dialer:  dialer,
		writer:  writer,
		logger:  logger.With("transport", "kafka"),
	}, nil
}

// Name returns the transport identifier.
func (k *Kafka) Name() string { return "kafka" }

// Publish writes payload to topic and waits for the leader acknowledgement.
func (k *Kafka) Publish(ctx context.Context, topic string, payload []byte) error {
	err := k.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Value: payload,
		Time:  time.Now(),
	})
	return classify(fmt.Sprintf("kafka publish %s", topic), err)
}

// Subscribe consumes topics as part of the configured consumer group until ctx is done.
func (k *Kafka) Subscribe(ctx context.Context, topics []string, h Handler) error {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		GroupID:     k.groupID,
		GroupTopics: topics,
		Dialer:      k.dialer,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.LastOffset,
	})
	defer func() {
		if err := r.Close(); err != nil {
			k.logger.Warn("failed to close kafka reader", "error", err)
		}
	}()

	k.logger.Info("subscribed", "topics", topics, "group", k.groupID)

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return classify("kafka subscribe", err)
		}
		h(ctx, Message{Topic: m.Topic, Payload: m.Value})
	}
}

// Close flushes and closes the writer.
func (k *Kafka) Close() error {
	return k.writer.Close()
}
