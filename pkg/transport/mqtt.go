package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const mqttQoS = 1

// MQTT publishes and subscribes with QoS 1 over a single auto-reconnecting client.
type MQTT struct {
	client mqtt.Client
	logger *slog.Logger
}

// NewMQTT connects to the configured brokers.
func NewMQTT(cfg Config, logger *slog.Logger) (*MQTT, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("mqtt: at least one broker is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("transport", "mqtt")

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "forecastd-" + uuid.NewString()
	}

	opts := mqtt.NewClientOptions()
	for _, b := range cfg.Brokers {
		opts.AddBroker(b)
	}
	opts.SetClientID(clientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetOrderMatters(false)
	if cfg.TLS != nil {
		opts.SetTLSConfig(cfg.TLS)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("connection lost", "error", err)
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		logger.Info("reconnecting")
	})

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect: %w: timed out after %s", ErrConnectivity, cfg.ConnectTimeout)
	}
	if err := tok.Error(); err != nil {
		return nil, classify("mqtt connect", fmt.Errorf("%w: %w", ErrConnectivity, err))
	}

	logger.Info("connected", "brokers", cfg.Brokers, "client_id", clientID)
	return &MQTT{client: client, logger: logger}, nil
}

// Name returns the transport identifier.
func (m *MQTT) Name() string { return "mqtt" }

// Publish sends payload to topic and waits for the broker acknowledgement.
func (m *MQTT) Publish(ctx context.Context, topic string, payload []byte) error {
	op := fmt.Sprintf("mqtt publish %s", topic)
	if !m.client.IsConnectionOpen() {
		return classify(op, ErrConnectivity)
	}
	return classify(op, wait(ctx, m.client.Publish(topic, mqttQoS, false, payload)))
}

// Subscribe registers h for topics and blocks until ctx is done.
func (m *MQTT) Subscribe(ctx context.Context, topics []string, h Handler) error {
	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = mqttQoS
	}

	tok := m.client.SubscribeMultiple(filters, func(_ mqtt.Client, msg mqtt.Message) {
		h(ctx, Message{Topic: msg.Topic(), Payload: msg.Payload()})
	})
	if err := wait(ctx, tok); err != nil {
		return classify("mqtt subscribe", err)
	}
	m.logger.Info("subscribed", "topics", topics)

	<-ctx.Done()

	tok = m.client.Unsubscribe(topics...)
	tok.WaitTimeout(5 * time.Second)
	return nil
}

// Close disconnects, allowing in-flight work a short grace period.
func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}

func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
