// Package transport provides the publish/subscribe seam the predictor talks through.
//
// Control messages arrive on subscribed topics and forecast results are published
// to per-metric topics. The broker behind the seam is interchangeable:
//   - Kafka: segmentio/kafka-go writer + consumer-group reader
//   - MQTT: eclipse/paho.mqtt.golang client
//   - NATS: nats-io/nats.go core publish/subscribe
//   - Memory: in-process bus for tests and local runs
//
// Publish failures caused by an unreachable broker are reported wrapping
// ErrConnectivity so callers can retry them; everything else is permanent.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"
)

// ErrConnectivity marks a publish or subscribe failure caused by the broker being
// unreachable or the connection being lost.
var ErrConnectivity = errors.New("transport: connectivity failure")

// Message is a payload received on, or sent to, a topic.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler processes one received message.
type Handler func(ctx context.Context, msg Message)

// Publisher sends payloads to topics.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Subscriber delivers messages from topics to a handler.
// Subscribe blocks until ctx is done or the subscription fails.
type Subscriber interface {
	Subscribe(ctx context.Context, topics []string, h Handler) error
}

// Transport is a connected broker client.
type Transport interface {
	Publisher
	Subscriber
	Name() string
	Close() error
}

// Config holds broker connection settings shared by all transports.
type Config struct {
	// Kind selects the broker: kafka, mqtt, nats or memory.
	Kind string
	// Brokers are broker addresses (host:port for kafka, URLs for mqtt and nats).
	Brokers  []string
	Username string
	Password string
	// ClientID identifies this process to the broker; generated when empty.
	ClientID string
	// GroupID is the Kafka consumer group for control topics.
	GroupID        string
	TLS            *tls.Config
	ConnectTimeout time.Duration
}

// New creates a transport of cfg.Kind.
func New(cfg Config, logger *slog.Logger) (Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	switch cfg.Kind {
	case "kafka":
		return NewKafka(cfg, logger)
	case "mqtt":
		return NewMQTT(cfg, logger)
	case "nats":
		return NewNATS(cfg, logger)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown transport kind: %s (must be kafka, mqtt, nats, or memory)", cfg.Kind)
	}
}

// IsConnectivityError reports whether err was caused by the broker being unreachable.
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnectivity) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var kerr kafka.Error
	if errors.As(err, &kerr) {
		return kerr.Temporary()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}
	return false
}

// classify wraps err with ErrConnectivity when it is a connectivity failure.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsConnectivityError(err) && !errors.Is(err, ErrConnectivity) {
		return fmt.Errorf("%s: %w: %w", op, ErrConnectivity, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
