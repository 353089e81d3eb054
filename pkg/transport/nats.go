package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const natsFlushTimeout = 5 * time.Second

// NATS publishes and subscribes over core NATS subjects.
type NATS struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewNATS connects to the configured servers. The connection reconnects forever.
func NewNATS(cfg Config, logger *slog.Logger) (*NATS, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("nats: at least one server is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("transport", "nats")

	name := cfg.ClientID
	if name == "" {
		name = "forecastd-" + uuid.NewString()
	}

	opts := []nats.Option{
		nats.Name(name),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.TLS != nil {
		opts = append(opts, nats.Secure(cfg.TLS))
	}

	nc, err := nats.Connect(strings.Join(cfg.Brokers, ","), opts...)
	if err != nil {
		return nil, classify("nats connect", natsError(err))
	}

	logger.Info("connected", "url", nc.ConnectedUrl())
	return &NATS{conn: nc, logger: logger}, nil
}

// Name returns the transport identifier.
func (n *NATS) Name() string { return "nats" }

// Publish sends payload on subject topic and flushes it to the server.
func (n *NATS) Publish(ctx context.Context, topic string, payload []byte) error {
	op := fmt.Sprintf("nats publish %s", topic)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n.conn.Status() != nats.CONNECTED {
		return classify(op, ErrConnectivity)
	}
	if err := n.conn.Publish(topic, payload); err != nil {
		return classify(op, natsError(err))
	}
	if err := n.conn.FlushTimeout(natsFlushTimeout); err != nil {
		return classify(op, natsError(err))
	}
	return nil
}

// Subscribe registers h on every subject in topics and blocks until ctx is done.
func (n *NATS) Subscribe(ctx context.Context, topics []string, h Handler) error {
	subs := make([]*nats.Subscription, 0, len(topics))
	defer func() {
		for _, s := range subs {
			if err := s.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				n.logger.Warn("failed to unsubscribe", "subject", s.Subject, "error", err)
			}
		}
	}()

	for _, t := range topics {
		s, err := n.conn.Subscribe(t, func(msg *nats.Msg) {
			h(ctx, Message{Topic: msg.Subject, Payload: msg.Data})
		})
		if err != nil {
			return classify("nats subscribe "+t, natsError(err))
		}
		subs = append(subs, s)
	}
	n.logger.Info("subscribed", "topics", topics)

	<-ctx.Done()
	return nil
}

// Close drains and closes the connection.
func (n *NATS) Close() error {
	if err := n.conn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		n.conn.Close()
		return err
	}
	return nil
}

// natsError marks the client's connection-state errors as connectivity failures.
func natsError(err error) error {
	switch {
	case errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrConnectionReconnecting),
		errors.Is(err, nats.ErrConnectionDraining),
		errors.Is(err, nats.ErrNoServers),
		errors.Is(err, nats.ErrStaleConnection),
		errors.Is(err, nats.ErrTimeout):
		return fmt.Errorf("%w: %w", ErrConnectivity, err)
	}
	return err
}
