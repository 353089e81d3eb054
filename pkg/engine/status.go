package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/HatiCode/forecastd/pkg/transport"
)

// ComponentState is a lifecycle phase announced to other components.
type ComponentState string

const (
	StateStarting    ComponentState = "starting"
	StateStarted     ComponentState = "started"
	StateForecasting ComponentState = "forecasting"
	StateStopping    ComponentState = "stopping"
	StateStopped     ComponentState = "stopped"
)

// StatusPublisher announces component state on a fixed topic.
// Publish failures are logged and otherwise ignored.
type StatusPublisher struct {
	pub    transport.Publisher
	topic  string
	logger *slog.Logger
}

// NewStatusPublisher creates a StatusPublisher for topic.
func NewStatusPublisher(pub transport.Publisher, topic string, logger *slog.Logger) *StatusPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusPublisher{pub: pub, topic: topic, logger: logger}
}

type stateMessage struct {
	State   ComponentState `json:"state"`
	Message *string        `json:"message"`
}

// Announce publishes {"state": s, "message": null}.
func (p *StatusPublisher) Announce(ctx context.Context, s ComponentState) {
	payload, err := json.Marshal(stateMessage{State: s})
	if err != nil {
		p.logger.Warn("failed to encode component state", "state", s, "error", err)
		return
	}
	if err := p.pub.Publish(ctx, p.topic, payload); err != nil {
		p.logger.Warn("failed to announce component state", "state", s, "topic", p.topic, "error", err)
		return
	}
	p.logger.Debug("announced component state", "state", s)
}
