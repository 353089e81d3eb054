package transport

import (
	"context"
	"sync"
)

// Memory is an in-process broker. Every subscription matching a topic receives a
// copy of each message published to it, in publish order.
type Memory struct {
	mu        sync.RWMutex
	subs      map[*memorySub]struct{}
	published []Message
	closed    bool
}

type memorySub struct {
	topics map[string]struct{}
	ch     chan Message
}

// NewMemory creates an empty in-process broker.
func NewMemory() *Memory {
	return &Memory{subs: make(map[*memorySub]struct{})}
}

// Name returns the transport identifier.
func (m *Memory) Name() string { return "memory" }

// Publish delivers payload to all subscriptions of topic.
func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return classify("memory publish", ErrConnectivity)
	}
	m.published = append(m.published, msg)
	targets := make([]*memorySub, 0, len(m.subs))
	for s := range m.subs {
		if _, ok := s.topics[topic]; ok {
			targets = append(targets, s)
		}
	}
	m.mu.Unlock()

	for _, s := range targets {
		select {
		case s.ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers h for topics and blocks until ctx is done.
func (m *Memory) Subscribe(ctx context.Context, topics []string, h Handler) error {
	s := &memorySub{
		topics: make(map[string]struct{}, len(topics)),
		ch:     make(chan Message, 64),
	}
	for _, t := range topics {
		s.topics[t] = struct{}{}
	}

	m.mu.Lock()
	m.subs[s] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.subs, s)
		m.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-s.ch:
			h(ctx, msg)
		}
	}
}

// Published returns a copy of every message published to topic so far.
func (m *Memory) Published(topic string) []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Message
	for _, msg := range m.published {
		if msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

// Close makes further publishes fail with ErrConnectivity.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
