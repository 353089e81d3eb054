// Package publish delivers forecast results to per-metric sinks.
//
// Each active metric is bound to one destination topic. A publish that fails
// because the broker is unreachable is retried with exponential backoff until it
// succeeds, the metric's binding is removed, or the context ends. Any other
// failure is returned immediately.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/HatiCode/forecastd/pkg/backend"
	"github.com/HatiCode/forecastd/pkg/metrics"
	"github.com/HatiCode/forecastd/pkg/storage"
	"github.com/HatiCode/forecastd/pkg/transport"
)

// ErrUnbound is returned when a result's metric has no sink, including when the
// binding is removed while a publish is being retried.
var ErrUnbound = errors.New("publish: metric has no bound sink")

// Sink is the destination bound to one metric.
type Sink struct {
	Metric string
	Topic  string
}

// TopicFunc maps a metric to its result topic.
type TopicFunc func(metric string) string

// Options are the constant fields stamped on every result message.
type Options struct {
	Level       int
	Probability float64
	RefersTo    string
	Cloud       string
	Provider    string
}

// DefaultOptions returns level 3 with probability 0.95.
func DefaultOptions() Options {
	return Options{Level: 3, Probability: 0.95}
}

// Message is the JSON body published for one prediction.
type Message struct {
	MetricValue        float64    `json:"metricValue"`
	Level              int        `json:"level"`
	Timestamp          int64      `json:"timestamp"`
	Probability        float64    `json:"probability"`
	ConfidenceInterval [2]float64 `json:"confidence_interval"`
	PredictionTime     int64      `json:"predictionTime"`
	RefersTo           string     `json:"refersTo"`
	Cloud              string     `json:"cloud"`
	Provider           string     `json:"provider"`
}

// Pipeline owns the sink bindings and publishes results through a transport.
type Pipeline struct {
	pub     transport.Publisher
	topic   TopicFunc
	opts    Options
	store   storage.Store
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	sinks map[string]Sink

	newBackOff func() backoff.BackOff
	now        func() time.Time
}

// New creates a Pipeline. store and m may be nil.
func New(pub transport.Publisher, topic TopicFunc, opts Options, store storage.Store, logger *slog.Logger, m *metrics.Metrics) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		pub:        pub,
		topic:      topic,
		opts:       opts,
		store:      store,
		logger:     logger,
		metrics:    m,
		sinks:      make(map[string]Sink),
		newBackOff: defaultBackOff,
		now:        time.Now,
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Bind creates a sink for each metric. Existing bindings are kept.
func (p *Pipeline) Bind(metricSet ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range metricSet {
		if _, ok := p.sinks[m]; !ok {
			p.sinks[m] = Sink{Metric: m, Topic: p.topic(m)}
		}
	}
}

// Unbind removes the sinks of the given metrics. Unknown metrics are ignored.
func (p *Pipeline) Unbind(metricSet ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range metricSet {
		delete(p.sinks, m)
	}
}

// Replace binds exactly metricSet, dropping every other sink.
func (p *Pipeline) Replace(metricSet []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := make(map[string]Sink, len(metricSet))
	for _, m := range metricSet {
		if s, ok := p.sinks[m]; ok {
			next[m] = s
			continue
		}
		next[m] = Sink{Metric: m, Topic: p.topic(m)}
	}
	p.sinks = next
}

// Sink returns the binding for metric.
func (p *Pipeline) Sink(metric string) (Sink, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sinks[metric]
	return s, ok
}

// Encode builds the message for res predicted for target, stamped with publishedAt.
func (p *Pipeline) Encode(res backend.Result, target, publishedAt time.Time) Message {
	return Message{
		MetricValue:        res.Value,
		Level:              p.opts.Level,
		Timestamp:          publishedAt.Unix(),
		Probability:        p.opts.Probability,
		ConfidenceInterval: [2]float64{res.Lower, res.Upper},
		PredictionTime:     target.Unix(),
		RefersTo:           p.opts.RefersTo,
		Cloud:              p.opts.Cloud,
		Provider:           p.opts.Provider,
	}
}

// Publish sends res to the sink bound to res.Metric.
//
// Connectivity failures are retried until delivery, until the metric is unbound
// (ErrUnbound), or until ctx is done. Exactly one message is delivered on success.
func (p *Pipeline) Publish(ctx context.Context, res backend.Result, target time.Time) error {
	sink, ok := p.Sink(res.Metric)
	if !ok {
		p.record(res.Metric, "unbound")
		return fmt.Errorf("%w: %s", ErrUnbound, res.Metric)
	}

	publishedAt := p.now()
	payload, err := json.Marshal(p.Encode(res, target, publishedAt))
	if err != nil {
		p.record(res.Metric, "failed")
		return fmt.Errorf("encode prediction for %s: %w", res.Metric, err)
	}

	op := func() error {
		if _, ok := p.Sink(res.Metric); !ok {
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrUnbound, res.Metric))
		}
		err := p.pub.Publish(ctx, sink.Topic, payload)
		if err == nil {
			return nil
		}
		if ctx.Err() == nil && transport.IsConnectivityError(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	notify := func(err error, wait time.Duration) {
		p.logger.Warn("publish failed, retrying",
			"metric", res.Metric,
			"topic", sink.Topic,
			"retry_in", wait,
			"error", err,
		)
		if p.metrics != nil {
			p.metrics.RecordPublishRetry(res.Metric)
		}
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(p.newBackOff(), ctx), notify); err != nil {
		if errors.Is(err, ErrUnbound) {
			p.record(res.Metric, "unbound")
		} else {
			p.record(res.Metric, "failed")
		}
		return fmt.Errorf("publish %s to %s: %w", res.Metric, sink.Topic, err)
	}

	p.record(res.Metric, "delivered")
	p.logger.Info("published prediction",
		"metric", res.Metric,
		"topic", sink.Topic,
		"target", target.Unix(),
		"value", res.Value,
	)

	if p.store != nil {
		pred := storage.Prediction{
			Metric:      res.Metric,
			Value:       res.Value,
			Lower:       res.Lower,
			Upper:       res.Upper,
			Target:      target,
			PublishedAt: publishedAt,
			Topic:       sink.Topic,
			Stats:       res.Stats,
		}
		if err := p.store.Put(context.WithoutCancel(ctx), pred); err != nil {
			p.logger.Warn("failed to record prediction", "metric", res.Metric, "error", err)
			if p.metrics != nil {
				p.metrics.RecordError("publish", "store_failed")
			}
		}
	}
	return nil
}

func (p *Pipeline) record(metric, outcome string) {
	if p.metrics != nil {
		p.metrics.RecordPublish(metric, outcome)
	}
}
