package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/HatiCode/forecastd/pkg/control"
	"github.com/HatiCode/forecastd/pkg/metrics"
	"github.com/HatiCode/forecastd/pkg/transport"
)

// Binder maintains the per-metric sink bindings.
type Binder interface {
	Replace(metricSet []string)
	Unbind(metricSet ...string)
}

// Announcer publishes component state changes.
type Announcer interface {
	Announce(ctx context.Context, state ComponentState)
}

// ControllerConfig wires a Controller.
type ControllerConfig struct {
	State   *State
	Runner  *Runner
	Binder  Binder
	Decoder *control.Decoder
	// Announcer is optional.
	Announcer Announcer
	// InitialMargin returns the processing margin a fresh runner starts with.
	InitialMargin func() time.Duration
	// OnStateChange, when set, is called after every run state transition.
	OnStateChange func(RunState)
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// Controller is the lifecycle state machine driven by control messages.
//
// Commands are applied one at a time. A start while stopped launches the runner; a
// start while running only replaces the metric set and timing. A stop that empties
// the metric set signals the runner and waits for it to exit.
type Controller struct {
	mu sync.Mutex

	state         *State
	runner        *Runner
	binder        Binder
	decoder       *control.Decoder
	announcer     Announcer
	initialMargin func() time.Duration
	onStateChange func(RunState)
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

// NewController creates a Controller from cfg.
func NewController(cfg ControllerConfig) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	initial := cfg.InitialMargin
	if initial == nil {
		initial = func() time.Duration { return 0 }
	}
	return &Controller{
		state:         cfg.State,
		runner:        cfg.Runner,
		binder:        cfg.Binder,
		decoder:       cfg.Decoder,
		announcer:     cfg.Announcer,
		initialMargin: initial,
		onStateChange: cfg.OnStateChange,
		logger:        logger,
		metrics:       cfg.Metrics,
	}
}

// Handle decodes msg and applies it. Malformed messages are logged and leave the
// state untouched.
func (c *Controller) Handle(ctx context.Context, msg transport.Message) {
	cmd, err := c.decoder.Decode(msg.Topic, msg.Payload)
	if err != nil {
		c.logger.Warn("rejected control message", "topic", msg.Topic, "error", err)
		if c.metrics != nil {
			c.metrics.RecordError("controller", "malformed_message")
		}
		return
	}

	switch cmd := cmd.(type) {
	case control.Start:
		if err := c.Start(ctx, cmd); err != nil {
			c.logger.Error("start interrupted", "error", err)
		}
	case control.Stop:
		if err := c.Stop(ctx, cmd); err != nil {
			c.logger.Error("stop interrupted", "error", err)
		}
	case control.Unrecognized:
		c.logger.Debug("ignoring message on unrecognized topic", "topic", cmd.Topic)
	}
}

// Start applies a start command. The runner is launched under ctx.
//
// A runner whose stop timed out may still be finishing its cycle. Start waits for it
// to exit before launching another, and leaves the state untouched if ctx ends first.
func (c *Controller) Start(ctx context.Context, cmd control.Start) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.awaitExit(ctx); err != nil {
		return err
	}

	c.binder.Replace(cmd.Metrics)

	margin := c.initialMargin()
	stop, done, launch := c.state.start(cmd.Metrics, cmd.EpochStart, cmd.Horizon, margin)
	if c.metrics != nil {
		c.metrics.SetActiveMetrics(len(cmd.Metrics))
	}

	if !launch {
		c.logger.Info("forecasting reconfigured",
			"metrics", cmd.Metrics,
			"epoch_start", cmd.EpochStart.Unix(),
			"horizon", cmd.Horizon,
		)
		return nil
	}

	c.logger.Info("forecasting started",
		"metrics", cmd.Metrics,
		"epoch_start", cmd.EpochStart.Unix(),
		"horizon", cmd.Horizon,
		"processing_margin", margin,
	)
	if c.metrics != nil {
		c.metrics.SetProcessingMargin(margin)
	}

	go func() {
		defer close(done)
		c.runner.Run(context.WithoutCancel(ctx), stop)
	}()

	c.announce(ctx, StateForecasting)
	c.changed(Running)
	return nil
}

// Stop applies a stop command. Metrics not being forecast are ignored. When the
// last metric is removed, Stop blocks until the runner has exited or ctx is done.
func (c *Controller) Stop(ctx context.Context, cmd control.Stop) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	remaining, stop, done := c.state.remove(cmd.Metrics)
	c.binder.Unbind(cmd.Metrics...)
	if c.metrics != nil {
		c.metrics.SetActiveMetrics(remaining)
	}

	if stop == nil {
		c.logger.Info("stopped forecasting metrics", "metrics", cmd.Metrics, "remaining", remaining)
		return nil
	}
	return c.join(ctx, stop, done)
}

// Shutdown stops forecasting every metric and waits for the runner to exit.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := c.state.Snapshot()
	stop, done := c.state.clear()
	c.binder.Unbind(snap.Metrics...)
	if c.metrics != nil {
		c.metrics.SetActiveMetrics(0)
	}
	if stop == nil {
		return c.awaitExit(ctx)
	}
	return c.join(ctx, stop, done)
}

// Status returns a snapshot of the scheduler state.
func (c *Controller) Status() Snapshot {
	return c.state.Snapshot()
}

// Running reports whether a runner is live.
func (c *Controller) Running() bool {
	return c.state.Snapshot().Run == Running
}

func (c *Controller) join(ctx context.Context, stop, done chan struct{}) error {
	c.logger.Info("stopping forecasting")
	c.announce(ctx, StateStopping)

	close(stop)
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(errors.New("runner did not exit before the deadline"), ctx.Err())
	}

	c.logger.Info("forecasting stopped")
	c.announce(ctx, StateStopped)
	c.changed(Stopped)
	return nil
}

// awaitExit blocks until a previously stopped runner that outlived its join has exited.
func (c *Controller) awaitExit(ctx context.Context) error {
	done := c.state.exiting()
	if done == nil {
		return nil
	}
	c.logger.Warn("waiting for the previous runner to exit")
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("previous runner still running"), ctx.Err())
	}
}

func (c *Controller) announce(ctx context.Context, s ComponentState) {
	if c.announcer != nil {
		c.announcer.Announce(ctx, s)
	}
}

func (c *Controller) changed(s RunState) {
	if c.onStateChange != nil {
		c.onStateChange(s)
	}
}
