package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/HatiCode/forecastd/pkg/backend"
	"github.com/HatiCode/forecastd/pkg/dispatch"
	"github.com/HatiCode/forecastd/pkg/metrics"
	"github.com/HatiCode/forecastd/pkg/publish"
	"github.com/HatiCode/forecastd/pkg/schedule"
)

// Cycler runs one forecast cycle for a set of metrics.
type Cycler interface {
	RunCycle(ctx context.Context, metricSet []string, target time.Time) (map[string]backend.Result, error)
}

// ResultPublisher delivers one valid result.
type ResultPublisher interface {
	Publish(ctx context.Context, res backend.Result, target time.Time) error
}

// Preparer runs once per wake-up, after the sleep and before the first cycle, to
// reload configuration and refresh historical data. Failures are its own to log;
// the batch proceeds with whatever data is in place.
type Preparer interface {
	Prepare(ctx context.Context, metricSet []string)
}

// PreparerFunc adapts a function to Preparer.
type PreparerFunc func(ctx context.Context, metricSet []string)

// Prepare implements Preparer.
func (f PreparerFunc) Prepare(ctx context.Context, metricSet []string) { f(ctx, metricSet) }

// Runner drives batches of forecast cycles while the state is running.
type Runner struct {
	state     *State
	cycler    Cycler
	publisher ResultPublisher
	preparer  Preparer
	logger    *slog.Logger
	metrics   *metrics.Metrics

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// first target of the previous wake-up of the current run; only touched by the
	// live runner
	lastTarget time.Time
}

// NewRunner creates a Runner. preparer and m may be nil.
func NewRunner(state *State, cycler Cycler, publisher ResultPublisher, preparer Preparer, logger *slog.Logger, m *metrics.Metrics) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		state:     state,
		cycler:    cycler,
		publisher: publisher,
		preparer:  preparer,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
		sleep:     schedule.Sleep,
	}
}

// Run loops over wake-ups until stop is closed or the state stops running.
//
// Jobs run under ctx and are never cancelled by stop: a cycle in flight when stop
// arrives completes, and its results for removed metrics are discarded. Sleeping and
// publish retries end as soon as stop is closed.
func (r *Runner) Run(ctx context.Context, stop <-chan struct{}) {
	stopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-stopCtx.Done():
		}
	}()

	r.lastTarget = time.Time{}

	if r.metrics != nil {
		r.metrics.SetRunning(true)
		defer r.metrics.SetRunning(false)
	}
	r.logger.Info("batch runner started")
	defer r.logger.Info("batch runner exited")

	for {
		snap := r.state.Snapshot()
		if !r.live(stopCtx, snap) {
			return
		}

		target := r.nextTarget(snap.Cycle)
		wait := schedule.Wait(target, snap.Cycle.Horizon, r.now())

		r.logger.Info("next batch scheduled",
			"target", target.Unix(),
			"starts_at", target.Add(-snap.Cycle.Horizon).Unix(),
			"wait", wait.Round(time.Millisecond),
			"processing_margin", snap.Cycle.ProcessingMargin,
		)

		if err := r.sleep(stopCtx, wait); err != nil {
			return
		}

		r.runBatch(ctx, stopCtx, target, snap.Cycle)
	}
}

// nextTarget computes the first target of the next wake-up, never issuing one at or
// before the previous wake-up's.
func (r *Runner) nextTarget(cycle schedule.CycleConfig) time.Time {
	target := schedule.NextTarget(r.now(), cycle.EpochStart, cycle.Horizon, cycle.ProcessingMargin)
	if !r.lastTarget.IsZero() && !target.After(r.lastTarget) {
		n := r.lastTarget.Sub(target)/cycle.Horizon + 1
		target = target.Add(n * cycle.Horizon)
	}
	r.lastTarget = target
	return target
}

func (r *Runner) live(stopCtx context.Context, snap Snapshot) bool {
	return stopCtx.Err() == nil && snap.Run == Running && len(snap.Metrics) > 0
}

// runBatch produces up to BatchSize successive forecasts starting at target.
//
// The batch ends early when a cycle fails, when any metric's result is invalid, or
// when a checkpoint observes a stop. The first cycle's job durations feed the
// processing margin.
func (r *Runner) runBatch(ctx, stopCtx context.Context, target time.Time, cycle schedule.CycleConfig) {
	if r.preparer != nil {
		r.preparer.Prepare(stopCtx, r.state.Snapshot().Metrics)
	}

	var first map[string]backend.Result
	defer func() {
		if first == nil {
			return
		}
		if margin, raised := r.state.RaiseMargin(dispatch.MaxDuration(first)); raised {
			r.logger.Info("processing margin raised", "processing_margin", margin)
			if r.metrics != nil {
				r.metrics.SetProcessingMargin(margin)
			}
		}
	}()

	for i := range cycle.BatchSize {
		snap := r.state.Snapshot()
		if !r.live(stopCtx, snap) {
			r.recordIteration("stopped")
			return
		}

		t := target.Add(time.Duration(i) * cycle.Horizon)
		started := r.now()

		results, err := r.cycler.RunCycle(ctx, snap.Metrics, t)
		if err != nil {
			r.logger.Error("forecast cycle failed, ending batch early",
				"iteration", i,
				"target", t.Unix(),
				"error", err,
			)
			r.recordIteration("failed")
			return
		}
		if i == 0 {
			first = results
		}

		if bad := invalidMetrics(snap.Metrics, results); len(bad) > 0 {
			r.logger.Warn("ending batch early",
				"iteration", i,
				"target", t.Unix(),
				"error", fmt.Errorf("%w: %v", ErrInvalidResult, bad),
			)
			r.recordIteration("invalid")
			if r.metrics != nil {
				r.metrics.RecordError("runner", "invalid_result")
			}
			return
		}

		if !r.publishAll(stopCtx, snap.Metrics, results, t) {
			r.recordIteration("stopped")
			return
		}

		r.recordIteration("published")
		if r.metrics != nil {
			r.metrics.RecordCycle(r.now().Sub(started))
		}
	}
}

// publishAll publishes each result in metric order, skipping metrics removed since
// the cycle was dispatched. It returns false once stopCtx is done.
func (r *Runner) publishAll(stopCtx context.Context, metricSet []string, results map[string]backend.Result, target time.Time) bool {
	for _, m := range metricSet {
		if stopCtx.Err() != nil {
			return false
		}
		if !r.state.Contains(m) {
			r.logger.Debug("discarding result for removed metric", "metric", m, "target", target.Unix())
			continue
		}

		err := r.publisher.Publish(stopCtx, results[m], target)
		switch {
		case err == nil:
		case stopCtx.Err() != nil:
			return false
		case errors.Is(err, publish.ErrUnbound):
			r.logger.Debug("metric unbound while publishing", "metric", m)
		default:
			r.logger.Error("failed to publish prediction", "metric", m, "target", target.Unix(), "error", err)
		}
	}
	return stopCtx.Err() == nil
}

func (r *Runner) recordIteration(outcome string) {
	if r.metrics != nil {
		r.metrics.RecordIteration(outcome)
	}
}

// invalidMetrics lists metrics whose result is missing or not valid.
func invalidMetrics(metricSet []string, results map[string]backend.Result) []string {
	var bad []string
	for _, m := range metricSet {
		if res, ok := results[m]; !ok || !res.Valid {
			bad = append(bad, m)
		}
	}
	slices.Sort(bad)
	return bad
}
