// Package dispatch fans one forecast job per metric out to the backend and joins them.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/HatiCode/forecastd/pkg/backend"
	"github.com/HatiCode/forecastd/pkg/metrics"
)

// DatasetLocator resolves the historical data reference for a metric.
type DatasetLocator interface {
	Dataset(metric string) string
}

// DatasetFunc adapts a function to DatasetLocator.
type DatasetFunc func(metric string) string

// Dataset implements DatasetLocator.
func (f DatasetFunc) Dataset(metric string) string { return f(metric) }

// Dispatcher runs one cycle of forecast jobs, one per metric, concurrently.
type Dispatcher struct {
	backend  backend.Backend
	datasets DatasetLocator
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New creates a Dispatcher. datasets may be nil, in which case jobs carry an empty
// dataset reference.
func New(b backend.Backend, datasets DatasetLocator, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if datasets == nil {
		datasets = DatasetFunc(func(string) string { return "" })
	}

	return &Dispatcher{
		backend:  b,
		datasets: datasets,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// RunCycle submits a job per metric for target and waits for all of them.
//
// The pool is bounded by the number of metrics. If any backend invocation fails the
// remaining jobs are cancelled, all are joined, and the error is returned with no
// partial results. Each result carries its own wall-clock duration.
func (d *Dispatcher) RunCycle(ctx context.Context, metricSet []string, target time.Time) (map[string]backend.Result, error) {
	if len(metricSet) == 0 {
		return map[string]backend.Result{}, nil
	}

	results := make([]backend.Result, len(metricSet))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(metricSet))

	d.logger.Debug("dispatching forecast jobs",
		"backend", d.backend.Name(),
		"metrics", len(metricSet),
		"target", target.Unix(),
	)

	for i, metric := range metricSet {
		g.Go(func() error {
			job := backend.Job{
				Metric:  metric,
				Dataset: d.datasets.Dataset(metric),
				Target:  target,
			}

			start := d.now()
			res, err := d.backend.Submit(gctx, job)
			elapsed := d.now().Sub(start)

			if d.metrics != nil {
				d.metrics.RecordJob(metric, elapsed)
			}
			if err != nil {
				return fmt.Errorf("forecast %q for %d: %w", metric, target.Unix(), err)
			}

			res.Metric = metric
			res.Duration = elapsed
			results[i] = res

			d.logger.Debug("forecast job complete",
				"metric", metric,
				"target", target.Unix(),
				"valid", res.Valid,
				"duration_ms", elapsed.Milliseconds(),
			)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if d.metrics != nil {
			d.metrics.RecordError("dispatch", "backend_failed")
		}
		return nil, err
	}

	out := make(map[string]backend.Result, len(results))
	for _, r := range results {
		out[r.Metric] = r
	}
	return out, nil
}

// MaxDuration returns the longest job duration among results.
func MaxDuration(results map[string]backend.Result) time.Duration {
	var longest time.Duration
	for _, r := range results {
		if r.Duration > longest {
			longest = r.Duration
		}
	}
	return longest
}
