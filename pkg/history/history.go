// Package history materializes the historical datasets handed to the forecasting
// backend.
//
// Once per wake-up the Refresher pulls the trailing window of every active metric
// from a time-series source and writes it to
//
//	<dir>/<application>_<metric>.csv
//
// with a "Timestamp,ems_time,<metric>" header and CRLF line endings. A metric whose
// refresh fails keeps its previous file.
package history

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/HatiCode/forecastd/pkg/adapters"
	"github.com/HatiCode/forecastd/pkg/metrics"
)

// ErrRefresh marks a failed dataset refresh. It is never fatal: the stale data is
// used for that wake-up.
var ErrRefresh = errors.New("historical data refresh failed")

// maxConcurrentPulls bounds concurrent queries against the time-series store.
const maxConcurrentPulls = 4

// Config locates and sizes the datasets.
type Config struct {
	Dir         string
	Application string
	Window      time.Duration
}

// Refresher pulls series from a Source and writes them as CSV datasets.
type Refresher struct {
	source  adapters.Source
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu  sync.RWMutex
	cfg Config
}

// NewRefresher creates a Refresher. A nil source disables pulling; Dataset still
// resolves paths so a backend can use files provisioned by other means.
func NewRefresher(source adapters.Source, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{source: source, cfg: cfg, logger: logger, metrics: m}
}

// Configure replaces the dataset directory and window. Zero values keep the
// current setting.
func (r *Refresher) Configure(dir string, window time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if dir != "" {
		r.cfg.Dir = dir
	}
	if window > 0 {
		r.cfg.Window = window
	}
}

// Config returns the current configuration.
func (r *Refresher) Config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Dataset returns the dataset path for metric.
func (r *Refresher) Dataset(metric string) string {
	return datasetPath(r.Config(), metric)
}

func datasetPath(cfg Config, metric string) string {
	return filepath.Join(cfg.Dir, cfg.Application+"_"+metric+".csv")
}

// Refresh rewrites the dataset of every metric. All metrics are attempted; the
// failures are joined and wrapped with ErrRefresh.
func (r *Refresher) Refresh(ctx context.Context, metricSet []string) error {
	if r.source == nil || len(metricSet) == 0 {
		return nil
	}

	cfg := r.Config()
	start := time.Now()
	defer func() {
		if r.metrics != nil {
			r.metrics.RecordHistoryRefresh(time.Since(start))
		}
	}()

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrRefresh, cfg.Dir, err)
	}

	var (
		mu   sync.Mutex
		errs []error
	)

	var g errgroup.Group
	g.SetLimit(maxConcurrentPulls)
	for _, metric := range metricSet {
		g.Go(func() error {
			n, err := r.refreshOne(ctx, cfg, metric)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", metric, err))
				mu.Unlock()
				return nil
			}
			r.logger.Debug("dataset refreshed", "metric", metric, "points", n, "path", datasetPath(cfg, metric))
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) > 0 {
		if r.metrics != nil {
			r.metrics.RecordError("history", "refresh_failed")
		}
		return fmt.Errorf("%w: %w", ErrRefresh, errors.Join(errs...))
	}

	r.logger.Info("historical datasets refreshed",
		"metrics", len(metricSet),
		"source", r.source.Name(),
		"window", cfg.Window,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (r *Refresher) refreshOne(ctx context.Context, cfg Config, metric string) (int, error) {
	if metric == "" || strings.ContainsAny(metric, `/\`) || metric == "." || metric == ".." {
		return 0, fmt.Errorf("metric name %q cannot be used in a file name", metric)
	}

	points, err := r.source.Collect(ctx, metric, cfg.Window)
	if err != nil {
		return 0, fmt.Errorf("collect: %w", err)
	}

	path := datasetPath(cfg, metric)
	if err := writeDataset(path, metric, points); err != nil {
		return 0, err
	}
	return len(points), nil
}

// writeDataset writes to a temporary file and renames it over path so readers never
// see a partial dataset.
func writeDataset(path, metric string, points []adapters.Point) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".dataset-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	w.UseCRLF = true

	if err := w.Write([]string{"Timestamp", "ems_time", metric}); err != nil {
		tmp.Close()
		return fmt.Errorf("write header: %w", err)
	}
	for _, p := range points {
		ts := strconv.FormatInt(p.Time.Unix(), 10)
		if err := w.Write([]string{ts, ts, strconv.FormatFloat(p.Value, 'f', -1, 64)}); err != nil {
			tmp.Close()
			return fmt.Errorf("write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush dataset: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close dataset: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
