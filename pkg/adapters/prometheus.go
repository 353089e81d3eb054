package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// Prometheus runs range queries against a Prometheus-compatible HTTP API.
//
// The query is a template evaluated per metric, e.g.
//
//	avg(rate({{.Metric}}[1m]))
//
// If the query returns several series, values at the same timestamp are summed.
type Prometheus struct {
	api   v1.API
	query string
	step  time.Duration
	now   func() time.Time
}

// NewPrometheus creates a source for the server at address. A nil roundTripper
// uses the client library default. step defaults to one minute.
func NewPrometheus(address, query string, step time.Duration, roundTripper http.RoundTripper) (*Prometheus, error) {
	if address == "" {
		return nil, errors.New("prometheus adapter: address is required")
	}
	if query == "" {
		return nil, errors.New("prometheus adapter: query is required")
	}
	if step <= 0 {
		step = time.Minute
	}

	cfg := api.Config{Address: address}
	if roundTripper != nil {
		cfg.RoundTripper = roundTripper
	}
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("prometheus adapter: %w", err)
	}

	return &Prometheus{
		api:   v1.NewAPI(client),
		query: query,
		step:  step,
		now:   time.Now,
	}, nil
}

func (p *Prometheus) Name() string { return "prometheus" }

// Collect implements Source.
func (p *Prometheus) Collect(ctx context.Context, metric string, window time.Duration) ([]Point, error) {
	end := p.now().UTC().Truncate(time.Second)
	start := end.Add(-window)

	query, err := render(p.query, newTemplateData(metric, start, end, p.step, nil))
	if err != nil {
		return nil, fmt.Errorf("render query for %s: %w", metric, err)
	}

	value, _, err := p.api.QueryRange(ctx, query, v1.Range{Start: start, End: end, Step: p.step})
	if err != nil {
		return nil, fmt.Errorf("prometheus query_range %q: %w", query, err)
	}

	matrix, ok := value.(model.Matrix)
	if !ok {
		return nil, fmt.Errorf("prometheus query_range %q: unexpected result type %s", query, value.Type())
	}
	return sumSeries(matrix), nil
}

// sumSeries merges all series of m into one, summing values that share a timestamp.
func sumSeries(m model.Matrix) []Point {
	acc := make(map[model.Time]float64)
	for _, stream := range m {
		for _, sample := range stream.Values {
			acc[sample.Timestamp] += float64(sample.Value)
		}
	}

	points := make([]Point, 0, len(acc))
	for ts, v := range acc {
		points = append(points, Point{Time: ts.Time().UTC(), Value: v})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Time.Before(points[j].Time) })
	return points
}
