// Package storage keeps the latest published prediction per metric.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/HatiCode/forecastd/pkg/backend"
)

// Prediction is one forecast result as it was delivered to its sink.
type Prediction struct {
	Metric      string             `json:"metric"`
	Value       float64            `json:"value"`
	Lower       float64            `json:"lower"`
	Upper       float64            `json:"upper"`
	Target      time.Time          `json:"target"`
	PublishedAt time.Time          `json:"publishedAt"`
	Topic       string             `json:"topic"`
	Stats       backend.ErrorStats `json:"stats"`
}

// Store records and returns the latest prediction per metric.
type Store interface {
	Put(ctx context.Context, p Prediction) error
	GetLatest(ctx context.Context, metric string) (Prediction, bool, error)
}

// validateMetric rejects names that cannot be used as a storage key.
func validateMetric(metric string) error {
	if metric == "" {
		return errors.New("metric name required")
	}
	for _, c := range metric {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') || c == '-' || c == '_' || c == '.' || c == ':') {
			return fmt.Errorf("invalid metric name %q: only alphanumeric, '-', '_', '.', and ':' allowed", metric)
		}
	}
	return nil
}
