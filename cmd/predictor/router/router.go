// Package router configures the predictor's HTTP API.
//
// Routes:
//   - GET /predictions/current?metric=<name> - latest prediction delivered for a metric
//   - GET /status - run state, metric set and cycle timing
//   - GET /healthz - health check
//   - GET /metrics - Prometheus metrics
//
// A prediction whose target lies more than two horizons in the past is flagged
// with an X-Forecastd-Stale header.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HatiCode/forecastd/pkg/engine"
	"github.com/HatiCode/forecastd/pkg/httpx"
	"github.com/HatiCode/forecastd/pkg/storage"
)

var metricNameRegex = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,253}$`)

// StatusSource reports the scheduler state.
type StatusSource interface {
	Status() engine.Snapshot
}

// Deps are the collaborators served by the routes.
type Deps struct {
	Store    storage.Store
	Status   StatusSource
	Gatherer prometheus.Gatherer
	// Health is optional; nil always reports healthy.
	Health func() error
	Logger *slog.Logger
	Now    func() time.Time
}

// SetupRoutes returns the API handler wrapped in recovery and request logging.
func SetupRoutes(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.Handle("GET /healthz", httpx.HealthHandler(d.Health))
	mux.HandleFunc("GET /predictions/current", handleCurrent(d))
	mux.HandleFunc("GET /status", handleStatus(d))
	mux.Handle("GET /metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))

	return httpx.Chain(mux, httpx.RecoveryMiddleware(d.Logger), httpx.LoggingMiddleware(d.Logger))
}

type predictionResponse struct {
	Metric             string     `json:"metric"`
	Value              float64    `json:"value"`
	ConfidenceInterval [2]float64 `json:"confidenceInterval"`
	Target             int64      `json:"predictionTime"`
	PublishedAt        string     `json:"publishedAt"`
	Topic              string     `json:"topic"`
	MAE                float64    `json:"mae"`
	MSE                float64    `json:"mse"`
	MAPE               float64    `json:"mape"`
	SMAPE              float64    `json:"smape"`
}

func handleCurrent(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metric := r.URL.Query().Get("metric")
		if metric == "" {
			httpx.WriteErrorMessage(w, http.StatusBadRequest, "metric parameter required")
			return
		}
		if !metricNameRegex.MatchString(metric) {
			httpx.WriteErrorMessage(w, http.StatusBadRequest, "invalid metric name format")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		p, found, err := d.Store.GetLatest(ctx, metric)
		if err != nil {
			d.Logger.Error("failed to get prediction", "metric", metric, "error", err)
			httpx.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if !found {
			httpx.WriteErrorMessage(w, http.StatusNotFound, fmt.Sprintf("no prediction for metric %q", metric))
			return
		}

		if horizon := d.Status.Status().Cycle.Horizon; horizon > 0 && d.Now().Sub(p.Target) > 2*horizon {
			w.Header().Set("X-Forecastd-Stale", "true")
		}

		resp := predictionResponse{
			Metric:             p.Metric,
			Value:              p.Value,
			ConfidenceInterval: [2]float64{p.Lower, p.Upper},
			Target:             p.Target.Unix(),
			PublishedAt:        p.PublishedAt.UTC().Format(time.RFC3339),
			Topic:              p.Topic,
			MAE:                p.Stats.MAE,
			MSE:                p.Stats.MSE,
			MAPE:               p.Stats.MAPE,
			SMAPE:              p.Stats.SMAPE,
		}
		if err := httpx.WriteJSON(w, http.StatusOK, resp); err != nil {
			d.Logger.Error("failed to write JSON response", "error", err)
		}
	}
}

type statusResponse struct {
	State                   string   `json:"state"`
	Metrics                 []string `json:"metrics"`
	EpochStart              int64    `json:"epochStart"`
	HorizonSeconds          int64    `json:"horizonSeconds"`
	ProcessingMarginSeconds float64  `json:"processingMarginSeconds"`
	BatchSize               int      `json:"batchSize"`
}

func handleStatus(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := d.Status.Status()
		metrics := snap.Metrics
		if metrics == nil {
			metrics = []string{}
		}

		resp := statusResponse{
			State:                   snap.Run.String(),
			Metrics:                 metrics,
			HorizonSeconds:          int64(snap.Cycle.Horizon / time.Second),
			ProcessingMarginSeconds: snap.Cycle.ProcessingMargin.Seconds(),
			BatchSize:               snap.Cycle.BatchSize,
		}
		if !snap.Cycle.EpochStart.IsZero() {
			resp.EpochStart = snap.Cycle.EpochStart.Unix()
		}
		if err := httpx.WriteJSON(w, http.StatusOK, resp); err != nil {
			d.Logger.Error("failed to write JSON response", "error", err)
		}
	}
}
