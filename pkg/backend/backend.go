// Package backend defines the seam to the external forecasting backend.
//
// The backend is opaque: given a metric, a reference to its historical dataset and a
// target timestamp it returns a point forecast, a confidence interval and accuracy
// statistics, or fails. Implementations communicate through a whitespace separated
// token stream:
//
//	Prediction:<float> Confidence_interval:<lo>,<hi> mae:<f> mse:<f> mape:<f> smape:<f>
//
// Two implementations are provided:
//   - Command: runs a subprocess (e.g. an R script) and parses its stdout
//   - HTTP: POSTs the job to a model service and parses the returned stream
package backend

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrInvocation marks a failure of the backend itself (process error, transport error,
// timeout, empty output). It aborts the whole forecast cycle.
var ErrInvocation = errors.New("backend invocation failed")

// Job is an immutable forecast request for one metric.
type Job struct {
	Metric string
	// Dataset is the historical data reference handed to the backend (a file path).
	Dataset string
	Target  time.Time
}

// ErrorStats holds the accuracy statistics reported with a forecast.
type ErrorStats struct {
	MAE   float64 `json:"mae"`
	MSE   float64 `json:"mse"`
	MAPE  float64 `json:"mape"`
	SMAPE float64 `json:"smape"`
}

// Result is the outcome of one forecast job.
//
// Valid is true only when both a point value and a confidence interval were
// produced. Invalid results carry an unbounded sentinel interval.
type Result struct {
	Metric   string
	Value    float64
	Lower    float64
	Upper    float64
	Valid    bool
	Stats    ErrorStats
	Duration time.Duration
}

// Invalid returns the sentinel result for a metric whose output could not be parsed.
func Invalid(metric string) Result {
	return Result{
		Metric: metric,
		Lower:  -math.MaxFloat64,
		Upper:  math.MaxFloat64,
	}
}

// Backend runs one forecast job.
//
// Submit returns an error wrapping ErrInvocation when the backend could not run.
// An output that ran but could not be parsed is not an error; it yields a Result
// with Valid=false.
type Backend interface {
	Submit(ctx context.Context, job Job) (Result, error)
	Name() string
}
