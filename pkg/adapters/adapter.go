// Package adapters pulls historical series for a metric from a time-series store.
//
// Available sources:
//   - Prometheus: range queries through the Prometheus HTTP API client; also
//     serves VictoriaMetrics and any other Prometheus-compatible store
//   - HTTP: any REST endpoint returning JSON, values extracted with gjson paths
//
// Sources only fetch and normalize. Writing the data out for the forecasting
// backend is the history package's job.
package adapters

import (
	"bytes"
	"context"
	"strings"
	"text/template"
	"time"
)

// Point is one observation of a metric.
type Point struct {
	Time  time.Time
	Value float64
}

// Source fetches the recent history of a metric.
type Source interface {
	// Collect returns the points of metric over the trailing window, oldest first.
	// It must respect ctx cancellation and deadlines.
	Collect(ctx context.Context, metric string, window time.Duration) ([]Point, error)

	// Name returns a short identifier such as "prometheus" or "http".
	Name() string
}

// templateData is what query, URL, body and header templates can reference.
type templateData struct {
	Metric        string
	WindowSeconds int64
	Start         int64
	End           int64
	Step          int64
	StartRFC3339  string
	EndRFC3339    string
	Vars          map[string]string
}

func newTemplateData(metric string, start, end time.Time, step time.Duration, vars map[string]string) templateData {
	return templateData{
		Metric:        metric,
		WindowSeconds: int64(end.Sub(start) / time.Second),
		Start:         start.Unix(),
		End:           end.Unix(),
		Step:          int64(step / time.Second),
		StartRFC3339:  start.Format(time.RFC3339),
		EndRFC3339:    end.Format(time.RFC3339),
		Vars:          vars,
	}
}

// render executes tmpl against data. Strings without actions are returned as is.
func render(tmpl string, data templateData) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	t, err := template.New("").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
