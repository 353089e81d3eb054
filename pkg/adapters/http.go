package adapters

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// HTTPSource calls a REST endpoint and extracts a series with gjson paths.
//
// URL, Body and header values are templates. They can reference {{.Metric}},
// {{.Start}}, {{.End}}, {{.Step}}, {{.WindowSeconds}}, {{.StartRFC3339}},
// {{.EndRFC3339}} and custom values as {{.Vars.Name}}.
//
//	src := &HTTPSource{
//	    URL:           "https://metrics.example.com/series?name={{.Metric}}&from={{.Start}}",
//	    Headers:       map[string]string{"Authorization": "Bearer {{.Vars.Token}}"},
//	    ValuePath:     "data.#.value",
//	    TimestampPath: "data.#.ts",
//	    TemplateVars:  map[string]string{"Token": "secret"},
//	}
type HTTPSource struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    string

	// ValuePath and TimestampPath must select arrays of equal length.
	ValuePath     string
	TimestampPath string
	// TimestampFormat is "unix" (default), "unix_milli" or "rfc3339".
	TimestampFormat string

	Step         time.Duration
	TemplateVars map[string]string
	HTTPClient   *http.Client
}

func (h *HTTPSource) Name() string { return "http" }

// Collect implements Source.
func (h *HTTPSource) Collect(ctx context.Context, metric string, window time.Duration) ([]Point, error) {
	if h.URL == "" {
		return nil, errors.New("http adapter: URL is required")
	}
	if h.ValuePath == "" || h.TimestampPath == "" {
		return nil, errors.New("http adapter: ValuePath and TimestampPath are required")
	}

	step := h.Step
	if step <= 0 {
		step = time.Minute
	}
	end := time.Now().UTC().Truncate(time.Second)
	data := newTemplateData(metric, end.Add(-window), end, step, h.TemplateVars)

	url, err := render(h.URL, data)
	if err != nil {
		return nil, fmt.Errorf("render url: %w", err)
	}

	var body io.Reader
	if h.Body != "" {
		rendered, err := render(h.Body, data)
		if err != nil {
			return nil, fmt.Errorf("render body: %w", err)
		}
		body = strings.NewReader(rendered)
	}

	method := h.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for key, value := range h.Headers {
		rendered, err := render(value, data)
		if err != nil {
			return nil, fmt.Errorf("render header %s: %w", key, err)
		}
		req.Header.Set(key, rendered)
	}

	cli := h.HTTPClient
	if cli == nil {
		cli = &http.Client{Timeout: 30 * time.Second}
	}

	resp, err := cli.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, string(snippet))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	values := gjson.GetBytes(raw, h.ValuePath)
	timestamps := gjson.GetBytes(raw, h.TimestampPath)
	if !values.Exists() {
		return nil, fmt.Errorf("value path %q not found in response", h.ValuePath)
	}
	if !timestamps.Exists() {
		return nil, fmt.Errorf("timestamp path %q not found in response", h.TimestampPath)
	}

	vals := values.Array()
	tss := timestamps.Array()
	if len(vals) != len(tss) {
		return nil, fmt.Errorf("value count (%d) != timestamp count (%d)", len(vals), len(tss))
	}

	points := make([]Point, 0, len(vals))
	for i := range vals {
		ts, err := h.parseTimestamp(tss[i])
		if err != nil {
			return nil, fmt.Errorf("parse timestamp[%d]: %w", i, err)
		}
		points = append(points, Point{Time: ts, Value: vals[i].Float()})
	}

	sort.Slice(points, func(i, j int) bool { return points[i].Time.Before(points[j].Time) })
	return points, nil
}

func (h *HTTPSource) parseTimestamp(v gjson.Result) (time.Time, error) {
	switch h.TimestampFormat {
	case "", "unix":
		return time.Unix(int64(v.Float()), 0).UTC(), nil
	case "unix_milli":
		return time.UnixMilli(int64(v.Float())).UTC(), nil
	case "rfc3339":
		return time.Parse(time.RFC3339, v.String())
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp format: %s", h.TimestampFormat)
	}
}
