package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

// HTTP delegates forecasts to an external model service.
//
// The job is POSTed as JSON:
//
//	{"metric": "cpu_usage", "dataset": "/data/app_cpu_usage.csv", "targetTimestamp": 1700000120}
//
// The response carries the token stream either as the whole body or, when
// OutputPath is set, as the string found at that gjson path of a JSON body.
type HTTP struct {
	endpoint   string
	outputPath string
	client     *http.Client
}

type httpRequest struct {
	Metric          string `json:"metric"`
	Dataset         string `json:"dataset"`
	TargetTimestamp int64  `json:"targetTimestamp"`
}

// NewHTTP creates an HTTP backend. A zero timeout defaults to 60 seconds.
func NewHTTP(endpoint, outputPath string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTP{
		endpoint:   endpoint,
		outputPath: outputPath,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConnsPerHost: 4,
			},
		},
	}
}

// WithClient replaces the HTTP client, e.g. to call the service over mutual TLS.
func (h *HTTP) WithClient(c *http.Client) *HTTP {
	if c != nil {
		h.client = c
	}
	return h
}

// Name returns the backend identifier.
func (h *HTTP) Name() string { return "http" }

// Submit posts job to the model service and parses the returned stream.
func (h *HTTP) Submit(ctx context.Context, job Job) (Result, error) {
	body, err := json.Marshal(httpRequest{
		Metric:          job.Metric,
		Dataset:         job.Dataset,
		TargetTimestamp: job.Target.Unix(),
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: marshal request: %v", ErrInvocation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("%w: create request: %v", ErrInvocation, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: http request failed: %v", ErrInvocation, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("%w: read response: %v", ErrInvocation, err)
	}

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("%w: http %d: %s", ErrInvocation, resp.StatusCode, truncate(string(respBody), 512))
	}

	output := string(respBody)
	if h.outputPath != "" {
		field := gjson.GetBytes(respBody, h.outputPath)
		if !field.Exists() {
			return Result{}, fmt.Errorf("%w: output path %q not found in response", ErrInvocation, h.outputPath)
		}
		output = field.String()
	}

	if len(bytes.TrimSpace([]byte(output))) == 0 {
		return Result{}, fmt.Errorf("%w: empty output for %q", ErrInvocation, job.Metric)
	}

	return ParseOutput(job.Metric, output), nil
}
