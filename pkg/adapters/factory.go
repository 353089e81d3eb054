package adapters

import (
	"encoding/json"
	"fmt"
	"time"
)

// New creates a source of the given kind from a flat configuration map.
//
// Supported kinds:
//   - "prometheus", "victoriametrics": keys url, query (a template over {{.Metric}})
//   - "http": keys url, method, body, headers (JSON object), templateVars
//     (JSON object), valuePath, timestampPath, timestampFormat
//
// step is the sampling resolution requested from the store.
func New(kind string, config map[string]string, step time.Duration) (Source, error) {
	switch kind {
	case "prometheus":
		return newPrometheus(config, step, "http://localhost:9090")
	case "victoriametrics":
		return newPrometheus(config, step, "http://localhost:8428")
	case "http":
		return newHTTP(config, step)
	default:
		return nil, fmt.Errorf("unknown adapter kind: %s (must be prometheus, victoriametrics, or http)", kind)
	}
}

func newPrometheus(config map[string]string, step time.Duration, defaultURL string) (Source, error) {
	url := config["url"]
	if url == "" {
		url = defaultURL
	}
	query := config["query"]
	if query == "" {
		query = "{{.Metric}}"
	}
	return NewPrometheus(url, query, step, nil)
}

func newHTTP(config map[string]string, step time.Duration) (Source, error) {
	url := config["url"]
	if url == "" {
		return nil, fmt.Errorf("http adapter requires 'url' config")
	}

	valuePath := config["valuePath"]
	timestampPath := config["timestampPath"]
	if valuePath == "" || timestampPath == "" {
		return nil, fmt.Errorf("http adapter requires 'valuePath' and 'timestampPath' config")
	}

	method := config["method"]
	if method == "" {
		method = "GET"
	}

	timestampFormat := config["timestampFormat"]
	if timestampFormat == "" {
		timestampFormat = "unix"
	}

	var headers map[string]string
	if raw := config["headers"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &headers); err != nil {
			return nil, fmt.Errorf("invalid 'headers' JSON: %w", err)
		}
	}

	var vars map[string]string
	if raw := config["templateVars"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &vars); err != nil {
			return nil, fmt.Errorf("invalid 'templateVars' JSON: %w", err)
		}
	}

	return &HTTPSource{
		URL:             url,
		Method:          method,
		Headers:         headers,
		Body:            config["body"],
		ValuePath:       valuePath,
		TimestampPath:   timestampPath,
		TimestampFormat: timestampFormat,
		Step:            step,
		TemplateVars:    vars,
	}, nil
}
