// Package control decodes forecasting control messages into a closed set of commands.
//
// A message is decoded once, at the subscription boundary, into exactly one of
// Start, Stop or Unrecognized. Payloads with missing or unparseable required fields
// are rejected with ErrMalformed and produce no command.
package control

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ErrMalformed reports a control payload that is missing or has invalid required fields.
var ErrMalformed = errors.New("control: malformed message")

// Command is a decoded control message.
type Command interface {
	command()
}

// Start begins, or reconfigures, forecasting of Metrics.
type Start struct {
	Metrics    []string
	EpochStart time.Time
	Horizon    time.Duration
}

// Stop ends forecasting of Metrics. Names that are not active are ignored.
type Stop struct {
	Metrics []string
}

// Unrecognized is a message on a topic that carries no forecasting command.
type Unrecognized struct {
	Topic string
}

func (Start) command()        {}
func (Stop) command()         {}
func (Unrecognized) command() {}

// Decoder maps control topics to commands.
type Decoder struct {
	topics Topics
}

// NewDecoder creates a Decoder for the start and stop topics of t.
func NewDecoder(t Topics) *Decoder {
	return &Decoder{topics: t}
}

// Decode parses payload received on topic.
func (d *Decoder) Decode(topic string, payload []byte) (Command, error) {
	switch topic {
	case d.topics.Start():
		start, err := DecodeStart(payload)
		if err != nil {
			return nil, err
		}
		return start, nil
	case d.topics.Stop():
		stop, err := DecodeStop(payload)
		if err != nil {
			return nil, err
		}
		return stop, nil
	default:
		return Unrecognized{Topic: topic}, nil
	}
}

// DecodeStart parses {"metrics": [...], "epoch_start": n, "prediction_horizon": n}.
func DecodeStart(payload []byte) (Start, error) {
	if !gjson.ValidBytes(payload) {
		return Start{}, fmt.Errorf("%w: start payload is not valid JSON", ErrMalformed)
	}
	root := gjson.ParseBytes(payload)

	metrics, err := parseMetrics(root.Get("metrics"))
	if err != nil {
		return Start{}, err
	}

	epoch, err := parseNumber(root.Get("epoch_start"), "epoch_start")
	if err != nil {
		return Start{}, err
	}
	horizon, err := parseNumber(root.Get("prediction_horizon"), "prediction_horizon")
	if err != nil {
		return Start{}, err
	}
	if horizon < 1 {
		return Start{}, fmt.Errorf("%w: prediction_horizon must be at least one second, got %v", ErrMalformed, horizon)
	}

	return Start{
		Metrics:    metrics,
		EpochStart: time.Unix(int64(epoch), 0),
		Horizon:    time.Duration(int64(horizon)) * time.Second,
	}, nil
}

// DecodeStop parses {"metrics": [...]}. An empty list is valid and stops nothing.
func DecodeStop(payload []byte) (Stop, error) {
	if !gjson.ValidBytes(payload) {
		return Stop{}, fmt.Errorf("%w: stop payload is not valid JSON", ErrMalformed)
	}

	field := gjson.GetBytes(payload, "metrics")
	if field.IsArray() && len(field.Array()) == 0 {
		return Stop{Metrics: []string{}}, nil
	}

	metrics, err := parseMetrics(field)
	if err != nil {
		return Stop{}, err
	}
	return Stop{Metrics: metrics}, nil
}

// parseMetrics accepts an array of names, or of objects carrying a "metric" name.
// Duplicates are dropped, keeping first-seen order.
func parseMetrics(field gjson.Result) ([]string, error) {
	if !field.Exists() {
		return nil, fmt.Errorf("%w: missing metrics", ErrMalformed)
	}
	if !field.IsArray() {
		return nil, fmt.Errorf("%w: metrics must be an array", ErrMalformed)
	}

	var out []string
	seen := make(map[string]struct{})
	for i, item := range field.Array() {
		var name string
		switch {
		case item.Type == gjson.String:
			name = item.String()
		case item.IsObject() && item.Get("metric").Type == gjson.String:
			name = item.Get("metric").String()
		default:
			return nil, fmt.Errorf("%w: metrics[%d] is not a metric name", ErrMalformed, i)
		}

		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("%w: metrics[%d] is empty", ErrMalformed, i)
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%w: metrics is empty", ErrMalformed)
	}
	return out, nil
}

// parseNumber accepts a JSON number or a numeric string.
func parseNumber(field gjson.Result, name string) (float64, error) {
	var v float64
	switch field.Type {
	case gjson.Number:
		v = field.Num
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(field.Str), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s is not a number: %q", ErrMalformed, name, field.Str)
		}
		v = f
	case gjson.Null:
		if !field.Exists() {
			return 0, fmt.Errorf("%w: missing %s", ErrMalformed, name)
		}
		return 0, fmt.Errorf("%w: %s is null", ErrMalformed, name)
	default:
		return 0, fmt.Errorf("%w: %s is not a number", ErrMalformed, name)
	}

	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %s is not finite", ErrMalformed, name)
	}
	return v, nil
}
